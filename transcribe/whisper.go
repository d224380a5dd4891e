package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bosley/segscribe/audio"
)

// WhisperCLIProvider runs a local whisper.cpp executable per chunk.
type WhisperCLIProvider struct {
	WhisperPath string
	Model       string
	TempDir     string
}

func (w *WhisperCLIProvider) Name() string { return "whisper-cli" }

func (w *WhisperCLIProvider) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if w.WhisperPath == "" || w.Model == "" {
		return Result{}, fmt.Errorf("%w: whisper path and model are required", ErrProviderConfig)
	}
	if _, err := exec.LookPath(w.WhisperPath); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProviderConfig, err)
	}

	input := audioPath
	if !audio.IsWhisperReady(audioPath) {
		tmp, err := os.CreateTemp(w.TempDir, "whisper-*.wav")
		if err != nil {
			return Result{}, fmt.Errorf("create resample file: %w", err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		if err := audio.ResampleForWhisper(ctx, audioPath, tmp.Name()); err != nil {
			return Result{}, err
		}
		input = tmp.Name()
	}

	args := []string{"--model", w.Model}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.Prompt != "" {
		args = append(args, "--prompt", opts.Prompt)
	}
	args = append(args, input)

	cmd := exec.CommandContext(ctx, w.WhisperPath, args...)

	slog.Debug("Executing whisper command",
		"command", cmd.String(),
		"file", filepath.Base(audioPath))

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := string(exitErr.Stderr)
			if strings.Contains(stderr, "input file not found") {
				return Result{}, fmt.Errorf("whisper: %s: %w", audioPath, os.ErrNotExist)
			}
			slog.Debug("Whisper command failed",
				"stderr", stderr,
				"exitCode", exitErr.ExitCode())
		}
		return Result{}, fmt.Errorf("whisper execution failed: %w", err)
	}

	res := parseWhisperOutput(string(output))
	res.Language = opts.Language
	return res, nil
}

var timestampLine = regexp.MustCompile(`^\[(\d+):(\d{2}):(\d{2}(?:\.\d+)?)\s*-->\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)\]\s*(.*)$`)

// parseWhisperOutput reads whisper.cpp's subtitle-style stdout. Lines without
// a timestamp prefix still contribute text.
func parseWhisperOutput(output string) Result {
	var res Result
	var texts []string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "[BLANK_AUDIO]") {
			continue
		}

		m := timestampLine.FindStringSubmatch(line)
		if m == nil {
			texts = append(texts, line)
			continue
		}

		text := strings.TrimSpace(m[7])
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, TimedSegment{
			Start: clockSeconds(m[1], m[2], m[3]),
			End:   clockSeconds(m[4], m[5], m[6]),
			Text:  text,
		})
		texts = append(texts, text)
	}

	res.Text = strings.Join(texts, " ")
	return res
}

func clockSeconds(h, m, s string) float64 {
	hours, _ := strconv.Atoi(h)
	minutes, _ := strconv.Atoi(m)
	seconds, _ := strconv.ParseFloat(s, 64)
	return float64(hours*3600+minutes*60) + seconds
}
