package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrProbe marks a file whose size or duration could not be determined.
// It is fatal for the job that owns the file.
var ErrProbe = errors.New("audio probe failed")

// Info is what the splitter needs to know about a file.
type Info struct {
	Size     int64
	Duration float64 // seconds
}

type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// FileProber reads WAV metadata directly and asks ffprobe about everything else.
type FileProber struct {
	FFprobePath string
}

func (p FileProber) Probe(ctx context.Context, path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	if st.IsDir() {
		return Info{}, fmt.Errorf("%w: %s is a directory", ErrProbe, path)
	}

	var seconds float64
	if isWav(path) {
		seconds, err = wavSeconds(path)
	} else {
		seconds, err = p.ffprobeSeconds(ctx, path)
	}
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %w", ErrProbe, path, err)
	}
	if seconds <= 0 {
		return Info{}, fmt.Errorf("%w: %s has no duration", ErrProbe, path)
	}

	return Info{Size: st.Size(), Duration: seconds}, nil
}

func wavSeconds(path string) (float64, error) {
	info, err := ReadWavInfo(path)
	if err != nil {
		return 0, err
	}
	return info.Duration.Seconds(), nil
}

func (p FileProber) ffprobeSeconds(ctx context.Context, path string) (float64, error) {
	bin := p.FFprobePath
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return 0, fmt.Errorf("ffprobe: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	raw := strings.TrimSpace(string(out))
	if raw == "" || raw == "N/A" {
		return 0, errors.New("no duration metadata")
	}
	return strconv.ParseFloat(raw, 64)
}

func isWav(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}
