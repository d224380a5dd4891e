package audio

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"

	"github.com/youpy/go-wav"
)

// Cutter writes the [start, end) seconds of src to dst without re-encoding.
// A negative end means "to the end of the file".
type Cutter interface {
	Cut(ctx context.Context, src, dst string, start, end float64) error
}

// WavCutter slices PCM WAV files by copying whole frames.
type WavCutter struct{}

func (WavCutter) Cut(ctx context.Context, src, dst string, start, end float64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	reader, info, err := openWav(in)
	if err != nil {
		return err
	}
	if info.AudioFormat != wav.AudioFormatPCM {
		return fmt.Errorf("wav audio format %d is not PCM", info.AudioFormat)
	}

	rate := float64(info.Format.SampleRate)
	block := int64(info.Format.BlockAlign())
	total := info.Frames()

	first := min(int64(math.Round(start*rate)), total)
	last := total
	if end >= 0 {
		last = min(int64(math.Round(end*rate)), total)
	}
	if last < first {
		last = first
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := wav.NewWriter(out, uint32(last-first),
		info.Format.NumChannels, info.Format.SampleRate, info.Format.BitsPerSample)

	if _, err := io.CopyN(io.Discard, reader, first*block); err != nil {
		return fmt.Errorf("skip to frame %d: %w", first, err)
	}
	if _, err := io.CopyN(writer, reader, (last-first)*block); err != nil {
		return fmt.Errorf("copy pcm frames: %w", err)
	}
	return out.Close()
}

// FFmpegCutter stream-copies a time range of any container ffmpeg understands.
type FFmpegCutter struct {
	FFmpegPath string
}

func (c FFmpegCutter) Cut(ctx context.Context, src, dst string, start, end float64) error {
	bin := c.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-i", src,
	}
	if end >= 0 {
		args = append(args, "-t", strconv.FormatFloat(end-start, 'f', 3, 64))
	}
	args = append(args, "-map", "0:a", "-c", "copy", dst)

	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, out)
	}
	return nil
}
