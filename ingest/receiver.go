package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bosley/segscribe/audio"
)

// DefaultMinDuration drops transmissions too short to hold speech.
const DefaultMinDuration = time.Second

// Receiver turns each transmission of a stream into a WAV file in Dir.
// Files are written under a .tmp name and renamed once their header is final.
type Receiver struct {
	Dir         string
	Format      audio.PCMFormat
	MinDuration time.Duration

	// OnSegment is called with the path of every finished file.
	OnSegment func(path string) error
}

type transmission struct {
	file    *os.File
	bytes   int64
	started time.Time
}

// Receive consumes r until EOF and returns the finished file paths. A
// transmission cut off by EOF is kept if it is long enough.
func (rc *Receiver) Receive(ctx context.Context, r io.Reader) ([]string, error) {
	if rc.Format.BlockAlign() == 0 || rc.Format.SampleRate == 0 {
		return nil, errors.New("invalid PCM format")
	}
	if err := os.MkdirAll(rc.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stream directory: %w", err)
	}

	var (
		current *transmission
		paths   []string
		seq     int
	)

	finish := func() error {
		t := current
		current = nil
		path, err := rc.finish(t)
		if err != nil || path == "" {
			return err
		}
		paths = append(paths, path)
		if rc.OnSegment != nil {
			return rc.OnSegment(path)
		}
		return nil
	}

	defer func() {
		if current != nil {
			current.file.Close()
			os.Remove(current.file.Name())
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return paths, err
		}

		var marker [4]byte
		if _, err := io.ReadFull(r, marker[:]); err != nil {
			if errors.Is(err, io.EOF) {
				if current != nil {
					slog.Info("Stream ended mid-transmission", "dir", rc.Dir)
					return paths, finish()
				}
				return paths, nil
			}
			return paths, fmt.Errorf("failed to read marker: %w", err)
		}

		switch value := binary.BigEndian.Uint32(marker[:]); value {
		case markerStart:
			if current != nil {
				if err := finish(); err != nil {
					return paths, err
				}
			}
			seq++
			t, err := rc.start(seq)
			if err != nil {
				return paths, err
			}
			current = t
			slog.Debug("Started receiving transmission", "file", t.file.Name())

		case markerEnd:
			if current == nil {
				continue
			}
			if err := finish(); err != nil {
				return paths, err
			}

		default:
			if value > MaxFrameBytes {
				return paths, fmt.Errorf("frame of %d bytes exceeds %d", value, MaxFrameBytes)
			}
			data := make([]byte, value)
			if _, err := io.ReadFull(r, data); err != nil {
				return paths, fmt.Errorf("failed to read chunk data: %w", err)
			}
			if current == nil {
				slog.Warn("Dropping audio outside a transmission", "bytes", value)
				continue
			}
			if _, err := current.file.Write(data); err != nil {
				return paths, fmt.Errorf("failed to write chunk data: %w", err)
			}
			current.bytes += int64(value)
		}
	}
}

func (rc *Receiver) start(seq int) (*transmission, error) {
	// Concurrent uploads to one session share Dir.
	pattern := fmt.Sprintf("stream_%s_%03d_*.wav.tmp", time.Now().Format("20060102T150405"), seq)
	file, err := os.CreateTemp(rc.Dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	if err := file.Chmod(0644); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to set WAV file mode: %w", err)
	}
	if err := audio.WriteWavHeader(file, rc.Format, 0); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &transmission{file: file, started: time.Now()}, nil
}

// finish finalizes or discards a transmission. It returns "" when dropped.
func (rc *Receiver) finish(t *transmission) (string, error) {
	tmpName := t.file.Name()

	frames := t.bytes / int64(rc.Format.BlockAlign())
	duration := time.Duration(float64(frames) / float64(rc.Format.SampleRate) * float64(time.Second))
	if duration < rc.MinDuration {
		slog.Debug("Dropping short transmission",
			"duration", duration.Seconds(),
			"bytes", t.bytes)
		t.file.Close()
		os.Remove(tmpName)
		return "", nil
	}

	// Whole frames only.
	dataSize := frames * int64(rc.Format.BlockAlign())
	if err := t.file.Truncate(int64(binary.Size(audio.WavHeader{})) + dataSize); err != nil {
		t.file.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to trim WAV data: %w", err)
	}
	if err := audio.UpdateWavHeader(t.file, uint32(dataSize)); err != nil {
		t.file.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to update WAV header: %w", err)
	}
	if err := t.file.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	final := strings.TrimSuffix(tmpName, ".tmp")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish WAV file: %w", err)
	}

	slog.Info("Finished receiving transmission",
		"duration", duration.Seconds(),
		"bytes", dataSize,
		"file", filepath.Base(final),
		"elapsed", time.Since(t.started).Seconds())
	return final, nil
}
