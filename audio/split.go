package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxChunkBytes matches the upload limit of hosted Whisper endpoints.
const DefaultMaxChunkBytes int64 = 25 << 20

// Chunk is a contiguous time slice of one audio segment.
type Chunk struct {
	Path     string
	Index    int
	Start    float64 // seconds from the start of the segment
	Duration float64 // seconds
	// Temp chunks were cut by the splitter and must be removed with Cleanup.
	Temp bool
}

type Splitter struct {
	MaxChunkBytes int64
	TempDir       string
	Prober        Prober
	// Cutter overrides the per-extension choice between WavCutter and FFmpegCutter.
	Cutter Cutter
}

func NewSplitter(maxChunkBytes int64, tempDir string) *Splitter {
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	return &Splitter{
		MaxChunkBytes: maxChunkBytes,
		TempDir:       tempDir,
		Prober:        FileProber{},
	}
}

// Split returns the file itself when it fits the size limit, otherwise
// ceil(size/MaxChunkBytes) equal-duration slices ordered by index.
func (s *Splitter) Split(ctx context.Context, audioPath string) ([]Chunk, error) {
	info, err := s.Prober.Probe(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	if info.Size <= s.MaxChunkBytes {
		return []Chunk{{
			Path:     audioPath,
			Index:    0,
			Duration: info.Duration,
		}}, nil
	}

	n := int((info.Size + s.MaxChunkBytes - 1) / s.MaxChunkBytes)
	chunkDuration := info.Duration / float64(n)

	slog.Debug("Splitting audio",
		"file", audioPath,
		"bytes", info.Size,
		"duration", info.Duration,
		"chunks", n,
		"chunkDuration", chunkDuration)

	workDir, err := os.MkdirTemp(s.TempDir, "chunks-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	ext := filepath.Ext(audioPath)
	cutter := s.cutterFor(ext)

	var (
		mu     sync.Mutex
		chunks = make([]Chunk, 0, n)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			start := float64(i) * chunkDuration
			end := float64(i+1) * chunkDuration
			duration := end - start
			if i == n-1 {
				end = -1
				duration = info.Duration - start
			}

			dst := filepath.Join(workDir, fmt.Sprintf("chunk_%04d%s", i, ext))
			if err := cutter.Cut(gctx, audioPath, dst, start, end); err != nil {
				return fmt.Errorf("failed to cut chunk %d: %w", i, err)
			}

			mu.Lock()
			chunks = append(chunks, Chunk{
				Path:     dst,
				Index:    i,
				Start:    start,
				Duration: duration,
				Temp:     true,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}

	sort.Slice(chunks, func(a, b int) bool { return chunks[a].Index < chunks[b].Index })
	return chunks, nil
}

func (s *Splitter) cutterFor(ext string) Cutter {
	if s.Cutter != nil {
		return s.Cutter
	}
	if strings.EqualFold(ext, ".wav") {
		return WavCutter{}
	}
	return FFmpegCutter{}
}

// Cleanup removes temp chunk files and the directory they were cut into.
func Cleanup(chunks []Chunk) {
	dirs := make(map[string]struct{})
	for _, c := range chunks {
		if !c.Temp {
			continue
		}
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove chunk", "file", c.Path, "error", err)
		}
		dirs[filepath.Dir(c.Path)] = struct{}{}
	}
	for dir := range dirs {
		os.Remove(dir)
	}
}
