package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bosley/segscribe/audio"
)

const (
	DefaultAttempts    = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Second
	DefaultCallTimeout = 10 * time.Minute
)

// Client wraps a Provider with bounded retries and chunk bookkeeping.
type Client struct {
	provider Provider

	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

func NewClient(provider Provider) *Client {
	return &Client{
		provider:    provider,
		Attempts:    DefaultAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		CallTimeout: DefaultCallTimeout,
	}
}

// Backoff is the wait after failed attempt n (1-based).
func (c *Client) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxDelay)
}

// Transcribe runs one chunk through the provider, retrying transient failures.
func (c *Client) Transcribe(ctx context.Context, chunk audio.Chunk, opts Options) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.Attempts; attempt++ {
		res, err := c.call(ctx, chunk.Path, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrProviderConfig) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if attempt == c.Attempts {
			break
		}

		delay := c.Backoff(attempt)
		slog.Warn("Transcription attempt failed, retrying",
			"provider", c.provider.Name(),
			"chunk", chunk.Index,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		}
	}

	return Result{}, fmt.Errorf("chunk %d: %d attempts failed: %w", chunk.Index, c.Attempts, lastErr)
}

func (c *Client) call(ctx context.Context, path string, opts Options) (Result, error) {
	if c.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
	}
	return c.provider.Transcribe(ctx, path, opts)
}

// TranscribeSegment returns one ChunkResult per chunk in index order.
//
// An unsplit segment is a single provider call and its error is returned.
// Split segments are transcribed one chunk at a time; a chunk that exhausts
// its retries becomes a placeholder and the rest still run. onChunk, when
// set, is called after every chunk.
func (c *Client) TranscribeSegment(ctx context.Context, chunks []audio.Chunk, opts Options, onChunk func(done, total int)) ([]ChunkResult, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to transcribe")
	}

	if len(chunks) == 1 {
		res, err := c.call(ctx, chunks[0].Path, opts)
		if err != nil {
			return nil, fmt.Errorf("transcribe %s: %w", chunks[0].Path, err)
		}
		if onChunk != nil {
			onChunk(1, 1)
		}
		return []ChunkResult{{Result: res, Index: 0, Duration: chunks[0].Duration}}, nil
	}

	results := make([]ChunkResult, 0, len(chunks))
	var placeholders []int
	for i, chunk := range chunks {
		res, err := c.Transcribe(ctx, chunk, opts)
		if err != nil {
			if errors.Is(err, ErrProviderConfig) || ctx.Err() != nil {
				return nil, err
			}
			slog.Error("Chunk transcription failed, using placeholder",
				"chunk", chunk.Index,
				"file", chunk.Path,
				"error", err)
			results = append(results, ChunkResult{
				Index:       chunk.Index,
				Duration:    chunk.Duration,
				Placeholder: true,
			})
			placeholders = append(placeholders, chunk.Index)
		} else {
			results = append(results, ChunkResult{
				Result:   res,
				Index:    chunk.Index,
				Duration: chunk.Duration,
			})
		}

		if onChunk != nil {
			onChunk(i+1, len(chunks))
		}
	}

	if len(placeholders) > 0 {
		slog.Warn("Transcript is missing chunks",
			"placeholders", placeholders,
			"chunks", len(chunks))
	}

	return results, nil
}
