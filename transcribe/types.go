package transcribe

import (
	"context"
	"errors"
)

// ErrProviderConfig marks a provider that can never succeed as configured
// (missing key, missing binary). It is not retried.
var ErrProviderConfig = errors.New("transcription provider misconfigured")

// TimedSegment is a provider sub-segment; times are seconds.
type TimedSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is what a provider returns for one piece of audio.
type Result struct {
	Text     string         `json:"text"`
	Segments []TimedSegment `json:"segments,omitempty"`
	Language string         `json:"language,omitempty"`
}

type Options struct {
	Language string
	Prompt   string
}

// Provider is the speech-to-text boundary. Implementations must honor ctx.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
}

// ChunkResult is the result for one chunk. Exactly one exists per chunk.
type ChunkResult struct {
	Result
	Index    int
	Duration float64
	// Placeholder is set when every attempt failed and Text is empty on purpose.
	Placeholder bool
}
