package scribe

import (
	"context"
	"regexp"
	"time"

	"github.com/bosley/segscribe/audio"
	"github.com/bosley/segscribe/callback"
	"github.com/bosley/segscribe/paragraph"
	"github.com/bosley/segscribe/store"
	"github.com/bosley/segscribe/tracker"
	"github.com/bosley/segscribe/transcribe"
)

// TranscriptionJob is one queued audio segment.
type TranscriptionJob struct {
	SegmentID string `json:"segmentId"`
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId,omitempty"`
	AudioPath string `json:"audioPath"`
}

const (
	EventProgress  = "progress"
	EventResult    = "result"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is a message pushed to websocket subscribers of a session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	SegmentID string    `json:"segmentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type Progress struct {
	SegmentID string `json:"segmentId"`
	SessionID string `json:"sessionId"`
	Progress  int    `json:"progress"`
}

// SessionView is the response of GET /api/sessions/{sessionID}.
type SessionView struct {
	SessionID  string                   `json:"sessionId"`
	Status     tracker.Status           `json:"status"`
	Remaining  *int                     `json:"remaining,omitempty"`
	Progress   store.Progress           `json:"progress"`
	Paragraphs []store.SegmentParagraph `json:"paragraphs"`
}

// SegmentStore is the persistence the service needs.
type SegmentStore interface {
	tracker.StatusSink
	AddSegment(ctx context.Context, seg store.Segment) (bool, error)
	LoadSessionSegments(ctx context.Context, sessionID string) ([]store.Segment, error)
	AppendParagraphs(ctx context.Context, sessionID, segmentID string, paragraphs []paragraph.Paragraph) error
	SessionStatus(ctx context.Context, sessionID string) (tracker.Status, error)
	SessionParagraphs(ctx context.Context, sessionID string) ([]store.SegmentParagraph, error)
	ListSessions(ctx context.Context, status tracker.Status) ([]string, error)
	SessionProgress(ctx context.Context, sessionID string) (store.Progress, error)
}

// Reporter hands a finished segment to whoever owns the session.
type Reporter interface {
	Deliver(ctx context.Context, p callback.Payload) error
}

type Localizer interface {
	Localize(ctx context.Context, audioPath string) (string, func(), error)
}

type Splitter interface {
	Split(ctx context.Context, audioPath string) ([]audio.Chunk, error)
}

type Transcriber interface {
	TranscribeSegment(ctx context.Context, chunks []audio.Chunk, opts transcribe.Options, onChunk func(done, total int)) ([]transcribe.ChunkResult, error)
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// validSessionID keeps IDs safe to use as directory names.
func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
