// Package tracker counts outstanding transcription jobs per session.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type Status string

const (
	// StatusPending is a session with segments that has not been started.
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// StatusSink persists session status transitions.
type StatusSink interface {
	MarkSessionStatus(ctx context.Context, sessionID string, status Status) error
}

type counter struct {
	expected int
	done     map[string]struct{}
}

func (c *counter) remaining() int {
	return c.expected - len(c.done)
}

// Tracker is safe for concurrent use. Counters live in memory only.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*counter
	sink     StatusSink
}

func New(sink StatusSink) *Tracker {
	return &Tracker{
		sessions: make(map[string]*counter),
		sink:     sink,
	}
}

// InitJobCount starts tracking n jobs for a session, replacing any previous
// counter. A session with no jobs is completed immediately.
func (t *Tracker) InitJobCount(ctx context.Context, sessionID string, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 {
		delete(t.sessions, sessionID)
		slog.Info("Session has no jobs, marking completed", "sessionID", sessionID)
		return t.mark(ctx, sessionID, StatusCompleted)
	}

	t.sessions[sessionID] = &counter{
		expected: n,
		done:     make(map[string]struct{}, n),
	}
	slog.Debug("Tracking session jobs", "sessionID", sessionID, "jobs", n)
	return t.mark(ctx, sessionID, StatusProcessing)
}

// CompleteOne records that segmentID finished and returns how many jobs are
// still outstanding. Repeated calls for the same segment do not count twice.
// A session without a counter is treated as finished.
func (t *Tracker) CompleteOne(ctx context.Context, sessionID, segmentID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.sessions[sessionID]
	if !ok {
		slog.Warn("No job counter for session, marking completed",
			"sessionID", sessionID,
			"segmentID", segmentID)
		return 0, t.mark(ctx, sessionID, StatusCompleted)
	}

	if _, seen := c.done[segmentID]; seen {
		slog.Debug("Segment already counted",
			"sessionID", sessionID,
			"segmentID", segmentID)
		return c.remaining(), nil
	}
	c.done[segmentID] = struct{}{}

	remaining := c.remaining()
	if remaining > 0 {
		slog.Debug("Session job completed",
			"sessionID", sessionID,
			"segmentID", segmentID,
			"remaining", remaining)
		return remaining, nil
	}

	delete(t.sessions, sessionID)
	slog.Info("All session jobs completed", "sessionID", sessionID)
	return 0, t.mark(ctx, sessionID, StatusCompleted)
}

// Truncate lowers a session's expected job count to the jobs that were
// actually queued and returns how many are still outstanding. With nothing
// queued the counter is dropped and the session goes back to pending.
func (t *Tracker) Truncate(ctx context.Context, sessionID string, queued int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	if queued >= c.expected {
		return c.remaining(), nil
	}
	if queued <= 0 {
		delete(t.sessions, sessionID)
		slog.Warn("No jobs queued for session, counter dropped", "sessionID", sessionID)
		return 0, t.mark(ctx, sessionID, StatusPending)
	}

	slog.Warn("Session job count lowered",
		"sessionID", sessionID,
		"expected", c.expected,
		"queued", queued)
	c.expected = queued

	remaining := c.remaining()
	if remaining > 0 {
		return remaining, nil
	}
	delete(t.sessions, sessionID)
	slog.Info("All session jobs completed", "sessionID", sessionID)
	return 0, t.mark(ctx, sessionID, StatusCompleted)
}

// Remaining reports the outstanding job count and whether a counter exists.
func (t *Tracker) Remaining(sessionID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return c.remaining(), true
}

// Tracked reports whether a session currently has a counter.
func (t *Tracker) Tracked(sessionID string) bool {
	_, ok := t.Remaining(sessionID)
	return ok
}

func (t *Tracker) mark(ctx context.Context, sessionID string, status Status) error {
	if t.sink == nil {
		return nil
	}
	if err := t.sink.MarkSessionStatus(ctx, sessionID, status); err != nil {
		return fmt.Errorf("mark session %s %s: %w", sessionID, status, err)
	}
	return nil
}
