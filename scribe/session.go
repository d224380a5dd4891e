package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bosley/segscribe/callback"
	"github.com/bosley/segscribe/store"
)

// StartSession queues every segment of a session and starts counting them.
// It returns the number of queued jobs.
func (s *Scribe) StartSession(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.store.SessionStatus(ctx, sessionID); err != nil {
		return 0, err
	}

	segments, err := s.store.LoadSessionSegments(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	if err := s.tracker.InitJobCount(ctx, sessionID, len(segments)); err != nil {
		return 0, err
	}

	for i, seg := range segments {
		job := TranscriptionJob{
			SegmentID: seg.ID,
			SessionID: seg.SessionID,
			OwnerID:   seg.OwnerID,
			AudioPath: seg.Path,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return i, s.abortStart(ctx, sessionID, i, fmt.Errorf("enqueue segment %s: %w", seg.ID, err))
		}
	}

	slog.Info("Session started",
		"sessionID", sessionID,
		"jobs", len(segments))

	if len(segments) == 0 {
		s.publishCompleted(sessionID)
	}
	return len(segments), nil
}

// abortStart shrinks the session's counter to the i jobs that made it into
// the queue so their results can still complete the session.
func (s *Scribe) abortStart(ctx context.Context, sessionID string, queued int, cause error) error {
	slog.Error("Session start interrupted",
		"error", cause,
		"sessionID", sessionID,
		"queued", queued)

	// The caller's context may be what failed.
	remaining, err := s.tracker.Truncate(context.WithoutCancel(ctx), sessionID, queued)
	if err != nil {
		return errors.Join(cause, err)
	}
	if queued > 0 && remaining == 0 {
		s.publishCompleted(sessionID)
	}
	return cause
}

// applyResult is the owning side of a result callback: persist, count and
// notify subscribers.
func (s *Scribe) applyResult(ctx context.Context, p callback.Payload) error {
	if err := s.store.AppendParagraphs(ctx, p.SessionID, p.SegmentID, p.Paragraphs); err != nil {
		return err
	}

	remaining, err := s.tracker.CompleteOne(ctx, p.SessionID, p.SegmentID)
	if err != nil {
		return err
	}

	s.publish(Event{
		Type:      EventResult,
		SessionID: p.SessionID,
		SegmentID: p.SegmentID,
		Timestamp: time.Now(),
		Payload:   p,
	})

	if remaining == 0 {
		s.publishCompleted(p.SessionID)
	}
	return nil
}

func (s *Scribe) publishCompleted(sessionID string) {
	s.publish(Event{
		Type:      EventCompleted,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// publish pushes an event to every websocket subscribed to its session.
func (s *Scribe) publish(ev Event) {
	value, ok := s.subscribers.Load(ev.SessionID)
	if !ok {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err, "type", ev.Type)
		return
	}

	for i, conn := range value.([]*wsConnection) {
		select {
		case conn.send <- data:
		default:
			slog.Warn("Failed to send to subscriber - channel full",
				"sessionID", ev.SessionID,
				"connectionIndex", i)
		}
	}
}

// localReporter applies results in-process when no callback URL is set.
type localReporter struct {
	scribe *Scribe
}

func (r localReporter) Deliver(ctx context.Context, p callback.Payload) error {
	return r.scribe.applyResult(ctx, p)
}

var _ SegmentStore = (*store.SQLStore)(nil)
