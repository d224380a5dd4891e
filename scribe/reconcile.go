package scribe

import (
	"context"
	"log/slog"

	"github.com/bosley/segscribe/tracker"
)

// Reconcile completes processing sessions whose counter was lost (e.g. after
// a restart) once the store shows every segment transcribed. It returns the
// IDs it completed.
func (s *Scribe) Reconcile(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListSessions(ctx, tracker.StatusProcessing)
	if err != nil {
		return nil, err
	}

	var completed []string
	for _, id := range ids {
		if s.tracker.Tracked(id) {
			continue
		}

		progress, err := s.store.SessionProgress(ctx, id)
		if err != nil {
			slog.Error("Failed to read session progress",
				"error", err,
				"sessionID", id)
			continue
		}
		if !progress.Done() {
			slog.Debug("Untracked session still has pending segments",
				"sessionID", id,
				"transcribed", progress.Transcribed,
				"total", progress.Total)
			continue
		}

		if err := s.store.MarkSessionStatus(ctx, id, tracker.StatusCompleted); err != nil {
			slog.Error("Failed to complete session",
				"error", err,
				"sessionID", id)
			continue
		}
		slog.Info("Reconciled session to completed", "sessionID", id)
		s.publishCompleted(id)
		completed = append(completed, id)
	}
	return completed, nil
}

func (s *Scribe) reconcileJob(ctx context.Context) func() {
	return func() {
		if _, err := s.Reconcile(ctx); err != nil {
			slog.Error("Reconcile sweep failed", "error", err)
		}
	}
}
