package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bosley/segscribe/audio"
	"github.com/bosley/segscribe/callback"
	"github.com/bosley/segscribe/transcribe"
)

const (
	progressStarted     = 5
	progressTranscribed = 50
	progressDone        = 100
)

func (s *Scribe) worker(ctx context.Context, id int) {
	slog.Debug("Worker starting", "worker", id)
	defer func() {
		slog.Debug("Worker shutting down", "worker", id)
		s.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled", "worker", id)
			return

		case d, ok := <-s.queue.Jobs():
			if !ok {
				slog.Debug("Worker queue closed", "worker", id)
				return
			}

			if err := s.limiter.Wait(ctx); err != nil {
				// Shutting down; hand the job back for whoever drains next.
				s.queue.Nack(d)
				return
			}

			if err := s.processJob(ctx, d.Job); err != nil {
				s.failJob(d, err)
			}
		}
	}
}

func (s *Scribe) failJob(d Delivery, err error) {
	if s.queue.Nack(d) {
		slog.Warn("Transcription job failed, redelivering",
			"error", err,
			"segmentID", d.Job.SegmentID,
			"sessionID", d.Job.SessionID,
			"attempt", d.Attempt)
		return
	}

	slog.Error("Transcription job failed permanently",
		"error", err,
		"segmentID", d.Job.SegmentID,
		"sessionID", d.Job.SessionID,
		"attempts", d.Attempt)
	s.publish(Event{
		Type:      EventFailed,
		SessionID: d.Job.SessionID,
		SegmentID: d.Job.SegmentID,
		Timestamp: time.Now(),
		Payload:   map[string]string{"error": err.Error()},
	})
}

func (s *Scribe) processJob(ctx context.Context, job TranscriptionJob) error {
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	slog.Info("Processing audio segment",
		"file", job.AudioPath,
		"segmentID", job.SegmentID,
		"sessionID", job.SessionID)
	s.reportProgress(job, progressStarted)

	local, cleanup, err := s.localizer.Localize(ctx, job.AudioPath)
	if err != nil {
		return fmt.Errorf("localize audio: %w", err)
	}
	defer cleanup()

	chunks, err := s.splitter.Split(ctx, local)
	if err != nil {
		return fmt.Errorf("split audio: %w", err)
	}
	defer audio.Cleanup(chunks)

	slog.Debug("Segment split",
		"segmentID", job.SegmentID,
		"chunks", len(chunks))

	midpoint := (len(chunks) + 1) / 2
	opts := transcribe.Options{Language: s.config.Language, Prompt: s.config.Prompt}
	results, err := s.transcriber.TranscribeSegment(ctx, chunks, opts, func(done, total int) {
		if done == midpoint {
			s.reportProgress(job, progressTranscribed)
		}
	})
	if err != nil {
		return fmt.Errorf("transcribe segment: %w", err)
	}

	merged := transcribe.Merge(results)
	paragraphs := s.segmenter.Segment(merged.Text)

	payload := callback.Payload{
		SegmentID:    job.SegmentID,
		SessionID:    job.SessionID,
		OwnerID:      job.OwnerID,
		Paragraphs:   paragraphs,
		Placeholders: merged.Placeholders,
	}
	if err := s.reporter.Deliver(ctx, payload); err != nil {
		return fmt.Errorf("report result: %w", err)
	}

	s.reportProgress(job, progressDone)

	slog.Info("Successfully transcribed segment",
		"segmentID", job.SegmentID,
		"sessionID", job.SessionID,
		"chunks", merged.Chunks,
		"placeholders", len(merged.Placeholders),
		"paragraphs", len(paragraphs))

	return nil
}

func (s *Scribe) reportProgress(job TranscriptionJob, progress int) {
	slog.Debug("Job progress",
		"segmentID", job.SegmentID,
		"sessionID", job.SessionID,
		"progress", progress)

	s.publish(Event{
		Type:      EventProgress,
		SessionID: job.SessionID,
		SegmentID: job.SegmentID,
		Timestamp: time.Now(),
		Payload: Progress{
			SegmentID: job.SegmentID,
			SessionID: job.SessionID,
			Progress:  progress,
		},
	})
}
