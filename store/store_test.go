package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/segscribe/paragraph"
	"github.com/bosley/segscribe/tracker"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}

func TestAddSegmentCreatesPendingSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created, err := s.AddSegment(ctx, Segment{ID: "b", SessionID: "s1", OwnerID: "u1", Path: "/rec/b.wav"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.AddSegment(ctx, Segment{ID: "a", SessionID: "s1", Path: "/rec/a.wav"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.AddSegment(ctx, Segment{ID: "b", SessionID: "s1", Path: "/rec/other.wav"})
	require.NoError(t, err)
	assert.False(t, created)

	status, err := s.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusPending, status)

	segments, err := s.LoadSessionSegments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "b", segments[0].ID, "registration order wins over id order")
	assert.Equal(t, "u1", segments[0].OwnerID)
	assert.Equal(t, "/rec/b.wav", segments[0].Path)
	assert.False(t, segments[0].Transcribed)
	assert.WithinDuration(t, time.Now(), segments[0].CreatedAt, time.Minute)
	assert.Equal(t, "a", segments[1].ID)
}

func TestAppendParagraphsReplacesAndFlags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AddSegment(ctx, Segment{ID: "seg1", SessionID: "s1", Path: "1.wav"})
	require.NoError(t, err)
	_, err = s.AddSegment(ctx, Segment{ID: "seg2", SessionID: "s1", Path: "2.wav"})
	require.NoError(t, err)

	seg := paragraph.NewSegmenter()
	require.NoError(t, s.AppendParagraphs(ctx, "s1", "seg2", seg.Segment("Later one.")))
	require.NoError(t, s.AppendParagraphs(ctx, "s1", "seg1", seg.Segment("First. Second.")))
	// Redelivery of the same segment.
	require.NoError(t, s.AppendParagraphs(ctx, "s1", "seg1", seg.Segment("First. Second.")))

	paragraphs, err := s.SessionParagraphs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, paragraphs, 3)
	assert.Equal(t, "First.", paragraphs[0].Text)
	assert.Equal(t, "seg1", paragraphs[0].SegmentID)
	assert.Equal(t, "Second.", paragraphs[1].Text)
	assert.Equal(t, "Later one.", paragraphs[2].Text)
	assert.Equal(t, int64(1500), paragraphs[1].StartMs)

	progress, err := s.SessionProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2, Transcribed: 2}, progress)
	assert.True(t, progress.Done())
}

func TestAppendParagraphsEmptyStillFlags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AddSegment(ctx, Segment{ID: "quiet", SessionID: "s1", Path: "q.wav"})
	require.NoError(t, err)
	require.NoError(t, s.AppendParagraphs(ctx, "s1", "quiet", []paragraph.Paragraph{}))

	progress, err := s.SessionProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Transcribed)

	paragraphs, err := s.SessionParagraphs(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, paragraphs)
	assert.Empty(t, paragraphs)
}

func TestAppendParagraphsUnknownSegment(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendParagraphs(context.Background(), "s1", "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.SessionStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.MarkSessionStatus(ctx, "s1", tracker.StatusProcessing))
	require.NoError(t, s.MarkSessionStatus(ctx, "s2", tracker.StatusProcessing))
	require.NoError(t, s.MarkSessionStatus(ctx, "s3", tracker.StatusCompleted))

	ids, err := s.ListSessions(ctx, tracker.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)

	require.NoError(t, s.MarkSessionStatus(ctx, "s1", tracker.StatusCompleted))
	status, err := s.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusCompleted, status)

	ids, err = s.ListSessions(ctx, tracker.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)
}

func TestSessionProgressEmpty(t *testing.T) {
	progress, err := openTestStore(t).SessionProgress(context.Background(), "none")
	require.NoError(t, err)
	assert.Equal(t, Progress{}, progress)
	assert.True(t, progress.Done())
}

func TestAppendParagraphsBatchesLargeSegments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AddSegment(ctx, Segment{ID: "long", SessionID: "s1", Path: "long.wav"})
	require.NoError(t, err)

	// 7 binds each: one statement would need 35000 parameters.
	const n = 5000
	paragraphs := make([]paragraph.Paragraph, n)
	for i := range paragraphs {
		paragraphs[i] = paragraph.Paragraph{
			ID:      fmt.Sprintf("p%05d", i),
			Text:    fmt.Sprintf("Sentence %d.", i),
			StartMs: int64(i) * 1500,
			EndMs:   int64(i+1) * 1500,
		}
	}
	require.NoError(t, s.AppendParagraphs(ctx, "s1", "long", paragraphs))

	stored, err := s.SessionParagraphs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored, n)
	for i, p := range stored {
		if !assert.Equal(t, paragraphs[i], p.Paragraph, "paragraph %d", i) {
			break
		}
	}
}

func TestInsertParagraphsQueryOffsetsPositions(t *testing.T) {
	ps := []paragraph.Paragraph{{ID: "x", Text: "X."}, {ID: "y", Text: "Y."}}
	query, args := insertParagraphsQuery("s1", "seg", 500, ps)

	assert.Contains(t, query, "($8, $9, $10, $11, $12, $13, $14)")
	require.Len(t, args, 14)
	assert.Equal(t, 500, args[3])
	assert.Equal(t, 501, args[10])
}
