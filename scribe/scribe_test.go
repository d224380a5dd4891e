package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/segscribe/audio"
	"github.com/bosley/segscribe/callback"
	"github.com/bosley/segscribe/ingest"
	"github.com/bosley/segscribe/paragraph"
	"github.com/bosley/segscribe/storage"
	"github.com/bosley/segscribe/store"
	"github.com/bosley/segscribe/tracker"
	"github.com/bosley/segscribe/transcribe"
)

type singleChunkSplitter struct{}

func (singleChunkSplitter) Split(ctx context.Context, path string) ([]audio.Chunk, error) {
	return []audio.Chunk{{Path: path, Duration: 1}}, nil
}

// scriptedTranscriber returns texts[base name], failing the first
// failures[base name] calls.
type scriptedTranscriber struct {
	mu       sync.Mutex
	texts    map[string]string
	failures map[string]int
	calls    map[string]int
}

func newScriptedTranscriber(texts map[string]string) *scriptedTranscriber {
	return &scriptedTranscriber{texts: texts, failures: map[string]int{}, calls: map[string]int{}}
}

func (f *scriptedTranscriber) TranscribeSegment(ctx context.Context, chunks []audio.Chunk, opts transcribe.Options, onChunk func(done, total int)) ([]transcribe.ChunkResult, error) {
	name := filepath.Base(chunks[0].Path)

	f.mu.Lock()
	f.calls[name]++
	fail := f.calls[name] <= f.failures[name]
	f.mu.Unlock()

	if fail {
		return nil, errors.New("provider unavailable")
	}
	onChunk(1, 1)
	return []transcribe.ChunkResult{{
		Result:   transcribe.Result{Text: f.texts[name]},
		Duration: chunks[0].Duration,
	}}, nil
}

func (f *scriptedTranscriber) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type testEnv struct {
	scribe *Scribe
	store  *store.SQLStore
	dir    string
}

func newTestEnv(t *testing.T, cfg Config, tr Transcriber, reporter Reporter) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(), store.DriverSQLite, "file:"+filepath.Join(dir, "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.RedeliveryDelay == 0 {
		cfg.RedeliveryDelay = 10 * time.Millisecond
	}

	s, err := New(cfg, Deps{
		Store:       st,
		Localizer:   &storage.Fetcher{},
		Splitter:    singleChunkSplitter{},
		Transcriber: tr,
		Reporter:    reporter,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.watcher != nil {
			s.watcher.Close()
		}
	})

	return &testEnv{scribe: s, store: st, dir: dir}
}

func (e *testEnv) addSegment(t *testing.T, sessionID, name string) {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	_, err := e.store.AddSegment(context.Background(), store.Segment{
		ID:        strings.TrimSuffix(name, filepath.Ext(name)),
		SessionID: sessionID,
		Path:      path,
	})
	require.NoError(t, err)
}

func (e *testEnv) waitForStatus(t *testing.T, sessionID string, want tracker.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := e.store.SessionStatus(context.Background(), sessionID)
		return err == nil && status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func runWorkers(t *testing.T, s *Scribe) {
	ctx, cancel := context.WithCancel(context.Background())
	s.StartWorkers(ctx)
	t.Cleanup(func() {
		cancel()
		s.queue.Close()
		s.workers.Wait()
	})
}

func TestSessionCompletesInProcess(t *testing.T) {
	tr := newScriptedTranscriber(map[string]string{
		"a.wav": "First thing. Second thing! Third thing?",
		"b.wav": "Fourth thing. Fifth thing.",
	})
	env := newTestEnv(t, Config{Workers: 2}, tr, nil)
	env.addSegment(t, "s1", "a.wav")
	env.addSegment(t, "s1", "b.wav")
	runWorkers(t, env.scribe)

	jobs, err := env.scribe.StartSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, jobs)

	env.waitForStatus(t, "s1", tracker.StatusCompleted)

	paragraphs, err := env.store.SessionParagraphs(context.Background(), "s1")
	require.NoError(t, err)

	var texts []string
	for _, p := range paragraphs {
		texts = append(texts, p.Text)
	}
	assert.Equal(t, []string{"First thing.", "Second thing!", "Third thing?", "Fourth thing.", "Fifth thing."}, texts)

	_, tracked := env.scribe.tracker.Remaining("s1")
	assert.False(t, tracked)
}

func TestSessionCompletesWithResultsOutOfOrder(t *testing.T) {
	env := newTestEnv(t, Config{}, newScriptedTranscriber(nil), nil)
	env.addSegment(t, "s1", "a.wav")
	env.addSegment(t, "s1", "b.wav")
	ctx := context.Background()

	// No workers: results arrive the way a remote callback would deliver them.
	jobs, err := env.scribe.StartSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, jobs)

	seg := paragraph.NewSegmenter()
	require.NoError(t, env.scribe.applyResult(ctx, callback.Payload{
		SegmentID:  "b",
		SessionID:  "s1",
		Paragraphs: seg.Segment("Beta one. Beta two. Beta three."),
	}))

	status, err := env.store.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusProcessing, status)
	remaining, tracked := env.scribe.tracker.Remaining("s1")
	assert.True(t, tracked)
	assert.Equal(t, 1, remaining)

	require.NoError(t, env.scribe.applyResult(ctx, callback.Payload{
		SegmentID:  "a",
		SessionID:  "s1",
		Paragraphs: seg.Segment("Alpha one. Alpha two."),
	}))

	env.waitForStatus(t, "s1", tracker.StatusCompleted)

	paragraphs, err := env.store.SessionParagraphs(ctx, "s1")
	require.NoError(t, err)
	var texts []string
	for _, p := range paragraphs {
		texts = append(texts, p.Text)
	}
	// Segment order, then each segment's own paragraph order.
	assert.Equal(t, []string{"Alpha one.", "Alpha two.", "Beta one.", "Beta two.", "Beta three."}, texts)
}

func TestStartSessionInterruptedCountsOnlyQueuedJobs(t *testing.T) {
	env := newTestEnv(t, Config{Workers: 1, QueueSize: 1}, newScriptedTranscriber(map[string]string{
		"a.wav": "Only this one.",
	}), nil)
	env.addSegment(t, "s1", "a.wav")
	env.addSegment(t, "s1", "b.wav")
	env.addSegment(t, "s1", "c.wav")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	queued, err := env.scribe.StartSession(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, queued)

	remaining, tracked := env.scribe.tracker.Remaining("s1")
	assert.True(t, tracked)
	assert.Equal(t, 1, remaining)

	runWorkers(t, env.scribe)
	env.waitForStatus(t, "s1", tracker.StatusCompleted)
	assert.False(t, env.scribe.tracker.Tracked("s1"))
}

func TestStartSessionOnClosedQueueStaysPending(t *testing.T) {
	env := newTestEnv(t, Config{}, newScriptedTranscriber(nil), nil)
	env.addSegment(t, "s1", "a.wav")
	env.scribe.queue.Close()

	queued, err := env.scribe.StartSession(context.Background(), "s1")
	require.ErrorIs(t, err, ErrQueueClosed)
	assert.Zero(t, queued)

	status, err := env.store.SessionStatus(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusPending, status)
	assert.False(t, env.scribe.tracker.Tracked("s1"))
}

func TestStartSessionUnknown(t *testing.T) {
	env := newTestEnv(t, Config{}, newScriptedTranscriber(nil), nil)
	_, err := env.scribe.StartSession(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailedJobIsRedelivered(t *testing.T) {
	tr := newScriptedTranscriber(map[string]string{"a.wav": "Recovered."})
	tr.failures["a.wav"] = 2

	env := newTestEnv(t, Config{Workers: 1}, tr, nil)
	env.addSegment(t, "s1", "a.wav")
	runWorkers(t, env.scribe)

	_, err := env.scribe.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	env.waitForStatus(t, "s1", tracker.StatusCompleted)
	assert.Equal(t, 3, tr.callCount("a.wav"))
}

func TestHTTPFlowWithSignedCallback(t *testing.T) {
	const secret = "callback-secret"
	tr := newScriptedTranscriber(map[string]string{
		"a.wav": "Alpha one. Alpha two. Alpha three.",
		"b.wav": "Beta one. Beta two.",
	})

	var reporter callback.Client
	env := newTestEnv(t, Config{Workers: 2, CallbackSecret: secret}, tr, &reporter)
	srv := httptest.NewServer(env.scribe.Handler())
	defer srv.Close()
	reporter = *callback.New(srv.URL+"/api/callback/transcription", secret)

	for _, name := range []string{"a.wav", "b.wav"} {
		path := filepath.Join(env.dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))

		body, _ := json.Marshal(addSegmentRequest{ID: strings.TrimSuffix(name, ".wav"), Path: path})
		resp, err := http.Post(srv.URL+"/api/sessions/s1/segments", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscriber is registered by the time the handler returns, but the
	// dial can complete first.
	require.Eventually(t, func() bool {
		_, ok := env.scribe.subscribers.Load("s1")
		return ok
	}, time.Second, 5*time.Millisecond)

	runWorkers(t, env.scribe)

	resp, err := http.Post(srv.URL+"/api/sessions/s1/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	seen := map[string]int{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	// 5, 50 and 100 for each segment; the final 100 can trail the completed event.
	for seen[EventCompleted] == 0 || seen[EventProgress] < 6 {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "s1", ev.SessionID)
		seen[ev.Type]++
	}
	assert.Equal(t, 2, seen[EventResult])
	assert.Equal(t, 1, seen[EventCompleted])
	assert.Zero(t, seen[EventFailed])

	resp, err = http.Get(srv.URL + "/api/sessions/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, tracker.StatusCompleted, view.Status)
	assert.Nil(t, view.Remaining)
	assert.Equal(t, store.Progress{Total: 2, Transcribed: 2}, view.Progress)
	require.Len(t, view.Paragraphs, 5)
	assert.Equal(t, "Alpha one.", view.Paragraphs[0].Text)
	assert.Equal(t, "Beta two.", view.Paragraphs[4].Text)
}

func TestCallbackRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, Config{CallbackSecret: "right"}, newScriptedTranscriber(nil), nil)
	env.addSegment(t, "s1", "a.wav")
	srv := httptest.NewServer(env.scribe.Handler())
	defer srv.Close()

	err := callback.New(srv.URL+"/api/callback/transcription", "wrong").
		Deliver(context.Background(), callback.Payload{SegmentID: "a", SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	// A valid token for another segment does not authorize this one.
	token, err := callback.Sign([]byte("right"), "other", time.Now())
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/callback/transcription",
		strings.NewReader(`{"segmentId":"a","sessionId":"s1","paragraphs":[]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPValidation(t *testing.T) {
	env := newTestEnv(t, Config{}, newScriptedTranscriber(nil), nil)
	srv := httptest.NewServer(env.scribe.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/s1/segments", "application/json", strings.NewReader(`{"path":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/sessions/..bad/segments", "application/json", strings.NewReader(`{"path":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sessions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/sessions/missing/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/callback/transcription", "application/json",
		strings.NewReader(`{"segmentId":"ghost","sessionId":"s1","paragraphs":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileCompletesUntrackedSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{}, newScriptedTranscriber(nil), nil)

	env.addSegment(t, "done", "a.wav")
	env.addSegment(t, "pending", "b.wav")
	env.addSegment(t, "tracked", "c.wav")
	for _, id := range []string{"done", "pending", "tracked"} {
		require.NoError(t, env.store.MarkSessionStatus(ctx, id, tracker.StatusProcessing))
	}
	require.NoError(t, env.store.AppendParagraphs(ctx, "done", "a", nil))
	require.NoError(t, env.store.AppendParagraphs(ctx, "tracked", "c", nil))
	require.NoError(t, env.scribe.tracker.InitJobCount(ctx, "tracked", 2))

	completed, err := env.scribe.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, completed)

	status, err := env.store.SessionStatus(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusProcessing, status)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestStreamUploadRegistersSegments(t *testing.T) {
	recordings := t.TempDir()
	env := newTestEnv(t, Config{RecordingsDir: recordings}, newScriptedTranscriber(nil), nil)
	handler := env.scribe.Handler()

	var body bytes.Buffer
	sender := ingest.NewSender(&body)
	transmit := func(n int, value int16) {
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = value
		}
		require.NoError(t, sender.Begin())
		require.NoError(t, sender.Send(samples))
		require.NoError(t, sender.End())
	}
	transmit(24000, 100)
	transmit(100, 200)
	transmit(20000, 300)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/live-1/stream?sampleRate=16000&channels=1&bits=16", &body)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		SessionID string   `json:"sessionId"`
		Files     []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "live-1", resp.SessionID)
	assert.Len(t, resp.Files, 2)

	segs, err := env.store.LoadSessionSegments(context.Background(), "live-1")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	for _, seg := range segs {
		assert.Len(t, seg.ID, 64)
		assert.Equal(t, filepath.Join(recordings, "live-1"), filepath.Dir(seg.Path))
		assert.True(t, audio.IsWhisperReady(seg.Path))
	}
}

func TestStreamUploadValidation(t *testing.T) {
	env := newTestEnv(t, Config{}, newScriptedTranscriber(nil), nil)
	rec := httptest.NewRecorder()
	env.scribe.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/live-1/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env = newTestEnv(t, Config{RecordingsDir: t.TempDir()}, newScriptedTranscriber(nil), nil)
	for _, query := range []string{"?bits=8", "?sampleRate=0", "?channels=x"} {
		rec = httptest.NewRecorder()
		env.scribe.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/live-1/stream"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}
