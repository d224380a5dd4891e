package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/segscribe/audio"
	"github.com/bosley/segscribe/callback"
	"github.com/bosley/segscribe/ingest"
	"github.com/bosley/segscribe/store"
	"github.com/bosley/segscribe/tracker"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxBodyBytes = 8 << 20
)

type wsConnection struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	scribe    *Scribe
	closeOnce sync.Once
}

type addSegmentRequest struct {
	ID      string `json:"id,omitempty"`
	Path    string `json:"path"`
	OwnerID string `json:"ownerId,omitempty"`
}

// Handler returns the service's HTTP routes.
func (s *Scribe) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions/{sessionID}/segments", s.handleAddSegment).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}/start", s.handleStartSession).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}/stream", s.handleStream).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/callback/transcription", s.handleCallback).Methods("POST")

	router.HandleFunc("/ws/{sessionID}", s.handleWebSocket)

	return router
}

func (s *Scribe) startHTTP(ctx context.Context) error {
	s.server.Handler = s.Handler()

	tlsEnabled := s.config.CertFile != "" && s.config.KeyFile != ""
	go func() {
		var err error
		if tlsEnabled {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server listening",
		"addr", s.config.HTTPAddr,
		"tls", tlsEnabled)

	<-ctx.Done()
	return s.server.Shutdown(context.Background())
}

func (s *Scribe) handleAddSegment(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req addSegmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	seg := store.Segment{
		ID:        req.ID,
		SessionID: sessionID,
		OwnerID:   req.OwnerID,
		Path:      req.Path,
		CreatedAt: time.Now(),
	}
	created, err := s.store.AddSegment(r.Context(), seg)
	if err != nil {
		slog.Error("Failed to add segment",
			"error", err,
			"sessionID", sessionID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		slog.Info("Segment registered",
			"sessionID", sessionID,
			"segmentID", seg.ID)
	}
	writeJSON(w, status, seg)
}

// handleStream stores each transmission of a framed PCM upload as a segment
// of the session. The PCM layout comes from the sampleRate, channels and bits
// query parameters.
func (s *Scribe) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if s.config.RecordingsDir == "" {
		http.Error(w, "Streaming requires a recordings directory", http.StatusServiceUnavailable)
		return
	}

	format, err := pcmFormatFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rc := &ingest.Receiver{
		Dir:         filepath.Join(s.config.RecordingsDir, sessionID),
		Format:      format,
		MinDuration: ingest.DefaultMinDuration,
		OnSegment: func(path string) error {
			return s.handleNewAudioFile(ctx, sessionID, path)
		},
	}

	paths, err := rc.Receive(ctx, r.Body)
	if err != nil {
		slog.Error("Stream upload failed",
			"error", err,
			"sessionID", sessionID,
			"received", len(paths))
		http.Error(w, "Stream upload failed", http.StatusBadRequest)
		return
	}

	files := make([]string, len(paths))
	for i, p := range paths {
		files[i] = filepath.Base(p)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sessionID,
		"files":     files,
	})
}

func pcmFormatFromQuery(q url.Values) (audio.PCMFormat, error) {
	format := audio.PCMFormat{SampleRate: 16000, NumChannels: 1, BitsPerSample: 16}

	if v := q.Get("sampleRate"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return format, errors.New("invalid sampleRate")
		}
		format.SampleRate = uint32(n)
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil || n == 0 {
			return format, errors.New("invalid channels")
		}
		format.NumChannels = uint16(n)
	}
	if v := q.Get("bits"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil || n != 16 {
			return format, errors.New("only 16-bit PCM is supported")
		}
	}
	return format, nil
}

func (s *Scribe) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	jobs, err := s.StartSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to start session",
			"error", err,
			"sessionID", sessionID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"sessionId": sessionID,
		"jobs":      jobs,
	})
}

func (s *Scribe) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	view, err := s.sessionView(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to load session",
			"error", err,
			"sessionID", sessionID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Scribe) sessionView(ctx context.Context, sessionID string) (SessionView, error) {
	view := SessionView{SessionID: sessionID}

	status, err := s.store.SessionStatus(ctx, sessionID)
	if err != nil {
		return view, err
	}
	view.Status = status

	if remaining, ok := s.tracker.Remaining(sessionID); ok {
		view.Remaining = &remaining
	}

	if view.Progress, err = s.store.SessionProgress(ctx, sessionID); err != nil {
		return view, err
	}
	if view.Paragraphs, err = s.store.SessionParagraphs(ctx, sessionID); err != nil {
		return view, err
	}
	return view, nil
}

func (s *Scribe) handleCallback(w http.ResponseWriter, r *http.Request) {
	var subject string
	if s.config.CallbackSecret != "" {
		var err error
		subject, err = callback.Verify(s.config.CallbackSecret, r.Header.Get("Authorization"))
		if err != nil {
			slog.Warn("Rejected transcription callback", "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var p callback.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if p.SegmentID == "" || !validSessionID(p.SessionID) {
		http.Error(w, "segmentId and sessionId are required", http.StatusBadRequest)
		return
	}
	if s.config.CallbackSecret != "" && subject != p.SegmentID {
		slog.Warn("Callback token does not match segment",
			"segmentID", p.SegmentID,
			"subject", subject)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.applyResult(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Segment not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to apply transcription result",
			"error", err,
			"segmentID", p.SegmentID,
			"sessionID", p.SessionID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Scribe) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	// Upgrade connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
		scribe:    s,
	}

	s.registerSubscriber(sessionID, wsConn)

	go wsConn.writePump()
	go wsConn.readPump()

	if status, err := s.store.SessionStatus(r.Context(), sessionID); err == nil && status == tracker.StatusCompleted {
		s.publishCompleted(sessionID)
	}
}

func (s *Scribe) registerSubscriber(sessionID string, wsConn *wsConnection) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	var connections []*wsConnection
	if value, ok := s.subscribers.Load(sessionID); ok {
		connections = value.([]*wsConnection)
	}
	s.subscribers.Store(sessionID, append(slices.Clip(connections), wsConn))

	slog.Debug("Subscriber registered",
		"sessionID", sessionID,
		"subscribers", len(connections)+1)
}

func (s *Scribe) unregisterSubscriber(sessionID string, wsConn *wsConnection) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	value, ok := s.subscribers.Load(sessionID)
	if !ok {
		return
	}

	connections := slices.DeleteFunc(slices.Clone(value.([]*wsConnection)), func(c *wsConnection) bool {
		return c == wsConn
	})

	if len(connections) == 0 {
		s.subscribers.Delete(sessionID)
	} else {
		s.subscribers.Store(sessionID, connections)
	}
}

func (c *wsConnection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.scribe.unregisterSubscriber(c.sessionID, c)
		c.close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}

func sessionFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := mux.Vars(r)["sessionID"]
	if !validSessionID(sessionID) {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return "", false
	}
	return sessionID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
