package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/bosley/segscribe/paragraph"
	"github.com/bosley/segscribe/tracker"
)

const (
	DefaultWorkers           = 5
	DefaultQueueSize         = 100
	DefaultRateLimit         = 10
	DefaultRateWindow        = time.Minute
	DefaultJobTimeout        = 30 * time.Minute
	DefaultMaxDeliveries     = 3
	DefaultRedeliveryDelay   = 10 * time.Second
	DefaultReconcileSchedule = "@every 1m"
)

// Configuration for the Scribe service
type Config struct {
	// Certificate files for TLS; plain HTTP when either is empty
	CertFile string
	KeyFile  string

	// Base directory to monitor for recordings; watching is off when empty
	RecordingsDir string

	// HTTP server address
	HTTPAddr string

	// Number of worker goroutines for processing
	Workers   int
	QueueSize int

	// Job starts allowed per RateWindow, across all workers
	RateLimit  int
	RateWindow time.Duration

	JobTimeout      time.Duration
	MaxDeliveries   int
	RedeliveryDelay time.Duration

	ReconcileSchedule string

	// HS256 secret shared with the callback endpoint
	CallbackSecret string

	Language string
	Prompt   string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if c.ReconcileSchedule == "" {
		c.ReconcileSchedule = DefaultReconcileSchedule
	}
}

// Deps are the collaborators a Scribe runs jobs with. Reporter may be nil,
// in which case results are applied in-process.
type Deps struct {
	Store       SegmentStore
	Tracker     *tracker.Tracker
	Localizer   Localizer
	Splitter    Splitter
	Transcriber Transcriber
	Segmenter   paragraph.Segmenter
	Reporter    Reporter
}

// Scribe manages the transcription service
type Scribe struct {
	config Config

	store       SegmentStore
	tracker     *tracker.Tracker
	localizer   Localizer
	splitter    Splitter
	transcriber Transcriber
	segmenter   paragraph.Segmenter
	reporter    Reporter

	// File system watcher
	watcher *fsnotify.Watcher

	subsMu      sync.Mutex
	subscribers sync.Map // map[string][]*wsConnection

	// Processing queue
	queue   *Queue
	limiter *rate.Limiter
	workers sync.WaitGroup

	cron *cron.Cron

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a new Scribe instance
func New(cfg Config, deps Deps) (*Scribe, error) {
	cfg.applyDefaults()

	if deps.Store == nil || deps.Localizer == nil || deps.Splitter == nil || deps.Transcriber == nil {
		return nil, errors.New("store, localizer, splitter and transcriber are required")
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(deps.Store)
	}
	if deps.Segmenter == (paragraph.Segmenter{}) {
		deps.Segmenter = paragraph.NewSegmenter()
	}

	s := &Scribe{
		config:      cfg,
		store:       deps.Store,
		tracker:     deps.Tracker,
		localizer:   deps.Localizer,
		splitter:    deps.Splitter,
		transcriber: deps.Transcriber,
		segmenter:   deps.Segmenter,
		reporter:    deps.Reporter,
		queue:       NewQueue(cfg.QueueSize, cfg.MaxDeliveries, cfg.RedeliveryDelay),
		limiter:     newStartLimiter(cfg.RateLimit, cfg.RateWindow),
		cron:        cron.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		server: &http.Server{
			Addr:              cfg.HTTPAddr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if s.reporter == nil {
		s.reporter = localReporter{scribe: s}
	}

	if cfg.RecordingsDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		s.watcher = watcher
	}

	return s, nil
}

// Start begins the Scribe service and blocks until ctx is done.
func (s *Scribe) Start(ctx context.Context) error {
	s.StartWorkers(ctx)

	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.reconcileJob(ctx)); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.config.ReconcileSchedule, err)
	}
	s.cron.Start()

	if s.watcher != nil {
		go s.watchFiles(ctx)
	}

	return s.startHTTP(ctx)
}

// StartWorkers launches the worker pool.
func (s *Scribe) StartWorkers(ctx context.Context) {
	slog.Info("Starting workers",
		"workers", s.config.Workers,
		"rateLimit", s.config.RateLimit,
		"rateWindow", s.config.RateWindow)

	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx, i)
	}
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	// Stop accepting new jobs
	s.queue.Close()

	cronDone := s.cron.Stop()

	// Wait for workers to finish
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close file watcher: %w", err)
		}
	}

	return nil
}

// newStartLimiter spaces job starts window/limit apart. With a burst of one
// no window of length window ever holds more than limit starts.
func newStartLimiter(limit int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)
}
