package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bosley/segscribe/audio"
	"github.com/bosley/segscribe/callback"
	"github.com/bosley/segscribe/paragraph"
	"github.com/bosley/segscribe/scribe"
	"github.com/bosley/segscribe/storage"
	"github.com/bosley/segscribe/store"
	"github.com/bosley/segscribe/transcribe"
)

func main() {
	var (
		cfg scribe.Config

		verbose         bool
		dbDriver        string
		dbDSN           string
		provider        string
		openAIURL       string
		openAIKey       string
		openAIModel     string
		whisperPath     string
		whisperModel    string
		tempDir         string
		maxChunkBytes   int64
		callbackURL     string
		gcsCredentials  string
		gcsEndpoint     string
		minParagraphMs  int64
		msPerChar       int64
		attempts        int
		callTimeout     time.Duration
		shutdownTimeout time.Duration
	)

	flag.BoolVar(&verbose, "verbose", envBool("SEGSCRIBE_VERBOSE", false), "Enable debug logging")
	flag.StringVar(&cfg.HTTPAddr, "addr", envOr("SEGSCRIBE_ADDR", ":8444"), "HTTP listen address")
	flag.StringVar(&cfg.CertFile, "cert", os.Getenv("SEGSCRIBE_CERT"), "Path to TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", os.Getenv("SEGSCRIBE_KEY"), "Path to TLS key file")
	flag.StringVar(&cfg.RecordingsDir, "recordings", os.Getenv("SEGSCRIBE_RECORDINGS"), "Directory to watch for <session>/<audio> files")
	flag.IntVar(&cfg.Workers, "workers", envInt("SEGSCRIBE_WORKERS", scribe.DefaultWorkers), "Number of transcription workers")
	flag.IntVar(&cfg.RateLimit, "rate-limit", envInt("SEGSCRIBE_RATE_LIMIT", scribe.DefaultRateLimit), "Job starts allowed per rate window")
	flag.DurationVar(&cfg.RateWindow, "rate-window", envDuration("SEGSCRIBE_RATE_WINDOW", scribe.DefaultRateWindow), "Rate limit window")
	flag.DurationVar(&cfg.JobTimeout, "job-timeout", envDuration("SEGSCRIBE_JOB_TIMEOUT", scribe.DefaultJobTimeout), "Timeout for a single job")
	flag.IntVar(&cfg.MaxDeliveries, "max-deliveries", envInt("SEGSCRIBE_MAX_DELIVERIES", scribe.DefaultMaxDeliveries), "Times a failing job is tried")
	flag.DurationVar(&cfg.RedeliveryDelay, "redelivery-delay", envDuration("SEGSCRIBE_REDELIVERY_DELAY", scribe.DefaultRedeliveryDelay), "Delay before a failed job is retried")
	flag.StringVar(&cfg.ReconcileSchedule, "reconcile", envOr("SEGSCRIBE_RECONCILE", scribe.DefaultReconcileSchedule), "Cron schedule for the reconcile sweep")
	flag.StringVar(&cfg.CallbackSecret, "callback-secret", os.Getenv("SEGSCRIBE_CALLBACK_SECRET"), "HS256 secret for result callbacks")
	flag.StringVar(&cfg.Language, "language", os.Getenv("SEGSCRIBE_LANGUAGE"), "Language hint passed to the provider")
	flag.StringVar(&cfg.Prompt, "prompt", os.Getenv("SEGSCRIBE_PROMPT"), "Prompt passed to the provider")

	flag.StringVar(&dbDriver, "db-driver", envOr("SEGSCRIBE_DB_DRIVER", store.DriverSQLite), "Database driver (sqlite3 or postgres)")
	flag.StringVar(&dbDSN, "db", envOr("SEGSCRIBE_DB", "file:segscribe.db"), "Database DSN")

	flag.StringVar(&provider, "provider", envOr("SEGSCRIBE_PROVIDER", "openai"), "Transcription provider (openai or whisper)")
	flag.StringVar(&openAIURL, "openai-url", envOr("SEGSCRIBE_OPENAI_URL", transcribe.DefaultOpenAIBaseURL), "OpenAI-compatible API base URL")
	flag.StringVar(&openAIKey, "openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
	flag.StringVar(&openAIModel, "openai-model", envOr("SEGSCRIBE_OPENAI_MODEL", transcribe.DefaultOpenAIModel), "OpenAI transcription model")
	flag.StringVar(&whisperPath, "whisper", os.Getenv("SEGSCRIBE_WHISPER"), "Path to whisper executable")
	flag.StringVar(&whisperModel, "model", os.Getenv("SEGSCRIBE_WHISPER_MODEL"), "Path to whisper model file")
	flag.IntVar(&attempts, "attempts", envInt("SEGSCRIBE_ATTEMPTS", transcribe.DefaultAttempts), "Provider attempts per chunk")
	flag.DurationVar(&callTimeout, "call-timeout", envDuration("SEGSCRIBE_CALL_TIMEOUT", transcribe.DefaultCallTimeout), "Timeout for one provider call")

	flag.StringVar(&tempDir, "tmp", os.Getenv("SEGSCRIBE_TMP"), "Directory for chunk and download files")
	flag.Int64Var(&maxChunkBytes, "max-chunk-bytes", envInt64("SEGSCRIBE_MAX_CHUNK_BYTES", audio.DefaultMaxChunkBytes), "Largest chunk sent to the provider")
	flag.Int64Var(&minParagraphMs, "min-paragraph-ms", envInt64("SEGSCRIBE_MIN_PARAGRAPH_MS", paragraph.DefaultMinDurationMs), "Shortest paragraph duration")
	flag.Int64Var(&msPerChar, "ms-per-char", envInt64("SEGSCRIBE_MS_PER_CHAR", paragraph.DefaultMsPerChar), "Estimated milliseconds per character")

	flag.StringVar(&callbackURL, "callback-url", os.Getenv("SEGSCRIBE_CALLBACK_URL"), "Result callback URL; results are applied in-process when empty")
	flag.StringVar(&gcsCredentials, "gcs-credentials", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), "GCS credentials file for gs:// audio")
	flag.StringVar(&gcsEndpoint, "gcs-endpoint", os.Getenv("SEGSCRIBE_GCS_ENDPOINT"), "GCS endpoint override")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for graceful shutdown")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	var p transcribe.Provider
	switch provider {
	case "openai":
		if openAIKey == "" {
			slog.Error("OPENAI_API_KEY must be set for the openai provider")
			flag.Usage()
			os.Exit(1)
		}
		p = transcribe.NewOpenAIProvider(openAIURL, openAIKey, openAIModel)
	case "whisper":
		if whisperPath == "" || whisperModel == "" {
			slog.Error("Whisper executable and model paths must be provided for the whisper provider")
			flag.Usage()
			os.Exit(1)
		}
		p = &transcribe.WhisperCLIProvider{
			WhisperPath: whisperPath,
			Model:       whisperModel,
			TempDir:     tempDir,
		}
	default:
		slog.Error("Unknown provider", "provider", provider)
		flag.Usage()
		os.Exit(1)
	}

	client := transcribe.NewClient(p)
	client.Attempts = attempts
	client.CallTimeout = callTimeout

	db, err := store.Open(ctx, dbDriver, dbDSN)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	fetcher := &storage.Fetcher{
		TempDir:         tempDir,
		CredentialsFile: gcsCredentials,
		Endpoint:        gcsEndpoint,
	}
	defer fetcher.Close()

	deps := scribe.Deps{
		Store:       db,
		Localizer:   fetcher,
		Splitter:    audio.NewSplitter(maxChunkBytes, tempDir),
		Transcriber: client,
		Segmenter: paragraph.Segmenter{
			MinDurationMs: minParagraphMs,
			MsPerChar:     msPerChar,
		},
	}
	if callbackURL != "" {
		deps.Reporter = callback.New(callbackURL, cfg.CallbackSecret)
	}

	scribeService, err := scribe.New(cfg, deps)
	if err != nil {
		slog.Error("Failed to initialize Scribe", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting segscribe",
		"provider", p.Name(),
		"db", dbDriver,
		"recordings", cfg.RecordingsDir)

	if err := scribeService.Start(ctx); err != nil {
		slog.Error("Scribe service failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := scribeService.Stop(stopCtx); err != nil {
		slog.Error("Failed to stop Scribe service", "error", err)
	}

	slog.Debug("Program exiting")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(envOr(key, "")); err == nil {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(envOr(key, ""), 10, 64); err == nil {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(envOr(key, "")); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(envOr(key, "")); err == nil {
		return v
	}
	return fallback
}
