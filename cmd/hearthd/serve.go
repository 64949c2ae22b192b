package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hearthd/hearth/internal/admit"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/corpus"
	"github.com/hearthd/hearth/internal/engine"
	"github.com/hearthd/hearth/internal/evolve"
	"github.com/hearthd/hearth/internal/intent"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/retrieval"
	"github.com/hearthd/hearth/internal/router"
	"github.com/hearthd/hearth/internal/schedule"
	"github.com/hearthd/hearth/internal/search"
	"github.com/hearthd/hearth/internal/session"
	"github.com/hearthd/hearth/internal/summarizer"
	"github.com/hearthd/hearth/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent HTTP server",
		Long: `Starts the message endpoint, restores persisted sessions, schedules
their remaining idle time, and serves until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

type server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	router  *router.Router
	eng     *engine.Engine
	library *corpus.Corpus
	queue   *schedule.Queue
}

func serve(ctx context.Context, cfg config.Config) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.NewLogger(os.Stderr, level)
	metrics := telemetry.NewMetrics()

	library, err := corpus.New(cfg.Corpus.Root,
		corpus.WithRefreshInterval(cfg.Corpus.RefreshInterval.Std()),
		corpus.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := library.Watch(); err != nil {
		logger.Warn("corpus watcher unavailable, relying on refresh interval", "error", err)
	}
	defer library.Close()

	registry := session.NewRegistry(cfg.Session.MaxTurns,
		cfg.Session.IdleTimeout.Std(), cfg.Session.ConfirmWindow.Std())

	var snapshotter session.Snapshotter
	switch cfg.Session.Snapshot.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Session.Snapshot.RedisAddr})
		snapshotter = session.NewRedisSnapshotter(client, cfg.Session.IdleTimeout.Std())
	default:
		snapshotter = session.NewFileSnapshotter(cfg.Session.Snapshot.Path)
	}

	tracker := llm.NewUsageTracker()
	primary := llm.Instrument(
		llm.NewAnthropicClientWithKey(cfg.Primary.APIKey), "primary", metrics, tracker)
	auxiliary := llm.Instrument(
		llm.NewOpenAICompatibleClient(cfg.Auxiliary.BaseURL, cfg.Auxiliary.APIKey), "auxiliary", metrics, tracker)

	compressor := summarizer.New(auxiliary, cfg.Auxiliary.Model, registry, library,
		cfg.CompressorPath, cfg.Session.MinCompressTurns, logger)

	// The queue fires the summarizer; the engine rearms the queue. The
	// engine pointer is filled in below, before the queue can ever fire.
	var eng *engine.Engine
	queue := schedule.New(func(userID string) {
		compressor.OnIdle(userID)
		if eng != nil {
			eng.PersistSnapshot(context.Background())
		}
	})
	defer queue.Stop()

	eng = engine.New(primary, cfg.Primary.Model, cfg.Primary.MaxTokens,
		registry, snapshotter, queue, cfg.PersonaPath, logger)

	var searcher router.Searcher
	if cfg.Search.APIKey != "" {
		searcher = search.NewClient(cfg.Search.APIKey, search.WithCount(cfg.Search.Count))
	}

	rtr := router.New(router.Deps{
		Limiter:     admit.NewLimiter(cfg.Admission.Window.Std(), cfg.Admission.MaxMessages),
		Classifier:  intent.NewClassifier(auxiliary, cfg.Auxiliary.Model, logger),
		Pipeline:    retrieval.New(library, auxiliary, cfg.Auxiliary.Model, cfg.Retrieval.MaxCandidates, cfg.Retrieval.ExtractCharLimit, logger),
		Searcher:    searcher,
		Engine:      eng,
		Registry:    registry,
		Compressor:  compressor,
		Evolution:   evolve.New(auxiliary, cfg.Auxiliary.Model, logger, logger.With("channel", "review")),
		Library:     library,
		Queue:       queue,
		AuxRate:     cfg.Auxiliary.Rate,
		PrimaryRate: cfg.Primary.Rate,
		Metrics:     metrics,
		Logger:      logger,
	})

	s := &server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		router:  rtr,
		eng:     eng,
		library: library,
		queue:   queue,
	}
	s.restoreSessions(ctx, snapshotter, registry)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hearthd listening", "addr", cfg.ListenAddr, "corpus", cfg.Corpus.Root)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	eng.PersistSnapshot(shutdownCtx)

	pu, au := tracker.Usage("primary"), tracker.Usage("auxiliary")
	logger.Info("cumulative model usage",
		"primary_in", pu.InputTokens, "primary_out", pu.OutputTokens,
		"auxiliary_in", au.InputTokens, "auxiliary_out", au.OutputTokens)
	return nil
}

// restoreSessions loads the snapshot and schedules each restored session's
// remaining idle time, so idle expiry survives a restart.
func (s *server) restoreSessions(ctx context.Context, snapshotter session.Snapshotter, registry *session.Registry) {
	snap, err := snapshotter.Load(ctx)
	if err != nil {
		s.logger.Warn("session snapshot load failed", "error", err)
		return
	}
	restored := registry.Restore(snap)
	for _, userID := range restored {
		s.queue.Arm(userID, snap[userID].LastActive.Add(s.cfg.Session.IdleTimeout.Std()))
	}
	s.logger.Info("sessions restored", "count", len(restored), "snapshot", len(snap))
	s.metrics.SetActiveSessions(registry.Count())
}

type messageRequest struct {
	UserID    string   `json:"user_id"`
	Message   string   `json:"message"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

type messageResponse struct {
	Reply        string         `json:"reply"`
	Debug        []string       `json:"debug,omitempty"`
	Dissatisfied bool           `json:"dissatisfied"`
	Usage        llm.TokenUsage `json:"usage"`
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || (req.Message == "" && len(req.ImageURLs) == 0) {
		http.Error(w, "user_id and message are required", http.StatusBadRequest)
		return
	}

	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	logger := telemetry.MessageLogger(s.logger, ctx, req.UserID)

	start := time.Now()
	res, err := s.router.Handle(ctx, req.UserID, req.Message, req.ImageURLs)
	if err != nil {
		logger.Error("message handling failed", "error", err)
		http.Error(w, "upstream model unavailable", http.StatusBadGateway)
		return
	}
	s.metrics.ObserveStage("handle", time.Since(start))
	s.eng.PersistSnapshot(ctx)

	logger.Info("message handled",
		"duration", time.Since(start).Round(time.Millisecond),
		"dissatisfied", res.Dissatisfied,
		"tokens_in", res.Usage.InputTokens,
		"tokens_out", res.Usage.OutputTokens)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messageResponse{
		Reply:        res.Reply,
		Debug:        res.Debug,
		Dissatisfied: res.Dissatisfied,
		Usage:        res.Usage,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	size, err := s.library.Size()
	if err != nil {
		http.Error(w, "corpus unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"version":        version,
		"corpus_entries": size,
	})
}
