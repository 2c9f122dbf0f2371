package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rewired-gh/tenderwatch/internal/alerts"
	"github.com/rewired-gh/tenderwatch/internal/calibration"
	"github.com/rewired-gh/tenderwatch/internal/config"
	"github.com/rewired-gh/tenderwatch/internal/ensemble"
	"github.com/rewired-gh/tenderwatch/internal/flags"
	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/metrics"
	"github.com/rewired-gh/tenderwatch/internal/outbox"
	"github.com/rewired-gh/tenderwatch/internal/pipeline"
	"github.com/rewired-gh/tenderwatch/internal/scheduler"
	"github.com/rewired-gh/tenderwatch/internal/storage"
	"github.com/rewired-gh/tenderwatch/internal/telegram"
	"github.com/rewired-gh/tenderwatch/internal/temporal"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	once       = flag.Bool("once", false, "Run every stage once and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	deps := pipeline.Deps{
		Store:      store,
		Detector:   flags.NewDetector(cfg.Scoring.Thresholds()),
		Aggregator: flags.NewAggregator(cfg.Scoring.Weights()),
		Engine:     calibration.NewEngine(cfg.Calibration.Engine()),
		Analyzer:   temporal.NewAnalyzer(cfg.Temporal.Analyzer()),
		Matcher:    alerts.NewMatcher(store),
	}

	if cfg.Lock.RedisAddr != "" {
		locker, err := scheduler.NewRedisLocker(cfg.Lock.RedisAddr)
		if err != nil {
			logger.Fatal("Failed to connect to Redis: %v", err)
		}
		defer locker.Close()
		deps.Locker = locker
		logger.Info("Using Redis refit lock at %s", cfg.Lock.RedisAddr)
	} else {
		deps.Locker = scheduler.NewLocalLocker()
		logger.Debug("Using in-process refit lock")
	}

	if cfg.Ensemble.URL != "" {
		deps.Predictor = ensemble.NewClient(cfg.Ensemble.URL, cfg.Ensemble.Timeout, ensemble.ClientConfig{
			MaxRetries:          cfg.Ensemble.MaxRetries,
			RetryDelayBase:      cfg.Ensemble.RetryDelayBase,
			MaxIdleConns:        cfg.Scoring.Workers * 2,
			MaxIdleConnsPerHost: cfg.Scoring.Workers,
			IdleConnTimeout:     90 * time.Second,
		})
		logger.Info("Ensemble model at %s", cfg.Ensemble.URL)
	} else {
		logger.Debug("Ensemble model disabled, scoring from flags only")
	}

	if cfg.Kafka.Enabled {
		pub := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("Failed to close Kafka writer: %v", err)
			}
		}()
		deps.Publisher = pub
		logger.Info("Publishing alerts to Kafka topic %s", cfg.Kafka.Topic)
	}

	var notifier scheduler.Notifier
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		deps.Notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	runner, err := pipeline.New(cfg.Pipeline(), deps)
	if err != nil {
		logger.Fatal("Failed to build pipeline: %v", err)
	}

	sched := scheduler.New(notifier,
		scheduler.Job{Name: "score", Interval: cfg.Scoring.Interval, Run: func(ctx context.Context) error {
			_, err := runner.ScoreTenders(ctx)
			return err
		}},
		scheduler.Job{Name: "calibration_check", Interval: cfg.Calibration.CheckInterval, Run: runner.CheckCalibration},
		scheduler.Job{Name: "refit", Interval: cfg.Calibration.RefitInterval, Run: func(ctx context.Context) error {
			_, err := runner.Refit(ctx)
			if errors.Is(err, pipeline.ErrRefitInProgress) {
				return nil
			}
			return err
		}},
		scheduler.Job{Name: "temporal", Interval: cfg.Temporal.Interval, Run: func(ctx context.Context) error {
			_, err := runner.AnalyzeEntities(ctx)
			return err
		}},
		scheduler.Job{Name: "alerts", Interval: cfg.Alerts.Interval, Run: func(ctx context.Context) error {
			_, err := runner.EvaluateAlerts(ctx)
			return err
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if *once {
		if err := sched.RunOnce(ctx); err != nil {
			logger.Error("Run failed: %v", err)
			os.Exit(1)
		}
		logger.Info("Run completed")
		return
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newRouter(store)}
		go func() {
			logger.Info("Serving metrics on %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting pipeline (score every %v, alerts every %v, temporal every %v, refit every %v)",
		cfg.Scoring.Interval, cfg.Alerts.Interval, cfg.Temporal.Interval, cfg.Calibration.RefitInterval)
	sched.Start(ctx)
	logger.Info("Service stopped")
}

func newRouter(store *storage.Storage) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// POST /rescore {"tender_ids": [...]} queues tenders for the next scoring
	// run, e.g. after the ensemble service produced new predictions.
	r.Post("/rescore", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			TenderIDs []string `json:"tender_ids"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || len(body.TenderIDs) == 0 {
			http.Error(w, "expected a non-empty tender_ids list", http.StatusBadRequest)
			return
		}
		if err := store.RequestRescore(req.Context(), body.TenderIDs...); err != nil {
			logger.Error("Failed to queue rescore: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		logger.Info("Queued %d tenders for rescoring", len(body.TenderIDs))
		w.WriteHeader(http.StatusAccepted)
	})
	return r
}
