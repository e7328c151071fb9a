package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/internal/ads"
	"github.com/adsabs/orcid-claims/internal/cache"
	"github.com/adsabs/orcid-claims/internal/config"
	gormdb "github.com/adsabs/orcid-claims/internal/db/gorm"
	"github.com/adsabs/orcid-claims/internal/importer"
	"github.com/adsabs/orcid-claims/internal/orcid"
	"github.com/adsabs/orcid-claims/internal/queue"
	"github.com/adsabs/orcid-claims/internal/telemetry"
	"github.com/adsabs/orcid-claims/internal/watcher"
)

const readHeaderTimeout = 10 * time.Second

// Service owns every long-lived component of the worker: the store,
// the embedded broker with its consumers, the API clients and the ops
// HTTP server. One Service runs per process.
type Service struct {
	version string
	cfg     *config.Config

	store    *gormdb.DB
	apiCache cache.Cache
	broker   *queue.Broker
	orcid    *orcid.Client
	ads      *ads.Client
	imp      *importer.Importer
	tasks    *Tasks

	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool

	configWatcher *watcher.Watcher
}

// NewService builds the worker. Everything is wired synchronously:
// consumers must not start before the store and the clients exist, so
// there is nothing to defer.
func NewService(version string, cfg *config.Config) (*Service, error) {
	applyLogLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	if err := telemetry.Init(ctx, "orcid-claims-worker", version, cfg.TelemetryEnabled); err != nil {
		log.Warn().Err(err).Msg("telemetry init failed, continuing without it")
	}

	store, err := gormdb.New(gormdb.Config{
		DSN:      cfg.DatabaseDSN,
		MaxConns: cfg.DatabaseMaxConns,
		LogLevel: gormdb.ParseLogLevel(cfg.DatabaseLogLevel),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open store: %w", err)
	}

	apiCache := newCache(cfg)
	orcidClient := orcid.NewClient(orcid.Config{
		BaseURL: cfg.OrcidAPIURL,
		Token:   cfg.APIToken,
		Timeout: cfg.APITimeout,
		Retries: cfg.APIRetries,
	}, apiCache)
	adsClient := ads.NewClient(ads.Config{
		BaseURL: cfg.ADSAPIURL,
		Token:   cfg.APIToken,
		Timeout: cfg.APITimeout,
		Retries: cfg.APIRetries,
	}, apiCache)

	imp := importer.New(store, orcidClient, adsClient, importer.Config{
		UpdateWindow:       cfg.UpdateWindow,
		IdentifierPriority: cfg.IdentifiersOrder,
	})

	broker, err := queue.New(queue.Config{
		DataDir:    cfg.QueueDataDir,
		Port:       cfg.QueuePort,
		MaxDeliver: cfg.QueueMaxDeliver,
	})
	if err != nil {
		_ = store.Close()
		_ = apiCache.Close()
		cancel()
		return nil, fmt.Errorf("start broker: %w", err)
	}

	tasks := NewTasks(store, imp, orcidClient, adsClient, broker, telemetry.NewPipelineMetrics(), Config{
		Interval: cfg.CheckInterval,
		MinRatio: cfg.MinRatio,
	})

	svc := &Service{
		version:   version,
		cfg:       cfg,
		store:     store,
		apiCache:  apiCache,
		broker:    broker,
		orcid:     orcidClient,
		ads:       adsClient,
		imp:       imp,
		tasks:     tasks,
		router:    chi.NewRouter(),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	svc.setupMiddleware()
	svc.setupRoutes()
	return svc, nil
}

func newCache(cfg *config.Config) cache.Cache {
	if cfg.CacheBackend == "redis" {
		return cache.NewRedis(cfg.RedisAddr, cfg.CacheTTL)
	}
	return cache.NewMemory(cfg.CacheTTL)
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Tasks exposes the handlers for the maintenance commands, which share
// the service wiring instead of rebuilding it.
func (s *Service) Tasks() *Tasks {
	return s.tasks
}

// Importer exposes the profile importer for the maintenance commands.
func (s *Service) Importer() *importer.Importer {
	return s.imp
}

// Store exposes the database for the maintenance commands.
func (s *Service) Store() *gormdb.DB {
	return s.store
}

// Broker exposes the queue broker for the maintenance commands.
func (s *Service) Broker() *queue.Broker {
	return s.broker
}

// Start attaches the consumers, re-arms the poller chain and brings up
// the ops HTTP server.
func (s *Service) Start() error {
	handlers := s.tasks.Handlers()
	for _, q := range queue.Queues {
		if err := s.broker.Subscribe(s.ctx, q, handlers[q]); err != nil {
			return fmt.Errorf("subscribe %s: %w", q, err)
		}
	}

	// The poller chain lives in the queue itself. Re-seeding on boot
	// restarts it after a queue wipe; against a live chain the extra
	// message just sees a young checkpoint and reschedules once.
	if err := s.tasks.SeedCheck(); err != nil {
		return fmt.Errorf("seed update check: %w", err)
	}

	s.startConfigWatcher()

	s.server = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	s.ready.Store(true)
	log.Info().
		Str("addr", s.cfg.HTTPAddr).
		Str("queue", s.broker.ClientURL()).
		Str("version", s.version).
		Msg("worker started")
	return nil
}

func (s *Service) startConfigWatcher() {
	path := config.File()
	if path == "" {
		return
	}
	w, err := watcher.New(path, s.reloadConfig)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher not created")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher not started")
		return
	}
	s.configWatcher = w
	log.Info().Str("path", path).Msg("watching config file")
}

// reloadConfig applies the edits that can take effect without a
// restart: the log level, plus a cache flush so changed API settings
// are not served stale responses. Store, queue and HTTP settings need
// a process restart.
func (s *Service) reloadConfig() {
	cfg, err := config.Reload()
	if err != nil {
		log.Warn().Err(err).Msg("config reload failed, keeping the old one")
		return
	}
	applyLogLevel(cfg.LogLevel)
	if err := s.apiCache.Flush(s.ctx); err != nil {
		log.Warn().Err(err).Msg("cache flush on reload failed")
	}
	log.Info().Str("level", cfg.LogLevel).Msg("config reloaded")
}

// Shutdown stops intake first, then lets the broker finish in-flight
// deliveries before the stores close. Bound the wait with the context.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()

	if s.configWatcher != nil {
		_ = s.configWatcher.Stop()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("ops server shutdown error")
		}
	}
	s.broker.Close()
	telemetry.Shutdown(ctx)
	if err := s.apiCache.Close(); err != nil {
		log.Error().Err(err).Msg("cache close error")
	}
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("store close error")
	}
	s.wg.Wait()

	log.Info().Msg("worker shutdown complete")
	return nil
}
