// Package worker provides the long-running taxon service: the HTTP and gRPC
// API surface, the batch and incremental pipeline schedulers, the ingestion
// watcher and the maintenance loop, all behind one port.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/taxon/internal/cache"
	"github.com/thebtf/taxon/internal/classify"
	"github.com/thebtf/taxon/internal/cluster"
	"github.com/thebtf/taxon/internal/config"
	"github.com/thebtf/taxon/internal/db"
	gormdb "github.com/thebtf/taxon/internal/db/gorm"
	"github.com/thebtf/taxon/internal/db/sqlite"
	"github.com/thebtf/taxon/internal/embedding"
	"github.com/thebtf/taxon/internal/ingest"
	"github.com/thebtf/taxon/internal/lineage"
	"github.com/thebtf/taxon/internal/maintenance"
	"github.com/thebtf/taxon/internal/pipeline"
	"github.com/thebtf/taxon/internal/registry"
	"github.com/thebtf/taxon/internal/scoring"
	"github.com/thebtf/taxon/internal/search"
	"github.com/thebtf/taxon/internal/telemetry"
	"github.com/thebtf/taxon/internal/vector"
	"github.com/thebtf/taxon/internal/vector/memory"
	"github.com/thebtf/taxon/internal/vector/pgvector"
	"github.com/thebtf/taxon/internal/worker/sse"
	"github.com/thebtf/taxon/pkg/models"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for API requests. The SSE
	// stream is registered outside the timeout group.
	DefaultHTTPTimeout = 30 * time.Second

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond

	// DefaultMaxBodySize caps request bodies. Batch ingestion posts can
	// carry a few thousand prompts, so the cap is generous.
	DefaultMaxBodySize = 10 << 20 // 10 MiB

	// DefaultClientRate and DefaultClientBurst bound per-client request
	// throughput. The CLI polls /api/runs at 1 Hz, so these are roomy.
	DefaultClientRate  = 50.0
	DefaultClientBurst = 100
)

// Service is the main worker service orchestrator.
type Service struct {
	// Version of the worker binary
	version string

	// Configuration
	config *config.Config

	// Database
	store db.Database

	// Domain services
	embedder   *embedding.Service
	registry   *registry.Registry
	classifier *classify.Classifier
	index      vector.Index
	pipeline   *pipeline.Service
	scheduler  *pipeline.Scheduler
	searcher   *search.Service
	ingestor   *ingest.Service
	watcher    *ingest.Watcher
	lineage    *lineage.Service
	refresher  *scoring.Refresher
	maint      *maintenance.Service

	// Registry fanout over PostgreSQL LISTEN/NOTIFY (postgres backend only)
	pgListener *registry.Listener
	announcer  *registry.Announcer

	// Observability
	metrics     *telemetry.Metrics
	broadcaster *sse.Broadcaster

	// HTTP and gRPC servers share one listener through cmux
	router     *chi.Mux
	server     *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	mux        cmux.CMux
	tokenAuth  *TokenAuth
	limiter    *PerClientRateLimiter
	startTime  time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Initialization state (for deferred init)
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
}

// NewService creates a new worker service with deferred initialization.
// The API surface is routable immediately with health and readiness
// endpoints live, while the database, embedder and pipeline come up in
// the background.
func NewService(version string) (*Service, error) {
	cfg := config.Get()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())

	// Create router and SSE broadcaster (lightweight, no dependencies)
	router := chi.NewRouter()
	broadcaster := sse.NewBroadcaster()

	// gRPC health starts NOT_SERVING and flips once async init completes
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Auth is enabled only when a token is configured
	tokenAuth, err := NewTokenAuth(cfg.APIToken != "")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("token auth: %w", err)
	}
	if cfg.APIToken != "" {
		tokenAuth.SetToken(cfg.APIToken)
	}

	svc := &Service{
		version:     version,
		config:      cfg,
		broadcaster: broadcaster,
		metrics:     telemetry.New(log.Logger),
		health:      healthSrv,
		tokenAuth:   tokenAuth,
		limiter:     NewPerClientRateLimiter(DefaultClientRate, DefaultClientBurst),
		router:      router,
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}

	// Setup middleware and routes (health endpoint works immediately)
	svc.setupMiddleware()
	svc.setupRoutes()

	// Start async initialization
	go svc.initializeAsync()

	return svc, nil
}

// initializeAsync performs heavy initialization in the background.
// The HTTP server answers health checks while this runs; everything behind
// requireReady returns 503 until it completes.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")
	start := time.Now()

	if err := config.EnsureAll(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	cfg := s.config

	// Database
	var store db.Database
	var err error
	switch cfg.DBBackend {
	case config.BackendPostgres:
		store, err = gormdb.Open(gormdb.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.MaxConns,
			LogLevel: gormlogger.Silent,
		})
	default:
		store, err = sqlite.Open(sqlite.StoreConfig{
			Path:     cfg.DBPath,
			MaxConns: cfg.MaxConns,
		})
	}
	if err != nil {
		s.setInitError(fmt.Errorf("open store: %w", err))
		return
	}

	// Embedder with a vector cache in front. Redis when configured,
	// otherwise in-process.
	embedder, err := embedding.NewService(cfg)
	if err != nil {
		s.setInitError(fmt.Errorf("embedding service: %w", err))
		return
	}
	if cfg.RedisAddr != "" {
		rc, rerr := cache.NewRedis(cache.RedisConfig{
			Addr: cfg.RedisAddr,
			TTL:  time.Duration(cfg.RedisTTLHours) * time.Hour,
		})
		if rerr != nil {
			log.Warn().Err(rerr).Str("addr", cfg.RedisAddr).
				Msg("Redis embedding cache unavailable, using in-memory cache")
			embedder.SetCache(cache.NewMemory(0))
		} else {
			embedder.SetCache(rc)
		}
	} else {
		embedder.SetCache(cache.NewMemory(0))
	}

	// Registry and classifier. An empty database loads an empty registry;
	// classification then runs in bootstrap mode instead of failing.
	reg := registry.New(store)
	if err := reg.Load(s.ctx); err != nil {
		s.setInitError(fmt.Errorf("load registry: %w", err))
		return
	}
	classifier := classify.New(reg, classify.ThresholdsFromConfig(cfg))

	// Clusterer. Fails only on invalid parameters.
	clusterer, err := cluster.New(cfg)
	if err != nil {
		s.setInitError(fmt.Errorf("clusterer: %w", err))
		return
	}

	// Retrieval index. pgvector rows survive restarts; the in-memory
	// index is rebuilt from the stored corpus instead.
	var index vector.Index
	hydrate := true
	if cfg.RetrievalBackend == config.RetrievalPgvector && cfg.PostgresDSN != "" {
		pgIdx, perr := pgvector.NewIndex(s.ctx, pgvector.Config{
			DSN:          cfg.PostgresDSN,
			Dimensions:   embedder.Dimensions(),
			ModelVersion: embedder.Version(),
		})
		if perr != nil {
			log.Warn().Err(perr).Msg("pgvector index unavailable, falling back to in-memory index")
		} else {
			index = pgIdx
			hydrate = false
		}
	}
	if index == nil {
		index = memory.New()
	}
	if hydrate {
		if n, herr := s.hydrateIndex(store, embedder.Version(), index); herr != nil {
			log.Warn().Err(herr).Msg("Retrieval index hydration failed")
		} else if n > 0 {
			log.Info().Int("entries", n).Msg("Retrieval index hydrated")
		}
	}

	// Lineage history with an optional FalkorDB mirror
	lin := lineage.NewService(store)
	if cfg.FalkorAddr != "" {
		mirror, merr := lineage.NewMirror(cfg.FalkorAddr, cfg.FalkorPassword, cfg.FalkorGraph)
		if merr != nil {
			log.Warn().Err(merr).Str("addr", cfg.FalkorAddr).
				Msg("FalkorDB mirror unavailable, lineage graph stays local")
		} else {
			lin.SetMirror(mirror)
		}
	}
	if err := lin.Load(s.ctx, reg.Version()); err != nil {
		log.Warn().Err(err).Msg("Lineage history load failed")
	}

	// Quality scoring
	calc := scoring.NewCalculator(nil)
	refresher := scoring.NewRefresher(store, calc)

	// Ingestion
	ingestor := ingest.NewService(store)
	ingestor.SetMetrics(s.metrics)

	// Pipeline with schedulers
	deps := pipeline.Deps{
		Store:      store,
		Embedder:   embedder,
		Clusterer:  clusterer,
		Registry:   reg,
		Classifier: classifier,
		Index:      index,
		Quality:    calc,
		Lineage:    lin,
		Events:     s.broadcaster,
		Metrics:    s.metrics,
	}
	var announcer *registry.Announcer
	if cfg.DBBackend == config.BackendPostgres && cfg.PostgresDSN != "" {
		ann, aerr := registry.NewAnnouncer(cfg.PostgresDSN)
		if aerr != nil {
			log.Warn().Err(aerr).Msg("Registry swap announcer unavailable")
		} else {
			announcer = ann
			deps.Announcer = ann
		}
	}
	pipe := pipeline.NewService(deps, pipeline.ConfigFromApp(cfg), log.Logger)
	sched := pipeline.NewScheduler(pipe, pipeline.SchedulerConfigFromApp(cfg), log.Logger)

	// Search
	searcher := search.NewService(embedder, store, index, log.Logger)

	// Maintenance
	maint := maintenance.NewService(store, maintenance.ConfigFromApp(cfg), log.Logger)

	// Registry swap fanout: SSE clients, the search cache and metrics all
	// follow every swap, whether it came from a local run or from another
	// worker via LISTEN/NOTIFY.
	reg.OnSwap(func(snap *models.RegistrySnapshot) {
		s.broadcaster.Publish(pipeline.EventRegistrySwapped, map[string]any{
			"version":       snap.Version,
			"families":      len(snap.Entries),
			"model_version": snap.ModelVersion,
		})
		searcher.Invalidate()
		s.metrics.RecordRegistry(s.ctx, snap.Version, len(snap.Entries))
	})

	// File watcher for drop-in ingestion directories
	var watcher *ingest.Watcher
	if len(cfg.IngestWatchDirs) > 0 {
		watcher = ingest.NewWatcher(ingestor, cfg.IngestWatchDirs)
	}

	// Registry reload listener (postgres backend only)
	var pgListener *registry.Listener
	if cfg.DBBackend == config.BackendPostgres && cfg.PostgresDSN != "" {
		pgListener = registry.NewListener(cfg.PostgresDSN, reg)
	}

	// Atomically swap all components
	s.initMu.Lock()
	s.store = store
	s.embedder = embedder
	s.registry = reg
	s.classifier = classifier
	s.index = index
	s.lineage = lin
	s.pipeline = pipe
	s.scheduler = sched
	s.searcher = searcher
	s.ingestor = ingestor
	s.watcher = watcher
	s.refresher = refresher
	s.maint = maint
	s.pgListener = pgListener
	s.announcer = announcer
	s.initError = nil
	s.initMu.Unlock()

	// Mark as ready
	s.ready.Store(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	log.Info().
		Str("backend", cfg.DBBackend).
		Int64("registry_version", reg.Version()).
		Dur("elapsed", time.Since(start)).
		Msg("Async initialization complete")

	// Background loops
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sched.Start(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		refresher.Start(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		maint.Start(s.ctx)
	}()

	if watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := watcher.Start(s.ctx); err != nil {
				log.Warn().Err(err).Msg("Ingest watcher stopped")
			}
		}()
	}

	if pgListener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := pgListener.Start(s.ctx); err != nil {
				log.Warn().Err(err).Msg("Registry listener stopped")
			}
		}()
	}
}

// hydrateIndex rebuilds an empty index from the embedded corpus.
func (s *Service) hydrateIndex(store db.Database, modelVersion string, index vector.Index) (int, error) {
	corpus, err := store.GetEmbeddedCorpus(s.ctx, modelVersion)
	if err != nil {
		return 0, err
	}
	if len(corpus) == 0 {
		return 0, nil
	}
	entries := make([]vector.Entry, len(corpus))
	for i, p := range corpus {
		entries[i] = vector.Entry{PromptID: p.ID, RecordID: p.RecordID, Embedding: p.Embedding}
	}
	if err := index.Rebuild(s.ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until initialization completes, fails, or the timeout
// elapses.
func (s *Service) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		time.Sleep(ReadyPollInterval)
	}
	return fmt.Errorf("service not ready after %s", timeout)
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders)
	s.router.Use(s.metrics.Middleware)
	s.router.Use(MaxBodySize(DefaultMaxBodySize))
	s.router.Use(PerClientRateLimitMiddleware(s.limiter))
	s.router.Use(s.tokenAuth.Middleware)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Liveness, version and readiness work during initialization so
	// orchestrators and the CLI can poll them. The SSE stream sits outside
	// the timeout group; a stream outliving DefaultHTTPTimeout is the point.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/events", s.broadcaster.HandleSSE)

	// Swagger UI and spec
	s.router.Get("/swagger/*", swaggerHandler())

	// Routes that require initialization to have completed
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.requireReady)
		r.Use(RequireJSONContentType)

		// Ingestion and classification
		r.Get("/api/prompts", s.handleGetPrompts)
		r.Post("/api/prompts", s.handleIngestPrompts)
		r.Post("/api/classify", s.handleClassify)

		// Families and lineage
		r.Get("/api/families", s.handleGetFamilies)
		r.Get("/api/families/{id}", s.handleGetFamily)
		r.Get("/api/families/{id}/lineage", s.handleGetFamilyLineage)

		// Registry
		r.Get("/api/registry", s.handleGetRegistry)
		r.Get("/api/registry/versions", s.handleGetRegistryVersions)

		// Retrieval
		r.Get("/api/search", s.handleSearch)

		// Observability
		r.Get("/api/stats", s.handleGetStats)
		r.Get("/api/runs", s.handleGetRuns)
		r.Get("/api/assignments/flagged", s.handleGetFlaggedAssignments)

		// Manual pipeline triggers
		r.Post("/api/admin/run/batch", s.handleRunBatch)
		r.Post("/api/admin/run/incremental", s.handleRunIncremental)
		r.Post("/api/admin/maintenance", s.handleRunMaintenance)
	})
}

// Start begins serving HTTP and gRPC on the configured port.
// Both protocols share one listener; cmux splits the streams. Database
// initialization continues in the background.
func (s *Service) Start() error {
	port := config.GetWorkerPort()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	s.mux = cmux.New(lis)
	grpcL := s.mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := s.mux.Match(cmux.Any())

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(grpcL); !isShutdownErr(err) {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(httpL); !isShutdownErr(err) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); !isShutdownErr(err) {
			log.Error().Err(err).Msg("Connection mux error")
		}
	}()

	log.Info().
		Int("port", port).
		Int("pid", os.Getpid()).
		Msg("Worker listening, HTTP and gRPC on one port (initialization in progress)")

	return nil
}

// isShutdownErr reports whether err is one of the sentinels every listener
// returns during a normal Shutdown sequence.
func isShutdownErr(err error) bool {
	return err == nil ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed)
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.initMu.RLock()
	scheduler, watcher, pgListener := s.scheduler, s.watcher, s.pgListener
	refresher, maint := s.refresher, s.maint
	announcer, index, embedder, store := s.announcer, s.index, s.embedder, s.store
	s.initMu.RUnlock()

	// Stop background loops
	if scheduler != nil {
		scheduler.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	if pgListener != nil {
		pgListener.Stop()
	}
	if refresher != nil {
		refresher.Stop()
	}
	if maint != nil {
		maint.Stop()
	}

	// Flip gRPC health to NOT_SERVING before the servers drain
	s.health.Shutdown()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.mux != nil {
		s.mux.Close()
	}

	// Close external connections
	if announcer != nil {
		_ = announcer.Close()
	}
	if index != nil {
		if err := index.Close(); err != nil {
			log.Error().Err(err).Msg("Retrieval index close error")
		}
	}
	if embedder != nil {
		_ = embedder.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}

	s.wg.Wait()

	log.Info().Msg("Worker service shutdown complete")
	return nil
}
