package main

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/timottowitz/hmlr/internal/blockmgr"
	"github.com/timottowitz/hmlr/internal/clients/openai"
	"github.com/timottowitz/hmlr/internal/clients/pinecone"
	"github.com/timottowitz/hmlr/internal/clients/redisx"
	"github.com/timottowitz/hmlr/internal/config"
	"github.com/timottowitz/hmlr/internal/data/aggregates"
	"github.com/timottowitz/hmlr/internal/data/db"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	"github.com/timottowitz/hmlr/internal/factstore"
	"github.com/timottowitz/hmlr/internal/governor"
	"github.com/timottowitz/hmlr/internal/httpapi"
	httpH "github.com/timottowitz/hmlr/internal/httpapi/handlers"
	httpMW "github.com/timottowitz/hmlr/internal/httpapi/middleware"
	jobrt "github.com/timottowitz/hmlr/internal/jobs/runtime"
	"github.com/timottowitz/hmlr/internal/jobs/scribe"
	"github.com/timottowitz/hmlr/internal/jobs/worker"
	"github.com/timottowitz/hmlr/internal/lineage"
	"github.com/timottowitz/hmlr/internal/observability"
	"github.com/timottowitz/hmlr/internal/orchestrator"
	"github.com/timottowitz/hmlr/internal/platform/envutil"
	"github.com/timottowitz/hmlr/internal/platform/logger"
	"github.com/timottowitz/hmlr/internal/retrieval"
	"github.com/timottowitz/hmlr/internal/temporalx"
	"github.com/timottowitz/hmlr/internal/temporalx/temporalworker"
)

// app is the process-wide wiring root: one Postgres connection, one job
// registry, one HTTP server, an optional Redis event bus and an optional
// Temporal worker.
type app struct {
	log *logger.Logger
	db  *gorm.DB
	bus redisx.Bus
	cfg config.Config

	server   *httpapi.Server
	worker   *worker.Worker
	registry *jobrt.Registry

	cancel context.CancelFunc
}

func newApp() (*app, error) {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := config.LoadConfigFromEnv()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	if observability.Enabled() {
		observability.Init(log)
	}

	bus, err := redisx.NewFromEnv(log)
	if err != nil {
		log.Warn("redis event bus unavailable, continuing without it", "error", err)
		bus = nil
	}

	jobRepo := reposhmlr.NewJobRunRepo(gdb, log)
	registry := jobrt.NewRegistry()
	jobWorker := worker.NewWorker(gdb, log, jobRepo, registry, bus)

	llm, err := openai.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("init openai client: %w", err)
	}
	governorLLM := llm.WithModel(cfg.GovernorModel)

	pc, err := pinecone.New(log, pinecone.Config{APIKey: envutil.String("PINECONE_API_KEY", "")})
	if err != nil {
		return nil, fmt.Errorf("init pinecone client: %w", err)
	}
	vectors, err := pinecone.NewVectorStore(log, pc)
	if err != nil {
		return nil, fmt.Errorf("init pinecone vector store: %w", err)
	}

	blockRepo := reposhmlr.NewBlockRepo(gdb, log)
	turnRepo := reposhmlr.NewTurnRepo(gdb, log)
	chunkRepo := reposhmlr.NewChunkRepo(gdb, log)
	memoryRepo := reposhmlr.NewMemoryRepo(gdb, log)
	factRepo := reposhmlr.NewFactRepo(gdb, log)
	lineageRepo := reposhmlr.NewLineageRepo(gdb, log)
	usageRepo := reposhmlr.NewUsageStatRepo(gdb, log)

	baseDeps := aggregates.BaseDeps{DB: gdb, Log: log}
	blockAgg := aggregates.NewBlockAggregate(baseDeps, blockRepo)
	factAgg := aggregates.NewFactAggregate(baseDeps, factRepo)

	factStore := factstore.New(factRepo, factAgg)
	tracker := lineage.NewTracker(lineageRepo)
	retriever := retrieval.New(memoryRepo, chunkRepo, factRepo, blockRepo, vectors, cfg)
	gov := governor.New(blockRepo, factStore, retriever, governorLLM, log)
	blocks := blockmgr.New(blockRepo, turnRepo, blockAgg, llm, log)
	orch := orchestrator.New(blocks, turnRepo, chunkRepo, memoryRepo, factStore, jobRepo, gov, tracker, vectors, llm, cfg, log)

	if err := registry.Register(&scribe.DayHandler{}); err != nil {
		return nil, fmt.Errorf("register scribe day handler: %w", err)
	}
	if err := registry.Register(&scribe.WeekHandler{}); err != nil {
		return nil, fmt.Errorf("register scribe week handler: %w", err)
	}

	health := httpH.NewHealthHandler()
	chatHandler := httpH.NewChatHandler(orch, retriever, llm)
	blockHandler := httpH.NewBlockHandler(blocks)
	factHandler := httpH.NewFactHandler(factStore)
	lineageHandler := httpH.NewLineageHandler(tracker)
	usageHandler := httpH.NewUsageHandler(usageRepo)
	auth := httpMW.NewAuth(log, envutil.String("JWT_SECRET_KEY", ""))
	server := httpapi.NewServer(httpapi.RouterConfig{
		Log:         log,
		Auth:        auth,
		Health:      health,
		Chat:        chatHandler,
		Blocks:      blockHandler,
		Facts:       factHandler,
		Lineage:     lineageHandler,
		Usage:       usageHandler,
		CORSOrigins: envutil.String("HMLR_CORS_ORIGINS", ""),
	})

	return &app{
		log:      log,
		db:       gdb,
		bus:      bus,
		cfg:      cfg,
		server:   server,
		worker:   jobWorker,
		registry: registry,
	}, nil
}

func (a *app) Start(runServer, runWorker bool) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if runWorker {
		a.worker.Start(ctx)

		if envutil.Bool("TEMPORAL_ENABLED", false) {
			tc, err := temporalx.NewClient(a.log)
			if err != nil {
				a.log.Warn("Temporal client unavailable, SQL worker still runs", "error", err)
			} else {
				runner, err := temporalworker.NewRunner(a.log, tc, a.db, reposhmlr.NewJobRunRepo(a.db, a.log), a.registry, a.bus)
				if err != nil {
					a.log.Warn("Temporal runner init failed", "error", err)
				} else if err := runner.Start(ctx); err != nil {
					a.log.Warn("Temporal worker failed to start", "error", err)
				}
			}
		}
	}

	if observability.Current() != nil {
		observability.Current().StartServer(ctx, a.log, envutil.String("METRICS_ADDR", ":9090"))
		observability.Current().StartPostgresCollector(ctx, a.log, a.db)
		observability.Current().StartJobQueueCollector(ctx, a.log, a.db)
	}

	_ = runServer
}

func (a *app) Run(addr string) error {
	return a.server.Run(addr)
}

func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.log != nil {
		a.log.Sync()
	}
}
