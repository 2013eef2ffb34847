// Package app wires the whole service: database, settings, LLM client, cost
// meter, vector store, task broker, graph, pipeline, plugins, retrieval
// engine and the HTTP router. cmd binaries stay thin; everything they run is
// assembled here.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/recallhq/recall-backend/internal/conversations"
	"github.com/recallhq/recall-backend/internal/costs"
	"github.com/recallhq/recall-backend/internal/db"
	httpapi "github.com/recallhq/recall-backend/internal/http"
	httpH "github.com/recallhq/recall-backend/internal/http/handlers"
	"github.com/recallhq/recall-backend/internal/identity"
	"github.com/recallhq/recall-backend/internal/ingest"
	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/plugins"
	"github.com/recallhq/recall-backend/internal/plugins/callrecordings"
	"github.com/recallhq/recall-backend/internal/plugins/gmail"
	"github.com/recallhq/recall-backend/internal/plugins/paperless"
	"github.com/recallhq/recall-backend/internal/plugins/whatsapp"
	"github.com/recallhq/recall-backend/internal/rag"
	"github.com/recallhq/recall-backend/internal/redact"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/tasks"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Settings *settings.Store
	Meter    *costs.Meter
	Vectors  qdrant.Store
	Queue    *tasks.Queue
	Registry *tasks.Registry
	Graph    *identity.Store
	Pipeline *ingest.Pipeline
	Engine   *rag.Engine
	Plugins  *plugins.Registry
	Server   *httpapi.Server

	redis  redis.UniversalClient
	cancel context.CancelFunc
}

func New() (*App, error) {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbService, err := db.NewService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	theDB := dbService.DB()

	cfgStore := settings.NewStore(theDB, log)
	if err := cfgStore.Seed(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	cfg := LoadConfig(cfgStore)

	client, err := llm.NewClient(log, llm.Config{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		ChatModel:    cfg.ChatModel,
		EmbedModel:   cfg.EmbedModel,
		WhisperModel: cfg.WhisperModel,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	pricing, err := costs.LoadPricing()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	meter := costs.NewMeter(theDB, log, pricing)
	client.RegisterObserver(meter)

	vectors, err := qdrant.NewStore(log, qdrant.Config{
		URL:        cfg.VectorURL,
		Collection: cfg.VectorCollection,
		DenseDim:   cfg.EmbedDim,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init vector store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	queue := tasks.NewQueue(log, rdb)

	graph := identity.NewStore(theDB, log)
	convs := conversations.NewStore(theDB, log)
	redactor := redact.New(log)
	pipeline := ingest.NewPipeline(log, ingest.Config{
		MaxChunkChars: cfg.MaxChunkChars,
		RedactEnabled: cfg.RedactEnabled,
	}, vectors, client, redactor, graph, queue)

	extractor := identity.NewExtractor(log, client, graph)
	registry := tasks.NewRegistry()
	for _, h := range []tasks.Handler{
		ingest.NewIngestHandler(pipeline),
		ingest.NewTranscribeHandler(pipeline, client),
		identity.NewExtractHandler(extractor, vectors),
	} {
		if err := registry.Register(h); err != nil {
			log.Sync()
			return nil, fmt.Errorf("register task handler: %w", err)
		}
	}

	engine := rag.NewEngine(log, client, vectors, graph, convs, meter, cfgStore, cfg.MediaDir)

	pluginRegistry := plugins.NewRegistry(log, &plugins.Host{
		Log:      log,
		Settings: cfgStore,
		Pipeline: pipeline,
		Vectors:  vectors,
		Tasks:    queue,
	})
	for _, p := range []plugins.ChannelPlugin{
		whatsapp.New(), gmail.New(), paperless.New(), callrecordings.New(),
	} {
		if err := pluginRegistry.Register(p); err != nil {
			log.Sync()
			return nil, fmt.Errorf("register plugin: %w", err)
		}
	}

	core := []plugins.CoreChecker{
		{Name: "database", Check: func(ctx context.Context) error {
			sqlDB, err := theDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "vector_store", Check: vectors.Ping},
		{Name: "task_broker", Check: queue.Ping},
	}

	server, err := httpapi.NewServer(httpapi.RouterConfig{
		Log:                 log,
		HealthHandler:       httpH.NewHealthHandler(pluginRegistry, core),
		RAGHandler:          httpH.NewRAGHandler(log, engine, vectors),
		ConversationHandler: httpH.NewConversationHandler(convs),
		SettingsHandler:     httpH.NewSettingsHandler(cfgStore),
		MediaHandler:        httpH.NewMediaHandler(cfg.MediaDir),
		CostsHandler:        httpH.NewCostsHandler(meter),
		PluginRegistry:      pluginRegistry,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init http server: %w", err)
	}

	return &App{
		Log:      log,
		Cfg:      cfg,
		DB:       theDB,
		Settings: cfgStore,
		Meter:    meter,
		Vectors:  vectors,
		Queue:    queue,
		Registry: registry,
		Graph:    graph,
		Pipeline: pipeline,
		Engine:   engine,
		Plugins:  pluginRegistry,
		Server:   server,
		redis:    rdb,
	}, nil
}

// VerifyDependencies probes the external services the process cannot run
// without and prepares the vector collection. Boot aborts when this fails.
func (a *App) VerifyDependencies(ctx context.Context) error {
	if err := a.Queue.Ping(ctx); err != nil {
		return fmt.Errorf("task broker unreachable: %w", err)
	}
	if err := a.Vectors.Ping(ctx); err != nil {
		return fmt.Errorf("vector store unreachable: %w", err)
	}
	if err := a.Vectors.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	for _, sub := range []string{"images", "events", "recordings"} {
		if err := os.MkdirAll(filepath.Join(a.Cfg.MediaDir, sub), 0o755); err != nil {
			return fmt.Errorf("create media dir: %w", err)
		}
	}
	return nil
}

// StartWorkers launches the in-process worker pools for both queues.
func (a *App) StartWorkers(ctx context.Context) {
	tasks.NewWorker(a.Log, a.Queue, a.Registry, tasks.QueueDefault).Start(ctx)
	tasks.NewWorker(a.Log, a.Queue, a.Registry, tasks.QueueHeavy).Start(ctx)
}

// Start launches background loops: workers and plugin sync tickers. The HTTP
// listener is run separately by the caller.
func (a *App) Start() {
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.StartWorkers(ctx)
	a.Plugins.StartSyncLoops(ctx)
}

// Stop shuts down background loops and plugins.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Plugins.Shutdown()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Log.Warn("redis close failed", "error", err)
		}
	}
	a.Log.Sync()
}
