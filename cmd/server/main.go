package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/your-org/reid/internal/api"
	"github.com/your-org/reid/internal/api/handlers"
	"github.com/your-org/reid/internal/api/ws"
	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/events"
	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/internal/ingest"
	"github.com/your-org/reid/internal/live"
	"github.com/your-org/reid/internal/observability"
	"github.com/your-org/reid/internal/queue"
	"github.com/your-org/reid/internal/storage"
	"github.com/your-org/reid/internal/video"
	"github.com/your-org/reid/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting re-identification service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]handlers.Check{}

	// Connect to Postgres
	var db *storage.PostgresStore
	if cfg.Database.Host != "" {
		db, err = storage.NewPostgresStore(cfg.Database)
		if err != nil {
			slog.Error("connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("ensure postgres schema", "error", err)
			os.Exit(1)
		}
		checks["postgres"] = db.Ping
	} else {
		slog.Warn("no database configured, identities and results stay in memory")
	}

	// Connect to MinIO
	var minioStore *storage.MinIOStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err = storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		checks["minio"] = minioStore.Ping
	} else {
		slog.Warn("no object store configured, video thumbnails are not kept")
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Connect to NATS. Without it events go straight to the hub.
	var sink events.Sink = hub
	var publisher *queue.Publisher
	if cfg.NATS.URL != "" {
		nc, err := queue.Connect(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		publisher, err = queue.NewPublisher(nc)
		if err != nil {
			slog.Error("create nats publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		if err := publisher.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		checks["nats"] = func(context.Context) error { return publisher.Ping() }
		sink = publisher

		consumer, err := queue.NewConsumer(nc)
		if err != nil {
			slog.Error("create event consumer", "error", err)
			os.Exit(1)
		}
		err = consumer.ConsumeEvents(ctx, nil, func(kind, id string, payload []byte) {
			if err := hub.BroadcastRaw(kind, payload); err != nil {
				slog.Warn("drop malformed event", "kind", kind, "id", id, "error", err)
			}
		})
		if err != nil {
			slog.Warn("start event consumer", "error", err)
		}
	} else {
		slog.Warn("no message bus configured, events are delivered to WebSocket clients only")
	}

	// Initialize ONNX Runtime and models
	if err := vision.InitRuntime(cfg.Vision.ORTLibrary); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	engines, err := vision.LoadEngines(cfg.Vision)
	if err != nil {
		slog.Error("load vision engines", "error", err)
		os.Exit(1)
	}
	defer engines.Close()

	// Identity resolver shared by every camera
	var resolverOpts []identity.Option
	if db != nil {
		resolverOpts = append(resolverOpts, identity.WithUniqueCounter(db))
	}
	resolver := identity.NewResolver(cfg.Identity, resolverOpts...)
	if db != nil {
		n, err := resolver.Preload(ctx, db, cfg.Identity.PreloadHours)
		if err != nil {
			slog.Warn("preload identities", "error", err)
		} else {
			slog.Info("identities preloaded", "count", n, "hours", cfg.Identity.PreloadHours)
		}
	}

	liveDeps := live.Deps{
		Detector:  engines.Detector,
		Extractor: engines.Extractor,
		Resolver:  resolver,
		Sink:      sink,
		Open:      ingest.NewFFmpegOpener(cfg.Live.TargetFPS, cfg.Vision.FrameWidth),
	}
	videoDeps := video.Deps{
		Detector:  engines.Detector,
		Extractor: engines.Extractor,
		Open:      ingest.OpenVideo,
		Sink:      sink,
	}
	var results handlers.ResultDeleter
	if db != nil {
		liveDeps.Store = db
		videoDeps.Results = db
		results = db
	}
	var objects handlers.ObjectReader
	if minioStore != nil {
		videoDeps.Thumbnails = minioStore
		objects = minioStore
	}

	manager := live.NewManager(cfg, liveDeps)
	processor := video.NewProcessor(cfg, videoDeps)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()

	// Camera control commands from other services
	if publisher != nil {
		sub, err := publisher.SubscribeControl(func(data []byte) {
			cmd, err := live.ParseCommand(data)
			if err != nil {
				slog.Warn("invalid control command", "error", err)
				return
			}
			if err := manager.HandleCommand(ctx, cmd); err != nil {
				slog.Warn("handle control command", "action", cmd.Action, "camera_id", cmd.CameraID, "error", err)
			}
		})
		if err != nil {
			slog.Warn("subscribe camera control", "error", err)
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:     cfg.Server.APIKey,
		UploadDir:  cfg.Video.UploadDir,
		Cameras:    manager,
		Identities: resolver,
		Jobs:       processor,
		Objects:    objects,
		Results:    results,
		Checks:     checks,
		Hub:        hub,
	})

	// MJPEG responses stream indefinitely, so there is no write timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	wg.Wait()

	slog.Info("service stopped")
}
