package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	grpcserver "chat-realtime/internal/grpc"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/locks"
	"chat-realtime/internal/logging"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/relay"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

const serviceName = "chat-realtime"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, serviceName, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore.Close() }()
	gateway := repositories.NewInstrumentedGateway(store)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer func() { _ = publisher.Close() }()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	auditor := telemetry.NewAuditEmitter(publisher, "audit.chat", serviceName, cfg.Environment, logger)

	hub := ws.NewHub(logger)
	if cfg.NATSURL != "" {
		natsRelay, err := relay.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, hub, logger)
		if err != nil {
			return err
		}
		defer func() { _ = natsRelay.Close() }()
		hub.SetRelay(natsRelay)
	}

	keyed := locks.NewKeyed()
	threads := handlers.NewSynchronizer(gateway, hub, keyed, logger)
	pipeline := handlers.NewPipeline(gateway, hub, threads, keyed, auditor, logger)
	reactions := handlers.NewAggregator(gateway, hub, threads, keyed, auditor, logger)
	mutations := handlers.NewCoordinator(gateway, hub, threads, keyed, auditor, logger)
	dispatcher := handlers.NewDispatcher(hub, pipeline, threads, reactions, mutations, logger)
	rest := handlers.NewRESTHandler(gateway, threads, hub, logger)

	wsHandler := ws.NewHandler(hub, dispatcher, publisher, ws.Options{
		SendBuffer:        cfg.WSSendBuffer,
		MaxMessageBytes:   int64(cfg.MaxMessageBytes),
		MessagesPerMinute: cfg.WSMessageRate,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), observability.HTTPMetricsMiddleware())

	identity := middleware.Identity(cfg.JWTSecret)
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", identity, wsHandler.Handle)
	router.GET("/groups/:group_id/messages", identity, rest.GetGroupMessages)
	router.GET("/messages/:message_id/thread", identity, rest.GetThread)
	router.GET("/rooms/:group_id/members", identity, rest.GetRoomMembers)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	health := grpcserver.NewHealthServer(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", grpcListener.Addr().String()))
		return health.Serve(gctx, grpcListener)
	})
	g.Go(func() error {
		health.Watch(gctx, storeProbe(gateway), 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		hub.CloseAll()
		return err
	})
	return g.Wait()
}

// openStore selects the persistence adapter named by STORE_DRIVER.
func openStore(cfg config.Config, logger *zap.Logger) (repositories.Gateway, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to db: %w", err)
		}
		logger.Info("store ready", zap.String("driver", cfg.StoreDriver))
		return repositories.NewPostgresGateway(database), database, nil
	case config.DriverPebble:
		store, err := repositories.OpenPebbleGateway(cfg.PebblePath, vfs.Default)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store ready", zap.String("driver", cfg.StoreDriver), zap.String("path", cfg.PebblePath))
		return store, store, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return repositories.NewMemoryGateway(), io.NopCloser(nil), nil
	}
}

// storeProbe treats a not-found answer as a healthy store.
func storeProbe(gateway repositories.Gateway) grpcserver.Probe {
	return func(ctx context.Context) error {
		_, err := gateway.GetGroupByID(ctx, "__health__")
		if err == nil || errors.Is(err, repositories.ErrGroupNotFound) {
			return nil
		}
		return err
	}
}
