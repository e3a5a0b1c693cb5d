package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/delivery"
	opsgrpc "chat-relay/internal/grpc"
	"chat-relay/internal/handlers"
	"chat-relay/internal/middleware"
	"chat-relay/internal/observability"
	"chat-relay/internal/rabbitmq"
	"chat-relay/internal/ratelimit"
	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("chat-relay stopped")
	}
}

// stores bundles the ledger backend chosen by LEDGER_BACKEND.
type stores struct {
	ledger  repositories.DeliveryLedger
	friends repositories.FriendStore
	probe   opsgrpc.Probe
	close   func()
}

func openStores(cfg config.Config) (*stores, error) {
	switch cfg.LedgerBackend {
	case config.BackendBadger:
		kv, err := db.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		friends := repositories.NewBadgerFriends(kv)
		ledger, err := repositories.NewBadgerLedger(kv, friends)
		if err != nil {
			kv.Close()
			return nil, err
		}
		return &stores{
			ledger:  ledger,
			friends: friends,
			probe:   badgerProbe(kv),
			close: func() {
				_ = ledger.Close()
				_ = kv.Close()
			},
		}, nil

	default:
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		friends := repositories.NewFriendRepo(database)
		return &stores{
			ledger:  repositories.NewLedgerRepo(database, friends),
			friends: friends,
			probe:   database.PingContext,
			close:   func() { _ = database.Close() },
		}, nil
	}
}

func badgerProbe(kv *badger.DB) opsgrpc.Probe {
	return func(context.Context) error {
		if kv.IsClosed() {
			return errors.New("badger is closed")
		}
		return nil
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SetupLogging()
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	st, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open %s ledger: %w", cfg.LedgerBackend, err)
	}
	defer st.close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.WithFields(log.Fields{
		"mode":   rabbitmq.PublisherMode(publisher),
		"reason": rabbitmq.PublisherNoopReason(publisher),
	}).Info("event publisher ready")

	events := observability.NewEvents(publisher)
	defer events.Close()
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	hub := ws.NewHub()
	router := delivery.NewRouter(st.ledger, hub, events, cfg.WSWriteTimeout, cfg.BacklogLimit)
	coordinator := delivery.NewCoordinator(hub, router)
	tokens := auth.NewTokens(cfg.Secret(), cfg.JWTIssuer)
	sender := handlers.NewSender(router, ratelimit.New(cfg.SendRatePerSec, cfg.SendBurst, 10*time.Minute), cfg.MaxBodyLength)

	messageHandler := handlers.NewMessageHandler(sender, router)
	friendHandler := handlers.NewFriendHandler(st.friends)
	wsHandler := handlers.NewWebSocketHandler(coordinator, router, sender, tokens, events, audit, handlers.WSConfig{
		AuthTimeout:       cfg.WSAuthTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		WriteTimeout:      cfg.WSWriteTimeout,
	})

	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), observability.HTTPMetricsMiddleware())

	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(tokens, audit)

	engine.POST("/messages", authMiddleware, messageHandler.SendMessage)
	engine.GET("/messages/pending", authMiddleware, messageHandler.ListPending)
	engine.GET("/messages/:message_id", authMiddleware, messageHandler.GetMessage)
	engine.POST("/messages/:message_id/delivered", authMiddleware, messageHandler.MarkDelivered)
	engine.POST("/messages/:message_id/read", authMiddleware, messageHandler.MarkRead)

	engine.GET("/friends", authMiddleware, friendHandler.ListFriends)
	engine.PUT("/friends/:user_id", authMiddleware, friendHandler.SetStatus)

	engine.GET("/ws", wsHandler.Handle)

	handlers.RegisterDebugRoutes(engine, audit, hub, cfg.Debug)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ops := opsgrpc.NewOpsServer()
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go ops.Watch(ctx, 10*time.Second, st.probe)

	errCh := make(chan error, 2)
	go func() {
		if err := ops.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.WithField("port", cfg.Port).Info("chat-relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ops.Stop()
	// live sockets are hijacked, so http.Server.Shutdown does not wait for them
	hub.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	return runErr
}
