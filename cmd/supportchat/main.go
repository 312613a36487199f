package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"supportchat/internal/app/realtime"
	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/participant"
	kafkabroker "supportchat/internal/infra/broker/kafka"
	"supportchat/internal/infra/config"
	"supportchat/internal/infra/db/mongo"
	"supportchat/internal/infra/db/postgres"
	grpcserver "supportchat/internal/infra/grpc"
	ginserver "supportchat/internal/infra/http/gin"
	"supportchat/internal/infra/obs"
	redisc "supportchat/internal/infra/redis"
	"supportchat/internal/infra/security"
	"supportchat/internal/infra/storage/memory"
	"supportchat/internal/infra/storage/s3"
	"supportchat/internal/infra/storage/scylla"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev", "info")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		app.shutdown(logger)
		os.Exit(1)
	}
	defer app.shutdown(logger)

	app.hub.Start(ctx)
	if app.archiver != nil {
		if err := app.archiver.Start(ctx, app.hub); err != nil {
			logger.Error("archiver start failed", "error", err)
			os.Exit(1)
		}
	}

	health := grpcserver.NewServer(cfg.GRPCAddr, app.service.Ping, logger)
	go func() {
		if err := health.Serve(ctx); err != nil {
			logger.Error("grpc server failed", "error", err)
			stop()
		}
	}()

	verifier := security.TokenVerifier{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready: app.service.Ping,
	}, ginserver.Handlers{
		Chat: ginserver.ChatHandler{Chat: app.service, Logger: logger},
		Realtime: ginserver.Gateway{
			Chat:      app.service,
			Notifier:  app.hub,
			Logger:    logger,
			SendRate:  cfg.WSSendRate,
			SendBurst: cfg.WSSendBurst,
		}.Serve,
		AuthMiddleware: ginserver.AuthMiddleware{Verifier: verifier, Logger: logger}.Handle,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "node_id", app.hub.NodeID(),
		"store", cfg.StoreDriver, "relay", cfg.RelayDriver)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		stop()
	}
	logger.Info("HTTP server stopped")
}

type application struct {
	service  *support.Service
	hub      *realtime.Hub
	archiver *s3.Archiver
	closers  []func(context.Context) error
}

func (a *application) onShutdown(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// shutdown releases resources in reverse acquisition order.
func (a *application) shutdown(logger *slog.Logger) {
	if a.hub != nil {
		if err := a.hub.Close(); err != nil {
			logger.Warn("hub close failed", "error", err)
		}
	}
	if a.archiver != nil {
		a.archiver.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("resource close failed", "error", err)
		}
	}
	a.closers = nil
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{}

	backend, err := openStore(ctx, app, cfg, logger)
	if err != nil {
		return app, err
	}
	var redisClient *redis.Client
	if cfg.RelayDriver == config.RelayRedis {
		if redisClient, err = redisc.NewClient(ctx, cfg.RedisURL); err != nil {
			return app, fmt.Errorf("redis connect: %w", err)
		}
		app.onShutdown(func(context.Context) error { return redisClient.Close() })
		// Retries that land on another node must still be recognised.
		backend.sendLog = redisc.NewSendLog(redisClient)
	}
	relay, err := openRelay(cfg, redisClient, logger)
	if err != nil {
		return app, err
	}

	app.hub = realtime.NewHub(realtime.Options{
		NodeID:          cfg.NodeID,
		Buffer:          cfg.SubscriberBuffer,
		Relay:           relay,
		Logger:          logger,
		OnSubscriptions: obs.TrackSubscriptions,
	})

	app.service, err = support.NewService(support.Deps{
		Store:        backend.store,
		Directory:    backend.directory,
		Notifier:     app.hub,
		SendLog:      backend.sendLog,
		SendLogTTL:   cfg.SendLogTTL,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
	})
	if err != nil {
		return app, err
	}

	if cfg.ArchiveEnabled {
		client, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, logger)
		if err != nil {
			return app, err
		}
		app.archiver = &s3.Archiver{Source: app.service, Uploader: client, Logger: logger}
	}
	return app, nil
}

type storeBackend struct {
	store     chat.Store
	directory participant.Directory
	sendLog   support.SendLog
}

func openStore(ctx context.Context, app *application, cfg config.Config, logger *slog.Logger) (storeBackend, error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, err := mongo.New(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return storeBackend{}, fmt.Errorf("mongo connect: %w", err)
		}
		app.onShutdown(client.Close)
		store := mongo.NewChatStore(client.DB)
		if err := store.EnsureIndexes(ctx); err != nil {
			return storeBackend{}, fmt.Errorf("mongo indexes: %w", err)
		}
		sends := mongo.NewSendLog(client.DB)
		if err := sends.EnsureIndexes(ctx); err != nil {
			return storeBackend{}, fmt.Errorf("mongo send log indexes: %w", err)
		}
		return storeBackend{store: store, directory: mongo.NewDirectory(client.DB), sendLog: sends}, nil
	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return storeBackend{}, fmt.Errorf("postgres connect: %w", err)
		}
		app.onShutdown(func(context.Context) error { return db.Close() })
		if err := postgres.Migrate(ctx, db); err != nil {
			return storeBackend{}, fmt.Errorf("postgres migrate: %w", err)
		}
		return storeBackend{
			store:     postgres.NewChatStore(db),
			directory: postgres.NewDirectory(db),
			sendLog:   memory.NewSendLog(),
		}, nil
	case config.StoreScylla:
		session, err := scylla.NewSession(ctx, cfg.Scylla, logger)
		if err != nil {
			return storeBackend{}, fmt.Errorf("scylla init: %w", err)
		}
		app.onShutdown(func(context.Context) error {
			session.Close()
			return nil
		})
		return storeBackend{
			store:     scylla.NewStore(session, logger),
			directory: memory.NewDirectory(),
			sendLog:   memory.NewSendLog(),
		}, nil
	default:
		logger.Warn("using in-memory store, state is lost on restart")
		return storeBackend{
			store:     memory.NewChatStore(),
			directory: memory.NewDirectory(),
			sendLog:   memory.NewSendLog(),
		}, nil
	}
}

func openRelay(cfg config.Config, redisClient *redis.Client, logger *slog.Logger) (realtime.Relay, error) {
	switch cfg.RelayDriver {
	case config.RelayRedis:
		return redisc.NewRelay(redisClient, "", logger), nil
	case config.RelayKafka:
		producer, err := kafkabroker.NewProducer(cfg.KafkaBrokers, nil)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		relay, err := kafkabroker.NewRelay(kafkabroker.RelayConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			NodeID:  cfg.NodeID,
			Backoff: cfg.RetryBackoff,
			Logger:  logger,
		}, producer)
		if err != nil {
			_ = producer.Close()
			return nil, err
		}
		return relay, nil
	default:
		logger.Info("no relay configured, events stay on this node")
		return nil, nil
	}
}
