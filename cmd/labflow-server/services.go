package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/config"
	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/domain/encounter"
	"github.com/labflow/labflow/internal/domain/extraction"
	"github.com/labflow/labflow/internal/platform/db"
	"github.com/labflow/labflow/internal/platform/events"
	"github.com/labflow/labflow/internal/platform/locker"
	"github.com/labflow/labflow/internal/platform/websocket"
)

const redisPrefix = "labflow:"

// services holds everything the HTTP surface and the poller need.
type services struct {
	pool       *pgxpool.Pool
	encounters *encounter.Service
	allocator  *extraction.Allocator
	poller     *extraction.Poller
	hub        *websocket.Hub
	checks     map[string]db.Check
	closers    []func() error
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// backends are the optional infrastructure clients. Each one falls back to
// an in-process implementation when its URL is not configured.
type backends struct {
	sessions  encounter.SessionStore
	locker    locker.Locker
	publisher events.Publisher
	archive   billing.ReceiptArchive
}

func buildDeps(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*services, error) {
	s := &services{
		pool: pool,
		hub:  websocket.NewHub(logger),
		checks: map[string]db.Check{
			"postgres": pool.Ping,
		},
	}
	b := backends{
		sessions:  encounter.NewMemorySessionStore(),
		locker:    locker.NewLocal(),
		publisher: s.hub,
		archive:   billing.NopArchive{},
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.sessions = encounter.NewRedisSessionStore(rdb, redisPrefix)
		b.locker = locker.NewRedis(rdb, redisPrefix+"inflight:")
		s.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		s.closers = append(s.closers, rdb.Close)
		logger.Info().Msg("sessions and in-flight guards shared through redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set; sessions and in-flight guards are process local")
	}

	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("connect to amqp: %w", err)
		}
		pub, err := events.NewAMQP(conn, cfg.EventsQueue)
		if err != nil {
			conn.Close()
			s.close()
			return nil, err
		}
		b.publisher = events.Fanout{pub, s.hub}
		s.closers = append(s.closers, conn.Close, pub.Close)
		s.checks["amqp"] = func(context.Context) error {
			if conn.IsClosed() {
				return fmt.Errorf("connection closed")
			}
			return nil
		}
		logger.Info().Str("queue", cfg.EventsQueue).Msg("publishing phase changes")
	}

	if cfg.MinioEndpoint != "" {
		mc, err := minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseSSL,
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("create minio client: %w", err)
		}
		if err := ensureBucket(ctx, mc, cfg.MinioBucket); err != nil {
			s.close()
			return nil, err
		}
		b.archive = billing.NewMinioArchive(mc, cfg.MinioBucket)
		s.checks["minio"] = func(ctx context.Context) error {
			_, err := mc.BucketExists(ctx, cfg.MinioBucket)
			return err
		}
	}

	gateway := billing.NewHTTPGateway(billing.GatewayConfig{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		Timeout: cfg.GatewayTimeout,
		RPS:     cfg.GatewayRPS,
	}, logger)

	repo := encounter.NewRepo(pool, cfg.SiteID)
	catalog := extraction.NewCatalog(pool, cfg.SiteID, cfg.ExtractionBoxes)

	s.allocator = extraction.NewAllocator(catalog, repo, logger)
	s.poller = extraction.NewPoller(s.allocator, cfg.PollInterval, logger)
	s.poller.OnApply(func(v extraction.View) {
		if err := s.hub.Publish(websocket.TopicBoard, "board.updated", v); err != nil {
			logger.Error().Err(err).Msg("publish board view")
		}
	})
	s.encounters = encounter.NewService(repo, gateway,
		encounter.WithResourceGate(s.allocator),
		encounter.WithLocker(b.locker),
		encounter.WithSessionStore(b.sessions),
		encounter.WithPublisher(b.publisher),
		encounter.WithReceiptArchive(b.archive),
		encounter.WithStrictMethods(cfg.BillingStrictMethods),
		encounter.WithSessionTTL(cfg.SessionTTL),
		encounter.WithInflightTTL(cfg.InflightTTL),
		encounter.WithLogger(logger),
	)
	return s, nil
}

func ensureBucket(ctx context.Context, mc *minio.Client, bucket string) error {
	exists, err := mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}
