package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"grouparchive/backend/internal/account"
	"grouparchive/backend/internal/checkpoint"
	"grouparchive/backend/internal/config"
	"grouparchive/backend/internal/fetch"
	"grouparchive/backend/internal/media"
	"grouparchive/backend/internal/remote"
	"grouparchive/backend/internal/remote/botapi"
	"grouparchive/backend/internal/storage"
	"grouparchive/backend/internal/throttle"
)

const leaseTTL = 2 * time.Minute

// app holds the long-lived dependencies shared by the commands.
type app struct {
	cfg         *config.Config
	log         zerolog.Logger
	db          *gorm.DB
	rdb         *redis.Client
	store       *storage.Service
	checkpoints *checkpoint.Store
	accounts    *account.Throttle
	credentials map[string]remote.Credential
}

func setupDependencies(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	db, err := storage.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := storage.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}
	store := storage.NewStorageService(db, rdb)

	cps, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}

	var activity account.ActivityLog = &storage.GormActivityLog{Service: store}
	if cfg.ActivityBackend == config.ActivityBackendRedis {
		activity = &storage.RedisActivityLog{Client: rdb, Retention: account.Window}
	}

	creds := make(map[string]remote.Credential, len(cfg.Credentials))
	for id, secret := range cfg.Credentials {
		creds[id] = remote.Credential{ID: id, Secret: secret}
	}

	log.Info().Str("db_driver", cfg.DBDriver).Bool("redis", rdb != nil).
		Str("activity_backend", cfg.ActivityBackend).Int("credentials", len(creds)).
		Msg("Dependencies ready")

	return &app{
		cfg:         cfg,
		log:         log,
		db:          db,
		rdb:         rdb,
		store:       store,
		checkpoints: cps,
		accounts:    account.New(activity, cfg.AccountActionLimit, account.WithLogger(log)),
		credentials: creds,
	}, nil
}

func (a *app) policy() media.Policy {
	return media.Policy{
		Root:     a.cfg.DownloadRoot,
		Photo:    a.cfg.DownloadPhoto,
		Video:    a.cfg.DownloadVideo,
		Document: a.cfg.DownloadDocument,
		Audio:    a.cfg.DownloadAudio,
		MaxBytes: a.cfg.MaxAttachmentBytes,
		Retries:  a.cfg.DownloadRetries,
	}
}

// newOrchestrator wires the Bot API client into a fetch orchestrator whose
// runs live as long as ctx.
func (a *app) newOrchestrator(ctx context.Context, sink fetch.EventSink) *fetch.Orchestrator {
	delay := a.cfg.InterCallDelay
	opts := []fetch.Option{
		fetch.WithLogger(a.log),
		fetch.WithLimiterFactory(func() throttle.Limiter { return throttle.New(delay) }),
		fetch.WithCheckpoints(a.checkpoints),
		fetch.WithEventSink(sink),
		fetch.WithBaseContext(ctx),
	}
	if a.rdb != nil {
		opts = append(opts,
			fetch.WithLease(&storage.RedisLease{Client: a.rdb, TTL: leaseTTL}),
			fetch.WithLeaseRefresh(leaseTTL/3),
		)
	}
	cfg := fetch.Config{
		Policy:          a.policy(),
		DownloadWorkers: a.cfg.DownloadWorkers,
		PageRetries:     a.cfg.PageRetries,
	}
	client := botapi.New(a.log)
	client.Spool = a.checkpoints
	return fetch.New(client, a.store, cfg, opts...)
}

func (a *app) close() {
	if err := a.checkpoints.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close checkpoint store")
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}
