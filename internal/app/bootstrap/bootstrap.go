// Package bootstrap は cmd/api と cmd/batch が共有する依存関係の組み立てです。
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"trendsnap_service/internal/app/config"
	"trendsnap_service/internal/app/db"
	"trendsnap_service/internal/app/ingest"
	"trendsnap_service/internal/app/notify"
	"trendsnap_service/internal/app/repository"
	"trendsnap_service/internal/app/signal"
	"trendsnap_service/internal/app/trendsource"
)

// App は起動済みの依存関係です。
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	SQL          *sql.DB
	DB           *gorm.DB
	Store        *repository.Store
	Publisher    notify.Publisher
	Orchestrator *ingest.Orchestrator
	Engine       *signal.Engine
}

// Open はデータベースに接続してスキーマを適用し、取り込みと読み出しの部品を作ります。
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	sqlDB, err := db.ConnectDatabase(ctx, cfg.Database.URL, db.Options{
		MaxRetries:    cfg.Database.ConnectRetries,
		RetryInterval: cfg.Database.RetryInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	gdb, err := db.OpenGorm(sqlDB, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := repository.Migrate(ctx, gdb); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	publisher, err := NewPublisher(ctx, cfg.Redis, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := repository.NewStore(gdb)
	return &App{
		Config:       cfg,
		Logger:       logger,
		SQL:          sqlDB,
		DB:           gdb,
		Store:        store,
		Publisher:    publisher,
		Orchestrator: NewOrchestrator(cfg, store, publisher, logger),
		Engine:       signal.NewEngine(store, signal.WithLookbackSlack(cfg.Signal.LookbackSlack), signal.WithLogger(logger)),
	}, nil
}

// NewOrchestrator は設定から取得クライアントと取り込み処理を作ります。
func NewOrchestrator(cfg config.Config, store ingest.Store, publisher notify.Publisher, logger *slog.Logger) *ingest.Orchestrator {
	client := trendsource.NewClient(cfg.Upstream.ClientConfig(), trendsource.WithLogger(logger))
	return ingest.NewOrchestrator(store, client,
		ingest.WithLogger(logger),
		ingest.WithPublisher(publisher),
		ingest.WithMaxTrends(cfg.Upstream.MaxTrends),
	)
}

// NewPublisher は REDIS_URL があれば Redis Streams の通知先を作ります。無ければ何もしません。
func NewPublisher(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (notify.Publisher, error) {
	if cfg.URL == "" {
		logger.Info("REDIS_URL not set, run events disabled")
		return notify.Nop{}, nil
	}
	p, err := notify.NewRedisPublisher(cfg.URL, cfg.Stream)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		// 接続できなくても起動は続ける
		logger.Warn("redis not reachable, run events will be retried per publish", "error", err)
	}
	return p, nil
}

// Close は接続を閉じます。
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.SQL != nil {
		if err := a.SQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
