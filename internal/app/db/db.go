package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQLドライバ
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trendsnap_service/internal/app/retry"
)

// Options は接続時のリトライ設定です。
type Options struct {
	MaxRetries    int           // 最大リトライ回数
	RetryInterval time.Duration // リトライ間隔
	Logger        *slog.Logger
	// sleep はテストで待機を差し替えるためのものです。
	sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) fill() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.sleep == nil {
		o.sleep = retry.SleepContext
	}
}

// ConnectDatabase は PostgreSQL に接続し、Ping が通るまでリトライします。
func ConnectDatabase(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	return connectWithRetry(ctx, "postgres", databaseURL, opts)
}

func connectWithRetry(ctx context.Context, driver, dsn string, opts Options) (*sql.DB, error) {
	opts.fill()
	logger := opts.Logger.With("component", "db")

	var lastErr error
	// データベースに接続（リトライ付き）
	for i := 0; i < opts.MaxRetries; i++ {
		logger.Info("attempting to connect to database", "attempt", i+1, "max_attempts", opts.MaxRetries)

		db, err := sql.Open(driver, dsn)
		if err != nil {
			lastErr = err
			logger.Warn("failed to open database connection", "error", err, "retry_in", opts.RetryInterval)
			if err := opts.sleep(ctx, opts.RetryInterval); err != nil {
				return nil, err
			}
			continue
		}

		// 接続の確認（Ping）
		pingCtx, cancel := context.WithTimeout(ctx, opts.RetryInterval)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			lastErr = err
			_ = db.Close() // Pingに失敗したら接続を閉じる
			logger.Warn("failed to ping database", "error", err, "retry_in", opts.RetryInterval)
			if err := opts.sleep(ctx, opts.RetryInterval); err != nil {
				return nil, err
			}
			continue
		}

		logger.Info("successfully connected to database")
		return db, nil
	}

	// 最大リトライ回数を超えても接続できなかった場合
	return nil, fmt.Errorf("failed to connect to database after %d retries: %w", opts.MaxRetries, lastErr)
}

// OpenGorm は接続済みの *sql.DB を gorm で包みます。
func OpenGorm(sqlDB *sql.DB, log *slog.Logger) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         GormLogger(log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return gdb, nil
}

// GormLogger は gorm のログを slog に流します。警告以上のみ出力します。
func GormLogger(log *slog.Logger) logger.Interface {
	if log == nil {
		log = slog.Default()
	}
	w := slog.NewLogLogger(log.With("component", "gorm").Handler(), slog.LevelWarn)
	return logger.New(w, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
