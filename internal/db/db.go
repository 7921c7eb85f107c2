package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// NormalizeDSN forces the driver options the ledger relies on: DATETIME
// columns scanned into time.Time, in UTC.
func NormalizeDSN(dbURL string) (string, error) {
	cfg, err := mysql.ParseDSN(dbURL)
	if err != nil {
		return "", fmt.Errorf("invalid DB_URL: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func InitDB(dbURL string, logger zerolog.Logger) (*sql.DB, error) {
	dsn, err := NormalizeDSN(dbURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database is not responding: %w", err)
	}

	logger.Info().Msg("Connected to database")
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id VARCHAR(64) PRIMARY KEY,
		sub_credits BIGINT NOT NULL DEFAULT 0,
		store_credits BIGINT NOT NULL DEFAULT 0,
		used_credits BIGINT NOT NULL DEFAULT 0,
		last_sub_reset_month INT NULL,
		last_sub_reset_year INT NULL,
		last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT chk_sub_credits_non_negative CHECK (sub_credits >= 0),
		CONSTRAINT chk_store_credits_non_negative CHECK (store_credits >= 0),
		CONSTRAINT chk_used_credits_non_negative CHECK (used_credits >= 0)
	);`,
	`CREATE TABLE IF NOT EXISTS credit_history (
		id CHAR(36) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		type VARCHAR(32) NOT NULL,
		amount BIGINT NOT NULL,
		description VARCHAR(512) NOT NULL DEFAULT '',
		sub_balance_after BIGINT NULL,
		store_balance_after BIGINT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_credit_history_user_created (user_id, created_at),
		FOREIGN KEY (user_id) REFERENCES credit_accounts(user_id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id CHAR(36) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		provider_event_id VARCHAR(255) NOT NULL,
		plan VARCHAR(64) NOT NULL DEFAULT '',
		amount_cents BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(8) NOT NULL DEFAULT '',
		credits BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(64) NOT NULL,
		paid_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_purchases_provider_event (provider_event_id),
		INDEX idx_purchases_user (user_id)
	);`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id VARCHAR(64) PRIMARY KEY,
		plan VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	);`,
}

func RunMigrations(db *sql.DB, logger zerolog.Logger) error {
	for i, q := range migrations {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	logger.Info().Int("count", len(migrations)).Msg("Migrations completed")
	return nil
}
