package queue

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskx/internal/config"
)

// Open connects to the backend selected by cfg's driver or URI scheme.
func Open(ctx context.Context, cfg config.Config) (*SQLStore, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, err
	}
	d, err := ResolveDialect(cfg.Driver, uri)
	if err != nil {
		return nil, err
	}
	dsn, err := d.DSN(uri)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1) // SQLite single writer
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", d, err)
	}
	log.Info().Str("dialect", d.String()).Int("retry_limit", cfg.RetryLimit).Msg("schedule store opened")
	return New(db, d, cfg.RetryLimit), nil
}
