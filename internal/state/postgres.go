package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const watermarkSchema = `
CREATE TABLE IF NOT EXISTS logtap_watermarks (
	stream     TEXT PRIMARY KEY,
	watermark  TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps watermarks in a Postgres table, for deployments
// where multiple connector hosts share replication state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, watermarkSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure watermark table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) GetWatermark(ctx context.Context, stream string) (time.Time, bool, error) {
	var mark time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT watermark FROM logtap_watermarks WHERE stream = $1`, stream,
	).Scan(&mark)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", stream, err)
	}
	return mark.UTC(), true, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, stream string, mark time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logtap_watermarks (stream, watermark, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (stream) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = now()`,
		stream, mark.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", stream, err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
