package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "concallbot/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
    day          TEXT        NOT NULL,
    key          TEXT        NOT NULL,
    entity       TEXT        NOT NULL DEFAULT '',
    description  TEXT        NOT NULL DEFAULT '',
    delivered_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (day, key)
)`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, dsn string, log logx.Logger) (*postgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Lookup(ctx context.Context, day string) (map[Key]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM deliveries WHERE day = $1`, day)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		out[Key(k)] = struct{}{}
	}
	return out, nil
}

func (s *postgresStore) InsertMany(ctx context.Context, day string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO deliveries(day, key, entity, description, delivered_at)
			VALUES($1, $2, $3, $4, $5) ON CONFLICT (day, key) DO NOTHING`,
			day, string(e.Key), e.Entity, e.Description, e.DeliveredAt)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
