package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "concallbot/pkg/logx"
)

// Config selects and configures a Store.
//
// Driver values:
//   - "memory": process memory, lost on restart
//   - "file": JSON snapshot + journal next to Path
//   - "sqlite": SQLite database at Path (default)
//   - "redis": DSN is a redis:// URL or host:port
//   - "postgres": DSN is a PostgreSQL connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
	TTL         time.Duration
}

func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	var (
		st  Store
		err error
	)
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		st, err = unwrap(openFile(cfg.Path, log))
	case "sqlite", "sqlite3":
		st, err = unwrap(openSQLite(cfg.Path, cfg.BusyTimeout, log))
	case "redis":
		st, err = unwrap(openRedis(ctx, cfg.DSN, cfg.TTL, log))
	case "postgres", "postgresql", "pgx":
		st, err = unwrap(openPostgres(ctx, cfg.DSN, log))
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}
	return st, nil
}

// unwrap keeps a nil *T from turning into a non-nil Store.
func unwrap[T Store](s T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
