package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "concallbot/pkg/logx"
)

const (
	redisKeyPrefix = "concallbot:ledger:"
	defaultTTL     = 72 * time.Hour
)

// redisStore keeps one set of keys per day plus a hash of entry details.
// Both expire after ttl, so old days clean themselves up.
type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
	log logx.Logger
}

// openRedis accepts either a redis:// URL or a bare host:port address.
func openRedis(ctx context.Context, dsn string, ttl time.Duration, log logx.Logger) (*redisStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	var opts *redis.Options
	if strings.Contains(dsn, "://") {
		o, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: dsn}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return newRedisStore(rdb, ttl, log), nil
}

func newRedisStore(rdb *redis.Client, ttl time.Duration, log logx.Logger) *redisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisStore{rdb: rdb, ttl: ttl, log: log}
}

func redisDayKey(day string) string     { return redisKeyPrefix + day }
func redisEntriesKey(day string) string { return redisKeyPrefix + day + ":entries" }

func (s *redisStore) Lookup(ctx context.Context, day string) (map[Key]struct{}, error) {
	members, err := s.rdb.SMembers(ctx, redisDayKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[Key]struct{}, len(members))
	for _, m := range members {
		out[Key(m)] = struct{}{}
	}
	return out, nil
}

func (s *redisStore) InsertMany(ctx context.Context, day string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	setKey, hashKey := redisDayKey(day), redisEntriesKey(day)
	pipe := s.rdb.TxPipeline()
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.SAdd(ctx, setKey, string(e.Key))
		pipe.HSetNX(ctx, hashKey, string(e.Key), b)
	}
	pipe.Expire(ctx, setKey, s.ttl)
	pipe.Expire(ctx, hashKey, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error { return s.rdb.Close() }
