package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared cache.
type RedisConfig struct {
	Addr   string
	Prefix string
	TTL    time.Duration
}

// Redis shares entries and invalidation stamps between server replicas.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mdr:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (r *Redis) seqKey() string             { return r.prefix + "seq" }
func (r *Redis) stampKey(uid string) string { return r.prefix + "stamp:" + uid }
func (r *Redis) entryKey(key string) string { return r.prefix + "entry:" + key }

func (r *Redis) Seq(ctx context.Context) (uint64, error) {
	v, err := r.rdb.Get(ctx, r.seqKey()).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.rdb.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, nil
	}
	ok, err := r.fresh(ctx, e)
	if err != nil || !ok {
		return nil, false, err
	}
	return e.Value, true, nil
}

func (r *Redis) fresh(ctx context.Context, e entry) (bool, error) {
	if len(e.Deps) == 0 {
		return true, nil
	}
	keys := make([]string, len(e.Deps))
	for i, uid := range e.Deps {
		keys[i] = r.stampKey(uid)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		stamp, err := strconv.ParseUint(s, 10, 64)
		if err != nil || stamp > e.Since {
			return false, nil
		}
	}
	return true, nil
}

func (r *Redis) Put(ctx context.Context, key string, since uint64, deps []string, value []byte) error {
	e := entry{Since: since, Deps: deps, Value: value}
	ok, err := r.fresh(ctx, e)
	if err != nil || !ok {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.entryKey(key), raw, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, uids []string) error {
	seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis incr seq: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}
	_, err = r.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, uid := range uids {
			p.Set(ctx, r.stampKey(uid), seq, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis stamp uids: %w", err)
	}
	return nil
}

// Ping checks the connection for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
