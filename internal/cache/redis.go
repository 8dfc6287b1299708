package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "IntegraFlow/internal/errors"
)

// RedisConfig 描述 Redis 缓存后端的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 使用 Redis 作为共享缓存后端，TTL 由 Redis 自身维护。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 缓存实例。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "integraflow:cache:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Get 实现 Store 接口。
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 读取失败")
	}
	return value, true, nil
}

// Put 实现 Store 接口。ttl <= 0 时写入永不过期的条目。
func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缓存键不能为空")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 写入失败")
	}
	return nil
}

// Invalidate 实现 Store 接口。
func (r *RedisStore) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 删除失败")
	}
	return nil
}

// Sweep 在 Redis 后端为空操作，过期回收由服务端完成。
func (r *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
