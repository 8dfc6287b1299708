package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// 命名空间前缀。校验缓存按配置内容哈希寻址，数据缓存按来源与参数寻址，
// 两个逻辑缓存的键永不冲突。
const (
	NamespaceValidation = "validation"
	NamespaceData       = "data"
)

// Store 抽象了带逐条过期时间的键值缓存。
// ttl <= 0 表示永不过期。过期在读取时惰性判定：过期条目等同未命中。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	// Sweep 回收已过期条目并返回回收数量。可选的周期性调用，用于限制存储体积。
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// ValidationKey 构造校验缓存键。哈希来自配置内容，因此不携带时间语义。
func ValidationKey(configHash string) string {
	return NamespaceValidation + ":" + configHash
}

// DataKey 构造数据缓存键。
func DataKey(integrationName, paramsHash string) string {
	return fmt.Sprintf("%s:%s:%s", NamespaceData, integrationName, paramsHash)
}

// HashBytes 返回内容的十六进制 SHA-256 摘要，用作缓存键的确定性成分。
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
