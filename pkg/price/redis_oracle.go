// 文件: pkg/price/redis_oracle.go
// Redis 价格缓存预言机
//
// 价格轮询进程 (核心之外) 把最新价写进 Redis，短 TTL。
// 核心这边只读: key 不存在或过期即 PriceUnavailable。

package price

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

// 确保实现了接口
var _ Oracle = (*RedisOracle)(nil)

// 缓存 Key: price:cad:{asset}
const priceKeyPrefix = "price:cad:"

// RedisOracle Redis 缓存预言机
type RedisOracle struct {
	client *redis.Client
}

// NewRedisOracle 创建 Redis 预言机
func NewRedisOracle(client *redis.Client) *RedisOracle {
	return &RedisOracle{client: client}
}

// Price 实现 Oracle
func (o *RedisOracle) Price(ctx context.Context, asset chain.Asset) (decimal.Decimal, error) {
	val, err := o.client.Get(ctx, priceKeyPrefix+string(asset)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price cache read: %w", err)
	}

	p, err := decimal.NewFromString(val)
	if err != nil || p.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: bad cached price %q for %s", ErrPriceUnavailable, val, asset)
	}
	return p, nil
}
