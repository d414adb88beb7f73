// 文件: pkg/price/oracle.go
// 价格预言机接口
//
// 价格源轮询不在核心范围内；核心只消费缓存好的 Price(asset) → CAD。

package price

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

// ErrPriceUnavailable 价格不可用 (下单直接拒绝)
var ErrPriceUnavailable = errors.New("price unavailable")

// Oracle 价格预言机
type Oracle interface {
	// Price 资产的 CAD 价格
	Price(ctx context.Context, asset chain.Asset) (decimal.Decimal, error)
}

// =============================================================================
// StaticOracle - 固定价格 (测试/演示用)
// =============================================================================

// StaticOracle 固定价格预言机
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[chain.Asset]decimal.Decimal
}

// NewStaticOracle 创建固定价格预言机
func NewStaticOracle(prices map[chain.Asset]decimal.Decimal) *StaticOracle {
	cp := make(map[chain.Asset]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticOracle{prices: cp}
}

// Price 实现 Oracle
func (o *StaticOracle) Price(_ context.Context, asset chain.Asset) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[asset]
	if !ok || p.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrPriceUnavailable
	}
	return p, nil
}

// SetPrice 更新价格
func (o *StaticOracle) SetPrice(asset chain.Asset, p decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = p
}
