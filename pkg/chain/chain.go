// 文件: pkg/chain/chain.go
// 链与资产定义
//
// 平台支持 6 种资产、5 条链 (ETH 和 LINK 共用以太坊链)。
// 确认数规则和最小充值额在这里集中定义，充值监控和提现广播共用。

package chain

import "github.com/shopspring/decimal"

// =============================================================================
// 资产
// =============================================================================

// Asset 平台支持的加密资产
type Asset string

const (
	AssetBTC  Asset = "BTC"
	AssetETH  Asset = "ETH"
	AssetLTC  Asset = "LTC"
	AssetXRP  Asset = "XRP"
	AssetSOL  Asset = "SOL"
	AssetLINK Asset = "LINK"
)

// AllAssets 所有支持的资产
var AllAssets = []Asset{AssetBTC, AssetETH, AssetLTC, AssetXRP, AssetSOL, AssetLINK}

// Valid 是否为支持的资产
func (a Asset) Valid() bool {
	switch a {
	case AssetBTC, AssetETH, AssetLTC, AssetXRP, AssetSOL, AssetLINK:
		return true
	}
	return false
}

// =============================================================================
// 链
// =============================================================================

// Chain 区块链网络
type Chain string

const (
	ChainBTC Chain = "bitcoin"
	ChainETH Chain = "ethereum"
	ChainLTC Chain = "litecoin"
	ChainXRP Chain = "ripple"
	ChainSOL Chain = "solana"
)

// AllChains 所有支持的链
var AllChains = []Chain{ChainBTC, ChainETH, ChainLTC, ChainXRP, ChainSOL}

// ChainOf 资产所在链 (LINK 是以太坊上的 ERC-20)
func ChainOf(a Asset) Chain {
	switch a {
	case AssetBTC:
		return ChainBTC
	case AssetETH, AssetLINK:
		return ChainETH
	case AssetLTC:
		return ChainLTC
	case AssetXRP:
		return ChainXRP
	case AssetSOL:
		return ChainSOL
	}
	return ""
}

// =============================================================================
// 确认数规则
// =============================================================================

// RequiredConfirmations 入账所需确认数
func RequiredConfirmations(a Asset) int64 {
	switch a {
	case AssetBTC:
		return 2
	case AssetETH, AssetLINK:
		return 12
	case AssetLTC:
		return 6
	case AssetXRP:
		return 1 // validated 即最终
	case AssetSOL:
		return 32 // finalized
	}
	return 12
}

// =============================================================================
// 最小充值额
// =============================================================================

var minDeposits = map[Asset]decimal.Decimal{
	AssetBTC:  decimal.RequireFromString("0.0001"),
	AssetETH:  decimal.RequireFromString("0.005"),
	AssetLTC:  decimal.RequireFromString("0.01"),
	AssetXRP:  decimal.RequireFromString("1"),
	AssetSOL:  decimal.RequireFromString("0.01"),
	AssetLINK: decimal.RequireFromString("0.5"),
}

// MinDeposit 低于该值的链上入账直接丢弃
func MinDeposit(a Asset) decimal.Decimal {
	return minDeposits[a]
}

// LINKContract 以太坊主网 LINK 合约地址
const LINKContract = "0x514910771AF9Ca656af840dff83E8264EcF986CA"

// ERC20TransferTopic Transfer(address,address,uint256) 事件签名
const ERC20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
