// 文件: pkg/withdrawal/utxo.go
// BTC/LTC 选币与费率
//
// 虚拟大小估算: 10 + 输入数 × 68 + 2 × 31 vB (P2WPKH，固定两个输出:
// 目标 + 找零)。找零低于 546 聪视为尘埃，并入矿工费。

package withdrawal

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

const (
	txOverheadVB  = 10
	inputVB       = 68
	outputVB      = 31
	dustThreshold = 546 // 聪
)

var satsPerCoin = decimal.NewFromInt(1e8)

// ToSats 币值转聪 (向下取整)
func ToSats(amount decimal.Decimal) int64 {
	return amount.Mul(satsPerCoin).IntPart()
}

// EstimateVBytes 交易虚拟大小
func EstimateVBytes(numInputs int) int64 {
	return txOverheadVB + int64(numInputs)*inputVB + 2*outputVB
}

// SelectionResult 选币结果
type SelectionResult struct {
	Inputs []chain.UTXO
	Fee    int64 // 聪
	Change int64 // 聪，0 表示尘埃并入了费
}

// SelectUTXOs 贪心选币: 面额从大到小累加，直到覆盖 send + fee
// fee 随输入数变化，每加一个输入重算一次。
func SelectUTXOs(utxos []chain.UTXO, sendSats, feeRate int64) (*SelectionResult, error) {
	if sendSats <= 0 {
		return nil, fmt.Errorf("send amount must be positive")
	}
	if feeRate <= 0 {
		feeRate = 1
	}

	sorted := make([]chain.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Amount > sorted[j].Amount
	})

	var inputs []chain.UTXO
	var total int64
	for _, u := range sorted {
		inputs = append(inputs, u)
		total += u.Amount
		fee := EstimateVBytes(len(inputs)) * feeRate
		if total >= sendSats+fee {
			change := total - sendSats - fee
			if change < dustThreshold {
				// 尘埃找零并入矿工费
				fee += change
				change = 0
			}
			return &SelectionResult{Inputs: inputs, Fee: fee, Change: change}, nil
		}
	}
	return nil, fmt.Errorf("insufficient utxos: have %d sats, need %d + fee", total, sendSats)
}
