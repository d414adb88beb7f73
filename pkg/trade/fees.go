// 文件: pkg/trade/fees.go
// 手续费计算
//
// feePerSide = amountCrypto × feePercent / 100，向上取整到 8 位小数；
// feeAmount = 2 × feePerSide (买卖双边)。买方实收 amountCrypto − feeAmount，
// 平台收 feeAmount。CAD 手续费抵扣按成交价折算成 crypto 折扣。

package trade

import "github.com/shopspring/decimal"

var (
	oneHundred = decimal.NewFromInt(100)
	two        = decimal.NewFromInt(2)
)

// FeePerSide 单边手续费 (crypto 计价，8 位小数向上取整)
func FeePerSide(amountCrypto, feePercent decimal.Decimal) decimal.Decimal {
	return amountCrypto.Mul(feePercent).Div(oneHundred).RoundUp(8)
}

// TotalFee 双边总手续费
func TotalFee(amountCrypto, feePercent decimal.Decimal) decimal.Decimal {
	return FeePerSide(amountCrypto, feePercent).Mul(two)
}

// FeeDiscount CAD 抵扣折算成 crypto 折扣
// 向下取整，避免多抵。折扣不超过 feeAmount 本身。
func FeeDiscount(creditCad, pricePerUnit, feeAmount decimal.Decimal) decimal.Decimal {
	if creditCad.LessThanOrEqual(decimal.Zero) || pricePerUnit.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	discount := creditCad.Div(pricePerUnit).RoundDown(8)
	return decimal.Min(discount, feeAmount)
}

// FeeCadValue 手续费的 CAD 价值 (决定要动用多少抵扣额度)
func FeeCadValue(feeAmount, pricePerUnit decimal.Decimal) decimal.Decimal {
	return feeAmount.Mul(pricePerUnit).RoundUp(2)
}
