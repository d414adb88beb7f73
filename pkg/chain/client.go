// 文件: pkg/chain/client.go
// ChainClient 能力接口
//
// 每条链的 RPC/REST 客户端是外部协作者，核心只依赖这些接口。
// 充值监控用读取能力，提现广播用签名/发送能力。
// 连接生命周期由调用方控制 (每个扫描周期创建、用完即弃)。

package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UTXO 链 (BTC / LTC)
// =============================================================================

// UTXOTx 地址相关交易 (已汇总支付到本地址的 vout)
type UTXOTx struct {
	TxHash      string
	Amount      decimal.Decimal // 支付到目标地址的总额
	BlockHeight int64           // 0 表示未上块
}

// UTXO 未花费输出
type UTXO struct {
	TxHash string
	Vout   uint32
	Amount int64 // 聪
}

// UTXOClient BTC/LTC 链客户端
type UTXOClient interface {
	// TipHeight 当前链高度
	TipHeight(ctx context.Context) (int64, error)

	// AddressTxs 地址的入账交易列表
	AddressTxs(ctx context.Context, address string) ([]UTXOTx, error)

	// ListUTXOs 地址的未花费输出
	ListUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// FeeRate 当前费率 (sat/vB)
	FeeRate(ctx context.Context) (int64, error)

	// SendTransaction 签名并广播 (私钥仅在本次调用内存在)
	SendTransaction(ctx context.Context, privKey []byte, inputs []UTXO, outputs map[string]int64) (string, error)

	// TxConfirmations 交易确认数
	TxConfirmations(ctx context.Context, txHash string) (int64, error)
}

// =============================================================================
// 以太坊 (ETH 原生 + LINK ERC-20)
// =============================================================================

// ETHTx 区块内的一笔交易
type ETHTx struct {
	TxHash      string
	To          string
	Value       decimal.Decimal // ETH
	BlockNumber int64
}

// TransferLog ERC-20 Transfer 事件
type TransferLog struct {
	TxHash      string
	Recipient   string
	Amount      decimal.Decimal // 按代币精度归一化
	BlockNumber int64
}

// ETHClient 以太坊链客户端
type ETHClient interface {
	// BlockNumber 当前区块号
	BlockNumber(ctx context.Context) (int64, error)

	// BlockTxs 区块内的全部交易
	BlockTxs(ctx context.Context, number int64) ([]ETHTx, error)

	// TransferLogs 指定合约在区块区间内的 Transfer 日志
	TransferLogs(ctx context.Context, contract string, fromBlock, toBlock int64) ([]TransferLog, error)

	// SendETH 签名并发送原生转账
	SendETH(ctx context.Context, privKey []byte, to string, amount decimal.Decimal) (string, error)

	// SendERC20 签名并发送代币 transfer
	SendERC20(ctx context.Context, privKey []byte, contract, to string, amount decimal.Decimal) (string, error)

	// TxConfirmations 交易确认数
	TxConfirmations(ctx context.Context, txHash string) (int64, error)
}

// =============================================================================
// XRP
// =============================================================================

// XRPPayment validated 的 Payment 交易
type XRPPayment struct {
	TxHash         string
	Amount         decimal.Decimal
	DestinationTag *uint32
	Validated      bool
}

// XRPClient XRP 链客户端 (WS 连接由实现方在调用内开合)
type XRPClient interface {
	// AccountTxs 账户的 Payment 交易
	AccountTxs(ctx context.Context, address string) ([]XRPPayment, error)

	// SubmitPayment autofill + submitAndWait
	SubmitPayment(ctx context.Context, privKey []byte, to string, amount decimal.Decimal, destinationTag *uint32) (string, error)

	// TxConfirmations validated 即 1
	TxConfirmations(ctx context.Context, txHash string) (int64, error)
}

// =============================================================================
// Solana
// =============================================================================

// SOLTransfer 地址相关的转账 (postBalance - preBalance 已算好)
type SOLTransfer struct {
	Signature     string
	Amount        decimal.Decimal // SOL，正数表示入账
	Confirmations int64           // finalized 时为 32
	Failed        bool
}

// SOLClient Solana 链客户端
type SOLClient interface {
	// SignaturesForAddress 地址的转账记录
	SignaturesForAddress(ctx context.Context, address string) ([]SOLTransfer, error)

	// SendSOL SystemProgram.transfer + sendAndConfirmTransaction
	SendSOL(ctx context.Context, privKey []byte, to string, amount decimal.Decimal) (string, error)

	// TxConfirmations 交易确认数
	TxConfirmations(ctx context.Context, txHash string) (int64, error)
}

// =============================================================================
// 客户端集合
// =============================================================================

// Clients 按链聚合的客户端集合，监控和广播共用
type Clients struct {
	BTC UTXOClient
	LTC UTXOClient
	ETH ETHClient
	XRP XRPClient
	SOL SOLClient
}
