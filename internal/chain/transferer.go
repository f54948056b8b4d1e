package chain

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"txguard/internal/config"
	"txguard/internal/errors"
	"txguard/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// LoadPrivateKey 从环境变量读取十六进制私钥
func LoadPrivateKey(envName string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, errors.ErrInvalidConfig.WithContext("field", "chain.private_key_env").
			WithContext("reason", fmt.Sprintf("环境变量 %s 未设置", envName))
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, errors.ErrInvalidConfig.WithContext("field", "chain.private_key_env").Wrap(err)
	}
	return key, nil
}

// EthTransferer 通过签名交易把资金转到链上地址
type EthTransferer struct {
	pool           *NodePool
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	gasLimit       uint64
	receiptTimeout time.Duration
	sendRetrier    *retry.Retrier
	receiptRetrier *retry.Retrier
	logger         *logrus.Logger

	// 串行发送，避免nonce冲突
	mu sync.Mutex
}

// NewEthTransferer 创建链上转账器
func NewEthTransferer(pool *NodePool, key *ecdsa.PrivateKey, cfg *config.ChainConfig, logger *logrus.Logger) (*EthTransferer, error) {
	if pool == nil || key == nil || cfg == nil {
		return nil, errors.ErrInvalidConfig.WithContext("reason", "节点池、私钥和链配置不能为空")
	}

	receiptTimeout := 2 * time.Minute
	if cfg.ReceiptTimeout != "" {
		d, err := time.ParseDuration(cfg.ReceiptTimeout)
		if err != nil {
			return nil, errors.ErrInvalidConfig.WithContext("field", "chain.receipt_timeout").Wrap(err)
		}
		receiptTimeout = d
	}

	sendConfig := retry.NetworkRetryConfig
	if cfg.RetryLimit > 0 {
		sendConfig.MaxAttempts = cfg.RetryLimit
	}

	return &EthTransferer{
		pool:           pool,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       cfg.GasLimit,
		receiptTimeout: receiptTimeout,
		sendRetrier:    retry.NewRetrier(sendConfig, logger),
		receiptRetrier: retry.NewRetrier(retry.ReceiptPollConfig, logger),
		logger:         logger,
	}, nil
}

// From 返回付款账户地址
func (t *EthTransferer) From() common.Address {
	return t.from
}

// Transfer 签名并发送转账交易，等待回执确认
func (t *EthTransferer) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	client, nodeName, err := t.pool.Client()
	if err != nil {
		return err
	}

	tx, err := t.buildTx(ctx, client, to, amount)
	if err != nil {
		return t.nodeFailure(nodeName, err)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return fmt.Errorf("签名交易失败: %w", err)
	}

	logger := t.logger.WithFields(logrus.Fields{
		"tx_hash": signed.Hash().Hex(),
		"to":      to.Hex(),
		"amount":  amount.String(),
		"node":    nodeName,
	})

	err = t.sendRetrier.Execute(ctx, "send_transaction", func() error {
		err := client.SendTransaction(ctx, signed)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return err
	})
	if err != nil {
		return t.nodeFailure(nodeName, fmt.Errorf("发送交易失败: %w", err))
	}
	logger.Info("转账交易已发送，等待回执")

	receipt, err := t.waitReceipt(ctx, client, signed.Hash())
	if err != nil {
		return err
	}

	if receipt.Status == types.ReceiptStatusFailed {
		logger.WithField("block", receipt.BlockNumber).Warn("转账交易执行失败")
		return errors.ErrTransferFailed.WithContext("tx_hash", signed.Hash().Hex()).
			WithContext("block", receipt.BlockNumber.String())
	}

	logger.WithField("block", receipt.BlockNumber).Info("转账已确认")
	return nil
}

// buildTx 查询nonce与gas价格并构造交易
func (t *EthTransferer) buildTx(ctx context.Context, client Client, to common.Address, amount *big.Int) (*types.Transaction, error) {
	var (
		nonce    uint64
		gasPrice *big.Int
		gas      uint64
	)

	err := t.sendRetrier.Execute(ctx, "prepare_transaction", func() error {
		var err error
		if nonce, err = client.PendingNonceAt(ctx, t.from); err != nil {
			return fmt.Errorf("获取nonce失败: %w", err)
		}
		if gasPrice, err = client.SuggestGasPrice(ctx); err != nil {
			return fmt.Errorf("获取gas价格失败: %w", err)
		}
		gas, err = client.EstimateGas(ctx, ethereum.CallMsg{
			From:  t.from,
			To:    &to,
			Value: amount,
		})
		if err != nil {
			return fmt.Errorf("估算gas失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if gas < t.gasLimit {
		gas = t.gasLimit
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      gas,
		GasPrice: gasPrice,
	}), nil
}

// waitReceipt 轮询回执直到超时
func (t *EthTransferer) waitReceipt(ctx context.Context, client Client, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.receiptTimeout)
	defer cancel()

	var receipt *types.Receipt
	err := t.receiptRetrier.Execute(waitCtx, "wait_receipt", func() error {
		r, err := client.TransactionReceipt(waitCtx, hash)
		if err != nil {
			if stderrors.Is(err, ethereum.NotFound) {
				return retry.NewRetryableError(err, true)
			}
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("等待交易 %s 回执失败: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// nodeFailure 网络类错误时把节点标记为不健康
func (t *EthTransferer) nodeFailure(nodeName string, err error) error {
	if retry.IsRetryableError(err) {
		t.pool.MarkUnhealthy(nodeName, err)
	}
	return err
}

// LedgerTransferer 记账式转账器，未启用链上转账时使用
type LedgerTransferer struct {
	mu       sync.Mutex
	credits  map[common.Address]*big.Int
	rejected map[common.Address]bool
	logger   *logrus.Logger
}

// NewLedgerTransferer 创建记账式转账器
func NewLedgerTransferer(logger *logrus.Logger) *LedgerTransferer {
	return &LedgerTransferer{
		credits:  make(map[common.Address]*big.Int),
		rejected: make(map[common.Address]bool),
		logger:   logger,
	}
}

// Reject 让发往addr的转账全部失败
func (l *LedgerTransferer) Reject(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected[addr] = true
}

// Transfer 记入收款方余额
func (l *LedgerTransferer) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rejected[to] {
		return errors.ErrTransferFailed.WithContext("to", to.Hex())
	}

	credit, ok := l.credits[to]
	if !ok {
		credit = new(big.Int)
		l.credits[to] = credit
	}
	credit.Add(credit, amount)

	l.logger.WithFields(logrus.Fields{
		"to":     to.Hex(),
		"amount": amount.String(),
		"total":  credit.String(),
	}).Info("记账转账完成")
	return nil
}

// CreditOf 返回收款方累计收到的金额
func (l *LedgerTransferer) CreditOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if credit, ok := l.credits[addr]; ok {
		return new(big.Int).Set(credit)
	}
	return new(big.Int)
}

// GetStats 获取记账统计
func (l *LedgerTransferer) GetStats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(big.Int)
	for _, c := range l.credits {
		total.Add(total, c)
	}
	return map[string]interface{}{
		"recipients": len(l.credits),
		"total_paid": total.String(),
	}
}
