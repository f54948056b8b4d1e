package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Entry 已登记的待提交交易取证记录
type Entry struct {
	ID             uint64         `json:"id"`
	Submitter      common.Address `json:"submitter"`
	Target         common.Address `json:"target"`
	Value          *big.Int       `json:"value"`
	Payload        hexutil.Bytes  `json:"payload"`
	GasPrice       *big.Int       `json:"gas_price"`
	MaxSlippageBps uint32         `json:"max_slippage_bps"`
	Timestamp      time.Time      `json:"timestamp"`
	Protected      bool           `json:"protected"`
	Notes          string         `json:"notes"`
}

// PendingTx 登记请求中由调用方提供的元数据
type PendingTx struct {
	Target         common.Address
	Value          *big.Int
	Payload        []byte
	GasPrice       *big.Int
	MaxSlippageBps uint32
	Notes          string
}

// Exists 判断记录槽位是否有效（ID为0表示空槽位）
func (e *Entry) Exists() bool {
	return e != nil && e.ID != 0
}

// Clone 深拷贝，避免调用方修改内部状态
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}

	c := *e
	if e.Value != nil {
		c.Value = new(big.Int).Set(e.Value)
	}
	if e.GasPrice != nil {
		c.GasPrice = new(big.Int).Set(e.GasPrice)
	}
	if e.Payload != nil {
		c.Payload = append(hexutil.Bytes(nil), e.Payload...)
	}
	return &c
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *Entry) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"id":               e.ID,
		"submitter":        e.Submitter.Hex(),
		"target":           e.Target.Hex(),
		"value":            bigString(e.Value),
		"payload":          e.Payload.String(),
		"gas_price":        bigString(e.GasPrice),
		"max_slippage_bps": e.MaxSlippageBps,
		"timestamp":        e.Timestamp.Unix(),
		"protected":        e.Protected,
		"notes":            e.Notes,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
