package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind 审计事件类型
type EventKind string

const (
	EventOracleUpdated        EventKind = "OracleUpdated"
	EventPaused               EventKind = "Paused"
	EventUnpaused             EventKind = "Unpaused"
	EventPendingTxRegistered  EventKind = "PendingTxRegistered"
	EventPendingTxRemoved     EventKind = "PendingTxRemoved"
	EventAlertRaised          EventKind = "AlertRaised"
	EventTransactionProtected EventKind = "TransactionProtected"
	EventOwnershipTransferred EventKind = "OwnershipTransferred"
	EventFundsDeposited       EventKind = "FundsDeposited"
	EventFundsWithdrawn       EventKind = "FundsWithdrawn"
)

// AuditEvent 每次状态变更产生的只追加审计记录
type AuditEvent struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	EntryID    uint64          `json:"entry_id,omitempty"`
	Submitter  *common.Address `json:"submitter,omitempty"`
	Target     *common.Address `json:"target,omitempty"`
	Reporter   *common.Address `json:"reporter,omitempty"`
	Caller     *common.Address `json:"caller,omitempty"`
	Previous   *common.Address `json:"previous,omitempty"`
	Current    *common.Address `json:"current,omitempty"`
	Recipient  *common.Address `json:"recipient,omitempty"`
	Risk       *RiskLevel      `json:"risk,omitempty"`
	Confidence *uint8          `json:"confidence,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Proof      string          `json:"proof,omitempty"`
	Amount     *big.Int        `json:"amount,omitempty"`
}

// Addr 取地址指针，便于填充可选字段
func Addr(a common.Address) *common.Address {
	return &a
}

// ToKafkaMessage 转换为Kafka消息格式，只包含该事件类型相关的字段
func (e *AuditEvent) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":        e.ID,
		"seq":       e.Seq,
		"kind":      string(e.Kind),
		"timestamp": e.Timestamp.Unix(),
	}

	if e.EntryID != 0 {
		msg["entry_id"] = e.EntryID
	}
	putAddr(msg, "submitter", e.Submitter)
	putAddr(msg, "target", e.Target)
	putAddr(msg, "reporter", e.Reporter)
	putAddr(msg, "caller", e.Caller)
	putAddr(msg, "previous", e.Previous)
	putAddr(msg, "current", e.Current)
	putAddr(msg, "recipient", e.Recipient)
	if e.Risk != nil {
		msg["risk"] = e.Risk.String()
	}
	if e.Confidence != nil {
		msg["confidence"] = *e.Confidence
	}
	if e.Reason != "" {
		msg["reason"] = e.Reason
	}
	if e.Proof != "" {
		msg["proof"] = e.Proof
	}
	if e.Amount != nil {
		msg["amount"] = e.Amount.String()
	}

	return msg
}

func putAddr(msg map[string]interface{}, key string, addr *common.Address) {
	if addr != nil {
		msg[key] = addr.Hex()
	}
}
