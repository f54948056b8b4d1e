package store

import (
	"math/big"

	"txguard/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// State 登记簿全局状态
type State struct {
	Owner    common.Address `json:"owner"`
	Oracle   common.Address `json:"oracle"`
	Paused   bool           `json:"paused"`
	NextID   uint64         `json:"next_id"`
	EventSeq uint64         `json:"event_seq"`
	Balance  *big.Int       `json:"balance"`
}

// Clone 拷贝状态
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Balance != nil {
		c.Balance = new(big.Int).Set(s.Balance)
	}
	return &c
}

// Snapshot 从存储恢复的完整登记簿
type Snapshot struct {
	State   *State
	Entries map[uint64]*models.Entry
	Alerts  map[uint64][]*models.Alert
}

// Mutation 一次原子提交的变更集合
type Mutation struct {
	State       *State               // 为nil表示全局状态不变
	PutEntry    *models.Entry        // 新增或覆盖的记录
	DeleteEntry uint64               // 需要清除的记录槽位，0表示无
	Alert       *models.Alert        // 追加的告警
	Events      []*models.AuditEvent // 本次变更产生的审计事件
}

// Store 登记簿持久化接口，Commit必须整体成功或整体失败
type Store interface {
	Load() (*Snapshot, error)
	Commit(m *Mutation) error
	Close() error
}

// EventReader 审计日志读取接口
type EventReader interface {
	Events() ([]*models.AuditEvent, error)
}
