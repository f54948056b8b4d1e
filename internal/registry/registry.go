package registry

import (
	"context"
	"math/big"
	"sync"
	"time"

	"txguard/internal/errors"
	"txguard/internal/logging"
	"txguard/internal/metrics"
	"txguard/internal/store"
	"txguard/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 操作名称，用于日志、错误统计和指标
const (
	OpRegisterPendingTx    = "register_pending_tx"
	OpRaiseAlert           = "raise_alert"
	OpMarkProtected        = "mark_protected"
	OpAdminRemovePendingTx = "admin_remove_pending_tx"
	OpWithdraw             = "withdraw"
	OpDeposit              = "deposit"
	OpSetOracle            = "set_oracle"
	OpPause                = "pause"
	OpUnpause              = "unpause"
	OpTransferOwnership    = "transfer_ownership"
	OpGetEntry             = "get_entry"
	OpPublish              = "publish"
)

// EventSink 审计事件的下游
type EventSink interface {
	WriteEvent(event *models.AuditEvent) error
}

// Option 登记簿构造选项
type Option func(*Registry)

// WithStore 设置持久化存储，默认使用内存存储
func WithStore(s store.Store) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

// WithSink 设置审计事件下游
func WithSink(sink EventSink) Option {
	return func(r *Registry) {
		r.sink = sink
	}
}

// WithTransferer 设置提现转账通道
func WithTransferer(t Transferer) Option {
	return func(r *Registry) {
		if t != nil {
			r.transferer = t
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock 设置时间来源
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithExternalWait 设置转账进行中其他受保护调用的最长等待时间
func WithExternalWait(d time.Duration) Option {
	return func(r *Registry) {
		r.guard.ExternalWait = d
	}
}

// WithMetrics 设置Prometheus指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Status 登记簿全局状态概览
type Status struct {
	Owner          common.Address `json:"owner"`
	Oracle         common.Address `json:"oracle"`
	Paused         bool           `json:"paused"`
	NextID         uint64         `json:"next_id"`
	EventSeq       uint64         `json:"event_seq"`
	Balance        string         `json:"balance"`
	Entries        int            `json:"entries"`
	AlertedEntries int            `json:"alerted_entries"`
}

// Registry 交易取证登记簿
//
// 所有状态由mu保护，每次变更先持久化再更新内存，最后按提交顺序发布审计事件。
// RegisterPendingTx、MarkProtected和Withdraw额外受guard保护，锁顺序为guard先于mu。
type Registry struct {
	mu      sync.RWMutex
	state   *store.State
	entries map[uint64]*models.Entry
	alerts  map[uint64][]*models.Alert

	guard      Guard
	store      store.Store
	sink       EventSink
	transferer Transferer
	logger     *logrus.Logger
	errHandler *errors.ErrorHandler
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New 创建登记簿，deployer成为owner
//
// 若存储中已有快照则从快照恢复，构造参数仅用于首次初始化。
func New(deployer, oracle common.Address, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries: make(map[uint64]*models.Entry),
		alerts:  make(map[uint64][]*models.Alert),
		store:   store.NewMemoryStore(),
		transferer: TransferFunc(func(context.Context, common.Address, *big.Int) error {
			return nil
		}),
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.errHandler = errors.NewErrorHandler(r.logger)

	if isZero(deployer) {
		return nil, errors.ErrInvalidConfig.WithContext("field", "deployer")
	}
	if isZero(oracle) {
		return nil, errors.ErrInvalidConfig.WithContext("field", "oracle")
	}

	snap, err := r.store.Load()
	if err != nil {
		return nil, errors.ErrStorageFailed.Wrap(err).WithOperation("load")
	}
	if snap != nil {
		if err := r.restore(snap, deployer, oracle); err != nil {
			return nil, err
		}
		return r, nil
	}

	r.state = &store.State{Balance: new(big.Int)}
	next := &store.State{
		Owner:   deployer,
		Oracle:  oracle,
		NextID:  1,
		Balance: new(big.Int),
	}
	ev := r.newEvent(next, models.EventOwnershipTransferred)
	ev.Previous = models.Addr(common.Address{})
	ev.Current = models.Addr(deployer)
	if err := r.apply(&store.Mutation{State: next, Events: []*models.AuditEvent{ev}}); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"owner":  deployer.Hex(),
		"oracle": oracle.Hex(),
	}).Info("登记簿已初始化")
	return r, nil
}

// restore 从快照恢复内存状态
func (r *Registry) restore(snap *store.Snapshot, deployer, oracle common.Address) error {
	if snap.State == nil || isZero(snap.State.Owner) || isZero(snap.State.Oracle) {
		return errors.ErrInvalidConfig.WithContext("reason", "快照中的角色地址无效")
	}

	r.state = snap.State.Clone()
	if r.state.Balance == nil {
		r.state.Balance = new(big.Int)
	}
	if r.state.NextID == 0 {
		r.state.NextID = 1
	}
	for id, entry := range snap.Entries {
		if entry.Exists() {
			r.entries[id] = entry
		}
	}
	for id, alerts := range snap.Alerts {
		r.alerts[id] = alerts
	}

	if r.state.Owner != deployer || r.state.Oracle != oracle {
		r.logger.WithFields(logrus.Fields{
			"stored_owner":  r.state.Owner.Hex(),
			"stored_oracle": r.state.Oracle.Hex(),
			"config_owner":  deployer.Hex(),
			"config_oracle": oracle.Hex(),
		}).Warn("存储中的角色与配置不一致，以存储为准")
	}

	r.metrics.SetEntries(len(r.entries))
	r.metrics.SetPaused(r.state.Paused)
	r.logger.WithFields(logrus.Fields{
		"entries": len(r.entries),
		"next_id": r.state.NextID,
		"paused":  r.state.Paused,
	}).Info("登记簿已从存储恢复")
	return nil
}

// RegisterPendingTx 登记一笔待提交交易，返回新记录ID
func (r *Registry) RegisterPendingTx(ctx context.Context, caller common.Address, req models.PendingTx) (id uint64, err error) {
	defer func() { err = r.finish(OpRegisterPendingTx, err) }()

	_, leave, err := r.guard.Enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.policy().RequireNotPaused(); err != nil {
		return 0, err
	}
	if len(req.Payload) == 0 {
		return 0, errors.ErrEmptyPayload
	}
	if isNegative(req.Value) {
		return 0, errors.ErrInvalidArgument.WithContext("field", "value")
	}
	if isNegative(req.GasPrice) {
		return 0, errors.ErrInvalidArgument.WithContext("field", "gas_price")
	}

	next := r.state.Clone()
	id = next.NextID
	next.NextID++

	entry := &models.Entry{
		ID:             id,
		Submitter:      caller,
		Target:         req.Target,
		Value:          copyBig(req.Value),
		Payload:        append(hexutil.Bytes(nil), req.Payload...),
		GasPrice:       copyBig(req.GasPrice),
		MaxSlippageBps: req.MaxSlippageBps,
		Timestamp:      r.now(),
		Notes:          req.Notes,
	}

	ev := r.newEvent(next, models.EventPendingTxRegistered)
	ev.EntryID = id
	ev.Submitter = models.Addr(caller)
	ev.Target = models.Addr(req.Target)

	if err := r.apply(&store.Mutation{State: next, PutEntry: entry, Events: []*models.AuditEvent{ev}}); err != nil {
		return 0, err
	}

	logging.NewEntryLogger(r.logger, OpRegisterPendingTx, id).WithFields(logrus.Fields{
		"submitter": caller.Hex(),
		"target":    req.Target.Hex(),
	}).Info("已登记待提交交易")
	return id, nil
}

// RaiseAlert 预言机为记录追加风险告警
//
// confidence按原值保存，不做0-100范围校验。
func (r *Registry) RaiseAlert(ctx context.Context, caller common.Address, entryID uint64, risk models.RiskLevel, confidence uint8, reason string) (ok bool, err error) {
	defer func() { err = r.finish(OpRaiseAlert, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	policy := r.policy()
	if err := policy.RequireOracle(caller); err != nil {
		return false, err
	}
	if err := policy.RequireNotPaused(); err != nil {
		return false, err
	}
	if !r.entries[entryID].Exists() {
		return false, errors.ErrNotFound.WithContext("entry_id", entryID)
	}
	if !risk.Valid() {
		return false, errors.ErrInvalidArgument.WithContext("risk", uint8(risk))
	}

	alert := &models.Alert{
		EntryID:    entryID,
		Risk:       risk,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  r.now(),
		Reporter:   caller,
	}

	next := r.state.Clone()
	ev := r.newEvent(next, models.EventAlertRaised)
	ev.EntryID = entryID
	ev.Risk = &alert.Risk
	ev.Confidence = &alert.Confidence
	ev.Reason = reason
	ev.Reporter = models.Addr(caller)

	if err := r.apply(&store.Mutation{State: next, Alert: alert, Events: []*models.AuditEvent{ev}}); err != nil {
		return false, err
	}

	logging.NewEntryLogger(r.logger, OpRaiseAlert, entryID).WithFields(logrus.Fields{
		"risk":       risk.String(),
		"confidence": confidence,
	}).Info("已记录风险告警")
	return true, nil
}

// MarkProtected 标记记录已通过私有通道提交，可重复调用
func (r *Registry) MarkProtected(ctx context.Context, caller common.Address, entryID uint64, proof string) (err error) {
	defer func() { err = r.finish(OpMarkProtected, err) }()

	_, leave, err := r.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	r.mu.Lock()
	defer r.mu.Unlock()

	policy := r.policy()
	if err := policy.RequireNotPaused(); err != nil {
		return err
	}
	entry := r.entries[entryID]
	if !entry.Exists() {
		return errors.ErrNotFound.WithContext("entry_id", entryID)
	}
	if err := policy.RequireSubmitterOrOwner(caller, entry); err != nil {
		return err
	}

	updated := entry.Clone()
	updated.Protected = true

	next := r.state.Clone()
	ev := r.newEvent(next, models.EventTransactionProtected)
	ev.EntryID = entryID
	ev.Caller = models.Addr(caller)
	ev.Proof = proof

	if err := r.apply(&store.Mutation{State: next, PutEntry: updated, Events: []*models.AuditEvent{ev}}); err != nil {
		return err
	}

	logging.NewEntryLogger(r.logger, OpMarkProtected, entryID).WithField("caller", caller.Hex()).Info("记录已标记为受保护")
	return nil
}

// GetEntry 读取记录
func (r *Registry) GetEntry(id uint64) (entry *models.Entry, err error) {
	defer func() { err = r.finish(OpGetEntry, err) }()

	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.entries[id]
	if !e.Exists() {
		return nil, errors.ErrNotFound.WithContext("entry_id", id)
	}
	return e.Clone(), nil
}

// GetAlerts 读取记录的全部告警，按追加顺序返回
//
// 未知ID与没有告警一样返回空切片；记录被清除后告警仍可读取。
func (r *Registry) GetAlerts(id uint64) []*models.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alerts := make([]*models.Alert, 0, len(r.alerts[id]))
	for _, a := range r.alerts[id] {
		alerts = append(alerts, a.Clone())
	}
	return alerts
}

// AdminRemovePendingTx owner清除记录槽位，ID不会复用，告警保留
func (r *Registry) AdminRemovePendingTx(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { err = r.finish(OpAdminRemovePendingTx, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.policy().RequireOwner(caller); err != nil {
		return err
	}
	if !r.entries[id].Exists() {
		return errors.ErrNotFound.WithContext("entry_id", id)
	}

	next := r.state.Clone()
	ev := r.newEvent(next, models.EventPendingTxRemoved)
	ev.EntryID = id
	ev.Caller = models.Addr(caller)

	if err := r.apply(&store.Mutation{State: next, DeleteEntry: id, Events: []*models.AuditEvent{ev}}); err != nil {
		return err
	}

	logging.NewEntryLogger(r.logger, OpAdminRemovePendingTx, id).Warn("记录已被管理员清除")
	return nil
}

// Deposit 向登记簿存入原生资产
func (r *Registry) Deposit(ctx context.Context, caller common.Address, amount *big.Int) (err error) {
	defer func() { err = r.finish(OpDeposit, err) }()

	if amount == nil || amount.Sign() <= 0 {
		return errors.ErrInvalidArgument.WithContext("field", "amount")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Clone()
	next.Balance.Add(next.Balance, amount)

	ev := r.newEvent(next, models.EventFundsDeposited)
	ev.Caller = models.Addr(caller)
	ev.Amount = copyBig(amount)

	if err := r.apply(&store.Mutation{State: next, Events: []*models.AuditEvent{ev}}); err != nil {
		return err
	}

	logging.NewOperationLogger(r.logger, OpDeposit, caller.Hex()).WithField("amount", amount.String()).Info("已收到存款")
	return nil
}

// Withdraw owner将持有的原生资产转出
//
// 转账是最后一个外部动作；失败时不修改任何状态。转账通道收到的ctx
// 处于非重入临界区内，回调再次进入受保护操作会得到Reentrant错误；
// 换用新ctx的回调在等待ExternalWait后同样得到Reentrant。
func (r *Registry) Withdraw(ctx context.Context, caller, to common.Address, amount *big.Int) (err error) {
	defer func() { err = r.finish(OpWithdraw, err) }()

	guarded, leave, err := r.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	r.mu.RLock()
	err = r.checkWithdraw(caller, to, amount)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	amount = copyBig(amount)
	r.guard.External()
	start := time.Now()
	terr := r.transferer.Transfer(guarded, to, amount)
	r.metrics.ObserveTransfer(time.Since(start))
	if terr != nil {
		if errors.IsType(terr, errors.ErrorTypeTransferFailed) {
			return terr
		}
		return errors.ErrTransferFailed.Wrap(terr).WithContext("to", to.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Clone()
	next.Balance.Sub(next.Balance, amount)

	ev := r.newEvent(next, models.EventFundsWithdrawn)
	ev.Caller = models.Addr(caller)
	ev.Recipient = models.Addr(to)
	ev.Amount = copyBig(amount)

	if err := r.apply(&store.Mutation{State: next, Events: []*models.AuditEvent{ev}}); err != nil {
		r.logger.WithFields(logrus.Fields{
			"to":     to.Hex(),
			"amount": amount.String(),
		}).Error("转账已完成但余额持久化失败")
		return err
	}

	logging.NewOperationLogger(r.logger, OpWithdraw, caller.Hex()).WithFields(logrus.Fields{
		"to":     to.Hex(),
		"amount": amount.String(),
	}).Info("提现完成")
	return nil
}

func (r *Registry) checkWithdraw(caller, to common.Address, amount *big.Int) error {
	if err := r.policy().RequireOwner(caller); err != nil {
		return err
	}
	if isZero(to) {
		return errors.ErrZeroAddress.WithContext("field", "to")
	}
	if amount == nil || amount.Sign() < 0 {
		return errors.ErrInvalidArgument.WithContext("field", "amount")
	}
	if amount.Cmp(r.state.Balance) > 0 {
		return errors.ErrInsufficientBalance.
			WithContext("amount", amount.String()).
			WithContext("balance", r.state.Balance.String())
	}
	return nil
}

// SetOracle owner更换预言机地址
func (r *Registry) SetOracle(ctx context.Context, caller, newOracle common.Address) (err error) {
	defer func() { err = r.finish(OpSetOracle, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.policy().RequireOwner(caller); err != nil {
		return err
	}
	if isZero(newOracle) {
		return errors.ErrZeroAddress.WithContext("field", "oracle")
	}

	next := r.state.Clone()
	ev := r.newEvent(next, models.EventOracleUpdated)
	ev.Previous = models.Addr(next.Oracle)
	ev.Current = models.Addr(newOracle)
	next.Oracle = newOracle

	if err := r.apply(&store.Mutation{State: next, Events: []*models.AuditEvent{ev}}); err != nil {
		return err
	}

	logging.NewOperationLogger(r.logger, OpSetOracle, caller.Hex()).WithFields(logrus.Fields{
		"previous": ev.Previous.Hex(),
		"current":  newOracle.Hex(),
	}).Info("预言机地址已更新")
	return nil
}

// Pause 暂停登记、告警和保护标记
func (r *Registry) Pause(ctx context.Context, caller common.Address) (err error) {
	defer func() { err = r.finish(OpPause, err) }()
	return r.setPaused(caller, true)
}

// Unpause 恢复登记簿
func (r *Registry) Unpause(ctx context.Context, caller common.Address) (err error) {
	defer func() { err = r.finish(OpUnpause, err) }()
	return r.setPaused(caller, false)
}

func (r *Registry) setPaused(caller common.Address, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	policy := r.policy()
	if err := policy.RequireOwner(caller); err != nil {
		return err
	}

	kind := models.EventUnpaused
	if paused {
		if r.state.Paused {
			return errors.ErrAlreadyPaused
		}
		kind = models.EventPaused
	} else if err := policy.RequirePaused(); err != nil {
		return err
	}

	next := r.state.Clone()
	next.Paused = paused
	ev := r.newEvent(next, kind)
	ev.Caller = models.Addr(caller)

	if err := r.apply(&store.Mutation{State: next, Events: []*models.AuditEvent{ev}}); err != nil {
		return err
	}

	logging.NewOperationLogger(r.logger, string(kind), caller.Hex()).Warn("登记簿暂停状态已变更")
	return nil
}

// TransferOwnership 转移owner身份
func (r *Registry) TransferOwnership(ctx context.Context, caller, newOwner common.Address) (err error) {
	defer func() { err = r.finish(OpTransferOwnership, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.policy().RequireOwner(caller); err != nil {
		return err
	}
	if isZero(newOwner) {
		return errors.ErrZeroAddress.WithContext("field", "owner")
	}

	next := r.state.Clone()
	ev := r.newEvent(next, models.EventOwnershipTransferred)
	ev.Previous = models.Addr(next.Owner)
	ev.Current = models.Addr(newOwner)
	next.Owner = newOwner

	if err := r.apply(&store.Mutation{State: next, Events: []*models.AuditEvent{ev}}); err != nil {
		return err
	}

	logging.NewOperationLogger(r.logger, OpTransferOwnership, caller.Hex()).WithField("new_owner", newOwner.Hex()).Warn("owner已转移")
	return nil
}

// Owner 当前owner
func (r *Registry) Owner() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Owner
}

// Oracle 当前预言机
func (r *Registry) Oracle() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Oracle
}

// Paused 是否暂停
func (r *Registry) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Paused
}

// NextID 下一个将分配的记录ID
func (r *Registry) NextID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.NextID
}

// Balance 持有的原生资产
func (r *Registry) Balance() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(big.Int).Set(r.state.Balance)
}

// Status 全局状态概览
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alerted := 0
	for _, alerts := range r.alerts {
		if len(alerts) > 0 {
			alerted++
		}
	}
	return Status{
		Owner:          r.state.Owner,
		Oracle:         r.state.Oracle,
		Paused:         r.state.Paused,
		NextID:         r.state.NextID,
		EventSeq:       r.state.EventSeq,
		Balance:        r.state.Balance.String(),
		Entries:        len(r.entries),
		AlertedEntries: alerted,
	}
}

// ErrorStats 错误统计
func (r *Registry) ErrorStats() errors.ErrorStats {
	return r.errHandler.GetStats()
}

// ClearErrorStats 清空错误统计
func (r *Registry) ClearErrorStats() {
	r.errHandler.ClearStats()
}

func (r *Registry) policy() AccessPolicy {
	return AccessPolicy{state: r.state}
}

// newEvent 分配下一个审计序号
func (r *Registry) newEvent(next *store.State, kind models.EventKind) *models.AuditEvent {
	next.EventSeq++
	return &models.AuditEvent{
		ID:        uuid.NewString(),
		Seq:       next.EventSeq,
		Kind:      kind,
		Timestamp: r.now(),
	}
}

// apply 持久化后更新内存并发布事件，调用方持有写锁
func (r *Registry) apply(m *store.Mutation) error {
	if err := r.store.Commit(m); err != nil {
		return errors.ErrStorageFailed.Wrap(err)
	}

	if m.State != nil {
		r.state = m.State
	}
	if m.PutEntry != nil {
		r.entries[m.PutEntry.ID] = m.PutEntry
	}
	if m.DeleteEntry != 0 {
		delete(r.entries, m.DeleteEntry)
	}
	if m.Alert != nil {
		r.alerts[m.Alert.EntryID] = append(r.alerts[m.Alert.EntryID], m.Alert)
		r.metrics.IncrementAlert(m.Alert.Risk.String())
	}
	r.metrics.SetEntries(len(r.entries))
	r.metrics.SetPaused(r.state.Paused)

	for _, ev := range m.Events {
		r.publish(ev)
	}
	return nil
}

// publish 发布失败只记录，不回滚已持久化的变更
func (r *Registry) publish(ev *models.AuditEvent) {
	if r.sink == nil {
		return
	}
	if err := r.sink.WriteEvent(ev); err != nil {
		r.metrics.IncrementPublishFailure()
		r.errHandler.HandleError(OpPublish, errors.ErrPublishFailed.Wrap(err).
			WithContext("seq", ev.Seq).
			WithContext("kind", string(ev.Kind)))
	}
}

// finish 记录操作结果，失败时交给错误处理器
func (r *Registry) finish(op string, err error) error {
	r.metrics.ObserveOperation(op, err)
	if err == nil {
		return nil
	}
	return r.errHandler.HandleError(op, err)
}

func isZero(a common.Address) bool {
	return a == (common.Address{})
}

func isNegative(v *big.Int) bool {
	return v != nil && v.Sign() < 0
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
