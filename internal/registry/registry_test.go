package registry

import (
	"context"
	stderrors "errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"txguard/internal/errors"
	"txguard/internal/metrics"
	"txguard/internal/store"
	"txguard/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	oracle   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	alice    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	bob      = common.HexToAddress("0x4000000000000000000000000000000000000004")
	target   = common.HexToAddress("0x5000000000000000000000000000000000000005")
	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// recordingSink 记录收到的审计事件
type recordingSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	err    error
}

func (s *recordingSink) WriteEvent(event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) kinds() []models.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]models.EventKind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (s *recordingSink) last() *models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	base := []Option{
		WithLogger(quietLogger()),
		WithSink(sink),
		WithClock(func() time.Time { return fixedNow }),
	}
	r, err := New(owner, oracle, append(base, opts...)...)
	require.NoError(t, err)
	return r, sink
}

func pendingTx(payload ...byte) models.PendingTx {
	return models.PendingTx{
		Target:         target,
		Value:          big.NewInt(0),
		Payload:        payload,
		GasPrice:       big.NewInt(1),
		MaxSlippageBps: 50,
		Notes:          "x",
	}
}

func register(t *testing.T, r *Registry, caller common.Address) uint64 {
	t.Helper()
	id, err := r.RegisterPendingTx(context.Background(), caller, pendingTx(0x01))
	require.NoError(t, err)
	return id
}

func TestNew(t *testing.T) {
	r, sink := newTestRegistry(t)

	assert.Equal(t, owner, r.Owner())
	assert.Equal(t, oracle, r.Oracle())
	assert.False(t, r.Paused())
	assert.Equal(t, uint64(1), r.NextID())
	assert.Equal(t, int64(0), r.Balance().Int64())
	assert.Equal(t, []models.EventKind{models.EventOwnershipTransferred}, sink.kinds())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(owner, common.Address{}, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = New(common.Address{}, oracle, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestScenario_RegisterAlertProtect(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.RegisterPendingTx(ctx, alice, pendingTx(0x01))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	ok, err := r.RaiseAlert(ctx, oracle, 1, models.RiskMedium, 70, "suspicious router")
	require.NoError(t, err)
	assert.True(t, ok)

	alerts := r.GetAlerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.RiskMedium, alerts[0].Risk)
	assert.Equal(t, uint8(70), alerts[0].Confidence)
	assert.Equal(t, oracle, alerts[0].Reporter)

	require.NoError(t, r.MarkProtected(ctx, alice, 1, "relay-hash-abc"))

	entry, err := r.GetEntry(1)
	require.NoError(t, err)
	assert.True(t, entry.Protected)
	assert.Equal(t, alice, entry.Submitter)
	assert.Equal(t, target, entry.Target)
	assert.Equal(t, []byte{0x01}, []byte(entry.Payload))
	assert.Equal(t, uint32(50), entry.MaxSlippageBps)
	assert.Equal(t, "x", entry.Notes)
	assert.Equal(t, fixedNow, entry.Timestamp)

	assert.Equal(t, []models.EventKind{
		models.EventOwnershipTransferred,
		models.EventPendingTxRegistered,
		models.EventAlertRaised,
		models.EventTransactionProtected,
	}, sink.kinds())

	protected := sink.last()
	assert.Equal(t, uint64(1), protected.EntryID)
	assert.Equal(t, alice, *protected.Caller)
	assert.Equal(t, "relay-hash-abc", protected.Proof)
}

func TestScenario_StrangerCannotProtect(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, alice)
	before := len(sink.kinds())

	err := r.MarkProtected(ctx, bob, 1, "x")
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)

	entry, err := r.GetEntry(1)
	require.NoError(t, err)
	assert.False(t, entry.Protected)
	assert.Len(t, sink.kinds(), before)
}

func TestRegisterPendingTx_IDsIncreaseAcrossRemovals(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, register(t, r, alice))
		if i%2 == 0 {
			require.NoError(t, r.AdminRemovePendingTx(ctx, owner, ids[len(ids)-1]))
		}
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids)
	assert.Equal(t, uint64(6), r.NextID())
}

func TestRegisterPendingTx_Concurrent(t *testing.T) {
	r, _ := newTestRegistry(t)

	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.RegisterPendingTx(context.Background(), alice, pendingTx(0x02))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "重复ID %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, uint64(n+1), r.NextID())
}

func TestRegisterPendingTx_InvalidArguments(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterPendingTx(ctx, alice, pendingTx())
	assert.ErrorIs(t, err, errors.ErrEmptyPayload)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))

	req := pendingTx(0x01)
	req.Value = big.NewInt(-1)
	_, err = r.RegisterPendingTx(ctx, alice, req)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))

	assert.Equal(t, uint64(1), r.NextID())
}

func TestRegisterPendingTx_CopiesInput(t *testing.T) {
	r, _ := newTestRegistry(t)

	req := pendingTx(0x01, 0x02)
	id, err := r.RegisterPendingTx(context.Background(), alice, req)
	require.NoError(t, err)

	req.Payload[0] = 0xff
	req.GasPrice.SetInt64(99)

	entry, err := r.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, []byte(entry.Payload))
	assert.Equal(t, int64(1), entry.GasPrice.Int64())

	entry.Notes = "changed"
	again, _ := r.GetEntry(id)
	assert.Equal(t, "x", again.Notes)
}

func TestRaiseAlert(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, alice)

	t.Run("非预言机", func(t *testing.T) {
		_, err := r.RaiseAlert(ctx, owner, 1, models.RiskHigh, 90, "x")
		assert.ErrorIs(t, err, errors.ErrNotAuthorized)
	})

	t.Run("记录不存在", func(t *testing.T) {
		ok, err := r.RaiseAlert(ctx, oracle, 42, models.RiskHigh, 90, "x")
		assert.ErrorIs(t, err, errors.ErrNotFound)
		assert.False(t, ok)
		assert.Empty(t, r.GetAlerts(42))
	})

	t.Run("无效风险等级", func(t *testing.T) {
		_, err := r.RaiseAlert(ctx, oracle, 1, models.RiskLevel(9), 10, "x")
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))
	})

	t.Run("保持顺序", func(t *testing.T) {
		reasons := []string{"first", "second", "third"}
		for i, reason := range reasons {
			_, err := r.RaiseAlert(ctx, oracle, 1, models.RiskLow, uint8(i), reason)
			require.NoError(t, err)
			assert.Len(t, r.GetAlerts(1), i+1)
		}
		alerts := r.GetAlerts(1)
		for i, reason := range reasons {
			assert.Equal(t, reason, alerts[i].Reason)
		}
	})
}

func TestRaiseAlert_ConfidenceNotValidated(t *testing.T) {
	r, sink := newTestRegistry(t)
	register(t, r, alice)

	_, err := r.RaiseAlert(context.Background(), oracle, 1, models.RiskHigh, 150, "out of range")
	require.NoError(t, err)

	alerts := r.GetAlerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, uint8(150), alerts[0].Confidence)
	assert.Equal(t, uint8(150), *sink.last().Confidence)
}

func TestMarkProtected(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, alice)

	err := r.MarkProtected(ctx, alice, 7, "x")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, r.MarkProtected(ctx, alice, 1, "a"))
	require.NoError(t, r.MarkProtected(ctx, owner, 1, "b"))

	entry, err := r.GetEntry(1)
	require.NoError(t, err)
	assert.True(t, entry.Protected)

	kinds := sink.kinds()
	assert.Equal(t, models.EventTransactionProtected, kinds[len(kinds)-1])
	assert.Equal(t, models.EventTransactionProtected, kinds[len(kinds)-2])
	assert.Equal(t, owner, *sink.last().Caller)
}

func TestPause_GatesOperations(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, alice)
	_, err := r.RaiseAlert(ctx, oracle, 1, models.RiskLow, 10, "before pause")
	require.NoError(t, err)

	require.NoError(t, r.Deposit(ctx, bob, big.NewInt(10)))
	require.NoError(t, r.Pause(ctx, owner))
	assert.True(t, r.Paused())

	for _, caller := range []common.Address{alice, owner, oracle} {
		_, err := r.RegisterPendingTx(ctx, caller, pendingTx(0x01))
		assert.ErrorIs(t, err, errors.ErrEnforcedPause)
		assert.True(t, errors.IsType(err, errors.ErrorTypeAlreadyPaused))

		err = r.MarkProtected(ctx, caller, 1, "x")
		assert.ErrorIs(t, err, errors.ErrEnforcedPause)
	}
	_, err = r.RaiseAlert(ctx, oracle, 1, models.RiskHigh, 90, "x")
	assert.ErrorIs(t, err, errors.ErrEnforcedPause)

	// 管理操作和读取不受暂停影响
	newOracle := common.HexToAddress("0x6000000000000000000000000000000000000006")
	assert.NoError(t, r.SetOracle(ctx, owner, newOracle))
	assert.NoError(t, r.Withdraw(ctx, owner, bob, big.NewInt(5)))
	_, err = r.GetEntry(1)
	assert.NoError(t, err)
	assert.Len(t, r.GetAlerts(1), 1)
	assert.NoError(t, r.AdminRemovePendingTx(ctx, owner, 1))
	assert.NoError(t, r.TransferOwnership(ctx, owner, bob))
	assert.NoError(t, r.Unpause(ctx, bob))
	assert.False(t, r.Paused())

	_, err = r.RegisterPendingTx(ctx, alice, pendingTx(0x01))
	assert.NoError(t, err)
}

func TestPause_Transitions(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.Unpause(ctx, owner), errors.ErrNotPaused)
	assert.ErrorIs(t, r.Pause(ctx, alice), errors.ErrNotAuthorized)

	require.NoError(t, r.Pause(ctx, owner))
	err := r.Pause(ctx, owner)
	assert.ErrorIs(t, err, errors.ErrAlreadyPaused)
	assert.ErrorIs(t, r.Unpause(ctx, alice), errors.ErrNotAuthorized)
	require.NoError(t, r.Unpause(ctx, owner))

	assert.Equal(t, []models.EventKind{
		models.EventOwnershipTransferred,
		models.EventPaused,
		models.EventUnpaused,
	}, sink.kinds())
	assert.Equal(t, owner, *sink.last().Caller)
}

func TestAdminRemovePendingTx(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, alice)
	_, err := r.RaiseAlert(ctx, oracle, 1, models.RiskHigh, 99, "drainer")
	require.NoError(t, err)

	assert.ErrorIs(t, r.AdminRemovePendingTx(ctx, alice, 1), errors.ErrNotAuthorized)
	assert.ErrorIs(t, r.AdminRemovePendingTx(ctx, owner, 9), errors.ErrNotFound)

	require.NoError(t, r.AdminRemovePendingTx(ctx, owner, 1))

	_, err = r.GetEntry(1)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	alerts := r.GetAlerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, "drainer", alerts[0].Reason)

	removed := sink.last()
	assert.Equal(t, models.EventPendingTxRemoved, removed.Kind)
	assert.Equal(t, uint64(1), removed.EntryID)

	// 已清除的记录不能再被操作
	assert.ErrorIs(t, r.AdminRemovePendingTx(ctx, owner, 1), errors.ErrNotFound)
	assert.ErrorIs(t, r.MarkProtected(ctx, alice, 1, "x"), errors.ErrNotFound)
	_, err = r.RaiseAlert(ctx, oracle, 1, models.RiskLow, 1, "x")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSetOracle(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()
	newOracle := common.HexToAddress("0x6000000000000000000000000000000000000006")

	assert.ErrorIs(t, r.SetOracle(ctx, alice, newOracle), errors.ErrNotAuthorized)
	err := r.SetOracle(ctx, owner, common.Address{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))
	assert.Equal(t, oracle, r.Oracle())

	require.NoError(t, r.SetOracle(ctx, owner, newOracle))
	assert.Equal(t, newOracle, r.Oracle())

	ev := sink.last()
	assert.Equal(t, models.EventOracleUpdated, ev.Kind)
	assert.Equal(t, oracle, *ev.Previous)
	assert.Equal(t, newOracle, *ev.Current)

	register(t, r, alice)
	_, err = r.RaiseAlert(ctx, oracle, 1, models.RiskLow, 1, "old oracle")
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
	_, err = r.RaiseAlert(ctx, newOracle, 1, models.RiskLow, 1, "new oracle")
	assert.NoError(t, err)
}

func TestTransferOwnership(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.TransferOwnership(ctx, alice, alice), errors.ErrNotAuthorized)
	err := r.TransferOwnership(ctx, owner, common.Address{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))

	require.NoError(t, r.TransferOwnership(ctx, owner, alice))
	assert.Equal(t, alice, r.Owner())

	ev := sink.last()
	assert.Equal(t, models.EventOwnershipTransferred, ev.Kind)
	assert.Equal(t, owner, *ev.Previous)
	assert.Equal(t, alice, *ev.Current)

	assert.ErrorIs(t, r.Pause(ctx, owner), errors.ErrNotAuthorized)
	assert.NoError(t, r.Pause(ctx, alice))
}

func TestDepositAndWithdraw(t *testing.T) {
	var paid []*big.Int
	transferer := TransferFunc(func(_ context.Context, to common.Address, amount *big.Int) error {
		assert.Equal(t, bob, to)
		paid = append(paid, amount)
		return nil
	})
	r, sink := newTestRegistry(t, WithTransferer(transferer))
	ctx := context.Background()

	assert.True(t, errors.IsType(r.Deposit(ctx, alice, big.NewInt(0)), errors.ErrorTypeInvalidArgument))
	require.NoError(t, r.Deposit(ctx, alice, big.NewInt(100)))
	assert.Equal(t, int64(100), r.Balance().Int64())

	assert.ErrorIs(t, r.Withdraw(ctx, alice, bob, big.NewInt(1)), errors.ErrNotAuthorized)
	assert.ErrorIs(t, r.Withdraw(ctx, owner, common.Address{}, big.NewInt(1)), errors.ErrZeroAddress)
	assert.True(t, errors.IsType(r.Withdraw(ctx, owner, bob, big.NewInt(-1)), errors.ErrorTypeInvalidArgument))

	err := r.Withdraw(ctx, owner, bob, big.NewInt(101))
	assert.ErrorIs(t, err, errors.ErrInsufficientBalance)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransferFailed))
	assert.Empty(t, paid)

	require.NoError(t, r.Withdraw(ctx, owner, bob, big.NewInt(60)))
	assert.Equal(t, int64(40), r.Balance().Int64())
	require.Len(t, paid, 1)
	assert.Equal(t, int64(60), paid[0].Int64())

	ev := sink.last()
	assert.Equal(t, models.EventFundsWithdrawn, ev.Kind)
	assert.Equal(t, bob, *ev.Recipient)
	assert.Equal(t, int64(60), ev.Amount.Int64())
}

func TestWithdraw_TransferRejected(t *testing.T) {
	rejected := stderrors.New("recipient reverted")
	r, sink := newTestRegistry(t, WithTransferer(TransferFunc(func(context.Context, common.Address, *big.Int) error {
		return rejected
	})))
	ctx := context.Background()
	require.NoError(t, r.Deposit(ctx, alice, big.NewInt(10)))
	before := len(sink.kinds())

	err := r.Withdraw(ctx, owner, bob, big.NewInt(10))
	assert.ErrorIs(t, err, errors.ErrTransferFailed)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, int64(10), r.Balance().Int64())
	assert.Len(t, sink.kinds(), before)
}

func TestWithdraw_ReentrantCallbackRejected(t *testing.T) {
	var r *Registry
	var nestedErr, nestedProtectErr error
	callback := TransferFunc(func(ctx context.Context, to common.Address, amount *big.Int) error {
		_, nestedErr = r.RegisterPendingTx(ctx, to, pendingTx(0x01))
		nestedProtectErr = r.MarkProtected(ctx, owner, 1, "x")
		return nil
	})

	r, _ = newTestRegistry(t, WithTransferer(callback))
	ctx := context.Background()
	register(t, r, alice)
	require.NoError(t, r.Deposit(ctx, alice, big.NewInt(5)))

	require.NoError(t, r.Withdraw(ctx, owner, bob, big.NewInt(5)))

	assert.ErrorIs(t, nestedErr, errors.ErrReentrant)
	assert.True(t, errors.IsType(nestedErr, errors.ErrorTypeReentrant))
	assert.ErrorIs(t, nestedProtectErr, errors.ErrReentrant)
	assert.Equal(t, uint64(2), r.NextID())

	entry, err := r.GetEntry(1)
	require.NoError(t, err)
	assert.False(t, entry.Protected)
}

func TestWithdraw_CallbackWithFreshContextRejected(t *testing.T) {
	var r *Registry
	var nestedErr error
	callback := TransferFunc(func(ctx context.Context, to common.Address, amount *big.Int) error {
		_, nestedErr = r.RegisterPendingTx(context.Background(), to, pendingTx(0x01))
		return nil
	})

	r, _ = newTestRegistry(t, WithTransferer(callback), WithExternalWait(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, r.Deposit(ctx, alice, big.NewInt(5)))

	require.NoError(t, r.Withdraw(ctx, owner, bob, big.NewInt(5)))
	assert.ErrorIs(t, nestedErr, errors.ErrReentrant)
	assert.Equal(t, uint64(1), r.NextID())

	id := register(t, r, alice)
	assert.Equal(t, uint64(1), id)
}

func TestWithdraw_CallbackMayUseUnguardedOperations(t *testing.T) {
	var r *Registry
	var alertErr error
	callback := TransferFunc(func(ctx context.Context, to common.Address, amount *big.Int) error {
		_, alertErr = r.RaiseAlert(ctx, oracle, 1, models.RiskLow, 5, "during withdraw")
		return nil
	})

	r, _ = newTestRegistry(t, WithTransferer(callback))
	ctx := context.Background()
	register(t, r, alice)
	require.NoError(t, r.Deposit(ctx, alice, big.NewInt(5)))

	require.NoError(t, r.Withdraw(ctx, owner, bob, big.NewInt(1)))
	assert.NoError(t, alertErr)
	assert.Len(t, r.GetAlerts(1), 1)
}

func TestGuard_IndependentRegistries(t *testing.T) {
	other, _ := newTestRegistry(t)
	var nestedErr error
	callback := TransferFunc(func(ctx context.Context, to common.Address, amount *big.Int) error {
		_, nestedErr = other.RegisterPendingTx(ctx, to, pendingTx(0x01))
		return nil
	})
	r, _ := newTestRegistry(t, WithTransferer(callback))
	require.NoError(t, r.Deposit(context.Background(), alice, big.NewInt(1)))

	require.NoError(t, r.Withdraw(context.Background(), owner, bob, big.NewInt(1)))
	assert.NoError(t, nestedErr)
}

func TestGetAlerts_UnknownID(t *testing.T) {
	r, _ := newTestRegistry(t)

	alerts := r.GetAlerts(12345)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)

	_, err := r.GetEntry(12345)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreFailureLeavesStateUnchanged(t *testing.T) {
	mem := store.NewMemoryStore()
	r, sink := newTestRegistry(t, WithStore(mem))
	ctx := context.Background()
	register(t, r, alice)
	before := len(sink.kinds())

	mem.FailWith = stderrors.New("disk full")

	_, err := r.RegisterPendingTx(ctx, alice, pendingTx(0x01))
	assert.ErrorIs(t, err, errors.ErrStorageFailed)
	assert.Equal(t, uint64(2), r.NextID())

	_, err = r.RaiseAlert(ctx, oracle, 1, models.RiskHigh, 1, "x")
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.Empty(t, r.GetAlerts(1))

	assert.Error(t, r.Pause(ctx, owner))
	assert.False(t, r.Paused())
	assert.Len(t, sink.kinds(), before)

	mem.FailWith = nil
	id, err := r.RegisterPendingTx(ctx, alice, pendingTx(0x01))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
}

func TestSinkFailureDoesNotRollBack(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r, sink := newTestRegistry(t, WithMetrics(m))
	sink.err = stderrors.New("broker down")

	id, err := r.RegisterPendingTx(context.Background(), alice, pendingTx(0x01))
	require.NoError(t, err)

	_, err = r.GetEntry(id)
	assert.NoError(t, err)

	stats := r.ErrorStats()
	assert.Equal(t, 1, stats.ErrorsByOperation[OpPublish])
}

func TestEventsPersistedInOrder(t *testing.T) {
	mem := store.NewMemoryStore()
	r, sink := newTestRegistry(t, WithStore(mem))
	ctx := context.Background()
	register(t, r, alice)
	_, err := r.RaiseAlert(ctx, oracle, 1, models.RiskLow, 1, "x")
	require.NoError(t, err)

	events, err := mem.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, sink.events[i].ID, ev.ID)
	}
	assert.Equal(t, uint64(3), r.Status().EventSeq)
}

func TestRestoreFromBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	bs, err := store.NewBoltStore(path, quietLogger())
	require.NoError(t, err)
	r, _ := newTestRegistry(t, WithStore(bs))

	register(t, r, alice)
	register(t, r, bob)
	_, err = r.RaiseAlert(ctx, oracle, 1, models.RiskHigh, 80, "orphan")
	require.NoError(t, err)
	require.NoError(t, r.AdminRemovePendingTx(ctx, owner, 1))
	require.NoError(t, r.MarkProtected(ctx, bob, 2, "p"))
	require.NoError(t, r.Deposit(ctx, alice, big.NewInt(7)))
	require.NoError(t, r.Pause(ctx, owner))
	require.NoError(t, bs.Close())

	reopened, err := store.NewBoltStore(path, quietLogger())
	require.NoError(t, err)
	defer reopened.Close()

	// 构造参数与存储不同，以存储为准
	restored, err := New(alice, bob, WithStore(reopened), WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, owner, restored.Owner())
	assert.Equal(t, oracle, restored.Oracle())
	assert.True(t, restored.Paused())
	assert.Equal(t, uint64(3), restored.NextID())
	assert.Equal(t, int64(7), restored.Balance().Int64())

	_, err = restored.GetEntry(1)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Len(t, restored.GetAlerts(1), 1)

	entry, err := restored.GetEntry(2)
	require.NoError(t, err)
	assert.True(t, entry.Protected)

	status := restored.Status()
	assert.Equal(t, 1, status.Entries)
	assert.Equal(t, 1, status.AlertedEntries)
	assert.Equal(t, "7", status.Balance)

	require.NoError(t, restored.Unpause(ctx, owner))
	id, err := restored.RegisterPendingTx(ctx, alice, pendingTx(0x03))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
}

func TestErrorStatsByOperation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_ = r.Pause(ctx, alice)
	_, _ = r.GetEntry(1)

	stats := r.ErrorStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByOperation[OpPause])
	assert.Equal(t, 1, stats.ErrorsByType["NotFound"])
}
