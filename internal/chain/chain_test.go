package chain

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"

	"txguard/internal/config"
	"txguard/internal/errors"
	"txguard/internal/metrics"
	"txguard/internal/registry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	chainErr  error
	nonce     uint64
	gasPrice  *big.Int
	gas       uint64
	status    uint64
	sent      []*types.Transaction
	sendErr   error
	notFounds int
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nonce:    7,
		gasPrice: big.NewInt(1_000_000_000),
		gas:      21000,
		status:   types.ReceiptStatusSuccessful,
	}
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return big.NewInt(1337), nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFounds > 0 {
		f.notFounds--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(100)}, nil
}

func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeClient) Close() {
	f.closed = true
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func dialerFor(clients map[string]*fakeClient) DialFunc {
	return func(_ context.Context, url string) (Client, error) {
		c, ok := clients[url]
		if !ok {
			return nil, stderrors.New("unsupported scheme")
		}
		return c, nil
	}
}

func TestNodePool_PriorityOrder(t *testing.T) {
	primary := newFakeClient()
	backup := newFakeClient()
	nodes := []*config.NodeConfig{
		{Name: "backup", URL: "http://backup", Priority: 2},
		{Name: "primary", URL: "http://primary", Priority: 1},
	}

	pool := NewNodePool(nodes, dialerFor(map[string]*fakeClient{
		"http://primary": primary,
		"http://backup":  backup,
	}), newTestLogger())
	require.NoError(t, pool.Initialize(context.Background()))

	client, name, err := pool.Client()
	require.NoError(t, err)
	assert.Equal(t, "primary", name)
	assert.Same(t, primary, client)

	pool.MarkUnhealthy("primary", stderrors.New("connection refused"))
	client, name, err = pool.Client()
	require.NoError(t, err)
	assert.Equal(t, "backup", name)
	assert.Same(t, backup, client)

	pool.CheckHealth(context.Background())
	_, name, err = pool.Client()
	require.NoError(t, err)
	assert.Equal(t, "primary", name)

	stats := pool.GetStats()
	assert.Len(t, stats, 2)
	assert.Equal(t, true, stats["primary"].(map[string]interface{})["is_healthy"])

	require.NoError(t, pool.Close())
	assert.True(t, primary.closed)
	assert.True(t, backup.closed)
}

func TestNodePool_NoNodes(t *testing.T) {
	pool := NewNodePool([]*config.NodeConfig{
		{Name: "broken", URL: "ftp://broken", Priority: 1},
	}, dialerFor(nil), newTestLogger())

	assert.Error(t, pool.Initialize(context.Background()))
	_, _, err := pool.Client()
	assert.Error(t, err)
}

func newTestTransferer(t *testing.T, client *fakeClient) (*EthTransferer, *NodePool) {
	t.Helper()

	pool := NewNodePool([]*config.NodeConfig{
		{Name: "local", URL: "http://local", Priority: 1},
	}, dialerFor(map[string]*fakeClient{"http://local": client}), newTestLogger())
	require.NoError(t, pool.Initialize(context.Background()))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	transferer, err := NewEthTransferer(pool, key, &config.ChainConfig{
		ChainID:        1337,
		GasLimit:       21000,
		ReceiptTimeout: "5s",
		RetryLimit:     1,
	}, newTestLogger())
	require.NoError(t, err)
	return transferer, pool
}

func TestEthTransferer_SignsAndSends(t *testing.T) {
	client := newFakeClient()
	client.notFounds = 1
	transferer, _ := newTestTransferer(t, client)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	err := transferer.Transfer(context.Background(), to, big.NewInt(5000))
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, to, *tx.To())
	assert.Equal(t, "5000", tx.Value().String())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, transferer.From(), sender)
}

func TestEthTransferer_WithdrawObservedOnce(t *testing.T) {
	client := newFakeClient()
	transferer, _ := newTestTransferer(t, client)

	promReg := prometheus.NewRegistry()
	reg, err := registry.New(
		common.HexToAddress("0x1000000000000000000000000000000000000001"),
		common.HexToAddress("0x2000000000000000000000000000000000000002"),
		registry.WithLogger(newTestLogger()),
		registry.WithTransferer(transferer),
		registry.WithMetrics(metrics.New(promReg)),
	)
	require.NoError(t, err)

	owner := reg.Owner()
	ctx := context.Background()
	require.NoError(t, reg.Deposit(ctx, owner, big.NewInt(10)))
	require.NoError(t, reg.Withdraw(ctx, owner, common.HexToAddress("0x00000000000000000000000000000000000000b0"), big.NewInt(5)))
	require.Len(t, client.sent, 1)

	families, err := promReg.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, family := range families {
		if family.GetName() == "txguard_withdraw_transfer_duration_seconds" {
			for _, m := range family.GetMetric() {
				samples += m.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), samples)
}

func TestEthTransferer_RevertedReceipt(t *testing.T) {
	client := newFakeClient()
	client.status = types.ReceiptStatusFailed
	transferer, _ := newTestTransferer(t, client)

	err := transferer.Transfer(context.Background(), common.HexToAddress("0xb0"), big.NewInt(1))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTransferFailed))
}

func TestEthTransferer_SendFailureMarksNode(t *testing.T) {
	client := newFakeClient()
	client.sendErr = stderrors.New("connection refused")
	transferer, pool := newTestTransferer(t, client)

	err := transferer.Transfer(context.Background(), common.HexToAddress("0xb0"), big.NewInt(1))
	require.Error(t, err)

	_, _, err = pool.Client()
	assert.Error(t, err)
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	t.Setenv("TXGUARD_TEST_KEY", "0x"+common.Bytes2Hex(crypto.FromECDSA(key)))
	loaded, err := LoadPrivateKey("TXGUARD_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))

	t.Setenv("TXGUARD_TEST_KEY", "")
	_, err = LoadPrivateKey("TXGUARD_TEST_KEY")
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfig))

	t.Setenv("TXGUARD_TEST_KEY", "zz")
	_, err = LoadPrivateKey("TXGUARD_TEST_KEY")
	assert.Error(t, err)
}

func TestLedgerTransferer(t *testing.T) {
	ledger := NewLedgerTransferer(newTestLogger())
	alice := common.HexToAddress("0xa1")
	mallory := common.HexToAddress("0xbad")

	require.NoError(t, ledger.Transfer(context.Background(), alice, big.NewInt(30)))
	require.NoError(t, ledger.Transfer(context.Background(), alice, big.NewInt(12)))
	assert.Equal(t, "42", ledger.CreditOf(alice).String())
	assert.Equal(t, 0, ledger.CreditOf(mallory).Sign())

	ledger.Reject(mallory)
	err := ledger.Transfer(context.Background(), mallory, big.NewInt(1))
	assert.True(t, stderrors.Is(err, errors.ErrTransferFailed))

	stats := ledger.GetStats()
	assert.Equal(t, 1, stats["recipients"])
	assert.Equal(t, "42", stats["total_paid"])
}
