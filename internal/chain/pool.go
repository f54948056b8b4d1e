package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"txguard/internal/config"
	"txguard/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Client 转账所需的节点接口，*ethclient.Client实现了该接口
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (Client, error)

// DialEthClient 使用ethclient连接节点
func DialEthClient(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// nodeState 单个节点的连接与健康状态
type nodeState struct {
	config    *config.NodeConfig
	client    Client
	healthy   bool
	lastCheck time.Time
	lastErr   error
}

// NodePool 按优先级选择健康节点的连接池
type NodePool struct {
	nodes          []*nodeState
	dial           DialFunc
	retrier        *retry.Retrier
	logger         *logrus.Logger
	mu             sync.RWMutex
	healthInterval time.Duration
	wg             sync.WaitGroup
}

// NewNodePool 创建连接池，节点按priority升序排列
func NewNodePool(nodes []*config.NodeConfig, dial DialFunc, logger *logrus.Logger) *NodePool {
	if dial == nil {
		dial = DialEthClient
	}

	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	states := make([]*nodeState, 0, len(sorted))
	for _, n := range sorted {
		states = append(states, &nodeState{config: n})
	}

	return &NodePool{
		nodes:          states,
		dial:           dial,
		retrier:        retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:         logger,
		healthInterval: 30 * time.Second,
	}
}

// Initialize 连接所有节点，至少一个成功才返回nil
func (p *NodePool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	connected := 0
	for _, n := range p.nodes {
		if err := p.connect(ctx, n); err != nil {
			p.logger.Warnf("初始化节点 %s 失败: %v", n.config.Name, err)
			continue
		}
		connected++
		p.logger.Infof("节点 %s 已连接", n.config.Name)
	}

	if connected == 0 {
		return fmt.Errorf("没有可用的节点")
	}
	return nil
}

// connect 带重试地建立连接并验证，调用方持有写锁
func (p *NodePool) connect(ctx context.Context, n *nodeState) error {
	err := p.retrier.Execute(ctx, "dial_"+n.config.Name, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := p.dial(dialCtx, n.config.URL)
		if err != nil {
			return fmt.Errorf("连接节点失败: %w", err)
		}

		// 测试连接
		if _, err := client.ChainID(dialCtx); err != nil {
			closeClient(client)
			return fmt.Errorf("测试连接失败: %w", err)
		}

		closeClient(n.client)
		n.client = client
		return nil
	})

	n.lastCheck = time.Now()
	n.lastErr = err
	n.healthy = err == nil
	return err
}

// Client 返回优先级最高的健康节点
func (p *NodePool) Client() (Client, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, n := range p.nodes {
		if n.healthy && n.client != nil {
			return n.client, n.config.Name, nil
		}
	}
	return nil, "", fmt.Errorf("没有可用的健康节点")
}

// MarkUnhealthy 请求失败后将节点标记为不健康，等待下次健康检查恢复
func (p *NodePool) MarkUnhealthy(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.nodes {
		if n.config.Name == name {
			n.healthy = false
			n.lastErr = err
			p.logger.Warnf("节点 %s 已标记为不健康: %v", name, err)
			return
		}
	}
}

// CheckHealth 检查所有节点，不健康的节点尝试重连
func (p *NodePool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.nodes {
		if n.client != nil {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := n.client.ChainID(checkCtx)
			cancel()

			n.lastCheck = time.Now()
			n.lastErr = err
			n.healthy = err == nil
			if err == nil {
				p.logger.Debugf("节点 %s 健康检查通过", n.config.Name)
				continue
			}
		}

		if err := p.connect(ctx, n); err != nil {
			p.logger.Warnf("节点 %s 健康检查失败: %v", n.config.Name, err)
		}
	}
}

// Start 启动后台健康检查，ctx结束时退出
func (p *NodePool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.CheckHealth(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetStats 获取节点状态
func (p *NodePool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]interface{}, len(p.nodes))
	for _, n := range p.nodes {
		nodeStats := map[string]interface{}{
			"priority":   n.config.Priority,
			"is_healthy": n.healthy,
			"last_check": n.lastCheck.Format(time.RFC3339),
		}
		if n.lastErr != nil {
			nodeStats["last_error"] = n.lastErr.Error()
		}
		stats[n.config.Name] = nodeStats
	}
	return stats
}

// Close 等待健康检查退出并关闭所有连接
func (p *NodePool) Close() error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.nodes {
		closeClient(n.client)
		n.client = nil
		n.healthy = false
	}
	p.logger.Info("节点连接池已关闭")
	return nil
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() }); ok && closer != nil {
		closer.Close()
	}
}
