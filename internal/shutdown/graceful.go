package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAcceptingRequests = 10 // 停止API
	OrderStopNodePool          = 20 // 停止节点健康检查
	OrderFlushOutput           = 30 // 刷新审计事件输出
	OrderCloseStore            = 40 // 关闭快照存储
	OrderCloseConnections      = 50 // 关闭节点连接
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	hooks          []Hook
	mu             sync.Mutex
	isShuttingDown bool
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second // 默认30秒超时
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// NotifyContext 返回收到SIGINT、SIGTERM或SIGQUIT时结束的上下文
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks = append(gs.hooks, Hook{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Shutdown 按顺序执行所有停机处理，只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		gs.logger.Warn("停机过程已在进行中")
		return nil
	}
	gs.isShuttingDown = true
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})

	gs.logger.Info("开始优雅停机流程...")
	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var shutdownErrors []error
	for _, hook := range hooks {
		if ctx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", hook.Name)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", hook.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := hook.Func(ctx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", hook.Name, time.Since(start), err)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", hook.Name, time.Since(start))
	}

	if len(shutdownErrors) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(shutdownErrors))
		return stderrors.Join(shutdownErrors...)
	}

	gs.logger.Info("优雅停机流程完成")
	return nil
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// GetRegisteredFunctions 按执行顺序返回已注册的停机函数名
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})

	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}
