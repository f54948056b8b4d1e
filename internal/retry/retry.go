package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`        // 启用抖动
}

// NetworkRetryConfig 节点请求重试配置
var NetworkRetryConfig = RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// ReceiptPollConfig 等待交易回执的轮询配置，总时长由context控制
var ReceiptPollConfig = RetryConfig{
	MaxAttempts:     math.MaxInt32,
	InitialInterval: time.Second,
	MaxInterval:     5 * time.Second,
	BackoffFactor:   1.5,
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err       error
	retryable bool
}

func (r *retryableError) Error() string     { return r.err.Error() }
func (r *retryableError) IsRetryable() bool { return r.retryable }
func (r *retryableError) Unwrap() error     { return r.err }

// NewRetryableError 显式标记错误是否可重试
func NewRetryableError(err error, retryable bool) error {
	return &retryableError{err: err, retryable: retryable}
}

// 网络相关的可重试错误
var networkErrors = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// IsRetryableError 判断是否可重试
//
// 显式标记优先；交易被拒绝（revert、余额不足等）不属于可重试的网络错误。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if stderrors.As(err, &re) {
		return re.IsRetryable()
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, networkErr := range networkErrors {
		if strings.Contains(errStr, networkErr) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	config RetryConfig
	logger *logrus.Logger
	mu     sync.Mutex
	rand   *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config RetryConfig, logger *logrus.Logger) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteFunc 执行函数类型
type ExecuteFunc func() error

// Execute 执行fn直到成功、遇到不可重试错误、次数用尽或ctx结束
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return err
		}

		if attempt >= r.config.MaxAttempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// calculateDelay 指数退避，可选抖动
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxInterval) && r.config.MaxInterval > 0 {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.EnableJitter {
		r.mu.Lock()
		f := r.rand.Float64()
		r.mu.Unlock()

		jitter := delay * r.config.RandomizationFactor
		delay = delay - jitter + f*jitter*2
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}
	return time.Duration(delay)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() RetryConfig {
	return r.config
}
