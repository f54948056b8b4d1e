package registry

import (
	"context"
	"sync"
	"time"

	"txguard/internal/errors"
)

// DefaultExternalWait 持有者发起外部调用后，排队者最多再等待的时间
const DefaultExternalWait = 2 * time.Second

// guardKey 标记context已处于某个Guard的临界区内
type guardKey struct {
	g *Guard
}

// Guard 非重入临界区
//
// 进入时返回携带令牌的context。持有令牌的调用链（包括转账回调）
// 再次进入同一个Guard会立即失败；其余调用方排队等待。
// 持有者通过External声明正在进行外部调用后，排队者最多再等待
// ExternalWait，超时按重入处理。
type Guard struct {
	ExternalWait time.Duration

	once     sync.Once
	sem      chan struct{}
	mu       sync.Mutex
	external chan struct{} // 持有者发起外部调用时关闭
}

func (g *Guard) init() {
	g.once.Do(func() {
		g.sem = make(chan struct{}, 1)
		g.external = make(chan struct{})
	})
}

// Enter 进入临界区，成功时必须调用返回的leave
//
// ctx取消时放弃排队并返回ctx.Err()。
func (g *Guard) Enter(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if Entered(ctx, g) {
		return ctx, nil, errors.ErrReentrant
	}
	g.init()

	select {
	case g.sem <- struct{}{}:
		return context.WithValue(ctx, guardKey{g}, true), g.leave, nil
	default:
	}

	g.mu.Lock()
	external := g.external
	g.mu.Unlock()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var timeout <-chan time.Time
	for {
		select {
		case g.sem <- struct{}{}:
			return context.WithValue(ctx, guardKey{g}, true), g.leave, nil
		case <-ctx.Done():
			return ctx, nil, ctx.Err()
		case <-external:
			external = nil
			timer = time.NewTimer(g.externalWait())
			timeout = timer.C
		case <-timeout:
			return ctx, nil, errors.ErrReentrant.WithContext("reason", "外部调用进行中，等待超时")
		}
	}
}

// External 持有者声明即将发起外部调用
func (g *Guard) External() {
	g.init()
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.external:
	default:
		close(g.external)
	}
}

func (g *Guard) leave() {
	g.mu.Lock()
	select {
	case <-g.external:
		g.external = make(chan struct{})
	default:
	}
	g.mu.Unlock()
	<-g.sem
}

func (g *Guard) externalWait() time.Duration {
	if g.ExternalWait > 0 {
		return g.ExternalWait
	}
	return DefaultExternalWait
}

// Entered 判断ctx是否已在g的临界区内
func Entered(ctx context.Context, g *Guard) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(guardKey{g}).(bool)
	return v
}
