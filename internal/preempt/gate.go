// Package preempt 提供"普通/抢占"互斥闸门
//
// 普通操作持有共享许可并发执行;抢占操作先阻止新的普通操作进入,
// 等待已持有的许可全部释放后独占执行,完成后重新开放。
// 所有等待都基于 channel 与 context,阻塞的是 goroutine 而非系统线程。
package preempt

import (
	"context"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
)

// Gate 普通/抢占闸门
type Gate struct {
	mu sync.Mutex

	// 正在执行的普通操作数量
	normal int
	// 已登记的抢占操作数量(等待中或执行中),大于0时拒绝新的普通操作
	preempting int
	// 是否有抢占操作正在独占执行
	exclusive bool

	// 状态变化时关闭并替换,用于唤醒等待者
	changed chan struct{}
}

// New 创建闸门
func New() *Gate {
	return &Gate{changed: make(chan struct{})}
}

// Normal 持有共享许可执行 fn
func (g *Gate) Normal(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.enterNormal(ctx); err != nil {
		return err
	}
	defer g.leaveNormal()
	return fn(ctx)
}

// Preempt 独占执行 fn
func (g *Gate) Preempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.enterPreempt(ctx); err != nil {
		return err
	}
	defer g.leavePreempt()
	return fn(ctx)
}

// NumNormal 返回当前持有共享许可的数量
func (g *Gate) NumNormal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.normal
}

// NumPreempting 返回已登记的抢占操作数量
func (g *Gate) NumPreempting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preempting
}

func (g *Gate) enterNormal(ctx context.Context) error {
	g.mu.Lock()
	for g.preempting > 0 {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		g.mu.Lock()
	}
	if g.exclusive {
		g.mu.Unlock()
		panic(fmt.Errorf("%w: 抢占操作执行期间进入了普通操作", models.ErrInvariantViolation))
	}
	g.normal++
	g.mu.Unlock()
	return nil
}

func (g *Gate) leaveNormal() {
	g.mu.Lock()
	g.normal--
	if g.normal < 0 {
		g.mu.Unlock()
		panic(fmt.Errorf("%w: 共享许可计数为负", models.ErrInvariantViolation))
	}
	g.broadcastLocked()
	g.mu.Unlock()
}

func (g *Gate) enterPreempt(ctx context.Context) error {
	g.mu.Lock()
	g.preempting++
	g.broadcastLocked()

	for g.normal > 0 || g.exclusive {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.preempting--
			g.broadcastLocked()
			g.mu.Unlock()
			return ctx.Err()
		case <-ch:
		}
		g.mu.Lock()
	}

	if g.normal != 0 {
		n := g.normal
		g.mu.Unlock()
		panic(fmt.Errorf("%w: 抢占操作开始时仍有%d个共享许可", models.ErrInvariantViolation, n))
	}
	g.exclusive = true
	g.mu.Unlock()
	return nil
}

func (g *Gate) leavePreempt() {
	g.mu.Lock()
	g.exclusive = false
	g.preempting--
	g.broadcastLocked()
	g.mu.Unlock()
}

func (g *Gate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
