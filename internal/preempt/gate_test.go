package preempt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_NormalRunsConcurrently(t *testing.T) {
	g := New()
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Normal(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return g.NumNormal() == 5 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(5), peak.Load())
	assert.Equal(t, 0, g.NumNormal())
}

func TestGate_PreemptDrainsNormal(t *testing.T) {
	g := New()
	inNormal := make(chan struct{})
	releaseNormal := make(chan struct{})
	var normalDone atomic.Bool

	go func() {
		_ = g.Normal(context.Background(), func(ctx context.Context) error {
			close(inNormal)
			<-releaseNormal
			normalDone.Store(true)
			return nil
		})
	}()
	<-inNormal

	preemptDone := make(chan struct{})
	go func() {
		err := g.Preempt(context.Background(), func(ctx context.Context) error {
			assert.True(t, normalDone.Load(), "抢占操作必须等待普通操作结束")
			assert.Equal(t, 0, g.NumNormal())
			return nil
		})
		assert.NoError(t, err)
		close(preemptDone)
	}()

	require.Eventually(t, func() bool { return g.NumPreempting() == 1 }, time.Second, time.Millisecond)

	// 抢占登记后新的普通操作必须等待
	var lateStarted atomic.Bool
	lateDone := make(chan struct{})
	go func() {
		_ = g.Normal(context.Background(), func(ctx context.Context) error {
			lateStarted.Store(true)
			return nil
		})
		close(lateDone)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, lateStarted.Load(), "抢占等待期间不应接纳新的普通操作")

	close(releaseNormal)
	<-preemptDone
	<-lateDone
	assert.True(t, lateStarted.Load())
}

func TestGate_NormalHonorsContext(t *testing.T) {
	g := New()
	hold := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_ = g.Preempt(context.Background(), func(ctx context.Context) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Normal(ctx, func(ctx context.Context) error {
		t.Error("不应执行")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestGate_PreemptCancelReopens(t *testing.T) {
	g := New()
	inNormal := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.Normal(context.Background(), func(ctx context.Context) error {
			close(inNormal)
			<-release
			return nil
		})
	}()
	<-inNormal

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Preempt(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.NumPreempting())

	// 放弃抢占后普通操作可以再次进入
	err = g.Normal(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	close(release)
}

func TestGate_PreemptsAreSerialized(t *testing.T) {
	g := New()
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Preempt(context.Background(), func(ctx context.Context) error {
				assert.Equal(t, int32(1), inside.Add(1))
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, g.NumPreempting())
}
