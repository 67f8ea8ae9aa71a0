package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/ysmood/gson"
)

// fakeDriver 不启动浏览器的测试驱动
type fakeDriver struct {
	id     string
	inUse  atomic.Int32
	closed atomic.Bool
	// overlap 记录是否出现过两个操作并发使用同一驱动
	overlap *atomic.Bool
}

func (d *fakeDriver) ID() string { return d.id }

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	if d.inUse.Add(1) > 1 && d.overlap != nil {
		d.overlap.Store(true)
	}
	defer d.inUse.Add(-1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (d *fakeDriver) Evaluate(ctx context.Context, expression string) (gson.JSON, error) {
	return gson.New(true), nil
}

func (d *fakeDriver) PageSource(ctx context.Context) (string, error) { return "<html></html>", nil }
func (d *fakeDriver) Stop(ctx context.Context) error                  { return nil }

func (d *fakeDriver) LoadResource(ctx context.Context, url string) (*models.Response, error) {
	return models.NewResponse(models.StatusSuccess), nil
}

func (d *fakeDriver) SupportJavascript() bool { return true }

func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

// fakeFactory 记录创建次数的测试工厂
type fakeFactory struct {
	created  atomic.Int32
	closed   atomic.Int32
	overlap  atomic.Bool
	failWith error

	mu      sync.Mutex
	drivers []*fakeDriver
}

func (f *fakeFactory) New(ctx context.Context, id models.BrowserInstanceID) (models.WebDriver, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	n := f.created.Add(1)
	d := &fakeDriver{id: fmt.Sprintf("fake-%d", n), overlap: &f.overlap}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) CloseInstance(id models.BrowserInstanceID) error {
	f.closed.Add(1)
	return nil
}
