package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/ysmood/gson"
)

// State 驱动句柄状态
type State int32

const (
	StateIdle State = iota
	StateWorking
	StateCanceled
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWorking:
		return "WORKING"
	case StateCanceled:
		return "CANCELED"
	case StateRetired:
		return "RETIRED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ManagedDriver 驱动池中的驱动句柄
// 包装底层会话,记录当前工作的URL;Cancel 立即取消本次工作的 context,
// 不等待进行中的网络往返结束
type ManagedDriver struct {
	driver    models.WebDriver
	browserID models.BrowserInstanceID
	createdAt time.Time

	state    atomic.Int32
	numTasks atomic.Int64

	mu         sync.Mutex
	url        string
	cancelWork context.CancelFunc
}

func newManagedDriver(d models.WebDriver, id models.BrowserInstanceID) *ManagedDriver {
	return &ManagedDriver{driver: d, browserID: id, createdAt: time.Now()}
}

// ID 驱动唯一标识
func (d *ManagedDriver) ID() string { return d.driver.ID() }

// BrowserID 所属浏览器身份
func (d *ManagedDriver) BrowserID() models.BrowserInstanceID { return d.browserID }

// State 当前状态
func (d *ManagedDriver) State() State { return State(d.state.Load()) }

// IsWorking 是否正在执行任务
func (d *ManagedDriver) IsWorking() bool { return d.State() == StateWorking }

// IsCanceled 本次工作是否已被取消
func (d *ManagedDriver) IsCanceled() bool { return d.State() == StateCanceled }

// IsRetired 是否已退役
func (d *ManagedDriver) IsRetired() bool { return d.State() == StateRetired }

// NumTasks 已执行的任务数
func (d *ManagedDriver) NumTasks() int64 { return d.numTasks.Load() }

// URL 当前工作的URL
func (d *ManagedDriver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// startWork 标记为工作中并返回本次工作的 context
func (d *ManagedDriver) startWork(ctx context.Context) context.Context {
	workCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelWork = cancel
	d.url = ""
	d.mu.Unlock()
	d.numTasks.Add(1)
	d.state.CompareAndSwap(int32(StateIdle), int32(StateWorking))
	return workCtx
}

// finishWork 结束本次工作,已取消的驱动恢复空闲,已退役的保持退役
func (d *ManagedDriver) finishWork() {
	d.mu.Lock()
	if d.cancelWork != nil {
		d.cancelWork()
		d.cancelWork = nil
	}
	d.url = ""
	d.mu.Unlock()

	d.state.CompareAndSwap(int32(StateWorking), int32(StateIdle))
	d.state.CompareAndSwap(int32(StateCanceled), int32(StateIdle))
}

// Cancel 取消正在进行的工作,只有处于 WORKING 状态时才生效
func (d *ManagedDriver) Cancel() bool {
	if !d.state.CompareAndSwap(int32(StateWorking), int32(StateCanceled)) {
		return false
	}
	d.mu.Lock()
	cancel := d.cancelWork
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Retire 标记为退役,归还时底层会话将被关闭
func (d *ManagedDriver) Retire() {
	d.state.Store(int32(StateRetired))
	d.mu.Lock()
	cancel := d.cancelWork
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *ManagedDriver) setURL(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
}

// checkCanceled 把取消导致的错误统一为 ErrDriverCanceled
func (d *ManagedDriver) checkCanceled(err error) error {
	if d.IsCanceled() {
		if err == nil {
			return models.ErrDriverCanceled
		}
		return fmt.Errorf("%w: %v", models.ErrDriverCanceled, err)
	}
	return err
}

func (d *ManagedDriver) Navigate(ctx context.Context, url string) error {
	d.setURL(url)
	if err := d.checkCanceled(nil); err != nil {
		return err
	}
	return d.checkCanceled(d.driver.Navigate(ctx, url))
}

func (d *ManagedDriver) Evaluate(ctx context.Context, expression string) (gson.JSON, error) {
	if err := d.checkCanceled(nil); err != nil {
		return gson.New(nil), err
	}
	v, err := d.driver.Evaluate(ctx, expression)
	return v, d.checkCanceled(err)
}

func (d *ManagedDriver) PageSource(ctx context.Context) (string, error) {
	if err := d.checkCanceled(nil); err != nil {
		return "", err
	}
	s, err := d.driver.PageSource(ctx)
	return s, d.checkCanceled(err)
}

// Stop 停止加载,取消后仍允许调用以释放页面资源
func (d *ManagedDriver) Stop(ctx context.Context) error {
	return d.driver.Stop(ctx)
}

func (d *ManagedDriver) LoadResource(ctx context.Context, url string) (*models.Response, error) {
	d.setURL(url)
	if err := d.checkCanceled(nil); err != nil {
		return nil, err
	}
	resp, err := d.driver.LoadResource(ctx, url)
	return resp, d.checkCanceled(err)
}

func (d *ManagedDriver) SupportJavascript() bool { return d.driver.SupportJavascript() }

// Close 关闭底层会话
func (d *ManagedDriver) Close() error {
	d.state.Store(int32(StateRetired))
	return d.driver.Close()
}

func (d *ManagedDriver) String() string {
	return fmt.Sprintf("driver#%s[%s]", d.ID(), d.State())
}

var _ models.WebDriver = (*ManagedDriver)(nil)

// LastDocument 返回底层驱动记录的主文档响应,不支持时返回nil
func (d *ManagedDriver) LastDocument() *models.DocumentInfo {
	if r, ok := d.driver.(models.DocumentRecorder); ok {
		return r.LastDocument()
	}
	return nil
}
