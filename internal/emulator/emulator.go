// Package emulator 交互式浏览器模拟
//
// 对单个任务执行 导航 -> 等待文档就绪 -> 滚动 -> 计算页面特征 -> 停止 的状态机,
// 每个阶段边界检查取消标记, 并把驱动异常分类为 CANCELED / PRIVACY_RETRY / CRAWL_RETRY。
package emulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/driver"
	"github.com/RecoveryAshes/stealthfetch/internal/metrics"
	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"github.com/ysmood/gson"
)

// Driver 模拟器使用的驱动
type Driver interface {
	models.WebDriver
	// Retire 标记会话不可再用
	Retire()
	IsCanceled() bool
}

// Canceler 按URL取消正在工作的驱动
type Canceler interface {
	Cancel(url string) *driver.ManagedDriver
}

// Config 交互配置
type Config struct {
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
	ReadyRounds    int           `mapstructure:"ready_rounds"`
	InitialScroll  int           `mapstructure:"initial_scroll"`
	ScrollCount    int           `mapstructure:"scroll_count"`
	ScrollInterval time.Duration `mapstructure:"scroll_interval"`
}

// DefaultConfig 默认交互配置
func DefaultConfig() Config {
	return Config{
		ReadyInterval:  time.Second,
		ReadyRounds:    60,
		InitialScroll:  5,
		ScrollCount:    3,
		ScrollInterval: 500 * time.Millisecond,
	}
}

// scrollPositions 滚动到页面中部的比例序列
var scrollPositions = []float64{0.2, 0.3, 0.5, 0.75, 0.5, 0.4}

// Emulator 交互式浏览器模拟器
type Emulator struct {
	config   Config
	canceler Canceler
	sink     metrics.Sink
	events   *models.EventRegistry
	jitter   func(n int) int
	closed   atomic.Bool
}

// New 创建模拟器
func New(config Config, canceler Canceler, sink metrics.Sink) *Emulator {
	defaults := DefaultConfig()
	if config.ReadyInterval <= 0 {
		config.ReadyInterval = defaults.ReadyInterval
	}
	if config.ReadyRounds <= 0 {
		config.ReadyRounds = defaults.ReadyRounds
	}
	if config.ScrollCount < 0 {
		config.ScrollCount = 0
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Emulator{
		config:   config,
		canceler: canceler,
		sink:     sink,
		events:   models.NewEventRegistry(),
		jitter:   rand.IntN,
	}
}

// Events 对所有页面生效的事件注册表, 先于页面级处理函数调用
func (e *Emulator) Events() *models.EventRegistry { return e.events }

// navigation 单个任务的导航过程
type navigation struct {
	task    *models.FetchTask
	driver  Driver
	state   NavState
	flow    flowState
	status  models.ProtocolStatus
	message string
	trace   gson.JSON
}

// Fetch 用驱动抓取任务, 总是返回结果
func (e *Emulator) Fetch(ctx context.Context, task *models.FetchTask, d Driver) (result *models.FetchResult) {
	if e.closed.Load() {
		return models.CanceledResult(task)
	}

	nav := &navigation{task: task, driver: d, state: StateInit, status: models.StatusSuccess}
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("%s 抓取时发生panic: %v", task, r)
			result = e.classify(nav, fmt.Errorf("%w: panic: %v", models.ErrDriverTransport, r))
		}
	}()

	resp, err := e.browse(ctx, nav)
	if err != nil {
		return e.classify(nav, err)
	}
	nav.state = StateDone
	return models.NewFetchResult(task, resp)
}

func (e *Emulator) browse(ctx context.Context, nav *navigation) (*models.Response, error) {
	if err := e.checkState(ctx, nav); err != nil {
		return nil, err
	}
	if nav.task.Page != nil && nav.task.Page.IsResource {
		return e.loadResource(ctx, nav)
	}

	if err := e.navigate(ctx, nav); err != nil {
		return nil, err
	}
	if nav.driver.SupportJavascript() {
		if err := e.interact(ctx, nav); err != nil {
			return nil, err
		}
	}

	resp, err := e.createResponse(ctx, nav)
	if err != nil {
		return nil, err
	}
	if err := e.stop(ctx, nav); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkState 阶段边界的取消检查
func (e *Emulator) checkState(ctx context.Context, nav *navigation) error {
	switch {
	case nav.task.IsCanceled():
		return fmt.Errorf("%w: %s", models.ErrTaskCanceled, nav.task.URL)
	case e.closed.Load():
		return fmt.Errorf("%w: 模拟器已关闭", models.ErrTaskCanceled)
	case nav.driver.IsCanceled():
		return fmt.Errorf("%w: %s", models.ErrDriverCanceled, nav.driver.ID())
	}
	return ctx.Err()
}

func (e *Emulator) emit(ctx context.Context, event models.EventType, nav *navigation) {
	page := nav.task.Page
	if page == nil {
		return
	}
	e.events.Emit(ctx, event, page, nav.driver)
	page.Events.Emit(ctx, event, page, nav.driver)
}

func (e *Emulator) loadResource(ctx context.Context, nav *navigation) (*models.Response, error) {
	resp, err := nav.driver.LoadResource(ctx, nav.task.Location())
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return models.NewResponse(models.FailedWithError(fmt.Errorf("%w: 空响应", models.ErrSessionLost))), nil
	}
	return resp, nil
}

func (e *Emulator) navigate(ctx context.Context, nav *navigation) error {
	nav.state = StateNavigating
	e.sink.Count(metrics.Navigations, 1)
	utils.Debugf("导航 %s (驱动 %s)", nav.task.Location(), nav.driver.ID())

	e.emit(ctx, models.EventWillNavigate, nav)
	if err := e.checkState(ctx, nav); err != nil {
		return err
	}
	defer e.emit(ctx, models.EventNavigated, nav)
	return nav.driver.Navigate(ctx, nav.task.Location())
}

func (e *Emulator) interact(ctx context.Context, nav *navigation) error {
	if err := e.checkState(ctx, nav); err != nil {
		return err
	}

	e.emit(ctx, models.EventWillCheckDocumentState, nav)
	if err := e.waitForDocumentReady(ctx, nav); err != nil {
		return err
	}
	if nav.status.IsSuccess() {
		e.emit(ctx, models.EventDocumentActuallyReady, nav)
	}

	if nav.flow == flowContinue {
		if err := e.scroll(ctx, nav); err != nil {
			return err
		}
	}

	if nav.flow == flowContinue {
		e.emit(ctx, models.EventWillComputeFeature, nav)
		if err := e.computeFeatures(ctx, nav); err != nil {
			return err
		}
		e.emit(ctx, models.EventFeatureComputed, nav)
	}
	return nil
}

// waitForDocumentReady 轮询就绪探针
// 轮数耗尽仍未就绪视为可能被拦截, 返回隐私范围的重试
func (e *Emulator) waitForDocumentReady(ctx context.Context, nav *navigation) error {
	nav.state = StateWaitDocumentReady
	expr := waitForReadyExpr(e.config.InitialScroll)

	var msg any
	round := 0
	for round < e.config.ReadyRounds {
		if err := e.checkState(ctx, nav); err != nil {
			return err
		}
		round++

		v, err := nav.driver.Evaluate(ctx, expr)
		if err != nil {
			return err
		}
		msg = v.Val()
		if isReady(msg) {
			break
		}
		if err := sleep(ctx, e.config.ReadyInterval); err != nil {
			return err
		}
	}

	if !isReady(msg) {
		if err := e.checkState(ctx, nav); err != nil {
			return err
		}
		utils.Warnf("等待文档就绪超时(%d 轮), 将更换隐私上下文重试 | %s", round, nav.task.URL)
		nav.status = models.Retry(models.RetryPrivacy, "document not ready")
		nav.flow = flowBreak
		return nil
	}

	if s, ok := msg.(string); ok {
		nav.message = s
		if models.IsBrowserErrorSignal(s) {
			nav.status = models.FromBrowserError(s)
			nav.flow = flowBreak
			utils.Infof("浏览器错误页 %s | %s", s, nav.task.URL)
		}
	}
	return nil
}

// isReady 探针返回nil或false表示尚未就绪
func isReady(msg any) bool {
	if msg == nil {
		return false
	}
	if b, ok := msg.(bool); ok {
		return b
	}
	return true
}

func (e *Emulator) scroll(ctx context.Context, nav *navigation) error {
	nav.state = StateScrolling

	count := max(1, e.config.ScrollCount+e.jitter(3)-1)
	exprs := make([]string, 0, len(scrollPositions)+count)
	for _, ratio := range scrollPositions {
		exprs = append(exprs, scrollToMiddleExpr(ratio))
	}
	for i := 0; i < count; i++ {
		exprs = append(exprs, scrollDownExpr)
	}

	for _, expr := range exprs {
		if err := e.checkState(ctx, nav); err != nil {
			return err
		}
		if _, err := nav.driver.Evaluate(ctx, expr); err != nil {
			return err
		}
		if err := sleep(ctx, e.config.ScrollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) computeFeatures(ctx context.Context, nav *navigation) error {
	nav.state = StateComputingFeatures
	if err := e.checkState(ctx, nav); err != nil {
		return err
	}

	v, err := nav.driver.Evaluate(ctx, computeExpr)
	if err != nil {
		return err
	}
	switch msg := v.Val().(type) {
	case string:
		nav.trace = gson.NewFrom(msg)
	case nil:
	default:
		nav.trace = v
	}
	return nil
}

func (e *Emulator) createResponse(ctx context.Context, nav *navigation) (*models.Response, error) {
	if err := e.checkState(ctx, nav); err != nil {
		return nil, err
	}

	source, err := nav.driver.PageSource(ctx)
	if err != nil {
		return nil, err
	}
	resp := &models.Response{
		Status:       nav.status,
		FinalURL:     nav.task.Location(),
		PageSource:   source,
		FeatureTrace: nav.trace,
		Message:      nav.message,
	}

	if rec, ok := nav.driver.(models.DocumentRecorder); ok {
		if doc := rec.LastDocument(); doc != nil {
			resp.FinalURL = doc.URL
			resp.ContentType = doc.ContentType
			resp.Headers = doc.Headers
			if resp.Status.IsSuccess() && doc.StatusCode > 0 {
				resp.Status = models.FromHTTPCode(doc.StatusCode)
			}
		}
	}
	return resp, nil
}

func (e *Emulator) stop(ctx context.Context, nav *navigation) error {
	nav.state = StateStopping
	e.emit(ctx, models.EventWillStopTab, nav)
	if err := nav.driver.Stop(ctx); err != nil {
		return err
	}
	e.emit(ctx, models.EventTabStopped, nav)
	return nil
}

// classify 把阶段错误转换为抓取结果, 必要时退役驱动
func (e *Emulator) classify(nav *navigation, err error) *models.FetchResult {
	task := nav.task
	at := nav.state
	switch {
	case task.IsCanceled() || nav.driver.IsCanceled() || models.IsCancellation(err):
		nav.state = StateCanceled
		utils.Debugf("%s 在 %s 阶段被取消", task, at)
		return models.CanceledResult(task)

	case errors.Is(err, models.ErrSessionLost):
		utils.Warnf("驱动 %s 会话丢失 | %v", nav.driver.ID(), err)
		nav.driver.Retire()
		nav.state = StateRetry
		return models.PrivacyRetryResult(task, err)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, models.ErrOperationTimeout):
		utils.Warnf("[超时] %s 在 %s 阶段被中断 | %v", task, at, err)
		nav.state = StateRetry
		return models.CrawlRetryResult(task, err)

	case errors.Is(err, models.ErrDriverTransport):
		if strings.Contains(err.Error(), "connection refused") {
			utils.Warnf("驱动已断开 | %v", err)
		} else {
			utils.Warnf("[意外] 驱动通信错误 | %v", err)
		}
		nav.driver.Retire()
		nav.state = StateRetry
		return models.CrawlRetryResult(task, err)

	default:
		utils.Warnf("[意外] %s | %v", task, err)
		nav.state = StateRetry
		return models.CrawlRetryResult(task, err)
	}
}

// Cancel 取消任务并立即中断正在处理它的驱动
func (e *Emulator) Cancel(task *models.FetchTask) {
	e.sink.Count(metrics.Cancels, 1)
	task.Cancel()
	if e.canceler != nil {
		e.canceler.Cancel(task.Location())
	}
}

// Close 关闭模拟器, 之后的抓取都返回 CANCELED
func (e *Emulator) Close() {
	e.closed.Store(true)
}

// sleep 可被 context 打断的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
