package privacy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/driver"
	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"github.com/google/uuid"
)

// State 隐私上下文状态
type State int32

const (
	StateActive State = iota
	StateLeaked
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateLeaked:
		return "LEAKED"
	case StateRetired:
		return "RETIRED"
	default:
		return "UNKNOWN"
	}
}

// FetchFunc 在驱动上执行一次抓取
type FetchFunc func(ctx context.Context, task *models.FetchTask, d *driver.ManagedDriver) *models.FetchResult

// PrivacyContext 一个轮换的浏览身份: 驱动池 + 代理 + 指纹
type PrivacyContext struct {
	id          string
	seq         int64
	createdAt   time.Time
	fingerprint models.Fingerprint
	proxy       *models.ProxyEntry
	browserID   models.BrowserInstanceID
	threshold   int64
	timeToWait  time.Duration
	drivers     *driver.Manager

	warnings  atomic.Int64
	successes atomic.Int64
	state     atomic.Int32
	retiredAt atomic.Int64
}

func newPrivacyContext(seq int64, fp models.Fingerprint, proxy *models.ProxyEntry, drivers *driver.Manager, config Config) *PrivacyContext {
	id := uuid.New().String()
	profile := fmt.Sprintf("ctx-%d-%s", seq, id[:8])
	threshold := int64(config.LeakWarningThreshold)
	if threshold < 1 {
		threshold = 1
	}
	return &PrivacyContext{
		id:          id,
		seq:         seq,
		createdAt:   time.Now(),
		fingerprint: fp,
		proxy:       proxy,
		browserID:   models.NewBrowserInstanceID(profile, fp, proxy),
		threshold:   threshold,
		timeToWait:  config.CloseTimeToWait,
		drivers:     drivers,
	}
}

func (c *PrivacyContext) ID() string                          { return c.id }
func (c *PrivacyContext) Seq() int64                          { return c.seq }
func (c *PrivacyContext) BrowserID() models.BrowserInstanceID { return c.browserID }
func (c *PrivacyContext) Proxy() *models.ProxyEntry           { return c.proxy }
func (c *PrivacyContext) Fingerprint() models.Fingerprint     { return c.fingerprint }
func (c *PrivacyContext) State() State                        { return State(c.state.Load()) }
func (c *PrivacyContext) IsActive() bool                      { return c.State() == StateActive }
func (c *PrivacyContext) IsRetired() bool                     { return c.State() == StateRetired }
func (c *PrivacyContext) PrivacyLeakWarnings() int64          { return c.warnings.Load() }
func (c *PrivacyContext) SuccessCount() int64                 { return c.successes.Load() }

// IsLeaked 告警数达到阈值或驱动池已失效即视为泄露
func (c *PrivacyContext) IsLeaked() bool {
	return c.warnings.Load() >= c.threshold || c.State() == StateLeaked
}

// IsGood 上下文在退役前至少成功过一次
func (c *PrivacyContext) IsGood() bool {
	return c.successes.Load() > 0
}

// MarkWarning 记录一次隐私泄露告警
// 只改变状态, 是否退役由 Manager 决定
func (c *PrivacyContext) MarkWarning() {
	if c.warnings.Add(1) >= c.threshold {
		c.state.CompareAndSwap(int32(StateActive), int32(StateLeaked))
	}
}

// MarkSuccess 记录一次成功抓取
func (c *PrivacyContext) MarkSuccess() {
	c.successes.Add(1)
}

// Throughput 每秒成功数, 退役后以退役时间为准
func (c *PrivacyContext) Throughput() float64 {
	end := time.Now()
	if ns := c.retiredAt.Load(); ns > 0 {
		end = time.Unix(0, ns)
	}
	elapsed := end.Sub(c.createdAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.successes.Load()) / elapsed
}

// Run 在本上下文的驱动池中执行抓取并记录结果
func (c *PrivacyContext) Run(ctx context.Context, task *models.FetchTask, fetch FetchFunc) *models.FetchResult {
	if task.ProxyEntry != nil {
		panic(fmt.Errorf("%w: 任务 %s 在绑定隐私上下文前已有代理", models.ErrInvariantViolation, task))
	}
	task.ProxyEntry = c.proxy
	task.Fingerprint = c.fingerprint

	var result *models.FetchResult
	err := c.drivers.Run(ctx, c.browserID, task.Priority, func(ctx context.Context, d *driver.ManagedDriver) error {
		result = fetch(ctx, task, d)
		return nil
	})
	if err != nil {
		result = c.resultOf(task, err)
	}
	if result == nil {
		result = models.CrawlRetryResult(task, errors.New("抓取函数未返回结果"))
	}

	c.record(result)
	return result
}

// resultOf 将驱动层错误转换为抓取结果
func (c *PrivacyContext) resultOf(task *models.FetchTask, err error) *models.FetchResult {
	switch {
	case task.IsCanceled() || models.IsCancellation(err):
		return models.CanceledResult(task)
	case errors.Is(err, models.ErrPoolRetired):
		// 驱动池不会恢复, 标记泄露让下一个任务换新上下文
		if c.state.CompareAndSwap(int32(StateActive), int32(StateLeaked)) {
			utils.Warnf("上下文 #%d 的驱动池已退役, 标记为泄露", c.seq)
		}
		return models.CrawlRetryResult(task, err)
	case errors.Is(err, models.ErrSessionLost):
		return models.PrivacyRetryResult(task, err)
	default:
		// 超时、驱动创建失败、调用方取消等都交还给调度器
		return models.CrawlRetryResult(task, err)
	}
}

func (c *PrivacyContext) record(result *models.FetchResult) {
	if c.IsRetired() {
		utils.Debugf("上下文 #%d 已退役, 不记录结果 %s", c.seq, result.Status())
		return
	}
	switch result.Tag() {
	case models.TagPrivacyRetry:
		c.MarkWarning()
		utils.Infof("隐私泄露告警 %d/#%d", c.warnings.Load(), c.seq)
	case models.TagSuccess:
		c.MarkSuccess()
	}
}

// Retire 退役上下文并关闭其驱动池
func (c *PrivacyContext) Retire(ctx context.Context) error {
	if c.state.Swap(int32(StateRetired)) == int32(StateRetired) {
		return nil
	}
	c.retiredAt.Store(time.Now().UnixNano())
	return c.drivers.CloseDriverPool(ctx, c.browserID, c.timeToWait)
}

// Report 上下文诊断信息
type Report = models.ContextReport

// Report 返回上下文诊断信息
func (c *PrivacyContext) Report() Report {
	return Report{
		ID:                  c.id,
		Seq:                 c.seq,
		State:               c.State().String(),
		Proxy:               c.proxy.String(),
		PrivacyLeakWarnings: c.warnings.Load(),
		SuccessCount:        c.successes.Load(),
		Throughput:          c.Throughput(),
		CreatedAt:           c.createdAt,
	}
}

func (c *PrivacyContext) String() string {
	return fmt.Sprintf("#%d(%s, 告警 %d, 成功 %d)", c.seq, c.State(), c.warnings.Load(), c.successes.Load())
}
