package models

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ysmood/gson"
)

// WebPage 被抓取的页面
type WebPage struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Href     string `json:"href,omitempty"`
	Referrer string `json:"referrer,omitempty"`

	// IsResource 资源页不需要渲染,直接加载
	IsResource bool `json:"is_resource"`

	// Events 页面级生命周期事件
	Events *EventRegistry `json:"-"`
}

// NewWebPage 创建页面
func NewWebPage(rawURL string) *WebPage {
	return &WebPage{
		ID:     generateID(),
		URL:    rawURL,
		Events: NewEventRegistry(),
	}
}

// Location 返回实际导航的地址,优先使用解析后的href
func (p *WebPage) Location() string {
	if p.Href != "" {
		return p.Href
	}
	return p.URL
}

// FetchTask 抓取任务
type FetchTask struct {
	ID       string
	BatchID  string
	Priority int
	URL      string
	Href     string
	Page     *WebPage

	Fingerprint Fingerprint
	// ProxyEntry 由隐私上下文绑定,绑定前必须为nil
	ProxyEntry *ProxyEntry

	NPrivacyRetries int
	NRetries        int

	CreatedAt time.Time
	canceled  atomic.Bool
	// origin 隐私重试的原始任务, 取消原始任务即取消本次尝试
	origin *FetchTask
}

// NewFetchTask 为页面创建抓取任务
func NewFetchTask(batchID string, priority int, page *WebPage, fp Fingerprint) *FetchTask {
	return &FetchTask{
		ID:              generateID(),
		BatchID:         batchID,
		Priority:        priority,
		URL:             page.URL,
		Href:            page.Href,
		Page:            page,
		Fingerprint:     fp,
		NPrivacyRetries: 1,
		CreatedAt:       time.Now(),
	}
}

// Clone 为新一次尝试复制任务
// 只保留身份字段,代理绑定、计数器与取消标记全部重置
func (t *FetchTask) Clone() *FetchTask {
	return &FetchTask{
		ID:              t.ID,
		BatchID:         t.BatchID,
		Priority:        t.Priority,
		URL:             t.URL,
		Href:            t.Href,
		Page:            t.Page,
		Fingerprint:     t.Fingerprint,
		NPrivacyRetries: 1,
		CreatedAt:       time.Now(),
	}
}

// NewAttempt 为同一次抓取的下一次隐私重试复制任务
// 与 Clone 不同, 保留重试计数并跟随原始任务的取消
func (t *FetchTask) NewAttempt() *FetchTask {
	next := t.Clone()
	next.NRetries = t.NRetries
	next.origin = t
	if t.origin != nil {
		next.origin = t.origin
	}
	return next
}

// Cancel 标记任务为已取消
func (t *FetchTask) Cancel() { t.canceled.Store(true) }

// IsCanceled 任务或其原始任务是否已取消
func (t *FetchTask) IsCanceled() bool {
	return t.canceled.Load() || (t.origin != nil && t.origin.canceled.Load())
}

// Location 返回实际导航的地址
func (t *FetchTask) Location() string {
	if t.Href != "" {
		return t.Href
	}
	return t.URL
}

func (t *FetchTask) String() string {
	return fmt.Sprintf("task#%s %s (privacy retries: %d, retries: %d)",
		shortID(t.ID), t.URL, t.NPrivacyRetries, t.NRetries)
}

// Response 抓取响应
type Response struct {
	Status       ProtocolStatus `json:"status"`
	FinalURL     string         `json:"final_url,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	Headers      http.Header    `json:"headers,omitempty"`
	PageSource   string         `json:"-"`
	FeatureTrace gson.JSON      `json:"-"`
	// Message 页面探针返回的最后一条信息,用于诊断
	Message string `json:"message,omitempty"`
}

// NewResponse 创建只带状态的响应
func NewResponse(status ProtocolStatus) *Response {
	return &Response{Status: status}
}

// ResultTag 抓取结果标签
type ResultTag string

const (
	TagSuccess      ResultTag = "SUCCESS"
	TagPrivacyRetry ResultTag = "PRIVACY_RETRY"
	TagCrawlRetry   ResultTag = "CRAWL_RETRY"
	TagCanceled     ResultTag = "CANCELED"
	TagFailed       ResultTag = "FAILED"
)

// FetchResult 抓取结果,调用方只会看到这五种标签之一
type FetchResult struct {
	Task     *FetchTask
	Response *Response
	Err      error
}

// NewFetchResult 由任务与响应创建结果
func NewFetchResult(task *FetchTask, resp *Response) *FetchResult {
	if resp == nil {
		resp = NewResponse(StatusNotFetched)
	}
	return &FetchResult{Task: task, Response: resp}
}

// SuccessResult 创建成功结果
func SuccessResult(task *FetchTask, resp *Response) *FetchResult {
	if resp == nil {
		resp = NewResponse(StatusSuccess)
	}
	return &FetchResult{Task: task, Response: resp}
}

// PrivacyRetryResult 创建需要更换隐私上下文的重试结果
func PrivacyRetryResult(task *FetchTask, err error) *FetchResult {
	return &FetchResult{Task: task, Response: NewResponse(Retry(RetryPrivacy, reason(err))), Err: err}
}

// CrawlRetryResult 创建交还给调度器的重试结果
func CrawlRetryResult(task *FetchTask, err error) *FetchResult {
	return &FetchResult{Task: task, Response: NewResponse(Retry(RetryCrawl, reason(err))), Err: err}
}

// CanceledResult 创建取消结果
func CanceledResult(task *FetchTask) *FetchResult {
	return &FetchResult{Task: task, Response: NewResponse(StatusCanceled)}
}

// FailedResult 创建失败结果
func FailedResult(task *FetchTask, err error) *FetchResult {
	return &FetchResult{Task: task, Response: NewResponse(FailedWithError(err)), Err: err}
}

// Status 返回结果的协议状态
func (r *FetchResult) Status() ProtocolStatus {
	if r.Response == nil {
		return StatusNotFetched
	}
	return r.Response.Status
}

// Tag 根据协议状态计算结果标签
func (r *FetchResult) Tag() ResultTag {
	s := r.Status()
	switch {
	case s.IsSuccess():
		return TagSuccess
	case s.IsCanceled():
		return TagCanceled
	case s.IsRetryScope(RetryPrivacy):
		return TagPrivacyRetry
	case s.IsRetryScope(RetryCrawl):
		return TagCrawlRetry
	default:
		return TagFailed
	}
}

// IsSuccess 是否成功
func (r *FetchResult) IsSuccess() bool { return r.Tag() == TagSuccess }

func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// generateID 生成唯一ID
func generateID() string {
	return uuid.New().String()
}
