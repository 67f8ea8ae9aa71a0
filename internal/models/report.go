package models

import (
	"encoding/json"
	"time"
)

// FetchReport 批量抓取报告
type FetchReport struct {
	// 批次信息
	BatchID string `json:"batch_id"`

	// 时间信息
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // 秒

	// 统计信息
	Stats BatchStats `json:"stats"`

	// 页面列表
	Pages       []PageReport     `json:"pages"`
	FailedPages []FailedPageInfo `json:"failed_pages"`

	// 隐私上下文, 活动的在前, 其后是最近退役的
	Contexts []ContextReport `json:"contexts"`

	// 指标快照
	Metrics map[string]int64 `json:"metrics,omitempty"`
}

// BatchStats 批次统计
type BatchStats struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
	// Requeued 因 CRAWL_RETRY 重新入队的次数
	Requeued int `json:"requeued"`
}

// PageReport 单个页面的抓取结果
type PageReport struct {
	URL            string    `json:"url"`
	Tag            ResultTag `json:"tag"`
	Status         string    `json:"status"`
	FinalURL       string    `json:"final_url,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	Title          string    `json:"title,omitempty"`
	ContentLength  int       `json:"content_length"`
	Retries        int       `json:"retries"`
	PrivacyRetries int       `json:"privacy_retries"`
	Error          string    `json:"error,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
	Duration       float64   `json:"duration"` // 秒
}

// FailedPageInfo 失败页面信息
type FailedPageInfo struct {
	URL      string    `json:"url"`
	Tag      ResultTag `json:"tag"`
	ErrorMsg string    `json:"error_msg"`
	Retries  int       `json:"retries"`
}

// ContextReport 隐私上下文诊断信息
type ContextReport struct {
	ID                  string    `json:"id"`
	Seq                 int64     `json:"seq"`
	State               string    `json:"state"`
	Proxy               string    `json:"proxy"`
	PrivacyLeakWarnings int64     `json:"privacy_leak_warnings"`
	SuccessCount        int64     `json:"success_count"`
	Throughput          float64   `json:"throughput"`
	CreatedAt           time.Time `json:"created_at"`
}

// Failed 汇总未成功的页面
func (r *FetchReport) Failed() []FailedPageInfo {
	failed := make([]FailedPageInfo, 0)
	for _, p := range r.Pages {
		if p.Tag == TagSuccess {
			continue
		}
		failed = append(failed, FailedPageInfo{
			URL:      p.URL,
			Tag:      p.Tag,
			ErrorMsg: p.Error,
			Retries:  p.Retries,
		})
	}
	return failed
}

// ToJSON 序列化为JSON
func (r *FetchReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON反序列化
func (r *FetchReport) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
