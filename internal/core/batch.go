package core

import (
	"context"
	"sync"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// TaskRunner 执行单个抓取任务
type TaskRunner interface {
	FetchTask(ctx context.Context, task *models.FetchTask) *models.FetchResult
}

// BatchFetcher 批量抓取器
type BatchFetcher struct {
	runner          TaskRunner
	workers         int
	maxCrawlRetries int
	batchDelay      time.Duration
	showProgress    bool
}

// BatchSummary 批量抓取摘要
type BatchSummary struct {
	BatchID       string
	TotalURLs     int
	SuccessCount  int
	FailCount     int
	CanceledCount int
	RequeueCount  int
	StartTime     time.Time
	TotalDuration float64
	Results       []models.PageReport
}

// NewBatchFetcher 创建批量抓取器
func NewBatchFetcher(runner TaskRunner, config FetchConfig, showProgress bool) *BatchFetcher {
	return &BatchFetcher{
		runner:          runner,
		workers:         max(1, config.Workers),
		maxCrawlRetries: max(0, config.MaxCrawlRetries),
		batchDelay:      config.BatchDelay,
		showProgress:    showProgress,
	}
}

// batchRun 一次批量抓取的共享状态
type batchRun struct {
	queue   *TaskQueue
	index   map[string]int
	results []models.PageReport
	done    []bool
	starts  []time.Time
	bar     *progressbar.ProgressBar
	summary *BatchSummary
}

// FetchBatch 批量抓取URL列表
// CRAWL_RETRY 结果在 max_crawl_retries 次以内重新入队, 其余结果按输入顺序记录
func (b *BatchFetcher) FetchBatch(ctx context.Context, urls []string) (*BatchSummary, error) {
	utils.Infof("🚀 开始批量抓取: %d个URL, %d个并发", len(urls), b.workers)

	summary := &BatchSummary{
		BatchID:   uuid.New().String(),
		TotalURLs: len(urls),
		StartTime: time.Now(),
	}
	run := &batchRun{
		queue:   NewTaskQueue(len(urls)),
		index:   make(map[string]int, len(urls)),
		results: make([]models.PageReport, len(urls)),
		done:    make([]bool, len(urls)),
		starts:  make([]time.Time, len(urls)),
		summary: summary,
	}
	if b.showProgress {
		run.bar = utils.NewProgressBar(len(urls), "抓取中")
	}

	for i, rawURL := range urls {
		run.results[i] = models.PageReport{URL: rawURL}
		if err := models.ValidateURL(rawURL); err != nil {
			b.finish(run, i, models.FailedResult(nil, err))
			continue
		}
		task := models.NewFetchTask(summary.BatchID, 0, models.NewWebPage(rawURL), models.Fingerprint{})
		if err := run.queue.Push(task); err != nil {
			utils.Warnf("跳过URL %s: %v", rawURL, err)
			b.finish(run, i, models.FailedResult(nil, err))
			continue
		}
		run.index[task.ID] = i
		run.starts[i] = time.Now()
	}
	if run.queue.Outstanding() == 0 {
		run.queue.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for w := 0; w < b.workers; w++ {
		g.Go(func() error {
			b.work(gctx, run, &mu)
			return nil
		})
	}
	err := g.Wait()

	for i := range run.results {
		if !run.done[i] {
			run.results[i].Tag = models.TagCanceled
			run.results[i].Status = models.StatusCanceled.String()
			summary.CanceledCount++
		}
	}
	if run.bar != nil {
		_ = run.bar.Finish()
	}

	summary.Results = run.results
	summary.TotalDuration = time.Since(summary.StartTime).Seconds()
	b.printSummary(summary)
	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}

// work 工作协程: 取任务, 抓取, 重新入队或记录结果
func (b *BatchFetcher) work(ctx context.Context, run *batchRun, mu *sync.Mutex) {
	for {
		task, ok := run.queue.Pop(ctx)
		if !ok {
			return
		}

		result := b.runner.FetchTask(ctx, task)
		i := run.index[task.ID]

		if b.shouldRequeue(ctx, result) {
			next := result.Task.Clone()
			next.NRetries = result.Task.NRetries
			if err := run.queue.Requeue(next); err == nil {
				mu.Lock()
				run.summary.RequeueCount++
				mu.Unlock()
				utils.Debugf("重新入队 (%d/%d): %s", next.NRetries, b.maxCrawlRetries, next.URL)
				run.queue.Done()
				continue
			}
		}

		mu.Lock()
		b.finish(run, i, result)
		mu.Unlock()
		run.queue.Done()

		if b.batchDelay > 0 {
			t := time.NewTimer(b.batchDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// shouldRequeue CRAWL_RETRY 结果在重试次数以内交还队列
func (b *BatchFetcher) shouldRequeue(ctx context.Context, result *models.FetchResult) bool {
	if ctx.Err() != nil || result.Task == nil {
		return false
	}
	return result.Tag() == models.TagCrawlRetry && result.Task.NRetries <= b.maxCrawlRetries
}

// finish 记录第 i 个URL的最终结果, 调用方持有锁
func (b *BatchFetcher) finish(run *batchRun, i int, result *models.FetchResult) {
	page := &run.results[i]
	page.Tag = result.Tag()
	page.Status = result.Status().String()
	page.ProcessedAt = time.Now()
	if !run.starts[i].IsZero() {
		page.Duration = time.Since(run.starts[i]).Seconds()
	}
	if result.Task != nil {
		page.Retries = result.Task.NRetries
		page.PrivacyRetries = result.Task.NPrivacyRetries
	}
	if result.Err != nil {
		page.Error = result.Err.Error()
	}
	if resp := result.Response; resp != nil {
		page.FinalURL = resp.FinalURL
		page.ContentType = resp.ContentType
		page.ContentLength = len(resp.PageSource)
		if page.Title == "" && resp.PageSource != "" {
			page.Title = utils.ExtractTitle(resp.PageSource)
		}
	}

	switch page.Tag {
	case models.TagSuccess:
		run.summary.SuccessCount++
	case models.TagCanceled:
		run.summary.CanceledCount++
	default:
		run.summary.FailCount++
		if page.Error == "" {
			page.Error = page.Status
		}
	}
	run.done[i] = true

	if run.bar != nil {
		_ = run.bar.Add(1)
	}
}

// printSummary 打印批量抓取摘要
func (b *BatchFetcher) printSummary(summary *BatchSummary) {
	utils.Info("==================================================")
	utils.Info("📊 批量抓取摘要")
	utils.Info("==================================================")
	utils.Infof("总URL数: %d", summary.TotalURLs)
	utils.Infof("✅ 成功: %d", summary.SuccessCount)
	utils.Infof("❌ 失败: %d", summary.FailCount)
	utils.Infof("⛔ 取消: %d", summary.CanceledCount)
	utils.Infof("🔁 重新入队: %d", summary.RequeueCount)
	utils.Infof("⏱️  总耗时: %.2f秒", summary.TotalDuration)
	utils.Info("==================================================")

	if summary.FailCount > 0 {
		utils.Warn("失败的URL:")
		for _, result := range summary.Results {
			if result.Tag != models.TagSuccess && result.Tag != models.TagCanceled {
				utils.Warnf("  - %s [%s]: %s", result.URL, result.Tag, result.Error)
			}
		}
	}
}

// Report 由批量摘要生成报告
func (s *BatchSummary) Report(stats Stats) *models.FetchReport {
	report := &models.FetchReport{
		BatchID:   s.BatchID,
		StartTime: s.StartTime,
		EndTime:   s.StartTime.Add(time.Duration(s.TotalDuration * float64(time.Second))),
		Duration:  s.TotalDuration,
		Stats: models.BatchStats{
			Total:    s.TotalURLs,
			Success:  s.SuccessCount,
			Failed:   s.FailCount,
			Canceled: s.CanceledCount,
			Requeued: s.RequeueCount,
		},
		Pages:    s.Results,
		Contexts: stats.Contexts,
		Metrics:  stats.Metrics,
	}
	report.FailedPages = report.Failed()
	return report
}
