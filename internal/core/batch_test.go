package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner 按URL关键字返回结果, 不启动浏览器
type scriptedRunner struct {
	mu    sync.Mutex
	calls map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{calls: make(map[string]int)}
}

func (r *scriptedRunner) FetchTask(ctx context.Context, task *models.FetchTask) *models.FetchResult {
	r.mu.Lock()
	r.calls[task.URL]++
	n := r.calls[task.URL]
	r.mu.Unlock()

	if ctx.Err() != nil {
		return models.CanceledResult(task)
	}
	switch {
	case strings.Contains(task.URL, "flaky") && n == 1:
		task.NRetries++
		return models.CrawlRetryResult(task, errors.New("暂时失败"))
	case strings.Contains(task.URL, "retry"):
		task.NRetries++
		return models.CrawlRetryResult(task, errors.New("总是失败"))
	case strings.Contains(task.URL, "404"):
		return models.NewFetchResult(task, models.NewResponse(models.FromHTTPCode(404)))
	}
	resp := models.NewResponse(models.StatusSuccess)
	resp.PageSource = "<title>" + task.URL + "</title>"
	return models.SuccessResult(task, resp)
}

func (r *scriptedRunner) callsOf(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[url]
}

func TestBatchFetcher_FetchBatch(t *testing.T) {
	runner := newScriptedRunner()
	b := NewBatchFetcher(runner, FetchConfig{Workers: 3, MaxCrawlRetries: 2}, false)

	urls := []string{
		"https://example.com/a",
		"https://example.com/flaky",
		"https://example.com/retry",
		"not-a-url",
		"https://example.com/a",
		"https://example.com/404",
	}
	summary, err := b.FetchBatch(context.Background(), urls)
	require.NoError(t, err)

	require.Len(t, summary.Results, len(urls))
	for i, url := range urls {
		assert.Equal(t, url, summary.Results[i].URL, "结果保持输入顺序")
	}

	tests := []struct {
		name    string
		index   int
		tag     models.ResultTag
		retries int
	}{
		{"成功", 0, models.TagSuccess, 0},
		{"重试一次后成功", 1, models.TagSuccess, 1},
		{"重试耗尽", 2, models.TagCrawlRetry, 3},
		{"无效URL", 3, models.TagFailed, 0},
		{"重复URL", 4, models.TagFailed, 0},
		{"HTTP 404", 5, models.TagFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summary.Results[tt.index]
			assert.Equal(t, tt.tag, got.Tag)
			assert.Equal(t, tt.retries, got.Retries)
		})
	}

	assert.Equal(t, "https://example.com/a", summary.Results[0].Title)
	assert.Equal(t, 1, runner.callsOf("https://example.com/a"), "重复URL只抓取一次")
	assert.Equal(t, 3, runner.callsOf("https://example.com/retry"), "CRAWL_RETRY 最多重新入队 max_crawl_retries 次")
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 4, summary.FailCount)
	assert.Equal(t, 3, summary.RequeueCount)
	assert.NotEmpty(t, summary.BatchID)
}

func TestBatchFetcher_NoRetries(t *testing.T) {
	runner := newScriptedRunner()
	b := NewBatchFetcher(runner, FetchConfig{Workers: 1, MaxCrawlRetries: 0}, false)

	summary, err := b.FetchBatch(context.Background(), []string{"https://example.com/retry"})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.callsOf("https://example.com/retry"))
	assert.Equal(t, models.TagCrawlRetry, summary.Results[0].Tag)
	assert.Equal(t, 0, summary.RequeueCount)
}

func TestBatchFetcher_AllInvalid(t *testing.T) {
	b := NewBatchFetcher(newScriptedRunner(), FetchConfig{Workers: 2}, false)

	summary, err := b.FetchBatch(context.Background(), []string{"bad", "also bad"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.FailCount)
}

func TestBatchFetcher_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatchFetcher(newScriptedRunner(), FetchConfig{Workers: 2}, false)
	summary, err := b.FetchBatch(ctx, []string{"https://example.com/a", "https://example.com/b"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.CanceledCount)
	for _, r := range summary.Results {
		assert.Equal(t, models.TagCanceled, r.Tag)
	}
}

func TestBatchFetcher_WithFetcher(t *testing.T) {
	f, factory := newTestFetcher(t, newTestConfig())
	b := NewBatchFetcher(f, f.config.Fetch, false)

	urls := []string{
		"https://example.com/one",
		"https://example.com/two",
		"https://example.com/" + behaviorTransport,
	}
	summary, err := b.FetchBatch(context.Background(), urls)
	require.NoError(t, err)

	assert.Equal(t, models.TagSuccess, summary.Results[0].Tag)
	assert.Equal(t, "page https://example.com/one", summary.Results[0].Title)
	assert.Equal(t, models.TagSuccess, summary.Results[1].Tag)
	assert.Equal(t, models.TagCrawlRetry, summary.Results[2].Tag)
	assert.Equal(t, 2, summary.Results[2].Retries)
	assert.Equal(t, 2, factory.visitsOf(urls[2]), "通信错误交还队列重试一次")

	report := summary.Report(f.Stats())
	assert.Equal(t, 3, report.Stats.Total)
	assert.Equal(t, 2, report.Stats.Success)
	assert.Equal(t, 1, report.Stats.Requeued)
	require.Len(t, report.FailedPages, 1)
	assert.Equal(t, urls[2], report.FailedPages[0].URL)
	assert.NotEmpty(t, report.Contexts)
}

func TestTaskQueue(t *testing.T) {
	q := NewTaskQueue(2)
	a := models.NewFetchTask("", 0, models.NewWebPage("https://example.com/a"), models.Fingerprint{})
	dup := models.NewFetchTask("", 0, models.NewWebPage("https://example.com/a"), models.Fingerprint{})

	require.NoError(t, q.Push(a))
	assert.ErrorIs(t, q.Push(dup), ErrDuplicateTask)
	assert.Equal(t, 1, q.PendingCount())

	ctx := context.Background()
	got, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Same(t, a, got)

	// 重新入队后队列不会关闭
	require.NoError(t, q.Requeue(a.Clone()))
	q.Done()
	assert.Equal(t, 1, q.Outstanding())

	_, ok = q.Pop(ctx)
	require.True(t, ok)
	q.Done()

	_, ok = q.Pop(ctx)
	assert.False(t, ok, "所有任务完成后队列关闭")
	assert.ErrorIs(t, q.Push(a), ErrQueueClosed)
	assert.ErrorIs(t, q.Requeue(a), ErrQueueClosed)
	q.Close()
}
