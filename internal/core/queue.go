package core

import (
	"context"
	"errors"
	"sync"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
)

var (
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("队列已关闭")
	// ErrDuplicateTask URL已入队
	ErrDuplicateTask = errors.New("URL已入队")
)

// TaskQueue 批量抓取任务队列
// 职责: 去重新任务, 接收重新入队的任务, 所有任务完成后自动关闭
type TaskQueue struct {
	pending chan *models.FetchTask

	mu          sync.Mutex
	visited     map[string]bool
	outstanding int
	closed      bool
}

// NewTaskQueue 创建任务队列, capacity 为最多同时存在的任务数
func NewTaskQueue(capacity int) *TaskQueue {
	return &TaskQueue{
		pending: make(chan *models.FetchTask, max(1, capacity)),
		visited: make(map[string]bool),
	}
}

// Push 添加新任务, 相同地址只接受一次
func (q *TaskQueue) Push(task *models.FetchTask) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	location := task.Location()
	if q.visited[location] {
		q.mu.Unlock()
		return ErrDuplicateTask
	}
	q.visited[location] = true
	q.outstanding++
	q.mu.Unlock()

	q.pending <- task
	return nil
}

// Requeue 重新放入一个尚未完成的任务
// 必须在同一任务的 Done 之前调用
func (q *TaskQueue) Requeue(task *models.FetchTask) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.outstanding++
	q.mu.Unlock()

	q.pending <- task
	return nil
}

// Pop 取出下一个任务, 队列关闭或 context 结束时返回 false
func (q *TaskQueue) Pop(ctx context.Context) (*models.FetchTask, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case task, ok := <-q.pending:
		return task, ok
	}
}

// Done 标记一个取出的任务已处理完毕, 最后一个任务完成时关闭队列
func (q *TaskQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	if q.outstanding <= 0 && !q.closed {
		q.closed = true
		close(q.pending)
	}
}

// PendingCount 等待处理的任务数
func (q *TaskQueue) PendingCount() int {
	return len(q.pending)
}

// Outstanding 尚未完成的任务数, 包括正在处理的
func (q *TaskQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Close 关闭队列, 丢弃未处理的任务
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.pending)
	}
}
