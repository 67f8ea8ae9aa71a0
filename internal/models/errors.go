package models

import "errors"

// 抓取核心的错误分类
// 取消和超时在编排层被转换为 CANCELED / CRAWL_RETRY,不会传播给调用方
var (
	ErrTaskCanceled       = errors.New("任务已取消")
	ErrDriverCanceled     = errors.New("驱动已取消")
	ErrSessionLost        = errors.New("浏览器会话丢失")
	ErrDriverTransport    = errors.New("驱动通信错误")
	ErrOperationTimeout   = errors.New("操作超时")
	ErrPoolRetired        = errors.New("驱动池已退役")
	ErrDriverCreation     = errors.New("创建驱动失败")
	ErrInvariantViolation = errors.New("同步不变量被破坏")
)

// IsCancellation 判断错误是否属于任务或驱动级取消
func IsCancellation(err error) bool {
	return errors.Is(err, ErrTaskCanceled) || errors.Is(err, ErrDriverCanceled)
}
