package models

import (
	"context"

	"github.com/ysmood/gson"
)

// WebDriver 可控制的浏览器会话
// 所有阻塞操作都接受 context,取消 context 必须使进行中的调用尽快返回
type WebDriver interface {
	// ID 驱动唯一标识
	ID() string

	// Navigate 加载目标URL
	Navigate(ctx context.Context, url string) error

	// Evaluate 在页面中执行表达式并返回结果
	Evaluate(ctx context.Context, expression string) (gson.JSON, error)

	// PageSource 返回当前文档的HTML
	PageSource(ctx context.Context) (string, error)

	// Stop 停止所有进行中的导航与资源加载
	Stop(ctx context.Context) error

	// LoadResource 不经渲染直接加载资源
	LoadResource(ctx context.Context, url string) (*Response, error)

	// SupportJavascript 是否支持页面脚本
	SupportJavascript() bool

	// Close 关闭底层会话
	Close() error
}
