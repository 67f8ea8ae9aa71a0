package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType 页面生命周期事件
type EventType string

// 事件按以下顺序依次触发
const (
	EventWillNavigate           EventType = "willNavigate"
	EventNavigated              EventType = "navigated"
	EventWillCheckDocumentState EventType = "willCheckDocumentState"
	EventDocumentActuallyReady  EventType = "documentActuallyReady"
	EventWillComputeFeature     EventType = "willComputeFeature"
	EventFeatureComputed        EventType = "featureComputed"
	EventWillStopTab            EventType = "willStopTab"
	EventTabStopped             EventType = "tabStopped"
)

// EventHandler 页面事件处理函数
type EventHandler func(ctx context.Context, page *WebPage, driver WebDriver) error

// EventRegistry 页面级事件注册表
// 同一事件的处理函数按注册顺序调用,处理函数的错误与panic只记录日志
type EventRegistry struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventRegistry 创建事件注册表
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{handlers: make(map[EventType][]EventHandler)}
}

// On 注册事件处理函数
func (r *EventRegistry) On(event EventType, handler EventHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], handler)
}

// Count 返回某事件已注册的处理函数数量
func (r *EventRegistry) Count(event EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Emit 同步触发事件
func (r *EventRegistry) Emit(ctx context.Context, event EventType, page *WebPage, driver WebDriver) {
	if r == nil {
		return
	}
	r.mu.RLock()
	handlers := append([]EventHandler(nil), r.handlers[event]...)
	r.mu.RUnlock()

	for i, h := range handlers {
		if err := invokeHandler(ctx, h, page, driver); err != nil {
			log.Warn().
				Err(err).
				Str("event", string(event)).
				Int("handler", i).
				Str("url", page.URL).
				Msg("页面事件处理失败")
		}
	}
}

func invokeHandler(ctx context.Context, h EventHandler, page *WebPage, driver WebDriver) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("事件处理函数panic: %v", r)
		}
	}()
	return h(ctx, page, driver)
}
