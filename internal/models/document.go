package models

import "net/http"

// DocumentInfo 主文档的HTTP响应信息
type DocumentInfo struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
}

// DocumentRecorder 可记录主文档响应的驱动
type DocumentRecorder interface {
	LastDocument() *DocumentInfo
}
