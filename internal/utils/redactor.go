package utils

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var (
	// SensitiveKeywords 敏感请求头名称关键字
	SensitiveKeywords = []string{
		"authorization",
		"cookie",
		"token",
		"key",
		"secret",
		"password",
		"credential",
	}
)

// Redactor 日志脱敏器
// 脱敏附加请求头与代理地址中的凭据
type Redactor struct {
	sensitiveKeywords []string
}

// NewRedactor 创建脱敏器
func NewRedactor() *Redactor {
	return &Redactor{sensitiveKeywords: SensitiveKeywords}
}

// IsSensitiveHeader 按名称关键字判断是否敏感
func (r *Redactor) IsSensitiveHeader(name string) bool {
	nameLower := strings.ToLower(name)
	for _, keyword := range r.sensitiveKeywords {
		if strings.Contains(nameLower, keyword) {
			return true
		}
	}
	return false
}

// RedactHeaderValue 脱敏单个请求头值
func (r *Redactor) RedactHeaderValue(name, value string) string {
	if !r.IsSensitiveHeader(name) {
		return value
	}
	if strings.HasPrefix(value, "Bearer ") {
		return "Bearer ***"
	}
	if len(value) > 8 {
		return value[:4] + "***" + value[len(value)-4:]
	}
	return "***"
}

// RedactHeaders 脱敏请求头并格式化为 "Name: value" 列表, 按名称排序
func (r *Redactor) RedactHeaders(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+r.RedactHeaderValue(name, headers.Get(name)))
	}
	return strings.Join(parts, ", ")
}

// RedactURL 隐藏URL中的密码, 无法解析时整体隐藏
func (r *Redactor) RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}
	return u.String()
}
