package utils

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const (
	// MaxHeaderValueLength 请求头值最大长度 (8KB)
	MaxHeaderValueLength = 8192
)

var (
	// ErrInvalidHeader 请求头不合法
	ErrInvalidHeader = errors.New("请求头不合法")

	// ForbiddenHeaders 由浏览器或指纹管理的请求头, 不允许附加
	ForbiddenHeaders = []string{
		"Host",
		"Content-Length",
		"Transfer-Encoding",
		"Connection",
		"Proxy-Authorization",
		"Accept-Language",
	}
)

// HeaderValidator 校验附加到指纹上的请求头
type HeaderValidator struct {
	nameRegex        *regexp.Regexp
	valueRegex       *regexp.Regexp
	maxValueLength   int
	forbiddenHeaders map[string]bool
}

// NewHeaderValidator 创建验证器
func NewHeaderValidator() *HeaderValidator {
	forbidden := make(map[string]bool, len(ForbiddenHeaders))
	for _, h := range ForbiddenHeaders {
		forbidden[strings.ToLower(h)] = true
	}
	return &HeaderValidator{
		nameRegex:        regexp.MustCompile(`^[A-Za-z0-9-]+$`),
		valueRegex:       regexp.MustCompile(`^[\x20-\x7E\t]*$`),
		maxValueLength:   MaxHeaderValueLength,
		forbiddenHeaders: forbidden,
	}
}

// IsForbidden 请求头是否禁止附加
func (hv *HeaderValidator) IsForbidden(name string) bool {
	return hv.forbiddenHeaders[strings.ToLower(name)]
}

// ValidateHeader 校验单个请求头
func (hv *HeaderValidator) ValidateHeader(name, value string) error {
	switch {
	case hv.IsForbidden(name):
		return fmt.Errorf("%w: %s 由浏览器管理, 不允许自定义", ErrInvalidHeader, name)
	case name == "":
		return fmt.Errorf("%w: 名称不能为空", ErrInvalidHeader)
	case !hv.nameRegex.MatchString(name):
		return fmt.Errorf("%w: %s 名称包含非法字符 (仅允许字母、数字和连字符)", ErrInvalidHeader, name)
	case len(value) > hv.maxValueLength:
		return fmt.Errorf("%w: %s 值过长: %d 字节 (最大 %d)", ErrInvalidHeader, name, len(value), hv.maxValueLength)
	case !hv.valueRegex.MatchString(value):
		return fmt.Errorf("%w: %s 值包含非法字符 (仅允许可打印ASCII字符)", ErrInvalidHeader, name)
	}
	return nil
}

// Validate 校验全部请求头, 返回第一个错误
func (hv *HeaderValidator) Validate(headers http.Header) error {
	for name, values := range headers {
		for _, value := range values {
			if err := hv.ValidateHeader(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}
