package models

import (
	"fmt"
	"sort"
	"strings"
)

// MajorCode 协议状态主码
type MajorCode int

const (
	MajorNotFetched MajorCode = iota
	MajorSuccess
	MajorFailed
)

func (c MajorCode) String() string {
	switch c {
	case MajorSuccess:
		return "SUCCESS"
	case MajorFailed:
		return "FAILED"
	default:
		return "NOTFETCHED"
	}
}

// 协议状态次码,与HTTP状态码兼容,自定义码从1000开始
const (
	CodeOK              = 200
	CodeMoved           = 301
	CodeTempMoved       = 302
	CodeNotModified     = 304
	CodeBadRequest      = 400
	CodeAccessDenied    = 403
	CodeNotFound        = 404
	CodeGone            = 410
	CodeTooManyRequests = 429
	CodeServerError     = 500
	CodeUnavailable     = 503

	CodeNotFetched       = 1000
	CodeUnknownHost      = 1001
	CodeRequestTimeout   = 1002
	CodeThreadTimeout    = 1003
	CodeDriverTimeout    = 1004
	CodeScriptTimeout    = 1005
	CodeBrowserError     = 1006
	CodeConnectionFailed = 1007
	CodeRetry            = 1601
	CodeCanceled         = 1602
	CodeException        = 1603
)

// 状态参数名
const (
	ArgHTTPCode    = "httpCode"
	ArgURL         = "url"
	ArgRetryScope  = "rsp"
	ArgRetryReason = "rrs"
	ArgError       = "error"
)

// RetryScope 重试范围
type RetryScope string

const (
	// RetryPrivacy 在新的隐私上下文中重试
	RetryPrivacy RetryScope = "PRIVACY"
	// RetryCrawl 交还给抓取调度器稍后重试
	RetryCrawl RetryScope = "CRAWL"
)

// ProtocolStatus 协议状态
type ProtocolStatus struct {
	Major MajorCode         `json:"major"`
	Minor int               `json:"minor"`
	Args  map[string]string `json:"args,omitempty"`
}

var (
	StatusSuccess    = ProtocolStatus{Major: MajorSuccess, Minor: CodeOK}
	StatusNotFetched = ProtocolStatus{Major: MajorNotFetched, Minor: CodeNotFetched}
	StatusCanceled   = ProtocolStatus{Major: MajorFailed, Minor: CodeCanceled}
)

// Retry 创建指定范围的重试状态
func Retry(scope RetryScope, reason string) ProtocolStatus {
	args := map[string]string{ArgRetryScope: string(scope)}
	if reason != "" {
		args[ArgRetryReason] = reason
	}
	return ProtocolStatus{Major: MajorFailed, Minor: CodeRetry, Args: args}
}

// Failed 创建失败状态, args 为 key/value 交替列表
func Failed(minor int, args ...string) ProtocolStatus {
	s := ProtocolStatus{Major: MajorFailed, Minor: minor}
	if len(args) > 1 {
		s.Args = make(map[string]string, len(args)/2)
		for i := 0; i < len(args)-1; i += 2 {
			s.Args[args[i]] = args[i+1]
		}
	}
	return s
}

// FailedWithError 创建异常状态
func FailedWithError(err error) ProtocolStatus {
	if err == nil {
		return Failed(CodeException)
	}
	return Failed(CodeException, ArgError, err.Error())
}

// FromHTTPCode 将HTTP状态码转换为协议状态
func FromHTTPCode(code int) ProtocolStatus {
	switch {
	case code == CodeOK || code == CodeNotModified || (code > 200 && code < 300):
		return StatusSuccess
	case code == CodeTooManyRequests:
		return Retry(RetryPrivacy, "http 429")
	case code == CodeAccessDenied:
		return Retry(RetryPrivacy, "http 403")
	case code == CodeUnavailable:
		return Retry(RetryCrawl, "http 503")
	default:
		return Failed(code, ArgHTTPCode, fmt.Sprint(code))
	}
}

// 浏览器内错误页到状态的映射,未列出的错误视为身份可能被封禁
var browserErrors = []struct {
	token  string
	status func() ProtocolStatus
}{
	{"ERR_NAME_NOT_RESOLVED", func() ProtocolStatus { return Failed(CodeUnknownHost) }},
	{"ERR_TIMED_OUT", func() ProtocolStatus { return Retry(RetryCrawl, "ERR_TIMED_OUT") }},
	{"ERR_CONNECTION_REFUSED", func() ProtocolStatus { return Retry(RetryCrawl, "ERR_CONNECTION_REFUSED") }},
	{"ERR_PROXY", func() ProtocolStatus { return Retry(RetryPrivacy, "ERR_PROXY") }},
	{"ERR_TUNNEL_CONNECTION_FAILED", func() ProtocolStatus { return Retry(RetryPrivacy, "ERR_TUNNEL_CONNECTION_FAILED") }},
	{"ERR_CONNECTION_RESET", func() ProtocolStatus { return Retry(RetryPrivacy, "ERR_CONNECTION_RESET") }},
	{"ERR_CONNECTION_CLOSED", func() ProtocolStatus { return Retry(RetryPrivacy, "ERR_CONNECTION_CLOSED") }},
	{"ERR_EMPTY_RESPONSE", func() ProtocolStatus { return Retry(RetryPrivacy, "ERR_EMPTY_RESPONSE") }},
}

// IsBrowserErrorSignal 判断页面探针返回值是否为浏览器错误页
func IsBrowserErrorSignal(message string) bool {
	return strings.Contains(message, "chrome-error://")
}

// FromBrowserError 将浏览器错误页信号转换为协议状态
func FromBrowserError(message string) ProtocolStatus {
	for _, e := range browserErrors {
		if strings.Contains(message, e.token) {
			s := e.status()
			if s.Args == nil {
				s.Args = map[string]string{}
			}
			s.Args[ArgError] = e.token
			return s
		}
	}
	return Retry(RetryPrivacy, "browser error")
}

func (s ProtocolStatus) IsSuccess() bool    { return s.Major == MajorSuccess }
func (s ProtocolStatus) IsFailed() bool     { return s.Major == MajorFailed }
func (s ProtocolStatus) IsNotFetched() bool { return s.Major == MajorNotFetched }
func (s ProtocolStatus) IsCanceled() bool   { return s.Minor == CodeCanceled }
func (s ProtocolStatus) IsRetry() bool      { return s.Minor == CodeRetry }

// IsRetryScope 判断是否为指定范围的重试,缺省范围为 CRAWL
func (s ProtocolStatus) IsRetryScope(scope RetryScope) bool {
	if s.Minor != CodeRetry {
		return false
	}
	got := s.Args[ArgRetryScope]
	if got == "" {
		got = string(RetryCrawl)
	}
	return got == string(scope)
}

// IsTimeout 判断是否为超时类状态
func (s ProtocolStatus) IsTimeout() bool {
	switch s.Minor {
	case CodeRequestTimeout, CodeThreadTimeout, CodeDriverTimeout, CodeScriptTimeout:
		return true
	}
	return false
}

func (s ProtocolStatus) String() string {
	var b strings.Builder
	b.WriteString(s.Major.String())
	fmt.Fprintf(&b, "(%d)", s.Minor)
	if len(s.Args) > 0 {
		keys := make([]string, 0, len(s.Args))
		for k := range s.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, s.Args[k])
		}
	}
	return b.String()
}
