package models

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// BrowserType 浏览器类型
type BrowserType string

const (
	BrowserChrome BrowserType = "chrome"
	// BrowserMock 不执行JavaScript的驱动,仅用于直接加载
	BrowserMock BrowserType = "mock"
)

// Fingerprint 呈现给目标站点的浏览器身份特征
type Fingerprint struct {
	BrowserType    BrowserType `json:"browser_type" mapstructure:"browser_type"`
	UserAgent      string      `json:"user_agent" mapstructure:"user_agent"`
	ViewportWidth  int         `json:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int         `json:"viewport_height" mapstructure:"viewport_height"`
	Locale         string      `json:"locale" mapstructure:"locale"`
	// ProxyClass 代理类别,例如 "direct" / "datacenter" / "residential"
	ProxyClass   string      `json:"proxy_class" mapstructure:"proxy_class"`
	ExtraHeaders http.Header `json:"extra_headers,omitempty" mapstructure:"-"`
}

// IsZero 判断指纹是否未设置
func (f Fingerprint) IsZero() bool {
	return f.BrowserType == "" && f.UserAgent == "" && f.ViewportWidth == 0
}

// Key 返回确定性的指纹标识,相同指纹总是得到相同的Key
func (f Fingerprint) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%dx%d|%s|%s", f.BrowserType, f.UserAgent,
		f.ViewportWidth, f.ViewportHeight, f.Locale, f.ProxyClass)

	names := make([]string, 0, len(f.ExtraHeaders))
	for name := range f.ExtraHeaders {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%s", name, strings.Join(f.ExtraHeaders.Values(name), ","))
	}
	return b.String()
}

// WithHeaders 返回合并了附加请求头的指纹副本
func (f Fingerprint) WithHeaders(h http.Header) Fingerprint {
	if len(h) == 0 {
		return f
	}
	merged := f.ExtraHeaders.Clone()
	if merged == nil {
		merged = make(http.Header, len(h))
	}
	for name, values := range h {
		merged[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	f.ExtraHeaders = merged
	return f
}

// ProxyEntry 代理条目
type ProxyEntry struct {
	Scheme   string `json:"scheme"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"-"`
	Password string `json:"-"`
}

// ParseProxyEntry 解析 scheme://[user:pass@]host:port 形式的代理地址
func ParseProxyEntry(raw string) (*ProxyEntry, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("无效的代理地址: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("不支持的代理协议: %q", u.Scheme)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("代理地址缺少端口: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("代理端口无效: %s", portStr)
	}

	entry := &ProxyEntry{Scheme: u.Scheme, Host: host, Port: port}
	if u.User != nil {
		entry.Username = u.User.Username()
		entry.Password, _ = u.User.Password()
	}
	return entry, nil
}

// HostPort 返回 host:port
func (p *ProxyEntry) HostPort() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL 返回驱动使用的完整代理地址(含凭证)
func (p *ProxyEntry) URL() string {
	u := url.URL{Scheme: p.Scheme, Host: p.HostPort()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// String 返回适合日志输出的地址,不含凭证
func (p *ProxyEntry) String() string {
	if p == nil {
		return "direct"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://***@%s", p.Scheme, p.HostPort())
	}
	return fmt.Sprintf("%s://%s", p.Scheme, p.HostPort())
}

// BrowserInstanceID 浏览器身份标识,决定任务使用哪个驱动池
// 由隐私上下文的profile、指纹与代理确定性地计算得出
type BrowserInstanceID struct {
	Profile     string
	Fingerprint Fingerprint
	Proxy       *ProxyEntry
}

// NewBrowserInstanceID 创建浏览器身份标识
func NewBrowserInstanceID(profile string, fp Fingerprint, proxy *ProxyEntry) BrowserInstanceID {
	return BrowserInstanceID{Profile: profile, Fingerprint: fp, Proxy: proxy}
}

// String 返回身份的确定性键,相同身份映射到同一个驱动池
func (id BrowserInstanceID) String() string {
	proxy := "direct"
	if id.Proxy != nil {
		proxy = id.Proxy.URL()
	}
	return id.Profile + "#" + id.Fingerprint.Key() + "#" + proxy
}

// Display 返回不含代理凭证的简短描述
func (id BrowserInstanceID) Display() string {
	return fmt.Sprintf("%s/%s/%s", id.Profile, id.Fingerprint.BrowserType, id.Proxy)
}
