package driver

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
)

// ResourceLoader 资源页加载器
// 资源页(脚本、图片、JSON等)不需要渲染,直接通过HTTP加载
type ResourceLoader struct {
	timeout time.Duration
}

// NewResourceLoader 创建资源加载器
func NewResourceLoader(timeout time.Duration) *ResourceLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ResourceLoader{timeout: timeout}
}

// Load 以指纹与代理加载资源
func (l *ResourceLoader) Load(ctx context.Context, rawURL string, fp models.Fingerprint, proxy *models.ProxyEntry) (*models.Response, error) {
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if fp.UserAgent != "" {
		opts = append(opts, colly.UserAgent(fp.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(l.timeout)
	transport := &http.Transport{
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
		DisableCompression: true,
	}
	// 每次加载独立的 transport, 返回前释放 keep-alive 连接
	defer transport.CloseIdleConnections()
	// 代理直接设置在 transport 上,colly.SetProxy 会替换掉自定义 transport
	if proxy != nil {
		proxyURL, err := url.Parse(proxy.URL())
		if err != nil {
			return nil, fmt.Errorf("%w: 代理地址无效: %v", models.ErrDriverTransport, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	c.WithTransport(contextTransport{ctx: ctx, base: transport})

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
		if fp.Locale != "" {
			r.Headers.Set("Accept-Language", fp.Locale)
		}
		for name := range fp.ExtraHeaders {
			r.Headers.Set(name, fp.ExtraHeaders.Get(name))
		}
	})

	var resp *models.Response
	var loadErr error
	capture := func(r *colly.Response) {
		body, err := decompressResponse(r.Headers.Get("Content-Encoding"), r.Body)
		if err != nil {
			utils.Warnf("解压响应失败 [%s]: %v", rawURL, err)
			body = r.Body
		}
		resp = &models.Response{
			Status:      models.FromHTTPCode(r.StatusCode),
			FinalURL:    r.Request.URL.String(),
			ContentType: r.Headers.Get("Content-Type"),
			Headers:     r.Headers.Clone(),
			PageSource:  string(body),
		}
	}
	c.OnResponse(capture)
	c.OnError(func(r *colly.Response, err error) {
		// 非2xx响应同样是有效的资源响应
		if r != nil && r.StatusCode > 0 {
			capture(r)
			return
		}
		loadErr = err
	})

	if err := c.Visit(rawURL); err != nil && resp == nil && loadErr == nil {
		loadErr = err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if resp != nil {
		return resp, nil
	}
	if loadErr == nil {
		loadErr = errors.New("未收到响应")
	}
	return nil, fmt.Errorf("%w: 加载资源失败: %v", models.ErrDriverTransport, loadErr)
}

// contextTransport 让进行中的请求随 context 立即取消
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// decompressResponse 根据Content-Encoding头部解压响应体
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		// colly 可能已经解压过gzip
		if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
			return body, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		return io.ReadAll(reader)

	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))

	case "", "identity":
		return body, nil

	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
