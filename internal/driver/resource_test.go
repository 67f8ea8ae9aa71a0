package driver

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/andybalholm/brotli"
	"github.com/go-rod/rod/lib/cdp"
)

func compress(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		w.Write(data)
		w.Close()
	case "deflate":
		w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
		w.Write(data)
		w.Close()
	case "br":
		w := brotli.NewWriter(&buf)
		w.Write(data)
		w.Close()
	default:
		return data
	}
	return buf.Bytes()
}

func TestDecompressResponse(t *testing.T) {
	payload := []byte(`{"items":[1,2,3]}`)

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"gzip", "gzip", compress(t, "gzip", payload)},
		{"已解压的gzip", "gzip", payload},
		{"deflate", "deflate", compress(t, "deflate", payload)},
		{"brotli", "br", compress(t, "br", payload)},
		{"无压缩", "", payload},
		{"未知编码", "zstd-x", payload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decompressResponse(tt.encoding, tt.body)
			if err != nil {
				t.Fatalf("decompressResponse() 错误: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("期望 %s, 得到 %s", payload, got)
			}
		})
	}
}

func TestResourceLoader_Load(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.js":
			if r.Header.Get("X-Trace") != "1" {
				t.Errorf("附加请求头未发送")
			}
			if r.UserAgent() != "test-agent" {
				t.Errorf("User-Agent 期望 test-agent, 得到 %s", r.UserAgent())
			}
			w.Header().Set("Content-Type", "application/javascript")
			w.Header().Set("Content-Encoding", "br")
			w.Write(compress(t, "br", []byte("var x = 1;")))
		case "/blocked":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	loader := NewResourceLoader(5 * time.Second)
	fp := models.Fingerprint{UserAgent: "test-agent", ExtraHeaders: http.Header{"X-Trace": {"1"}}}

	tests := []struct {
		name    string
		path    string
		wantTag models.ResultTag
		body    string
	}{
		{"脚本资源", "/app.js", models.TagSuccess, "var x = 1;"},
		{"被限流", "/blocked", models.TagPrivacyRetry, ""},
		{"不存在", "/missing", models.TagFailed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := loader.Load(context.Background(), srv.URL+tt.path, fp, nil)
			if err != nil {
				t.Fatalf("Load() 错误: %v", err)
			}
			tag := models.NewFetchResult(nil, resp).Tag()
			if tag != tt.wantTag {
				t.Errorf("Tag 期望 %v, 得到 %v (%s)", tt.wantTag, tag, resp.Status)
			}
			if tt.body != "" && resp.PageSource != tt.body {
				t.Errorf("内容 期望 %q, 得到 %q", tt.body, resp.PageSource)
			}
		})
	}
}

func TestResourceLoader_ReleasesConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	loader := NewResourceLoader(5 * time.Second)
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		if _, err := loader.Load(context.Background(), srv.URL, models.Fingerprint{}, nil); err != nil {
			t.Fatalf("加载失败: %v", err)
		}
	}

	// 连接协程异步退出, 等待其收敛
	deadline := time.Now().Add(3 * time.Second)
	after := runtime.NumGoroutine()
	for after > before+10 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		after = runtime.NumGoroutine()
	}
	if after > before+10 {
		t.Errorf("加载后协程数不应持续增长: 之前 %d, 之后 %d", before, after)
	}
}

func TestResourceLoader_Canceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := NewResourceLoader(10*time.Second).Load(ctx, srv.URL, models.Fingerprint{}, nil)
	if err == nil {
		t.Fatal("取消后应返回错误")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("取消应立即生效,不等待请求超时")
	}
}

func TestMapRodError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"会话不存在哨兵错误", cdp.ErrSessionNotFound, models.ErrSessionLost},
		{"连接断开", io.EOF, models.ErrSessionLost},
		{"连接已关闭", fmt.Errorf("write: %w", net.ErrClosed), models.ErrSessionLost},
		{"上下文销毁", cdp.ErrCtxDestroyed, models.ErrDriverTransport},
		{"会话不存在", errors.New("{-32001 Session with given id not found. }"), models.ErrSessionLost},
		{"普通CDP错误", errors.New("{-32000 Cannot navigate to invalid URL }"), models.ErrDriverTransport},
		{"超时", context.DeadlineExceeded, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapRodError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapRodError() 期望 %v, 得到 %v", tt.want, got)
			}
		})
	}
	if mapRodError(nil) != nil {
		t.Error("nil 错误应保持为 nil")
	}
}

func TestResourceMonitor_Calculate(t *testing.T) {
	const mb = 1024 * 1024
	rm := &ResourceMonitor{config: ResourceMonitorConfig{
		SafetyReserveMemory: 500 * mb,
		SafetyThreshold:     500 * mb,
		MaxDriversLimit:     6,
		DriverMemoryUsage:   100 * mb,
	}}

	tests := []struct {
		name      string
		available uint64
		numCPU    int
		want      int
	}{
		{"内存充足受CPU限制", 8000 * mb, 4, 4},
		{"内存充足受上限限制", 8000 * mb, 32, 6},
		{"内存有限", 1300 * mb, 32, 3},
		{"内存不足至少一个", 200 * mb, 32, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rm.calculate(tt.available, tt.numCPU); got != tt.want {
				t.Errorf("calculate() 期望 %d, 得到 %d", tt.want, got)
			}
		})
	}

	if ok, _ := FixedCapacity(0).CanCreate(); !ok || FixedCapacity(0).MaxDrivers() != 1 {
		t.Error("固定容量至少为1且总是允许创建")
	}
}
