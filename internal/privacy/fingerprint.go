package privacy

import (
	"sync"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
)

// DefaultFingerprints 未配置指纹时使用的桌面浏览器指纹
var DefaultFingerprints = []models.Fingerprint{
	{
		BrowserType:    models.BrowserChrome,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Locale:         "zh-CN,zh;q=0.9,en;q=0.8",
	},
	{
		BrowserType:    models.BrowserChrome,
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		ViewportWidth:  1440,
		ViewportHeight: 900,
		Locale:         "en-US,en;q=0.9",
	},
	{
		BrowserType:    models.BrowserChrome,
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1366,
		ViewportHeight: 768,
		Locale:         "en-GB,en;q=0.9",
	},
}

// FingerprintPool 轮换分配给新隐私上下文的浏览器指纹
type FingerprintPool struct {
	mu    sync.Mutex
	items []models.Fingerprint
	next  int
}

// NewFingerprintPool 创建指纹池, 为空时使用 DefaultFingerprints
func NewFingerprintPool(items []models.Fingerprint) *FingerprintPool {
	if len(items) == 0 {
		items = DefaultFingerprints
	}
	return &FingerprintPool{items: append([]models.Fingerprint(nil), items...)}
}

// Next 返回下一个指纹
func (p *FingerprintPool) Next() models.Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp := p.items[p.next%len(p.items)]
	p.next++
	fp.ExtraHeaders = fp.ExtraHeaders.Clone()
	return fp
}

// Len 指纹数量
func (p *FingerprintPool) Len() int { return len(p.items) }
