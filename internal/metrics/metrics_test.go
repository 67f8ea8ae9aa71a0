package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistry_CountAndGauge(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Count(Navigations, 1)
		}()
	}
	wg.Wait()

	r.Gauge(WorkingDrivers, 3)
	r.Gauge(WorkingDrivers, 2)

	if got := r.Value(Navigations); got != 50 {
		t.Errorf("导航计数 期望 50, 得到 %d", got)
	}
	if got := r.Value(WorkingDrivers); got != 2 {
		t.Errorf("工作驱动数 期望 2, 得到 %d", got)
	}
	if got := r.Value("missing"); got != 0 {
		t.Errorf("不存在的指标 期望 0, 得到 %d", got)
	}
	if len(r.Snapshot()) != 2 {
		t.Errorf("快照 期望 2 项, 得到 %v", r.Snapshot())
	}
}

func TestRegistry_Log(t *testing.T) {
	r := NewRegistry()
	r.Count(Cancels, 2)

	var buf bytes.Buffer
	r.Log(zerolog.New(&buf))

	if !strings.Contains(buf.String(), `"emulator.cancels":2`) {
		t.Errorf("日志缺少指标: %s", buf.String())
	}
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Count(Cancels, 1)
	s.Gauge(WaitingDrivers, 1)
}
