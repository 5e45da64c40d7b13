package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	RecordExchange("http", "success", 100*time.Millisecond)
	RecordExchange("http", "timeout", time.Second)
	SetInflight(3)
	SetFrameBuffered(42)
	RecordDroppedMessage("unknown_id")
	RecordChildRestart()
	RecordChildStderr()
	RecordChildStderr()
	SetChildUp(true)

	if v := testutil.ToFloat64(exchanges.WithLabelValues("http", "success")); v != 1 {
		t.Fatalf("exchanges: %v", v)
	}
	if v := testutil.ToFloat64(inflightExchanges); v != 3 {
		t.Fatalf("inflight: %v", v)
	}
	if v := testutil.ToFloat64(frameBuffered); v != 42 {
		t.Fatalf("frame buffer: %v", v)
	}
	if v := testutil.ToFloat64(droppedMessages.WithLabelValues("unknown_id")); v != 1 {
		t.Fatalf("dropped: %v", v)
	}
	if v := testutil.ToFloat64(childStderrLines); v != 2 {
		t.Fatalf("stderr lines: %v", v)
	}
	if v := testutil.ToFloat64(childUp); v != 1 {
		t.Fatalf("child up: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if n := testutil.CollectAndCount(exchangeDuration); n != 1 {
		t.Fatalf("duration series: %d", n)
	}
}
