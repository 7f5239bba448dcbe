package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/bus"
	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/notify"
	"github.com/azzuwayed/serversentry/internal/store"
)

func TestScrape(t *testing.T) {
	st, err := store.New(store.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	for i := int64(0); i < 2; i++ {
		if err := st.Append(model.MetricReading{Plugin: "cpu", Metric: "value", Value: 42, Timestamp: 1700000000 + i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tel := New(Sources{
		Notify:   func() notify.Stats { return notify.Stats{Sent: 3, Suppressed: 2, Failed: 1} },
		Bus:      func() bus.Stats { return bus.Stats{Published: 7, Dropped: 1, Pending: 2} },
		Store:    st,
		ProcRoot: writeProcFixture(t),
	}, zap.NewNop())
	tel.TickDone("cpu")
	tel.TickDone("cpu")
	tel.SamplerError("disk")

	srv := httptest.NewServer(tel.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`serversentry_ticks_total{plugin="cpu"} 2`,
		`serversentry_sampler_errors_total{plugin="disk"} 1`,
		`serversentry_notifications_total{outcome="sent"} 3`,
		`serversentry_notifications_total{outcome="suppressed"} 2`,
		`serversentry_notifications_total{outcome="failed"} 1`,
		`serversentry_events_published_total 7`,
		`serversentry_events_dropped_total 1`,
		`serversentry_events_pending 2`,
		`serversentry_store_points{metric="value",plugin="cpu"} 2`,
		`serversentry_self_cpu_seconds_total{mode="user"} 5`,
		`serversentry_self_cpu_seconds_total{mode="system"} 2`,
		`serversentry_self_memory_rss_bytes`,
		`serversentry_self_goroutines`,
		`serversentry_self_disk_io_bytes_total{direction="read"}`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestScrapeWithoutSources(t *testing.T) {
	tel := New(Sources{ProcRoot: t.TempDir()}, nil)

	srv := httptest.NewServer(tel.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "serversentry_self_goroutines") {
		t.Error("scrape output missing goroutine gauge")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	tel := New(Sources{ProcRoot: t.TempDir()}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- tel.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

func TestServeBadAddress(t *testing.T) {
	tel := New(Sources{ProcRoot: t.TempDir()}, zap.NewNop())
	if err := tel.Serve(context.Background(), "127.0.0.1:-1"); err == nil {
		t.Fatal("Serve with invalid address succeeded")
	}
}
