package sampler

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestParseCPULine checks field extraction from the aggregate cpu line.
func TestParseCPULine(t *testing.T) {
	got, err := parseCPULine("cpu  10000 500 3000 80000 1500 0 200 0 0 0")
	if err != nil {
		t.Fatalf("parseCPULine: %v", err)
	}
	want := cpuTimes{user: 10000, nice: 500, system: 3000, idle: 80000, iowait: 1500, softirq: 200}
	if got != want {
		t.Errorf("parseCPULine = %+v, want %+v", got, want)
	}
	if got.total() != 95200 {
		t.Errorf("total() = %d, want 95200", got.total())
	}

	if _, err := parseCPULine("cpu 1 2"); err == nil {
		t.Error("short line parsed, want error")
	}
	if _, err := parseCPULine("cpu a b c d e"); err == nil {
		t.Error("non-numeric line parsed, want error")
	}
}

// TestReadCPUTimesFixture reads the checked-in stat fixture and checks
// that per-cpu lines are skipped in favor of the aggregate.
func TestReadCPUTimesFixture(t *testing.T) {
	got, err := readCPUTimes(testdataProc(t))
	if err != nil {
		t.Fatalf("readCPUTimes: %v", err)
	}
	if got.user != 10000 || got.idle != 80000 || got.iowait != 1500 {
		t.Errorf("readCPUTimes = %+v", got)
	}
}

// TestBusyPercent covers the two-point delta computation, including
// the zero-delta and all-idle cases.
func TestBusyPercent(t *testing.T) {
	before := cpuTimes{user: 10000, nice: 500, system: 3000, idle: 80000, iowait: 1500, softirq: 200}
	after := cpuTimes{user: 10800, nice: 500, system: 3400, idle: 80600, iowait: 1700, softirq: 300}

	got, err := busyPercent(before, after)
	if err != nil {
		t.Fatalf("busyPercent: %v", err)
	}
	// 2100 jiffies elapsed, 800 idle.
	want := 100 * (1 - 800.0/2100.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("busyPercent = %v, want %v", got, want)
	}

	if _, err := busyPercent(before, before); err == nil {
		t.Error("zero delta succeeded, want error")
	}

	allIdle := after
	allIdle.idle = before.idle + 2100
	allIdle.iowait = before.iowait
	allIdle.user = before.user
	allIdle.system = before.system
	allIdle.softirq = before.softirq
	idlePct, err := busyPercent(before, allIdle)
	if err != nil {
		t.Fatalf("busyPercent(all idle): %v", err)
	}
	if idlePct != 0 {
		t.Errorf("busyPercent(all idle) = %v, want 0", idlePct)
	}
}

// TestCPUSamplerEndToEnd rewrites the stat file during the sample gap
// and checks the computed busy percent.
func TestCPUSamplerEndToEnd(t *testing.T) {
	dir := t.TempDir()
	statPath := filepath.Join(dir, "stat")
	before := "cpu  10000 500 3000 80000 1500 0 200 0 0 0\n"
	after := "cpu  10800 500 3400 80600 1700 0 300 0 0 0\n"
	if err := os.WriteFile(statPath, []byte(before), 0o644); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(statPath, []byte(after), 0o644)
	}()

	cfg := Config{ProcRoot: dir, SampleGap: 250 * time.Millisecond}
	got, err := (&CPUSampler{}).Sample(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	want := 100 * (1 - 800.0/2100.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Sample = %v, want %v", got, want)
	}
}

// TestCPUSamplerStaticStat verifies that an unchanged counter file
// yields a transient error, not a bogus reading.
func TestCPUSamplerStaticStat(t *testing.T) {
	cfg := fixtureConfig(t, nil)
	cfg.SampleGap = time.Millisecond

	_, err := (&CPUSampler{}).Sample(context.Background(), cfg)
	if err == nil {
		t.Fatal("Sample on static stat succeeded, want error")
	}
	if IsPermanent(err) {
		t.Errorf("static stat error is permanent: %v", err)
	}
}

// TestCPUSamplerContextCanceled verifies the sample window honors
// cancellation.
func TestCPUSamplerContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fixtureConfig(t, nil)
	cfg.SampleGap = time.Minute

	start := time.Now()
	_, err := (&CPUSampler{}).Sample(ctx, cfg)
	if err == nil {
		t.Fatal("Sample with canceled context succeeded")
	}
	if IsPermanent(err) {
		t.Errorf("cancellation classified permanent: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Sample blocked %v after cancellation", elapsed)
	}

	_, err = (&CPUSampler{}).Sample(context.Background(), Config{ProcRoot: t.TempDir()})
	if !IsPermanent(err) {
		t.Errorf("missing stat file not permanent: %v", err)
	}
}
