package sampler

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// TestMemorySamplerFixture checks the three used-percent definitions
// against the meminfo fixture.
func TestMemorySamplerFixture(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]string
		want    float64
	}{
		// (16384000 - 8192000) / 16384000
		{"default available", nil, 50.0},
		// (16384000 - 2048000) / 16384000
		{"buffers and cache as used", map[string]string{"memory_include_buffers_cache": "true"}, 87.5},
		// (8192000 + 1024000) / (16384000 + 4096000)
		{"swap folded in", map[string]string{"memory_include_swap": "true"}, 45.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&MemorySampler{}).Sample(context.Background(), fixtureConfig(t, tt.options))
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Sample = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestMemorySamplerWithoutAvailable exercises the accounting used on
// kernels that predate the MemAvailable field.
func TestMemorySamplerWithoutAvailable(t *testing.T) {
	dir := t.TempDir()
	meminfo := "MemTotal:       16000 kB\n" +
		"MemFree:         4000 kB\n" +
		"Buffers:         1000 kB\n" +
		"Cached:          3000 kB\n"
	if err := os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := (&MemorySampler{}).Sample(context.Background(), Config{ProcRoot: dir})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	// (16000 - 4000 - 1000 - 3000) / 16000
	if want := 50.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Sample = %v, want %v", got, want)
	}
}

// TestMemorySamplerMissingMeminfo verifies that an absent meminfo file
// is a permanent failure.
func TestMemorySamplerMissingMeminfo(t *testing.T) {
	_, err := (&MemorySampler{}).Sample(context.Background(), Config{ProcRoot: t.TempDir()})
	if err == nil {
		t.Fatal("Sample without meminfo succeeded")
	}
	if !IsPermanent(err) {
		t.Errorf("missing meminfo not permanent: %v", err)
	}
}

// TestReadMeminfoFixture spot-checks parsed fields and the kB suffix
// handling.
func TestReadMeminfoFixture(t *testing.T) {
	mi, err := readMeminfo(testdataProc(t))
	if err != nil {
		t.Fatalf("readMeminfo: %v", err)
	}
	if mi.total != 16384000 {
		t.Errorf("total = %d, want 16384000", mi.total)
	}
	if mi.available != 8192000 {
		t.Errorf("available = %d, want 8192000", mi.available)
	}
	if mi.swapTotal != 4096000 || mi.swapFree != 3072000 {
		t.Errorf("swap = %d/%d, want 4096000/3072000", mi.swapTotal, mi.swapFree)
	}
}
