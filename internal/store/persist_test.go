package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/azzuwayed/serversentry/internal/model"
)

func diskStore(t *testing.T, dir string, maxPoints int) *Store {
	t.Helper()
	s, err := New(Options{Dir: dir, MaxPoints: maxPoints}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()

	s := diskStore(t, dir, 100)
	for ts := int64(1); ts <= 10; ts++ {
		if err := s.Append(reading("cpu", "value", float64(ts)*1.5, ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "cpu_value.dat"))
	if err != nil {
		t.Fatalf("reading data file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 10 {
		t.Fatalf("data file has %d lines, want 10", len(lines))
	}
	if lines[0] != "1,1.5,cpu,value" {
		t.Errorf("first line = %q, want %q", lines[0], "1,1.5,cpu,value")
	}

	// A fresh store picks the series back up.
	s2 := diskStore(t, dir, 100)
	defer s2.Close()
	key := model.SeriesKey{Plugin: "cpu", Metric: "value"}
	got, err := s2.Recent(key, 0)
	if err != nil {
		t.Fatalf("Recent after reload: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("reloaded %d readings, want 10", len(got))
	}
	if got[9].Timestamp != 10 || got[9].Value != 15 {
		t.Errorf("last reading = %+v, want ts=10 value=15", got[9])
	}
}

func TestReloadKeepsOnlyTail(t *testing.T) {
	dir := t.TempDir()

	s := diskStore(t, dir, 1000)
	for ts := int64(1); ts <= 30; ts++ {
		if err := s.Append(reading("cpu", "value", float64(ts), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.Close()

	// Reload with a smaller cap: only the newest points survive.
	s2 := diskStore(t, dir, 10)
	defer s2.Close()
	got, err := s2.Recent(model.SeriesKey{Plugin: "cpu", Metric: "value"}, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("reloaded %d readings, want 10", len(got))
	}
	if got[0].Timestamp != 21 {
		t.Errorf("oldest reloaded ts = %d, want 21", got[0].Timestamp)
	}
}

func TestReloadToleratesPartialLastLine(t *testing.T) {
	dir := t.TempDir()
	content := "1,10,cpu,value\n2,20,cpu,value\n3,30,cp"
	if err := os.WriteFile(filepath.Join(dir, "cpu_value.dat"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	s := diskStore(t, dir, 100)
	defer s.Close()
	got, err := s.Recent(model.SeriesKey{Plugin: "cpu", Metric: "value"}, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d readings, want 2 (partial line skipped)", len(got))
	}
	if got[1].Value != 20 {
		t.Errorf("last value = %v, want 20", got[1].Value)
	}
}

func TestRotationWritesArchiveSegment(t *testing.T) {
	dir := t.TempDir()

	s := diskStore(t, dir, 4)
	for ts := int64(1); ts <= 5; ts++ {
		if err := s.Append(reading("cpu", "value", float64(ts), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.Close()

	entries, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("reading archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archive has %d segments, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "cpu_value.") {
		t.Errorf("segment name = %q, want cpu_value.<stamp>", name)
	}

	seg, err := os.ReadFile(filepath.Join(dir, "archive", name))
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	segLines := strings.Split(strings.TrimSpace(string(seg)), "\n")
	if len(segLines) != 2 {
		t.Fatalf("segment has %d lines, want 2 (oldest half)", len(segLines))
	}
	if !strings.HasPrefix(segLines[0], "1,") || !strings.HasPrefix(segLines[1], "2,") {
		t.Errorf("segment lines = %v, want timestamps 1 and 2", segLines)
	}

	// The live file holds the surviving tail plus the new reading.
	data, err := os.ReadFile(filepath.Join(dir, "cpu_value.dat"))
	if err != nil {
		t.Fatalf("reading data file: %v", err)
	}
	liveLines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(liveLines) != 3 {
		t.Fatalf("live file has %d lines, want 3", len(liveLines))
	}
	if !strings.HasPrefix(liveLines[0], "3,") {
		t.Errorf("live file starts with %q, want timestamp 3", liveLines[0])
	}
}

func TestCleanupRetention(t *testing.T) {
	dir := t.TempDir()
	s := diskStore(t, dir, 10)
	defer s.Close()

	if err := s.Append(reading("cpu", "value", 1, 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	oldRaw := filepath.Join(dir, "stale_value.dat")
	oldArchive := filepath.Join(dir, "archive", "stale_value.20200101_000000")
	for _, path := range []string{oldRaw, oldArchive} {
		if err := os.WriteFile(path, []byte("1,1,stale,value\n"), 0o644); err != nil {
			t.Fatalf("writing fixture: %v", err)
		}
		past := time.Now().AddDate(0, 0, -120)
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	if err := s.Cleanup(30, 90); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(oldRaw); !os.IsNotExist(err) {
		t.Error("expired raw file still present after Cleanup")
	}
	if _, err := os.Stat(oldArchive); !os.IsNotExist(err) {
		t.Error("expired archive segment still present after Cleanup")
	}

	// The fresh file survives, and a second pass changes nothing.
	fresh := filepath.Join(dir, "cpu_value.dat")
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh data file removed by Cleanup: %v", err)
	}
	if err := s.Cleanup(30, 90); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh data file removed by second Cleanup: %v", err)
	}
}

func TestCleanupSeparatesRawAndArchiveWindows(t *testing.T) {
	dir := t.TempDir()
	s := diskStore(t, dir, 10)
	defer s.Close()

	// 45 days old: past raw retention (30) but inside archive retention (90).
	agedRaw := filepath.Join(dir, "aged_value.dat")
	agedArchive := filepath.Join(dir, "archive", "aged_value.20250701_000000")
	for _, path := range []string{agedRaw, agedArchive} {
		if err := os.WriteFile(path, []byte("1,1,aged,value\n"), 0o644); err != nil {
			t.Fatalf("writing fixture: %v", err)
		}
		past := time.Now().AddDate(0, 0, -45)
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	if err := s.Cleanup(30, 90); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(agedRaw); !os.IsNotExist(err) {
		t.Error("45-day-old raw file should be removed at raw_days=30")
	}
	if _, err := os.Stat(agedArchive); err != nil {
		t.Error("45-day-old archive segment should survive at archive_days=90")
	}
}
