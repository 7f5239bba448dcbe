package store

import (
	"math"
	"math/rand"
	"testing"

	"github.com/azzuwayed/serversentry/internal/model"
)

func reading(plugin, metric string, value float64, ts int64) model.MetricReading {
	return model.MetricReading{Plugin: plugin, Metric: metric, Value: value, Timestamp: ts}
}

func memStore(t *testing.T, maxPoints int) *Store {
	t.Helper()
	s, err := New(Options{MaxPoints: maxPoints}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := memStore(t, 10)
	key := model.SeriesKey{Plugin: "cpu", Metric: "value"}

	for i := int64(1); i <= 5; i++ {
		if err := s.Append(reading("cpu", "value", float64(i*10), i)); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	got, err := s.Recent(key, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent(3) returned %d readings", len(got))
	}
	// Newest last.
	if got[0].Timestamp != 3 || got[2].Timestamp != 5 {
		t.Errorf("Recent order = [%d..%d], want [3..5]", got[0].Timestamp, got[2].Timestamp)
	}

	latest, err := s.Latest(key)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Value != 50 {
		t.Errorf("Latest value = %v, want 50", latest.Value)
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	s := memStore(t, 10)

	if err := s.Append(reading("cpu usage", "value", 1, 1)); err == nil {
		t.Error("Append with invalid plugin name: want error")
	}
	if err := s.Append(reading("cpu", "va lue", 1, 1)); err == nil {
		t.Error("Append with invalid metric name: want error")
	}
	if err := s.Append(reading("cpu", "value", math.NaN(), 1)); err == nil {
		t.Error("Append with NaN value: want error")
	}
	if err := s.Append(reading("cpu", "value", math.Inf(1), 1)); err == nil {
		t.Error("Append with +Inf value: want error")
	}

	// Out-of-order timestamps are rejected; equal timestamps are not.
	if err := s.Append(reading("cpu", "value", 1, 100)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(reading("cpu", "value", 2, 100)); err != nil {
		t.Errorf("Append with equal timestamp: %v, want nil", err)
	}
	if err := s.Append(reading("cpu", "value", 3, 99)); err == nil {
		t.Error("Append with older timestamp: want error")
	}
}

func TestRecentMissingAndEmpty(t *testing.T) {
	s := memStore(t, 10)
	if _, err := s.Recent(model.SeriesKey{Plugin: "nope", Metric: "value"}, 1); err == nil {
		t.Error("Recent on missing series: want error")
	}
}

func TestRotationKeepsSeriesBounded(t *testing.T) {
	s := memStore(t, 4)
	key := model.SeriesKey{Plugin: "cpu", Metric: "value"}

	for ts := int64(1); ts <= 6; ts++ {
		if err := s.Append(reading("cpu", "value", float64(ts), ts)); err != nil {
			t.Fatalf("Append ts=%d: %v", ts, err)
		}
		if n := s.Len(key); n > 4 {
			t.Fatalf("after append ts=%d: len = %d, want <= 4", ts, n)
		}
	}

	// The 5th append rotates out the oldest half; the series then grows
	// back to capacity on the 6th.
	got, err := s.Recent(key, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []int64{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("after 6 appends: len = %d, want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.Timestamp != want[i] {
			t.Errorf("reading[%d].Timestamp = %d, want %d", i, r.Timestamp, want[i])
		}
	}
}

func TestRangeInclusive(t *testing.T) {
	s := memStore(t, 10)
	key := model.SeriesKey{Plugin: "cpu", Metric: "value"}
	for ts := int64(10); ts <= 50; ts += 10 {
		if err := s.Append(reading("cpu", "value", float64(ts), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Range(key, 20, 40)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Range(20,40) returned %d readings, want 3 (inclusive both ends)", len(got))
	}
	if got[0].Timestamp != 20 || got[2].Timestamp != 40 {
		t.Errorf("Range bounds = [%d, %d], want [20, 40]", got[0].Timestamp, got[2].Timestamp)
	}

	// Empty result is fine; missing series is not.
	if empty, err := s.Range(key, 1000, 2000); err != nil || len(empty) != 0 {
		t.Errorf("Range beyond data: got %d readings, err %v; want 0, nil", len(empty), err)
	}
	if _, err := s.Range(model.SeriesKey{Plugin: "nope", Metric: "value"}, 0, 100); err == nil {
		t.Error("Range on missing series: want error")
	}
}

func TestStatisticsDelegation(t *testing.T) {
	s := memStore(t, 20)
	key := model.SeriesKey{Plugin: "cpu", Metric: "value"}
	values := []float64{48, 51, 49, 50, 52, 50, 49, 51, 48, 52}
	for i, v := range values {
		if err := s.Append(reading("cpu", "value", v, int64(i+1))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	st, err := s.Statistics(key, 10)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !st.Valid || st.Count != 10 {
		t.Fatalf("Statistics = %+v, want valid count=10", st)
	}
	if math.Abs(st.Mean-50) > 1e-9 {
		t.Errorf("Mean = %v, want 50", st.Mean)
	}
}

func TestExportRoundTrip(t *testing.T) {
	s := memStore(t, 100)
	for ts := int64(1); ts <= 20; ts++ {
		if err := s.Append(reading("cpu", "value", float64(ts), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.Append(reading("memory", "value", float64(ts), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Filtered by plugin and range: exactly the in-range readings, in order.
	out := s.Export("cpu", "", 5, 15)
	if len(out) != 1 {
		t.Fatalf("Export returned %d series, want 1", len(out))
	}
	if out[0].Plugin != "cpu" || out[0].Metric != "value" {
		t.Errorf("Export key = %s/%s, want cpu/value", out[0].Plugin, out[0].Metric)
	}
	if len(out[0].Readings) != 11 {
		t.Fatalf("Export readings = %d, want 11", len(out[0].Readings))
	}
	for i, r := range out[0].Readings {
		if r.Timestamp != int64(5+i) {
			t.Errorf("reading[%d].Timestamp = %d, want %d", i, r.Timestamp, 5+i)
		}
	}

	// Unfiltered export covers both plugins, sorted by key.
	all := s.Export("", "", 0, 0)
	if len(all) != 2 {
		t.Fatalf("Export all returned %d series, want 2", len(all))
	}
	if all[0].Plugin != "cpu" || all[1].Plugin != "memory" {
		t.Errorf("Export order = [%s, %s], want [cpu, memory]", all[0].Plugin, all[1].Plugin)
	}
}

// TestRandomSeriesInvariants appends a random series and checks the
// bounded-size and ordering invariants after every operation.
func TestRandomSeriesInvariants(t *testing.T) {
	const maxPoints = 50
	s := memStore(t, maxPoints)
	key := model.SeriesKey{Plugin: "rand", Metric: "value"}
	rng := rand.New(rand.NewSource(1))

	ts := int64(0)
	for i := 0; i < 2*maxPoints; i++ {
		ts += int64(rng.Intn(3)) // non-decreasing, sometimes equal
		if err := s.Append(reading("rand", "value", rng.Float64()*100, ts)); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		if n := s.Len(key); n > maxPoints {
			t.Fatalf("after append #%d: len = %d, want <= %d", i, n, maxPoints)
		}
	}

	got, err := s.Recent(key, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Fatalf("ordering violated at %d: %d < %d", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}
