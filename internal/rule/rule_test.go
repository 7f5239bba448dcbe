package rule

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
)

// fakeSource maps "plugin.metric" to a latest value.
type fakeSource map[string]float64

func (f fakeSource) Latest(key model.SeriesKey) (model.MetricReading, error) {
	v, ok := f[key.Plugin+"."+key.Metric]
	if !ok {
		return model.MetricReading{}, fmt.Errorf("no series %s", key)
	}
	return model.MetricReading{Plugin: key.Plugin, Metric: key.Metric, Value: v, Timestamp: 1}, nil
}

func mustCompile(t *testing.T, spec Spec) *Rule {
	t.Helper()
	r, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile(%q): %v", spec.Expression, err)
	}
	return r
}

func testSpec(name, expression string) Spec {
	return Spec{
		Name:             name,
		Expression:       expression,
		Severity:         model.SeverityCritical,
		Cooldown:         10 * time.Minute,
		NotifyOnTrigger:  true,
		NotifyOnRecovery: true,
		Enabled:          true,
	}
}

// TestCompileRejectsBadSpecs verifies compile-time validation.
func TestCompileRejectsBadSpecs(t *testing.T) {
	if _, err := Compile(testSpec("", "cpu.value > 1")); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := Compile(testSpec("bad", "cpu.value >")); err == nil {
		t.Error("malformed expression accepted")
	}
}

// TestTriggerAndRetrigger verifies a true rule emits on every pass
// while true; delivery cooldown is the dispatcher's concern.
func TestTriggerAndRetrigger(t *testing.T) {
	src := fakeSource{"cpu.value": 91, "memory.value": 90}
	e := NewEvaluator(src, zap.NewNop())
	e.SetRules([]*Rule{mustCompile(t, testSpec("high-load", "cpu.value > 90 AND memory.value > 85"))})

	now := time.Now()
	events := e.EvaluateAll(now)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if !ev.Triggered || ev.Recovery {
		t.Errorf("event = %+v, want triggered", ev)
	}
	if ev.Rule != "high-load" || ev.Severity != model.SeverityCritical {
		t.Errorf("event = %+v", ev)
	}
	if ev.Bindings["cpu.value"] != 91 || ev.Bindings["memory.value"] != 90 {
		t.Errorf("bindings = %v", ev.Bindings)
	}
	if d, ok := ev.CooldownHint(); !ok || d != 10*time.Minute {
		t.Errorf("CooldownHint = %v, %v", d, ok)
	}

	// Still true on the next pass: emitted again.
	if events = e.EvaluateAll(now.Add(time.Minute)); len(events) != 1 {
		t.Fatalf("re-trigger events = %d, want 1", len(events))
	}
}

// TestRecoveryOnFirstFalse verifies exactly one recovery on the
// true-to-false transition.
func TestRecoveryOnFirstFalse(t *testing.T) {
	src := fakeSource{"cpu.value": 95}
	e := NewEvaluator(src, zap.NewNop())
	e.SetRules([]*Rule{mustCompile(t, testSpec("cpu-high", "cpu.value > 90"))})

	now := time.Now()
	if events := e.EvaluateAll(now); len(events) != 1 {
		t.Fatalf("trigger events = %d, want 1", len(events))
	}

	src["cpu.value"] = 50
	events := e.EvaluateAll(now.Add(time.Minute))
	if len(events) != 1 {
		t.Fatalf("recovery events = %d, want 1", len(events))
	}
	if events[0].Triggered || !events[0].Recovery {
		t.Errorf("event = %+v, want recovery", events[0])
	}

	// Stable false afterwards: quiet.
	if events := e.EvaluateAll(now.Add(2 * time.Minute)); len(events) != 0 {
		t.Errorf("stable-false events = %d, want 0", len(events))
	}
}

// TestNotifyFlags verifies the emit gates while state still tracks.
func TestNotifyFlags(t *testing.T) {
	src := fakeSource{"cpu.value": 95}
	e := NewEvaluator(src, zap.NewNop())

	spec := testSpec("quiet-trigger", "cpu.value > 90")
	spec.NotifyOnTrigger = false
	e.SetRules([]*Rule{mustCompile(t, spec)})

	now := time.Now()
	if events := e.EvaluateAll(now); len(events) != 0 {
		t.Fatalf("muted trigger emitted %d events", len(events))
	}
	src["cpu.value"] = 10
	events := e.EvaluateAll(now.Add(time.Minute))
	if len(events) != 1 || !events[0].Recovery {
		t.Fatalf("recovery after muted trigger = %v", events)
	}

	spec = testSpec("quiet-recovery", "cpu.value > 90")
	spec.NotifyOnRecovery = false
	e.SetRules([]*Rule{mustCompile(t, spec)})
	src["cpu.value"] = 95
	e.EvaluateAll(now)
	src["cpu.value"] = 10
	if events := e.EvaluateAll(now.Add(time.Minute)); len(events) != 0 {
		t.Errorf("muted recovery emitted %d events", len(events))
	}
}

// TestDegradedAfterRepeatedMisses verifies the miss counter, the
// suppression, and that a reload clears it.
func TestDegradedAfterRepeatedMisses(t *testing.T) {
	src := fakeSource{}
	e := NewEvaluator(src, zap.NewNop())
	e.SetRules([]*Rule{mustCompile(t, testSpec("ghost", "ghost.value > 1"))})

	now := time.Now()
	for i := 0; i < 6; i++ {
		if events := e.EvaluateAll(now); len(events) != 0 {
			t.Fatalf("pass %d emitted events", i)
		}
	}
	if got := e.Degraded(); len(got) != 1 || got[0] != "ghost" {
		t.Fatalf("Degraded = %v, want [ghost]", got)
	}

	// Reload with the same rule set clears the degraded mark.
	e.SetRules([]*Rule{mustCompile(t, testSpec("ghost", "ghost.value > 1"))})
	if got := e.Degraded(); len(got) != 0 {
		t.Fatalf("Degraded after reload = %v", got)
	}
	src["ghost.value"] = 5
	if events := e.EvaluateAll(now); len(events) != 1 || !events[0].Triggered {
		t.Errorf("post-reload events = %v", events)
	}
}

// TestMissingDoesNotFabricateRecovery verifies a data gap on a
// triggered rule neither recovers nor re-triggers it.
func TestMissingDoesNotFabricateRecovery(t *testing.T) {
	src := fakeSource{"cpu.value": 95}
	e := NewEvaluator(src, zap.NewNop())
	e.SetRules([]*Rule{mustCompile(t, testSpec("cpu-high", "cpu.value > 90"))})

	now := time.Now()
	if events := e.EvaluateAll(now); len(events) != 1 {
		t.Fatal("no trigger")
	}

	delete(src, "cpu.value")
	if events := e.EvaluateAll(now.Add(time.Minute)); len(events) != 0 {
		t.Fatalf("gap emitted %d events", len(events))
	}

	// Data returns below the bound: the recovery fires now.
	src["cpu.value"] = 10
	events := e.EvaluateAll(now.Add(2 * time.Minute))
	if len(events) != 1 || !events[0].Recovery {
		t.Fatalf("post-gap events = %v", events)
	}
}

// TestEvaluateDirty verifies only rules touching changed series run,
// and literal-only rules always run.
func TestEvaluateDirty(t *testing.T) {
	src := fakeSource{"cpu.value": 95, "memory.value": 95}
	e := NewEvaluator(src, zap.NewNop())
	e.SetRules([]*Rule{
		mustCompile(t, testSpec("cpu-high", "cpu.value > 90")),
		mustCompile(t, testSpec("mem-high", "memory.value > 90")),
		mustCompile(t, testSpec("always", "1 > 0")),
	})

	dirty := map[model.SeriesKey]bool{{Plugin: "cpu", Metric: "value"}: true}
	events := e.EvaluateDirty(dirty, time.Now())

	got := make(map[string]bool, len(events))
	for _, ev := range events {
		got[ev.Rule] = true
	}
	if !got["cpu-high"] || !got["always"] || got["mem-high"] {
		t.Errorf("evaluated rules = %v, want cpu-high and always only", got)
	}
}

// TestDisabledRuleSkipped verifies disabled rules neither evaluate
// nor contribute references.
func TestDisabledRuleSkipped(t *testing.T) {
	src := fakeSource{"cpu.value": 95}
	e := NewEvaluator(src, zap.NewNop())

	spec := testSpec("off", "cpu.value > 90")
	spec.Enabled = false
	e.SetRules([]*Rule{mustCompile(t, spec)})

	if events := e.EvaluateAll(time.Now()); len(events) != 0 {
		t.Errorf("disabled rule emitted events")
	}
	if refs := e.References(); len(refs) != 0 {
		t.Errorf("References = %v, want none", refs)
	}
}

// TestReferences checks the aggregated series list for the scheduler.
func TestReferences(t *testing.T) {
	e := NewEvaluator(fakeSource{}, zap.NewNop())
	e.SetRules([]*Rule{
		mustCompile(t, testSpec("a", "cpu.value > 90 AND memory.value > 85")),
		mustCompile(t, testSpec("b", "cpu.value < 5")),
	})

	refs := e.References()
	want := map[model.SeriesKey]bool{
		{Plugin: "cpu", Metric: "value"}:    true,
		{Plugin: "memory", Metric: "value"}: true,
	}
	if len(refs) != len(want) {
		t.Fatalf("References = %v", refs)
	}
	for _, key := range refs {
		if !want[key] {
			t.Errorf("unexpected reference %v", key)
		}
	}
}
