package rule

import (
	"reflect"
	"testing"
)

// staticEnv builds an evalEnv backed by a fixed binding table.
func staticEnv(values map[string]float64) *evalEnv {
	return newEvalEnv(func(r Ref) (float64, bool) {
		v, ok := values[r.String()]
		return v, ok
	})
}

// TestParseAndEvaluate runs expressions against fixed bindings,
// covering every comparison operator, precedence, and NOT nesting.
func TestParseAndEvaluate(t *testing.T) {
	values := map[string]float64{
		"cpu.value":    91,
		"memory.value": 90,
		"disk.value":   40,
		"temp.value":   0,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"cpu.value > 90", true},
		{"cpu.value > 91", false},
		{"cpu.value >= 91", true},
		{"cpu.value < 91", false},
		{"cpu.value <= 91", true},
		{"cpu.value == 91", true},
		{"cpu.value != 91", false},
		{"cpu.value > 90 AND memory.value > 85", true},
		{"cpu.value > 90 AND memory.value > 95", false},
		{"cpu.value > 95 OR memory.value > 85", true},
		{"cpu.value > 95 OR memory.value > 95", false},
		// AND binds tighter than OR.
		{"cpu.value > 90 OR memory.value > 95 AND disk.value > 70", true},
		{"cpu.value > 95 OR memory.value > 85 AND disk.value > 70", false},
		{"NOT cpu.value > 95", true},
		{"NOT NOT cpu.value > 90", true},
		{"NOT cpu.value > 90 OR disk.value < 50", true},
		{"90 < cpu.value", true},
		{"temp.value > -5", true},
		{"temp.value < -5", false},
		{"100 >= 100", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			env := staticEnv(values)
			if got := expr.eval(env); got != tt.want {
				t.Errorf("eval = %v, want %v", got, tt.want)
			}
			if len(env.missing) != 0 {
				t.Errorf("missing = %v", env.missing)
			}
		})
	}
}

// TestParseErrors checks the malformed expressions a config load must
// reject.
func TestParseErrors(t *testing.T) {
	exprs := []string{
		"",
		"cpu.value >",
		"cpu > 90",
		"cpu. > 90",
		"cpu..value > 90",
		"cpu.value AND memory.value",
		"and cpu.value > 1",
		"cpu.value > 90 extra",
		"cpu.value ! 90",
		"cpu.value = 90",
		"> 90",
		"NOT",
		"cpu.value > 90 AND",
		"cpu.value > 90 OR OR memory.value > 1",
	}
	for _, expr := range exprs {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

// TestKeywordsAreCaseSensitive verifies lowercase keywords do not
// silently become operators.
func TestKeywordsAreCaseSensitive(t *testing.T) {
	if _, err := Parse("cpu.value > 90 and memory.value > 85"); err == nil {
		t.Error("lowercase 'and' accepted")
	}
	if _, err := Parse("not cpu.value > 90"); err == nil {
		t.Error("lowercase 'not' accepted")
	}
}

// TestExprString checks the canonical rendering used in logs.
func TestExprString(t *testing.T) {
	expr, err := Parse("NOT cpu.value>90 AND memory.value  >=  85 OR 1<2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := "NOT cpu.value > 90 AND memory.value >= 85 OR 1 < 2"
	if got := expr.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// TestCollectRefs checks deduplicated reference extraction.
func TestCollectRefs(t *testing.T) {
	expr, err := Parse("cpu.value > 90 AND memory.value > 85 OR cpu.value < 10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Ref{{Plugin: "cpu", Metric: "value"}, {Plugin: "memory", Metric: "value"}}
	if got := collectRefs(expr); !reflect.DeepEqual(got, want) {
		t.Errorf("collectRefs = %v, want %v", got, want)
	}

	expr, err = Parse("1 > 2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := collectRefs(expr); len(got) != 0 {
		t.Errorf("collectRefs of literal expression = %v", got)
	}
}

// TestMissingReferencesCollected verifies both sides of a boolean
// operator resolve, so every missing series is reported even when the
// other side already decides the result.
func TestMissingReferencesCollected(t *testing.T) {
	expr, err := Parse("1 > 0 OR ghost.value > 5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env := staticEnv(nil)
	if got := expr.eval(env); !got {
		t.Error("eval = false, want true from the literal side")
	}
	if !reflect.DeepEqual(env.missing, []string{"ghost.value"}) {
		t.Errorf("missing = %v, want [ghost.value]", env.missing)
	}
}

// TestBindingsRecorded checks the resolved-value map attached to
// events.
func TestBindingsRecorded(t *testing.T) {
	expr, err := Parse("cpu.value > 90 AND memory.value > 85")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env := staticEnv(map[string]float64{"cpu.value": 91, "memory.value": 90})
	expr.eval(env)
	want := map[string]float64{"cpu.value": 91, "memory.value": 90}
	if !reflect.DeepEqual(env.bindings, want) {
		t.Errorf("bindings = %v, want %v", env.bindings, want)
	}
}

// TestHyphenatedIdentifiers checks plugin names with dashes lex as one
// identifier.
func TestHyphenatedIdentifiers(t *testing.T) {
	expr, err := Parse("node-exporter.value > 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	refs := collectRefs(expr)
	if len(refs) != 1 || refs[0].Plugin != "node-exporter" {
		t.Errorf("refs = %v", refs)
	}
}
