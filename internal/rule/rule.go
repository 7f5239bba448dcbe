// Package rule parses and evaluates composite alert expressions over
// the latest readings of the store. Expressions combine comparisons
// with AND, OR, and NOT; a rule triggers while its expression is true
// and recovers on the first true-to-false transition.
package rule

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
)

// degradedAfter is how many consecutive missing-reference evaluations
// a rule tolerates before it is suppressed until the next reload.
const degradedAfter = 3

// Spec is the raw rule definition as it appears in configuration.
type Spec struct {
	Name             string
	Expression       string
	Severity         model.Severity
	Cooldown         time.Duration
	NotifyOnTrigger  bool
	NotifyOnRecovery bool
	Enabled          bool
}

// Rule is a compiled, executable rule.
type Rule struct {
	Spec
	expr Expr
	refs []Ref
}

// Compile parses the spec's expression.
func Compile(spec Spec) (*Rule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("rule: name required")
	}
	expr, err := Parse(spec.Expression)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", spec.Name, err)
	}
	return &Rule{Spec: spec, expr: expr, refs: collectRefs(expr)}, nil
}

// Refs returns the series the rule reads.
func (r *Rule) Refs() []Ref { return r.refs }

// Source resolves the latest reading of a series.
type Source interface {
	Latest(key model.SeriesKey) (model.MetricReading, error)
}

type ruleState struct {
	triggered  bool
	missStreak int
	degraded   bool
}

// Evaluator runs a rule set against the latest readings.
type Evaluator struct {
	source Source
	logger *zap.Logger

	mu    sync.Mutex
	rules []*Rule
	state map[string]*ruleState
}

// NewEvaluator returns an evaluator with an empty rule set.
func NewEvaluator(source Source, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		source: source,
		logger: logger.Named("rule"),
		state:  make(map[string]*ruleState),
	}
}

// SetRules replaces the rule set and resets all trigger and degraded
// state, which is how a reload clears degraded rules.
func (e *Evaluator) SetRules(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	e.state = make(map[string]*ruleState, len(rules))
	for _, r := range rules {
		e.state[r.Name] = &ruleState{}
	}
}

// Rules returns the current rule set.
func (e *Evaluator) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules
}

// References returns every series any enabled rule reads.
func (e *Evaluator) References() []model.SeriesKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[model.SeriesKey]bool)
	var keys []model.SeriesKey
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		for _, ref := range r.refs {
			key := model.SeriesKey{Plugin: ref.Plugin, Metric: ref.Metric}
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// Degraded returns the names of rules suppressed by repeated missing
// references.
func (e *Evaluator) Degraded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for name, st := range e.state {
		if st.degraded {
			names = append(names, name)
		}
	}
	return names
}

// EvaluateAll evaluates every enabled rule and returns the events to
// publish.
func (e *Evaluator) EvaluateAll(now time.Time) []*model.CompositeEvent {
	return e.evaluate(nil, now)
}

// EvaluateDirty evaluates the rules referencing at least one series in
// dirty. Rules with no references run on every pass.
func (e *Evaluator) EvaluateDirty(dirty map[model.SeriesKey]bool, now time.Time) []*model.CompositeEvent {
	return e.evaluate(dirty, now)
}

func (e *Evaluator) evaluate(dirty map[model.SeriesKey]bool, now time.Time) []*model.CompositeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []*model.CompositeEvent
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if dirty != nil && !touchesDirty(r, dirty) {
			continue
		}
		st := e.state[r.Name]
		if st == nil {
			st = &ruleState{}
			e.state[r.Name] = st
		}
		if st.degraded {
			continue
		}
		if ev := e.evaluateRule(r, st, now); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func touchesDirty(r *Rule, dirty map[model.SeriesKey]bool) bool {
	if len(r.refs) == 0 {
		return true
	}
	for _, ref := range r.refs {
		if dirty[model.SeriesKey{Plugin: ref.Plugin, Metric: ref.Metric}] {
			return true
		}
	}
	return false
}

// evaluateRule runs one rule. Missing references leave the trigger
// state untouched so a gap in data cannot fabricate a recovery.
func (e *Evaluator) evaluateRule(r *Rule, st *ruleState, now time.Time) *model.CompositeEvent {
	env := newEvalEnv(e.lookup)
	result := r.expr.eval(env)

	if len(env.missing) > 0 {
		st.missStreak++
		e.logger.Warn("rule references missing series",
			zap.String("rule", r.Name),
			zap.Strings("missing", env.missing),
			zap.Int("consecutive", st.missStreak))
		if st.missStreak > degradedAfter {
			st.degraded = true
			e.logger.Warn("rule degraded until reload", zap.String("rule", r.Name))
		}
		return nil
	}
	st.missStreak = 0

	if result {
		st.triggered = true
		if !r.NotifyOnTrigger {
			return nil
		}
		return e.event(r, env, true, false, now)
	}

	wasTriggered := st.triggered
	st.triggered = false
	if wasTriggered && r.NotifyOnRecovery {
		return e.event(r, env, false, true, now)
	}
	return nil
}

func (e *Evaluator) event(r *Rule, env *evalEnv, triggered, recovery bool, now time.Time) *model.CompositeEvent {
	ev := &model.CompositeEvent{
		ID:         model.NewEventID(),
		Rule:       r.Name,
		Expression: r.Expression,
		Triggered:  triggered,
		Recovery:   recovery,
		Bindings:   env.bindings,
		Severity:   r.Severity,
		Timestamp:  now.UTC(),
		Cooldown:   r.Cooldown,
	}
	if recovery {
		ev.Annotation = "rule recovered: " + condensed(r.Expression)
	}
	return ev
}

func (e *Evaluator) lookup(ref Ref) (float64, bool) {
	reading, err := e.source.Latest(model.SeriesKey{Plugin: ref.Plugin, Metric: ref.Metric})
	if err != nil {
		return 0, false
	}
	return reading.Value, true
}

func condensed(expression string) string {
	return strings.Join(strings.Fields(expression), " ")
}
