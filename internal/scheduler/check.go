package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/azzuwayed/serversentry/internal/config"
	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/sampler"
	"github.com/azzuwayed/serversentry/internal/threshold"
)

// CheckResult is one plugin's outcome from a single diagnostic pass.
type CheckResult struct {
	Plugin     string       `json:"plugin"`
	Value      float64      `json:"value"`
	Status     model.Status `json:"status"`
	Annotation string       `json:"annotation,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// CheckOnce samples every spec once and classifies the values. It is
// stateless: nothing is appended to a store and no transition history
// is consulted, so repeated runs are side-effect free.
func CheckOnce(ctx context.Context, reg *sampler.Registry, specs []config.PluginSpec, procRoot string) []CheckResult {
	results := make([]CheckResult, 0, len(specs))
	for _, spec := range specs {
		res := CheckResult{Plugin: spec.Name}
		smp, ok := reg.Lookup(spec.Name)
		if !ok {
			res.Status = model.StatusError
			res.Error = fmt.Sprintf("no sampler registered for %q", spec.Name)
			results = append(results, res)
			continue
		}

		cfg := sampler.DefaultConfig()
		cfg.Options = spec.Options
		if procRoot != "" {
			cfg.ProcRoot = procRoot
		}
		tctx, cancel := context.WithTimeout(ctx, spec.Timeout)
		value, err := smp.Sample(tctx, cfg)
		cancel()
		if err != nil {
			res.Status = model.StatusError
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		res.Value = value
		res.Status, res.Annotation = threshold.Classify(value, spec.Thresholds)
		results = append(results, res)
	}
	return results
}

// WorstStatus folds the results into the most severe status seen,
// OK for an empty pass.
func WorstStatus(results []CheckResult) model.Status {
	worst := model.StatusOK
	for _, res := range results {
		if res.Status.Rank() > worst.Rank() {
			worst = res.Status
		}
	}
	return worst
}

// FormatCheck renders a pass as one line per plugin plus a trailing
// overall verdict.
func FormatCheck(results []CheckResult) string {
	var b strings.Builder
	for _, res := range results {
		switch {
		case res.Error != "":
			fmt.Fprintf(&b, "%-10s %-8s %s\n", res.Plugin, res.Status, res.Error)
		case res.Annotation != "":
			fmt.Fprintf(&b, "%-10s %-8s %.1f (%s)\n", res.Plugin, res.Status, res.Value, res.Annotation)
		default:
			fmt.Fprintf(&b, "%-10s %-8s %.1f\n", res.Plugin, res.Status, res.Value)
		}
	}
	fmt.Fprintf(&b, "overall: %s\n", WorstStatus(results))
	return b.String()
}
