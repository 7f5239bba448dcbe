package notify

import (
	"strconv"
	"strings"
	"time"

	"github.com/azzuwayed/serversentry/internal/model"
)

// Values extracts the template placeholder vocabulary from an event.
// Placeholders an event kind does not define are simply absent and
// render empty.
func Values(ev model.Event, hostname string) map[string]string {
	v := map[string]string{
		"hostname":  hostname,
		"timestamp": ev.EventTime().UTC().Format(time.RFC3339),
	}
	switch e := ev.(type) {
	case *model.StatusEvent:
		v["plugin"] = e.Plugin
		v["metric"] = e.Metric
		v["value"] = formatFloat(e.Value)
		v["status"] = string(e.Status)
	case *model.AnomalyEvent:
		v["plugin"] = e.Plugin
		v["metric"] = e.Metric
		v["value"] = formatFloat(e.Value)
		v["kind"] = string(e.Kind)
		v["confidence"] = string(e.Confidence)
		v["z_score"] = formatFloat(e.Score)
		v["mean"] = formatFloat(e.Stats.Mean)
		v["std_dev"] = formatFloat(e.Stats.StdDev)
	case *model.CompositeEvent:
		v["rule_name"] = e.Rule
		v["expression"] = e.Expression
		v["severity"] = e.Severity.String()
		if e.Recovery {
			v["status"] = "recovered"
		} else {
			v["status"] = "triggered"
		}
	}
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Render substitutes {name} placeholders from values. Unknown names
// render empty; a brace without a terminator, or one not enclosing a
// placeholder name, passes through literally.
func Render(tmpl string, values map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			b.WriteByte(tmpl[i])
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i+1:], '}')
		if end < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		name := tmpl[i+1 : i+1+end]
		if placeholderName(name) {
			b.WriteString(values[name])
		} else {
			b.WriteString(tmpl[i : i+end+2])
		}
		i += end + 2
	}
	return b.String()
}

func placeholderName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && c != '_' {
			return false
		}
	}
	return true
}

// defaultTitle picks the built-in subject line for an event.
func defaultTitle(ev model.Event) string {
	switch e := ev.(type) {
	case *model.AnomalyEvent:
		return "[ANOMALY] {kind}: {plugin}/{metric} on {hostname}"
	case *model.CompositeEvent:
		if e.Recovery {
			return "[RECOVERED] Rule {rule_name} on {hostname}"
		}
		return "[{severity}] Rule {rule_name} triggered on {hostname}"
	case *model.StatusEvent:
		if e.Recovery {
			return "[RECOVERED] {plugin}/{metric} on {hostname}"
		}
		return "[{status}] {plugin}/{metric} on {hostname}"
	default:
		return "ServerSentry event on {hostname}"
	}
}

// defaultBody is the built-in body template per event kind, used when
// neither the channel nor the global default template is set.
func defaultBody(kind model.EventKind) string {
	switch kind {
	case model.EventAnomaly:
		return "{kind} on {plugin}/{metric}: value {value} " +
			"(mean {mean}, std_dev {std_dev}, z {z_score}, confidence {confidence}) at {timestamp}"
	case model.EventComposite:
		return "Rule {rule_name} {status}: {expression} at {timestamp}"
	default:
		return "{plugin}/{metric} is {status}: value {value} at {timestamp} on {hostname}"
	}
}
