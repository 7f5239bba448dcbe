package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/azzuwayed/serversentry/internal/model"
)

// Flavor selects the payload shape a webhook endpoint expects.
type Flavor string

const (
	FlavorGeneric Flavor = "webhook"
	FlavorTeams   Flavor = "teams"
	FlavorSlack   Flavor = "slack"
	FlavorDiscord Flavor = "discord"
)

// bodyMarker is the substring a 2xx response body must contain for
// delivery to count as success. Slack incoming webhooks answer "ok".
func (f Flavor) bodyMarker() string {
	if f == FlavorSlack {
		return "ok"
	}
	return ""
}

// WebhookSettings configure an HTTP webhook channel.
type WebhookSettings struct {
	URL string

	// Channel and Username override the destination's defaults where
	// the flavor supports it (Slack, Discord).
	Channel  string
	Username string

	// Client overrides the HTTP client; deadlines come from Send's
	// context either way.
	Client *http.Client
}

// WebhookChannel posts JSON payloads to a webhook URL.
type WebhookChannel struct {
	name     string
	flavor   Flavor
	url      string
	channel  string
	username string
	client   *http.Client
}

// NewWebhook builds a webhook channel. URL policy is enforced by
// ValidateURL at configuration load, not here.
func NewWebhook(name string, flavor Flavor, s WebhookSettings) (*WebhookChannel, error) {
	if s.URL == "" {
		return nil, fmt.Errorf("%s: url required", name)
	}
	if _, err := url.Parse(s.URL); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{
		name:     name,
		flavor:   flavor,
		url:      s.URL,
		channel:  s.Channel,
		username: s.Username,
		client:   client,
	}, nil
}

func (w *WebhookChannel) Name() string { return w.name }

// Send posts the payload. 429 and 5xx responses and network errors
// are transient; other non-2xx responses and body-marker mismatches
// are permanent.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(w.payload(msg))
	if err != nil {
		return permanentf(w.name, "marshal payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return permanentf(w.name, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return transientf(w.name, "post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return transientf(w.name, "rate limited: %s", resp.Status)
	case resp.StatusCode >= 500:
		return transientf(w.name, "server error: %s", resp.Status)
	case resp.StatusCode >= 300:
		return permanentf(w.name, "rejected: %s: %s", resp.Status, truncate(body))
	}
	if marker := w.flavor.bodyMarker(); marker != "" && !strings.Contains(string(body), marker) {
		return permanentf(w.name, "unexpected response body %q", truncate(body))
	}
	return nil
}

func truncate(b []byte) string {
	const max = 120
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func (w *WebhookChannel) payload(msg Message) any {
	switch w.flavor {
	case FlavorSlack:
		return w.slackPayload(msg)
	case FlavorTeams:
		return teamsPayload(msg)
	case FlavorDiscord:
		return w.discordPayload(msg)
	default:
		return genericPayload(msg)
	}
}

// colorFor maps an event to Slack's named colors and a hex code for
// the card-style flavors.
func colorFor(ev model.Event) (name, hex string) {
	if recovery(ev) {
		return "good", "2eb886"
	}
	switch e := ev.(type) {
	case *model.StatusEvent:
		switch e.Status {
		case model.StatusOK:
			return "good", "2eb886"
		case model.StatusWarning:
			return "warning", "ffc107"
		default:
			return "danger", "dc3545"
		}
	case *model.AnomalyEvent:
		if e.Confidence == model.ConfidenceHigh {
			return "danger", "dc3545"
		}
		return "warning", "ffc107"
	case *model.CompositeEvent:
		if e.Severity >= model.SeverityCritical {
			return "danger", "dc3545"
		}
		return "warning", "ffc107"
	}
	return "warning", "ffc107"
}

func (w *WebhookChannel) slackPayload(msg Message) map[string]any {
	color, _ := colorFor(msg.Event)
	p := map[string]any{
		"attachments": []any{map[string]any{
			"color": color,
			"title": msg.Title,
			"text":  msg.Body,
			"ts":    msg.Event.EventTime().Unix(),
		}},
	}
	if w.channel != "" {
		p["channel"] = w.channel
	}
	if w.username != "" {
		p["username"] = w.username
	}
	return p
}

// factOrder fixes the fact listing for card payloads.
var factOrder = []string{
	"plugin", "metric", "value", "status", "severity",
	"kind", "confidence", "rule_name", "hostname", "timestamp",
}

func teamsPayload(msg Message) map[string]any {
	_, hex := colorFor(msg.Event)
	facts := make([]map[string]string, 0, len(factOrder))
	for _, k := range factOrder {
		if v := msg.Values[k]; v != "" {
			facts = append(facts, map[string]string{"name": k, "value": v})
		}
	}
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": hex,
		"summary":    msg.Title,
		"title":      msg.Title,
		"text":       msg.Body,
		"sections":   []any{map[string]any{"facts": facts}},
	}
}

func (w *WebhookChannel) discordPayload(msg Message) map[string]any {
	_, hex := colorFor(msg.Event)
	color, _ := strconv.ParseUint(hex, 16, 32)
	p := map[string]any{
		"embeds": []any{map[string]any{
			"title":       msg.Title,
			"description": msg.Body,
			"color":       int(color),
			"timestamp":   msg.Event.EventTime().UTC().Format(time.RFC3339),
		}},
	}
	if w.username != "" {
		p["username"] = w.username
	}
	return p
}

func genericPayload(msg Message) map[string]any {
	ev := msg.Event
	p := map[string]any{
		"title":     msg.Title,
		"text":      msg.Body,
		"hostname":  msg.Values["hostname"],
		"timestamp": ev.EventTime().UTC().Format(time.RFC3339),
		"event_id":  ev.EventID(),
	}
	switch e := ev.(type) {
	case *model.StatusEvent:
		p["plugin"] = e.Plugin
		p["metric"] = e.Metric
		p["value"] = e.Value
		p["status"] = string(e.Status)
		p["details"] = map[string]any{
			"thresholds": e.Thresholds,
			"previous":   string(e.Previous),
			"recovery":   e.Recovery,
		}
	case *model.AnomalyEvent:
		p["plugin"] = e.Plugin
		p["metric"] = e.Metric
		p["value"] = e.Value
		p["kind"] = string(e.Kind)
		p["details"] = map[string]any{
			"kinds":      e.Kinds,
			"score":      e.Score,
			"confidence": string(e.Confidence),
			"stats":      e.Stats,
		}
	case *model.CompositeEvent:
		p["status"] = msg.Values["status"]
		p["severity"] = e.Severity.String()
		p["details"] = map[string]any{
			"rule":       e.Rule,
			"expression": e.Expression,
			"bindings":   e.Bindings,
		}
	}
	return p
}

// ValidateURL checks that a webhook URL uses http or https and does
// not target loopback, link-local, or cloud metadata endpoints.
// Private ranges stay allowed; on-prem webhook receivers are common.
// Called once per channel at configuration load.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("webhook URL missing host")
	}
	switch host {
	case "localhost", "metadata.google.internal":
		return fmt.Errorf("webhook URL host %q is blocked", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook URL host %q is blocked", host)
		}
	}
	return nil
}
