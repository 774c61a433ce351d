package verify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/perfgo/smokerun/failure"
)

const (
	stageTelemetry = "probe:telemetry"
	stageProjects  = "probe:projects"
	stageEvents    = "probe:events"

	telemetryPath = "/state/training/telemetry"
	projectsPath  = "/state/projects"
	eventsPath    = "/events?replay=1"

	connectedEvent = "event: service.connected"
	maxEventLines  = 32
	eventsTimeout  = 6 * time.Second
)

// Telemetry checks the context telemetry snapshot against the actions the
// functional probe completed.
func (p *Prober) Telemetry(ctx context.Context) (string, error) {
	doc, _, _, err := p.getJSON(ctx, telemetryPath)
	if err != nil {
		return "", failure.Probef(stageTelemetry, err, "failed to fetch telemetry")
	}
	want := p.completedActions
	if want < 1 {
		want = 1
	}
	if err := ValidateTelemetry(doc, want); err != nil {
		return "", err
	}
	return fmt.Sprintf("telemetry reflects at least %d action(s)", want), nil
}

// ValidateTelemetry checks generated, events.total, routes, bus.published
// and tools.completed.
func ValidateTelemetry(doc map[string]any, want int) error {
	generated, ok := doc["generated"].(string)
	if !ok {
		return failure.Probe(stageTelemetry, "generated timestamp", "missing")
	}
	if err := parseRFC3339(generated); err != nil {
		return failure.Probe(stageTelemetry, "generated RFC3339", err.Error())
	}

	events, ok := doc["events"].(map[string]any)
	if !ok {
		return failure.Probe(stageTelemetry, "events section", "missing")
	}
	if total := count(events["total"]); total < int64(want) {
		return failure.Probe(stageTelemetry, fmt.Sprintf("events.total >= %d", want), fmt.Sprintf("%d", total))
	}

	routes, ok := doc["routes"].([]any)
	if !ok {
		return failure.Probe(stageTelemetry, "routes array", "missing")
	}
	if len(routes) == 0 {
		return failure.Probe(stageTelemetry, "non-empty routes", "empty")
	}

	bus, ok := doc["bus"].(map[string]any)
	if !ok {
		return failure.Probe(stageTelemetry, "bus metrics", "missing")
	}
	if _, ok := bus["published"]; !ok {
		return failure.Probe(stageTelemetry, "bus.published", "missing")
	}

	tools, ok := doc["tools"].(map[string]any)
	if !ok {
		return failure.Probe(stageTelemetry, "tools metrics", "missing")
	}
	if completed := count(tools["completed"]); completed < int64(want) {
		return failure.Probe(stageTelemetry, fmt.Sprintf("tools.completed >= %d", want), fmt.Sprintf("%d", completed))
	}
	return nil
}

func count(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	case float64:
		return int64(n)
	}
	return 0
}

// Projects checks the projects snapshot has a generated timestamp and items.
func (p *Prober) Projects(ctx context.Context) (string, error) {
	doc, _, _, err := p.getJSON(ctx, projectsPath)
	if err != nil {
		return "", failure.Probef(stageProjects, err, "failed to fetch projects snapshot")
	}
	if _, ok := doc["generated"]; !ok {
		return "", failure.Probe(stageProjects, "generated timestamp", "missing")
	}
	items, ok := doc["items"]
	if !ok {
		return "", failure.Probe(stageProjects, "items array", "missing")
	}
	n := 0
	if list, ok := items.([]any); ok {
		n = len(list)
	}
	return fmt.Sprintf("%d project(s)", n), nil
}

// Events opens the event stream with replay and waits for the connected
// event within the first lines.
func (p *Prober) Events(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, eventsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(eventsPath), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Stream reads are bounded by ctx, not the client timeout.
	client := *p.target.Client.HTTP
	client.Timeout = 0
	for _, h := range p.target.Client.Headers {
		req.Header.Set(h.Name, h.Value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", failure.Probef(stageEvents, err, "failed to open event stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", failure.Probe(stageEvents, "2xx handshake", fmt.Sprintf("status %d", resp.StatusCode))
	}

	reader := bufio.NewReader(resp.Body)
	for i := 0; i < maxEventLines; i++ {
		line, err := reader.ReadString('\n')
		if strings.Contains(line, connectedEvent) {
			return "service.connected received", nil
		}
		if err != nil {
			break
		}
	}
	return "", failure.Probe(stageEvents, "service.connected within the first 32 lines", "not observed")
}
