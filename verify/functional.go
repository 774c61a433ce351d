package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/backend/stub"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/model"
	"github.com/perfgo/smokerun/poll"
)

const stageFunctional = "probe:functional"

// Functional submits ActionCount echo actions, waits for each to complete
// and checks the payload. Against the stub it also checks the request the
// server sent to the backend.
func (p *Prober) Functional(ctx context.Context) (string, error) {
	count := p.cfg.ActionCount
	if count < 1 {
		count = 1
	}

	ids := make([]string, 0, count)
	msgs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		msg := p.cfg.Message
		if count > 1 {
			msg = fmt.Sprintf("%s-%d", p.cfg.Message, i)
		}
		id, err := p.SubmitAction(ctx, msg)
		if err != nil {
			return "", err
		}
		p.logger.Debug().Str("action", id).Str("msg", msg).Msg("Action submitted")
		ids = append(ids, id)
		msgs = append(msgs, msg)
	}

	for i, id := range ids {
		doc, body, err := p.WaitAction(ctx, id)
		if err != nil {
			return "", err
		}
		p.saveArtifact(fmt.Sprintf("action-%d.json", i), model.ArtifactTypeActionResponse, body)
		if err := ValidateAction(doc, body, msgs[i], p.cfg.Persona, p.target.Backend.ExpectedTag()); err != nil {
			return "", err
		}
		p.completedActions++
	}

	if p.target.Backend.Kind == backend.KindStub {
		if err := CheckCapture(p.target.CapturePath, p.cfg.RequiredField); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d action(s) completed via %s backend", len(ids), p.target.Backend.Kind), nil
}

// SubmitAction posts an echo action and returns its id.
func (p *Prober) SubmitAction(ctx context.Context, msg string) (string, error) {
	payload := map[string]any{
		"kind":  p.cfg.ActionKind,
		"input": map[string]any{"msg": msg},
	}
	if p.cfg.Persona != "" {
		payload["persona_id"] = p.cfg.Persona
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url("/actions"), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	doc, _, body, err := p.doJSON(req)
	if err != nil {
		return "", failure.Probef(stageFunctional, err, "failed to submit action")
	}
	id := actionID(doc)
	if id == "" {
		return "", failure.Probe(stageFunctional, "submission response with id or action.id", truncate(body, 256))
	}
	return id, nil
}

func actionID(doc map[string]any) string {
	if id, ok := doc["id"].(string); ok && id != "" {
		return id
	}
	if action, ok := doc["action"].(map[string]any); ok {
		if id, ok := action["id"].(string); ok {
			return id
		}
	}
	return ""
}

var errUnexpectedState = errors.New("unexpected action state")

// WaitAction polls the action until it completes. 404 and transport errors
// are retried; queued and running keep polling; any other state fails.
func (p *Prober) WaitAction(ctx context.Context, id string) (map[string]any, []byte, error) {
	var (
		doc  map[string]any
		body []byte
		last string
	)
	budget := poll.BudgetFor(p.cfg.ActionTimeout, 0)
	err := poll.Until(ctx, budget, func(ctx context.Context, attempt int) (bool, error) {
		d, status, b, err := p.getJSON(ctx, "/actions/"+url.PathEscape(id))
		if err != nil {
			if status == 0 || status == http.StatusNotFound || status >= 500 {
				return false, err
			}
			return false, poll.Stop(err)
		}
		state, _ := d["state"].(string)
		last = state
		switch state {
		case "completed":
			doc, body = d, b
			return true, nil
		case "queued", "running":
			return false, fmt.Errorf("action %s is %s", id, state)
		default:
			return false, poll.Stop(fmt.Errorf("%w %q: %s", errUnexpectedState, state, truncate(b, 256)))
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		if errors.Is(err, errUnexpectedState) {
			return nil, nil, failure.Probe(stageFunctional, "action state completed", fmt.Sprintf("state %q", last))
		}
		return nil, nil, failure.Probef(stageFunctional, err, "action %s did not complete (last state %q)", id, last)
	}
	return doc, body, nil
}

// ValidateAction checks a completed action document: the state, the created
// timestamp, the persona round trip, a non-empty output that contains msg,
// and the backend tag somewhere in the document.
func ValidateAction(doc map[string]any, raw []byte, msg, persona, tag string) error {
	if state, _ := doc["state"].(string); state != "completed" {
		return failure.Probe(stageFunctional, "state completed", fmt.Sprintf("state %q", state))
	}
	if created, ok := doc["created"].(string); ok {
		if err := parseRFC3339(created); err != nil {
			return failure.Probef(stageFunctional, err, "invalid created timestamp")
		}
	}
	if persona != "" {
		if got, _ := doc["persona_id"].(string); got != persona {
			return failure.Probe(stageFunctional, "persona_id "+persona, fmt.Sprintf("persona_id %q", got))
		}
	}

	output, ok := doc["output"]
	if !ok || isEmpty(output) {
		return failure.Probe(stageFunctional, "non-empty output", "output missing or empty")
	}
	if !containsText(output, msg) {
		outText, _ := json.Marshal(output)
		return failure.Probe(stageFunctional, fmt.Sprintf("output containing %q", msg), truncate(outText, 256))
	}
	if tag != "" && !strings.Contains(strings.ToLower(string(raw)), strings.ToLower(tag)) {
		return failure.Probe(stageFunctional, fmt.Sprintf("response tagged with backend %q", tag), truncate(raw, 256))
	}
	return nil
}

// containsText reports whether any string in the decoded JSON value v
// contains msg.
func containsText(v any, msg string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, msg)
	case map[string]any:
		for _, e := range t {
			if containsText(e, msg) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if containsText(e, msg) {
				return true
			}
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// CheckCapture verifies the stub received at least one request and that a
// completion request carried the required field.
func CheckCapture(path, field string) error {
	if path == "" {
		return failure.Probe(stageFunctional, "stub capture file", "no capture file configured")
	}
	captured, err := stub.ReadCapture(path)
	if err != nil {
		return failure.Probef(stageFunctional, err, "failed to read stub capture")
	}
	if len(captured) == 0 {
		return failure.Probe(stageFunctional, "server to call the stub backend", "no requests captured")
	}
	if field == "" {
		return nil
	}
	for _, c := range captured {
		if c.HasField(field) {
			return nil
		}
	}
	return failure.Probe(stageFunctional,
		fmt.Sprintf("backend request with field %q", field),
		fmt.Sprintf("%d request(s) without it", len(captured)))
}
