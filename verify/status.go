package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/model"
	"github.com/perfgo/smokerun/poll"
)

const stageStatus = "probe:status"

// Status polls the status document until it is complete and consistent.
// The server publishes entries asynchronously, so early empty documents
// are retried rather than failed.
func (p *Prober) Status(ctx context.Context) (string, error) {
	var (
		summary string
		body    []byte
		lastErr error
	)
	budget := poll.BudgetFor(p.cfg.StatusTimeout, 0)
	err := poll.Until(ctx, budget, func(ctx context.Context, attempt int) (bool, error) {
		doc, _, b, err := p.getJSON(ctx, p.cfg.StatusPath)
		if err != nil {
			lastErr = err
			return false, err
		}
		body = b
		s, err := ValidateStatus(doc)
		if err != nil {
			lastErr = err
			return false, err
		}
		summary = s
		return true, nil
	})
	p.saveArtifact("status.json", model.ArtifactTypeStatusDocument, body)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		if fe, ok := failure.As(lastErr); ok {
			return "", fe
		}
		return "", failure.Probef(stageStatus, err, "status document %s never became valid", p.cfg.StatusPath)
	}
	return summary, nil
}

// ValidateStatus checks a status document of the shape
//
//	{"ttl_seconds": 60, "items": {"<target>": {"target": "...", "generated": "...",
//	 "status": {"code": "...", "label": "...", "detail": ["..."]}}}}
//
// items may also be a list.
func ValidateStatus(doc map[string]any) (string, error) {
	ttl, err := positiveInt(doc["ttl_seconds"])
	if err != nil {
		return "", failure.Probe(stageStatus, "ttl_seconds to be a positive integer", err.Error())
	}

	entries := map[string]map[string]any{}
	switch items := doc["items"].(type) {
	case map[string]any:
		for k, v := range items {
			entry, ok := v.(map[string]any)
			if !ok {
				return "", failure.Probe(stageStatus, "items."+k+" to be an object", fmt.Sprintf("%T", v))
			}
			entries[k] = entry
		}
	case []any:
		for i, v := range items {
			entry, ok := v.(map[string]any)
			if !ok {
				return "", failure.Probe(stageStatus, fmt.Sprintf("items[%d] to be an object", i), fmt.Sprintf("%T", v))
			}
			entries[fmt.Sprintf("[%d]", i)] = entry
		}
	default:
		return "", failure.Probe(stageStatus, "items to be an object or list", fmt.Sprintf("%T", doc["items"]))
	}
	if len(entries) == 0 {
		return "", failure.Probe(stageStatus, "at least one status entry", "items is empty")
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	labels := make([]string, 0, len(keys))
	for _, key := range keys {
		entry := entries[key]
		where := "items." + key

		if target, ok := entry["target"].(string); ok && !strings.HasPrefix(key, "[") && target != key {
			return "", failure.Probe(stageStatus, where+".target "+key, fmt.Sprintf("%q", target))
		}
		if generated, ok := entry["generated"].(string); ok {
			if err := parseRFC3339(generated); err != nil {
				return "", failure.Probe(stageStatus, where+".generated RFC3339", err.Error())
			}
		}

		status, ok := entry["status"].(map[string]any)
		if !ok {
			return "", failure.Probe(stageStatus, where+".status object", "missing")
		}
		label, _ := status["label"].(string)
		if strings.TrimSpace(label) == "" {
			return "", failure.Probe(stageStatus, where+".status.label non-blank", fmt.Sprintf("%q", label))
		}
		details, ok := status["detail"].([]any)
		if !ok || len(details) == 0 {
			return "", failure.Probe(stageStatus, where+".status.detail non-empty list", fmt.Sprintf("%v", status["detail"]))
		}
		for i, d := range details {
			if s, ok := d.(string); !ok || strings.TrimSpace(s) == "" {
				return "", failure.Probe(stageStatus, fmt.Sprintf("%s.status.detail[%d] non-blank", where, i), fmt.Sprintf("%v", d))
			}
		}
		labels = append(labels, fmt.Sprintf("%s=%s", key, label))
	}
	return fmt.Sprintf("ttl %ds, %s", ttl, strings.Join(labels, ", ")), nil
}

func positiveInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s is not an integer", n)
		}
		if i <= 0 {
			return 0, fmt.Errorf("%d is not positive", i)
		}
		return i, nil
	case float64:
		if n != float64(int64(n)) || n <= 0 {
			return 0, fmt.Errorf("%v is not a positive integer", n)
		}
		return int64(n), nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("%v (%T) is not a number", v, v)
	}
}
