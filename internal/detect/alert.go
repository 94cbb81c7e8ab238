// Package detect evaluates events against the loaded rule sets and
// raises alerts. Rules are parsed into typed matchers at load time so
// per-event evaluation never re-parses patterns.
package detect

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/libresiem/libresiem/internal/models"
)

// Alert is one detection hit.
type Alert struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Severity      string                 `json:"severity"`
	Timestamp     time.Time              `json:"timestamp"`
	RuleID        string                 `json:"rule_id"`
	RuleName      string                 `json:"rule_name"`
	SourceEvent   *models.Event          `json:"source_event"`
	MatchedFields map[string]interface{} `json:"matched_fields"`
	Tags          []string               `json:"tags"`
}

func newAlert(kind, ruleID string) Alert {
	return Alert{
		ID:        fmt.Sprintf("%s_%s_%s", kind, ruleID, uuid.NewString()),
		Timestamp: time.Now().UTC(),
		RuleID:    ruleID,
	}
}

// eventView flattens the event envelope so rule field paths like
// "data.status" and "event_type" resolve uniformly.
func eventView(e *models.Event) map[string]interface{} {
	return map[string]interface{}{
		"source":     e.Source,
		"event_type": e.EventType,
		"severity":   e.Severity,
		"vendor":     e.Vendor,
		"timestamp":  e.Timestamp.Format(time.RFC3339),
		"data":       e.Data,
		"metadata":   e.Metadata,
		"enriched":   e.Enriched,
	}
}

// lookupPath walks dotted paths through nested maps. Missing segments
// return (nil, false).
func lookupPath(view map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = view
	for _, part := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
