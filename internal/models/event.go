// Package models defines the canonical log event flowing through the
// pipeline, plus the batch and log-format envelopes accepted at the edge.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	// MaxDataBytes bounds the serialized size of a single event's data tree.
	MaxDataBytes = 1 << 20 // 1 MiB

	// MaxBatchBytes bounds the serialized size of a whole batch.
	MaxBatchBytes = 5 << 20 // 5 MiB

	// MaxBatchEvents bounds the number of events per batch.
	MaxBatchEvents = 1000
)

var (
	ErrMissingSource    = errors.New("source is required")
	ErrMissingEventType = errors.New("event_type is required")
	ErrMissingData      = errors.New("data is required")

	nameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// Severities accepted on an event, lowest to highest.
var Severities = []string{"debug", "info", "warning", "error", "critical"}

// Event is the canonical log record. Immutable after ingestion except for
// the Enriched overlay the processor attaches.
type Event struct {
	Source    string                 `json:"source"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity,omitempty"`
	Vendor    string                 `json:"vendor,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Enriched  map[string]interface{} `json:"enriched,omitempty"`
}

// Validate checks the ingestion invariants: identifier character classes,
// severity membership and the serialized data bound.
func (e *Event) Validate() error {
	if e.Source == "" {
		return ErrMissingSource
	}
	if len(e.Source) > 255 || !nameRe.MatchString(e.Source) {
		return fmt.Errorf("source %q must match [A-Za-z0-9_.-]{1,255}", e.Source)
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if len(e.EventType) > 100 || !nameRe.MatchString(e.EventType) {
		return fmt.Errorf("event_type %q must match [A-Za-z0-9_.-]{1,100}", e.EventType)
	}
	if e.Severity != "" && !validSeverity(e.Severity) {
		return fmt.Errorf("severity %q must be one of debug|info|warning|error|critical", e.Severity)
	}
	if e.Data == nil {
		return ErrMissingData
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("data is not serializable: %w", err)
	}
	if len(raw) > MaxDataBytes {
		return fmt.Errorf("event data exceeds maximum size of %d bytes", MaxDataBytes)
	}
	return nil
}

// Normalize fills defaults and converts the timestamp to UTC. Called once
// at ingress, before the event reaches the producer.
func (e *Event) Normalize(now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	if e.Severity == "" {
		e.Severity = "info"
	}
}

// Fingerprint returns a stable hex digest over source, event_type and the
// data tree minus the volatile keys. Used only as a dedup cache key.
func (e *Event) Fingerprint() string {
	data := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		switch k {
		case "timestamp", "id", "sequence_num":
			continue
		}
		data[k] = v
	}
	// json.Marshal sorts map keys, so the digest is stable across runs.
	raw, err := json.Marshal(map[string]interface{}{
		"source":     e.Source,
		"event_type": e.EventType,
		"data":       data,
	})
	if err != nil {
		raw = []byte(e.Source + "|" + e.EventType)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func validSeverity(s string) bool {
	for _, v := range Severities {
		if s == v {
			return true
		}
	}
	return false
}

// Batch is the envelope for batched ingestion.
type Batch struct {
	Events []Event `json:"events"`
}

// Validate checks the batch-level invariants. Per-event validation is left
// to the caller so a batch can partially succeed.
func (b *Batch) Validate() error {
	if len(b.Events) == 0 {
		return errors.New("batch must contain at least one event")
	}
	if len(b.Events) > MaxBatchEvents {
		return fmt.Errorf("batch exceeds maximum of %d events", MaxBatchEvents)
	}
	total := 0
	for i := range b.Events {
		raw, err := json.Marshal(&b.Events[i])
		if err != nil {
			return fmt.Errorf("event %d is not serializable: %w", i, err)
		}
		total += len(raw)
	}
	if total > MaxBatchBytes {
		return fmt.Errorf("total batch size exceeds maximum of %d bytes", MaxBatchBytes)
	}
	return nil
}
