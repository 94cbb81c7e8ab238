// Package parser turns raw log lines into canonical events. Formats are
// regular expressions with named groups and a per-field type table; the
// built-in set covers syslog, Apache, and the common firewall and IDS
// vendors, and new formats can be registered at runtime.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/libresiem/libresiem/internal/models"
)

var (
	ErrUnknownFormat  = errors.New("unknown log format")
	ErrFormatMismatch = errors.New("log line does not match format")
	ErrUndetectable   = errors.New("unable to detect log format")
)

// Field types a format may declare.
const (
	FieldString   = "string"
	FieldInteger  = "integer"
	FieldDatetime = "datetime"
	FieldJSON     = "json"
)

// Format describes one parseable log shape.
type Format struct {
	Name    string            `json:"name"`
	Pattern string            `json:"pattern"`
	Fields  map[string]string `json:"fields"`
	Sample  string            `json:"sample,omitempty"`

	re *regexp.Regexp
}

// Registry holds formats in registration order, which doubles as
// detection priority.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	formats map[string]*Format
}

// NewRegistry returns a registry preloaded with the built-in formats.
func NewRegistry() *Registry {
	r := &Registry{formats: make(map[string]*Format)}
	for _, f := range builtinFormats() {
		if err := r.Register(f); err != nil {
			panic(fmt.Sprintf("parser: bad builtin format %s: %v", f.Name, err))
		}
	}
	return r
}

// Register compiles and validates a format, then adds it. Every declared
// field must exist as a named group in the pattern, and field types must
// be one of the known set. Re-registering a name replaces it in place.
func (r *Registry) Register(f Format) error {
	if f.Name == "" {
		return errors.New("format name is required")
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return fmt.Errorf("compile pattern for %s: %w", f.Name, err)
	}
	groups := make(map[string]bool)
	for _, g := range re.SubexpNames() {
		if g != "" {
			groups[g] = true
		}
	}
	for field, typ := range f.Fields {
		if !groups[field] {
			return fmt.Errorf("format %s declares field %q with no matching capture group", f.Name, field)
		}
		switch typ {
		case FieldString, FieldInteger, FieldDatetime, FieldJSON:
		default:
			return fmt.Errorf("format %s field %q has unknown type %q", f.Name, field, typ)
		}
	}
	f.re = re

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.formats[f.Name]; !exists {
		r.order = append(r.order, f.Name)
	}
	r.formats[f.Name] = &f
	return nil
}

// Detect returns the name of the first registered format whose pattern
// matches the line.
func (r *Registry) Detect(line string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if r.formats[name].re.MatchString(line) {
			return name, true
		}
	}
	return "", false
}

// List returns the registered formats without their compiled patterns.
func (r *Registry) List() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.order))
	for _, name := range r.order {
		f := r.formats[name]
		out = append(out, Format{Name: f.Name, Pattern: f.Pattern, Fields: f.Fields, Sample: f.Sample})
	}
	return out
}

// Parse turns a raw line into an event. With an empty formatName the
// line is first tried as JSON, then run through format detection.
// eventType defaults to "log" when empty.
func (r *Registry) Parse(line, formatName, source, eventType, vendor string) (*models.Event, error) {
	if eventType == "" {
		eventType = "log"
	}

	if formatName == "" {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return r.createEvent(obj, source, eventType, vendor, "json"), nil
		}
		name, ok := r.Detect(line)
		if !ok {
			return nil, ErrUndetectable
		}
		formatName = name
	}

	r.mu.RLock()
	f, ok := r.formats[formatName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, formatName)
	}

	match := f.re.FindStringSubmatch(line)
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrFormatMismatch, formatName)
	}

	groups := make(map[string]string)
	for i, name := range f.re.SubexpNames() {
		if name != "" && i < len(match) {
			groups[name] = match[i]
		}
	}

	data := make(map[string]interface{}, len(f.Fields))
	for field, typ := range f.Fields {
		value := groups[field]
		switch typ {
		case FieldInteger:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not an integer", field, value)
			}
			data[field] = n
		case FieldDatetime:
			ts, err := parseTimestamp(formatName, value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			data[field] = ts.Format(time.RFC3339)
		case FieldJSON:
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(value), &obj); err != nil {
				return nil, fmt.Errorf("field %s: invalid JSON: %w", field, err)
			}
			for k, v := range obj {
				data[k] = v
			}
		default:
			data[field] = value
		}
	}

	return r.createEvent(data, source, eventType, vendor, formatName), nil
}

// createEvent promotes a timestamp out of the common data fields and
// assembles the canonical event. The format that produced the event is
// recorded in its metadata.
func (r *Registry) createEvent(data map[string]interface{}, source, eventType, vendor, formatName string) *models.Event {
	var ts time.Time
	for _, field := range []string{"timestamp", "@timestamp", "time", "datetime"} {
		raw, ok := data[field]
		if !ok {
			continue
		}
		if s, ok := raw.(string); ok {
			if parsed, err := parseTimestamp("", s); err == nil {
				ts = parsed
			}
		}
		delete(data, field)
		break
	}
	return &models.Event{
		Source:    source,
		EventType: eventType,
		Timestamp: ts,
		Vendor:    vendor,
		Data:      data,
		Metadata:  map[string]interface{}{"format": formatName},
	}
}

// parseTimestamp understands the layouts the built-in formats emit.
// Syslog lines carry no year, so the current one is assumed.
func parseTimestamp(formatName, value string) (time.Time, error) {
	switch formatName {
	case "syslog":
		year := time.Now().Year()
		ts, err := time.Parse("2006 Jan _2 15:04:05", fmt.Sprintf("%d %s", year, value))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse syslog timestamp %q: %w", value, err)
		}
		return ts, nil
	case "apache_combined":
		ts, err := time.Parse("02/Jan/2006:15:04:05 -0700", value)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse apache timestamp %q: %w", value, err)
		}
		return ts, nil
	default:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
	}
}
