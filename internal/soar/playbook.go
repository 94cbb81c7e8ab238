// Package soar runs response playbooks against alerts. Playbooks are
// YAML files whose triggers select alerts and whose actions fan out to
// case management, analyzers, an automation runner, or registered Go
// functions.
package soar

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/libresiem/libresiem/internal/detect"
)

// DefaultActionTimeout bounds a single playbook action.
const DefaultActionTimeout = 300

// Trigger is one {field, op, value} predicate over alert attributes.
// The same grammar serves playbook triggers and per-action conditions.
type Trigger struct {
	Field string      `yaml:"field"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`
}

// Action is a single step in a playbook.
type Action struct {
	Type        string                 `yaml:"type"`
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Parameters  map[string]interface{} `yaml:"parameters"`
	Conditions  []Trigger              `yaml:"conditions"`
	Timeout     int                    `yaml:"timeout"`
}

// Playbook is an ordered action list gated by triggers.
type Playbook struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Triggers    []Trigger `yaml:"triggers"`
	Actions     []Action  `yaml:"actions"`
	Enabled     *bool     `yaml:"enabled"`
}

// IsEnabled defaults to true when the playbook omits the field.
func (p *Playbook) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ParsePlaybook decodes and validates one playbook document.
func ParsePlaybook(raw []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("playbook missing id")
	}
	if len(p.Triggers) == 0 {
		return nil, fmt.Errorf("playbook %s has no triggers", p.ID)
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		if a.Type == "" {
			return nil, fmt.Errorf("playbook %s action %d missing type", p.ID, i)
		}
		if a.Timeout <= 0 {
			a.Timeout = DefaultActionTimeout
		}
		a.Parameters = normalizeParams(a.Parameters)
	}
	for _, t := range append(append([]Trigger{}, p.Triggers...), actionConditions(p.Actions)...) {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func actionConditions(actions []Action) []Trigger {
	var out []Trigger
	for _, a := range actions {
		out = append(out, a.Conditions...)
	}
	return out
}

// LoadPlaybooks walks dir for .yml/.yaml files, sorted by id. A missing
// directory yields an empty set; a malformed file is skipped, not fatal.
func LoadPlaybooks(dir string, onSkip func(path string, err error)) ([]*Playbook, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var books []*Playbook
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".yml") && !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		book, err := ParsePlaybook(raw)
		if err != nil {
			if onSkip != nil {
				onSkip(path, err)
			}
			return nil
		}
		books = append(books, book)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books, nil
}

func (t Trigger) validate() error {
	switch t.Op {
	case "equals", "contains", "in":
	case "matches":
		if _, err := regexp.Compile(fmt.Sprintf("%v", t.Value)); err != nil {
			return fmt.Errorf("trigger on %s: bad pattern: %w", t.Field, err)
		}
	default:
		return fmt.Errorf("trigger on %s: unknown op %q", t.Field, t.Op)
	}
	if t.Field == "" {
		return fmt.Errorf("trigger missing field")
	}
	return nil
}

// Match evaluates the predicate against an alert attribute. A field the
// alert does not carry never matches.
func (t Trigger) Match(alert detect.Alert) bool {
	actual, ok := alertField(alert, t.Field)
	if !ok {
		return false
	}
	switch t.Op {
	case "equals":
		return actual == fmt.Sprintf("%v", t.Value)
	case "contains":
		return strings.Contains(actual, fmt.Sprintf("%v", t.Value))
	case "matches":
		re, err := regexp.Compile(fmt.Sprintf("%v", t.Value))
		return err == nil && re.MatchString(actual)
	case "in":
		list, ok := t.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if actual == fmt.Sprintf("%v", item) {
				return true
			}
		}
	}
	return false
}

// alertField exposes the attributes triggers can address.
func alertField(alert detect.Alert, field string) (string, bool) {
	switch field {
	case "id":
		return alert.ID, true
	case "title":
		return alert.Title, true
	case "description":
		return alert.Description, true
	case "severity":
		return strings.ToLower(alert.Severity), true
	case "rule_id":
		return alert.RuleID, true
	case "rule_name":
		return alert.RuleName, true
	case "tags":
		return strings.Join(alert.Tags, ","), true
	case "source":
		if alert.SourceEvent == nil {
			return "", false
		}
		return alert.SourceEvent.Source, true
	case "event_type":
		if alert.SourceEvent == nil {
			return "", false
		}
		return alert.SourceEvent.EventType, true
	}
	return "", false
}

// normalizeParams rewrites yaml.v2's interface-keyed maps so parameters
// marshal cleanly to JSON for the HTTP handlers.
func normalizeParams(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
