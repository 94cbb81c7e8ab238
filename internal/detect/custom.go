package detect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Custom rule condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpRegex       = "regex"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// CustomRule is a flat condition list combined with and/or.
type CustomRule struct {
	ID          string
	Title       string
	Description string
	Severity    string
	Operator    string
	Tags        []string

	conditions []customCondition
}

type customCondition struct {
	field string
	path  []string
	op    string
	value interface{}
	re    *regexp.Regexp // OpRegex only
	num   float64        // numeric ops only
}

type customDoc struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Operator    string   `json:"operator"`
	Tags        []string `json:"tags"`
	Conditions  []struct {
		Field string      `json:"field"`
		Op    string      `json:"op"`
		Value interface{} `json:"value"`
	} `json:"conditions"`
}

// ParseCustomRule compiles one JSON rule. Regex patterns and numeric
// thresholds are validated here so matching never fails at runtime.
func ParseCustomRule(raw []byte) (*CustomRule, error) {
	var doc customDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse custom rule json: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("custom rule has no id")
	}
	if doc.Title == "" {
		return nil, fmt.Errorf("custom rule %s has no title", doc.ID)
	}
	if doc.Severity == "" {
		doc.Severity = "medium"
	}
	op := strings.ToLower(doc.Operator)
	if op == "" {
		op = "and"
	}
	if op != "and" && op != "or" {
		return nil, fmt.Errorf("custom rule %s: operator must be and/or, got %q", doc.ID, doc.Operator)
	}
	if len(doc.Conditions) == 0 {
		return nil, fmt.Errorf("custom rule %s has no conditions", doc.ID)
	}

	rule := &CustomRule{
		ID:          doc.ID,
		Title:       doc.Title,
		Description: doc.Description,
		Severity:    doc.Severity,
		Operator:    op,
		Tags:        doc.Tags,
	}
	for i, c := range doc.Conditions {
		cc := customCondition{
			field: c.Field,
			path:  strings.Split(c.Field, "."),
			op:    c.Op,
			value: c.Value,
		}
		switch c.Op {
		case OpEquals, OpContains:
		case OpRegex:
			pattern, ok := c.Value.(string)
			if !ok {
				return nil, fmt.Errorf("custom rule %s condition %d: regex value must be a string", doc.ID, i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("custom rule %s condition %d: %w", doc.ID, i, err)
			}
			cc.re = re
		case OpGreaterThan, OpLessThan:
			num, err := toFloat(c.Value)
			if err != nil {
				return nil, fmt.Errorf("custom rule %s condition %d: %w", doc.ID, i, err)
			}
			cc.num = num
		default:
			return nil, fmt.Errorf("custom rule %s condition %d: unknown op %q", doc.ID, i, c.Op)
		}
		rule.conditions = append(rule.conditions, cc)
	}
	return rule, nil
}

// Match evaluates the condition list. A condition on a missing field or
// with an uncoercible value is false, never an error.
func (r *CustomRule) Match(view map[string]interface{}) bool {
	for _, c := range r.conditions {
		hit := c.eval(view)
		if r.Operator == "and" && !hit {
			return false
		}
		if r.Operator == "or" && hit {
			return true
		}
	}
	return r.Operator == "and"
}

func (c customCondition) eval(view map[string]interface{}) bool {
	actual, ok := lookupPath(view, c.path)
	if !ok {
		return false
	}
	switch c.op {
	case OpEquals:
		return stringify(actual) == stringify(c.value)
	case OpContains:
		return strings.Contains(stringify(actual), stringify(c.value))
	case OpRegex:
		return c.re.MatchString(stringify(actual))
	case OpGreaterThan:
		f, err := toFloat(actual)
		return err == nil && f > c.num
	case OpLessThan:
		f, err := toFloat(actual)
		return err == nil && f < c.num
	}
	return false
}

// MatchedFields returns the values of every condition field present on
// the event.
func (r *CustomRule) MatchedFields(view map[string]interface{}) map[string]interface{} {
	matched := make(map[string]interface{})
	for _, c := range r.conditions {
		if value, ok := lookupPath(view, c.path); ok && c.eval(view) {
			matched[c.field] = value
		}
	}
	return matched
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}
