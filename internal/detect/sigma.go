package detect

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// Matcher kinds, decided once at load from the pattern's wildcards.
type matchKind int

const (
	matchEqual matchKind = iota
	matchPrefix
	matchSuffix
	matchContains
	matchAnyOf
)

type matcher struct {
	kind    matchKind
	pattern string
	alts    []matcher // matchAnyOf
}

func (m matcher) match(value interface{}) bool {
	s := stringify(value)
	switch m.kind {
	case matchPrefix:
		return strings.HasPrefix(s, m.pattern)
	case matchSuffix:
		return strings.HasSuffix(s, m.pattern)
	case matchContains:
		return strings.Contains(s, m.pattern)
	case matchAnyOf:
		for _, alt := range m.alts {
			if alt.match(value) {
				return true
			}
		}
		return false
	default:
		return s == m.pattern
	}
}

// compileValueMatcher maps the wildcard convention onto a kind:
// *x* contains, *x suffix, x* prefix, otherwise exact.
func compileValueMatcher(pattern string) matcher {
	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*")
	switch {
	case leading && trailing:
		return matcher{kind: matchContains, pattern: strings.Trim(pattern, "*")}
	case leading:
		return matcher{kind: matchSuffix, pattern: strings.TrimLeft(pattern, "*")}
	case trailing:
		return matcher{kind: matchPrefix, pattern: strings.TrimRight(pattern, "*")}
	default:
		return matcher{kind: matchEqual, pattern: pattern}
	}
}

type fieldMatcher struct {
	field string
	path  []string
	m     matcher
}

// selection is a conjunction of field matchers.
type selection struct {
	name   string
	fields []fieldMatcher
}

func (s selection) match(view map[string]interface{}) bool {
	for _, fm := range s.fields {
		value, ok := lookupPath(view, fm.path)
		if !ok || !fm.m.match(value) {
			return false
		}
	}
	return true
}

// condition node over named selections.
type condNode struct {
	op       string // "and" | "or"
	operands []string
}

func (c condNode) eval(sels map[string]selection, view map[string]interface{}) bool {
	if c.op == "and" {
		for _, name := range c.operands {
			sel, ok := sels[name]
			if !ok || !sel.match(view) {
				return false
			}
		}
		return true
	}
	for _, name := range c.operands {
		if sel, ok := sels[name]; ok && sel.match(view) {
			return true
		}
	}
	return false
}

// SigmaRule is the compiled form of one Sigma YAML rule.
type SigmaRule struct {
	ID          string
	Title       string
	Description string
	Level       string
	Tags        []string

	selections map[string]selection
	condition  condNode
}

type sigmaDoc struct {
	ID          string                 `yaml:"id"`
	Title       string                 `yaml:"title"`
	Description string                 `yaml:"description"`
	Level       string                 `yaml:"level"`
	Tags        []string               `yaml:"tags"`
	Detection   map[string]interface{} `yaml:"detection"`
}

// ParseSigmaRule compiles one YAML document. The supported condition
// grammar is: "all of them", "any of them", "A and B", "A or B", or a
// single selection name; an absent condition means "all of them".
func ParseSigmaRule(raw []byte) (*SigmaRule, error) {
	var doc sigmaDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse sigma yaml: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("sigma rule has no id")
	}
	if doc.Title == "" {
		return nil, fmt.Errorf("sigma rule %s has no title", doc.ID)
	}
	if doc.Level == "" {
		doc.Level = "medium"
	}

	rule := &SigmaRule{
		ID:          doc.ID,
		Title:       doc.Title,
		Description: doc.Description,
		Level:       doc.Level,
		Tags:        doc.Tags,
		selections:  make(map[string]selection),
	}

	conditionStr := "all of them"
	selectionNames := make([]string, 0, len(doc.Detection))
	for name, raw := range doc.Detection {
		if name == "condition" {
			if s, ok := raw.(string); ok {
				conditionStr = s
			}
			continue
		}
		sel, err := compileSelection(name, raw)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", doc.ID, err)
		}
		rule.selections[name] = sel
		selectionNames = append(selectionNames, name)
	}
	sort.Strings(selectionNames)

	cond, err := parseCondition(conditionStr, selectionNames, rule.selections)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", doc.ID, err)
	}
	rule.condition = cond
	return rule, nil
}

func compileSelection(name string, raw interface{}) (selection, error) {
	fields, ok := normalizeMap(raw)
	if !ok {
		return selection{}, fmt.Errorf("selection %q is not a mapping", name)
	}
	sel := selection{name: name}
	fieldNames := make([]string, 0, len(fields))
	for f := range fields {
		fieldNames = append(fieldNames, f)
	}
	sort.Strings(fieldNames)

	for _, field := range fieldNames {
		expected := fields[field]
		fm := fieldMatcher{field: field, path: strings.Split(field, ".")}
		switch v := expected.(type) {
		case []interface{}:
			alts := make([]matcher, 0, len(v))
			for _, e := range v {
				alts = append(alts, compileValueMatcher(stringify(e)))
			}
			fm.m = matcher{kind: matchAnyOf, alts: alts}
		default:
			fm.m = compileValueMatcher(stringify(v))
		}
		sel.fields = append(sel.fields, fm)
	}
	return sel, nil
}

func parseCondition(cond string, allNames []string, sels map[string]selection) (condNode, error) {
	cond = strings.TrimSpace(cond)
	switch {
	case cond == "all of them":
		return condNode{op: "and", operands: allNames}, nil
	case cond == "any of them":
		return condNode{op: "or", operands: allNames}, nil
	case strings.Contains(cond, " and "):
		return condOver(cond, " and ", "and", sels)
	case strings.Contains(cond, " or "):
		return condOver(cond, " or ", "or", sels)
	default:
		if _, ok := sels[cond]; !ok {
			return condNode{}, fmt.Errorf("condition references unknown selection %q", cond)
		}
		return condNode{op: "and", operands: []string{cond}}, nil
	}
}

func condOver(cond, sep, op string, sels map[string]selection) (condNode, error) {
	parts := strings.Split(cond, sep)
	operands := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if _, ok := sels[p]; !ok {
			return condNode{}, fmt.Errorf("condition references unknown selection %q", p)
		}
		operands = append(operands, p)
	}
	return condNode{op: op, operands: operands}, nil
}

// Match evaluates the compiled condition against an event view.
func (r *SigmaRule) Match(view map[string]interface{}) bool {
	return r.condition.eval(r.selections, view)
}

// MatchedFields reports every field whose matcher hit, for the alert.
func (r *SigmaRule) MatchedFields(view map[string]interface{}) map[string]interface{} {
	matched := make(map[string]interface{})
	for _, sel := range r.selections {
		for _, fm := range sel.fields {
			if value, ok := lookupPath(view, fm.path); ok && fm.m.match(value) {
				matched[fm.field] = value
			}
		}
	}
	return matched
}

// normalizeMap converts yaml.v2's map[interface{}]interface{} trees
// into string-keyed maps.
func normalizeMap(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[fmt.Sprintf("%v", k)] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers arrive as float64; keep integers clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
