package detect

import (
	"fmt"
	"regexp"
	"strings"
)

// SignatureRule is a compiled content signature: a named set of text
// patterns matched against file content carried in an event. The .yar
// source syntax supported is the subset the rule sets actually use:
// rule name, a meta severity, quoted text strings with an optional
// nocase modifier, and an any/all-of-them condition.
type SignatureRule struct {
	Name     string
	Severity string
	AllOf    bool

	patterns []sigPattern
}

type sigPattern struct {
	text   string
	nocase bool
}

var (
	sigRuleRe   = regexp.MustCompile(`(?s)rule\s+([A-Za-z_][A-Za-z0-9_]*)\s*\{(.*?)\n\}`)
	sigStringRe = regexp.MustCompile(`\$[A-Za-z0-9_]+\s*=\s*"((?:[^"\\]|\\.)*)"\s*(nocase)?`)
	sigMetaRe   = regexp.MustCompile(`severity\s*=\s*"([^"]+)"`)
	sigCondRe   = regexp.MustCompile(`condition:\s*(any|all)\s+of\s+them`)
)

// ParseSignatures extracts every rule block from one .yar source file.
func ParseSignatures(src string) ([]*SignatureRule, error) {
	blocks := sigRuleRe.FindAllStringSubmatch(src, -1)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no rule blocks found")
	}

	rules := make([]*SignatureRule, 0, len(blocks))
	for _, block := range blocks {
		name, body := block[1], block[2]
		rule := &SignatureRule{Name: name, Severity: "high"}

		if m := sigMetaRe.FindStringSubmatch(body); m != nil {
			rule.Severity = strings.ToLower(m[1])
		}
		if m := sigCondRe.FindStringSubmatch(body); m != nil {
			rule.AllOf = m[1] == "all"
		}
		for _, sm := range sigStringRe.FindAllStringSubmatch(body, -1) {
			rule.patterns = append(rule.patterns, sigPattern{
				text:   unescapeYarString(sm[1]),
				nocase: sm[2] != "",
			})
		}
		if len(rule.patterns) == 0 {
			return nil, fmt.Errorf("rule %s has no string patterns", name)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func unescapeYarString(s string) string {
	replacer := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t")
	return replacer.Replace(s)
}

// Match scans content for the rule's patterns.
func (r *SignatureRule) Match(content string) bool {
	lower := strings.ToLower(content)
	for _, p := range r.patterns {
		var hit bool
		if p.nocase {
			hit = strings.Contains(lower, strings.ToLower(p.text))
		} else {
			hit = strings.Contains(content, p.text)
		}
		if r.AllOf && !hit {
			return false
		}
		if !r.AllOf && hit {
			return true
		}
	}
	return r.AllOf
}

// fileContent pulls data.file.content out of an event view, if any.
func fileContent(view map[string]interface{}) (string, bool) {
	raw, ok := lookupPath(view, []string{"data", "file", "content"})
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// filePath pulls data.file.path for alert context.
func filePath(view map[string]interface{}) string {
	if raw, ok := lookupPath(view, []string{"data", "file", "path"}); ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return "unknown"
}
