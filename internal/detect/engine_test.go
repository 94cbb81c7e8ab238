package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/internal/models"
)

const bruteForceSigma = `
id: rule-100
title: SSH Brute Force
description: Repeated SSH auth failures
level: high
tags: [attack.credential_access]
detection:
  selection:
    data.program: sshd*
    data.message: "*Failed password*"
  condition: selection
`

const lateralMovementSigma = `
id: rule-200
title: Lateral Movement
level: critical
detection:
  proc:
    data.process: [psexec.exe, wmic.exe]
  net:
    data.dest_port: "445"
  condition: proc and net
`

func loginEvent() *models.Event {
	return &models.Event{
		Source:    "edge-01",
		EventType: "authentication.failure",
		Timestamp: time.Now().UTC(),
		Severity:  "warning",
		Data: map[string]interface{}{
			"program": "sshd[812]",
			"message": "pam: Failed password for root from 1.2.3.4",
		},
	}
}

func TestSigmaSingleSelectionMatch(t *testing.T) {
	rule, err := ParseSigmaRule([]byte(bruteForceSigma))
	require.NoError(t, err)
	assert.Equal(t, "high", rule.Level)

	view := eventView(loginEvent())
	assert.True(t, rule.Match(view))

	matched := rule.MatchedFields(view)
	assert.Contains(t, matched, "data.program")
	assert.Contains(t, matched, "data.message")
}

func TestSigmaWildcardKinds(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"sshd*", "sshd[99]", true},
		{"sshd*", "xsshd", false},
		{"*.exe", "evil.exe", true},
		{"*.exe", "evil.exe.txt", false},
		{"*password*", "bad password here", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		m := compileValueMatcher(tc.pattern)
		assert.Equal(t, tc.want, m.match(tc.value), "pattern %q value %q", tc.pattern, tc.value)
	}
}

func TestSigmaAndCondition(t *testing.T) {
	rule, err := ParseSigmaRule([]byte(lateralMovementSigma))
	require.NoError(t, err)

	both := eventView(&models.Event{
		EventType: "network.connection",
		Data: map[string]interface{}{
			"process":   "psexec.exe",
			"dest_port": "445",
		},
	})
	assert.True(t, rule.Match(both))

	onlyProc := eventView(&models.Event{
		EventType: "network.connection",
		Data:      map[string]interface{}{"process": "wmic.exe"},
	})
	assert.False(t, rule.Match(onlyProc))
}

func TestSigmaRejectsUnknownSelectionInCondition(t *testing.T) {
	_, err := ParseSigmaRule([]byte(`
id: bad-1
title: Bad
detection:
  selection:
    data.x: y
  condition: selection and missing
`))
	assert.Error(t, err)
}

func TestCustomRuleOperators(t *testing.T) {
	rule, err := ParseCustomRule([]byte(`{
		"id": "cust-1",
		"title": "Large transfer to odd port",
		"severity": "high",
		"operator": "and",
		"conditions": [
			{"field": "data.bytes_out", "op": "greater_than", "value": 1000000},
			{"field": "data.dest_port", "op": "equals", "value": 4444},
			{"field": "data.proto", "op": "regex", "value": "^(tcp|udp)$"}
		]
	}`))
	require.NoError(t, err)

	hit := eventView(&models.Event{Data: map[string]interface{}{
		"bytes_out": 5000000, "dest_port": 4444, "proto": "tcp",
	}})
	assert.True(t, rule.Match(hit))

	miss := eventView(&models.Event{Data: map[string]interface{}{
		"bytes_out": 10, "dest_port": 4444, "proto": "tcp",
	}})
	assert.False(t, rule.Match(miss))
}

func TestCustomRuleOrOperator(t *testing.T) {
	rule, err := ParseCustomRule([]byte(`{
		"id": "cust-2",
		"title": "Either indicator",
		"operator": "or",
		"conditions": [
			{"field": "data.a", "op": "equals", "value": "x"},
			{"field": "data.b", "op": "contains", "value": "y"}
		]
	}`))
	require.NoError(t, err)

	assert.True(t, rule.Match(eventView(&models.Event{Data: map[string]interface{}{"b": "says yes"}})))
	assert.False(t, rule.Match(eventView(&models.Event{Data: map[string]interface{}{"b": "nope"}})))
}

func TestCustomRuleRejectsBadRegexAtLoad(t *testing.T) {
	_, err := ParseCustomRule([]byte(`{
		"id": "cust-3",
		"title": "Broken",
		"conditions": [{"field": "data.a", "op": "regex", "value": "("}]
	}`))
	assert.Error(t, err)
}

func TestSignatureSubsetParsing(t *testing.T) {
	src := `
rule WebShell {
  meta:
    severity = "critical"
  strings:
    $a = "eval(base64_decode" nocase
    $b = "shell_exec"
  condition:
    any of them
}
`
	rules, err := ParseSignatures(src)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	rule := rules[0]
	assert.Equal(t, "WebShell", rule.Name)
	assert.Equal(t, "critical", rule.Severity)
	assert.False(t, rule.AllOf)

	assert.True(t, rule.Match("<?php EVAL(BASE64_DECODE($x)); ?>"), "nocase pattern")
	assert.True(t, rule.Match("system shell_exec call"))
	assert.False(t, rule.Match("benign content"))
}

func TestAnomalyScorerBaseline(t *testing.T) {
	s := &AnomalyScorer{EventType: "network", Features: []string{"bytes_in", "bytes_out"}}

	rows := [][]float64{{100, 200}, {110, 210}, {90, 190}, {105, 205}}
	require.NoError(t, s.Fit(rows))

	normal, ok := s.Score([]float64{100, 200})
	require.True(t, ok)
	assert.Greater(t, normal, AnomalyThreshold, "typical values score above threshold")

	weird, ok := s.Score([]float64{10000, 0})
	require.True(t, ok)
	assert.Less(t, weird, AnomalyThreshold, "far-out values score below threshold")
}

func TestAnomalyScorerUnfitted(t *testing.T) {
	s := &AnomalyScorer{EventType: "file", Features: []string{"file_size"}}
	_, ok := s.Score([]float64{1})
	assert.False(t, ok)
}

func TestEngineDeterministicAlertOrder(t *testing.T) {
	e := NewEngine()

	ruleB, err := ParseSigmaRule([]byte(`
id: rule-b
title: B
detection:
  selection:
    data.flag: "1"
  condition: selection
`))
	require.NoError(t, err)
	ruleA, err := ParseSigmaRule([]byte(`
id: rule-a
title: A
detection:
  selection:
    data.flag: "1"
  condition: selection
`))
	require.NoError(t, err)
	e.AddSigmaRule(ruleB)
	e.AddSigmaRule(ruleA)

	custom, err := ParseCustomRule([]byte(`{
		"id": "cust-z",
		"title": "Z",
		"conditions": [{"field": "data.flag", "op": "equals", "value": "1"}]
	}`))
	require.NoError(t, err)
	e.AddCustomRule(custom)

	ev := &models.Event{
		EventType: "audit.flagged",
		Data:      map[string]interface{}{"flag": "1"},
	}

	first := e.ProcessEvent(ev)
	second := e.ProcessEvent(ev)
	require.Len(t, first, 3)

	// Sigma rules ascend by id, then custom rules follow.
	assert.Equal(t, "rule-a", first[0].RuleID)
	assert.Equal(t, "rule-b", first[1].RuleID)
	assert.Equal(t, "cust-z", first[2].RuleID)

	for i := range first {
		assert.Equal(t, first[i].RuleID, second[i].RuleID, "replay keeps order")
	}
}

func TestEngineSignatureRequiresFileContent(t *testing.T) {
	e := NewEngine()
	rules, err := ParseSignatures(`
rule Marker {
  strings:
    $a = "MALWARE-MARKER"
  condition:
    any of them
}
`)
	require.NoError(t, err)
	e.AddSignatures(rules...)

	noFile := e.ProcessEvent(&models.Event{
		EventType: "process.start",
		Data:      map[string]interface{}{"cmd": "MALWARE-MARKER"},
	})
	assert.Empty(t, noFile, "signatures only scan data.file.content")

	withFile := e.ProcessEvent(&models.Event{
		EventType: "file.write",
		Data: map[string]interface{}{
			"file": map[string]interface{}{
				"path":    "/tmp/x",
				"content": "prefix MALWARE-MARKER suffix",
			},
		},
	})
	require.Len(t, withFile, 1)
	assert.Equal(t, "Marker", withFile[0].RuleID)
	assert.Equal(t, "/tmp/x", withFile[0].MatchedFields["file"])
}

func TestEngineAnomalyAlert(t *testing.T) {
	e := NewEngine()
	scorer, ok := e.Scorer("network")
	require.True(t, ok)
	require.NoError(t, scorer.Fit([][]float64{
		{100, 200, 443, 6}, {110, 190, 443, 6}, {95, 210, 443, 6},
	}))

	alerts := e.ProcessEvent(&models.Event{
		EventType: "network.flow",
		Data: map[string]interface{}{
			"bytes_in": 9e6, "bytes_out": 9e6, "dest_port": 1, "protocol": 99,
		},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, "anomaly_network", alerts[0].RuleID)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].MatchedFields, "anomaly_score")
}
