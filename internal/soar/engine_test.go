package soar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/detect"
	"github.com/libresiem/libresiem/internal/models"
)

const containmentPlaybook = `
id: pb-contain
name: Contain critical alerts
triggers:
  - field: severity
    op: in
    value: [critical, high]
actions:
  - type: custom
    name: isolate_host
    parameters:
      mode: quarantine
    timeout: 5
`

func testAlert(severity string) detect.Alert {
	return detect.Alert{
		ID:       "alert-1",
		Title:    "SSH Brute Force",
		Severity: severity,
		RuleID:   "rule-100",
		RuleName: "SSH Brute Force",
		Tags:     []string{"attack.credential_access"},
		SourceEvent: &models.Event{
			Source:    "edge-01",
			EventType: "authentication.failure",
		},
	}
}

func TestParsePlaybookDefaults(t *testing.T) {
	book, err := ParsePlaybook([]byte(`
id: pb-1
name: Defaults
triggers:
  - field: severity
    op: equals
    value: critical
actions:
  - type: case
    name: create_case
`))
	require.NoError(t, err)

	assert.True(t, book.IsEnabled())
	assert.Equal(t, DefaultActionTimeout, book.Actions[0].Timeout)
}

func TestParsePlaybookRejectsBadTrigger(t *testing.T) {
	_, err := ParsePlaybook([]byte(`
id: pb-bad
triggers:
  - field: severity
    op: frobnicate
    value: x
`))
	assert.Error(t, err)

	_, err = ParsePlaybook([]byte(`
id: pb-bad-re
triggers:
  - field: title
    op: matches
    value: "("
`))
	assert.Error(t, err)
}

func TestTriggerOperators(t *testing.T) {
	alert := testAlert("critical")

	cases := []struct {
		trigger Trigger
		want    bool
	}{
		{Trigger{Field: "severity", Op: "equals", Value: "critical"}, true},
		{Trigger{Field: "severity", Op: "equals", Value: "low"}, false},
		{Trigger{Field: "title", Op: "contains", Value: "Brute"}, true},
		{Trigger{Field: "rule_id", Op: "matches", Value: `^rule-\d+$`}, true},
		{Trigger{Field: "severity", Op: "in", Value: []interface{}{"high", "critical"}}, true},
		{Trigger{Field: "severity", Op: "in", Value: []interface{}{"low"}}, false},
		{Trigger{Field: "tags", Op: "contains", Value: "credential_access"}, true},
		{Trigger{Field: "source", Op: "equals", Value: "edge-01"}, true},
		{Trigger{Field: "nonexistent", Op: "equals", Value: "x"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.trigger.Match(alert), "%+v", tc.trigger)
	}
}

func TestEngineRunsMatchingPlaybook(t *testing.T) {
	book, err := ParsePlaybook([]byte(containmentPlaybook))
	require.NoError(t, err)

	e := NewEngine(config.SOARSettings{}, nil)
	e.AddPlaybook(book)

	var mu sync.Mutex
	var ran []string
	e.RegisterHandler("custom", func(_ context.Context, action Action, alert detect.Alert) error {
		mu.Lock()
		ran = append(ran, action.Name+":"+alert.ID)
		mu.Unlock()
		assert.Equal(t, "quarantine", action.Parameters["mode"])
		return nil
	})

	e.ProcessAlert(context.Background(), testAlert("critical"))
	e.ProcessAlert(context.Background(), testAlert("low"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"isolate_host:alert-1"}, ran)
}

func TestEngineActionTimeoutIsNonFatal(t *testing.T) {
	book, err := ParsePlaybook([]byte(`
id: pb-slow
triggers:
  - field: severity
    op: equals
    value: critical
actions:
  - type: slow
    name: hang
    timeout: 1
  - type: fast
    name: followup
`))
	require.NoError(t, err)

	e := NewEngine(config.SOARSettings{}, nil)
	e.AddPlaybook(book)

	e.RegisterHandler("slow", func(ctx context.Context, _ Action, _ detect.Alert) error {
		// Ignores cancellation on purpose.
		time.Sleep(3 * time.Second)
		return nil
	})
	followup := make(chan struct{}, 1)
	e.RegisterHandler("fast", func(_ context.Context, _ Action, _ detect.Alert) error {
		followup <- struct{}{}
		return nil
	})

	start := time.Now()
	e.ProcessAlert(context.Background(), testAlert("critical"))

	assert.Less(t, time.Since(start), 3*time.Second, "hung action abandoned at its deadline")
	select {
	case <-followup:
	default:
		t.Fatal("followup action did not run after timeout")
	}
}

func TestEngineActionConditions(t *testing.T) {
	book, err := ParsePlaybook([]byte(`
id: pb-cond
triggers:
  - field: severity
    op: in
    value: [high, critical]
actions:
  - type: custom
    name: page_oncall
    conditions:
      - field: severity
        op: equals
        value: critical
`))
	require.NoError(t, err)

	e := NewEngine(config.SOARSettings{}, nil)
	e.AddPlaybook(book)

	var paged int
	e.RegisterHandler("custom", func(_ context.Context, _ Action, _ detect.Alert) error {
		paged++
		return nil
	})

	e.ProcessAlert(context.Background(), testAlert("high"))
	assert.Zero(t, paged, "condition gates the action even when the trigger fires")

	e.ProcessAlert(context.Background(), testAlert("critical"))
	assert.Equal(t, 1, paged)
}

func TestEngineBuiltinActionTypes(t *testing.T) {
	e := NewEngine(config.SOARSettings{}, nil)
	for _, typ := range []string{"case-management", "analyzer", "automation"} {
		_, ok := e.handlers[typ]
		assert.True(t, ok, "missing builtin handler %q", typ)
	}
}

func TestCaseManagerFilesCaseAndAlert(t *testing.T) {
	var gotCase, gotAlert map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/case":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCase))
			json.NewEncoder(w).Encode(map[string]string{"id": "case-9"})
		case "/api/alert":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotAlert))
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	cm := NewCaseManager(config.SOARSettings{TheHiveURL: srv.URL, TheHiveAPIKey: "k"})
	action := Action{Type: "case-management", Name: "create_case", Parameters: map[string]interface{}{
		"severity": "high",
	}}

	require.NoError(t, cm.Handle(context.Background(), action, testAlert("critical")))

	assert.Equal(t, "SSH Brute Force", gotCase["title"])
	assert.Equal(t, "high", gotCase["severity"], "parameter overrides alert severity")
	assert.Equal(t, "case-9", gotAlert["case"])
	assert.Equal(t, "alert-1", gotAlert["sourceRef"])
	assert.Equal(t, "LibreSIEM", gotAlert["source"])
}

func TestAnalyzerPollsUntilCompletion(t *testing.T) {
	old := analyzerPollInterval
	analyzerPollInterval = 10 * time.Millisecond
	defer func() { analyzerPollInterval = old }()

	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/analyzer/ip-rep/run":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "InProgress"})
		case "/api/job/job-1":
			polls++
			status := "InProgress"
			if polls >= 2 {
				status = "Success"
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": status})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	an := NewAnalyzer(config.SOARSettings{CortexURL: srv.URL, CortexAPIKey: "k"})
	action := Action{Type: "analyzer", Name: "run_analyzer", Parameters: map[string]interface{}{
		"analyzer_id":         "ip-rep",
		"wait_for_completion": true,
	}}

	require.NoError(t, an.Handle(context.Background(), action, testAlert("high")))
	assert.GreaterOrEqual(t, polls, 2)
}

func TestAnalyzerReportsJobFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/analyzer/ip-rep/run":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "InProgress"})
		case "/api/job/job-2":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "Failure"})
		}
	}))
	defer srv.Close()

	an := NewAnalyzer(config.SOARSettings{CortexURL: srv.URL})
	action := Action{Type: "analyzer", Name: "run_analyzer", Parameters: map[string]interface{}{
		"analyzer_id":         "ip-rep",
		"wait_for_completion": true,
	}}
	assert.Error(t, an.Handle(context.Background(), action, testAlert("high")))
}

func TestLoadPlaybooksSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/good.yml", containmentPlaybook)
	writeFile(t, dir+"/bad.yml", "id: broken\ntriggers: []\n")

	var skipped []string
	books, err := LoadPlaybooks(dir, func(path string, err error) {
		skipped = append(skipped, path)
	})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "pb-contain", books[0].ID)
	assert.Len(t, skipped, 1)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadPlaybooksMissingDir(t *testing.T) {
	books, err := LoadPlaybooks("/nonexistent/playbooks", nil)
	require.NoError(t, err)
	assert.Empty(t, books)
}
