package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/internal/detect"
	"github.com/libresiem/libresiem/internal/models"
)

type recordingNotifier struct {
	name string
	err  error

	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(_ context.Context, alert detect.Alert) error {
	r.mu.Lock()
	r.calls = append(r.calls, alert.ID)
	r.mu.Unlock()
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testAlert(severity string) detect.Alert {
	return detect.Alert{
		ID:        "alert-" + severity,
		Title:     "Test",
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		RuleID:    "rule-1",
		RuleName:  "Test Rule",
		SourceEvent: &models.Event{
			Source:    "edge-01",
			EventType: "test",
		},
	}
}

func TestRoutesBySeverity(t *testing.T) {
	cases := map[string][]string{
		"critical": {"email", "slack", "telegram"},
		"high":     {"email", "slack"},
		"medium":   {"slack"},
		"low":      {"slack"},
		"unknown":  {"slack"},
	}
	for severity, want := range cases {
		got := Routes(severity)
		sort.Strings(got)
		sort.Strings(want)
		assert.Equal(t, want, got, "severity %s", severity)
	}
}

func TestDispatchCriticalHitsAllChannels(t *testing.T) {
	email := &recordingNotifier{name: "email"}
	chat := &recordingNotifier{name: "slack"}
	im := &recordingNotifier{name: "telegram"}
	d := NewDispatcher(nil, email, chat, im)

	d.Dispatch(context.Background(), testAlert("critical"))

	assert.Equal(t, 1, email.count())
	assert.Equal(t, 1, chat.count())
	assert.Equal(t, 1, im.count())
}

func TestDispatchMediumOnlyChat(t *testing.T) {
	email := &recordingNotifier{name: "email"}
	chat := &recordingNotifier{name: "slack"}
	d := NewDispatcher(nil, email, chat)

	d.Dispatch(context.Background(), testAlert("medium"))

	assert.Zero(t, email.count())
	assert.Equal(t, 1, chat.count())
}

func TestDispatchFailuresAreIndependent(t *testing.T) {
	email := &recordingNotifier{name: "email", err: errors.New("smtp down")}
	chat := &recordingNotifier{name: "slack"}
	d := NewDispatcher(nil, email, chat)

	// Must not panic or block; chat still gets the alert.
	d.Dispatch(context.Background(), testAlert("high"))

	assert.Equal(t, 1, email.count())
	assert.Equal(t, 1, chat.count())
}

func TestDispatchSkipsUnregisteredChannels(t *testing.T) {
	chat := &recordingNotifier{name: "slack"}
	d := NewDispatcher(nil, chat)

	d.Dispatch(context.Background(), testAlert("critical"))
	assert.Equal(t, 1, chat.count())
}

func TestRenderBodyIncludesContext(t *testing.T) {
	alert := testAlert("high")
	alert.MatchedFields = map[string]interface{}{"data.message": "Failed password"}

	body := renderBody(alert)
	assert.Contains(t, body, "[HIGH] Test")
	assert.Contains(t, body, "Rule: Test Rule (rule-1)")
	assert.Contains(t, body, "edge-01")
	assert.Contains(t, body, "Failed password")
}

func TestDispatchAll(t *testing.T) {
	chat := &recordingNotifier{name: "slack"}
	d := NewDispatcher(nil, chat)

	d.DispatchAll(context.Background(), []detect.Alert{
		testAlert("low"), testAlert("medium"),
	})
	require.Equal(t, 2, chat.count())
}
