package webhooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSubscriptionsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhooks.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSubscriptions(t *testing.T) {
	path := writeSubscriptionsFile(t, `
subscriptions:
  - url: https://hooks.example.com/siem
    events: [alert.created, threat.detected]
    secret: s3cret
  - url: https://audit.example.com/ingest
    events: [log.received]
`)

	r := NewRegistry()
	n, err := LoadSubscriptions(r, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	subs := r.Subscribers(EventAlertCreated)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://hooks.example.com/siem", subs[0].URL)
	assert.Equal(t, "s3cret", subs[0].Secret)
	assert.Len(t, r.Subscribers(EventLogReceived), 1)
}

func TestLoadSubscriptionsRejectsUnknownEventType(t *testing.T) {
	path := writeSubscriptionsFile(t, `
subscriptions:
  - url: https://hooks.example.com/siem
    events: [alert.resolved]
`)

	_, err := LoadSubscriptions(NewRegistry(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert.resolved")
}

func TestLoadSubscriptionsMissingFileIsEmpty(t *testing.T) {
	n, err := LoadSubscriptions(NewRegistry(), filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
