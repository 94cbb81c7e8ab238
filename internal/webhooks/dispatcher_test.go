package webhooks

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *capture) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.headers = append(c.headers, r.Header.Clone())
	c.mu.Unlock()
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Subscription{Events: []EventType{EventAlertCreated}}))
	assert.Error(t, r.Register(&Subscription{URL: "http://x"}))

	sub := &Subscription{URL: "http://x", Events: []EventType{EventAlertCreated}}
	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)

	require.NoError(t, r.Unregister(sub.ID))
	assert.Error(t, r.Unregister(sub.ID))
	assert.Empty(t, r.Subscribers(EventAlertCreated))
}

func TestRegistryDisablesAfterRepeatedFailures(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "http://x", Events: []EventType{EventSystemStatus}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 10; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.Empty(t, r.Subscribers(EventSystemStatus), "hook disabled after failure streak")
}

func TestRegistryResetsFailuresOnDelivery(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "http://x", Events: []EventType{EventSystemStatus}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 9; i++ {
		r.MarkFailed(sub.ID)
	}
	r.MarkDelivered(sub.ID)
	r.MarkFailed(sub.ID)
	assert.Len(t, r.Subscribers(EventSystemStatus), 1, "success resets the streak")
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventAlertCreated},
		Secret: "s3cret",
	}))

	d := NewDispatcher(registry, 2, nil)
	defer d.Shutdown()

	d.Emit(EventAlertCreated, map[string]interface{}{"alert_id": "a-1", "severity": "high"})
	waitFor(t, func() bool { return got.count() == 1 })

	got.mu.Lock()
	defer got.mu.Unlock()

	var event Event
	require.NoError(t, json.Unmarshal(got.bodies[0], &event))
	assert.Equal(t, EventAlertCreated, event.Type)
	assert.Equal(t, "libresiem/pipeline", event.Source)
	assert.Equal(t, "a-1", event.Data["alert_id"])

	h := got.headers[0]
	assert.Equal(t, string(EventAlertCreated), h.Get("X-LibreSIEM-Event-Type"))
	assert.Equal(t, event.ID, h.Get("X-LibreSIEM-Event-ID"))
	assert.Equal(t, "1", h.Get("X-LibreSIEM-Delivery-Attempt"))

	want := "sha256=" + SignPayload(got.bodies[0], "s3cret")
	sig := h.Get("X-LibreSIEM-Signature")
	require.True(t, len(sig) == len(want))
	assert.True(t, hmac.Equal([]byte(sig), []byte(want)))
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventThreatDetected},
	}))

	d := NewDispatcher(registry, 1, nil)
	defer d.Shutdown()

	d.Emit(EventThreatDetected, map[string]interface{}{"indicator": "1.2.3.4"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	})
}

func TestDispatcherOnlyNotifiesSubscribedTypes(t *testing.T) {
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventSystemStatus},
	}))

	d := NewDispatcher(registry, 1, nil)
	d.Emit(EventLogReceived, map[string]interface{}{"source": "edge-01"})
	d.Emit(EventSystemStatus, map[string]interface{}{"status": "ok"})
	d.Shutdown()

	require.Equal(t, 1, got.count())
	var event Event
	require.NoError(t, json.Unmarshal(got.bodies[0], &event))
	assert.Equal(t, EventSystemStatus, event.Type)
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	a := SignPayload([]byte(`{"x":1}`), "k")
	b := SignPayload([]byte(`{"x":1}`), "k")
	assert.Equal(t, a, b)
	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
	assert.NotEqual(t, a, SignPayload([]byte(`{"x":1}`), "other"))
}
