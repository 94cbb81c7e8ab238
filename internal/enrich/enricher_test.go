package enrich

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/internal/models"
)

func TestExtractIndicators(t *testing.T) {
	data := map[string]interface{}{
		"message": "connection from 8.8.8.8 to internal host",
		"nested": map[string]interface{}{
			"url":  "http://evil.example.com/payload",
			"hash": "d41d8cd98f00b204e9800998ecf8427e",
		},
		"list":  []interface{}{"also 1.2.3.4 here"},
		"count": 42,
	}

	in := ExtractIndicators(data)
	assert.Equal(t, []string{"1.2.3.4", "8.8.8.8"}, in.IPs)
	assert.Contains(t, in.Hostnames, "evil.example.com")
	assert.Equal(t, []string{"d41d8cd98f00b204e9800998ecf8427e"}, in.Hashes)
}

func TestExtractIndicatorsRejectsBadOctets(t *testing.T) {
	in := ExtractIndicators(map[string]interface{}{"m": "value 999.1.1.1 not an ip"})
	assert.Empty(t, in.IPs)
}

func TestExtractIndicatorsEmpty(t *testing.T) {
	in := ExtractIndicators(map[string]interface{}{"n": 7})
	assert.True(t, in.Empty())
}

type fakeGeo struct {
	calls []string
	err   error
}

func (f *fakeGeo) Lookup(ip net.IP) (map[string]interface{}, error) {
	f.calls = append(f.calls, ip.String())
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"country": "US"}, nil
}

type fakeResolver struct{ addrs map[string][]string }

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f.addrs[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

type fakeThreat struct {
	name string
	hits map[string]map[string]interface{}
	err  error
}

func (f *fakeThreat) Name() string { return f.name }
func (f *fakeThreat) Check(_ context.Context, indicator string) (map[string]interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[indicator], nil
}

func TestEnrichOverlaysAllFamilies(t *testing.T) {
	geo := &fakeGeo{}
	resolver := &fakeResolver{addrs: map[string][]string{"c2.example.com": {"8.8.4.4"}}}
	threat := &fakeThreat{
		name: "abuseipdb",
		hits: map[string]map[string]interface{}{"8.8.8.8": {
			"score":      float64(90),
			"categories": []interface{}{"botnet"},
			"last_seen":  "2026-08-20T10:00:00Z",
		}},
	}
	e := NewEnricher(geo, resolver, []ThreatProvider{threat}, nil, time.Second)

	ev := &models.Event{
		Source:    "edge",
		EventType: "network.connection",
		Data: map[string]interface{}{
			"src": "8.8.8.8",
			"dst": "c2.example.com",
		},
	}
	e.Enrich(context.Background(), ev)

	require.NotNil(t, ev.Enriched)
	assert.NotEmpty(t, ev.Enriched["processing_timestamp"])

	ipInfo := ev.Enriched["ip_info"].(map[string]interface{})
	assert.Contains(t, ipInfo, "8.8.8.8")

	dnsInfo := ev.Enriched["dns_info"].(map[string]interface{})
	entry := dnsInfo["c2.example.com"].(map[string]interface{})
	assert.Equal(t, []string{"8.8.4.4"}, entry["addresses"])
	assert.NotEmpty(t, entry["resolved_at"])

	intel := ev.Enriched["threat_intel"].(map[string]interface{})
	verdict := intel["8.8.8.8"].(map[string]interface{})
	assert.Equal(t, float64(90), verdict["score"])
	assert.Equal(t, []string{"botnet"}, verdict["categories"])
	assert.Equal(t, "2026-08-20T10:00:00Z", verdict["last_seen"])
	assert.Equal(t, []string{"abuseipdb"}, verdict["sources"])
}

func TestEnrichAggregatesThreatProviders(t *testing.T) {
	abuse := &fakeThreat{
		name: "abuseipdb",
		hits: map[string]map[string]interface{}{"8.8.8.8": {
			// The nested AbuseIPDB response shape.
			"data": map[string]interface{}{
				"abuseConfidenceScore": float64(40),
				"lastReportedAt":       "2026-08-10T00:00:00Z",
			},
		}},
	}
	vt := &fakeThreat{
		name: "virustotal",
		hits: map[string]map[string]interface{}{"8.8.8.8": {
			"score":      float64(75),
			"categories": []interface{}{"c2", "botnet"},
			"last_seen":  "2026-08-22T00:00:00Z",
		}},
	}
	e := NewEnricher(nil, nil, []ThreatProvider{abuse, vt}, nil, time.Second)

	ev := &models.Event{Data: map[string]interface{}{"src": "8.8.8.8"}}
	e.Enrich(context.Background(), ev)

	intel := ev.Enriched["threat_intel"].(map[string]interface{})
	verdict := intel["8.8.8.8"].(map[string]interface{})
	assert.Equal(t, float64(75), verdict["score"], "highest provider score wins")
	assert.Equal(t, "2026-08-22T00:00:00Z", verdict["last_seen"], "latest sighting wins")
	assert.ElementsMatch(t, []string{"c2", "botnet"}, verdict["categories"])
	assert.Equal(t, []string{"abuseipdb", "virustotal"}, verdict["sources"])
}

func TestEnrichSkipsPrivateAddresses(t *testing.T) {
	geo := &fakeGeo{}
	e := NewEnricher(geo, nil, nil, nil, time.Second)

	ev := &models.Event{Data: map[string]interface{}{
		"src": "10.0.0.1",
		"lo":  "127.0.0.1",
	}}
	e.Enrich(context.Background(), ev)

	assert.Empty(t, geo.calls, "internal addresses have no geo")
	_, hasGeo := ev.Enriched["ip_info"]
	assert.False(t, hasGeo)
	assert.NotEmpty(t, ev.Enriched["processing_timestamp"], "overlay still attached")
}

func TestEnrichPartialResultOnProviderFailure(t *testing.T) {
	geo := &fakeGeo{}
	broken := &fakeThreat{name: "virustotal", err: errors.New("upstream down")}
	e := NewEnricher(geo, nil, []ThreatProvider{broken}, nil, time.Second)

	ev := &models.Event{Data: map[string]interface{}{"src": "8.8.8.8"}}
	e.Enrich(context.Background(), ev)

	assert.Contains(t, ev.Enriched, "ip_info", "healthy family still enriches")
	_, hasIntel := ev.Enriched["threat_intel"]
	assert.False(t, hasIntel)
}

func TestEnrichProviderBreakerTripsAfterRepeats(t *testing.T) {
	broken := &fakeThreat{name: "flaky", err: errors.New("boom")}
	e := NewEnricher(nil, nil, []ThreatProvider{broken}, nil, time.Second)

	ev := &models.Event{Data: map[string]interface{}{"src": "8.8.8.8"}}
	for i := 0; i < 4; i++ {
		e.Enrich(context.Background(), ev)
	}

	cb := e.breakers.ThreatProvider("flaky")
	assert.NotEqual(t, "CLOSED", cb.State().String(), "repeated failures trip the provider breaker")
}
