// Package enrich augments events with GeoIP, DNS and threat-intel
// context. Lookups run in parallel under one combined deadline; a slow
// or failing provider degrades to partial results, never an error.
package enrich

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/libresiem/libresiem/internal/circuitbreaker"
	"github.com/libresiem/libresiem/internal/models"
)

// GeoProvider resolves an IP to location attributes.
type GeoProvider interface {
	Lookup(ip net.IP) (map[string]interface{}, error)
}

// ThreatProvider checks one indicator against a reputation source.
type ThreatProvider interface {
	Name() string
	Check(ctx context.Context, indicator string) (map[string]interface{}, error)
}

// HostResolver is the slice of net.Resolver the enricher needs.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Enricher runs the three lookup families over an event's indicators.
type Enricher struct {
	geo       GeoProvider
	resolver  HostResolver
	providers []ThreatProvider
	breakers  *circuitbreaker.PipelineBreakers
	timeout   time.Duration
	logger    *log.Logger

	// Caps per event so a pathological log line cannot fan out into
	// thousands of lookups.
	maxIPs   int
	maxHosts int
}

func NewEnricher(geo GeoProvider, resolver HostResolver, providers []ThreatProvider, breakers *circuitbreaker.PipelineBreakers, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breakers == nil {
		breakers = circuitbreaker.NewPipelineBreakers()
	}
	return &Enricher{
		geo:       geo,
		resolver:  resolver,
		providers: providers,
		breakers:  breakers,
		timeout:   timeout,
		logger:    log.New(log.Writer(), "[ENRICH] ", log.LstdFlags),
		maxIPs:    10,
		maxHosts:  10,
	}
}

// Enrich attaches the enriched overlay to the event in place. Always
// sets enriched.processing_timestamp, even when every lookup fails.
func (e *Enricher) Enrich(ctx context.Context, event *models.Event) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	indicators := ExtractIndicators(event.Data)
	enriched := map[string]interface{}{
		"processing_timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	if e.geo != nil && len(indicators.IPs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if geo := e.lookupGeo(indicators.IPs); len(geo) > 0 {
				mu.Lock()
				enriched["ip_info"] = geo
				mu.Unlock()
			}
		}()
	}

	if e.resolver != nil && len(indicators.Hostnames) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dns := e.lookupDNS(ctx, indicators.Hostnames); len(dns) > 0 {
				mu.Lock()
				enriched["dns_info"] = dns
				mu.Unlock()
			}
		}()
	}

	if len(e.providers) > 0 && !indicators.Empty() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if intel := e.lookupThreatIntel(ctx, indicators); len(intel) > 0 {
				mu.Lock()
				enriched["threat_intel"] = intel
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	event.Enriched = enriched
}

func (e *Enricher) lookupGeo(ips []string) map[string]interface{} {
	out := make(map[string]interface{})
	for i, raw := range ips {
		if i >= e.maxIPs {
			break
		}
		ip := net.ParseIP(raw)
		if ip == nil || !isPublic(ip) {
			continue
		}
		loc, err := e.geo.Lookup(ip)
		if err != nil {
			continue
		}
		if len(loc) > 0 {
			out[raw] = loc
		}
	}
	return out
}

func (e *Enricher) lookupDNS(ctx context.Context, hostnames []string) map[string]interface{} {
	out := make(map[string]interface{})
	for i, host := range hostnames {
		if i >= e.maxHosts {
			break
		}
		addrs, err := e.resolver.LookupHost(ctx, host)
		if err != nil {
			continue
		}
		out[host] = map[string]interface{}{
			"addresses":   addrs,
			"resolved_at": time.Now().UTC().Format(time.RFC3339),
		}
	}
	return out
}

func (e *Enricher) lookupThreatIntel(ctx context.Context, indicators Indicators) map[string]interface{} {
	out := make(map[string]interface{})

	check := make([]string, 0, len(indicators.IPs)+len(indicators.Hashes))
	for i, ip := range indicators.IPs {
		if i >= e.maxIPs {
			break
		}
		if parsed := net.ParseIP(ip); parsed != nil && isPublic(parsed) {
			check = append(check, ip)
		}
	}
	check = append(check, indicators.Hashes...)

	for _, indicator := range check {
		report := &threatReport{}
		for _, provider := range e.providers {
			cb := e.breakers.ThreatProvider(provider.Name())
			var result map[string]interface{}
			err := cb.Execute(ctx, func(ctx context.Context) error {
				var err error
				result, err = provider.Check(ctx, indicator)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return out
				}
				continue
			}
			if len(result) > 0 {
				report.absorb(provider.Name(), result)
			}
		}
		if len(report.sources) > 0 {
			out[indicator] = report.overlay()
		}
	}
	return out
}

// threatReport folds provider verdicts for one indicator into a single
// sub-object: highest score wins, categories union, latest sighting.
type threatReport struct {
	score      float64
	categories []string
	lastSeen   string
	sources    []string
}

func (r *threatReport) absorb(provider string, raw map[string]interface{}) {
	fields := raw
	// AbuseIPDB-style responses nest the verdict under "data".
	if data, ok := raw["data"].(map[string]interface{}); ok {
		fields = data
	}
	if score, ok := numberField(fields, "abuseConfidenceScore", "score", "reputation"); ok && score > r.score {
		r.score = score
	}
	if cats, ok := fields["categories"].([]interface{}); ok {
		for _, c := range cats {
			if name, ok := c.(string); ok && !containsString(r.categories, name) {
				r.categories = append(r.categories, name)
			}
		}
	}
	// RFC 3339 timestamps order lexically.
	if seen, ok := stringField(fields, "lastReportedAt", "last_seen"); ok && seen > r.lastSeen {
		r.lastSeen = seen
	}
	r.sources = append(r.sources, provider)
}

func (r *threatReport) overlay() map[string]interface{} {
	out := map[string]interface{}{
		"score":   r.score,
		"sources": r.sources,
	}
	if len(r.categories) > 0 {
		out["categories"] = r.categories
	}
	if r.lastSeen != "" {
		out["last_seen"] = r.lastSeen
	}
	return out
}

func numberField(fields map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := fields[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

func stringField(fields map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// isPublic filters loopback, private and link-local ranges: internal
// addresses have no meaningful geo or reputation.
func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified())
}
