package enrich

import (
	"fmt"
	"net"
	"regexp"
	"sort"
)

// Indicators are the observables pulled out of an event's data tree.
type Indicators struct {
	IPs       []string
	Hostnames []string
	Hashes    []string
}

var (
	ipv4Re     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	hostnameRe = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	hashRe     = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{64}\b`)
)

// ExtractIndicators walks the data tree and collects IPs, hostnames and
// file hashes from every string leaf. Results are deduplicated and
// sorted so downstream lookups are deterministic.
func ExtractIndicators(data map[string]interface{}) Indicators {
	ips := make(map[string]bool)
	hosts := make(map[string]bool)
	hashes := make(map[string]bool)

	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			scanString(t, ips, hosts, hashes)
		case map[string]interface{}:
			for _, child := range t {
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(data)

	return Indicators{
		IPs:       sortedKeys(ips),
		Hostnames: sortedKeys(hosts),
		Hashes:    sortedKeys(hashes),
	}
}

func scanString(s string, ips, hosts, hashes map[string]bool) {
	for _, m := range hashRe.FindAllString(s, -1) {
		hashes[m] = true
	}
	for _, m := range ipv4Re.FindAllString(s, -1) {
		// The regex accepts octets over 255; net.ParseIP settles it.
		if net.ParseIP(m) != nil {
			ips[m] = true
		}
	}
	// Whole-string IPv6 only; scanning for embedded IPv6 produces too
	// many false positives on MAC-like and timestamp-like text.
	if ip := net.ParseIP(s); ip != nil && ip.To4() == nil {
		ips[s] = true
	}
	for _, m := range hostnameRe.FindAllString(s, -1) {
		if net.ParseIP(m) != nil || hashes[m] {
			continue
		}
		hosts[m] = true
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether there is nothing to enrich.
func (in Indicators) Empty() bool {
	return len(in.IPs) == 0 && len(in.Hostnames) == 0 && len(in.Hashes) == 0
}

func (in Indicators) String() string {
	return fmt.Sprintf("ips=%d hostnames=%d hashes=%d", len(in.IPs), len(in.Hostnames), len(in.Hashes))
}
