package parser

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSyslogLine(t *testing.T) {
	r := NewRegistry()

	ev, err := r.Parse("Feb  5 12:23:09 myhost sshd[123]: Failed password for root", "", "edge-01", "", "")
	require.NoError(t, err)

	assert.Equal(t, "edge-01", ev.Source)
	assert.Equal(t, "log", ev.EventType, "event_type defaults to log for raw lines")
	assert.Equal(t, "myhost", ev.Data["host"])
	assert.Equal(t, "sshd[123]", ev.Data["program"])
	assert.Equal(t, "Failed password for root", ev.Data["message"])

	// Timestamp is promoted out of data and carries the current year.
	_, hasTS := ev.Data["timestamp"]
	assert.False(t, hasTS)
	assert.Equal(t, time.Now().Year(), ev.Timestamp.Year())
	assert.Equal(t, time.February, ev.Timestamp.Month())
}

func TestParseApacheCombined(t *testing.T) {
	r := NewRegistry()
	line := `127.0.0.1 - frank [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.0" 200 2326 "http://www.example.com/start.html" "Mozilla/4.08 [en] (Win98; I ;Nav)"`

	ev, err := r.Parse(line, "apache_combined", "web-01", "http.access", "")
	require.NoError(t, err)

	assert.Equal(t, "http.access", ev.EventType)
	assert.Equal(t, "127.0.0.1", ev.Data["remote_host"])
	assert.Equal(t, 200, ev.Data["status"], "status is coerced to integer")
	assert.Equal(t, 2326, ev.Data["bytes"])
	assert.Equal(t, 2000, ev.Timestamp.Year())
}

func TestParseJSONFirst(t *testing.T) {
	r := NewRegistry()
	line := `{"event_type": "alert", "src_ip": "10.0.0.1", "timestamp": "2024-02-05T14:11:05Z", "severity": 2}`

	ev, err := r.Parse(line, "", "ids-01", "ids.alert", "suricata")
	require.NoError(t, err)

	assert.Equal(t, "suricata", ev.Vendor)
	assert.Equal(t, "10.0.0.1", ev.Data["src_ip"])
	assert.Equal(t, 2024, ev.Timestamp.Year())
	_, hasTS := ev.Data["timestamp"]
	assert.False(t, hasTS, "timestamp field is promoted, not duplicated")
}

func TestDetectVendorFormats(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		line   string
		format string
	}{
		{"TRAFFIC,2024/02/05 14:11:05,001234567890,traffic,end,10.0.0.1,192.168.1.1,1234,80,tcp", "paloalto_traffic"},
		{"THREAT,2024/02/05 14:11:05,001234567890,threat,vulnerability,10.0.0.1,192.168.1.1,30003,SQL Injection", "paloalto_threat"},
		{"%ASA-6-302013: Built inbound TCP connection", "cisco_asa"},
		{"type=traffic subtype=forward src=10.0.0.1 dst=192.168.1.1 src_port=1234 dst_port=80", "fortinet"},
		{"[**] [1:2001:3] ATTACK-RESPONSES id check [Classification: Potentially Bad Traffic] [Priority: 2] {TCP} 10.0.0.1:1234 -> 192.168.1.1:80", "snort"},
	}
	for _, tc := range cases {
		name, ok := r.Detect(tc.line)
		require.True(t, ok, "line should be detectable: %s", tc.line)
		assert.Equal(t, tc.format, name)
	}
}

func TestParseSnortFields(t *testing.T) {
	r := NewRegistry()
	line := "[**] [1:2001:3] ATTACK-RESPONSES id check [Classification: Potentially Bad Traffic] [Priority: 2] {TCP} 10.0.0.1:1234 -> 192.168.1.1:80"

	ev, err := r.Parse(line, "snort", "ids-02", "ids.alert", "snort")
	require.NoError(t, err)
	assert.Equal(t, 2001, ev.Data["sid"])
	assert.Equal(t, 2, ev.Data["priority"])
	assert.Equal(t, "10.0.0.1", ev.Data["src_ip"])
	assert.Equal(t, 80, ev.Data["dst_port"])
}

func TestUndetectableLine(t *testing.T) {
	r := NewRegistry()

	_, err := r.Parse("@@@ total garbage @@@", "", "src", "", "")
	assert.ErrorIs(t, err, ErrUndetectable)
}

func TestUnknownFormatName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Parse("anything", "no-such-format", "src", "", "")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFormatMismatch(t *testing.T) {
	r := NewRegistry()

	_, err := r.Parse("not an apache line", "apache_combined", "src", "", "")
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestRegisterRejectsBadFormats(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Format{Name: "broken", Pattern: "("})
	assert.Error(t, err, "uncompilable pattern")

	err = r.Register(Format{
		Name:    "orphan-field",
		Pattern: `^(?P<a>\w+)$`,
		Fields:  map[string]string{"b": FieldString},
	})
	assert.Error(t, err, "field without capture group")

	err = r.Register(Format{
		Name:    "bad-type",
		Pattern: `^(?P<a>\w+)$`,
		Fields:  map[string]string{"a": "float"},
	})
	assert.Error(t, err, "unknown field type")
}

func TestRuntimeRegisteredFormat(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Format{
		Name:    "kv_audit",
		Pattern: `^AUDIT\s+user=(?P<user>\S+)\s+action=(?P<action>\S+)\s+count=(?P<count>\d+)$`,
		Fields: map[string]string{
			"user":   FieldString,
			"action": FieldString,
			"count":  FieldInteger,
		},
	}))

	ev, err := r.Parse("AUDIT user=alice action=delete count=3", "kv_audit", "app-01", "audit", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", ev.Data["user"])
	assert.Equal(t, 3, ev.Data["count"])

	found := false
	for _, f := range r.List() {
		if f.Name == "kv_audit" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectionPriorityIsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	// A JSON object line is claimed by the first JSON-shaped format.
	name, ok := r.Detect(fmt.Sprintf(`{"k": %d}`, 1))
	require.True(t, ok)
	assert.Equal(t, "suricata", name)
}
