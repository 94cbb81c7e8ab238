package parser

// builtinFormats returns the default set, ordered by detection priority.
// The generic JSON shapes come last among the common formats so the
// structured vendor patterns get first crack at a line.
func builtinFormats() []Format {
	return []Format{
		{
			Name:    "syslog",
			Pattern: `^(?P<timestamp>\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(?P<host>[\w\-]+)\s+(?P<program>[\w\-\[\]]+):\s+(?P<message>.*)$`,
			Fields: map[string]string{
				"timestamp": FieldDatetime,
				"host":      FieldString,
				"program":   FieldString,
				"message":   FieldString,
			},
			Sample: "Feb  5 12:23:09 myhost program[123]: Sample log message",
		},
		{
			Name:    "apache_combined",
			Pattern: `^(?P<remote_host>[\w\-\.:\[\]]+)\s+(?P<ident>\S+)\s+(?P<user>\S+)\s+\[(?P<timestamp>[^\]]+)\]\s+"(?P<request>[^"]*?)"\s+(?P<status>\d+)\s+(?P<bytes>\d+)\s+"(?P<referrer>[^"]*?)"\s+"(?P<user_agent>[^"]*?)"$`,
			Fields: map[string]string{
				"remote_host": FieldString,
				"ident":       FieldString,
				"user":        FieldString,
				"timestamp":   FieldDatetime,
				"request":     FieldString,
				"status":      FieldInteger,
				"bytes":       FieldInteger,
				"referrer":    FieldString,
				"user_agent":  FieldString,
			},
			Sample: `127.0.0.1 - frank [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.0" 200 2326 "http://www.example.com/start.html" "Mozilla/4.08 [en] (Win98; I ;Nav)"`,
		},
		{
			Name:    "paloalto",
			Pattern: `^(?P<event_type>\w+),(?P<timestamp>\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}),(?P<serial>[\w\-]+),(?P<type>\w+),(?P<subtype>\w+),(?P<source_ip>[\d\.]+),(?P<destination_ip>[\d\.]+),(?P<source_port>\d+),(?P<destination_port>\d+),(?P<protocol>\w+)$`,
			Fields: map[string]string{
				"event_type":       FieldString,
				"timestamp":        FieldDatetime,
				"serial":           FieldString,
				"type":             FieldString,
				"subtype":          FieldString,
				"source_ip":        FieldString,
				"destination_ip":   FieldString,
				"source_port":      FieldInteger,
				"destination_port": FieldInteger,
				"protocol":         FieldString,
			},
			Sample: "traffic,2024-02-05 14:11:05,001234567890,traffic,end,10.0.0.1,192.168.1.1,1234,80,TCP",
		},
		{
			Name:    "paloalto_traffic",
			Pattern: `^TRAFFIC,(?P<timestamp>[^,]+),(?P<serial>[^,]+),(?P<type>[^,]+),(?P<subtype>[^,]+),(?P<src_ip>[^,]+),(?P<dst_ip>[^,]+),(?P<src_port>[^,]+),(?P<dst_port>[^,]+),(?P<protocol>[^,]+)`,
			Fields: map[string]string{
				"timestamp": FieldString,
				"serial":    FieldString,
				"type":      FieldString,
				"subtype":   FieldString,
				"src_ip":    FieldString,
				"dst_ip":    FieldString,
				"src_port":  FieldString,
				"dst_port":  FieldString,
				"protocol":  FieldString,
			},
			Sample: "TRAFFIC,2024/02/05 14:11:05,001234567890,traffic,end,10.0.0.1,192.168.1.1,1234,80,tcp",
		},
		{
			Name:    "paloalto_threat",
			Pattern: `^THREAT,(?P<timestamp>[^,]+),(?P<serial>[^,]+),(?P<type>[^,]+),(?P<subtype>[^,]+),(?P<src_ip>[^,]+),(?P<dst_ip>[^,]+),(?P<threat_id>[^,]+),(?P<threat_name>[^,]+)`,
			Fields: map[string]string{
				"timestamp":   FieldString,
				"serial":      FieldString,
				"type":        FieldString,
				"subtype":     FieldString,
				"src_ip":      FieldString,
				"dst_ip":      FieldString,
				"threat_id":   FieldString,
				"threat_name": FieldString,
			},
			Sample: "THREAT,2024/02/05 14:11:05,001234567890,threat,vulnerability,10.0.0.1,192.168.1.1,30003,SQL Injection Attempt",
		},
		{
			Name:    "cisco_asa",
			Pattern: `^%ASA-(?P<level>\d+)-(?P<code>\d+):\s+(?P<message>.*)`,
			Fields: map[string]string{
				"level":   FieldInteger,
				"code":    FieldString,
				"message": FieldString,
			},
			Sample: "%ASA-6-302013: Built inbound TCP connection 12345 for outside:10.0.0.1/1234 to inside:192.168.1.1/80",
		},
		{
			Name:    "fortinet",
			Pattern: `^type=(?P<type>[^\s]+)\s+.*?src=(?P<src_ip>[^\s]+)\s+dst=(?P<dst_ip>[^\s]+)\s+src_port=(?P<src_port>[^\s]+)\s+dst_port=(?P<dst_port>[^\s]+)`,
			Fields: map[string]string{
				"type":     FieldString,
				"src_ip":   FieldString,
				"dst_ip":   FieldString,
				"src_port": FieldString,
				"dst_port": FieldString,
			},
			Sample: "type=traffic subtype=forward src=10.0.0.1 dst=192.168.1.1 src_port=1234 dst_port=80",
		},
		{
			Name:    "snort",
			Pattern: `^\[\*\*\]\s+\[(?P<sid>\d+):(?P<rev>\d+)\]\s+(?P<message>[^\[]+)\s+\[Classification:\s+(?P<classification>[^\]]+)\]\s+\[Priority:\s+(?P<priority>\d+)\]\s+\{(?P<protocol>[^}]+)\}\s+(?P<src_ip>[^:]+):(?P<src_port>\d+)\s+->\s+(?P<dst_ip>[^:]+):(?P<dst_port>\d+)`,
			Fields: map[string]string{
				"sid":            FieldInteger,
				"rev":            FieldInteger,
				"message":        FieldString,
				"classification": FieldString,
				"priority":       FieldInteger,
				"protocol":       FieldString,
				"src_ip":         FieldString,
				"src_port":       FieldInteger,
				"dst_ip":         FieldString,
				"dst_port":       FieldInteger,
			},
			Sample: "[**] [1:2001:3] ATTACK-RESPONSES id check returned root [Classification: Potentially Bad Traffic] [Priority: 2] {TCP} 10.0.0.1:1234 -> 192.168.1.1:80",
		},
		{
			Name:    "suricata",
			Pattern: `^(?P<json>\{.*\})$`,
			Fields:  map[string]string{"json": FieldJSON},
			Sample:  `{"event_type": "alert", "src_ip": "10.0.0.1", "dest_ip": "192.168.1.1", "alert": {"signature_id": 2001, "category": "Attempted Information Leak", "severity": 2}}`,
		},
		{
			Name:    "crowdstrike",
			Pattern: `^(?P<json>\{.*\})$`,
			Fields:  map[string]string{"json": FieldJSON},
			Sample:  `{"device_id": "test-device", "event_type": "DetectionSummaryEvent", "timestamp": "2024-02-05T14:11:05Z", "severity": "high", "detection_name": "Test Detection", "src_ip": "10.0.0.1", "dst_ip": "192.168.1.1"}`,
		},
	}
}
