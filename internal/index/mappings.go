package index

// indexTemplate is the composable template applied to logs-* indices.
// The data tree stays dynamic; the envelope fields are keywords so
// filters and aggregations stay cheap.
func indexTemplate() map[string]interface{} {
	return map[string]interface{}{
		"index_patterns": []string{IndexPattern},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":               1,
				"number_of_replicas":             1,
				"index.lifecycle.name":           PolicyName,
				"index.lifecycle.rollover_alias": WriteAlias,
			},
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"timestamp":  map[string]interface{}{"type": "date"},
					"source":     map[string]interface{}{"type": "keyword"},
					"event_type": map[string]interface{}{"type": "keyword"},
					"severity":   map[string]interface{}{"type": "keyword"},
					"vendor":     map[string]interface{}{"type": "keyword"},
					"data": map[string]interface{}{
						"type":    "object",
						"dynamic": true,
					},
					"enriched": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"processing_timestamp": map[string]interface{}{"type": "date"},
							"ip_info": map[string]interface{}{
								"type":    "object",
								"dynamic": true,
							},
							"dns_info": map[string]interface{}{
								"type":    "object",
								"dynamic": true,
							},
							// Keyed by indicator; per-indicator verdicts
							// carry score, categories, last_seen, sources.
							"threat_intel": map[string]interface{}{
								"type":    "object",
								"dynamic": true,
							},
						},
					},
				},
			},
		},
	}
}

// lifecyclePolicy rolls hot indices monthly or at 50gb, shrinks and
// force-merges in warm, parks cold at 90 days and deletes at one year.
func lifecyclePolicy() map[string]interface{} {
	return map[string]interface{}{
		"policy": map[string]interface{}{
			"phases": map[string]interface{}{
				"hot": map[string]interface{}{
					"min_age": "0ms",
					"actions": map[string]interface{}{
						"rollover": map[string]interface{}{
							"max_age":  "30d",
							"max_size": "50gb",
						},
						"set_priority": map[string]interface{}{"priority": 100},
					},
				},
				"warm": map[string]interface{}{
					"min_age": "30d",
					"actions": map[string]interface{}{
						"shrink":       map[string]interface{}{"number_of_shards": 1},
						"forcemerge":   map[string]interface{}{"max_num_segments": 1},
						"set_priority": map[string]interface{}{"priority": 50},
					},
				},
				"cold": map[string]interface{}{
					"min_age": "90d",
					"actions": map[string]interface{}{
						"set_priority": map[string]interface{}{"priority": 0},
					},
				},
				"delete": map[string]interface{}{
					"min_age": "365d",
					"actions": map[string]interface{}{
						"delete": map[string]interface{}{},
					},
				},
			},
		},
	}
}
