package webhooks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

var knownEventTypes = map[EventType]bool{
	EventLogReceived:    true,
	EventAlertCreated:   true,
	EventThreatDetected: true,
	EventSystemStatus:   true,
}

type subscriptionFile struct {
	Subscriptions []struct {
		URL    string   `yaml:"url"`
		Events []string `yaml:"events"`
		Secret string   `yaml:"secret"`
	} `yaml:"subscriptions"`
}

// LoadSubscriptions registers the endpoints listed in a YAML file. A
// missing file means no subscribers; a malformed file or unknown event
// type is an error so a typo cannot silently drop deliveries.
func LoadSubscriptions(r *Registry, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var file subscriptionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	count := 0
	for i, s := range file.Subscriptions {
		events := make([]EventType, 0, len(s.Events))
		for _, e := range s.Events {
			evt := EventType(e)
			if !knownEventTypes[evt] {
				return count, fmt.Errorf("%s: subscription %d: unknown event type %q", path, i, e)
			}
			events = append(events, evt)
		}
		if err := r.Register(&Subscription{URL: s.URL, Events: events, Secret: s.Secret}); err != nil {
			return count, fmt.Errorf("%s: subscription %d: %w", path, i, err)
		}
		count++
	}
	return count, nil
}
