package alerts

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/libresiem/libresiem/internal/detect"
	"github.com/libresiem/libresiem/internal/metrics"
)

// severityRoutes maps an alert severity to the channel names notified.
// Unknown severities fall back to the low route.
var severityRoutes = map[string][]string{
	"critical": {"email", "slack", "telegram"},
	"high":     {"email", "slack"},
	"medium":   {"slack"},
	"low":      {"slack"},
}

// Dispatcher fans alerts out to the registered channels.
type Dispatcher struct {
	channels map[string]Notifier
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewDispatcher(m *metrics.Metrics, notifiers ...Notifier) *Dispatcher {
	channels := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		channels[n.Name()] = n
	}
	return &Dispatcher{
		channels: channels,
		metrics:  m,
		logger:   log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
	}
}

// Routes returns the channel names an alert of this severity targets.
func Routes(severity string) []string {
	if routes, ok := severityRoutes[strings.ToLower(severity)]; ok {
		return routes
	}
	return severityRoutes["low"]
}

// Dispatch sends one alert to every routed channel in parallel. Channel
// failures are logged and counted; Dispatch itself never fails, since a
// missed notification must not stall the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, alert detect.Alert) {
	if d.metrics != nil {
		d.metrics.AlertsRaised.WithLabelValues(strings.ToLower(alert.Severity)).Inc()
	}

	var wg sync.WaitGroup
	for _, name := range Routes(alert.Severity) {
		notifier, ok := d.channels[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			if err := n.Notify(ctx, alert); err != nil {
				d.logger.Printf("❌ %s delivery failed for alert %s: %v", n.Name(), alert.ID, err)
				if d.metrics != nil {
					d.metrics.NotifyFailures.WithLabelValues(n.Name()).Inc()
				}
				return
			}
			d.logger.Printf("📤 alert %s sent via %s", alert.ID, n.Name())
		}(notifier)
	}
	wg.Wait()
}

// DispatchAll processes a batch of alerts sequentially, each fanning
// out in parallel.
func (d *Dispatcher) DispatchAll(ctx context.Context, alerts []detect.Alert) {
	for _, alert := range alerts {
		d.Dispatch(ctx, alert)
	}
}
