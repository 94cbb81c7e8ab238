package processor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"github.com/libresiem/libresiem/internal/circuitbreaker"
	"github.com/libresiem/libresiem/internal/detect"
	"github.com/libresiem/libresiem/internal/metrics"
	"github.com/libresiem/libresiem/internal/models"
	"github.com/libresiem/libresiem/internal/webhooks"
)

// The pipeline stages are taken as narrow interfaces so each can be
// swapped out in tests.

type Enricher interface {
	Enrich(ctx context.Context, event *models.Event)
}

type Archiver interface {
	Archive(ctx context.Context, event *models.Event) (string, error)
}

type Indexer interface {
	Store(ctx context.Context, event *models.Event) error
}

type Detector interface {
	ProcessEvent(event *models.Event) []detect.Alert
}

type AlertSink interface {
	DispatchAll(ctx context.Context, alerts []detect.Alert)
}

type Responder interface {
	ProcessAlerts(ctx context.Context, alerts []detect.Alert)
}

type Emitter interface {
	Emit(eventType webhooks.EventType, data map[string]interface{})
}

// Processor is the consumer-side pipeline. Stage order is fixed:
// decode, dedup, enrich, archive, index, detect, notify, respond.
// Only an index failure propagates, leaving the offset uncommitted so
// the event is redelivered; every other stage is best-effort.
type Processor struct {
	dedup    *DedupCache
	enricher Enricher
	archiver Archiver
	indexer  Indexer
	detector Detector
	alerts   AlertSink
	soar     Responder
	emitter  Emitter
	breakers *circuitbreaker.PipelineBreakers
	metrics  *metrics.Metrics
	logger   *log.Logger
}

type Options struct {
	Dedup    *DedupCache
	Enricher Enricher
	Archiver Archiver
	Indexer  Indexer
	Detector Detector
	Alerts   AlertSink
	SOAR     Responder
	Emitter  Emitter
	Breakers *circuitbreaker.PipelineBreakers
	Metrics  *metrics.Metrics
}

func New(opts Options) *Processor {
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewPipelineBreakers()
	}
	return &Processor{
		dedup:    opts.Dedup,
		enricher: opts.Enricher,
		archiver: opts.Archiver,
		indexer:  opts.Indexer,
		detector: opts.Detector,
		alerts:   opts.Alerts,
		soar:     opts.SOAR,
		emitter:  opts.Emitter,
		breakers: opts.Breakers,
		metrics:  opts.Metrics,
		logger:   log.New(log.Writer(), "[PROCESSOR] ", log.LstdFlags),
	}
}

// Handle implements bus.MessageHandler.
func (p *Processor) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Poison message: log and move on, redelivery cannot fix it.
		p.logger.Printf("❌ dropping undecodable message %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return nil
	}
	return p.Process(ctx, &event)
}

// Process runs one event through the pipeline.
func (p *Processor) Process(ctx context.Context, event *models.Event) error {
	event.Normalize(time.Now().UTC())
	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
	}

	fingerprint := event.Fingerprint()
	if p.dedup != nil && p.dedup.Seen(fingerprint) {
		if p.metrics != nil {
			p.metrics.EventsDeduped.Inc()
		}
		return nil
	}

	if p.enricher != nil {
		start := time.Now()
		p.enricher.Enrich(ctx, event)
		if p.metrics != nil {
			p.metrics.EnrichLatency.Observe(time.Since(start).Seconds())
		}
	}

	p.archive(ctx, event)

	if err := p.index(ctx, event); err != nil {
		p.logger.Printf("❌ indexing failed for %s/%s: %v", event.Source, event.EventType, err)
		if p.metrics != nil {
			p.metrics.IndexFailures.Inc()
		}
		return err
	}
	if p.metrics != nil {
		p.metrics.EventsIndexed.Inc()
	}
	if p.dedup != nil {
		p.dedup.Mark(fingerprint)
	}

	p.respond(ctx, event)
	return nil
}

// archive is best-effort: cold storage lag must not hold up indexing.
func (p *Processor) archive(ctx context.Context, event *models.Event) {
	if p.archiver == nil {
		return
	}
	var key string
	err := p.breakers.ObjectStore.Execute(ctx, func(ctx context.Context) error {
		var err error
		key, err = p.archiver.Archive(ctx, event)
		return err
	})
	if err != nil {
		p.logger.Printf("⚠️ archive failed for %s/%s: %v", event.Source, event.EventType, err)
		if p.metrics != nil {
			p.metrics.ArchiveFailures.Inc()
		}
		return
	}
	if key != "" && p.metrics != nil {
		p.metrics.EventsArchived.Inc()
	}
}

func (p *Processor) index(ctx context.Context, event *models.Event) error {
	if p.indexer == nil {
		return nil
	}
	return p.breakers.Index.Execute(ctx, func(ctx context.Context) error {
		return p.indexer.Store(ctx, event)
	})
}

func (p *Processor) respond(ctx context.Context, event *models.Event) {
	var alerts []detect.Alert
	if p.detector != nil {
		alerts = p.detector.ProcessEvent(event)
	}
	if len(alerts) > 0 {
		p.logger.Printf("🚨 %d alerts for %s/%s", len(alerts), event.Source, event.EventType)
		if p.alerts != nil {
			p.alerts.DispatchAll(ctx, alerts)
		}
		if p.soar != nil {
			p.soar.ProcessAlerts(ctx, alerts)
		}
	}
	p.emit(event, alerts)
}

func (p *Processor) emit(event *models.Event, alerts []detect.Alert) {
	if p.emitter == nil {
		return
	}
	for _, alert := range alerts {
		p.emitter.Emit(webhooks.EventAlertCreated, map[string]interface{}{
			"alert_id":  alert.ID,
			"rule_id":   alert.RuleID,
			"severity":  alert.Severity,
			"title":     alert.Title,
			"source":    event.Source,
			"timestamp": alert.Timestamp,
		})
	}
	if threat, ok := event.Enriched["threat_intel"].(map[string]interface{}); ok && len(threat) > 0 {
		p.emitter.Emit(webhooks.EventThreatDetected, map[string]interface{}{
			"source":       event.Source,
			"event_type":   event.EventType,
			"threat_intel": threat,
		})
	}
}
