package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/libresiem/libresiem/internal/metrics"
)

// Dispatcher delivers events to subscribers from a background worker
// pool. Emit never blocks the pipeline: when the queue is full the
// delivery is dropped and logged.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	metrics    *metrics.Metrics
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	payload    []byte
	attempt    int
}

// NewDispatcher starts the worker pool immediately.
func NewDispatcher(registry *Registry, workers int, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		metrics:    m,
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues one delivery per active subscriber of the event type.
func (d *Dispatcher) Emit(eventType EventType, data map[string]interface{}) {
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "libresiem/pipeline",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Printf("❌ failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, payload: payload, attempt: 1}:
		default:
			d.logger.Printf("⚠️ webhook queue full, dropping event %s for %s", event.ID, sub.ID)
			d.countOutcome("dropped")
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ failed to create webhook request: %v", err)
		d.countOutcome("error")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LibreSIEM-Event-Type", string(job.event.Type))
	req.Header.Set("X-LibreSIEM-Event-ID", job.event.ID)
	req.Header.Set("X-LibreSIEM-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-LibreSIEM-Signature", "sha256="+SignPayload(job.payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ webhook delivery failed: %s → %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️ webhook returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
		d.retry(job)
		return
	}

	d.registry.MarkDelivered(job.subscriber.ID)
	d.countOutcome("delivered")
	d.logger.Printf("✅ webhook delivered: %s → %s (%s)", job.event.Type, job.subscriber.URL, job.event.ID)
}

// retry requeues with attempt-squared backoff, up to 3 attempts.
func (d *Dispatcher) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		d.countOutcome("failed")
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
		d.countOutcome("dropped")
	}
}

func (d *Dispatcher) countOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookDispatch.WithLabelValues(outcome).Inc()
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
