// Package bus carries events between the collector and the processor
// over Kafka. The producer is asynchronous with per-message delivery
// confirmation; the consumer is a standard consumer group with
// at-least-once semantics.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/models"
)

var (
	// ErrBusy means the producer's local buffer is full. The HTTP edge
	// maps this to 503 so callers back off instead of queueing.
	ErrBusy = errors.New("event bus producer buffer full")

	ErrClosed = errors.New("event bus producer closed")
)

// Producer publishes events to the raw-logs topic, keyed by source so
// each source's events land on one partition in order.
type Producer struct {
	ap     sarama.AsyncProducer
	topic  string
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewProducerConfig builds the sarama configuration for the pipeline's
// durability contract: idempotent writes acknowledged by all replicas,
// gzip batches, bounded retries.
func NewProducerConfig(cfg config.KafkaSettings, clientID string) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = clientID
	sc.Version = sarama.V2_6_0_0

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 1 * time.Second
	sc.Producer.Compression = sarama.CompressionGZIP
	sc.Producer.Timeout = 30 * time.Second
	sc.Producer.Flush.Messages = 100
	sc.Producer.Flush.Bytes = 1 << 20
	sc.Producer.MaxMessageBytes = 1 << 20
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.ChannelBufferSize = 100

	if err := applySecurity(sc, cfg); err != nil {
		return nil, err
	}
	return sc, nil
}

func applySecurity(sc *sarama.Config, cfg config.KafkaSettings) error {
	proto := strings.ToUpper(cfg.SecurityProtocol)

	if strings.Contains(proto, "SSL") {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.SSLCAFile != "" {
			pem, err := os.ReadFile(cfg.SSLCAFile)
			if err != nil {
				return fmt.Errorf("read kafka CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("kafka CA file %s contains no certificates", cfg.SSLCAFile)
			}
			tlsCfg.RootCAs = pool
		}
		if cfg.SSLCertFile != "" && cfg.SSLKeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile)
			if err != nil {
				return fmt.Errorf("load kafka client cert: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsCfg
	}

	if strings.Contains(proto, "SASL") {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
		switch strings.ToUpper(cfg.SASLMechanism) {
		case "", "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			return fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
		}
	}
	return nil
}

// NewProducer connects to the brokers and starts the delivery-report
// drain goroutine.
func NewProducer(cfg config.KafkaSettings, topic, clientID string) (*Producer, error) {
	sc, err := NewProducerConfig(cfg, clientID)
	if err != nil {
		return nil, err
	}
	ap, err := sarama.NewAsyncProducer(cfg.Brokers(), sc)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return newProducer(ap, topic), nil
}

// NewProducerFromClient wraps an existing async producer, mainly for
// tests with sarama's mocks.
func NewProducerFromClient(ap sarama.AsyncProducer, topic string) *Producer {
	return newProducer(ap, topic)
}

func newProducer(ap sarama.AsyncProducer, topic string) *Producer {
	p := &Producer{
		ap:     ap,
		topic:  topic,
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}
	p.wg.Add(2)
	go p.drainSuccesses()
	go p.drainErrors()
	return p
}

func (p *Producer) drainSuccesses() {
	defer p.wg.Done()
	for msg := range p.ap.Successes() {
		if done, ok := msg.Metadata.(chan error); ok {
			done <- nil
		}
	}
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for perr := range p.ap.Errors() {
		p.logger.Printf("❌ delivery failed topic=%s: %v", perr.Msg.Topic, perr.Err)
		if done, ok := perr.Msg.Metadata.(chan error); ok {
			done <- perr.Err
		}
	}
}

// Publish enqueues one event and waits for its delivery report. A full
// local buffer returns ErrBusy immediately rather than blocking the
// ingest path.
func (p *Producer) Publish(ctx context.Context, event *models.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}

	done := make(chan error, 1)
	msg := &sarama.ProducerMessage{
		Topic:    p.topic,
		Key:      sarama.StringEncoder(event.Source),
		Value:    sarama.ByteEncoder(value),
		Metadata: done,
	}

	select {
	case p.ap.Input() <- msg:
	default:
		return ErrBusy
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("deliver event: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Headroom reports free slots in the local buffer, for health output.
func (p *Producer) Headroom() int {
	return cap(p.ap.Input()) - len(p.ap.Input())
}

// Close flushes pending messages and stops the drain goroutines.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.ap.Close()
	p.wg.Wait()
	p.logger.Printf("🔌 producer closed")
	return err
}
