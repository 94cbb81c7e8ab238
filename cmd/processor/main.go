package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/libresiem/libresiem/internal/alerts"
	"github.com/libresiem/libresiem/internal/archive"
	"github.com/libresiem/libresiem/internal/bus"
	"github.com/libresiem/libresiem/internal/circuitbreaker"
	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/detect"
	"github.com/libresiem/libresiem/internal/enrich"
	"github.com/libresiem/libresiem/internal/index"
	"github.com/libresiem/libresiem/internal/metrics"
	"github.com/libresiem/libresiem/internal/processor"
	"github.com/libresiem/libresiem/internal/soar"
	"github.com/libresiem/libresiem/internal/webhooks"
)

func main() {
	log.Println("🔥 Starting LibreSIEM processor...")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	breakers := circuitbreaker.NewPipelineBreakers()

	writer, err := index.NewWriter(cfg.Elasticsearch)
	if err != nil {
		log.Fatalf("❌ connecting to elasticsearch: %v", err)
	}
	if err := writer.Bootstrap(ctx); err != nil {
		log.Fatalf("❌ bootstrapping index template: %v", err)
	}

	s3Client, err := archive.NewClient(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("❌ connecting to object storage: %v", err)
	}
	archiver := archive.New(s3Client, cfg.Storage.Bucket)

	enricher := buildEnricher(cfg, breakers)

	engine := detect.NewEngine()
	if err := engine.LoadRules(cfg.Rules.RulesDir); err != nil {
		log.Fatalf("❌ loading detection rules: %v", err)
	}

	dispatcher := alerts.NewDispatcher(m, buildNotifiers(cfg)...)

	responder := soar.NewEngine(cfg.SOAR, m)
	if err := responder.LoadPlaybooks(cfg.Rules.PlaybooksDir); err != nil {
		log.Fatalf("❌ loading playbooks: %v", err)
	}

	registry := webhooks.NewRegistry()
	if n, err := webhooks.LoadSubscriptions(registry, cfg.WebhooksFile); err != nil {
		log.Fatalf("❌ loading webhook subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("✅ %d webhook subscriptions loaded", n)
	}
	emitter := webhooks.NewDispatcher(registry, 4, m)
	defer emitter.Shutdown()

	dedup := processor.NewDedupCache(cfg.Enrichment.CleanupInterval())
	go dedup.Run(ctx, cfg.Enrichment.CleanupInterval())

	p := processor.New(processor.Options{
		Dedup:    dedup,
		Enricher: enricher,
		Archiver: archiver,
		Indexer:  writer,
		Detector: engine,
		Alerts:   dispatcher,
		SOAR:     responder,
		Emitter:  emitter,
		Breakers: breakers,
		Metrics:  m,
	})

	consumer, err := bus.NewConsumer(cfg.Kafka, bus.DefaultGroupID,
		cfg.Kafka.ClientIDPrefix+"-processor", []string{cfg.RawLogsTopic}, p.Handle)
	if err != nil {
		log.Fatalf("❌ connecting to kafka: %v", err)
	}
	defer consumer.Close()

	log.Printf("🚀 consuming from %s as group %s", cfg.RawLogsTopic, bus.DefaultGroupID)
	if err := consumer.Run(ctx); err != nil {
		log.Fatalf("❌ consumer: %v", err)
	}
	log.Println("🔌 processor stopped")
}

// buildEnricher degrades gracefully: a missing GeoIP database or absent
// threat-intel key just disables that lookup family.
func buildEnricher(cfg *config.Settings, breakers *circuitbreaker.PipelineBreakers) *enrich.Enricher {
	var geo enrich.GeoProvider
	if g, err := enrich.NewGeoIP(cfg.Enrichment.GeoIPDBPath); err != nil {
		log.Printf("⚠️ geoip database unavailable (%v), geo enrichment disabled", err)
	} else {
		geo = g
	}

	var providers []enrich.ThreatProvider
	if cfg.Enrichment.ThreatIntelAPIKey != "" {
		providers = append(providers,
			enrich.NewHTTPThreatProvider("abuseipdb", cfg.Enrichment.AbuseIPDBURL, cfg.Enrichment.ThreatIntelAPIKey))
	}

	return enrich.NewEnricher(geo, net.DefaultResolver, providers, breakers, cfg.Enrichment.Timeout())
}

// buildNotifiers wires only the channels with configuration present.
func buildNotifiers(cfg *config.Settings) []alerts.Notifier {
	var out []alerts.Notifier
	n := cfg.Notifications
	if n.SMTPHost != "" && n.EmailTo != "" {
		out = append(out, alerts.NewEmailNotifier(n))
	}
	if n.SlackWebhookURL != "" {
		out = append(out, alerts.NewSlackNotifier(n.SlackWebhookURL))
	}
	if n.TelegramBotToken != "" && n.TelegramChatID != "" {
		out = append(out, alerts.NewTelegramNotifier(n.TelegramBotToken, n.TelegramChatID))
	}
	if n.WebhookURL != "" {
		out = append(out, alerts.NewWebhookNotifier(n.WebhookURL))
	}
	log.Printf("✅ %d notification channels configured", len(out))
	return out
}
