package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/libresiem/libresiem/internal/archive"
	"github.com/libresiem/libresiem/internal/auth"
	"github.com/libresiem/libresiem/internal/bus"
	"github.com/libresiem/libresiem/internal/circuitbreaker"
	"github.com/libresiem/libresiem/internal/cloudpull"
	"github.com/libresiem/libresiem/internal/collector"
	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/metrics"
	"github.com/libresiem/libresiem/internal/parser"
	"github.com/libresiem/libresiem/internal/ratelimit"
	"github.com/libresiem/libresiem/internal/webhooks"
)

func main() {
	log.Println("🔥 Starting LibreSIEM collector...")

	cfg := config.Load()

	// Rate-limit counters and lockout state live in Redis so replicas
	// share them. Local runs fall back to process memory.
	var counters ratelimit.CounterStore
	redisStore := ratelimit.NewRedisStore(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err := redisStore.Ping(context.Background()); err != nil {
		log.Printf("⚠️ redis unavailable (%v), rate limits are per-process only", err)
		redisStore = nil
		counters = ratelimit.NewMemoryStore()
	} else {
		counters = redisStore
	}

	users := auth.NewStore()
	if cfg.Auth.AdminPassword != "" {
		if err := users.Add(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword,
			[]string{collector.ScopeIngest, collector.ScopeAdmin}, false); err != nil {
			log.Fatalf("❌ seeding admin user: %v", err)
		}
	} else {
		log.Println("⚠️ ADMIN_PASSWORD not set, no users seeded")
	}

	broker := auth.NewTokenBroker(cfg.Auth.JWTSecretKey, cfg.Auth.TokenExpiry())
	gate := auth.NewGatekeeper(users, broker, counters,
		cfg.Auth.MaxFailedLoginAttempts, cfg.Auth.LockoutWindow())

	producer, err := bus.NewProducer(cfg.Kafka, cfg.RawLogsTopic, cfg.Kafka.ClientIDPrefix+"-collector")
	if err != nil {
		log.Fatalf("❌ connecting to kafka: %v", err)
	}
	defer producer.Close()

	registry := webhooks.NewRegistry()
	if n, err := webhooks.LoadSubscriptions(registry, cfg.WebhooksFile); err != nil {
		log.Fatalf("❌ loading webhook subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("✅ %d webhook subscriptions loaded", n)
	}
	m := metrics.New()
	dispatcher := webhooks.NewDispatcher(registry, 4, m)
	defer dispatcher.Shutdown()

	server := collector.NewServer(collector.Options{
		Config:    cfg,
		Gate:      gate,
		Limiter:   ratelimit.NewLimiter(counters),
		Publisher: producer,
		Formats:   parser.NewRegistry(),
		Breakers:  circuitbreaker.NewPipelineBreakers(),
		Metrics:   m,
		Emitter:   dispatcher,
		Redis:     redisPinger(redisStore),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cloud audit logs (CloudTrail and friends) are pulled from object
	// storage alongside the HTTP edge when a bucket is configured.
	if cfg.Cloud.LogBucket != "" {
		s3Client, err := archive.NewClient(ctx, cfg.Storage)
		if err != nil {
			log.Fatalf("❌ connecting to object storage: %v", err)
		}
		go cloudpull.New(s3Client, producer, cfg.Cloud).Run(ctx)
	}

	if err := server.Start(ctx); err != nil {
		log.Fatalf("❌ collector: %v", err)
	}
	log.Println("🔌 collector stopped")
}

// redisPinger keeps the health check from dereferencing a nil store.
func redisPinger(s *ratelimit.RedisStore) collector.Pinger {
	if s == nil {
		return nil
	}
	return s
}
