// Package config assembles typed settings from the environment.
//
// Every knob has a default suitable for local development; production
// deployments override via environment variables or a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings is the process-wide configuration, loaded once at startup.
type Settings struct {
	ServiceName string
	LogLevel    string

	CollectorHost string
	CollectorPort int
	FrontendURL   string

	RawLogsTopic string
	WebhooksFile string

	Kafka         KafkaSettings
	Elasticsearch ElasticsearchSettings
	Storage       StorageSettings
	Cloud         CloudSettings
	Redis         RedisSettings
	Auth          AuthSettings
	Rules         RulesSettings
	Enrichment    EnrichmentSettings
	Notifications NotificationSettings
	SOAR          SOARSettings
	RateLimit     RateLimitSettings
}

type KafkaSettings struct {
	BootstrapServers string
	ClientIDPrefix   string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	SSLCAFile        string
	SSLCertFile      string
	SSLKeyFile       string
}

// Brokers splits the bootstrap list into individual addresses.
func (k KafkaSettings) Brokers() []string {
	parts := strings.Split(k.BootstrapServers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type ElasticsearchSettings struct {
	Hosts       string
	Username    string
	Password    string
	SSLVerify   bool
	IndexPrefix string
	Pipeline    string
}

func (e ElasticsearchSettings) Addresses() []string {
	parts := strings.Split(e.Hosts, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StorageSettings selects the cold-storage backend. Type is "aws" or
// "minio"; MinIO is addressed through the same S3 client with a custom
// endpoint and path-style requests.
type StorageSettings struct {
	Type      string
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// CloudSettings points the collector at a bucket where a cloud
// provider delivers audit logs (CloudTrail, S3 access logs). An empty
// bucket disables cloud pulling.
type CloudSettings struct {
	LogBucket    string
	LogPrefix    string
	SourceName   string
	PollInterval int // seconds
}

func (c CloudSettings) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

type RedisSettings struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisSettings) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuthSettings struct {
	JWTSecretKey             string
	AccessTokenExpireMinutes int
	MaxFailedLoginAttempts   int
	LockoutDurationMinutes   int
	AdminUsername            string
	AdminPassword            string
}

func (a AuthSettings) TokenExpiry() time.Duration {
	return time.Duration(a.AccessTokenExpireMinutes) * time.Minute
}

func (a AuthSettings) LockoutWindow() time.Duration {
	return time.Duration(a.LockoutDurationMinutes) * time.Minute
}

type RulesSettings struct {
	RulesDir     string
	PlaybooksDir string
}

type EnrichmentSettings struct {
	GeoIPDBPath          string
	TimeoutSeconds       int
	ThreatIntelAPIKey    string
	AbuseIPDBURL         string
	VirusTotalURL        string
	CacheCleanupInterval int // seconds
}

func (e EnrichmentSettings) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e EnrichmentSettings) CleanupInterval() time.Duration {
	return time.Duration(e.CacheCleanupInterval) * time.Second
}

type NotificationSettings struct {
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPTLS          bool
	EmailFrom        string
	EmailTo          string
	SlackWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

type SOARSettings struct {
	TheHiveURL    string
	TheHiveAPIKey string
	CortexURL     string
	CortexAPIKey  string
	RunnerBinary  string
}

// RateLimitSettings carries the per-IP defaults. Per-user overrides are
// resolved lazily from RATE_LIMIT_<USER> style variables.
type RateLimitSettings struct {
	TokenPerIPPerMinute  int
	RawPerIPPerMinute    int
	TypedPerIPPerMinute  int
	BatchPerIPPerMinute  int
	UserEventsPerMinute  int
	UserBatchesPerMinute int
	UserEventCountLimit  int
}

// UserRateLimit resolves RATE_LIMIT_<USER>, falling back to the default.
func (r RateLimitSettings) UserRateLimit(username string) int {
	return perUserInt("RATE_LIMIT_", username, r.UserEventsPerMinute)
}

// UserBatchLimit resolves BATCH_LIMIT_<USER>.
func (r RateLimitSettings) UserBatchLimit(username string) int {
	return perUserInt("BATCH_LIMIT_", username, r.UserBatchesPerMinute)
}

// UserEventLimit resolves EVENT_LIMIT_<USER>.
func (r RateLimitSettings) UserEventLimit(username string) int {
	return perUserInt("EVENT_LIMIT_", username, r.UserEventCountLimit)
}

func perUserInt(prefix, username string, def int) int {
	key := prefix + strings.ToUpper(strings.ReplaceAll(username, "-", "_"))
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Load reads settings from the environment. A .env file in the working
// directory is honored when present.
func Load() *Settings {
	_ = godotenv.Load()

	return &Settings{
		ServiceName: envStr("SERVICE_NAME", "libresiem"),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),

		CollectorHost: envStr("COLLECTOR_HOST", "0.0.0.0"),
		CollectorPort: envInt("COLLECTOR_PORT", 8000),
		FrontendURL:   envStr("FRONTEND_URL", "http://localhost:3000"),

		RawLogsTopic: envStr("RAW_LOGS_TOPIC", "raw_logs"),
		WebhooksFile: envStr("WEBHOOK_SUBSCRIPTIONS_FILE", "webhooks.yml"),

		Kafka: KafkaSettings{
			BootstrapServers: envStr("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092"),
			ClientIDPrefix:   envStr("KAFKA_CLIENT_ID_PREFIX", "libresiem"),
			SecurityProtocol: envStr("KAFKA_SECURITY_PROTOCOL", "PLAINTEXT"),
			SASLMechanism:    envStr("KAFKA_SASL_MECHANISM", ""),
			SASLUsername:     envStr("KAFKA_SASL_USERNAME", ""),
			SASLPassword:     envStr("KAFKA_SASL_PASSWORD", ""),
			SSLCAFile:        envStr("KAFKA_SSL_CAFILE", ""),
			SSLCertFile:      envStr("KAFKA_SSL_CERTFILE", ""),
			SSLKeyFile:       envStr("KAFKA_SSL_KEYFILE", ""),
		},
		Elasticsearch: ElasticsearchSettings{
			Hosts:       envStr("ES_HOSTS", "http://localhost:9200"),
			Username:    envStr("ES_USERNAME", ""),
			Password:    envStr("ES_PASSWORD", ""),
			SSLVerify:   envBool("ES_SSL_VERIFY", true),
			IndexPrefix: envStr("ES_INDEX_PREFIX", "logs"),
			Pipeline:    envStr("ES_INGEST_PIPELINE", ""),
		},
		Storage: StorageSettings{
			Type:      envStr("STORAGE_TYPE", ""),
			Bucket:    envStr("ARCHIVE_BUCKET", "libresiem-archive"),
			Region:    envStr("AWS_REGION", "us-east-1"),
			Endpoint:  envStr("MINIO_ENDPOINT", ""),
			AccessKey: envStr("STORAGE_ACCESS_KEY", ""),
			SecretKey: envStr("STORAGE_SECRET_KEY", ""),
		},
		Cloud: CloudSettings{
			LogBucket:    envStr("CLOUD_LOG_BUCKET", ""),
			LogPrefix:    envStr("CLOUD_LOG_PREFIX", ""),
			SourceName:   envStr("CLOUD_SOURCE_NAME", "default"),
			PollInterval: envInt("CLOUD_POLL_INTERVAL_SECONDS", 300),
		},
		Redis: RedisSettings{
			Host:     envStr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Auth: AuthSettings{
			JWTSecretKey:             envStr("JWT_SECRET_KEY", ""),
			AccessTokenExpireMinutes: envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30),
			MaxFailedLoginAttempts:   envInt("MAX_FAILED_LOGIN_ATTEMPTS", 5),
			LockoutDurationMinutes:   envInt("LOCKOUT_DURATION_MINUTES", 15),
			AdminUsername:            envStr("ADMIN_USERNAME", "admin"),
			AdminPassword:            envStr("ADMIN_PASSWORD", ""),
		},
		Rules: RulesSettings{
			RulesDir:     envStr("RULES_DIR", "rules"),
			PlaybooksDir: envStr("PLAYBOOKS_DIR", "playbooks"),
		},
		Enrichment: EnrichmentSettings{
			GeoIPDBPath:          envStr("GEOIP_DB_PATH", "GeoLite2-City.mmdb"),
			TimeoutSeconds:       envInt("ENRICHMENT_TIMEOUT_SECONDS", 10),
			ThreatIntelAPIKey:    envStr("THREAT_INTEL_API_KEY", ""),
			AbuseIPDBURL:         envStr("ABUSEIPDB_URL", "https://api.abuseipdb.com/api/v2/check"),
			VirusTotalURL:        envStr("VIRUSTOTAL_URL", "https://www.virustotal.com/api/v3/ip_addresses"),
			CacheCleanupInterval: envInt("CACHE_CLEANUP_INTERVAL", 3600),
		},
		Notifications: NotificationSettings{
			SMTPHost:         envStr("SMTP_HOST", ""),
			SMTPPort:         envInt("SMTP_PORT", 587),
			SMTPUsername:     envStr("SMTP_USERNAME", ""),
			SMTPPassword:     envStr("SMTP_PASSWORD", ""),
			SMTPTLS:          envBool("SMTP_TLS", true),
			EmailFrom:        envStr("EMAIL_FROM", ""),
			EmailTo:          envStr("EMAIL_TO", ""),
			SlackWebhookURL:  envStr("SLACK_WEBHOOK_URL", ""),
			TelegramBotToken: envStr("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:   envStr("TELEGRAM_CHAT_ID", ""),
			WebhookURL:       envStr("WEBHOOK_URL", ""),
		},
		SOAR: SOARSettings{
			TheHiveURL:    envStr("THEHIVE_URL", ""),
			TheHiveAPIKey: envStr("THEHIVE_API_KEY", ""),
			CortexURL:     envStr("CORTEX_URL", ""),
			CortexAPIKey:  envStr("CORTEX_API_KEY", ""),
			RunnerBinary:  envStr("RUNNER_BINARY", "ansible-playbook"),
		},
		RateLimit: RateLimitSettings{
			TokenPerIPPerMinute:  envInt("TOKEN_RATE_LIMIT", 5),
			RawPerIPPerMinute:    envInt("RAW_RATE_LIMIT", 100),
			TypedPerIPPerMinute:  envInt("INGEST_RATE_LIMIT", 1000),
			BatchPerIPPerMinute:  envInt("BATCH_RATE_LIMIT", 10),
			UserEventsPerMinute:  envInt("DEFAULT_USER_RATE_LIMIT", 1000),
			UserBatchesPerMinute: envInt("DEFAULT_USER_BATCH_LIMIT", 100),
			UserEventCountLimit:  envInt("DEFAULT_USER_EVENT_LIMIT", 10000),
		},
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
