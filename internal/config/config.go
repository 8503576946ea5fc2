package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported wire formats for participant-facing payloads.
const (
	APITypeFSPIOP   = "fspiop"
	APITypeISO20022 = "iso20022"
)

// Config captures all runtime configuration for the switch adapter.
type Config struct {
	App       AppConfig
	Kafka     KafkaConfig
	Topics    TopicConfig
	Consumer  ConsumerConfig
	Hub       HubConfig
	API       APIConfig
	Endpoints EndpointsConfig
	Redis     RedisConfig
	Callback  CallbackConfig
	Metrics   MetricsConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// KafkaConfig defines broker information.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// TopicConfig enumerates the topics the adapter writes to and reads from.
type TopicConfig struct {
	Prepare      string
	Fulfil       string
	Get          string
	Notification string
	// DLQ receives notifications that failed terminally. Empty disables
	// dead-lettering.
	DLQ string
}

// ConsumerConfig controls the notification consumer.
type ConsumerConfig struct {
	Group               string
	BatchSize           int
	BatchWaitMs         int
	WorkerConcurrency   int
	CommitOnSuccessOnly bool
	// MsgMaxBytes dead-letters larger notification records. Zero disables
	// the check.
	MsgMaxBytes int
}

// BatchWait returns the batch flush interval.
func (c ConsumerConfig) BatchWait() time.Duration {
	return time.Duration(c.BatchWaitMs) * time.Millisecond
}

// HubConfig identifies the switch itself as a participant.
type HubConfig struct {
	Name string
}

// APIConfig selects the participant-facing wire format and bounds inbound
// request bodies.
type APIConfig struct {
	Type         string
	MaxBodyBytes int
	// RejectExpired refuses prepares whose expiration is already in the past.
	RejectExpired bool
}

// Transcoding reports whether participant payloads are ISO 20022.
func (c APIConfig) Transcoding() bool {
	return c.Type == APITypeISO20022
}

// EndpointsConfig configures the endpoint cache and its directory client.
type EndpointsConfig struct {
	CentralLedgerURL string
	CacheTTLSeconds  int
	TimeoutMs        int
	WarmParticipants []string
}

// CacheTTL returns the endpoint table lifetime.
func (c EndpointsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Timeout returns the directory request timeout.
func (c EndpointsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RedisConfig configures the payload offload store and the proxy mapping
// store. Both are disabled unless explicitly enabled.
type RedisConfig struct {
	Addr                string
	Password            string
	DB                  int
	PayloadCacheEnabled bool
	PayloadTTLSeconds   int
	ProxyCacheEnabled   bool
	ProxyHashKey        string
}

// PayloadTTL returns the offloaded payload lifetime.
func (c RedisConfig) PayloadTTL() time.Duration {
	return time.Duration(c.PayloadTTLSeconds) * time.Second
}

// CallbackConfig tunes outbound callback delivery.
type CallbackConfig struct {
	TimeoutMs      int
	BodyLimitBytes int
}

// Timeout returns the per-callback timeout.
func (c CallbackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 3000, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)
	cfg.Kafka.ClientID = ldr.getString("KAFKA_CLIENT_ID", "switch-adapter", false)

	cfg.Topics.Prepare = ldr.getString("KAFKA_TOPIC_PREPARE", "topic-transfer-prepare", false)
	cfg.Topics.Fulfil = ldr.getString("KAFKA_TOPIC_FULFIL", "topic-transfer-fulfil", false)
	cfg.Topics.Get = ldr.getString("KAFKA_TOPIC_GET", "topic-transfer-get", false)
	cfg.Topics.Notification = ldr.getString("KAFKA_TOPIC_NOTIFICATION", "topic-notification-event", false)
	cfg.Topics.DLQ = ldr.getString("KAFKA_TOPIC_DLQ", "", false)

	cfg.Consumer.Group = ldr.getString("CONSUMER_GROUP", "switch-adapter-notification", false)
	cfg.Consumer.BatchSize = ldr.getPositiveInt("CONSUMER_BATCH_SIZE", 10)
	cfg.Consumer.BatchWaitMs = ldr.getPositiveInt("CONSUMER_BATCH_WAIT_MS", 100)
	cfg.Consumer.WorkerConcurrency = ldr.getPositiveInt("WORKER_CONCURRENCY", 10)
	cfg.Consumer.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)
	cfg.Consumer.MsgMaxBytes = ldr.getInt("CONSUMER_MSG_MAX_BYTES", 4<<20, false)
	if cfg.Consumer.MsgMaxBytes < 0 {
		ldr.addError("CONSUMER_MSG_MAX_BYTES cannot be negative")
	}

	cfg.Hub.Name = ldr.getString("HUB_PARTICIPANT_NAME", "Hub", false)

	cfg.API.Type = strings.ToLower(ldr.getString("API_TYPE", APITypeFSPIOP, false))
	if cfg.API.Type != APITypeFSPIOP && cfg.API.Type != APITypeISO20022 {
		ldr.addError(fmt.Sprintf("API_TYPE must be %q or %q", APITypeFSPIOP, APITypeISO20022))
	}
	cfg.API.MaxBodyBytes = ldr.getPositiveInt("API_MAX_BODY_BYTES", 1<<20)
	cfg.API.RejectExpired = ldr.getBool("API_REJECT_EXPIRED", false, false)

	cfg.Endpoints.CentralLedgerURL = ldr.getString("CENTRAL_LEDGER_URL", "", true)
	cfg.Endpoints.CacheTTLSeconds = ldr.getPositiveInt("ENDPOINT_CACHE_TTL_SECONDS", 300)
	cfg.Endpoints.TimeoutMs = ldr.getPositiveInt("ENDPOINT_TIMEOUT_MS", 5000)
	cfg.Endpoints.WarmParticipants = ldr.getStringSlice("ENDPOINT_WARM_PARTICIPANTS", false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Redis.PayloadCacheEnabled = ldr.getBool("PAYLOAD_CACHE_ENABLED", false, false)
	cfg.Redis.PayloadTTLSeconds = ldr.getPositiveInt("PAYLOAD_CACHE_TTL_SECONDS", 86400)
	cfg.Redis.ProxyCacheEnabled = ldr.getBool("PROXY_CACHE_ENABLED", false, false)
	cfg.Redis.ProxyHashKey = ldr.getString("PROXY_CACHE_KEY", "proxycache:participants", false)
	if (cfg.Redis.PayloadCacheEnabled || cfg.Redis.ProxyCacheEnabled) && cfg.Redis.Addr == "" {
		ldr.addError("REDIS_ADDR is required when a Redis-backed cache is enabled")
	}

	cfg.Callback.TimeoutMs = ldr.getPositiveInt("CALLBACK_TIMEOUT_MS", 10000)
	cfg.Callback.BodyLimitBytes = ldr.getPositiveInt("CALLBACK_BODY_LIMIT_BYTES", 16*1024)

	cfg.Metrics.Enabled = ldr.getBool("METRICS_ENABLED", true, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getPositiveInt(key string, def int) int {
	v := l.getInt(key, def, false)
	if v <= 0 {
		l.addError(fmt.Sprintf("%s must be greater than zero", key))
		return def
	}
	return v
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
