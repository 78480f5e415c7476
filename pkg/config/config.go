// Package config loads agent configuration from TWINOPS_-prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the agent configuration.
type Config struct {
	LogLevel string

	// AAS repository and operation service.
	TwinBaseURL  string
	OpServiceURL string
	RepoID       string
	AASID        string
	Submodels    []string

	// MQTT broker for shadow updates.
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTCAFile    string
	MQTTCertFile  string
	MQTTKeyFile   string

	// Signed policy.
	PolicySubmodel     string
	PolicyElementPath  string
	PolicyPublicKeyHex string
	PolicyCacheTTL     time.Duration
	PolicyMaxAge       time.Duration
	InterlockFailSafe  bool

	// Audit log.
	AuditPath string

	// Idempotency backend: memory, sqlite or redis.
	IdempotencyBackend string
	IdempotencyPath    string
	IdempotencyRedis   string
	IdempotencyTTL     time.Duration

	// Twin client resilience.
	ToolTimeout          time.Duration
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	BreakerThreshold     int
	BreakerRecovery      time.Duration
	HalfOpenMaxCalls     int
	JobPollMaxInterval   time.Duration
	MaxConcurrency       int

	// Request signing.
	HMACSecret string
	HMACMaxAge time.Duration

	// Approval and orchestration.
	ApprovalTTL     time.Duration
	RequestTimeout  time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
	CapabilityTopK  int

	// Tracing. Empty disables the exporter.
	OTLPEndpoint string
}

// Load reads the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: getenv("TWINOPS_LOG_LEVEL", "info"),

		TwinBaseURL:  getenv("TWINOPS_TWIN_BASE_URL", "http://localhost:8081"),
		OpServiceURL: os.Getenv("TWINOPS_OPSERVICE_URL"),
		RepoID:       getenv("TWINOPS_REPO_ID", "default"),
		AASID:        os.Getenv("TWINOPS_AAS_ID"),
		Submodels:    splitList(os.Getenv("TWINOPS_SUBMODELS")),

		MQTTBrokerURL: os.Getenv("TWINOPS_MQTT_BROKER_URL"),
		MQTTClientID:  getenv("TWINOPS_MQTT_CLIENT_ID", "twinops-agent"),
		MQTTUsername:  os.Getenv("TWINOPS_MQTT_USERNAME"),
		MQTTPassword:  os.Getenv("TWINOPS_MQTT_PASSWORD"),
		MQTTCAFile:    os.Getenv("TWINOPS_MQTT_CA_FILE"),
		MQTTCertFile:  os.Getenv("TWINOPS_MQTT_CERT_FILE"),
		MQTTKeyFile:   os.Getenv("TWINOPS_MQTT_KEY_FILE"),

		PolicySubmodel:     getenv("TWINOPS_POLICY_SUBMODEL", "urn:sm:covenant"),
		PolicyElementPath:  getenv("TWINOPS_POLICY_ELEMENT", "Policy"),
		PolicyPublicKeyHex: os.Getenv("TWINOPS_POLICY_PUBLIC_KEY"),

		AuditPath: getenv("TWINOPS_AUDIT_PATH", "audit.jsonl"),

		IdempotencyBackend: getenv("TWINOPS_IDEMPOTENCY_BACKEND", "memory"),
		IdempotencyPath:    getenv("TWINOPS_IDEMPOTENCY_PATH", "idempotency.db"),
		IdempotencyRedis:   os.Getenv("TWINOPS_IDEMPOTENCY_REDIS_ADDR"),

		HMACSecret: os.Getenv("TWINOPS_HMAC_SECRET"),

		OTLPEndpoint: os.Getenv("TWINOPS_OTLP_ENDPOINT"),
	}

	var err error
	load := func(dst *time.Duration, key, def string) {
		if err == nil {
			*dst, err = parseDuration(key, def)
		}
	}
	load(&cfg.PolicyCacheTTL, "TWINOPS_POLICY_CACHE_TTL", "5m")
	load(&cfg.PolicyMaxAge, "TWINOPS_POLICY_MAX_AGE", "1h")
	load(&cfg.IdempotencyTTL, "TWINOPS_IDEMPOTENCY_TTL", "24h")
	load(&cfg.ToolTimeout, "TWINOPS_TOOL_TIMEOUT", "30s")
	load(&cfg.RetryInitialInterval, "TWINOPS_TOOL_RETRY_INTERVAL", "200ms")
	load(&cfg.BreakerRecovery, "TWINOPS_BREAKER_RECOVERY", "30s")
	load(&cfg.JobPollMaxInterval, "TWINOPS_JOB_POLL_MAX_INTERVAL", "5s")
	load(&cfg.HMACMaxAge, "TWINOPS_HMAC_MAX_AGE", "5m")
	load(&cfg.ApprovalTTL, "TWINOPS_APPROVAL_TTL", "24h")
	load(&cfg.RequestTimeout, "TWINOPS_REQUEST_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}

	loadInt := func(dst *int, key string, def int) {
		if err == nil {
			*dst, err = parseInt(key, def)
		}
	}
	loadInt(&cfg.RetryMaxAttempts, "TWINOPS_TOOL_RETRY_MAX_ATTEMPTS", 3)
	loadInt(&cfg.BreakerThreshold, "TWINOPS_BREAKER_THRESHOLD", 5)
	loadInt(&cfg.HalfOpenMaxCalls, "TWINOPS_BREAKER_HALF_OPEN_CALLS", 1)
	loadInt(&cfg.MaxConcurrency, "TWINOPS_MAX_CONCURRENCY", 8)
	loadInt(&cfg.RateLimitBurst, "TWINOPS_RATE_LIMIT_BURST", 5)
	loadInt(&cfg.CapabilityTopK, "TWINOPS_CAPABILITY_TOP_K", 5)
	if err != nil {
		return nil, err
	}

	cfg.RateLimitPerSec, err = parseFloat("TWINOPS_RATE_LIMIT_PER_SEC", 2)
	if err != nil {
		return nil, err
	}
	cfg.InterlockFailSafe = os.Getenv("TWINOPS_INTERLOCK_FAIL_SAFE") == "true"

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := getenv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration: %w", key, raw, err)
	}
	return d, nil
}

func parseInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer: %w", key, raw, err)
	}
	return n, nil
}

func parseFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number: %w", key, raw, err)
	}
	return f, nil
}
