package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the realtime gateway.
type Config struct {
	ServiceName      string        `env:"SERVICE_NAME" envDefault:"realtime-gateway"`
	Environment      string        `env:"ENVIRONMENT" envDefault:"development"`
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8000"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"realtime_gateway"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	// Peers allowed to set X-Forwarded-For and X-Real-IP, as IPs or CIDRs.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string `env:"LOG_FORMAT" envDefault:"console"`
	LogPromptRedaction string `env:"LOG_PROMPT_REDACTION" envDefault:"redact"`

	OpenAIAPIKey       string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL      string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIRealtimeURL  string        `env:"OPENAI_REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime"`
	OpenAIOrganization string        `env:"OPENAI_ORGANIZATION"`
	OpenAIProject      string        `env:"OPENAI_PROJECT"`
	DefaultModel       string        `env:"REALTIME_DEFAULT_MODEL" envDefault:"gpt-4o-realtime-preview-2024-12-17"`
	DefaultVoice       string        `env:"REALTIME_DEFAULT_VOICE" envDefault:"verse"`
	DefaultPrompt      string        `env:"REALTIME_DEFAULT_PROMPT"`
	IssuerTimeout      time.Duration `env:"ISSUER_TIMEOUT" envDefault:"15s"`

	// apikey dials the provider with the server key; ephemeral asks the issuer first.
	UpstreamAuthMode    string        `env:"UPSTREAM_AUTH_MODE" envDefault:"apikey"`
	UpstreamDialTimeout time.Duration `env:"UPSTREAM_DIAL_TIMEOUT" envDefault:"10s"`

	RelayIdleTimeout      time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"2m"`
	RelayHandshakeTimeout time.Duration `env:"RELAY_HANDSHAKE_TIMEOUT" envDefault:"15s"`
	RelayCloseGrace       time.Duration `env:"RELAY_CLOSE_GRACE" envDefault:"2s"`
	RelayResponseDelay    time.Duration `env:"RELAY_RESPONSE_DELAY" envDefault:"500ms"`
	RelayAutoResponse     bool          `env:"RELAY_AUTO_RESPONSE" envDefault:"true"`
	RelayMaxMessageBytes  int64         `env:"RELAY_MAX_MESSAGE_BYTES" envDefault:"2097152"`
	MaxSessions           int           `env:"MAX_SESSIONS" envDefault:"0"`

	ClinicToolsEnabled bool   `env:"CLINIC_TOOLS_ENABLED" envDefault:"true"`
	ClinicStore        string `env:"CLINIC_STORE" envDefault:"memory"`
	DatabaseURL        string `env:"DATABASE_URL"`
	MongoURI           string `env:"MONGO_URI"`
	MongoDatabase      string `env:"MONGO_DATABASE" envDefault:"clinic"`

	RedisAddr          string `env:"REDIS_ADDR"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RedisDB            int    `env:"REDIS_DB" envDefault:"0"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"0"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"realtime.gateway"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	cfg.UpstreamAuthMode = strings.ToLower(strings.TrimSpace(cfg.UpstreamAuthMode))
	cfg.ClinicStore = strings.ToLower(strings.TrimSpace(cfg.ClinicStore))
	cfg.LogPromptRedaction = strings.ToLower(strings.TrimSpace(cfg.LogPromptRedaction))

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.RelayIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("RELAY_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.RelayResponseDelay < 0 {
		return Config{}, fmt.Errorf("RELAY_RESPONSE_DELAY must be >= 0")
	}
	if cfg.RelayCloseGrace <= 0 {
		return Config{}, fmt.Errorf("RELAY_CLOSE_GRACE must be positive")
	}
	if cfg.RelayMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be positive")
	}
	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("MAX_SESSIONS must be >= 0")
	}
	if cfg.RateLimitPerMinute < 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if _, err := ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return Config{}, err
	}

	switch cfg.UpstreamAuthMode {
	case "apikey", "ephemeral":
	default:
		return Config{}, fmt.Errorf("invalid UPSTREAM_AUTH_MODE: %q (expected apikey|ephemeral)", cfg.UpstreamAuthMode)
	}
	switch cfg.LogPromptRedaction {
	case "redact", "omit", "full":
	default:
		return Config{}, fmt.Errorf("invalid LOG_PROMPT_REDACTION: %q (expected redact|omit|full)", cfg.LogPromptRedaction)
	}
	switch cfg.ClinicStore {
	case "memory":
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when CLINIC_STORE=postgres")
		}
	case "mongo":
		if strings.TrimSpace(cfg.MongoURI) == "" {
			return Config{}, fmt.Errorf("MONGO_URI is required when CLINIC_STORE=mongo")
		}
	default:
		return Config{}, fmt.Errorf("invalid CLINIC_STORE: %q (expected memory|postgres|mongo)", cfg.ClinicStore)
	}

	return cfg, nil
}

// ParseTrustedProxies turns TRUSTED_PROXIES entries into prefixes. A bare
// address becomes a single-host prefix.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// LoadEnvFiles overlays variables from the first .env files found near the
// working directory. Missing files are ignored.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", "../.env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
		}
	}
}
