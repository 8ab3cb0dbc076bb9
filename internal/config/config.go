// Package config resolves server configuration from the environment plus an
// optional YAML overlay for plan limits and policy defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Env        string // development | production
	Port       string
	PublicURL  string
	TrustProxy bool

	DatabaseURL string
	RedisURL    string

	ICE    ICEConfig
	Stripe StripeConfig
	Push   PushConfig

	Limits LimitsConfig `yaml:"limits"`
}

type ICEConfig struct {
	// Mode: public (open STUN set), custom (operator TURN), off.
	Mode           string
	StunURLs       []string
	TurnURLs       []string
	TurnUsername   string
	TurnCredential string
	TurnSecret     string
}

// TurnConfigured reports whether relay candidates can be handed out at all.
func (c ICEConfig) TurnConfigured() bool {
	return c.Mode == "custom" && len(c.TurnURLs) > 0
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// LimitsConfig carries the free-tier quota knobs and policy defaults. The
// YAML overlay (LIMITS_FILE) overrides any subset; zero values fall back to
// the shipped defaults.
type LimitsConfig struct {
	FreeDailyCalls        int   `yaml:"free_daily_calls"`
	FreeDailyFailedStarts int   `yaml:"free_daily_failed_starts"`
	FreeHourlyAttempts    int   `yaml:"free_hourly_attempts"`
	FreeMonthlySeconds    int64 `yaml:"free_monthly_seconds"`
	FreeConcurrentCalls   int   `yaml:"free_concurrent_calls"`
	FreeMaxCallSeconds    int   `yaml:"free_max_call_seconds"`
	PenaltyMaxCallSeconds int   `yaml:"penalty_max_call_seconds"`
	RelayCallsPerDay      int   `yaml:"relay_calls_per_day"`
	RelayPenaltyDays      int   `yaml:"relay_penalty_days"`
	RingTimeoutSeconds    int   `yaml:"ring_timeout_seconds"`
	TokenTTLMinutes       int   `yaml:"token_ttl_minutes"`
}

func defaultLimits() LimitsConfig {
	return LimitsConfig{
		FreeDailyCalls:        5,
		FreeDailyFailedStarts: 10,
		FreeHourlyAttempts:    10,
		FreeMonthlySeconds:    7200,
		FreeConcurrentCalls:   1,
		FreeMaxCallSeconds:    15 * 60,
		PenaltyMaxCallSeconds: 5 * 60,
		RelayCallsPerDay:      2,
		RelayPenaltyDays:      7,
		RingTimeoutSeconds:    30,
		TokenTTLMinutes:       10,
	}
}

// Load reads the environment (godotenv is the caller's job) and merges the
// optional limits overlay.
func Load() (*Config, error) {
	cfg := &Config{
		Env:         envOr("NODE_ENV", "development"),
		Port:        envOr("PORT", "8080"),
		PublicURL:   os.Getenv("PUBLIC_URL"),
		TrustProxy:  envBool("TRUST_PROXY"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		ICE: ICEConfig{
			Mode:           envOr("TURN_MODE", "public"),
			StunURLs:       envList("STUN_URLS"),
			TurnURLs:       envList("TURN_URLS"),
			TurnUsername:   os.Getenv("TURN_USERNAME"),
			TurnCredential: os.Getenv("TURN_CREDENTIAL"),
			TurnSecret:     os.Getenv("TURN_SECRET"),
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Push: PushConfig{
			VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
			VAPIDSubject:    os.Getenv("VAPID_SUBJECT"),
		},
		Limits: defaultLimits(),
	}

	switch cfg.ICE.Mode {
	case "public", "custom", "off":
	default:
		return nil, fmt.Errorf("config: TURN_MODE %q (want public, custom or off)", cfg.ICE.Mode)
	}
	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required in production")
	}

	if path := os.Getenv("LIMITS_FILE"); path != "" {
		if err := cfg.loadLimits(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadLimits(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read limits file: %w", err)
	}
	var overlay struct {
		Limits LimitsConfig `yaml:"limits"`
	}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse limits file: %w", err)
	}
	merge := func(dst *int, src int) {
		if src > 0 {
			*dst = src
		}
	}
	merge(&c.Limits.FreeDailyCalls, overlay.Limits.FreeDailyCalls)
	merge(&c.Limits.FreeDailyFailedStarts, overlay.Limits.FreeDailyFailedStarts)
	merge(&c.Limits.FreeHourlyAttempts, overlay.Limits.FreeHourlyAttempts)
	if overlay.Limits.FreeMonthlySeconds > 0 {
		c.Limits.FreeMonthlySeconds = overlay.Limits.FreeMonthlySeconds
	}
	merge(&c.Limits.FreeConcurrentCalls, overlay.Limits.FreeConcurrentCalls)
	merge(&c.Limits.FreeMaxCallSeconds, overlay.Limits.FreeMaxCallSeconds)
	merge(&c.Limits.PenaltyMaxCallSeconds, overlay.Limits.PenaltyMaxCallSeconds)
	merge(&c.Limits.RelayCallsPerDay, overlay.Limits.RelayCallsPerDay)
	merge(&c.Limits.RelayPenaltyDays, overlay.Limits.RelayPenaltyDays)
	merge(&c.Limits.RingTimeoutSeconds, overlay.Limits.RingTimeoutSeconds)
	merge(&c.Limits.TokenTTLMinutes, overlay.Limits.TokenTTLMinutes)
	return nil
}

func (c *Config) Development() bool { return c.Env == "development" }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
