// Package config loads process configuration from the environment and an
// optional YAML file. Environment variables win over the file.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr       string `mapstructure:"http_addr"`
	AllowedOrigins string `mapstructure:"allowed_origins"`

	StripeSecretKey     string        `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string        `mapstructure:"stripe_webhook_secret"`
	ProcessorTimeout    time.Duration `mapstructure:"processor_timeout"`

	ResendAPIKey  string `mapstructure:"resend_api_key"`
	EmailFrom     string `mapstructure:"email_from"`
	AdminEmail    string `mapstructure:"admin_email"`
	NotifyWorkers int    `mapstructure:"notify_workers"`
	NotifyQueue   int    `mapstructure:"notify_queue"`

	SentryDSN         string `mapstructure:"sentry_dsn"`
	SentryEnvironment string `mapstructure:"sentry_environment"`

	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`

	DataDir      string `mapstructure:"data_dir"`
	StoreBackend string `mapstructure:"store_backend"`
	CatalogDir   string `mapstructure:"catalog_dir"`
	RedisURL     string `mapstructure:"redis_url"`

	ChangelogPath  string `mapstructure:"changelog_path"`
	KafkaBootstrap string `mapstructure:"kafka_bootstrap"`
	KafkaTopic     string `mapstructure:"kafka_topic_order_events"`
	BackupDir      string `mapstructure:"backup_dir"`
}

var defaults = map[string]any{
	"http_addr":                ":8080",
	"allowed_origins":          "*",
	"stripe_secret_key":        "",
	"stripe_webhook_secret":    "",
	"processor_timeout":        "20s",
	"resend_api_key":           "",
	"email_from":               "Electric Ink IE <orders@electricink.ie>",
	"admin_email":              "",
	"notify_workers":           4,
	"notify_queue":             256,
	"sentry_dsn":               "",
	"sentry_environment":       "production",
	"admin_jwt_secret":         "",
	"data_dir":                 "./data/store",
	"store_backend":            "badger",
	"catalog_dir":              "./catalog",
	"redis_url":                "",
	"changelog_path":           "./data/order-events.jsonl",
	"kafka_bootstrap":          "",
	"kafka_topic_order_events": "order-events",
	"backup_dir":               "./data/backups",
}

// Load reads path (if non-empty) and then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "badger", "pebble", "memory":
	default:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	}
	if c.NotifyWorkers < 1 {
		return fmt.Errorf("config: notify_workers must be >= 1, got %d", c.NotifyWorkers)
	}
	return nil
}

// Origins splits the comma separated allow list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Missing names the settings a production server needs but does not have.
// The server still starts; the affected features degrade.
func (c *Config) Missing() []string {
	var out []string
	for name, v := range map[string]string{
		"STRIPE_SECRET_KEY":     c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
		"RESEND_API_KEY":        c.ResendAPIKey,
		"ADMIN_EMAIL":           c.AdminEmail,
		"ADMIN_JWT_SECRET":      c.AdminJWTSecret,
	} {
		if v == "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
