// Package config loads service settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/util"
)

// ConfigPathEnvVar overrides the YAML config location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/newsletter/config.yaml",
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   db.Config        `koanf:"database"`
	SMTP       SMTPConfig       `koanf:"smtp"`
	Newsletter NewsletterConfig `koanf:"newsletter"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Admission  AdmissionConfig  `koanf:"admission"`
	Jobs       JobsConfig       `koanf:"jobs"`
	RequestLog RequestLogConfig `koanf:"request_log"`
	Logging    logging.Config   `koanf:"logging"`
	Sentry     SentryConfig     `koanf:"sentry"`
	SES        SESConfig        `koanf:"ses"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// TrustProxyHeaders enables X-Forwarded-For handling for client IPs.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

// SMTPConfig is the submission server used for outgoing mail. An empty
// Host logs messages instead of sending them.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// NewsletterConfig holds subscription behavior shared by every project.
type NewsletterConfig struct {
	BaseURL                string        `koanf:"base_url"`
	ConfirmationTTL        time.Duration `koanf:"confirmation_ttl"`
	AdminNotificationEmail string        `koanf:"admin_notification_email"`
	BlockDisposableEmails  bool          `koanf:"block_disposable_emails"`
	CustomBlockedDomains   []string      `koanf:"custom_blocked_domains"`
	SigningKey             string        `koanf:"signing_key"`
}

// RateLimitConfig sets per-IP request budgets per endpoint class.
type RateLimitConfig struct {
	Subscribe   int64         `koanf:"subscribe"`
	Unsubscribe int64         `koanf:"unsubscribe"`
	Window      time.Duration `koanf:"window"`
}

// AdmissionConfig bounds the credential lookup.
type AdmissionConfig struct {
	LookupTimeout time.Duration `koanf:"lookup_timeout"`
}

// JobsConfig controls notification delivery.
type JobsConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Timeout     time.Duration `koanf:"timeout"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

// RequestLogConfig controls API request logging.
type RequestLogConfig struct {
	Buffer          int           `koanf:"buffer"`
	MaskIPAddresses bool          `koanf:"mask_ip_addresses"`
	RetentionDays   int           `koanf:"retention_days"`
	PruneInterval   time.Duration `koanf:"prune_interval"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN string `koanf:"dsn"`
}

// SESConfig authenticates the bounce notification webhook.
type SESConfig struct {
	AuthorizeKey string `koanf:"authorize_key"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: db.DefaultConfig(),
		SMTP: SMTPConfig{
			Port: "587",
		},
		Newsletter: NewsletterConfig{
			BaseURL:               "http://localhost:8080",
			ConfirmationTTL:       48 * time.Hour,
			BlockDisposableEmails: true,
		},
		RateLimit: RateLimitConfig{
			Subscribe:   30,
			Unsubscribe: 10,
			Window:      time.Minute,
		},
		Admission: AdmissionConfig{
			LookupTimeout: 2 * time.Second,
		},
		Jobs: JobsConfig{
			MaxAttempts: 3,
			Timeout:     30 * time.Second,
			RetryDelay:  time.Second,
		},
		RequestLog: RequestLogConfig{
			Buffer:        1024,
			RetentionDays: 365,
			PruneInterval: time.Hour,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. Values in .env are loaded into the
// environment first and never override variables already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if flag.Lookup("test.v") != nil {
		cfg.Database.Name = cfg.Database.TestName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	errs := util.Errors{}
	util.Require("database.host", c.Database.Host, &errs)
	util.Require("database.name", c.Database.Name, &errs)
	util.Require("newsletter.signing_key", c.Newsletter.SigningKey, &errs)
	if _, err := util.ValidPort(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port: %v", err))
	}
	if u, err := url.Parse(c.Newsletter.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("newsletter.base_url must be an absolute URL, got %q", c.Newsletter.BaseURL))
	}
	if c.SMTP.Host != "" {
		util.Require("smtp.from", c.SMTP.From, &errs)
		if _, err := util.ValidPort(c.SMTP.Port); err != nil {
			errs = append(errs, fmt.Errorf("smtp.port: %v", err))
		}
	}
	if c.RateLimit.Subscribe <= 0 || c.RateLimit.Unsubscribe <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must be positive"))
	}
	if c.Admission.LookupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("admission.lookup_timeout must be positive"))
	}
	if c.Jobs.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_attempts must be at least 1"))
	}
	if c.RequestLog.Buffer < 1 {
		errs = append(errs, fmt.Errorf("request_log.buffer must be at least 1"))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// NewsletterBaseURL trims the trailing slash for link building.
func (c *Config) NewsletterBaseURL() string {
	return strings.TrimRight(c.Newsletter.BaseURL, "/")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"newsletter.custom_blocked_domains",
}

// processSliceFields splits comma separated env values into lists.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"port":                     "server.port",
	"shutdown_timeout":         "server.shutdown_timeout",
	"trust_proxy_headers":      "server.trust_proxy_headers",
	"db_host":                  "database.host",
	"db_name":                  "database.name",
	"db_test_name":             "database.test_name",
	"db_username":              "database.username",
	"db_password":              "database.password",
	"db_sslmode":               "database.sslmode",
	"db_max_conns":             "database.max_conns",
	"db_skip_migrations":       "database.skip_migrations",
	"smtp_endpoint":            "smtp.host",
	"smtp_port":                "smtp.port",
	"smtp_username":            "smtp.username",
	"smtp_password":            "smtp.password",
	"smtp_from_address":        "smtp.from",
	"frontend_website_link":    "newsletter.base_url",
	"confirmation_ttl":         "newsletter.confirmation_ttl",
	"admin_notification_email": "newsletter.admin_notification_email",
	"block_disposable_emails":  "newsletter.block_disposable_emails",
	"custom_blocked_domains":   "newsletter.custom_blocked_domains",
	"signing_key":              "newsletter.signing_key",
	"rate_limit_subscribe":     "rate_limit.subscribe",
	"rate_limit_unsubscribe":   "rate_limit.unsubscribe",
	"rate_limit_window":        "rate_limit.window",
	"admission_lookup_timeout": "admission.lookup_timeout",
	"job_max_attempts":         "jobs.max_attempts",
	"job_timeout":              "jobs.timeout",
	"job_retry_delay":          "jobs.retry_delay",
	"request_log_buffer":       "request_log.buffer",
	"mask_ip_addresses":        "request_log.mask_ip_addresses",
	"request_log_retention":    "request_log.retention_days",
	"request_log_prune_every":  "request_log.prune_interval",
	"log_level":                "logging.level",
	"log_format":               "logging.format",
	"sentry_dsn":               "sentry.dsn",
	"amazon_authorize_key":     "ses.authorize_key",
}

// envTransformFunc maps known variable names onto config keys. Anything
// else is ignored.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
