package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "ATTENDANCE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "attendance.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultAuthIssuer          = "attendance-auth"
	defaultCacheTTLSeconds     = 120
	defaultStreakThreshold     = 4
	defaultMonthlyMonths       = 6
	defaultClassTimeoutSeconds = 10
	defaultReportConcurrency   = 4
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	AuthSigningSecret string
	AuthIssuer        string
	CacheTTL          time.Duration
	StreakThreshold   int
	MonthlyMonths     int
	ClassTimeout      time.Duration
	ReportConcurrency int
	AllowedOrigins    []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("report.streak_threshold", defaultStreakThreshold)
	configViper.SetDefault("report.monthly_months", defaultMonthlyMonths)
	configViper.SetDefault("report.class_timeout_seconds", defaultClassTimeoutSeconds)
	configViper.SetDefault("report.concurrency", defaultReportConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		CacheTTL:          time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		StreakThreshold:   configViper.GetInt("report.streak_threshold"),
		MonthlyMonths:     configViper.GetInt("report.monthly_months"),
		ClassTimeout:      time.Duration(configViper.GetInt("report.class_timeout_seconds")) * time.Second,
		ReportConcurrency: configViper.GetInt("report.concurrency"),
		AllowedOrigins:    splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	if c.StreakThreshold < 1 {
		return fmt.Errorf("report.streak_threshold must be at least 1")
	}
	if c.MonthlyMonths < 1 {
		return fmt.Errorf("report.monthly_months must be at least 1")
	}
	if c.ClassTimeout <= 0 {
		return fmt.Errorf("report.class_timeout_seconds must be positive")
	}
	if c.ReportConcurrency < 1 {
		return fmt.Errorf("report.concurrency must be at least 1")
	}
	for _, origin := range c.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return err
		}
	}
	return nil
}

// splitOrigins accepts list values and comma separated env strings alike.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

// validateOrigin requires a bare scheme://host[:port]. Wildcards are refused
// because allowed origins receive credentialed responses.
func validateOrigin(origin string) error {
	parsed, err := url.Parse(origin)
	if err != nil || strings.Contains(origin, "*") {
		return fmt.Errorf("http.allowed_origins: invalid origin %q", origin)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("http.allowed_origins: origin %q must use http or https", origin)
	}
	if parsed.Host == "" || parsed.Path != "" || parsed.RawQuery != "" || parsed.User != nil {
		return fmt.Errorf("http.allowed_origins: origin %q must be scheme://host[:port]", origin)
	}
	return nil
}
