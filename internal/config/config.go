// Package config loads and validates relaysync configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the webhook server listens on.
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// MappingStoreDSN selects the mapping backend: memory://, file:///path.json,
	// sqlite:///path.db or postgres://...
	MappingStoreDSN string `mapstructure:"MAPPING_STORE_DSN"`
	// AutoMigrate runs the Postgres migrations when serve starts.
	AutoMigrate bool `mapstructure:"AUTO_MIGRATE"`
	// VocabularyFile replaces the built-in status and priority tables.
	VocabularyFile string `mapstructure:"VOCABULARY_FILE"`

	WrikeHookSecret         string `mapstructure:"WRIKE_HOOK_SECRET"`
	WrikeAPIURL             string `mapstructure:"WRIKE_API_URL"`
	WrikeAccessToken        string `mapstructure:"WRIKE_ACCESS_TOKEN"`
	WrikeFolderRFQ          string `mapstructure:"WRIKE_FOLDER_RFQ"`
	WrikeFolderDatasheet    string `mapstructure:"WRIKE_FOLDER_DATASHEET"`
	WrikeFolderOrder        string `mapstructure:"WRIKE_FOLDER_ORDER"`
	WrikeFieldRFQReviewer   string `mapstructure:"WRIKE_FIELD_RFQ_REVIEWER"`
	WrikeFieldDSReviewer    string `mapstructure:"WRIKE_FIELD_DATASHEET_REVIEWER"`
	GraphAPIURL             string `mapstructure:"GRAPH_API_URL"`
	GraphAuthorityURL       string `mapstructure:"GRAPH_AUTHORITY_URL"`
	GraphTenantID           string `mapstructure:"GRAPH_TENANT_ID"`
	GraphClientID           string `mapstructure:"GRAPH_CLIENT_ID"`
	GraphClientSecret       string `mapstructure:"GRAPH_CLIENT_SECRET"`
	GraphSiteID             string `mapstructure:"GRAPH_SITE_ID"`
	GraphListRFQ            string `mapstructure:"GRAPH_LIST_ID_RFQ"`
	GraphListDatasheet      string `mapstructure:"GRAPH_LIST_ID_DATASHEET"`
	GraphListOrder          string `mapstructure:"GRAPH_LIST_ID_ORDER"`
	GraphFilterRFQ          string `mapstructure:"GRAPH_FILTER_RFQ"`
	GraphFilterDatasheet    string `mapstructure:"GRAPH_FILTER_DATASHEET"`
	GraphFilterOrder        string `mapstructure:"GRAPH_FILTER_ORDER"`
	GraphSubscriptionSecret string `mapstructure:"GRAPH_SUBSCRIPTION_SECRET"`
	GraphFlowURL            string `mapstructure:"GRAPH_FLOW_URL"`

	// AdminJWTSecret enables POST /v1/admin/reconcile when set.
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	RateLimitMax    int    `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow string `mapstructure:"RATE_LIMIT_WINDOW"`
	MaxBodyBytes    int64  `mapstructure:"MAX_BODY_BYTES"`
	Workers         int    `mapstructure:"WORKERS"`
	QueueSize       int    `mapstructure:"QUEUE_SIZE"`
	UpstreamTimeout string `mapstructure:"UPSTREAM_TIMEOUT"`

	// ReconcileSchedule is a five-field cron spec; empty disables the schedule.
	ReconcileSchedule       string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileScheduledKinds string `mapstructure:"RECONCILE_SCHEDULED_KINDS"`
	ReconcileScheduledLimit int    `mapstructure:"RECONCILE_SCHEDULED_LIMIT"`
	ReconcileNotifyLimit    int    `mapstructure:"RECONCILE_NOTIFY_LIMIT"`
	ReconcileTimeout        string `mapstructure:"RECONCILE_TIMEOUT"`
	ReconcileConcurrency    int    `mapstructure:"RECONCILE_CONCURRENCY"`
}

var defaults = map[string]any{
	"HTTP_ADDR":                      ":5501",
	"LOG_LEVEL":                      "info",
	"LOG_FORMAT":                     "text",
	"MAPPING_STORE_DSN":              "memory://",
	"AUTO_MIGRATE":                   false,
	"VOCABULARY_FILE":                "",
	"WRIKE_HOOK_SECRET":              "",
	"WRIKE_API_URL":                  "https://www.wrike.com/api/v4",
	"WRIKE_ACCESS_TOKEN":             "",
	"WRIKE_FOLDER_RFQ":               "",
	"WRIKE_FOLDER_DATASHEET":         "",
	"WRIKE_FOLDER_ORDER":             "",
	"WRIKE_FIELD_RFQ_REVIEWER":       "",
	"WRIKE_FIELD_DATASHEET_REVIEWER": "",
	"GRAPH_API_URL":                  "https://graph.microsoft.com/v1.0",
	"GRAPH_AUTHORITY_URL":            "https://login.microsoftonline.com",
	"GRAPH_TENANT_ID":                "",
	"GRAPH_CLIENT_ID":                "",
	"GRAPH_CLIENT_SECRET":            "",
	"GRAPH_SITE_ID":                  "",
	"GRAPH_LIST_ID_RFQ":              "",
	"GRAPH_LIST_ID_DATASHEET":        "",
	"GRAPH_LIST_ID_ORDER":            "",
	"GRAPH_FILTER_RFQ":               "contentType/name eq 'Request for Quote'",
	"GRAPH_FILTER_DATASHEET":         "",
	"GRAPH_FILTER_ORDER":             "",
	"GRAPH_SUBSCRIPTION_SECRET":      "",
	"GRAPH_FLOW_URL":                 "",
	"ADMIN_JWT_SECRET":               "",
	"RATE_LIMIT_MAX":                 300,
	"RATE_LIMIT_WINDOW":              "15m",
	"MAX_BODY_BYTES":                 1 << 20,
	"WORKERS":                        4,
	"QUEUE_SIZE":                     256,
	"UPSTREAM_TIMEOUT":               "20s",
	"RECONCILE_SCHEDULE":             "0 12 * * *",
	"RECONCILE_SCHEDULED_KINDS":      "rfq",
	"RECONCILE_SCHEDULED_LIMIT":      75,
	"RECONCILE_NOTIFY_LIMIT":         5,
	"RECONCILE_TIMEOUT":              "2m",
	"RECONCILE_CONCURRENCY":          4,
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	for key, raw := range map[string]string{
		"RATE_LIMIT_WINDOW": c.RateLimitWindow,
		"UPSTREAM_TIMEOUT":  c.UpstreamTimeout,
		"RECONCILE_TIMEOUT": c.ReconcileTimeout,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", key, raw)
		}
	}
	if c.RateLimitMax < 0 {
		return errors.New("config: RATE_LIMIT_MAX must not be negative")
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return errors.New("config: WORKERS and QUEUE_SIZE must be positive")
	}
	if c.ReconcileScheduledLimit <= 0 || c.ReconcileNotifyLimit <= 0 {
		return errors.New("config: reconcile limits must be positive")
	}
	if _, err := c.ScheduledKinds(); err != nil {
		return err
	}
	return nil
}

// RequireServe checks the settings only the webhook server needs.
func (c *Config) RequireServe() error {
	if strings.TrimSpace(c.WrikeHookSecret) == "" {
		return errors.New("config: WRIKE_HOOK_SECRET must be set")
	}
	if strings.TrimSpace(c.GraphSubscriptionSecret) == "" {
		return errors.New("config: GRAPH_SUBSCRIPTION_SECRET must be set")
	}
	return nil
}

// Level returns the slog level for LOG_LEVEL.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown LOG_LEVEL %q", raw)
	}
}

func (c *Config) JSONLogs() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogFormat), "json")
}

func (c *Config) RateWindow() time.Duration {
	return durationOr(c.RateLimitWindow, 15*time.Minute)
}

func (c *Config) UpstreamTimeoutDuration() time.Duration {
	return durationOr(c.UpstreamTimeout, 20*time.Second)
}

func (c *Config) ReconcileTimeoutDuration() time.Duration {
	return durationOr(c.ReconcileTimeout, 2*time.Minute)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ScheduledKinds parses the comma-separated RECONCILE_SCHEDULED_KINDS.
func (c *Config) ScheduledKinds() ([]syncengine.RecordKind, error) {
	var kinds []syncengine.RecordKind
	for _, part := range strings.Split(c.ReconcileScheduledKinds, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := syncengine.ParseRecordKind(part)
		if err != nil {
			return nil, fmt.Errorf("config: RECONCILE_SCHEDULED_KINDS: %w", err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func (c *Config) WrikeFolders() map[syncengine.RecordKind]string {
	return map[syncengine.RecordKind]string{
		syncengine.KindRFQ:       c.WrikeFolderRFQ,
		syncengine.KindDatasheet: c.WrikeFolderDatasheet,
		syncengine.KindOrder:     c.WrikeFolderOrder,
	}
}

func (c *Config) GraphLists() map[syncengine.RecordKind]string {
	return map[syncengine.RecordKind]string{
		syncengine.KindRFQ:       c.GraphListRFQ,
		syncengine.KindDatasheet: c.GraphListDatasheet,
		syncengine.KindOrder:     c.GraphListOrder,
	}
}

// GraphFilters maps each kind to the $filter applied when listing recent
// items. The RFQ list mixes content types, so its default keeps only quotes.
func (c *Config) GraphFilters() map[syncengine.RecordKind]string {
	return map[syncengine.RecordKind]string{
		syncengine.KindRFQ:       c.GraphFilterRFQ,
		syncengine.KindDatasheet: c.GraphFilterDatasheet,
		syncengine.KindOrder:     c.GraphFilterOrder,
	}
}

// ReviewerFields maps each kind to its reviewer custom field id. Kinds
// without one are left out.
func (c *Config) ReviewerFields() map[syncengine.RecordKind]string {
	out := map[syncengine.RecordKind]string{}
	if field := strings.TrimSpace(c.WrikeFieldRFQReviewer); field != "" {
		out[syncengine.KindRFQ] = field
	}
	if field := strings.TrimSpace(c.WrikeFieldDSReviewer); field != "" {
		out[syncengine.KindDatasheet] = field
	}
	return out
}
