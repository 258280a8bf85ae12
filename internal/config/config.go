// Package config loads the sync engine's configuration. Environment
// variables are authoritative; an optional YAML file supplies non-secret
// defaults (collection ids, feature flags, area vocabulary) that the
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option.
type Config struct {
	SyncTag string `yaml:"sync_tag"`

	SourceAPIBaseURL string `yaml:"source_api_base_url"`
	SinkAPIBaseURL   string `yaml:"sink_api_base_url"`

	SourceAPIToken      string `yaml:"-"`
	SinkAPIToken        string `yaml:"-"`
	SourceWebhookSecret string `yaml:"-"`
	ReconcileBearer     string `yaml:"-"`

	TasksCollectionID    string `yaml:"tasks_collection_id"`
	ProjectsCollectionID string `yaml:"projects_collection_id"`
	AreasCollectionID    string `yaml:"areas_collection_id"`
	PeopleCollectionID   string `yaml:"people_collection_id"`

	MaxRetries             int           `yaml:"max_retries"`
	RetryMultiplierSeconds float64       `yaml:"retry_multiplier_seconds"`
	RequestTimeoutSeconds  int           `yaml:"request_timeout_seconds"`
	RequestTimeout         time.Duration `yaml:"-"`

	AutoLabelTasks      bool `yaml:"auto_label_tasks"`
	EnableReversePull   bool `yaml:"enable_reverse_pull"`
	EnableReverseCreate bool `yaml:"enable_reverse_create"`
	AddBacklinkToSource bool `yaml:"add_backlink_to_source"`

	AreaLabels       []string `yaml:"area_labels"`
	PersonTagMarker  string   `yaml:"person_tag_marker"`
	InboxProjectName string   `yaml:"inbox_project_name"`

	// SinkPublicHost is the user-facing host of the Sink, used to build
	// backlink URLs and to detect descriptions that already carry one.
	SinkPublicHost string `yaml:"sink_public_host"`

	// ReconcileCronSchedule, when non-empty, runs the reconciler on an
	// in-process cron schedule instead of relying solely on an external
	// caller hitting the reconcile endpoint.
	ReconcileCronSchedule string `yaml:"reconcile_cron_schedule"`

	DatabaseURL string `yaml:"-"`
	RedisURL    string `yaml:"redis_url"`

	ShardCount int `yaml:"shard_count"`

	HTTPAddr    string `yaml:"http_addr"`
	SentryDSN   string `yaml:"-"`
	Environment string `yaml:"environment"`
}

// Defaults returns the built-in option defaults.
func Defaults() Config {
	return Config{
		SyncTag:                "capsync",
		MaxRetries:             3,
		RetryMultiplierSeconds: 1.0,
		RequestTimeoutSeconds:  30,
		RequestTimeout:         30 * time.Second,
		AutoLabelTasks:         true,
		AddBacklinkToSource:    true,
		PersonTagMarker:        "@",
		InboxProjectName:       "Inbox",
		SinkPublicHost:         "sink.so",
		ShardCount:             16,
		HTTPAddr:               ":8080",
		Environment:            "production",
	}
}

// ErrMissingCredential marks a missing credential or database id, which
// is fatal at startup.
var ErrMissingCredential = errors.New("config: missing required credential")

// Load builds a Config from an optional YAML overlay file plus the process
// environment, which always wins over the file. yamlPath may be empty.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if err := applyYAML(&cfg, yamlPath); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	cfg.RequestTimeout = time.Duration(float64(cfg.RequestTimeoutSeconds) * float64(time.Second))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays recognized environment variables, each of which takes
// precedence over both the YAML file and the built-in defaults.
func applyEnv(cfg *Config) {
	str(&cfg.SyncTag, "SYNC_TAG")
	str(&cfg.SourceAPIBaseURL, "SOURCE_API_BASE_URL")
	str(&cfg.SinkAPIBaseURL, "SINK_API_BASE_URL")
	str(&cfg.SourceAPIToken, "SOURCE_API_TOKEN")
	str(&cfg.SinkAPIToken, "SINK_API_TOKEN")
	str(&cfg.SourceWebhookSecret, "SOURCE_WEBHOOK_SECRET")
	str(&cfg.ReconcileBearer, "RECONCILE_BEARER")
	str(&cfg.TasksCollectionID, "TASKS_COLLECTION_ID")
	str(&cfg.ProjectsCollectionID, "PROJECTS_COLLECTION_ID")
	str(&cfg.AreasCollectionID, "AREAS_COLLECTION_ID")
	str(&cfg.PeopleCollectionID, "PEOPLE_COLLECTION_ID")
	str(&cfg.PersonTagMarker, "PERSON_TAG_MARKER")
	str(&cfg.InboxProjectName, "INBOX_PROJECT_NAME")
	str(&cfg.SinkPublicHost, "SINK_PUBLIC_HOST")
	str(&cfg.ReconcileCronSchedule, "RECONCILE_CRON_SCHEDULE")
	str(&cfg.DatabaseURL, "DATABASE_CONN_URL")
	str(&cfg.RedisURL, "REDIS_URL")
	str(&cfg.HTTPAddr, "HTTP_ADDR")
	str(&cfg.SentryDSN, "SENTRY_DSN")
	str(&cfg.Environment, "ENVIRONMENT")

	intVal(&cfg.MaxRetries, "MAX_RETRIES")
	intVal(&cfg.RequestTimeoutSeconds, "REQUEST_TIMEOUT_SECONDS")
	intVal(&cfg.ShardCount, "SHARD_COUNT")
	floatVal(&cfg.RetryMultiplierSeconds, "RETRY_MULTIPLIER_SECONDS")

	boolVal(&cfg.AutoLabelTasks, "AUTO_LABEL_TASKS")
	boolVal(&cfg.EnableReversePull, "ENABLE_REVERSE_PULL")
	boolVal(&cfg.EnableReverseCreate, "ENABLE_REVERSE_CREATE")
	boolVal(&cfg.AddBacklinkToSource, "ADD_BACKLINK_TO_SOURCE")

	if raw, ok := os.LookupEnv("AREA_LABELS"); ok {
		cfg.AreaLabels = splitCSV(raw)
	}
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func intVal(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatVal(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolVal(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate fails fast on missing required credentials and database ids
// rather than letting the first API call discover them.
func (c Config) Validate() error {
	var missing []string
	if c.SourceAPIBaseURL == "" {
		missing = append(missing, "source_api_base_url")
	}
	if c.SinkAPIBaseURL == "" {
		missing = append(missing, "sink_api_base_url")
	}
	if c.SourceAPIToken == "" {
		missing = append(missing, "source_api_token")
	}
	if c.SinkAPIToken == "" {
		missing = append(missing, "sink_api_token")
	}
	if c.TasksCollectionID == "" {
		missing = append(missing, "tasks_collection_id")
	}
	if c.ProjectsCollectionID == "" {
		missing = append(missing, "projects_collection_id")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "database_conn_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

// NormalizedSyncTag strips a leading sigil from the configured sync tag.
// The sigil is display-only: it never participates in tag comparison or
// in the tag string written back to the Source.
func (c Config) NormalizedSyncTag() string {
	return strings.TrimPrefix(strings.TrimPrefix(c.SyncTag, "@"), "#")
}
