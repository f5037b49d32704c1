// Package config builds the immutable configuration value shared by every binary.
//
// Precedence, highest first: command-line flags (applied by each cmd), environment
// variables, an optional YAML file, and the defaults in Default.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration. It is passed by value into constructors
// and never mutated after Load returns.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Store    StoreConfig    `mapstructure:"store"`
	Insert   InsertConfig   `mapstructure:"insert"`
	Export   ExportConfig   `mapstructure:"export"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Report   ReportConfig   `mapstructure:"report"`
	Log      LogConfig      `mapstructure:"log"`
}

// APIConfig points at the accounting API.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FetchConfig controls paginated extraction and the watermark bootstrap window.
type FetchConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	NetworkRetryDelay time.Duration `mapstructure:"network_retry_delay"`
	// RequestsPerSecond paces outgoing requests client-side. 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	BootstrapStartID   int64  `mapstructure:"bootstrap_start_id"`
	BackfillAnchor     string `mapstructure:"backfill_anchor"` // YYYY-MM-DD
	BackfillWindowDays int    `mapstructure:"backfill_window_days"`
}

// StoreConfig describes the Postgres connection and the wake-up policy.
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	Table    string `mapstructure:"table"`

	MaxConns         int           `mapstructure:"max_conns"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	WakeRetries      int           `mapstructure:"wake_retries"`
	WakeInitialDelay time.Duration `mapstructure:"wake_initial_delay"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// InsertConfig is the retry budget of the durable writer.
type InsertConfig struct {
	Retries       int           `mapstructure:"retries"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	RowRetries    int           `mapstructure:"row_retries"`
	RowRetryDelay time.Duration `mapstructure:"row_retry_delay"`
}

// ExportConfig controls the CSV snapshot and the failed-rows side file.
type ExportConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Dir          string `mapstructure:"dir"`
	SnapshotFile string `mapstructure:"snapshot_file"`
}

// ArchiveConfig enables copying run artifacts to Cloud Storage and BigQuery.
// Empty Bucket disables archiving; empty BigQueryProject skips the load job.
type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
	BigQueryProject string `mapstructure:"bq_project"`
	BigQueryDataset string `mapstructure:"bq_dataset"`
	BigQueryTable   string `mapstructure:"bq_table"`
}

// MetricsConfig configures the Prometheus pushgateway used by one-shot runs.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// ScheduleConfig drives cmd/scheduler.
type ScheduleConfig struct {
	Cron       string   `mapstructure:"cron"`
	Hour       int      `mapstructure:"hour"`
	Minute     int      `mapstructure:"minute"`
	Command    string   `mapstructure:"command"`
	Args       []string `mapstructure:"args"`
	MaxRetries int      `mapstructure:"max_retries"`
	Addr       string   `mapstructure:"addr"`
}

// ReportConfig holds the optional integrations of cmd/report.
type ReportConfig struct {
	GeminiModel string `mapstructure:"gemini_model"`
	NotionToken string `mapstructure:"notion_token"`
	NotionDBID  string `mapstructure:"notion_db_id"`
	TopN        int    `mapstructure:"top_n"`
}

// LogConfig selects zerolog level and output format ("console" or "json").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "https://api.alegra.com/api/v1",
			RequestTimeout: 30 * time.Second,
		},
		Fetch: FetchConfig{
			PageSize:           30,
			Concurrency:        7,
			MaxAttempts:        5,
			RateLimitCooldown:  60 * time.Second,
			NetworkRetryDelay:  5 * time.Second,
			BootstrapStartID:   1,
			BackfillAnchor:     "2022-11-01",
			BackfillWindowDays: 30,
		},
		Store: StoreConfig{
			User:             "postgres",
			Host:             "localhost",
			Port:             5432,
			Name:             "postgres",
			Table:            "facturas",
			MaxConns:         4,
			ConnectTimeout:   10 * time.Second,
			WakeRetries:      5,
			WakeInitialDelay: 5 * time.Second,
			MaxBackoff:       30 * time.Second,
		},
		Insert: InsertConfig{
			Retries:       5,
			InitialDelay:  3 * time.Second,
			MaxDelay:      30 * time.Second,
			ChunkSize:     100,
			RowRetries:    3,
			RowRetryDelay: 3 * time.Second,
		},
		Export: ExportConfig{
			Enabled:      true,
			Dir:          ".",
			SnapshotFile: "facturas_backup.csv",
		},
		Archive: ArchiveConfig{
			Prefix:          "facturas",
			BigQueryDataset: "facturas",
			BigQueryTable:   "line_items",
		},
		Metrics: MetricsConfig{
			Job: "invoice_extract",
		},
		Schedule: ScheduleConfig{
			Cron:    "0 2 * * *",
			Hour:    2,
			Minute:  0,
			Command: "extract",
		},
		Report: ReportConfig{
			GeminiModel: "gemini-2.5-flash",
			TopN:        20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// envAliases maps config keys to the historical environment variable names of the job.
var envAliases = map[string][]string{
	"api.token":                {"ALEGRA_API_TOKEN"},
	"api.base_url":             {"ALEGRA_BASE_URL"},
	"store.url":                {"DATABASE_URL"},
	"store.user":               {"DB_USER"},
	"store.password":           {"DB_PASSWORD"},
	"store.host":               {"DB_HOST"},
	"store.port":               {"DB_PORT"},
	"store.name":               {"DB_NAME"},
	"metrics.pushgateway_url":  {"METRICS_PUSHGATEWAY"},
	"archive.bq_project":       {"ARCHIVE_BQ_PROJECT", "GOOGLE_CLOUD_PROJECT"},
	"archive.credentials_file": {"GOOGLE_APPLICATION_CREDENTIALS"},
	"report.notion_token":      {"NOTION_TOKEN"},
	"report.notion_db_id":      {"NOTION_DB_ID"},
}

// Load reads the optional YAML file at path, applies environment overrides and
// returns a validated Config.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("Load: binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("Load: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("Load: decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)

	v.SetDefault("fetch.page_size", d.Fetch.PageSize)
	v.SetDefault("fetch.concurrency", d.Fetch.Concurrency)
	v.SetDefault("fetch.max_attempts", d.Fetch.MaxAttempts)
	v.SetDefault("fetch.rate_limit_cooldown", d.Fetch.RateLimitCooldown)
	v.SetDefault("fetch.network_retry_delay", d.Fetch.NetworkRetryDelay)
	v.SetDefault("fetch.requests_per_second", d.Fetch.RequestsPerSecond)
	v.SetDefault("fetch.bootstrap_start_id", d.Fetch.BootstrapStartID)
	v.SetDefault("fetch.backfill_anchor", d.Fetch.BackfillAnchor)
	v.SetDefault("fetch.backfill_window_days", d.Fetch.BackfillWindowDays)

	v.SetDefault("store.url", d.Store.URL)
	v.SetDefault("store.user", d.Store.User)
	v.SetDefault("store.password", d.Store.Password)
	v.SetDefault("store.host", d.Store.Host)
	v.SetDefault("store.port", d.Store.Port)
	v.SetDefault("store.name", d.Store.Name)
	v.SetDefault("store.table", d.Store.Table)
	v.SetDefault("store.max_conns", d.Store.MaxConns)
	v.SetDefault("store.connect_timeout", d.Store.ConnectTimeout)
	v.SetDefault("store.wake_retries", d.Store.WakeRetries)
	v.SetDefault("store.wake_initial_delay", d.Store.WakeInitialDelay)
	v.SetDefault("store.max_backoff", d.Store.MaxBackoff)

	v.SetDefault("insert.retries", d.Insert.Retries)
	v.SetDefault("insert.initial_delay", d.Insert.InitialDelay)
	v.SetDefault("insert.max_delay", d.Insert.MaxDelay)
	v.SetDefault("insert.chunk_size", d.Insert.ChunkSize)
	v.SetDefault("insert.row_retries", d.Insert.RowRetries)
	v.SetDefault("insert.row_retry_delay", d.Insert.RowRetryDelay)

	v.SetDefault("export.enabled", d.Export.Enabled)
	v.SetDefault("export.dir", d.Export.Dir)
	v.SetDefault("export.snapshot_file", d.Export.SnapshotFile)

	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.credentials_file", d.Archive.CredentialsFile)
	v.SetDefault("archive.bq_project", d.Archive.BigQueryProject)
	v.SetDefault("archive.bq_dataset", d.Archive.BigQueryDataset)
	v.SetDefault("archive.bq_table", d.Archive.BigQueryTable)

	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("metrics.job", d.Metrics.Job)

	v.SetDefault("schedule.cron", d.Schedule.Cron)
	v.SetDefault("schedule.hour", d.Schedule.Hour)
	v.SetDefault("schedule.minute", d.Schedule.Minute)
	v.SetDefault("schedule.command", d.Schedule.Command)
	v.SetDefault("schedule.args", d.Schedule.Args)
	v.SetDefault("schedule.max_retries", d.Schedule.MaxRetries)
	v.SetDefault("schedule.addr", d.Schedule.Addr)

	v.SetDefault("report.gemini_model", d.Report.GeminiModel)
	v.SetDefault("report.notion_token", d.Report.NotionToken)
	v.SetDefault("report.notion_db_id", d.Report.NotionDBID)
	v.SetDefault("report.top_n", d.Report.TopN)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Fetch.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("fetch.page_size must be positive, got %d", c.Fetch.PageSize))
	}
	if c.Fetch.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("fetch.concurrency must be positive, got %d", c.Fetch.Concurrency))
	}
	if c.Fetch.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be positive, got %d", c.Fetch.MaxAttempts))
	}
	if _, err := c.Fetch.BackfillStart(); err != nil {
		errs = append(errs, err)
	}
	if c.Insert.Retries <= 0 || c.Insert.RowRetries <= 0 {
		errs = append(errs, fmt.Errorf("insert retries must be positive, got %d/%d", c.Insert.Retries, c.Insert.RowRetries))
	}
	if c.Insert.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("insert.chunk_size must be positive, got %d", c.Insert.ChunkSize))
	}
	if c.Insert.MaxDelay < c.Insert.InitialDelay {
		errs = append(errs, fmt.Errorf("insert.max_delay %s is below insert.initial_delay %s", c.Insert.MaxDelay, c.Insert.InitialDelay))
	}
	if c.Store.WakeRetries <= 0 {
		errs = append(errs, fmt.Errorf("store.wake_retries must be positive, got %d", c.Store.WakeRetries))
	}
	if c.Store.Table == "" {
		errs = append(errs, errors.New("store.table is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("Validate: %w", errors.Join(errs...))
	}
	return nil
}

// RequireAPI checks that the API credentials needed for extraction are present.
func (c Config) RequireAPI() error {
	if strings.TrimSpace(c.API.Token) == "" {
		return errors.New("RequireAPI: api token is required (ALEGRA_API_TOKEN)")
	}
	if _, err := url.Parse(c.API.BaseURL); err != nil || c.API.BaseURL == "" {
		return fmt.Errorf("RequireAPI: invalid api base url %q", c.API.BaseURL)
	}
	return nil
}

// BackfillStart parses BackfillAnchor.
func (f FetchConfig) BackfillStart() (civil.Date, error) {
	d, err := civil.ParseDate(f.BackfillAnchor)
	if err != nil {
		return civil.Date{}, fmt.Errorf("fetch.backfill_anchor %q: %w", f.BackfillAnchor, err)
	}
	return d, nil
}

// DSN returns the connection string, preferring an explicit URL over discrete fields.
func (s StoreConfig) DSN() string {
	if s.URL != "" {
		return s.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Name,
	}
	return u.String()
}
