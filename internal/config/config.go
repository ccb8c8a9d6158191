// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	SSE     SSEConfig     `mapstructure:"sse"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
	Status  StatusConfig  `mapstructure:"status"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// SSEConfig points the crawler at the exchange endpoints.
type SSEConfig struct {
	QueryURL        string `mapstructure:"query_url"`
	StaticBaseURL   string `mapstructure:"static_base_url"`
	Referer         string `mapstructure:"referer"`
	UserAgent       string `mapstructure:"user_agent"`
	CookieDomain    string `mapstructure:"cookie_domain"`
	ChallengeMarker string `mapstructure:"challenge_marker"`
}

// HTTPConfig configures HTTP client timeouts, retries and the rate ceiling.
type HTTPConfig struct {
	TimeoutSeconds         int     `mapstructure:"timeout_seconds"`
	DocumentTimeoutSeconds int     `mapstructure:"document_timeout_seconds"`
	MaxRetries             int     `mapstructure:"max_retries"`
	BackoffInitialMs       int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int     `mapstructure:"backoff_max_ms"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
	Burst                  int     `mapstructure:"burst"`
	MaxBodyBytes           int     `mapstructure:"max_body_bytes"`
}

// CrawlerConfig governs pacing and concurrency of a run.
type CrawlerConfig struct {
	DocDelayMinMs   int           `mapstructure:"doc_delay_min_ms"`
	DocDelayMaxMs   int           `mapstructure:"doc_delay_max_ms"`
	PageDelayMinMs  int           `mapstructure:"page_delay_min_ms"`
	PageDelayMaxMs  int           `mapstructure:"page_delay_max_ms"`
	DownloadWorkers int           `mapstructure:"download_workers"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	RecentDays      int           `mapstructure:"recent_days"`
}

// StorageConfig sets where documents land, locally and in the optional mirror.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	Subdir    string `mapstructure:"subdir"`
	MinBytes  int64  `mapstructure:"min_bytes"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig controls access to the outcome ledger.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and the daily log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Dir         string `mapstructure:"dir"`
}

// StatusConfig enables the HTTP status server when Addr is set.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry span export. Spans go to File as JSON lines.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sse.query_url", "https://query.sse.com.cn/security/stock/queryCompanyBulletinNew.do")
	v.SetDefault("sse.static_base_url", "https://static.sse.com.cn")
	v.SetDefault("sse.referer", "https://www.sse.com.cn/")
	v.SetDefault("sse.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("sse.cookie_domain", ".sse.com.cn")
	v.SetDefault("sse.challenge_marker", "acw_sc__v2")
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.document_timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 4000)
	v.SetDefault("http.requests_per_second", 2)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("crawler.doc_delay_min_ms", 1000)
	v.SetDefault("crawler.doc_delay_max_ms", 3000)
	v.SetDefault("crawler.page_delay_min_ms", 2000)
	v.SetDefault("crawler.page_delay_max_ms", 4000)
	v.SetDefault("crawler.download_workers", 1)
	v.SetDefault("crawler.run_timeout", "0s")
	v.SetDefault("crawler.recent_days", 30)
	v.SetDefault("storage.base_dir", ".")
	v.SetDefault("storage.subdir", "公告")
	v.SetDefault("storage.min_bytes", 1024)
	// Empty defaults register the keys so AutomaticEnv applies to them on Unmarshal.
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "bulletins")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "bulletin_downloads")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("status.addr", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "sse-crawler")
	v.SetDefault("tracing.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.SSE.QueryURL == "" || c.SSE.StaticBaseURL == "" {
		errs = append(errs, errors.New("sse.query_url and sse.static_base_url must be set"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.HTTP.DocumentTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.document_timeout_seconds must be > 0"))
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must be >= 0"))
	}
	if c.Crawler.DocDelayMinMs < 0 || c.Crawler.DocDelayMaxMs < c.Crawler.DocDelayMinMs {
		errs = append(errs, errors.New("crawler.doc_delay_min_ms must be >= 0 and <= crawler.doc_delay_max_ms"))
	}
	if c.Crawler.PageDelayMinMs < 0 || c.Crawler.PageDelayMaxMs < c.Crawler.PageDelayMinMs {
		errs = append(errs, errors.New("crawler.page_delay_min_ms must be >= 0 and <= crawler.page_delay_max_ms"))
	}
	if c.Crawler.DownloadWorkers <= 0 {
		errs = append(errs, errors.New("crawler.download_workers must be > 0"))
	}
	if c.Crawler.RunTimeout < 0 {
		errs = append(errs, errors.New("crawler.run_timeout must be >= 0"))
	}
	if c.Crawler.RecentDays <= 0 {
		errs = append(errs, errors.New("crawler.recent_days must be > 0"))
	}
	if c.Storage.BaseDir == "" {
		errs = append(errs, errors.New("storage.base_dir must be set"))
	}
	if c.Storage.MinBytes < 0 {
		errs = append(errs, errors.New("storage.min_bytes must be >= 0"))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		errs = append(errs, errors.New("tracing.service_name must be set when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// MetadataTimeout is the per-request budget for discovery pages.
func (c Config) MetadataTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// DocumentTimeout is the per-request budget for document downloads.
func (c Config) DocumentTimeout() time.Duration {
	return time.Duration(c.HTTP.DocumentTimeoutSeconds) * time.Second
}

// DocDelay returns the inclusive bounds of the pause between document fetches.
func (c Config) DocDelay() (time.Duration, time.Duration) {
	return ms(c.Crawler.DocDelayMinMs), ms(c.Crawler.DocDelayMaxMs)
}

// PageDelay returns the inclusive bounds of the pause between discovery pages.
func (c Config) PageDelay() (time.Duration, time.Duration) {
	return ms(c.Crawler.PageDelayMinMs), ms(c.Crawler.PageDelayMaxMs)
}

// Backoff returns the initial and maximum retry backoff.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return ms(c.HTTP.BackoffInitialMs), ms(c.HTTP.BackoffMaxMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
