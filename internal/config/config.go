// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	Mongo        MongoConfig        `mapstructure:"mongo"`
	SQLite       SQLiteConfig       `mapstructure:"sqlite"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the optional rotated file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// CrawlerConfig holds the defaults every job starts from.
type CrawlerConfig struct {
	Platform           string `mapstructure:"platform"`
	LoginType          string `mapstructure:"login_type"`
	CrawlerType        string `mapstructure:"crawler_type"`
	SaveOption         string `mapstructure:"save_option"`
	StartPage          int    `mapstructure:"start_page"`
	MaxItems           int    `mapstructure:"max_items"`
	MaxConcurrency     int    `mapstructure:"max_concurrency"`
	MaxCommentsPerItem int    `mapstructure:"max_comments_per_item"`
	CrawlIntervalMs    int    `mapstructure:"crawl_interval_ms"`
	EnableComments     bool   `mapstructure:"enable_comments"`
	EnableSubComments  bool   `mapstructure:"enable_sub_comments"`
	SaveLoginState     bool   `mapstructure:"save_login_state"`
	RateLimitPauseSec  int    `mapstructure:"rate_limit_pause_seconds"`
	DataDir            string `mapstructure:"data_dir"`
	Phone              string `mapstructure:"phone"`
}

// HTTPConfig configures the signed client.
type HTTPConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	MediaTimeoutSeconds int     `mapstructure:"media_timeout_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	BackoffBaseMs       int     `mapstructure:"backoff_base_ms"`
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`
	UserAgent           string  `mapstructure:"user_agent"`
}

// BrowserConfig selects managed or attach mode for the CDP session.
type BrowserConfig struct {
	Mode                string `mapstructure:"mode"`
	BinaryPath          string `mapstructure:"binary_path"`
	DebuggerURL         string `mapstructure:"debugger_url"`
	Headless            bool   `mapstructure:"headless"`
	ReadyTimeoutSeconds int    `mapstructure:"ready_timeout_seconds"`
	StealthScriptPath   string `mapstructure:"stealth_script_path"`
}

// ProxyConfig controls the rotating proxy pool.
type ProxyConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	Provider    string          `mapstructure:"provider"`
	PoolCount   int             `mapstructure:"pool_count"`
	Validate    bool            `mapstructure:"validate"`
	ValidateURL string          `mapstructure:"validate_url"`
	JiSu        JiSuConfig      `mapstructure:"jisu"`
	WanDou      WanDouConfig    `mapstructure:"wandou"`
	KuaiDaiLi   KuaiDaiLiConfig `mapstructure:"kuaidaili"`
}

// JiSuConfig holds credentials for the key/crypto authenticated provider.
type JiSuConfig struct {
	Key            string `mapstructure:"key"`
	Crypto         string `mapstructure:"crypto"`
	ValidityMinute int    `mapstructure:"validity_minutes"`
	Endpoint       string `mapstructure:"endpoint"`
}

// WanDouConfig holds credentials for the app-key provider.
type WanDouConfig struct {
	AppKey   string `mapstructure:"app_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// KuaiDaiLiConfig holds the API signature and tunnel credentials of the
// private-proxy provider.
type KuaiDaiLiConfig struct {
	SecretID  string `mapstructure:"secret_id"`
	Signature string `mapstructure:"signature"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Endpoint  string `mapstructure:"endpoint"`
}

// CacheConfig selects the expiring cache back-end.
type CacheConfig struct {
	Type                string      `mapstructure:"type"`
	CronIntervalSeconds int         `mapstructure:"cron_interval_seconds"`
	Redis               RedisConfig `mapstructure:"redis"`
}

// RedisConfig locates the remote cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig sets paths for file-based persistence.
type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// MongoConfig locates the document store.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds metadata for job summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ControlPlaneConfig governs the supervised crawler subprocess.
type ControlPlaneConfig struct {
	CrawlerBinary    string   `mapstructure:"crawler_binary"`
	CrawlerArgs      []string `mapstructure:"crawler_args"`
	StopGraceSeconds int      `mapstructure:"stop_grace_seconds"`
	LogBuffer        int      `mapstructure:"log_buffer"`
	LogFile          string   `mapstructure:"log_file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("crawler.platform", "xhs")
	v.SetDefault("crawler.login_type", "qrcode")
	v.SetDefault("crawler.crawler_type", "search")
	v.SetDefault("crawler.save_option", "json")
	v.SetDefault("crawler.start_page", 1)
	v.SetDefault("crawler.max_items", 15)
	v.SetDefault("crawler.max_concurrency", 4)
	v.SetDefault("crawler.max_comments_per_item", 10)
	v.SetDefault("crawler.crawl_interval_ms", 500)
	v.SetDefault("crawler.enable_comments", true)
	v.SetDefault("crawler.enable_sub_comments", false)
	v.SetDefault("crawler.save_login_state", true)
	v.SetDefault("crawler.rate_limit_pause_seconds", 20)
	v.SetDefault("crawler.data_dir", "data")
	v.SetDefault("crawler.phone", "")
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.media_timeout_seconds", 60)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_base_ms", 5000)
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("browser.mode", "managed")
	v.SetDefault("browser.binary_path", "")
	v.SetDefault("browser.debugger_url", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ready_timeout_seconds", 30)
	v.SetDefault("browser.stealth_script_path", "")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.provider", "wandou")
	v.SetDefault("proxy.pool_count", 2)
	v.SetDefault("proxy.validate", true)
	v.SetDefault("proxy.validate_url", "https://httpbin.org/ip")
	v.SetDefault("proxy.jisu.key", "")
	v.SetDefault("proxy.jisu.crypto", "")
	v.SetDefault("proxy.jisu.validity_minutes", 30)
	v.SetDefault("proxy.jisu.endpoint", "https://api.jisuhttp.com/fetchips")
	v.SetDefault("proxy.wandou.app_key", "")
	v.SetDefault("proxy.wandou.endpoint", "https://api.wandouapp.com/")
	v.SetDefault("proxy.kuaidaili.secret_id", "")
	v.SetDefault("proxy.kuaidaili.signature", "")
	v.SetDefault("proxy.kuaidaili.user", "")
	v.SetDefault("proxy.kuaidaili.password", "")
	v.SetDefault("proxy.kuaidaili.endpoint", "https://dps.kdlapi.com/api/getdps/")
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.cron_interval_seconds", 10)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "media_crawler")
	v.SetDefault("sqlite.path", "data/sqlite_tables.db")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("controlplane.crawler_binary", "crawler")
	v.SetDefault("controlplane.crawler_args", []string{})
	v.SetDefault("controlplane.stop_grace_seconds", 15)
	v.SetDefault("controlplane.log_buffer", 500)
	v.SetDefault("controlplane.log_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxConcurrency <= 0 {
		return fmt.Errorf("crawler.max_concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	switch c.Browser.Mode {
	case "managed":
	case "attach":
		if c.Browser.DebuggerURL == "" {
			return fmt.Errorf("browser.debugger_url must be set in attach mode")
		}
	default:
		return fmt.Errorf("browser.mode must be managed or attach")
	}
	if c.Proxy.PoolCount <= 0 {
		return fmt.Errorf("proxy.pool_count must be > 0")
	}
	if c.Cache.CronIntervalSeconds <= 0 {
		return fmt.Errorf("cache.cron_interval_seconds must be > 0")
	}
	if c.ControlPlane.StopGraceSeconds <= 0 {
		return fmt.Errorf("controlplane.stop_grace_seconds must be > 0")
	}
	if c.ControlPlane.LogBuffer <= 0 {
		return fmt.Errorf("controlplane.log_buffer must be > 0")
	}
	return nil
}

// RequestTimeout is the default signed-request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// MediaTimeout is the timeout for media downloads.
func (c Config) MediaTimeout() time.Duration {
	return time.Duration(c.HTTP.MediaTimeoutSeconds) * time.Second
}

// StopGrace is how long the supervisor waits after SIGTERM.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.ControlPlane.StopGraceSeconds) * time.Second
}
