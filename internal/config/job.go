package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

const dateLayout = "2006-01-02"

// DateRange bounds publish dates for platforms that support filtering.
type DateRange struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// IsZero reports whether no range is configured.
func (d DateRange) IsZero() bool {
	return d.Start.IsZero() && d.End.IsZero()
}

// ParseDateRange parses "YYYY-MM-DD..YYYY-MM-DD". An empty string is the zero range.
func ParseDateRange(raw string) (DateRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DateRange{}, nil
	}
	from, to, ok := strings.Cut(raw, "..")
	if !ok {
		return DateRange{}, fmt.Errorf("date_range must look like YYYY-MM-DD..YYYY-MM-DD")
	}
	start, err := time.Parse(dateLayout, strings.TrimSpace(from))
	if err != nil {
		return DateRange{}, fmt.Errorf("date_range start: %w", err)
	}
	end, err := time.Parse(dateLayout, strings.TrimSpace(to))
	if err != nil {
		return DateRange{}, fmt.Errorf("date_range end: %w", err)
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("date_range end precedes start")
	}
	return DateRange{Start: start, End: end}, nil
}

// JobConfig is the immutable snapshot a single crawl runs with.
type JobConfig struct {
	JobID              string             `yaml:"job_id"`
	Platform           crawler.Platform   `yaml:"platform"`
	LoginType          crawler.LoginType  `yaml:"login_type"`
	Mode               crawler.Mode       `yaml:"crawler_type"`
	SaveOption         crawler.SaveOption `yaml:"save_option"`
	Keywords           []string           `yaml:"keywords"`
	Seeds              []string           `yaml:"seeds"`
	StartPage          int                `yaml:"start_page"`
	MaxItems           int                `yaml:"max_items"`
	MaxConcurrency     int                `yaml:"max_concurrency"`
	MaxCommentsPerItem int                `yaml:"max_comments_per_item"`
	CrawlInterval      time.Duration      `yaml:"crawl_interval"`
	RateLimitPause     time.Duration      `yaml:"rate_limit_pause"`
	EnableComments     bool               `yaml:"enable_comments"`
	EnableSubComments  bool               `yaml:"enable_sub_comments"`
	EnableIPProxy      bool               `yaml:"enable_ip_proxy"`
	ProxyProvider      string             `yaml:"proxy_provider"`
	Headless           bool               `yaml:"headless"`
	SaveLoginState     bool               `yaml:"save_login_state"`
	Cookies            string             `yaml:"-"`
	Phone              string             `yaml:"phone,omitempty"`
	DateRange          DateRange          `yaml:"date_range,omitempty"`
	DataDir            string             `yaml:"data_dir"`
}

// JobOverrides are the CLI or HTTP request fields layered over service defaults.
// Nil pointers keep the default.
type JobOverrides struct {
	Platform          *string
	LoginType         *string
	CrawlerType       *string
	SaveOption        *string
	Keywords          *string
	Seeds             *string
	StartPage         *int
	MaxItems          *int
	MaxConcurrency    *int
	EnableComments    *bool
	EnableSubComments *bool
	EnableIPProxy     *bool
	ProxyProvider     *string
	Headless          *bool
	SaveLoginState    *bool
	Cookies           *string
	Phone             *string
	DateRange         *string
}

// NewJob layers overrides over the service defaults and validates the result.
// It has no side effects; any invalid field yields a configuration error.
func NewJob(base Config, jobID string, o JobOverrides) (JobConfig, error) {
	const op = "config.NewJob"
	platform, err := crawler.ParsePlatform(valueOrDefault(o.Platform, base.Crawler.Platform))
	if err != nil {
		return JobConfig{}, err
	}
	login, err := crawler.ParseLoginType(valueOrDefault(o.LoginType, base.Crawler.LoginType))
	if err != nil {
		return JobConfig{}, err
	}
	mode, err := crawler.ParseMode(valueOrDefault(o.CrawlerType, base.Crawler.CrawlerType))
	if err != nil {
		return JobConfig{}, err
	}
	save, err := crawler.ParseSaveOption(valueOrDefault(o.SaveOption, base.Crawler.SaveOption))
	if err != nil {
		return JobConfig{}, err
	}
	dates, err := ParseDateRange(valueOrDefault(o.DateRange, ""))
	if err != nil {
		return JobConfig{}, crawler.NewError(crawler.KindConfiguration, op, err)
	}
	dataDir := base.Storage.DataDir
	if dataDir == "" {
		dataDir = base.Crawler.DataDir
	}
	job := JobConfig{
		JobID:              jobID,
		Platform:           platform,
		LoginType:          login,
		Mode:               mode,
		SaveOption:         save,
		Keywords:           SplitList(valueOrDefault(o.Keywords, "")),
		Seeds:              SplitList(valueOrDefault(o.Seeds, "")),
		StartPage:          valueOrDefault(o.StartPage, base.Crawler.StartPage),
		MaxItems:           valueOrDefault(o.MaxItems, base.Crawler.MaxItems),
		MaxConcurrency:     valueOrDefault(o.MaxConcurrency, base.Crawler.MaxConcurrency),
		MaxCommentsPerItem: base.Crawler.MaxCommentsPerItem,
		CrawlInterval:      time.Duration(base.Crawler.CrawlIntervalMs) * time.Millisecond,
		RateLimitPause:     time.Duration(base.Crawler.RateLimitPauseSec) * time.Second,
		EnableComments:     valueOrDefault(o.EnableComments, base.Crawler.EnableComments),
		EnableSubComments:  valueOrDefault(o.EnableSubComments, base.Crawler.EnableSubComments),
		EnableIPProxy:      valueOrDefault(o.EnableIPProxy, base.Proxy.Enabled),
		ProxyProvider:      strings.ToLower(valueOrDefault(o.ProxyProvider, base.Proxy.Provider)),
		Headless:           valueOrDefault(o.Headless, base.Browser.Headless),
		SaveLoginState:     valueOrDefault(o.SaveLoginState, base.Crawler.SaveLoginState),
		Cookies:            valueOrDefault(o.Cookies, ""),
		Phone:              valueOrDefault(o.Phone, base.Crawler.Phone),
		DateRange:          dates,
		DataDir:            dataDir,
	}
	if err := job.Validate(); err != nil {
		return JobConfig{}, err
	}
	if err := job.validateSecrets(base); err != nil {
		return JobConfig{}, err
	}
	return job, nil
}

// Validate enforces the cross-field invariants of a job.
func (j JobConfig) Validate() error {
	const op = "config.JobConfig.Validate"
	switch {
	case j.Mode == crawler.ModeSearch && len(j.Keywords) == 0:
		return crawler.Errorf(crawler.KindConfiguration, op, "keywords must be non-empty in search mode")
	case (j.Mode == crawler.ModeDetail || j.Mode == crawler.ModeCreator) && len(j.Seeds) == 0:
		return crawler.Errorf(crawler.KindConfiguration, op, "seeds must be non-empty in %s mode", j.Mode)
	case j.StartPage < 1:
		return crawler.Errorf(crawler.KindConfiguration, op, "start_page must be >= 1")
	case j.MaxItems < 0:
		return crawler.Errorf(crawler.KindConfiguration, op, "max_items must be >= 0")
	case j.MaxConcurrency < 1:
		return crawler.Errorf(crawler.KindConfiguration, op, "max_concurrency must be >= 1")
	case j.MaxCommentsPerItem < 0:
		return crawler.Errorf(crawler.KindConfiguration, op, "max_comments_per_item must be >= 0")
	case j.LoginType == crawler.LoginPhone && j.Phone == "":
		return crawler.Errorf(crawler.KindConfiguration, op, "phone must be set for phone login")
	}
	if j.EnableIPProxy {
		switch j.ProxyProvider {
		case "jisu", "wandou", "kuaidaili":
		default:
			return crawler.Errorf(crawler.KindConfiguration, op, "unknown proxy provider %q", j.ProxyProvider)
		}
	}
	return nil
}

func (j JobConfig) validateSecrets(base Config) error {
	const op = "config.JobConfig.secrets"
	if j.EnableIPProxy {
		switch j.ProxyProvider {
		case "jisu":
			if base.Proxy.JiSu.Key == "" || base.Proxy.JiSu.Crypto == "" {
				return crawler.Errorf(crawler.KindConfiguration, op, "proxy.jisu.key and proxy.jisu.crypto are required")
			}
		case "wandou":
			if base.Proxy.WanDou.AppKey == "" {
				return crawler.Errorf(crawler.KindConfiguration, op, "proxy.wandou.app_key is required")
			}
		case "kuaidaili":
			kdl := base.Proxy.KuaiDaiLi
			if kdl.SecretID == "" || kdl.Signature == "" || kdl.User == "" || kdl.Password == "" {
				return crawler.Errorf(crawler.KindConfiguration, op,
					"proxy.kuaidaili.secret_id, signature, user and password are required")
			}
		}
	}
	switch j.SaveOption {
	case crawler.SaveDB:
		if base.DB.DSN == "" {
			return crawler.Errorf(crawler.KindConfiguration, op, "db.dsn is required for save_option=db")
		}
	case crawler.SaveMongoDB:
		if base.Mongo.URI == "" {
			return crawler.Errorf(crawler.KindConfiguration, op, "mongo.uri is required for save_option=mongodb")
		}
	}
	if base.Cache.Type == "redis" && base.Cache.Redis.Addr == "" {
		return crawler.Errorf(crawler.KindConfiguration, op, "cache.redis.addr is required for cache.type=redis")
	}
	return nil
}

// SplitList splits a comma-separated string, trimming blanks and dropping empties.
// Full-width commas are accepted too.
func SplitList(raw string) []string {
	raw = strings.ReplaceAll(raw, "，", ",")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
