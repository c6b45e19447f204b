// Package config loads newspulse settings from defaults, an optional YAML
// file, .env, the environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"newspulse/internal/enrich"
	"newspulse/internal/fetch"
	"newspulse/internal/retry"
	"newspulse/internal/search"
	"newspulse/internal/store"
)

const envPrefix = "NEWSPULSE"

const (
	SourceNewsAPI = "newsapi"
	SourceRSS     = "rss"

	BackendBadger = "badger"
	BackendS3     = "s3"
)

type Config struct {
	Log      LogConfig         `mapstructure:"log"`
	Fetch    FetchConfig       `mapstructure:"fetch"`
	Analysis AnalysisConfig    `mapstructure:"analysis"`
	Store    StoreConfig       `mapstructure:"store"`
	Redis    store.RedisConfig `mapstructure:"redis"`
	Search   search.Config     `mapstructure:"search"`
	Pipeline PipelineConfig    `mapstructure:"pipeline"`
	Server   ServerConfig      `mapstructure:"server"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type FetchConfig struct {
	Source     string              `mapstructure:"source"`
	Language   string              `mapstructure:"language"`
	PageSize   int                 `mapstructure:"page_size"`
	Categories []string            `mapstructure:"categories"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Retry      retry.Policy        `mapstructure:"retry"`
	NewsAPI    fetch.NewsAPIConfig `mapstructure:"newsapi"`
	RSS        fetch.RSSConfig     `mapstructure:"rss"`
}

type AnalysisConfig struct {
	enrich.Config `mapstructure:",squash"`
	Retry         retry.Policy `mapstructure:"retry"`
}

type StoreConfig struct {
	Backend string         `mapstructure:"backend"`
	Badger  BadgerConfig   `mapstructure:"badger"`
	S3      store.S3Config `mapstructure:"s3"`
}

type BadgerConfig struct {
	Path       string        `mapstructure:"path"`
	InMemory   bool          `mapstructure:"in_memory"`
	// GCInterval <= 0 disables value-log GC.
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	ArticleTimeout time.Duration `mapstructure:"article_timeout"`
	Retry          retry.Policy  `mapstructure:"retry"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// IngestInterval schedules runs while serving; zero disables the scheduler.
	IngestInterval time.Duration `mapstructure:"ingest_interval"`
}

// aliases maps keys to the bare environment names older deployments use.
var aliases = map[string]string{
	"fetch.newsapi.api_key": "NEWSAPI_KEY",
	"analysis.endpoint":     "LANG_ENDPOINT",
	"analysis.api_key":      "LANG_KEY",
	"store.s3.bucket":       "BLOB_CONTAINER",
	"search.endpoint":       "SEARCH_ENDPOINT",
	"search.api_key":        "SEARCH_KEY",
}

// flagKeys binds command-line flags to config keys when a command defines them.
var flagKeys = map[string]string{
	"log-level": "log.level",
	"redis":     "redis.addr",
	"badger":    "store.badger.path",
	"backend":   "store.backend",
	"source":    "fetch.source",
	"page-size": "fetch.page_size",
	"workers":   "pipeline.workers",
	"addr":      "server.addr",
	"interval":  "server.ingest_interval",
	"category":  "fetch.categories",
}

// Load reads configuration. cfgFile may be empty to search the default
// locations; flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("newspulse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/newspulse")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, alias := range aliases {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", alias, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("fetch.source", SourceNewsAPI)
	v.SetDefault("fetch.language", "en")
	v.SetDefault("fetch.page_size", 20)
	v.SetDefault("fetch.categories", []string{})
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.retry.max_attempts", 3)
	v.SetDefault("fetch.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("fetch.retry.max_interval", 5*time.Second)
	v.SetDefault("fetch.newsapi.endpoint", fetch.DefaultNewsAPIEndpoint)
	v.SetDefault("fetch.newsapi.api_key", "")
	v.SetDefault("fetch.newsapi.country", "")
	v.SetDefault("fetch.rss.extract", false)
	v.SetDefault("fetch.rss.timeout", 20*time.Second)

	v.SetDefault("analysis.endpoint", "")
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.api_version", enrich.DefaultAPIVersion)
	v.SetDefault("analysis.language", "en")
	v.SetDefault("analysis.summary_sentences", enrich.DefaultSummarySentences)
	v.SetDefault("analysis.requests_per_second", 0)
	v.SetDefault("analysis.poll_interval", time.Second)
	v.SetDefault("analysis.timeout", 30*time.Second)
	v.SetDefault("analysis.retry.max_attempts", 3)
	v.SetDefault("analysis.retry.initial_interval", time.Second)
	v.SetDefault("analysis.retry.max_interval", 10*time.Second)

	v.SetDefault("store.backend", BackendBadger)
	v.SetDefault("store.badger.path", "./badger-data")
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.badger.gc_interval", 5*time.Minute)
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.prefix", "articles")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.profile", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.use_path_style", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("search.endpoint", "")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.index", "articles")
	v.SetDefault("search.timeout", 15*time.Second)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.article_timeout", 2*time.Minute)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("pipeline.retry.max_interval", 2*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ingest_interval", 0)
}

func (c *Config) normalize() {
	c.Fetch.Source = strings.ToLower(strings.TrimSpace(c.Fetch.Source))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	categories := make([]string, 0, len(c.Fetch.Categories))
	for _, cat := range c.Fetch.Categories {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			categories = append(categories, cat)
		}
	}
	c.Fetch.Categories = categories
}

// SearchEnabled reports whether a Meilisearch endpoint is configured.
func (c *Config) SearchEnabled() bool {
	return c.Search.Endpoint != ""
}

// Validate checks everything an ingestion run needs.
func (c *Config) Validate() error {
	return errors.Join(c.ValidateStore(), c.validateIngest())
}

// ValidateStore checks only the storage settings, for read-side commands.
func (c *Config) ValidateStore() error {
	var errs []error
	switch c.Store.Backend {
	case BackendBadger:
		if c.Store.Badger.Path == "" && !c.Store.Badger.InMemory {
			errs = append(errs, errors.New("store.badger.path is required"))
		}
	case BackendS3:
		if c.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket (or BLOB_CONTAINER) is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendBadger, BackendS3, c.Store.Backend))
	}
	return errors.Join(errs...)
}

func (c *Config) validateIngest() error {
	var errs []error
	switch c.Fetch.Source {
	case SourceNewsAPI:
		if c.Fetch.NewsAPI.APIKey == "" {
			errs = append(errs, errors.New("fetch.newsapi.api_key (or NEWSAPI_KEY) is required"))
		}
	case SourceRSS:
		if len(c.Fetch.RSS.Feeds) == 0 {
			errs = append(errs, errors.New("fetch.rss.feeds needs at least one category"))
		}
	default:
		errs = append(errs, fmt.Errorf("fetch.source must be %q or %q, got %q", SourceNewsAPI, SourceRSS, c.Fetch.Source))
	}
	if c.Fetch.PageSize < 1 || c.Fetch.PageSize > 100 {
		errs = append(errs, fmt.Errorf("fetch.page_size must be between 1 and 100, got %d", c.Fetch.PageSize))
	}
	if c.Analysis.Endpoint == "" {
		errs = append(errs, errors.New("analysis.endpoint (or LANG_ENDPOINT) is required"))
	}
	if c.Analysis.APIKey == "" {
		errs = append(errs, errors.New("analysis.api_key (or LANG_KEY) is required"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.ArticleTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.article_timeout must be positive"))
	}
	return errors.Join(errs...)
}
