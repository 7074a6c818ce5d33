// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/creator-crawler/internal/extract"
	"github.com/JakeFAU/creator-crawler/internal/listing"
)

// Backend names accepted by the pluggable sections.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	BrowserChromedp = "chromedp"
	BrowserColly    = "colly"

	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"

	ExportMemory = "memory"
	ExportLocal  = "local"
	ExportGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Site      SiteConfig      `mapstructure:"site"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Listing   ListingConfig   `mapstructure:"listing"`
	Detail    DetailConfig    `mapstructure:"detail"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Export    ExportConfig    `mapstructure:"export"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// SiteConfig describes the directory being crawled.
type SiteConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	ListingURL    string            `mapstructure:"listing_url"`
	PageParam     string            `mapstructure:"page_param"`
	ReservedPaths []string          `mapstructure:"reserved_paths"`
	MinLength     int               `mapstructure:"min_length"`
	Selectors     extract.Selectors `mapstructure:"selectors"`
}

// BrowserConfig configures the page driver.
type BrowserConfig struct {
	Backend           string        `mapstructure:"backend"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScrollPause       time.Duration `mapstructure:"scroll_pause"`
	MaxScrolls        int           `mapstructure:"max_scrolls"`
	NextSelector      string        `mapstructure:"next_selector"`
	MaxTabs           int           `mapstructure:"max_tabs"`
}

// ListingConfig tunes the list crawler.
type ListingConfig struct {
	CheckpointKey string        `mapstructure:"checkpoint_key"`
	PageSettle    time.Duration `mapstructure:"page_settle"`
}

// DetailConfig tunes the detail crawler.
type DetailConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	ItemTimeout     time.Duration `mapstructure:"item_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	OpenInterval    time.Duration `mapstructure:"open_interval"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	NameOnlyInvalid bool          `mapstructure:"name_only_invalid"`
	RetryFailed     bool          `mapstructure:"retry_failed"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BufferSize        int           `mapstructure:"buffer_size"`
	BatchSize         int           `mapstructure:"batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
}

// PublisherConfig selects where scraped-profile events go.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ExportConfig selects where CSV snapshots are written.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// CORSConfig lists origins allowed to call the API, such as the browser extension.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
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
	sel := extract.DefaultSelectors()

	v.SetDefault("server.port", 4000)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.sqlite_path", "data/profiles.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.max_attempts", 0)
	v.SetDefault("site.base_url", "https://collabstr.com")
	v.SetDefault("site.listing_url", "https://collabstr.com/influencers")
	v.SetDefault("site.page_param", "pg")
	v.SetDefault("site.reserved_paths", listing.DefaultReservedPaths)
	v.SetDefault("site.min_length", listing.DefaultMinLength)
	v.SetDefault("site.selectors.listing_link", sel.ListingLink)
	v.SetDefault("site.selectors.name", sel.Name)
	v.SetDefault("site.selectors.location", sel.Location)
	v.SetDefault("site.selectors.bio", sel.Bio)
	v.SetDefault("site.selectors.reviews", sel.Reviews)
	v.SetDefault("site.selectors.platform", sel.Platform)
	v.SetDefault("browser.backend", BrowserChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "creator-crawler/0.1")
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.scroll_pause", 750*time.Millisecond)
	v.SetDefault("browser.max_scrolls", 30)
	v.SetDefault("browser.next_selector", "a[rel=next]")
	v.SetDefault("browser.max_tabs", 4)
	v.SetDefault("listing.checkpoint_key", listing.DefaultCheckpointKey)
	v.SetDefault("listing.page_settle", time.Second)
	v.SetDefault("detail.batch_size", 20)
	v.SetDefault("detail.max_parallel", 2)
	v.SetDefault("detail.item_timeout", 30*time.Second)
	v.SetDefault("detail.settle_delay", 3*time.Second)
	v.SetDefault("detail.open_interval", 500*time.Millisecond)
	v.SetDefault("detail.stop_grace", 2*time.Minute)
	v.SetDefault("detail.name_only_invalid", true)
	v.SetDefault("detail.retry_failed", false)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 256)
	v.SetDefault("progress.flush_interval", 500*time.Millisecond)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("export.backend", ExportLocal)
	v.SetDefault("export.base_dir", "data")
	v.SetDefault("export.prefix", "exports")
	v.SetDefault("cors.allowed_origins", []string{"chrome-extension://*", "http://localhost:*"})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Store.MaxAttempts < 0 {
		return fmt.Errorf("store.max_attempts must be >= 0")
	}
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url must be set")
	}
	if c.Site.PageParam == "" {
		return fmt.Errorf("site.page_param must be set")
	}
	switch c.Browser.Backend {
	case BrowserChromedp:
		if c.Browser.MaxTabs <= 0 {
			return fmt.Errorf("browser.max_tabs must be > 0")
		}
	case BrowserColly:
	default:
		return fmt.Errorf("browser.backend %q is not supported", c.Browser.Backend)
	}
	if c.Detail.BatchSize <= 0 {
		return fmt.Errorf("detail.batch_size must be > 0")
	}
	if c.Detail.MaxParallel <= 0 {
		return fmt.Errorf("detail.max_parallel must be > 0")
	}
	if c.Detail.ItemTimeout <= 0 {
		return fmt.Errorf("detail.item_timeout must be > 0")
	}
	switch c.Publisher.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_id must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	switch c.Export.Backend {
	case ExportMemory:
	case ExportLocal:
		if c.Export.BaseDir == "" {
			return fmt.Errorf("export.base_dir must be set for the local backend")
		}
	case ExportGCS:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("export.backend %q is not supported", c.Export.Backend)
	}
	return nil
}
