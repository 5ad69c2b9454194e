package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrNoConnectionString = errors.New("database connection string is not configured")
	ErrInvalidLimit       = errors.New("crawler limits must be greater than 0")
	ErrInvalidRunTime     = errors.New("daily_run_at must be in HH:MM format")
)

type Config struct {
	Env             string          `mapstructure:"env"`
	LogLevel        string          `mapstructure:"log_level"`
	LogType         string          `mapstructure:"log_type"`
	ServiceName     string          `mapstructure:"service_name"`
	Version         string          `mapstructure:"version"`
	RunOnStartup    bool            `mapstructure:"run_on_startup"`
	DailyRunAt      string          `mapstructure:"daily_run_at"`
	StoresFile      string          `mapstructure:"stores_file"`
	WorkerSettings  *WorkerConfig   `mapstructure:"worker"`
	DbSettings      *DatabaseConfig `mapstructure:"database"`
	CrawlerSettings *CrawlerConfig  `mapstructure:"crawler"`
	HistorySettings *HistoryConfig  `mapstructure:"history"`
	CacheSettings   *CacheConfig    `mapstructure:"cache"`
	KafkaSettings   *KafkaConfig    `mapstructure:"kafka"`
	S3Settings      *S3Config       `mapstructure:"s3"`
}

type WorkerConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql or sqlite
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type CrawlerConfig struct {
	MaxRequestsPerCrawl   int           `mapstructure:"max_requests_per_crawl"`
	MaxRequestsPerMinute  int           `mapstructure:"max_requests_per_minute"`
	MaxRequestRetries     int           `mapstructure:"max_request_retries"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	RequestHandlerTimeout time.Duration `mapstructure:"request_handler_timeout"`
	NavigationTimeout     time.Duration `mapstructure:"navigation_timeout"`
	ProductCheckAttempts  int           `mapstructure:"product_check_attempts"`
	ProductCheckInterval  time.Duration `mapstructure:"product_check_interval"`
	ScrollWait            time.Duration `mapstructure:"scroll_wait"`
	MaxScrolls            int           `mapstructure:"max_scrolls"`
	ClickTimeout          time.Duration `mapstructure:"click_timeout"`
	UserAgent             string        `mapstructure:"user_agent"`
	ChromePath            string        `mapstructure:"chrome_path"`
	Headless              bool          `mapstructure:"headless"`
}

type HistoryConfig struct {
	PriceChangeThreshold time.Duration `mapstructure:"price_change_threshold"`
	Concurrency          int           `mapstructure:"concurrency"`
}

type CacheConfig struct {
	Servers      string        `mapstructure:"servers"`
	CrawlLockTtl time.Duration `mapstructure:"crawl_lock_ttl"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type S3Config struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

func MustLoad() *Config {
	v := viper.New()
	v.AddConfigPath(path.Join("."))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("can't initialize config file.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		slog.Warn("config file not found. Using defaults and environment.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("error unmarshalling viper config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &cfg
}

// setDefaults mirrors the limits the crawler was tuned with. Every key is
// registered so AutomaticEnv can override it even without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "webstore-scraper")
	v.SetDefault("version", "dev")
	v.SetDefault("run_on_startup", false)
	v.SetDefault("daily_run_at", "12:00")
	v.SetDefault("stores_file", "")

	v.SetDefault("worker.max_workers", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.conn_max_lifetime", 3*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("crawler.max_requests_per_crawl", 20000)
	v.SetDefault("crawler.max_requests_per_minute", 30)
	v.SetDefault("crawler.max_request_retries", 3)
	v.SetDefault("crawler.max_concurrency", 4)
	v.SetDefault("crawler.request_handler_timeout", 180*time.Second)
	v.SetDefault("crawler.navigation_timeout", 120*time.Second)
	v.SetDefault("crawler.product_check_attempts", 10)
	v.SetDefault("crawler.product_check_interval", 3*time.Second)
	v.SetDefault("crawler.scroll_wait", 3*time.Second)
	v.SetDefault("crawler.max_scrolls", 10)
	v.SetDefault("crawler.click_timeout", 5*time.Second)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.chrome_path", "")
	v.SetDefault("crawler.headless", true)

	v.SetDefault("history.price_change_threshold", 48*time.Hour)
	v.SetDefault("history.concurrency", 16)

	v.SetDefault("cache.servers", "")
	v.SetDefault("cache.crawl_lock_ttl", 12*time.Hour)

	v.SetDefault("kafka.producer.addr", "")
	v.SetDefault("kafka.producer.write_topic_name", "product-snapshots")
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
	v.SetDefault("kafka.producer.async", false)

	v.SetDefault("s3.aws_access_key", "")
	v.SetDefault("s3.aws_secret_key", "")
	v.SetDefault("s3.aws_base_endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.bucket_name", "")
	v.SetDefault("s3.key_prefix", "snapshots")
}

// Validate reports configuration that must stop the process before any
// network activity.
func (c *Config) Validate() error {
	if c.DbSettings == nil || (c.DbSettings.DSN == "" && c.DbSettings.Host == "") {
		return ErrNoConnectionString
	}
	if c.DbSettings.Driver != "mysql" && c.DbSettings.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.DbSettings.Driver)
	}
	if c.DbSettings.Driver == "sqlite" && c.DbSettings.DSN == "" {
		return ErrNoConnectionString
	}
	cc := c.CrawlerSettings
	if cc == nil || cc.MaxRequestsPerCrawl <= 0 || cc.MaxRequestsPerMinute <= 0 || cc.MaxConcurrency <= 0 ||
		cc.RequestHandlerTimeout <= 0 || cc.NavigationTimeout <= 0 || cc.ProductCheckAttempts <= 0 ||
		cc.ProductCheckInterval <= 0 || cc.ScrollWait <= 0 || cc.ClickTimeout <= 0 || cc.MaxRequestRetries < 0 {
		return ErrInvalidLimit
	}
	if c.HistorySettings == nil || c.HistorySettings.PriceChangeThreshold < 0 || c.HistorySettings.Concurrency <= 0 {
		return ErrInvalidLimit
	}
	if c.WorkerSettings == nil || c.WorkerSettings.MaxWorkers <= 0 {
		return ErrInvalidLimit
	}
	if _, _, err := c.DailyRunTime(); err != nil {
		return err
	}
	return nil
}

// DailyRunTime parses DailyRunAt into hour and minute.
func (c *Config) DailyRunTime() (int, int, error) {
	t, err := time.Parse("15:04", c.DailyRunAt)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRunTime, c.DailyRunAt)
	}
	return t.Hour(), t.Minute(), nil
}
