package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/aws_s3"
	"github.com/DrAndri/webstore-scraper/internal/broker"
	"github.com/DrAndri/webstore-scraper/internal/browser"
	cacheClient "github.com/DrAndri/webstore-scraper/internal/cache"
	"github.com/DrAndri/webstore-scraper/internal/crawler"
	"github.com/DrAndri/webstore-scraper/internal/feed"
	"github.com/DrAndri/webstore-scraper/internal/history"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/DrAndri/webstore-scraper/internal/persistence"
	"github.com/DrAndri/webstore-scraper/internal/worker"
	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	_ "modernc.org/sqlite"
)

var (
	cfg       *config.Config
	log       *slog.Logger
	db        *sql.DB
	dialect   persistence.Dialect
	s3        aws_s3.BucketClient
	cache     cacheClient.CrawlLock
	storeRepo *persistence.StoreRepository
	priceRepo *persistence.PriceRepository
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// a missing .env file is fine, the environment and config.yaml still apply
	_ = godotenv.Load()
	cfg = config.MustLoad()
	log = setupLogger()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	hour, minute, _ := cfg.DailyRunTime()

	db = setupDatabase()
	defer closeDatabase()
	setupSchema(ctx)
	storeRepo = persistence.NewStoreRepository(db, dialect, log)
	priceRepo = persistence.NewPriceRepository(db, dialect, log)
	importStores(ctx)

	s3 = setupBucket()
	cache = setupCrawlLock()
	defer cache.Close()
	log.Info("starting application.", slog.String("env", cfg.Env), slog.String("version", cfg.Version))

	var snapshotChan chan *model.SnapshotMessage
	kafkaWg := &sync.WaitGroup{}
	if cfg.KafkaSettings != nil && cfg.KafkaSettings.Producer != nil && cfg.KafkaSettings.Producer.Addr != "" {
		snapshotChan = make(chan *model.SnapshotMessage, 100)
		kafkaWg.Add(1)
		go broker.NewKafkaProducer(kafkaWg, snapshotChan, log, cfg.KafkaSettings.Producer)
	} else {
		log.Info("kafka address is not configured. snapshots will not be published.")
	}

	runner := &worker.Runner{
		Stores: storeRepo,
		Template: worker.StoreWorker{
			OutputChan: snapshotChan,
			Crawler:    crawler.NewCrawler(browser.NewChromeLauncher(cfg.CrawlerSettings, log), cfg.CrawlerSettings, log),
			Feed:       feed.NewDownloader(cfg.CrawlerSettings, log),
			History:    history.NewUpdater(priceRepo, cfg.HistorySettings, log),
			S3:         s3,
			Lock:       cache,
			Log:        log,
		},
		MaxWorkers: cfg.WorkerSettings.MaxWorkers,
		Log:        log,
	}
	run := func(ctx context.Context) {
		if _, err := runner.RunOnce(ctx); err != nil {
			log.Error("run aborted.", slog.String("err", err.Error()))
		}
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if cfg.RunOnStartup {
			run(ctx)
		}
		worker.Schedule(ctx, hour, minute, log, run)
	}()

	// Graceful shutdown.
	// 1. Stop the scheduler by system call. A running pass finishes the stores it has started
	// 2. Close snapshotChan once no worker can write to it
	// 3. Wait till Producer process all messages from snapshotChan and write to kafka
	// 4. Close database and memcached connections
	<-ctx.Done()
	log.Info("stopping service...")
	<-schedulerDone
	if snapshotChan != nil {
		close(snapshotChan)
		log.Info("close snapshotChan.")
	}
	kafkaWg.Wait()
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "warn":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger.With(slog.String("service", cfg.ServiceName))
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...", slog.String("driver", cfg.DbSettings.Driver))
	dialect = persistence.Dialect(cfg.DbSettings.Driver)
	dsn := cfg.DbSettings.DSN
	if dialect == persistence.MySQL && dsn == "" {
		sqlCfg := mysql.Config{
			User:                 cfg.DbSettings.User,
			Passwd:               cfg.DbSettings.Password,
			Net:                  "tcp",
			Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
			DBName:               cfg.DbSettings.Name,
			AllowNativePasswords: true,
			ParseTime:            true,
		}
		dsn = sqlCfg.FormatDSN()
	}
	database, err := sql.Open(string(dialect), dsn)
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	if dialect == persistence.SQLite {
		// one writer at a time avoids SQLITE_BUSY between workers
		database.SetMaxOpenConns(1)
	} else {
		database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
		database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)
	}

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func setupSchema(ctx context.Context) {
	if !cfg.DbSettings.AutoMigrate && dialect != persistence.SQLite {
		return
	}
	log.Info("ensuring database schema.")
	if err := persistence.EnsureSchema(ctx, db, dialect); err != nil {
		log.Error("failed to create database schema.", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func importStores(ctx context.Context) {
	if cfg.StoresFile == "" {
		return
	}
	n, err := storeRepo.Import(ctx, cfg.StoresFile)
	if err != nil {
		log.Error("failed to import stores.", slog.String("file", cfg.StoresFile), slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("stores imported.", slog.Int("count", n))
}

func setupBucket() aws_s3.BucketClient {
	if cfg.S3Settings == nil || cfg.S3Settings.BucketName == "" {
		log.Info("s3 bucket is not configured. snapshots will not be archived.")
		return aws_s3.NopBucketClient{}
	}
	return aws_s3.NewS3BucketClient(cfg.S3Settings, log)
}

func setupCrawlLock() cacheClient.CrawlLock {
	if cfg.CacheSettings == nil || cfg.CacheSettings.Servers == "" {
		log.Info("memcached is not configured. using an in-process crawl lock.")
		return cacheClient.NewLocalLock()
	}
	owner, err := os.Hostname()
	if err != nil {
		owner = cfg.ServiceName
	}
	return cacheClient.NewMemcachedClient(cfg.CacheSettings, owner, log)
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
