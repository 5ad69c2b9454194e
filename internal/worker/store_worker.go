package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/aws_s3"
	"github.com/DrAndri/webstore-scraper/internal/cache"
	"github.com/DrAndri/webstore-scraper/internal/crawler"
	"github.com/DrAndri/webstore-scraper/internal/model"
)

var ErrStorePanicked = errors.New("store processing panicked")

type StoreCrawler interface {
	Crawl(ctx context.Context, store *model.StoreConfig) (*crawler.Report, error)
}

type FeedDownloader interface {
	Download(ctx context.Context, store *model.StoreConfig) ([]model.ProductSnapshot, error)
}

type HistoryUpdater interface {
	Update(ctx context.Context, store *model.StoreConfig, snapshots []model.ProductSnapshot,
		timestamp time.Time) (*model.StoreUpdateResult, error)
}

// StoreRun is the outcome of processing one store.
type StoreRun struct {
	Store       string
	Skipped     bool
	Snapshots   int
	Crawl       *crawler.Report
	Update      *model.StoreUpdateResult
	ArchiveLink string
	Published   int
	Err         error
}

type StoreWorker struct {
	InputChan  <-chan *model.StoreConfig
	ResultChan chan<- *StoreRun
	OutputChan chan<- *model.SnapshotMessage // nil when publishing is disabled
	Crawler    StoreCrawler
	Feed       FeedDownloader
	History    HistoryUpdater
	S3         aws_s3.BucketClient
	Lock       cache.CrawlLock
	Log        *slog.Logger
	Wg         *sync.WaitGroup
	Now        func() time.Time
}

// Run processes stores from the input channel until it is closed. A failing
// or panicking store is reported and the worker moves on to the next one.
func (w *StoreWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	w.Log.Debug("starting store worker.")

	for store := range w.InputChan {
		run := w.safeProcess(ctx, store)
		if w.ResultChan != nil {
			w.ResultChan <- run
		}
	}
}

func (w *StoreWorker) safeProcess(ctx context.Context, store *model.StoreConfig) (run *StoreRun) {
	run = &StoreRun{Store: store.Name}
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("PANIC!", slog.String("store", store.Name), slog.Any("err", r))
			run.Err = fmt.Errorf("%w: %v", ErrStorePanicked, r)
		}
	}()
	w.process(ctx, store, run)
	return run
}

func (w *StoreWorker) process(ctx context.Context, store *model.StoreConfig, run *StoreRun) {
	log := w.Log.With(slog.String("store", store.Name))

	acquired, err := w.Lock.Acquire(store.Name)
	if err != nil {
		log.Warn("failed to acquire crawl lock. continuing without it.", slog.String("err", err.Error()))
	} else if !acquired {
		log.Info("store is being processed elsewhere. skipping.")
		run.Skipped = true
		return
	} else {
		defer w.Lock.Release(store.Name)
	}

	timestamp := w.now()
	snapshots, err := w.snapshots(ctx, store, run)
	if err != nil {
		log.Error("failed to collect snapshots.", slog.String("type", string(store.CrawlType)),
			slog.String("err", err.Error()))
		run.Err = err
		return
	}
	run.Snapshots = len(snapshots)
	if len(snapshots) == 0 {
		log.Warn("no products found.")
		return
	}

	// the snapshots are complete, so a shutdown from here on still records them
	ctx = context.WithoutCancel(ctx)
	run.ArchiveLink = w.S3.WriteSnapshots(ctx, store.Name, timestamp, snapshots)
	run.Published = w.publish(store, snapshots, timestamp)

	run.Update, err = w.History.Update(ctx, store, snapshots, timestamp)
	if err != nil {
		log.Error("failed to update price history.", slog.String("err", err.Error()))
		run.Err = err
		return
	}
	log.Info("store processed.",
		slog.Int("snapshots", run.Snapshots),
		slog.Int64("new_prices", run.Update.NewPrices),
		slog.Int("published", run.Published),
		slog.String("archive", run.ArchiveLink))
}

func (w *StoreWorker) snapshots(ctx context.Context, store *model.StoreConfig,
	run *StoreRun) ([]model.ProductSnapshot, error) {
	switch store.CrawlType {
	case model.CrawlTypeFeed:
		return w.Feed.Download(ctx, store)
	case model.CrawlTypeCrawler:
		report, err := w.Crawler.Crawl(ctx, store)
		run.Crawl = report
		if err != nil {
			// a cancelled crawl is incomplete and must not move prices
			return nil, err
		}
		return report.Products, nil
	default:
		return nil, fmt.Errorf("%w: unknown crawl type %q", model.ErrInvalidStoreConfig, store.CrawlType)
	}
}

func (w *StoreWorker) publish(store *model.StoreConfig, snapshots []model.ProductSnapshot, ts time.Time) int {
	if w.OutputChan == nil {
		return 0
	}
	for _, s := range snapshots {
		w.OutputChan <- &model.SnapshotMessage{
			Store:     store.Name,
			StoreID:   store.ID,
			Timestamp: ts.UnixMilli(),
			Product:   s,
		}
	}
	return len(snapshots)
}

func (w *StoreWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
