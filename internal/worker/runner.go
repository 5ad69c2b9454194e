package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/DrAndri/webstore-scraper/internal/persistence"
)

// Runner performs one full pass over every enabled store.
type Runner struct {
	Stores     persistence.StoreStorage
	Template   StoreWorker // channels and wait group are set per pass
	MaxWorkers int
	Log        *slog.Logger
}

// RunOnce loads the enabled stores and processes them with MaxWorkers
// workers. Only a failure to load the stores is returned; per-store failures
// are in the results.
func (r *Runner) RunOnce(ctx context.Context) ([]*StoreRun, error) {
	stores, err := r.Stores.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r.Log.Info("starting run.", slog.Int("stores", len(stores)))

	storeChan := make(chan *model.StoreConfig, len(stores))
	for _, s := range stores {
		storeChan <- s
	}
	close(storeChan)

	resultChan := make(chan *StoreRun, len(stores))
	wg := &sync.WaitGroup{}
	for i := 0; i < min(r.MaxWorkers, max(len(stores), 1)); i++ {
		w := r.Template
		w.InputChan = storeChan
		w.ResultChan = resultChan
		w.Wg = wg
		wg.Add(1)
		go w.Run(ctx)
	}
	wg.Wait()
	close(resultChan)

	runs := make([]*StoreRun, 0, len(stores))
	var failed, skipped int
	for run := range resultChan {
		if run.Err != nil {
			failed++
		}
		if run.Skipped {
			skipped++
		}
		runs = append(runs, run)
	}
	r.Log.Info("run finished.",
		slog.Int("stores", len(stores)),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Duration("duration", time.Since(start)))
	return runs, nil
}

// NextRun returns the first time strictly after now at hour:minute in now's
// location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Schedule calls run once a day at hour:minute until ctx is done.
func Schedule(ctx context.Context, hour, minute int, log *slog.Logger, run func(context.Context)) {
	for {
		next := NextRun(time.Now(), hour, minute)
		log.Info("next run scheduled.", slog.Time("at", next))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			run(ctx)
		}
	}
}
