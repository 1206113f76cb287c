package scheduler

import (
	"context"
	"errors"
	"time"

	measurements "equisync/internal/measurements/domain"
)

// SeriesSyncer is the part of the sync service the sync job drives.
type SeriesSyncer interface {
	Push(ctx context.Context, key measurements.SeriesKey) (int, error)
	PurgeSynced(ctx context.Context, retention time.Duration) (int, error)
}

// SeriesRefresher recomputes and caches a series.
type SeriesRefresher interface {
	Refresh(ctx context.Context, key measurements.SeriesKey) error
}

// RefresherFunc adapts a function to SeriesRefresher.
type RefresherFunc func(ctx context.Context, key measurements.SeriesKey) error

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, key measurements.SeriesKey) error {
	return f(ctx, key)
}

// SyncJob uploads pending readings and warms the series cache for keys.
// A server outage stops the upload phase for the run; the cache is still
// refreshed from the local queue.
func SyncJob(name string, interval time.Duration, syncer SeriesSyncer, refresher SeriesRefresher, keys []measurements.SeriesKey) Job {
	return Job{
		Name:       name,
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			var errs []error
			online := true
			for _, key := range keys {
				if online {
					if _, err := syncer.Push(ctx, key); err != nil {
						if errors.Is(err, measurements.ErrServerUnavailable) {
							online = false
						} else {
							errs = append(errs, err)
						}
					}
				}
				if err := refresher.Refresh(ctx, key); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// PurgeJob drops synced readings older than retention once a day.
func PurgeJob(name, dailyAt string, syncer SeriesSyncer, retention time.Duration) Job {
	return Job{
		Name:    name,
		DailyAt: dailyAt,
		Run: func(ctx context.Context) error {
			_, err := syncer.PurgeSynced(ctx, retention)
			return err
		},
	}
}
