package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

// discover ranges over the adapter catalog, upserting series in batches and
// fanning out fetch jobs. A mid-stream error keeps the batches already
// written; the retry re-upserts them idempotently.
func (w *Worker) discover(
	ctx context.Context,
	src crawler.Source,
	adapter source.Adapter,
	logger *zap.Logger,
) (result, error) {
	var res result
	batch := make([]crawler.DiscoveredSeries, 0, w.cfg.DiscoveryBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.withStoreRetry(ctx, "upsert_discovered", func(ctx context.Context) error {
			_, err := w.deps.Series.UpsertDiscovered(ctx, batch)
			return err
		})
		if err != nil {
			return err
		}
		res.discovered += len(batch)
		if err := w.fanOut(ctx, src, batch, &res, logger); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	now := w.deps.Clock.Now()
	for ds, err := range adapter.Discover(ctx, src) {
		if err != nil {
			return res, err
		}
		if ds.Source == "" {
			ds.Source = src.Name
		}
		if ds.UpdatedAt.IsZero() {
			ds.UpdatedAt = now
		}
		batch = append(batch, ds)
		if len(batch) >= w.cfg.DiscoveryBatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
		if w.cfg.MaxDiscovered > 0 && res.discovered+len(batch) >= w.cfg.MaxDiscovered {
			break
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	logger.Info("discovery finished", zap.Int("discovered", res.discovered), zap.Int("enqueued", res.enqueued))
	return res, nil
}

func (w *Worker) fanOut(
	ctx context.Context,
	src crawler.Source,
	batch []crawler.DiscoveredSeries,
	res *result,
	logger *zap.Logger,
) error {
	if w.cfg.SkipFetch {
		return nil
	}
	for _, ds := range batch {
		if w.cfg.FetchLimit > 0 && res.enqueued >= w.cfg.FetchLimit {
			return nil
		}
		req := crawler.EnqueueRequest{
			Kind:     crawler.KindFetch,
			Source:   src.Name,
			SeriesID: ds.ExternalID,
			Priority: crawler.PriorityNormal,
		}
		var created bool
		err := w.withStoreRetry(ctx, "enqueue", func(ctx context.Context) error {
			var err error
			_, created, err = w.deps.Queue.Enqueue(ctx, req)
			return err
		})
		if errors.Is(err, crawler.ErrInvalidItem) {
			logger.Warn("skipping series that cannot be queued", zap.String("external_id", ds.ExternalID), zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		if created {
			res.enqueued++
		}
	}
	return nil
}

// fetch reads observations newer than the stored ones and upserts them.
func (w *Worker) fetch(
	ctx context.Context,
	item crawler.QueueItem,
	src crawler.Source,
	adapter source.Adapter,
	logger *zap.Logger,
) (result, error) {
	var since *time.Time
	err := w.withStoreRetry(ctx, "latest_observation", func(ctx context.Context) error {
		var err error
		since, err = w.deps.Series.LatestObservationDate(ctx, src.Name, item.SeriesID)
		return err
	})
	if err != nil {
		return result{}, err
	}
	obs, err := adapter.Fetch(ctx, src, item.SeriesID, since)
	if err != nil {
		return result{}, err
	}

	var res result
	err = w.withStoreRetry(ctx, "upsert_observations", func(ctx context.Context) error {
		var err error
		res.upsert, err = w.deps.Series.UpsertObservations(ctx, src.Name, item.SeriesID, obs)
		return err
	})
	if err != nil {
		return result{}, err
	}
	metrics.ObserveObservations(src.Name, res.upsert.Inserted, res.upsert.Revisions)
	logger.Debug("observations upserted",
		zap.Int("fetched", len(obs)),
		zap.Int("inserted", res.upsert.Inserted),
		zap.Int("revisions", res.upsert.Revisions),
		zap.Int("unchanged", res.upsert.Unchanged),
	)
	if res.upsert.Changed() {
		w.notify(ctx, item, src, obs, res.upsert, logger)
	}
	return res, nil
}

// notify announces changed data. The rows are already stored, so a publish
// failure is only logged.
func (w *Worker) notify(
	ctx context.Context,
	item crawler.QueueItem,
	src crawler.Source,
	obs []crawler.Observation,
	upsert crawler.UpsertResult,
	logger *zap.Logger,
) {
	if w.deps.Publisher == nil {
		return
	}
	msg := SeriesUpdated{
		Source:       src.Name,
		SeriesID:     item.SeriesID,
		ItemID:       item.ID,
		Observations: upsert.Inserted,
		Revisions:    upsert.Revisions,
		Timestamp:    w.deps.Clock.Now(),
	}
	if len(obs) > 0 {
		msg.LatestDate = obs[len(obs)-1].Date.UTC().Format(time.DateOnly)
	}
	id, err := w.deps.Publisher.Publish(ctx, TopicSeriesUpdated, msg)
	if err != nil {
		logger.Warn("publish series update failed", zap.Error(fmt.Errorf("publish %s: %w", TopicSeriesUpdated, err)))
		return
	}
	logger.Debug("series update published", zap.String("message_id", id))
}
