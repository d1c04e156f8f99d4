package service

import (
	"context"
	"time"

	"securesend/internal/repository"

	"go.uber.org/zap"
)

// Sweeper periodically deletes objects that are expired or out of downloads.
// Access is denied by the lifecycle checks regardless of when it runs; it
// only reclaims storage.
type Sweeper struct {
	svc      *ObjectService
	interval time.Duration
	batch    int
	log      *zap.SugaredLogger
}

func NewSweeper(svc *ObjectService, interval time.Duration, batch int, log *zap.SugaredLogger) *Sweeper {
	if batch <= 0 {
		batch = repository.DefaultReclaimBatch
	}
	return &Sweeper{svc: svc, interval: interval, batch: batch, log: log}
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Infow("sweeper started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Errorw("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce reclaims up to one batch of objects and returns how many were
// deleted. Objects with a live handle or an open stream are skipped and left
// for a later pass; listing pages past them so they cannot starve the rest.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s := w.svc
	now := s.opts.Now()
	s.registry.prune(now)

	var (
		cursor  string
		deleted int
		seen    int
	)
	for deleted < w.batch {
		ids, err := s.objects.ListReclaimable(ctx, now, cursor, w.batch)
		if err != nil {
			return deleted, err
		}
		for _, id := range ids {
			if deleted == w.batch {
				break
			}
			seen++
			ok, err := w.reclaim(ctx, id)
			if err != nil {
				w.log.Warnw("reclaim failed", "object_id", id, "error", err)
				continue
			}
			if ok {
				deleted++
			}
		}
		if len(ids) < w.batch {
			break
		}
		cursor = ids[len(ids)-1]
	}
	if deleted > 0 {
		w.log.Infow("swept objects", "deleted", deleted, "candidates", seen)
	}
	return deleted, nil
}

// reclaim checks pins under the object lock so a reservation granted
// between listing and deleting is honoured.
func (w *Sweeper) reclaim(ctx context.Context, id string) (bool, error) {
	unlock, err := w.svc.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	if w.svc.registry.pinned(id, w.svc.opts.Now()) {
		return false, nil
	}
	return true, w.svc.remove(ctx, id)
}
