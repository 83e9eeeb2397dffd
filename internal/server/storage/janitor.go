package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"chillchat/internal/server/database"
)

const purgeBatch = 100

// ShareSweeper is the slice of the repository the janitor needs.
type ShareSweeper interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	PurgeableShares(ctx context.Context, cutoff time.Time, limit int) ([]*database.FileShare, error)
	DeleteShare(ctx context.Context, id string) error
}

// Janitor periodically flips expired shares to inactive and removes the
// records and bytes of shares that expired more than the retention window
// ago. Download checks never rely on it having run.
type Janitor struct {
	shares    ShareSweeper
	store     Store
	retention time.Duration
	now       func() time.Time
	cron      *cron.Cron
	log       zerolog.Logger
}

func NewJanitor(shares ShareSweeper, store Store, retention time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		shares:    shares,
		store:     store,
		retention: retention,
		now:       time.Now,
		cron:      cron.New(),
		log:       log.With().Str("component", "janitor").Logger(),
	}
}

// Start schedules Sweep with a cron spec such as "@every 1m" and runs one
// sweep immediately.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor %q: %w", schedule, err)
	}
	j.log.Info().Str("schedule", schedule).Dur("retention", j.retention).Msg("Janitor started")
	j.Sweep(ctx)
	j.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info().Msg("Janitor stopped")
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Deactivated int64
	Purged      int
	Failed      int
}

// Sweep runs one janitor cycle.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := j.now().UTC()

	n, err := j.shares.DeactivateExpired(ctx, now)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to deactivate expired shares")
	}
	res.Deactivated = n

	purgeable, err := j.shares.PurgeableShares(ctx, now.Add(-j.retention), purgeBatch)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to list purgeable shares")
		return res
	}

	for _, share := range purgeable {
		if err := j.store.Delete(ctx, share.ObjectKey); err != nil {
			j.log.Error().Err(err).Str("share_code", share.ShareCode).Msg("Failed to delete share object")
			res.Failed++
			continue
		}
		if err := j.shares.DeleteShare(ctx, share.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			j.log.Error().Err(err).Str("share_code", share.ShareCode).Msg("Failed to delete share record")
			res.Failed++
			continue
		}
		res.Purged++
		j.log.Debug().
			Str("share_code", share.ShareCode).
			Time("expired_at", share.ExpiresAt).
			Msg("Purged share")
	}

	if res.Deactivated > 0 || res.Purged > 0 || res.Failed > 0 {
		j.log.Info().
			Int64("deactivated", res.Deactivated).
			Int("purged", res.Purged).
			Int("failed", res.Failed).
			Msg("Janitor sweep complete")
	}
	return res
}
