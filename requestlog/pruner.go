package requestlog

import (
	"context"
	"fmt"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/EFForg/newsletter-backend/logging"
)

// PruneStore deletes old request log entries.
type PruneStore interface {
	DeleteRequestLogsBefore(context.Context, time.Time) (int64, error)
}

// Pruner regularly removes request log entries older than the retention
// period.
type Pruner struct {
	// Store: Required.
	Store PruneStore
	// Retention: how long entries are kept. Defaults to 365 days.
	Retention time.Duration
	// Interval: optional; time between runs. Defaults to 1 hour.
	Interval time.Duration

	now func() time.Time
}

func (p *Pruner) interval() time.Duration {
	if p.Interval != 0 {
		return p.Interval
	}
	return time.Hour
}

func (p *Pruner) retention() time.Duration {
	if p.Retention != 0 {
		return p.Retention
	}
	return 365 * 24 * time.Hour
}

// Prune runs once and returns how many entries were removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.retention())
	n, err := p.Store.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning request log: %w", err)
	}
	return n, nil
}

// Serve prunes at every interval until ctx is cancelled.
func (p *Pruner) Serve(ctx context.Context) error {
	for {
		n, err := p.Prune(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("request log pruning failed")
			raven.CaptureError(err, nil)
		} else if n > 0 {
			logging.Info().Int64("deleted", n).Msg("pruned request log")
		}
		select {
		case <-time.After(p.interval()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
