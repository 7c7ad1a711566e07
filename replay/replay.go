// Package replay drains the offline action queue against the remote
// salon API. The queue itself never initiates network calls; this
// driver owns the replay loop and the retry policy.
package replay

import (
	"context"
	"time"

	"github.com/salonflow/edge/queue"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultInterval = 30 * time.Second

// Func replays one queued action against the remote API.
// A nil return means the server accepted the action.
type Func func(ctx context.Context, action queue.Action) error

// Policy is the externally configured retry policy. The queue stores a
// retry counter but enforces no limit itself.
type Policy struct {
	// Interval is the pause between drain passes. Defaults to 30s.
	Interval time.Duration
	// MaxRetries is the number of failed attempts after which an
	// action is skipped on subsequent passes. 0 means unlimited.
	MaxRetries int
	// MaxPerSecond paces replay attempts so a large backlog does not
	// hammer a freshly recovered origin. 0 means unpaced.
	MaxPerSecond float64
}

// Driver replays pending actions in order: on success the action is
// marked synced, on failure its retry counter is incremented. Synced
// actions are garbage-collected after every pass.
type Driver struct {
	store   queue.Store
	replay  Func
	policy  Policy
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewDriver creates a replay driver. The global zerolog logger is used
// if logger is nil.
func NewDriver(store queue.Store, fn Func, policy Policy, logger *zerolog.Logger) *Driver {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	if policy.Interval <= 0 {
		policy.Interval = defaultInterval
	}
	var limiter *rate.Limiter
	if policy.MaxPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(policy.MaxPerSecond), 1)
	}
	return &Driver{
		store:   store,
		replay:  fn,
		policy:  policy,
		limiter: limiter,
		log:     log,
	}
}

// Run drains the queue on a timer until the context is canceled.
func (d *Driver) Run(ctx context.Context) {
	d.log.Info().Dur("interval", d.policy.Interval).Msg("Starting replay loop")
	ticker := time.NewTicker(d.policy.Interval)
	defer ticker.Stop()
	for {
		if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("Drain pass failed")
		}
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Stopping replay loop")
			return
		case <-ticker.C:
		}
	}
}

// Drain performs a single replay pass over all pending actions.
// Errors from individual replays are not returned: they increment the
// action's retry counter and the pass moves on. Only store failures
// and context cancellation abort the pass.
func (d *Driver) Drain(ctx context.Context) error {
	pending, err := d.store.Pending()
	if err != nil {
		return err
	}
	for _, action := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.policy.MaxRetries > 0 && action.RetryCount >= d.policy.MaxRetries {
			d.log.Warn().
				Str("id", action.ID).
				Str("type", action.Type).
				Int("retries", action.RetryCount).
				Msg("Skipping action with exhausted retries")
			continue
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := d.replay(ctx, action); err != nil {
			d.log.Warn().Err(err).
				Str("id", action.ID).
				Str("type", action.Type).
				Msg("Replay failed")
			if rerr := d.store.IncrementRetry(action.ID); rerr != nil {
				return rerr
			}
			continue
		}
		d.log.Debug().Str("id", action.ID).Str("type", action.Type).Msg("Action replayed")
		if err := d.store.MarkSynced(action.ID); err != nil {
			return err
		}
	}
	return d.store.ClearSynced()
}
