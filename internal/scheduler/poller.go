// Package scheduler implements the background poller that delivers scheduled
// notifications when their time arrives.
//
// The poller wakes on a fixed interval (one minute by default), sweeps stale
// in-flight claims left by interrupted dispatches, then dispatches every
// record whose scheduled time has passed. Each record is processed
// independently; one bad record never blocks the rest of the batch.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"uplift/internal/dispatch"
	"uplift/internal/observability"
	"uplift/internal/types"
)

// NotificationSource abstracts the database operations the poller needs from
// the NotificationRepository. Using an interface allows clean testing without
// database dependencies.
type NotificationSource interface {
	// ListDue returns scheduled records whose scheduled_for is at or before
	// now, oldest first, up to limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Notification, error)
	// SweepStaleClaims force-fails sending-state records whose claim has not
	// been updated since the cutoff, returning how many were swept.
	SweepStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// NotificationDispatcher abstracts the dispatch operation.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, id string) (dispatch.Outcome, error)
	ForceFail(ctx context.Context, id string, reason string)
}

// PollerConfig holds the configuration for creating a Poller.
type PollerConfig struct {
	Source     NotificationSource
	Dispatcher NotificationDispatcher
	Metrics    *observability.Metrics

	// Interval between ticks. Must be positive.
	Interval time.Duration
	// BatchLimit caps the due records processed per tick.
	BatchLimit int
	// StaleClaimAfter is how long a sending-state claim may sit untouched
	// before the sweeper declares the dispatch dead.
	StaleClaimAfter time.Duration

	Clock  types.Clock
	Logger *slog.Logger
}

// Poller delivers due scheduled notifications on a fixed interval.
type Poller struct {
	source     NotificationSource
	dispatcher NotificationDispatcher
	metrics    *observability.Metrics

	interval        time.Duration
	batchLimit      int
	staleClaimAfter time.Duration

	clock  types.Clock
	logger *slog.Logger
}

// NewPoller creates a new Poller with the given configuration.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Poller{
		source:          cfg.Source,
		dispatcher:      cfg.Dispatcher,
		metrics:         cfg.Metrics,
		interval:        cfg.Interval,
		batchLimit:      cfg.BatchLimit,
		staleClaimAfter: cfg.StaleClaimAfter,
		clock:           clock,
		logger:          logger,
	}
}

// Run ticks immediately, then on every interval until the context is
// cancelled. It returns the context's error on shutdown. Tick failures are
// logged, never fatal; the next interval gets a fresh attempt.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "scheduler poller starting",
		"interval", p.interval.String(),
		"batch_limit", p.batchLimit,
	)

	// Startup tick so records that came due while the service was down go
	// out without waiting a full interval.
	p.runTick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "scheduler poller stopping")
			return ctx.Err()
		case <-ticker.C:
			p.runTick(ctx)
		}
	}
}

func (p *Poller) runTick(ctx context.Context) {
	summary, err := p.Tick(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "scheduler tick failed",
			"error", err,
		)
		return
	}
	if summary.Due > 0 || summary.SweptStale > 0 {
		p.logger.InfoContext(ctx, "scheduler tick complete",
			"due", summary.Due,
			"sent", summary.Sent,
			"failed", summary.Failed,
			"swept_stale", summary.SweptStale,
		)
	}
}

// Tick performs one poll cycle: sweep stale claims, then dispatch every due
// record sequentially. A failing record is counted and skipped; only a
// failure to list due records aborts the tick.
func (p *Poller) Tick(ctx context.Context) (types.TickSummary, error) {
	start := p.clock.Now()
	var summary types.TickSummary

	swept, err := p.source.SweepStaleClaims(ctx, start.Add(-p.staleClaimAfter))
	if err != nil {
		// Sweep failures must not block delivery of due records.
		p.logger.ErrorContext(ctx, "stale claim sweep failed",
			"error", err,
		)
	} else if swept > 0 {
		summary.SweptStale = swept
		p.logger.WarnContext(ctx, "swept stale dispatch claims",
			"count", swept,
		)
		if p.metrics != nil {
			p.metrics.StaleClaimsSwept.Add(float64(swept))
		}
	}

	due, err := p.source.ListDue(ctx, start, p.batchLimit)
	if err != nil {
		return summary, fmt.Errorf("listing due notifications: %w", err)
	}
	summary.Due = len(due)

	for _, record := range due {
		outcome := p.dispatchOne(ctx, record)
		switch outcome {
		case types.OutcomeSent:
			summary.Sent++
		case types.OutcomeFailed:
			summary.Failed++
		}
		if p.metrics != nil {
			p.metrics.DispatchOutcomes.WithLabelValues(string(outcome), "scheduler").Inc()
		}
	}

	if p.metrics != nil {
		p.metrics.TickDuration.Observe(p.clock.Now().Sub(start).Seconds())
		p.metrics.TickDue.Observe(float64(summary.Due))
	}

	return summary, nil
}

// dispatchOne dispatches a single due record, containing panics and errors so
// the rest of the batch still goes out. A panicking dispatch force-fails the
// record; leaving it scheduled would make the next tick panic on it again.
func (p *Poller) dispatchOne(ctx context.Context, record *types.Notification) (outcome types.DispatchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "dispatch panicked",
				"notification_id", record.ID,
				"panic", fmt.Sprintf("%v", r),
			)
			p.dispatcher.ForceFail(ctx, record.ID, "dispatch interrupted: internal error")
			outcome = types.OutcomeFailed
		}
	}()

	out, err := p.dispatcher.Dispatch(ctx, record.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to dispatch due notification",
			"notification_id", record.ID,
			"error", err,
		)
		return types.OutcomeFailed
	}

	switch out.Result {
	case types.OutcomeFailed:
		p.logger.WarnContext(ctx, "due notification failed to deliver",
			"notification_id", record.ID,
			"reason", out.Reason,
		)
	case types.OutcomeRefused:
		// Another trigger got there first; not an error.
		p.logger.InfoContext(ctx, "due notification no longer eligible",
			"notification_id", record.ID,
			"reason", out.Reason,
		)
	}

	return out.Result
}
