package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdesk/chatrouter/internal/engine"
	"github.com/opsdesk/chatrouter/internal/observability"
	"github.com/opsdesk/chatrouter/internal/roster"
)

// Loop is the periodic driver tying the subsystems together. Each cycle runs,
// in order: shift refresh (stale agents must not receive new work), liveness
// eviction (dead sessions must not consume an assignment slot), queue drain.
type Loop struct {
	roster   *roster.Provider
	engine   *engine.Engine
	metrics  *observability.Metrics
	interval time.Duration
	log      zerolog.Logger
}

func New(rp *roster.Provider, eng *engine.Engine, metrics *observability.Metrics, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Loop{
		roster:   rp,
		engine:   eng,
		metrics:  metrics,
		interval: interval,
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Start runs the loop in a goroutine until ctx is cancelled. Cancellation is
// observed during the sleep, so shutdown completes within one interval.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	go func() {
		defer ticker.Stop()
		l.log.Info().Dur("interval", l.interval).Msg("reconciler started")
		for {
			select {
			case <-ctx.Done():
				l.log.Info().Msg("reconciler stopped")
				return
			case <-ticker.C:
				l.RunOnce()
			}
		}
	}()
}

// RunOnce executes a single reconciliation cycle.
func (l *Loop) RunOnce() {
	started := time.Now()

	l.roster.RefreshShiftStatus()
	evicted := l.engine.EvictStale()
	assigned := l.engine.DrainQueue()

	l.metrics.ObserveReconcile(time.Since(started))
	l.log.Debug().
		Int("evicted", len(evicted)).
		Int("assigned", assigned).
		Dur("took", time.Since(started)).
		Msg("reconcile cycle")
}
