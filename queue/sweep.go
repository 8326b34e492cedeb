package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/smtppool"
)

var (
	metricSweep = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outmta_queue_sweep_total",
			Help: "Delivery sweeps, by result.",
		},
		[]string{
			"result", // "ok", "aborted"
		},
	)
	metricSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outmta_queue_sweep_duration_seconds",
			Help:    "Duration of one delivery sweep.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
)

// ErrSweepAborted is returned when the circuit breaker tripped: enough
// attempts failed within one sweep that continuing would only hammer a
// broken downstream target. Distinct from all messages failing individually.
var ErrSweepAborted = errors.New("delivery sweep aborted by circuit breaker")

// Sweep runs one delivery pass: it collects eligible messages, orders them,
// and attempts each with Deliver. Eligible are Pending messages, Failed
// messages whose retry time has elapsed, and messages stuck in Transferring
// longer than the stale threshold. Held messages are skipped.
//
// Returns the number of attempted and failed deliveries. Per-message errors
// are contained; only the circuit breaker aborts the sweep.
func Sweep(ctx context.Context) (attempted, failed int, rerr error) {
	log := pkglog.WithContext(ctx)
	sched := outmta.Conf.Static.Scheduler
	start := time.Now()
	defer func() {
		metricSweepDuration.Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	now := time.Now()
	stale := now.Add(-sched.StaleTransferAge)
	msgs, err := bstore.QueryDB[Msg](ctx, DB).FilterFn(func(m Msg) bool {
		if m.Hold {
			return false
		}
		switch m.Status {
		case Pending:
			return true
		case Failed:
			return m.FailedCount < MaxFailedCount && !m.RetryAfter.After(now)
		case Transferring:
			return m.TransferStarted.Before(stale)
		}
		return false
	}).List()
	if err != nil {
		return 0, 0, fmt.Errorf("listing eligible messages: %v", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.FailedCount != b.FailedCount {
			return a.FailedCount < b.FailedCount
		}
		return a.Submitted.Before(b.Submitted)
	})
	if len(msgs) > sched.BatchSize {
		msgs = msgs[:sched.BatchSize]
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return attempted, failed, ctx.Err()
		}

		err := Deliver(ctx, m.ID, false)
		switch {
		case err == nil:
			attempted++
		case errors.Is(err, ErrNotEligible), errors.Is(err, ErrAllResolved):
			// Raced with a concurrent attempt or an asynchronous update.
		case errors.Is(err, smtppool.ErrPoolExhausted):
			// Transient, the message stays queued for the next sweep.
			attempted++
		default:
			attempted++
			failed++
		}

		if failed >= sched.BreakerFailures && float64(failed) > sched.BreakerFailureRatio*float64(attempted) {
			log.Error("sweep aborted, too many failures", mlog.Field("attempted", attempted), mlog.Field("failed", failed))
			metricSweep.WithLabelValues("aborted").Inc()
			return attempted, failed, fmt.Errorf("%w: %d of %d attempts failed", ErrSweepAborted, failed, attempted)
		}
	}

	metricSweep.WithLabelValues("ok").Inc()
	if attempted > 0 {
		log.Debug("sweep done", mlog.Field("attempted", attempted), mlog.Field("failed", failed), mlog.Field("duration", time.Since(start)))
	}
	return attempted, failed, nil
}

// Start runs the periodic delivery sweep until ctx is done, waking early on
// Kick. Sweep errors are logged, the loop keeps going.
func Start(ctx context.Context, interval time.Duration) {
	log := pkglog.WithContext(ctx)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-Kicks():
		}
		if _, _, err := Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorx("delivery sweep", err)
		}
		timer.Reset(interval)
	}
}
