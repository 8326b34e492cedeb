package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"

	"github.com/outmta/outmta/agent"
	"github.com/outmta/outmta/bounce"
	"github.com/outmta/outmta/config"
	"github.com/outmta/outmta/metrics"
	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/smtppool"
)

// retryDelay returns the backoff after the given number of failures:
// failedCount*(failedCount+1) minutes, so 2, 6, 12, 20, 30.
func retryDelay(failedCount int) time.Duration {
	return time.Duration(failedCount*(failedCount+1)) * time.Minute
}

// Deliver runs one delivery attempt for the message: bounce and spam
// gating, agent selection, transfer over a pooled session, and the
// resulting state change.
//
// With force set, gating and eligibility checks are bypassed, for operator
// intervention on Blocked or permanently Failed messages.
//
// ErrNotEligible, ErrAllResolved and smtppool.ErrPoolExhausted leave the
// failure counter untouched. Any other transfer error increments it, sets
// the retry time with backoff, and makes the message permanently Failed at
// MaxFailedCount.
func Deliver(ctx context.Context, id int64, force bool) (rerr error) {
	log := pkglog.WithContext(ctx)

	defer func() {
		x := recover()
		if x != nil {
			log.Error("deliver panic", mlog.Field("panic", x), mlog.Field("id", id))
			debug.PrintStack()
			metrics.PanicInc(metrics.Queue)
			rerr = fmt.Errorf("deliver panic: %v", x)
		}
	}()

	// Claim the message by moving it to Transferring, inside a write
	// transaction so a concurrent attempt sees the claim. Best effort: two
	// processes on distinct database files are not covered.
	var m Msg
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		m = Msg{ID: id}
		if err := tx.Get(&m); err != nil {
			return fmt.Errorf("loading message: %v", err)
		}
		if !force {
			if m.Hold {
				return fmt.Errorf("%w: message is held", ErrNotEligible)
			}
			switch m.Status {
			case Pending, Deferred, PartiallySent, Bounced:
			case Failed:
				if m.FailedCount >= MaxFailedCount {
					return fmt.Errorf("%w: %d failed attempts, operator action required", ErrNotEligible, m.FailedCount)
				}
			case Transferring:
				stale := outmta.Conf.Static.Scheduler.StaleTransferAge
				if time.Since(m.TransferStarted) < stale {
					return fmt.Errorf("%w: transfer already in progress", ErrNotEligible)
				}
				log.Info("re-attempting stale transfer", mlog.Field("msgid", m.MsgID), mlog.Field("started", m.TransferStarted))
			default:
				return fmt.Errorf("%w: status %s", ErrNotEligible, m.Status)
			}
		}
		m.Status = Transferring
		m.TransferStarted = time.Now()
		return tx.Update(&m)
	})
	if err != nil {
		if errors.Is(err, ErrNotEligible) {
			return err
		}
		return fmt.Errorf("claiming message: %w", err)
	}

	if done, err := gate(ctx, &m, force); done || err != nil {
		return err
	}
	if force {
		// An operator override also lifts recipient-level blocks, otherwise
		// a fully blocked message would have nothing left to attempt.
		for i := range m.Recipients {
			r := &m.Recipients[i]
			if r.Status == RecipientBlocked {
				r.Status = ""
				r.ErrorMessage = ""
			}
		}
	}

	rcpts := outstanding(m.Recipients)
	if len(rcpts) == 0 {
		// Nothing left to attempt. Settle the aggregate and report.
		if status, ok := updateStatus(m.Recipients); ok {
			m.Status = status
		} else {
			m.Status = Pending
		}
		if err := store(ctx, &m); err != nil {
			return err
		}
		metricDelivery.WithLabelValues("resolved").Inc()
		return ErrAllResolved
	}

	target, err := agent.Select(ctx, agent.Criteria{
		IncludeAgents: m.IncludeAgents,
		ExcludeAgents: m.ExcludeAgents,
		IncludeGroups: m.IncludeGroups,
		ExcludeGroups: m.ExcludeGroups,
	})
	if err != nil {
		return fail(ctx, &m, fmt.Errorf("selecting delivery target: %w", err))
	}
	m.LastAgent = target.Name

	message, err := signer.Sign(ctx, emailDomain(m.Sender), m.Message)
	if err != nil {
		return fail(ctx, &m, fmt.Errorf("signing message: %w", err))
	}

	ep := smtppool.Endpoint{
		Kind:     smtppool.KindSubmit,
		Host:     target.Host,
		Port:     config.Port(target.Port, outmta.Conf.Static.Pool.SubmitPort),
		Username: target.Username,
		Password: target.Password,
	}
	conn, err := pool.Acquire(ctx, ep)
	if err != nil {
		if errors.Is(err, smtppool.ErrPoolExhausted) {
			// Transient, not a delivery failure. Give the claim back so a
			// later sweep picks the message up again.
			m.Status = Pending
			if m.FailedCount > 0 {
				m.Status = Failed
			}
			if serr := store(ctx, &m); serr != nil {
				return serr
			}
			metricDelivery.WithLabelValues("exhausted").Inc()
			return err
		}
		return fail(ctx, &m, fmt.Errorf("acquiring connection to %s: %w", ep, err))
	}

	err = conn.Submit(ctx, smtppool.Tx{
		EnvelopeID: m.MsgID + ":" + m.Token,
		From:       m.Sender,
		Recipients: rcpts,
		Priority:   m.Priority,
		Message:    message,
	})
	if err != nil {
		pool.Invalidate(conn)
		return fail(ctx, &m, fmt.Errorf("submitting to %s: %w", target.Name, err))
	}
	pool.Release(conn)

	now := time.Now()
	attempted := map[string]bool{}
	for _, email := range rcpts {
		attempted[email] = true
	}
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if !attempted[r.Email] {
			continue
		}
		r.Status = RecipientSent
		r.Retries++
		r.ErrorMessage = ""
		r.ActionAt = now
	}
	if status, ok := updateStatus(m.Recipients); ok {
		m.Status = status
	}
	m.TransferCompleted = now
	m.Processed = now
	m.LastError = ""
	if err := store(ctx, &m); err != nil {
		return err
	}
	metricDelivery.WithLabelValues("ok").Inc()
	log.Info("message transferred", mlog.Field("msgid", m.MsgID), mlog.Field("agent", target.Name), mlog.Field("recipients", len(rcpts)), mlog.Field("status", m.Status))
	return nil
}

// gate applies the bounce blocklist and the spam policy. When it blocks the
// message entirely, it persists the new state and reports done.
func gate(ctx context.Context, m *Msg, force bool) (done bool, rerr error) {
	if force {
		return false, nil
	}
	log := pkglog.WithContext(ctx)
	now := time.Now()

	blocked := 0
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.Status == RecipientBlocked {
			blocked++
			continue
		}
		if r.Status == RecipientSent {
			continue
		}
		isb, err := bounce.IsBlocked(ctx, r.Email, m.Sender)
		if err != nil {
			return false, fail(ctx, m, fmt.Errorf("checking bounce block for %s: %w", r.Email, err))
		}
		if isb {
			r.Status = RecipientBlocked
			r.ErrorMessage = "recipient is temporarily blocked after earlier bounces"
			r.ActionAt = now
			blocked++
		}
	}
	if blocked == len(m.Recipients) {
		m.Status = Blocked
		m.Processed = now
		if err := store(ctx, m); err != nil {
			return false, err
		}
		metricDelivery.WithLabelValues("blocked").Inc()
		log.Info("message blocked, all recipients on the blocklist", mlog.Field("msgid", m.MsgID))
		return true, nil
	}

	spam := outmta.Conf.Static.Spam
	if spam.Threshold > 0 {
		score, err := scorer.Score(ctx, m.Message)
		if err != nil {
			return false, fail(ctx, m, fmt.Errorf("scoring message: %w", err))
		}
		if score >= spam.Threshold {
			log.Info("message scored as spam", mlog.Field("msgid", m.MsgID), mlog.Field("score", score), mlog.Field("threshold", spam.Threshold))
			if spam.BlockOnSpam {
				for i := range m.Recipients {
					r := &m.Recipients[i]
					r.Status = RecipientBlocked
					r.ErrorMessage = fmt.Sprintf("message scored %.1f, at or above the spam threshold", score)
					r.ActionAt = now
				}
				m.Status = Blocked
				m.Processed = now
				if err := store(ctx, m); err != nil {
					return false, err
				}
				metricDelivery.WithLabelValues("blocked").Inc()
				return true, nil
			}
		}
	}
	return false, nil
}

// fail records a transfer failure: failure counter, backoff, Failed status.
func fail(ctx context.Context, m *Msg, err error) error {
	m.FailedCount++
	m.RetryAfter = time.Now().Add(retryDelay(m.FailedCount))
	m.Status = Failed
	m.LastError = err.Error()
	log := pkglog.WithContext(ctx)
	if m.FailedCount >= MaxFailedCount {
		log.Errorx("delivery failed permanently, operator action required", err, mlog.Field("msgid", m.MsgID), mlog.Field("failedcount", m.FailedCount))
	} else {
		log.Infox("delivery failed, will retry", err, mlog.Field("msgid", m.MsgID), mlog.Field("failedcount", m.FailedCount), mlog.Field("retryafter", m.RetryAfter))
	}
	if serr := store(ctx, m); serr != nil {
		return serr
	}
	metricDelivery.WithLabelValues("failed").Inc()
	return err
}

// store writes the delivery outcome back, reloading the record so fields
// changed by an asynchronous update during the attempt are not clobbered
// wholesale. The attempt's own fields win.
func store(ctx context.Context, m *Msg) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		cur := Msg{ID: m.ID}
		if err := tx.Get(&cur); err != nil {
			return fmt.Errorf("reloading message: %v", err)
		}
		cur.Status = m.Status
		cur.FailedCount = m.FailedCount
		cur.RetryAfter = m.RetryAfter
		cur.Recipients = m.Recipients
		cur.Processed = m.Processed
		cur.TransferStarted = m.TransferStarted
		cur.TransferCompleted = m.TransferCompleted
		cur.LastAgent = m.LastAgent
		cur.LastError = m.LastError
		return tx.Update(&cur)
	})
}
