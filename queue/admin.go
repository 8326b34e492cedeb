package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/outmta/outmta/mlog"
)

// Filter restricts a queue listing. Zero fields match everything.
type Filter struct {
	Statuses []Status
	Sender   string
	Hold     *bool
	Max      int
}

// List returns queued messages matching the filter, oldest first.
func List(ctx context.Context, f Filter) ([]Msg, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	if len(f.Statuses) > 0 {
		statuses := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = s
		}
		q = q.FilterEqual("Status", statuses...)
	}
	if f.Sender != "" {
		q = q.FilterNonzero(Msg{Sender: f.Sender})
	}
	if f.Hold != nil {
		q = q.FilterEqual("Hold", *f.Hold)
	}
	if f.Max > 0 {
		q = q.Limit(f.Max)
	}
	return q.SortAsc("Submitted").List()
}

// RetryFailed resets a permanently failed message for a fresh round of
// delivery attempts: failure counter and backoff cleared, status Pending.
func RetryFailed(ctx context.Context, id int64) error {
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Msg{ID: id}
		if err := tx.Get(&m); err != nil {
			return fmt.Errorf("loading message: %v", err)
		}
		if m.Status != Failed {
			return fmt.Errorf("message has status %s, only Failed can be reset", m.Status)
		}
		m.Status = Pending
		m.FailedCount = 0
		m.RetryAfter = time.Time{}
		m.LastError = ""
		return tx.Update(&m)
	})
	if err != nil {
		return err
	}
	pkglog.WithContext(ctx).Info("failed message reset for retry", mlog.Field("id", id))
	Kick()
	return nil
}

// ForceDeliver runs a delivery attempt bypassing eligibility and gating,
// also for Blocked and permanently Failed messages.
func ForceDeliver(ctx context.Context, id int64) error {
	return Deliver(ctx, id, true)
}

// HoldSet sets or clears the hold flag of a message. A released message is
// picked up by the next sweep.
func HoldSet(ctx context.Context, id int64, hold bool) error {
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Msg{ID: id}
		if err := tx.Get(&m); err != nil {
			return fmt.Errorf("loading message: %v", err)
		}
		m.Hold = hold
		return tx.Update(&m)
	})
	if err != nil {
		return err
	}
	if !hold {
		Kick()
	}
	return nil
}

// HoldRuleAdd adds a hold rule and holds the matching messages already
// queued in a non-terminal state.
func HoldRuleAdd(ctx context.Context, hr HoldRule) (HoldRule, error) {
	var held int
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		hr.ID = 0
		if err := tx.Insert(&hr); err != nil {
			return err
		}
		q := bstore.QueryTx[Msg](tx).FilterEqual("Hold", false).FilterFn(func(m Msg) bool {
			return !m.Status.terminal() && hr.matches(m)
		})
		n, err := q.UpdateNonzero(Msg{Hold: true})
		held = n
		return err
	})
	if err != nil {
		return HoldRule{}, err
	}
	pkglog.WithContext(ctx).Info("hold rule added", mlog.Field("id", hr.ID), mlog.Field("held", held))
	return hr, nil
}

// HoldRuleList returns all hold rules.
func HoldRuleList(ctx context.Context) ([]HoldRule, error) {
	return bstore.QueryDB[HoldRule](ctx, DB).SortAsc("ID").List()
}

// HoldRuleRemove removes a hold rule. Messages already held stay held,
// release them with HoldSet.
func HoldRuleRemove(ctx context.Context, id int64) error {
	return DB.Delete(ctx, &HoldRule{ID: id})
}
