// Package bounce tracks hard bounces per recipient and blocks further
// delivery attempts for escalating periods.
//
// Each bounce for a recipient increments a counter and extends the time
// until which the recipient is blocked. The block duration grows with the
// bounce count, ending in an effectively permanent block. Records can be
// scoped to a sender, so one sender's bad reputation with a mailbox does
// not block other senders.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/outmta/outmta/metrics"
	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
)

var pkglog = mlog.New("bounce")

var DBTypes = []any{Record{}} // Types stored in DB.
var DB *bstore.DB

// blockDurations maps bounce count (index count-1, capped) to how long the
// recipient stays blocked after the latest bounce. The last entry is an
// effectively permanent block.
var blockDurations = []time.Duration{
	time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
	100 * 365 * 24 * time.Hour,
}

// Record is the bounce history for one recipient, optionally scoped to one
// sender. Sender-scoped records take precedence over global records when
// checking for blocks.
type Record struct {
	ID           int64
	Recipient    string `bstore:"nonzero,index"`
	Sender       string `bstore:"index"` // Empty for a record covering all senders.
	Count        int
	BlockedUntil time.Time
	LastResponse string // SMTP response or DSN diagnostic of the latest bounce.
	LastBounceAt time.Time
	Created      time.Time `bstore:"default now"`
}

// Init opens the bounce database.
func Init() error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	p := outmta.DataDirPath("bounces.db")
	db, err := bstore.Open(outmta.Shutdown, p, nil, DBTypes...)
	if err != nil {
		return fmt.Errorf("open bounce database: %v", err)
	}
	DB = db
	return nil
}

// Close closes the bounce database.
func Close() error {
	err := DB.Close()
	DB = nil
	return err
}

// Add records a bounce for recipient, scoped to sender when non-empty. An
// existing record is incremented, otherwise one is created. The block window
// is recomputed from the new count.
func Add(ctx context.Context, recipient, sender, response string) error {
	now := time.Now()
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Record](tx).FilterNonzero(Record{Recipient: recipient})
		if sender != "" {
			q = q.FilterEqual("Sender", sender)
		} else {
			q = q.FilterEqual("Sender", "")
		}
		r, err := q.Get()
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		if err != nil {
			r = Record{Recipient: recipient, Sender: sender}
			if err := tx.Insert(&r); err != nil {
				return err
			}
		}
		r.Count++
		r.LastResponse = response
		r.LastBounceAt = now
		r.BlockedUntil = now.Add(blockDuration(r.Count))
		return tx.Update(&r)
	})
	if err != nil {
		return fmt.Errorf("recording bounce: %w", err)
	}
	metrics.BounceRecorded()
	pkglog.Info("bounce recorded", mlog.Field("recipient", recipient), mlog.Field("sender", sender))
	return nil
}

func blockDuration(count int) time.Duration {
	i := count - 1
	if i < 0 {
		i = 0
	}
	if i >= len(blockDurations) {
		i = len(blockDurations) - 1
	}
	return blockDurations[i]
}

// IsBlocked reports whether delivery from sender to recipient is currently
// blocked. A record scoped to sender takes precedence over a global record
// for the recipient.
func IsBlocked(ctx context.Context, recipient, sender string) (bool, error) {
	records, err := bstore.QueryDB[Record](ctx, DB).FilterNonzero(Record{Recipient: recipient}).List()
	if err != nil {
		return false, fmt.Errorf("looking up bounce records: %v", err)
	}
	var global, scoped *Record
	for i, r := range records {
		if r.Sender == "" {
			global = &records[i]
		} else if r.Sender == sender {
			scoped = &records[i]
		}
	}
	r := scoped
	if r == nil {
		r = global
	}
	if r == nil {
		return false, nil
	}
	return time.Now().Before(r.BlockedUntil), nil
}

// List returns bounce records, most recent bounce first, for admin
// inspection. A non-empty recipient restricts the result.
func List(ctx context.Context, recipient string) ([]Record, error) {
	q := bstore.QueryDB[Record](ctx, DB)
	if recipient != "" {
		q = q.FilterNonzero(Record{Recipient: recipient})
	}
	return q.SortDesc("LastBounceAt").List()
}

// Remove deletes the bounce record with the given ID, lifting its block.
func Remove(ctx context.Context, id int64) error {
	return DB.Delete(ctx, &Record{ID: id})
}
