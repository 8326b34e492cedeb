package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mjl-/bstore"

	"github.com/outmta/outmta/bounce"
	"github.com/outmta/outmta/dsn"
	"github.com/outmta/outmta/mlog"
)

// StatusUpdate is the payload of a delivery-status webhook callback from a
// relay agent.
type StatusUpdate struct {
	MessageID    string            `json:"message_id"`
	Token        string            `json:"token"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"error_message"`
	Recipients   []RecipientUpdate `json:"recipients"`
}

// RecipientUpdate carries the new per-recipient fields of a StatusUpdate.
type RecipientUpdate struct {
	Email        string          `json:"email"`
	Status       RecipientStatus `json:"status"`
	Retries      int             `json:"retries"`
	Response     string          `json:"response"`
	ErrorMessage string          `json:"error_message"`
	ActionAt     time.Time       `json:"action_at"`
}

// UpdateDeliveryStatus applies an asynchronous status callback to the
// referenced message: per-recipient fields are copied in and the aggregate
// status re-derived. A repeated callback with an unchanged status is a
// no-op, except for Deferred, which the agent may report repeatedly while
// outcomes trickle in.
//
// ErrTokenMismatch when the payload token does not equal the stored one.
func UpdateDeliveryStatus(ctx context.Context, u StatusUpdate) error {
	log := pkglog.WithContext(ctx)

	var changed bool
	var m Msg
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		m, err = bstore.QueryTx[Msg](tx).FilterNonzero(Msg{MsgID: u.MessageID}).Get()
		if err != nil {
			return fmt.Errorf("loading message %q: %w", u.MessageID, err)
		}
		if u.Token != m.Token {
			return fmt.Errorf("%w: message %q", ErrTokenMismatch, u.MessageID)
		}
		if u.Status == m.Status && m.Status != Deferred {
			return nil
		}

		now := time.Now()
		byEmail := map[string]RecipientUpdate{}
		for _, ru := range u.Recipients {
			byEmail[ru.Email] = ru
		}
		for i := range m.Recipients {
			r := &m.Recipients[i]
			ru, ok := byEmail[r.Email]
			if !ok {
				continue
			}
			if ru.Status != "" {
				r.Status = ru.Status
			}
			if ru.Retries > r.Retries {
				r.Retries = ru.Retries
			}
			if ru.Response != "" {
				r.Response = ru.Response
			}
			if ru.ErrorMessage != "" {
				r.ErrorMessage = ru.ErrorMessage
			}
			if !ru.ActionAt.IsZero() {
				r.ActionAt = ru.ActionAt
			} else {
				r.ActionAt = now
			}
		}
		if status, ok := updateStatus(m.Recipients); ok {
			m.Status = status
		} else if u.Status != "" {
			m.Status = u.Status
		}
		if u.ErrorMessage != "" {
			m.LastError = u.ErrorMessage
		}
		m.Processed = now
		changed = true
		return tx.Update(&m)
	})
	if err != nil {
		return err
	}
	if changed {
		log.Debug("delivery status updated", mlog.Field("msgid", m.MsgID), mlog.Field("status", m.Status))
		if Observer != nil {
			Observer(m)
		}
	}
	return nil
}

// ProcessDSN applies a delivery status notification that arrived as inbound
// mail. Best effort: the report references our message through its envelope
// id, recipients found in the report are marked Bounced with the structured
// remote response, their bounce history is extended, and the aggregate
// status re-derived.
//
// The returned error is for the caller to log. It must not fail the
// transaction that delivered the report to us.
func ProcessDSN(ctx context.Context, r io.Reader) error {
	log := pkglog.WithContext(ctx)

	report, err := dsn.Parse(r)
	if err != nil {
		return fmt.Errorf("parsing dsn report: %w", err)
	}
	msgID, token, err := report.QueueReference()
	if err != nil {
		return fmt.Errorf("reading queue reference: %w", err)
	}

	var changed bool
	var applied []dsn.Recipient
	var m Msg
	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		m, err = bstore.QueryTx[Msg](tx).FilterNonzero(Msg{MsgID: msgID}).Get()
		if err != nil {
			return fmt.Errorf("loading message %q: %w", msgID, err)
		}
		if token != m.Token {
			return fmt.Errorf("%w: message %q", ErrTokenMismatch, msgID)
		}

		changed = false
		applied = nil
		now := time.Now()
		for _, outcome := range report.Recipients {
			found := false
			for i := range m.Recipients {
				r := &m.Recipients[i]
				if r.Email != outcome.FinalRecipient {
					continue
				}
				found = true
				if r.Status == RecipientBounced {
					continue
				}
				resp, err := json.Marshal(map[string]string{
					"status":          outcome.Status,
					"diagnostic_code": outcome.DiagnosticCode,
					"remote_mta":      outcome.RemoteMTA,
				})
				if err != nil {
					return fmt.Errorf("marshal response: %v", err)
				}
				r.Status = RecipientBounced
				r.Response = string(resp)
				r.ErrorMessage = outcome.DiagnosticCode
				r.ActionAt = now
				changed = true
				applied = append(applied, outcome)
			}
			if !found {
				log.Info("dsn outcome for unknown recipient", mlog.Field("msgid", msgID), mlog.Field("recipient", outcome.FinalRecipient))
			}
		}
		if !changed {
			return nil
		}
		if status, ok := updateStatus(m.Recipients); ok {
			m.Status = status
		}
		m.Processed = now
		return tx.Update(&m)
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	for _, outcome := range applied {
		// Unscoped: the mailbox itself bounced, so it is blocked for every
		// sender, not just the sender of this message.
		if err := bounce.Add(ctx, outcome.FinalRecipient, "", outcome.DiagnosticCode); err != nil {
			log.Errorx("recording bounce from dsn", err, mlog.Field("recipient", outcome.FinalRecipient))
		}
	}
	log.Info("dsn applied", mlog.Field("msgid", m.MsgID), mlog.Field("status", m.Status), mlog.Field("outcomes", len(applied)))
	if Observer != nil {
		Observer(m)
	}
	return nil
}
