// Package queue holds the outbound messages and drives them through
// delivery: submission validation, bounce/spam gating, handing off to a
// relay agent over a pooled session, retry scheduling with backoff, and
// folding asynchronous per-recipient outcomes (webhook callbacks, parsed
// DSN reports) back into message state.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/smtppool"
)

var (
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outmta_queue_delivery_total",
			Help: "Delivery attempts, by result.",
		},
		[]string{
			"result", // "ok", "blocked", "failed", "exhausted", "resolved"
		},
	)
	metricQueueSize = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "outmta_queue_pending",
			Help: "Messages in the queue that are not in a terminal state.",
		},
		func() float64 {
			// Snapshot, a scrape can race Close setting DB to nil. A query on
			// a database closed after the snapshot errors and reports zero.
			db := DB
			if db == nil {
				return 0
			}
			n, err := bstore.QueryDB[Msg](context.Background(), db).FilterFn(func(m Msg) bool {
				return !m.Status.terminal()
			}).Count()
			if err != nil {
				return 0
			}
			return float64(n)
		},
	)
)

var pkglog = mlog.New("queue")

// MaxFailedCount is the number of transfer failures after which a message
// stays Failed until an operator intervenes.
const MaxFailedCount = 5

// ReservedHeaderPrefix is the header namespace claimed by the engine for
// attempt metadata. Submissions must not use it.
const ReservedHeaderPrefix = "X-OM-"

var (
	// ErrAllResolved is returned by Deliver when no recipient is left to
	// attempt: all are already Sent or Blocked.
	ErrAllResolved = errors.New("all recipients already resolved")

	// ErrNotEligible is returned by Deliver for a message whose status does
	// not allow a delivery attempt, e.g. already Sent, permanently Failed, or
	// held. Force overrides it.
	ErrNotEligible = errors.New("message not eligible for delivery")

	// ErrTokenMismatch is returned when an asynchronous update carries a
	// token that does not equal the stored message token.
	ErrTokenMismatch = errors.New("token does not match message")
)

// Status is the aggregate state of a message.
type Status string

const (
	Pending       Status = "pending"       // Validated, no delivery attempt yet.
	Transferring  Status = "transferring"  // A delivery attempt is in flight.
	Blocked       Status = "blocked"       // All recipients blocked by policy. Terminal unless forced.
	Sent          Status = "sent"          // All recipients sent. Terminal.
	PartiallySent Status = "partially-sent"
	Deferred      Status = "deferred"
	Bounced       Status = "bounced"
	Failed        Status = "failed" // Transfer attempt failed, retried with backoff up to MaxFailedCount.
)

func (s Status) terminal() bool {
	return s == Sent || s == Blocked
}

// RecipientStatus is the per-recipient delivery state. The zero value means
// no outcome is known yet.
type RecipientStatus string

const (
	RecipientBlocked  RecipientStatus = "blocked"
	RecipientDeferred RecipientStatus = "deferred"
	RecipientBounced  RecipientStatus = "bounced"
	RecipientSent     RecipientStatus = "sent"
)

// RecipientKind is the envelope position of a recipient.
type RecipientKind string

const (
	To  RecipientKind = "to"
	Cc  RecipientKind = "cc"
	Bcc RecipientKind = "bcc"
)

// Recipient is one recipient of a queued message. (Kind, Email) pairs are
// unique within a message.
type Recipient struct {
	Kind         RecipientKind
	Email        string // Normalized lower-case address.
	Status       RecipientStatus
	Retries      int
	Response     string // Last response or diagnostic from the remote side.
	ErrorMessage string
	ActionAt     time.Time // When Status was last changed.
}

// Header is one custom header on a submitted message.
type Header struct {
	Name  string
	Value string
}

// Msg is a queued message.
type Msg struct {
	ID    int64
	MsgID string `bstore:"unique,nonzero"` // Public message id, used in envelope ids and webhook payloads.
	Token string `bstore:"nonzero"`        // Correlation secret authenticating asynchronous callbacks.

	Status      Status `bstore:"nonzero,index"`
	Priority    int    // Higher is more urgent.
	FailedCount int
	RetryAfter  time.Time // Zero until the first failure.
	Hold        bool      // Held messages are skipped by the sweep.

	Sender     string `bstore:"nonzero,index"` // Normalized envelope sender.
	Recipients []Recipient
	Headers    []Header // Custom X- headers from the submission.

	// Agent selection criteria, empty means any enabled outbound group.
	IncludeAgents []string
	ExcludeAgents []string
	IncludeGroups []string
	ExcludeGroups []string

	Submitted         time.Time `bstore:"default now"`
	Processed         time.Time // Last time an outcome was folded in.
	TransferStarted   time.Time
	TransferCompleted time.Time

	LastAgent string // Target of the most recent attempt.
	LastError string

	Message []byte `bstore:"nonzero"` // Full composed message, signed before transfer.
}

// HoldRule withholds matching newly submitted messages from delivery. An
// operator adds/removes them and releases the held messages.
type HoldRule struct {
	ID              int64
	Sender          string
	SenderDomain    string
	RecipientDomain string
	All             bool // Matches all messages.
}

func (hr HoldRule) matches(m Msg) bool {
	if hr.All {
		return true
	}
	if hr.Sender != "" && hr.Sender == m.Sender {
		return true
	}
	if hr.SenderDomain != "" && hr.SenderDomain == emailDomain(m.Sender) {
		return true
	}
	if hr.RecipientDomain != "" {
		for _, r := range m.Recipients {
			if hr.RecipientDomain == emailDomain(r.Email) {
				return true
			}
		}
	}
	return false
}

func emailDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// SpamScorer scores a composed message. Higher is more likely spam.
type SpamScorer interface {
	Score(ctx context.Context, message []byte) (float64, error)
}

// Signer signs a message for the sender domain before transfer.
type Signer interface {
	Sign(ctx context.Context, domain string, message []byte) ([]byte, error)
}

// DomainVerifier reports whether a sender domain is verified and enabled
// for sending.
type DomainVerifier interface {
	Verified(ctx context.Context, domain string) (bool, error)
}

// NopScorer scores every message zero.
type NopScorer struct{}

func (NopScorer) Score(ctx context.Context, message []byte) (float64, error) { return 0, nil }

// NopSigner returns the message unchanged.
type NopSigner struct{}

func (NopSigner) Sign(ctx context.Context, domain string, message []byte) ([]byte, error) {
	return message, nil
}

// AcceptAllDomains treats every sender domain as verified.
type AcceptAllDomains struct{}

func (AcceptAllDomains) Verified(ctx context.Context, domain string) (bool, error) {
	return true, nil
}

var DBTypes = []any{Msg{}, HoldRule{}} // Types stored in DB.
var DB *bstore.DB

var (
	pool     *smtppool.Pool
	scorer   SpamScorer
	signer   Signer
	verifier DomainVerifier
)

// Observer is called after an asynchronous update changed a message's
// aggregate status. Optional.
var Observer func(m Msg)

var kick = make(chan struct{}, 1)

// Kick wakes up the delivery sweep loop before its next scheduled run.
func Kick() {
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Kicks returns the channel the sweep loop waits on.
func Kicks() <-chan struct{} {
	return kick
}

// Init opens the queue database and wires in the pool and the external
// collaborators. Nil collaborators get no-op defaults.
func Init(p *smtppool.Pool, sc SpamScorer, si Signer, dv DomainVerifier) error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	qpath := outmta.DataDirPath("queue.db")
	db, err := bstore.Open(outmta.Shutdown, qpath, nil, DBTypes...)
	if err != nil {
		return fmt.Errorf("open queue database: %v", err)
	}
	DB = db
	pool = p
	scorer = sc
	signer = si
	verifier = dv
	if scorer == nil {
		scorer = NopScorer{}
	}
	if signer == nil {
		signer = NopSigner{}
	}
	if verifier == nil {
		verifier = AcceptAllDomains{}
	}
	return nil
}

// Close closes the queue database.
func Close() error {
	err := DB.Close()
	DB = nil
	return err
}

func newToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

func normalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %v", s, err)
	}
	return a.Address, nil
}

// Attachment is submission metadata used for limit checks. The attachment
// bytes themselves are already encoded into the composed message.
type Attachment struct {
	Filename string
	Size     int64
}

// Add validates a submission and queues it as Pending. Validation failures
// are synchronous and nothing is stored. On success m has its ID, MsgID and
// Token set.
func Add(ctx context.Context, m *Msg, attachments []Attachment) error {
	sub := outmta.Conf.Static.Submission

	sender, err := normalizeEmail(m.Sender)
	if err != nil {
		return fmt.Errorf("invalid sender: %v", err)
	}
	m.Sender = sender
	domain := emailDomain(m.Sender)
	ok, err := verifier.Verified(ctx, domain)
	if err != nil {
		return fmt.Errorf("checking sender domain %q: %v", domain, err)
	}
	if !ok {
		return fmt.Errorf("sender domain %q is not verified and enabled for sending", domain)
	}

	if len(m.Recipients) == 0 {
		return fmt.Errorf("message without recipients")
	}
	if len(m.Recipients) > sub.MaxRecipients {
		return fmt.Errorf("%d recipients, only %d allowed", len(m.Recipients), sub.MaxRecipients)
	}
	seen := map[Recipient]bool{}
	for i := range m.Recipients {
		r := &m.Recipients[i]
		switch r.Kind {
		case To, Cc, Bcc:
		default:
			return fmt.Errorf("unknown recipient kind %q", r.Kind)
		}
		email, err := normalizeEmail(r.Email)
		if err != nil {
			return fmt.Errorf("invalid recipient: %v", err)
		}
		r.Email = email
		key := Recipient{Kind: r.Kind, Email: r.Email}
		if seen[key] {
			return fmt.Errorf("duplicate recipient %s %s", r.Kind, r.Email)
		}
		seen[key] = true
	}

	if len(m.Headers) > sub.MaxHeaders {
		return fmt.Errorf("%d custom headers, only %d allowed", len(m.Headers), sub.MaxHeaders)
	}
	for _, h := range m.Headers {
		if !strings.HasPrefix(h.Name, "X-") {
			return fmt.Errorf("custom header %q must start with X-", h.Name)
		}
		if len(h.Name) >= len(ReservedHeaderPrefix) && strings.EqualFold(h.Name[:len(ReservedHeaderPrefix)], ReservedHeaderPrefix) {
			return fmt.Errorf("custom header %q uses the reserved %s namespace", h.Name, ReservedHeaderPrefix)
		}
	}

	if len(attachments) > sub.MaxAttachments {
		return fmt.Errorf("%d attachments, only %d allowed", len(attachments), sub.MaxAttachments)
	}
	var totalSize int64
	for _, a := range attachments {
		if a.Size > sub.MaxAttachmentSize {
			return fmt.Errorf("attachment %q is %d bytes, only %d allowed", a.Filename, a.Size, sub.MaxAttachmentSize)
		}
		totalSize += a.Size
	}
	if totalSize > sub.MaxAttachmentsSize {
		return fmt.Errorf("attachments total %d bytes, only %d allowed", totalSize, sub.MaxAttachmentsSize)
	}
	if int64(len(m.Message)) > sub.MaxMessageSize {
		return fmt.Errorf("message is %d bytes, only %d allowed", len(m.Message), sub.MaxMessageSize)
	}

	m.ID = 0
	m.MsgID = uuid.New().String()
	m.Token = newToken()
	m.Status = Pending
	m.FailedCount = 0
	m.RetryAfter = time.Time{}
	m.Submitted = time.Now()

	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		rules, err := bstore.QueryTx[HoldRule](tx).List()
		if err != nil {
			return fmt.Errorf("listing hold rules: %v", err)
		}
		for _, hr := range rules {
			if hr.matches(*m) {
				m.Hold = true
				break
			}
		}
		return tx.Insert(m)
	})
	if err != nil {
		return fmt.Errorf("queueing message: %v", err)
	}
	pkglog.WithContext(ctx).Debug("message queued", mlog.Field("msgid", m.MsgID), mlog.Field("recipients", len(m.Recipients)), mlog.Field("hold", m.Hold))
	if !m.Hold {
		Kick()
	}
	return nil
}

// updateStatus derives the aggregate message status from the per-recipient
// statuses. The second return value is false when no recipient has an
// outcome yet and the message keeps its current state. Rule order matters:
// all-blocked wins over a bounce, deferred wins over a partial send.
func updateStatus(recipients []Recipient) (Status, bool) {
	var blocked, deferred, bounced, sent int
	for _, r := range recipients {
		switch r.Status {
		case RecipientBlocked:
			blocked++
		case RecipientDeferred:
			deferred++
		case RecipientBounced:
			bounced++
		case RecipientSent:
			sent++
		}
	}
	n := len(recipients)
	switch {
	case blocked == n:
		return Blocked, true
	case deferred > 0:
		return Deferred, true
	case sent == n:
		return Sent, true
	case sent > 0:
		return PartiallySent, true
	case bounced > 0:
		return Bounced, true
	}
	return "", false
}

// outstanding returns the recipients still to be attempted: de-duplicated
// by email, preserving first insertion order, excluding recipients already
// Blocked or Sent.
func outstanding(recipients []Recipient) []string {
	seen := map[string]bool{}
	var l []string
	for _, r := range recipients {
		if r.Status == RecipientBlocked || r.Status == RecipientSent || seen[r.Email] {
			continue
		}
		seen[r.Email] = true
		l = append(l, r.Email)
	}
	return l
}

// MsgByMsgID loads a message by its public id.
func MsgByMsgID(ctx context.Context, msgID string) (Msg, error) {
	return bstore.QueryDB[Msg](ctx, DB).FilterNonzero(Msg{MsgID: msgID}).Get()
}
