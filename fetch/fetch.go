// Package fetch pulls inbound delivery-status reports from an agent
// mailbox over IMAP and feeds them to the queue.
//
// Not every relay agent calls our webhook. The fallback is a mailbox on the
// agent where remote MTAs deliver their DSN reports; we read the unseen
// messages on an interval, process each report and mark it seen. The IMAP
// sessions come from the same pool as the submission sessions, under the
// fetch session kind.
package fetch

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"

	"github.com/outmta/outmta/agent"
	"github.com/outmta/outmta/config"
	"github.com/outmta/outmta/metrics"
	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/queue"
	"github.com/outmta/outmta/smtppool"
)

var pkglog = mlog.New("fetch")

// Start checks the configured agent mailbox for delivery-status reports on
// the configured interval, until ctx is done. Errors are logged, the loop
// keeps going.
func Start(ctx context.Context, pool *smtppool.Pool) {
	log := pkglog.WithContext(ctx)
	cfg := outmta.Conf.Static.Fetch
	for {
		if outmta.Sleep(ctx, cfg.Interval) {
			return
		}
		if n, err := Once(ctx, pool); err != nil {
			log.Errorx("fetching delivery-status reports", err)
		} else if n > 0 {
			log.Info("fetched delivery-status reports", mlog.Field("count", n))
		}
	}
}

// Once reads the unseen messages from the report mailbox, processing each as
// a DSN report, best effort. Returns how many messages were handled.
func Once(ctx context.Context, pool *smtppool.Pool) (handled int, rerr error) {
	log := pkglog.WithContext(ctx)
	cfg := outmta.Conf.Static.Fetch

	defer func() {
		x := recover()
		if x != nil {
			log.Error("fetch panic", mlog.Field("panic", x))
			metrics.PanicInc(metrics.Fetch)
			rerr = fmt.Errorf("fetch panic: %v", x)
		}
	}()

	agents, err := agent.AgentList(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing agents: %v", err)
	}
	var a *agent.Agent
	for i := range agents {
		if agents[i].Name == cfg.Agent {
			a = &agents[i]
			break
		}
	}
	if a == nil {
		return 0, fmt.Errorf("report mailbox agent %q not found", cfg.Agent)
	}

	ep := smtppool.Endpoint{
		Kind:     smtppool.KindFetch,
		Host:     a.Host,
		Port:     config.Port(cfg.Port, 993),
		Username: a.Username,
		Password: a.Password,
	}
	conn, err := pool.Acquire(ctx, ep)
	if err != nil {
		return 0, fmt.Errorf("acquiring mailbox session: %w", err)
	}
	fs, ok := conn.Session().(smtppool.FetchSession)
	if !ok {
		pool.Invalidate(conn)
		return 0, fmt.Errorf("session for %s cannot fetch", ep)
	}

	handled, err = drain(ctx, fs, cfg.Mailbox)
	if err != nil {
		pool.Invalidate(conn)
		return handled, err
	}
	pool.Release(conn)
	return handled, nil
}

func drain(ctx context.Context, fs smtppool.FetchSession, mailbox string) (int, error) {
	log := pkglog.WithContext(ctx)
	c := fs.IMAP()

	mbox, err := c.Select(mailbox, false)
	if err != nil {
		return 0, fmt.Errorf("selecting mailbox %q: %v", mailbox, err)
	}
	if mbox.Messages == 0 {
		return 0, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("searching unseen messages: %v", err)
	}
	if len(uids) == 0 {
		return 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	var section imap.BodySectionName
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	handled := 0
	seen := new(imap.SeqSet)
	for msg := range ch {
		body := msg.GetBody(&section)
		if body == nil {
			log.Info("message without body", mlog.Field("uid", msg.Uid))
			continue
		}
		// One bad report must not stop the rest.
		if err := queue.ProcessDSN(ctx, body); err != nil {
			log.Infox("processing report", err, mlog.Field("uid", msg.Uid))
		}
		seen.AddNum(msg.Uid)
		handled++
	}
	if err := <-done; err != nil {
		return handled, fmt.Errorf("fetching messages: %v", err)
	}

	if !seen.Empty() {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(seen, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return handled, fmt.Errorf("marking reports seen: %v", err)
		}
	}
	return handled, nil
}
