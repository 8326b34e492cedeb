// Package smtppool maintains bounded pools of authenticated, stateful
// sessions to relay endpoints, for reuse across delivery attempts.
//
// A pool is constructed explicitly and passed to the code that needs it. It
// never blocks waiting for capacity: acquiring beyond the per-endpoint limit
// fails with ErrPoolExhausted and the caller tries again on a later sweep.
// Stale sessions are evicted by EvictStale, driven by a ticker owned by the
// caller, not by the pool itself.
package smtppool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outmta/outmta/mlog"
)

var (
	metricAcquire = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outmta_smtppool_acquire_total",
			Help: "Pool acquires, by result.",
		},
		[]string{
			"result", // "reuse", "dial", "exhausted", "error"
		},
	)
	metricOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outmta_smtppool_open",
			Help: "Open pooled connections, idle plus in use.",
		},
	)
)

// ErrPoolExhausted is returned by Acquire when all slots for an endpoint are
// in use. Transient: the caller must treat it as "try again later", not as a
// delivery failure.
var ErrPoolExhausted = errors.New("connection pool exhausted for endpoint")

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("connection pool is shut down")

// Kind is the type of session kept in the pool.
type Kind string

const (
	KindSubmit Kind = "submit" // Outbound submission to a relay agent.
	KindFetch  Kind = "fetch"  // Mailbox pull from an agent.
)

// Endpoint identifies a pool bucket: sessions are shared only between callers
// using the same kind, host, port and principal.
type Endpoint struct {
	Kind     Kind
	Host     string
	Port     int
	Username string
	Password string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s:%d/%s", e.Kind, e.Host, e.Port, e.Username)
}

type endpointKey struct {
	kind     Kind
	host     string
	port     int
	username string
}

func (e Endpoint) key() endpointKey {
	return endpointKey{e.Kind, e.Host, e.Port, e.Username}
}

// Session is a live protocol session. Implementations are not safe for
// concurrent use; the pool guarantees each session has one owner at a time.
type Session interface {
	// Noop probes liveness with a protocol no-op.
	Noop() error
	// Close ends the session, also when the remote already hung up.
	Close() error
}

// Tx is one submission on a session: envelope metadata plus the signed
// message. The envelope id correlates asynchronous status reports back to the
// originating message.
type Tx struct {
	EnvelopeID string
	From       string
	Recipients []string
	Priority   int
	Message    []byte
}

// SubmitSession is a Session that can transfer messages.
type SubmitSession interface {
	Session
	Submit(ctx context.Context, tx Tx) error
}

// DialFunc establishes and authenticates a new session for an endpoint.
type DialFunc func(ctx context.Context, ep Endpoint) (Session, error)

// Config bounds the lifetime and reuse of pooled connections.
type Config struct {
	MaxConnections    int           // Per endpoint, idle plus in use.
	MaxMessages       int           // Per connection, before replacement.
	SessionDuration   time.Duration // Max age since establishing.
	InactivityTimeout time.Duration // Max idle time.
}

// Conn is a pooled connection. Owned exclusively by the acquiring caller
// until released or invalidated.
type Conn struct {
	Endpoint Endpoint

	session  Session
	created  time.Time
	lastUsed time.Time
	messages int
}

// Session returns the underlying protocol session.
func (c *Conn) Session() Session {
	return c.session
}

// Submit runs one transaction on the connection, which must hold a
// SubmitSession. Message count and idle time are updated on success.
func (c *Conn) Submit(ctx context.Context, tx Tx) error {
	s, ok := c.session.(SubmitSession)
	if !ok {
		return fmt.Errorf("session for %s cannot submit", c.Endpoint)
	}
	if err := s.Submit(ctx, tx); err != nil {
		return err
	}
	c.messages++
	c.lastUsed = time.Now()
	return nil
}

// expired reports whether the connection passed any of its reuse bounds,
// without touching the network.
func (c *Conn) expired(cfg Config, now time.Time) bool {
	return now.Sub(c.created) >= cfg.SessionDuration ||
		now.Sub(c.lastUsed) >= cfg.InactivityTimeout ||
		c.messages >= cfg.MaxMessages
}

// valid reports whether the connection may be reused: within its bounds and
// answering a liveness probe.
func (c *Conn) valid(cfg Config, now time.Time) bool {
	return !c.expired(cfg, now) && c.session.Noop() == nil
}

type endpointPool struct {
	sync.Mutex
	idle []*Conn
	open int // Idle plus in use, bounds dialing.
}

// Pool is a set of per-endpoint connection pools. Construct with New, pass
// around explicitly, call Shutdown on teardown.
type Pool struct {
	cfg  Config
	dial DialFunc
	log  *mlog.Log

	mutex     sync.Mutex
	endpoints map[endpointKey]*endpointPool
	closed    bool
}

// New returns an empty pool using dial for new sessions.
func New(cfg Config, dial DialFunc) *Pool {
	return &Pool{
		cfg:       cfg,
		dial:      dial,
		log:       mlog.New("smtppool"),
		endpoints: map[endpointKey]*endpointPool{},
	}
}

func (p *Pool) endpoint(key endpointKey) (*endpointPool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	ep := p.endpoints[key]
	if ep == nil {
		ep = &endpointPool{}
		p.endpoints[key] = ep
	}
	return ep, nil
}

// Acquire returns a valid connection for the endpoint: a revalidated idle
// connection when available, otherwise a newly dialed one if the endpoint is
// below its connection limit. Fails with ErrPoolExhausted when all slots are
// taken; never blocks waiting for a slot.
func (p *Pool) Acquire(ctx context.Context, endpoint Endpoint) (*Conn, error) {
	ep, err := p.endpoint(endpoint.key())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for {
		ep.Lock()
		if len(ep.idle) == 0 {
			// Lock stays held for the slot reservation below.
			break
		}
		conn := ep.idle[0]
		ep.idle = ep.idle[1:]
		ep.Unlock()

		// The liveness probe does i/o, keep it outside the lock.
		if conn.valid(p.cfg, now) {
			conn.lastUsed = now
			metricAcquire.WithLabelValues("reuse").Inc()
			return conn, nil
		}
		ep.Lock()
		p.discard(ep, conn)
		ep.Unlock()
	}

	if ep.open >= p.cfg.MaxConnections {
		ep.Unlock()
		metricAcquire.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("%w: %s: limit %d", ErrPoolExhausted, endpoint, p.cfg.MaxConnections)
	}

	// Reserve the slot so concurrent acquires see the bound, then dial
	// without the lock: a slow handshake must not serialize the endpoint.
	ep.open++
	ep.Unlock()
	metricOpen.Inc()
	session, err := p.dial(ctx, endpoint)
	if err != nil {
		ep.Lock()
		ep.open--
		ep.Unlock()
		metricOpen.Dec()
		metricAcquire.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	metricAcquire.WithLabelValues("dial").Inc()
	return &Conn{Endpoint: endpoint, session: session, created: now, lastUsed: now}, nil
}

// Release returns a connection to its endpoint's idle queue. The connection
// is revalidated first; connections no longer valid are closed instead.
func (p *Pool) Release(conn *Conn) {
	ep, err := p.endpoint(conn.Endpoint.key())
	if err != nil {
		// Pool was shut down while the connection was in use.
		err := conn.session.Close()
		p.log.Check(err, "closing connection released after pool shutdown", mlog.Field("endpoint", conn.Endpoint))
		return
	}

	// Revalidate before taking the lock, the liveness probe does i/o.
	valid := conn.valid(p.cfg, time.Now())

	ep.Lock()
	defer ep.Unlock()
	if valid {
		ep.idle = append(ep.idle, conn)
		return
	}
	p.discard(ep, conn)
}

// Invalidate closes a connection that failed mid-use, freeing its slot.
func (p *Pool) Invalidate(conn *Conn) {
	ep, err := p.endpoint(conn.Endpoint.key())
	if err != nil {
		err := conn.session.Close()
		p.log.Check(err, "closing connection invalidated after pool shutdown", mlog.Field("endpoint", conn.Endpoint))
		return
	}
	ep.Lock()
	defer ep.Unlock()
	p.discard(ep, conn)
}

// discard closes conn and frees its slot. Caller holds the endpoint lock.
func (p *Pool) discard(ep *endpointPool, conn *Conn) {
	ep.open--
	metricOpen.Dec()
	err := conn.session.Close()
	p.log.Check(err, "closing pooled connection", mlog.Field("endpoint", conn.Endpoint))
}

// EvictStale rebuilds each endpoint's idle queue, keeping only currently
// valid connections. Called periodically by an externally owned ticker, so
// connections expire even when never reacquired.
func (p *Pool) EvictStale() {
	p.mutex.Lock()
	eps := make([]*endpointPool, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.mutex.Unlock()

	now := time.Now()
	for _, ep := range eps {
		// Take the idle queue out so the probes run without the lock. The
		// connections keep counting towards the open bound meanwhile, so a
		// concurrent acquire cannot overshoot it.
		ep.Lock()
		idle := ep.idle
		ep.idle = nil
		ep.Unlock()

		var keep, drop []*Conn
		for _, conn := range idle {
			if conn.valid(p.cfg, now) {
				keep = append(keep, conn)
			} else {
				drop = append(drop, conn)
			}
		}

		ep.Lock()
		ep.idle = append(keep, ep.idle...)
		for _, conn := range drop {
			p.log.Debug("evicting stale pooled connection", mlog.Field("endpoint", conn.Endpoint))
			p.discard(ep, conn)
		}
		ep.Unlock()
	}
}

// Shutdown closes all idle connections and causes future Acquires to fail
// with ErrPoolClosed. Connections currently in use are closed when released.
func (p *Pool) Shutdown() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}
	p.closed = true
	eps := p.endpoints
	p.endpoints = map[endpointKey]*endpointPool{}
	p.mutex.Unlock()

	for _, ep := range eps {
		ep.Lock()
		for _, conn := range ep.idle {
			p.discard(ep, conn)
		}
		ep.idle = nil
		ep.Unlock()
	}
}
