package smtppool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

type fakeSession struct {
	noopErr   error
	closed    bool
	submits   int
	txs       []Tx
	submitErr error
}

func (s *fakeSession) Noop() error  { return s.noopErr }
func (s *fakeSession) Close() error { s.closed = true; return nil }
func (s *fakeSession) Submit(ctx context.Context, tx Tx) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submits++
	s.txs = append(s.txs, tx)
	return nil
}

func testConfig() Config {
	return Config{
		MaxConnections:    2,
		MaxMessages:       3,
		SessionDuration:   time.Hour,
		InactivityTimeout: time.Hour,
	}
}

func testEndpoint() Endpoint {
	return Endpoint{Kind: KindSubmit, Host: "agent1.example.com", Port: 465, Username: "sender@example.com", Password: "secret"}
}

func TestAcquireLimit(t *testing.T) {
	var dialed int
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		dialed++
		return &fakeSession{}, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	c1, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire first")
	c2, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire second")
	tcompare(t, dialed, 2)

	if _, err := pool.Acquire(ctxbg, ep); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("acquire beyond limit: got %v, expected ErrPoolExhausted", err)
	}

	// Another endpoint has its own bucket.
	other := ep
	other.Host = "agent2.example.com"
	c3, err := pool.Acquire(ctxbg, other)
	tcheck(t, err, "acquire for other endpoint")
	pool.Release(c3)

	// Releasing frees a slot for reuse without dialing.
	pool.Release(c1)
	c4, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire after release")
	tcompare(t, dialed, 3)
	tcompare(t, c4, c1)
	pool.Release(c4)
	pool.Release(c2)
}

func TestAcquireConcurrentDial(t *testing.T) {
	firstDialing := make(chan struct{})
	firstRelease := make(chan struct{})
	var dials atomic.Int32
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		if dials.Add(1) == 1 {
			close(firstDialing)
			<-firstRelease
		}
		return &fakeSession{}, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := pool.Acquire(ctxbg, ep)
		if err != nil {
			t.Errorf("acquire with slow dial: %s", err)
			return
		}
		pool.Release(c)
	}()

	// While the first dial hangs in its handshake, the endpoint must still
	// hand out its remaining slot.
	<-firstDialing
	c, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire during slow dial")
	pool.Release(c)

	close(firstRelease)
	wg.Wait()
	tcompare(t, dials.Load(), int32(2))
}

func TestAcquireSkipsDeadIdle(t *testing.T) {
	sessions := []*fakeSession{}
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		s := &fakeSession{}
		sessions = append(sessions, s)
		return s, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	c1, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire")
	pool.Release(c1)

	// Remote hung up while idle: liveness probe fails, a fresh connection is dialed.
	sessions[0].noopErr = fmt.Errorf("connection reset")
	c2, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire with dead idle connection")
	if c2 == c1 {
		t.Fatalf("got dead connection back from pool")
	}
	tcompare(t, sessions[0].closed, true)
	pool.Release(c2)
}

func TestReleaseClosesInvalid(t *testing.T) {
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		return &fakeSession{}, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	c, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire")

	s := c.session.(*fakeSession)
	s.noopErr = fmt.Errorf("connection reset")
	pool.Release(c)
	tcompare(t, s.closed, true)

	// Slot was freed, the endpoint can dial up to the limit again.
	c1, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire after invalid release")
	c2, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire second after invalid release")
	pool.Release(c1)
	pool.Release(c2)
}

func TestMaxMessages(t *testing.T) {
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		return &fakeSession{}, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	c, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire")
	tx := Tx{EnvelopeID: "id:token", From: "sender@example.com", Recipients: []string{"rcpt@example.org"}, Message: []byte("test")}
	for i := 0; i < 3; i++ {
		err := c.Submit(ctxbg, tx)
		tcheck(t, err, "submit")
	}
	s := c.session.(*fakeSession)
	tcompare(t, s.submits, 3)

	// At MaxMessages the connection is no longer returned to the idle queue.
	pool.Release(c)
	tcompare(t, s.closed, true)
}

func TestEvictStale(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = time.Minute
	pool := New(cfg, func(ctx context.Context, ep Endpoint) (Session, error) {
		return &fakeSession{}, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	c, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire")
	s := c.session.(*fakeSession)
	pool.Release(c)

	// Not yet stale.
	pool.EvictStale()
	tcompare(t, s.closed, false)

	// Pretend the connection has been idle beyond the timeout.
	c.lastUsed = time.Now().Add(-2 * time.Minute)
	pool.EvictStale()
	tcompare(t, s.closed, true)

	// And the next acquire dials fresh instead of returning it.
	c2, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire after eviction")
	if c2 == c {
		t.Fatalf("got evicted connection back from pool")
	}
	pool.Release(c2)
}

func TestShutdown(t *testing.T) {
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		return &fakeSession{}, nil
	})

	ep := testEndpoint()
	c1, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire")
	c2, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire second")
	pool.Release(c1)
	s1 := c1.session.(*fakeSession)
	s2 := c2.session.(*fakeSession)

	pool.Shutdown()
	tcompare(t, s1.closed, true)

	if _, err := pool.Acquire(ctxbg, ep); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("acquire after shutdown: got %v, expected ErrPoolClosed", err)
	}

	// In-use connection is closed upon release.
	pool.Release(c2)
	tcompare(t, s2.closed, true)
}

func TestInvalidate(t *testing.T) {
	pool := New(testConfig(), func(ctx context.Context, ep Endpoint) (Session, error) {
		return &fakeSession{}, nil
	})
	defer pool.Shutdown()

	ep := testEndpoint()
	c, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire")
	s := c.session.(*fakeSession)
	pool.Invalidate(c)
	tcompare(t, s.closed, true)

	// Slot is free again.
	c1, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire after invalidate")
	c2, err := pool.Acquire(ctxbg, ep)
	tcheck(t, err, "acquire second after invalidate")
	pool.Release(c1)
	pool.Release(c2)
}
