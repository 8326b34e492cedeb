package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/emersion/go-imap/client"
)

// FetchSession is the mailbox-pull counterpart of a submission session: an
// authenticated IMAP session to an agent, pooled under KindFetch. The mailbox
// sync job drives the IMAP client directly; the pool only manages liveness
// and reuse.
type FetchSession interface {
	Session
	IMAP() *client.Client
}

// FetchDialer returns a DialFunc establishing authenticated IMAP sessions
// over implicit TLS, for endpoints of KindFetch.
func FetchDialer(dialer ContextDialer) DialFunc {
	return func(ctx context.Context, ep Endpoint) (Session, error) {
		addr := net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial: %v", err)
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: ep.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %v", err)
		}
		c, err := client.New(tlsConn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap greeting: %v", err)
		}
		if err := c.Login(ep.Username, ep.Password); err != nil {
			c.Logout()
			return nil, fmt.Errorf("login: %v", err)
		}
		return &fetchSession{client: c}, nil
	}
}

type fetchSession struct {
	client *client.Client
}

func (s *fetchSession) Noop() error {
	return s.client.Noop()
}

func (s *fetchSession) Close() error {
	return s.client.Logout()
}

func (s *fetchSession) IMAP() *client.Client {
	return s.client
}
