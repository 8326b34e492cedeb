package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/proxy"
)

// Dial timeout for establishing a TCP connection to an endpoint. Sessions do
// further i/o with their own deadlines.
const dialTimeout = 30 * time.Second

// ContextDialer establishes TCP connections, possibly through a proxy.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NetDialer returns a dialer for outbound connections, going through the
// SOCKS5 proxy at socksAddress if non-empty.
func NetDialer(socksAddress string) (ContextDialer, error) {
	nd := &net.Dialer{Timeout: dialTimeout}
	if socksAddress == "" {
		return nd, nil
	}
	sd, err := proxy.SOCKS5("tcp", socksAddress, nil, nd)
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %v", err)
	}
	d, ok := sd.(ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer is not a context dialer")
	}
	return d, nil
}

// SubmitDialer returns a DialFunc that establishes authenticated submission
// sessions over implicit TLS, for endpoints of KindSubmit.
func SubmitDialer(dialer ContextDialer, localName string) DialFunc {
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
		client := smtp.NewClient(tlsConn)
		if err := client.Hello(localName); err != nil {
			client.Close()
			return nil, fmt.Errorf("ehlo: %v", err)
		}
		if err := client.Auth(sasl.NewPlainClient("", ep.Username, ep.Password)); err != nil {
			client.Close()
			return nil, fmt.Errorf("authenticate: %v", err)
		}
		return &submitSession{client: client}, nil
	}
}

// submitSession is a live authenticated SMTP submission session.
type submitSession struct {
	client *smtp.Client
}

func (s *submitSession) Noop() error {
	return s.client.Noop()
}

func (s *submitSession) Close() error {
	// Try to part politely, fall back to closing the socket.
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}

// Submit sends one message. The envelope id is passed as ENVID so downstream
// delivery-status reports can reference the originating message, and the
// attempt priority is recorded in a reserved header.
func (s *submitSession) Submit(ctx context.Context, tx Tx) error {
	if err := s.client.Mail(tx.From, &smtp.MailOptions{EnvelopeID: tx.EnvelopeID}); err != nil {
		return fmt.Errorf("mail from: %v", err)
	}
	for _, rcpt := range tx.Recipients {
		if err := s.client.Rcpt(rcpt, &smtp.RcptOptions{}); err != nil {
			return fmt.Errorf("rcpt to %s: %v", rcpt, err)
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("data: %v", err)
	}
	if _, err := fmt.Fprintf(w, "X-OM-Priority: %d\r\n", tx.Priority); err != nil {
		w.Close()
		return fmt.Errorf("writing priority header: %v", err)
	}
	if _, err := w.Write(tx.Message); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %v", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %v", err)
	}
	return nil
}
