// Package config holds the configuration file definitions for outmta.conf.
//
// The file is in "sconf" format: indentation with tabs only, "#" for comment
// lines, no quoting of values, optional fields can be left out entirely. See
// https://pkg.go.dev/github.com/mjl-/sconf for details.
package config

import (
	"time"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the outmta.conf configuration file. It is read
// once at startup, changes require a restart.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the queue, bounce and agent databases. If this is a relative path, it is relative to the directory of outmta.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtppool, bounce, dsn, webhook)."`
	Hostname         string            `sconf-doc:"Full hostname of this system, used in logging and session handshakes, e.g. mta1.example.com."`

	Pool       Pool       `sconf-doc:"Limits for the pooled connections to relay agents. A pooled connection is reused for multiple messages until it expires."`
	Submission Submission `sconf-doc:"Limits enforced when a composed message is submitted for delivery. Violations fail the submission synchronously."`
	Spam       Spam       `sconf:"optional" sconf-doc:"Outbound spam gating. If absent, no spam check is done before transfer."`
	Scheduler  Scheduler  `sconf-doc:"Periodic delivery sweep behaviour."`

	Fetch Fetch `sconf:"optional" sconf-doc:"Periodic pull of inbound delivery-status reports from an agent mailbox. If absent, delivery outcomes only arrive through the webhook."`

	Webhook struct {
		Address string `sconf-doc:"Address to listen on for inbound delivery-status webhooks, e.g. localhost:8520."`
	} `sconf:"optional" sconf-doc:"Inbound delivery-status webhook listener. If absent, no webhook listener is started."`
	Admin struct {
		Address string `sconf-doc:"Address to listen on for prometheus metrics, e.g. localhost:8521."`
	} `sconf:"optional" sconf-doc:"Admin listener, serving prometheus metrics. If absent, no admin listener is started."`

	CheckInterval time.Duration `sconf:"optional" sconf-doc:"How often the delivery sweep runs. Default 1m."`
}

// Pool configures the connection pool, per (host, port, username) endpoint.
type Pool struct {
	MaxConnections    int           `sconf-doc:"Maximum open connections per endpoint, idle plus in use. Acquiring beyond this limit fails immediately, callers try again on a later sweep."`
	MaxMessages       int           `sconf-doc:"Maximum messages submitted on a single connection before it is replaced."`
	SessionDuration   time.Duration `sconf-doc:"Maximum age of a connection since it was established, e.g. 10m."`
	InactivityTimeout time.Duration `sconf-doc:"Maximum idle time of a pooled connection, e.g. 2m."`
	CleanupInterval   time.Duration `sconf-doc:"How often stale pooled connections are proactively evicted, e.g. 1m."`
	SubmitPort        int           `sconf:"optional" sconf-doc:"Port for outbound submission sessions to relay agents. Default 465 (implicit TLS)."`
	SocksAddress      string        `sconf:"optional" sconf-doc:"If set, outbound connections are dialed through this SOCKS5 proxy address."`
}

// Submission holds the synchronous validation limits.
type Submission struct {
	MaxRecipients      int   `sconf-doc:"Maximum recipients (To, Cc and Bcc combined) per message."`
	MaxHeaders         int   `sconf-doc:"Maximum custom headers per message. Custom headers must start with X- and must not use the reserved X-OM- namespace."`
	MaxAttachments     int   `sconf-doc:"Maximum attachments per message."`
	MaxAttachmentSize  int64 `sconf-doc:"Maximum size of a single attachment in bytes."`
	MaxAttachmentsSize int64 `sconf-doc:"Maximum total size of all attachments in bytes."`
	MaxMessageSize     int64 `sconf-doc:"Maximum size of the full composed message in bytes."`
}

// Fetch configures the periodic mailbox pull for inbound DSN reports.
type Fetch struct {
	Agent    string        `sconf-doc:"Name of the agent whose mailbox holds inbound delivery-status reports."`
	Port     int           `sconf:"optional" sconf-doc:"IMAP port on the agent host. Default 993 (implicit TLS)."`
	Mailbox  string        `sconf:"optional" sconf-doc:"Mailbox to read reports from. Default INBOX."`
	Interval time.Duration `sconf:"optional" sconf-doc:"How often the mailbox is checked. Default 5m."`
}

// Spam configures outbound spam gating before a transfer attempt.
type Spam struct {
	Threshold   float64 `sconf-doc:"Score at or above which a message is considered spam, e.g. 5.0."`
	BlockOnSpam bool    `sconf-doc:"If set, messages scoring at or above Threshold have all recipients blocked and the message is not transferred. If not set, the score is only logged."`
}

// Scheduler configures the periodic delivery sweep.
type Scheduler struct {
	BatchSize           int           `sconf-doc:"Maximum messages attempted per sweep, bounding sweep duration. E.g. 500."`
	StaleTransferAge    time.Duration `sconf-doc:"Messages stuck in Transferring longer than this are re-swept, e.g. 30m. Crash recovery."`
	BreakerFailures     int           `sconf-doc:"Absolute number of failures within one sweep before the circuit breaker may trip, e.g. 50."`
	BreakerFailureRatio float64       `sconf-doc:"Fraction of attempted messages that must have failed, in addition to BreakerFailures, before the sweep is aborted, e.g. 0.33."`
}
