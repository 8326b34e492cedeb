// Package dsn parses incoming delivery status notifications (RFC 3464).
//
// Remote MTAs return DSNs for messages we relayed through an agent. The
// machine-readable part references our queue message through the
// Original-Envelope-Id field and carries per-recipient outcomes that the
// queue folds back into message state.
package dsn

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
)

// Action is the disposition a remote MTA reports for one recipient.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
	Relayed   Action = "relayed"
	Expanded  Action = "expanded"
)

// Recipient is a per-recipient block from the delivery-status part.
type Recipient struct {
	FinalRecipient string // Address, with the "rfc822;" type prefix stripped.
	Action         Action
	Status         string // Enhanced status code, e.g. "5.1.1".
	DiagnosticCode string // Remote SMTP response, with the "smtp;" prefix stripped. Optional.
	RemoteMTA      string // With the "dns;" prefix stripped. Optional.

	Header textproto.MIMEHeader // All fields, including extensions.
}

// Message is the parsed machine-readable content of a DSN.
type Message struct {
	OriginalEnvelopeID string // As transmitted in the original MAIL FROM ENVID.
	ReportingMTA       string
	ArrivalDate        time.Time // Zero when absent.
	Recipients         []Recipient

	MessageHeader textproto.MIMEHeader // Per-message fields, including extensions.
}

// QueueReference splits the Original-Envelope-Id into the queue message id
// and its access token, as set on submission.
func (m *Message) QueueReference() (id, token string, err error) {
	t := strings.SplitN(m.OriginalEnvelopeID, ":", 2)
	if len(t) != 2 || t[0] == "" || t[1] == "" {
		return "", "", fmt.Errorf("malformed original-envelope-id %q, expected id:token", m.OriginalEnvelopeID)
	}
	return t[0], t[1], nil
}

// Parse reads a DSN mail message.
//
// The message must be multipart/report with report-type delivery-status and
// contain a message/delivery-status part. The human-readable part and the
// optional returned original message are ignored.
func Parse(r io.Reader) (*Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %v", err)
	}
	ct, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parsing content-type: %v", err)
	}
	if ct != "multipart/report" {
		return nil, fmt.Errorf(`message has content-type %q, must have "multipart/report"`, ct)
	}
	if rt := strings.ToLower(params["report-type"]); rt != "delivery-status" {
		return nil, fmt.Errorf("report has report-type %q, must have delivery-status", rt)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart message without boundary")
	}

	mr := multipart.NewReader(msg.Body, boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading multipart part: %v", err)
		}
		pct, _, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if err != nil {
			continue
		}
		if pct == "message/delivery-status" || pct == "message/global-delivery-status" {
			return Decode(p)
		}
	}
	return nil, fmt.Errorf("report without message/delivery-status part")
}

// Decode parses the delivery-status part of a DSN: one block of per-message
// fields followed by one or more blocks of per-recipient fields, each block
// in mime header syntax.
func Decode(r io.Reader) (*Message, error) {
	var m Message

	// textproto requires a header section ending in \r\n.
	b := bufio.NewReader(io.MultiReader(r, strings.NewReader("\r\n")))
	tr := textproto.NewReader(b)

	msgh, err := tr.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("reading per-message fields: %v", err)
	}
	for k, l := range msgh {
		if len(l) != 1 {
			return nil, fmt.Errorf("multiple values for %q: %v", k, l)
		}
		v := l[0]
		// Headers are in canonical form, as parsed by textproto.
		switch k {
		case "Original-Envelope-Id":
			m.OriginalEnvelopeID = strings.TrimSpace(v)
		case "Reporting-Mta":
			mta, err := parseTyped(v, "dns")
			if err != nil {
				return nil, fmt.Errorf("parsing reporting-mta: %v", err)
			}
			m.ReportingMTA = mta
		case "Arrival-Date":
			tm, err := mail.ParseDate(v)
			if err != nil {
				return nil, fmt.Errorf("parsing arrival-date: %v", err)
			}
			m.ArrivalDate = tm
		default:
			// Extension field, ignored.
		}
	}
	m.MessageHeader = msgh
	if _, ok := msgh["Reporting-Mta"]; !ok {
		return nil, fmt.Errorf("missing required per-message field Reporting-Mta")
	}

	rh, err := decodeRecipient(tr)
	if err != nil {
		return nil, fmt.Errorf("reading per-recipient fields: %v", err)
	}
	m.Recipients = []Recipient{rh}
	for {
		if _, err := b.Peek(1); err == io.EOF {
			break
		}
		rh, err := decodeRecipient(tr)
		if err != nil {
			return nil, fmt.Errorf("reading another per-recipient block: %v", err)
		}
		m.Recipients = append(m.Recipients, rh)
	}
	return &m, nil
}

func decodeRecipient(tr *textproto.Reader) (Recipient, error) {
	var r Recipient
	h, err := tr.ReadMIMEHeader()
	if err != nil {
		return Recipient{}, err
	}

	for k, l := range h {
		if len(l) != 1 {
			return Recipient{}, fmt.Errorf("multiple values for %q: %v", k, l)
		}
		v := l[0]
		var err error
		switch k {
		case "Final-Recipient":
			r.FinalRecipient, err = parseTyped(v, "rfc822")
		case "Action":
			a := Action(strings.ToLower(strings.TrimSpace(v)))
			switch a {
			case Failed, Delayed, Delivered, Relayed, Expanded:
				r.Action = a
			default:
				err = fmt.Errorf("unrecognized action %q", v)
			}
		case "Status":
			r.Status = strings.TrimSpace(v)
		case "Remote-Mta":
			r.RemoteMTA, err = parseTyped(v, "dns")
		case "Diagnostic-Code":
			r.DiagnosticCode, err = parseTyped(v, "smtp")
		default:
			// Extension field, ignored.
		}
		if err != nil {
			return Recipient{}, fmt.Errorf("parsing field %q %q: %v", k, v, err)
		}
	}

	// Diagnostic-Code and Remote-Mta stay optional: RFC 3464 mandates only
	// these three, and real MTAs omit the rest for delayed notifications.
	for _, req := range []string{"Final-Recipient", "Action", "Status"} {
		if _, ok := h[req]; !ok {
			return Recipient{}, fmt.Errorf("missing required per-recipient field %q", req)
		}
	}
	r.Header = h
	return r, nil
}

// parseTyped splits a "type; value" field and checks the type.
func parseTyped(s, wantType string) (string, error) {
	t := strings.SplitN(s, ";", 2)
	if len(t) != 2 {
		return "", fmt.Errorf("missing semicolon that splits type and value")
	}
	if k := strings.TrimSpace(t[0]); !strings.EqualFold(k, wantType) {
		return "", fmt.Errorf("unknown type %q, expected %q", k, wantType)
	}
	return strings.TrimSpace(t[1]), nil
}
