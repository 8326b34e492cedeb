package dsn

import (
	"strings"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

var sampleDSN = strings.ReplaceAll(`Return-Path: <>
From: Mail Delivery Subsystem <mailer-daemon@remote.example>
To: <sender@example.com>
Subject: Undelivered Mail Returned to Sender
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="9B095B5ADSN"

--9B095B5ADSN
Content-Type: text/plain; charset=us-ascii

Your message could not be delivered to one or more recipients.

--9B095B5ADSN
Content-Type: message/delivery-status

Reporting-MTA: dns; mx1.remote.example
Original-Envelope-Id: 01912f7e-8c3a-7d1e-b7a9-5d2f3a4b5c6d:7f3a9c2e
Arrival-Date: Tue, 25 Aug 2026 09:15:00 +0000

Final-Recipient: rfc822; gone@remote.example
Action: failed
Status: 5.1.1
Remote-MTA: dns; mx1.remote.example
Diagnostic-Code: smtp; 550 5.1.1 <gone@remote.example>: user unknown

Final-Recipient: rfc822; slow@remote.example
Action: delayed
Status: 4.4.1

--9B095B5ADSN
Content-Type: message/rfc822

Subject: original message

--9B095B5ADSN--
`, "\n", "\r\n")

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleDSN))
	tcheck(t, err, "parse dsn")

	if m.ReportingMTA != "mx1.remote.example" {
		t.Fatalf("got reporting mta %q", m.ReportingMTA)
	}
	id, token, err := m.QueueReference()
	tcheck(t, err, "queue reference")
	if id != "01912f7e-8c3a-7d1e-b7a9-5d2f3a4b5c6d" || token != "7f3a9c2e" {
		t.Fatalf("got queue reference %q %q", id, token)
	}
	if m.ArrivalDate.IsZero() {
		t.Fatalf("arrival date not parsed")
	}

	if len(m.Recipients) != 2 {
		t.Fatalf("got %d recipients, expected 2", len(m.Recipients))
	}
	r0 := m.Recipients[0]
	if r0.FinalRecipient != "gone@remote.example" || r0.Action != Failed || r0.Status != "5.1.1" {
		t.Fatalf("unexpected first recipient %+v", r0)
	}
	if r0.DiagnosticCode != "550 5.1.1 <gone@remote.example>: user unknown" {
		t.Fatalf("got diagnostic code %q", r0.DiagnosticCode)
	}
	if r0.RemoteMTA != "mx1.remote.example" {
		t.Fatalf("got remote mta %q", r0.RemoteMTA)
	}
	r1 := m.Recipients[1]
	if r1.FinalRecipient != "slow@remote.example" || r1.Action != Delayed || r1.Status != "4.4.1" {
		t.Fatalf("unexpected second recipient %+v", r1)
	}
	if r1.DiagnosticCode != "" || r1.RemoteMTA != "" {
		t.Fatalf("optional fields set on second recipient %+v", r1)
	}
}

func TestParseErrors(t *testing.T) {
	bad := func(msg, reason string) {
		t.Helper()
		if _, err := Parse(strings.NewReader(msg)); err == nil {
			t.Fatalf("parse did not fail for %s", reason)
		}
	}

	bad("Subject: hi\r\nContent-Type: text/plain\r\n\r\nbody\r\n", "non-report message")
	bad(strings.Replace(sampleDSN, "report-type=delivery-status", "report-type=disposition-notification", 1), "wrong report type")
	bad(strings.Replace(sampleDSN, "Action: failed", "Action: exploded", 1), "unknown action")
	bad(strings.Replace(sampleDSN, "Reporting-MTA: dns; mx1.remote.example\r\n", "", 1), "missing reporting mta")
	bad(strings.Replace(sampleDSN, "Status: 5.1.1\r\n", "", 1), "missing status")
}

func TestQueueReferenceMalformed(t *testing.T) {
	for _, envid := range []string{"", "justanid", ":token", "id:"} {
		m := Message{OriginalEnvelopeID: envid}
		if _, _, err := m.QueueReference(); err == nil {
			t.Fatalf("queue reference for %q did not fail", envid)
		}
	}
}
