package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/queue"
	"github.com/outmta/outmta/smtppool"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestHandler(t *testing.T) {
	outmta.ConfigStaticPath = "../testdata/webhook/outmta.conf"
	c := &outmta.Conf.Static
	c.DataDir = "data"
	c.Submission.MaxRecipients = 5
	c.Submission.MaxHeaders = 3
	c.Submission.MaxAttachments = 2
	c.Submission.MaxAttachmentSize = 1024
	c.Submission.MaxAttachmentsSize = 1536
	c.Submission.MaxMessageSize = 4096
	os.RemoveAll("../testdata/webhook/data")
	os.MkdirAll("../testdata/webhook/data", 0770)

	pool := smtppool.New(smtppool.Config{MaxConnections: 1, MaxMessages: 1, SessionDuration: time.Minute, InactivityTimeout: time.Minute}, nil)
	err := queue.Init(pool, nil, nil, nil)
	tcheck(t, err, "queue init")
	t.Cleanup(func() { queue.Close() })

	m := queue.Msg{
		Sender:     "sender@example.com",
		Recipients: []queue.Recipient{{Kind: queue.To, Email: "a@remote.example"}},
		Message:    []byte("Subject: hi\r\n\r\nhello\r\n"),
	}
	err = queue.Add(ctxbg, &m, nil)
	tcheck(t, err, "add message")

	h := Handler()
	post := func(body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest("POST", "/webhook/status", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// Malformed JSON is the caller's fault.
	rec := post("{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d for malformed payload, expected 400", rec.Code)
	}

	// A token mismatch is logged but answered 200.
	rec = post(`{"message_id": "` + m.MsgID + `", "token": "wrong", "status": "deferred"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d for token mismatch, expected 200", rec.Code)
	}
	got, err := queue.MsgByMsgID(ctxbg, m.MsgID)
	tcheck(t, err, "load")
	if got.Status != queue.Pending {
		t.Fatalf("message changed by unauthenticated callback: %s", got.Status)
	}

	// An unknown message id is answered 200 as well.
	rec = post(`{"message_id": "nosuch", "token": "x", "status": "sent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d for unknown message, expected 200", rec.Code)
	}

	// A valid callback is applied.
	rec = post(`{"message_id": "` + m.MsgID + `", "token": "` + m.Token + `", "status": "deferred", "recipients": [{"email": "a@remote.example", "status": "deferred", "retries": 1, "response": "451 4.7.1 try again later"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d for valid callback, expected 200", rec.Code)
	}
	got, err = queue.MsgByMsgID(ctxbg, m.MsgID)
	tcheck(t, err, "load")
	if got.Status != queue.Deferred || got.Recipients[0].Status != queue.RecipientDeferred {
		t.Fatalf("callback not applied: %+v", got)
	}

	// Only POST.
	req := httptest.NewRequest("GET", "/webhook/status", nil)
	reqrec := httptest.NewRecorder()
	h.ServeHTTP(reqrec, req)
	if reqrec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d for GET, expected 405", reqrec.Code)
	}
}
