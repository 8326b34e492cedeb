package bounce

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/outmta/outmta/outmta-"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestBounce(t *testing.T) {
	outmta.ConfigStaticPath = "../testdata/bounce/outmta.conf"
	outmta.Conf.Static.DataDir = "data"
	os.RemoveAll("../testdata/bounce/data")
	os.MkdirAll("../testdata/bounce/data", 0770)

	err := Init()
	tcheck(t, err, "init")
	defer Close()

	blocked := func(recipient, sender string) bool {
		t.Helper()
		v, err := IsBlocked(ctxbg, recipient, sender)
		tcheck(t, err, "isblocked")
		return v
	}

	if blocked("user@example.org", "sender@example.com") {
		t.Fatalf("blocked without any bounce record")
	}

	// First bounce blocks for about an hour.
	err = Add(ctxbg, "user@example.org", "", "550 5.1.1 no such user")
	tcheck(t, err, "add bounce")
	if !blocked("user@example.org", "sender@example.com") {
		t.Fatalf("not blocked after first bounce")
	}
	records, err := List(ctxbg, "user@example.org")
	tcheck(t, err, "list")
	if len(records) != 1 || records[0].Count != 1 {
		t.Fatalf("got records %v, expected one record with count 1", records)
	}
	until := records[0].BlockedUntil
	if d := time.Until(until); d < 55*time.Minute || d > 65*time.Minute {
		t.Fatalf("first block ends in %v, expected about an hour", d)
	}

	// Repeated bounces escalate, capping at an effectively permanent block.
	for i := 0; i < 10; i++ {
		err = Add(ctxbg, "user@example.org", "", "550 5.1.1 no such user")
		tcheck(t, err, "add bounce")
	}
	records, err = List(ctxbg, "user@example.org")
	tcheck(t, err, "list")
	if len(records) != 1 || records[0].Count != 11 {
		t.Fatalf("got records %v, expected one record with count 11", records)
	}
	if d := time.Until(records[0].BlockedUntil); d < 99*365*24*time.Hour {
		t.Fatalf("block after many bounces ends in %v, expected a century", d)
	}

	// A sender-scoped record only blocks that sender, and wins over the
	// global record for its sender.
	err = Add(ctxbg, "shared@example.org", "bulk@example.com", "550 5.7.1 rejected")
	tcheck(t, err, "add scoped bounce")
	if !blocked("shared@example.org", "bulk@example.com") {
		t.Fatalf("scoped sender not blocked")
	}
	if blocked("shared@example.org", "other@example.com") {
		t.Fatalf("unrelated sender blocked by scoped record")
	}

	// Removing the record lifts the block.
	records, err = List(ctxbg, "shared@example.org")
	tcheck(t, err, "list")
	if len(records) != 1 {
		t.Fatalf("got %d records, expected 1", len(records))
	}
	err = Remove(ctxbg, records[0].ID)
	tcheck(t, err, "remove")
	if blocked("shared@example.org", "bulk@example.com") {
		t.Fatalf("still blocked after record removal")
	}
}
