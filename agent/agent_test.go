package agent

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/outmta/outmta/outmta-"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestSelect(t *testing.T) {
	outmta.ConfigStaticPath = "../testdata/agent/outmta.conf"
	outmta.Conf.Static.DataDir = "data"
	os.RemoveAll("../testdata/agent/data")
	os.MkdirAll("../testdata/agent/data", 0770)

	err := Init()
	tcheck(t, err, "init")
	defer Close()

	add := func(a Agent) {
		t.Helper()
		tcheck(t, AgentAdd(ctxbg, &a), "add agent")
	}
	add(Agent{Name: "alpha", Enabled: true, Outbound: true, Host: "alpha.relay.example", Port: 465})
	add(Agent{Name: "beta", Enabled: true, Outbound: true, Host: "beta.relay.example", Port: 465})
	add(Agent{Name: "inbound", Enabled: true, Outbound: false, Host: "mx.example", Port: 25})
	add(Agent{Name: "disabled", Enabled: false, Outbound: true, Host: "old.relay.example", Port: 465})

	addg := func(g Group) {
		t.Helper()
		tcheck(t, GroupAdd(ctxbg, &g), "add group")
	}
	addg(Group{Name: "eu", Enabled: true, Outbound: true, Agents: []string{"alpha", "beta"}, Host: "eu.relay.example", Port: 465})
	addg(Group{Name: "us", Enabled: true, Outbound: true, Host: "us.relay.example", Port: 465})
	addg(Group{Name: "staging", Enabled: false, Outbound: true, Host: "staging.relay.example", Port: 465})

	// Include minus exclude leaves exactly one candidate.
	target, err := Select(ctxbg, Criteria{IncludeAgents: []string{"alpha", "beta"}, ExcludeAgents: []string{"beta"}})
	tcheck(t, err, "select with include and exclude")
	if target.Group || target.Name != "alpha" {
		t.Fatalf("got target %v, expected agent alpha", target)
	}

	// Included names must exist and be enabled for outbound.
	_, err = Select(ctxbg, Criteria{IncludeAgents: []string{"nosuch"}})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("got err %v, expected ErrInvalidTarget for unknown agent", err)
	}
	_, err = Select(ctxbg, Criteria{IncludeAgents: []string{"disabled"}})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("got err %v, expected ErrInvalidTarget for disabled agent", err)
	}
	_, err = Select(ctxbg, Criteria{IncludeAgents: []string{"inbound"}})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("got err %v, expected ErrInvalidTarget for inbound-only agent", err)
	}

	// Excluding everything is not an error about the excludes, just an empty set.
	_, err = Select(ctxbg, Criteria{IncludeAgents: []string{"alpha"}, ExcludeAgents: []string{"alpha"}})
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("got err %v, expected ErrNoTarget", err)
	}

	// Agent criteria win over group criteria.
	target, err = Select(ctxbg, Criteria{IncludeAgents: []string{"beta"}, IncludeGroups: []string{"eu"}})
	tcheck(t, err, "select with both agent and group criteria")
	if target.Group || target.Name != "beta" {
		t.Fatalf("got target %v, expected agent beta", target)
	}

	// Group selection.
	target, err = Select(ctxbg, Criteria{IncludeGroups: []string{"us"}})
	tcheck(t, err, "select group")
	if !target.Group || target.Name != "us" || target.Host != "us.relay.example" {
		t.Fatalf("got target %v, expected group us", target)
	}
	_, err = Select(ctxbg, Criteria{IncludeGroups: []string{"staging"}})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("got err %v, expected ErrInvalidTarget for disabled group", err)
	}

	// No criteria at all selects among all enabled outbound groups.
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		target, err = Select(ctxbg, Criteria{})
		tcheck(t, err, "select without criteria")
		if !target.Group {
			t.Fatalf("got agent target %v without criteria, expected group", target)
		}
		seen[target.Name] = true
	}
	if seen["staging"] {
		t.Fatalf("selected disabled group")
	}
	if !seen["eu"] || !seen["us"] {
		t.Fatalf("selection not spread over enabled groups, saw %v", seen)
	}

	// Excluding all groups.
	_, err = Select(ctxbg, Criteria{ExcludeGroups: []string{"eu", "us"}})
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("got err %v, expected ErrNoTarget after excluding all groups", err)
	}
}
