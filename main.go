// Command outmta is an outbound mail delivery engine. It queues fully
// composed messages, gates them against bounce history and spam policy,
// relays them to downstream agents over pooled authenticated sessions, and
// folds asynchronous delivery outcomes (webhook callbacks, DSN reports) back
// into per-recipient state.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/outmta/outmta/agent"
	"github.com/outmta/outmta/bounce"
	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/queue"
)

var xlog = mlog.New("main")

var version = "(devel)"

const usageText = `usage: outmta [-config path] command [flags] [args]

commands:
  serve                     run the delivery engine
  config test               parse and validate the config file
  config example path       write a commented example config file
  queue list [flags]        list queued messages
  queue hold id             withhold a message from delivery
  queue release id          release a held message
  queue retry id            reset a permanently failed message
  queue force id            deliver now, bypassing gating and eligibility
  agent list                list agents and agent groups
  agent add name host port username password
  group add name host port username password
  bounce list [recipient]   list bounce records
  bounce remove id          remove a bounce record, lifting its block
  version                   print version

The queue, agent and bounce commands operate directly on the databases and
need the serve process to be stopped first.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	os.Exit(2)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xlog.Fatalx(fmt.Sprintf(format, args...), err)
	}
}

func xparseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	xcheckf(err, "parsing id %q", s)
	return id
}

func main() {
	flag.StringVar(&outmta.ConfigStaticPath, "config", envString("OUTMTACONF", "outmta.conf"), "path to the configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cmd := args[0]
	if len(args) >= 2 {
		switch cmd {
		case "config", "queue", "agent", "group", "bounce":
			cmd += " " + args[1]
			args = args[1:]
		}
	}
	args = args[1:]

	switch cmd {
	case "serve":
		serve()
	case "config test":
		outmta.MustLoadConfig()
		fmt.Println("config OK")
	case "config example":
		if len(args) != 1 {
			usage()
		}
		err := outmta.WriteExampleConfig(args[0])
		xcheckf(err, "writing example config")
	case "queue list":
		cmdQueueList(args)
	case "queue hold", "queue release":
		if len(args) != 1 {
			usage()
		}
		withQueueDB(func() {
			err := queue.HoldSet(outmta.Context, xparseID(args[0]), cmd == "queue hold")
			xcheckf(err, "changing hold")
		})
	case "queue retry":
		if len(args) != 1 {
			usage()
		}
		withQueueDB(func() {
			err := queue.RetryFailed(outmta.Context, xparseID(args[0]))
			xcheckf(err, "resetting failed message")
		})
	case "queue force":
		if len(args) != 1 {
			usage()
		}
		cmdQueueForce(xparseID(args[0]))
	case "agent list":
		cmdAgentList()
	case "agent add", "group add":
		if len(args) != 5 {
			usage()
		}
		cmdAgentAdd(cmd == "group add", args)
	case "bounce list":
		cmdBounceList(args)
	case "bounce remove":
		if len(args) != 1 {
			usage()
		}
		outmta.MustLoadConfig()
		err := bounce.Init()
		xcheckf(err, "opening bounce database")
		defer bounce.Close()
		err = bounce.Remove(outmta.Context, xparseID(args[0]))
		xcheckf(err, "removing bounce record")
	case "version":
		fmt.Println("outmta", version)
	default:
		usage()
	}
}

func envString(k, fallback string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fallback
}

// withQueueDB loads the config, opens the queue database without network
// collaborators, runs fn and closes again. For offline admin commands.
func withQueueDB(fn func()) {
	outmta.MustLoadConfig()
	err := queue.Init(nil, nil, nil, nil)
	xcheckf(err, "opening queue database")
	defer queue.Close()
	fn()
}

func cmdQueueList(args []string) {
	fs := flag.NewFlagSet("queue list", flag.ExitOnError)
	var status, sender string
	var max int
	fs.StringVar(&status, "status", "", "only messages with this status, comma-separated for multiple")
	fs.StringVar(&sender, "sender", "", "only messages from this sender")
	fs.IntVar(&max, "n", 100, "maximum number of messages to list")
	fs.Parse(args)

	var f queue.Filter
	f.Sender = sender
	f.Max = max
	if status != "" {
		for _, s := range strings.Split(status, ",") {
			f.Statuses = append(f.Statuses, queue.Status(s))
		}
	}

	withQueueDB(func() {
		msgs, err := queue.List(outmta.Context, f)
		xcheckf(err, "listing queue")
		for _, m := range msgs {
			retry := "-"
			if !m.RetryAfter.IsZero() {
				retry = m.RetryAfter.Format(time.RFC3339)
			}
			hold := ""
			if m.Hold {
				hold = " (hold)"
			}
			fmt.Printf("%d %s %s%s prio %d failures %d retry %s from %s, %d recipients\n", m.ID, m.MsgID, m.Status, hold, m.Priority, m.FailedCount, retry, m.Sender, len(m.Recipients))
			if m.LastError != "" {
				fmt.Printf("\tlast error: %s\n", m.LastError)
			}
		}
	})
}

func cmdQueueForce(id int64) {
	outmta.MustLoadConfig()
	pool, err := newPool()
	xcheckf(err, "constructing connection pool")
	defer pool.Shutdown()
	err = agent.Init()
	xcheckf(err, "opening agent database")
	defer agent.Close()
	err = bounce.Init()
	xcheckf(err, "opening bounce database")
	defer bounce.Close()
	err = queue.Init(pool, nil, nil, nil)
	xcheckf(err, "opening queue database")
	defer queue.Close()

	err = queue.ForceDeliver(outmta.Context, id)
	xcheckf(err, "delivering message")
	fmt.Println("message delivered")
}

func cmdAgentList() {
	outmta.MustLoadConfig()
	err := agent.Init()
	xcheckf(err, "opening agent database")
	defer agent.Close()

	agents, err := agent.AgentList(outmta.Context)
	xcheckf(err, "listing agents")
	groups, err := agent.GroupList(outmta.Context)
	xcheckf(err, "listing agent groups")

	attrs := func(enabled, outbound bool) string {
		var l []string
		if !enabled {
			l = append(l, "disabled")
		}
		if outbound {
			l = append(l, "outbound")
		}
		if len(l) == 0 {
			return ""
		}
		return " (" + strings.Join(l, ", ") + ")"
	}
	for _, a := range agents {
		fmt.Printf("agent %d %s %s:%d%s\n", a.ID, a.Name, a.Host, a.Port, attrs(a.Enabled, a.Outbound))
	}
	for _, g := range groups {
		fmt.Printf("group %d %s %s:%d%s members %s\n", g.ID, g.Name, g.Host, g.Port, attrs(g.Enabled, g.Outbound), strings.Join(g.Agents, ","))
	}
}

func cmdAgentAdd(group bool, args []string) {
	outmta.MustLoadConfig()
	err := agent.Init()
	xcheckf(err, "opening agent database")
	defer agent.Close()

	port, err := strconv.Atoi(args[2])
	xcheckf(err, "parsing port %q", args[2])
	if group {
		err = agent.GroupAdd(outmta.Context, &agent.Group{Name: args[0], Enabled: true, Outbound: true, Host: args[1], Port: port, Username: args[3], Password: args[4]})
	} else {
		err = agent.AgentAdd(outmta.Context, &agent.Agent{Name: args[0], Enabled: true, Outbound: true, Host: args[1], Port: port, Username: args[3], Password: args[4]})
	}
	xcheckf(err, "adding")
}

func cmdBounceList(args []string) {
	outmta.MustLoadConfig()
	err := bounce.Init()
	xcheckf(err, "opening bounce database")
	defer bounce.Close()

	var recipient string
	if len(args) == 1 {
		recipient = args[0]
	}
	records, err := bounce.List(outmta.Context, recipient)
	xcheckf(err, "listing bounce records")
	for _, r := range records {
		sender := r.Sender
		if sender == "" {
			sender = "(any sender)"
		}
		fmt.Printf("%d %s from %s: %d bounces, blocked until %s\n", r.ID, r.Recipient, sender, r.Count, r.BlockedUntil.Format(time.RFC3339))
		if r.LastResponse != "" {
			fmt.Printf("\tlast response: %s\n", r.LastResponse)
		}
	}
}
