package main

import (
	"context"
	golog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outmta/outmta/agent"
	"github.com/outmta/outmta/bounce"
	"github.com/outmta/outmta/fetch"
	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/queue"
	"github.com/outmta/outmta/smtppool"
	"github.com/outmta/outmta/webhook"
)

// newPool constructs the connection pool from the active configuration. The
// dialer hands out submission or mailbox sessions depending on the endpoint
// kind, optionally through a SOCKS5 proxy.
func newPool() (*smtppool.Pool, error) {
	c := outmta.Conf.Static
	dialer, err := smtppool.NetDialer(c.Pool.SocksAddress)
	if err != nil {
		return nil, err
	}
	submit := smtppool.SubmitDialer(dialer, c.Hostname)
	fetchDial := smtppool.FetchDialer(dialer)
	dial := func(ctx context.Context, ep smtppool.Endpoint) (smtppool.Session, error) {
		if ep.Kind == smtppool.KindFetch {
			return fetchDial(ctx, ep)
		}
		return submit(ctx, ep)
	}
	return smtppool.New(smtppool.Config{
		MaxConnections:    c.Pool.MaxConnections,
		MaxMessages:       c.Pool.MaxMessages,
		SessionDuration:   c.Pool.SessionDuration,
		InactivityTimeout: c.Pool.InactivityTimeout,
	}, dial), nil
}

func serve() {
	outmta.MustLoadConfig()
	c := outmta.Conf.Static
	log := mlog.New("serve")
	log.Print("starting up", mlog.Field("version", version), mlog.Field("hostname", c.Hostname))

	pool, err := newPool()
	xcheckf(err, "constructing connection pool")
	err = agent.Init()
	xcheckf(err, "opening agent database")
	err = bounce.Init()
	xcheckf(err, "opening bounce database")
	err = queue.Init(pool, nil, nil, nil)
	xcheckf(err, "opening queue database")

	// The pool does not evict on its own, we own the timer.
	go func() {
		for {
			if outmta.Sleep(outmta.Shutdown, c.Pool.CleanupInterval) {
				return
			}
			pool.EvictStale()
		}
	}()

	go queue.Start(outmta.Shutdown, c.CheckInterval)

	if c.Fetch.Agent != "" {
		go fetch.Start(outmta.Shutdown, pool)
	}

	var servers []*http.Server
	listen := func(name, addr string, handler http.Handler) {
		srv := &http.Server{
			Addr:     addr,
			Handler:  handler,
			ErrorLog: golog.New(mlog.ErrWriter(mlog.New(name), mlog.LevelInfo, "http error"), "", 0),
		}
		servers = append(servers, srv)
		log.Print("listening", mlog.Field("name", name), mlog.Field("address", addr))
		go func() {
			err := srv.ListenAndServe()
			if err != http.ErrServerClosed {
				log.Fatalx("serve "+name, err)
			}
		}()
	}
	if c.Webhook.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/webhook/status", webhook.Handler())
		listen("webhook", c.Webhook.Address, mux)
	}
	if c.Admin.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		listen("admin", c.Admin.Address, mux)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigc
	log.Print("shutting down", mlog.Field("signal", sig))

	outmta.ShutdownCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(ctx)
	}
	pool.Shutdown()
	err = queue.Close()
	log.Check(err, "closing queue database")
	err = bounce.Close()
	log.Check(err, "closing bounce database")
	err = agent.Close()
	log.Check(err, "closing agent database")
	log.Print("shutdown complete")
}
