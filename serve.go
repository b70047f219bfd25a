package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/imapserver"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/pipeline"
	"github.com/ibrahimsoriey1/quantummint-sub000/pop3server"
	"github.com/ibrahimsoriey1/quantummint-sub000/queue"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtpserver"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

func cmdServe(c *cmd) {
	c.help = `Start mint, serving SMTP, IMAP and POP3.

Incoming email is accepted over SMTP and delivered through the queue to local
accounts or remote MX hosts. Users read their mail over IMAP or POP3. Stop
with SIGINT or SIGTERM for a graceful shutdown.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	log := c.log

	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	log.Info("starting up",
		slog.String("version", version),
		slog.Any("pid", os.Getpid()),
		slog.Any("hostname", mint.Conf.Static.HostnameDomain))

	store.Switchboard()

	err := queue.Init()
	xcheckf(err, "opening queue database")
	queueDone := make(chan struct{})
	err = queue.Start(dns.StrictResolver{Pkg: "queue"}, queueDone)
	xcheckf(err, "starting queue")

	// Until an external content-security service is configured, ingestion
	// runs with permissive static verdicts.
	err = smtpserver.Listen(pipeline.NewStatic())
	xcheckf(err, "starting smtp listeners")
	err = imapserver.Listen()
	xcheckf(err, "starting imap listeners")
	err = pop3server.Listen()
	xcheckf(err, "starting pop3 listeners")
	listenMetrics(log)

	smtpserver.Serve()
	imapserver.Serve()
	pop3server.Serve()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down, waiting max 3s for deliveries in progress", slog.Any("signal", sig))
	shutdown(log, queueDone)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	}
	os.Exit(1)
}

// listenMetrics starts an HTTP listener serving prometheus metrics for each
// listener that has them enabled.
func listenMetrics(log mlog.Log) {
	for name, l := range mint.Conf.Static.Listeners {
		if !l.Metrics.Enabled {
			continue
		}
		port := config.Port(l.Metrics.Port, 8010)
		for _, ip := range l.IPs {
			addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
			ln, err := net.Listen("tcp", addr)
			xcheckf(err, "listener %q: listen for metrics on %s", name, addr)
			log.Info("listening for metrics", slog.String("listener", name), slog.String("addr", addr))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				err := http.Serve(ln, mux)
				log.Errorx("metrics http server", err, slog.String("addr", addr))
				os.Exit(1)
			}()
		}
	}
}

// shutdown cancels the shutdown context, causing servers to refuse new
// connections and wrap up current ones, and waits briefly for the queue
// scheduler before closing its database.
func shutdown(log mlog.Log, queueDone chan struct{}) {
	mint.ShutdownCancel()

	select {
	case <-queueDone:
		log.Info("queue scheduler stopped")
	case <-time.After(3 * time.Second):
		log.Info("shutting down with deliveries in progress")
	}
	queue.Shutdown()
}
