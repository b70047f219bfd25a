// Package metrics has prometheus metrics shared between the protocol
// servers and the queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mint_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the label value for the package a panic occurred in.
type Panic string

const (
	Smtpserver Panic = "smtpserver"
	Imapserver Panic = "imapserver"
	Pop3server Panic = "pop3server"
	Queue      Panic = "queue"
	Store      Panic = "store"
	Smtpclient Panic = "smtpclient"
)

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mint_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",    // submission, imap, pop3
		"variant", // login, plain, user/pass
		"result",  // ok, badcreds, error, aborted
	},
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

var metricAuthenticationRatelimited = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mint_authentication_ratelimited_total",
		Help: "Authentication attempts refused due to earlier failures.",
	},
	[]string{
		"kind", // submission, imap, pop3
	},
)

func AuthenticationRatelimitedInc(kind string) {
	metricAuthenticationRatelimited.WithLabelValues(kind).Inc()
}
