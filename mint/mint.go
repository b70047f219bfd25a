// Package mint has application-global state for the mail engine: the parsed
// configuration, shutdown context, connection ids and shared limiters.
package mint

import (
	"context"
	"time"

	"github.com/ibrahimsoriey1/quantummint-sub000/ratelimit"
)

var (
	// Context for the entire application, e.g. used by database initialization.
	Context context.Context = context.Background()

	// Shutdown is canceled when a graceful shutdown is initiated. SMTP, IMAP
	// and POP3 connections check this before reading their next command.
	Shutdown       context.Context = context.Background()
	ShutdownCancel context.CancelFunc = func() {}
)

// LimiterFailedAuth is a shared limiter for failed authentication attempts
// per remote IP, checked by all protocol servers before serving a
// connection.
var LimiterFailedAuth = &ratelimit.Limiter{
	WindowLimits: []ratelimit.WindowLimit{
		{
			Window: time.Hour,
			Limits: [...]int64{10, 50, 100},
		},
	},
}

// LimitersInitTests raises the failed-auth limits so tests don't trip them.
func LimitersInitTests() {
	LimiterFailedAuth = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Hour,
				Limits: [...]int64{1000, 1000, 1000},
			},
		},
	}
}
