// Package smtpserver implements an SMTP server for submission and incoming
// delivery of email messages. Submission requires authentication and hands
// messages to the delivery queue. Incoming delivery verifies recipients
// against the configured accounts and queues accepted messages for local
// delivery, with verdicts from the content-security pipeline deciding the
// destination mailbox.
package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/metrics"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mintio"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/pipeline"
	"github.com/ibrahimsoriey1/quantummint-sub000/queue"
	"github.com/ibrahimsoriey1/quantummint-sub000/ratelimit"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var pkglog = mlog.New("smtpserver", nil)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mint_smtpserver_connection_total",
			Help: "Incoming SMTP connections.",
		},
		[]string{
			"kind", // smtp, submission
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mint_smtpserver_command_duration_seconds",
			Help:    "SMTP command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{
			"kind", // smtp, submission
			"cmd",
			"code",
			"ecode",
		},
	)
	metricSubmission = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mint_smtpserver_submission_total",
			Help: "SMTP submission of messages, known result values: ok, badmessage, badfrom, sendlimit.",
		},
		[]string{
			"result",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mint_smtpserver_delivery_total",
			Help: "SMTP incoming delivery of messages, known result values: queued, virus, loop, error.",
		},
		[]string{
			"result",
		},
	)
)

var (
	// Delays for bad/suspicious behaviour. Zeroed during tests.
	badClientDelay         = time.Second      // Before reads and after 1-byte writes for clients that behave badly.
	authFailDelay          = time.Second      // Doubled each consecutive failed authentication.
	unknownRecipientsDelay = 5 * time.Second  // Before rejecting a transaction with only unknown recipients.
)

const rcptToLimit = 1000

var limiterConnectionRate, limiterConnections *ratelimit.Limiter

// For delivery rate limiting. Variable because changed during tests.
var limiterConnectionrateWindow = time.Minute

func init() {
	limiterConnectionRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: limiterConnectionrateWindow,
				Limits: [...]int64{300, 900, 2700},
			},
		},
	}
	limiterConnections = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Duration(math.MaxInt64), // All of time.
				Limits: [...]int64{30, 90, 270},
			},
		},
	}
}

// Listen initializes network listeners for the SMTP and submission services
// enabled in the configuration. The pipeline is consulted for connection
// checks and message verdicts. Call Serve to start serving.
func Listen(pipe pipeline.Pipeline) error {
	names := make([]string, 0, len(mint.Conf.Static.Listeners))
	for name := range mint.Conf.Static.Listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		listener := mint.Conf.Static.Listeners[name]

		var tlsConfig *tls.Config
		if listener.TLS != nil {
			tlsConfig = listener.TLS.Config
		}

		hostname := mint.Conf.Static.HostnameDomain

		maxMsgSize := listener.SMTP.MaxMessageSize
		if maxMsgSize == 0 {
			maxMsgSize = config.DefaultMaxMsgSize
		}

		if listener.SMTP.Enabled {
			tlsSMTP := tlsConfig
			if listener.SMTP.NoSTARTTLS {
				tlsSMTP = nil
			}
			port := config.Port(listener.SMTP.Port, 25)
			for _, ip := range listener.IPs {
				if err := listen1("smtp", name, ip, port, hostname, tlsSMTP, pipe, false, false, maxMsgSize, false); err != nil {
					return err
				}
			}
		}
		if listener.Submission.Enabled {
			requireTLSForAuth := !listener.Submission.NoRequireSTARTTLS
			port := config.Port(listener.Submission.Port, 587)
			for _, ip := range listener.IPs {
				if err := listen1("submission", name, ip, port, hostname, tlsConfig, pipe, true, false, maxMsgSize, requireTLSForAuth); err != nil {
					return err
				}
			}
		}
		if listener.SubmissionsTLS.Enabled {
			if tlsConfig == nil {
				return fmt.Errorf("listener %q: submissions service requires tls config", name)
			}
			port := config.Port(listener.SubmissionsTLS.Port, 465)
			for _, ip := range listener.IPs {
				if err := listen1("submissions", name, ip, port, hostname, tlsConfig, pipe, true, true, maxMsgSize, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

var servers []func()

func listen1(protocol, name, ip string, port int, hostname dns.Domain, tlsConfig *tls.Config, pipe pipeline.Pipeline, submission, xtls bool, maxMessageSize int64, requireTLSForAuth bool) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener %q: listen for %s on %s: %w", name, protocol, addr, err)
	}
	pkglog.Info("listening for smtp", slog.String("listener", name), slog.String("protocol", protocol), slog.String("addr", addr))

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				pkglog.Infox("smtp accept", err, slog.String("protocol", protocol), slog.String("listener", name))
				continue
			}
			go serveConn(name, mint.Cid(), hostname, tlsConfig, conn, pipe, submission, xtls, maxMessageSize, requireTLSForAuth)
		}
	}
	servers = append(servers, serve)
	return nil
}

// Serve starts serving on the initialized listeners.
func Serve() {
	for _, serve := range servers {
		go serve()
	}
	servers = nil
}

type conn struct {
	cid int64

	// OrigConn is the original (TCP) connection. We'll read from/write to conn,
	// which can be wrapped in a tls.Server.
	origConn net.Conn
	conn     net.Conn

	tls     bool
	r       *bufio.Reader
	w       *bufio.Writer
	tr      *mintio.TraceReader
	tw      *mintio.TraceWriter
	slow    bool      // If set, reads are done with a 1 second sleep, and writes are done 1 byte at a time, to keep spammers busy.
	lastlog time.Time // Used for printing the delta time since the previous logging for this connection.

	submission        bool // Submission (with authentication) or incoming delivery.
	pipe              pipeline.Pipeline
	tlsConfig         *tls.Config
	localIP, remoteIP net.IP
	hostname          dns.Domain
	log               mlog.Log
	maxMessageSize    int64
	requireTLSForAuth bool

	cmd      string    // Current command.
	cmdStart time.Time // Start of current command.
	ncmds    int       // Number of commands processed. Used to abort connections when the first command is unknown/invalid.
	deadline time.Time // Read deadline for the entire current command.

	authFailed int // Number of failed authentication attempts. For slowing down remote with many failures.

	hello dns.IPDomain // Claimed remote name. Can be ip address for ehlo.
	ehlo  bool         // If set, we had EHLO instead of HELO.

	username string         // Only when authenticated.
	account  *store.Account // Only when authenticated.

	// Reset for each message.
	transactionGood, transactionBad int

	mailFrom    *smtp.Path    // Sender (envelope) of the message.
	has8bitmime bool          // If MAIL FROM parameter BODY=8BITMIME was sent. Required for SMTPUTF8.
	smtputf8    bool          // todo future: we should keep track of this per recipient. perhaps only a specific recipient requires smtputf8?
	msgsmtputf8 bool          // Whether the message requires use of SMTPUTF8.
	spf         pipeline.SPF  // SPF verdict for the envelope sender, recorded at MAIL FROM for incoming delivery.
	recipients  []recipient
}

type rcptAccount struct {
	accountName string
	destination config.Destination
	canonical   string // Address as addressed to account, with localpart lower-cased.
}

type recipient struct {
	addr smtp.Path

	// If nil, the recipient is remote. Only possible for submission.
	account *rcptAccount
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || mintio.IsClosed(err)
}

// errIO is panicked on i/o errors. It unwinds up to serveConn, which closes
// the connection without writing anything else.
var errIO = errors.New("io error")

// cleanClose is panicked on a QUIT, for a clean connection teardown.
var cleanClose struct{}

func (c *conn) reset() {
	c.ehlo = false
	c.hello = dns.IPDomain{}
	c.username = ""
	if c.account != nil {
		err := c.account.Close()
		c.log.Check(err, "closing account")
	}
	c.account = nil
	c.rset()
}

// Reset per-message state.
func (c *conn) rset() {
	c.mailFrom = nil
	c.has8bitmime = false
	c.smtputf8 = false
	c.msgsmtputf8 = false
	c.spf = pipeline.SPF{}
	c.recipients = nil
}

func (c *conn) xcheckAuth() {
	if c.submission && c.account == nil {
		xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "authentication required")
	}
}

func (c *conn) xneedHello() {
	if c.hello.IsZero() {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "please say hello with EHLO first")
	}
}

// Setting the trace level on the reader/writer lets us log the protocol
// exchange, and hide data such as message contents or authentication
// credentials depending on the configured level.
func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write writes to the connection. It panics on i/o errors. Write is called
// under a possibly slowed-down connection, to hold up clients that show
// bad behaviour.
func (c *conn) Write(buf []byte) (int, error) {
	var n int
	for len(buf) > 0 {
		chunk := len(buf)
		if c.slow {
			chunk = 1
		}

		err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting write deadline")

		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s: %w", err, errIO))
		}
		n += nn
		buf = buf[nn:]
		if c.slow && len(buf) > 0 && badClientDelay > 0 {
			mint.Sleep(mint.Context, badClientDelay)
		}
	}
	return n, nil
}

// Read reads from the connection, applying the deadline of the current
// command. It panics on i/o errors.
func (c *conn) Read(buf []byte) (int, error) {
	if c.slow && badClientDelay > 0 {
		mint.Sleep(mint.Context, badClientDelay)
	}

	// Max cumulative duration of a command.
	err := c.conn.SetReadDeadline(c.deadline)
	c.log.Check(err, "setting read deadline")

	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %s: %w", err, errIO))
	}
	return n, err
}

// Cache of line buffers for reading commands.
var bufpool = mintio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, mintio.ErrLineTooLong) {
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Other0, "line too long, smtp max is 512, we reached 2048", nil)
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write code line and log. Used for multi-line responses.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	var ecode string
	if secode != "" {
		ecode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	metricCommands.WithLabelValues(c.kind(), c.cmd, fmt.Sprintf("%d", code), ecode).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debugx("smtp command result", err,
		slog.String("kind", c.kind()),
		slog.String("cmd", c.cmd),
		slog.Int("code", code),
		slog.String("ecode", ecode),
		slog.Duration("duration", time.Since(c.cmdStart)))

	var sep string
	if ecode != "" {
		sep = " "
	}

	// Separate by newline and wrap long lines.
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		// ../rfc/5321:3506 says a max line length of 512 octets. We keep well below it.
		for len(line) > 510 {
			e := 510
			for ; e > 400 && line[e] != ' '; e-- {
			}
			// todo future: understand if ecode should be on each line. won't hurt. at least as long as we don't do expn or vrfy.
			c.bwritelinef("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		spdash := " "
		if i < len(lines)-1 {
			spdash = "-"
		}
		c.bwritelinef("%d%s%s%s%s", code, spdash, ecode, sep, line)
	}
}

// Buffered-write a formatted response line.
func (c *conn) bwritelinef(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\r\n", args...)
}

// Write (with flush) a response line with response code and optional enhanced
// code.
func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

// Write (with flush) a formatted response line.
func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// Flush pending buffered writes to the connection.
func (c *conn) xflush() {
	c.w.Flush() // Errors will have caused a panic in Write.
}

func (c *conn) kind() string {
	if c.submission {
		return "submission"
	}
	return "smtp"
}

var commands = map[string]func(c *conn, p *parser){
	"helo":     (*conn).cmdHelo,
	"ehlo":     (*conn).cmdEhlo,
	"starttls": (*conn).cmdStarttls,
	"auth":     (*conn).cmdAuth,
	"mail":     (*conn).cmdMail,
	"rcpt":     (*conn).cmdRcpt,
	"data":     (*conn).cmdData,
	"rset":     (*conn).cmdRset,
	"vrfy":     (*conn).cmdVrfy,
	"expn":     (*conn).cmdExpn,
	"help":     (*conn).cmdHelp,
	"noop":     (*conn).cmdNoop,
	"quit":     (*conn).cmdQuit,
}

func serveConn(listenerName string, cid int64, hostname dns.Domain, tlsConfig *tls.Config, nc net.Conn, pipe pipeline.Pipeline, submission, xtls bool, maxMessageSize int64, requireTLSForAuth bool) {
	var localIP, remoteIP net.IP
	if a, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		localIP = a.IP
	} else {
		// For tests with net.Pipe.
		localIP = net.ParseIP("127.0.0.10")
	}
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For tests with net.Pipe.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:               cid,
		origConn:          nc,
		conn:              nc,
		submission:        submission,
		pipe:              pipe,
		tls:               xtls,
		lastlog:           time.Now(),
		tlsConfig:         tlsConfig,
		localIP:           localIP,
		remoteIP:          remoteIP,
		hostname:          hostname,
		maxMessageSize:    maxMessageSize,
		requireTLSForAuth: requireTLSForAuth,
	}
	c.log = mlog.New("smtpserver", nil).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	if xtls {
		c.conn = tls.Server(nc, tlsConfig)
	}
	c.tr = mintio.NewTraceReader(c.log, "RC: ", c)
	c.tw = mintio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	metricConnection.WithLabelValues(c.kind()).Inc()
	c.log.Info("new connection",
		slog.Any("remote", nc.RemoteAddr()),
		slog.Any("local", nc.LocalAddr()),
		slog.Bool("submission", submission),
		slog.Bool("tls", xtls),
		slog.String("listener", listenerName))

	defer func() {
		err := c.origConn.Close()
		c.log.Check(err, "closing original connection")
		err = c.conn.Close()
		c.log.Check(err, "closing connection")
		if c.account != nil {
			err := c.account.Close()
			c.log.Check(err, "closing account")
			c.account = nil
		}

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Smtpserver)
		}
	}()

	if !limiterConnectionRate.Add(c.remoteIP, time.Now(), 1) {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "connection rate from your ip or network too high, slow down please", nil)
		return
	}

	// If remote IP/network resulted in too many authentication failures, refuse to serve.
	if submission && !mint.LimiterFailedAuth.CanAdd(c.remoteIP, time.Now(), 1) {
		metrics.AuthenticationRatelimitedInc("submission")
		c.log.Debug("refusing connection due to many auth failures", slog.Any("remoteip", c.remoteIP))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many auth failures", nil)
		return
	}

	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", slog.Any("remoteip", c.remoteIP))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many open connections from your ip or network", nil)
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	// Connection-time checks against the content-security service. Errors are
	// transient and must not block mail, so we log and continue.
	cidctx := context.WithValue(mint.Context, mlog.CidKey, cid)
	checkctx, checkcancel := context.WithTimeout(cidctx, 10*time.Second)
	blocked, err := c.pipe.IsIPBlocked(checkctx, c.remoteIP)
	checkcancel()
	if err != nil {
		c.log.Infox("checking ip blocklist", err, slog.Any("remoteip", c.remoteIP))
	} else if blocked {
		c.writecodeline(smtp.C554TransactionFailed, smtp.SePol7Other0, "your ip is blocklisted", nil)
		return
	}
	checkctx, checkcancel = context.WithTimeout(cidctx, 10*time.Second)
	connOK, err := c.pipe.CheckRateLimit(checkctx, c.remoteIP.String(), "connect")
	checkcancel()
	if err != nil {
		c.log.Infox("checking connect rate limit", err, slog.Any("remoteip", c.remoteIP))
	} else if !connOK {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "connection rate limited, try again later", nil)
		return
	}

	select {
	case <-mint.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		return
	default:
	}

	// We register and unregister the original connection, in case it c.conn is
	// replaced with a TLS connection later on.
	c.writelinef("220 %s ESMTP mint", c.hostname.ASCII)

	for {
		command(c)
	}
}

// command reads a command and executes it. On errors, it panics. The errors
// are handled here for SMTP errors, and passed through for i/o errors.
func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var serr smtpError
		if errors.As(err, &serr) {
			var errmsg string
			if serr.userError {
				errmsg = fmt.Sprintf("%s (%s)", serr.err, mint.ReceivedID(c.cid))
			} else {
				errmsg = fmt.Sprintf("error processing (%s)", mint.ReceivedID(c.cid))
			}
			c.writecodeline(serr.code, serr.secode, errmsg, serr.err)
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(x)
		}
	}()

	select {
	case <-mint.Shutdown.Done():
		// ../rfc/5321:2811 ../rfc/5321:1666 ../rfc/3463:420
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		panic(errIO)
	default:
	}

	c.cmd = "(unknown)"
	c.cmdStart = time.Now()
	c.deadline = c.cmdStart.Add(5 * time.Minute)

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = " " + t[1]
	}
	cmd := strings.ToLower(t[0])
	c.cmd = cmd
	c.ncmds++

	p := newParser(args, c.smtputf8, c)
	fn, ok := commands[cmd]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 1 {
			// Other side is likely speaking something else than SMTP, send error message and
			// stop processing because there is a good chance whatever they sent has multiple
			// lines.
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking smtp", nil)
			panic(errIO)
		}
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unknown command")
	}
	fn(c, p)
}

func (c *conn) cmdHelo(p *parser) {
	c.cmdHello(p, false)
}

func (c *conn) cmdEhlo(p *parser) {
	c.cmdHello(p, true)
}

func (c *conn) cmdHello(p *parser, ehlo bool) {
	var remote dns.IPDomain
	if c.submission {
		// Mail clients regularly put bogus or private information in their EHLO. We
		// don't care, the remote IP is what identifies them.
		p.remainder()
		remote = dns.IPDomain{IP: c.remoteIP}
	} else {
		p.xspace()
		remote = p.xipdomain(true)
		p.xend()
	}

	// Reset state as if this is a new connection.
	c.reset()
	c.ehlo = ehlo
	c.hello = remote

	if !ehlo {
		c.writecodeline(smtp.C250Completed, smtp.SeOther00, "mint, hi "+remote.XString(false), nil)
		return
	}

	c.bwritelinef("250-%s", c.hostname.ASCII)
	c.bwritelinef("250-PIPELINING")
	c.bwritelinef("250-SIZE %d", c.maxMessageSize)
	if !c.tls && c.tlsConfig != nil {
		c.bwritelinef("250-STARTTLS")
	}
	if c.submission && (c.tls || !c.requireTLSForAuth) {
		c.bwritelinef("250-AUTH PLAIN LOGIN")
	}
	c.bwritelinef("250-ENHANCEDSTATUSCODES")
	c.bwritelinef("250-8BITMIME")
	c.bwritelinef("250-LIMITS RCPTMAX=%d", rcptToLimit)
	c.bwritecodeline(250, "", "SMTPUTF8", nil)
	c.xflush()
}

func (c *conn) cmdStarttls(p *parser) {
	c.xneedHello()
	p.xend()

	if c.tls {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already speaking tls")
	}
	if c.account != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "cannot starttls after authentication")
	}
	if c.tlsConfig == nil {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "starttls not offered")
	}

	// We don't want to do TLS on top of c.r because it also prints protocol traces: we
	// don't want to log the TLS stream. So we'll do TLS on the underlying connection,
	// but make sure any bytes already read and in the buffer are used for the TLS
	// handshake.
	conn := c.conn
	if n := c.r.Buffered(); n > 0 {
		conn = &mintio.PrefixConn{
			PrefixReader: io.LimitReader(c.r, int64(n)),
			Conn:         conn,
		}
	}

	c.writecodeline(smtp.C220ServiceReady, smtp.SeOther00, "go! ("+mint.ReceivedID(c.cid)+")", nil)
	tlsConn := tls.Server(conn, c.tlsConfig)
	cidctx := context.WithValue(mint.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	cancel()
	tlsversion, ciphersuite := mintio.TLSInfo(tlsConn.ConnectionState())
	c.log.Debug("tls server handshake done", slog.String("tls", tlsversion), slog.String("ciphersuite", ciphersuite))
	c.conn = tlsConn
	c.tr = mintio.NewTraceReader(c.log, "RC: ", c)
	c.tw = mintio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	c.reset() // Session is reset, client must start from scratch.
	c.tls = true
}

func (c *conn) cmdAuth(p *parser) {
	c.xneedHello()

	if !c.submission {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication only allowed on submission ports")
	}
	if c.account != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not allowed during mail transaction")
	}

	var authVariant string
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("submission", authVariant, authResult)
		switch authResult {
		case "ok":
			mint.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		default:
			mint.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	// If authentication fails repeatedly, we start responding slowly. Trying to
	// business-as-usual them out of the door.
	if c.authFailed > 3 {
		c.setSlow(true)
		mint.Sleep(mint.Context, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Compensated on success.

	p.xspace()
	mech := p.xsaslMech()

	xreadInitial := func(encChal string) []byte {
		var auth string
		if p.empty() {
			c.writelinef("%d %s", smtp.C334ContinueAuth, encChal)
			auth = c.readline()
			if auth == "*" {
				authResult = "aborted"
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
			}
		} else {
			p.xspace()
			auth = p.remainder()
			if auth == "" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "missing initial auth base64 parameter after space")
			} else if auth == "=" {
				auth = "" // Base64 decode below will result in empty buffer.
			}
		}
		buf, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xreadContinuation := func(challenge string) []byte {
		c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte(challenge)))
		line := c.readline()
		if line == "*" {
			authResult = "aborted"
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xauthenticate := func(username, password string) {
		acc, err := store.OpenEmailAuth(username, password)
		if err != nil && errors.Is(err, store.ErrUnknownCredentials) {
			// Slow down repeated attempts.
			if authFailDelay > 0 {
				mint.Sleep(mint.Context, authFailDelay)
			}
			authResult = "badcreds"
			c.log.Info("failed authentication attempt", slog.String("username", username), slog.Any("remote", c.remoteIP))
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass")
		}
		xcheckf(err, "verifying credentials")

		authResult = "ok"
		c.authFailed = 0
		c.setSlow(false)
		c.account = acc
		c.username = username
	}

	switch strings.ToUpper(mech) {
	case "PLAIN":
		authVariant = "plain"

		// ../rfc/4954:343
		if !c.tls && c.requireTLSForAuth {
			xsmtpUserErrorf(smtp.C538EncReqForAuth, smtp.SePol7EncReqForAuth11, "must start tls before authenticating")
		}

		// Password is in line in plain text, so hide it.
		defer c.xtrace(mlog.LevelTraceauth)()
		buf := xreadInitial("")
		c.xtrace(mlog.LevelTrace) // Restore.
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "auth data should have 3 nul-separated tokens, got %d", len(plain))
		}
		authz := norm.NFC.String(string(plain[0]))
		authc := norm.NFC.String(string(plain[1]))
		password := string(plain[2])

		if authz != "" && authz != authc {
			xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7AuthBadCreds8, "cannot assume other role")
		}

		xauthenticate(authc, password)
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "nice", nil)

	case "LOGIN":
		// LOGIN is obsoleted in favor of PLAIN, only implemented to support legacy
		// clients.
		authVariant = "login"

		if !c.tls && c.requireTLSForAuth {
			xsmtpUserErrorf(smtp.C538EncReqForAuth, smtp.SePol7EncReqForAuth11, "must start tls before authenticating")
		}

		// Read user name. ../rfc/4954:163
		username := norm.NFC.String(string(xreadInitial(base64.StdEncoding.EncodeToString([]byte("Username:")))))

		// Password is next, hide it from the trace.
		defer c.xtrace(mlog.LevelTraceauth)()
		password := string(xreadContinuation("Password:"))
		c.xtrace(mlog.LevelTrace) // Restore.

		xauthenticate(username, password)
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "hello ancient smtp implementation", nil)

	default:
		xsmtpUserErrorf(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "mechanism %s not supported", mech)
	}
}

func (c *conn) cmdMail(p *parser) {
	// If smart probing with MAIL of many addresses is happening and nothing was
	// delivered, we stop serving.
	if c.transactionBad > 10 && c.transactionGood == 0 {
		// If these were typos, the remote very likely isn't legitimate anyway.
		c.writecodeline(smtp.C550MailboxUnavail, smtp.SePol7Other0, "too many failures", nil)
		panic(errIO)
	}

	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already have MAIL")
	}

	p.xtake(" FROM:")
	// note: no space allowed after colon. ../rfc/5321:1093
	// Microsoft Outlook sends a space anyway. We'll allow it for
	// incoming delivery, but not submission where we are strict.
	if !c.submission {
		p.space()
	}
	rawRevPath := p.xrawReversePath()
	paramSeen := map[string]bool{}
	for p.space() {
		name := p.xparamKeyword()

		K := strings.ToUpper(name)
		if paramSeen[K] {
			// e.g. Outlook can send BODY=7BIT BODY=8BITMIME.
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate param %q", K)
		}
		paramSeen[K] = true

		switch K {
		case "SIZE":
			p.xtake("=")
			size := p.xnumber(20) // Enough for a petabyte.
			if size > c.maxMessageSize {
				// ../rfc/1870:136 ../rfc/3463:382
				xsmtpUserErrorf(smtp.C552MailboxFull, smtp.SeMailbox2MsgLimitExceeded3, "message too large")
			}
			// We won't verify the message is exactly the size the remote claims. Security
			// isn't affected and a remote that lies only harms itself.
		case "BODY":
			p.xtake("=")
			// ../rfc/6152:90
			v := p.xparamValue()
			switch strings.ToUpper(v) {
			case "7BIT":
				c.has8bitmime = false
			case "8BITMIME":
				c.has8bitmime = true
			default:
				xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", K)
			}
		case "AUTH":
			// ../rfc/4954:455
			// We act as if we don't trust the client to specify a mailbox. Instead, we
			// always check the rfc5321.mailfrom and rfc5322.from before accepting the
			// submission.
			p.xtake("=")
			p.xtext()
		case "SMTPUTF8":
			// ../rfc/6531:213
			c.smtputf8 = true
			c.msgsmtputf8 = true
		default:
			// ../rfc/5321:2230
			xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", K)
		}
	}

	// We now know if we have to parse the address with support for utf8.
	pp := newParser(rawRevPath, c.smtputf8, c)
	rpath := pp.xbareReversePath()
	pp.xempty()
	p.xend()

	if c.submission {
		// Sender must be one of the addresses of the authenticated account.
		if !rpath.IsZero() {
			if rpath.IPDomain.IsIP() {
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "domain of sender address required")
			}
			accName, _, _, err := mint.LookupAddress(rpath.Localpart, rpath.IPDomain.Domain, false)
			if err != nil || accName != c.account.Name {
				metricSubmission.WithLabelValues("badfrom").Inc()
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "must match authenticated user")
			}
		}

		// Check the send-limit early. We'll check again with the actual recipients
		// before queueing.
		cidctx := context.WithValue(mint.Context, mlog.CidKey, c.cid)
		err := c.account.DB.Read(cidctx, func(tx *bstore.Tx) error {
			hourly, daily, err := c.account.SendLimitReached(tx, nil)
			if err != nil {
				return err
			}
			if hourly >= 0 {
				metricSubmission.WithLabelValues("sendlimit").Inc()
				xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7DeliveryUnauth1, "max %d messages per hour reached", hourly)
			}
			if daily >= 0 {
				metricSubmission.WithLabelValues("sendlimit").Inc()
				xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7DeliveryUnauth1, "max %d messages per day reached", daily)
			}
			return nil
		})
		xcheckf(err, "checking send limits")
	} else {
		// We don't accept an IP address as sender domain from a remote server.
		if rpath.IPDomain.IsIP() {
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1BadSenderSystemAddress8, "domain of sender address required")
		}

		// Evaluate SPF for the envelope sender. The verdict is recorded for the
		// Authentication-Results header and mailbox classification during DATA, not
		// enforced here. Errors are transient, mail must keep flowing.
		if !rpath.IsZero() {
			cidctx := context.WithValue(mint.Context, mlog.CidKey, c.cid)
			spfctx, spfcancel := context.WithTimeout(cidctx, 15*time.Second)
			spf, err := c.pipe.CheckSPF(spfctx, c.remoteIP, rpath, c.hello)
			spfcancel()
			if err != nil {
				c.log.Infox("checking spf", err, slog.Any("sender", rpath))
				spf = pipeline.SPF{Result: pipeline.SPFNone}
			}
			c.spf = spf
		}
	}

	c.mailFrom = &rpath

	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "looking good", nil)
}

func (c *conn) cmdRcpt(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}

	// ../rfc/5321:1985
	p.xtake(" TO:")
	// note: no space allowed after colon. ../rfc/5321:1093
	if !c.submission {
		p.space()
	}
	var fpath smtp.Path
	if p.take("<POSTMASTER>") {
		fpath = smtp.Path{Localpart: "postmaster"}
	} else {
		fpath = p.xforwardPath()
	}
	for p.space() {
		// We don't implement any parameters for RCPT TO.
		name := p.xparamKeyword()
		xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", name)
	}
	p.xend()

	// Mail from a null reverse path is a delivery status notification, it should
	// have a single recipient only.
	if !c.submission && c.mailFrom.IsZero() && len(c.recipients) > 0 {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "only one recipient allowed with null reverse path")
	}

	rcptLimit := rcptToLimit
	if c.submission {
		if conf, ok := c.account.Conf(); ok && conf.MaxRecipientsPerMessage > 0 {
			rcptLimit = conf.MaxRecipientsPerMessage
		}
	}
	if len(c.recipients) >= rcptLimit {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "max %d recipients", rcptLimit)
	}

	if fpath.IPDomain.IsIP() {
		// We don't do MX-less deliveries to IP addresses.
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownSystem2, "delivery to ip address not supported")
	}

	// A bare <POSTMASTER> addresses the postmaster of this host. We resolve it
	// through the first local domain.
	if fpath.IPDomain.IsZero() && strings.EqualFold(string(fpath.Localpart), "postmaster") && len(mint.Conf.Static.DomainsParsed) > 0 {
		fpath.IPDomain = dns.IPDomain{Domain: mint.Conf.Static.DomainsParsed[0]}
	}

	accName, canonical, dest, err := mint.LookupAddress(fpath.Localpart, fpath.IPDomain.Domain, true)
	if err != nil && errors.Is(err, mint.ErrDomainNotFound) {
		if c.submission {
			// Remote recipient, the queue will deliver over SMTP.
			c.recipients = append(c.recipients, recipient{fpath, nil})
			c.writecodeline(smtp.C250Completed, smtp.SeOther00, "now on the list", nil)
			return
		}
		// We don't relay for domains we are not responsible for. ../rfc/5321:1147
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownSystem2, "not accepting email for domain")
	} else if err != nil && errors.Is(err, mint.ErrAddressNotFound) {
		// Rejecting unknown recipients here instead of after DATA tells legitimate
		// senders about typos right away, and saves us receiving the message data.
		// Address existence is no secret for our domains.
		if unknownRecipientsDelay > 0 {
			mint.Sleep(mint.Context, unknownRecipientsDelay)
		}
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")
	} else if err != nil {
		xcheckf(err, "looking up address")
	}

	c.recipients = append(c.recipients, recipient{fpath, &rcptAccount{accName, dest, canonical}})
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "now on the list", nil)
}

func (c *conn) cmdData(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}
	if len(c.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing RCPT TO")
	}

	// ../rfc/5321:1992
	p.xend()

	// Entire data transaction, with timeout. ../rfc/5321:3651
	c.deadline = time.Now().Add(30 * time.Minute)
	cidctx := context.WithValue(mint.Context, mlog.CidKey, c.cid)
	cmdctx, cmdcancel := context.WithDeadline(cidctx, c.deadline)
	defer cmdcancel()

	c.writelinef("354 see you at the bare dot")

	// Mark as a transaction attempt, compensated again on success.
	c.transactionBad++

	// We read the data into a temporary file. The queue will link it into place.
	dataFile, err := store.CreateMessageTemp("smtp-deliver")
	xcheckf(err, "creating temporary file for message")
	defer func() {
		if dataFile != nil {
			err := os.Remove(dataFile.Name())
			c.log.Check(err, "removing temporary message file", slog.String("path", dataFile.Name()))
			err = dataFile.Close()
			c.log.Check(err, "closing temporary message file")
		}
	}()

	// Message data is boring, exclude it from traces unless explicitly requested.
	defer c.xtrace(mlog.LevelTracedata)()
	mw := message.NewWriter(dataFile)
	dr := smtp.NewDataReader(c.r)
	n, err := io.Copy(&limitWriter{maxSize: c.maxMessageSize, w: mw}, dr)
	c.xtrace(mlog.LevelTrace) // Restore.
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			// ../rfc/1870:136 and ../rfc/3463:382
			c.writecodeline(smtp.C451LocalErr, smtp.SeSys3MsgLimitExceeded4, fmt.Sprintf("error copying data to file (%s)", mint.ReceivedID(c.cid)), err)
			panic(fmt.Errorf("remote sent too much DATA: %w", errIO))
		}

		if errors.Is(err, smtp.ErrCRLF) {
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, fmt.Sprintf("invalid bare \\r or \\n, may be smtp smuggling (%s)", mint.ReceivedID(c.cid)), err)
			return
		}

		// Something is failing on our side. We want to let remote know. So write an
		// error response, then discard the remaining data so the remote client is
		// more likely to see our response. Our write is synchronous, there is a risk
		// no window/buffer space is available and our write blocks us from reading
		// remaining data, leading to a deadlock. We have a timeout on our connection
		// writes though, so worst case we'll abort the connection due to expiration.
		c.writecodeline(smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Sprintf("error copying data to file (%s)", mint.ReceivedID(c.cid)), err)
		io.Copy(io.Discard, dr)
		return
	}

	// Basic sanity checks on the message. ../rfc/5322:1420
	if !mw.HaveBody {
		xsmtpUserErrorf(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "message requires both header and body section")
	}

	c.log.Debug("read message into temporary file", slog.Int64("messagesize", n), slog.Int64("filesize", mw.Size))

	// Virus scanning happens for both submission and delivery. An infected message
	// is never queued. A scan failure is transient.
	virus, err := c.pipe.ScanVirus(cmdctx, dataFile, mw.Size)
	xcheckf(err, "scanning message for viruses")
	if virus.Status == pipeline.VirusInfected {
		metricDelivery.WithLabelValues("virus").Inc()
		c.log.Info("rejecting infected message", slog.String("virus", virus.Details))
		xsmtpUserErrorf(smtp.C554TransactionFailed, smtp.SePol7Other0, "message rejected")
	}

	// Prepare the Received header to prepend to the message. For submissions we
	// don't store the remote IP and claimed hostname, that would leak client
	// details to the world.
	recvHdrFor := func(rcptTo string) string {
		var recvFrom string
		if c.submission {
			recvFrom = c.hostname.XName(c.msgsmtputf8)
		} else {
			recvFrom = c.hello.XString(c.msgsmtputf8)
			if !c.hello.IsIP() {
				recvFrom += " (" + smtp.AddressLiteral(c.remoteIP) + ")"
			}
		}
		recvBy := c.hostname.XName(c.msgsmtputf8) + " (" + smtp.AddressLiteral(c.localIP) + ")"

		// ../rfc/5321:3158
		with := "SMTP"
		if c.msgsmtputf8 {
			with = "UTF8SMTP"
		} else if c.ehlo {
			with = "ESMTP"
		}
		if c.tls {
			with += "S"
		}
		if c.account != nil {
			// Only for submission. ../rfc/4954:660
			with += "A"
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Received: from %s by %s via tcp with %s id %s", recvFrom, recvBy, with, mint.ReceivedID(c.cid))
		if c.tls {
			if tc, ok := c.conn.(*tls.Conn); ok {
				tlsversion, ciphersuite := mintio.TLSInfo(tc.ConnectionState())
				fmt.Fprintf(&b, " (%s %s)", tlsversion, ciphersuite)
			}
		}
		if rcptTo != "" {
			fmt.Fprintf(&b, "\r\n\tfor <%s>", rcptTo)
		}
		fmt.Fprintf(&b, ";\r\n\t%s\r\n", time.Now().Format(message.RFC5322Z))
		return b.String()
	}

	if c.submission {
		c.submit(cmdctx, recvHdrFor, mw, dataFile)
	} else {
		c.deliver(cmdctx, recvHdrFor, mw, dataFile)
	}
}

// submit is the implementation of DATA for submission: the message is
// checked against the authenticated account, registered against the send
// limits and added to the queue for each recipient.
func (c *conn) submit(ctx context.Context, recvHdrFor func(string) string, mw *message.Writer, dataFile *os.File) {
	var msgPrefix []byte

	// Check that the message has a From header that matches the authenticated
	// account. We are a submission service, we don't want to forge messages.
	msgFrom, _, header, err := message.From(c.log.Logger, true, dataFile)
	if err != nil {
		metricSubmission.WithLabelValues("badmessage").Inc()
		c.log.Infox("parsing message for From address", err)
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeMsg6Other0, "cannot parse header or From address: %v", err)
	}
	if !mint.AllowMsgFrom(c.account.Name, msgFrom) {
		metricSubmission.WithLabelValues("badfrom").Inc()
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "must match authenticated user")
	}

	// Outgoing messages should have a Message-Id and Date. Common MUAs set them,
	// but simple senders regularly don't. We add them if missing.
	messageID := header.Get("Message-Id")
	if messageID == "" {
		messageID = fmt.Sprintf("<%s>", mint.MessageIDGen(c.msgsmtputf8))
		msgPrefix = append(msgPrefix, fmt.Sprintf("Message-Id: %s\r\n", messageID)...)
	}
	if header.Get("Date") == "" {
		msgPrefix = append(msgPrefix, fmt.Sprintf("Date: %s\r\n", time.Now().Format(message.RFC5322Z))...)
	}

	// Check the send limits with the actual recipients of this transaction.
	rcptPaths := make([]smtp.Path, len(c.recipients))
	for i, rcpt := range c.recipients {
		rcptPaths[i] = rcpt.addr
	}
	err = c.account.DB.Read(ctx, func(tx *bstore.Tx) error {
		hourly, daily, err := c.account.SendLimitReached(tx, rcptPaths)
		if err != nil {
			return err
		}
		if hourly >= 0 {
			metricSubmission.WithLabelValues("sendlimit").Inc()
			xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7DeliveryUnauth1, "max %d messages per hour reached", hourly)
		}
		if daily >= 0 {
			metricSubmission.WithLabelValues("sendlimit").Inc()
			xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7DeliveryUnauth1, "max %d messages per day reached", daily)
		}
		return nil
	})
	xcheckf(err, "checking send limits")

	// Single recipient gets a "for" clause in Received, a multi-recipient message
	// shares one file and must not disclose the other recipients.
	var recvFor string
	if len(c.recipients) == 1 {
		recvFor = c.recipients[0].addr.XString(c.msgsmtputf8)
	}
	msgPrefix = append([]byte(recvHdrFor(recvFor)), msgPrefix...)

	qml := make([]*queue.Msg, len(c.recipients))
	for i, rcpt := range c.recipients {
		lane := queue.LaneRemote
		if rcpt.account != nil {
			lane = queue.LaneLocal
		}
		qm := queue.MakeMsg(lane, *c.mailFrom, rcpt.addr, mw.Has8bit, c.msgsmtputf8, mw.Size, messageID, msgPrefix, "")
		qml[i] = &qm
	}
	err = queue.Add(ctx, c.log, c.account.Name, dataFile, qml...)
	xcheckf(err, "adding messages to the delivery queue")
	metricSubmission.WithLabelValues("ok").Inc()

	// Register the submission for future send-limit checks.
	err = c.account.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, rcpt := range c.recipients {
			rcptCanonical := rcpt.addr.XString(true)
			if rcpt.account != nil {
				rcptCanonical = rcpt.account.canonical
			}
			if err := tx.Insert(&store.Outgoing{Recipient: rcptCanonical}); err != nil {
				return err
			}
		}
		return nil
	})
	xcheckf(err, "adding outgoing messages")

	c.log.Info("message submitted",
		slog.Any("mailfrom", *c.mailFrom),
		slog.Int("recipients", len(c.recipients)),
		slog.Int64("size", mw.Size),
		slog.String("messageid", messageID))

	c.transactionGood++
	c.transactionBad-- // Compensate pre-added successful transaction.
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeMailbox2Other0, "it is done", nil)
}

// deliver is the implementation of DATA for incoming deliveries: the
// content-security verdicts for the message are gathered and the message is
// queued for each local recipient, with the verdict deciding the mailbox.
func (c *conn) deliver(ctx context.Context, recvHdrFor func(string) string, mw *message.Writer, dataFile *os.File) {
	part, err := message.Parse(c.log.Logger, false, dataFile)
	if err != nil {
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeMsg6Other0, "parsing message: %v", err)
	}
	header, err := part.Header()
	if err != nil {
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeMsg6Other0, "parsing message header: %v", err)
	}

	// Basic loop detection. ../rfc/5321:4065
	if len(header.Values("Received")) > 100 {
		metricDelivery.WithLabelValues("loop").Inc()
		c.log.Info("loop detected, rejecting message")
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeNet4Loop6, "loop detected")
	}
	messageID := header.Get("Message-Id")

	// Gather DKIM and spam verdicts concurrently, they are independent and may
	// each take a while.
	var dkim pipeline.DKIM
	var dkimErr error
	var spam pipeline.Spam
	var spamErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dkim, dkimErr = c.pipe.VerifyDKIM(ctx, dataFile, mw.Size)
	}()
	go func() {
		defer wg.Done()
		spam, spamErr = c.pipe.CheckSpam(ctx, dataFile, mw.Size)
	}()
	wg.Wait()
	xcheckf(dkimErr, "verifying dkim signatures")
	xcheckf(spamErr, "checking message for spam")

	// DMARC needs the domain of the message From header.
	var msgFromDomain dns.Domain
	if msgFrom, _, _, err := message.From(c.log.Logger, false, dataFile); err == nil {
		msgFromDomain = msgFrom.Domain
	}
	dmarc, err := c.pipe.CheckDMARC(ctx, msgFromDomain, c.spf, dkim)
	xcheckf(err, "checking dmarc policy")

	verdict := pipeline.Verdict{SPF: c.spf, DKIM: dkim, DMARC: dmarc, Spam: spam}
	mailbox := verdict.Mailbox()

	authResults := fmt.Sprintf("Authentication-Results: %s;\r\n\tspf=%s\r\n\tdkim=%s\r\n\tdmarc=%s\r\n",
		c.hostname.XName(c.msgsmtputf8), orNone(string(c.spf.Result)), orNone(string(dkim.Result)), orNone(string(dmarc.Result)))

	qml := make([]*queue.Msg, len(c.recipients))
	for i, rcpt := range c.recipients {
		// Per-recipient envelope headers, the queue prepends them during local
		// delivery. One file serves all recipients, so the Received "for" clause is
		// only set for a single recipient.
		var recvFor string
		if len(c.recipients) == 1 {
			recvFor = rcpt.addr.XString(c.msgsmtputf8)
		}
		prefix := fmt.Sprintf("Delivered-To: %s\r\nReturn-Path: <%s>\r\n", rcpt.addr.XString(c.msgsmtputf8), c.mailFrom.XString(c.msgsmtputf8))
		prefix += authResults
		prefix += recvHdrFor(recvFor)

		qm := queue.MakeMsg(queue.LaneLocal, *c.mailFrom, rcpt.addr, mw.Has8bit, c.msgsmtputf8, mw.Size, messageID, []byte(prefix), mailbox)
		qml[i] = &qm
	}
	// No sender account, this message came from outside.
	err = queue.Add(ctx, c.log, "", dataFile, qml...)
	if err != nil {
		metricDelivery.WithLabelValues("error").Inc()
	}
	xcheckf(err, "queueing message for delivery")
	metricDelivery.WithLabelValues("queued").Inc()

	c.log.Info("message queued for delivery",
		slog.Any("mailfrom", *c.mailFrom),
		slog.Int("recipients", len(c.recipients)),
		slog.Int64("size", mw.Size),
		slog.String("mailbox", mailbox),
		slog.String("messageid", messageID))

	c.transactionGood++
	c.transactionBad-- // Compensate pre-added successful transaction.
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeMailbox2Other0, "it is done", nil)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (c *conn) cmdRset(p *parser) {
	// ../rfc/5321:2079
	p.xend()

	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "all clear", nil)
}

func (c *conn) cmdVrfy(p *parser) {
	// No plans to implement, VRFY is mostly used for address harvesting.
	// ../rfc/5321:2108
	p.xspace()
	p.remainder()
	c.writecodeline(smtp.C252WithoutVrfy, smtp.SePol7Other0, "no verify but will try delivery", nil)
}

func (c *conn) cmdExpn(p *parser) {
	// No plans to implement. ../rfc/5321:2147
	p.xspace()
	p.remainder()
	c.writecodeline(smtp.C252WithoutVrfy, smtp.SePol7Other0, "no expand but will try delivery", nil)
}

func (c *conn) cmdHelp(p *parser) {
	// Let's not strictly parse the request for help. ../rfc/5321:2166
	c.writecodeline(smtp.C214Help, smtp.SeOther00, "see rfc 5321 (smtp)", nil)
}

func (c *conn) cmdNoop(p *parser) {
	// ../rfc/5321:2196
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "alrighty", nil)
}

func (c *conn) cmdQuit(p *parser) {
	// ../rfc/5321:2226
	p.xend()

	c.writecodeline(smtp.C221Closing, smtp.SeOther00, "okay thanks bye", nil)
	panic(cleanClose)
}
