// Package pop3server implements a POP3 server for retrieving messages from
// the Inbox of an account. A session takes an immutable snapshot of the Inbox
// at authentication, numbers the messages 1 through n, and serves all
// commands over that snapshot. Deletions are pending until QUIT, which moves
// the marked messages to the Trash mailbox in a single transaction.
package pop3server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/metrics"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mintio"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/ratelimit"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var pkglog = mlog.New("pop3server", nil)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mint_pop3server_connection_total",
			Help: "Incoming POP3 connections.",
		},
		[]string{
			"kind", // pop3, pop3s
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mint_pop3server_command_duration_seconds",
			Help:    "POP3 command duration and result in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
		[]string{
			"cmd",
			"result", // ok, err
		},
	)
)

// Delay before responding to failed authentication attempts, doubled for
// each consecutive failure. Zeroed during tests.
var authFailDelay = time.Second

var limiterConnectionRate, limiterConnections *ratelimit.Limiter

func init() {
	limiterConnectionRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
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

// Listen initializes network listeners for the POP3 services enabled in the
// configuration. Call Serve to start serving.
func Listen() error {
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

		if listener.POP3.Enabled {
			port := config.Port(listener.POP3.Port, 110)
			for _, ip := range listener.IPs {
				if err := listen1("pop3", name, ip, port, hostname, tlsConfig, false); err != nil {
					return err
				}
			}
		}
		if listener.POP3STLS.Enabled {
			if tlsConfig == nil {
				return fmt.Errorf("listener %q: pop3s service requires tls config", name)
			}
			port := config.Port(listener.POP3STLS.Port, 995)
			for _, ip := range listener.IPs {
				if err := listen1("pop3s", name, ip, port, hostname, tlsConfig, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

var servers []func()

func listen1(protocol, name, ip string, port int, hostname dns.Domain, tlsConfig *tls.Config, xtls bool) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener %q: listen for %s on %s: %w", name, protocol, addr, err)
	}
	pkglog.Info("listening for pop3", slog.String("listener", name), slog.String("protocol", protocol), slog.String("addr", addr))

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				pkglog.Infox("pop3 accept", err, slog.String("protocol", protocol), slog.String("listener", name))
				continue
			}
			go serveConn(name, mint.Cid(), hostname, tlsConfig, conn, xtls)
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
	lastlog time.Time // Used for printing the delta time since the previous logging for this connection.

	tlsConfig         *tls.Config
	localIP, remoteIP net.IP
	hostname          dns.Domain
	log               mlog.Log

	cmd      string    // Current command.
	cmdStart time.Time // Start of current command.
	deadline time.Time // Read deadline for the entire current command.

	authFailed int // Number of failed authentication attempts. For slowing down remote with many failures.

	username string         // Set by USER, awaiting PASS.
	account  *store.Account // Only when authenticated.

	// Inbox snapshot taken at authentication. Message numbers are 1-based
	// indexes into snapshot. Messages delivered after the snapshot are not
	// visible in this session.
	inbox    store.Mailbox
	snapshot []store.Message
	deleted  map[int]bool // Pending deletions, committed on QUIT.
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || mintio.IsClosed(err)
}

// errIO is panicked on i/o errors. It unwinds up to serveConn, which closes
// the connection without writing anything else.
var errIO = errors.New("io error")

// cleanClose is panicked on a QUIT, for a clean connection teardown.
var cleanClose struct{}

// popError is panicked for protocol-level errors, and recovered in command
// where it is written as an -ERR response. The connection stays usable.
type popError struct {
	err error
}

func (e popError) Error() string { return e.err.Error() }
func (e popError) Unwrap() error { return e.err }

func xerrorf(format string, args ...any) {
	panic(popError{fmt.Errorf(format, args...)})
}

// xcheckf panics a popError if err is not nil, with a generic response that
// does not leak server internals.
func (c *conn) xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		c.log.Errorx(msg, err)
		xerrorf("server error (%s)", mint.ReceivedID(c.cid))
	}
}

func (c *conn) xcheckAuth() {
	if c.account == nil {
		xerrorf("authenticate first")
	}
}

func (c *conn) xcheckNotAuth() {
	if c.account != nil {
		xerrorf("already authenticated")
	}
}

// Setting the trace level on the reader/writer lets us log the protocol
// exchange, and hide data such as message contents depending on the
// configured level.
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

// Write writes to the connection. It panics on i/o errors.
func (c *conn) Write(buf []byte) (int, error) {
	var n int
	for len(buf) > 0 {
		err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting write deadline")

		nn, err := c.conn.Write(buf)
		if err != nil {
			panic(fmt.Errorf("write: %s: %w", err, errIO))
		}
		n += nn
		buf = buf[nn:]
	}
	return n, nil
}

// Read reads from the connection, applying the deadline of the current
// command. It panics on i/o errors.
func (c *conn) Read(buf []byte) (int, error) {
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
		c.writelinef("-ERR line too long")
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write a formatted response line.
func (c *conn) bwritelinef(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\r\n", args...)
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

func kind(xtls bool) string {
	if xtls {
		return "pop3s"
	}
	return "pop3"
}

var commands = map[string]func(c *conn, args string){
	"capa": (*conn).cmdCapa,
	"stls": (*conn).cmdStls,
	"user": (*conn).cmdUser,
	"pass": (*conn).cmdPass,
	"apop": (*conn).cmdApop,
	"stat": (*conn).cmdStat,
	"list": (*conn).cmdList,
	"uidl": (*conn).cmdUidl,
	"retr": (*conn).cmdRetr,
	"top":  (*conn).cmdTop,
	"dele": (*conn).cmdDele,
	"rset": (*conn).cmdRset,
	"noop": (*conn).cmdNoop,
	"quit": (*conn).cmdQuit,
}

func serveConn(listenerName string, cid int64, hostname dns.Domain, tlsConfig *tls.Config, nc net.Conn, xtls bool) {
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
		cid:       cid,
		origConn:  nc,
		conn:      nc,
		tls:       xtls,
		lastlog:   time.Now(),
		tlsConfig: tlsConfig,
		localIP:   localIP,
		remoteIP:  remoteIP,
		hostname:  hostname,
		deleted:   map[int]bool{},
	}
	c.log = mlog.New("pop3server", nil).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.account != nil {
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

	metricConnection.WithLabelValues(kind(xtls)).Inc()
	c.log.Info("new connection",
		slog.Any("remote", nc.RemoteAddr()),
		slog.Any("local", nc.LocalAddr()),
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
			metrics.PanicInc(metrics.Pop3server)
		}
	}()

	if !limiterConnectionRate.Add(c.remoteIP, time.Now(), 1) {
		c.writelinef("-ERR connection rate from your ip or network too high, slow down please")
		return
	}

	// If remote IP/network resulted in too many authentication failures, refuse to serve.
	if !mint.LimiterFailedAuth.CanAdd(c.remoteIP, time.Now(), 1) {
		metrics.AuthenticationRatelimitedInc("pop3")
		c.log.Debug("refusing connection due to many auth failures", slog.Any("remoteip", c.remoteIP))
		c.writelinef("-ERR too many auth failures")
		return
	}

	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", slog.Any("remoteip", c.remoteIP))
		c.writelinef("-ERR too many open connections from your ip or network")
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	select {
	case <-mint.Shutdown.Done():
		c.writelinef("-ERR shutting down")
		return
	default:
	}

	c.writelinef("+OK %s mint pop3 ready (%s)", c.hostname.ASCII, mint.ReceivedID(cid))

	for {
		command(c)
	}
}

// command reads a command and executes it. Protocol errors are recovered
// here and written as -ERR responses. I/O errors are passed through, ending
// the connection.
func command(c *conn) {
	result := "err"

	defer func() {
		if c.cmd != "" {
			metricCommands.WithLabelValues(c.cmd, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}

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

		var perr popError
		if errors.As(err, &perr) {
			result = "err"
			c.log.Debugx("pop3 command error", err, slog.String("cmd", c.cmd))
			c.writelinef("-ERR %s", perr.err)
		} else {
			c.log.Errorx("command panic", err)
			panic(x)
		}
	}()

	select {
	case <-mint.Shutdown.Done():
		c.writelinef("-ERR shutting down")
		panic(errIO)
	default:
	}

	c.cmd = ""
	c.cmdStart = time.Now()
	// POP3 sessions hold the snapshot and potentially block other sessions
	// from seeing deletions, so we keep the idle timeout modest.
	c.deadline = c.cmdStart.Add(5 * time.Minute)

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = t[1]
	}
	cmd := strings.ToLower(t[0])
	c.cmd = cmd

	fn, ok := commands[cmd]
	if !ok {
		xerrorf("unknown command")
	}
	fn(c, args)
	result = "ok"
}

func xnoargs(args string) {
	if args != "" {
		xerrorf("syntax error, no arguments allowed")
	}
}

// xmessageNumber parses a 1-based message number and checks it against the
// snapshot and pending deletions.
func (c *conn) xmessageNumber(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		xerrorf("malformed message number")
	}
	if n > len(c.snapshot) {
		xerrorf("no such message")
	}
	if c.deleted[n] {
		xerrorf("message is deleted")
	}
	return n
}

func (c *conn) cmdCapa(args string) {
	xnoargs(args)
	c.bwritelinef("+OK capabilities follow")
	c.bwritelinef("USER")
	c.bwritelinef("TOP")
	c.bwritelinef("UIDL")
	c.bwritelinef("RESP-CODES")
	c.bwritelinef("PIPELINING")
	if !c.tls && c.tlsConfig != nil && c.account == nil {
		c.bwritelinef("STLS")
	}
	c.bwritelinef("IMPLEMENTATION mint")
	c.bwritelinef(".")
	c.xflush()
}

func (c *conn) cmdStls(args string) {
	xnoargs(args)
	c.xcheckNotAuth()
	if c.tls {
		xerrorf("tls already active")
	}
	if c.tlsConfig == nil {
		xerrorf("tls unavailable")
	}

	// We add the buffered data back as a prefix so no client data is lost
	// when the tls layer takes over the raw connection. Clients shouldn't
	// send data before our response, but don't get to smuggle it past the
	// handshake if they do.
	conn := c.conn
	if n := c.r.Buffered(); n > 0 {
		conn = &mintio.PrefixConn{
			PrefixReader: io.LimitReader(c.r, int64(n)),
			Conn:         conn,
		}
	}

	c.writelinef("+OK begin tls now")

	cidctx := context.WithValue(mint.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	tlsConn := tls.Server(conn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("tls handshake: %s (%w)", err, errIO))
	}
	cancel()

	c.conn = tlsConn
	c.tr = mintio.NewTraceReader(c.log, "RC: ", c)
	c.tw = mintio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)
	c.tls = true
	c.username = ""
}

func (c *conn) cmdUser(args string) {
	c.xcheckNotAuth()
	if args == "" {
		xerrorf("missing username")
	}
	c.username = args
	c.writelinef("+OK send PASS")
}

func (c *conn) cmdPass(args string) {
	c.xcheckNotAuth()
	if c.username == "" {
		xerrorf("send USER first")
	}
	if args == "" {
		xerrorf("missing password")
	}

	// Slow down repeated failures on this connection.
	if c.authFailed > 0 && authFailDelay > 0 {
		mint.Sleep(mint.Context, time.Duration(c.authFailed)*authFailDelay)
	}

	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("pop3", "userpass", authResult)
		if authResult == "ok" {
			mint.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		} else {
			mint.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	acc, err := store.OpenEmailAuth(c.username, args)
	if err != nil {
		if errors.Is(err, store.ErrUnknownCredentials) {
			c.authFailed++
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", c.username))
			xerrorf("authentication failed")
		}
		c.xcheckf(err, "authenticating")
	}

	c.account = acc
	c.authFailed = 0
	authResult = "ok"
	c.log.Info("authentication succeeded", slog.String("username", c.username))

	c.xsnapshot()
	c.writelinef("+OK mailbox locked and ready, %d messages", len(c.snapshot))
}

func (c *conn) cmdApop(args string) {
	xerrorf("apop not supported, use USER/PASS")
}

// xsnapshot freezes the current Inbox contents for this session. Message
// numbers refer to this snapshot only, messages delivered later are not
// visible until a new session.
func (c *conn) xsnapshot() {
	var err error
	c.account.WithRLock(func() {
		err = c.account.DB.Read(mint.Context, func(tx *bstore.Tx) error {
			mb, err := c.account.MailboxFind(tx, "Inbox")
			if err != nil {
				return fmt.Errorf("looking up inbox: %w", err)
			}
			if mb == nil {
				// No inbox means no messages, an empty but functional session.
				return nil
			}
			c.inbox = *mb

			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: mb.ID})
			q.FilterEqual("Expunged", false)
			q.SortAsc("UID")
			msgs, err := q.List()
			if err != nil {
				return fmt.Errorf("listing inbox messages: %w", err)
			}
			c.snapshot = msgs
			return nil
		})
	})
	c.xcheckf(err, "loading mailbox snapshot")
}

// stat returns the number of messages and their total size, excluding
// pending deletions.
func (c *conn) stat() (int, int64) {
	var n int
	var size int64
	for i, m := range c.snapshot {
		if c.deleted[i+1] {
			continue
		}
		n++
		size += m.Size
	}
	return n, size
}

func (c *conn) cmdStat(args string) {
	c.xcheckAuth()
	xnoargs(args)
	n, size := c.stat()
	c.writelinef("+OK %d %d", n, size)
}

func (c *conn) cmdList(args string) {
	c.xcheckAuth()
	if args != "" {
		n := c.xmessageNumber(args)
		c.writelinef("+OK %d %d", n, c.snapshot[n-1].Size)
		return
	}
	n, size := c.stat()
	c.bwritelinef("+OK %d messages (%d octets)", n, size)
	for i, m := range c.snapshot {
		if c.deleted[i+1] {
			continue
		}
		c.bwritelinef("%d %d", i+1, m.Size)
	}
	c.bwritelinef(".")
	c.xflush()
}

// uidl returns the unique id for a message. The combination of the mailbox
// uid validity and the message uid is stable for the lifetime of the message
// and never reused, as POP3 requires across sessions.
func (c *conn) uidl(m store.Message) string {
	return fmt.Sprintf("%d.%d", c.inbox.UIDValidity, m.UID)
}

func (c *conn) cmdUidl(args string) {
	c.xcheckAuth()
	if args != "" {
		n := c.xmessageNumber(args)
		c.writelinef("+OK %d %s", n, c.uidl(c.snapshot[n-1]))
		return
	}
	c.bwritelinef("+OK unique ids follow")
	for i, m := range c.snapshot {
		if c.deleted[i+1] {
			continue
		}
		c.bwritelinef("%d %s", i+1, c.uidl(m))
	}
	c.bwritelinef(".")
	c.xflush()
}

func (c *conn) cmdRetr(args string) {
	c.xcheckAuth()
	if args == "" {
		xerrorf("missing message number")
	}
	n := c.xmessageNumber(args)
	m := c.snapshot[n-1]

	mr := c.account.MessageReader(m)
	defer func() {
		err := mr.Close()
		c.log.Check(err, "closing message reader")
	}()

	c.bwritelinef("+OK %d octets", m.Size)
	defer c.xtrace(mlog.LevelTracedata)()
	// DataWrite does the dot-stuffing and writes the terminating line.
	if err := smtp.DataWrite(c.w, mr); err != nil {
		// We already sent +OK, the best we can do is drop the connection so
		// the client doesn't parse a truncated message as complete.
		panic(fmt.Errorf("writing message: %s (%w)", err, errIO))
	}
	c.xflush()

	c.markSeen(n)
}

func (c *conn) cmdTop(args string) {
	c.xcheckAuth()
	t := strings.Split(args, " ")
	if len(t) != 2 {
		xerrorf("syntax error, expected TOP msg lines")
	}
	n := c.xmessageNumber(t[0])
	lines, err := strconv.Atoi(t[1])
	if err != nil || lines < 0 {
		xerrorf("malformed line count")
	}
	m := c.snapshot[n-1]

	mr := c.account.MessageReader(m)
	defer func() {
		err := mr.Close()
		c.log.Check(err, "closing message reader")
	}()

	c.bwritelinef("+OK top of message follows")
	defer c.xtrace(mlog.LevelTracedata)()
	c.xwriteTop(mr, lines)
	c.xflush()

	c.markSeen(n)
}

// xwriteTop writes the header section and up to n body lines of the message,
// dot-stuffed and terminated by a line with a single dot.
func (c *conn) xwriteTop(r io.Reader, n int) {
	br := bufio.NewReader(r)
	inHeader := true
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if !inHeader {
				if n == 0 {
					break
				}
				n--
			}
			if strings.HasPrefix(line, ".") {
				c.w.Write([]byte("."))
			}
			c.w.Write([]byte(strings.TrimRight(line, "\r\n")))
			c.w.Write([]byte("\r\n"))
			if inHeader && (line == "\r\n" || line == "\n") {
				inHeader = false
			}
		}
		if err == io.EOF {
			break
		}
		c.xcheckf(err, "reading message")
	}
	c.bwritelinef(".")
}

// markSeen sets the Seen flag after a message was retrieved, and notifies
// other sessions. Failures are logged but don't affect the response, the
// client already has the message data.
func (c *conn) markSeen(n int) {
	m := c.snapshot[n-1]
	if m.Seen {
		return
	}

	var changed bool
	var err error
	c.account.WithWLock(func() {
		err = c.account.DB.Write(mint.Context, func(tx *bstore.Tx) error {
			xm := store.Message{ID: m.ID}
			if err := tx.Get(&xm); err != nil {
				return fmt.Errorf("get message: %w", err)
			}
			if xm.Expunged || xm.MailboxID != m.MailboxID || xm.Seen {
				// Changed underneath us by another session, leave it alone.
				return nil
			}
			modseq, err := c.account.NextModSeq(tx)
			if err != nil {
				return fmt.Errorf("assigning next modseq: %w", err)
			}
			xm.Seen = true
			xm.ModSeq = modseq
			if err := tx.Update(&xm); err != nil {
				return fmt.Errorf("update message: %w", err)
			}
			m = xm
			changed = true
			return nil
		})
	})
	if err != nil {
		c.log.Errorx("marking message as seen", err, slog.Int64("msgid", m.ID))
		return
	}
	if changed {
		c.snapshot[n-1] = m
		store.BroadcastChanges(c.account, []store.Change{store.ChangeFlags{MailboxID: m.MailboxID, UID: m.UID, ModSeq: m.ModSeq, Mask: store.Flags{Seen: true}, Flags: m.Flags, Keywords: m.Keywords}})
	}
}

func (c *conn) cmdDele(args string) {
	c.xcheckAuth()
	if args == "" {
		xerrorf("missing message number")
	}
	n := c.xmessageNumber(args)
	c.deleted[n] = true
	c.writelinef("+OK message %d marked for deletion", n)
}

func (c *conn) cmdRset(args string) {
	c.xcheckAuth()
	xnoargs(args)
	c.deleted = map[int]bool{}
	n, size := c.stat()
	c.writelinef("+OK %d messages (%d octets)", n, size)
}

func (c *conn) cmdNoop(args string) {
	c.xcheckAuth()
	xnoargs(args)
	c.writelinef("+OK")
}

func (c *conn) cmdQuit(args string) {
	xnoargs(args)

	if c.account != nil && len(c.deleted) > 0 {
		if err := c.update(); err != nil {
			c.log.Errorx("committing pending deletions", err)
			c.writelinef("-ERR some deleted messages were not removed (%s)", mint.ReceivedID(c.cid))
			panic(cleanClose)
		}
	}
	c.writelinef("+OK bye")
	panic(cleanClose)
}

// update commits the pending deletions by moving the marked messages to the
// Trash mailbox in a single transaction. Messages already removed by another
// session are skipped.
func (c *conn) update() error {
	ids := make([]int, 0, len(c.deleted))
	for n := range c.deleted {
		ids = append(ids, n)
	}
	sort.Ints(ids)

	var changes []store.Change
	var err error
	c.account.WithWLock(func() {
		err = c.account.DB.Write(mint.Context, func(tx *bstore.Tx) error {
			trash, chl, err := c.account.MailboxEnsure(tx, "Trash", true)
			if err != nil {
				return fmt.Errorf("ensuring trash mailbox: %w", err)
			}
			changes = append(changes, chl...)

			modseq, err := c.account.NextModSeq(tx)
			if err != nil {
				return fmt.Errorf("assigning next modseq: %w", err)
			}

			var removedUIDs []store.UID
			for _, n := range ids {
				m := store.Message{ID: c.snapshot[n-1].ID}
				if err := tx.Get(&m); err != nil {
					return fmt.Errorf("get message: %w", err)
				}
				if m.Expunged || m.MailboxID != c.inbox.ID {
					// Another session got to it first.
					continue
				}

				removedUIDs = append(removedUIDs, m.UID)
				m.MailboxID = trash.ID
				m.UID = trash.UIDNext
				trash.UIDNext++
				m.ModSeq = modseq
				if err := tx.Update(&m); err != nil {
					return fmt.Errorf("moving message to trash: %w", err)
				}

				trash.Keywords, _ = store.MergeKeywords(trash.Keywords, m.Keywords)

				changes = append(changes, store.ChangeAddUID{MailboxID: trash.ID, UID: m.UID, ModSeq: modseq, Flags: m.Flags, Keywords: m.Keywords})
			}
			if len(removedUIDs) > 0 {
				changes = append(changes, store.ChangeRemoveUIDs{MailboxID: c.inbox.ID, UIDs: removedUIDs, ModSeq: modseq})
			}
			if err := tx.Update(&trash); err != nil {
				return fmt.Errorf("updating trash mailbox: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	store.BroadcastChanges(c.account, changes)
	return nil
}
