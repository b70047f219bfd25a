// Package imapserver implements an IMAP4rev1 server for accessing the
// mailboxes of an account, with the LITERAL+, IDLE, UNSELECT, UIDPLUS and ID
// extensions.
//
// A connection is not-authenticated until a successful LOGIN or AUTHENTICATE,
// then authenticated, and selected after SELECT or EXAMINE. Message sequence
// numbers are the 1-based position in the UIDs of the selected mailbox,
// renumbered as expunges are announced. Changes made through other sessions
// are relayed through the store switchboard and written as untagged responses
// before command completion and during IDLE.
package imapserver

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
	"regexp"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"golang.org/x/text/unicode/norm"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/metrics"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mintio"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/ratelimit"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var pkglog = mlog.New("imapserver", nil)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mint_imapserver_connection_total",
			Help: "Incoming IMAP connections.",
		},
		[]string{
			"kind", // imap, imaps
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mint_imapserver_command_duration_seconds",
			Help:    "IMAP command duration and result in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
		[]string{
			"cmd",
			"result", // ok, usererror, badsyntax, servererror, ioerror, panic
		},
	)
)

// Delay before responding to repeated failed authentication attempts on a
// connection. Zeroed during tests.
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

// Listen initializes network listeners for the IMAP services enabled in the
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

		if listener.IMAP.Enabled {
			port := config.Port(listener.IMAP.Port, 143)
			for _, ip := range listener.IPs {
				if err := listen1("imap", name, ip, port, hostname, tlsConfig, false); err != nil {
					return err
				}
			}
		}
		if listener.IMAPSTLS.Enabled {
			if tlsConfig == nil {
				return fmt.Errorf("listener %q: imaps service requires tls config", name)
			}
			port := config.Port(listener.IMAPSTLS.Port, 993)
			for _, ip := range listener.IPs {
				if err := listen1("imaps", name, ip, port, hostname, tlsConfig, true); err != nil {
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
	pkglog.Info("listening for imap", slog.String("listener", name), slog.String("protocol", protocol), slog.String("addr", addr))

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				pkglog.Infox("imap accept", err, slog.String("protocol", protocol), slog.String("listener", name))
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

type state byte

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
)

var commandsStateAny = []string{"CAPABILITY", "NOOP", "LOGOUT", "ID"}
var commandsStateNotAuthenticated = []string{"STARTTLS", "AUTHENTICATE", "LOGIN"}
var commandsStateAuthenticated = []string{"SELECT", "EXAMINE", "CREATE", "LIST", "STATUS", "IDLE"}
var commandsStateSelected = []string{"CLOSE", "UNSELECT", "EXPUNGE", "UID EXPUNGE", "FETCH", "UID FETCH", "STORE", "UID STORE"}

var commands = map[string]func(c *conn, tag, cmd string, p *parser){
	// Any state.
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,

	// Not authenticated.
	"starttls":     (*conn).cmdStarttls,
	"authenticate": (*conn).cmdAuthenticate,
	"login":        (*conn).cmdLogin,

	// Authenticated and selected.
	"select":  (*conn).cmdSelect,
	"examine": (*conn).cmdExamine,
	"create":  (*conn).cmdCreate,
	"list":    (*conn).cmdList,
	"status":  (*conn).cmdStatus,
	"idle":    (*conn).cmdIdle,

	// Selected.
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"expunge":     (*conn).cmdExpunge,
	"uid expunge": (*conn).cmdUIDExpunge,
	"fetch":       (*conn).cmdFetch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"store":       (*conn).cmdStore,
	"uid store":   (*conn).cmdUIDStore,
}

// msgseq is a 1-based message sequence number within the selected mailbox.
type msgseq uint32

type lineErr struct {
	line string
	err  error
}

type conn struct {
	cid   int64
	state state

	// OrigConn is the original (TCP) connection. We read from/write to conn,
	// which can be wrapped in a tls.Server.
	origConn net.Conn
	conn     net.Conn

	tls      bool
	br       *bufio.Reader
	bw       *bufio.Writer
	tr       *mintio.TraceReader
	tw       *mintio.TraceWriter
	line     chan lineErr // If non-nil, a goroutine is reading a line, for IDLE.
	lastLine string       // For detecting if a failed command announced a sync literal.
	lastlog  time.Time    // For printing the delta time since the previous logging for this connection.

	tlsConfig         *tls.Config
	localIP, remoteIP net.IP
	hostname          dns.Domain
	log               mlog.Log

	cmd       string    // Current command, as sent, uppercased.
	cmdMetric string    // Command for metrics, lowercased.
	cmdStart  time.Time // Start of current command.
	ncmds     int       // Number of commands processed, for deciding if a stray protocol deserves a BYE.

	authFailed int // Number of failed authentication attempts, for slowing down remotes with many failures.

	username string         // Set after successful authentication.
	account  *store.Account // Open account, after authentication.
	comm     *store.Comm    // For changes from other sessions, after authentication.

	// Selected mailbox, in selected state. The uids are the session's view of
	// the mailbox: message sequence number i is uids[i-1].
	mailboxID int64
	readonly  bool // For EXAMINE.
	uids      []store.UID
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol) || mintio.IsClosed(err)
}

// errIO is panicked on i/o errors. It unwinds up to serveConn, which closes
// the connection.
var errIO = errors.New("io error")

// errProtocol is panicked when we have to abort the connection because we can
// no longer get back in sync with the client, e.g. after a syntax error in a
// command that announced a sync literal.
var errProtocol = errors.New("fatal protocol error")

// cleanClose is panicked on LOGOUT, for a clean connection teardown.
var cleanClose struct{}

// Setting the trace level on the reader/writer lets us log the protocol
// exchange, and hide message data depending on the configured level.
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

// Write writes to the connection. It panics on i/o errors. The write deadline
// for the response was set when the command line was read.
func (c *conn) Write(buf []byte) (int, error) {
	var n int
	for len(buf) > 0 {
		nn, err := c.conn.Write(buf)
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[nn:]
	}
	return n, nil
}

// Cache of line buffers for reading commands.
var bufpool = mintio.NewBufpool(8, 16*1024)

// readline0 reads a line, returning an error instead of panicking so it can
// run in the channel goroutine during IDLE.
func (c *conn) readline0() (string, error) {
	d := 30 * time.Minute
	if c.state == stateNotAuthenticated {
		d = 30 * time.Second
	}
	err := c.conn.SetReadDeadline(time.Now().Add(d))
	c.log.Check(err, "setting read deadline")

	line, err := bufpool.Readline(c.log, c.br)
	if err != nil && errors.Is(err, mintio.ErrLineTooLong) {
		return "", fmt.Errorf("%s (%w)", err, errProtocol)
	} else if err != nil {
		return "", fmt.Errorf("%s (%w)", err, errIO)
	}
	return line, nil
}

// lineChan has a goroutine read a single line from the connection, for
// waiting on either a line or other events during IDLE.
func (c *conn) lineChan() chan lineErr {
	if c.line == nil {
		c.line = make(chan lineErr, 1)
		go func() {
			line, err := c.readline0()
			c.line <- lineErr{line, err}
		}()
	}
	return c.line
}

// readline reads a line, either directly or from the channel goroutine. With
// readCmd we announce the connection as inactive on a timeout.
func (c *conn) readline(readCmd bool) string {
	var line string
	var err error
	if c.line != nil {
		le := <-c.line
		c.line = nil
		line, err = le.line, le.err
	} else {
		line, err = c.readline0()
	}
	if err != nil {
		if readCmd && errors.Is(err, os.ErrDeadlineExceeded) {
			xerr := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.log.Check(xerr, "setting write deadline")
			c.writelinef("* BYE inactive")
		}
		if !isClosed(err) {
			err = fmt.Errorf("%s (%w)", err, errIO)
		}
		panic(err)
	}
	c.lastLine = line

	// We set a write deadline for the entire response to this line.
	werr := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(werr, "setting write deadline")

	return line
}

// xreadliteral reads a literal of the announced size from the connection,
// writing the continuation response first if the client is waiting for one.
func (c *conn) xreadliteral(size int64, sync bool) string {
	if sync {
		c.writelinef("+ ")
	}
	buf := make([]byte, size)
	if size > 0 {
		err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting read deadline")

		if _, err := io.ReadFull(c.br, buf); err != nil {
			// The connection is out of sync with the client, we cannot recover.
			panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
		}
	}
	return string(buf)
}

// Buffered-write a formatted response line.
func (c *conn) bwritelinef(format string, args ...any) {
	fmt.Fprintf(c.bw, format+"\r\n", args...)
}

// Write (with flush) a formatted response line.
func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// bwriteresultf writes a tagged command result, first applying pending
// changes from other sessions, except during commands where inserting
// untagged responses would invalidate the sequence numbers in progress.
func (c *conn) bwriteresultf(format string, args ...any) {
	switch c.cmd {
	case "FETCH", "STORE", "UID FETCH", "UID STORE":
		// Changes are applied by the commands themselves.
	default:
		if c.comm != nil {
			c.applyChanges(c.comm.Get(), false)
		}
	}
	c.bwritelinef(format, args...)
}

func (c *conn) writeresultf(format string, args ...any) {
	c.bwriteresultf(format, args...)
	c.xflush()
}

// ok writes the standard tagged OK completion for cmd.
func (c *conn) ok(tag, cmd string) {
	c.writeresultf("%s OK %s done", tag, cmd)
}

// Flush pending buffered writes to the connection.
func (c *conn) xflush() {
	c.bw.Flush() // Errors will have caused a panic in Write.
}

func kind(xtls bool) string {
	if xtls {
		return "imaps"
	}
	return "imap"
}

// capabilities returns the capabilities for the current connection state.
func (c *conn) capabilities() string {
	caps := "IMAP4rev1 LITERAL+ IDLE UNSELECT UIDPLUS ID"
	if !c.tls && c.tlsConfig != nil {
		caps += " STARTTLS"
	}
	// SASL mechanisms are only announced before authentication.
	if c.state == stateNotAuthenticated {
		if c.tls || c.tlsConfig == nil {
			caps += " AUTH=PLAIN"
		} else {
			// No plaintext passwords on a listener that can do TLS.
			caps += " LOGINDISABLED"
		}
	}
	return caps
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
	}
	c.log = mlog.New("imapserver", nil).WithFunc(func() []slog.Attr {
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
	c.tr = mintio.NewTraceReader(c.log, "RC: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = mintio.NewTraceWriter(c.log, "LS: ", c)
	c.bw = bufio.NewWriter(c.tw)

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
		if c.comm != nil {
			c.comm.Unregister()
			c.comm = nil
		}
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
			metrics.PanicInc(metrics.Imapserver)
		}
	}()

	if !limiterConnectionRate.Add(c.remoteIP, time.Now(), 1) {
		c.writelinef("* BYE connection rate from your ip or network too high, slow down please")
		return
	}

	// If remote IP/network resulted in too many authentication failures, refuse to serve.
	if !mint.LimiterFailedAuth.CanAdd(c.remoteIP, time.Now(), 1) {
		metrics.AuthenticationRatelimitedInc("imap")
		c.log.Debug("refusing connection due to many auth failures", slog.Any("remoteip", c.remoteIP))
		c.writelinef("* BYE too many auth failures")
		return
	}

	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", slog.Any("remoteip", c.remoteIP))
		c.writelinef("* BYE too many open connections from your ip or network")
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	select {
	case <-mint.Shutdown.Done():
		c.writelinef("* BYE shutting down")
		return
	default:
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	c.log.Check(err, "setting write deadline")
	c.writelinef("* OK [CAPABILITY %s] %s mint imap ready (%s)", c.capabilities(), c.hostname.ASCII, mint.ReceivedID(cid))

	for {
		c.command()
		c.xflush() // For flushing errors or commands that stream responses.
	}
}

// command reads and executes a single command. Protocol and user errors are
// recovered here and written as tagged BAD/NO responses, keeping the
// connection usable. I/O errors pass through, ending the connection.
func (c *conn) command() {
	var tag, cmd string
	var p *parser

	defer func() {
		var result string
		defer func() {
			metricCommands.WithLabelValues(c.cmdMetric, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}()

		x := recover()
		if x == nil {
			result = "ok"
			return
		}
		if x == cleanClose {
			result = "ok"
			panic(x)
		}

		err, ok := x.(error)
		if !ok {
			result = "panic"
			panic(x)
		}

		if isClosed(err) {
			result = "ioerror"
			panic(err)
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		if errors.As(err, &sxerr) {
			result = "badsyntax"
			if c.ncmds == 0 {
				// Other side is likely speaking something else than IMAP, stop the
				// connection after the first unparseable command.
				c.writelinef("* BYE please try speaking imap")
				panic(errIO)
			}
			c.log.Debugx("imap syntax error", sxerr.err, slog.String("lastline", c.lastLine))
			// If the failed command announced a sync literal, we cannot get back
			// in sync with the remaining command data, and must abort.
			fatal := strings.HasSuffix(c.lastLine, "+}")
			if fatal {
				werr := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				c.log.Check(werr, "setting write deadline")
			}
			if sxerr.line != "" {
				c.bwritelinef("%s", sxerr.line)
			}
			code := ""
			if sxerr.code != "" {
				code = "[" + sxerr.code + "] "
			}
			c.bwriteresultf("%s BAD %s%s unrecognized syntax/command: %v", tag, code, cmd, sxerr.errmsg)
			if fatal {
				c.xflush()
				panic(fmt.Errorf("aborting connection after syntax error for command with sync literal: %w", errProtocol))
			}
		} else if errors.As(err, &serr) {
			result = "servererror"
			c.log.Errorx("imap command server error", err, slog.String("cmd", c.cmd))
			c.writeresultf("%s NO %s %v (%s)", tag, cmd, err, mint.ReceivedID(c.cid))
		} else if errors.As(err, &uerr) {
			result = "usererror"
			c.log.Debugx("imap command user error", err, slog.String("cmd", c.cmd))
			if uerr.code != "" {
				c.writeresultf("%s NO [%s] %s %v", tag, uerr.code, cmd, err)
			} else {
				c.writeresultf("%s NO %s %v", tag, cmd, err)
			}
		} else {
			result = "panic"
			panic(x)
		}
	}()

	tag = "*"
	c.cmd, c.cmdMetric, c.cmdStart = "", "(unrecognized)", time.Now()

	line := c.readline(true)
	p = newParser(line, c)
	tag = p.xtag()
	p.xspace()
	cmd = p.xcommand()
	c.cmd = cmd
	c.cmdMetric = strings.ToLower(cmd)
	c.cmdStart = time.Now()

	select {
	case <-mint.Shutdown.Done():
		c.writelinef("* BYE shutting down")
		panic(errIO)
	default:
	}

	fn := commands[strings.ToLower(cmd)]
	if fn == nil {
		xsyntaxErrorf("unknown command %q", cmd)
	}
	c.ncmds++

	// Check the command is allowed in the current connection state.
	var allow bool
	switch {
	case slices.Contains(commandsStateAny, cmd):
		allow = true
	case slices.Contains(commandsStateNotAuthenticated, cmd):
		allow = c.state == stateNotAuthenticated
	case slices.Contains(commandsStateAuthenticated, cmd):
		allow = c.state == stateAuthenticated || c.state == stateSelected
	case slices.Contains(commandsStateSelected, cmd):
		allow = c.state == stateSelected
	}
	if !allow {
		xuserErrorf("not allowed in this connection state")
	}

	fn(c, tag, cmd, p)
}

// sequence returns the message sequence number for uid in the session view,
// or 0 when the uid is not known in this session.
func (c *conn) sequence(uid store.UID) msgseq {
	return uidSearch(c.uids, uid)
}

func uidSearch(uids []store.UID, uid store.UID) msgseq {
	s := 0
	e := len(uids)
	for s < e {
		i := s + (e-s)/2
		m := uids[i]
		if uid == m {
			return msgseq(i + 1)
		} else if uid < m {
			e = i
		} else {
			s = i + 1
		}
	}
	return 0
}

func (c *conn) xsequence(uid store.UID) msgseq {
	seq := c.sequence(uid)
	if seq == 0 {
		xserverErrorf("unknown uid %d (%s)", uid, mint.ReceivedID(c.cid))
	}
	return seq
}

func (c *conn) sequenceRemove(seq msgseq, uid store.UID) {
	i := int(seq) - 1
	if c.uids[i] != uid {
		xserverErrorf("sequence %d does not match uid %d (%s)", seq, uid, mint.ReceivedID(c.cid))
	}
	copy(c.uids[i:], c.uids[i+1:])
	c.uids = c.uids[:len(c.uids)-1]
}

// xnumSetUIDs resolves a sequence set to UIDs of messages in the session view
// of the selected mailbox. Message sequence numbers out of range are errors,
// UIDs that do not (or no longer) exist are ignored.
func (c *conn) xnumSetUIDs(isUID bool, nums numSet) []store.UID {
	var uids []store.UID
	seen := map[store.UID]bool{}
	add := func(uid store.UID) {
		if !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}

	if isUID {
		if len(c.uids) == 0 {
			return nil
		}
		last := uint32(c.uids[len(c.uids)-1])
		for _, uid := range c.uids {
			if nums.contains(uint32(uid), last) {
				add(uid)
			}
		}
		return uids
	}

	for _, r := range nums.ranges {
		if len(c.uids) == 0 {
			xsyntaxErrorf("invalid seq, no messages")
		}
		last := uint32(len(c.uids))
		first := r.first.value(last)
		end := first
		if r.last != nil {
			end = r.last.value(last)
		}
		if first > end {
			first, end = end, first
		}
		if first == 0 || end > last {
			xsyntaxErrorf("invalid seq %d:%d, only %d messages", first, end, last)
		}
		for seq := first; seq <= end; seq++ {
			add(c.uids[seq-1])
		}
	}
	slices.Sort(uids)
	return uids
}

// flaglist returns the IMAP flag list for system flags and keywords.
func flaglist(fl store.Flags, keywords []string) listspace {
	l := listspace{}
	flag := func(v bool, s string) {
		if v {
			l = append(l, bare(s))
		}
	}
	flag(fl.Seen, `\Seen`)
	flag(fl.Answered, `\Answered`)
	flag(fl.Flagged, `\Flagged`)
	flag(fl.Deleted, `\Deleted`)
	flag(fl.Draft, `\Draft`)
	flag(fl.Junk, "$Junk")
	flag(fl.Notjunk, "$NotJunk")
	flag(fl.Phishing, "$Phishing")
	for _, k := range keywords {
		l = append(l, bare(k))
	}
	return l
}

// applyChanges writes untagged responses for changes relayed from other
// sessions. With initial true we are in SELECT and the client has no sequence
// numbers yet, so no EXPUNGE responses are written.
func (c *conn) applyChanges(changes []store.Change, initial bool) {
	if len(changes) == 0 {
		return
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting write deadline")

	c.log.Debug("applying changes", slog.Any("changes", changes))

	i := 0
	for i < len(changes) {
		change := changes[i]
		i++

		switch ch := change.(type) {
		case store.ChangeAddUID:
			// Batch consecutive adds into a single EXISTS response.
			var adds []store.ChangeAddUID
			if ch.MailboxID == c.mailboxID && c.sequence(ch.UID) == 0 {
				adds = append(adds, ch)
			}
			for ; i < len(changes); i++ {
				add, ok := changes[i].(store.ChangeAddUID)
				if !ok {
					break
				}
				if add.MailboxID == c.mailboxID && c.sequence(add.UID) == 0 {
					adds = append(adds, add)
				}
			}
			if len(adds) == 0 {
				continue
			}
			for _, add := range adds {
				c.uids = append(c.uids, add.UID)
			}
			c.bwritelinef("* %d EXISTS", len(c.uids))
			for _, add := range adds {
				seq := c.xsequence(add.UID)
				c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", seq, add.UID, flaglist(add.Flags, add.Keywords).pack(c))
			}

		case store.ChangeRemoveUIDs:
			if ch.MailboxID != c.mailboxID {
				continue
			}
			for _, uid := range ch.UIDs {
				seq := c.sequence(uid)
				if seq == 0 {
					continue
				}
				c.sequenceRemove(seq, uid)
				if !initial {
					c.bwritelinef("* %d EXPUNGE", seq)
				}
			}

		case store.ChangeFlags:
			if ch.MailboxID != c.mailboxID {
				continue
			}
			seq := c.sequence(ch.UID)
			if seq == 0 {
				continue
			}
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", seq, ch.UID, flaglist(ch.Flags, ch.Keywords).pack(c))

		case store.ChangeAddMailbox:
			c.bwritelinef(`* LIST (%s) "/" %s`, strings.Join(ch.Flags, " "), astring(ch.Mailbox.Name).pack(c))
		case store.ChangeRemoveMailbox:
			c.bwritelinef(`* LIST (\NonExistent) "/" %s`, astring(ch.Name).pack(c))
		case store.ChangeRenameMailbox:
			c.bwritelinef(`* LIST () "/" %s`, astring(ch.NewName).pack(c))
		case store.ChangeAddSubscription:
			c.bwritelinef(`* LIST (\Subscribed) "/" %s`, astring(ch.Name).pack(c))
		default:
			xserverErrorf("unknown change type %T (%s)", change, mint.ReceivedID(c.cid))
		}
	}
	c.xflush()
}

// xdbread runs fn in a read-only database transaction on the account.
func (c *conn) xdbread(fn func(tx *bstore.Tx)) {
	err := c.account.DB.Read(mint.Context, func(tx *bstore.Tx) error {
		fn(tx)
		return nil
	})
	xcheckf(err, "transaction")
}

// xdbwrite runs fn in a writable database transaction on the account.
func (c *conn) xdbwrite(fn func(tx *bstore.Tx)) {
	err := c.account.DB.Write(mint.Context, func(tx *bstore.Tx) error {
		fn(tx)
		return nil
	})
	xcheckf(err, "transaction")
}

// xmailboxByName returns the mailbox by name, or panics with a user error.
func (c *conn) xmailboxByName(tx *bstore.Tx, name string) store.Mailbox {
	mb, err := c.account.MailboxFind(tx, name)
	xcheckf(err, "looking up mailbox")
	if mb == nil {
		xusercodeErrorf("NONEXISTENT", "no such mailbox")
	}
	return *mb
}

// xmailboxByID returns the selected mailbox from the database, or panics with
// a user error if it no longer exists.
func (c *conn) xmailboxByID(tx *bstore.Tx, id int64) store.Mailbox {
	mb := store.Mailbox{ID: id}
	err := tx.Get(&mb)
	if err == bstore.ErrAbsent {
		xuserErrorf("mailbox no longer exists")
	}
	xcheckf(err, "get mailbox")
	return mb
}

func (c *conn) unselect() {
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
	c.mailboxID = 0
	c.uids = nil
}

func (c *conn) setAuthenticated(acc *store.Account, username string) {
	c.account = acc
	c.username = username
	c.comm = store.RegisterComm(acc)
	c.state = stateAuthenticated
	c.log.Info("authentication succeeded", slog.String("username", username))
}

// State: any.
func (c *conn) cmdCapability(tag, cmd string, p *parser) {
	p.xempty()
	c.bwritelinef("* CAPABILITY %s", c.capabilities())
	c.ok(tag, cmd)
}

// State: any.
func (c *conn) cmdNoop(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// State: any.
func (c *conn) cmdLogout(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.state = stateNotAuthenticated
	c.bwritelinef("* BYE mint out")
	c.writeresultf("%s OK %s done", tag, cmd)
	panic(cleanClose)
}

// cmdID reads the client identification and returns ours.
// State: any.
func (c *conn) cmdID(tag, cmd string, p *parser) {
	p.xspace()
	var params map[string]string
	if p.take("(") {
		params = map[string]string{}
		for !p.take(")") {
			if len(params) > 0 {
				p.xspace()
			}
			k := p.xstring()
			p.xspace()
			var v string
			if !p.take("NIL") {
				v = p.xstring()
			}
			params[k] = v
		}
	} else {
		p.xnil()
	}
	p.xempty()
	c.log.Debug("client id", slog.Any("params", params))

	c.bwritelinef(`* ID ("name" "mint" "host" %s)`, string0(c.hostname.ASCII).pack(c))
	c.ok(tag, cmd)
}

// State: not authenticated.
func (c *conn) cmdStarttls(tag, cmd string, p *parser) {
	p.xempty()
	if c.tls {
		xsyntaxErrorf("tls already active")
	}
	if c.tlsConfig == nil {
		xuserErrorf("starttls not available")
	}

	// We add the buffered data back as a prefix so no client data is lost when
	// the tls layer takes over the raw connection. Clients shouldn't send data
	// before our response, but don't get to smuggle it past the handshake if
	// they do.
	conn := c.conn
	if n := c.br.Buffered(); n > 0 {
		conn = &mintio.PrefixConn{
			PrefixReader: io.LimitReader(c.br, int64(n)),
			Conn:         conn,
		}
	}

	c.writeresultf("%s OK starting tls", tag)

	cidctx := context.WithValue(mint.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	tlsConn := tls.Server(conn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("tls handshake: %s (%w)", err, errIO))
	}
	cancel()

	c.conn = tlsConn
	c.tr = mintio.NewTraceReader(c.log, "RC: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = mintio.NewTraceWriter(c.log, "LS: ", c)
	c.bw = bufio.NewWriter(c.tw)
	c.tls = true
}

// State: not authenticated.
func (c *conn) cmdAuthenticate(tag, cmd string, p *parser) {
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("imap", "plain", authResult)
		if authResult == "ok" {
			mint.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		} else {
			mint.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	// Slow down password guessing on this connection.
	if c.authFailed > 3 && authFailDelay > 0 {
		mint.Sleep(mint.Context, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Reset on success.

	p.xspace()
	mech := p.xatom()
	if !strings.EqualFold(mech, "plain") {
		xusercodeErrorf("CANNOT", "mechanism %s not supported", mech)
	}

	if !c.tls && c.tlsConfig != nil {
		// No plaintext passwords on a listener that can do TLS.
		xusercodeErrorf("PRIVACYREQUIRED", "use starttls before authenticate")
	}

	var auth string
	if p.empty() {
		c.writelinef("+ ")
		auth = c.readline(false)
	} else {
		p.xspace()
		auth = p.xtakeall()
	}
	if auth == "*" {
		authResult = "aborted"
		xsyntaxErrorf("authentication aborted")
	}
	buf, err := base64.StdEncoding.DecodeString(auth)
	if err != nil {
		xsyntaxErrorf("invalid base64: %v", err)
	}
	plain := bytes.Split(buf, []byte{0})
	if len(plain) != 3 {
		xsyntaxErrorf("bad plain auth data, expected 3 nul-separated tokens, got %d", len(plain))
	}
	authz := string(plain[0])
	authc := string(plain[1])
	password := string(plain[2])
	if authz != "" && authz != authc {
		xusercodeErrorf("AUTHORIZATIONFAILED", "cannot assume other role")
	}

	acc, err := store.OpenEmailAuth(authc, password)
	if err != nil {
		if errors.Is(err, store.ErrUnknownCredentials) {
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", authc))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		xcheckf(err, "authenticating")
	}
	authResult = "ok"
	c.authFailed = 0
	c.setAuthenticated(acc, authc)
	c.writeresultf("%s OK [CAPABILITY %s] authenticate done", tag, c.capabilities())
}

// State: not authenticated.
func (c *conn) cmdLogin(tag, cmd string, p *parser) {
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("imap", "login", authResult)
		if authResult == "ok" {
			mint.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		} else {
			mint.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	p.xspace()
	username := p.xastring()
	p.xspace()
	password := p.xastring()
	p.xempty()

	if !c.tls && c.tlsConfig != nil {
		// No plaintext passwords on a listener that can do TLS.
		xusercodeErrorf("PRIVACYREQUIRED", "use starttls before login")
	}

	if c.authFailed > 3 && authFailDelay > 0 {
		mint.Sleep(mint.Context, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Reset on success.

	acc, err := store.OpenEmailAuth(username, password)
	if err != nil {
		if errors.Is(err, store.ErrUnknownCredentials) {
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", username))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		xcheckf(err, "authenticating")
	}
	authResult = "ok"
	c.authFailed = 0
	c.setAuthenticated(acc, username)
	c.writeresultf("%s OK [CAPABILITY %s] login done", tag, c.capabilities())
}

// State: authenticated and selected.
func (c *conn) cmdSelect(tag, cmd string, p *parser) {
	c.cmdSelectExamine(true, tag, cmd, p)
}

// State: authenticated and selected.
func (c *conn) cmdExamine(tag, cmd string, p *parser) {
	c.cmdSelectExamine(false, tag, cmd, p)
}

func (c *conn) cmdSelectExamine(isselect bool, tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	// Deselect before selecting the new mailbox, so pending changes are not
	// applied against the new sequence numbers.
	if c.state == stateSelected {
		c.bwritelinef("* OK [CLOSED] x")
		c.unselect()
	}

	var mb store.Mailbox
	var firstUnseen msgseq
	c.account.WithRLock(func() {
		c.xdbread(func(tx *bstore.Tx) {
			mb = c.xmailboxByName(tx, name)

			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: mb.ID})
			q.FilterEqual("Expunged", false)
			q.SortAsc("UID")
			c.uids = []store.UID{}
			var seq msgseq = 1
			err := q.ForEach(func(m store.Message) error {
				c.uids = append(c.uids, m.UID)
				if firstUnseen == 0 && !m.Seen {
					firstUnseen = seq
				}
				seq++
				return nil
			})
			xcheckf(err, "listing messages in mailbox")
		})
	})
	c.mailboxID = mb.ID
	c.readonly = !isselect
	c.state = stateSelected

	// Apply any pending changes from other sessions now, the client has no
	// sequence numbers yet.
	c.applyChanges(c.comm.Get(), true)

	flags := `\Seen \Answered \Flagged \Deleted \Draft $Junk $NotJunk $Phishing`
	if len(mb.Keywords) > 0 {
		flags += " " + strings.Join(mb.Keywords, " ")
	}
	c.bwritelinef(`* FLAGS (%s)`, flags)
	c.bwritelinef(`* OK [PERMANENTFLAGS (%s \*)] x`, flags)
	c.bwritelinef(`* 0 RECENT`)
	c.bwritelinef(`* %d EXISTS`, len(c.uids))
	if firstUnseen > 0 {
		c.bwritelinef(`* OK [UNSEEN %d] x`, firstUnseen)
	}
	c.bwritelinef(`* OK [UIDVALIDITY %d] x`, mb.UIDValidity)
	c.bwritelinef(`* OK [UIDNEXT %d] x`, mb.UIDNext)
	c.bwritelinef(`* LIST () "/" %s`, astring(mb.Name).pack(c))
	if c.readonly {
		c.writeresultf("%s OK [READ-ONLY] %s done", tag, cmd)
	} else {
		c.writeresultf("%s OK [READ-WRITE] %s done", tag, cmd)
	}
}

// State: authenticated and selected.
func (c *conn) cmdCreate(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	// A trailing separator means the client wants a hierarchy, which any
	// mailbox can be.
	name = strings.TrimRight(name, "/")
	name = norm.NFC.String(name)

	if strings.EqualFold(name, "Inbox") {
		xusercodeErrorf("ALREADYEXISTS", "mailbox inbox always exists")
	}
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "//") {
		xuserErrorf("invalid mailbox name")
	}

	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			exists, err := c.account.MailboxExists(tx, name)
			xcheckf(err, "checking mailbox existence")
			if exists {
				xusercodeErrorf("ALREADYEXISTS", "mailbox already exists")
			}
			_, changes, err = c.account.MailboxEnsure(tx, name, true)
			xcheckf(err, "creating mailbox")
		})
		c.comm.Broadcast(changes)
	})

	// Untagged LIST responses for the new mailboxes, including any created
	// parents.
	for _, ch := range changes {
		add, ok := ch.(store.ChangeAddMailbox)
		if !ok {
			continue
		}
		c.bwritelinef(`* LIST (%s) "/" %s`, strings.Join(add.Flags, " "), astring(add.Mailbox.Name).pack(c))
	}
	c.ok(tag, cmd)
}

// State: authenticated and selected.
func (c *conn) cmdList(tag, cmd string, p *parser) {
	p.xspace()
	ref := p.xmailbox()
	p.xspace()
	pat := p.xlistMailbox()
	p.xempty()

	if pat == "" {
		// An empty pattern requests the hierarchy delimiter and root.
		c.bwritelinef(`* LIST (\Noselect) "/" ""`)
		c.ok(tag, cmd)
		return
	}

	pattern := ref + pat
	re := xpatternRegexp(pattern)

	var lines []string
	c.account.WithRLock(func() {
		c.xdbread(func(tx *bstore.Tx) {
			q := bstore.QueryTx[store.Mailbox](tx)
			q.SortAsc("Name")
			err := q.ForEach(func(mb store.Mailbox) error {
				if !re.MatchString(mb.Name) && !(mb.Name == "Inbox" && strings.EqualFold(pattern, "inbox")) {
					return nil
				}
				var flags []string
				if mb.Archive {
					flags = append(flags, `\Archive`)
				}
				if mb.Draft {
					flags = append(flags, `\Drafts`)
				}
				if mb.Junk {
					flags = append(flags, `\Junk`)
				}
				if mb.Sent {
					flags = append(flags, `\Sent`)
				}
				if mb.Trash {
					flags = append(flags, `\Trash`)
				}
				lines = append(lines, fmt.Sprintf(`* LIST (%s) "/" %s`, strings.Join(flags, " "), astring(mb.Name).pack(c)))
				return nil
			})
			xcheckf(err, "listing mailboxes")
		})
	})
	for _, line := range lines {
		c.bwritelinef("%s", line)
	}
	c.ok(tag, cmd)
}

// xpatternRegexp converts a LIST pattern to a regular expression: "%" matches
// within a hierarchy level, "*" matches anything.
func xpatternRegexp(pattern string) *regexp.Regexp {
	rs := "^"
	for _, c := range pattern {
		switch c {
		case '%':
			rs += "[^/]*"
		case '*':
			rs += ".*"
		default:
			rs += regexp.QuoteMeta(string(c))
		}
	}
	rs += "$"
	re, err := regexp.Compile(rs)
	xcheckf(err, "compiling pattern")
	return re
}

// State: authenticated and selected.
func (c *conn) cmdStatus(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	attrs := []string{p.xstatusAtt()}
	for p.space() {
		attrs = append(attrs, p.xstatusAtt())
	}
	p.xtake(")")
	p.xempty()

	var line string
	c.account.WithRLock(func() {
		c.xdbread(func(tx *bstore.Tx) {
			mb := c.xmailboxByName(tx, name)
			line = c.xstatusLine(tx, mb, attrs)
		})
	})
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}

func (p *parser) xstatusAtt() string {
	return p.xtakelist("MESSAGES", "UIDNEXT", "UIDVALIDITY", "UNSEEN", "DELETED", "RECENT")
}

func (c *conn) xstatusLine(tx *bstore.Tx, mb store.Mailbox, attrs []string) string {
	count := func(filters map[string]any) int {
		q := bstore.QueryTx[store.Message](tx)
		q.FilterNonzero(store.Message{MailboxID: mb.ID})
		q.FilterEqual("Expunged", false)
		for k, v := range filters {
			q.FilterEqual(k, v)
		}
		n, err := q.Count()
		xcheckf(err, "counting messages")
		return n
	}

	var l []string
	for _, a := range attrs {
		switch a {
		case "MESSAGES":
			l = append(l, fmt.Sprintf("MESSAGES %d", count(nil)))
		case "UIDNEXT":
			l = append(l, fmt.Sprintf("UIDNEXT %d", mb.UIDNext))
		case "UIDVALIDITY":
			l = append(l, fmt.Sprintf("UIDVALIDITY %d", mb.UIDValidity))
		case "UNSEEN":
			l = append(l, fmt.Sprintf("UNSEEN %d", count(map[string]any{"Seen": false})))
		case "DELETED":
			l = append(l, fmt.Sprintf("DELETED %d", count(map[string]any{"Deleted": true})))
		case "RECENT":
			l = append(l, "RECENT 0")
		}
	}
	return fmt.Sprintf("* STATUS %s (%s)", astring(mb.Name).pack(c), strings.Join(l, " "))
}

// cmdIdle waits while relaying changes from other sessions, until the client
// sends DONE. Each batch of changes extends the read deadline.
// State: authenticated and selected.
func (c *conn) cmdIdle(tag, cmd string, p *parser) {
	p.xempty()

	c.writelinef("+ waiting")

Wait:
	for {
		select {
		case le := <-c.lineChan():
			c.line = nil
			if le.err != nil {
				panic(le.err)
			}
			if strings.ToUpper(strings.TrimSuffix(le.line, "\r\n")) != "DONE" {
				// Protocol error, we cannot assume anything about the connection state.
				panic(fmt.Errorf("unexpected response %q to idle (%w)", le.line, errIO))
			}
			break Wait
		case <-c.comm.Pending:
			c.applyChanges(c.comm.Get(), false)
			c.xflush()
			err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Minute))
			c.log.Check(err, "setting read deadline")
		case <-mint.Shutdown.Done():
			c.writelinef("* BYE shutting down")
			panic(errIO)
		}
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting write deadline")
	c.ok(tag, cmd)
}

// cmdClose closes the selected mailbox, expunging messages marked \Deleted
// without writing untagged EXPUNGE responses.
// State: selected.
func (c *conn) cmdClose(tag, cmd string, p *parser) {
	p.xempty()

	if !c.readonly {
		removeIDs, _ := c.xexpunge(nil, true)
		if len(removeIDs) > 0 {
			c.account.RemoveMessageFiles(c.log, removeIDs)
		}
	}
	c.unselect()
	c.ok(tag, cmd)
}

// State: selected.
func (c *conn) cmdUnselect(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.ok(tag, cmd)
}

// State: selected.
func (c *conn) cmdExpunge(tag, cmd string, p *parser) {
	p.xempty()
	if c.readonly {
		xuserErrorf("mailbox open read-only")
	}
	c.cmdxExpunge(tag, cmd, nil)
}

// cmdUIDExpunge is like EXPUNGE, limited to messages in the uid set.
// State: selected.
func (c *conn) cmdUIDExpunge(tag, cmd string, p *parser) {
	p.xspace()
	uidSet := p.xnumSet()
	p.xempty()
	if c.readonly {
		xuserErrorf("mailbox open read-only")
	}
	c.cmdxExpunge(tag, cmd, &uidSet)
}

func (c *conn) cmdxExpunge(tag, cmd string, uidSet *numSet) {
	removeIDs, change := c.xexpunge(uidSet, false)
	defer func() {
		if len(removeIDs) > 0 {
			c.account.RemoveMessageFiles(c.log, removeIDs)
		}
	}()

	// Sequence numbers shift down as we announce each removal.
	for _, uid := range change.UIDs {
		seq := c.xsequence(uid)
		c.sequenceRemove(seq, uid)
		c.bwritelinef("* %d EXPUNGE", seq)
	}
	c.ok(tag, cmd)
}

// xexpunge removes messages marked \Deleted from the selected mailbox,
// optionally limited to a uid set. Only messages known in this session are
// considered. The change has been broadcast to other sessions; the caller
// applies it to this session and removes the returned message files.
func (c *conn) xexpunge(uidSet *numSet, missingMailboxOK bool) (removeIDs []int64, change store.ChangeRemoveUIDs) {
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb := store.Mailbox{ID: c.mailboxID}
			err := tx.Get(&mb)
			if err == bstore.ErrAbsent {
				if missingMailboxOK {
					return
				}
				xuserErrorf("mailbox no longer exists")
			}
			xcheckf(err, "get mailbox")

			var lastUID uint32
			if len(c.uids) > 0 {
				lastUID = uint32(c.uids[len(c.uids)-1])
			}

			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: c.mailboxID})
			q.FilterEqual("Deleted", true)
			q.FilterEqual("Expunged", false)
			q.FilterFn(func(m store.Message) bool {
				// Only remove messages known in this session, and within the
				// requested uid set for UID EXPUNGE.
				if uidSearch(c.uids, m.UID) == 0 {
					return false
				}
				return uidSet == nil || uidSet.contains(uint32(m.UID), lastUID)
			})
			q.SortAsc("UID")
			msgs, err := q.List()
			xcheckf(err, "listing messages to expunge")

			removeIDs, change, err = c.account.ExpungeMessages(tx, mb, msgs)
			xcheckf(err, "expunging messages")
		})
		if len(change.UIDs) > 0 {
			c.comm.Broadcast([]store.Change{change})
		}
	})
	return removeIDs, change
}

// State: selected.
func (c *conn) cmdStore(tag, cmd string, p *parser) {
	c.cmdxStore(false, tag, cmd, p)
}

// State: selected.
func (c *conn) cmdUIDStore(tag, cmd string, p *parser) {
	c.cmdxStore(true, tag, cmd, p)
}

func (c *conn) cmdxStore(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	var plus, minus bool
	if p.take("+") {
		plus = true
	} else if p.take("-") {
		minus = true
	}
	p.xtake("FLAGS")
	silent := p.take(".SILENT")
	p.xspace()
	var flagstrs []string
	if p.hasPrefix("(") {
		flagstrs = p.xflagList()
	} else {
		flagstrs = append(flagstrs, p.xflag())
		for p.space() {
			flagstrs = append(flagstrs, p.xflag())
		}
	}
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox open read-only")
	}

	flags, keywords, err := store.ParseFlagsKeywords(flagstrs)
	if err != nil {
		xuserErrorf("parsing flags: %v", err)
	}
	var mask store.Flags
	if plus {
		mask, flags = flags, store.FlagsAll
	} else if minus {
		mask, flags = flags, store.Flags{}
	} else {
		mask = store.FlagsAll
	}

	uids := c.xnumSetUIDs(isUID, nums)
	uidargs := make([]any, len(uids))
	for i, uid := range uids {
		uidargs[i] = uid
	}

	var updated []store.Message
	if len(uidargs) > 0 {
		c.account.WithWLock(func() {
			var modseq store.ModSeq
			c.xdbwrite(func(tx *bstore.Tx) {
				mb := c.xmailboxByID(tx, c.mailboxID)

				q := bstore.QueryTx[store.Message](tx)
				q.FilterNonzero(store.Message{MailboxID: c.mailboxID})
				q.FilterEqual("UID", uidargs...)
				q.FilterEqual("Expunged", false)
				q.SortAsc("UID")
				msgs, err := q.List()
				xcheckf(err, "listing messages for flag update")

				if !minus && len(keywords) > 0 {
					var mbKwChanged bool
					mb.Keywords, mbKwChanged = store.MergeKeywords(mb.Keywords, keywords)
					if mbKwChanged {
						err := tx.Update(&mb)
						xcheckf(err, "updating mailbox keywords")
					}
				}

				for _, m := range msgs {
					origFlags := m.Flags
					m.Flags = m.Flags.Set(mask, flags)
					var kwChanged bool
					if minus {
						n := len(m.Keywords)
						m.Keywords = store.RemoveKeywords(m.Keywords, keywords)
						kwChanged = len(m.Keywords) != n
					} else if plus {
						m.Keywords, kwChanged = store.MergeKeywords(m.Keywords, keywords)
					} else {
						kwChanged = !slices.Equal(m.Keywords, keywords)
						m.Keywords = keywords
					}
					if m.Flags == origFlags && !kwChanged {
						continue
					}
					if modseq == 0 {
						modseq, err = c.account.NextModSeq(tx)
						xcheckf(err, "assigning next modseq")
					}
					m.ModSeq = modseq
					err = tx.Update(&m)
					xcheckf(err, "updating message flags")
					updated = append(updated, m)
				}
			})

			if len(updated) > 0 {
				changes := make([]store.Change, len(updated))
				for i, m := range updated {
					changes[i] = store.ChangeFlags{MailboxID: m.MailboxID, UID: m.UID, ModSeq: m.ModSeq, Mask: mask, Flags: m.Flags, Keywords: m.Keywords}
				}
				c.comm.Broadcast(changes)
			}
		})
	}

	if !silent {
		for _, m := range updated {
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", c.xsequence(m.UID), m.UID, flaglist(m.Flags, m.Keywords).pack(c))
		}
	}
	c.ok(tag, cmd)
}
