package smtpserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/pipeline"
	"github.com/ibrahimsoriey1/quantummint-sub000/queue"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var ctxbg = context.Background()

func init() {
	// Don't make tests slow.
	badClientDelay = 0
	authFailDelay = 0
	unknownRecipientsDelay = 0

	mint.LimitersInitTests()
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

var submitMessage = strings.ReplaceAll(`From: <mjl@mint.example>
To: <remote@example.org>
Subject: test

test email
`, "\n", "\r\n")

var deliverMessage = strings.ReplaceAll(`From: <remote@example.org>
To: <mjl@mint.example>
Subject: test
Message-Id: <test@example.org>

test email
`, "\n", "\r\n")

type testserver struct {
	t          *testing.T
	acc        *store.Account
	pipe       *pipeline.Static
	switchStop func()

	submission     bool
	maxMessageSize int64
}

func newTestServer(t *testing.T, submission bool) *testserver {
	t.Helper()

	os.RemoveAll("../testdata/smtp/data")
	mint.ConfigFile = filepath.FromSlash("../testdata/smtp/mint.conf")
	mint.MustLoadConfig()

	err := queue.Init()
	tcheck(t, err, "queue init")

	ts := &testserver{
		t:              t,
		pipe:           pipeline.NewStatic(),
		switchStop:     store.Switchboard(),
		submission:     submission,
		maxMessageSize: config.DefaultMaxMsgSize,
	}

	ts.acc, err = store.OpenAccount("mjl")
	tcheck(t, err, "open account")
	err = ts.acc.SetPassword("testtest")
	tcheck(t, err, "set password")

	return ts
}

func (ts *testserver) close() {
	if ts.acc != nil {
		err := ts.acc.Close()
		tcheck(ts.t, err, "closing account")
		ts.acc = nil
	}
	queue.Shutdown()
	ts.switchStop()
}

// run sets up a server connection over a duplex pipe and calls fn with a
// client for the other end.
func (ts *testserver) run(fn func(client *tclient)) {
	ts.t.Helper()

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveConn("test", mint.Cid(), mint.Conf.Static.HostnameDomain, nil, serverConn, ts.pipe, ts.submission, false, ts.maxMessageSize, false)
	}()

	client := &tclient{t: ts.t, conn: clientConn, r: bufio.NewReader(clientConn)}
	fn(client)
	clientConn.Close()
	<-done
}

type tclient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *tclient) readline() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	tcheck(c.t, err, "reading response line")
	return strings.TrimRight(line, "\r\n")
}

func (c *tclient) writeline(s string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(s + "\r\n"))
	tcheck(c.t, err, "writing command line")
}

// expect reads response lines up to and including the final line of a reply
// and checks that the reply code matches.
func (c *tclient) expect(code string) string {
	c.t.Helper()
	for {
		line := c.readline()
		if strings.HasPrefix(line, code+" ") || line == code {
			return line
		}
		if strings.HasPrefix(line, code+"-") {
			continue
		}
		c.t.Fatalf("expected response code %s, got %q", code, line)
	}
}

func (c *tclient) xcmd(line, code string) string {
	c.t.Helper()
	c.writeline(line)
	return c.expect(code)
}

func (c *tclient) data(msg, code string) {
	c.t.Helper()
	c.writeline("DATA")
	c.expect("354")
	c.writeline(msg + ".")
	c.expect(code)
}

func authPlain(username, password string) string {
	return "AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00"+username+"\x00"+password))
}

func queueList(t *testing.T, f queue.Filter) []queue.Msg {
	t.Helper()
	msgs, err := queue.List(ctxbg, f)
	tcheck(t, err, "listing queue")
	return msgs
}

func TestSubmission(t *testing.T) {
	ts := newTestServer(t, true)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO client.example", "250")

		// Authentication is required before a transaction.
		client.xcmd("MAIL FROM:<mjl@mint.example>", "530")

		// Bad credentials are rejected, the connection stays usable.
		client.xcmd(authPlain("mjl@mint.example", "wordpass"), "535")
		client.xcmd(authPlain("mjl@mint.example", "testtest"), "235")

		// Sender must be an address of the authenticated account.
		client.xcmd("MAIL FROM:<away@mint.example>", "550")
		client.xcmd("RSET", "250")

		client.xcmd("MAIL FROM:<mjl@mint.example>", "250")
		client.xcmd("RCPT TO:<remote@example.org>", "250")
		client.data(submitMessage, "250")
		client.xcmd("QUIT", "221")
	})

	msgs := queueList(t, queue.Filter{})
	if len(msgs) != 1 {
		t.Fatalf("got %d queued messages, expected 1", len(msgs))
	}
	if msgs[0].Lane != queue.LaneRemote {
		t.Fatalf("got lane %q, expected %q", msgs[0].Lane, queue.LaneRemote)
	}
	if msgs[0].SenderAccount != "mjl" {
		t.Fatalf("got sender account %q, expected mjl", msgs[0].SenderAccount)
	}
}

func TestSubmissionMessageFrom(t *testing.T) {
	ts := newTestServer(t, true)
	defer ts.close()

	// The message From header must also match the authenticated account.
	msg := strings.ReplaceAll(`From: <away@mint.example>
To: <remote@example.org>
Subject: test

test email
`, "\n", "\r\n")

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO client.example", "250")
		client.xcmd(authPlain("mjl@mint.example", "testtest"), "235")
		client.xcmd("MAIL FROM:<mjl@mint.example>", "250")
		client.xcmd("RCPT TO:<remote@example.org>", "250")
		client.data(msg, "550")
	})

	if msgs := queueList(t, queue.Filter{}); len(msgs) != 0 {
		t.Fatalf("got %d queued messages, expected 0", len(msgs))
	}
}

func TestSubmissionLocalLane(t *testing.T) {
	ts := newTestServer(t, true)
	defer ts.close()

	// Submission to a local address must go to the local lane.
	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO client.example", "250")
		client.xcmd(authPlain("mjl@mint.example", "testtest"), "235")
		client.xcmd("MAIL FROM:<mjl@mint.example>", "250")
		client.xcmd("RCPT TO:<away@mint.example>", "250")
		client.data(submitMessage, "250")
	})

	msgs := queueList(t, queue.Filter{Lane: queue.LaneLocal})
	if len(msgs) != 1 {
		t.Fatalf("got %d local queued messages, expected 1", len(msgs))
	}
}

func TestDelivery(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO remote.example.org", "250")

		client.xcmd("MAIL FROM:<remote@example.org>", "250")

		// Unknown local users are rejected at RCPT.
		client.xcmd("RCPT TO:<nosuchuser@mint.example>", "550")

		// We are not an open relay.
		client.xcmd("RCPT TO:<someone@other.example>", "550")

		client.xcmd("RCPT TO:<mjl@mint.example>", "250")
		client.data(deliverMessage, "250")
		client.xcmd("QUIT", "221")
	})

	msgs := queueList(t, queue.Filter{})
	if len(msgs) != 1 {
		t.Fatalf("got %d queued messages, expected 1", len(msgs))
	}
	m := msgs[0]
	if m.Lane != queue.LaneLocal {
		t.Fatalf("got lane %q, expected %q", m.Lane, queue.LaneLocal)
	}
	if m.Mailbox != "" {
		t.Fatalf("got mailbox %q, expected empty for default destination", m.Mailbox)
	}
	if m.SenderAccount != "" {
		t.Fatalf("got sender account %q, expected empty for incoming delivery", m.SenderAccount)
	}
}

func TestDeliveryPostmaster(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO remote.example.org", "250")
		client.xcmd("MAIL FROM:<remote@example.org>", "250")
		client.xcmd("RCPT TO:<POSTMASTER>", "250")
		client.data(deliverMessage, "250")
	})

	msgs := queueList(t, queue.Filter{})
	if len(msgs) != 1 {
		t.Fatalf("got %d queued messages, expected 1", len(msgs))
	}
}

func TestDeliverySpam(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.pipe.SpamResult = pipeline.Spam{Score: 9.9, Status: pipeline.SpamStatusSpam, Reasons: []string{"test"}}

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO remote.example.org", "250")
		client.xcmd("MAIL FROM:<remote@example.org>", "250")
		client.xcmd("RCPT TO:<mjl@mint.example>", "250")
		client.data(deliverMessage, "250")
	})

	msgs := queueList(t, queue.Filter{})
	if len(msgs) != 1 {
		t.Fatalf("got %d queued messages, expected 1", len(msgs))
	}
	if msgs[0].Mailbox != "Spam" {
		t.Fatalf("got mailbox %q, expected Spam", msgs[0].Mailbox)
	}
}

func TestDeliveryVirus(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.pipe.VirusResult = pipeline.Virus{Status: pipeline.VirusInfected, Details: "EICAR test"}

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO remote.example.org", "250")
		client.xcmd("MAIL FROM:<remote@example.org>", "250")
		client.xcmd("RCPT TO:<mjl@mint.example>", "250")
		client.data(deliverMessage, "554")
	})

	// An infected message is never queued.
	if msgs := queueList(t, queue.Filter{}); len(msgs) != 0 {
		t.Fatalf("got %d queued messages, expected 0", len(msgs))
	}
}

func TestMaxMessageSize(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()
	ts.maxMessageSize = 1024

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO remote.example.org", "250")

		// An announced size beyond the maximum is rejected at MAIL.
		client.xcmd("MAIL FROM:<remote@example.org> SIZE=1048576", "552")

		// Data beyond the maximum aborts the transaction.
		client.xcmd("MAIL FROM:<remote@example.org>", "250")
		client.xcmd("RCPT TO:<mjl@mint.example>", "250")
		client.writeline("DATA")
		client.expect("354")
		go func() {
			// The server stops reading when the size is reached, so write
			// concurrently with reading the error response.
			client.conn.Write([]byte(deliverMessage))
			client.conn.Write([]byte(strings.Repeat("octets and more octets until over the limit\r\n", 100)))
			client.conn.Write([]byte(".\r\n"))
		}()
		client.expect("451")
	})

	if msgs := queueList(t, queue.Filter{}); len(msgs) != 0 {
		t.Fatalf("got %d queued messages, expected 0", len(msgs))
	}
}

func TestBlockedIP(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	// Test connections get 127.0.0.10 as remote IP.
	ts.pipe.BlockedIPs = []net.IP{net.ParseIP("127.0.0.10")}

	ts.run(func(client *tclient) {
		client.expect("554")
	})
}

func TestConnectionRateLimited(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.pipe.RateLimited = true

	ts.run(func(client *tclient) {
		client.expect("421")
	})
}

func TestBareLF(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO remote.example.org", "250")
		client.xcmd("MAIL FROM:<remote@example.org>", "250")
		client.xcmd("RCPT TO:<mjl@mint.example>", "250")
		client.writeline("DATA")
		client.expect("354")
		// A bare newline in the data may be smtp smuggling, the message is rejected.
		// Single write so the server has consumed everything before it responds.
		client.conn.Write([]byte("Subject: test\r\n\r\nbare\nnewline\r\n.\r\n"))
		client.expect("500")
	})
}

func TestUnknownFirstCommand(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	// Something that is clearly not SMTP closes the connection right away.
	ts.run(func(client *tclient) {
		client.expect("220")
		client.writeline("GET / HTTP/1.1")
		client.expect("500")
		if _, err := client.r.ReadString('\n'); err == nil {
			t.Fatalf("expected connection to be closed after unknown first command")
		}
	})
}

func TestHelo(t *testing.T) {
	ts := newTestServer(t, false)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("HELO remote.example.org", "250")
		client.xcmd("NOOP", "250")
		client.xcmd("VRFY mjl@mint.example", "252")
		client.xcmd("EXPN mjl@mint.example", "252")
		client.xcmd("HELP", "214")

		// MAIL requires a hello, RSET clears the transaction.
		client.xcmd("MAIL FROM:<remote@example.org>", "250")
		client.xcmd("RSET", "250")
		client.xcmd("MAIL FROM:<remote@example.org>", "250")

		client.xcmd("RCPT TO:<mjl@mint.example>", "250")
		client.xcmd("QUIT", "221")
	})
}

func TestEhloCapabilities(t *testing.T) {
	ts := newTestServer(t, true)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.expect("220")
		client.writeline("EHLO client.example")
		var caps []string
		for {
			line := client.readline()
			if !strings.HasPrefix(line, "250") {
				t.Fatalf("unexpected ehlo response line %q", line)
			}
			caps = append(caps, strings.TrimPrefix(strings.TrimPrefix(line, "250-"), "250 "))
			if strings.HasPrefix(line, "250 ") {
				break
			}
		}
		for _, want := range []string{"PIPELINING", "ENHANCEDSTATUSCODES", "8BITMIME", "SMTPUTF8", "AUTH PLAIN LOGIN", fmt.Sprintf("SIZE %d", config.DefaultMaxMsgSize)} {
			found := false
			for _, c := range caps {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("ehlo response is missing %q, got %v", want, caps)
			}
		}
	})
}

func TestAuthLogin(t *testing.T) {
	ts := newTestServer(t, true)
	defer ts.close()

	b64 := func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}

	ts.run(func(client *tclient) {
		client.expect("220")
		client.xcmd("EHLO client.example", "250")

		client.writeline("AUTH LOGIN")
		client.expect("334")
		client.writeline(b64("mjl@mint.example"))
		client.expect("334")
		client.writeline(b64("testtest"))
		client.expect("235")

		client.xcmd("MAIL FROM:<mjl@mint.example>", "250")
	})
}
