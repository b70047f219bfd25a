package pop3server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

func init() {
	authFailDelay = 0
	mint.LimitersInitTests()
}

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

type testserver struct {
	t          *testing.T
	acc        *store.Account
	switchStop func()
}

func newTestServer(t *testing.T) *testserver {
	t.Helper()

	os.RemoveAll("../testdata/pop3/data")
	mint.ConfigFile = "../testdata/pop3/mint.conf"
	mint.MustLoadConfig()

	ts := &testserver{t: t}
	ts.switchStop = store.Switchboard()

	acc, err := store.OpenAccount("mjl")
	tcheck(t, err, "open account")
	err = acc.SetPassword("testtest")
	tcheck(t, err, "set password")
	ts.acc = acc

	return ts
}

func (ts *testserver) close() {
	err := ts.acc.Close()
	tcheck(ts.t, err, "closing account")
	ts.switchStop()
}

// deliver adds a message to the Inbox directly through the store.
func (ts *testserver) deliver(subject, body string) {
	t := ts.t
	t.Helper()

	msgFile, err := store.CreateMessageTemp("pop3test")
	tcheck(t, err, "creating temp message file")
	defer os.Remove(msgFile.Name())
	defer msgFile.Close()

	data := fmt.Sprintf("Subject: %s\r\nMessage-Id: <%s@mint.example>\r\n\r\n%s\r\n", subject, subject, body)
	mw := message.NewWriter(msgFile)
	_, err = mw.Write([]byte(data))
	tcheck(t, err, "writing temp message")

	m := store.Message{
		Received: time.Now(),
		Size:     mw.Size,
	}
	ts.acc.WithWLock(func() {
		err = ts.acc.DeliverMailbox(mlog.New("pop3server", nil), "Inbox", &m, msgFile, false)
	})
	tcheck(t, err, "delivering message")
}

func (ts *testserver) run(fn func(client *tclient)) {
	ts.t.Helper()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveConn("test", mint.Cid(), mint.Conf.Static.HostnameDomain, nil, serverConn, false)
	}()

	client := &tclient{t: ts.t, conn: clientConn, r: bufio.NewReader(clientConn)}
	client.readline() // Greeting.
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
	tcheck(c.t, err, "reading line")
	return strings.TrimRight(line, "\r\n")
}

func (c *tclient) writeline(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	tcheck(c.t, err, "writing line")
}

// xcmd sends a command and checks the response status.
func (c *tclient) xcmd(line string, ok bool) string {
	c.t.Helper()
	c.writeline(line)
	resp := c.readline()
	if ok && !strings.HasPrefix(resp, "+OK") {
		c.t.Fatalf("%q: expected +OK, got %q", line, resp)
	} else if !ok && !strings.HasPrefix(resp, "-ERR") {
		c.t.Fatalf("%q: expected -ERR, got %q", line, resp)
	}
	return resp
}

// xmultiline sends a command expecting +OK and reads the multi-line
// response, returning the lines without the terminating dot.
func (c *tclient) xmultiline(line string) []string {
	c.t.Helper()
	c.xcmd(line, true)
	var lines []string
	for {
		l := c.readline()
		if l == "." {
			return lines
		}
		lines = append(lines, strings.TrimPrefix(l, "."))
	}
}

func (c *tclient) auth() {
	c.t.Helper()
	c.xcmd("USER mjl@mint.example", true)
	c.xcmd("PASS testtest", true)
}

// messageSubjects returns the subjects of the messages in a mailbox, in UID
// order, for checking where messages ended up.
func messageSubjects(t *testing.T, acc *store.Account, mailboxName string) []string {
	t.Helper()
	var subjects []string
	err := acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, mailboxName)
		tcheck(t, err, "finding mailbox")
		if mb == nil {
			return nil
		}
		q := bstore.QueryTx[store.Message](tx)
		q.FilterNonzero(store.Message{MailboxID: mb.ID})
		q.FilterEqual("Expunged", false)
		q.SortAsc("UID")
		msgs, err := q.List()
		tcheck(t, err, "listing messages")
		for _, m := range msgs {
			mr := acc.MessageReader(m)
			part, err := message.Parse(mlog.New("pop3server", nil).Logger, false, mr)
			tcheck(t, err, "parsing message")
			hdr, err := part.Header()
			tcheck(t, err, "reading header")
			subjects = append(subjects, hdr.Get("Subject"))
			err = mr.Close()
			tcheck(t, err, "closing message reader")
		}
		return nil
	})
	tcheck(t, err, "reading mailbox")
	return subjects
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		// Transaction commands require authentication.
		for _, cmd := range []string{"STAT", "LIST", "UIDL", "RETR 1", "TOP 1 0", "DELE 1", "RSET", "NOOP"} {
			client.xcmd(cmd, false)
		}

		client.xcmd("APOP mjl@mint.example 0123456789abcdef", false)

		client.xcmd("PASS testtest", false) // USER first.
		client.xcmd("USER mjl@mint.example", true)
		client.xcmd("PASS badpassword", false)

		client.xcmd("USER mjl@mint.example", true)
		client.xcmd("PASS testtest", true)

		// No authentication commands once in the transaction state.
		client.xcmd("USER mjl@mint.example", false)
		client.xcmd("STLS", false)

		client.xcmd("QUIT", true)
	})
}

func TestCapa(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		caps := client.xmultiline("CAPA")
		for _, want := range []string{"USER", "TOP", "UIDL", "PIPELINING"} {
			found := false
			for _, c := range caps {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("CAPA missing %q, got %v", want, caps)
			}
		}
	})
}

func TestTransaction(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "first message body")
	ts.deliver("m2", "second message body")
	ts.deliver("m3", "third message body")

	ts.run(func(client *tclient) {
		client.auth()

		resp := client.xcmd("STAT", true)
		if !strings.HasPrefix(resp, "+OK 3 ") {
			t.Fatalf("STAT: expected 3 messages, got %q", resp)
		}

		lines := client.xmultiline("LIST")
		if len(lines) != 3 || !strings.HasPrefix(lines[0], "1 ") || !strings.HasPrefix(lines[2], "3 ") {
			t.Fatalf("LIST: got %v", lines)
		}

		client.xcmd("LIST 2", true)
		client.xcmd("LIST 4", false)
		client.xcmd("LIST 0", false)
		client.xcmd("LIST x", false)

		uidls := client.xmultiline("UIDL")
		if len(uidls) != 3 {
			t.Fatalf("UIDL: got %v", uidls)
		}
		seen := map[string]bool{}
		for _, l := range uidls {
			tokens := strings.Split(l, " ")
			if len(tokens) != 2 || seen[tokens[1]] {
				t.Fatalf("UIDL: malformed or duplicate entry %q", l)
			}
			seen[tokens[1]] = true
		}

		retr := client.xmultiline("RETR 2")
		text := strings.Join(retr, "\r\n")
		if !strings.Contains(text, "Subject: m2") || !strings.Contains(text, "second message body") {
			t.Fatalf("RETR 2: got %q", text)
		}
		client.xcmd("RETR 99", false)

		top := client.xmultiline("TOP 1 0")
		toptext := strings.Join(top, "\r\n")
		if !strings.Contains(toptext, "Subject: m1") {
			t.Fatalf("TOP 1 0: missing headers, got %q", toptext)
		}
		if strings.Contains(toptext, "first message body") {
			t.Fatalf("TOP 1 0: must not include body lines, got %q", toptext)
		}
		client.xcmd("TOP 1", false)
		client.xcmd("TOP 1 x", false)

		client.xcmd("NOOP", true)
		client.xcmd("QUIT", true)
	})

	// RETR and TOP mark the message seen.
	err := ts.acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[store.Message](tx)
		q.FilterEqual("Expunged", false)
		q.SortAsc("UID")
		msgs, err := q.List()
		tcheck(t, err, "listing messages")
		if len(msgs) != 3 {
			t.Fatalf("got %d messages, expected 3", len(msgs))
		}
		if !msgs[0].Seen || !msgs[1].Seen {
			t.Fatalf("messages 1 and 2 should be seen after TOP/RETR, got %v %v", msgs[0].Seen, msgs[1].Seen)
		}
		if msgs[2].Seen {
			t.Fatalf("message 3 should not be seen")
		}
		return nil
	})
	tcheck(t, err, "checking seen flags")
}

func TestDeleRset(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")
	ts.deliver("m2", "two")
	ts.deliver("m3", "three")

	ts.run(func(client *tclient) {
		client.auth()

		client.xcmd("DELE 2", true)
		client.xcmd("DELE 2", false) // Already deleted.
		client.xcmd("RETR 2", false)
		client.xcmd("LIST 2", false)
		client.xcmd("DELE 99", false)

		lines := client.xmultiline("LIST")
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "1 ") || !strings.HasPrefix(lines[1], "3 ") {
			t.Fatalf("LIST after DELE 2: got %v", lines)
		}
		resp := client.xcmd("STAT", true)
		if !strings.HasPrefix(resp, "+OK 2 ") {
			t.Fatalf("STAT after DELE 2: got %q", resp)
		}

		// RSET restores the deleted message.
		client.xcmd("RSET", true)
		lines = client.xmultiline("LIST")
		if len(lines) != 3 {
			t.Fatalf("LIST after RSET: got %v", lines)
		}
		client.xcmd("RETR 2", true)
		for {
			if client.readline() == "." {
				break
			}
		}

		client.xcmd("QUIT", true)
	})

	// Nothing was deleted.
	if subjects := messageSubjects(t, ts.acc, "Inbox"); len(subjects) != 3 {
		t.Fatalf("inbox has %v, expected 3 messages", subjects)
	}
}

func TestQuitUpdate(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")
	ts.deliver("m2", "two")
	ts.deliver("m3", "three")

	ts.run(func(client *tclient) {
		client.auth()
		client.xcmd("DELE 1", true)
		client.xcmd("DELE 3", true)
		client.xcmd("QUIT", true)
	})

	if subjects := messageSubjects(t, ts.acc, "Inbox"); len(subjects) != 1 || subjects[0] != "m2" {
		t.Fatalf("inbox after quit: got %v, expected only m2", subjects)
	}
	trash := messageSubjects(t, ts.acc, "Trash")
	if len(trash) != 2 || trash[0] != "m1" || trash[1] != "m3" {
		t.Fatalf("trash after quit: got %v, expected m1 and m3", trash)
	}
}

func TestQuitWithoutDeletions(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.auth()
		client.xcmd("DELE 1", true)
		client.xcmd("RSET", true)
		client.xcmd("QUIT", true)
	})

	if subjects := messageSubjects(t, ts.acc, "Inbox"); len(subjects) != 1 {
		t.Fatalf("inbox: got %v, expected 1 message", subjects)
	}
}

func TestSnapshot(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.auth()

		// A message delivered after authentication is not visible in this
		// session.
		ts.deliver("m2", "two")

		resp := client.xcmd("STAT", true)
		if !strings.HasPrefix(resp, "+OK 1 ") {
			t.Fatalf("STAT: expected snapshot of 1 message, got %q", resp)
		}
		client.xcmd("RETR 2", false)
		client.xcmd("QUIT", true)
	})

	ts.run(func(client *tclient) {
		client.auth()
		resp := client.xcmd("STAT", true)
		if !strings.HasPrefix(resp, "+OK 2 ") {
			t.Fatalf("STAT in new session: expected 2 messages, got %q", resp)
		}
		client.xcmd("QUIT", true)
	})
}

func TestUnknownCommand(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.xcmd("XYZZY", false)
		client.xcmd("QUIT", true)
	})
}
