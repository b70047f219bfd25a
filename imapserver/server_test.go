package imapserver

import (
	"bufio"
	"context"
	"encoding/base64"
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

	os.RemoveAll("../testdata/imap/data")
	mint.ConfigFile = "../testdata/imap/mint.conf"
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

	msgFile, err := store.CreateMessageTemp("imaptest")
	tcheck(t, err, "creating temp message file")
	defer os.Remove(msgFile.Name())
	defer msgFile.Close()

	data := fmt.Sprintf("From: mjl <mjl@mint.example>\r\nTo: mjl <mjl@mint.example>\r\nSubject: %s\r\nMessage-Id: <%s@mint.example>\r\nDate: Mon, 7 Feb 2022 09:47:09 -0700\r\nContent-Type: text/plain\r\n\r\n%s\r\n", subject, subject, body)
	mw := message.NewWriter(msgFile)
	_, err = mw.Write([]byte(data))
	tcheck(t, err, "writing temp message")

	m := store.Message{
		Received: time.Now(),
		Size:     mw.Size,
	}
	ts.acc.WithWLock(func() {
		err = ts.acc.DeliverMailbox(mlog.New("imapserver", nil), "Inbox", &m, msgFile, false)
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
	greeting := client.readline()
	if !strings.HasPrefix(greeting, "* OK [CAPABILITY ") {
		ts.t.Fatalf("unexpected greeting %q", greeting)
	}
	fn(client)
	clientConn.Close()
	<-done
}

type tclient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	tagn int
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

// transact sends a command with a fresh tag and reads the response up to and
// including the tagged result, returning the untagged lines and the result
// line without its tag.
func (c *tclient) transact(cmd string) ([]string, string) {
	c.t.Helper()
	c.tagn++
	tag := fmt.Sprintf("x%03d", c.tagn)
	c.writeline(tag + " " + cmd)
	var lines []string
	for {
		line := c.readline()
		if strings.HasPrefix(line, tag+" ") {
			return lines, strings.TrimPrefix(line, tag+" ")
		}
		lines = append(lines, line)
	}
}

// xcmd sends a command and requires an OK result, returning the untagged
// response lines.
func (c *tclient) xcmd(cmd string) []string {
	c.t.Helper()
	lines, result := c.transact(cmd)
	if !strings.HasPrefix(result, "OK") {
		c.t.Fatalf("%q: expected OK, got %q", cmd, result)
	}
	return lines
}

// xcmdf sends a command and requires the result to start with status (NO,
// BAD), returning the result line.
func (c *tclient) xcmdf(status, cmd string) string {
	c.t.Helper()
	_, result := c.transact(cmd)
	if !strings.HasPrefix(result, status) {
		c.t.Fatalf("%q: expected %s, got %q", cmd, status, result)
	}
	return result
}

func (c *tclient) login() {
	c.t.Helper()
	c.xcmd(`LOGIN "mjl@mint.example" "testtest"`)
}

func hasLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// messageCount returns the number of non-expunged messages in a mailbox.
func messageCount(t *testing.T, acc *store.Account, mailboxName string) int {
	t.Helper()
	var n int
	err := acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, mailboxName)
		tcheck(t, err, "finding mailbox")
		if mb == nil {
			return nil
		}
		q := bstore.QueryTx[store.Message](tx)
		q.FilterNonzero(store.Message{MailboxID: mb.ID})
		q.FilterEqual("Expunged", false)
		n, err = q.Count()
		tcheck(t, err, "counting messages")
		return nil
	})
	tcheck(t, err, "reading mailbox")
	return n
}

func TestAuthenticate(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		// Commands that require authentication get a tagged NO.
		client.xcmdf("NO", "SELECT inbox")
		client.xcmdf("NO", "LIST \"\" \"*\"")

		lines := client.xcmd("CAPABILITY")
		if !hasLine(lines, "IMAP4rev1") || !hasLine(lines, "AUTH=PLAIN") {
			t.Fatalf("capability: got %v", lines)
		}

		client.xcmdf("NO", `LOGIN "mjl@mint.example" "badpassword"`)
		client.login()

		// SASL mechanisms are no longer announced once authenticated.
		lines = client.xcmd("CAPABILITY")
		if !hasLine(lines, "IMAP4rev1") || hasLine(lines, "AUTH=PLAIN") {
			t.Fatalf("capability after login: got %v", lines)
		}

		// Authentication commands are not allowed once authenticated.
		client.xcmdf("NO", `LOGIN "mjl@mint.example" "testtest"`)
		client.xcmd("NOOP")
		client.xcmd("LOGOUT")
	})

	// AUTHENTICATE PLAIN with initial response.
	ts.run(func(client *tclient) {
		auth := base64.StdEncoding.EncodeToString([]byte("\x00mjl@mint.example\x00testtest"))
		client.xcmd("AUTHENTICATE PLAIN " + auth)
		client.xcmd("NOOP")
	})

	// AUTHENTICATE with an unknown mechanism.
	ts.run(func(client *tclient) {
		client.xcmdf("NO", "AUTHENTICATE CRAM-MD5 blob")
	})

	// LOGIN with non-synchronizing literals.
	ts.run(func(client *tclient) {
		user, pass := "mjl@mint.example", "testtest"
		client.tagn++
		tag := fmt.Sprintf("x%03d", client.tagn)
		client.writeline(fmt.Sprintf("%s LOGIN {%d+}\r\n%s {%d+}\r\n%s", tag, len(user), user, len(pass), pass))
		line := client.readline()
		if !strings.HasPrefix(line, tag+" OK") {
			t.Fatalf("login with literals: got %q", line)
		}
	})
}

func TestID(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		lines := client.xcmd(`ID ("name" "testclient" "version" NIL)`)
		if !hasLine(lines, `* ID ("name" "mint"`) {
			t.Fatalf("id: got %v", lines)
		}
		lines = client.xcmd("ID NIL")
		if !hasLine(lines, "* ID ") {
			t.Fatalf("id nil: got %v", lines)
		}
	})
}

func TestSelectFetchExpunge(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	for i := 1; i <= 5; i++ {
		ts.deliver(fmt.Sprintf("m%d", i), fmt.Sprintf("message %d body", i))
	}

	ts.run(func(client *tclient) {
		client.login()

		lines := client.xcmd("SELECT inbox")
		if !hasLine(lines, "* 5 EXISTS") {
			t.Fatalf("select: missing EXISTS, got %v", lines)
		}
		if !hasLine(lines, "[UIDVALIDITY ") || !hasLine(lines, "[UIDNEXT 6]") {
			t.Fatalf("select: missing uid responses, got %v", lines)
		}
		if !hasLine(lines, "[UNSEEN 1]") {
			t.Fatalf("select: expected first unseen 1, got %v", lines)
		}

		// Mark the first three seen, reselect, first unseen moves to 4.
		client.xcmd(`STORE 1:3 +FLAGS.SILENT (\Seen)`)
		lines = client.xcmd("SELECT inbox")
		if !hasLine(lines, "[UNSEEN 4]") {
			t.Fatalf("select after store: expected first unseen 4, got %v", lines)
		}

		// Deleting 2 and 4 and expunging renumbers the remaining messages.
		client.xcmd(`STORE 2,4 +FLAGS.SILENT (\Deleted)`)
		lines = client.xcmd("EXPUNGE")
		if len(lines) != 2 || lines[0] != "* 2 EXPUNGE" || lines[1] != "* 3 EXPUNGE" {
			t.Fatalf("expunge: got %v", lines)
		}

		lines = client.xcmd("FETCH 1:3 (UID)")
		if len(lines) != 3 || !strings.Contains(lines[0], "UID 1") || !strings.Contains(lines[1], "UID 3") || !strings.Contains(lines[2], "UID 5") {
			t.Fatalf("fetch after expunge: got %v", lines)
		}

		// Sequence numbers beyond the mailbox are errors.
		client.xcmdf("BAD", "FETCH 4 (UID)")

		// UID FETCH ignores unknown uids.
		lines = client.xcmd("UID FETCH 1:* (FLAGS)")
		if len(lines) != 3 {
			t.Fatalf("uid fetch: got %v", lines)
		}
	})

	if n := messageCount(t, ts.acc, "Inbox"); n != 3 {
		t.Fatalf("inbox has %d messages after expunge, expected 3", n)
	}
}

func TestFetchData(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("hello", "the quick brown fox")

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")

		lines := client.xcmd("FETCH 1 (UID RFC822.SIZE INTERNALDATE ENVELOPE BODYSTRUCTURE)")
		text := strings.Join(lines, "\n")
		if !strings.Contains(text, "ENVELOPE (") || !strings.Contains(text, `"hello"`) {
			t.Fatalf("fetch envelope: got %q", text)
		}
		if !strings.Contains(text, "RFC822.SIZE ") || !strings.Contains(text, "INTERNALDATE ") {
			t.Fatalf("fetch attributes: got %q", text)
		}
		if !strings.Contains(text, `BODYSTRUCTURE ("TEXT" "PLAIN"`) {
			t.Fatalf("fetch bodystructure: got %q", text)
		}

		// Non-peek body fetch returns the data and marks the message seen.
		lines = client.xcmd("FETCH 1 BODY[]")
		text = strings.Join(lines, "\n")
		if !strings.Contains(text, "Subject: hello") || !strings.Contains(text, "the quick brown fox") {
			t.Fatalf("fetch body: got %q", text)
		}
		if !strings.Contains(text, `\Seen`) {
			t.Fatalf("fetch body should mark seen, got %q", text)
		}

		lines = client.xcmd("FETCH 1 BODY.PEEK[HEADER]")
		text = strings.Join(lines, "\n")
		if !strings.Contains(text, "Subject: hello") || strings.Contains(text, "quick brown") {
			t.Fatalf("fetch header: got %q", text)
		}

		lines = client.xcmd("FETCH 1 BODY.PEEK[TEXT]")
		text = strings.Join(lines, "\n")
		if !strings.Contains(text, "the quick brown fox") || strings.Contains(text, "Subject:") {
			t.Fatalf("fetch text: got %q", text)
		}

		lines = client.xcmd("FETCH 1 BODY.PEEK[HEADER.FIELDS (Subject)]")
		text = strings.Join(lines, "\n")
		if !strings.Contains(text, "Subject: hello") || strings.Contains(text, "Message-Id:") {
			t.Fatalf("fetch header fields: got %q", text)
		}

		// Partial fetch of the first bytes.
		lines = client.xcmd("FETCH 1 BODY.PEEK[]<0.10>")
		text = strings.Join(lines, "\n")
		if !strings.Contains(text, "BODY[]<0>") || !strings.Contains(text, "{10}") {
			t.Fatalf("fetch partial: got %q", text)
		}

		// The ALL macro.
		client.xcmd("FETCH 1 ALL")
	})
}

func TestStoreFlags(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")

		lines := client.xcmd(`STORE 1 +FLAGS (\Seen custom)`)
		if !hasLine(lines, `\Seen`) || !hasLine(lines, "custom") {
			t.Fatalf("store: got %v", lines)
		}

		lines = client.xcmd(`STORE 1 -FLAGS (\Seen)`)
		if hasLine(lines, `\Seen`) || !hasLine(lines, "custom") {
			t.Fatalf("store minus: got %v", lines)
		}

		// Replacing sets exactly the given flags.
		lines = client.xcmd(`STORE 1 FLAGS (\Answered)`)
		if !hasLine(lines, `\Answered`) || hasLine(lines, "custom") {
			t.Fatalf("store replace: got %v", lines)
		}

		// Silent stores return no untagged FETCH.
		lines = client.xcmd(`STORE 1 +FLAGS.SILENT (\Flagged)`)
		if len(lines) != 0 {
			t.Fatalf("store silent: got %v", lines)
		}

		client.xcmdf("BAD", `STORE 1 +FLAGS (\Unknownsystemflag)`)
	})
}

func TestExamine(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.login()

		_, result := client.transact("EXAMINE inbox")
		if !strings.Contains(result, "[READ-ONLY]") {
			t.Fatalf("examine: got %q", result)
		}

		client.xcmdf("NO", `STORE 1 +FLAGS (\Seen)`)
		client.xcmdf("NO", "EXPUNGE")

		// Reading a body in a read-only mailbox does not mark it seen.
		lines := client.xcmd("FETCH 1 BODY[]")
		if hasLine(lines, `\Seen`) {
			t.Fatalf("fetch in examine marked message seen: %v", lines)
		}
	})
}

func TestCreateListStatus(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.login()

		lines := client.xcmd("CREATE archive/2025")
		// Both the parent and the new mailbox are announced.
		if !hasLine(lines, `"archive"`) && !hasLine(lines, " archive") {
			t.Fatalf("create: missing parent, got %v", lines)
		}
		client.xcmdf("NO", "CREATE archive/2025")
		client.xcmdf("NO", "CREATE INBOX")

		lines = client.xcmd(`LIST "" "*"`)
		text := strings.Join(lines, "\n")
		if !strings.Contains(text, "Inbox") || !strings.Contains(text, "archive/2025") {
			t.Fatalf("list: got %q", text)
		}

		// The % wildcard does not descend into hierarchies.
		lines = client.xcmd(`LIST "" "%"`)
		text = strings.Join(lines, "\n")
		if strings.Contains(text, "archive/2025") || !strings.Contains(text, "archive") {
			t.Fatalf("list %%: got %q", text)
		}

		lines = client.xcmd("STATUS inbox (MESSAGES UNSEEN UIDNEXT UIDVALIDITY)")
		if !hasLine(lines, "MESSAGES 1") || !hasLine(lines, "UNSEEN 1") {
			t.Fatalf("status: got %v", lines)
		}
	})
}

func TestClose(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")
	ts.deliver("m2", "two")

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")
		client.xcmd(`STORE 1 +FLAGS.SILENT (\Deleted)`)

		// CLOSE expunges without untagged EXPUNGE responses.
		lines := client.xcmd("CLOSE")
		if hasLine(lines, "EXPUNGE") {
			t.Fatalf("close: unexpected untagged expunge, got %v", lines)
		}

		// Back in authenticated state.
		client.xcmdf("NO", "FETCH 1 (UID)")

		lines = client.xcmd("SELECT inbox")
		if !hasLine(lines, "* 1 EXISTS") {
			t.Fatalf("select after close: got %v", lines)
		}
	})

	if n := messageCount(t, ts.acc, "Inbox"); n != 1 {
		t.Fatalf("inbox has %d messages after close, expected 1", n)
	}
}

func TestUIDExpunge(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")
	ts.deliver("m2", "two")
	ts.deliver("m3", "three")

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")
		client.xcmd(`STORE 1:3 +FLAGS.SILENT (\Deleted)`)

		// Only the message in the uid set is expunged.
		lines := client.xcmd("UID EXPUNGE 2")
		if len(lines) != 1 || lines[0] != "* 2 EXPUNGE" {
			t.Fatalf("uid expunge: got %v", lines)
		}

		lines = client.xcmd("FETCH 1:2 (UID)")
		if len(lines) != 2 || !strings.Contains(lines[0], "UID 1") || !strings.Contains(lines[1], "UID 3") {
			t.Fatalf("fetch after uid expunge: got %v", lines)
		}
	})

	if n := messageCount(t, ts.acc, "Inbox"); n != 2 {
		t.Fatalf("inbox has %d messages, expected 2", n)
	}
}

func TestUnselect(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")
		client.xcmd(`STORE 1 +FLAGS.SILENT (\Deleted)`)

		// UNSELECT leaves the mailbox without expunging.
		client.xcmd("UNSELECT")
		client.xcmdf("NO", "FETCH 1 (UID)")
	})

	if n := messageCount(t, ts.acc, "Inbox"); n != 1 {
		t.Fatalf("inbox has %d messages after unselect, expected 1", n)
	}
}

func TestIdle(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")

		client.writeline("y001 IDLE")
		if line := client.readline(); !strings.HasPrefix(line, "+ ") {
			t.Fatalf("idle: expected continuation, got %q", line)
		}

		// A delivery through another route shows up as untagged responses.
		ts.deliver("m1", "one")
		if line := client.readline(); line != "* 1 EXISTS" {
			t.Fatalf("idle: expected EXISTS, got %q", line)
		}
		if line := client.readline(); !strings.HasPrefix(line, "* 1 FETCH (UID 1 FLAGS") {
			t.Fatalf("idle: expected FETCH, got %q", line)
		}

		client.writeline("DONE")
		if line := client.readline(); !strings.HasPrefix(line, "y001 OK") {
			t.Fatalf("idle: expected tagged OK after done, got %q", line)
		}

		// The new message is addressable now.
		client.xcmd("FETCH 1 (UID)")
	})
}

func TestChangesBetweenSessions(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.deliver("m1", "one")

	ts.run(func(client *tclient) {
		client.login()
		client.xcmd("SELECT inbox")

		// A delivery while selected is announced with the next command.
		ts.deliver("m2", "two")
		lines := client.xcmd("NOOP")
		if !hasLine(lines, "* 2 EXISTS") {
			t.Fatalf("noop after delivery: got %v", lines)
		}
		client.xcmd("FETCH 2 (UID)")
	})
}

func TestBadCommands(t *testing.T) {
	ts := newTestServer(t)
	defer ts.close()

	ts.run(func(client *tclient) {
		// After a first valid command, syntax errors get a tagged BAD.
		client.xcmd("NOOP")
		client.xcmdf("BAD", "BLURB")
		client.xcmdf("BAD", "NOOP leftover")
		client.login()
		client.xcmd("SELECT inbox")
		client.xcmdf("BAD", "FETCH")
		client.xcmdf("BAD", "FETCH 0 (UID)")
		client.xcmdf("BAD", "STORE 1 FLAGS")
	})

	// Garbage as the first command closes the connection with a BYE.
	ts.run(func(client *tclient) {
		client.writeline("!")
		if line := client.readline(); !strings.HasPrefix(line, "* BYE") {
			t.Fatalf("stray protocol: expected BYE, got %q", line)
		}
	})
}
