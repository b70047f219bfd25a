package queue

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtpclient"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func setup(t *testing.T) func() {
	t.Helper()
	os.RemoveAll("../testdata/queue/data")
	mint.ConfigFile = filepath.FromSlash("../testdata/queue/mint.conf")
	mint.MustLoadConfig()
	err := Init()
	tcheck(t, err, "queue init")
	switchStop := store.Switchboard()
	return func() {
		mint.ShutdownCancel()
		Shutdown()
		switchStop()
	}
}

var testmsg = strings.ReplaceAll(`From: <mjl@mint.example>
To: <sam@remote.example>
Message-Id: <orig1@mint.example>
Subject: hello

test email
`, "\n", "\r\n")

func prepareFile(t *testing.T, msg string) *os.File {
	t.Helper()
	f, err := store.CreateMessageTemp("queue-test")
	tcheck(t, err, "create temp message file")
	_, err = f.Write([]byte(msg))
	tcheck(t, err, "write message file")
	return f
}

func path(localpart, domain string) smtp.Path {
	return smtp.Path{Localpart: smtp.Localpart(localpart), IPDomain: dns.IPDomain{Domain: dns.Domain{ASCII: domain}}}
}

func TestQueue(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	mjl := path("mjl", "mint.example")
	sam := path("sam", "remote.example")
	sara := path("sara", "remote.example")

	mf := prepareFile(t, testmsg)
	defer os.Remove(mf.Name())
	defer mf.Close()

	qm := MakeMsg(LaneRemote, mjl, sam, false, false, int64(len(testmsg)), "<orig1@mint.example>", nil, "")
	err := Add(ctxbg, log, "mjl", mf, &qm)
	tcheck(t, err, "add message to queue")
	if qm.ID == 0 || qm.BaseID != 0 {
		t.Fatalf("got id %d baseid %d after add, expected nonzero id and zero baseid", qm.ID, qm.BaseID)
	}
	if _, err := os.Stat(qm.MessagePath()); err != nil {
		t.Fatalf("stat queue message file: %v", err)
	}

	n, err := Count(ctxbg)
	tcheck(t, err, "count queue")
	if n != 1 {
		t.Fatalf("got %d messages in queue, expected 1", n)
	}

	r, err := OpenMessage(ctxbg, qm.ID)
	tcheck(t, err, "open message")
	buf, err := io.ReadAll(r)
	r.Close()
	tcheck(t, err, "read message")
	if string(buf) != testmsg {
		t.Fatalf("message mismatch, got %q", buf)
	}

	// Filters.
	checkList := func(f Filter, expn int) {
		t.Helper()
		l, err := List(ctxbg, f)
		tcheck(t, err, "list messages")
		if len(l) != expn {
			t.Fatalf("list with filter %#v returned %d messages, expected %d", f, len(l), expn)
		}
	}
	checkList(Filter{}, 1)
	checkList(Filter{IDs: []int64{qm.ID}}, 1)
	checkList(Filter{Account: "mjl"}, 1)
	checkList(Filter{Account: "bogus"}, 0)
	checkList(Filter{Lane: LaneRemote}, 1)
	checkList(Filter{Lane: LaneLocal}, 0)
	checkList(Filter{From: "mjl@mint"}, 1)
	checkList(Filter{To: "sam@remote"}, 1)
	checkList(Filter{To: "nope"}, 0)
	checkList(Filter{Submitted: ">-1h"}, 1)
	checkList(Filter{Submitted: "<-1h"}, 0)
	checkList(Filter{NextAttempt: ">-1h"}, 1)
	if _, err := List(ctxbg, Filter{Submitted: "1h"}); err == nil {
		t.Fatalf("list with invalid time constraint did not fail")
	}

	// Multiple recipients of one submission share a message file.
	mf2 := prepareFile(t, testmsg)
	defer os.Remove(mf2.Name())
	defer mf2.Close()
	qm1 := MakeMsg(LaneRemote, mjl, sam, false, false, int64(len(testmsg)), "<orig1@mint.example>", nil, "")
	qm2 := MakeMsg(LaneRemote, mjl, sara, false, false, int64(len(testmsg)), "<orig1@mint.example>", nil, "")
	err = Add(ctxbg, log, "mjl", mf2, &qm1, &qm2)
	tcheck(t, err, "add messages for two recipients")
	if qm1.BaseID != qm1.ID || qm2.BaseID != qm1.ID {
		t.Fatalf("got baseids %d and %d, expected %d for both", qm1.BaseID, qm2.BaseID, qm1.ID)
	}
	if qm1.MessagePath() != qm2.MessagePath() {
		t.Fatalf("messages of one submission have different files")
	}

	// Dropping one message of the group must leave the shared file.
	n, err = Drop(ctxbg, log, Filter{IDs: []int64{qm2.ID}})
	tcheck(t, err, "drop message")
	if n != 1 {
		t.Fatalf("dropped %d messages, expected 1", n)
	}
	if _, err := os.Stat(qm1.MessagePath()); err != nil {
		t.Fatalf("shared message file gone after dropping one group member: %v", err)
	}
	n, err = Drop(ctxbg, log, Filter{IDs: []int64{qm1.ID}})
	tcheck(t, err, "drop message")
	if n != 1 {
		t.Fatalf("dropped %d messages, expected 1", n)
	}
	if _, err := os.Stat(qm1.MessagePath()); !os.IsNotExist(err) {
		t.Fatalf("message file still present after dropping last group member")
	}

	// Admin failure sends a DSN to the local sender and retires the message.
	n, err = Fail(ctxbg, log, Filter{IDs: []int64{qm.ID}})
	tcheck(t, err, "fail message")
	if n != 1 {
		t.Fatalf("failed %d messages, expected 1", n)
	}
	if _, err := os.Stat(qm.MessagePath()); !os.IsNotExist(err) {
		t.Fatalf("message file still present after admin failure")
	}
	bounces, err := List(ctxbg, Filter{Lane: LaneBounce})
	tcheck(t, err, "list bounces")
	if len(bounces) != 1 {
		t.Fatalf("got %d bounce messages, expected 1", len(bounces))
	}
	bm := bounces[0]
	if !bm.IsDSN || bm.DSN == nil || !bm.DSN.Failed {
		t.Fatalf("bounce message not a failure dsn: %#v", bm)
	}
	if got := bm.Recipient().XString(true); got != "mjl@mint.example" {
		t.Fatalf("bounce addressed to %q, expected the original sender", got)
	}
	if got := bm.DSN.OrigTo.XString(true); got != "sam@remote.example" {
		t.Fatalf("dsn original recipient %q, expected sam@remote.example", got)
	}
	mr := MsgRetired{ID: qm.ID}
	err = DB.Get(ctxbg, &mr)
	tcheck(t, err, "get retired message")
	if mr.Success || mr.LastError != "delivery canceled by admin" {
		t.Fatalf("retired message %#v, expected failure with admin error", mr)
	}
}

func TestDSNPolicy(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	mjl := path("mjl", "mint.example")
	sam := path("sam", "remote.example")

	mf := prepareFile(t, testmsg)
	defer os.Remove(mf.Name())
	defer mf.Close()
	qm := MakeMsg(LaneRemote, mjl, sam, false, false, int64(len(testmsg)), "<orig1@mint.example>", nil, "")
	err := Add(ctxbg, log, "mjl", mf, &qm)
	tcheck(t, err, "add message")

	// A transient failure at the delayed-notification attempt queues a
	// delayed DSN and keeps the message in the queue.
	now := time.Now()
	qm.Attempts = delayedDSNAttempt
	qm.LastAttempt = &now
	failMsgsDB(log, []*Msg{&qm}, false, smtp.SeNet4Name3, "connection timed out", "mail.remote.example")
	if err := DB.Get(ctxbg, &Msg{ID: qm.ID}); err != nil {
		t.Fatalf("message gone from queue after transient failure: %v", err)
	}
	bounces, err := List(ctxbg, Filter{Lane: LaneBounce})
	tcheck(t, err, "list bounces")
	if len(bounces) != 1 {
		t.Fatalf("got %d bounce messages, expected 1 delayed dsn", len(bounces))
	}
	dm := bounces[0]
	if dm.DSN == nil || dm.DSN.Failed {
		t.Fatalf("expected delayed dsn, got %#v", dm.DSN)
	}
	if dm.DSN.WillRetryUntil == nil {
		t.Fatalf("delayed dsn without will-retry-until")
	}
	exp := now.Add((4 + 8 + 16) * time.Hour)
	if d := dm.DSN.WillRetryUntil.Sub(exp); d < -time.Minute || d > time.Minute {
		t.Fatalf("will-retry-until %v, expected about %v", dm.DSN.WillRetryUntil, exp)
	}

	// Out of attempts: failure DSN and retire, exactly once.
	qm.Attempts = qm.effectiveMaxAttempts()
	failMsgsDB(log, []*Msg{&qm}, false, smtp.SeNet4Name3, "connection timed out", "mail.remote.example")
	if err := DB.Get(ctxbg, &Msg{ID: qm.ID}); err != bstore.ErrAbsent {
		t.Fatalf("message still in queue after exhausting attempts, err %v", err)
	}
	if _, err := os.Stat(qm.MessagePath()); !os.IsNotExist(err) {
		t.Fatalf("message file still present after exhausting attempts")
	}
	bounces, err = List(ctxbg, Filter{Lane: LaneBounce})
	tcheck(t, err, "list bounces")
	if len(bounces) != 2 {
		t.Fatalf("got %d bounce messages, expected 2", len(bounces))
	}
	mr := MsgRetired{ID: qm.ID}
	err = DB.Get(ctxbg, &mr)
	tcheck(t, err, "get retired message")
	if mr.Success {
		t.Fatalf("retired message marked successful after failure")
	}

	// No DSNs for DSNs, null reverse paths, remote senders or IP senders.
	skips := []Msg{
		{Lane: LaneRemote, SenderLocalpart: "mjl", SenderDomain: mjl.IPDomain, IsDSN: true},
		{Lane: LaneRemote},
		{Lane: LaneRemote, SenderLocalpart: "sam", SenderDomain: sam.IPDomain},
		{Lane: LaneRemote, SenderLocalpart: "x", SenderDomain: dns.IPDomain{IP: net.ParseIP("10.0.0.1")}},
	}
	var ids []int64
	for i := range skips {
		skips[i].RecipientLocalpart = "rcpt"
		skips[i].RecipientDomain = sam.IPDomain
		skips[i].RecipientDomainStr = "remote.example"
		err := DB.Insert(ctxbg, &skips[i])
		tcheck(t, err, "insert message")
		ids = append(ids, skips[i].ID)
	}
	n, err := Fail(ctxbg, log, Filter{IDs: ids})
	tcheck(t, err, "fail messages")
	if n != len(skips) {
		t.Fatalf("failed %d messages, expected %d", n, len(skips))
	}
	bounces, err = List(ctxbg, Filter{Lane: LaneBounce})
	tcheck(t, err, "list bounces")
	if len(bounces) != 2 {
		t.Fatalf("got %d bounce messages after failing unbounceable messages, expected still 2", len(bounces))
	}
}

func TestDeliverLocal(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	mjl := path("mjl", "mint.example")
	sam := path("sam", "remote.example")

	acc, err := store.OpenAccount("mjl")
	tcheck(t, err, "open account")
	defer acc.Close()

	inboxCount := func() int {
		t.Helper()
		var n int
		err := acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
			mb, err := bstore.QueryTx[store.Mailbox](tx).FilterNonzero(store.Mailbox{Name: "Inbox"}).Get()
			if err == bstore.ErrAbsent {
				return nil
			} else if err != nil {
				return err
			}
			n, err = bstore.QueryTx[store.Message](tx).FilterNonzero(store.Message{MailboxID: mb.ID}).Count()
			return err
		})
		tcheck(t, err, "count inbox messages")
		return n
	}

	deliver := func(m *Msg, expResult string) {
		t.Helper()
		mf := prepareFile(t, testmsg)
		defer os.Remove(mf.Name())
		defer mf.Close()
		err := Add(ctxbg, log, "", mf, m)
		tcheck(t, err, "add message")
		if result := deliverLocal(log, m); result != expResult {
			t.Fatalf("local delivery result %q, expected %q", result, expResult)
		}
	}

	qm := MakeMsg(LaneLocal, sam, mjl, false, false, int64(len(testmsg)), "<orig1@mint.example>", nil, "")
	deliver(&qm, "ok")
	if n := inboxCount(); n != 1 {
		t.Fatalf("got %d messages in inbox, expected 1", n)
	}
	mr := MsgRetired{ID: qm.ID}
	err = DB.Get(ctxbg, &mr)
	tcheck(t, err, "get retired message")
	if !mr.Success {
		t.Fatalf("retired message not marked successful")
	}

	// Content classification can override the mailbox, Spam gets the junk flag.
	qm = MakeMsg(LaneLocal, sam, mjl, false, false, int64(len(testmsg)), "<orig2@mint.example>", nil, "Spam")
	deliver(&qm, "ok")
	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := bstore.QueryTx[store.Mailbox](tx).FilterNonzero(store.Mailbox{Name: "Spam"}).Get()
		if err != nil {
			return fmt.Errorf("lookup spam mailbox: %w", err)
		}
		m, err := bstore.QueryTx[store.Message](tx).FilterNonzero(store.Message{MailboxID: mb.ID}).Get()
		if err != nil {
			return fmt.Errorf("lookup spam message: %w", err)
		}
		if !m.Flags.Junk {
			return fmt.Errorf("message in spam mailbox without junk flag")
		}
		return nil
	})
	tcheck(t, err, "check spam delivery")

	// Unknown local user fails permanently and bounces to the local sender.
	qm = MakeMsg(LaneLocal, mjl, path("nosuch", "mint.example"), false, false, int64(len(testmsg)), "<orig3@mint.example>", nil, "")
	deliver(&qm, "permerror")
	bounces, err := List(ctxbg, Filter{Lane: LaneBounce})
	tcheck(t, err, "list bounces")
	if len(bounces) != 1 {
		t.Fatalf("got %d bounce messages, expected 1", len(bounces))
	}
	bm := bounces[0]
	if result := deliverBounce(log, &bm); result != "ok" {
		t.Fatalf("bounce delivery result %q, expected ok", result)
	}
	if n := inboxCount(); n != 2 {
		t.Fatalf("got %d messages in inbox after dsn, expected 2", n)
	}
	var dsnPath string
	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := bstore.QueryTx[store.Mailbox](tx).FilterNonzero(store.Mailbox{Name: "Inbox"}).Get()
		if err != nil {
			return err
		}
		q := bstore.QueryTx[store.Message](tx)
		q.FilterNonzero(store.Message{MailboxID: mb.ID})
		q.SortDesc("ID")
		q.Limit(1)
		m, err := q.Get()
		if err != nil {
			return err
		}
		dsnPath = acc.MessagePath(m.ID)
		return nil
	})
	tcheck(t, err, "lookup delivered dsn")
	buf, err := os.ReadFile(dsnPath)
	tcheck(t, err, "read delivered dsn")
	if !strings.Contains(string(buf), "mail delivery failed") {
		t.Fatalf("delivered dsn does not mention delivery failure:\n%s", buf)
	}

	// Over quota is a transient failure, the message stays queued.
	qm = MakeMsg(LaneLocal, sam, path("limited", "mint.example"), false, false, int64(len(testmsg)), "<orig4@mint.example>", nil, "")
	deliver(&qm, "temperror")
	err = DB.Get(ctxbg, &qm)
	tcheck(t, err, "get message after quota failure")
	if !strings.Contains(qm.LastError, "maximum total message size") {
		t.Fatalf("last error %q, expected quota error", qm.LastError)
	}
}

func TestAutoresponder(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	away := path("away", "mint.example")
	mjl := path("mjl", "mint.example")

	deliver := func(sender smtp.Path, msg, messageID string) {
		t.Helper()
		mf := prepareFile(t, msg)
		defer os.Remove(mf.Name())
		defer mf.Close()
		qm := MakeMsg(LaneLocal, sender, away, false, false, int64(len(msg)), messageID, nil, "")
		err := Add(ctxbg, log, "", mf, &qm)
		tcheck(t, err, "add message")
		if result := deliverLocal(log, &qm); result != "ok" {
			t.Fatalf("local delivery result %q, expected ok", result)
		}
	}
	queued := func(expn int) []Msg {
		t.Helper()
		l, err := List(ctxbg, Filter{})
		tcheck(t, err, "list queue")
		if len(l) != expn {
			t.Fatalf("got %d queued messages, expected %d", len(l), expn)
		}
		return l
	}

	deliver(mjl, testmsg, "<orig1@mint.example>")
	reply := queued(1)[0]
	if reply.Lane != LaneLocal || !reply.Sender().IsZero() {
		t.Fatalf("reply lane %q sender %q, expected local lane and null reverse path", reply.Lane, reply.Sender().XString(true))
	}
	if got := reply.Recipient().XString(true); got != "mjl@mint.example" {
		t.Fatalf("reply addressed to %q, expected mjl@mint.example", got)
	}
	r, err := OpenMessage(ctxbg, reply.ID)
	tcheck(t, err, "open reply")
	buf, err := io.ReadAll(r)
	r.Close()
	tcheck(t, err, "read reply")
	for _, s := range []string{"Auto-Submitted: auto-replied", "Subject: Out of office", "In-Reply-To: <orig1@mint.example>"} {
		if !strings.Contains(string(buf), s) {
			t.Fatalf("reply does not contain %q:\n%s", s, buf)
		}
	}

	// The reply itself has a null reverse path, delivering it must not
	// trigger anything further.
	if result := deliverLocal(log, &reply); result != "ok" {
		t.Fatalf("delivering reply failed")
	}
	queued(0)

	// Second message from the same sender within the window, no new reply.
	deliver(mjl, testmsg, "<orig2@mint.example>")
	queued(0)

	// A fresh sender gets a reply again, in the remote lane.
	deliver(path("sam", "remote.example"), testmsg, "<r1@remote.example>")
	reply = queued(1)[0]
	if reply.Lane != LaneRemote {
		t.Fatalf("reply lane %q for remote sender, expected remote", reply.Lane)
	}
	_, err = Drop(ctxbg, log, Filter{})
	tcheck(t, err, "drop queued reply")

	// Auto-generated and list mail must not be answered.
	autogen := "Auto-Submitted: auto-generated\r\n" + testmsg
	deliver(path("gen", "remote.example"), autogen, "<r2@remote.example>")
	queued(0)
	listmsg := "List-Id: <list.remote.example>\r\n" + testmsg
	deliver(path("list", "remote.example"), listmsg, "<r3@remote.example>")
	queued(0)
	bulkmsg := "Precedence: bulk\r\n" + testmsg
	deliver(path("bulk", "remote.example"), bulkmsg, "<r4@remote.example>")
	queued(0)

	// Null reverse path, e.g. a DSN, must not be answered.
	deliver(smtp.Path{}, testmsg, "<r5@remote.example>")
	queued(0)
}

// Minimal SMTP server for remote-lane deliveries over a net.Pipe. rejectMail
// makes it reject the MAIL FROM command with a permanent policy error.
func fakeSMTPServer(server net.Conn, rejectMail bool) {
	fmt.Fprintf(server, "220 mail.remote.example\r\n")
	br := bufio.NewReader(server)

	readline := func(cmd string) bool {
		line, err := br.ReadString('\n')
		if err != nil {
			return false
		}
		if !strings.HasPrefix(strings.ToLower(line), cmd) {
			panic(fmt.Sprintf("unexpected line %q, expected %q", line, cmd))
		}
		return true
	}
	writeline := func(s string) {
		fmt.Fprintf(server, "%s\r\n", s)
	}

	if !readline("ehlo") {
		return
	}
	writeline("250-mail.remote.example")
	writeline("250 pipelining")
	if !readline("mail") {
		return
	}
	if rejectMail {
		// Abort the connection after rejecting the transaction, like
		// servers blocklisting a sender do. The client uses the MAIL FROM
		// response as the result for the whole transaction.
		writeline("550 5.7.1 not allowed")
		server.Close()
		return
	}
	writeline("250 ok")
	if !readline("rcpt") {
		return
	}
	writeline("250 ok")
	if !readline("data") {
		return
	}
	writeline("354 continue")
	dr := smtp.NewDataReader(br)
	io.Copy(io.Discard, dr)
	writeline("250 ok")
	if readline("quit") {
		writeline("221 ok")
	}
}

func TestDeliverRemote(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	mjl := path("mjl", "mint.example")
	sam := path("sam", "remote.example")

	resolver := dns.MockResolver{
		A: map[string][]string{
			"mail.remote.example.": {"127.0.0.1"},
		},
		MX: map[string][]*net.MX{
			"remote.example.": {{Host: "mail.remote.example", Pref: 10}},
		},
	}

	var rejectMail bool
	smtpclient.DialHook = func(ctx context.Context, dialer smtpclient.Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		server, client := net.Pipe()
		go fakeSMTPServer(server, rejectMail)
		return client, nil
	}
	defer func() {
		smtpclient.DialHook = nil
	}()

	add := func(messageID string) Msg {
		t.Helper()
		mf := prepareFile(t, testmsg)
		defer os.Remove(mf.Name())
		defer mf.Close()
		qm := MakeMsg(LaneRemote, mjl, sam, false, false, int64(len(testmsg)), messageID, nil, "")
		err := Add(ctxbg, log, "mjl", mf, &qm)
		tcheck(t, err, "add message")
		return qm
	}

	qm := add("<rem1@mint.example>")
	deliver(log, resolver, qm)
	<-deliveryResults
	if err := DB.Get(ctxbg, &Msg{ID: qm.ID}); err != bstore.ErrAbsent {
		t.Fatalf("message still in queue after remote delivery, err %v", err)
	}
	mr := MsgRetired{ID: qm.ID}
	err := DB.Get(ctxbg, &mr)
	tcheck(t, err, "get retired message")
	if !mr.Success || mr.Attempts != 1 {
		t.Fatalf("retired message success %v attempts %d, expected success after 1 attempt", mr.Success, mr.Attempts)
	}

	// Permanent rejection of MAIL FROM retires the message and queues a
	// failure DSN for the local sender.
	rejectMail = true
	qm = add("<rem2@mint.example>")
	deliver(log, resolver, qm)
	<-deliveryResults
	if err := DB.Get(ctxbg, &Msg{ID: qm.ID}); err != bstore.ErrAbsent {
		t.Fatalf("message still in queue after permanent rejection, err %v", err)
	}
	mr = MsgRetired{ID: qm.ID}
	err = DB.Get(ctxbg, &mr)
	tcheck(t, err, "get retired message")
	if mr.Success {
		t.Fatalf("retired message marked successful after permanent rejection")
	}
	bounces, err := List(ctxbg, Filter{Lane: LaneBounce})
	tcheck(t, err, "list bounces")
	if len(bounces) != 1 {
		t.Fatalf("got %d bounce messages, expected 1", len(bounces))
	}
	if got := bounces[0].DSN.RemoteMTA; got != "mail.remote.example" {
		t.Fatalf("dsn remote mta %q, expected mail.remote.example", got)
	}
}

func TestBackoff(t *testing.T) {
	d := backoff(1)
	if d < 6*time.Minute || d > 9*time.Minute {
		t.Fatalf("backoff after first attempt %v, expected about 7m30s", d)
	}
	d = backoff(2)
	if d < 13*time.Minute || d > 17*time.Minute {
		t.Fatalf("backoff after second attempt %v, expected about 15m", d)
	}
	if d := backoff(20); d != backoffMax {
		t.Fatalf("backoff after many attempts %v, expected cap %v", d, backoffMax)
	}
}

func TestNextWork(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	mf := prepareFile(t, testmsg)
	defer os.Remove(mf.Name())
	defer mf.Close()

	lm := MakeMsg(LaneLocal, path("sam", "remote.example"), path("mjl", "mint.example"), false, false, int64(len(testmsg)), "<local1@mint.example>", nil, "")
	err := Add(ctxbg, log, "", mf, &lm)
	tcheck(t, err, "add local message")

	mf2 := prepareFile(t, testmsg)
	defer os.Remove(mf2.Name())
	defer mf2.Close()
	rm := MakeMsg(LaneRemote, path("mjl", "mint.example"), path("sam", "remote.example"), false, false, int64(len(testmsg)), "<remote1@mint.example>", nil, "")
	err = Add(ctxbg, log, "mjl", mf2, &rm)
	tcheck(t, err, "add remote message")

	state := schedState{remoteBusy: map[string]struct{}{}}
	if d := nextWork(ctxbg, log, &state); d > 0 {
		t.Fatalf("got wait %v for due messages, expected immediate work", d)
	}

	// A delivery in progress for the recipient domain hides the remote
	// message, but the local one is still eligible.
	state.remoteBusy["remote.example"] = struct{}{}
	if d := nextWork(ctxbg, log, &state); d > 0 {
		t.Fatalf("got wait %v with local message eligible, expected immediate work", d)
	}

	// Saturated lanes must not cause wakeups for work that cannot be
	// launched. Completion of a delivery wakes the scheduler again.
	state.localBusy = state.localMax()
	delete(state.remoteBusy, "remote.example")
	for i := 0; len(state.remoteBusy) < state.remoteMax(); i++ {
		state.remoteBusy[fmt.Sprintf("busy%d.example", i)] = struct{}{}
	}
	if d := nextWork(ctxbg, log, &state); d <= 0 {
		t.Fatalf("got wait %v with all lanes saturated, expected to wait for a free slot", d)
	}
}

func TestCleanup(t *testing.T) {
	defer setup(t)()
	log := mlog.New("queue", nil)

	old := MsgRetired{ID: 101, Lane: LaneRemote, Recipient: "sam@remote.example", LastActivity: time.Now().Add(-15 * 24 * time.Hour)}
	recent := MsgRetired{ID: 102, Lane: LaneRemote, Recipient: "sam@remote.example", LastActivity: time.Now().Add(-time.Hour)}
	err := DB.Insert(ctxbg, &old, &recent)
	tcheck(t, err, "insert retired messages")

	tmpDir := mint.DataDirPath("tmp")
	err = os.MkdirAll(tmpDir, 0770)
	tcheck(t, err, "create tmp dir")
	stale := filepath.Join(tmpDir, "stale.txt")
	err = os.WriteFile(stale, []byte("x"), 0660)
	tcheck(t, err, "write stale tmp file")
	when := time.Now().Add(-15 * 24 * time.Hour)
	err = os.Chtimes(stale, when, when)
	tcheck(t, err, "age stale tmp file")
	fresh := filepath.Join(tmpDir, "fresh.txt")
	err = os.WriteFile(fresh, []byte("x"), 0660)
	tcheck(t, err, "write fresh tmp file")

	cleanup(log)

	if err := DB.Get(ctxbg, &MsgRetired{ID: old.ID}); err != bstore.ErrAbsent {
		t.Fatalf("retired message past retention still present, err %v", err)
	}
	if err := DB.Get(ctxbg, &MsgRetired{ID: recent.ID}); err != nil {
		t.Fatalf("recent retired message gone: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale tmp file still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh tmp file gone: %v", err)
	}
}
