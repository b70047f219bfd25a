// Package queue is a durable mail queue with independent lanes for local
// delivery, remote delivery and bounce processing, plus periodic cleanup of
// retired messages.
//
// Messages are added to the queue by the SMTP server after acceptance, one
// queue message per recipient. A scheduler goroutine launches deliveries
// when their next attempt is due, respecting per-lane concurrency limits:
// local deliveries run widest, remote deliveries are serialized per
// recipient domain, bounce processing is serial. Failed attempts are
// rescheduled with exponential backoff. When a message fails permanently or
// runs out of attempts, exactly one failure DSN is queued for a local
// sender and the message is retired.
package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/metrics"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mintio"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var pkglog = mlog.New("queue", nil)

var (
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mint_queue_delivery_duration_seconds",
			Help:    "SMTP client delivery attempt to single host.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt",   // Number of attempts.
			"lane",      // local, remote, bounce.
			"result",    // ok, timeout, canceled, temperror, permerror, error.
		},
	)
	metricQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mint_queue_size",
			Help: "Number of messages in the delivery queue.",
		},
	)
)

// Lane partitions the queue into independently scheduled delivery kinds.
type Lane string

const (
	LaneLocal  Lane = "local"  // Deliver to a mailbox of a local account.
	LaneRemote Lane = "remote" // Deliver to a remote host, found through MX.
	LaneBounce Lane = "bounce" // Compose a DSN and deliver it locally.
)

// Delivery attempts are scheduled with delay min(backoffBase ·
// 2^(attempts-1), backoffMax), slightly jittered. With 8 attempts, a
// message stays in the queue for about 1.5 days before being failed.
const (
	backoffBase        = (7*60 + 30) * time.Second
	backoffMax         = 16 * time.Hour
	defaultMaxAttempts = 8
)

// Delayed DSNs are sent when this attempt fails, while delivery is still
// being retried.
const delayedDSNAttempt = 5

var (
	jitterMutex sync.Mutex
	jitterRand  = mint.NewPseudoRand()
)

// jitter returns a random deviation applied to the base backoff delay.
// Deliveries run in concurrent goroutines and math/rand/v2 Rands are not
// safe for concurrent use.
func jitter() time.Duration {
	jitterMutex.Lock()
	defer jitterMutex.Unlock()
	return time.Duration(jitterRand.IntN(60)-30) * time.Second
}

// Msg is a message in the queue, one record per recipient of a submission.
//
// Before delivery, a file has been written to the queue data directory,
// named after ID. That contents, combined with MsgPrefix, is the full
// message. Bounce-lane messages have no file, the DSN is composed from the
// DSN field during processing.
type Msg struct {
	ID int64

	// A single submission with multiple recipients gets a BaseID equal to
	// the first ID of the group, so remote deliveries to the same domain
	// can be attempted in a single SMTP transaction. The message file on
	// disk is shared, named after BaseID (or ID when zero).
	BaseID int64 `bstore:"index"`

	Lane   Lane      `bstore:"nonzero"`
	Queued time.Time `bstore:"default now"`

	// Name of the local account that submitted the message. Empty for
	// incoming messages and DSNs.
	SenderAccount string

	SenderLocalpart smtp.Localpart
	SenderDomain    dns.IPDomain
	SenderDomainStr string // For filtering, unicode domain or IP.

	RecipientLocalpart smtp.Localpart
	RecipientDomain    dns.IPDomain
	RecipientDomainStr string `bstore:"index"` // For per-domain scheduling.

	Attempts    int // Next attempt is number Attempts+1.
	MaxAttempts int // Zero means the configured default.

	// IPs we have dialed in the past, to alternate address families on
	// the next attempt. Kept across attempts.
	DialedIPs map[string][]net.IP

	NextAttempt time.Time `bstore:"default now"`
	LastAttempt *time.Time
	LastError   string

	Has8bit  bool // Whether the message contains bytes with the high bit set.
	SMTPUTF8 bool // Whether the message requires the SMTPUTF8 extension.
	IsDSN    bool // DSNs are never themselves bounced.

	Size      int64  // Full size, MsgPrefix plus file contents.
	MessageID string // Message-ID header, including <>, for DSN references.
	MsgPrefix []byte

	// For local deliveries, a mailbox overriding the destination's
	// configured mailbox, from content classification (e.g. Spam,
	// Quarantine). Empty means the configured mailbox, with Inbox as
	// fallback.
	Mailbox string

	// Set for bounce-lane messages only.
	DSN *DSNInfo
}

// DSNInfo carries everything a bounce-lane message needs to compose its
// delivery status notification. Captured when the original message failed,
// before its file was removed from the queue directory.
type DSNInfo struct {
	Failed         bool // Failure DSN. Otherwise a delayed DSN, delivery is still being retried.
	OrigTo         smtp.Path
	OrigMessageID  string
	Queued         time.Time
	LastAttempt    time.Time
	WillRetryUntil *time.Time // For delayed DSNs.
	Secode         string     // Enhanced status code without leading 4. or 5.
	Diag           string     // Diagnostic code from remote, e.g. an SMTP response line.
	RemoteMTA      string     // Empty for local failures.
	Error          string     // Human-readable cause.
	Headers        []byte     // Headers of the original message.
}

// Sender of the message as used in MAIL FROM.
func (m Msg) Sender() smtp.Path {
	return smtp.Path{Localpart: m.SenderLocalpart, IPDomain: m.SenderDomain}
}

// Recipient of the message as used in RCPT TO.
func (m Msg) Recipient() smtp.Path {
	return smtp.Path{Localpart: m.RecipientLocalpart, IPDomain: m.RecipientDomain}
}

// MessagePath returns the path to the message file in the queue directory.
// Multi-recipient submissions share the file of their BaseID.
func (m Msg) MessagePath() string {
	id := m.ID
	if m.BaseID != 0 {
		id = m.BaseID
	}
	return mint.DataDirPath("queue", store.MessagePath(id))
}

func (m Msg) effectiveMaxAttempts() int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	if n := mint.Conf.Static.Queue.MaxAttempts; n > 0 {
		return n
	}
	return defaultMaxAttempts
}

// MsgRetired is a message no longer in the queue, either delivered or
// failed. Kept for admin visibility, removed by cleanup after the retention
// window.
type MsgRetired struct {
	ID int64 // Same ID as the original Msg.

	BaseID        int64
	Lane          Lane
	Queued        time.Time
	SenderAccount string
	Sender        string // Empty for null reverse path.
	Recipient     string
	Attempts      int
	LastError     string
	Success       bool
	MessageID     string
	Size          int64

	LastActivity time.Time `bstore:"nonzero,index"`
}

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}, MsgRetired{}}

var DB *bstore.DB

// Init opens the queue database and must be called before any queue
// operation.
func Init() error {
	qpath := mint.DataDirPath("queue", "index.db")
	os.MkdirAll(filepath.Dir(qpath), 0770)

	var err error
	DB, err = bstore.Open(mint.Shutdown, qpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return fmt.Errorf("open queue database %q: %w", qpath, err)
	}

	queueSizeMetric()
	return nil
}

// Shutdown closes the queue database. Delivery attempts in progress are left
// to the shutdown context.
func Shutdown() {
	err := DB.Close()
	pkglog.Check(err, "closing queue db")
	DB = nil
}

// MakeMsg returns a queue message for sender to recipient in lane, with
// NextAttempt set to now.
func MakeMsg(lane Lane, sender, recipient smtp.Path, has8bit, smtputf8 bool, size int64, messageID string, prefix []byte, mailbox string) Msg {
	return Msg{
		Lane:               lane,
		SenderLocalpart:    sender.Localpart,
		SenderDomain:       sender.IPDomain,
		SenderDomainStr:    formatIPDomain(sender.IPDomain),
		RecipientLocalpart: recipient.Localpart,
		RecipientDomain:    recipient.IPDomain,
		RecipientDomainStr: formatIPDomain(recipient.IPDomain),
		Has8bit:            has8bit,
		SMTPUTF8:           smtputf8,
		Size:               size,
		MessageID:          messageID,
		MsgPrefix:          prefix,
		Mailbox:            mailbox,
		Queued:             time.Now(),
		NextAttempt:        time.Now(),
	}
}

func formatIPDomain(d dns.IPDomain) string {
	if len(d.IP) > 0 {
		return "[" + d.IP.String() + "]"
	}
	return d.Domain.Name()
}

// Add inserts the messages into the queue and writes their message file to
// the queue directory. Multiple messages are the recipients of a single
// submission and share one file, linked under the first ID; each gets the
// first ID as BaseID.
//
// Add modifies the messages in qml, assigning IDs.
func Add(ctx context.Context, log mlog.Log, senderAccount string, msgFile *os.File, qml ...*Msg) error {
	if len(qml) == 0 {
		return fmt.Errorf("must queue at least one message")
	}
	for _, qm := range qml {
		if qm.ID != 0 || qm.BaseID != 0 {
			return fmt.Errorf("message already has id")
		}
		qm.SenderAccount = senderAccount
	}

	var paths []string
	defer func() {
		for _, p := range paths {
			err := os.Remove(p)
			log.Check(err, "removing queue message file after add error", slog.String("path", p))
		}
	}()

	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		var baseID int64
		for i, qm := range qml {
			if err := tx.Insert(qm); err != nil {
				return fmt.Errorf("inserting queue message: %w", err)
			}
			if i == 0 && len(qml) > 1 {
				baseID = qm.ID
			}
			if baseID != 0 {
				qm.BaseID = baseID
				if err := tx.Update(qm); err != nil {
					return fmt.Errorf("updating base id: %w", err)
				}
			}
		}

		// One file for the group, named after the first message.
		p := qml[0].MessagePath()
		os.MkdirAll(filepath.Dir(p), 0770)
		if err := mintio.LinkOrCopy(log, p, msgFile.Name(), nil, true); err != nil {
			return fmt.Errorf("linking message file to queue: %w", err)
		}
		paths = append(paths, p)
		if err := mintio.SyncDir(log, filepath.Dir(p)); err != nil {
			return fmt.Errorf("sync queue directory: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	paths = nil

	queueSizeMetric()
	queuekick()
	return nil
}

// OpenMessage returns a reader for the complete message, MsgPrefix followed
// by the file contents.
func OpenMessage(ctx context.Context, id int64) (io.ReadCloser, error) {
	qm := Msg{ID: id}
	err := DB.Get(ctx, &qm)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(qm.MessagePath())
	if err != nil {
		return nil, fmt.Errorf("open message file: %w", err)
	}
	r := store.FileMsgReader(qm.MsgPrefix, f)
	return r, nil
}

// queueSizeMetric sets the queue size gauge to the current number of
// messages in the queue.
func queueSizeMetric() {
	count, err := bstore.QueryDB[Msg](mint.Context, DB).Count()
	if err != nil {
		pkglog.Errorx("counting queue messages for metric", err)
		return
	}
	metricQueueSize.Set(float64(count))
}

var kick = make(chan struct{}, 1)

func queuekick() {
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Filter selects queue messages for the admin List, Count, Fail and Drop
// operations. Only non-zero/non-nil fields are applied.
type Filter struct {
	IDs         []int64
	Account     string
	From        string // Substring match on the sender address.
	To          string // Substring match on the recipient address.
	Lane        Lane
	Submitted   string // ">$duration" or "<$duration", relative to now.
	NextAttempt string // ">$duration" or "<$duration", relative to now.
}

func (f Filter) apply(q *bstore.Query[Msg]) error {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	applyTime := func(field, s string) error {
		orig := s
		var before bool
		if strings.HasPrefix(s, "<") {
			before = true
		} else if !strings.HasPrefix(s, ">") {
			return fmt.Errorf("time constraint %q must start with '<' or '>'", orig)
		}
		s = strings.TrimSpace(s[1:])
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %v", orig, err)
		}
		t := time.Now().Add(d)
		if before {
			q.FilterLess(field, t)
		} else {
			q.FilterGreater(field, t)
		}
		return nil
	}
	if f.Account != "" {
		q.FilterNonzero(Msg{SenderAccount: f.Account})
	}
	if f.Lane != "" {
		q.FilterNonzero(Msg{Lane: f.Lane})
	}
	if f.Submitted != "" {
		if err := applyTime("Queued", f.Submitted); err != nil {
			return err
		}
	}
	if f.NextAttempt != "" {
		if err := applyTime("NextAttempt", f.NextAttempt); err != nil {
			return err
		}
	}
	if f.From != "" || f.To != "" {
		q.FilterFn(func(qm Msg) bool {
			return f.From != "" && strings.Contains(qm.Sender().XString(true), f.From) || f.To != "" && strings.Contains(qm.Recipient().XString(true), f.To)
		})
	}
	return nil
}

// List returns the messages matching filter, in order of next attempt.
func List(ctx context.Context, f Filter) ([]Msg, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	if err := f.apply(q); err != nil {
		return nil, err
	}
	qmsgs, err := q.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(qmsgs, func(i, j int) bool {
		a, b := qmsgs[i], qmsgs[j]
		if !a.NextAttempt.Equal(b.NextAttempt) {
			return a.NextAttempt.Before(b.NextAttempt)
		}
		return a.ID < b.ID
	})
	return qmsgs, nil
}

// Count returns the number of messages in the delivery queue.
func Count(ctx context.Context) (int, error) {
	return bstore.QueryDB[Msg](ctx, DB).Count()
}

// Fail marks matching messages as failed by the admin: a failure DSN is
// queued for local senders and the messages are retired. Returns the number
// of messages failed.
func Fail(ctx context.Context, log mlog.Log, f Filter) (int, error) {
	var n int
	var retired []Msg
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Msg](tx)
		if err := f.apply(q); err != nil {
			return err
		}
		qmsgs, err := q.List()
		if err != nil {
			return fmt.Errorf("listing matching messages: %w", err)
		}
		msgs := make([]*Msg, len(qmsgs))
		for i := range qmsgs {
			msgs[i] = &qmsgs[i]
		}
		retired, err = failMsgsTx(log, tx, msgs, true, "", "delivery canceled by admin", "")
		if err != nil {
			return err
		}
		n = len(msgs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	removeMsgFiles(log, retired)
	queueSizeMetric()
	queuekick()
	return n, nil
}

// Drop removes matching messages from the queue without sending a DSN.
// Returns the number of messages removed.
func Drop(ctx context.Context, log mlog.Log, f Filter) (int, error) {
	var removed []Msg
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Msg](tx)
		if err := f.apply(q); err != nil {
			return err
		}
		q.Gather(&removed)
		if _, err := q.Delete(); err != nil {
			return fmt.Errorf("deleting matching messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	removeMsgFiles(pkglog, removed)
	queueSizeMetric()
	queuekick()
	return len(removed), nil
}

// removeMsgFiles removes the message files of removed messages, skipping
// bounce-lane messages (no file) and files still shared with a remaining
// message of the same BaseID group.
func removeMsgFiles(log mlog.Log, msgs []Msg) {
	for _, m := range msgs {
		if m.Lane == LaneBounce {
			continue
		}
		if m.BaseID != 0 {
			exists, err := bstore.QueryDB[Msg](mint.Context, DB).FilterNonzero(Msg{BaseID: m.BaseID}).Exists()
			if err != nil {
				log.Errorx("checking for remaining messages in group", err, slog.Int64("id", m.ID))
				continue
			}
			if exists {
				continue
			}
		}
		p := m.MessagePath()
		if err := os.Remove(p); err != nil {
			log.Errorx("removing queue message file", err, slog.String("path", p))
		}
	}
}

// retireTx moves a message to MsgRetired. The message file, if any, must be
// removed by the caller after the transaction commits.
func retireTx(tx *bstore.Tx, m Msg, success bool) error {
	if err := tx.Delete(&Msg{ID: m.ID}); err != nil {
		return fmt.Errorf("deleting queue message: %w", err)
	}
	mr := MsgRetired{
		ID:            m.ID,
		BaseID:        m.BaseID,
		Lane:          m.Lane,
		Queued:        m.Queued,
		SenderAccount: m.SenderAccount,
		Recipient:     m.Recipient().XString(true),
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		Success:       success,
		MessageID:     m.MessageID,
		Size:          m.Size,
		LastActivity:  time.Now(),
	}
	if !m.Sender().IsZero() {
		mr.Sender = m.Sender().XString(true)
	}
	if err := tx.Insert(&mr); err != nil {
		return fmt.Errorf("inserting retired message: %w", err)
	}
	return nil
}

// retireMsg removes a delivered message from the queue.
func retireMsg(log mlog.Log, m Msg, success bool) {
	err := DB.Write(mint.Context, func(tx *bstore.Tx) error {
		return retireTx(tx, m, success)
	})
	if err != nil {
		log.Errorx("retiring queue message", err, slog.Int64("id", m.ID))
		return
	}
	removeMsgFiles(log, []Msg{m})
	queueSizeMetric()
}

// backoff returns the delay before the next attempt after the given number
// of attempts (at least 1), with a bit of jitter.
func backoff(attempts int) time.Duration {
	d := backoffBase + jitter()
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// Lane concurrency: local deliveries in parallel up to a cap, remote
// deliveries serialized per recipient domain up to a cap of busy domains,
// bounce processing strictly serial.
type schedState struct {
	localBusy  int
	bounceBusy bool
	remoteBusy map[string]struct{}
}

func (s *schedState) localMax() int {
	if n := mint.Conf.Static.Queue.LocalConcurrency; n > 0 {
		return n
	}
	return 20
}

func (s *schedState) remoteMax() int {
	if n := mint.Conf.Static.Queue.RemoteConcurrency; n > 0 {
		return n
	}
	return 10
}

type laneDone struct {
	lane   Lane
	domain string // Recipient domain, for remote deliveries.
}

var deliveryResults = make(chan laneDone, 1)

// Start launches the queue scheduler and the cleanup loop. It returns
// immediately; deliveries happen in the background until done is closed
// through mint.Shutdown.
func Start(resolver dns.Resolver, done chan struct{}) error {
	log := pkglog

	go cleanupLoop(log)

	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("queue scheduler panic", slog.Any("panic", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Queue)
			}
		}()

		state := schedState{remoteBusy: map[string]struct{}{}}

		timer := time.NewTimer(0)
		for {
			select {
			case <-mint.Shutdown.Done():
				done <- struct{}{}
				return
			case <-kick:
			case <-timer.C:
			case ld := <-deliveryResults:
				switch ld.lane {
				case LaneLocal:
					state.localBusy--
				case LaneBounce:
					state.bounceBusy = false
				case LaneRemote:
					delete(state.remoteBusy, ld.domain)
				}
			}

			launchWork(log, resolver, &state)
			timer.Reset(nextWork(mint.Shutdown, log, &state))
		}
	}()
	return nil
}

// nextWork returns the time to wait until the next message is eligible for
// an attempt, ignoring messages that cannot be launched right now: those in
// saturated lanes and those for domains with a delivery in progress. A
// finished delivery wakes the scheduler, so waiting long on a full lane is
// fine.
func nextWork(ctx context.Context, log mlog.Log, state *schedState) time.Duration {
	q := bstore.QueryDB[Msg](ctx, DB)
	if state.localBusy >= state.localMax() {
		q.FilterNotEqual("Lane", LaneLocal)
	}
	if state.bounceBusy {
		q.FilterNotEqual("Lane", LaneBounce)
	}
	if len(state.remoteBusy) >= state.remoteMax() {
		q.FilterNotEqual("Lane", LaneRemote)
	} else if len(state.remoteBusy) > 0 {
		busy := make([]any, 0, len(state.remoteBusy))
		for d := range state.remoteBusy {
			busy = append(busy, d)
		}
		q.FilterNotEqual("RecipientDomainStr", busy...)
	}
	q.SortAsc("NextAttempt")
	q.Limit(1)
	qm, err := q.Get()
	if err == bstore.ErrAbsent {
		return 24 * time.Hour
	} else if err != nil {
		log.Errorx("querying queue for next work", err)
		return 1 * time.Minute
	}
	return time.Until(qm.NextAttempt)
}

// launchWork starts deliveries for messages with a due next attempt, within
// the lane concurrency limits.
func launchWork(log mlog.Log, resolver dns.Resolver, state *schedState) {
	q := bstore.QueryDB[Msg](mint.Shutdown, DB)
	q.FilterLessEqual("NextAttempt", time.Now())
	q.SortAsc("NextAttempt")
	q.Limit(state.localMax() + state.remoteMax() + 1)
	msgs, err := q.List()
	if err != nil {
		log.Errorx("querying queue for work", err)
		return
	}

	for _, m := range msgs {
		switch m.Lane {
		case LaneLocal:
			if state.localBusy >= state.localMax() {
				continue
			}
			state.localBusy++
		case LaneBounce:
			if state.bounceBusy {
				continue
			}
			state.bounceBusy = true
		case LaneRemote:
			if _, ok := state.remoteBusy[m.RecipientDomainStr]; ok {
				continue
			}
			if len(state.remoteBusy) >= state.remoteMax() {
				continue
			}
			state.remoteBusy[m.RecipientDomainStr] = struct{}{}
		default:
			log.Error("dropping message with unknown lane", slog.Int64("id", m.ID), slog.String("lane", string(m.Lane)))
			retireMsg(log, m, false)
			continue
		}
		go deliver(log, resolver, m)
	}
}

// deliver attempts delivery of a single message (and for remote deliveries,
// of other messages of the same submission to the same domain).
func deliver(log mlog.Log, resolver dns.Resolver, m Msg) {
	ld := laneDone{lane: m.Lane, domain: m.RecipientDomainStr}
	cid := mint.Cid()
	qlog := log.WithCid(cid).With(
		slog.Any("from", m.Sender()),
		slog.Any("recipient", m.Recipient()),
		slog.String("lane", string(m.Lane)),
		slog.Int("attempts", m.Attempts),
		slog.Int64("msgid", m.ID),
	)

	defer func() {
		deliveryResults <- ld

		x := recover()
		if x != nil {
			qlog.Error("delivery panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Queue)
		}
	}()

	// Register the attempt before delivering, so a crash during delivery
	// does not cause rapid retries. For remote deliveries, other messages
	// of the same submission to the same domain are gathered into one SMTP
	// transaction and marked attempted too.
	var msgs []*Msg
	now := time.Now()
	err := DB.Write(mint.Shutdown, func(tx *bstore.Tx) error {
		if err := tx.Get(&m); err != nil {
			return fmt.Errorf("get message to deliver: %w", err)
		}
		msgs = []*Msg{&m}
		if m.Lane == LaneRemote && m.BaseID != 0 {
			q := bstore.QueryTx[Msg](tx)
			q.FilterNonzero(Msg{BaseID: m.BaseID, RecipientDomainStr: m.RecipientDomainStr, Lane: LaneRemote})
			q.FilterNotEqual("ID", m.ID)
			q.FilterLessEqual("NextAttempt", now)
			extra, err := q.List()
			if err != nil {
				return fmt.Errorf("gathering group messages: %w", err)
			}
			for i := range extra {
				msgs = append(msgs, &extra[i])
			}
		}
		for _, qm := range msgs {
			qm.Attempts++
			qm.LastAttempt = &now
			qm.NextAttempt = now.Add(backoff(qm.Attempts))
			if err := tx.Update(qm); err != nil {
				return fmt.Errorf("registering attempt: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, bstore.ErrAbsent) {
		// Removed in the meantime, e.g. by Drop.
		return
	} else if err != nil {
		qlog.Errorx("registering delivery attempt", err)
		return
	}

	t0 := time.Now()
	var result string
	switch m.Lane {
	case LaneLocal:
		result = deliverLocal(qlog, &m)
	case LaneRemote:
		result = deliverRemote(qlog, resolver, msgs)
	case LaneBounce:
		result = deliverBounce(qlog, &m)
	}
	metricDelivery.WithLabelValues(fmt.Sprintf("%d", m.Attempts), string(m.Lane), result).Observe(float64(time.Since(t0)) / float64(time.Second))
}

// deliveryResult classifies an error for metrics.
func deliveryResult(err error, permanent bool) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case permanent:
		return "permerror"
	default:
		return "temperror"
	}
}

// failMsgsDB handles a failed delivery attempt for msgs in a single
// transaction: schedule a retry, or enqueue DSNs and retire, depending on
// permanence and attempts made.
func failMsgsDB(log mlog.Log, msgs []*Msg, permanent bool, secode, errmsg, remoteMTA string) {
	var retired []Msg
	err := DB.Write(mint.Shutdown, func(tx *bstore.Tx) error {
		var err error
		retired, err = failMsgsTx(log, tx, msgs, permanent, secode, errmsg, remoteMTA)
		return err
	})
	if err != nil {
		log.Errorx("processing delivery failure", err)
		return
	}
	removeMsgFiles(log, retired)
	queueSizeMetric()
	queuekick()
}

// readQueuedHeaders returns the header section of the queued message, for
// inclusion in a DSN. Failure to read them is not fatal for the DSN.
func readQueuedHeaders(log mlog.Log, m Msg) []byte {
	f, err := os.Open(m.MessagePath())
	if err != nil {
		log.Infox("open queued message for dsn headers", err, slog.Int64("id", m.ID))
		return nil
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing queued message")
	}()
	mr := store.FileMsgReader(m.MsgPrefix, f)
	headers, err := message.ReadHeaders(bufio.NewReader(mr))
	if err != nil {
		log.Infox("reading queued message headers for dsn", err, slog.Int64("id", m.ID))
		return nil
	}
	return headers
}
