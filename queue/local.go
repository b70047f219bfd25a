package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

// Window within which at most one automatic reply is sent to the same
// sender.
const autoReplyWindow = 24 * time.Hour

// deliverLocal delivers m to the mailbox of the local account its recipient
// resolves to. Quota is checked and reserved in the same transaction as the
// delivery. After a successful delivery the account's autoresponder may
// send a reply.
func deliverLocal(log mlog.Log, m *Msg) string {
	accName, _, dest, err := mint.LookupAddress(m.RecipientLocalpart, m.RecipientDomain.Domain, true)
	if err != nil {
		if errors.Is(err, mint.ErrAddressNotFound) || errors.Is(err, mint.ErrDomainNotFound) {
			failMsgsDB(log, []*Msg{m}, true, smtp.SeAddr1UnknownDestMailbox1, "no such user", "")
			return "permerror"
		}
		failMsgsDB(log, []*Msg{m}, false, smtp.SeSys3Other0, "looking up recipient: "+err.Error(), "")
		return "temperror"
	}

	acc, err := store.OpenAccount(accName)
	if err != nil {
		failMsgsDB(log, []*Msg{m}, false, smtp.SeSys3Other0, "opening account: "+err.Error(), "")
		return "temperror"
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account after local delivery")
	}()

	f, err := os.Open(m.MessagePath())
	if err != nil {
		failMsgsDB(log, []*Msg{m}, false, smtp.SeSys3Other0, "opening queued message: "+err.Error(), "")
		return "temperror"
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing queued message after local delivery")
	}()

	mailbox := m.Mailbox
	if mailbox == "" {
		mailbox = dest.Mailbox
	}
	if mailbox == "" {
		mailbox = "Inbox"
	}
	var flags store.Flags
	if mailbox == "Spam" {
		flags.Junk = true
	}

	storeMsg := store.Message{
		Received:          time.Now(),
		MailFromLocalpart: m.SenderLocalpart,
		RcptToLocalpart:   m.RecipientLocalpart,
		RcptToDomain:      m.RecipientDomain.Domain.Name(),
		MessageID:         m.MessageID,
		Flags:             flags,
		Size:              m.Size,
		MsgPrefix:         m.MsgPrefix,
	}
	if !m.Sender().IsZero() {
		storeMsg.MailFrom = m.Sender().XString(true)
	}
	if len(m.SenderDomain.IP) == 0 && !m.SenderDomain.Domain.IsZero() {
		storeMsg.MailFromDomain = m.SenderDomain.Domain.Name()
	}

	var overQuota bool
	var changes []store.Change
	acc.WithWLock(func() {
		err = acc.DB.Write(mint.Context, func(tx *bstore.Tx) error {
			ok, maxSize, err := acc.CanAddMessageSize(tx, m.Size)
			if err != nil {
				return fmt.Errorf("checking quota: %w", err)
			}
			if !ok {
				overQuota = true
				return fmt.Errorf("account over maximum total message size %d", maxSize)
			}
			mb, chl, err := acc.MailboxEnsure(tx, mailbox, true)
			if err != nil {
				return fmt.Errorf("ensuring mailbox: %w", err)
			}
			storeMsg.MailboxID = mb.ID
			changes = append(changes, chl...)
			return acc.DeliverMessage(log, tx, &storeMsg, f, false, true)
		})
	})
	if err != nil {
		if overQuota {
			failMsgsDB(log, []*Msg{m}, false, smtp.SeMailbox2Full2, err.Error(), "")
		} else {
			failMsgsDB(log, []*Msg{m}, false, smtp.SeSys3Other0, err.Error(), "")
		}
		return deliveryResult(err, false)
	}

	changes = append(changes, store.ChangeAddUID{MailboxID: storeMsg.MailboxID, UID: storeMsg.UID, ModSeq: storeMsg.ModSeq, Flags: storeMsg.Flags, Keywords: storeMsg.Keywords})
	store.BroadcastChanges(acc, changes)

	log.Info("delivered locally",
		slog.String("account", accName),
		slog.String("mailbox", mailbox),
		slog.Int64("storemsgid", storeMsg.ID),
	)

	// Autoresponder runs while the queued message file still exists, its
	// headers are needed for loop suppression and the reply subject.
	autorespond(log, acc, m)

	retireMsg(log, *m, true)
	return "ok"
}

// autorespond sends the account's automatic reply to the sender of m, if
// the autoresponder is enabled and inside its validity window, the message
// does not look auto-generated, and no reply was sent to this sender in the
// past 24 hours. The reply is queued with a null reverse path so it can
// never cause a DSN or another automatic reply.
func autorespond(log mlog.Log, acc *store.Account, m *Msg) {
	conf, ok := acc.Conf()
	if !ok || !conf.Autoresponder.Enabled {
		return
	}
	ar := conf.Autoresponder

	now := time.Now()
	if !ar.StartTime.IsZero() && now.Before(ar.StartTime) || !ar.EndTime.IsZero() && now.After(ar.EndTime) {
		return
	}
	if m.IsDSN || m.Sender().IsZero() || len(m.SenderDomain.IP) > 0 {
		return
	}

	hdrBuf := readQueuedHeaders(log, *m)
	if hdrBuf == nil {
		return
	}
	hdr, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(hdrBuf, "\r\n"...)))).ReadMIMEHeader()
	if err != nil {
		log.Infox("parsing headers for autoresponder, skipping reply", err, slog.Int64("msgid", m.ID))
		return
	}
	if v := hdr.Get("Auto-Submitted"); v != "" && !strings.EqualFold(v, "no") {
		return
	}
	if hdr.Get("List-Id") != "" {
		return
	}
	if v := hdr.Get("Precedence"); strings.EqualFold(v, "bulk") || strings.EqualFold(v, "list") {
		return
	}

	sender := mint.CanonicalAddress(m.SenderLocalpart, m.SenderDomain.Domain)
	var suppressed bool
	err = acc.DB.Write(mint.Context, func(tx *bstore.Tx) error {
		var err error
		suppressed, err = acc.AutoReplySuppressed(tx, sender, autoReplyWindow)
		return err
	})
	if err != nil {
		log.Errorx("checking autoresponder suppression", err, slog.String("sender", sender))
		return
	}
	if suppressed {
		log.Debug("not sending automatic reply, sender recently replied to", slog.String("sender", sender))
		return
	}

	qm, f, err := composeAutoReply(log, ar, m, hdr.Get("Subject"))
	if err != nil {
		log.Errorx("composing automatic reply", err, slog.String("sender", sender))
		return
	}
	defer func() {
		err := os.Remove(f.Name())
		log.Check(err, "removing temp auto-reply file")
		err = f.Close()
		log.Check(err, "closing temp auto-reply file")
	}()

	if err := Add(mint.Context, log, acc.Name, f, qm); err != nil {
		log.Errorx("queueing automatic reply", err, slog.String("sender", sender))
		return
	}
	log.Info("automatic reply queued", slog.String("sender", sender), slog.Int64("msgid", qm.ID))
}

// composeAutoReply writes the reply message to a temp file and returns the
// queue message for it, addressed to the sender of m.
func composeAutoReply(log mlog.Log, ar config.Autoresponder, m *Msg, origSubject string) (qm *Msg, f *os.File, rerr error) {
	f, err := store.CreateMessageTemp("autoreply")
	if err != nil {
		return nil, nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if rerr != nil {
			err := os.Remove(f.Name())
			log.Check(err, "removing temp auto-reply file after compose error")
			err = f.Close()
			log.Check(err, "closing temp auto-reply file after compose error")
		}
	}()

	xc := message.NewComposer(f, 0)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, message.ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	fromAddr := smtp.NewAddress(m.RecipientLocalpart, m.RecipientDomain.Domain)
	toAddr := smtp.NewAddress(m.SenderLocalpart, m.SenderDomain.Domain)
	xc.HeaderAddrs("From", []message.NameAddress{{Address: fromAddr}})
	xc.HeaderAddrs("To", []message.NameAddress{{Address: toAddr}})

	subject := ar.Subject
	if subject == "" {
		subject = "Auto: " + origSubject
	}
	xc.SMTPUTF8 = fromAddr.Localpart.IsInternational() || toAddr.Localpart.IsInternational() || !isASCII(subject) || !isASCII(ar.Body)
	xc.Subject(subject)
	if m.MessageID != "" {
		xc.Header("In-Reply-To", m.MessageID)
		xc.Header("References", m.MessageID)
	}
	xc.Header("Auto-Submitted", "auto-replied")
	msgID := mint.MessageIDGen(xc.SMTPUTF8)
	xc.Header("Message-Id", fmt.Sprintf("<%s>", msgID))
	xc.Header("Date", time.Now().Format(message.RFC5322Z))
	xc.Header("MIME-Version", "1.0")
	body, ct, cte := xc.TextPart(ar.Body)
	xc.Header("Content-Type", ct)
	xc.Header("Content-Transfer-Encoding", cte)
	xc.Line()
	xc.Write(body)
	xc.Flush()

	lane := LaneRemote
	if mint.Conf.Domain(m.SenderDomain.Domain) {
		lane = LaneLocal
	}
	nqm := MakeMsg(lane, smtp.Path{}, m.Sender(), xc.Has8bit, xc.SMTPUTF8, xc.Size, fmt.Sprintf("<%s>", msgID), nil, "")
	return &nqm, f, nil
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
