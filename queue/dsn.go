package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/dsn"
	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

// failMsgsTx handles msgs whose delivery attempt failed. Messages that
// failed permanently, or that are out of attempts, get a failure DSN queued
// (at most once, the message is retired in the same transaction) and are
// returned so the caller can remove their files after commit. A message at
// its 5th attempt additionally gets a one-time delayed DSN while retries
// continue. Other messages just have their LastError and DialedIPs updates
// persisted, their next attempt was already scheduled.
func failMsgsTx(log mlog.Log, tx *bstore.Tx, msgs []*Msg, permanent bool, secode, errmsg, remoteMTA string) ([]Msg, error) {
	var retired []Msg
	for _, m := range msgs {
		m.LastError = errmsg

		if permanent || m.Attempts >= m.effectiveMaxAttempts() {
			log.Error("delivery failed, sending dsn",
				slog.Bool("permanent", permanent),
				slog.Int("attempts", m.Attempts),
				slog.Int64("msgid", m.ID),
				slog.String("err", errmsg),
			)
			if err := enqueueDSNTx(log, tx, m, true, secode, errmsg, remoteMTA, nil); err != nil {
				log.Errorx("queueing failure dsn", err, slog.Int64("msgid", m.ID))
			}
			if err := retireTx(tx, *m, false); err != nil {
				return retired, fmt.Errorf("retiring failed message: %w", err)
			}
			retired = append(retired, *m)
			continue
		}

		if m.Attempts == delayedDSNAttempt {
			// Sum of the remaining backoff delays until the final attempt.
			retryUntil := m.LastAttempt.Add((4 + 8 + 16) * time.Hour)
			if err := enqueueDSNTx(log, tx, m, false, secode, errmsg, remoteMTA, &retryUntil); err != nil {
				log.Errorx("queueing delayed dsn", err, slog.Int64("msgid", m.ID))
			}
		}

		log.Errorx("delivery attempt failed, will retry", errors.New(errmsg),
			slog.Int("attempts", m.Attempts),
			slog.Time("nextattempt", m.NextAttempt),
			slog.Int64("msgid", m.ID),
		)
		if err := tx.Update(m); err != nil {
			return retired, fmt.Errorf("saving delivery error: %w", err)
		}
	}
	return retired, nil
}

// enqueueDSNTx inserts a bounce-lane message that will deliver a DSN to the
// local envelope sender of m. DSNs for remote or empty senders are dropped
// (we do not send DSNs off-host, to prevent backscatter), as are DSNs about
// failed DSNs.
func enqueueDSNTx(log mlog.Log, tx *bstore.Tx, m *Msg, failed bool, secode, errmsg, remoteMTA string, retryUntil *time.Time) error {
	if m.IsDSN {
		log.Info("not sending dsn for failed dsn", slog.Int64("msgid", m.ID))
		return nil
	}
	if m.Sender().IsZero() {
		log.Info("not sending dsn for message with null reverse path", slog.Int64("msgid", m.ID))
		return nil
	}
	if len(m.SenderDomain.IP) > 0 {
		log.Info("not sending dsn to sender at ip address", slog.Int64("msgid", m.ID))
		return nil
	}
	_, _, _, err := mint.LookupAddress(m.SenderLocalpart, m.SenderDomain.Domain, true)
	if err != nil {
		if errors.Is(err, mint.ErrAddressNotFound) || errors.Is(err, mint.ErrDomainNotFound) {
			log.Info("not sending dsn to remote or unknown sender", slog.Any("sender", m.Sender()))
			return nil
		}
		return fmt.Errorf("looking up sender for dsn: %w", err)
	}

	now := time.Now()
	lastAttempt := now
	if m.LastAttempt != nil {
		lastAttempt = *m.LastAttempt
	}
	dm := Msg{
		Lane:               LaneBounce,
		Queued:             now,
		NextAttempt:        now,
		RecipientLocalpart: m.SenderLocalpart,
		RecipientDomain:    m.SenderDomain,
		RecipientDomainStr: m.SenderDomainStr,
		SMTPUTF8:           m.SMTPUTF8,
		IsDSN:              true,
		DSN: &DSNInfo{
			Failed:         failed,
			OrigTo:         m.Recipient(),
			OrigMessageID:  m.MessageID,
			Queued:         m.Queued,
			LastAttempt:    lastAttempt,
			WillRetryUntil: retryUntil,
			Secode:         secode,
			Diag:           errmsg,
			RemoteMTA:      remoteMTA,
			Error:          errmsg,
			Headers:        readQueuedHeaders(log, *m),
		},
	}
	if err := tx.Insert(&dm); err != nil {
		return fmt.Errorf("inserting dsn in queue: %w", err)
	}
	return nil
}

// deliverBounce processes a bounce-lane message: compose the DSN and
// deliver it into the Inbox of the local sender it is addressed to.
func deliverBounce(log mlog.Log, m *Msg) string {
	if m.DSN == nil {
		log.Error("bounce message without dsn information, dropping", slog.Int64("msgid", m.ID))
		retireMsg(log, *m, false)
		return "permerror"
	}
	err := deliverDSN(log, m)
	if err != nil {
		log.Errorx("delivering dsn locally, will retry", err, slog.Int64("msgid", m.ID))
		failMsgsDB(log, []*Msg{m}, false, smtp.SeSys3Other0, err.Error(), "")
		return deliveryResult(err, false)
	}
	retireMsg(log, *m, true)
	return "ok"
}

// deliverDSN composes the DSN for m and delivers it to the local account of
// the recipient. A recipient that no longer resolves to a local account
// causes the DSN to be dropped, not an error.
func deliverDSN(log mlog.Log, m *Msg) error {
	info := m.DSN

	var action dsn.Action
	var subject, textBody, status string
	if info.Failed {
		action = dsn.Failed
		subject = "mail delivery failed"
		textBody = fmt.Sprintf("Delivery has failed permanently for your email to:\n\n\t%s\n\nNo further deliveries will be attempted.\n\nError during the last delivery attempt:\n\n\t%s\n", info.OrigTo.XString(m.SMTPUTF8), info.Error)
		status = "5."
	} else {
		action = dsn.Delayed
		subject = "mail delivery delayed"
		textBody = fmt.Sprintf("Delivery has been delayed of your email to:\n\n\t%s\n\nNext attempts to deliver: in 4 hours, 8 hours and 16 hours.\nIf these attempts all fail, you will receive a notice.\n\nError during the last delivery attempt:\n\n\t%s\n", info.OrigTo.XString(m.SMTPUTF8), info.Error)
		status = "4."
	}
	if info.Secode != "" {
		status += info.Secode
	} else {
		status += smtp.SeOther00
	}

	hostDom := mint.Conf.Static.HostnameDomain
	from := smtp.Path{Localpart: "postmaster", IPDomain: dns.IPDomain{Domain: hostDom}}

	dsnMsg := dsn.Message{
		SMTPUTF8:   m.SMTPUTF8,
		From:       from,
		To:         m.Recipient(),
		Subject:    subject,
		References: info.OrigMessageID,
		TextBody:   textBody,

		ReportingMTA: hostDom.ASCII,
		ArrivalDate:  info.Queued,

		Recipients: []dsn.Recipient{
			{
				FinalRecipient:  info.OrigTo,
				Action:          action,
				Status:          status,
				RemoteMTA:       info.RemoteMTA,
				DiagnosticCode:  info.Diag,
				LastAttemptDate: info.LastAttempt,
				WillRetryUntil:  info.WillRetryUntil,
			},
		},

		Original: info.Headers,
	}
	buf, err := dsnMsg.Compose(m.SMTPUTF8)
	if err != nil {
		return fmt.Errorf("composing dsn: %w", err)
	}

	accName, _, _, err := mint.LookupAddress(m.RecipientLocalpart, m.RecipientDomain.Domain, true)
	if err != nil {
		if errors.Is(err, mint.ErrAddressNotFound) || errors.Is(err, mint.ErrDomainNotFound) {
			log.Infox("dsn recipient no longer a local address, dropping dsn", err, slog.Any("recipient", m.Recipient()))
			return nil
		}
		return fmt.Errorf("looking up dsn recipient: %w", err)
	}

	acc, err := store.OpenAccount(accName)
	if err != nil {
		return fmt.Errorf("open account for dsn delivery: %w", err)
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account after dsn delivery")
	}()

	f, err := store.CreateMessageTemp("dsn")
	if err != nil {
		return fmt.Errorf("creating temp file for dsn: %w", err)
	}
	defer func() {
		err := os.Remove(f.Name())
		log.Check(err, "removing temp dsn message file")
		err = f.Close()
		log.Check(err, "closing temp dsn message file")
	}()

	prefix := fmt.Sprintf("Return-Path: <%s>\r\nDelivered-To: %s\r\n", from.XString(m.SMTPUTF8), m.Recipient().XString(m.SMTPUTF8))
	mw := message.NewWriter(f)
	if _, err := mw.Write([]byte(prefix)); err != nil {
		return fmt.Errorf("writing dsn prefix: %w", err)
	}
	if _, err := mw.Write(buf); err != nil {
		return fmt.Errorf("writing dsn message: %w", err)
	}

	storeMsg := store.Message{
		Received:  time.Now(),
		Size:      mw.Size,
		MsgPrefix: []byte{},
	}
	var deliverErr error
	acc.WithWLock(func() {
		deliverErr = acc.DeliverMailbox(log, "Inbox", &storeMsg, f, false)
	})
	if deliverErr != nil {
		return fmt.Errorf("delivering dsn to mailbox: %w", deliverErr)
	}
	return nil
}
