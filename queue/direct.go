package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtpclient"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

// deliverRemote delivers msgs, all recipients of the same submission to the
// same domain, to the mail servers of that domain. Hosts are attempted in
// MX priority order, falling through to the next host when no SMTP
// transaction could be completed. Once a transaction completed, outcomes
// are recorded per recipient.
func deliverRemote(log mlog.Log, resolver dns.Resolver, msgs []*Msg) string {
	m0 := msgs[0]

	ctx, cancel := context.WithTimeout(mint.Shutdown, 30*time.Second)
	_, _, hosts, permanent, err := smtpclient.GatherDestinations(ctx, log.Logger, resolver, m0.RecipientDomain)
	cancel()
	if err != nil {
		errmsg := fmt.Sprintf("resolving mail servers: %v", err)
		failMsgsDB(log, msgs, permanent, smtp.SeNet4Name3, errmsg, "")
		return deliveryResult(err, permanent)
	}

	log.Debug("delivering to remote domain", slog.Any("domain", m0.RecipientDomain), slog.Int("hosts", len(hosts)))

	errmsg := "no mail servers found"
	secode := smtp.SeNet4Name3
	permanent = false
	var remoteMTA string
	for _, h := range hosts {
		var done bool
		var result string
		remoteMTA = formatIPDomain(h.Host)
		done, result, permanent, secode, errmsg = deliverHost(log, resolver, h.Host, msgs)
		if done {
			return result
		}
		if permanent {
			break
		}
	}

	failMsgsDB(log, msgs, permanent, secode, errmsg, remoteMTA)
	if permanent {
		return "permerror"
	}
	return "temperror"
}

// deliverHost attempts delivery of msgs to a single host. If the SMTP
// transaction ran to completion, the per-recipient outcomes are final and
// handled here, and done is true. For failures before a completed
// transaction (DNS, dial, handshake, rejected MAIL FROM or DATA), handling
// is left to the caller, which may try the next mail server.
func deliverHost(log mlog.Log, resolver dns.Resolver, host dns.IPDomain, msgs []*Msg) (done bool, result string, permanent bool, secode, errmsg string) {
	m0 := msgs[0]
	start := time.Now()
	defer func() {
		log.Debug("attempted delivery to remote host",
			slog.Any("host", host),
			slog.Bool("done", done),
			slog.Bool("permanent", permanent),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	f, err := os.Open(m0.MessagePath())
	if err != nil {
		return false, "", false, smtp.SeSys3Other0, fmt.Sprintf("opening queued message: %v", err)
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing queued message after delivery attempt")
	}()
	msgr := store.FileMsgReader(m0.MsgPrefix, f)

	if m0.DialedIPs == nil {
		m0.DialedIPs = map[string][]net.IP{}
	}
	dialctx, dialcancel := context.WithTimeout(mint.Shutdown, 30*time.Second)
	defer dialcancel()
	ips, dualstack, err := smtpclient.GatherIPs(dialctx, log.Logger, resolver, "ip", host, m0.DialedIPs)
	if err != nil {
		return false, "", false, smtp.SeNet4Name3, fmt.Sprintf("resolving host: %v", err)
	}
	conn, _, err := smtpclient.Dial(dialctx, log.Logger, &net.Dialer{}, host, ips, 25, m0.DialedIPs)
	dialcancel()
	if err != nil {
		return false, "", false, smtp.SeNet4BadConn2, fmt.Sprintf("dialing host: %v", err)
	}
	// The dialed IPs are persisted with the next failure update, to
	// alternate address families across attempts.
	for _, m := range msgs[1:] {
		m.DialedIPs = m0.DialedIPs
	}

	ctx, cancel := context.WithTimeout(mint.Shutdown, 30*time.Minute)
	defer cancel()

	client, err := smtpclient.New(ctx, log.Logger, conn, smtpclient.TLSOpportunistic, false, mint.Conf.Static.HostnameDomain, host.Domain)
	if err != nil {
		xerr := conn.Close()
		log.Check(xerr, "closing connection after failed smtp handshake")
		permanent, secode = classifyErr(err, m0, dualstack)
		return false, "", permanent, secode, fmt.Sprintf("establishing smtp session: %v", err)
	}
	defer func() {
		err := client.Close()
		log.Check(err, "closing smtp client after delivery attempt")
	}()

	var mailFrom string
	if !m0.Sender().IsZero() {
		mailFrom = m0.Sender().XString(m0.SMTPUTF8)
	}
	rcptTos := make([]string, len(msgs))
	for i, m := range msgs {
		rcptTos[i] = m.Recipient().XString(m0.SMTPUTF8)
	}

	resps, err := client.DeliverMultiple(ctx, mailFrom, rcptTos, m0.Size, msgr, m0.Has8bit, m0.SMTPUTF8)
	if err != nil {
		permanent, secode = classifyErr(err, m0, dualstack)
		return false, "", permanent, secode, fmt.Sprintf("delivering message: %v", err)
	}

	nfailed := 0
	for i, resp := range resps {
		m := msgs[i]
		if resp.Code == smtp.C250Completed {
			log.Info("delivered to remote host",
				slog.Any("host", host),
				slog.Any("recipient", m.Recipient()),
				slog.Int64("msgid", m.ID),
			)
			retireMsg(log, *m, true)
			continue
		}
		nfailed++
		rerr := smtpclient.Error(resp)
		failMsgsDB(log, []*Msg{m}, resp.Permanent, resp.Secode, fmt.Sprintf("delivering message: %v", rerr.Error()), formatIPDomain(host))
	}
	if nfailed == 0 {
		return true, "ok", false, "", ""
	}
	return true, "okpartial", false, "", ""
}

// classifyErr returns whether an SMTP delivery error is permanent, and its
// enhanced status code. A policy rejection ("7." status) on the first
// attempt to a dualstack host is demoted to transient: the other address
// family is tried on the next attempt.
func classifyErr(err error, m0 *Msg, dualstack bool) (permanent bool, secode string) {
	var cerr smtpclient.Error
	if errors.As(err, &cerr) {
		permanent = cerr.Permanent
		secode = cerr.Secode
	}
	if permanent && m0.Attempts == 1 && dualstack && strings.HasPrefix(secode, "7.") {
		permanent = false
	}
	return permanent, secode
}
