// Package dsn composes Delivery Status Notification messages, see RFC 3464
// and RFC 6533.
package dsn

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

// Message represents a DSN message, with basic message headers,
// human-readable text, machine-parsable data, and optional original message
// headers.
//
// A DSN represents a delayed or failed delivery. Failing outgoing deliveries
// from the message queue result in a DSN being sent to the local envelope
// sender.
type Message struct {
	SMTPUTF8 bool // Whether the original was received with smtputf8.

	// DSN message From header, e.g. postmaster@ourdomain.example. DSNs are
	// always sent with a null reverse path to prevent mail loops.
	From smtp.Path

	// "To" header, and also SMTP RCPT TO to deliver the DSN to. Taken from
	// the original SMTP transaction MAIL FROM.
	To smtp.Path

	// Message subject header, e.g. describing the delivery failure.
	Subject string

	// Set when the message is composed.
	MessageID string

	// References header, with the Message-ID of the original message, so
	// mail user-agents thread the DSN with the original message.
	References string

	// Human-readable text explaining the failure. Line endings should be
	// bare newlines, they are converted to \r\n when composing.
	TextBody string

	// Per-message fields.
	ReportingMTA    string    // Required.
	ReceivedFromMTA smtp.Ehlo // Host from which the message was received.
	ArrivalDate     time.Time

	// One or more per-recipient fields.
	Recipients []Recipient

	// Original message headers to include in the DSN as third MIME part.
	// Optional.
	Original []byte
}

// Action is the delivery disposition in a per-recipient block.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
)

// Recipient holds the per-recipient delivery-status lines in a DSN.
type Recipient struct {
	// Required fields.
	FinalRecipient smtp.Path
	Action         Action

	// Enhanced status code. First digit indicates permanent or temporary
	// error. If the string contains more than just a status, that
	// additional text is added as comment when composing.
	Status string

	// Remote host that returned an error code. Empty for local failures.
	RemoteMTA string

	// If RemoteMTA is present, DiagnosticCode is from remote. Additional
	// text in the string is added to the DSN as comment.
	DiagnosticCode  string
	LastAttemptDate time.Time

	// For delayed deliveries, deliveries may be retried until this time.
	WillRetryUntil *time.Time
}

// Compose returns a DSN message.
//
// smtputf8 indicates whether the MTA that will receive the DSN supports
// smtputf8. This influences the message media (sub)types used.
func (m *Message) Compose(smtputf8 bool) ([]byte, error) {
	// A multipart/report with 2 or 3 parts:
	// - 1. human-readable explanation;
	// - 2. message/delivery-status;
	// - 3. (optional) original message headers.

	// If the original message does not require smtputf8, we never generate
	// a utf-8 DSN.
	if !m.SMTPUTF8 {
		smtputf8 = false
	}

	// We check for errors once after all the writes.
	msgw := &errWriter{w: &bytes.Buffer{}}

	header := func(k, v string) {
		fmt.Fprintf(msgw, "%s: %s\r\n", k, v)
	}

	line := func(w io.Writer) {
		_, _ = w.Write([]byte("\r\n"))
	}

	// Outer message headers.
	header("From", fmt.Sprintf("<%s>", m.From.XString(smtputf8)))
	header("To", fmt.Sprintf("<%s>", m.To.XString(smtputf8)))
	header("Subject", m.Subject)
	m.MessageID = mint.MessageIDGen(smtputf8)
	header("Message-Id", fmt.Sprintf("<%s>", m.MessageID))
	if m.References != "" {
		header("References", m.References)
	}
	header("Date", time.Now().Format(message.RFC5322Z))
	header("Auto-Submitted", "auto-replied")
	header("MIME-Version", "1.0")
	mp := multipart.NewWriter(msgw)
	header("Content-Type", fmt.Sprintf(`multipart/report; report-type="delivery-status"; boundary="%s"`, mp.Boundary()))

	line(msgw)

	// First part, human-readable message.
	msgHdr := textproto.MIMEHeader{}
	if smtputf8 {
		msgHdr.Set("Content-Type", "text/plain; charset=utf-8")
		msgHdr.Set("Content-Transfer-Encoding", "8BIT")
	} else {
		msgHdr.Set("Content-Type", "text/plain")
		msgHdr.Set("Content-Transfer-Encoding", "7BIT")
	}
	msgp, err := mp.CreatePart(msgHdr)
	if err != nil {
		return nil, err
	}
	if _, err := msgp.Write([]byte(strings.ReplaceAll(m.TextBody, "\n", "\r\n"))); err != nil {
		return nil, err
	}

	// Machine-parsable second part.
	statusHdr := textproto.MIMEHeader{}
	if smtputf8 {
		statusHdr.Set("Content-Type", "message/global-delivery-status")
		statusHdr.Set("Content-Transfer-Encoding", "8BIT")
	} else {
		statusHdr.Set("Content-Type", "message/delivery-status")
		statusHdr.Set("Content-Transfer-Encoding", "7BIT")
	}
	statusp, err := mp.CreatePart(statusHdr)
	if err != nil {
		return nil, err
	}

	status := func(k, v string) {
		fmt.Fprintf(statusp, "%s: %s\r\n", k, v)
	}

	// Per-message fields first.
	status("Reporting-MTA", "dns; "+m.ReportingMTA)
	if !m.ReceivedFromMTA.IsZero() {
		status("Received-From-MTA", fmt.Sprintf("dns;%s (%s)", m.ReceivedFromMTA.Name, smtp.AddressLiteral(m.ReceivedFromMTA.ConnIP)))
	}
	status("Arrival-Date", m.ArrivalDate.Format(message.RFC5322Z))

	// Then per-recipient fields.
	addrType := "rfc822;"
	if smtputf8 {
		addrType = "utf-8;"
	}
	if len(m.Recipients) == 0 {
		return nil, fmt.Errorf("missing per-recipient fields")
	}
	for _, r := range m.Recipients {
		line(statusp)
		status("Final-Recipient", addrType+r.FinalRecipient.DSNString(smtputf8))
		status("Action", string(r.Action))
		st := r.Status
		if st == "" {
			// The field is required, make up a sensible code.
			switch r.Action {
			case Delayed:
				st = "4.0.0"
			case Failed:
				st = "5.0.0"
			default:
				st = "2.0.0"
			}
		}
		var rest string
		st, rest = codeLine(st)
		statusLine := st
		if rest != "" {
			statusLine += " (" + rest + ")"
		}
		status("Status", statusLine)
		if r.RemoteMTA != "" {
			status("Remote-MTA", "dns;"+r.RemoteMTA)
		}
		// Presence of Diagnostic-Code indicates the code is from Remote-MTA.
		if r.DiagnosticCode != "" {
			diagCode, rest := codeLine(r.DiagnosticCode)
			diagLine := diagCode
			if rest != "" {
				diagLine += " (" + rest + ")"
			}
			status("Diagnostic-Code", "smtp; "+diagLine)
		}
		if !r.LastAttemptDate.IsZero() {
			status("Last-Attempt-Date", r.LastAttemptDate.Format(message.RFC5322Z))
		}
		if r.WillRetryUntil != nil {
			status("Will-Retry-Until", r.WillRetryUntil.Format(message.RFC5322Z))
		}
	}

	// We include only the header of the original message.
	if m.Original != nil {
		headers, err := message.ReadHeaders(bufio.NewReader(bytes.NewReader(m.Original)))
		if err != nil && errors.Is(err, message.ErrHeaderSeparator) {
			// Whole data is a header.
			headers = m.Original
		} else if err != nil {
			return nil, err
		}
		// Else, this is a whole message. We still only include the headers.

		origHdr := textproto.MIMEHeader{}
		if smtputf8 {
			origHdr.Set("Content-Type", "message/global-headers")
			origHdr.Set("Content-Transfer-Encoding", "8BIT")
		} else if m.SMTPUTF8 {
			origHdr.Set("Content-Type", "text/rfc822-headers; charset=utf-8")
			origHdr.Set("Content-Transfer-Encoding", "BASE64")
		} else {
			origHdr.Set("Content-Type", "text/rfc822-headers")
			origHdr.Set("Content-Transfer-Encoding", "7BIT")
		}
		origp, err := mp.CreatePart(origHdr)
		if err != nil {
			return nil, err
		}

		if !smtputf8 && m.SMTPUTF8 {
			data := base64.StdEncoding.EncodeToString(headers)
			for len(data) > 0 {
				n := len(data)
				if n > 78 {
					n = 78
				}
				var line string
				line, data = data[:n], data[n:]
				if _, err := origp.Write([]byte(line + "\r\n")); err != nil {
					return nil, err
				}
			}
		} else if _, err := origp.Write(headers); err != nil {
			return nil, err
		}
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}

	if msgw.err != nil {
		return nil, msgw.err
	}

	return msgw.w.Bytes(), nil
}

type errWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *errWriter) Write(buf []byte) (int, error) {
	if w.err != nil {
		return -1, w.err
	}
	n, err := w.w.Write(buf)
	w.err = err
	return n, err
}

// split a line into enhanced status code and rest.
func codeLine(s string) (string, string) {
	t := strings.SplitN(s, " ", 2)
	l := strings.Split(t[0], ".")
	if len(l) != 3 {
		return "", s
	}
	for i, e := range l {
		_, err := strconv.ParseInt(e, 10, 32)
		if err != nil {
			return "", s
		}
		if i == 0 && len(e) != 1 {
			return "", s
		}
	}

	var rest string
	if len(t) == 2 {
		rest = t[1]
	}
	return t[0], rest
}

// HasCode returns whether line starts with an enhanced SMTP status code.
func HasCode(line string) bool {
	ecode, _ := codeLine(line)
	return ecode != ""
}
