// Package config holds the configuration file format for mint, parsed with
// sconf.
package config

import (
	"crypto/tls"
	"time"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

// DefaultMaxMsgSize is the maximum message size for incoming and outgoing
// messages, in bytes. Can be overridden per listener.
const DefaultMaxMsgSize = 100 * 1024 * 1024

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Config is the parsed form of the mint.conf configuration file.
type Config struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: queue, accounts and messages. If relative, it is relative to the directory of mint.conf."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs protocol transcripts, traceauth also messages with passwords, tracedata also full message data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtpclient, smtpserver, imapserver, pop3server)."`
	Hostname         string            `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used in SMTP greetings, Received headers and for generated message-ids."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.

	Domains       []string     `sconf-doc:"Domains for which email is accepted for local delivery. For internationalized domains, use their IDNA names in UTF-8."`
	DomainsParsed []dns.Domain `sconf:"-" json:"-"`

	Listeners map[string]Listener `sconf-doc:"Listeners are groups of IP addresses with services enabled on them, such as SMTP, submission, IMAP and POP3."`

	Queue Queue `sconf:"optional" sconf-doc:"Delivery queue tuning."`

	QuotaMessageSize int64 `sconf:"optional" sconf-doc:"Default maximum total message size in bytes for each individual account, only applicable if greater than zero. Can be overridden per account. Attempting to deliver messages to an account beyond its maximum total size results in rejection."`

	Accounts map[string]Account `sconf-doc:"Accounts, each with a password and addresses to which email can be delivered. Each account has its own on-disk directory holding its messages and index database. An account name is not an email address."`
}

// Listener is a set of IP addresses and services enabled on them.
type Listener struct {
	IPs []string `sconf-doc:"IP addresses to listen on."`
	TLS *TLS     `sconf:"optional" sconf-doc:"TLS configuration for plain TLS services and STARTTLS upgrades on this listener."`

	SMTP struct {
		Enabled        bool
		Port           int   `sconf:"optional" sconf-doc:"Default 25."`
		MaxMessageSize int64 `sconf:"optional" sconf-doc:"Maximum incoming message size in bytes. Default 100MB."`
		NoSTARTTLS     bool  `sconf:"optional" sconf-doc:"Do not offer STARTTLS, for testing."`
	} `sconf:"optional"`
	Submission struct {
		Enabled           bool
		Port              int  `sconf:"optional" sconf-doc:"Default 587."`
		NoRequireSTARTTLS bool `sconf:"optional" sconf-doc:"Allow authentication without STARTTLS, for testing."`
	} `sconf:"optional"`
	SubmissionsTLS struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 465, implicit TLS."`
	} `sconf:"optional"`
	IMAP struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 143."`
	} `sconf:"optional"`
	IMAPSTLS struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 993, implicit TLS."`
	} `sconf:"optional"`
	POP3 struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 110."`
	} `sconf:"optional"`
	POP3STLS struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 995, implicit TLS."`
	} `sconf:"optional"`
	Metrics struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 8010, prometheus metrics over HTTP, bind to localhost only."`
	} `sconf:"optional"`
}

// TLS has the certificate files for a listener.
type TLS struct {
	KeyCerts []struct {
		CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
		KeyFile  string `sconf-doc:"Private key for certificate, in PEM format."`
	} `sconf:"optional"`

	Config *tls.Config `sconf:"-" json:"-"` // Loaded from KeyCerts.
}

// Queue has the tuning knobs for the delivery queue lanes.
type Queue struct {
	MaxAttempts       int `sconf:"optional" sconf-doc:"Maximum delivery attempts before a message is failed and bounced. Default 8."`
	LocalConcurrency  int `sconf:"optional" sconf-doc:"Maximum parallel local deliveries. Default 20."`
	RemoteConcurrency int `sconf:"optional" sconf-doc:"Maximum parallel remote deliveries (per-domain serialized). Default 10."`
	RetentionDays     int `sconf:"optional" sconf-doc:"Days to keep retired queue messages and temp files before cleanup. Default 14."`
}

// Account holds a mail account with its addresses and policies.
type Account struct {
	Destinations map[string]Destination `sconf-doc:"Addresses for this account. Keys are full email addresses (or localparts, which get all configured domains)."`
	Aliases      []string               `sconf:"optional" sconf-doc:"Additional addresses that route to this account."`

	QuotaMessageSize        int64 `sconf:"optional" sconf-doc:"Maximum total message size in bytes, overriding the global default if non-zero. Negative means no limit."`
	HourlyLimit             int   `sconf:"optional" sconf-doc:"Maximum number of messages the account can submit per hour. Default 200."`
	DailyLimit              int   `sconf:"optional" sconf-doc:"Maximum number of messages the account can submit per calendar day. Default 1000."`
	MaxRecipientsPerMessage int   `sconf:"optional" sconf-doc:"Maximum recipients per submitted message. Default 100."`

	Disabled bool `sconf:"optional" sconf-doc:"Account cannot authenticate and no mail is accepted for it."`
	Locked   bool `sconf:"optional" sconf-doc:"Account cannot authenticate, mail is still accepted."`

	Autoresponder Autoresponder `sconf:"optional" sconf-doc:"Automatic reply for incoming messages."`

	DNSDomains []dns.Domain `sconf:"-" json:"-"` // Domains the account has addresses in.
}

// Destination is a deliverable address of an account.
type Destination struct {
	Mailbox string `sconf:"optional" sconf-doc:"Mailbox to deliver to. Default Inbox."`

	Address smtp.Address `sconf:"-" json:"-"` // Parsed from the map key.
}

// Autoresponder configures automatic replies for an account.
type Autoresponder struct {
	Enabled bool   `sconf:"optional"`
	Subject string `sconf:"optional" sconf-doc:"Subject of the reply. Default: Auto: <original subject>."`
	Body    string `sconf:"optional" sconf-doc:"Body text of the reply."`
	Start   string `sconf:"optional" sconf-doc:"Start of validity window, RFC 3339 timestamp. Empty means always started."`
	End     string `sconf:"optional" sconf-doc:"End of validity window, RFC 3339 timestamp. Empty means never ending."`

	StartTime time.Time `sconf:"-" json:"-"`
	EndTime   time.Time `sconf:"-" json:"-"`
}
