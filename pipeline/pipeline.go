// Package pipeline defines the interface to the external content-security
// service: SPF/DKIM/DMARC evaluation, spam scoring and virus scanning.
//
// The SMTP server and delivery queue only consume verdicts. The analysis
// itself happens elsewhere; this package carries no scoring logic.
package pipeline

import (
	"context"
	"io"
	"net"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

// SPFResult is the outcome of SPF evaluation for a connection.
type SPFResult string

const (
	SPFNone      SPFResult = "none"
	SPFNeutral   SPFResult = "neutral"
	SPFPass      SPFResult = "pass"
	SPFFail      SPFResult = "fail"
	SPFSoftfail  SPFResult = "softfail"
	SPFTemperror SPFResult = "temperror"
	SPFPermerror SPFResult = "permerror"
)

// SPF is the verdict for the envelope sender and connecting IP.
type SPF struct {
	Result  SPFResult
	Details string // Human-readable explanation, for Authentication-Results and logging.
}

// DKIMResult is the outcome of verifying a DKIM signature.
type DKIMResult string

const (
	DKIMNone DKIMResult = "none"
	DKIMPass DKIMResult = "pass"
	DKIMFail DKIMResult = "fail"
)

// DKIM is the verdict for the message signatures.
type DKIM struct {
	Result    DKIMResult
	Signature string // Domain of the valid signature, if any.
}

// DMARCResult is the outcome of DMARC policy evaluation.
type DMARCResult string

const (
	DMARCNone DMARCResult = "none"
	DMARCPass DMARCResult = "pass"
	DMARCFail DMARCResult = "fail"
)

// DMARC is the verdict after combining SPF and DKIM with the sender domain
// policy.
type DMARC struct {
	Result DMARCResult
	Policy string // Published policy, e.g. "none", "quarantine", "reject".
}

// SpamStatus classifies a message for mailbox placement.
type SpamStatus string

const (
	SpamStatusHam        SpamStatus = "ham"
	SpamStatusSpam       SpamStatus = "spam"
	SpamStatusQuarantine SpamStatus = "quarantine"
)

// Spam is the content-scoring verdict.
type Spam struct {
	Score   float64
	Status  SpamStatus
	Reasons []string
}

// VirusStatus is the outcome of a virus scan.
type VirusStatus string

const (
	VirusClean    VirusStatus = "clean"
	VirusInfected VirusStatus = "infected"
)

// Virus is the scanning verdict. An infected message must be rejected at
// DATA and never queued.
type Virus struct {
	Status  VirusStatus
	Details string // E.g. name of detected malware.
}

// Pipeline is the content-security service consumed during SMTP ingestion
// and local delivery. Implementations must be safe for concurrent use.
// Errors indicate the service could not produce a verdict; callers treat
// that as a transient condition, not as a negative verdict.
type Pipeline interface {
	// CheckSPF evaluates the SPF policy of the envelope sender domain for
	// the connecting IP and EHLO hostname.
	CheckSPF(ctx context.Context, ip net.IP, sender smtp.Path, ehlo dns.IPDomain) (SPF, error)

	// VerifyDKIM verifies the signatures of the raw message.
	VerifyDKIM(ctx context.Context, raw io.ReaderAt, size int64) (DKIM, error)

	// CheckDMARC combines the SPF and DKIM verdicts with the policy of the
	// "From" message header domain.
	CheckDMARC(ctx context.Context, sender dns.Domain, spf SPF, dkim DKIM) (DMARC, error)

	// CheckSpam scores the raw message.
	CheckSpam(ctx context.Context, raw io.ReaderAt, size int64) (Spam, error)

	// ScanVirus scans the raw message.
	ScanVirus(ctx context.Context, raw io.ReaderAt, size int64) (Virus, error)

	// IsIPBlocked reports whether the remote IP is on a blocklist. Blocked
	// connections are rejected at connect time.
	IsIPBlocked(ctx context.Context, ip net.IP) (bool, error)

	// CheckRateLimit reports whether an operation identified by key (e.g.
	// remote IP) and kind (e.g. "connect") is within limits. A false return
	// rejects the operation.
	CheckRateLimit(ctx context.Context, key, kind string) (bool, error)
}

// Verdict bundles the per-message results gathered during a DATA
// transaction, for mailbox classification and logging.
type Verdict struct {
	SPF   SPF
	DKIM  DKIM
	DMARC DMARC
	Spam  Spam
	Virus Virus
}

// Mailbox returns the destination mailbox for a local delivery with this
// verdict: Spam or Quarantine for flagged messages, empty string for the
// destination's own (default) mailbox.
func (v Verdict) Mailbox() string {
	switch v.Spam.Status {
	case SpamStatusSpam:
		return "Spam"
	case SpamStatusQuarantine:
		return "Quarantine"
	}
	if v.DMARC.Result == DMARCFail && v.DMARC.Policy == "quarantine" {
		return "Quarantine"
	}
	return ""
}

// IsJunk returns whether the message should get the junk flag on delivery.
func (v Verdict) IsJunk() bool {
	return v.Spam.Status == SpamStatusSpam || v.Spam.Status == SpamStatusQuarantine
}
