package pipeline

import (
	"context"
	"io"
	"net"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

// Static is a Pipeline returning fixed verdicts. It is the permissive
// default when no content-security service is configured, and tests set its
// fields to simulate verdicts.
type Static struct {
	SPFResult   SPF
	DKIMResult  DKIM
	DMARCResult DMARC
	SpamResult  Spam
	VirusResult Virus
	BlockedIPs  []net.IP
	RateLimited bool
	Err         error // Returned by all methods when set.
}

var _ Pipeline = (*Static)(nil)

// NewStatic returns a pipeline that accepts everything.
func NewStatic() *Static {
	return &Static{
		SPFResult:   SPF{Result: SPFNone},
		DKIMResult:  DKIM{Result: DKIMNone},
		DMARCResult: DMARC{Result: DMARCNone},
		SpamResult:  Spam{Status: SpamStatusHam},
		VirusResult: Virus{Status: VirusClean},
	}
}

func (s *Static) CheckSPF(ctx context.Context, ip net.IP, sender smtp.Path, ehlo dns.IPDomain) (SPF, error) {
	return s.SPFResult, s.Err
}

func (s *Static) VerifyDKIM(ctx context.Context, raw io.ReaderAt, size int64) (DKIM, error) {
	return s.DKIMResult, s.Err
}

func (s *Static) CheckDMARC(ctx context.Context, sender dns.Domain, spf SPF, dkim DKIM) (DMARC, error) {
	return s.DMARCResult, s.Err
}

func (s *Static) CheckSpam(ctx context.Context, raw io.ReaderAt, size int64) (Spam, error) {
	return s.SpamResult, s.Err
}

func (s *Static) ScanVirus(ctx context.Context, raw io.ReaderAt, size int64) (Virus, error) {
	return s.VirusResult, s.Err
}

func (s *Static) IsIPBlocked(ctx context.Context, ip net.IP) (bool, error) {
	for _, bip := range s.BlockedIPs {
		if bip.Equal(ip) {
			return true, s.Err
		}
	}
	return false, s.Err
}

func (s *Static) CheckRateLimit(ctx context.Context, key, kind string) (bool, error) {
	return !s.RateLimited, s.Err
}
