package message

import (
	"fmt"
	"io"
	"log/slog"
	"net/textproto"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

// From extracts the address in the From-header.
//
// An RFC 5322 message must have a From header. In theory multiple addresses
// may be present, in practice zero or multiple From headers occur. From
// returns an error if there is not exactly one address.
func From(elog *slog.Logger, strict bool, r io.ReaderAt) (raddr smtp.Address, envelope *Envelope, header textproto.MIMEHeader, rerr error) {
	log := mlog.New("message", elog)

	p, err := Parse(log.Logger, strict, r)
	if err != nil {
		return raddr, nil, nil, fmt.Errorf("parsing message: %v", err)
	}
	header, err = p.Header()
	if err != nil {
		return raddr, nil, nil, fmt.Errorf("parsing message header: %v", err)
	}
	from := p.Envelope.From
	if len(from) != 1 {
		return raddr, nil, nil, fmt.Errorf("from header has %d addresses, need exactly 1 address", len(from))
	}
	d, err := dns.ParseDomain(from[0].Host)
	if err != nil {
		return raddr, nil, nil, fmt.Errorf("bad domain in from address: %v", err)
	}
	addr := smtp.Address{Localpart: smtp.Localpart(from[0].User), Domain: d}
	return addr, p.Envelope, header, nil
}
