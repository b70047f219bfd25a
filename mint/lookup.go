package mint

import (
	"errors"
	"strings"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

var (
	ErrDomainNotFound  = errors.New("domain not found")
	ErrAddressNotFound = errors.New("address not found")
)

// LookupAddress resolves an address to the account that will receive its
// mail. Localparts are matched case-insensitively. Addresses configured
// under Aliases resolve like regular destinations, to the Inbox.
// If allowPostmaster is set, postmaster@<any local domain> resolves to the
// account owning the postmaster address, if configured.
//
// Returns ErrDomainNotFound if the domain is not local, ErrAddressNotFound
// if the domain is local but no account has the address.
func LookupAddress(localpart smtp.Localpart, domain dns.Domain, allowPostmaster bool) (accountName string, canonical string, dest config.Destination, rerr error) {
	if !Conf.Domain(domain) {
		return "", "", config.Destination{}, ErrDomainNotFound
	}

	canonical = CanonicalAddress(localpart, domain)
	ad, ok := Conf.AccountDestination(canonical)
	if !ok {
		if allowPostmaster && strings.EqualFold(string(localpart), "postmaster") {
			// Accept postmaster@<any local domain> through any account
			// that has a postmaster address configured.
			for addr, pad := range Conf.accountDestinations {
				if strings.HasPrefix(addr, "postmaster@") {
					return pad.Account, addr, pad.Destination, nil
				}
			}
		}
		return "", "", config.Destination{}, ErrAddressNotFound
	}
	return ad.Account, canonical, ad.Destination, nil
}

// CanonicalAddress returns the canonical form of an address for lookups and
// duplicate detection: lower-cased localpart at the ASCII domain.
func CanonicalAddress(localpart smtp.Localpart, domain dns.Domain) string {
	return smtp.NewAddress(smtp.Localpart(strings.ToLower(string(localpart))), domain).Pack(false)
}

// AllowMsgFrom returns whether accountName is allowed to submit messages
// with the given address as envelope sender. The address must be one of the
// account's configured destinations or aliases.
func AllowMsgFrom(accountName string, address smtp.Address) bool {
	if address.IsZero() {
		return false
	}
	canonical := CanonicalAddress(address.Localpart, address.Domain)
	ad, ok := Conf.AccountDestination(canonical)
	return ok && ad.Account == accountName
}
