package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

var (
	errCNAMELoop  = errors.New("cname loop")
	errCNAMELimit = errors.New("too many cname records")
	errDNS        = errors.New("dns lookup error")
	errNoMail     = errors.New("domain does not accept email as indicated with null mx")
)

// HostPref is a destination host with its MX preference, so we can sort the
// chosen hosts for delivery attempts. Hosts resolved through a CNAME or
// explicit IP get a preference of -1.
type HostPref struct {
	Host dns.IPDomain
	Pref int
}

// GatherDestinations looks up the hosts to deliver email to a domain
// ("next-hop"). If it is an IP address, it is the only destination to try.
// Otherwise, the MX records for the domain are looked up. If no MX records
// exist, the origNextHop domain is the destination to try. CNAME records are
// followed before looking up MX records.
//
// With a null MX record ("." as MX target), the domain explicitly does not
// accept email and a permanent error is returned.
//
// If no MX records exist, expandedNextHop is set to the final CNAME and
// haveMX is false.
func GatherDestinations(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, origNextHop dns.IPDomain) (haveMX bool, expandedNextHop dns.Domain, hosts []HostPref, permanent bool, err error) {
	log := mlog.New("smtpclient", elog)

	// IP addresses are dialed directly, no mail routing to follow.
	if len(origNextHop.IP) > 0 {
		return false, expandedNextHop, []HostPref{{origNextHop, -1}}, false, nil
	}

	// We start out delivering to the recipient domain. We follow CNAMEs.
	rcptDomain := origNextHop.Domain
	// Domain we are actually delivering to, after following CNAME record(s).
	expandedNextHop = rcptDomain
	// Keep track of domains we resolved, to detect CNAME loops.
	domainsSeen := map[string]bool{}
	for i := 0; ; i++ {
		if domainsSeen[expandedNextHop.ASCII] {
			return false, expandedNextHop, nil, true, fmt.Errorf("%w: recipient domain %s: already saw %s", errCNAMELoop, rcptDomain, expandedNextHop)
		}
		domainsSeen[expandedNextHop.ASCII] = true

		// note: The Go resolver returns the requested name if the domain has
		// no CNAME record but has a host record.
		if i == 16 {
			// We have a maximum number of CNAME records we follow. There is
			// no hard limit for DNS, and you might think folks wouldn't
			// configure CNAME chains at all, but for (presumably) load
			// balancing, CDNs do in fact configure chains of CNAMEs.
			return false, expandedNextHop, nil, true, fmt.Errorf("%w: recipient domain %s, last resolved domain %s", errCNAMELimit, rcptDomain, expandedNextHop)
		}

		// Do explicit CNAME lookup: the Go resolver also returns the
		// requested name when there is only an A/AAAA record.
		cname, _, err := resolver.LookupCNAME(ctx, expandedNextHop.ASCII+".")
		if err != nil && !dns.IsNotFound(err) {
			return false, expandedNextHop, nil, false, fmt.Errorf("%w: cname lookup for %s: %v", errDNS, expandedNextHop, err)
		}
		if err == nil && cname != expandedNextHop.ASCII+"." {
			d, err := dns.ParseDomain(strings.TrimSuffix(cname, "."))
			if err != nil {
				return false, expandedNextHop, nil, true, fmt.Errorf("%w: parsing cname domain %s: %v", errDNS, expandedNextHop, err)
			}
			expandedNextHop = d
			continue
		}

		mxl, _, err := resolver.LookupMX(ctx, expandedNextHop.ASCII+".")
		if err != nil && !dns.IsNotFound(err) {
			return haveMX, expandedNextHop, nil, false, fmt.Errorf("%w: mx lookup for %s: %v", errDNS, expandedNextHop, err)
		}
		haveMX = err == nil

		if err == nil && len(mxl) == 1 && mxl[0].Host == "." {
			// Null MX record, explicit signal the domain accepts no email.
			return haveMX, expandedNextHop, nil, true, fmt.Errorf("%w: recipient domain %s", errNoMail, expandedNextHop)
		}

		if err != nil || len(mxl) == 0 {
			// No MX record, attempt delivery directly to the host.
			hosts = []HostPref{{dns.IPDomain{Domain: expandedNextHop}, -1}}
			return haveMX, expandedNextHop, hosts, false, nil
		}

		// The Go resolver already sorts by preference, but we keep the
		// preference to requeue remaining hosts with context.
		for _, mx := range mxl {
			// Parsing lax (with underscore) due to actual MX records seen in
			// the wild.
			host, err := dns.ParseDomainLax(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				// note: should not happen because Go resolver already
				// refuses to return malformed domains.
				return haveMX, expandedNextHop, nil, true, fmt.Errorf("%w: invalid host name in mx record %q: %v", errDNS, mx.Host, err)
			}
			hosts = append(hosts, HostPref{dns.IPDomain{Domain: host}, int(mx.Pref)})
		}
		sort.SliceStable(hosts, func(i, j int) bool {
			return hosts[i].Pref < hosts[j].Pref
		})
		log.Debug("mx records exist, delivering to them",
			slog.Any("domain", expandedNextHop),
			slog.Any("destinations", hosts))
		return haveMX, expandedNextHop, hosts, false, nil
	}
}

// GatherIPs looks up the IPs to try for connecting to host, following CNAME
// records. dialedIPs must be initialized empty at the start of delivery
// attempts for a message, and kept for the duration: it is used to sort IPs
// of later attempts after IPs of earlier attempts.
func GatherIPs(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, network string, host dns.IPDomain, dialedIPs map[string][]net.IP) (ips []net.IP, dualstack bool, rerr error) {
	log := mlog.New("smtpclient", elog)

	if len(host.IP) > 0 {
		return []net.IP{host.IP}, false, nil
	}

	// The caller may have built this list from MX records. Try to follow
	// CNAMEs, a bit friendlier than RFC 5321 requires.
	name := host.Domain.ASCII + "."
	domainsSeen := map[string]bool{}
	for i := 0; ; i++ {
		if domainsSeen[name] {
			return nil, false, fmt.Errorf("%w: circular reference for host %s", errCNAMELoop, host)
		}
		domainsSeen[name] = true
		if i == 10 {
			return nil, false, fmt.Errorf("%w: following cnames for host %s", errCNAMELimit, host)
		}

		cname, _, err := resolver.LookupCNAME(ctx, name)
		if err != nil && !dns.IsNotFound(err) {
			return nil, false, fmt.Errorf("cname lookup for host %s: %w", host, err)
		}
		if err == nil && cname != name {
			name = cname
			continue
		}

		xips, _, err := resolver.LookupIP(ctx, network, name)
		// Some resolvers return a successful empty response instead of
		// nodata.
		if err == nil && len(xips) == 0 {
			err = errors.New("no ips found")
		}
		if err != nil {
			return nil, false, fmt.Errorf("ip lookup for host %q: %w", name, err)
		}
		ips = xips
		break
	}

	var have4, have6 bool
	for _, ip := range ips {
		if ip.To4() == nil {
			have6 = true
		} else {
			have4 = true
		}
	}
	dualstack = have4 && have6

	// Sort IPs that we haven't dialed yet (in previous attempts for this
	// message) first.
	if prevIPs := dialedIPs[host.String()]; len(prevIPs) > 0 {
		prev := map[string]bool{}
		for _, ip := range prevIPs {
			prev[ip.String()] = true
		}
		sort.SliceStable(ips, func(i, j int) bool {
			return !prev[ips[i].String()] && prev[ips[j].String()]
		})
	}

	log.Debug("gathered ips for delivery attempt",
		slog.Any("host", host),
		slog.Any("ips", ips),
		slog.Bool("dualstack", dualstack))

	return ips, dualstack, nil
}
