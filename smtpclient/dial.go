package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	// todo future: we could refuse to dial to loopback addresses when not
	// delivering to the local host.

	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial connects to host by dialing ips, taking previous attempts in
// dialedIPs into account. For each attempt to dial, the number of dialed IPs
// is incremented.
//
// If the previous attempt used IPv4, this attempt will use IPv6 (in case one
// of the IPs is in a DNSBL).
//
// If a deadline is set on ctx, it is divided over the IPs to dial, so a
// single slow or unresponsive IP doesn't use up the entire deadline.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, host dns.IPDomain, ips []net.IP, port int, dialedIPs map[string][]net.IP) (conn net.Conn, ip net.IP, rerr error) {
	log := mlog.New("smtpclient", elog)

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok && len(ips) > 0 {
		timeout = time.Until(deadline) / time.Duration(len(ips))
	}

	// Find IPs to dial, taking previous attempts into account.
	prevIPs := dialedIPs[host.String()]
	if len(prevIPs) > 0 {
		prevIP := prevIPs[len(prevIPs)-1]
		prevIs4 := prevIP.To4() != nil
		sameFamily := 0
		for _, ip := range prevIPs {
			is4 := ip.To4() != nil
			if prevIs4 == is4 {
				sameFamily++
			}
		}

		// We dial from the other address family if present, and otherwise
		// the address family we have used the fewest times.
		var nextIPs []net.IP
		for _, ip := range ips {
			is4 := ip.To4() != nil
			if is4 != prevIs4 {
				nextIPs = append(nextIPs, ip)
			}
		}
		if len(nextIPs) == 0 && sameFamily < len(ips) {
			for _, ip := range ips {
				if (ip.To4() != nil) == prevIs4 {
					nextIPs = append(nextIPs, ip)
				}
			}
		}
		if len(nextIPs) > 0 {
			ips = nextIPs
		}
	}

	var lastErr error
	var lastIP net.IP
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		log.Debug("dialing remote host for delivery", slog.String("addr", addr))
		conn, err := dial(ctx, dialer, timeout, addr)
		if err == nil {
			log.Debug("connected for delivery",
				slog.Any("host", host),
				slog.String("addr", addr))
			if dialedIPs != nil {
				dialedIPs[host.String()] = append(dialedIPs[host.String()], ip)
			}
			return conn, ip, nil
		}
		log.Debugx("connection attempt for delivery", err, slog.Any("host", host), slog.String("addr", addr))
		lastErr = err
		lastIP = ip
	}
	// Pitiful if this happens, but should be impossible.
	if lastErr == nil {
		return nil, nil, fmt.Errorf("no ips to dial")
	}
	return nil, lastIP, lastErr
}
