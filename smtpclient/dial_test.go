package smtpclient

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

func TestDialHost(t *testing.T) {
	// We mostly want to test that dialing a second time switches to the other address family.
	ctxbg := context.Background()
	log := mlog.New("smtpclient", nil)

	resolver := dns.MockResolver{
		A: map[string][]string{
			"dualstack.example.": {"10.0.0.1"},
		},
		AAAA: map[string][]string{
			"dualstack.example.": {"2001:db8::1"},
		},
	}

	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		return nil, nil // No error, nil connection isn't used.
	}
	defer func() {
		DialHook = nil
	}()

	ipdom := func(s string) dns.IPDomain {
		return dns.IPDomain{Domain: dns.Domain{ASCII: s}}
	}

	dialedIPs := map[string][]net.IP{}
	ips, dualstack, err := GatherIPs(ctxbg, log.Logger, resolver, "ip", ipdom("dualstack.example"), dialedIPs)
	if err != nil || !reflect.DeepEqual(ips, []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("2001:db8::1")}) || !dualstack {
		t.Fatalf("expected err nil, address 10.0.0.1,2001:db8::1, dualstack true, got %v %v %v", err, ips, dualstack)
	}
	_, ip, err := Dial(ctxbg, log.Logger, nil, ipdom("dualstack.example"), ips, 25, dialedIPs)
	if err != nil || ip.String() != "10.0.0.1" {
		t.Fatalf("expected err nil, address 10.0.0.1, dualstack true, got %v %v %v", err, ip, dualstack)
	}

	ips, dualstack, err = GatherIPs(ctxbg, log.Logger, resolver, "ip", ipdom("dualstack.example"), dialedIPs)
	if err != nil || !reflect.DeepEqual(ips, []net.IP{net.ParseIP("2001:db8::1"), net.ParseIP("10.0.0.1")}) || !dualstack {
		t.Fatalf("expected err nil, address 2001:db8::1,10.0.0.1, dualstack true, got %v %v %v", err, ips, dualstack)
	}
	_, ip, err = Dial(ctxbg, log.Logger, nil, ipdom("dualstack.example"), ips, 25, dialedIPs)
	if err != nil || ip.String() != "2001:db8::1" {
		t.Fatalf("expected err nil, address 2001:db8::1, dualstack true, got %v %v %v", err, ip, dualstack)
	}
}
