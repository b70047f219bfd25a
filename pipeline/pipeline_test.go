package pipeline

import (
	"context"
	"net"
	"testing"
)

func TestVerdictMailbox(t *testing.T) {
	check := func(v Verdict, expect string) {
		t.Helper()
		if mb := v.Mailbox(); mb != expect {
			t.Fatalf("got mailbox %q, expected %q", mb, expect)
		}
	}

	check(Verdict{}, "")
	check(Verdict{Spam: Spam{Status: SpamStatusHam}}, "")
	check(Verdict{Spam: Spam{Status: SpamStatusSpam}}, "Spam")
	check(Verdict{Spam: Spam{Status: SpamStatusQuarantine}}, "Quarantine")
	check(Verdict{DMARC: DMARC{Result: DMARCFail, Policy: "quarantine"}}, "Quarantine")
	check(Verdict{DMARC: DMARC{Result: DMARCFail, Policy: "none"}}, "")
}

func TestStatic(t *testing.T) {
	p := NewStatic()
	p.BlockedIPs = []net.IP{net.ParseIP("10.0.0.1")}

	blocked, err := p.IsIPBlocked(context.Background(), net.ParseIP("10.0.0.1"))
	if err != nil || !blocked {
		t.Fatalf("got blocked %v err %v, expected blocked", blocked, err)
	}
	blocked, err = p.IsIPBlocked(context.Background(), net.ParseIP("10.0.0.2"))
	if err != nil || blocked {
		t.Fatalf("got blocked %v err %v, expected not blocked", blocked, err)
	}

	ok, err := p.CheckRateLimit(context.Background(), "10.0.0.2", "connect")
	if err != nil || !ok {
		t.Fatalf("got ok %v err %v, expected within limits", ok, err)
	}
}
