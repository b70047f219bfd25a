// Package ratelimit provides a simple window-based rate limiter, used to
// bound connection rates and authentication failures per remote IP.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter is a rate limiter with one or more fixed windows, e.g. the last
// minute/hour/day, counting for three classes/subnets of an IP.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
	ipmasked     [3][16]byte
}

// WindowLimit holds counters for one window, with limits for each IP
// class/subnet.
type WindowLimit struct {
	Window time.Duration
	Limits [3]int64 // Per IP class, narrowest subnet first.
	Time   uint32   // Time/Window.
	Counts map[countKey]int64
}

type countKey struct {
	Index    uint8
	IPMasked [16]byte
}

// Add attempts to consume n items from the rate limiter. If the total for
// this ip and any window would exceed its limit, n is not counted and false
// is returned. When now has moved to a new interval, counts reset.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd returns whether n could be added without consuming it.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(add bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	// Check all windows before counting in any.
	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t > wl.Time || wl.Counts == nil {
			l.WindowLimits[i].Time = t
			wl.Counts = map[countKey]int64{}
			l.WindowLimits[i].Counts = wl.Counts
		}

		for j := range 3 {
			if i == 0 {
				l.ipmasked[j] = maskIP(j, ip)
			}
			if wl.Counts[countKey{uint8(j), l.ipmasked[j]}]+n > wl.Limits[j] {
				return false
			}
		}
	}
	if !add {
		return true
	}
	for _, wl := range l.WindowLimits {
		for j := range 3 {
			wl.Counts[countKey{uint8(j), l.ipmasked[j]}] += n
		}
	}
	return true
}

// Reset sets the counter to 0 for ip in the current windows, subtracting
// from the masked counts too. Used after successful authentication so
// earlier failures no longer count against the remote.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for i := range 3 {
		l.ipmasked[i] = maskIP(i, ip)
	}

	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.Time || wl.Counts == nil {
			continue
		}
		var n int64
		for j := range 3 {
			k := countKey{uint8(j), l.ipmasked[j]}
			if j == 0 {
				n = wl.Counts[k]
			}
			wl.Counts[k] -= n
		}
	}
}

func maskIP(i int, ip net.IP) [16]byte {
	var masked net.IP
	if ip.To4() != nil {
		switch i {
		case 0:
			masked = ip
		case 1:
			masked = ip.Mask(net.CIDRMask(26, 32))
		case 2:
			masked = ip.Mask(net.CIDRMask(21, 32))
		}
	} else {
		switch i {
		case 0:
			masked = ip.Mask(net.CIDRMask(64, 128))
		case 1:
			masked = ip.Mask(net.CIDRMask(48, 128))
		case 2:
			masked = ip.Mask(net.CIDRMask(32, 128))
		}
	}
	return [16]byte(masked.To16())
}
