package dns

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing. Keys of IPs are absolute host
// names, with trailing dot.
type MockResolver struct {
	IPs   map[string][]string
	Delay time.Duration // Before responding. A canceled context aborts the wait.
	Fail  []string      // Hosts for which a servfail is returned.
}

var _ Resolver = MockResolver{}

func (r MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, adns.Result{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, adns.Result{}, err
	}
	for _, s := range r.Fail {
		if s == host {
			return nil, adns.Result{}, &adns.DNSError{Err: "servfail", Name: host, Server: "mock", IsTemporary: true}
		}
	}
	l, ok := r.IPs[host]
	if !ok {
		return nil, adns.Result{}, &adns.DNSError{Err: "no record", Name: host, Server: "mock", IsNotFound: true}
	}
	var ips []net.IPAddr
	for _, s := range l {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, adns.Result{}, fmt.Errorf("bad ip %q in mock", s)
		}
		ips = append(ips, net.IPAddr{IP: ip})
	}
	return ips, adns.Result{}, nil
}
