package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/imapmirror/async"
	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mlog"
)

// Resolver looks up IP addresses for a host. Lookups must stop when ctx is
// canceled.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
}

// StrictResolver requires absolute host names (ending with a dot), preventing
// "search"-relative lookups. It logs lookups and keeps metrics.
type StrictResolver struct {
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) resolver() Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func lookupResult(err error) string {
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		return "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

func (r StrictResolver) LookupIPAddr(ctx context.Context, host string) (resp []net.IPAddr, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metrics.LookupObserve(lookupResult(err), start)
		mlog.New("dns", r.Log).WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIPAddr(ctx, host)
	return
}

// LookupAsync starts a lookup of the IP addresses of host in the background.
// Canceling the returned task aborts the lookup, and no (partial) addresses are
// returned for a canceled task.
func LookupAsync(ctx context.Context, log mlog.Log, resolver Resolver, host Domain) *async.Task[[]net.IPAddr] {
	return async.Go(ctx, log, "lookup "+host.ASCII, func(ctx context.Context) ([]net.IPAddr, error) {
		ips, _, err := resolver.LookupIPAddr(ctx, host.ASCII+".")
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &adns.DNSError{Err: "no addresses", Name: host.ASCII, IsNotFound: true}
		}
		return ips, nil
	})
}
