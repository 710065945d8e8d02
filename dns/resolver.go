package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/mjl-/mxdial/mlog"
)

// Resolver is the DNS surface this module needs: MX/TLSA/TXT/CNAME lookups
// plus address resolution, all returning an adns.Result so callers can tell
// whether an answer was DNSSEC-authenticated. Implementations must be safe
// for concurrent use; a single Resolver is shared across all calls to
// Connect.
type Resolver interface {
	// LookupPort resolves a symbolic or numeric service name, e.g. "smtp" or "25".
	LookupPort(ctx context.Context, network, service string) (port int, err error)

	// LookupCNAME returns an error satisfying IsNotFound if host has no CNAME
	// record, unlike the standard library's net.LookupCNAME which returns host
	// itself in that case.
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error)

	// LookupIP resolves A or AAAA records depending on network ("ip4" or "ip6").
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)

	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
	LookupTLSA(ctx context.Context, port int, protocol, host string) ([]adns.TLSA, adns.Result, error)
}

var (
	metricLookup = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxdial_dns_lookup_duration_seconds",
			Help:    "DNS lookup duration and result.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"pkg", "type", "result"},
	)
)

// WithPackage returns a resolver that tags its metrics/logging with pkg, for
// StrictResolver values that don't have one set yet.
func WithPackage(resolver Resolver, pkg string) Resolver {
	if r, ok := resolver.(StrictResolver); ok && r.Pkg == "" {
		r.Pkg = pkg
		return r
	}
	return resolver
}

// StrictResolver wraps an *adns.Resolver and requires lookup names to be
// absolute (end with a dot), preventing accidental "search"-relative
// lookups, and records lookup duration/result as metrics and debug log
// lines.
type StrictResolver struct {
	Pkg      string // Subsystem name, for metrics/logging, e.g. "mtasts" or "dane".
	Resolver *adns.Resolver // nil means adns.DefaultResolver.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: name to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	var dnsErr *adns.DNSError
	result := "error"
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "notfound"
	case errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout):
		result = "temporary"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	}
	metricLookup.WithLabelValues(pkg, typ, result).Observe(time.Since(start).Seconds())
}

// resolveErrorHint adds a hint to common misconfiguration errors, e.g. no
// local recursive resolver running.
func resolveErrorHint(err *error) {
	var dnsErr *adns.DNSError
	if *err == nil || !errors.As(*err, &dnsErr) {
		return
	}
	if dnsErr.IsTemporary && runtime.GOOS == "linux" && (dnsErr.Server == "127.0.0.1:53" || dnsErr.Server == "[::1]:53") && strings.HasSuffix(dnsErr.Err, "connection refused") {
		*err = fmt.Errorf("%w (hint: is a DNSSEC-validating recursive resolver running and configured in /etc/resolv.conf?)", *err)
	}
}

func (r StrictResolver) LookupPort(ctx context.Context, network, service string) (port int, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "port", err, start)
		r.log().Debugx("dns lookup", err, slog.String("type", "port"), slog.String("service", service))
	}()
	return r.resolver().LookupPort(ctx, network, service)
}

func (r StrictResolver) LookupCNAME(ctx context.Context, host string) (resp string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "cname", err, start)
		r.log().Debugx("dns lookup", err, slog.String("type", "cname"), slog.String("host", host), slog.Bool("authentic", result.Authentic))
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return "", result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupCNAME(ctx, host)
	if err == nil && resp == host {
		return "", result, &adns.DNSError{Err: "no cname record", Name: host, IsNotFound: true}
	}
	return
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "ip", err, start)
		r.log().Debugx("dns lookup", err, slog.String("type", "ip"), slog.String("network", network), slog.String("host", host), slog.Bool("authentic", result.Authentic))
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupIP(ctx, network, host)
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "mx", err, start)
		r.log().Debugx("dns lookup", err, slog.String("type", "mx"), slog.String("name", name), slog.Bool("authentic", result.Authentic))
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupMX(ctx, name)
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "txt", err, start)
		r.log().Debugx("dns lookup", err, slog.String("type", "txt"), slog.String("name", name), slog.Bool("authentic", result.Authentic))
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupTXT(ctx, name)
}

func (r StrictResolver) LookupTLSA(ctx context.Context, port int, protocol, host string) (resp []adns.TLSA, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "tlsa", err, start)
		r.log().Debugx("dns lookup", err, slog.String("type", "tlsa"), slog.Int("port", port), slog.String("host", host), slog.Bool("authentic", result.Authentic))
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupTLSA(ctx, port, protocol, host)
}
