// Package mxdial resolves a delivery target (a domain, an email address, or
// an IP literal) to MX hosts and IP addresses, applies MTA-STS policy and
// DANE/TLSA certificate pinning, and opens the winning TCP connection in
// priority order. It hands back a net.Conn plus enough context (a DANE
// verifier, an MTA-STS policy match, the negotiated host name) for the
// caller to drive STARTTLS and the SMTP conversation itself; this package
// never speaks SMTP and never performs a TLS handshake on its own.
package mxdial

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"

	"github.com/mjl-/mxdial/dns"
	"github.com/mjl-/mxdial/mlog"
	"github.com/mjl-/mxdial/mtasts"
)

const defaultPort = 25

// DefaultMaxConnectTime is the per-candidate TCP connect timeout used when
// Delivery.MaxConnectTime is zero.
const DefaultMaxConnectTime = 5 * time.Minute

// PolicyMatch records the outcome of validating an MxEntry's host name
// against a fetched MTA-STS policy.
type PolicyMatch struct {
	Valid   bool        // Host name matches the policy's mx list.
	Mode    mtasts.Mode // Mode the policy was published with.
	Testing bool        // Mode was "testing": mismatches are reported, not enforced.
}

// MxEntry is one destination host for a delivery, either learned from an MX
// lookup or synthesized (IP literal, or MX fallback to A/AAAA).
type MxEntry struct {
	Exchange dns.Domain
	Priority uint16
	IsMX     bool // False for IP literals and the A/AAAA MX-fallback case.
	A        []string
	AAAA     []string

	PolicyMatch *PolicyMatch

	// ResolvedExchange is the name Exchange's address lookup actually resolved
	// against, after following any CNAMEs. Equal to Exchange when there was no
	// CNAME. Zero when addresses were supplied directly and never looked up.
	ResolvedExchange dns.Domain

	TLSARecords      []adns.TLSA
	DANELookupFailed bool
	DANELookupError  error

	// TLSABaseDomain is the name the TLSA query was actually made against,
	// after following any CNAMEs in the "_<port>._tcp.<name>" lookup. Equal to
	// Exchange when there was no CNAME. Zero when no TLSA lookup was made for
	// this entry or the lookup failed.
	TLSABaseDomain dns.Domain
}

// Cache is the pluggable MTA-STS policy store. Implementations must be safe
// for concurrent use and own their own TTL/eviction; mxdial only reads and
// writes whole policies.
type Cache interface {
	Get(ctx context.Context, domain dns.Domain) (policy *mtasts.Policy, ok bool)
	Set(ctx context.Context, domain dns.Domain, policy *mtasts.Policy)
}

// DnsConfig controls how Delivery resolves names.
type DnsConfig struct {
	IgnoreIPv6          bool // Never look up or try AAAA records.
	PreferIPv6          bool // Tie-break candidate ordering towards IPv6.
	BlockLocalAddresses bool // Reject loopback/private/local-interface addresses.
	Resolver            dns.Resolver
	DialedIPs           map[string][]net.IP // Previous attempts, for dual-stack reordering. May be nil.
}

// MtaStsConfig controls MTA-STS policy fetching and enforcement.
type MtaStsConfig struct {
	Enabled bool
	Logger  *slog.Logger
	Cache   Cache // May be nil, meaning no caching: every call fetches fresh.

	// Policy is filled in by the pipeline once fetched, for callers that want
	// to inspect what was applied.
	Policy *mtasts.Policy
}

// DaneConfig controls DANE TLSA lookups and certificate verification.
type DaneConfig struct {
	Enabled     bool
	ResolveTLSA bool // If false, MX entries must already carry TLSARecords.
	Logger      *slog.Logger

	// Verify controls whether a found TLSA record set is actually enforced
	// against the remote certificate. VerifySet distinguishes "not set, so
	// default to true" from an explicit false; callers should use the
	// DaneConfig literal with VerifySet left unset to get the default.
	Verify    bool
	VerifySet bool

	PKIXRoots *x509.CertPool
}

func (c DaneConfig) verify() bool {
	if !c.VerifySet {
		return true
	}
	return c.Verify
}

// Delivery describes a single delivery attempt: where to go, and the knobs
// that govern how to get there. A Delivery is owned by exactly one call to
// Connect; nothing in this package synchronizes concurrent use of the same
// Delivery value.
type Delivery struct {
	// Target is the caller-supplied destination: a domain, an email address
	// (everything up to and including the first '@' is discarded), or an IP
	// literal, optionally bracketed ("[::1]" or "[IPv6:::1]").
	Target string

	// DecodedDomain is filled in by the address formatter: the A-label form
	// of Target if it named a domain, or the literal IP string if it named
	// one. IsIP and IsPunycode record which.
	DecodedDomain string
	IsIP          bool
	IsPunycode    bool
	ip            net.IP // Parsed form of DecodedDomain when IsIP.
	domain        dns.Domain

	Port int // Defaults to 25.

	// MX, if non-nil, short-circuits MX resolution: the caller has already
	// resolved (or wants to pin) the destination hosts.
	MX []MxEntry

	DNS DnsConfig

	LocalAddress  net.IP
	LocalHostname dns.Domain

	LocalAddressIPv4  net.IP
	LocalHostnameIPv4 dns.Domain
	LocalAddressIPv6  net.IP
	LocalHostnameIPv6 dns.Domain

	// MaxConnectTime bounds each candidate's TCP connect attempt. Defaults to
	// DefaultMaxConnectTime. It is not an overall pipeline deadline; callers
	// impose that via ctx.
	MaxConnectTime time.Duration

	// IgnoreMXHosts lists IP addresses (string form) to skip during the
	// connect try loop, e.g. hosts that failed on a previous attempt.
	IgnoreMXHosts map[string]bool

	// MXLastError, if set, is returned as-is when the candidate list ends up
	// empty after filtering, instead of a synthetic error.
	MXLastError *Error

	// ConnectHook runs immediately before each candidate's TCP connect. If it
	// returns an error the whole Connect call fails immediately (no further
	// candidates are tried). If it sets opts.Socket, that connection is
	// adopted instead of dialing TCP directly, e.g. to route through a SOCKS
	// proxy.
	ConnectHook func(ctx context.Context, d *Delivery, opts *ConnectOptions) error

	// ConnectError is called, best-effort, for every retryable per-candidate
	// failure (MTA-STS mismatch, DANE lookup failure, TCP error/timeout).
	ConnectError func(err error, d *Delivery, opts *ConnectOptions)

	MTASTS MtaStsConfig
	DANE   DaneConfig

	mxLog mlog.Log
}

// ConnectOptions is the per-candidate connection parameters passed to
// ConnectHook, and the socket it may fill in.
type ConnectOptions struct {
	Port          int
	Host          string // IP address, as a string.
	LocalAddress  string // Empty if none is configured for Host's family, or if it equals Host.
	LocalHostname string

	// Socket, if set by ConnectHook, is adopted in place of dialing TCP.
	Socket net.Conn
}

// Connection is the result of a successful Connect call: a live TCP (or
// hook-provided) socket to hostname/host, plus whatever gating information
// the caller needs to drive STARTTLS correctly.
type Connection struct {
	Socket   net.Conn
	Hostname dns.Domain
	Host     string
	Port     int

	LocalAddress  string
	LocalHostname string
	LocalPort     int

	DANEEnabled bool
	// DANEVerify, when DANEEnabled, verifies a completed TLS handshake's
	// connection state against the TLSA records gathered for this host. Pass
	// it as tls.Config.VerifyConnection.
	DANEVerify  func(cs tls.ConnectionState) error
	TLSARecords []adns.TLSA
	RequireTLS  bool

	PolicyMatch *PolicyMatch
}

// Connect runs the pipeline against d and returns a live connection to the
// best-ranked reachable destination, or an *Error describing why none could
// be reached.
func Connect(ctx context.Context, d *Delivery) (*Connection, error) {
	d.mxLog = mlog.New("mxdial", loggerFor(d))

	if d.Port == 0 {
		d.Port = defaultPort
	}
	if d.MaxConnectTime == 0 {
		d.MaxConnectTime = DefaultMaxConnectTime
	}

	if err := formatTarget(d); err != nil {
		return nil, err
	}

	if d.MX == nil {
		mx, err := resolveMX(ctx, d)
		if err != nil {
			return nil, err
		}
		d.MX = mx
	}

	needIPs := false
	for _, mx := range d.MX {
		if len(mx.A) == 0 && len(mx.AAAA) == 0 {
			needIPs = true
			break
		}
	}
	if !d.IsIP && needIPs {
		if err := resolveIPs(ctx, d); err != nil {
			return nil, err
		}
	}

	if d.MTASTS.Enabled && !d.IsIP {
		if err := fetchPolicy(ctx, d); err != nil {
			return nil, err
		}
		validatePolicy(d)
	}

	if d.DANE.Enabled {
		if err := resolveDANE(ctx, d); err != nil {
			return nil, err
		}
	}

	return connectEngine(ctx, d)
}

func loggerFor(d *Delivery) *slog.Logger {
	if d.MTASTS.Logger != nil {
		return d.MTASTS.Logger
	}
	if d.DANE.Logger != nil {
		return d.DANE.Logger
	}
	return nil
}

// formatTarget implements the address formatter stage: it strips any
// local-part off an email-shaped target, detects IP literals (with or
// without "[...]"/"[IPv6:...]" bracket framing), and otherwise
// A-label-encodes the domain via IDNA.
func formatTarget(d *Delivery) error {
	target := d.Target
	if i := strings.IndexByte(target, '@'); i >= 0 {
		target = target[i+1:]
	}

	if strings.HasPrefix(target, "[") && strings.HasSuffix(target, "]") {
		inner := target[1 : len(target)-1]
		inner = strings.TrimPrefix(inner, "IPv6:")
		ip := net.ParseIP(inner)
		if ip == nil {
			return dnsError("EINVAL", "invalid IP address literal", false, nil)
		}
		return setIPTarget(d, ip)
	}
	if ip := net.ParseIP(target); ip != nil {
		return setIPTarget(d, ip)
	}

	domain, err := dns.ParseDomain(target)
	if err != nil {
		return dnsError("EINVAL", "invalid domain name", false, err)
	}
	d.domain = domain
	d.DecodedDomain = domain.ASCII
	d.IsIP = false
	ulabel, uerr := idna.Lookup.ToUnicode(target)
	d.IsPunycode = uerr == nil && ulabel != domain.ASCII && domain.ASCII != target
	return nil
}

func setIPTarget(d *Delivery, ip net.IP) error {
	if ip.To4() == nil && d.DNS.IgnoreIPv6 {
		return dnsError("EINVAL", "target is an IPv6 address literal but IPv6 is disabled", false, nil)
	}
	d.IsIP = true
	d.IsPunycode = false
	d.ip = ip
	d.DecodedDomain = ip.String()
	return nil
}
