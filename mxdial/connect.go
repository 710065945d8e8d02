package mxdial

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"

	"github.com/mjl-/adns"

	"github.com/mjl-/mxdial/dane"
	"github.com/mjl-/mxdial/dns"
	"github.com/mjl-/mxdial/mlog"
)

func danelog(d *Delivery) mlog.Log {
	return mlog.New("dane", d.DANE.Logger)
}

const maxCandidates = 20

// candidate is one flattened (host, IP) pair from the connection engine's
// flatten step, carrying along whatever its MxEntry learned in earlier
// stages so the try loop doesn't need to look it back up.
type candidate struct {
	ip               string
	isIPv4           bool
	preferV6         bool
	priority         uint16
	hostname         dns.Domain
	resolvedHostname dns.Domain
	tlsaBaseDomain   dns.Domain
	policyMatch      *PolicyMatch
	tlsaRecords      []adns.TLSA
	daneLookupFailed bool
	daneLookupError  error
}

// connectEngine implements the flatten/filter/sort/cap/try-loop stage.
func connectEngine(ctx context.Context, d *Delivery) (*Connection, error) {
	candidates, hadAny := flattenCandidates(d)
	candidates = filterIgnored(d, candidates)
	sortCandidates(d, candidates)
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	if len(candidates) == 0 {
		if !hadAny {
			return nil, dnsError("ENOTFOUND", "no mx servers found", false, nil)
		}
		if d.MXLastError != nil {
			return nil, d.MXLastError
		}
		return nil, networkError("ENOCANDIDATES", "no candidate addresses left to try", nil)
	}

	var firstErr error
	for _, c := range candidates {
		conn, err := tryCandidate(ctx, d, c)
		if err == nil {
			return conn, nil
		}
		var hookErr fatalHookError
		if errors.As(err, &hookErr) {
			return nil, hookErr.err
		}
		if firstErr == nil {
			firstErr = err
		}
		if d.ConnectError != nil {
			opts := ConnectOptions{Port: d.Port, Host: c.ip}
			d.ConnectError(err, d, &opts)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, networkError("ECONNFAILED", "unable to establish connection to any candidate", nil)
}

// fatalHookError marks an error from ConnectHook, which aborts the whole
// try loop instead of moving on to the next candidate.
type fatalHookError struct{ err error }

func (e fatalHookError) Error() string { return e.err.Error() }
func (e fatalHookError) Unwrap() error { return e.err }

func flattenCandidates(d *Delivery) (candidates []candidate, hadAny bool) {
	seen := map[string]bool{}
	for _, mx := range d.MX {
		preferV6 := d.DNS.PreferIPv6 || preferIPv6ForDialHistory(d, mx.Exchange)
		families := []struct {
			ips    []string
			isIPv4 bool
		}{{mx.A, true}, {mx.AAAA, false}}
		for _, fam := range families {
			for _, ip := range fam.ips {
				hadAny = true
				if seen[ip] {
					continue
				}
				seen[ip] = true
				candidates = append(candidates, candidate{
					ip:               ip,
					isIPv4:           fam.isIPv4,
					preferV6:         preferV6,
					priority:         mx.Priority,
					hostname:         mx.Exchange,
					resolvedHostname: mx.ResolvedExchange,
					tlsaBaseDomain:   mx.TLSABaseDomain,
					policyMatch:      mx.PolicyMatch,
					tlsaRecords:      mx.TLSARecords,
					daneLookupFailed: mx.DANELookupFailed,
					daneLookupError:  mx.DANELookupError,
				})
			}
		}
	}
	return candidates, hadAny
}

func filterIgnored(d *Delivery, candidates []candidate) []candidate {
	if len(d.IgnoreMXHosts) == 0 {
		return candidates
	}
	o := 0
	for _, c := range candidates {
		if d.IgnoreMXHosts[c.ip] {
			continue
		}
		candidates[o] = c
		o++
	}
	return candidates[:o]
}

// sortCandidates stable-sorts by ascending priority, then by address family
// relative to each candidate's own preferV6 (the global DNS.PreferIPv6
// setting or a per-host dial-history override), then by insertion order.
// Family has to be a sort key here, not just a reordering of one host's own
// address list in flattenCandidates, since the family tie-break must hold
// across candidates from different MX hosts at the same priority too.
func sortCandidates(d *Delivery, candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return familyRank(a) < familyRank(b)
	})
}

// familyRank returns 0 if c's address family is the one its own preferV6
// prefers, 1 otherwise.
func familyRank(c candidate) int {
	isV6 := !c.isIPv4
	if isV6 == c.preferV6 {
		return 0
	}
	return 1
}

// tryCandidate runs the per-candidate gates (MTA-STS, DANE lookup,
// pre-connect hook) and, barring a hook-provided socket, dials TCP with
// Delivery.MaxConnectTime as the per-candidate deadline.
func tryCandidate(ctx context.Context, d *Delivery, c candidate) (*Connection, error) {
	if c.policyMatch != nil {
		if !c.policyMatch.Valid && !c.policyMatch.Testing {
			return nil, policyError(fmt.Sprintf("mta-sts policy in mode %q rejects host %s", c.policyMatch.Mode, c.hostname), nil)
		}
		if !c.policyMatch.Valid && c.policyMatch.Testing {
			d.mxLog.Info("mta-sts policy mismatch in testing mode, proceeding anyway",
				slog.Any("host", c.hostname))
		}
	}

	if c.daneLookupFailed && d.DANE.Enabled && d.DANE.verify() {
		return nil, daneError("DANE_LOOKUP_FAILED", "dane tlsa lookup failed and verification is required", true, c.daneLookupError)
	}

	localAddr, localHostname := localBinding(d, c.isIPv4)
	opts := ConnectOptions{
		Port:          d.Port,
		Host:          c.ip,
		LocalHostname: localHostname.ASCII,
	}
	if localAddr != nil && !localAddr.Equal(net.ParseIP(c.ip)) {
		opts.LocalAddress = localAddr.String()
	}

	if d.ConnectHook != nil {
		if err := d.ConnectHook(ctx, d, &opts); err != nil {
			var derr *Error
			if errors.As(err, &derr) {
				return nil, fatalHookError{derr}
			}
			return nil, fatalHookError{&Error{Message: err.Error(), Code: "ECONNECTHOOK", Category: CategoryNetwork, Response: "connect hook rejected candidate", Err: err}}
		}
	}

	conn := opts.Socket
	if conn == nil {
		var laddr *net.TCPAddr
		if opts.LocalAddress != "" {
			laddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress)}
		}
		dialer := &net.Dialer{Timeout: d.MaxConnectTime, LocalAddr: laddrAddr(laddr)}
		addr := net.JoinHostPort(c.ip, fmt.Sprintf("%d", d.Port))
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			code := socketErrorCode(err)
			response := socketCodeMessages[code]
			if response == "" {
				response = "connection attempt failed"
			}
			return nil, networkError(code, response, err)
		}
	}

	result := &Connection{
		Socket:        conn,
		Hostname:      c.hostname,
		Host:          c.ip,
		Port:          d.Port,
		LocalAddress:  opts.LocalAddress,
		LocalHostname: opts.LocalHostname,
		PolicyMatch:   c.policyMatch,
	}
	if lp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		result.LocalPort = lp.Port
	}
	if d.DANE.Enabled && len(c.tlsaRecords) > 0 {
		result.DANEEnabled = true
		result.RequireTLS = true
		result.TLSARecords = c.tlsaRecords
		verifyRecords := c.tlsaRecords
		allowedHost := c.hostname
		moreAllowedHosts := allowedHostNames(c)
		log := danelog(d)
		result.DANEVerify = func(cs tls.ConnectionState) error {
			if !d.DANE.verify() {
				return nil
			}
			verified, _, err := dane.Verify(log, verifyRecords, cs, allowedHost, moreAllowedHosts, d.DANE.PKIXRoots)
			if verified {
				return nil
			}
			if err == nil {
				return dane.ErrNoMatch
			}
			return fmt.Errorf("%w, and error(s) encountered during verification: %w", dane.ErrNoMatch, err)
		}
	}
	return result, nil
}

// allowedHostNames returns the extra host names (beyond c.hostname) a
// DANE-TA/PKIX-TA certificate chain is allowed to present: the CNAME-expanded
// MX host name and the TLSA base domain reached after following CNAMEs, per
// RFC 7672 section 3.1. Duplicates and the empty zero-domain are dropped.
func allowedHostNames(c candidate) []dns.Domain {
	seen := map[string]bool{c.hostname.ASCII: true}
	var more []dns.Domain
	for _, h := range []dns.Domain{c.resolvedHostname, c.tlsaBaseDomain} {
		if h.IsZero() || seen[h.ASCII] {
			continue
		}
		seen[h.ASCII] = true
		more = append(more, h)
	}
	return more
}

func laddrAddr(a *net.TCPAddr) net.Addr {
	if a == nil {
		return nil
	}
	return a
}

// localBinding picks the local source address/hostname for a candidate's
// address family, falling back to the family-agnostic LocalAddress /
// LocalHostname if no family-specific one was configured.
func localBinding(d *Delivery, isIPv4 bool) (net.IP, dns.Domain) {
	if isIPv4 {
		if d.LocalAddressIPv4 != nil || !d.LocalHostnameIPv4.IsZero() {
			return d.LocalAddressIPv4, d.LocalHostnameIPv4
		}
	} else {
		if d.LocalAddressIPv6 != nil || !d.LocalHostnameIPv6.IsZero() {
			return d.LocalAddressIPv6, d.LocalHostnameIPv6
		}
	}
	return d.LocalAddress, d.LocalHostname
}

func socketErrorCode(err error) string {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return "ECONNFAILED"
	}
	switch {
	case opErr.Timeout():
		return "ETIMEDOUT"
	case errors.Is(err, net.ErrClosed):
		return "ECONNFAILED"
	}
	var sysErr *net.AddrError
	if errors.As(err, &sysErr) {
		return "ENETUNREACH"
	}
	return "ECONNREFUSED"
}
