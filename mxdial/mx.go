package mxdial

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mjl-/mxdial/dns"
)

var errCNAMELimit = errors.New("mxdial: too many cname records")

func resolver(d *Delivery) dns.Resolver {
	if d.DNS.Resolver != nil {
		return d.DNS.Resolver
	}
	return dns.StrictResolver{Pkg: "mxdial"}
}

// resolveMX implements the MX resolver stage (spec'd as: MX, falling back to
// A, falling back to AAAA). For an IP-literal target (d.IsIP) it does no
// lookup and returns a single entry holding that address.
func resolveMX(ctx context.Context, d *Delivery) ([]MxEntry, error) {
	if d.IsIP {
		entry := MxEntry{Exchange: dns.Domain{ASCII: d.DecodedDomain}}
		if d.ip.To4() != nil {
			entry.A = []string{d.ip.String()}
		} else {
			entry.AAAA = []string{d.ip.String()}
		}
		return []MxEntry{entry}, nil
	}

	res := resolver(d)
	name := d.domain.ASCII + "."

	mxl, _, err := res.LookupMX(ctx, name)
	if err == nil || len(mxl) > 0 {
		if err != nil {
			d.mxLog.Infox("mx lookup returned some invalid records, keeping the valid ones", err)
		}
		if len(mxl) == 1 && mxl[0].Host == "." {
			// ../rfc/7505:122 -- explicit declaration the domain does not accept mail.
			return nil, dnsError("ENOMAIL", "domain does not accept email (null mx record)", false, nil)
		}
		entries := make([]MxEntry, 0, len(mxl))
		for _, mx := range mxl {
			host, err := dns.ParseDomainLax(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				continue
			}
			entries = append(entries, MxEntry{Exchange: host, Priority: uint16(mx.Pref), IsMX: true})
		}
		if len(entries) == 0 {
			return nil, dnsError("ENOTFOUND", "mx record had no usable host names", false, nil)
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })
		return entries, nil
	}
	if !dns.IsNotFound(err) {
		return nil, dnsError("ESERVFAIL", "mx lookup failed", true, err)
	}

	// No MX record: fall back to the domain's own A record, then AAAA.
	// ../rfc/5321:3842
	if entries, ferr := mxFallback(ctx, d, res, name, false); ferr != errNoFallback {
		return entries, ferr
	}
	if !d.DNS.IgnoreIPv6 {
		if entries, ferr := mxFallback(ctx, d, res, name, true); ferr != errNoFallback {
			return entries, ferr
		}
	}
	return nil, dnsError("ENOTFOUND", "no mx, a or aaaa records found for domain", false, nil)
}

var errNoFallback = errors.New("mxdial: internal: no fallback result")

// mxFallback looks up a single address family for the domain itself and,
// if any address survives the address validator, returns a single
// non-MX MxEntry for it. errNoFallback signals "nothing usable here, try the
// next family or give up" rather than a real error.
func mxFallback(ctx context.Context, d *Delivery, res dns.Resolver, name string, ipv6 bool) ([]MxEntry, error) {
	network := "ip4"
	if ipv6 {
		network = "ip6"
	}
	ips, _, err := res.LookupIP(ctx, network, name)
	if dns.IsNotFound(err) {
		return nil, errNoFallback
	} else if err != nil {
		return nil, dnsError("ESERVFAIL", "fallback address lookup failed", true, err)
	}

	var kept []string
	var firstInvalid string
	for _, ip := range ips {
		if msg := isInvalidAddress(ip, d.DNS.BlockLocalAddresses); msg != "" {
			if firstInvalid == "" {
				firstInvalid = msg
			}
			continue
		}
		kept = append(kept, ip.String())
	}
	if len(kept) == 0 {
		if firstInvalid != "" {
			return nil, dnsError("EINVAL", firstInvalid, false, nil)
		}
		return nil, errNoFallback
	}

	entry := MxEntry{Exchange: d.domain}
	if ipv6 {
		entry.AAAA = kept
	} else {
		entry.A = kept
	}
	return []MxEntry{entry}, nil
}
