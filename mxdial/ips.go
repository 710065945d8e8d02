package mxdial

import (
	"context"
	"strings"
	"sync"

	"github.com/mjl-/mxdial/dns"
)

// resolveIPs implements the IP resolver stage: for every MxEntry that
// doesn't already carry addresses, look up A (and unless DNS.IgnoreIPv6,
// AAAA) records, following CNAMEs along the way. Lookups for distinct
// entries run concurrently; within one entry they're sequential, since a
// CNAME chase has to be resolved before the address lookup it gates.
func resolveIPs(ctx context.Context, d *Delivery) error {
	type outcome struct {
		idx      int
		a        []string
		aaaa     []string
		resolved dns.Domain
		err      error
	}

	var pending []int
	for i, mx := range d.MX {
		if len(mx.A) == 0 && len(mx.AAAA) == 0 {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	results := make(chan outcome, len(pending))
	var wg sync.WaitGroup
	for _, i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, aaaa, resolved, err := lookupEntryIPs(ctx, d, d.MX[i].Exchange)
			results <- outcome{i, a, aaaa, resolved, err}
		}(i)
	}
	wg.Wait()
	close(results)

	var firstErr error
	addressFound := false
	for o := range results {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		d.MX[o.idx].A = o.a
		d.MX[o.idx].AAAA = o.aaaa
		d.MX[o.idx].ResolvedExchange = o.resolved
		if len(o.a) > 0 || len(o.aaaa) > 0 {
			addressFound = true
		}
	}

	if !addressFound {
		if firstErr != nil {
			return firstErr
		}
		return dnsError("ENOTFOUND", "no usable addresses found for any mx host", false, nil)
	}
	return nil
}

// lookupEntryIPs follows CNAMEs for host (bounded, as in the MX resolver's
// own chase) then resolves A/AAAA and runs the address validator over the
// result. resolved is the name actually queried for addresses, after
// following any CNAMEs; it is used later to compute the set of host names
// a DANE-TA/PKIX-TA certificate chain is allowed to present.
func lookupEntryIPs(ctx context.Context, d *Delivery, host dns.Domain) (a, aaaa []string, resolved dns.Domain, rerr error) {
	res := resolver(d)
	name := host.ASCII + "."
	for i := 0; ; i++ {
		if i == 10 {
			return nil, nil, dns.Domain{}, dnsError("ESERVFAIL", "too many cname records resolving mx host", true, errCNAMELimit)
		}
		cname, _, err := res.LookupCNAME(ctx, name)
		if dns.IsNotFound(err) {
			break
		} else if err != nil {
			return nil, nil, dns.Domain{}, dnsError("ESERVFAIL", "cname lookup failed resolving mx host", true, err)
		} else if strings.TrimSuffix(cname, ".") == strings.TrimSuffix(name, ".") {
			break
		}
		name = strings.TrimSuffix(cname, ".") + "."
	}
	resolved, _ = dns.ParseDomain(strings.TrimSuffix(name, "."))

	network := "ip"
	if d.DNS.IgnoreIPv6 {
		network = "ip4"
	}
	ips, _, err := res.LookupIP(ctx, network, name)
	if dns.IsNotFound(err) {
		return nil, nil, resolved, nil
	} else if err != nil {
		return nil, nil, resolved, dnsError("ESERVFAIL", "address lookup failed for mx host", true, err)
	}

	var firstInvalid string
	for _, ip := range ips {
		if msg := isInvalidAddress(ip, d.DNS.BlockLocalAddresses); msg != "" {
			if firstInvalid == "" {
				firstInvalid = msg
			}
			continue
		}
		if ip.To4() != nil {
			a = append(a, ip.String())
		} else {
			aaaa = append(aaaa, ip.String())
		}
	}
	if len(a) == 0 && len(aaaa) == 0 && firstInvalid != "" {
		return nil, nil, resolved, dnsError("EINVAL", firstInvalid, false, nil)
	}
	return a, aaaa, resolved, nil
}

// preferIPv6ForDialHistory reports whether the connection engine should
// rank AAAA candidates ahead of A ones for host, based on DialedIPs: if the
// most recent attempt against host used IPv4 and it was the only address
// tried from that family, this attempt switches families, in case the IPv4
// address is on a blocklist the IPv6 one isn't (or vice versa).
func preferIPv6ForDialHistory(d *Delivery, host dns.Domain) bool {
	prev := d.DNS.DialedIPs[host.String()]
	if len(prev) == 0 {
		return false
	}
	prevIs4 := prev[len(prev)-1].To4() != nil
	sameFamily := 0
	for _, ip := range prev {
		if (ip.To4() != nil) == prevIs4 {
			sameFamily++
		}
	}
	return sameFamily == 1 && prevIs4
}
