package mxdial

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/mjl-/adns"

	"github.com/mjl-/mxdial/dns"
)

// resolveDANE implements the DANE resolver stage: for every MxEntry that
// doesn't already carry caller-supplied TLSARecords, look up
// "_<port>._tcp.<exchange>" TLSA records, following CNAMEs. A NODATA/NXDOMAIN
// result means the host doesn't opt into DANE and is not an error. Nothing is
// looked up unless DaneConfig.ResolveTLSA is set. Any other lookup error never
// fails the whole Connect call: when DaneConfig.verify() is true it is
// recorded on the entry (DANELookupFailed/DANELookupError) and enforced later,
// at connect time; otherwise it is dropped and the entry has no TLSA records.
func resolveDANE(ctx context.Context, d *Delivery) error {
	if !d.DANE.ResolveTLSA {
		return nil
	}

	type outcome struct {
		idx      int
		records  []adns.TLSA
		baseName dns.Domain
		err      error
	}

	var pending []int
	for i, mx := range d.MX {
		if mx.TLSARecords == nil {
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
			records, baseName, err := lookupTLSA(ctx, d, d.MX[i].Exchange)
			results <- outcome{i, records, baseName, err}
		}(i)
	}
	wg.Wait()
	close(results)

	for o := range results {
		if o.err != nil {
			if d.DANE.verify() {
				d.MX[o.idx].DANELookupFailed = true
				d.MX[o.idx].DANELookupError = o.err
			}
			continue
		}
		d.MX[o.idx].TLSARecords = o.records
		d.MX[o.idx].TLSABaseDomain = o.baseName
	}
	return nil
}

// lookupTLSA composes the "_<port>._tcp.<host>" TLSA query name, follows
// CNAMEs (bounded, as with MX host resolution), and returns the usable TLSA
// records plus the base domain the query ended up resolving against (the
// name after following CNAMEs, stripped of the "_<port>._tcp." prefix).
// Absence of records is reported as (nil, base, nil), not an error.
func lookupTLSA(ctx context.Context, d *Delivery, host dns.Domain) ([]adns.TLSA, dns.Domain, error) {
	res := resolver(d)
	name := fmt.Sprintf("_%d._tcp.%s.", d.Port, host.ASCII)
	base := host
	for i := 0; ; i++ {
		if i == 10 {
			return nil, base, errCNAMELimit
		}
		cname, result, err := res.LookupCNAME(ctx, name)
		if dns.IsNotFound(err) {
			if !result.Authentic {
				return nil, base, nil
			}
			break
		} else if err != nil {
			return nil, base, err
		} else if !result.Authentic {
			return nil, base, nil
		}
		name = strings.TrimSuffix(cname, ".") + "."
		unprefixed := strings.TrimPrefix(strings.TrimSuffix(name, "."), fmt.Sprintf("_%d._tcp.", d.Port))
		if bd, err := dns.ParseDomain(unprefixed); err == nil {
			base = bd
		}
	}

	records, result, err := res.LookupTLSA(ctx, d.Port, "tcp", name)
	if dns.IsNotFound(err) || (err == nil && len(records) == 0) {
		return nil, base, nil
	} else if err != nil {
		return nil, base, err
	} else if !result.Authentic {
		return nil, base, nil
	}
	return filterUsableTLSA(records), base, nil
}

// filterUsableTLSA drops records with usages, selectors or match types this
// module can't act on for SMTP DANE (PKIX-TA/PKIX-EE are not meaningful
// without a WebPKI-trusted chain here), and drops malformed records rather
// than letting them fail verification confusingly later.
func filterUsableTLSA(records []adns.TLSA) []adns.TLSA {
	o := 0
	for _, r := range records {
		switch r.Usage {
		case adns.TLSAUsageDANETA, adns.TLSAUsageDANEEE:
		default:
			continue
		}
		switch r.Selector {
		case adns.TLSASelectorCert, adns.TLSASelectorSPKI:
		default:
			continue
		}
		switch r.MatchType {
		case adns.TLSAMatchTypeFull:
			if r.Selector == adns.TLSASelectorCert {
				if _, err := x509.ParseCertificate(r.CertAssoc); err != nil {
					continue
				}
			} else if _, err := x509.ParsePKIXPublicKey(r.CertAssoc); err != nil {
				continue
			}
		case adns.TLSAMatchTypeSHA256:
			if len(r.CertAssoc) != sha256.Size {
				continue
			}
		case adns.TLSAMatchTypeSHA512:
			if len(r.CertAssoc) != sha512.Size {
				continue
			}
		default:
			continue
		}
		records[o] = r
		o++
	}
	return records[:o]
}
