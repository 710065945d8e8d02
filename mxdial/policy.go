package mxdial

import (
	"context"
	"errors"

	"github.com/mjl-/mxdial/mtasts"
)

// fetchPolicy implements the MTA-STS fetch stage, modeled on mtastsdb.Get's
// cache/fetch split: a fresh cached policy short-circuits the DNS/HTTPS
// round trip entirely; only a cache miss goes on to mtasts.Get. If that
// fetch fails with one of the errors mtasts.Get documents as "the remote
// isn't doing MTA-STS" (no/duplicate/malformed record, no/unfetchable/
// unparseable policy document), the domain is treated as not implementing
// MTA-STS and that is cached too. Any other error (mtasts.ErrDNS and
// anything it wraps) is a genuine fetch failure with no way to tell the
// domain's real posture, and is propagated fatally instead of silently
// falling back to "no policy".
func fetchPolicy(ctx context.Context, d *Delivery) error {
	if d.MTASTS.Cache != nil {
		if p, ok := d.MTASTS.Cache.Get(ctx, d.domain); ok {
			d.MTASTS.Policy = p
			return nil
		}
	}

	_, policy, _, err := mtasts.Get(ctx, d.MTASTS.Logger, resolver(d), d.domain)
	if err != nil {
		if !errors.Is(err, mtasts.ErrNoRecord) && !errors.Is(err, mtasts.ErrMultipleRecords) &&
			!errors.Is(err, mtasts.ErrRecordSyntax) && !errors.Is(err, mtasts.ErrNoPolicy) &&
			!errors.Is(err, mtasts.ErrPolicyFetch) && !errors.Is(err, mtasts.ErrPolicySyntax) {
			return dnsError("ESERVFAIL", "mta-sts policy lookup failed", true, err)
		}
		policy = nil
	}

	if d.MTASTS.Cache != nil {
		d.MTASTS.Cache.Set(ctx, d.domain, policy)
	}
	d.MTASTS.Policy = policy
	return nil
}

// validatePolicy implements the MTA-STS validate stage: it records, per MX
// entry, whether the entry's host name matches the fetched policy's mx
// list. It never drops entries; the connection engine enforces the result.
// A policy in mode "none" is treated like no policy.
func validatePolicy(d *Delivery) {
	if d.MTASTS.Policy == nil || d.MTASTS.Policy.Mode == mtasts.ModeNone {
		return
	}
	for i := range d.MX {
		valid := d.MTASTS.Policy.Matches(d.MX[i].Exchange)
		d.MX[i].PolicyMatch = &PolicyMatch{
			Valid:   valid,
			Mode:    d.MTASTS.Policy.Mode,
			Testing: d.MTASTS.Policy.Mode == mtasts.ModeTesting,
		}
	}
}
