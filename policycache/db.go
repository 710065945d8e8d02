// Package policycache stores MTA-STS policies on disk so repeated deliveries
// to the same domain don't have to fetch the policy again. It implements
// mxdial.Cache.
package policycache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mxdial/dns"
	"github.com/mjl-/mxdial/mtasts"
)

var metricGet = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mxdial_policycache_get_total",
		Help: "Number of Get calls by result.",
	},
	[]string{"result"},
)

// policyRecord is a cached policy, or a cached absence of one (Mode "none").
type policyRecord struct {
	Domain     string `bstore:"unique"` // ASCII domain name.
	Inserted   time.Time
	ValidEnd   time.Time
	mtasts.Policy
	PolicyText string
}

var dbTypes = []any{policyRecord{}}

// DB is an open policy cache backed by a single bstore database file.
type DB struct {
	db    *bstore.DB
	mutex sync.Mutex
}

// Open opens (creating if needed) the policy cache database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating policy cache directory: %w", err)
	}
	bdb, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, dbTypes...)
	if err != nil {
		return nil, err
	}
	return &DB{db: bdb}, nil
}

// Close closes the database.
func (c *DB) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.db.Close()
}

// Get implements mxdial.Cache. It returns a cached, non-expired policy for
// domain, or ok=false if nothing usable is cached.
func (c *DB) Get(ctx context.Context, domain dns.Domain) (policy *mtasts.Policy, ok bool) {
	defer func() {
		result := "miss"
		if ok {
			result = "hit"
		}
		metricGet.WithLabelValues(result).Inc()
	}()

	q := bstore.QueryDB[policyRecord](ctx, c.db)
	q.FilterNonzero(policyRecord{Domain: domain.ASCII})
	q.FilterGreater("ValidEnd", time.Now())
	pr, err := q.Get()
	if err != nil {
		return nil, false
	}
	p := pr.Policy
	return &p, true
}

// Set implements mxdial.Cache. A nil policy caches the absence of MTA-STS
// for domain for a short period, so repeated deliveries during that window
// skip the DNS/HTTPS round trip.
func (c *DB) Set(ctx context.Context, domain dns.Domain, policy *mtasts.Policy) {
	now := time.Now()
	var p mtasts.Policy
	if policy != nil {
		p = *policy
	} else {
		p.Mode = mtasts.ModeNone
		p.MaxAgeSeconds = 5 * 60
	}
	validEnd := now.Add(time.Duration(p.MaxAgeSeconds) * time.Second)

	err := c.db.Write(ctx, func(tx *bstore.Tx) error {
		pr := policyRecord{Domain: domain.ASCII}
		err := tx.Get(&pr)
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		if err == bstore.ErrAbsent {
			pr = policyRecord{Domain: domain.ASCII, Inserted: now, ValidEnd: validEnd, Policy: p, PolicyText: p.String()}
			return tx.Insert(&pr)
		}
		pr.ValidEnd = validEnd
		pr.Policy = p
		pr.PolicyText = p.String()
		return tx.Update(&pr)
	})
	if err != nil {
		// Cache writes are best-effort: a failed write just means the next
		// delivery fetches the policy again.
		return
	}
}
