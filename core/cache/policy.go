package cache

import (
	"sort"
	"strings"
	"time"
)

// Policy maps a key-class prefix to the TTL appropriate for its data
// volatility: high-volatility classes (live prices) get short TTLs,
// low-volatility classes (instrument metadata) get long ones.
type Policy struct {
	Prefix string
	TTL    time.Duration
}

// PolicyTable resolves a TTL for a key by longest matching prefix. The
// mapping is configuration: the cache itself is oblivious to what a key
// means.
type PolicyTable struct {
	policies []Policy
	fallback time.Duration
}

// NewPolicyTable builds a table with the given fallback TTL. Policies are
// matched longest-prefix-first regardless of argument order.
//
// Example:
//
//	table := cache.NewPolicyTable(5*time.Minute,
//	    cache.Policy{Prefix: "stock:", TTL: 5 * time.Second},
//	    cache.Policy{Prefix: "sentiment:", TTL: 30 * time.Second},
//	    cache.Policy{Prefix: "meta:", TTL: 12 * time.Hour},
//	)
func NewPolicyTable(fallback time.Duration, policies ...Policy) PolicyTable {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return PolicyTable{policies: sorted, fallback: fallback}
}

// TTLFor returns the TTL of the longest prefix matching key, or the
// fallback when no class matches.
func (t PolicyTable) TTLFor(key string) time.Duration {
	for _, p := range t.policies {
		if strings.HasPrefix(key, p.Prefix) {
			return p.TTL
		}
	}
	return t.fallback
}
