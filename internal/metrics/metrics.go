// Package metrics exposes axproxy's runtime counters via expvar,
// mirroring the naming convention of a getVarInt/getVarMap helper
// pair keyed by axproxy.<base>.<id>.<name>.
package metrics

import (
	"expvar"
	"fmt"
)

// Int returns the *expvar.Int at the given path, creating it on first
// use so repeated calls with the same arguments return the same
// variable.
func Int(base, id, name string) *expvar.Int {
	full := fmt.Sprintf("axproxy.%s.%s.%s", base, id, name)
	if v := expvar.Get(full); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(full)
}

// Map returns the *expvar.Map at the given path.
func Map(base, id, name string) *expvar.Map {
	full := fmt.Sprintf("axproxy.%s.%s.%s", base, id, name)
	if v := expvar.Get(full); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(full)
}

// Pool-wide counters, created once at package init so every engine
// instance in a process shares a single set of published variables
// (matching a single-process, single-proxy deployment model).
var (
	// PoolOccupied tracks the number of allocated slots in the stream
	// pool.
	PoolOccupied = Int("pool", "default", "occupied")
	// PairCount tracks the number of client-facing stream halves in
	// the pool, one per pair whether or not its CONNECT has completed.
	// It is refreshed on every accept and every reap; end-to-end tests
	// use it to assert on concurrent session counts.
	PairCount = Int("pool", "default", "pairs")
	// ResolverQueries counts outbound DNS queries issued by the
	// iterative resolver, across all lookups.
	ResolverQueries = Int("resolver", "default", "queries")
	// CacheHits and CacheMisses count DNS cache lookups.
	CacheHits   = Int("resolver", "default", "cache_hits")
	CacheMisses = Int("resolver", "default", "cache_misses")
)
