package resolver

import (
	"net"
	"time"

	"github.com/ecnx/axproxy/internal/metrics"
)

// cacheCapacity is the fixed number of name->address records the
// cache holds. It is an array, not a map: lookup is a linear scan on
// the single owning thread, matching the resolver's single-threaded
// contract.
const cacheCapacity = 1024

// nameSlotSize bounds the cached name length; anything at or beyond
// it bypasses the cache entirely rather than risk a truncated record.
const nameSlotSize = 31

// positiveTTL is the expiry horizon applied to every cached record.
const positiveTTL = 900 * time.Second

type cacheRecord struct {
	name   string
	addr   net.IP
	expiry time.Time
	valid  bool
}

// Cache wraps a Resolver with a bounded name->address cache. It is
// not safe for concurrent use; axproxy consults it only from the
// proxy's owning goroutine.
type Cache struct {
	resolver *Resolver
	records  [cacheCapacity]cacheRecord
}

// NewCache returns a Cache backed by r.
func NewCache(r *Resolver) *Cache {
	return &Cache{resolver: r}
}

// Resolve returns the IPv4 address for name, consulting the cache
// first. A literal dotted-quad is returned without touching the
// cache or the resolver. A name at or beyond nameSlotSize bypasses
// the cache and always resolves directly — deliberately: caching a
// name we can't store faithfully would silently truncate it.
func (c *Cache) Resolve(name string) (net.IP, error) {
	if ip, ok := isIPv4Literal(name); ok {
		return ip, nil
	}

	if len(name) < nameSlotSize {
		now := time.Now()
		for i := range c.records {
			r := &c.records[i]
			if r.valid && r.name == name && now.Before(r.expiry) {
				metrics.CacheHits.Add(1)
				return r.addr, nil
			}
		}
	}

	metrics.CacheMisses.Add(1)
	ip, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}

	if len(name) < nameSlotSize {
		c.insert(name, ip)
	}
	return ip, nil
}

// insert stores name/ip, preferring an expired slot; if none is
// expired it overwrites records[now mod N], the same wall-clock-time
// eviction rule the original nameserver cache used.
func (c *Cache) insert(name string, ip net.IP) {
	now := time.Now()
	slot := -1
	for i := range c.records {
		if !c.records[i].valid || now.After(c.records[i].expiry) {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = int(now.Unix()) % cacheCapacity
	}
	c.records[slot] = cacheRecord{
		name:   name,
		addr:   ip,
		expiry: now.Add(positiveTTL),
		valid:  true,
	}
}
