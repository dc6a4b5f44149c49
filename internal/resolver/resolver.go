// Package resolver implements axproxy's standalone iterative DNS
// resolver and its bounded name cache. It never consults the host's
// stub resolver: every A-record lookup walks the DNS hierarchy itself
// starting from a small pool of root nameservers.
package resolver

import (
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/ecnx/axproxy/internal/metrics"
)

// QueryLimit bounds the total number of outbound UDP exchanges a
// single top-level resolution may issue, across all of its recursive
// detours through ADDITIONAL/AUTHORITY records.
const QueryLimit = 48

// nameJumpLimit bounds how many ADDITIONAL/NS/CNAME detours a single
// top-level resolution may take. Every detour is followed by a query
// counted against QueryLimit, which is the smaller bound, so in
// practice QueryLimit ends an over-long chain first and this limit
// never fails a resolution on its own.
const nameJumpLimit = 64

// queryTimeout bounds each individual UDP send/receive.
const queryTimeout = 3 * time.Second

// strayDatagramLimit is how many non-matching datagrams a single
// exchange tolerates while waiting for the reply that matches its
// query id and question section.
const strayDatagramLimit = 255

// RootServers is the bootstrap set of UDP/53 endpoints iterative
// resolution begins from.
var RootServers = []string{"8.8.8.8:53", "8.8.4.4:53"}

// ErrResolutionFailed is the single failure signal surfaced at the
// public boundary, covering socket errors, truncated or unparseable
// responses, and recursion-limit exhaustion.
var ErrResolutionFailed = errors.New("resolver: resolution failed")

// Resolver performs iterative A-record resolution.
type Resolver struct {
	// Roots overrides RootServers for tests; nil uses the package
	// default.
	Roots []string
	// Dial overrides net.Dial for tests that want a local fake
	// nameserver instead of a real UDP socket.
	Dial func(network, address string) (net.Conn, error)
}

// New returns a Resolver using the default root nameserver pool and
// net.Dial.
func New() *Resolver {
	return &Resolver{}
}

func (r *Resolver) roots() []string {
	if len(r.Roots) > 0 {
		return r.Roots
	}
	return RootServers
}

func (r *Resolver) dial(network, address string) (net.Conn, error) {
	if r.Dial != nil {
		return r.Dial(network, address)
	}
	return net.Dial(network, address)
}

// rootServer picks a root nameserver by a timestamp-modulo index,
// spreading load across the pool the way the original proxy's
// nameserver cache seeded its rotation.
func (r *Resolver) rootServer() string {
	roots := r.roots()
	idx := int(time.Now().Unix()) % len(roots)
	return roots[idx]
}

// exchangeBudget tracks the shared global query counter across an
// entire top-level Resolve call, plus the number of detours taken
// during that same call.
type exchangeBudget struct {
	queries int
	jumps   int
}

func (b *exchangeBudget) spend() error {
	b.queries++
	if b.queries > QueryLimit {
		return ErrResolutionFailed
	}
	return nil
}

func (b *exchangeBudget) jump() error {
	b.jumps++
	if b.jumps > nameJumpLimit {
		return ErrResolutionFailed
	}
	// The query itself is counted by resolveFrom's own spend.
	return nil
}

// Resolve performs iterative resolution of host to an IPv4 address.
// It fails fast on encoding errors and funnels every other failure
// mode (socket, timeout, parse, recursion limit) into
// ErrResolutionFailed.
func (r *Resolver) Resolve(host string) (net.IP, error) {
	if _, err := EncodeName(host); err != nil {
		return nil, err
	}
	budget := &exchangeBudget{}
	ip, err := r.resolveFrom(host, r.rootServer(), budget)
	if err != nil {
		return nil, ErrResolutionFailed
	}
	return ip, nil
}

// resolveFrom resolves name by querying server, following the
// ANSWER -> ADDITIONAL -> AUTHORITY -> ANSWER/CNAME order the public
// resolvers of this kind use, recursing through each detour.
func (r *Resolver) resolveFrom(name, server string, budget *exchangeBudget) (net.IP, error) {
	if err := budget.spend(); err != nil {
		return nil, err
	}
	resp, err := r.exchange(name, server)
	if err != nil {
		return nil, err
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if ip4 := a.A.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}

	for _, rr := range resp.Extra {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if err := budget.jump(); err != nil {
			return nil, err
		}
		if ip, err := r.resolveFrom(name, net.JoinHostPort(a.A.String(), "53"), budget); err == nil {
			return ip, nil
		}
	}

	for _, rr := range resp.Ns {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		if err := budget.jump(); err != nil {
			return nil, err
		}
		nsAddr, err := r.resolveFrom(ns.Ns, r.rootServer(), budget)
		if err != nil {
			continue
		}
		if err := budget.jump(); err != nil {
			return nil, err
		}
		if ip, err := r.resolveFrom(name, net.JoinHostPort(nsAddr.String(), "53"), budget); err == nil {
			return ip, nil
		}
	}

	for _, rr := range resp.Answer {
		cname, ok := rr.(*dns.CNAME)
		if !ok {
			continue
		}
		if err := budget.jump(); err != nil {
			return nil, err
		}
		if ip, err := r.resolveFrom(cname.Target, r.rootServer(), budget); err == nil {
			return ip, nil
		}
	}

	return nil, ErrResolutionFailed
}

// exchange sends one A-record query for name to server over a fresh
// UDP socket, tolerating up to strayDatagramLimit non-matching
// datagrams while waiting for the reply that echoes the query id and
// question.
func (r *Resolver) exchange(name, server string) (*dns.Msg, error) {
	metrics.ResolverQueries.Add(1)
	conn, err := r.dial("udp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(queryTimeout))

	id := uint16(rand.Intn(1 << 16))
	q := new(dns.Msg)
	q.Id = id
	q.RecursionDesired = true
	q.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	wire, err := q.Pack()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, err
	}

	buf := make([]byte, 65536)
	for i := 0; i <= strayDatagramLimit; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}
		if resp.Id != id || resp.Truncated {
			continue
		}
		if len(resp.Question) != 1 || !questionMatches(resp.Question[0], q.Question[0]) {
			continue
		}
		return resp, nil
	}
	return nil, ErrResolutionFailed
}

func questionMatches(got, want dns.Question) bool {
	return got.Qtype == want.Qtype && got.Qclass == want.Qclass && dns.Fqdn(got.Name) == dns.Fqdn(want.Name)
}

// isIPv4Literal reports whether host is a literal dotted-quad IPv4
// address, as opposed to a hostname requiring resolution.
func isIPv4Literal(host string) (net.IP, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, false
	}
	return ip4, true
}
