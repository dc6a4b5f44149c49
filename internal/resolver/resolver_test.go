package resolver

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// fakeNameserver starts a local UDP server that answers each query
// with whatever handle returns (nothing if handle returns nil) and
// returns its listener address so tests never touch a real network.
func fakeNameserver(t *testing.T, handle func(*dns.Msg) *dns.Msg) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := handle(q)
			if resp == nil {
				continue
			}
			wire, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func answerA(q *dns.Msg, ip net.IP) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   ip,
	}}
	return resp
}

func TestResolveDirectAnswer(t *testing.T) {
	want := net.IPv4(93, 184, 216, 34).To4()
	addr := fakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		return answerA(q, want)
	})

	r := &Resolver{Roots: []string{addr}}
	got, err := r.Resolve("example.com")
	require.NoError(t, err)
	require.True(t, got.Equal(want))
}

func TestResolveFollowsCNAME(t *testing.T) {
	want := net.IPv4(10, 0, 0, 1).To4()
	addr := fakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		name := q.Question[0].Name
		if name == "alias.example.com." {
			resp := new(dns.Msg)
			resp.SetReply(q)
			resp.Answer = []dns.RR{&dns.CNAME{
				Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300},
				Target: "example.com.",
			}}
			return resp
		}
		return answerA(q, want)
	})

	r := &Resolver{Roots: []string{addr}}
	got, err := r.Resolve("alias.example.com")
	require.NoError(t, err)
	require.True(t, got.Equal(want))
}

func TestResolveIgnoresMismatchedID(t *testing.T) {
	want := net.IPv4(1, 2, 3, 4).To4()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Answer the single query with a stray (mismatched id) reply first,
	// then the matching one.
	go func() {
		buf := make([]byte, 65536)
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(buf[:n]); err != nil {
			return
		}
		stray := answerA(q, net.IPv4(9, 9, 9, 9).To4())
		stray.Id = q.Id + 1 // stray/mismatched reply, must be ignored
		for _, m := range []*dns.Msg{stray, answerA(q, want)} {
			wire, err := m.Pack()
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(wire, from)
		}
	}()

	r := &Resolver{Roots: []string{conn.LocalAddr().String()}}
	got, err := r.Resolve("example.com")
	require.NoError(t, err)
	require.True(t, got.Equal(want))
}

func TestResolveTimesOutOnSilence(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	r := &Resolver{Roots: []string{conn.LocalAddr().String()}}
	start := time.Now()
	_, err = r.Resolve("example.com")
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestResolveRejectsOversizedName(t *testing.T) {
	r := New()
	label := make([]byte, 256)
	for i := range label {
		label[i] = 'a'
	}
	_, err := r.Resolve(string(label) + ".com")
	require.Error(t, err)
}
