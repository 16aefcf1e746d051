// Package dnsclient implements the stub resolver: a fixed-size name->IPv4
// cache, a single outstanding query at a time, and a blocking Resolve that
// sends an A-record query and waits on a channel for the matching reply.
package dnsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/nos-project/netcore/internal/netproto"
)

// ServerPort is the well-known DNS server port; ClientPort is the fixed
// ephemeral source port this stack always resolves from.
const (
	ServerPort = 53
	ClientPort = 10053
)

const (
	cacheSize      = 32
	maxDomainLen   = 253
	DefaultTimeout = 3 * time.Second
	pollInterval   = 10 * time.Millisecond
)

// Transport is the capability this package needs from the network core: the
// ability to send a UDP datagram to an arbitrary destination. Routing,
// ARP resolution and IP/Ethernet framing are the core's concern.
type Transport interface {
	SendUDP(dstIP netproto.IPv4, dstPort, srcPort uint16, payload []byte) error
}

type cacheEntry struct {
	name  string
	ip    netproto.IPv4
	valid bool
}

// Resolver is a single-interface DNS stub resolver.
type Resolver struct {
	dev      Transport
	serverIP netproto.IPv4

	cacheMu sync.Mutex
	cache   [cacheSize]cacheEntry

	group singleflight.Group

	// queryMu enforces §4.6's single-pending-query-for-the-whole-resolver
	// rule: it is held for the entire send-then-wait window of
	// resolveOnce, so only one query (for any name) is ever in flight at
	// once. singleflight.Group only collapses concurrent callers asking
	// for the *same* name; two different names still have to queue here.
	queryMu sync.Mutex

	pendingMu sync.Mutex
	pendingID uint16
	pendingCh chan netproto.IPv4

	nextID uint16
}

// New creates a resolver that queries serverIP.
func New(dev Transport, serverIP netproto.IPv4) *Resolver {
	return &Resolver{dev: dev, serverIP: serverIP, nextID: 1}
}

// SetServer repoints the resolver at a new nameserver, as happens when a
// DHCP lease (re)arrives carrying an option-6 DNS server address.
func (r *Resolver) SetServer(serverIP netproto.IPv4) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.serverIP = serverIP
}

// Lookup returns the cached address for name, if any.
func (r *Resolver) Lookup(name string) (netproto.IPv4, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for i := range r.cache {
		if r.cache[i].valid && r.cache[i].name == name {
			return r.cache[i].ip, true
		}
	}
	return netproto.IPv4{}, false
}

// insert caches name->ip, updating an existing entry, filling the first
// free slot, or overwriting slot 0 when full (§3 eviction policy).
func (r *Resolver) insert(name string, ip netproto.IPv4) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for i := range r.cache {
		if r.cache[i].valid && r.cache[i].name == name {
			r.cache[i].ip = ip
			return
		}
	}
	for i := range r.cache {
		if !r.cache[i].valid {
			r.cache[i] = cacheEntry{name: name, ip: ip, valid: true}
			return
		}
	}
	r.cache[0] = cacheEntry{name: name, ip: ip, valid: true}
}

// Flush empties the cache.
func (r *Resolver) Flush() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for i := range r.cache {
		r.cache[i] = cacheEntry{}
	}
}

// Deliver hands a received UDP payload on ClientPort to the resolver. A
// reply whose ID doesn't match the currently pending query, or that carries
// a nonzero RCODE or no answers, is dropped.
func (r *Resolver) Deliver(payload []byte) {
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		return
	}
	if !msg.Response || msg.Rcode != dns.RcodeSuccess {
		return
	}

	r.pendingMu.Lock()
	ch := r.pendingCh
	wantID := r.pendingID
	r.pendingMu.Unlock()
	if ch == nil || msg.Id != wantID {
		return
	}

	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		v4 := a.A.To4()
		if v4 == nil {
			continue
		}
		var ip netproto.IPv4
		copy(ip[:], v4)
		select {
		case ch <- ip:
		default:
		}
		return
	}
}

// Resolve returns name's IPv4 address, using the cache fast path or sending
// a query and waiting up to DefaultTimeout for a matching reply. Concurrent
// Resolve calls for the same name share a single in-flight query; concurrent
// Resolve calls for different names queue behind one another, since the
// resolver only ever has one query outstanding at a time.
func (r *Resolver) Resolve(ctx context.Context, name string) (netproto.IPv4, error) {
	if name == "" || len(name) > maxDomainLen {
		return netproto.IPv4{}, fmt.Errorf("dnsclient: invalid name %q", name)
	}
	if ip, ok := r.Lookup(name); ok {
		return ip, nil
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		if ip, ok := r.Lookup(name); ok {
			return ip, nil
		}
		return r.resolveOnce(ctx, name)
	})
	if err != nil {
		return netproto.IPv4{}, err
	}
	return v.(netproto.IPv4), nil
}

func (r *Resolver) resolveOnce(ctx context.Context, name string) (netproto.IPv4, error) {
	r.queryMu.Lock()
	defer r.queryMu.Unlock()

	id := r.nextID
	r.nextID++

	ch := make(chan netproto.IPv4, 1)
	r.pendingMu.Lock()
	r.pendingID = id
	r.pendingCh = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		r.pendingCh = nil
		r.pendingMu.Unlock()
	}()

	query := new(dns.Msg)
	query.Id = id
	query.RecursionDesired = true
	query.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	packed, err := query.Pack()
	if err != nil {
		return netproto.IPv4{}, fmt.Errorf("dnsclient: pack query: %w", err)
	}

	if err := r.dev.SendUDP(r.serverIP, ServerPort, ClientPort, packed); err != nil {
		return netproto.IPv4{}, err
	}

	deadline := time.NewTimer(DefaultTimeout)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		return netproto.IPv4{}, ctx.Err()
	case <-deadline.C:
		return netproto.IPv4{}, fmt.Errorf("dnsclient: timeout resolving %s", name)
	case ip := <-ch:
		r.insert(name, ip)
		return ip, nil
	}
}
