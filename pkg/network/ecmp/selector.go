package ecmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/routing"
)

// ErrNoCandidates is returned when a route carries no next hop.
var ErrNoCandidates = errors.New("no next-hop candidates")

// Policy decides how one candidate is picked among equal-cost next hops.
type Policy int

const (
	// PolicyRoundRobin cycles through the candidates per destination.
	PolicyRoundRobin Policy = iota
	// PolicyHash picks by a stable hash of the flow key, so a flow never
	// changes path.
	PolicyHash
	// PolicyRandom picks uniformly per packet. Packets of one flow may be
	// reordered.
	PolicyRandom
	// PolicyFirst always takes the first candidate (multipath disabled).
	PolicyFirst
)

var policyNames = [...]string{"round-robin", "hash", "random", "first"}

func (p Policy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return fmt.Sprintf("policy(%d)", int(p))
	}
	return policyNames[p]
}

// Policies lists every policy in declaration order.
func Policies() []Policy {
	return []Policy{PolicyRoundRobin, PolicyHash, PolicyRandom, PolicyFirst}
}

// ParsePolicy accepts the names produced by Policy.String and a few aliases.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "round-robin", "roundrobin", "rr":
		return PolicyRoundRobin, nil
	case "hash", "hash-based", "flow":
		return PolicyHash, nil
	case "random", "rand":
		return PolicyRandom, nil
	case "first", "none", "off":
		return PolicyFirst, nil
	}
	return 0, fmt.Errorf("%w: unknown multipath policy %q", network.ErrConfiguration, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// FlowKey is the 5-tuple identifying a flow.
type FlowKey struct {
	Src     netip.Addr `json:"src" yaml:"src"`
	Dst     netip.Addr `json:"dst" yaml:"dst"`
	SrcPort uint16     `json:"srcPort" yaml:"srcPort"`
	DstPort uint16     `json:"dstPort" yaml:"dstPort"`
	Proto   uint8      `json:"proto" yaml:"proto"`
}

// Hash returns a stable 64-bit hash of the 5-tuple.
func (f FlowKey) Hash() uint64 {
	var buf [37]byte
	src, dst := f.Src.As16(), f.Dst.As16()
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	binary.BigEndian.PutUint16(buf[32:34], f.SrcPort)
	binary.BigEndian.PutUint16(buf[34:36], f.DstPort)
	buf[36] = f.Proto
	return xxhash.Sum64(buf[:])
}

func (f FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%d", f.Src, f.SrcPort, f.Dst, f.DstPort, f.Proto)
}

// RouteSource resolves the route a node uses towards an address.
type RouteSource interface {
	Lookup(node network.NodeID, dst netip.Addr) (routing.Entry, error)
}

// Observer is notified of every selection among more than one candidate.
type Observer interface {
	Selected(policy Policy, node network.NodeID, candidates, chosen int)
}

// Option configures a Selector.
type Option func(*Selector)

// WithObserver registers an observer for multipath selections.
func WithObserver(o Observer) Option {
	return func(s *Selector) { s.observer = o }
}

type counterKey struct {
	node network.NodeID
	dst  netip.Addr
}

// Selector picks one next hop among a route's candidates. Safe for
// concurrent use; only round-robin keeps state.
type Selector struct {
	routes   RouteSource
	policy   Policy
	observer Observer

	mu       sync.Mutex
	counters map[counterKey]*atomic.Uint64
}

// NewSelector creates a selector over routes.
func NewSelector(routes RouteSource, policy Policy, opts ...Option) *Selector {
	s := &Selector{
		routes:   routes,
		policy:   policy,
		counters: make(map[counterKey]*atomic.Uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the selection policy.
func (s *Selector) Policy() Policy { return s.policy }

// SelectNextHop resolves node's route to dst and picks one candidate for
// the flow.
func (s *Selector) SelectNextHop(node network.NodeID, dst netip.Addr, flow FlowKey) (routing.NextHop, error) {
	if s.routes == nil {
		return routing.NextHop{}, fmt.Errorf("%w: selector has no routes", network.ErrConfiguration)
	}
	e, err := s.routes.Lookup(node, dst)
	if err != nil {
		return routing.NextHop{}, err
	}
	return s.Choose(node, dst, e.NextHops, flow)
}

// Choose picks one of candidates under the selector's policy.
func (s *Selector) Choose(node network.NodeID, dst netip.Addr, candidates []routing.NextHop, flow FlowKey) (routing.NextHop, error) {
	n := len(candidates)
	switch n {
	case 0:
		return routing.NextHop{}, fmt.Errorf("node %d towards %s: %w", node, dst, ErrNoCandidates)
	case 1:
		return candidates[0], nil
	}

	var i int
	switch s.policy {
	case PolicyRoundRobin:
		i = int((s.counter(node, dst).Add(1) - 1) % uint64(n))
	case PolicyHash:
		i = int(flow.Hash() % uint64(n))
	case PolicyRandom:
		i = rand.Intn(n)
	case PolicyFirst:
		i = 0
	default:
		return routing.NextHop{}, fmt.Errorf("%w: unknown multipath policy %d", network.ErrConfiguration, int(s.policy))
	}

	if s.observer != nil {
		s.observer.Selected(s.policy, node, n, i)
	}
	return candidates[i], nil
}

// Reset clears the round-robin counters.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[counterKey]*atomic.Uint64)
}

func (s *Selector) counter(node network.NodeID, dst netip.Addr) *atomic.Uint64 {
	key := counterKey{node: node, dst: dst}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = new(atomic.Uint64)
		s.counters[key] = c
	}
	return c
}
