package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ipam"
)

// ErrNoRoute is returned by Lookup when no entry covers the address.
var ErrNoRoute = errors.New("no route to destination")

// DefaultRoute is the prefix of a server's only entry.
var DefaultRoute = netip.PrefixFrom(netip.IPv4Unspecified(), 0)

// NextHop is one forwarding candidate: the neighbor's address on the shared
// link and the local interface facing it.
type NextHop struct {
	Addr      netip.Addr     `json:"addr" yaml:"addr"`
	Interface network.PortID `json:"interface" yaml:"interface"`
	Neighbor  network.NodeID `json:"neighbor" yaml:"neighbor"`
}

func (h NextHop) String() string {
	return fmt.Sprintf("%s dev %s", h.Addr, h.Interface)
}

// Entry is one route. More than one next hop makes it a multi-candidate
// (ECMP) entry; the candidates are ordered and the order is stable.
type Entry struct {
	Prefix   netip.Prefix `json:"prefix" yaml:"prefix"`
	NextHops []NextHop    `json:"nextHops" yaml:"nextHops"`
}

// Mask returns the dotted netmask of the entry's prefix.
func (e Entry) Mask() netip.Addr {
	return ipam.Uint32ToAddr(^uint32(0) << (32 - e.Prefix.Bits()))
}

// Multipath reports whether the entry carries more than one candidate.
func (e Entry) Multipath() bool { return len(e.NextHops) > 1 }

// NextHop returns the first candidate.
func (e Entry) NextHop() NextHop {
	if len(e.NextHops) == 0 {
		return NextHop{}
	}
	return e.NextHops[0]
}

// Table is one node's routes ordered by prefix length descending, then by
// destination ascending, so the first covering entry is the longest match.
type Table struct {
	Node    network.NodeID `json:"node" yaml:"node"`
	Entries []Entry        `json:"entries" yaml:"entries"`
}

// Lookup returns the longest-prefix match for addr.
func (t *Table) Lookup(addr netip.Addr) (Entry, error) {
	for _, e := range t.Entries {
		if e.Prefix.Contains(addr) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("node %d: %s: %w", t.Node, addr, ErrNoRoute)
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.Entries) }

// MultipathCount returns the number of multi-candidate entries.
func (t *Table) MultipathCount() int {
	n := 0
	for _, e := range t.Entries {
		if e.Multipath() {
			n++
		}
	}
	return n
}

// SortEntries puts entries into lookup order.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Prefix, entries[j].Prefix
		if a.Bits() != b.Bits() {
			return a.Bits() > b.Bits()
		}
		return a.Addr().Less(b.Addr())
	})
}

// ─── Builder ────────────────────────────────────────────────────────────────

// builder accumulates one node's entries and rejects conflicting adds
// instead of overwriting them.
type builder struct {
	node    network.NodeID
	entries map[netip.Prefix]*Entry
	multi   map[netip.Prefix]bool
}

func newBuilder(node network.NodeID) *builder {
	return &builder{
		node:    node,
		entries: make(map[netip.Prefix]*Entry),
		multi:   make(map[netip.Prefix]bool),
	}
}

// add installs a single-path route. Re-adding the identical route is a no-op.
func (b *builder) add(prefix netip.Prefix, nh NextHop) error {
	prefix = prefix.Masked()
	e, ok := b.entries[prefix]
	if !ok {
		b.entries[prefix] = &Entry{Prefix: prefix, NextHops: []NextHop{nh}}
		return nil
	}
	if b.multi[prefix] {
		return &network.RouteConflictError{
			Node:      b.node,
			Prefix:    prefix,
			Existing:  e.NextHop().Addr,
			Candidate: nh.Addr,
			Reason:    "single-path route clashes with a multi-candidate entry",
		}
	}
	if e.NextHops[0] != nh {
		return &network.RouteConflictError{
			Node:      b.node,
			Prefix:    prefix,
			Existing:  e.NextHops[0].Addr,
			Candidate: nh.Addr,
		}
	}
	return nil
}

// addMultipath installs or extends a multi-candidate entry. Candidates are
// deduplicated and kept in address order.
func (b *builder) addMultipath(prefix netip.Prefix, hops []NextHop) error {
	prefix = prefix.Masked()
	if len(hops) == 0 {
		return fmt.Errorf("%w: node %d: no candidates for %s", network.ErrUnsupportedTopology, b.node, prefix)
	}
	e, ok := b.entries[prefix]
	if ok && !b.multi[prefix] {
		return &network.RouteConflictError{
			Node:      b.node,
			Prefix:    prefix,
			Existing:  e.NextHop().Addr,
			Candidate: hops[0].Addr,
			Reason:    "multi-candidate entry clashes with a single-path route",
		}
	}
	if !ok {
		e = &Entry{Prefix: prefix}
		b.entries[prefix] = e
		b.multi[prefix] = true
	}

	for _, nh := range hops {
		dup := false
		for _, have := range e.NextHops {
			if have.Addr == nh.Addr {
				if have != nh {
					return &network.RouteConflictError{
						Node:      b.node,
						Prefix:    prefix,
						Existing:  have.Addr,
						Candidate: nh.Addr,
						Reason:    fmt.Sprintf("candidate %s reachable through both %s and %s", nh.Addr, have.Interface, nh.Interface),
					}
				}
				dup = true
				break
			}
		}
		if !dup {
			e.NextHops = append(e.NextHops, nh)
		}
	}
	sort.Slice(e.NextHops, func(i, j int) bool { return e.NextHops[i].Addr.Less(e.NextHops[j].Addr) })
	return nil
}

func (b *builder) table() *Table {
	t := &Table{Node: b.node, Entries: make([]Entry, 0, len(b.entries))}
	for _, e := range b.entries {
		t.Entries = append(t.Entries, *e)
	}
	SortEntries(t.Entries)
	return t
}
