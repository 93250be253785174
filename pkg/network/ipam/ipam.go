package ipam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"

	"github.com/google/uuid"
	"go4.org/netipx"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

// Assignment is the /30 given to one link. A and B are the addresses of the
// link's A (lower tier) and B (upper tier) endpoints.
type Assignment struct {
	Link   network.LinkID  `json:"link" yaml:"link"`
	Key    network.LinkKey `json:"key" yaml:"key"`
	Subnet netip.Prefix    `json:"subnet" yaml:"subnet"`
	A      netip.Addr      `json:"a" yaml:"a"`
	B      netip.Addr      `json:"b" yaml:"b"`
}

// Plan is a frozen address plan. It owns the typed interface index: every
// lookup by link, key or endpoint goes through it. Safe for concurrent readers.
type Plan struct {
	id          uuid.UUID
	k           int
	assignments []Assignment // indexed by LinkID
	byKey       map[network.LinkKey]network.LinkID
	byEndpoint  map[network.Endpoint]netip.Addr
	owner       map[netip.Addr]network.Endpoint
}

// Assign derives the address plan for t. The result is a pure function of
// the topology: two calls on equal topologies yield identical plans.
func Assign(t *topology.Topology) (*Plan, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil topology", network.ErrConfiguration)
	}
	if err := CheckCapacity(t.K()); err != nil {
		return nil, err
	}

	h := t.Half()
	out := make([]Assignment, 0, t.LinkCount())
	for _, l := range t.Links() {
		subnet, err := SubnetFor(l.Key, h)
		if err != nil {
			return nil, fmt.Errorf("link %d (%s): %w", l.ID, l.Key, err)
		}
		out = append(out, newAssignment(l, subnet))
	}
	return build(t, out)
}

// Rebuild wraps externally supplied assignments (for example a plan read
// back from disk) after checking that they match t one for one.
func Rebuild(t *topology.Topology, assignments []Assignment) (*Plan, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil topology", network.ErrConfiguration)
	}
	if len(assignments) != t.LinkCount() {
		return nil, fmt.Errorf("%w: plan has %d assignments, topology has %d links",
			network.ErrConfiguration, len(assignments), t.LinkCount())
	}
	out := make([]Assignment, len(assignments))
	copy(out, assignments)
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	for i, a := range out {
		l, err := t.Link(network.LinkID(i))
		if err != nil || a.Link != l.ID {
			return nil, fmt.Errorf("%w: no assignment for link %d", network.ErrConfiguration, i)
		}
		if a.Key != l.Key {
			return nil, fmt.Errorf("%w: link %d is %s in the topology but %s in the plan",
				network.ErrConfiguration, l.ID, l.Key, a.Key)
		}
		if !a.Subnet.IsValid() || a.Subnet.Bits() != SubnetBits || a.Subnet.Masked() != a.Subnet {
			return nil, fmt.Errorf("%w: link %d has malformed subnet %s", network.ErrConfiguration, l.ID, a.Subnet)
		}
		if !a.Subnet.Contains(a.A) || !a.Subnet.Contains(a.B) || a.A == a.B {
			return nil, fmt.Errorf("%w: link %d endpoints %s/%s do not fit %s",
				network.ErrConfiguration, l.ID, a.A, a.B, a.Subnet)
		}
	}
	return build(t, out)
}

func build(t *topology.Topology, assignments []Assignment) (*Plan, error) {
	if err := checkDisjoint(assignments); err != nil {
		return nil, err
	}

	p := &Plan{
		k:           t.K(),
		assignments: assignments,
		byKey:       make(map[network.LinkKey]network.LinkID, len(assignments)),
		byEndpoint:  make(map[network.Endpoint]netip.Addr, 2*len(assignments)),
		owner:       make(map[netip.Addr]network.Endpoint, 2*len(assignments)),
	}
	for _, a := range assignments {
		l, _ := t.Link(a.Link)
		p.byKey[a.Key] = a.Link
		p.byEndpoint[l.A] = a.A
		p.byEndpoint[l.B] = a.B
		p.owner[a.A] = l.A
		p.owner[a.B] = l.B
	}
	p.id = fingerprint(p.k, assignments)
	return p, nil
}

func newAssignment(l network.Link, subnet netip.Prefix) Assignment {
	base := AddrToUint32(subnet.Addr())
	return Assignment{
		Link:   l.ID,
		Key:    l.Key,
		Subnet: subnet,
		A:      Uint32ToAddr(base + 1),
		B:      Uint32ToAddr(base + 2),
	}
}

// ID is a name-based UUID of the plan's canonical encoding. Equal plans have
// equal IDs.
func (p *Plan) ID() uuid.UUID { return p.id }

// K returns the fabric size the plan was derived for.
func (p *Plan) K() int { return p.k }

// Len returns the number of assignments.
func (p *Plan) Len() int { return len(p.assignments) }

// Assignments returns a copy of every assignment in link order.
func (p *Plan) Assignments() []Assignment {
	out := make([]Assignment, len(p.assignments))
	copy(out, p.assignments)
	return out
}

// Assignment returns the subnet assigned to link id.
func (p *Plan) Assignment(id network.LinkID) (Assignment, bool) {
	if id < 0 || int(id) >= len(p.assignments) {
		return Assignment{}, false
	}
	return p.assignments[id], true
}

// ByKey returns the assignment for a (kind, pod, index) link key.
func (p *Plan) ByKey(key network.LinkKey) (Assignment, bool) {
	id, ok := p.byKey[key]
	if !ok {
		return Assignment{}, false
	}
	return p.assignments[id], true
}

// Addr returns the address configured on an interface.
func (p *Plan) Addr(ep network.Endpoint) (netip.Addr, bool) {
	a, ok := p.byEndpoint[ep]
	return a, ok
}

// Primary returns the address on a node's first port. For a server this is
// its only address.
func (p *Plan) Primary(node network.NodeID) (netip.Addr, bool) {
	return p.Addr(network.Endpoint{Node: node, Port: 1})
}

// Owner returns the interface an address is configured on.
func (p *Plan) Owner(addr netip.Addr) (network.Endpoint, bool) {
	ep, ok := p.owner[addr]
	return ep, ok
}

// Validate checks that p was derived for t: same k and an assignment with
// matching key and endpoints for every link.
func (p *Plan) Validate(t *topology.Topology) error {
	if p == nil {
		return fmt.Errorf("%w: address plan missing", network.ErrConfiguration)
	}
	if t == nil {
		return fmt.Errorf("%w: topology missing", network.ErrConfiguration)
	}
	if p.k != t.K() {
		return fmt.Errorf("%w: plan derived for k=%d, topology has k=%d", network.ErrConfiguration, p.k, t.K())
	}
	if len(p.assignments) != t.LinkCount() {
		return fmt.Errorf("%w: plan has %d assignments, topology has %d links",
			network.ErrConfiguration, len(p.assignments), t.LinkCount())
	}
	for _, l := range t.Links() {
		a, ok := p.Assignment(l.ID)
		if !ok || a.Key != l.Key {
			return fmt.Errorf("%w: link %d (%s) has no matching assignment", network.ErrConfiguration, l.ID, l.Key)
		}
		if got, ok := p.Addr(l.A); !ok || got != a.A {
			return fmt.Errorf("%w: link %d endpoint %d/%s not addressed", network.ErrConfiguration, l.ID, l.A.Node, l.A.Port)
		}
		if got, ok := p.Addr(l.B); !ok || got != a.B {
			return fmt.Errorf("%w: link %d endpoint %d/%s not addressed", network.ErrConfiguration, l.ID, l.B.Node, l.B.Port)
		}
	}
	return nil
}

// checkDisjoint sorts the subnets by base address and requires every subnet
// to start after the previous one ends.
func checkDisjoint(assignments []Assignment) error {
	sorted := make([]Assignment, len(assignments))
	copy(sorted, assignments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Subnet.Addr().Less(sorted[j].Subnet.Addr())
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if !netipx.PrefixLastIP(prev.Subnet).Less(cur.Subnet.Addr()) {
			return fmt.Errorf("%w: %s (link %d) overlaps %s (link %d)",
				network.ErrAddressSpaceExhausted, cur.Subnet, cur.Link, prev.Subnet, prev.Link)
		}
	}
	return nil
}

func fingerprint(k int, assignments []Assignment) uuid.UUID {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "k=%d\n", k)
	for _, a := range assignments {
		fmt.Fprintf(&buf, "%d %s %s %s %s\n", a.Link, a.Key, a.Subnet, a.A, a.B)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, buf.Bytes())
}

// AddrToUint32 converts an IPv4 address to a uint32.
func AddrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Uint32ToAddr converts a uint32 to an IPv4 address.
func Uint32ToAddr(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
