package verify

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/routing"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

var (
	// ErrLoop means a packet came back to a node it already visited.
	ErrLoop = errors.New("forwarding loop")
	// ErrBlackhole means a node had no route for the destination.
	ErrBlackhole = errors.New("black hole")
	// ErrHopLimit means a packet crossed more switches than allowed.
	ErrHopLimit = errors.New("hop limit exceeded")
	// ErrNotAdjacent means a route points at an address that is not on the
	// far side of its egress interface.
	ErrNotAdjacent = errors.New("next hop not adjacent")
)

const defaultMaxHops = 16

// Hop is one forwarding decision along a path.
type Hop struct {
	Node      network.NodeID  `json:"node" yaml:"node"`
	Name      string          `json:"name" yaml:"name"`
	Prefix    netip.Prefix    `json:"prefix,omitempty" yaml:"prefix,omitempty"` // zero for connected delivery
	Connected bool            `json:"connected" yaml:"connected"`
	NextHop   routing.NextHop `json:"nextHop" yaml:"nextHop"`
}

// Path is the result of forwarding one packet.
type Path struct {
	Dst       netip.Addr     `json:"dst" yaml:"dst"`
	Hops      []Hop          `json:"hops" yaml:"hops"`
	Delivered network.NodeID `json:"delivered" yaml:"delivered"`
}

// Nodes returns the visited nodes including the one that accepted the packet.
func (p Path) Nodes() []network.NodeID {
	out := make([]network.NodeID, 0, len(p.Hops)+1)
	for _, h := range p.Hops {
		out = append(out, h.Node)
	}
	return append(out, p.Delivered)
}

// Verifier forwards packets through synthesized tables.
type Verifier struct {
	log     *zap.SugaredLogger
	topo    *topology.Topology
	plan    *ipam.Plan
	routes  *routing.Routes
	sel     *ecmp.Selector
	maxHops int

	graph  *simple.UndirectedGraph
	mu     sync.Mutex
	spTree map[network.NodeID]path.Shortest
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSelector sets the multipath selector. The default hashes the flow.
func WithSelector(s *ecmp.Selector) Option {
	return func(v *Verifier) { v.sel = s }
}

// WithMaxHops bounds the number of forwarding nodes per walk.
func WithMaxHops(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxHops = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(v *Verifier) {
		if log != nil {
			v.log = log.Named("verify")
		}
	}
}

// New creates a verifier over a synthesized fabric.
func New(t *topology.Topology, p *ipam.Plan, r *routing.Routes, opts ...Option) *Verifier {
	v := &Verifier{
		log:     zap.NewNop().Sugar(),
		topo:    t,
		plan:    p,
		routes:  r,
		maxHops: defaultMaxHops,
		graph:   simple.NewUndirectedGraph(),
		spTree:  make(map[network.NodeID]path.Shortest),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.sel == nil {
		v.sel = ecmp.NewSelector(r, ecmp.PolicyHash)
	}

	for _, n := range t.Nodes() {
		v.graph.AddNode(simple.Node(n.ID))
	}
	for _, l := range t.Links() {
		v.graph.SetEdge(simple.Edge{F: simple.Node(l.A.Node), T: simple.Node(l.B.Node)})
	}
	return v
}

// Walk forwards a packet for flow from src until some node owns dst. A
// node first checks its own addresses, then its connected /30s, then its
// route table.
func (v *Verifier) Walk(src network.NodeID, dst netip.Addr, flow ecmp.FlowKey) (Path, error) {
	p := Path{Dst: dst}
	visited := make(map[network.NodeID]bool)
	cur := src

	for {
		n, err := v.topo.Node(cur)
		if err != nil {
			return p, fmt.Errorf("%w: %v", network.ErrConfiguration, err)
		}
		if visited[cur] {
			return p, fmt.Errorf("%s revisited towards %s: %w", n.Name, dst, ErrLoop)
		}
		visited[cur] = true

		if owner, ok := v.plan.Owner(dst); ok && owner.Node == cur {
			p.Delivered = cur
			return p, nil
		}
		if len(p.Hops) >= v.maxHops {
			return p, fmt.Errorf("%d hops towards %s: %w", len(p.Hops), dst, ErrHopLimit)
		}

		if adj, ok := v.connected(cur, dst); ok {
			nh := routing.NextHop{Interface: adj.Local.Port, Neighbor: adj.Remote.Node}
			nh.Addr, _ = v.plan.Addr(adj.Remote)
			p.Hops = append(p.Hops, Hop{Node: cur, Name: n.Name, Connected: true, NextHop: nh})
			cur = adj.Remote.Node
			continue
		}

		e, err := v.routes.Lookup(cur, dst)
		if err != nil {
			return p, fmt.Errorf("%s: %w: %v", n.Name, ErrBlackhole, err)
		}
		nh, err := v.sel.Choose(cur, dst, e.NextHops, flow)
		if err != nil {
			return p, fmt.Errorf("%s: %w: %v", n.Name, ErrBlackhole, err)
		}
		next, err := v.egress(cur, nh)
		if err != nil {
			return p, fmt.Errorf("%s via %s: %w", n.Name, e.Prefix, err)
		}
		p.Hops = append(p.Hops, Hop{Node: cur, Name: n.Name, Prefix: e.Prefix, NextHop: nh})
		cur = next
	}
}

// connected finds the link of node whose /30 holds addr.
func (v *Verifier) connected(node network.NodeID, addr netip.Addr) (topology.Adjacency, bool) {
	for _, adj := range v.topo.Incident(node) {
		if a, ok := v.plan.Assignment(adj.Link.ID); ok && a.Subnet.Contains(addr) {
			return adj, true
		}
	}
	return topology.Adjacency{}, false
}

// egress resolves a next hop to the neighbor on its interface and checks
// that the neighbor really owns the next-hop address.
func (v *Verifier) egress(node network.NodeID, nh routing.NextHop) (network.NodeID, error) {
	adjs := v.topo.Incident(node)
	i := int(nh.Interface) - 1
	if i < 0 || i >= len(adjs) || adjs[i].Local.Port != nh.Interface {
		return 0, fmt.Errorf("%w: no interface %s", ErrNotAdjacent, nh.Interface)
	}
	remote := adjs[i].Remote
	if addr, ok := v.plan.Addr(remote); !ok || addr != nh.Addr {
		return 0, fmt.Errorf("%w: %s is not behind %s", ErrNotAdjacent, nh.Addr, nh.Interface)
	}
	return remote.Node, nil
}

// HopBound is the number of switches a packet between two servers may
// cross: 1 under one access switch, 3 inside a pod, 5 across pods.
func (v *Verifier) HopBound(src, dst network.NodeID) (int, error) {
	a, err := v.topo.Node(src)
	if err != nil {
		return 0, err
	}
	b, err := v.topo.Node(dst)
	if err != nil {
		return 0, err
	}
	if a.Role != network.RoleServer || b.Role != network.RoleServer {
		return 0, fmt.Errorf("hop bound is defined between servers, got %s and %s", a.Role, b.Role)
	}
	h := v.topo.Half()
	switch {
	case a.Pod == b.Pod && a.Index/h == b.Index/h:
		return 1, nil
	case a.Pod == b.Pod:
		return 3, nil
	}
	return 5, nil
}

// ShortestSwitches returns the number of switches on a shortest path in the
// fabric graph, independent of any route table.
func (v *Verifier) ShortestSwitches(src, dst network.NodeID) (int, error) {
	v.mu.Lock()
	tree, ok := v.spTree[src]
	if !ok {
		tree = path.DijkstraFrom(simple.Node(src), v.graph)
		v.spTree[src] = tree
	}
	v.mu.Unlock()

	nodes, _ := tree.To(int64(dst))
	if len(nodes) < 2 {
		return 0, fmt.Errorf("no path from %d to %d", src, dst)
	}
	return len(nodes) - 2, nil
}

// Switches counts the switches a path crossed.
func (v *Verifier) Switches(p Path) int {
	n := 0
	for _, h := range p.Hops {
		if node, err := v.topo.Node(h.Node); err == nil && node.Role.Switch() {
			n++
		}
	}
	return n
}
