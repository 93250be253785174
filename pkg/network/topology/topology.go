package topology

import (
	"fmt"
	"sort"

	"github.com/glennswest/fatplan/pkg/network"
)

// Adjacency is a link seen from one of its endpoints.
type Adjacency struct {
	Link   network.Link
	Local  network.Endpoint
	Remote network.Endpoint
}

// Topology is an immutable k-ary fat-tree. It is safe for concurrent readers.
type Topology struct {
	k    int
	half int

	nodes []network.Node // sorted by ID
	byID  map[network.NodeID]int

	servers [][]network.NodeID // [pod][index within pod]
	access  [][]network.NodeID
	aggr    [][]network.NodeID
	core    []network.NodeID

	links    []network.Link // indexed by LinkID
	byKey    map[network.LinkKey]network.LinkID
	incident map[network.NodeID][]network.LinkID
}

// New returns the canonical fat-tree for fabric size k with default node IDs
// and link profiles.
func New(k int) (*Topology, error) {
	d, err := DefaultDescriptor(k)
	if err != nil {
		return nil, err
	}
	return FromDescriptor(d)
}

// ValidateK checks the fabric-size parameter.
func ValidateK(k int) error {
	if k < 2 {
		return fmt.Errorf("%w: k=%d, need k >= 2", network.ErrUnsupportedTopology, k)
	}
	if k%2 != 0 {
		return fmt.Errorf("%w: k=%d is odd", network.ErrUnsupportedTopology, k)
	}
	return nil
}

// K returns the fabric-size parameter.
func (t *Topology) K() int { return t.k }

// Half returns k/2: servers per access switch, access and aggregation
// switches per pod, uplinks per aggregation switch.
func (t *Topology) Half() int { return t.half }

// Pods returns the number of pods (k).
func (t *Topology) Pods() int { return t.k }

// ServersPerPod returns (k/2)^2.
func (t *Topology) ServersPerPod() int { return t.half * t.half }

// AccessPerPod returns k/2.
func (t *Topology) AccessPerPod() int { return t.half }

// AggregationPerPod returns k/2.
func (t *Topology) AggregationPerPod() int { return t.half }

// CoreCount returns (k/2)^2.
func (t *Topology) CoreCount() int { return t.half * t.half }

// CoreID maps an aggregation group and sub-index to the core switch index.
// Every pod's i-th aggregation switch reaches cores CoreID(i, 0..k/2-1).
func (t *Topology) CoreID(group, sub int) int { return group*t.half + sub }

// NodeCount returns the number of nodes.
func (t *Topology) NodeCount() int { return len(t.nodes) }

// Node returns a node by ID.
func (t *Topology) Node(id network.NodeID) (network.Node, error) {
	i, ok := t.byID[id]
	if !ok {
		return network.Node{}, fmt.Errorf("node %d not found", id)
	}
	return t.nodes[i], nil
}

// NodeByName returns the node with the given display name.
func (t *Topology) NodeByName(name string) (network.Node, error) {
	for _, n := range t.nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return network.Node{}, fmt.Errorf("node %q not found", name)
}

// Nodes returns all nodes ordered by ID.
func (t *Topology) Nodes() []network.Node {
	out := make([]network.Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// NodesByRole returns the nodes of one role ordered by (pod, index).
func (t *Topology) NodesByRole(role network.Role) []network.Node {
	var ids []network.NodeID
	switch role {
	case network.RoleServer:
		ids = flatten(t.servers)
	case network.RoleAccess:
		ids = flatten(t.access)
	case network.RoleAggregation:
		ids = flatten(t.aggr)
	case network.RoleCore:
		ids = t.core
	}
	out := make([]network.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.nodes[t.byID[id]])
	}
	return out
}

// Server returns the ID of server index within pod.
func (t *Topology) Server(pod, index int) (network.NodeID, error) {
	return lookup(t.servers, network.RoleServer, pod, index)
}

// Access returns the ID of access switch index within pod.
func (t *Topology) Access(pod, index int) (network.NodeID, error) {
	return lookup(t.access, network.RoleAccess, pod, index)
}

// Aggregation returns the ID of aggregation switch index within pod.
func (t *Topology) Aggregation(pod, index int) (network.NodeID, error) {
	return lookup(t.aggr, network.RoleAggregation, pod, index)
}

// Core returns the ID of core switch index.
func (t *Topology) Core(index int) (network.NodeID, error) {
	if index < 0 || index >= len(t.core) {
		return 0, fmt.Errorf("core switch %d out of range [0,%d)", index, len(t.core))
	}
	return t.core[index], nil
}

// Links returns every link in install order.
func (t *Topology) Links() []network.Link {
	out := make([]network.Link, len(t.links))
	copy(out, t.links)
	return out
}

// LinkCount returns the number of links.
func (t *Topology) LinkCount() int { return len(t.links) }

// Link returns a link by ID.
func (t *Topology) Link(id network.LinkID) (network.Link, error) {
	if id < 0 || int(id) >= len(t.links) {
		return network.Link{}, fmt.Errorf("link %d not found", id)
	}
	return t.links[id], nil
}

// LinkByKey returns the link with the given (kind, pod, index) key.
func (t *Topology) LinkByKey(key network.LinkKey) (network.Link, error) {
	id, ok := t.byKey[key]
	if !ok {
		return network.Link{}, fmt.Errorf("link %s not found", key)
	}
	return t.links[id], nil
}

// Incident returns node's links in the order its ports were assigned.
func (t *Topology) Incident(id network.NodeID) []Adjacency {
	ids := t.incident[id]
	out := make([]Adjacency, 0, len(ids))
	for _, lid := range ids {
		l := t.links[lid]
		local, _ := l.Local(id)
		remote, _ := l.Other(id)
		out = append(out, Adjacency{Link: l, Local: local, Remote: remote})
	}
	return out
}

// Neighbors returns the adjacencies of id whose remote end has the given role,
// ordered by the remote node's tier-local index.
func (t *Topology) Neighbors(id network.NodeID, role network.Role) []Adjacency {
	var out []Adjacency
	for _, adj := range t.Incident(id) {
		if t.nodes[t.byID[adj.Remote.Node]].Role == role {
			out = append(out, adj)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a := t.nodes[t.byID[out[i].Remote.Node]]
		b := t.nodes[t.byID[out[j].Remote.Node]]
		if a.Pod != b.Pod {
			return a.Pod < b.Pod
		}
		return a.Index < b.Index
	})
	return out
}

// ─── Construction ───────────────────────────────────────────────────────────

// wire installs the canonical link set. Must be called once on a topology
// whose node tables are populated.
func (t *Topology) wire(profiles map[network.LinkKind]network.LinkProfile) {
	h := t.half
	nextPort := make(map[network.NodeID]network.PortID, len(t.nodes))
	install := func(key network.LinkKey, a, b network.NodeID) {
		nextPort[a]++
		nextPort[b]++
		l := network.Link{
			ID:      network.LinkID(len(t.links)),
			Key:     key,
			A:       network.Endpoint{Node: a, Port: nextPort[a]},
			B:       network.Endpoint{Node: b, Port: nextPort[b]},
			Profile: profiles[key.Kind],
		}
		t.links = append(t.links, l)
		t.byKey[key] = l.ID
		t.incident[a] = append(t.incident[a], l.ID)
		t.incident[b] = append(t.incident[b], l.ID)
	}

	for pod := 0; pod < t.k; pod++ {
		for s := 0; s < h*h; s++ {
			install(network.LinkKey{Kind: network.LinkServerAccess, Pod: pod, Index: s},
				t.servers[pod][s], t.access[pod][s/h])
		}
		for a := 0; a < h; a++ {
			for g := 0; g < h; g++ {
				install(network.LinkKey{Kind: network.LinkAccessAggregation, Pod: pod, Index: a*h + g},
					t.access[pod][a], t.aggr[pod][g])
			}
		}
	}

	seq := 0
	for group := 0; group < h; group++ {
		for sub := 0; sub < h; sub++ {
			c := t.core[t.CoreID(group, sub)]
			for pod := 0; pod < t.k; pod++ {
				install(network.LinkKey{Kind: network.LinkAggregationCore, Pod: pod, Index: seq},
					t.aggr[pod][group], c)
				seq++
			}
		}
	}
}

func lookup(table [][]network.NodeID, role network.Role, pod, index int) (network.NodeID, error) {
	if pod < 0 || pod >= len(table) {
		return 0, fmt.Errorf("%s: pod %d out of range [0,%d)", role, pod, len(table))
	}
	if index < 0 || index >= len(table[pod]) {
		return 0, fmt.Errorf("%s: index %d out of range [0,%d) in pod %d", role, index, len(table[pod]), pod)
	}
	return table[pod][index], nil
}

func flatten(table [][]network.NodeID) []network.NodeID {
	var out []network.NodeID
	for _, row := range table {
		out = append(out, row...)
	}
	return out
}
