package topology

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/glennswest/fatplan/pkg/network"
)

// Descriptor is the node-identity mapping handed over by whatever component
// owns device creation. Links are not listed: they follow from k.
type Descriptor struct {
	K        int                            `json:"k" yaml:"k"`
	Nodes    []NodeDescriptor               `json:"nodes" yaml:"nodes"`
	Profiles map[string]network.LinkProfile `json:"profiles,omitempty" yaml:"profiles,omitempty"` // keyed by link kind
}

// NodeDescriptor maps one node ID to its role and position.
type NodeDescriptor struct {
	ID    network.NodeID `json:"id" yaml:"id"`
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Role  network.Role   `json:"role" yaml:"role"`
	Pod   *int           `json:"pod,omitempty" yaml:"pod,omitempty"` // nil for core switches
	Index int            `json:"index" yaml:"index"`
}

// DefaultProfiles returns the per-kind link characteristics of the reference fabric.
func DefaultProfiles() map[network.LinkKind]network.LinkProfile {
	return map[network.LinkKind]network.LinkProfile{
		network.LinkServerAccess:      {DataRate: "10Gbps", Delay: "200ns"},
		network.LinkAccessAggregation: {DataRate: "40Gbps", Delay: "70ns", QueueSize: 4},
		network.LinkAggregationCore:   {DataRate: "40Gbps", Delay: "50ns", QueueSize: 8},
	}
}

// DefaultDescriptor lays node IDs out pod by pod (servers, access,
// aggregation), followed by the core switches.
func DefaultDescriptor(k int) (Descriptor, error) {
	if err := ValidateK(k); err != nil {
		return Descriptor{}, err
	}
	h := k / 2
	d := Descriptor{K: k}
	id := network.NodeID(0)
	add := func(role network.Role, pod *int, index int) {
		p := network.NoPod
		if pod != nil {
			p = *pod
		}
		d.Nodes = append(d.Nodes, NodeDescriptor{
			ID:    id,
			Name:  network.DefaultName(role, p, index),
			Role:  role,
			Pod:   pod,
			Index: index,
		})
		id++
	}
	for pod := 0; pod < k; pod++ {
		p := pod
		for s := 0; s < h*h; s++ {
			add(network.RoleServer, &p, s)
		}
		for a := 0; a < h; a++ {
			add(network.RoleAccess, &p, a)
		}
		for g := 0; g < h; g++ {
			add(network.RoleAggregation, &p, g)
		}
	}
	for c := 0; c < h*h; c++ {
		add(network.RoleCore, nil, c)
	}
	return d, nil
}

// LoadDescriptor reads a YAML descriptor from path.
func LoadDescriptor(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading topology descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: parsing topology descriptor %s: %v", network.ErrConfiguration, path, err)
	}
	return d, nil
}

// FromDescriptor validates d against the canonical fat-tree shape and builds
// the topology.
func FromDescriptor(d Descriptor) (*Topology, error) {
	if err := ValidateK(d.K); err != nil {
		return nil, err
	}
	k, h := d.K, d.K/2

	profiles := DefaultProfiles()
	for name, p := range d.Profiles {
		kind, err := network.ParseLinkKind(name)
		if err != nil {
			return nil, err
		}
		profiles[kind] = p
	}

	want := map[network.Role]int{
		network.RoleServer:      k * h * h,
		network.RoleAccess:      k * h,
		network.RoleAggregation: k * h,
		network.RoleCore:        h * h,
	}
	got := make(map[network.Role]int, len(want))
	for _, nd := range d.Nodes {
		got[nd.Role]++
	}
	for _, role := range []network.Role{network.RoleServer, network.RoleAccess, network.RoleAggregation, network.RoleCore} {
		if got[role] != want[role] {
			return nil, fmt.Errorf("%w: k=%d needs %d %s nodes, descriptor has %d",
				network.ErrUnsupportedTopology, k, want[role], role, got[role])
		}
	}

	t := &Topology{
		k:        k,
		half:     h,
		byID:     make(map[network.NodeID]int, len(d.Nodes)),
		servers:  grid(k, h*h),
		access:   grid(k, h),
		aggr:     grid(k, h),
		core:     make([]network.NodeID, h*h),
		byKey:    make(map[network.LinkKey]network.LinkID),
		incident: make(map[network.NodeID][]network.LinkID, len(d.Nodes)),
	}
	seen := make(map[network.NodeID]bool, len(d.Nodes))
	names := make(map[string]network.NodeID, len(d.Nodes))
	placed := make(map[[3]int]bool, len(d.Nodes))
	coreSet := make([]bool, h*h)

	for _, nd := range d.Nodes {
		if seen[nd.ID] {
			return nil, fmt.Errorf("%w: duplicate node id %d", network.ErrUnsupportedTopology, nd.ID)
		}
		seen[nd.ID] = true

		n := network.Node{ID: nd.ID, Role: nd.Role, Pod: network.NoPod, Index: nd.Index}
		if nd.Role == network.RoleCore {
			if nd.Pod != nil {
				return nil, fmt.Errorf("%w: core node %d must not have a pod", network.ErrUnsupportedTopology, nd.ID)
			}
			if nd.Index < 0 || nd.Index >= h*h {
				return nil, fmt.Errorf("%w: core index %d out of range [0,%d)", network.ErrUnsupportedTopology, nd.Index, h*h)
			}
			if coreSet[nd.Index] {
				return nil, fmt.Errorf("%w: duplicate core index %d", network.ErrUnsupportedTopology, nd.Index)
			}
			coreSet[nd.Index] = true
			t.core[nd.Index] = nd.ID
		} else {
			if nd.Pod == nil || *nd.Pod < 0 || *nd.Pod >= k {
				return nil, fmt.Errorf("%w: %s node %d needs a pod in [0,%d)", network.ErrUnsupportedTopology, nd.Role, nd.ID, k)
			}
			n.Pod = *nd.Pod
			limit, table := h, t.access
			switch nd.Role {
			case network.RoleServer:
				limit, table = h*h, t.servers
			case network.RoleAggregation:
				table = t.aggr
			}
			if nd.Index < 0 || nd.Index >= limit {
				return nil, fmt.Errorf("%w: %s index %d out of range [0,%d)", network.ErrUnsupportedTopology, nd.Role, nd.Index, limit)
			}
			slot := [3]int{int(nd.Role), n.Pod, nd.Index}
			if placed[slot] {
				return nil, fmt.Errorf("%w: duplicate %s pod=%d index=%d", network.ErrUnsupportedTopology, nd.Role, n.Pod, nd.Index)
			}
			placed[slot] = true
			table[n.Pod][nd.Index] = nd.ID
		}

		n.Name = nd.Name
		if n.Name == "" {
			n.Name = network.DefaultName(n.Role, n.Pod, n.Index)
		}
		if other, dup := names[n.Name]; dup {
			return nil, fmt.Errorf("%w: nodes %d and %d share name %q", network.ErrUnsupportedTopology, other, n.ID, n.Name)
		}
		names[n.Name] = n.ID
		t.nodes = append(t.nodes, n)
	}

	sort.Slice(t.nodes, func(i, j int) bool { return t.nodes[i].ID < t.nodes[j].ID })
	for i, n := range t.nodes {
		t.byID[n.ID] = i
	}

	t.wire(profiles)
	return t, nil
}

// Descriptor returns the descriptor that reproduces t.
func (t *Topology) Descriptor() Descriptor {
	d := Descriptor{K: t.k, Profiles: make(map[string]network.LinkProfile)}
	for _, n := range t.nodes {
		nd := NodeDescriptor{ID: n.ID, Name: n.Name, Role: n.Role, Index: n.Index}
		if n.HasPod() {
			p := n.Pod
			nd.Pod = &p
		}
		d.Nodes = append(d.Nodes, nd)
	}
	for _, l := range t.links {
		d.Profiles[l.Key.Kind.String()] = l.Profile
	}
	return d
}

func grid(rows, cols int) [][]network.NodeID {
	g := make([][]network.NodeID, rows)
	for i := range g {
		g[i] = make([]network.NodeID, cols)
	}
	return g
}
