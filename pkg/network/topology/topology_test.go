package topology

import (
	"errors"
	"testing"

	"github.com/glennswest/fatplan/pkg/network"
)

func TestNewCounts(t *testing.T) {
	tests := []struct {
		k                            int
		nodes, links, servers, cores int
	}{
		{k: 2, nodes: 2*(1+1+1) + 1, links: 2*(1+1) + 2, servers: 2, cores: 1},
		{k: 4, nodes: 4*(4+2+2) + 4, links: 4*(4+4) + 16, servers: 16, cores: 4},
		{k: 6, nodes: 6*(9+3+3) + 9, links: 6*(9+9) + 54, servers: 54, cores: 9},
	}

	for _, tt := range tests {
		topo, err := New(tt.k)
		if err != nil {
			t.Fatalf("New(%d): %v", tt.k, err)
		}
		if topo.NodeCount() != tt.nodes {
			t.Errorf("k=%d: expected %d nodes, got %d", tt.k, tt.nodes, topo.NodeCount())
		}
		if topo.LinkCount() != tt.links {
			t.Errorf("k=%d: expected %d links, got %d", tt.k, tt.links, topo.LinkCount())
		}
		if got := len(topo.NodesByRole(network.RoleServer)); got != tt.servers {
			t.Errorf("k=%d: expected %d servers, got %d", tt.k, tt.servers, got)
		}
		if topo.CoreCount() != tt.cores {
			t.Errorf("k=%d: expected %d cores, got %d", tt.k, tt.cores, topo.CoreCount())
		}
	}
}

func TestNewRejectsBadK(t *testing.T) {
	for _, k := range []int{-2, 0, 1, 3, 5} {
		_, err := New(k)
		if !errors.Is(err, network.ErrUnsupportedTopology) {
			t.Errorf("New(%d): expected ErrUnsupportedTopology, got %v", k, err)
		}
	}
}

func TestCanonicalDegrees(t *testing.T) {
	topo, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, n := range topo.NodesByRole(network.RoleAccess) {
		if got := len(topo.Neighbors(n.ID, network.RoleServer)); got != 2 {
			t.Errorf("%s: expected 2 servers, got %d", n.Name, got)
		}
		aggs := topo.Neighbors(n.ID, network.RoleAggregation)
		if len(aggs) != 2 {
			t.Fatalf("%s: expected 2 aggregation neighbors, got %d", n.Name, len(aggs))
		}
		for _, adj := range aggs {
			remote, _ := topo.Node(adj.Remote.Node)
			if remote.Pod != n.Pod {
				t.Errorf("%s: aggregation neighbor %s is in another pod", n.Name, remote.Name)
			}
		}
	}

	for _, n := range topo.NodesByRole(network.RoleAggregation) {
		if got := len(topo.Neighbors(n.ID, network.RoleAccess)); got != 2 {
			t.Errorf("%s: expected 2 access neighbors, got %d", n.Name, got)
		}
		if got := len(topo.Neighbors(n.ID, network.RoleCore)); got != 2 {
			t.Errorf("%s: expected 2 core neighbors, got %d", n.Name, got)
		}
	}

	for _, n := range topo.NodesByRole(network.RoleCore) {
		aggs := topo.Neighbors(n.ID, network.RoleAggregation)
		if len(aggs) != 4 {
			t.Fatalf("%s: expected one aggregation neighbor per pod, got %d", n.Name, len(aggs))
		}
		for pod, adj := range aggs {
			remote, _ := topo.Node(adj.Remote.Node)
			if remote.Pod != pod {
				t.Errorf("%s: neighbor %d is in pod %d, want %d", n.Name, pod, remote.Pod, pod)
			}
		}
	}
}

func TestCoreGroupSymmetry(t *testing.T) {
	topo, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Every pod's i-th aggregation switch reaches the same core group.
	for g := 0; g < topo.AggregationPerPod(); g++ {
		var want []network.NodeID
		for pod := 0; pod < topo.Pods(); pod++ {
			agg, _ := topo.Aggregation(pod, g)
			var cores []network.NodeID
			for _, adj := range topo.Neighbors(agg, network.RoleCore) {
				cores = append(cores, adj.Remote.Node)
			}
			if want == nil {
				want = cores
				continue
			}
			if len(cores) != len(want) {
				t.Fatalf("pod %d aggr %d: %d cores, want %d", pod, g, len(cores), len(want))
			}
			for i := range cores {
				if cores[i] != want[i] {
					t.Errorf("pod %d aggr %d: core %d is %d, want %d", pod, g, i, cores[i], want[i])
				}
			}
		}
		for sub, c := range want {
			expected, _ := topo.Core(topo.CoreID(g, sub))
			if c != expected {
				t.Errorf("group %d sub %d: got core %d, want %d", g, sub, c, expected)
			}
		}
	}
}

func TestPortsFollowInstallOrder(t *testing.T) {
	topo, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Access switch 0 of pod 0: two server ports first, then two uplinks.
	acc, _ := topo.Access(0, 0)
	adjs := topo.Incident(acc)
	if len(adjs) != 4 {
		t.Fatalf("expected 4 incident links, got %d", len(adjs))
	}
	for i, adj := range adjs {
		if adj.Local.Port != network.PortID(i+1) {
			t.Errorf("adjacency %d: expected port %d, got %d", i, i+1, adj.Local.Port)
		}
	}
	if adjs[0].Link.Key.Kind != network.LinkServerAccess || adjs[2].Link.Key.Kind != network.LinkAccessAggregation {
		t.Errorf("unexpected kind order: %s, %s", adjs[0].Link.Key.Kind, adjs[2].Link.Key.Kind)
	}

	// Servers have a single port.
	srv, _ := topo.Server(2, 3)
	adjs = topo.Incident(srv)
	if len(adjs) != 1 || adjs[0].Local.Port != 1 {
		t.Errorf("server: expected one link on port 1, got %+v", adjs)
	}
}

func TestLinkByKey(t *testing.T) {
	topo, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l, err := topo.LinkByKey(network.LinkKey{Kind: network.LinkAccessAggregation, Pod: 1, Index: 3})
	if err != nil {
		t.Fatalf("LinkByKey: %v", err)
	}
	a, _ := topo.Node(l.A.Node)
	b, _ := topo.Node(l.B.Node)
	if a.Name != "pod1.access1" || b.Name != "pod1.aggr1" {
		t.Errorf("expected pod1.access1 -> pod1.aggr1, got %s -> %s", a.Name, b.Name)
	}
	if l.Profile.DataRate != "40Gbps" || l.Profile.QueueSize != 4 {
		t.Errorf("unexpected profile %+v", l.Profile)
	}

	// Core link sequence 5 is group 0, sub 1, pod 1.
	l, err = topo.LinkByKey(network.LinkKey{Kind: network.LinkAggregationCore, Pod: 1, Index: 5})
	if err != nil {
		t.Fatalf("LinkByKey: %v", err)
	}
	b, _ = topo.Node(l.B.Node)
	if b.Name != "core1" {
		t.Errorf("expected core1, got %s", b.Name)
	}

	if _, err := topo.LinkByKey(network.LinkKey{Kind: network.LinkServerAccess, Pod: 9, Index: 0}); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestNodeLookups(t *testing.T) {
	topo, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := topo.NodeByName("pod3.aggr1")
	if err != nil {
		t.Fatalf("NodeByName: %v", err)
	}
	if n.Role != network.RoleAggregation || n.Pod != 3 || n.Index != 1 {
		t.Errorf("unexpected node %+v", n)
	}

	c, _ := topo.Core(2)
	cn, _ := topo.Node(c)
	if cn.HasPod() {
		t.Errorf("core switch should not have a pod: %+v", cn)
	}

	if _, err := topo.Node(9999); err == nil {
		t.Error("expected error for unknown node id")
	}
	if _, err := topo.Server(0, 4); err == nil {
		t.Error("expected error for out of range server index")
	}
	if _, err := topo.Core(4); err == nil {
		t.Error("expected error for out of range core index")
	}
}
