package verify

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/routing"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

type fabric struct {
	topo   *topology.Topology
	plan   *ipam.Plan
	routes *routing.Routes
}

func build(t *testing.T, k int) fabric {
	t.Helper()
	topo, err := topology.New(k)
	if err != nil {
		t.Fatalf("topology.New(%d): %v", k, err)
	}
	plan, err := ipam.Assign(topo)
	if err != nil {
		t.Fatalf("ipam.Assign: %v", err)
	}
	routes, err := routing.Synthesize(topo, plan)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	return fabric{topo: topo, plan: plan, routes: routes}
}

func (f fabric) node(t *testing.T, name string) network.NodeID {
	t.Helper()
	n, err := f.topo.NodeByName(name)
	if err != nil {
		t.Fatalf("NodeByName(%s): %v", name, err)
	}
	return n.ID
}

func (f fabric) addr(t *testing.T, name string) netip.Addr {
	t.Helper()
	a, ok := f.plan.Primary(f.node(t, name))
	if !ok {
		t.Fatalf("%s has no address", name)
	}
	return a
}

func TestCheckAllK4(t *testing.T) {
	f := build(t, 4)

	for _, policy := range ecmp.Policies() {
		t.Run(policy.String(), func(t *testing.T) {
			v := New(f.topo, f.plan, f.routes, WithSelector(ecmp.NewSelector(f.routes, policy)))
			r := v.CheckAll()
			if err := r.Err(); err != nil {
				t.Fatalf("CheckAll: %v", err)
			}
			if r.Pairs != 16*15 || r.Delivered != r.Pairs {
				t.Errorf("expected 240 delivered pairs, got %d/%d", r.Delivered, r.Pairs)
			}
			want := map[int]int{1: 16, 3: 32, 5: 192}
			for sw, n := range want {
				if r.BySwitches[sw] != n {
					t.Errorf("%d pairs crossed %d switches, want %d", r.BySwitches[sw], sw, n)
				}
			}
		})
	}
}

func TestCheckAllSizes(t *testing.T) {
	for _, k := range []int{2, 6, 8, 10} {
		f := build(t, k)
		r := New(f.topo, f.plan, f.routes).CheckAll()
		if err := r.Err(); err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		servers := k * k * k / 4
		if r.Delivered != servers*(servers-1) {
			t.Errorf("k=%d: %d of %d pairs delivered", k, r.Delivered, servers*(servers-1))
		}
	}
}

func TestWalkCrossPod(t *testing.T) {
	f := build(t, 4)
	v := New(f.topo, f.plan, f.routes, WithSelector(ecmp.NewSelector(f.routes, ecmp.PolicyFirst)))

	p, err := v.Walk(f.node(t, "pod0.server0"), f.addr(t, "pod3.server3"), ecmp.FlowKey{})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{"pod0.server0", "pod0.access0", "pod0.aggr0", "core0", "pod3.aggr0", "pod3.access1"}
	if len(p.Hops) != len(want) {
		t.Fatalf("expected %d hops, got %d: %+v", len(want), len(p.Hops), p.Hops)
	}
	for i, w := range want {
		if p.Hops[i].Name != w {
			t.Errorf("hop %d: got %s, want %s", i, p.Hops[i].Name, w)
		}
	}
	if p.Delivered != f.node(t, "pod3.server3") {
		t.Errorf("delivered to %d", p.Delivered)
	}
	if !p.Hops[len(p.Hops)-1].Connected || p.Hops[0].Prefix != routing.DefaultRoute {
		t.Errorf("unexpected first/last hop: %+v / %+v", p.Hops[0], p.Hops[len(p.Hops)-1])
	}
	if v.Switches(p) != 5 || len(p.Nodes()) != 7 {
		t.Errorf("expected 5 switches over 7 nodes, got %d over %d", v.Switches(p), len(p.Nodes()))
	}
}

func TestWalkToSwitchAddress(t *testing.T) {
	f := build(t, 4)
	v := New(f.topo, f.plan, f.routes)

	// A switch's own uplink address is reached through the connected /30.
	acc := f.node(t, "pod1.access0")
	a, _ := f.plan.ByKey(network.LinkKey{Kind: network.LinkAccessAggregation, Pod: 1, Index: 0})
	p, err := v.Walk(acc, a.B, ecmp.FlowKey{})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if p.Delivered != f.node(t, "pod1.aggr0") || len(p.Hops) != 1 {
		t.Errorf("expected one connected hop to pod1.aggr0, got %+v", p)
	}
}

func TestHopBound(t *testing.T) {
	f := build(t, 4)
	v := New(f.topo, f.plan, f.routes)

	tests := []struct {
		src, dst string
		want     int
	}{
		{"pod0.server0", "pod0.server1", 1},
		{"pod0.server0", "pod0.server2", 3},
		{"pod0.server0", "pod2.server0", 5},
	}
	for _, tt := range tests {
		got, err := v.HopBound(f.node(t, tt.src), f.node(t, tt.dst))
		if err != nil || got != tt.want {
			t.Errorf("HopBound(%s, %s) = %d, %v; want %d", tt.src, tt.dst, got, err, tt.want)
		}
		sw, err := v.ShortestSwitches(f.node(t, tt.src), f.node(t, tt.dst))
		if err != nil || sw != tt.want {
			t.Errorf("ShortestSwitches(%s, %s) = %d, %v; want %d", tt.src, tt.dst, sw, err, tt.want)
		}
	}
	if _, err := v.HopBound(f.node(t, "core0"), f.node(t, "pod0.server0")); err == nil {
		t.Error("expected error for a switch endpoint")
	}
}

func TestDetectsBlackhole(t *testing.T) {
	f := build(t, 4)

	var kept []*routing.Table
	for _, tbl := range f.routes.Tables() {
		n, _ := f.topo.Node(tbl.Node)
		if n.Role != network.RoleCore {
			kept = append(kept, tbl)
		}
	}
	routes, err := routing.NewRoutes(kept)
	if err != nil {
		t.Fatal(err)
	}

	v := New(f.topo, f.plan, routes)
	if _, err := v.Walk(f.node(t, "pod0.server0"), f.addr(t, "pod1.server0"), ecmp.FlowKey{}); !errors.Is(err, ErrBlackhole) {
		t.Errorf("expected ErrBlackhole, got %v", err)
	}
	r := v.CheckAll()
	if !errors.Is(r.Err(), ErrBlackhole) {
		t.Errorf("expected CheckAll to report black holes, got %v", r.Err())
	}
	// Pairs inside one pod never touch a core switch.
	if r.Delivered != 16*3 {
		t.Errorf("expected 48 intra-pod pairs delivered, got %d", r.Delivered)
	}
}

func TestDetectsLoop(t *testing.T) {
	f := build(t, 4)
	aggr := f.node(t, "pod0.aggr0")
	acc0 := f.node(t, "pod0.access0")

	// Point pod0.aggr0's route for access1's servers back at access0, which
	// sends them up to pod0.aggr0 again.
	down := f.topo.Neighbors(aggr, network.RoleAccess)[0]
	back, _ := f.plan.Addr(down.Remote)
	tbl, _ := f.routes.Table(aggr)
	for i := range tbl.Entries {
		if tbl.Entries[i].Prefix == ipam.AccessAggregate(0, 1) {
			tbl.Entries[i].NextHops = []routing.NextHop{{Addr: back, Interface: down.Local.Port, Neighbor: acc0}}
		}
	}

	v := New(f.topo, f.plan, f.routes, WithSelector(ecmp.NewSelector(f.routes, ecmp.PolicyFirst)))
	_, err := v.Walk(acc0, f.addr(t, "pod0.server2"), ecmp.FlowKey{})
	if !errors.Is(err, ErrLoop) {
		t.Errorf("expected ErrLoop, got %v", err)
	}
}

func TestDetectsNonAdjacentNextHop(t *testing.T) {
	f := build(t, 4)
	srv := f.node(t, "pod0.server0")
	tbl, _ := f.routes.Table(srv)
	tbl.Entries[0].NextHops[0].Addr = netip.MustParseAddr("10.0.1.2")

	v := New(f.topo, f.plan, f.routes)
	if _, err := v.Walk(srv, f.addr(t, "pod1.server0"), ecmp.FlowKey{}); !errors.Is(err, ErrNotAdjacent) {
		t.Errorf("expected ErrNotAdjacent, got %v", err)
	}
}

func TestHopLimit(t *testing.T) {
	f := build(t, 4)
	v := New(f.topo, f.plan, f.routes, WithMaxHops(3))
	if _, err := v.Walk(f.node(t, "pod0.server0"), f.addr(t, "pod2.server0"), ecmp.FlowKey{}); !errors.Is(err, ErrHopLimit) {
		t.Errorf("expected ErrHopLimit, got %v", err)
	}
}

func TestReportErr(t *testing.T) {
	if err := (Report{Pairs: 2, Delivered: 2}).Err(); err != nil {
		t.Errorf("clean report returned %v", err)
	}
	for _, want := range []error{ErrBlackhole, ErrLoop, ErrHopLimit, ErrNotAdjacent} {
		r := Report{Pairs: 1, Failures: []Failure{{Src: 1, Dst: 2, Err: want}}}
		if !errors.Is(r.Err(), want) {
			t.Errorf("Report.Err() = %v, does not match %v", r.Err(), want)
		}
	}
}
