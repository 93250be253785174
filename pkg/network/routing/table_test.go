package routing

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/glennswest/fatplan/pkg/network"
)

func nh(addr string, port int) NextHop {
	return NextHop{Addr: netip.MustParseAddr(addr), Interface: network.PortID(port), Neighbor: network.NodeID(port)}
}

func TestBuilderRejectsConflict(t *testing.T) {
	b := newBuilder(7)
	p := netip.MustParsePrefix("10.1.0.0/16")

	if err := b.add(p, nh("10.0.2.18", 3)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := b.add(p, nh("10.0.2.18", 3)); err != nil {
		t.Errorf("identical re-add: %v", err)
	}

	err := b.add(p, nh("10.0.3.18", 4))
	if !errors.Is(err, network.ErrRouteConflict) {
		t.Fatalf("expected ErrRouteConflict, got %v", err)
	}
	var rc *network.RouteConflictError
	if !errors.As(err, &rc) {
		t.Fatalf("expected *RouteConflictError, got %T", err)
	}
	if rc.Node != 7 || rc.Prefix != p || rc.Existing.String() != "10.0.2.18" || rc.Candidate.String() != "10.0.3.18" {
		t.Errorf("unexpected conflict detail %+v", rc)
	}

	// The first route survives.
	tbl := b.table()
	if tbl.Len() != 1 || tbl.Entries[0].NextHop().Addr.String() != "10.0.2.18" {
		t.Errorf("conflicting add overwrote the entry: %+v", tbl.Entries)
	}
}

func TestBuilderMultipath(t *testing.T) {
	b := newBuilder(1)
	p := netip.MustParsePrefix("10.3.0.0/16")

	if err := b.addMultipath(p, []NextHop{nh("10.10.0.18", 4), nh("10.10.0.2", 3)}); err != nil {
		t.Fatalf("addMultipath: %v", err)
	}
	if err := b.addMultipath(p, []NextHop{nh("10.10.0.2", 3), nh("10.10.0.34", 5)}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	tbl := b.table()
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tbl.Len())
	}
	e := tbl.Entries[0]
	want := []string{"10.10.0.2", "10.10.0.18", "10.10.0.34"}
	if len(e.NextHops) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(e.NextHops))
	}
	for i, w := range want {
		if e.NextHops[i].Addr.String() != w {
			t.Errorf("candidate %d: got %s, want %s", i, e.NextHops[i].Addr, w)
		}
	}

	if err := b.add(p, nh("10.10.0.2", 3)); !errors.Is(err, network.ErrRouteConflict) {
		t.Errorf("single over multipath: expected ErrRouteConflict, got %v", err)
	}
	if err := b.addMultipath(p, []NextHop{nh("10.10.0.2", 9)}); !errors.Is(err, network.ErrRouteConflict) {
		t.Errorf("same candidate on another port: expected ErrRouteConflict, got %v", err)
	}

	q := netip.MustParsePrefix("10.2.0.0/16")
	if err := b.add(q, nh("10.10.0.2", 3)); err != nil {
		t.Fatal(err)
	}
	if err := b.addMultipath(q, []NextHop{nh("10.10.0.18", 4)}); !errors.Is(err, network.ErrRouteConflict) {
		t.Errorf("multipath over single: expected ErrRouteConflict, got %v", err)
	}
	if err := b.addMultipath(netip.MustParsePrefix("10.4.0.0/16"), nil); !errors.Is(err, network.ErrUnsupportedTopology) {
		t.Errorf("empty candidate set: expected ErrUnsupportedTopology, got %v", err)
	}
}

func TestLookupLongestMatch(t *testing.T) {
	b := newBuilder(0)
	for _, r := range []struct {
		prefix string
		hop    NextHop
	}{
		{"0.0.0.0/0", nh("10.0.0.2", 1)},
		{"10.1.0.0/16", nh("10.0.2.18", 3)},
		{"10.1.1.0/24", nh("10.0.3.18", 4)},
	} {
		if err := b.add(netip.MustParsePrefix(r.prefix), r.hop); err != nil {
			t.Fatal(err)
		}
	}
	tbl := b.table()

	tests := []struct {
		dst    string
		prefix string
	}{
		{"10.1.1.5", "10.1.1.0/24"},
		{"10.1.0.5", "10.1.0.0/16"},
		{"10.2.0.1", "0.0.0.0/0"},
	}
	for _, tt := range tests {
		e, err := tbl.Lookup(netip.MustParseAddr(tt.dst))
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tt.dst, err)
		}
		if e.Prefix.String() != tt.prefix {
			t.Errorf("Lookup(%s) = %s, want %s", tt.dst, e.Prefix, tt.prefix)
		}
	}

	empty := newBuilder(0).table()
	if _, err := empty.Lookup(netip.MustParseAddr("10.0.0.1")); !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0/0":    "0.0.0.0",
		"10.0.0.0/16":  "255.255.0.0",
		"10.0.1.0/24":  "255.255.255.0",
		"10.0.0.16/30": "255.255.255.252",
	}
	for prefix, want := range tests {
		e := Entry{Prefix: netip.MustParsePrefix(prefix)}
		if got := e.Mask().String(); got != want {
			t.Errorf("Mask(%s) = %s, want %s", prefix, got, want)
		}
	}
}
