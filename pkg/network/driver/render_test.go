package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/routing"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

type recordingDriver struct {
	name   string
	routes []network.DriverRoute
	err    error
}

func (d *recordingDriver) NodeName() string { return d.name }

func (d *recordingDriver) ReplaceRoutes(_ context.Context, routes []network.DriverRoute) error {
	d.routes = routes
	return d.err
}

func aggregationTable(t *testing.T) *routing.Table {
	t.Helper()
	topo, err := topology.New(4)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := ipam.Assign(topo)
	if err != nil {
		t.Fatal(err)
	}
	routes, err := routing.Synthesize(topo, plan)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := topo.Aggregation(0, 0)
	tbl, ok := routes.Table(id)
	if !ok {
		t.Fatal("pod0.aggr0 has no table")
	}
	return tbl
}

func TestRender(t *testing.T) {
	tbl := aggregationTable(t)
	got := Render(tbl)

	if len(got) != len(tbl.Entries) {
		t.Fatalf("rendered %d routes from %d entries", len(got), len(tbl.Entries))
	}
	for i, r := range got {
		e := tbl.Entries[i]
		if r.Prefix != e.Prefix || len(r.Gateways) != len(e.NextHops) {
			t.Fatalf("route %d: %s with %d gateways, entry %s with %d next hops",
				i, r.Prefix, len(r.Gateways), e.Prefix, len(e.NextHops))
		}
		for j, gw := range r.Gateways {
			if gw.Addr != e.NextHops[j].Addr || gw.Port != e.NextHops[j].Interface {
				t.Errorf("route %s gateway %d: %s on %s, want %s", r.Prefix, j, gw.Addr, gw.Port, e.NextHops[j])
			}
		}
	}
	if multi := got[len(got)-1]; len(multi.Gateways) != 2 {
		t.Errorf("expected the last /16 to keep both candidates, got %d", len(multi.Gateways))
	}
}

func TestApply(t *testing.T) {
	tbl := aggregationTable(t)

	d := &recordingDriver{name: "pod0.aggr0"}
	if err := Apply(context.Background(), d, tbl); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := Render(tbl)
	if len(d.routes) != len(want) {
		t.Fatalf("driver received %d routes, want %d", len(d.routes), len(want))
	}
	for i := range want {
		if !sameRoute(want[i], d.routes[i]) {
			t.Errorf("route %d: got %+v, want %+v", i, d.routes[i], want[i])
		}
	}

	d.err = network.ErrNotSupported
	if err := Apply(context.Background(), d, tbl); !errors.Is(err, network.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func sameRoute(a, b network.DriverRoute) bool {
	if a.Prefix != b.Prefix || len(a.Gateways) != len(b.Gateways) {
		return false
	}
	for i := range a.Gateways {
		if a.Gateways[i] != b.Gateways[i] {
			return false
		}
	}
	return true
}

func TestParseInterfaceMap(t *testing.T) {
	got, err := ParseInterfaceMap("1=eth0, if2=eth1,4=sfp-sfpplus1")
	if err != nil {
		t.Fatalf("ParseInterfaceMap: %v", err)
	}
	want := map[network.PortID]string{1: "eth0", 2: "eth1", 4: "sfp-sfpplus1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseInterfaceMap (-want +got):\n%s", diff)
	}

	if m, err := ParseInterfaceMap(""); err != nil || len(m) != 0 {
		t.Errorf("empty map: %v, %v", m, err)
	}

	for _, bad := range []string{"eth0", "0=eth0", "x=eth0", "1=", "1=a,1=b"} {
		if _, err := ParseInterfaceMap(bad); !errors.Is(err, network.ErrConfiguration) {
			t.Errorf("ParseInterfaceMap(%q): expected ErrConfiguration, got %v", bad, err)
		}
	}
}
