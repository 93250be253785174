package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/routing"
)

// Render turns a route table into backend-neutral driver routes, keeping the
// table's order and the candidate order of multipath entries.
func Render(t *routing.Table) []network.DriverRoute {
	out := make([]network.DriverRoute, 0, len(t.Entries))
	for _, e := range t.Entries {
		r := network.DriverRoute{Prefix: e.Prefix, Gateways: make([]network.DriverGateway, 0, len(e.NextHops))}
		for _, nh := range e.NextHops {
			r.Gateways = append(r.Gateways, network.DriverGateway{Addr: nh.Addr, Port: nh.Interface})
		}
		out = append(out, r)
	}
	return out
}

// Apply renders t and hands it to d.
func Apply(ctx context.Context, d network.RouteDriver, t *routing.Table) error {
	if err := d.ReplaceRoutes(ctx, Render(t)); err != nil {
		return fmt.Errorf("%s: %w", d.NodeName(), err)
	}
	return nil
}

// ParseInterfaceMap parses "1=eth0,2=eth1" into a port to interface name
// map.
func ParseInterfaceMap(s string) (map[network.PortID]string, error) {
	out := make(map[network.PortID]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		port, name, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: interface mapping %q is not port=name", network.ErrConfiguration, pair)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(port, "if"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid port %q", network.ErrConfiguration, port)
		}
		if _, dup := out[network.PortID(n)]; dup {
			return nil, fmt.Errorf("%w: port %d mapped twice", network.ErrConfiguration, n)
		}
		out[network.PortID(n)] = name
	}
	return out, nil
}
