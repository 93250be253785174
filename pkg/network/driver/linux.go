//go:build linux

package driver

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	nw "github.com/glennswest/fatplan/pkg/network"
)

// Linux implements nw.RouteDriver using netlink syscalls. It programs the
// kernel of the host standing in for one fabric node.
type Linux struct {
	nodeName   string
	table      int
	interfaces map[nw.PortID]string
	log        *zap.SugaredLogger
}

// NewLinux returns a RouteDriver backed by Linux netlink. interfaces maps
// fabric ports to local interface names; table 0 selects the main table.
func NewLinux(nodeName string, interfaces map[nw.PortID]string, table int, log *zap.SugaredLogger) *Linux {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Linux{
		nodeName:   nodeName,
		table:      table,
		interfaces: interfaces,
		log:        log.Named("linux-driver"),
	}
}

// ─── Route Operations ───────────────────────────────────────────────────────

// ReplaceRoutes resolves the interface indexes and replaces each route.
func (d *Linux) ReplaceRoutes(ctx context.Context, routes []nw.DriverRoute) error {
	ifindex, err := d.resolve()
	if err != nil {
		return err
	}
	nlRoutes, err := ToNetlink(routes, ifindex, d.table)
	if err != nil {
		return err
	}
	for i := range nlRoutes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := netlink.RouteReplace(&nlRoutes[i]); err != nil {
			return fmt.Errorf("netlink route replace %s: %w", routes[i].Prefix, err)
		}
	}
	d.log.Infow("routes replaced", "node", d.nodeName, "routes", len(nlRoutes), "table", d.table)
	return nil
}

func (d *Linux) resolve() (map[nw.PortID]int, error) {
	out := make(map[nw.PortID]int, len(d.interfaces))
	for port, name := range d.interfaces {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("netlink lookup %s: %w", name, err)
		}
		out[port] = link.Attrs().Index
	}
	return out, nil
}

// ToNetlink converts driver routes into netlink routes. Single-gateway
// routes set Gw and LinkIndex; multi-gateway routes carry one NexthopInfo
// per gateway. Every gateway port must be present in ifindex.
func ToNetlink(routes []nw.DriverRoute, ifindex map[nw.PortID]int, table int) ([]netlink.Route, error) {
	out := make([]netlink.Route, 0, len(routes))
	for _, r := range routes {
		if !r.Prefix.Addr().Is4() {
			return nil, fmt.Errorf("%w: %s is not IPv4", nw.ErrConfiguration, r.Prefix)
		}
		if len(r.Gateways) == 0 {
			return nil, fmt.Errorf("%w: %s has no gateway", nw.ErrConfiguration, r.Prefix)
		}
		dst := &net.IPNet{
			IP:   net.IP(r.Prefix.Masked().Addr().AsSlice()),
			Mask: net.CIDRMask(r.Prefix.Bits(), 32),
		}
		nl := netlink.Route{Dst: dst, Table: table}

		for _, gw := range r.Gateways {
			idx, ok := ifindex[gw.Port]
			if !ok {
				return nil, fmt.Errorf("%w: %s via %s: port %s has no interface", nw.ErrConfiguration, r.Prefix, gw.Addr, gw.Port)
			}
			if len(r.Gateways) == 1 {
				nl.Gw = net.IP(gw.Addr.AsSlice())
				nl.LinkIndex = idx
				break
			}
			nl.MultiPath = append(nl.MultiPath, &netlink.NexthopInfo{
				LinkIndex: idx,
				Gw:        net.IP(gw.Addr.AsSlice()),
			})
		}
		out = append(out, nl)
	}
	return out, nil
}

// ─── Introspection ──────────────────────────────────────────────────────────

func (d *Linux) NodeName() string {
	return d.nodeName
}

// Ensure Linux implements RouteDriver at compile time.
var _ nw.RouteDriver = (*Linux)(nil)
