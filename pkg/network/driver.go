package network

import (
	"context"
	"net/netip"
)

// RouteDriver installs a node's synthesized forwarding state into a real
// forwarding plane (Linux kernel, emulator, etc).
type RouteDriver interface {
	// NodeName is the fabric node this driver programs.
	NodeName() string

	// ReplaceRoutes makes the device's table match routes. Entries not in
	// routes are left untouched.
	ReplaceRoutes(ctx context.Context, routes []DriverRoute) error
}

// DriverRoute is a backend-neutral route: a prefix and one or more gateways.
type DriverRoute struct {
	Prefix   netip.Prefix
	Gateways []DriverGateway
}

// DriverGateway is one next hop of a DriverRoute.
type DriverGateway struct {
	Addr netip.Addr
	Port PortID
}
