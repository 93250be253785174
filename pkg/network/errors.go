package network

import (
	"errors"
	"fmt"
	"net/netip"
)

// Error taxonomy shared by planning and synthesis. All of them are
// deterministic: re-running with identical inputs yields the same error.
var (
	// ErrConfiguration means an input (address plan, descriptor, config) is
	// missing or inconsistent with the topology.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedTopology means the fabric is not a canonical k-ary fat-tree.
	ErrUnsupportedTopology = errors.New("unsupported topology")

	// ErrAddressSpaceExhausted means the address formulas cannot place every
	// link without wrapping or reuse.
	ErrAddressSpaceExhausted = errors.New("address space exhausted")

	// ErrRouteConflict means two synthesized routes for one node claim the
	// same prefix with different next hops.
	ErrRouteConflict = errors.New("route conflict")

	// ErrNotSupported is returned when a driver does not support an operation
	// on this platform.
	ErrNotSupported = errors.New("operation not supported by this driver")
)

// RouteConflictError describes a rejected route for one node.
type RouteConflictError struct {
	Node      NodeID
	Prefix    netip.Prefix
	Existing  netip.Addr
	Candidate netip.Addr
	Reason    string
}

func (e *RouteConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("route conflict on node %d for %s: %s", e.Node, e.Prefix, e.Reason)
	}
	return fmt.Sprintf("route conflict on node %d for %s: next hop %s already installed, refusing %s",
		e.Node, e.Prefix, e.Existing, e.Candidate)
}

// Unwrap lets errors.Is(err, ErrRouteConflict) match.
func (e *RouteConflictError) Unwrap() error { return ErrRouteConflict }
