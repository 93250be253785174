package network

import (
	"fmt"
	"strings"
)

// Role is the tier a node occupies in the fabric.
type Role int

const (
	RoleServer Role = iota
	RoleAccess
	RoleAggregation
	RoleCore
)

var roleNames = [...]string{"server", "access", "aggregation", "core"}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// ParseRole accepts the names produced by Role.String plus a few common aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "server", "host":
		return RoleServer, nil
	case "access", "edge", "tor":
		return RoleAccess, nil
	case "aggregation", "aggr", "agg":
		return RoleAggregation, nil
	case "core", "spine":
		return RoleCore, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrConfiguration, s)
}

// MarshalText implements encoding.TextMarshaler (used by yaml and json).
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Switch reports whether the role forwards traffic for others.
func (r Role) Switch() bool { return r != RoleServer }

// NodeID identifies a node. IDs come from the topology descriptor and are
// stable for the lifetime of a computation.
type NodeID int

// PortID is a 1-based interface number on a node. Zero means "default",
// i.e. let the forwarding engine pick the interface.
type PortID int

func (p PortID) String() string {
	if p == 0 {
		return "default"
	}
	return fmt.Sprintf("if%d", int(p))
}

// NoPod marks nodes that do not belong to a pod (core switches).
const NoPod = -1

// Node is a device in the fabric. Immutable after topology construction.
type Node struct {
	ID    NodeID `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Role  Role   `json:"role" yaml:"role"`
	Pod   int    `json:"pod" yaml:"pod"`     // NoPod for core switches
	Index int    `json:"index" yaml:"index"` // tier-local index (within the pod, or global for core)
}

// HasPod reports whether the node belongs to a pod.
func (n Node) HasPod() bool { return n.Pod != NoPod }

// DefaultName returns the canonical display name for a node identity.
func DefaultName(role Role, pod, index int) string {
	switch role {
	case RoleServer:
		return fmt.Sprintf("pod%d.server%d", pod, index)
	case RoleAccess:
		return fmt.Sprintf("pod%d.access%d", pod, index)
	case RoleAggregation:
		return fmt.Sprintf("pod%d.aggr%d", pod, index)
	default:
		return fmt.Sprintf("core%d", index)
	}
}

// Endpoint is one side of a point-to-point link.
type Endpoint struct {
	Node NodeID `json:"node" yaml:"node"`
	Port PortID `json:"port" yaml:"port"`
}

// LinkKind classifies a link by the tiers it joins.
type LinkKind int

const (
	LinkServerAccess LinkKind = iota
	LinkAccessAggregation
	LinkAggregationCore
)

var linkKindNames = [...]string{"server-access", "access-aggregation", "aggregation-core"}

func (k LinkKind) String() string {
	if k < 0 || int(k) >= len(linkKindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return linkKindNames[k]
}

// ParseLinkKind is the inverse of LinkKind.String.
func ParseLinkKind(s string) (LinkKind, error) {
	for i, name := range linkKindNames {
		if name == s {
			return LinkKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown link kind %q", ErrConfiguration, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k LinkKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *LinkKind) UnmarshalText(b []byte) error {
	v, err := ParseLinkKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// LinkKey is the typed (pod, tier, index) identity of a link. Index is the
// server index within the pod for server links, access*(k/2)+aggr for
// access-aggregation links, and the global install sequence for core links.
type LinkKey struct {
	Kind  LinkKind `json:"kind" yaml:"kind"`
	Pod   int      `json:"pod" yaml:"pod"`
	Index int      `json:"index" yaml:"index"`
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s/pod%d/%d", k.Kind, k.Pod, k.Index)
}

// LinkID identifies a link; IDs are dense and follow install order.
type LinkID int

// LinkProfile describes physical link characteristics. The core does not
// interpret them; they are carried through for the simulation harness.
type LinkProfile struct {
	DataRate  string `json:"dataRate,omitempty" yaml:"dataRate,omitempty"`   // e.g. "40Gbps"
	Delay     string `json:"delay,omitempty" yaml:"delay,omitempty"`         // e.g. "50ns"
	QueueSize int    `json:"queueSize,omitempty" yaml:"queueSize,omitempty"` // packets, 0 = engine default
}

// Link is a point-to-point connection. A is always the lower-tier endpoint.
type Link struct {
	ID      LinkID      `json:"id" yaml:"id"`
	Key     LinkKey     `json:"key" yaml:"key"`
	A       Endpoint    `json:"a" yaml:"a"`
	B       Endpoint    `json:"b" yaml:"b"`
	Profile LinkProfile `json:"profile" yaml:"profile"`
}

// Other returns the endpoint opposite to node, and false if node is not on the link.
func (l Link) Other(node NodeID) (Endpoint, bool) {
	switch node {
	case l.A.Node:
		return l.B, true
	case l.B.Node:
		return l.A, true
	}
	return Endpoint{}, false
}

// Local returns node's own endpoint on the link.
func (l Link) Local(node NodeID) (Endpoint, bool) {
	switch node {
	case l.A.Node:
		return l.A, true
	case l.B.Node:
		return l.B, true
	}
	return Endpoint{}, false
}
