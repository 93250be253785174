package ecmp

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/iti/rngstream"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/routing"
)

const (
	protoTCP = 6
	protoUDP = 17

	ephemeralLow  = 1024
	ephemeralHigh = 65535
)

// The master seed is package state in rngstream; seeding and stream
// creation must happen as one step to be reproducible.
var streamMu sync.Mutex

// SampleFlows returns n synthetic flows from src to dst. The same seed and
// name always produce the same flows.
func SampleFlows(seed uint64, name string, src, dst netip.Addr, n int) []FlowKey {
	streamMu.Lock()
	rngstream.SetRngStreamMasterSeed(seed)
	rng := rngstream.New(name)
	streamMu.Unlock()

	flows := make([]FlowKey, 0, n)
	for i := 0; i < n; i++ {
		proto := uint8(protoTCP)
		if rng.RandU01() < 0.25 {
			proto = protoUDP
		}
		flows = append(flows, FlowKey{
			Src:     src,
			Dst:     dst,
			SrcPort: port(rng.RandU01()),
			DstPort: port(rng.RandU01()),
			Proto:   proto,
		})
	}
	return flows
}

func port(u float64) uint16 {
	p := ephemeralLow + int(u*float64(ephemeralHigh-ephemeralLow+1))
	if p > ephemeralHigh {
		p = ephemeralHigh
	}
	return uint16(p)
}

// Bucket is the share of a flow sample one candidate received.
type Bucket struct {
	NextHop routing.NextHop `json:"nextHop" yaml:"nextHop"`
	Flows   int             `json:"flows" yaml:"flows"`
}

// Spread sends every flow through s at node and counts the flows each
// candidate of the route to dst receives, in candidate order.
func Spread(s *Selector, node network.NodeID, dst netip.Addr, flows []FlowKey) ([]Bucket, error) {
	if s.routes == nil {
		return nil, fmt.Errorf("%w: selector has no routes", network.ErrConfiguration)
	}
	e, err := s.routes.Lookup(node, dst)
	if err != nil {
		return nil, err
	}
	buckets := make([]Bucket, len(e.NextHops))
	index := make(map[netip.Addr]int, len(e.NextHops))
	for i, nh := range e.NextHops {
		buckets[i].NextHop = nh
		index[nh.Addr] = i
	}
	for _, f := range flows {
		nh, err := s.Choose(node, dst, e.NextHops, f)
		if err != nil {
			return nil, err
		}
		buckets[index[nh.Addr]].Flows++
	}
	return buckets, nil
}
