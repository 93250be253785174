package verify

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
)

// Probe ports of the flows used for all-pairs checks.
const (
	probeSrcPort = 49152
	probeDstPort = 9
	probeProto   = 6
)

// Failure is one server pair that did not verify.
type Failure struct {
	Src network.NodeID `json:"src" yaml:"src"`
	Dst network.NodeID `json:"dst" yaml:"dst"`
	Err error          `json:"-" yaml:"-"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%d -> %d: %v", f.Src, f.Dst, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Report summarizes an all-pairs check.
type Report struct {
	Pairs      int         `json:"pairs" yaml:"pairs"`
	Delivered  int         `json:"delivered" yaml:"delivered"`
	BySwitches map[int]int `json:"bySwitches" yaml:"bySwitches"` // switches crossed -> pairs
	Failures   []Failure   `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Err joins every failure, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// CheckAll forwards one probe between every ordered pair of distinct
// servers. Each probe must be delivered to its destination without
// revisiting a node, within HopBound switches, and on a path no longer than
// the graph's shortest path.
func (v *Verifier) CheckAll() Report {
	servers := v.topo.NodesByRole(network.RoleServer)
	r := Report{BySwitches: make(map[int]int)}

	for _, src := range servers {
		srcAddr, ok := v.plan.Primary(src.ID)
		if !ok {
			r.Failures = append(r.Failures, Failure{Src: src.ID, Err: fmt.Errorf("%w: server %s has no address", network.ErrConfiguration, src.Name)})
			continue
		}
		for _, dst := range servers {
			if dst.ID == src.ID {
				continue
			}
			r.Pairs++
			if err := v.checkPair(src.ID, dst.ID, srcAddr, &r); err != nil {
				r.Failures = append(r.Failures, Failure{Src: src.ID, Dst: dst.ID, Err: err})
			}
		}
	}

	v.log.Infow("All-pairs check finished",
		"pairs", r.Pairs,
		"delivered", r.Delivered,
		"failures", len(r.Failures),
		"policy", v.sel.Policy(),
	)
	return r
}

func (v *Verifier) checkPair(src, dst network.NodeID, srcAddr netip.Addr, r *Report) error {
	dstAddr, ok := v.plan.Primary(dst)
	if !ok {
		return fmt.Errorf("%w: server %d has no address", network.ErrConfiguration, dst)
	}
	flow := ecmp.FlowKey{Src: srcAddr, Dst: dstAddr, SrcPort: probeSrcPort, DstPort: probeDstPort, Proto: probeProto}

	p, err := v.Walk(src, dstAddr, flow)
	if err != nil {
		return err
	}
	if p.Delivered != dst {
		return fmt.Errorf("%s -> %s delivered to node %d", srcAddr, dstAddr, p.Delivered)
	}

	switches := v.Switches(p)
	bound, err := v.HopBound(src, dst)
	if err != nil {
		return err
	}
	if switches > bound {
		return fmt.Errorf("%s -> %s crossed %d switches, bound %d: %w", srcAddr, dstAddr, switches, bound, ErrHopLimit)
	}
	shortest, err := v.ShortestSwitches(src, dst)
	if err != nil {
		return err
	}
	if switches != shortest {
		return fmt.Errorf("%s -> %s crossed %d switches, shortest path has %d: %w",
			srcAddr, dstAddr, switches, shortest, ErrHopLimit)
	}

	r.Delivered++
	r.BySwitches[switches]++
	return nil
}
