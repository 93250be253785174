package main

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/glennswest/fatplan/pkg/fabric"
	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
	"github.com/glennswest/fatplan/pkg/network/verify"
)

// flowFlags are the optional 5-tuple fields of a query.
type flowFlags struct {
	src   string
	sport uint16
	dport uint16
	proto uint8
}

func (ff *flowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ff.src, "src", "", "flow source address or node (default: the querying node)")
	cmd.Flags().Uint16Var(&ff.sport, "sport", 49152, "flow source port")
	cmd.Flags().Uint16Var(&ff.dport, "dport", 9, "flow destination port")
	cmd.Flags().Uint8Var(&ff.proto, "proto", 6, "flow IP protocol")
}

func (ff *flowFlags) flow(f *fabric.Fabric, node network.NodeID, dst netip.Addr) (ecmp.FlowKey, error) {
	flow := ecmp.FlowKey{Dst: dst, SrcPort: ff.sport, DstPort: ff.dport, Proto: ff.proto}
	if ff.src != "" {
		a, err := f.ResolveAddr(ff.src)
		if err != nil {
			return flow, err
		}
		flow.Src = a
	} else if a, ok := f.Plan.Primary(node); ok {
		flow.Src = a
	}
	return flow, nil
}

func newLookupCmd(a *app) *cobra.Command {
	var ff flowFlags
	cmd := &cobra.Command{
		Use:   "lookup <node> <dst>",
		Short: "Resolve a node's route to a destination and pick a next hop",
		Long: `'lookup' finds the longest matching route of <node> for <dst> and lets the
configured multipath policy pick one candidate for the flow. <dst> is an
IPv4 address or a node name.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mgr, f, err := a.build(nil)
			if err != nil {
				return err
			}
			n, err := f.ResolveNode(args[0])
			if err != nil {
				return err
			}
			dst, err := f.ResolveAddr(args[1])
			if err != nil {
				return err
			}
			flow, err := ff.flow(f, n.ID, dst)
			if err != nil {
				return err
			}
			e, err := f.Routes.Lookup(n.ID, dst)
			if err != nil {
				return err
			}
			sel := mgr.Selector(f)
			nh, err := sel.Choose(n.ID, dst, e.NextHops, flow)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node:       %s\n", n.Name)
			fmt.Fprintf(out, "route:      %s (mask %s)\n", e.Prefix, e.Mask())
			fmt.Fprintf(out, "candidates: %s\n", joinHops(e.NextHops))
			fmt.Fprintf(out, "flow:       %s\n", flow)
			fmt.Fprintf(out, "selected:   %s -> %s (%s)\n", nh, nodeName(f, nh.Neighbor), sel.Policy())
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

func newTraceCmd(a *app) *cobra.Command {
	var ff flowFlags
	cmd := &cobra.Command{
		Use:   "trace <src> <dst>",
		Short: "Forward one packet through the synthesized tables",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mgr, f, err := a.build(nil)
			if err != nil {
				return err
			}
			src, err := f.ResolveNode(args[0])
			if err != nil {
				return err
			}
			dst, err := f.ResolveAddr(args[1])
			if err != nil {
				return err
			}
			flow, err := ff.flow(f, src.ID, dst)
			if err != nil {
				return err
			}

			v := mgr.Verifier(f)
			p, err := v.Walk(src.ID, dst, flow)
			out := cmd.OutOrStdout()
			renderPath(cmd, f, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "delivered to %s after %d switches\n", nodeName(f, p.Delivered), v.Switches(p))
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

func renderPath(cmd *cobra.Command, f *fabric.Fabric, p verify.Path) {
	table := newWriter(cmd.OutOrStdout(), "#", "NODE", "MATCH", "NEXT HOP", "TO")
	for i, h := range p.Hops {
		match := "connected"
		if !h.Connected {
			match = h.Prefix.String()
		}
		table.Append([]string{strconv.Itoa(i), h.Name, match, h.NextHop.String(), nodeName(f, h.NextHop.Neighbor)})
	}
	table.Render()
}

func newBalanceCmd(a *app) *cobra.Command {
	var flags struct {
		flows int
		seed  uint64
	}
	cmd := &cobra.Command{
		Use:   "balance <node> <dst>",
		Short: "Spread a sample of synthetic flows over a route's candidates",
		Long: `'balance' generates a reproducible sample of flows from <node> towards <dst>
and reports how many flows each candidate of the matching route receives
under the configured policy.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !cmd.Flags().Changed("flows") {
				flags.flows = a.cfg.Multipath.Flows
			}
			if !cmd.Flags().Changed("seed") {
				flags.seed = a.cfg.Multipath.Seed
			}
			if flags.flows <= 0 {
				return fmt.Errorf("%w: --flows must be positive", network.ErrConfiguration)
			}

			mgr, f, err := a.build(nil)
			if err != nil {
				return err
			}
			n, err := f.ResolveNode(args[0])
			if err != nil {
				return err
			}
			dst, err := f.ResolveAddr(args[1])
			if err != nil {
				return err
			}
			src, _ := f.Plan.Primary(n.ID)
			flows := ecmp.SampleFlows(flags.seed, n.Name+"->"+dst.String(), src, dst, flags.flows)

			sel := mgr.Selector(f)
			buckets, err := ecmp.Spread(sel, n.ID, dst, flows)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d flows from %s to %s, policy %s, seed %d\n\n", len(flows), n.Name, dst, sel.Policy(), flags.seed)
			table := newWriter(out, "NEXT HOP", "NEIGHBOR", "FLOWS", "SHARE")
			for _, b := range buckets {
				table.Append([]string{
					b.NextHop.String(),
					nodeName(f, b.NextHop.Neighbor),
					strconv.Itoa(b.Flows),
					fmt.Sprintf("%.1f%%", 100*float64(b.Flows)/float64(len(flows))),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.flows, "flows", 0, "number of flows (default multipath.flows)")
	cmd.Flags().Uint64Var(&flags.seed, "seed", 0, "sample seed (default multipath.seed)")
	return cmd
}
