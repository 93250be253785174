package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/glennswest/fatplan/pkg/export"
	"github.com/glennswest/fatplan/pkg/fabric"
	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/routing"
)

func newPlanCmd(a *app) *cobra.Command {
	var flags struct {
		export string
		format string
		links  bool
	}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Derive the address plan and print or export it",
		Long: `'plan' derives the /30 of every link and synthesizes every route table.

Without --export it prints the link plan. With --export the whole fabric
(descriptor, links and tables) is written as YAML or JSON, picked by the
file extension. --format prints the document to stdout instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if flags.export != "" {
				a.cfg.Export.Path = flags.export
			}
			mgr, f, err := a.build(nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if flags.format != "" {
				format, err := export.ParseFormat(flags.format)
				if err != nil {
					return err
				}
				d, err := mgr.Document(f)
				if err != nil {
					return err
				}
				return d.Encode(out, format)
			}
			if err := mgr.Export(f); err != nil {
				return err
			}
			if a.cfg.Export.Path != "" && !flags.links {
				fmt.Fprintf(out, "plan %s: %d links, %d tables written to %s\n",
					f.Plan.ID(), f.Plan.Len(), f.Routes.Len(), a.cfg.Export.Path)
				return nil
			}
			renderPlan(out, f)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.export, "export", "o", "", "write the fabric document to this file")
	cmd.Flags().StringVar(&flags.format, "format", "", "print the fabric document to stdout (yaml or json)")
	cmd.Flags().BoolVar(&flags.links, "links", false, "print the link plan even when exporting")
	return cmd
}

func newRoutesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "routes [node...]",
		Short: "Print route tables",
		Long: `'routes' prints the route table of each named node, or of every node.
Nodes are given by name (pod0.aggr1, core2) or numeric id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			_, f, err := a.build(nil)
			if err != nil {
				return err
			}
			tables := f.Routes.Tables()
			if len(args) > 0 {
				tables = tables[:0:0]
				for _, arg := range args {
					n, err := f.ResolveNode(arg)
					if err != nil {
						return err
					}
					t, ok := f.Routes.Table(n.ID)
					if !ok {
						return fmt.Errorf("node %s has no route table", n.Name)
					}
					tables = append(tables, t)
				}
			}
			out := cmd.OutOrStdout()
			for i, t := range tables {
				if i > 0 {
					fmt.Fprintln(out)
				}
				renderTable(out, f, t)
			}
			return nil
		},
	}
}

// ─── Rendering ──────────────────────────────────────────────────────────────

func newWriter(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func renderPlan(w io.Writer, f *fabric.Fabric) {
	fmt.Fprintf(w, "plan %s  k=%d  nodes=%d  links=%d\n\n",
		f.Plan.ID(), f.Topology.K(), f.Topology.NodeCount(), f.Topology.LinkCount())
	table := newWriter(w, "LINK", "KIND", "POD", "A", "B", "SUBNET", "ADDR A", "ADDR B")
	for _, as := range f.Plan.Assignments() {
		l, err := f.Topology.Link(as.Link)
		if err != nil {
			continue
		}
		table.Append([]string{
			strconv.Itoa(int(l.ID)),
			l.Key.Kind.String(),
			strconv.Itoa(l.Key.Pod),
			endpoint(f, l.A),
			endpoint(f, l.B),
			as.Subnet.String(),
			as.A.String(),
			as.B.String(),
		})
	}
	table.Render()
}

func renderTable(w io.Writer, f *fabric.Fabric, t *routing.Table) {
	n, _ := f.Topology.Node(t.Node)
	fmt.Fprintf(w, "%s (%s, %d routes)\n", n.Name, n.Role, t.Len())
	table := newWriter(w, "DESTINATION", "MASK", "NEXT HOP", "INTERFACE", "NEIGHBOR")
	for _, e := range t.Entries {
		for i, nh := range e.NextHops {
			dst, mask := e.Prefix.String(), e.Mask().String()
			if i > 0 {
				dst, mask = "", ""
			}
			table.Append([]string{dst, mask, nh.Addr.String(), nh.Interface.String(), nodeName(f, nh.Neighbor)})
		}
	}
	table.Render()
}

func endpoint(f *fabric.Fabric, ep network.Endpoint) string {
	return nodeName(f, ep.Node) + ":" + ep.Port.String()
}

func nodeName(f *fabric.Fabric, id network.NodeID) string {
	n, err := f.Topology.Node(id)
	if err != nil {
		return strconv.Itoa(int(id))
	}
	return n.Name
}

func joinHops(hops []routing.NextHop) string {
	parts := make([]string, 0, len(hops))
	for _, h := range hops {
		parts = append(parts, h.String())
	}
	return strings.Join(parts, ", ")
}
