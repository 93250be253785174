package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/glennswest/fatplan/pkg/export"
	"github.com/glennswest/fatplan/pkg/fabric"
)

func newVerifyCmd(a *app) *cobra.Command {
	var flags struct {
		baseline string
	}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check all-pairs server reachability through the synthesized tables",
		Long: `'verify' forwards one probe between every ordered pair of servers. A probe
must reach its destination without revisiting a node, within 1 switch under
one access switch, 3 inside a pod and 5 across pods.

With --baseline a previously exported document is restored, its own tables
are checked the same way, and every table that changed since is reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			mgr, f, err := a.build(nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			r := mgr.Verify(f)
			fmt.Fprintf(out, "%d of %d server pairs delivered (policy %s)\n\n", r.Delivered, r.Pairs, a.cfg.Multipath.Policy)
			switches := make([]int, 0, len(r.BySwitches))
			for s := range r.BySwitches {
				switches = append(switches, s)
			}
			sort.Ints(switches)
			table := newWriter(out, "SWITCHES", "PAIRS")
			for _, s := range switches {
				table.Append([]string{strconv.Itoa(s), strconv.Itoa(r.BySwitches[s])})
			}
			table.Render()
			for _, fl := range r.Failures {
				fmt.Fprintf(out, "FAIL %s -> %s: %v\n", nodeName(f, fl.Src), nodeName(f, fl.Dst), fl.Err)
			}
			if err := r.Err(); err != nil {
				return fmt.Errorf("%d pairs failed", len(r.Failures))
			}

			if flags.baseline == "" {
				return nil
			}
			base, err := export.Read(flags.baseline)
			if err != nil {
				return err
			}
			restored, err := fabric.Restore(base)
			if err != nil {
				return fmt.Errorf("baseline %s: %w", flags.baseline, err)
			}
			br := mgr.Verifier(restored).CheckAll()
			fmt.Fprintf(out, "\nbaseline: %d of %d server pairs delivered\n", br.Delivered, br.Pairs)
			if err := br.Err(); err != nil {
				return fmt.Errorf("baseline %s: %d pairs failed: %w", flags.baseline, len(br.Failures), err)
			}
			cur, err := mgr.Document(f)
			if err != nil {
				return err
			}
			diffs, err := export.Compare(base, cur)
			if err != nil {
				return err
			}
			if len(diffs) == 0 {
				fmt.Fprintf(out, "\nmatches baseline %s\n", flags.baseline)
				return nil
			}
			fmt.Fprintln(out)
			for _, d := range diffs {
				fmt.Fprintln(out, d)
			}
			return fmt.Errorf("%d differences from baseline %s", len(diffs), flags.baseline)
		},
	}
	cmd.Flags().StringVar(&flags.baseline, "baseline", "", "exported fabric document to compare against")
	return cmd
}
