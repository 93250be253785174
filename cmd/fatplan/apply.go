package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glennswest/fatplan/pkg/fabric"
	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/driver"
)

func newApplyCmd(a *app) *cobra.Command {
	var flags struct {
		node     string
		ifmap    string
		driver   string
		dryRun   bool
		state    string
		interval time.Duration
	}
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Install one node's route table on a device",
		Long: `'apply' programs the route table of --node through a driver: the Linux
kernel via netlink, or a RouterOS device via its REST API. --ifmap maps the
node's fabric ports to device interfaces, e.g. "1=eth0,2=eth1".

With --dry-run the routes are only printed. With --interval the table is
re-applied on every tick until interrupted. --state records the plan last
installed on the node.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if flags.node == "" {
				return fmt.Errorf("%w: --node is required", network.ErrConfiguration)
			}
			kind := a.cfg.Driver.Kind
			if flags.driver != "" {
				kind = flags.driver
			}
			ifmap, err := driver.ParseInterfaceMap(flags.ifmap)
			if err != nil {
				return err
			}

			mgr, f, err := a.build(nil)
			if err != nil {
				return err
			}
			n, err := f.ResolveNode(flags.node)
			if err != nil {
				return err
			}
			t, ok := f.Routes.Table(n.ID)
			if !ok {
				return fmt.Errorf("node %s has no route table", n.Name)
			}

			if flags.dryRun {
				renderTable(cmd.OutOrStdout(), f, t)
				return nil
			}

			var d network.RouteDriver
			switch kind {
			case "linux":
				d = driver.NewLinux(n.Name, ifmap, a.cfg.Driver.Table, a.log)
			case "routeros":
				d, err = driver.NewRouterOS(a.cfg.Driver.RouterOS, n.Name, ifmap, a.log)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: unknown driver %q", network.ErrConfiguration, kind)
			}

			r, err := fabric.NewReconciler(mgr, []network.RouteDriver{d}, fabric.ReconcilerOpts{
				Interval:  flags.interval,
				StatePath: flags.state,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if flags.interval > 0 {
				r.Run(ctx)
				return nil
			}
			if err := r.Reconcile(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d routes applied via %s\n", n.Name, t.Len(), kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.node, "node", "", "node whose table to install (name or id)")
	cmd.Flags().StringVar(&flags.ifmap, "ifmap", "", "port to interface mapping, e.g. 1=eth0,2=eth1")
	cmd.Flags().StringVar(&flags.driver, "driver", "", "linux or routeros (default driver.kind)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "print the routes instead of installing them")
	cmd.Flags().StringVar(&flags.state, "state", "", "file recording the applied plan per node")
	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "re-apply on this interval until interrupted")
	return cmd
}
