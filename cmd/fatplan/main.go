// fatplan: address planning, route synthesis and multipath inspection for
// k-ary fat-tree fabrics.
//
// Every command derives the fabric from the configuration (k or a topology
// descriptor) the same way, so the output of one run can be compared with
// the next:
//
//	fatplan plan --k 4 --export fabric.yaml
//	fatplan routes pod0.aggr0
//	fatplan trace pod0.server0 pod3.server3
//	fatplan verify --baseline fabric.yaml
//	fatplan serve --listen :8080
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/glennswest/fatplan/pkg/config"
	"github.com/glennswest/fatplan/pkg/fabric"
	"github.com/glennswest/fatplan/pkg/metrics"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// app carries the state shared by every command.
type app struct {
	configPath string
	k          int
	descriptor string
	policy     string
	logLevel   string

	cfg config.Config
	log *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "Fat-tree address planner and route synthesizer",
		Args:  cobra.NoArgs,
		// Errors are printed by main.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default $"+config.EnvConfig+")")
	pf.IntVar(&a.k, "k", 0, "fat-tree size, overrides fabric.k")
	pf.StringVar(&a.descriptor, "descriptor", "", "topology descriptor, overrides fabric.descriptor")
	pf.StringVarP(&a.policy, "policy", "p", "", "multipath policy: round-robin, hash, random or first")
	pf.StringVar(&a.logLevel, "log-level", "", "log level, overrides logging.level")

	root.AddCommand(
		newVersionCmd(),
		newPlanCmd(a),
		newRoutesCmd(a),
		newLookupCmd(a),
		newTraceCmd(a),
		newBalanceCmd(a),
		newVerifyCmd(a),
		newApplyCmd(a),
		newServeCmd(a),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the fatplan version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fatplan %s\n", version)
			return nil
		},
	}
}

// load reads the config and applies the flags that were set explicitly.
func (a *app) load(flags *pflag.FlagSet) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if flags.Changed("k") {
		cfg.Fabric.K = a.k
		cfg.Fabric.Descriptor = ""
	}
	if flags.Changed("descriptor") {
		cfg.Fabric.Descriptor = a.descriptor
	}
	if flags.Changed("policy") {
		p, err := ecmp.ParsePolicy(a.policy)
		if err != nil {
			return err
		}
		cfg.Multipath.Policy = p
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	a.log.Debugw("starting fatplan", "version", version, "k", cfg.Fabric.K, "policy", cfg.Multipath.Policy)
	return nil
}

// build derives the fabric. m may be nil.
func (a *app) build(m *metrics.Collector) (*fabric.Manager, *fabric.Fabric, error) {
	mgr := fabric.NewManager(a.cfg, m, a.log)
	f, err := mgr.Build()
	if err != nil {
		return nil, nil, err
	}
	return mgr, f, nil
}
