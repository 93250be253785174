package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/driver"
)

// ReconcilerOpts configures the reconciliation loop.
type ReconcilerOpts struct {
	Interval  time.Duration // how often to reconcile (default 30s)
	StatePath string        // applied state file; empty keeps it in memory
}

// Reconciler keeps a set of devices programmed with the manager's current
// route tables. Each driver names the fabric node it programs.
type Reconciler struct {
	mgr      *Manager
	drivers  []network.RouteDriver
	state    *stateStore
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewReconciler creates a reconciler and loads any previously applied state.
func NewReconciler(mgr *Manager, drivers []network.RouteDriver, opts ReconcilerOpts) (*Reconciler, error) {
	interval := opts.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: negative reconcile interval %s", network.ErrConfiguration, interval)
	}

	st := newStateStore(opts.StatePath)
	if err := st.load(); err != nil {
		return nil, fmt.Errorf("loading applied state: %w", err)
	}
	return &Reconciler{
		mgr:      mgr,
		drivers:  drivers,
		state:    st,
		interval: interval,
		log:      mgr.log.Named("reconciler"),
	}, nil
}

// Applied returns the last successful install recorded for node.
func (r *Reconciler) Applied(node string) (AppliedNode, bool) {
	return r.state.node(node)
}

// Reconcile installs the current fabric's table on every driver's node.
// A failing device does not stop the others; all failures are joined.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	f := r.mgr.Current()
	if f == nil {
		return errors.New("no fabric built")
	}
	planID := f.Plan.ID().String()

	var errs []error
	applied := 0
	for _, d := range r.drivers {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.NodeName()
		n, err := f.Topology.NodeByName(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		t, ok := f.Routes.Table(n.ID)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no route table", name))
			continue
		}

		if prev, ok := r.state.node(name); ok && prev.PlanID != planID {
			r.log.Infow("plan changed", "node", name, "from", prev.PlanID, "to", planID)
		}

		err = driver.Apply(ctx, d, t)
		r.mgr.metrics.RecordApply(err)
		if err != nil {
			r.log.Warnw("failed to apply routes", "node", name, "error", err)
			errs = append(errs, err)
			continue
		}
		r.state.setNode(name, AppliedNode{PlanID: planID, Routes: t.Len(), AppliedAt: time.Now().UTC()})
		applied++
	}

	if err := r.state.save(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		r.log.Infow("reconciliation complete", "applied", applied, "failed", len(errs))
	} else {
		r.log.Debugw("reconciliation complete", "applied", applied)
	}
	return errors.Join(errs...)
}

// Run reconciles once immediately and then on every tick until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Infow("route reconciler started", "interval", r.interval, "devices", len(r.drivers))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.log.Warnw("reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("route reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}
