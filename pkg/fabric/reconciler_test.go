package fabric

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/glennswest/fatplan/pkg/config"
	"github.com/glennswest/fatplan/pkg/network"
)

type fakeDriver struct {
	name string
	err  error

	mu     sync.Mutex
	calls  int
	routes []network.DriverRoute
}

func (d *fakeDriver) NodeName() string { return d.name }

func (d *fakeDriver) ReplaceRoutes(_ context.Context, routes []network.DriverRoute) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.routes = routes
	return d.err
}

func (d *fakeDriver) snapshot() (int, []network.DriverRoute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.routes
}

func TestReconcileNoFabric(t *testing.T) {
	m, _ := newManager(t, config.Default())
	r, err := NewReconciler(m, nil, ReconcilerOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reconcile(context.Background()); err == nil {
		t.Error("expected an error before the first build")
	}
}

func TestReconcile(t *testing.T) {
	m, c := newManager(t, config.Default())
	f, err := m.Build()
	if err != nil {
		t.Fatal(err)
	}

	core := &fakeDriver{name: "core0"}
	aggr := &fakeDriver{name: "pod0.aggr0"}
	broken := &fakeDriver{name: "core1", err: errors.New("device unreachable")}
	stray := &fakeDriver{name: "pod9.server0"}

	path := filepath.Join(t.TempDir(), "applied.yaml")
	r, err := NewReconciler(m, []network.RouteDriver{core, aggr, broken, stray}, ReconcilerOpts{StatePath: path})
	if err != nil {
		t.Fatal(err)
	}

	err = r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected joined errors for core1 and the unknown node")
	}

	if calls, routes := core.snapshot(); calls != 1 || len(routes) != 4 {
		t.Errorf("core0: %d calls with %d routes, want 1 call with 4", calls, len(routes))
	}
	if calls, _ := stray.snapshot(); calls != 0 {
		t.Errorf("unknown node driver called %d times", calls)
	}
	if got := testutil.ToFloat64(c.Applies.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok applies = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Applies.WithLabelValues("error")); got != 1 {
		t.Errorf("failed applies = %v, want 1", got)
	}

	if _, ok := r.Applied("core1"); ok {
		t.Error("failed install recorded as applied")
	}

	// A fresh reconciler sees what the first one installed.
	again, err := NewReconciler(m, nil, ReconcilerOpts{StatePath: path})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := again.Applied("core0")
	if !ok {
		t.Fatal("core0 missing from persisted state")
	}
	if got.PlanID != f.Plan.ID().String() || got.Routes != 4 {
		t.Errorf("unexpected applied state %+v", got)
	}
	if got.AppliedAt.IsZero() {
		t.Error("applied time not recorded")
	}
}

func TestReconcilerRun(t *testing.T) {
	m, _ := newManager(t, config.Default())
	if _, err := m.Build(); err != nil {
		t.Fatal(err)
	}
	d := &fakeDriver{name: "pod1.access0"}
	r, err := NewReconciler(m, []network.RouteDriver{d}, ReconcilerOpts{Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if calls, _ := d.snapshot(); calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no reconcile before the first tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if _, ok := r.Applied("pod1.access0"); !ok {
		t.Error("run did not record the install")
	}
}

func TestReconcilerOptions(t *testing.T) {
	m, _ := newManager(t, config.Default())
	if _, err := NewReconciler(m, nil, ReconcilerOpts{Interval: -time.Second}); !errors.Is(err, network.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("nodes: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReconciler(m, nil, ReconcilerOpts{StatePath: path}); err == nil {
		t.Error("expected an error for a corrupt state file")
	}
}
