package fabric

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/fatplan/pkg/config"
	"github.com/glennswest/fatplan/pkg/export"
	"github.com/glennswest/fatplan/pkg/metrics"
	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/routing"
	"github.com/glennswest/fatplan/pkg/network/topology"
	"github.com/glennswest/fatplan/pkg/network/verify"
)

// Fabric is one computed fabric. All three parts are read-only.
type Fabric struct {
	Topology *topology.Topology
	Plan     *ipam.Plan
	Routes   *routing.Routes
}

// ResolveNode accepts a node name or a numeric node ID.
func (f *Fabric) ResolveNode(s string) (network.Node, error) {
	if n, err := f.Topology.NodeByName(s); err == nil {
		return n, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return network.Node{}, fmt.Errorf("node %q not found", s)
	}
	return f.Topology.Node(network.NodeID(id))
}

// ResolveAddr accepts an IPv4 address or a node name, which resolves to the
// address on the node's first port.
func (f *Fabric) ResolveAddr(s string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(s); err == nil {
		return a, nil
	}
	n, err := f.ResolveNode(s)
	if err != nil {
		return netip.Addr{}, err
	}
	a, ok := f.Plan.Primary(n.ID)
	if !ok {
		return netip.Addr{}, fmt.Errorf("node %s has no address", n.Name)
	}
	return a, nil
}

// Restore rebuilds the fabric an exported document describes, keeping the
// document's own plan and tables rather than re-deriving them.
func Restore(d *export.Document) (*Fabric, error) {
	t, p, r, err := d.Restore()
	if err != nil {
		return nil, err
	}
	return &Fabric{Topology: t, Plan: p, Routes: r}, nil
}

// Manager turns configuration into a computed fabric and keeps the last
// successful one.
type Manager struct {
	cfg     config.Config
	metrics *metrics.Collector
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	current *Fabric
}

// NewManager creates a manager. metrics may be nil.
func NewManager(cfg config.Config, m *metrics.Collector, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{cfg: cfg, metrics: m, log: log.Named("fabric")}
}

// Config returns the manager's configuration.
func (m *Manager) Config() config.Config { return m.cfg }

// Build loads the topology, derives the address plan and synthesizes the
// routes. When synthesis fails for some nodes the fabric is returned with
// the tables that did succeed, together with the error, and is not kept as
// current.
func (m *Manager) Build() (*Fabric, error) {
	topo, err := m.loadTopology()
	if err != nil {
		return nil, err
	}
	m.log.Infow("Topology loaded",
		"k", topo.K(),
		"nodes", topo.NodeCount(),
		"links", topo.LinkCount(),
		"cores", topo.CoreCount(),
	)

	start := time.Now()
	plan, err := ipam.Assign(topo)
	m.metrics.RecordPlan(topo.K(), topo.LinkCount(), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("assigning addresses: %w", err)
	}
	m.log.Infow("Address plan derived", "plan", plan.ID(), "subnets", plan.Len())

	opts := []routing.Option{routing.WithWorkers(m.cfg.Routing.Workers)}
	if m.metrics != nil {
		opts = append(opts, routing.WithObserver(m.metrics))
	}
	start = time.Now()
	routes, err := routing.NewSynthesizer(m.log, opts...).Synthesize(topo, plan)
	m.metrics.RecordSynthesis(time.Since(start), err)

	f := &Fabric{Topology: topo, Plan: plan, Routes: routes}
	if err != nil {
		return f, fmt.Errorf("synthesizing routes: %w", err)
	}

	m.mu.Lock()
	m.current = f
	m.mu.Unlock()
	return f, nil
}

// Current returns the last successfully built fabric, or nil.
func (m *Manager) Current() *Fabric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Selector returns a selector over f using the configured policy.
func (m *Manager) Selector(f *Fabric) *ecmp.Selector {
	return m.SelectorFor(f, m.cfg.Multipath.Policy)
}

// SelectorFor returns a selector over f using policy.
func (m *Manager) SelectorFor(f *Fabric, policy ecmp.Policy) *ecmp.Selector {
	var opts []ecmp.Option
	if m.metrics != nil {
		opts = append(opts, ecmp.WithObserver(m.metrics))
	}
	return ecmp.NewSelector(f.Routes, policy, opts...)
}

// Verifier returns a forwarding verifier over f using the configured policy.
func (m *Manager) Verifier(f *Fabric) *verify.Verifier {
	return verify.New(f.Topology, f.Plan, f.Routes,
		verify.WithSelector(m.Selector(f)),
		verify.WithLogger(m.log),
	)
}

// Verify runs the all-pairs check on f.
func (m *Manager) Verify(f *Fabric) verify.Report {
	r := m.Verifier(f).CheckAll()
	m.metrics.RecordVerify(r.Delivered, len(r.Failures))
	return r
}

// Document builds the export document of f.
func (m *Manager) Document(f *Fabric) (*export.Document, error) {
	return export.Build(f.Topology, f.Plan, f.Routes)
}

// Export writes f to the configured export path. export.format wins over
// the path's extension. Without a path it does nothing.
func (m *Manager) Export(f *Fabric) error {
	path := m.cfg.Export.Path
	if path == "" {
		return nil
	}
	var (
		format export.Format
		err    error
	)
	if m.cfg.Export.Format != "" {
		format, err = export.ParseFormat(m.cfg.Export.Format)
	} else {
		format, err = export.FormatFor(path)
	}
	if err != nil {
		return err
	}
	d, err := m.Document(f)
	if err != nil {
		return err
	}
	if err := d.WriteAs(path, format); err != nil {
		return err
	}
	m.log.Infow("Fabric exported", "path", path, "format", format, "plan", d.PlanID)
	return nil
}

func (m *Manager) loadTopology() (*topology.Topology, error) {
	var (
		d   topology.Descriptor
		err error
	)
	if m.cfg.Fabric.Descriptor != "" {
		d, err = topology.LoadDescriptor(m.cfg.Fabric.Descriptor)
		m.log.Debugw("Loading topology descriptor", "path", m.cfg.Fabric.Descriptor)
	} else {
		d, err = topology.DefaultDescriptor(m.cfg.Fabric.K)
	}
	if err != nil {
		return nil, err
	}
	if len(m.cfg.Fabric.Profiles) > 0 && d.Profiles == nil {
		d.Profiles = make(map[string]network.LinkProfile, len(m.cfg.Fabric.Profiles))
	}
	for kind, p := range m.cfg.Fabric.Profiles {
		d.Profiles[kind] = p
	}
	return topology.FromDescriptor(d)
}
