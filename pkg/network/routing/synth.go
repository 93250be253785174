package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"runtime"

	"go.uber.org/zap"
	"go4.org/netipx"
	"golang.org/x/sync/errgroup"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

// Observer receives per-node synthesis results. Calls arrive from several
// goroutines at once.
type Observer interface {
	TableBuilt(role network.Role, entries, multipath int)
	TableFailed(role network.Role, err error)
}

// Synthesizer derives per-node route tables from a topology and a frozen
// address plan.
type Synthesizer struct {
	log      *zap.SugaredLogger
	workers  int
	observer Observer
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithWorkers bounds the number of nodes synthesized in parallel.
func WithWorkers(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithObserver registers an observer for per-node results.
func WithObserver(o Observer) Option {
	return func(s *Synthesizer) { s.observer = o }
}

// NewSynthesizer creates a synthesizer. A nil logger discards output.
func NewSynthesizer(log *zap.SugaredLogger, opts ...Option) *Synthesizer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Synthesizer{
		log:     log.Named("routing"),
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize runs a default synthesizer.
func Synthesize(t *topology.Topology, p *ipam.Plan) (*Routes, error) {
	return NewSynthesizer(nil).Synthesize(t, p)
}

// Synthesize computes every node's table. Nodes are independent: a node
// that fails gets no table and its error is joined into the returned error,
// while the tables of the other nodes are still returned.
func (s *Synthesizer) Synthesize(t *topology.Topology, p *ipam.Plan) (*Routes, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: topology missing", network.ErrConfiguration)
	}
	if err := topology.ValidateK(t.K()); err != nil {
		return nil, err
	}
	if err := p.Validate(t); err != nil {
		return nil, err
	}

	nodes := t.Nodes()
	tables := make([]*Table, len(nodes))
	errs := make([]error, len(nodes))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			tables[i], errs[i] = synthesizeNode(t, p, n)
			if s.observer != nil {
				if errs[i] != nil {
					s.observer.TableFailed(n.Role, errs[i])
				} else {
					s.observer.TableBuilt(n.Role, tables[i].Len(), tables[i].MultipathCount())
				}
			}
			return nil
		})
	}
	g.Wait() // failures are kept per node in errs

	r := &Routes{tables: make(map[network.NodeID]*Table, len(nodes))}
	failed := 0
	for i, n := range nodes {
		if errs[i] != nil {
			failed++
			s.log.Warnw("Route synthesis failed", "node", n.Name, "role", n.Role, "error", errs[i])
			continue
		}
		r.tables[n.ID] = tables[i]
		r.order = append(r.order, n.ID)
	}

	s.log.Infow("Routes synthesized",
		"k", t.K(),
		"plan", p.ID(),
		"tables", len(r.order),
		"entries", r.EntryCount(),
		"multipath", r.MultipathCount(),
		"failed", failed,
	)
	return r, errors.Join(errs...)
}

func synthesizeNode(t *topology.Topology, p *ipam.Plan, n network.Node) (*Table, error) {
	b := newBuilder(n.ID)
	var err error
	switch n.Role {
	case network.RoleServer:
		err = serverRoutes(b, t, p, n)
	case network.RoleAccess:
		err = accessRoutes(b, t, p, n)
	case network.RoleAggregation:
		err = aggregationRoutes(b, t, p, n)
	case network.RoleCore:
		err = coreRoutes(b, t, p, n)
	default:
		err = fmt.Errorf("%w: unknown role %s", network.ErrUnsupportedTopology, n.Role)
	}
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Name, err)
	}
	return b.table(), nil
}

// ─── Per-role rules ─────────────────────────────────────────────────────────

// serverRoutes: a single default route towards the attached access switch.
func serverRoutes(b *builder, t *topology.Topology, p *ipam.Plan, n network.Node) error {
	ups := t.Neighbors(n.ID, network.RoleAccess)
	if len(ups) != 1 {
		return fmt.Errorf("%w: server has %d access uplinks, want 1", network.ErrUnsupportedTopology, len(ups))
	}
	nh, err := hop(p, ups[0])
	if err != nil {
		return err
	}
	return b.add(DefaultRoute, nh)
}

// accessRoutes: sibling /24s and foreign-pod /16s, all through the
// lowest-indexed aggregation switch.
func accessRoutes(b *builder, t *topology.Topology, p *ipam.Plan, n network.Node) error {
	aggs := t.Neighbors(n.ID, network.RoleAggregation)
	if len(aggs) != t.AggregationPerPod() {
		return fmt.Errorf("%w: access switch has %d aggregation uplinks, want %d",
			network.ErrUnsupportedTopology, len(aggs), t.AggregationPerPod())
	}
	up, err := hop(p, aggs[0])
	if err != nil {
		return err
	}

	var sb netipx.IPSetBuilder
	for _, adj := range t.Neighbors(n.ID, network.RoleServer) {
		a, ok := p.Assignment(adj.Link.ID)
		if !ok {
			return fmt.Errorf("%w: link %d has no subnet", network.ErrConfiguration, adj.Link.ID)
		}
		sb.AddPrefix(a.Subnet)
	}
	own, err := sb.IPSet()
	if err != nil {
		return fmt.Errorf("building attached subnet set: %w", err)
	}

	install := func(prefix netip.Prefix) error {
		if own.OverlapsPrefix(prefix) {
			return &network.RouteConflictError{
				Node:      n.ID,
				Prefix:    prefix,
				Candidate: up.Addr,
				Reason:    "aggregate covers directly attached server subnets",
			}
		}
		return b.add(prefix, up)
	}

	for acc := 0; acc < t.AccessPerPod(); acc++ {
		if acc == n.Index {
			continue
		}
		if err := install(ipam.AccessAggregate(n.Pod, acc)); err != nil {
			return err
		}
	}
	for pod := 0; pod < t.Pods(); pod++ {
		if pod == n.Pod {
			continue
		}
		if err := install(ipam.PodAggregate(pod)); err != nil {
			return err
		}
	}
	return nil
}

// aggregationRoutes: one /24 down to each access switch, and per foreign pod
// one /16 carrying every core neighbor that reaches that pod.
func aggregationRoutes(b *builder, t *topology.Topology, p *ipam.Plan, n network.Node) error {
	for _, adj := range t.Neighbors(n.ID, network.RoleAccess) {
		acc, err := t.Node(adj.Remote.Node)
		if err != nil {
			return fmt.Errorf("%w: %v", network.ErrConfiguration, err)
		}
		nh, err := hop(p, adj)
		if err != nil {
			return err
		}
		if err := b.add(ipam.AccessAggregate(n.Pod, acc.Index), nh); err != nil {
			return err
		}
	}

	cores := t.Neighbors(n.ID, network.RoleCore)
	if len(cores) == 0 {
		return fmt.Errorf("%w: aggregation switch has no core uplinks", network.ErrUnsupportedTopology)
	}
	hops := make([]NextHop, len(cores))
	reach := make([]map[int]bool, len(cores))
	for i, adj := range cores {
		nh, err := hop(p, adj)
		if err != nil {
			return err
		}
		hops[i] = nh
		reach[i] = podsBelow(t, adj.Remote.Node)
	}

	for pod := 0; pod < t.Pods(); pod++ {
		if pod == n.Pod {
			continue
		}
		var candidates []NextHop
		for i := range cores {
			if reach[i][pod] {
				candidates = append(candidates, hops[i])
			}
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w: no core neighbor reaches pod %d", network.ErrUnsupportedTopology, pod)
		}
		if err := b.addMultipath(ipam.PodAggregate(pod), candidates); err != nil {
			return err
		}
	}
	return nil
}

// coreRoutes: one /16 per pod through that pod's only aggregation neighbor.
func coreRoutes(b *builder, t *topology.Topology, p *ipam.Plan, n network.Node) error {
	byPod := make(map[int][]topology.Adjacency, t.Pods())
	for _, adj := range t.Neighbors(n.ID, network.RoleAggregation) {
		agg, err := t.Node(adj.Remote.Node)
		if err != nil {
			return fmt.Errorf("%w: %v", network.ErrConfiguration, err)
		}
		byPod[agg.Pod] = append(byPod[agg.Pod], adj)
	}
	for pod := 0; pod < t.Pods(); pod++ {
		if len(byPod[pod]) != 1 {
			return fmt.Errorf("%w: core switch has %d aggregation neighbors in pod %d, want 1",
				network.ErrUnsupportedTopology, len(byPod[pod]), pod)
		}
		nh, err := hop(p, byPod[pod][0])
		if err != nil {
			return err
		}
		if err := b.add(ipam.PodAggregate(pod), nh); err != nil {
			return err
		}
	}
	return nil
}

func hop(p *ipam.Plan, adj topology.Adjacency) (NextHop, error) {
	addr, ok := p.Addr(adj.Remote)
	if !ok {
		return NextHop{}, fmt.Errorf("%w: no address for node %d port %s on link %d",
			network.ErrConfiguration, adj.Remote.Node, adj.Remote.Port, adj.Link.ID)
	}
	return NextHop{Addr: addr, Interface: adj.Local.Port, Neighbor: adj.Remote.Node}, nil
}

func podsBelow(t *topology.Topology, core network.NodeID) map[int]bool {
	pods := make(map[int]bool, t.Pods())
	for _, adj := range t.Neighbors(core, network.RoleAggregation) {
		if n, err := t.Node(adj.Remote.Node); err == nil {
			pods[n.Pod] = true
		}
	}
	return pods
}
