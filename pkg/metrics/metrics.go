package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
)

// Collector bundles the Prometheus metrics of planning, synthesis and
// multipath selection. It satisfies routing.Observer and ecmp.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	FabricK       prometheus.Gauge
	Links         prometheus.Gauge
	PlanRuns      *prometheus.CounterVec
	PlanDuration  prometheus.Histogram
	SynthDuration prometheus.Histogram

	Tables           *prometheus.CounterVec
	RouteEntries     *prometheus.CounterVec
	MultipathEntries *prometheus.CounterVec
	Selections       *prometheus.CounterVec
	VerifiedPairs    *prometheus.CounterVec
	Applies          *prometheus.CounterVec
}

// New registers the collector's metrics against reg, defaulting to the
// global registry when nil. Registering twice returns the existing metrics.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}

	var err error
	if c.FabricK, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fatplan_fabric_k",
		Help: "Fabric size parameter of the last planned topology.",
	}), "fatplan_fabric_k"); err != nil {
		return nil, err
	}
	if c.Links, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fatplan_plan_links",
		Help: "Number of /30 assignments in the last address plan.",
	}), "fatplan_plan_links"); err != nil {
		return nil, err
	}
	if c.PlanRuns, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_runs_total",
		Help: "Planning and synthesis runs, labeled by stage and result.",
	}, []string{"stage", "result"}), "fatplan_runs_total"); err != nil {
		return nil, err
	}
	if c.PlanDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fatplan_plan_duration_seconds",
		Help:    "Address plan derivation time in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}), "fatplan_plan_duration_seconds"); err != nil {
		return nil, err
	}
	if c.SynthDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fatplan_synthesis_duration_seconds",
		Help:    "Route synthesis time in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}), "fatplan_synthesis_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Tables, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_route_tables_total",
		Help: "Route tables synthesized, labeled by node role and result.",
	}, []string{"role", "result"}), "fatplan_route_tables_total"); err != nil {
		return nil, err
	}
	if c.RouteEntries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_route_entries_total",
		Help: "Route entries synthesized, labeled by node role.",
	}, []string{"role"}), "fatplan_route_entries_total"); err != nil {
		return nil, err
	}
	if c.MultipathEntries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_multipath_entries_total",
		Help: "Multi-candidate route entries synthesized, labeled by node role.",
	}, []string{"role"}), "fatplan_multipath_entries_total"); err != nil {
		return nil, err
	}
	if c.Selections, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_multipath_selections_total",
		Help: "Next-hop selections among several candidates, labeled by policy.",
	}, []string{"policy"}), "fatplan_multipath_selections_total"); err != nil {
		return nil, err
	}
	if c.VerifiedPairs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_verified_pairs_total",
		Help: "Server pairs checked by the forwarding verifier, labeled by result.",
	}, []string{"result"}), "fatplan_verified_pairs_total"); err != nil {
		return nil, err
	}
	if c.Applies, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fatplan_route_applies_total",
		Help: "Route table installs through a driver, labeled by result.",
	}, []string{"result"}), "fatplan_route_applies_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a /metrics handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordPlan records one address plan derivation.
func (c *Collector) RecordPlan(k, links int, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.PlanRuns.WithLabelValues("plan", result(err)).Inc()
	c.PlanDuration.Observe(d.Seconds())
	if err == nil {
		c.FabricK.Set(float64(k))
		c.Links.Set(float64(links))
	}
}

// RecordSynthesis records one synthesis run.
func (c *Collector) RecordSynthesis(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.PlanRuns.WithLabelValues("synthesis", result(err)).Inc()
	c.SynthDuration.Observe(d.Seconds())
}

// RecordVerify records the outcome of an all-pairs check.
func (c *Collector) RecordVerify(delivered, failed int) {
	if c == nil {
		return
	}
	c.VerifiedPairs.WithLabelValues("ok").Add(float64(delivered))
	c.VerifiedPairs.WithLabelValues("error").Add(float64(failed))
}

// RecordApply records one route table install.
func (c *Collector) RecordApply(err error) {
	if c == nil {
		return
	}
	c.Applies.WithLabelValues(result(err)).Inc()
}

// TableBuilt implements routing.Observer.
func (c *Collector) TableBuilt(role network.Role, entries, multipath int) {
	if c == nil {
		return
	}
	c.Tables.WithLabelValues(role.String(), "ok").Inc()
	c.RouteEntries.WithLabelValues(role.String()).Add(float64(entries))
	c.MultipathEntries.WithLabelValues(role.String()).Add(float64(multipath))
}

// TableFailed implements routing.Observer.
func (c *Collector) TableFailed(role network.Role, err error) {
	if c == nil {
		return
	}
	c.Tables.WithLabelValues(role.String(), "error").Inc()
}

// Selected implements ecmp.Observer.
func (c *Collector) Selected(policy ecmp.Policy, node network.NodeID, candidates, chosen int) {
	if c == nil {
		return
	}
	c.Selections.WithLabelValues(policy.String()).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
