package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/glennswest/fatplan/pkg/fabric"
	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ecmp"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/routing"
	"github.com/glennswest/fatplan/pkg/network/verify"
)

// Server answers read-only queries against the manager's current fabric.
type Server struct {
	mgr *fabric.Manager
	log *zap.SugaredLogger

	// Selector and verifier of the fabric last served, so round-robin
	// counters and shortest-path trees survive between requests.
	mu       sync.Mutex
	served   *fabric.Fabric
	selector *ecmp.Selector
	verifier *verify.Verifier
}

// New creates an API server over mgr.
func New(mgr *fabric.Manager, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{mgr: mgr, log: log.Named("api")}
}

// RegisterRoutes adds the query endpoints to the given mux.
//
//	GET /api/v1/topology        nodes, links and sizing
//	GET /api/v1/plan            address plan
//	GET /api/v1/routes          every route table
//	GET /api/v1/routes/{node}   one route table
//	GET /api/v1/lookup          ?node=&dst=[&src=&sport=&dport=&proto=]
//	GET /api/v1/trace           ?src=&dst=[&sport=&dport=&proto=]
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/topology", s.handleTopology)
	mux.HandleFunc("/api/v1/plan", s.handlePlan)
	mux.HandleFunc("/api/v1/routes", s.handleRoutes)
	mux.HandleFunc("/api/v1/routes/", s.handleRouteDetail)
	mux.HandleFunc("/api/v1/lookup", s.handleLookup)
	mux.HandleFunc("/api/v1/trace", s.handleTrace)
}

// ─── Views ──────────────────────────────────────────────────────────────────

type topologyView struct {
	K             int            `json:"k"`
	Pods          int            `json:"pods"`
	ServersPerPod int            `json:"serversPerPod"`
	Cores         int            `json:"cores"`
	Nodes         []network.Node `json:"nodes"`
	Links         []network.Link `json:"links"`
}

type planView struct {
	ID          string            `json:"id"`
	K           int               `json:"k"`
	Assignments []ipam.Assignment `json:"assignments"`
}

type routeView struct {
	Prefix    netip.Prefix      `json:"prefix"`
	Mask      netip.Addr        `json:"mask"`
	Multipath bool              `json:"multipath"`
	NextHops  []routing.NextHop `json:"nextHops"`
}

type tableView struct {
	Node   network.NodeID `json:"node"`
	Name   string         `json:"name"`
	Role   network.Role   `json:"role"`
	Routes []routeView    `json:"routes"`
}

type lookupView struct {
	Node     string          `json:"node"`
	Dst      netip.Addr      `json:"dst"`
	Route    routeView       `json:"route"`
	Policy   ecmp.Policy     `json:"policy"`
	Flow     ecmp.FlowKey    `json:"flow"`
	Selected routing.NextHop `json:"selected"`
}

type traceView struct {
	Src       string       `json:"src"`
	Dst       netip.Addr   `json:"dst"`
	Delivered string       `json:"delivered"`
	Switches  int          `json:"switches"`
	Policy    ecmp.Policy  `json:"policy"`
	Hops      []verify.Hop `json:"hops"`
}

func viewTable(f *fabric.Fabric, t *routing.Table) tableView {
	n, _ := f.Topology.Node(t.Node)
	out := tableView{Node: t.Node, Name: n.Name, Role: n.Role, Routes: make([]routeView, 0, len(t.Entries))}
	for _, e := range t.Entries {
		out.Routes = append(out.Routes, viewRoute(e))
	}
	return out
}

func viewRoute(e routing.Entry) routeView {
	return routeView{Prefix: e.Prefix, Mask: e.Mask(), Multipath: e.Multipath(), NextHops: e.NextHops}
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	t := f.Topology
	writeJSON(w, topologyView{
		K:             t.K(),
		Pods:          t.Pods(),
		ServersPerPod: t.ServersPerPod(),
		Cores:         t.CoreCount(),
		Nodes:         t.Nodes(),
		Links:         t.Links(),
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	writeJSON(w, planView{ID: f.Plan.ID().String(), K: f.Plan.K(), Assignments: f.Plan.Assignments()})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	tables := f.Routes.Tables()
	out := make([]tableView, 0, len(tables))
	for _, t := range tables {
		out = append(out, viewTable(f, t))
	}
	writeJSON(w, out)
}

func (s *Server) handleRouteDetail(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/routes/")
	n, err := f.ResolveNode(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	t, found := f.Routes.Table(n.ID)
	if !found {
		http.Error(w, fmt.Sprintf("node %s has no route table", n.Name), http.StatusNotFound)
		return
	}
	writeJSON(w, viewTable(f, t))
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	n, err := f.ResolveNode(q.Get("node"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dst, err := f.ResolveAddr(q.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flow, err := parseFlow(f, q.Get("src"), n.ID, dst, q.Get("sport"), q.Get("dport"), q.Get("proto"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, err := f.Routes.Lookup(n.ID, dst)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	sel, _ := s.tools(f)
	nh, err := sel.Choose(n.ID, dst, e.NextHops, flow)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, lookupView{
		Node:     n.Name,
		Dst:      dst,
		Route:    viewRoute(e),
		Policy:   sel.Policy(),
		Flow:     flow,
		Selected: nh,
	})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	src, err := f.ResolveNode(q.Get("src"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dst, err := f.ResolveAddr(q.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flow, err := parseFlow(f, "", src.ID, dst, q.Get("sport"), q.Get("dport"), q.Get("proto"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sel, v := s.tools(f)
	p, err := v.Walk(src.ID, dst, flow)
	if err != nil {
		s.log.Debugw("Trace failed", "src", src.Name, "dst", dst, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	delivered, _ := f.Topology.Node(p.Delivered)
	writeJSON(w, traceView{
		Src:       src.Name,
		Dst:       dst,
		Delivered: delivered.Name,
		Switches:  v.Switches(p),
		Policy:    sel.Policy(),
		Hops:      p.Hops,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) current(w http.ResponseWriter, r *http.Request) (*fabric.Fabric, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	f := s.mgr.Current()
	if f == nil {
		http.Error(w, "no fabric built", http.StatusServiceUnavailable)
		return nil, false
	}
	return f, true
}

func (s *Server) tools(f *fabric.Fabric) (*ecmp.Selector, *verify.Verifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served != f {
		s.served = f
		s.selector = s.mgr.Selector(f)
		s.verifier = verify.New(f.Topology, f.Plan, f.Routes,
			verify.WithSelector(s.selector),
			verify.WithLogger(s.log),
		)
	}
	return s.selector, s.verifier
}

// parseFlow builds the flow key of a query. The source defaults to the
// primary address of node; ports and protocol default to the probe flow.
func parseFlow(f *fabric.Fabric, src string, node network.NodeID, dst netip.Addr, sport, dport, proto string) (ecmp.FlowKey, error) {
	flow := ecmp.FlowKey{Dst: dst, SrcPort: 49152, DstPort: 9, Proto: 6}
	if src != "" {
		a, err := f.ResolveAddr(src)
		if err != nil {
			return flow, err
		}
		flow.Src = a
	} else if a, ok := f.Plan.Primary(node); ok {
		flow.Src = a
	}

	for _, p := range []struct {
		name string
		raw  string
		bits int
		set  func(uint64)
	}{
		{"sport", sport, 16, func(v uint64) { flow.SrcPort = uint16(v) }},
		{"dport", dport, 16, func(v uint64) { flow.DstPort = uint16(v) }},
		{"proto", proto, 8, func(v uint64) { flow.Proto = uint8(v) }},
	} {
		if p.raw == "" {
			continue
		}
		v, err := strconv.ParseUint(p.raw, 10, p.bits)
		if err != nil {
			return flow, fmt.Errorf("invalid %s %q", p.name, p.raw)
		}
		p.set(v)
	}
	return flow, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, routing.ErrNoRoute), errors.Is(err, verify.ErrBlackhole):
		return http.StatusNotFound
	case errors.Is(err, verify.ErrLoop), errors.Is(err, verify.ErrHopLimit), errors.Is(err, verify.ErrNotAdjacent):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
