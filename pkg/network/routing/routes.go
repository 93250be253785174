package routing

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/glennswest/fatplan/pkg/network"
)

// Routes holds the published tables of a synthesis run. Read-only after
// construction.
type Routes struct {
	tables map[network.NodeID]*Table
	order  []network.NodeID // by node ID
}

// NewRoutes wraps pre-built tables, for example tables read back from an
// export. Entries are put into lookup order.
func NewRoutes(tables []*Table) (*Routes, error) {
	r := &Routes{tables: make(map[network.NodeID]*Table, len(tables))}
	for _, t := range tables {
		if _, dup := r.tables[t.Node]; dup {
			return nil, fmt.Errorf("%w: duplicate table for node %d", network.ErrConfiguration, t.Node)
		}
		entries := make([]Entry, len(t.Entries))
		copy(entries, t.Entries)
		SortEntries(entries)
		r.tables[t.Node] = &Table{Node: t.Node, Entries: entries}
		r.order = append(r.order, t.Node)
	}
	sortIDs(r.order)
	return r, nil
}

// Table returns node's table. ok is false when the node has none (unknown
// node, or its synthesis failed).
func (r *Routes) Table(node network.NodeID) (*Table, bool) {
	t, ok := r.tables[node]
	return t, ok
}

// Tables returns every table ordered by node ID.
func (r *Routes) Tables() []*Table {
	out := make([]*Table, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tables[id])
	}
	return out
}

// Len returns the number of tables.
func (r *Routes) Len() int { return len(r.order) }

// Lookup runs a longest-prefix match on node's table.
func (r *Routes) Lookup(node network.NodeID, addr netip.Addr) (Entry, error) {
	t, ok := r.tables[node]
	if !ok {
		return Entry{}, fmt.Errorf("node %d has no route table", node)
	}
	return t.Lookup(addr)
}

// EntryCount returns the total number of entries across all tables.
func (r *Routes) EntryCount() int {
	n := 0
	for _, t := range r.tables {
		n += t.Len()
	}
	return n
}

// MultipathCount returns the total number of multi-candidate entries.
func (r *Routes) MultipathCount() int {
	n := 0
	for _, t := range r.tables {
		n += t.MultipathCount()
	}
	return n
}

func sortIDs(ids []network.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
