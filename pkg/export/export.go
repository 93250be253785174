package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/ipam"
	"github.com/glennswest/fatplan/pkg/network/routing"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

// Version of the document layout.
const Version = 1

// Format selects the encoding of a document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: cannot tell format of %q (want .yaml, .yml or .json)", network.ErrConfiguration, path)
}

// ParseFormat accepts "yaml", "yml" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q", network.ErrConfiguration, s)
}

// Document is everything the simulation harness needs: node identities,
// links with their subnets, and every node's route table.
type Document struct {
	Version  int                 `json:"version" yaml:"version"`
	PlanID   string              `json:"planId" yaml:"planId"`
	Topology topology.Descriptor `json:"topology" yaml:"topology"`
	Links    []Link              `json:"links" yaml:"links"`
	Tables   []Table             `json:"tables" yaml:"tables"`
}

// Link is a link together with its /30.
type Link struct {
	ID      network.LinkID      `json:"id" yaml:"id"`
	Key     network.LinkKey     `json:"key" yaml:"key"`
	A       network.Endpoint    `json:"a" yaml:"a"`
	B       network.Endpoint    `json:"b" yaml:"b"`
	Profile network.LinkProfile `json:"profile" yaml:"profile"`
	Subnet  netip.Prefix        `json:"subnet" yaml:"subnet"`
	AddrA   netip.Addr          `json:"addrA" yaml:"addrA"`
	AddrB   netip.Addr          `json:"addrB" yaml:"addrB"`
}

// Table is one node's routes in lookup order.
type Table struct {
	Node   network.NodeID `json:"node" yaml:"node"`
	Name   string         `json:"name" yaml:"name"`
	Routes []Route        `json:"routes" yaml:"routes"`
}

// Route is one entry. Mask repeats the prefix length as a netmask for
// engines that install routes as (network, mask, gateway, interface).
type Route struct {
	Prefix   netip.Prefix      `json:"prefix" yaml:"prefix"`
	Mask     netip.Addr        `json:"mask" yaml:"mask"`
	NextHops []routing.NextHop `json:"nextHops" yaml:"nextHops"`
}

// Build assembles the document of a computed fabric.
func Build(t *topology.Topology, p *ipam.Plan, r *routing.Routes) (*Document, error) {
	if err := p.Validate(t); err != nil {
		return nil, err
	}
	d := &Document{
		Version:  Version,
		PlanID:   p.ID().String(),
		Topology: t.Descriptor(),
	}
	for _, l := range t.Links() {
		a, _ := p.Assignment(l.ID)
		d.Links = append(d.Links, Link{
			ID:      l.ID,
			Key:     l.Key,
			A:       l.A,
			B:       l.B,
			Profile: l.Profile,
			Subnet:  a.Subnet,
			AddrA:   a.A,
			AddrB:   a.B,
		})
	}
	if r != nil {
		for _, tbl := range r.Tables() {
			n, err := t.Node(tbl.Node)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", network.ErrConfiguration, err)
			}
			out := Table{Node: tbl.Node, Name: n.Name}
			for _, e := range tbl.Entries {
				out.Routes = append(out.Routes, Route{Prefix: e.Prefix, Mask: e.Mask(), NextHops: e.NextHops})
			}
			d.Tables = append(d.Tables, out)
		}
	}
	return d, nil
}

// Restore rebuilds the topology, plan and routes a document describes. The
// links must match the topology the descriptor produces.
func (d *Document) Restore() (*topology.Topology, *ipam.Plan, *routing.Routes, error) {
	if d.Version != Version {
		return nil, nil, nil, fmt.Errorf("%w: document version %d, want %d", network.ErrConfiguration, d.Version, Version)
	}
	t, err := topology.FromDescriptor(d.Topology)
	if err != nil {
		return nil, nil, nil, err
	}

	assignments := make([]ipam.Assignment, 0, len(d.Links))
	for _, l := range d.Links {
		want, err := t.Link(l.ID)
		if err != nil || want.A != l.A || want.B != l.B {
			return nil, nil, nil, fmt.Errorf("%w: link %d endpoints do not match the topology", network.ErrConfiguration, l.ID)
		}
		assignments = append(assignments, ipam.Assignment{Link: l.ID, Key: l.Key, Subnet: l.Subnet, A: l.AddrA, B: l.AddrB})
	}
	p, err := ipam.Rebuild(t, assignments)
	if err != nil {
		return nil, nil, nil, err
	}

	tables := make([]*routing.Table, 0, len(d.Tables))
	for _, tbl := range d.Tables {
		if _, err := t.Node(tbl.Node); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: table for unknown node %d", network.ErrConfiguration, tbl.Node)
		}
		out := &routing.Table{Node: tbl.Node}
		for _, r := range tbl.Routes {
			e := routing.Entry{Prefix: r.Prefix, NextHops: r.NextHops}
			if r.Mask.IsValid() && r.Mask != e.Mask() {
				return nil, nil, nil, fmt.Errorf("%w: node %d: mask %s does not match %s",
					network.ErrConfiguration, tbl.Node, r.Mask, r.Prefix)
			}
			out.Entries = append(out.Entries, e)
		}
		tables = append(tables, out)
	}
	r, err := routing.NewRoutes(tables)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, p, r, nil
}

// Encode writes the document in the given format.
func (d *Document) Encode(w io.Writer, f Format) error {
	raw, err := d.Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// Marshal encodes the document. Equal documents encode to identical bytes.
func (d *Document) Marshal(f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("marshaling document: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("marshaling document: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		raw, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling document: %w", err)
		}
		return append(raw, '\n'), nil
	}
	return nil, fmt.Errorf("%w: unknown output format %q", network.ErrConfiguration, f)
}

// Write saves the document to path, picking the format from the extension.
func (d *Document) Write(path string) error {
	f, err := FormatFor(path)
	if err != nil {
		return err
	}
	return d.WriteAs(path, f)
}

// WriteAs saves the document to path in format f regardless of the
// extension.
func (d *Document) WriteAs(path string, f Format) error {
	raw, err := d.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("writing document to %s: %w", path, err)
	}
	return nil
}

// Read loads a document, picking the format from the extension.
func Read(path string) (*Document, error) {
	f, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	var d Document
	switch f {
	case FormatYAML:
		err = yaml.Unmarshal(raw, &d)
	case FormatJSON:
		err = json.Unmarshal(raw, &d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing document %s: %v", network.ErrConfiguration, path, err)
	}
	return &d, nil
}

// Compare reports the differences between a baseline and a fresh document:
// a changed plan id, and the names of nodes whose tables differ.
func Compare(baseline, current *Document) ([]string, error) {
	var diffs []string
	if baseline.PlanID != current.PlanID {
		diffs = append(diffs, fmt.Sprintf("plan id %s -> %s", baseline.PlanID, current.PlanID))
	}

	encode := func(t Table) (string, error) {
		raw, err := json.Marshal(t)
		return string(raw), err
	}
	base := make(map[network.NodeID]string, len(baseline.Tables))
	names := make(map[network.NodeID]string, len(baseline.Tables))
	for _, t := range baseline.Tables {
		s, err := encode(t)
		if err != nil {
			return nil, err
		}
		base[t.Node] = s
		names[t.Node] = t.Name
	}
	for _, t := range current.Tables {
		s, err := encode(t)
		if err != nil {
			return nil, err
		}
		old, ok := base[t.Node]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s: table added", t.Name))
		case old != s:
			diffs = append(diffs, fmt.Sprintf("%s: table changed", t.Name))
		}
		delete(base, t.Node)
	}
	for _, t := range baseline.Tables {
		if _, gone := base[t.Node]; gone {
			diffs = append(diffs, fmt.Sprintf("%s: table removed", names[t.Node]))
		}
	}
	return diffs, nil
}
