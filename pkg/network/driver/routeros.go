package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/fatplan/pkg/config"
	"github.com/glennswest/fatplan/pkg/network"
)

// RouteComment tags the routes the RouterOS driver owns.
const RouteComment = "fatplan"

// RouterOS implements network.RouteDriver against the RouterOS v7 REST API.
// Only routes carrying RouteComment are read or changed.
type RouterOS struct {
	cfg        config.RouterOSConfig
	http       *http.Client
	nodeName   string
	interfaces map[network.PortID]string
	log        *zap.SugaredLogger
}

// rosRoute is an /ip/route row as returned by the REST API.
type rosRoute struct {
	ID           string `json:".id,omitempty"`
	DstAddress   string `json:"dst-address"`
	Gateway      string `json:"gateway"`
	RoutingTable string `json:"routing-table,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// NewRouterOS returns a RouteDriver for the device at cfg.RESTURL.
// interfaces optionally pins gateways to interface names ("addr%iface").
func NewRouterOS(cfg config.RouterOSConfig, nodeName string, interfaces map[network.PortID]string, log *zap.SugaredLogger) (*RouterOS, error) {
	if cfg.RESTURL == "" {
		return nil, fmt.Errorf("%w: routeros rest url is required", network.ErrConfiguration)
	}
	if _, err := url.Parse(cfg.RESTURL); err != nil {
		return nil, fmt.Errorf("%w: routeros rest url: %v", network.ErrConfiguration, err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureVerify}, //nolint:gosec // self-signed router certs
	}
	return &RouterOS{
		cfg:        cfg,
		http:       &http.Client{Transport: transport, Timeout: 30 * time.Second},
		nodeName:   nodeName,
		interfaces: interfaces,
		log:        log.Named("ros-driver"),
	}, nil
}

// ─── Route Operations ───────────────────────────────────────────────────────

// ReplaceRoutes adds missing routes and rewrites the gateways of owned
// routes that differ. Owned routes for prefixes not in routes stay.
func (d *RouterOS) ReplaceRoutes(ctx context.Context, routes []network.DriverRoute) error {
	existing, err := d.listRoutes(ctx)
	if err != nil {
		return err
	}
	byDst := make(map[string]rosRoute, len(existing))
	for _, r := range existing {
		byDst[r.DstAddress] = r
	}

	var added, updated int
	for _, r := range routes {
		want := rosRoute{
			DstAddress:   r.Prefix.Masked().String(),
			Gateway:      d.gateway(r.Gateways),
			RoutingTable: d.cfg.RoutingTable,
			Comment:      RouteComment,
		}
		cur, ok := byDst[want.DstAddress]
		switch {
		case !ok:
			if err := d.do(ctx, http.MethodPost, "/ip/route/add", want, nil); err != nil {
				return fmt.Errorf("adding route %s: %w", want.DstAddress, err)
			}
			added++
		case cur.Gateway != want.Gateway:
			set := map[string]string{".id": cur.ID, "gateway": want.Gateway}
			if err := d.do(ctx, http.MethodPost, "/ip/route/set", set, nil); err != nil {
				return fmt.Errorf("updating route %s: %w", want.DstAddress, err)
			}
			updated++
		}
	}
	d.log.Infow("routes replaced", "node", d.nodeName, "added", added, "updated", updated, "unchanged", len(routes)-added-updated)
	return nil
}

func (d *RouterOS) listRoutes(ctx context.Context) ([]rosRoute, error) {
	var rows []rosRoute
	if err := d.do(ctx, http.MethodGet, "/ip/route?comment="+url.QueryEscape(RouteComment), nil, &rows); err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	return rows, nil
}

// gateway renders RouterOS's gateway list. Several gateways form an ECMP
// route.
func (d *RouterOS) gateway(gws []network.DriverGateway) string {
	parts := make([]string, 0, len(gws))
	for _, gw := range gws {
		s := gw.Addr.String()
		if iface, ok := d.interfaces[gw.Port]; ok {
			s += "%" + iface
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func (d *RouterOS) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(d.cfg.RESTURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.cfg.User, d.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("routeros %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ─── Introspection ──────────────────────────────────────────────────────────

func (d *RouterOS) NodeName() string {
	return d.nodeName
}

// Ensure RouterOS implements RouteDriver at compile time.
var _ network.RouteDriver = (*RouterOS)(nil)
