//go:build !linux

package driver

import (
	"context"

	"go.uber.org/zap"

	nw "github.com/glennswest/fatplan/pkg/network"
)

// Linux is unavailable off Linux; every operation returns ErrNotSupported.
type Linux struct {
	nodeName string
}

// NewLinux returns a driver that cannot program routes on this platform.
func NewLinux(nodeName string, _ map[nw.PortID]string, _ int, _ *zap.SugaredLogger) *Linux {
	return &Linux{nodeName: nodeName}
}

func (d *Linux) ReplaceRoutes(_ context.Context, _ []nw.DriverRoute) error {
	return nw.ErrNotSupported
}

func (d *Linux) NodeName() string {
	return d.nodeName
}

var _ nw.RouteDriver = (*Linux)(nil)
