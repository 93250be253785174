package ipam

import (
	"fmt"
	"net/netip"

	"github.com/glennswest/fatplan/pkg/network"
	"github.com/glennswest/fatplan/pkg/network/topology"
)

const (
	// BaseOctet is the first octet of every fabric address.
	BaseOctet = 10
	// CoreOctet is the second octet of the aggregation-core block. Pod
	// octets must stay below it.
	CoreOctet = 10
	// SubnetBits is the prefix length of every link subnet.
	SubnetBits = 30

	blockSize          = 4  // addresses in a /30
	coreBlocksPerOctet = 64 // /30 blocks per third octet of the core range
	maxOffset          = 256 - blockSize
)

// MaxK is the largest fabric the address formulas can place.
const MaxK = 10

// CheckCapacity reports whether the formulas can place every link of a
// k-ary fabric. The first dimension to overflow is named in the error.
func CheckCapacity(k int) error {
	if err := topology.ValidateK(k); err != nil {
		return err
	}
	h := k / 2
	if k-1 >= CoreOctet {
		return fmt.Errorf("%w: k=%d: pod octet %d reaches the core block %d.%d.0.0/16",
			network.ErrAddressSpaceExhausted, k, k-1, BaseOctet, CoreOctet)
	}
	if off := blockSize * (h*h - 1); off > maxOffset {
		return fmt.Errorf("%w: k=%d: server offset %d does not fit one octet",
			network.ErrAddressSpaceExhausted, k, off)
	}
	if off := blockSize * (2*h*h - 1); off > maxOffset {
		return fmt.Errorf("%w: k=%d: access-aggregation offset %d does not fit one octet",
			network.ErrAddressSpaceExhausted, k, off)
	}
	if n := k * h * h; n > 256*coreBlocksPerOctet {
		return fmt.Errorf("%w: k=%d: %d core links exceed the %d.%d.0.0/16 block",
			network.ErrAddressSpaceExhausted, k, n, BaseOctet, CoreOctet)
	}
	return nil
}

// SubnetFor computes the /30 of a link from its key. h is k/2.
func SubnetFor(key network.LinkKey, h int) (netip.Prefix, error) {
	switch key.Kind {
	case network.LinkServerAccess:
		return ServerSubnet(key.Pod, h, key.Index)
	case network.LinkAccessAggregation:
		return FabricSubnet(key.Pod, h, key.Index/h, key.Index%h)
	case network.LinkAggregationCore:
		return CoreSubnet(key.Index)
	}
	return netip.Prefix{}, fmt.Errorf("%w: unknown link kind %s", network.ErrUnsupportedTopology, key.Kind)
}

// ServerSubnet is 10.<pod>.<access>.<serverInPod*4>/30, where access is the
// switch the server hangs off (serverInPod / h).
func ServerSubnet(pod, h, serverInPod int) (netip.Prefix, error) {
	return subnet(pod, serverInPod/h, blockSize*serverInPod, "server")
}

// FabricSubnet is 10.<pod>.<h+aggr>.<4*(h*h + access*h + aggr)>/30. The
// fourth-octet offsets start where the pod's server offsets end.
func FabricSubnet(pod, h, access, aggr int) (netip.Prefix, error) {
	return subnet(pod, h+aggr, blockSize*(h*h+access*h+aggr), "access-aggregation")
}

// CoreSubnet is 10.10.<seq/64>.<(seq%64)*4>/30.
func CoreSubnet(seq int) (netip.Prefix, error) {
	if seq < 0 || seq/coreBlocksPerOctet > 255 {
		return netip.Prefix{}, fmt.Errorf("%w: core link sequence %d out of range",
			network.ErrAddressSpaceExhausted, seq)
	}
	return prefix(CoreOctet, seq/coreBlocksPerOctet, (seq%coreBlocksPerOctet)*blockSize, SubnetBits), nil
}

// AccessAggregate is 10.<pod>.<access>.0/24, covering every server of one
// access switch.
func AccessAggregate(pod, access int) netip.Prefix {
	return prefix(pod, access, 0, 24)
}

// PodAggregate is 10.<pod>.0.0/16, covering everything inside one pod.
func PodAggregate(pod int) netip.Prefix {
	return prefix(pod, 0, 0, 16)
}

func subnet(pod, third, fourth int, what string) (netip.Prefix, error) {
	switch {
	case pod < 0 || pod >= CoreOctet:
		return netip.Prefix{}, fmt.Errorf("%w: %s subnet: pod %d collides with the core block",
			network.ErrAddressSpaceExhausted, what, pod)
	case third < 0 || third > 255:
		return netip.Prefix{}, fmt.Errorf("%w: %s subnet: third octet %d out of range",
			network.ErrAddressSpaceExhausted, what, third)
	case fourth < 0 || fourth > maxOffset:
		return netip.Prefix{}, fmt.Errorf("%w: %s subnet: offset %d out of range",
			network.ErrAddressSpaceExhausted, what, fourth)
	}
	return prefix(pod, third, fourth, SubnetBits), nil
}

func prefix(b, c, d, bits int) netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4([4]byte{BaseOctet, byte(b), byte(c), byte(d)}), bits)
}
