// Package netops wraps the OS-side network state the agent observes and
// mutates: live interfaces with their addresses and the IPv4 route table.
package netops

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

type Interface struct {
	Name      string
	Addresses []netip.Addr
}

type Route struct {
	Destination netip.Prefix
	Gateway     netip.Addr
}

// Netlink is implemented by the real netlink stack below and by fakes in
// agent tests.
type Netlink struct{}

func New() Netlink { return Netlink{} }

// ListInterfaces returns every non-loopback link with its IPv4 addresses.
func (Netlink) ListInterfaces() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	var out []Interface
	for _, link := range links {
		if link.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
		}
		iface := Interface{Name: link.Attrs().Name}
		for _, addr := range addrs {
			parsed, ok := netip.AddrFromSlice(addr.IP.To4())
			if !ok {
				continue
			}
			iface.Addresses = append(iface.Addresses, parsed)
		}
		out = append(out, iface)
	}
	return out, nil
}

// RouteExists reports whether a route to destination is already programmed.
func (Netlink) RouteExists(destination netip.Prefix) (bool, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("failed to list routes: %w", err)
	}
	for _, route := range routes {
		if route.Dst == nil {
			continue
		}
		if route.Dst.String() == destination.String() {
			return true, nil
		}
	}
	return false, nil
}

// AddRoute programs a route to destination via gateway on the named link.
func (Netlink) AddRoute(destination netip.Prefix, gateway netip.Addr, ifaceName string) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", ifaceName, err)
	}
	_, dst, err := net.ParseCIDR(destination.String())
	if err != nil {
		return fmt.Errorf("failed to parse destination %s: %w", destination, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Gw:        net.ParseIP(gateway.String()),
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add route %s via %s: %w", destination, gateway, err)
	}
	return nil
}
