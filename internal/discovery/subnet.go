// Package discovery finds fleet-relevant devices on the LAN: a bounded
// concurrent sweep over a subnet, scoring of hosts by automation
// markers, hub candidate discovery, and enumeration of a hub's child
// lights.
package discovery

import (
	"fmt"
	"net"
	"regexp"
)

var (
	octets3Re = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
	octets4Re = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
)

// ParseSubnetHint resolves the operator's subnet hint to a network.
// Accepted forms: "" (infer a /24 from the local interfaces),
// "192.168.1" or "192.168.1.50" (that /24), and CIDR notation.
func ParseSubnetHint(hint string) (*net.IPNet, error) {
	if hint == "" {
		return inferLocalSubnet()
	}

	if m := octets3Re.FindStringSubmatch(hint); m != nil {
		ip := net.ParseIP(hint + ".0")
		if ip == nil {
			return nil, fmt.Errorf("invalid subnet hint %q", hint)
		}
		return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(24, 32)}, nil
	}
	if octets4Re.MatchString(hint) {
		ip := net.ParseIP(hint)
		if ip == nil {
			return nil, fmt.Errorf("invalid subnet hint %q", hint)
		}
		return &net.IPNet{IP: ip.To4().Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}, nil
	}

	ip, network, err := net.ParseCIDR(hint)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet hint %q", hint)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("subnet hint %q is not IPv4", hint)
	}
	return network, nil
}

// inferLocalSubnet picks the /24 of the first non-loopback IPv4
// interface address.
func inferLocalSubnet() (*net.IPNet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addrs: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return &net.IPNet{IP: ip.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}, nil
	}
	return nil, fmt.Errorf("no usable IPv4 interface found")
}

// hostsIn enumerates usable host addresses in the network, capped so a
// huge CIDR cannot stall the sweep.
func hostsIn(network *net.IPNet, limit int) []string {
	var out []string
	ip := make(net.IP, len(network.IP.To4()))
	copy(ip, network.IP.To4())

	for ip := ip.Mask(network.Mask); network.Contains(ip); incIP(ip) {
		// Skip network and broadcast addresses.
		if ip[3] == 0 || ip[3] == 255 {
			continue
		}
		out = append(out, ip.String())
		if len(out) >= limit {
			break
		}
	}
	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
