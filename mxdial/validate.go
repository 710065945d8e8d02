package mxdial

import (
	"net"
	"sync"
)

// isInvalidAddress reports why ip must not be dialed, or "" if it is fine.
// blockLocalAddresses additionally rejects loopback, private and
// link-local ranges, and any address bound to a local network interface;
// unspecified and broadcast addresses are always rejected regardless.
func isInvalidAddress(ip net.IP, blockLocalAddresses bool) string {
	if ip == nil {
		return "Failed parsing IP address range."
	}
	if ip.IsUnspecified() {
		return "Address is unspecified."
	}
	if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
		return "Address is the broadcast address."
	}
	if !blockLocalAddresses {
		return ""
	}
	switch {
	case ip.IsLoopback():
		return "Address is a loopback address."
	case ip.IsPrivate():
		return "Address is a private address."
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "Address is a link-local address."
	case isLocalInterfaceAddress(ip):
		return "Address is assigned to a local network interface."
	}
	return ""
}

var localAddrsOnce sync.Once
var localAddrs map[string]bool

// isLocalInterfaceAddress reports whether ip is configured on one of this
// host's own network interfaces. The interface list is snapshotted once;
// interfaces added after the first call are not picked up.
func isLocalInterfaceAddress(ip net.IP) bool {
	localAddrsOnce.Do(func() {
		localAddrs = map[string]bool{"0.0.0.0": true}
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				localAddrs[ipnet.IP.String()] = true
			}
		}
	})
	return localAddrs[ip.String()]
}
