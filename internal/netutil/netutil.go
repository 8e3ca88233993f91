// Package netutil resolves the IP address advertised in the share URL.
package netutil

import (
	"fmt"
	"net"
)

// Advertised returns the address the server should bind and print. An explicit
// bind IP wins; otherwise the first non-loopback unicast address of an
// interface that is up is used, preferring IPv4.
func Advertised(bindIP string) (net.IP, error) {
	if bindIP != "" {
		ip := net.ParseIP(bindIP)
		if ip == nil {
			return nil, fmt.Errorf("netutil: invalid bind ip %q", bindIP)
		}
		return ip, nil
	}
	return discoverLAN()
}

func discoverLAN() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}
	var fallback net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4, nil
			}
			if fallback == nil {
				fallback = ipNet.IP
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("netutil: no non-loopback address found (use --bind-ip)")
}
