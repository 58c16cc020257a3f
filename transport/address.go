package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
)

// ResolveUDPAddr resolves host[:port] to a UDP address, applying defaultPort
// when the input has no port.
func ResolveUDPAddr(hostport string, defaultPort int) (*net.UDPAddr, error) {
	if hostport == "" {
		return nil, fmt.Errorf("empty address")
	}

	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(hostport, strconv.Itoa(defaultPort))
	}

	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ResolveUDPAddr",
			"address":  hostport,
			"error":    err.Error(),
		}).Warn("Failed to resolve address")
		return nil, fmt.Errorf("failed to resolve %s: %w", hostport, err)
	}
	return addr, nil
}

// OutboundIP returns the local IP the kernel would use to reach remote.
// No packet is sent: connecting a UDP socket only selects a route.
func OutboundIP(remote *net.UDPAddr) (net.IP, error) {
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("no route to %s: %w", remote, err)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// AdvertisableAddr replaces an unspecified bind address (0.0.0.0 or ::) with
// the outbound IP towards remote, keeping the bound port.
func AdvertisableAddr(bound *net.UDPAddr, remote *net.UDPAddr) *net.UDPAddr {
	addr := &net.UDPAddr{IP: bound.IP, Port: bound.Port, Zone: bound.Zone}
	if !addr.IP.IsUnspecified() && addr.IP != nil {
		return addr
	}

	ip, err := OutboundIP(remote)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AdvertisableAddr",
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Warn("Falling back to loopback for advertised address")
		ip = net.IPv4(127, 0, 0, 1)
	}
	addr.IP = ip
	return addr
}
