package util

import (
	"fmt"
	"net"
)

// GetIP returns the address this host uses for outbound traffic, falling
// back to the first non-loopback IPv4 interface address when no route is
// available.
func GetIP() (string, error) {
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if host, _, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
			return host, nil
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("unable to list interface addresses: %v", err)
	}
	return firstRoutable(addrs)
}

func firstRoutable(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no routable address found")
}
