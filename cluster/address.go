package cluster

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const GatewayScheme = "gwy.tcp"

// SiloAddress identifies one incarnation of a silo. The generation changes
// every time the process restarts so a restarted silo never reuses a row.
type SiloAddress struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Generation int64  `json:"generation"`
}

func (a SiloAddress) String() string {
	return fmt.Sprintf("S%s:%d:%d", a.Host, a.Port, a.Generation)
}

func (a SiloAddress) Endpoint() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// GatewayURI is the client-facing address of the silo with the silo port
// replaced by proxyPort.
func (a SiloAddress) GatewayURI(proxyPort int) *url.URL {
	return &url.URL{
		Scheme: GatewayScheme,
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(proxyPort)),
		Path:   "/" + strconv.FormatInt(a.Generation, 10),
	}
}

func ParseSiloAddress(s string) (SiloAddress, error) {
	raw := strings.TrimPrefix(s, "S")

	genIdx := strings.LastIndex(raw, ":")
	if genIdx < 0 {
		return SiloAddress{}, fmt.Errorf("unable to parse silo address %q: missing generation", s)
	}
	portIdx := strings.LastIndex(raw[:genIdx], ":")
	if portIdx < 0 {
		return SiloAddress{}, fmt.Errorf("unable to parse silo address %q: missing port", s)
	}

	port, err := strconv.Atoi(raw[portIdx+1 : genIdx])
	if err != nil {
		return SiloAddress{}, fmt.Errorf("unable to parse port of silo address %q: %w", s, err)
	}
	gen, err := strconv.ParseInt(raw[genIdx+1:], 10, 64)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("unable to parse generation of silo address %q: %w", s, err)
	}

	return SiloAddress{Host: raw[:portIdx], Port: port, Generation: gen}, nil
}
