package transport

import (
	"net"
	"strconv"
)

// Destination is one resolved connect target. It is immutable once
// resolved and owned by the Transport for a single connection attempt.
type Destination struct {
	// Hostname is the name the peer must present a certificate for
	Hostname string
	IP       net.IP
	IPv6     bool
	Port     int
}

// Network returns the network string of the destination's address family.
func (d Destination) Network() string {
	if d.IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

func (d Destination) Addr() string {
	return net.JoinHostPort(d.IP.String(), strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	return d.Hostname + "/" + d.Addr()
}
