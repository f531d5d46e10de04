package daemon

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a parsed daemon listen address: either a POSIX filesystem
// socket path or a loopback-only tcp://host:port.
type Endpoint struct {
	Network string // "unix" or "tcp"
	Address string // socket path, or host:port
}

// ParseEndpoint accepts a filesystem path (used as-is, a unix socket) or a
// "tcp://host:port" URL whose host must resolve to a loopback address:
// 127.0.0.0/8, ::1, an IPv4-mapped IPv6 form of 127.0.0.0/8, or the literal
// hostname "localhost". Any other host is rejected.
func ParseEndpoint(endpoint string) (Endpoint, error) {
	if rest, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: %w", endpoint, err)
		}
		if err := validateLoopbackHost(host); err != nil {
			return Endpoint{}, err
		}
		if _, err := strconv.Atoi(port); err != nil {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: bad port: %w", endpoint, err)
		}
		return Endpoint{Network: "tcp", Address: rest}, nil
	}
	path := strings.TrimPrefix(endpoint, "unix://")
	if path == "" {
		return Endpoint{}, fmt.Errorf("empty daemon endpoint")
	}
	return Endpoint{Network: "unix", Address: path}, nil
}

func validateLoopbackHost(host string) error {
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("daemon endpoint host %q is not loopback", host)
	}
	if ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("daemon endpoint host %q is not loopback", host)
}

// String renders the endpoint back into its canonical form.
func (e Endpoint) String() string {
	if e.Network == "tcp" {
		return "tcp://" + e.Address
	}
	return e.Address
}
