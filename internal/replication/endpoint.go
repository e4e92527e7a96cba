package replication

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint names the peer to connect to: a device id reachable over the
// local signaling group, a host:port running a relay, or both as id@host:port.
type Endpoint struct {
	DeviceID string
	Address  string
}

func ParseEndpoint(value string) (Endpoint, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	if id, address, ok := strings.Cut(value, "@"); ok {
		if id == "" || address == "" {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, value)
		}
		return Endpoint{DeviceID: id, Address: address}, nil
	}

	if strings.Contains(value, ":") || strings.Contains(value, "/") {
		return Endpoint{Address: value}, nil
	}

	return Endpoint{DeviceID: value}, nil
}

func (e Endpoint) String() string {
	switch {
	case e.DeviceID != "" && e.Address != "":
		return e.DeviceID + "@" + e.Address
	case e.Address != "":
		return e.Address
	default:
		return e.DeviceID
	}
}

// Reachability is what a hosting instance tells others about itself.
type Reachability struct {
	DeviceID  string   `json:"deviceId"`
	Host      string   `json:"host,omitempty"`
	Port      int      `json:"port,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

func (r Reachability) Address() string {
	if r.Host == "" || r.Port == 0 {
		return ""
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Endpoint is the value a client passes to connect back to this host.
func (r Reachability) Endpoint() Endpoint {
	return Endpoint{DeviceID: r.DeviceID, Address: r.Address()}
}
