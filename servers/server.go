// Package servers provides the server directory consumed by the connection
// controller. This file contains the Server type and the weighted server
// and port choosers.
package servers

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/tunnelctl/common"
)

// Common errors returned by server operations.
var (
	ErrServerNotFound = errors.New("server not found")
	ErrInvalidServer  = errors.New("invalid server data")
)

// PortRange is an inclusive range of UDP ports a server listens on.
type PortRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Server is one tunnel endpoint in the directory.
type Server struct {
	// Hostname identifies the server for humans and logs.
	Hostname string `json:"hostname" yaml:"hostname"`
	// PublicKey is the server's WireGuard public key (base64).
	PublicKey string `json:"public_key" yaml:"public_key"`
	// IPv4AddrIn and IPv6AddrIn are the ingress addresses clients dial.
	IPv4AddrIn string `json:"ipv4_addr_in" yaml:"ipv4_addr_in"`
	IPv6AddrIn string `json:"ipv6_addr_in,omitempty" yaml:"ipv6_addr_in,omitempty"`
	// IPv4Gateway and IPv6Gateway are the in-tunnel gateway addresses.
	IPv4Gateway string `json:"ipv4_gateway" yaml:"ipv4_gateway"`
	IPv6Gateway string `json:"ipv6_gateway,omitempty" yaml:"ipv6_gateway,omitempty"`
	// Weight biases the random choice between servers of one city.
	Weight uint32 `json:"weight" yaml:"weight"`
	// PortRanges lists the ports the server accepts handshakes on.
	PortRanges []PortRange `json:"port_ranges" yaml:"port_ranges"`
	// MultihopPort is the port forwarding to this server from another
	// server of the network.
	MultihopPort int `json:"multihop_port,omitempty" yaml:"multihop_port,omitempty"`
}

// Validate checks the fields the controller relies on.
func (s *Server) Validate() error {
	if _, err := wgtypes.ParseKey(s.PublicKey); err != nil {
		return fmt.Errorf("%w: %s: public key: %v", ErrInvalidServer, s.Hostname, err)
	}
	if _, err := netip.ParseAddr(s.IPv4AddrIn); err != nil {
		return fmt.Errorf("%w: %s: ipv4_addr_in: %v", ErrInvalidServer, s.Hostname, err)
	}
	if _, err := netip.ParseAddr(s.IPv4Gateway); err != nil {
		return fmt.Errorf("%w: %s: ipv4_gateway: %v", ErrInvalidServer, s.Hostname, err)
	}
	for _, addr := range []string{s.IPv6AddrIn, s.IPv6Gateway} {
		if addr == "" {
			continue
		}
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidServer, s.Hostname, err)
		}
	}
	for _, r := range s.PortRanges {
		if r.Min < 1 || r.Max > 65535 || r.Min > r.Max {
			return fmt.Errorf("%w: %s: port range %d-%d", ErrInvalidServer, s.Hostname, r.Min, r.Max)
		}
	}
	return nil
}

// IntN returns a random integer in [0, n). Tests substitute a fixed
// sequence.
type IntN func(n int) int

func orDefault(intn IntN) IntN {
	if intn == nil {
		return rand.IntN
	}
	return intn
}

// WeightChooser picks a server at random, biased by weight. It returns
// false only for an empty list.
func WeightChooser(list []Server, intn IntN) (Server, bool) {
	if len(list) == 0 {
		return Server{}, false
	}

	sum := 0
	for _, s := range list {
		sum += int(s.Weight)
	}

	r := orDefault(intn)(sum + 1)
	for _, s := range list {
		if int(s.Weight) >= r {
			return s, true
		}
		r -= int(s.Weight)
	}

	// Unreachable: the running remainder never exceeds the last weight.
	return list[len(list)-1], true
}

// ChoosePort picks a random port from the server's ranges, skipping the
// DNS port, which the network blocks between servers. It returns 0 when
// the server lists no ranges.
func ChoosePort(s Server, intn IntN) int {
	if len(s.PortRanges) == 0 {
		return 0
	}

	length, dns := 0, 0
	for _, r := range s.PortRanges {
		length += r.Max - r.Min + 1
		if r.Min <= common.DNSPort && common.DNSPort <= r.Max {
			dns++
		}
	}

	// Only the DNS port is listed.
	if dns == length {
		return common.DNSPort
	}

	pick := orDefault(intn)
	for {
		r := pick(length)
		port := 0
		for _, pr := range s.PortRanges {
			if r <= pr.Max-pr.Min {
				port = pr.Min + r
				break
			}
			r -= pr.Max - pr.Min + 1
		}
		if port != common.DNSPort {
			return port
		}
	}
}

// Location is the user's server selection: an exit city and, for
// multihop, an entry city. The public keys remember the servers last
// chosen so a reconnect can reuse them.
type Location struct {
	ExitCountry    string `json:"exit_country" yaml:"exit_country"`
	ExitCity       string `json:"exit_city" yaml:"exit_city"`
	EntryCountry   string `json:"entry_country,omitempty" yaml:"entry_country,omitempty"`
	EntryCity      string `json:"entry_city,omitempty" yaml:"entry_city,omitempty"`
	ExitPublicKey  string `json:"exit_public_key,omitempty" yaml:"exit_public_key,omitempty"`
	EntryPublicKey string `json:"entry_public_key,omitempty" yaml:"entry_public_key,omitempty"`
}

// Multihop reports whether the location chains an entry server.
func (l Location) Multihop() bool {
	return l.EntryCountry != "" && l.EntryCity != ""
}

// String describes the location for logs.
func (l Location) String() string {
	exit := l.ExitCountry + "/" + l.ExitCity
	if l.Multihop() {
		return l.EntryCountry + "/" + l.EntryCity + " -> " + exit
	}
	return exit
}
