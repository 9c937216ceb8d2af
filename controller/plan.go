package controller

import (
	"fmt"
	"net/netip"

	"github.com/yllada/tunnelctl/cidr"
	"github.com/yllada/tunnelctl/common"
	"github.com/yllada/tunnelctl/daemon"
	"github.com/yllada/tunnelctl/servers"
)

// Settings are the user preferences that shape a plan.
type Settings struct {
	// DNSOverride replaces the exit gateway as resolver when it is a
	// valid address.
	DNSOverride string
	// ExcludedIPv4 and ExcludedIPv6 are ranges kept out of the tunnel.
	ExcludedIPv4 []string
	ExcludedIPv6 []string
	// DisabledApps bypass the tunnel when split tunnelling is supported.
	DisabledApps         []string
	SplitTunnelSupported bool
	// CaptivePortalAlert enables blocking activation behind a captive
	// portal. CaptivePortalAddresses are excluded either way.
	CaptivePortalAlert     bool
	CaptivePortalAddresses []string
	// LocalNetworkAccess keeps LAN and multicast traffic off the tunnel.
	LocalNetworkAccess bool
	// AlwaysPort53 pins single-hop connections to the DNS port.
	AlwaysPort53 bool
}

// Device is this client's tunnel identity.
type Device struct {
	PrivateKey  string
	IPv4Address string
	IPv6Address string
}

// ServerSource resolves locations to candidate servers.
type ServerSource interface {
	Servers(country, city string) []servers.Server
	Lookup(publicKey string) (servers.Server, bool)
}

// Plan is an ordered activation plan, outer hop first. It is replaced as
// a whole, never edited.
type Plan struct {
	Hops []daemon.HopConfig
	// Location carries the public keys of the servers chosen.
	Location servers.Location
}

// Planner builds plans from a location and the current settings.
type Planner struct {
	Settings        Settings
	Device          Device
	Source          ServerSource
	Cooldowns       *servers.Cooldowns
	MultihopBackend bool
	IntN            servers.IntN
	Logger          common.Logger
}

// Build creates the plan for loc. forcePort53 pins the first hop to the
// DNS port.
func (p *Planner) Build(loc servers.Location, policy SelectionPolicy, forcePort53 bool) (Plan, error) {
	if p.Logger == nil {
		p.Logger = common.GetLogger().Named("controller")
	}

	exit, err := p.pick(loc.ExitCountry, loc.ExitCity, loc.ExitPublicKey, policy)
	if err != nil {
		return Plan{}, fmt.Errorf("exit server: %w", err)
	}
	loc.ExitPublicKey = exit.PublicKey

	allowed := AllowedIPs(exit, p.Settings, p.Logger)
	exitHop := p.hop(exit, daemon.SingleHop, 0)
	exitHop.AllowedIPs = allowed
	exitHop.ExcludedAddresses = p.captivePortalAddresses()
	exitHop.DNSServer = DNSServer(p.Settings.DNSOverride, exit)
	if p.Settings.SplitTunnelSupported {
		exitHop.DisabledApps = append([]string(nil), p.Settings.DisabledApps...)
	}

	if !loc.Multihop() {
		p.Logger.Info("Activating single hop")
		exitHop.ExcludedAddresses = appendAddrs(exitHop.ExcludedAddresses, exit.IPv4AddrIn, exit.IPv6AddrIn)
		if forcePort53 || p.Settings.AlwaysPort53 {
			p.Logger.Info("Forcing port 53")
			exitHop.ServerPort = common.DNSPort
		}
		loc.EntryPublicKey = ""
		return Plan{Hops: []daemon.HopConfig{exitHop}, Location: loc}, nil
	}

	entry, err := p.pick(loc.EntryCountry, loc.EntryCity, loc.EntryPublicKey, policy)
	if err != nil {
		return Plan{}, fmt.Errorf("entry server: %w", err)
	}
	loc.EntryPublicKey = entry.PublicKey

	if p.MultihopBackend {
		p.Logger.Info("Activating multi-hop through the daemon")
		entryHop := p.hop(entry, daemon.MultiHopEntry, 1)
		if forcePort53 {
			entryHop.ServerPort = common.DNSPort
		}
		entryHop.AllowedIPs = hostBlocks(exit.IPv4AddrIn, exit.IPv6AddrIn)
		entryHop.ExcludedAddresses = appendAddrs(nil, entry.IPv4AddrIn, entry.IPv6AddrIn)

		exitHop.Type = daemon.MultiHopExit
		return Plan{Hops: []daemon.HopConfig{entryHop, exitHop}, Location: loc}, nil
	}

	// Without daemon support the exit is reached through the entry's
	// ingress on the exit's multihop port. Port 53 cannot apply here.
	p.Logger.Info("Activating multi-hop through the multihop port")
	exitHop.ServerIPv4AddrIn = entry.IPv4AddrIn
	exitHop.ServerIPv6AddrIn = entry.IPv6AddrIn
	exitHop.ServerPort = exit.MultihopPort
	exitHop.ExcludedAddresses = appendAddrs(exitHop.ExcludedAddresses, entry.IPv4AddrIn, entry.IPv6AddrIn)
	return Plan{Hops: []daemon.HopConfig{exitHop}, Location: loc}, nil
}

func (p *Planner) pick(country, city, key string, policy SelectionPolicy) (servers.Server, error) {
	if policy == DoNotRandomize && key != "" {
		if s, ok := p.Source.Lookup(key); ok {
			return s, nil
		}
		p.Logger.Warn("Server %s is gone, choosing another", key)
	}

	list := p.Source.Servers(country, city)
	if p.Cooldowns != nil {
		list = p.Cooldowns.Filter(list)
	}
	s, ok := servers.WeightChooser(list, p.IntN)
	if !ok {
		return servers.Server{}, fmt.Errorf("%w in %s/%s", common.ErrNoServers, country, city)
	}
	return s, nil
}

func (p *Planner) hop(s servers.Server, typ daemon.HopType, index int) daemon.HopConfig {
	return daemon.HopConfig{
		Type:              typ,
		HopIndex:          index,
		PrivateKey:        p.Device.PrivateKey,
		DeviceIPv4Address: p.Device.IPv4Address,
		DeviceIPv6Address: p.Device.IPv6Address,
		ServerPublicKey:   s.PublicKey,
		ServerIPv4AddrIn:  s.IPv4AddrIn,
		ServerIPv6AddrIn:  s.IPv6AddrIn,
		ServerIPv4Gateway: s.IPv4Gateway,
		ServerIPv6Gateway: s.IPv6Gateway,
		ServerPort:        servers.ChoosePort(s, p.IntN),
	}
}

func (p *Planner) captivePortalAddresses() []string {
	return append([]string(nil), p.Settings.CaptivePortalAddresses...)
}

// AllowedIPs computes the ranges routed through the exit hop. Everything
// is routed except the excluded ranges; the exit gateways and the proxy
// range are always reachable. Invalid exclusions are logged and skipped.
func AllowedIPs(exit servers.Server, s Settings, logger common.Logger) []cidr.Block {
	if logger == nil {
		logger = common.GetLogger().Named("controller")
	}

	var v4, v6 []cidr.Block
	if s.LocalNetworkAccess {
		v4 = append(v4, cidr.PrivateIPv4...)
		v4 = append(v4, cidr.MulticastIPv4)
		v6 = append(v6, cidr.UniqueLocalIPv6...)
		v6 = append(v6, cidr.MulticastIPv6)
	}

	add := func(texts []string, what string) {
		for _, text := range texts {
			b, err := cidr.Parse(text)
			if err != nil {
				logger.Warn("Ignoring %s %q: %v", what, text, err)
				continue
			}
			if b.Is6() {
				v6 = append(v6, b)
			} else {
				v4 = append(v4, b)
			}
		}
	}
	add(s.ExcludedIPv4, "excluded range")
	add(s.ExcludedIPv6, "excluded range")
	add(s.CaptivePortalAddresses, "captive portal address")

	allowed := cidr.ExcludeMany([]cidr.Block{cidr.AllIPv4}, v4)
	allowed = append(allowed, cidr.ExcludeMany([]cidr.Block{cidr.AllIPv6}, v6)...)

	extras := hostBlocks(exit.IPv4Gateway, exit.IPv6Gateway)
	extras = append(extras, cidr.MustParse(common.ProxyRange))
	for _, b := range extras {
		if !coveredBy(allowed, b) {
			allowed = append(allowed, b)
		}
	}

	cidr.Sort(allowed)
	return allowed
}

// DNSServer returns override when it is a valid address, otherwise the
// exit server's IPv4 gateway.
func DNSServer(override string, exit servers.Server) string {
	if override != "" {
		if addr, err := netip.ParseAddr(override); err == nil && !addr.IsUnspecified() {
			return addr.String()
		}
	}
	return exit.IPv4Gateway
}

func coveredBy(list []cidr.Block, b cidr.Block) bool {
	for _, l := range list {
		if b.SubnetOf(l) {
			return true
		}
	}
	return false
}

func hostBlocks(addrs ...string) []cidr.Block {
	var out []cidr.Block
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if addr, err := netip.ParseAddr(a); err == nil {
			out = append(out, cidr.FromAddr(addr))
		}
	}
	return out
}

func appendAddrs(list []string, addrs ...string) []string {
	for _, a := range addrs {
		if a != "" {
			list = append(list, a)
		}
	}
	return list
}
