// Package cidr provides an immutable IPv4/IPv6 network block type.
//
// A Block supports containment, overlap, bisection and set difference.
// The set difference is what turns "route everything" into "route
// everything except the LAN, multicast and user exclusions" when the
// allow-list for a tunnel hop is computed.
package cidr

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Errors returned by block operations.
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrCannotBisect   = errors.New("cannot bisect a host block")
)

// Block is an IPv4 or IPv6 network. The zero value is not a valid block.
// The base address is always masked to the prefix length.
type Block struct {
	prefix netip.Prefix
}

// Parse parses "a.b.c.d", "a.b.c.d/n", "x::y" or "x::y/n".
// A bare address is a /32 (IPv4) or /128 (IPv6) block. Host bits
// below the prefix length are cleared.
func Parse(text string) (Block, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Block{}, fmt.Errorf("%w: empty string", ErrInvalidAddress)
	}

	if strings.Contains(text, "/") {
		p, err := netip.ParsePrefix(text)
		if err != nil {
			return Block{}, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
		}
		return Block{prefix: p.Masked()}, nil
	}

	addr, err := netip.ParseAddr(text)
	if err != nil || addr.Zone() != "" {
		return Block{}, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	return Block{prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
}

// MustParse is like Parse but panics on malformed input.
// It is meant for package-level tables of well-known ranges.
func MustParse(text string) Block {
	b, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return b
}

// FromPrefix wraps a netip.Prefix, masking off host bits.
func FromPrefix(p netip.Prefix) Block {
	return Block{prefix: p.Masked()}
}

// FromAddr returns the host block (/32 or /128) for addr.
func FromAddr(addr netip.Addr) Block {
	return Block{prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

// Prefix returns the block as a netip.Prefix.
func (b Block) Prefix() netip.Prefix { return b.prefix }

// Addr returns the base address.
func (b Block) Addr() netip.Addr { return b.prefix.Addr() }

// Bits returns the prefix length.
func (b Block) Bits() int { return b.prefix.Bits() }

// Is6 reports whether b is an IPv6 block.
func (b Block) Is6() bool { return b.prefix.Addr().Is6() }

// IsValid reports whether b holds a parsed block.
func (b Block) IsValid() bool { return b.prefix.IsValid() }

// IsHost reports whether b is a single address.
func (b Block) IsHost() bool { return b.prefix.IsSingleIP() }

// String returns the block in "addr/bits" form.
func (b Block) String() string { return b.prefix.String() }

// Contains reports whether addr falls inside b. Addresses of the other
// family are never contained.
func (b Block) Contains(addr netip.Addr) bool {
	return b.prefix.Contains(addr)
}

// Overlaps reports whether b and other share at least one address.
func (b Block) Overlaps(other Block) bool {
	return b.prefix.Overlaps(other.prefix)
}

// SubnetOf reports whether b lies entirely within other.
func (b Block) SubnetOf(other Block) bool {
	return other.prefix.Bits() <= b.prefix.Bits() && other.prefix.Contains(b.prefix.Addr())
}

// Bisect splits b into its lower and upper halves, each one bit longer.
func (b Block) Bisect() (Block, Block, error) {
	bits := b.prefix.Bits()
	if bits >= b.prefix.Addr().BitLen() {
		return Block{}, Block{}, fmt.Errorf("%w: %s", ErrCannotBisect, b)
	}

	raw := b.prefix.Addr().AsSlice()
	lower := netip.PrefixFrom(b.prefix.Addr(), bits+1)
	raw[bits/8] |= 0x80 >> (bits % 8)
	upperAddr, _ := netip.AddrFromSlice(raw)
	upper := netip.PrefixFrom(upperAddr, bits+1)

	return Block{prefix: lower}, Block{prefix: upper}, nil
}

// Netmask returns the network mask, e.g. 255.255.255.0 for a /24.
func (b Block) Netmask() netip.Addr {
	return maskAddr(b.prefix.Bits(), b.prefix.Addr().BitLen(), false)
}

// Hostmask returns the inverse of the network mask.
func (b Block) Hostmask() netip.Addr {
	return maskAddr(b.prefix.Bits(), b.prefix.Addr().BitLen(), true)
}

// Broadcast returns the highest address in b.
func (b Block) Broadcast() netip.Addr {
	raw := b.prefix.Addr().AsSlice()
	host := b.Hostmask().AsSlice()
	for i := range raw {
		raw[i] |= host[i]
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr
}

func maskAddr(ones, total int, invert bool) netip.Addr {
	raw := make([]byte, total/8)
	for i := range raw {
		switch {
		case ones >= 8:
			raw[i] = 0xff
			ones -= 8
		case ones > 0:
			raw[i] = ^byte(0xff >> ones)
			ones = 0
		}
		if invert {
			raw[i] = ^raw[i]
		}
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr
}

// Exclude returns the minimal set of disjoint blocks covering b minus
// target. A target of the other family or one that does not overlap b
// leaves b untouched; a target covering b leaves nothing.
//
// Two CIDR blocks either nest or are disjoint, so one half of every
// bisection contains target. Exclude panics if that ever fails to hold.
func (b Block) Exclude(target Block) []Block {
	if b.Is6() != target.Is6() || !b.Overlaps(target) {
		return []Block{b}
	}
	if b.SubnetOf(target) {
		return []Block{}
	}

	var out []Block
	current := b
	for current != target {
		lower, upper, err := current.Bisect()
		if err != nil {
			panic(fmt.Sprintf("cidr: excluding %s from %s: %v", target, b, err))
		}
		switch {
		case target.SubnetOf(lower):
			out = append(out, upper)
			current = lower
		case target.SubnetOf(upper):
			out = append(out, lower)
			current = upper
		default:
			panic(fmt.Sprintf("cidr: %s is not aligned within %s", target, current))
		}
	}
	return out
}

// ExcludeMany removes every block in excludes from every block in
// sources, folding one exclusion at a time over the running result.
func ExcludeMany(sources, excludes []Block) []Block {
	result := make([]Block, len(sources))
	copy(result, sources)

	for _, ex := range excludes {
		next := make([]Block, 0, len(result))
		for _, src := range result {
			next = append(next, src.Exclude(ex)...)
		}
		result = next
	}
	return result
}

// ParseList parses each entry with Parse and stops at the first error.
func ParseList(texts []string) ([]Block, error) {
	blocks := make([]Block, 0, len(texts))
	for _, t := range texts {
		b, err := Parse(t)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Sort orders blocks IPv4 first, then by address and prefix length.
func Sort(blocks []Block) {
	sort.Slice(blocks, func(i, j int) bool {
		a, b := blocks[i].prefix, blocks[j].prefix
		if a.Addr().Is4() != b.Addr().Is4() {
			return a.Addr().Is4()
		}
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c < 0
		}
		return a.Bits() < b.Bits()
	})
}

// Covered reports whether addr lies within any of blocks.
func Covered(blocks []Block, addr netip.Addr) bool {
	for _, b := range blocks {
		if b.Contains(addr) {
			return true
		}
	}
	return false
}
