package cidr

// Well-known ranges kept out of the tunnel when local network access is on.
var (
	// PrivateIPv4 are the RFC 1918 private networks.
	PrivateIPv4 = []Block{
		MustParse("10.0.0.0/8"),
		MustParse("172.16.0.0/12"),
		MustParse("192.168.0.0/16"),
	}

	// UniqueLocalIPv6 is the RFC 4193 unique local range.
	UniqueLocalIPv6 = []Block{
		MustParse("fc00::/7"),
	}

	// MulticastIPv4 is the RFC 1112 multicast block.
	MulticastIPv4 = MustParse("224.0.0.0/4")

	// MulticastIPv6 is the RFC 4291 multicast block.
	MulticastIPv6 = MustParse("ff00::/8")

	// AllIPv4 and AllIPv6 route everything.
	AllIPv4 = MustParse("0.0.0.0/0")
	AllIPv6 = MustParse("::/0")
)
