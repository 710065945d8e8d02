package dns

import (
	"net"
)

// IPDomain is either an IP address or a domain name, never both, possibly
// neither (the zero value).
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// IsZero returns whether both IP and Domain are unset.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// String returns a string representation of either the IP or the domain
// (unicode form).
func (d IPDomain) String() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.Name()
}

func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}
