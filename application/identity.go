package application

import (
	"bytes"
	"net"
)

// TargetIdentity names the one node the gateway connects to. When MAC is set
// it is the only criterion; Name is used otherwise.
type TargetIdentity struct {
	Name string
	MAC  net.HardwareAddr
}

// Matches reports whether adv comes from the target. Matching is exact and
// fails closed: an address that does not parse as a MAC never matches.
func (t TargetIdentity) Matches(adv Advertisement) bool {
	if len(t.MAC) > 0 {
		mac, err := net.ParseMAC(adv.Address)
		if err != nil {
			return false
		}
		return bytes.Equal(mac, t.MAC)
	}
	return t.Name != "" && adv.Name == t.Name
}

func (t TargetIdentity) String() string {
	if len(t.MAC) > 0 {
		return t.MAC.String()
	}
	return t.Name
}
