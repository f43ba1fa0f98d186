package wsvpn

import (
	"fmt"
	"net/netip"
)

// TunnelMode selects the virtual interface type the server expects.
type TunnelMode string

const (
	// ModeTUN carries layer 3 IP packets
	ModeTUN TunnelMode = "TUN"
	// ModeTAP carries layer 2 Ethernet frames
	ModeTAP TunnelMode = "TAP"
)

// InitParameters are the runtime parameters the server sends in its init
// command once a session is ready.
type InitParameters struct {
	Mode       TunnelMode `json:"mode"`
	DoIPConfig bool       `json:"do_ip_config"`
	IPAddress  string     `json:"ip_address"`
	ClientID   string     `json:"client_id"`
	ServerID   string     `json:"server_id"`
	MTU        int        `json:"mtu"`
}

// Prefix parses IPAddress, which the server sends in CIDR notation.
func (p InitParameters) Prefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(p.IPAddress)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip_address %q: %w", p.IPAddress, err)
	}
	return prefix, nil
}

// versionParameters is the payload of the version command.
type versionParameters struct {
	Version         string   `json:"version"`
	ProtocolVersion int      `json:"protocol_version"`
	EnabledFeatures []string `json:"enabled_features"`
}

// replyParameters is the payload of the reply command.
type replyParameters struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}
