package ens

import (
	"net"
	"strings"
)

// Default naming parameters for agents hosted under the app domain.
const (
	DefaultAppDomain     = "elara-app.eth"
	DefaultGatewaySuffix = ".limo"
	DefaultNameSuffix    = ".eth"
)

// Naming maps page hostnames to fully-qualified agent names.
type Naming struct {
	AppDomain     string // parent name agents are registered under
	GatewaySuffix string // suffix added by an HTTP gateway such as eth.limo
	NameSuffix    string // name-service top level suffix
}

// DefaultNaming returns the naming used by the hosted app.
func DefaultNaming() Naming {
	return Naming{
		AppDomain:     DefaultAppDomain,
		GatewaySuffix: DefaultGatewaySuffix,
		NameSuffix:    DefaultNameSuffix,
	}
}

// NameForHost returns "<tenant>.<AppDomain>" for hosts ending in the name
// suffix, optionally followed by the gateway suffix. ok is false when the
// host does not follow that pattern.
func (n Naming) NameForHost(host string) (name string, ok bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	if n.GatewaySuffix != "" && strings.HasSuffix(host, n.NameSuffix+n.GatewaySuffix) {
		host = strings.TrimSuffix(host, n.GatewaySuffix)
	}
	if !strings.HasSuffix(host, n.NameSuffix) {
		return "", false
	}
	tenant, _, _ := strings.Cut(host, ".")
	if tenant == "" {
		return "", false
	}
	return tenant + "." + n.AppDomain, true
}

// NameForLabel returns the fully-qualified name a label registers.
func (n Naming) NameForLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label)) + "." + n.AppDomain
}
