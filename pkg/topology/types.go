// Package topology holds the typed, validated model of the network: devices,
// interfaces, links, VRFs and the phases that introduce them.
//
// A Topology is built once per run by Load and is read-only afterwards, so it
// is safe to share across goroutines without locking.
package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Role classifies a device and selects the fragments rendered for it.
type Role string

const (
	RoleCore        Role = "core-router"
	RoleGateway     Role = "gateway-router"
	RoleAggregation Role = "aggregation-router"
	RoleEdge        Role = "edge-router"
	RoleAccess      Role = "access-switch"
)

var knownRoles = map[Role]bool{
	RoleCore: true, RoleGateway: true, RoleAggregation: true, RoleEdge: true, RoleAccess: true,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return knownRoles[r] }

// LinkKind distinguishes point-to-point blocks from multi-access segments.
type LinkKind string

const (
	LinkP2P       LinkKind = "p2p"
	LinkBroadcast LinkKind = "broadcast"
)

// Endpoint names one side of a link.
type Endpoint struct {
	Device    string
	Interface string
}

func (e Endpoint) String() string { return e.Device + ":" + e.Interface }

// ParseEndpoint parses "device:interface".
func ParseEndpoint(s string) (Endpoint, error) {
	dev, iface, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || dev == "" || iface == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: want device:interface", s)
	}
	return Endpoint{Device: dev, Interface: iface}, nil
}

// Interface is a device-local interface record.
type Interface struct {
	Name        string
	Address     netip.Prefix // zero when unnumbered
	Unnumbered  bool
	VRF         string
	VLAN        int
	Description string

	// Link is the ID of the single link this interface belongs to, if any.
	Link string
	// Phase is the phase that introduces the interface. For linked
	// interfaces it is the link's phase.
	Phase int
}

// Addressed reports whether the interface carries an IPv4 address.
func (i *Interface) Addressed() bool { return i.Address.IsValid() }

// Device is a network element.
type Device struct {
	Name           string
	Role           Role
	RouteReflector bool
	BGP            bool
	Site           string
	Mgmt           netip.Addr
	Loopback       netip.Addr
	Interfaces     map[string]*Interface
}

// Interface looks up an interface by name.
func (d *Device) Interface(name string) (*Interface, bool) {
	i, ok := d.Interfaces[name]
	return i, ok
}

// InterfaceNames returns interface names in natural order.
func (d *Device) InterfaceNames() []string {
	names := make([]string, 0, len(d.Interfaces))
	for n := range d.Interfaces {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })
	return names
}

// SpeaksBGP is true for route reflectors and their clients.
func (d *Device) SpeaksBGP() bool { return d.BGP || d.RouteReflector }

// Link connects two interfaces.
type Link struct {
	ID     string
	A, B   Endpoint
	Subnet netip.Prefix
	Kind   LinkKind
	Phase  int
}

// Other returns the far endpoint as seen from device.
func (l *Link) Other(device string) (Endpoint, bool) {
	switch device {
	case l.A.Device:
		return l.B, true
	case l.B.Device:
		return l.A, true
	}
	return Endpoint{}, false
}

// VRF is an L3VPN routing instance.
type VRF struct {
	Name   string
	RD     string
	Import []string
	Export []string
}

// Policy carries the network-wide protocol parameters.
type Policy struct {
	ASN         int
	OSPFProcess int
	OSPFArea    string
	// LDPRouterID names the interface LDP takes its router id from.
	LDPRouterID string
}

// AssertionSpec is the declarative form of a phase assertion. It is expanded
// per device against the topology before evaluation.
type AssertionSpec struct {
	// Kind is one of neighbor, label, route or reachability.
	Kind string `yaml:"kind" json:"kind"`
	// Protocol selects the neighbor table (ospf, ldp, bgp) or the route source.
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	// State is the expected neighbor state; defaults to the protocol's terminal state.
	State string `yaml:"state,omitempty" json:"state,omitempty"`
	// Peers selects neighbors: "links", "bgp" or "list".
	Peers    string   `yaml:"peers,omitempty" json:"peers,omitempty"`
	PeerList []string `yaml:"peer_list,omitempty" json:"peer_list,omitempty"`
	// Targets selects prefixes or addresses: "loopbacks" or "list".
	Targets    string   `yaml:"targets,omitempty" json:"targets,omitempty"`
	TargetList []string `yaml:"target_list,omitempty" json:"target_list,omitempty"`
	VRF        string   `yaml:"vrf,omitempty" json:"vrf,omitempty"`
	Source     string   `yaml:"source,omitempty" json:"source,omitempty"`
	MinSuccess int      `yaml:"min_success,omitempty" json:"min_success,omitempty"`
	// Roles restricts the assertion to devices of these roles.
	Roles []Role `yaml:"roles,omitempty" json:"roles,omitempty"`
	// PeerRoles restricts "links" peers to neighbors of these roles.
	PeerRoles []Role `yaml:"peer_roles,omitempty" json:"peer_roles,omitempty"`
}

// Phase is a deployment milestone.
type Phase struct {
	ID          int
	Name        string
	Description string
	Devices     []string
	DependsOn   []int
	Assertions  []AssertionSpec
	// Templates maps a role to the ordered fragment names rendered for it.
	// Empty means the catalog defaults apply.
	Templates map[Role][]string
}

func (p *Phase) String() string { return fmt.Sprintf("%d (%s)", p.ID, p.Name) }

// Has reports whether device participates in the phase.
func (p *Phase) Has(device string) bool {
	for _, d := range p.Devices {
		if d == device {
			return true
		}
	}
	return false
}

// naturalLess orders "Gi2" before "Gi10".
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ad, bd := isDigit(a[0]), isDigit(b[0])
		switch {
		case ad && bd:
			an, arest := leadingNumber(a)
			bn, brest := leadingNumber(b)
			if an != bn {
				return an < bn
			}
			a, b = arest, brest
		case a[0] != b[0]:
			return a[0] < b[0]
		default:
			a, b = a[1:], b[1:]
		}
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func leadingNumber(s string) (int, string) {
	n, i := 0, 0
	for i < len(s) && isDigit(s[i]) {
		n = n*10 + int(s[i]-'0')
		i++
	}
	return n, s[i:]
}
