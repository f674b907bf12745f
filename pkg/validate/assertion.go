package validate

import (
	"fmt"
	"net/netip"

	"github.com/newtron-network/newtphase/pkg/device"
	"github.com/newtron-network/newtphase/pkg/topology"
)

// Assertion kinds.
const (
	KindNeighbor     = "neighbor"
	KindLabel        = "label"
	KindRoute        = "route"
	KindReachability = "reachability"
)

// Assertion is one concrete check against one device.
type Assertion struct {
	// ID is stable across runs: kind, protocol or vrf, and the object
	// checked, e.g. "neighbor/ospf/core2/GigabitEthernet2".
	ID     string
	Kind   string
	Device string
	Key    device.FactKey

	// Neighbor assertions.
	Machine   *StateMachine
	State     string
	PeerName  string
	PeerID    string
	Interface string

	// Label, route and reachability assertions.
	Prefix     netip.Prefix
	Protocol   string
	MinSuccess int
}

// Expected describes what the assertion wants to observe.
func (a *Assertion) Expected() string {
	switch a.Kind {
	case KindNeighbor:
		return a.State
	case KindLabel:
		return "label binding for " + a.Prefix.String()
	case KindRoute:
		if a.Protocol != "" {
			return a.Protocol + " route to " + a.Prefix.String()
		}
		return "route to " + a.Prefix.String()
	case KindReachability:
		return fmt.Sprintf(">= %d%% success", a.MinSuccess)
	}
	return ""
}

// Expand turns the phase's assertion specs into concrete assertions for
// device. Peer and target sets are computed through the phase, so later
// phases check everything earlier ones introduced.
func Expand(t *topology.Topology, phaseID int, name string) ([]Assertion, error) {
	p, ok := t.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("unknown phase %d", phaseID)
	}
	d, ok := t.Device(name)
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	if !p.Has(name) {
		return nil, fmt.Errorf("device %s is not part of phase %s", name, p)
	}

	var out []Assertion
	for n, spec := range p.Assertions {
		if !hasRole(spec.Roles, d.Role) {
			continue
		}
		var (
			as  []Assertion
			err error
		)
		switch spec.Kind {
		case KindNeighbor:
			as, err = expandNeighbor(t, p.ID, d, spec)
		case KindLabel, KindRoute, KindReachability:
			as, err = expandTargets(t, p.ID, d, spec)
		default:
			err = fmt.Errorf("unknown kind %q", spec.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("phase %s assertion %d: %w", p, n+1, err)
		}
		out = append(out, as...)
	}
	return out, nil
}

func hasRole(roles []topology.Role, r topology.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

var neighborFacts = map[string]device.FactKind{
	"ospf": device.FactOSPFNeighbors,
	"ldp":  device.FactLDPNeighbors,
	"bgp":  device.FactBGPSummary,
}

func expandNeighbor(t *topology.Topology, k int, d *topology.Device, spec topology.AssertionSpec) ([]Assertion, error) {
	m, ok := machines[spec.Protocol]
	if !ok {
		return nil, fmt.Errorf("neighbor protocol %q", spec.Protocol)
	}
	want := m.Terminal()
	if spec.State != "" {
		if want, ok = m.Normalize(spec.State); !ok {
			return nil, fmt.Errorf("%s has no state %q", spec.Protocol, spec.State)
		}
	}
	base := Assertion{
		Kind:    KindNeighbor,
		Device:  d.Name,
		Key:     device.FactKey{Kind: neighborFacts[spec.Protocol]},
		Machine: m,
		State:   want,
	}

	var out []Assertion
	add := func(peer *topology.Device, iface string) {
		a := base
		a.PeerName = peer.Name
		a.PeerID = peer.Loopback.String()
		a.Interface = iface
		a.ID = fmt.Sprintf("neighbor/%s/%s", spec.Protocol, peer.Name)
		if iface != "" {
			a.ID += "/" + iface
		}
		out = append(out, a)
	}

	peers := spec.Peers
	if peers == "" {
		peers = "links"
		if spec.Protocol == "bgp" {
			peers = "bgp"
		}
	}
	switch peers {
	case "links":
		for _, n := range t.Neighbors(d.Name, k) {
			if !hasRole(spec.PeerRoles, n.Device.Role) {
				continue
			}
			iface := n.Local.Name
			if spec.Protocol == "ldp" {
				// LDP sessions run between loopbacks; parallel links share one.
				iface = ""
			}
			add(n.Device, iface)
		}
	case "bgp":
		for _, peer := range t.BGPPeers(d.Name, k) {
			add(peer, "")
		}
	case "list":
		for _, name := range spec.PeerList {
			peer, ok := t.Device(name)
			if !ok {
				return nil, fmt.Errorf("unknown peer %q", name)
			}
			if peer.Name != d.Name {
				add(peer, "")
			}
		}
	default:
		return nil, fmt.Errorf("unknown peer selector %q", spec.Peers)
	}
	return dedupe(out), nil
}

func expandTargets(t *topology.Topology, k int, d *topology.Device, spec topology.AssertionSpec) ([]Assertion, error) {
	type target struct {
		name   string
		prefix netip.Prefix
	}
	var targets []target
	switch spec.Targets {
	case "", "loopbacks":
		for _, peer := range t.DevicesThrough(k) {
			if peer.Name != d.Name {
				targets = append(targets, target{peer.Name, netip.PrefixFrom(peer.Loopback, 32)})
			}
		}
	case "list":
		for _, s := range spec.TargetList {
			p, err := parseTarget(s)
			if err != nil {
				return nil, err
			}
			targets = append(targets, target{p.String(), p})
		}
	default:
		return nil, fmt.Errorf("unknown target selector %q", spec.Targets)
	}

	scope := spec.Protocol
	if spec.VRF != "" {
		scope = "vrf-" + spec.VRF
	}
	var out []Assertion
	for _, tg := range targets {
		a := Assertion{Kind: spec.Kind, Device: d.Name, Prefix: tg.prefix, Protocol: spec.Protocol}
		switch spec.Kind {
		case KindLabel:
			a.Key = device.FactKey{Kind: device.FactLabels}
			a.ID = "label/" + tg.name
		case KindRoute:
			a.Key = device.FactKey{Kind: device.FactRoutes, VRF: spec.VRF}
			a.ID = "route/" + tg.name
			if scope != "" {
				a.ID = "route/" + scope + "/" + tg.name
			}
		case KindReachability:
			a.MinSuccess = spec.MinSuccess
			if a.MinSuccess == 0 {
				a.MinSuccess = 100
			}
			a.Key = device.FactKey{Kind: device.FactPing, VRF: spec.VRF, Target: tg.prefix.Addr().String(), Source: spec.Source}
			a.ID = "reachability/" + tg.name
			if spec.VRF != "" {
				a.ID = "reachability/" + scope + "/" + tg.name
			}
		}
		out = append(out, a)
	}
	return dedupe(out), nil
}

// parseTarget accepts a prefix or a bare address (taken as a host route).
func parseTarget(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("target %q is neither a prefix nor an address", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func dedupe(as []Assertion) []Assertion {
	seen := map[string]bool{}
	out := as[:0]
	for _, a := range as {
		if !seen[a.ID] {
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out
}
