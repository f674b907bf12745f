package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"

	"github.com/newtron-network/newtphase/pkg/util"
)

// Device looks up a device by name.
func (t *Topology) Device(name string) (*Device, bool) {
	d, ok := t.devices[name]
	return d, ok
}

// Devices returns all devices in natural name order.
func (t *Topology) Devices() []*Device {
	out := make([]*Device, 0, len(t.deviceOrder))
	for _, n := range t.deviceOrder {
		out = append(out, t.devices[n])
	}
	return out
}

// Link looks up a link by ID.
func (t *Topology) Link(id string) (*Link, bool) {
	l, ok := t.links[id]
	return l, ok
}

// Links returns all links ordered by ID.
func (t *Topology) Links() []*Link {
	out := make([]*Link, 0, len(t.linkOrder))
	for _, id := range t.linkOrder {
		out = append(out, t.links[id])
	}
	return out
}

// VRF looks up a VRF definition.
func (t *Topology) VRF(name string) (*VRF, bool) {
	v, ok := t.vrfs[name]
	return v, ok
}

// Phase looks up a phase by ordinal.
func (t *Topology) Phase(id int) (*Phase, bool) {
	p, ok := t.phases[id]
	return p, ok
}

// PhaseByName looks up a phase by name.
func (t *Topology) PhaseByName(name string) (*Phase, bool) {
	for _, p := range t.phases {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ResolvePhase accepts an ordinal or a name.
func (t *Topology) ResolvePhase(ref string) (*Phase, error) {
	if id, err := strconv.Atoi(ref); err == nil {
		if p, ok := t.phases[id]; ok {
			return p, nil
		}
	}
	if p, ok := t.PhaseByName(ref); ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown phase %q: %w", ref, util.ErrNotFound)
}

// Phases returns phases in dependency order.
func (t *Topology) Phases() []*Phase {
	out := make([]*Phase, 0, len(t.phaseOrder))
	for _, id := range t.phaseOrder {
		out = append(out, t.phases[id])
	}
	return out
}

// Ancestors returns every phase id phase depends on, directly or
// transitively, in dependency order.
func (t *Topology) Ancestors(phase int) []int {
	anc := t.ancestors[phase]
	var out []int
	for _, id := range t.phaseOrder {
		if anc[id] {
			out = append(out, id)
		}
	}
	return out
}

// Through reports whether phase p is phase k or one of its ancestors.
// Rendering for k is cumulative over exactly these phases.
func (t *Topology) Through(p, k int) bool {
	return p == k || t.ancestors[k][p]
}

// RouteReflectors returns all route-reflector devices.
func (t *Topology) RouteReflectors() []*Device {
	var out []*Device
	for _, d := range t.Devices() {
		if d.RouteReflector {
			out = append(out, d)
		}
	}
	return out
}

// DevicesThrough returns every device participating in phase k or any of
// its ancestors.
func (t *Topology) DevicesThrough(k int) []*Device {
	var out []*Device
	for _, d := range t.Devices() {
		for id, p := range t.phases {
			if t.Through(id, k) && p.Has(d.Name) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// LinksThrough returns links touching device that were introduced in phase
// k or an ancestor.
func (t *Topology) LinksThrough(device string, k int) []*Link {
	var out []*Link
	for _, l := range t.Links() {
		if (l.A.Device == device || l.B.Device == device) && t.Through(l.Phase, k) {
			out = append(out, l)
		}
	}
	return out
}

// InterfacesThrough returns the device's interfaces introduced in phase k
// or an ancestor, in natural order.
func (t *Topology) InterfacesThrough(device string, k int) []*Interface {
	d, ok := t.devices[device]
	if !ok {
		return nil
	}
	var out []*Interface
	for _, n := range d.InterfaceNames() {
		if i := d.Interfaces[n]; t.Through(i.Phase, k) {
			out = append(out, i)
		}
	}
	return out
}

// Neighbor describes the far side of a link as seen from one device.
type Neighbor struct {
	Link      *Link
	Local     *Interface
	Device    *Device
	Interface *Interface
}

// Neighbors returns the link-layer neighbors of device through phase k.
func (t *Topology) Neighbors(device string, k int) []Neighbor {
	var out []Neighbor
	for _, l := range t.LinksThrough(device, k) {
		local := l.A
		far := l.B
		if l.B.Device == device {
			local, far = l.B, l.A
		}
		fd := t.devices[far.Device]
		out = append(out, Neighbor{
			Link:      l,
			Local:     t.devices[device].Interfaces[local.Interface],
			Device:    fd,
			Interface: fd.Interfaces[far.Interface],
		})
	}
	return out
}

// BGPPeers returns the iBGP sessions device should have through phase k.
// Route reflectors peer with every other BGP speaker; clients peer only
// with route reflectors.
func (t *Topology) BGPPeers(device string, k int) []*Device {
	self, ok := t.devices[device]
	if !ok || !self.SpeaksBGP() {
		return nil
	}
	var out []*Device
	for _, d := range t.DevicesThrough(k) {
		if d.Name == device || !d.SpeaksBGP() {
			continue
		}
		if self.RouteReflector || d.RouteReflector {
			out = append(out, d)
		}
	}
	return out
}

// VRFsThrough returns the VRFs bound to the device's interfaces through
// phase k, sorted by name.
func (t *Topology) VRFsThrough(device string, k int) []*VRF {
	seen := map[string]bool{}
	var out []*VRF
	for _, i := range t.InterfacesThrough(device, k) {
		if i.VRF == "" || seen[i.VRF] {
			continue
		}
		seen[i.VRF] = true
		out = append(out, t.vrfs[i.VRF])
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Loopbacks returns loopback host prefixes for devices through phase k.
func (t *Topology) Loopbacks(k int) map[string]netip.Prefix {
	out := map[string]netip.Prefix{}
	for _, d := range t.DevicesThrough(k) {
		out[d.Name] = netip.PrefixFrom(d.Loopback, 32)
	}
	return out
}

// Peer returns the far endpoint of the link on device's interface.
func (t *Topology) Peer(device, iface string) (Endpoint, bool) {
	d, ok := t.devices[device]
	if !ok {
		return Endpoint{}, false
	}
	i, ok := d.Interfaces[iface]
	if !ok || i.Link == "" {
		return Endpoint{}, false
	}
	return t.links[i.Link].Other(device)
}
