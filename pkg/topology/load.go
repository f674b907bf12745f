package topology

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/newtron-network/newtphase/pkg/util"
)

// Policy defaults when the source leaves them unset.
const (
	DefaultOSPFProcess = 1
	DefaultOSPFArea    = "0"
	DefaultLDPRouterID = "Loopback0"
)

var knownAssertionKinds = map[string]bool{
	"neighbor": true, "label": true, "route": true, "reachability": true,
}

var (
	neighborProtocols = map[string]bool{"ospf": true, "ldp": true, "bgp": true}
	peerSelectors     = map[string]bool{"": true, "links": true, "bgp": true, "list": true}
	targetSelectors   = map[string]bool{"": true, "loopbacks": true, "list": true}
)

// Topology is the validated, immutable network model.
type Topology struct {
	Policy Policy

	devices map[string]*Device
	links   map[string]*Link
	phases  map[int]*Phase
	vrfs    map[string]*VRF

	deviceOrder []string
	linkOrder   []string
	phaseOrder  []int // dependency order
	ancestors   map[int]map[int]bool
}

// Load reads records from src and validates them. Every violation is
// collected into a single *util.ModelError; nothing partial is returned.
func Load(ctx context.Context, src Source) (*Topology, error) {
	recs, err := src.Records(ctx)
	if err != nil {
		return nil, err
	}
	t, err := Build(recs)
	if err != nil {
		return nil, err
	}
	util.WithField("source", src.Describe()).Debugf("loaded topology: %d devices, %d links, %d phases",
		len(t.devices), len(t.links), len(t.phases))
	return t, nil
}

// Build validates records and constructs the model.
func Build(recs *Records) (*Topology, error) {
	b := &builder{
		t: &Topology{
			devices: map[string]*Device{},
			links:   map[string]*Link{},
			phases:  map[int]*Phase{},
			vrfs:    map[string]*VRF{},
		},
		addrOwner: map[netip.Addr]string{},
	}
	b.policy(recs.Policy)
	b.vrfRecords(recs.VRFs)
	b.deviceRecords(recs.Devices)
	b.phaseRecords(recs.Phases)
	b.linkRecords(recs.Links)
	b.interfacePhases()
	b.phaseGraph()

	if err := b.v.Build(); err != nil {
		return nil, err
	}
	return b.t, nil
}

type builder struct {
	t         *Topology
	v         util.ValidationBuilder
	addrOwner map[netip.Addr]string
	badRefs   bool
}

func (b *builder) policy(p PolicyRecord) {
	b.t.Policy = Policy{ASN: p.ASN, OSPFProcess: p.OSPFProcess, OSPFArea: p.OSPFArea, LDPRouterID: p.LDPRouterID}
	if b.t.Policy.OSPFProcess == 0 {
		b.t.Policy.OSPFProcess = DefaultOSPFProcess
	}
	if b.t.Policy.OSPFArea == "" {
		b.t.Policy.OSPFArea = DefaultOSPFArea
	}
	if b.t.Policy.LDPRouterID == "" {
		b.t.Policy.LDPRouterID = DefaultLDPRouterID
	}
	if err := util.ValidateASN(p.ASN); err != nil {
		b.v.AddErrorf("policy: %v", err)
	}
}

func (b *builder) vrfRecords(recs []VRFRecord) {
	for _, r := range recs {
		if r.Name == "" {
			b.v.AddErrorf("vrf with empty name")
			continue
		}
		if _, dup := b.t.vrfs[r.Name]; dup {
			b.v.AddErrorf("vrf %s: defined twice", r.Name)
			continue
		}
		b.v.Add(strings.Contains(r.RD, ":"), fmt.Sprintf("vrf %s: route distinguisher %q must be ASN:NN or IP:NN", r.Name, r.RD))
		b.t.vrfs[r.Name] = &VRF{Name: r.Name, RD: r.RD, Import: r.Import, Export: r.Export}
	}
}

func (b *builder) claimAddress(addr netip.Addr, owner string) {
	if prev, dup := b.addrOwner[addr]; dup {
		b.v.AddErrorf("duplicate address %s on %s and %s", addr, prev, owner)
		return
	}
	b.addrOwner[addr] = owner
}

func (b *builder) deviceRecords(recs []DeviceRecord) {
	for _, r := range recs {
		if r.Name == "" {
			b.v.AddErrorf("device with empty name")
			continue
		}
		if _, dup := b.t.devices[r.Name]; dup {
			b.v.AddErrorf("device %s: defined twice", r.Name)
			continue
		}
		d := &Device{
			Name:           r.Name,
			Role:           Role(r.Role),
			RouteReflector: r.RouteReflector,
			BGP:            r.BGP,
			Site:           r.Site,
			Interfaces:     map[string]*Interface{},
		}
		if r.Role == "" {
			b.v.AddErrorf("device %s: missing role", r.Name)
		} else if !d.Role.Valid() {
			b.v.AddErrorf("device %s: unknown role %q", r.Name, r.Role)
		}

		if lo, err := netip.ParseAddr(r.Loopback); err != nil || !lo.Is4() {
			b.v.AddErrorf("device %s: invalid loopback address %q", r.Name, r.Loopback)
		} else {
			d.Loopback = lo
			b.claimAddress(lo, r.Name+":Loopback0")
		}
		if r.Mgmt != "" {
			if m, err := netip.ParseAddr(r.Mgmt); err != nil {
				b.v.AddErrorf("device %s: invalid management address %q", r.Name, r.Mgmt)
			} else {
				d.Mgmt = m
			}
		}

		for _, ir := range r.Interfaces {
			b.interfaceRecord(d, ir)
		}
		b.t.devices[r.Name] = d
		b.t.deviceOrder = append(b.t.deviceOrder, r.Name)
	}
	sort.Slice(b.t.deviceOrder, func(i, j int) bool { return naturalLess(b.t.deviceOrder[i], b.t.deviceOrder[j]) })
}

func (b *builder) interfaceRecord(d *Device, r InterfaceRecord) {
	where := d.Name + ":" + r.Name
	if r.Name == "" {
		b.v.AddErrorf("device %s: interface with empty name", d.Name)
		return
	}
	for existing := range d.Interfaces {
		if util.SameInterface(existing, r.Name) {
			b.v.AddErrorf("%s: defined twice", where)
			return
		}
	}
	i := &Interface{
		Name:        r.Name,
		Unnumbered:  r.Unnumbered,
		VRF:         r.VRF,
		VLAN:        r.VLAN,
		Description: r.Description,
		Phase:       r.Phase,
	}
	switch {
	case r.Address != "" && r.Unnumbered:
		b.v.AddErrorf("%s: both addressed and unnumbered", where)
	case r.Address != "":
		p, err := util.ParsePrefix(r.Address)
		if err != nil {
			b.v.AddErrorf("%s: %v", where, err)
		} else {
			i.Address = p
			b.claimAddress(p.Addr(), where)
		}
	}
	if r.VRF != "" {
		if _, ok := b.t.vrfs[r.VRF]; !ok {
			b.v.AddErrorf("%s: unknown vrf %q", where, r.VRF)
		}
	}
	if r.VLAN < 0 || r.VLAN > 4094 {
		b.v.AddErrorf("%s: vlan %d out of range", where, r.VLAN)
	}
	d.Interfaces[r.Name] = i
}

// lookupInterface resolves an endpoint, accepting abbreviated names.
func (b *builder) lookupInterface(ep Endpoint) (*Device, *Interface, bool) {
	d, ok := b.t.devices[ep.Device]
	if !ok {
		return nil, nil, false
	}
	if i, ok := d.Interfaces[ep.Interface]; ok {
		return d, i, true
	}
	for name, i := range d.Interfaces {
		if util.SameInterface(name, ep.Interface) {
			return d, i, true
		}
	}
	return d, nil, false
}

func (b *builder) phaseRecords(recs []PhaseRecord) {
	names := map[string]int{}
	for _, r := range recs {
		if r.ID < 1 {
			b.v.AddErrorf("phase %q: id must be >= 1", r.Name)
			continue
		}
		if _, dup := b.t.phases[r.ID]; dup {
			b.v.AddErrorf("phase %d: defined twice", r.ID)
			continue
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("phase-%d", r.ID)
		}
		if prev, dup := names[r.Name]; dup {
			b.v.AddErrorf("phase %d: name %q already used by phase %d", r.ID, r.Name, prev)
		}
		names[r.Name] = r.ID

		p := &Phase{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			DependsOn:   append([]int(nil), r.DependsOn...),
			Assertions:  r.Assertions,
		}
		seen := map[string]bool{}
		for _, dev := range r.Devices {
			if _, ok := b.t.devices[dev]; !ok {
				b.v.AddErrorf("phase %d: unknown device %q", r.ID, dev)
				continue
			}
			if !seen[dev] {
				seen[dev] = true
				p.Devices = append(p.Devices, dev)
			}
		}
		sort.Slice(p.Devices, func(i, j int) bool { return naturalLess(p.Devices[i], p.Devices[j]) })

		if len(r.Templates) > 0 {
			p.Templates = map[Role][]string{}
			for role, frags := range r.Templates {
				if !Role(role).Valid() {
					b.v.AddErrorf("phase %d: templates for unknown role %q", r.ID, role)
					continue
				}
				p.Templates[Role(role)] = frags
			}
		}
		for n, a := range r.Assertions {
			if !knownAssertionKinds[a.Kind] {
				b.v.AddErrorf("phase %d: assertion %d has unknown kind %q", r.ID, n+1, a.Kind)
				continue
			}
			if a.Kind == "neighbor" && !neighborProtocols[a.Protocol] {
				b.v.AddErrorf("phase %d: assertion %d: neighbor protocol %q is not ospf, ldp or bgp", r.ID, n+1, a.Protocol)
			}
			if !peerSelectors[a.Peers] {
				b.v.AddErrorf("phase %d: assertion %d: unknown peer selector %q", r.ID, n+1, a.Peers)
			}
			if !targetSelectors[a.Targets] {
				b.v.AddErrorf("phase %d: assertion %d: unknown target selector %q", r.ID, n+1, a.Targets)
			}
			for _, role := range append(append([]Role(nil), a.Roles...), a.PeerRoles...) {
				if !role.Valid() {
					b.v.AddErrorf("phase %d: assertion %d: unknown role %q", r.ID, n+1, role)
				}
			}
		}
		b.t.phases[r.ID] = p
	}
}

func (b *builder) linkRecords(recs []LinkRecord) {
	for _, r := range recs {
		id := r.ID
		if id == "" {
			id = r.A + "--" + r.B
		}
		if _, dup := b.t.links[id]; dup {
			b.v.AddErrorf("link %s: defined twice", id)
			continue
		}
		l := &Link{ID: id, Kind: LinkKind(r.Kind), Phase: r.Phase}
		if l.Kind == "" {
			l.Kind = LinkP2P
		}

		var err error
		ok := true
		if l.A, err = ParseEndpoint(r.A); err != nil {
			b.v.AddErrorf("link %s: %v", id, err)
			ok = false
		}
		if l.B, err = ParseEndpoint(r.B); err != nil {
			b.v.AddErrorf("link %s: %v", id, err)
			ok = false
		}
		if l.Subnet, err = netip.ParsePrefix(r.Subnet); err != nil || !l.Subnet.Addr().Is4() {
			b.v.AddErrorf("link %s: invalid subnet %q", id, r.Subnet)
			ok = false
		} else if l.Subnet != l.Subnet.Masked() {
			b.v.AddErrorf("link %s: subnet %s has host bits set", id, l.Subnet)
		}

		switch l.Kind {
		case LinkP2P:
			if ok && !util.IsPointToPoint(l.Subnet.Bits()) {
				b.v.AddErrorf("link %s: point-to-point subnet %s must be /30 or /31", id, l.Subnet)
			}
		case LinkBroadcast:
		default:
			b.v.AddErrorf("link %s: unknown kind %q", id, r.Kind)
		}
		if !ok {
			continue
		}
		if l.A.Device == l.B.Device {
			b.v.AddErrorf("link %s: both endpoints on %s", id, l.A.Device)
		}

		var addrs []netip.Addr
		for _, ep := range []*Endpoint{&l.A, &l.B} {
			d, iface, found := b.lookupInterface(*ep)
			if d == nil {
				b.v.AddErrorf("link %s: endpoint %s references unknown device", id, ep)
				continue
			}
			if !found {
				b.v.AddErrorf("link %s: endpoint %s references unknown interface", id, ep)
				continue
			}
			ep.Interface = iface.Name
			if iface.Link != "" {
				b.v.AddErrorf("link %s: interface %s already belongs to link %s", id, ep, iface.Link)
				continue
			}
			iface.Link = id
			if iface.Addressed() {
				if !util.IsHostAddress(iface.Address.Addr(), l.Subnet) {
					b.v.AddErrorf("link %s: endpoint %s address %s is not a host address in %s",
						id, ep, iface.Address.Addr(), l.Subnet)
				} else if iface.Address.Bits() != l.Subnet.Bits() {
					b.v.AddErrorf("link %s: endpoint %s prefix /%d does not match subnet %s",
						id, ep, iface.Address.Bits(), l.Subnet)
				}
				addrs = append(addrs, iface.Address.Addr())
			}
		}
		if len(addrs) == 2 && addrs[0] == addrs[1] {
			b.v.AddErrorf("link %s: both endpoints use %s", id, addrs[0])
		}

		if l.Phase == 0 {
			l.Phase = b.firstPhaseWith(l.A.Device, l.B.Device)
			if l.Phase == 0 {
				b.v.AddErrorf("link %s: no phase includes both %s and %s", id, l.A.Device, l.B.Device)
			}
		} else if p, ok := b.t.phases[l.Phase]; !ok {
			b.v.AddErrorf("link %s: introduced in unknown phase %d", id, l.Phase)
		} else if !p.Has(l.A.Device) || !p.Has(l.B.Device) {
			b.v.AddErrorf("link %s: phase %d does not include both %s and %s", id, l.Phase, l.A.Device, l.B.Device)
		}

		b.t.links[id] = l
		b.t.linkOrder = append(b.t.linkOrder, id)
	}
	sort.Strings(b.t.linkOrder)
}

// firstPhaseWith returns the lowest phase id that includes every device.
func (b *builder) firstPhaseWith(devices ...string) int {
	ids := make([]int, 0, len(b.t.phases))
	for id := range b.t.phases {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := b.t.phases[id]
		all := true
		for _, d := range devices {
			all = all && p.Has(d)
		}
		if all {
			return id
		}
	}
	return 0
}

func (b *builder) interfacePhases() {
	for _, name := range b.t.deviceOrder {
		d := b.t.devices[name]
		for _, i := range d.Interfaces {
			switch {
			case i.Link != "":
				if l, ok := b.t.links[i.Link]; ok {
					i.Phase = l.Phase
				}
			case i.Phase != 0:
				p, ok := b.t.phases[i.Phase]
				if !ok {
					b.v.AddErrorf("%s:%s: introduced in unknown phase %d", d.Name, i.Name, i.Phase)
				} else if !p.Has(d.Name) {
					b.v.AddErrorf("%s:%s: phase %d does not include %s", d.Name, i.Name, i.Phase, d.Name)
				}
			default:
				i.Phase = b.firstPhaseWith(d.Name)
			}
		}
	}
}

// phaseGraph checks dependency references and orders phases with Kahn's
// algorithm, reporting any cycle.
func (b *builder) phaseGraph() {
	for _, id := range sortedPhaseIDs(b.t.phases) {
		p := b.t.phases[id]
		for _, dep := range p.DependsOn {
			if dep == id {
				b.v.AddErrorf("phase %d: depends on itself", id)
				b.badRefs = true
			} else if _, ok := b.t.phases[dep]; !ok {
				b.v.AddErrorf("phase %d: depends on unknown phase %d", id, dep)
				b.badRefs = true
			}
		}
	}
	if b.badRefs {
		return
	}

	order, err := topologicalSort(b.t.phases)
	if err != nil {
		b.v.AddErrorf("%v", err)
		return
	}
	b.t.phaseOrder = order

	b.t.ancestors = map[int]map[int]bool{}
	for _, id := range order {
		anc := map[int]bool{}
		for _, dep := range b.t.phases[id].DependsOn {
			anc[dep] = true
			for a := range b.t.ancestors[dep] {
				anc[a] = true
			}
		}
		b.t.ancestors[id] = anc
	}
}

func sortedPhaseIDs(phases map[int]*Phase) []int {
	ids := make([]int, 0, len(phases))
	for id := range phases {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// topologicalSort returns phase ids in dependency order using Kahn's
// algorithm. Ties are broken by id so the order is stable.
func topologicalSort(phases map[int]*Phase) ([]int, error) {
	inDegree := make(map[int]int, len(phases))
	dependents := make(map[int][]int)
	for _, id := range sortedPhaseIDs(phases) {
		p := phases[id]
		inDegree[id] = len(p.DependsOn)
		for _, dep := range p.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []int
	for _, id := range sortedPhaseIDs(phases) {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []int
	for len(queue) > 0 {
		sort.Ints(queue)
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(phases) {
		var inCycle []string
		for _, id := range sortedPhaseIDs(phases) {
			if inDegree[id] > 0 {
				inCycle = append(inCycle, fmt.Sprint(id))
			}
		}
		return nil, fmt.Errorf("phase dependency cycle involving: %s", strings.Join(inCycle, ", "))
	}
	return sorted, nil
}
