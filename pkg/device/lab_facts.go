package device

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/newtron-network/newtphase/pkg/configtext"
)

// labNode is the protocol-relevant part of one lab device's configuration.
type labNode struct {
	name     string
	loopback netip.Addr
	ifaces   []*labIface

	ospf         bool
	routerID     string
	ospfNetworks []netip.Prefix
	ldp          bool

	asn       string
	bgpPeers  map[netip.Addr]string // peer -> remote-as
	vpnv4     map[netip.Addr]bool
	vrfs      map[string]*labVRF
	vrfRedist map[string]bool // vrf -> redistribute connected
}

type labIface struct {
	name     string
	addr     netip.Prefix
	ospf     bool
	area     string
	mpls     bool
	shutdown bool
	vrf      string
}

func (i *labIface) up() bool { return i.addr.IsValid() && !i.shutdown }

type labVRF struct {
	imports, exports []string
}

type labEdge struct {
	peer      *labNode
	local     *labIface
	peerIface *labIface
}

// labNet is a read-only view of every lab device, built per query.
type labNet struct {
	nodes map[string]*labNode
	order []string
	adj   map[string][]labEdge
}

// snapshot parses every device tree. Callers hold l.mu.
func (l *Lab) snapshot() *labNet {
	n := &labNet{nodes: map[string]*labNode{}, adj: map[string][]labEdge{}}
	for name, d := range l.devices {
		n.nodes[name] = parseLabNode(name, d.running)
		n.order = append(n.order, name)
	}
	sort.Strings(n.order)
	n.buildAdjacencies()
	return n
}

func parseLabNode(name string, t *configtext.Tree) *labNode {
	n := &labNode{
		name:      name,
		bgpPeers:  map[netip.Addr]string{},
		vpnv4:     map[netip.Addr]bool{},
		vrfs:      map[string]*labVRF{},
		vrfRedist: map[string]bool{},
	}
	for _, top := range t.Root.Children {
		f := strings.Fields(top.Line)
		switch {
		case len(f) == 2 && f[0] == "interface":
			i := &labIface{name: f[1]}
			for _, c := range top.Children {
				parseIfaceLine(i, c.Line)
			}
			if i.name == "Loopback0" && i.addr.IsValid() {
				n.loopback = i.addr.Addr()
			}
			n.ifaces = append(n.ifaces, i)
		case len(f) == 3 && f[0] == "router" && f[1] == "ospf":
			n.ospf = true
			for _, c := range top.Children {
				cf := strings.Fields(c.Line)
				switch {
				case len(cf) == 2 && cf[0] == "router-id":
					n.routerID = cf[1]
				case len(cf) == 5 && cf[0] == "network":
					if p, ok := prefixFromWildcard(cf[1], cf[2]); ok {
						n.ospfNetworks = append(n.ospfNetworks, p)
					}
				}
			}
		case top.Line == "mpls label protocol ldp":
			n.ldp = true
		case len(f) == 3 && f[0] == "router" && f[1] == "bgp":
			n.asn = f[2]
			parseBGP(n, top)
		case len(f) == 3 && f[0] == "vrf" && f[1] == "definition":
			v := &labVRF{}
			for _, c := range top.Children {
				for _, rt := range c.Children {
					rf := strings.Fields(rt.Line)
					if len(rf) == 3 && rf[0] == "route-target" {
						if rf[1] == "import" {
							v.imports = append(v.imports, rf[2])
						} else {
							v.exports = append(v.exports, rf[2])
						}
					}
				}
			}
			n.vrfs[f[2]] = v
		}
	}
	for _, i := range n.ifaces {
		for _, p := range n.ospfNetworks {
			if i.addr.IsValid() && p.Contains(i.addr.Addr()) {
				i.ospf = true
			}
		}
	}
	if n.routerID == "" && n.loopback.IsValid() {
		n.routerID = n.loopback.String()
	}
	return n
}

func parseIfaceLine(i *labIface, line string) {
	f := strings.Fields(line)
	switch {
	case len(f) == 4 && f[0] == "ip" && f[1] == "address":
		if p, ok := prefixFromMask(f[2], f[3]); ok {
			i.addr = p
		}
	case len(f) == 5 && f[0] == "ip" && f[1] == "ospf" && f[3] == "area":
		i.ospf = true
		i.area = f[4]
	case line == "mpls ip":
		i.mpls = true
	case line == "shutdown":
		i.shutdown = true
	case len(f) == 3 && f[0] == "vrf" && f[1] == "forwarding":
		i.vrf = f[2]
	}
}

func parseBGP(n *labNode, top *configtext.Node) {
	for _, c := range top.Children {
		cf := strings.Fields(c.Line)
		switch {
		case len(cf) == 4 && cf[0] == "neighbor" && cf[2] == "remote-as":
			if a, err := netip.ParseAddr(cf[1]); err == nil {
				n.bgpPeers[a] = cf[3]
			}
		case c.Line == "address-family vpnv4":
			for _, af := range c.Children {
				nf := strings.Fields(af.Line)
				if len(nf) == 3 && nf[0] == "neighbor" && nf[2] == "activate" {
					if a, err := netip.ParseAddr(nf[1]); err == nil {
						n.vpnv4[a] = true
					}
				}
			}
		case len(cf) == 4 && cf[0] == "address-family" && cf[2] == "vrf":
			for _, af := range c.Children {
				if af.Line == "redistribute connected" {
					n.vrfRedist[cf[3]] = true
				}
			}
		}
	}
}

func maskBits(mask string) (int, bool) {
	m, err := netip.ParseAddr(mask)
	if err != nil || !m.Is4() {
		return 0, false
	}
	b := m.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	bits := 0
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	return bits, v == 0
}

func prefixFromMask(addr, mask string) (netip.Prefix, bool) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Prefix{}, false
	}
	bits, ok := maskBits(mask)
	if !ok {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(a, bits), true
}

func prefixFromWildcard(addr, wildcard string) (netip.Prefix, bool) {
	w, err := netip.ParseAddr(wildcard)
	if err != nil || !w.Is4() {
		return netip.Prefix{}, false
	}
	b := w.As4()
	inv := fmt.Sprintf("%d.%d.%d.%d", ^b[0], ^b[1], ^b[2], ^b[3])
	p, ok := prefixFromMask(addr, inv)
	if !ok {
		return netip.Prefix{}, false
	}
	return p.Masked(), true
}

// buildAdjacencies pairs OSPF-enabled, up interfaces that share a subnet
// and area on two different devices.
func (n *labNet) buildAdjacencies() {
	type member struct {
		node  *labNode
		iface *labIface
	}
	bySubnet := map[netip.Prefix][]member{}
	for _, name := range n.order {
		node := n.nodes[name]
		if !node.ospf {
			continue
		}
		for _, i := range node.ifaces {
			if i.up() && i.ospf && i.vrf == "" && i.addr.Bits() < 32 {
				bySubnet[i.addr.Masked()] = append(bySubnet[i.addr.Masked()], member{node, i})
			}
		}
	}
	for _, ms := range bySubnet {
		for _, a := range ms {
			for _, b := range ms {
				if a.node == b.node || a.iface.area != b.iface.area {
					continue
				}
				n.adj[a.node.name] = append(n.adj[a.node.name], labEdge{peer: b.node, local: a.iface, peerIface: b.iface})
			}
		}
	}
	for name := range n.adj {
		edges := n.adj[name]
		sort.Slice(edges, func(i, j int) bool { return edges[i].local.name < edges[j].local.name })
	}
}

// ospfRoutes runs a breadth-first walk from device and returns the prefixes
// other devices advertise, with the first hop used to reach each.
func (n *labNet) ospfRoutes(device string) []Route {
	type hop struct {
		nextHop string
		iface   string
	}
	first := map[string]hop{device: {}}
	queue := []string{device}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range n.adj[cur] {
			if _, seen := first[e.peer.name]; seen {
				continue
			}
			h := first[cur]
			if cur == device {
				h = hop{nextHop: e.peerIface.addr.Addr().String(), iface: e.local.name}
			}
			first[e.peer.name] = h
			queue = append(queue, e.peer.name)
		}
	}

	self := n.nodes[device]
	local := map[netip.Prefix]bool{}
	for _, i := range self.ifaces {
		if i.up() {
			local[i.addr.Masked()] = true
		}
	}
	seen := map[netip.Prefix]bool{}
	var out []Route
	for _, name := range n.order {
		h, reached := first[name]
		if !reached || name == device {
			continue
		}
		for _, i := range n.nodes[name].ifaces {
			if !i.up() || !i.ospf || i.vrf != "" {
				continue
			}
			p := i.addr.Masked()
			if local[p] || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, Route{Prefix: p, Protocol: "ospf", NextHop: h.nextHop, Interface: h.iface})
		}
	}
	return out
}

func (n *labNet) connectedRoutes(device, vrf string) []Route {
	var out []Route
	for _, i := range n.nodes[device].ifaces {
		if !i.up() || i.vrf != vrf {
			continue
		}
		out = append(out, Route{Prefix: i.addr.Masked(), Protocol: "connected", Interface: i.name})
	}
	return out
}

func (n *labNet) routes(device, vrf string) []Route {
	out := n.connectedRoutes(device, vrf)
	if vrf == "" {
		return append(out, n.ospfRoutes(device)...)
	}
	return append(out, n.vpnRoutes(device, vrf)...)
}

// bgpState returns the session state device sees towards peer: a prefix
// count once established, otherwise Idle or Active.
func (n *labNet) bgpState(device string, peer netip.Addr, reachable map[netip.Prefix]bool) (string, bool) {
	self := n.nodes[device]
	var remote *labNode
	for _, name := range n.order {
		if n.nodes[name].loopback == peer {
			remote = n.nodes[name]
		}
	}
	if remote == nil || !reachable[netip.PrefixFrom(peer, 32)] {
		return "Idle", false
	}
	if remote.asn != self.bgpPeers[peer] || remote.bgpPeers[self.loopback] != self.asn {
		return "Active", false
	}
	if !self.vpnv4[peer] || !remote.vpnv4[self.loopback] {
		return "Active", false
	}
	count := 0
	for v := range remote.vrfRedist {
		for _, i := range remote.ifaces {
			if i.up() && i.vrf == v {
				count++
			}
		}
	}
	return strconv.Itoa(count), true
}

func (n *labNet) reachable(device string) map[netip.Prefix]bool {
	out := map[netip.Prefix]bool{}
	for _, r := range n.routes(device, "") {
		out[r.Prefix] = true
	}
	return out
}

func (n *labNet) established(device string) bool {
	reach := n.reachable(device)
	for peer := range n.nodes[device].bgpPeers {
		if _, ok := n.bgpState(device, peer, reach); ok {
			return true
		}
	}
	return false
}

// vpnRoutes returns VRF prefixes learned from other devices whose exported
// route targets the local VRF imports. Both ends need a live vpnv4 session.
func (n *labNet) vpnRoutes(device, vrf string) []Route {
	self := n.nodes[device]
	v, ok := self.vrfs[vrf]
	if !ok || !n.established(device) {
		return nil
	}
	imports := map[string]bool{}
	for _, rt := range v.imports {
		imports[rt] = true
	}
	var out []Route
	for _, name := range n.order {
		remote := n.nodes[name]
		if name == device || !n.established(name) {
			continue
		}
		for rv, def := range remote.vrfs {
			if !remote.vrfRedist[rv] || !sharesTarget(def.exports, imports) {
				continue
			}
			for _, i := range remote.ifaces {
				if i.up() && i.vrf == rv {
					out = append(out, Route{Prefix: i.addr.Masked(), Protocol: "bgp", NextHop: remote.loopback.String()})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix.String() < out[j].Prefix.String() })
	return out
}

func sharesTarget(exports []string, imports map[string]bool) bool {
	for _, rt := range exports {
		if imports[rt] {
			return true
		}
	}
	return false
}

func (n *labNet) facts(device string, key FactKey) (*Facts, error) {
	self, ok := n.nodes[device]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", device)
	}
	f := &Facts{}
	switch key.Kind {
	case FactOSPFNeighbors:
		for _, e := range n.adj[device] {
			f.Neighbors = append(f.Neighbors, Neighbor{
				ID: e.peer.routerID, Address: e.peerIface.addr.Addr().String(),
				Interface: e.local.name, State: "FULL/  -",
			})
		}
	case FactLDPNeighbors:
		if !self.ldp {
			break
		}
		for _, e := range n.adj[device] {
			if e.peer.ldp && e.local.mpls && e.peerIface.mpls {
				f.Neighbors = append(f.Neighbors, Neighbor{
					ID: e.peer.loopback.String(), Address: e.peerIface.addr.Addr().String(),
					Interface: e.local.name, State: "Oper",
				})
			}
		}
	case FactBGPSummary:
		reach := n.reachable(device)
		peers := make([]netip.Addr, 0, len(self.bgpPeers))
		for p := range self.bgpPeers {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
		for _, p := range peers {
			state, _ := n.bgpState(device, p, reach)
			f.Neighbors = append(f.Neighbors, Neighbor{ID: p.String(), Address: p.String(), State: state})
		}
	case FactLabels:
		if !self.ldp {
			break
		}
		ldpIfaces := map[string]bool{}
		for _, e := range n.adj[device] {
			if e.peer.ldp && e.local.mpls && e.peerIface.mpls {
				ldpIfaces[e.local.name] = true
			}
		}
		label := 16
		for _, r := range n.ospfRoutes(device) {
			if !ldpIfaces[r.Interface] {
				continue
			}
			out := strconv.Itoa(label + 1000)
			if adjacentTo(n.adj[device], r.Prefix) {
				out = "Pop Label"
			}
			f.Labels = append(f.Labels, LabelBinding{
				Prefix: r.Prefix, Local: strconv.Itoa(label), Outgoing: out,
				Interface: r.Interface, NextHop: r.NextHop,
			})
			label++
		}
	case FactRoutes:
		f.Routes = n.routes(device, key.VRF)
	case FactPing:
		target, err := netip.ParseAddr(key.Target)
		if err != nil {
			return nil, fmt.Errorf("ping target %q: %w", key.Target, err)
		}
		res := &PingResult{Sent: 3}
		if n.owned(target, key.VRF) && routed(n.routes(device, key.VRF), target) {
			res.Received = 3
			res.SuccessRate = 100
		}
		f.Ping = res
	default:
		return nil, fmt.Errorf("unknown fact kind %q", key.Kind)
	}
	return f, nil
}

// adjacentTo reports whether prefix is the loopback or an interface of a
// directly adjacent device.
func adjacentTo(edges []labEdge, prefix netip.Prefix) bool {
	for _, e := range edges {
		for _, i := range e.peer.ifaces {
			if i.up() && i.addr.Masked() == prefix {
				return true
			}
		}
	}
	return false
}

func (n *labNet) owned(addr netip.Addr, vrf string) bool {
	for _, name := range n.order {
		for _, i := range n.nodes[name].ifaces {
			if i.up() && i.vrf == vrf && i.addr.Addr() == addr {
				return true
			}
		}
	}
	return false
}

func routed(routes []Route, addr netip.Addr) bool {
	for _, r := range routes {
		if r.Prefix.Contains(addr) {
			return true
		}
	}
	return false
}
