package render

import (
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
)

// View is the data a fragment renders against. Every collection is a
// slice in a fixed order so rendering is deterministic.
type View struct {
	Hostname       string
	Role           topology.Role
	Site           string
	Loopback       string
	Mgmt           string
	RouteReflector bool
	Phase          PhaseView
	Policy         topology.Policy

	Links      []LinkView
	Interfaces []InterfaceView
	BGPPeers   []PeerView
	VRFs       []VRFView
}

// PhaseView identifies the phase being rendered.
type PhaseView struct {
	ID   int
	Name string
}

// LinkView is the local side of a link plus what the template needs to know
// about the far side.
type LinkView struct {
	Interface     string
	Address       string
	Mask          string
	Unnumbered    bool
	PointToPoint  bool
	Description   string
	Peer          string
	PeerInterface string
	PeerAddress   string
}

// InterfaceView is an addressed interface that is not on a link.
type InterfaceView struct {
	Name        string
	Address     string
	Mask        string
	Unnumbered  bool
	VLAN        int
	VRF         string
	Description string
}

// PeerView is one iBGP session.
type PeerView struct {
	Name        string
	Address     string
	Client      bool
	Description string
}

// VRFView is a VRF with the device's interfaces bound to it.
type VRFView struct {
	Name       string
	RD         string
	Import     []string
	Export     []string
	Interfaces []InterfaceView
}

// buildView derives the cumulative view of device d through phase p.
func buildView(t *topology.Topology, d *topology.Device, p *topology.Phase) *View {
	v := &View{
		Hostname:       d.Name,
		Role:           d.Role,
		Site:           d.Site,
		RouteReflector: d.RouteReflector,
		Phase:          PhaseView{ID: p.ID, Name: p.Name},
		Policy:         t.Policy,
	}
	if d.Loopback.IsValid() {
		v.Loopback = d.Loopback.String()
	}
	if d.Mgmt.IsValid() {
		v.Mgmt = d.Mgmt.String()
	}

	for _, n := range t.Neighbors(d.Name, p.ID) {
		lv := LinkView{
			Interface:     n.Local.Name,
			Unnumbered:    n.Local.Unnumbered,
			PointToPoint:  n.Link.Kind == topology.LinkP2P,
			Description:   n.Local.Description,
			Peer:          n.Device.Name,
			PeerInterface: n.Interface.Name,
		}
		if lv.Description == "" {
			lv.Description = "to " + n.Device.Name
		}
		if n.Local.Addressed() {
			lv.Address = n.Local.Address.Addr().String()
			lv.Mask = util.DottedMask(n.Local.Address.Bits())
		}
		if n.Interface.Addressed() {
			lv.PeerAddress = n.Interface.Address.Addr().String()
		}
		v.Links = append(v.Links, lv)
	}

	vrfIfaces := map[string][]InterfaceView{}
	for _, i := range t.InterfacesThrough(d.Name, p.ID) {
		if i.Link != "" {
			continue
		}
		iv := InterfaceView{
			Name:        i.Name,
			Unnumbered:  i.Unnumbered,
			VLAN:        i.VLAN,
			VRF:         i.VRF,
			Description: i.Description,
		}
		if i.Addressed() {
			iv.Address = i.Address.Addr().String()
			iv.Mask = util.DottedMask(i.Address.Bits())
		}
		if i.VRF != "" {
			vrfIfaces[i.VRF] = append(vrfIfaces[i.VRF], iv)
			continue
		}
		v.Interfaces = append(v.Interfaces, iv)
	}
	for _, vrf := range t.VRFsThrough(d.Name, p.ID) {
		v.VRFs = append(v.VRFs, VRFView{
			Name:       vrf.Name,
			RD:         vrf.RD,
			Import:     vrf.Import,
			Export:     vrf.Export,
			Interfaces: vrfIfaces[vrf.Name],
		})
	}

	for _, peer := range t.BGPPeers(d.Name, p.ID) {
		pv := PeerView{
			Name:    peer.Name,
			Address: peer.Loopback.String(),
			Client:  d.RouteReflector && !peer.RouteReflector,
		}
		switch {
		case pv.Client:
			pv.Description = peer.Name + "-RR-client"
		case !d.RouteReflector:
			pv.Description = peer.Name + "-RR"
		default:
			pv.Description = peer.Name
		}
		v.BGPPeers = append(v.BGPPeers, pv)
	}
	return v
}

// missing returns the first requirement the view cannot satisfy.
func (v *View) missing(d *topology.Device, requires []string) (string, bool) {
	for _, r := range requires {
		ok := true
		switch r {
		case RequireLoopback:
			ok = v.Loopback != ""
		case RequireMgmt:
			ok = v.Mgmt != ""
		case RequireLinks:
			ok = len(v.Links) > 0
		case RequireBGP:
			ok = d.SpeaksBGP()
		case RequireRRPeers:
			ok = len(v.BGPPeers) > 0
		case RequireVRFs:
			ok = len(v.VRFs) > 0
		}
		if !ok {
			return r, true
		}
	}
	return "", false
}
