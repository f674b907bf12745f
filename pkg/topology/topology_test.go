package topology

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/newtron-network/newtphase/pkg/util"
)

func loadRing(t *testing.T) *Topology {
	t.Helper()
	topo, err := Load(context.Background(), NewFileSource("testdata/ring.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return topo
}

func ringRecords(t *testing.T) *Records {
	t.Helper()
	data, err := os.ReadFile("testdata/ring.yaml")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := ParseRecords(data)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestLoadRing(t *testing.T) {
	topo := loadRing(t)

	if got := len(topo.Devices()); got != 5 {
		t.Errorf("devices = %d, want 5", got)
	}
	if got := len(topo.Links()); got != 5 {
		t.Errorf("links = %d, want 5", got)
	}

	d, ok := topo.Device("core3")
	if !ok {
		t.Fatal("core3 not found")
	}
	if d.Role != RoleCore || d.Loopback.String() != "10.255.1.3" {
		t.Errorf("core3 = %+v", d)
	}
	gi2 := d.Interfaces["GigabitEthernet2"]
	if gi2.Link != "core2-core3" {
		t.Errorf("core3 Gi2 link = %q, want core2-core3", gi2.Link)
	}
	if gi2.Phase != 1 {
		t.Errorf("core3 Gi2 phase = %d, want 1", gi2.Phase)
	}

	l, _ := topo.Link("core1-core2")
	if l.A.Interface != "GigabitEthernet2" {
		t.Errorf("abbreviated endpoint not normalized: %s", l.A)
	}
	if l.Phase != 1 {
		t.Errorf("link phase defaulted to %d, want 1", l.Phase)
	}

	want := Policy{ASN: 65001, OSPFProcess: 1, OSPFArea: "0", LDPRouterID: "Loopback0"}
	if topo.Policy != want {
		t.Errorf("policy = %+v, want %+v", topo.Policy, want)
	}
}

func TestPhaseOrderAndAncestors(t *testing.T) {
	topo := loadRing(t)

	var names []string
	for _, p := range topo.Phases() {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "core-ospf,core-ldp,core-bgp" {
		t.Errorf("phase order = %v", names)
	}
	if anc := topo.Ancestors(3); len(anc) != 2 || anc[0] != 1 || anc[1] != 2 {
		t.Errorf("Ancestors(3) = %v, want [1 2]", anc)
	}
	if !topo.Through(1, 3) || topo.Through(3, 1) {
		t.Error("Through must follow dependency direction")
	}

	p, err := topo.ResolvePhase("core-ldp")
	if err != nil || p.ID != 2 {
		t.Errorf("ResolvePhase(core-ldp) = %v, %v", p, err)
	}
	p, err = topo.ResolvePhase("3")
	if err != nil || p.Name != "core-bgp" {
		t.Errorf("ResolvePhase(3) = %v, %v", p, err)
	}
	if _, err := topo.ResolvePhase("hsrp"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("ResolvePhase(hsrp) error = %v", err)
	}
}

func TestComputedViews(t *testing.T) {
	topo := loadRing(t)

	var rrs []string
	for _, d := range topo.RouteReflectors() {
		rrs = append(rrs, d.Name)
	}
	if strings.Join(rrs, ",") != "core1,core2,core5" {
		t.Errorf("RouteReflectors() = %v", rrs)
	}

	if n := len(topo.DevicesThrough(1)); n != 5 {
		t.Errorf("DevicesThrough(1) = %d devices", n)
	}

	nbrs := topo.Neighbors("core1", 1)
	if len(nbrs) != 2 {
		t.Fatalf("core1 neighbors = %d, want 2", len(nbrs))
	}
	for _, n := range nbrs {
		if n.Device.Name != "core2" && n.Device.Name != "core5" {
			t.Errorf("unexpected neighbor %s", n.Device.Name)
		}
	}

	peerNames := func(dev string) string {
		var out []string
		for _, d := range topo.BGPPeers(dev, 3) {
			out = append(out, d.Name)
		}
		return strings.Join(out, ",")
	}
	if got := peerNames("core1"); got != "core2,core3,core4,core5" {
		t.Errorf("route reflector core1 peers = %s", got)
	}
	if got := peerNames("core3"); got != "core1,core2,core5" {
		t.Errorf("client core3 peers = %s", got)
	}
}

func TestLoadRejectsInvalidModels(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Records)
		want   string
	}{
		{
			name: "endpoint outside subnet",
			mutate: func(r *Records) {
				r.Devices[1].Interfaces[0].Address = "10.0.0.3/31"
				r.Devices[2].Interfaces[0].Address = "10.0.0.11/31"
			},
			want: "not a host address in 10.0.0.0/31",
		},
		{
			name: "duplicate address",
			mutate: func(r *Records) {
				r.Devices[4].Interfaces[1].Address = "10.0.0.0/31"
			},
			want: "duplicate address 10.0.0.0",
		},
		{
			name: "dangling interface reference",
			mutate: func(r *Records) {
				r.Links[0].A = "core1:Gi9"
			},
			want: "references unknown interface",
		},
		{
			name: "dangling device reference",
			mutate: func(r *Records) {
				r.Links[0].B = "core9:Gi2"
			},
			want: "references unknown device",
		},
		{
			name: "interface on two links",
			mutate: func(r *Records) {
				r.Links = append(r.Links, LinkRecord{ID: "dup", A: "core1:Gi2", B: "core3:Gi3", Subnet: "10.0.0.0/31"})
			},
			want: "already belongs to link",
		},
		{
			name: "p2p subnet too large",
			mutate: func(r *Records) {
				r.Links[0].Subnet = "10.0.0.0/29"
			},
			want: "must be /30 or /31",
		},
		{
			name: "cyclic phase dependency",
			mutate: func(r *Records) {
				r.Phases[0].DependsOn = []int{3}
			},
			want: "cycle",
		},
		{
			name: "unknown phase dependency",
			mutate: func(r *Records) {
				r.Phases[1].DependsOn = []int{7}
			},
			want: "unknown phase 7",
		},
		{
			name: "unknown role",
			mutate: func(r *Records) {
				r.Devices[0].Role = "firewall"
			},
			want: "unknown role",
		},
		{
			name: "unknown assertion kind",
			mutate: func(r *Records) {
				r.Phases[0].Assertions = append(r.Phases[0].Assertions, AssertionSpec{Kind: "hsrp"})
			},
			want: "unknown kind",
		},
		{
			name: "neighbor assertion without protocol",
			mutate: func(r *Records) {
				r.Phases[0].Assertions = append(r.Phases[0].Assertions, AssertionSpec{Kind: "neighbor", Peers: "links"})
			},
			want: "is not ospf, ldp or bgp",
		},
		{
			name: "unknown target selector",
			mutate: func(r *Records) {
				r.Phases[0].Assertions = append(r.Phases[0].Assertions, AssertionSpec{Kind: "route", Targets: "everything"})
			},
			want: "unknown target selector",
		},
		{
			name: "unknown vrf",
			mutate: func(r *Records) {
				r.Devices[0].Interfaces[0].VRF = "STUDENT"
			},
			want: "unknown vrf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := ringRecords(t)
			tt.mutate(recs)

			topo, err := Build(recs)
			if topo != nil {
				t.Error("Build() must not return a partial topology")
			}
			if !errors.Is(err, util.ErrInvalidModel) {
				t.Fatalf("Build() error = %v, want ModelError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadCollectsAllViolations(t *testing.T) {
	recs := ringRecords(t)
	recs.Devices[0].Role = "firewall"
	recs.Links[0].Subnet = "10.0.0.0/29"

	_, err := Build(recs)
	var me *util.ModelError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *util.ModelError", err)
	}
	if len(me.Violations) < 2 {
		t.Errorf("violations = %v, want at least 2", me.Violations)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("core1:Gi2")
	if err != nil || ep.Device != "core1" || ep.Interface != "Gi2" {
		t.Errorf("ParseEndpoint() = %v, %v", ep, err)
	}
	for _, bad := range []string{"core1", ":Gi2", "core1:"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("ParseEndpoint(%q) should fail", bad)
		}
	}
}

func TestNaturalLess(t *testing.T) {
	if !naturalLess("Gi2", "Gi10") {
		t.Error("Gi2 should sort before Gi10")
	}
	if !naturalLess("core2", "core10") {
		t.Error("core2 should sort before core10")
	}
	if naturalLess("core3", "core3") {
		t.Error("equal strings are not less")
	}
}
