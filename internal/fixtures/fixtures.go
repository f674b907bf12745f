// Package fixtures provides the shared test topologies: a five-router core
// ring brought up over OSPF, LDP and BGP phases.
package fixtures

import (
	_ "embed"
	"testing"

	"github.com/newtron-network/newtphase/pkg/topology"
)

//go:embed ring.yaml
var ringYAML []byte

// RingYAML returns the raw ring topology document.
func RingYAML() []byte { return append([]byte(nil), ringYAML...) }

// RingRecords returns a fresh, mutable copy of the ring records.
func RingRecords(t testing.TB) *topology.Records {
	t.Helper()
	recs, err := topology.ParseRecords(ringYAML)
	if err != nil {
		t.Fatalf("parsing ring fixture: %v", err)
	}
	return recs
}

// Ring returns the validated ring topology.
func Ring(t testing.TB) *topology.Topology {
	t.Helper()
	return Build(t, RingRecords(t))
}

// Build validates recs and fails the test on any violation.
func Build(t testing.TB, recs *topology.Records) *topology.Topology {
	t.Helper()
	topo, err := topology.Build(recs)
	if err != nil {
		t.Fatalf("building topology: %v", err)
	}
	return topo
}

// VPNPhase is the id of the phase AddVPNPhase appends.
const VPNPhase = 4

// AddVPNPhase extends the ring with a fourth phase that puts a STUDENT VRF
// subinterface on core1.
func AddVPNPhase(recs *topology.Records) {
	recs.VRFs = append(recs.VRFs, topology.VRFRecord{
		Name: "STUDENT", RD: "65001:100",
		Import: []string{"65001:100"}, Export: []string{"65001:100"},
	})
	for i := range recs.Devices {
		if recs.Devices[i].Name == "core1" {
			recs.Devices[i].Interfaces = append(recs.Devices[i].Interfaces, topology.InterfaceRecord{
				Name: "GigabitEthernet4.100", Address: "172.16.1.1/24", VRF: "STUDENT", VLAN: 100, Phase: VPNPhase,
			})
		}
	}
	recs.Phases = append(recs.Phases, topology.PhaseRecord{
		ID: VPNPhase, Name: "core-vpn", DependsOn: []int{3}, Devices: []string{"core1"},
		Templates: map[string][]string{"core-router": {"vrf"}},
		Assertions: []topology.AssertionSpec{
			{Kind: "route", Protocol: "connected", VRF: "STUDENT", Targets: "list", TargetList: []string{"172.16.1.0/24"}},
		},
	})
}
