//go:build integration

package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/newtron-network/newtphase/internal/testutil"
	"github.com/newtron-network/newtphase/pkg/util"
)

func pairSeed() testutil.Seed {
	return testutil.Seed{
		"POLICY": {"global": {"asn": "65001", "ospf_process": "1", "ospf_area": "0"}},
		"DEVICE": {
			"core1": {"role": "core-router", "route_reflector": "true", "loopback": "10.255.1.1", "mgmt": "192.168.68.101"},
			"core2": {"role": "core-router", "bgp": "true", "loopback": "10.255.1.2", "mgmt": "192.168.68.102"},
		},
		"INTERFACE": {
			"core1|GigabitEthernet2": {"address": "10.0.0.0/31"},
			"core2|GigabitEthernet2": {"address": "10.0.0.1/31"},
		},
		"LINK": {
			"core1-core2": {"a": "core1:Gi2", "b": "core2:Gi2", "subnet": "10.0.0.0/31"},
		},
		"PHASE": {
			"1": {
				"name":       "core-ospf",
				"devices":    "core1,core2",
				"assertions": "- {kind: neighbor, protocol: ospf, peers: links}\n",
			},
			"2": {
				"name":       "core-bgp",
				"devices":    "core1,core2",
				"depends_on": "1",
				"templates":  "core-router: [bgp]\n",
			},
		},
	}
}

func TestRedisSource_Load(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	addr := testutil.RedisAddr()
	testutil.SeedRedis(t, addr, testutil.InventoryDB, pairSeed())

	src := NewRedisSource(addr, testutil.InventoryDB)
	defer src.Close()

	topo, err := Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if topo.Policy.ASN != 65001 {
		t.Errorf("ASN = %d", topo.Policy.ASN)
	}
	d, ok := topo.Device("core1")
	if !ok || !d.RouteReflector {
		t.Fatalf("core1 = %+v", d)
	}
	if d.Interfaces["GigabitEthernet2"].Link != "core1-core2" {
		t.Error("interface not bound to its link")
	}
	p, _ := topo.Phase(2)
	if p.DependsOn[0] != 1 || len(p.Templates[RoleCore]) != 1 {
		t.Errorf("phase 2 = %+v", p)
	}
	p1, _ := topo.Phase(1)
	if len(p1.Assertions) != 1 || p1.Assertions[0].Protocol != "ospf" {
		t.Errorf("phase 1 assertions = %+v", p1.Assertions)
	}
}

func TestRedisSource_InvalidInventory(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	addr := testutil.RedisAddr()
	seed := pairSeed()
	seed["INTERFACE"]["core2|GigabitEthernet2"]["address"] = "10.0.0.5/31"
	testutil.SeedRedis(t, addr, testutil.InventoryDB, seed)

	src := NewRedisSource(addr, testutil.InventoryDB)
	defer src.Close()

	if _, err := Load(context.Background(), src); !errors.Is(err, util.ErrInvalidModel) {
		t.Fatalf("Load() error = %v, want ModelError", err)
	}
}
