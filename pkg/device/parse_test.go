package device

import (
	"net/netip"
	"testing"
)

const ospfNeighborOutput = `
Neighbor ID     Pri   State           Dead Time   Address         Interface
10.255.1.2        0   FULL/  -        00:00:33    10.0.0.1        GigabitEthernet2
10.255.1.5        1   FULL/DR         00:00:38    10.0.0.8        GigabitEthernet3
10.255.10.1       0   INIT/  -        00:00:31    10.0.1.1        GigabitEthernet5
`

func TestParseOSPFNeighbors(t *testing.T) {
	f, err := ParseOSPFNeighbors(ospfNeighborOutput)
	if err != nil {
		t.Fatal(err)
	}
	want := []Neighbor{
		{ID: "10.255.1.2", State: "FULL/-", Address: "10.0.0.1", Interface: "GigabitEthernet2"},
		{ID: "10.255.1.5", State: "FULL/DR", Address: "10.0.0.8", Interface: "GigabitEthernet3"},
		{ID: "10.255.10.1", State: "INIT/-", Address: "10.0.1.1", Interface: "GigabitEthernet5"},
	}
	if len(f.Neighbors) != len(want) {
		t.Fatalf("got %d neighbors, want %d", len(f.Neighbors), len(want))
	}
	for i, w := range want {
		if f.Neighbors[i] != w {
			t.Errorf("neighbor %d = %+v, want %+v", i, f.Neighbors[i], w)
		}
	}
}

const ldpNeighborOutput = `
    Peer LDP Ident: 10.255.1.2:0; Local LDP Ident 10.255.1.1:0
        TCP connection: 10.255.1.2.646 - 10.255.1.1.58369
        State: Oper; Msgs sent/rcvd: 45/44; Downstream
        Up time: 00:30:12
        LDP discovery sources:
          GigabitEthernet2, Src IP addr: 10.0.0.1
        Addresses bound to peer LDP Ident:
          10.0.0.1        10.0.0.2        10.255.1.2
    Peer LDP Ident: 10.255.1.5:0; Local LDP Ident 10.255.1.1:0
        TCP connection: 10.255.1.5.646 - 10.255.1.1.37122
        State: Oper; Msgs sent/rcvd: 41/40; Downstream
        LDP discovery sources:
          GigabitEthernet3, Src IP addr: 10.0.0.8
`

func TestParseLDPNeighbors(t *testing.T) {
	f, _ := ParseLDPNeighbors(ldpNeighborOutput)
	if len(f.Neighbors) != 2 {
		t.Fatalf("got %d neighbors", len(f.Neighbors))
	}
	n := f.Neighbors[0]
	if n.ID != "10.255.1.2" || n.State != "Oper" || n.Interface != "GigabitEthernet2" || n.Address != "10.0.0.1" {
		t.Errorf("neighbor 0 = %+v", n)
	}
	if f.Neighbors[1].Interface != "GigabitEthernet3" {
		t.Errorf("neighbor 1 = %+v", f.Neighbors[1])
	}
}

const bgpSummaryOutput = `BGP router identifier 10.255.1.1, local AS number 65001
BGP table version is 1, main routing table version 1

Neighbor        V           AS MsgRcvd MsgSent   TblVer  InQ OutQ Up/Down  State/PfxRcd
10.255.1.2      4        65001      40      41        1    0    0 00:30:01        0
10.255.1.3      4        65001      12      15        1    0    0 00:05:11        3
10.255.1.4      4        65001       0       0        1    0    0 never    Idle
10.255.1.5      4        65001       0       0        1    0    0 never    Idle (Admin)
`

func TestParseBGPSummary(t *testing.T) {
	f, _ := ParseBGPSummary(bgpSummaryOutput)
	want := map[string]string{
		"10.255.1.2": "0",
		"10.255.1.3": "3",
		"10.255.1.4": "Idle",
		"10.255.1.5": "Idle (Admin)",
	}
	if len(f.Neighbors) != len(want) {
		t.Fatalf("got %d neighbors", len(f.Neighbors))
	}
	for _, n := range f.Neighbors {
		if want[n.Address] != n.State {
			t.Errorf("%s state = %q, want %q", n.Address, n.State, want[n.Address])
		}
	}
}

const forwardingOutput = `
Local      Outgoing   Prefix           Bytes Label   Outgoing   Next Hop
Label      Label      or Tunnel Id     Switched      interface
16         Pop Label  10.255.1.2/32    0             Gi2        10.0.0.1
17         18         10.255.1.3/32    0             Gi2        10.0.0.1
18         No Label   10.255.1.4/32    0             Gi3        10.0.0.8
`

func TestParseForwardingTable(t *testing.T) {
	f, _ := ParseForwardingTable(forwardingOutput)
	if len(f.Labels) != 3 {
		t.Fatalf("got %d labels", len(f.Labels))
	}
	if f.Labels[0].Outgoing != "Pop Label" || f.Labels[0].Interface != "Gi2" || f.Labels[0].NextHop != "10.0.0.1" {
		t.Errorf("label 0 = %+v", f.Labels[0])
	}
	if f.Labels[1].Outgoing != "18" {
		t.Errorf("label 1 = %+v", f.Labels[1])
	}
	if !f.HasLabel(netip.MustParsePrefix("10.255.1.4/32")) {
		t.Error("missing binding for 10.255.1.4/32")
	}
}

const routeOutput = `Codes: L - local, C - connected, S - static, R - RIP, M - mobile, B - BGP
       D - EIGRP, EX - EIGRP external, O - OSPF, IA - OSPF inter area
       + - replicated route, % - next hop override

Gateway of last resort is not set

      10.0.0.0/8 is variably subnetted, 12 subnets, 2 masks
C        10.0.0.0/31 is directly connected, GigabitEthernet2
L        10.0.0.0/32 is directly connected, GigabitEthernet2
O        10.0.0.2/31 [110/2] via 10.0.0.1, 00:10:11, GigabitEthernet2
O        10.255.1.3/32 [110/3] via 10.0.0.1, 00:10:11, GigabitEthernet2
                       [110/3] via 10.0.0.8, 00:10:11, GigabitEthernet3
O IA     10.255.10.1/32 [110/4] via 10.0.0.1, 00:02:00, GigabitEthernet2
B        172.16.2.0/24 [200/0] via 10.255.1.2, 00:01:02
`

func TestParseRoutes(t *testing.T) {
	f, _ := ParseRoutes(routeOutput)
	if len(f.Routes) != 6 {
		t.Fatalf("got %d routes: %+v", len(f.Routes), f.Routes)
	}
	tests := []struct {
		prefix   string
		protocol string
	}{
		{"10.0.0.0/31", "connected"},
		{"10.0.0.0/32", "local"},
		{"10.255.1.3/32", "ospf"},
		{"10.255.10.1/32", "ospf"},
		{"172.16.2.0/24", "bgp"},
	}
	for _, tt := range tests {
		if !f.HasRoute(netip.MustParsePrefix(tt.prefix), tt.protocol) {
			t.Errorf("missing %s route %s", tt.protocol, tt.prefix)
		}
	}
	r := f.Routes[3]
	if r.NextHop != "10.0.0.1" || r.Interface != "GigabitEthernet2" {
		t.Errorf("route %s = %+v", r.Prefix, r)
	}
	if f.Routes[5].Interface != "" || f.Routes[5].NextHop != "10.255.1.2" {
		t.Errorf("bgp route = %+v", f.Routes[5])
	}
}

func TestParsePing(t *testing.T) {
	out := `Type escape sequence to abort.
Sending 3, 100-byte ICMP Echos to 10.255.1.2, timeout is 2 seconds:
Packet sent with a source address of 10.255.1.1
!!.
Success rate is 66 percent (2/3), round-trip min/avg/max = 1/1/2 ms
`
	f, err := ParsePing(out)
	if err != nil {
		t.Fatal(err)
	}
	if *f.Ping != (PingResult{Sent: 3, Received: 2, SuccessRate: 66}) {
		t.Errorf("ping = %+v", *f.Ping)
	}
	if _, err := ParsePing("% Unrecognized host or address"); err == nil {
		t.Error("expected error for output without a summary")
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		key  FactKey
		want string
	}{
		{FactKey{Kind: FactOSPFNeighbors}, "show ip ospf neighbor"},
		{FactKey{Kind: FactRoutes}, "show ip route"},
		{FactKey{Kind: FactRoutes, VRF: "STUDENT"}, "show ip route vrf STUDENT"},
		{FactKey{Kind: FactPing, Target: "10.255.1.2", Source: "Loopback0"}, "ping 10.255.1.2 source Loopback0 repeat 3"},
		{FactKey{Kind: FactPing, VRF: "STAFF", Target: "172.16.2.1"}, "ping vrf STAFF 172.16.2.1 repeat 3"},
	}
	for _, tt := range tests {
		got, err := Command(tt.key)
		if err != nil || got != tt.want {
			t.Errorf("Command(%v) = %q, %v; want %q", tt.key, got, err, tt.want)
		}
	}
	if _, err := Command(FactKey{Kind: "isis"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParseSetsKeyAndRaw(t *testing.T) {
	key := FactKey{Kind: FactOSPFNeighbors}
	f, err := Parse(key, ospfNeighborOutput)
	if err != nil {
		t.Fatal(err)
	}
	if f.Key != key || f.Raw != ospfNeighborOutput {
		t.Error("Parse did not record key and raw output")
	}
}

func TestRejection(t *testing.T) {
	out := "core1(config-if)#ip adress 10.0.0.1\n            ^\n% Invalid input detected at '^' marker.\n\ncore1(config-if)#"
	reason, ok := Rejection(out)
	if !ok || reason != "% Invalid input detected at '^' marker." {
		t.Errorf("Rejection() = %q, %v", reason, ok)
	}
	if _, ok := Rejection("core1(config)#"); ok {
		t.Error("clean prompt reported as rejection")
	}
}

func TestPromptRe(t *testing.T) {
	for _, p := range []string{"core1#", "core1(config)#", "main-agg1(config-router-af)# ", "Router>"} {
		if !promptRe.MatchString("output\n" + p) {
			t.Errorf("prompt %q not matched", p)
		}
	}
	if promptRe.MatchString("Building configuration...") {
		t.Error("matched non-prompt output")
	}
}
