package validate

import (
	"context"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/newtphase/internal/fixtures"
	"github.com/newtron-network/newtphase/pkg/apply"
	"github.com/newtron-network/newtphase/pkg/device"
	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
)

var fastBackoff = util.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}

// converge applies each phase to every device in it.
func converge(t *testing.T, lab *device.Lab, topo *topology.Topology, phases ...int) {
	t.Helper()
	cat, err := render.DefaultCatalog()
	require.NoError(t, err)
	res := render.NewResolver(topo, cat)
	ap := apply.NewApplier(lab, apply.WithBackoff(fastBackoff))
	for _, k := range phases {
		rcs, err := res.RenderPhase(k, nil)
		require.NoError(t, err)
		for _, rc := range rcs {
			_, err := ap.Apply(context.Background(), rc)
			require.NoError(t, err, "apply %s phase %d", rc.Device, k)
		}
	}
}

func ids(as []Assertion) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		machine *StateMachine
		raw     string
		want    string
		ok      bool
	}{
		{OSPF, "FULL/DR", "FULL", true},
		{OSPF, "FULL/  -", "FULL", true},
		{OSPF, "2WAY/DROTHER", "2WAY", true},
		{OSPF, "two_way", "2WAY", true},
		{OSPF, "INIT/-", "INIT", true},
		{OSPF, "BOGUS/DR", "", false},
		{LDP, "Oper", "OPERATIONAL", true},
		{LDP, "non_existent", "NON_EXISTENT", true},
		{LDP, "Nonexistent", "NON_EXISTENT", true},
		{BGP, "0", "ESTABLISHED", true},
		{BGP, "12", "ESTABLISHED", true},
		{BGP, "Idle (Admin)", "IDLE", true},
		{BGP, "Active", "ACTIVE", true},
		{BGP, "established", "ESTABLISHED", true},
		{BGP, "Up", "", false},
	}
	for _, tt := range tests {
		got, ok := tt.machine.Normalize(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s.Normalize(%q) = %q, %v; want %q, %v", tt.machine.Protocol, tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStateMachineOrder(t *testing.T) {
	for _, m := range []*StateMachine{OSPF, LDP, BGP} {
		assert.Equal(t, len(m.States)-1, m.Rank(m.Terminal()), m.Protocol)
		assert.Equal(t, -1, m.Rank("NOPE"))
	}
	assert.Less(t, BGP.Rank("ACTIVE"), BGP.Rank("ESTABLISHED"))
	assert.Less(t, OSPF.Rank("2WAY"), OSPF.Rank("FULL"))
}

func TestExpandRing(t *testing.T) {
	topo := fixtures.Ring(t)

	p1, err := Expand(topo, 1, "core3")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"neighbor/ospf/core2/GigabitEthernet2",
		"neighbor/ospf/core4/GigabitEthernet3",
		"route/ospf/core1",
		"route/ospf/core2",
		"route/ospf/core4",
		"route/ospf/core5",
	}, ids(p1))
	for _, a := range p1 {
		if a.Kind == KindNeighbor {
			assert.Equal(t, "FULL", a.State)
			assert.Equal(t, device.FactOSPFNeighbors, a.Key.Kind)
		}
	}

	p2, err := Expand(topo, 2, "core3")
	require.NoError(t, err)
	assert.Contains(t, ids(p2), "neighbor/ldp/core2")
	assert.Contains(t, ids(p2), "label/core5")

	p3, err := Expand(topo, 3, "core3")
	require.NoError(t, err)
	assert.Equal(t, []string{"neighbor/bgp/core1", "neighbor/bgp/core2", "neighbor/bgp/core5"}, ids(p3))
	assert.Equal(t, "10.255.1.1", p3[0].PeerID)

	rr, err := Expand(topo, 3, "core1")
	require.NoError(t, err)
	assert.Len(t, rr, 4, "a route reflector peers with every other BGP speaker")
}

func TestExpandSelectors(t *testing.T) {
	recs := fixtures.RingRecords(t)
	recs.Phases[0].Assertions = []topology.AssertionSpec{
		{Kind: "neighbor", Protocol: "ospf", State: "2way", Peers: "list", PeerList: []string{"core1", "core2"}},
		{Kind: "reachability", Targets: "list", TargetList: []string{"10.255.1.4", "192.0.2.0/24"}, MinSuccess: 80},
		{Kind: "route", Protocol: "ospf", Roles: []topology.Role{topology.RoleEdge}},
	}
	topo := fixtures.Build(t, recs)

	as, err := Expand(topo, 1, "core1")
	require.NoError(t, err)
	require.Len(t, as, 3, "self is dropped from the peer list and the role filter excludes routes")

	assert.Equal(t, "neighbor/ospf/core2", as[0].ID)
	assert.Equal(t, "2WAY", as[0].State)

	assert.Equal(t, "reachability/10.255.1.4/32", as[1].ID)
	assert.Equal(t, 80, as[1].MinSuccess)
	assert.Equal(t, device.FactKey{Kind: device.FactPing, Target: "10.255.1.4"}, as[1].Key)
	assert.Equal(t, netip.MustParsePrefix("192.0.2.0/24"), as[2].Prefix)
}

func TestExpandErrors(t *testing.T) {
	topo := fixtures.Ring(t)

	_, err := Expand(topo, 9, "core1")
	assert.ErrorContains(t, err, "unknown phase 9")
	_, err = Expand(topo, 1, "core9")
	assert.ErrorContains(t, err, "unknown device")

	recs := fixtures.RingRecords(t)
	recs.Phases[0].Devices = []string{"core1", "core2"}
	_, err = Expand(fixtures.Build(t, recs), 1, "core3")
	assert.ErrorContains(t, err, "not part of phase")
}

func TestValidateConvergedRing(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)
	converge(t, lab, topo, 1, 2, 3)

	v := NewValidator(topo, lab, WithBackoff(fastBackoff))
	for _, p := range topo.Phases() {
		for _, dev := range p.Devices {
			results, err := v.Validate(context.Background(), dev, p.ID)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			for _, r := range results {
				assert.True(t, r.Passed(), "%s phase %d %s: %s", dev, p.ID, r.Assertion, r.Diagnostic)
				assert.Equal(t, p.ID, r.Phase)
			}
		}
	}
}

func TestValidateBeforeApplyFails(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)
	converge(t, lab, topo, 1)

	v := NewValidator(topo, lab, WithBackoff(fastBackoff))
	results, err := v.Validate(context.Background(), "core3", 2)
	require.NoError(t, err)
	assert.Equal(t, Fail, Overall(results))
	for _, r := range results {
		assert.Equal(t, Fail, r.Outcome, r.Assertion)
		assert.NotEmpty(t, r.Diagnostic)
	}
}

func TestValidateRetriesTransientQueries(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)
	converge(t, lab, topo, 1)
	lab.FailQueries("core3", 2)

	v := NewValidator(topo, lab, WithBackoff(fastBackoff))
	results, err := v.Validate(context.Background(), "core3", 1)
	require.NoError(t, err)
	assert.Equal(t, Pass, Overall(results))
}

func TestValidateErrorIsNotFail(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)
	converge(t, lab, topo, 1)
	// Three attempts exhaust the OSPF query; the route query then
	// succeeds on its third attempt.
	lab.FailQueries("core3", 5)

	v := NewValidator(topo, lab, WithBackoff(fastBackoff))
	results, err := v.Validate(context.Background(), "core3", 1)
	require.NoError(t, err)

	byKind := map[string][]Outcome{}
	for _, r := range results {
		byKind[r.Kind] = append(byKind[r.Kind], r.Outcome)
	}
	assert.Equal(t, []Outcome{Error, Error}, byKind[KindNeighbor])
	assert.Equal(t, []Outcome{Pass, Pass, Pass, Pass}, byKind[KindRoute])
	assert.Equal(t, Error, Overall(results))
	assert.Contains(t, results[0].Diagnostic, "device query failed")
}

func TestValidateObservedStates(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)
	lab.SetFacts("core3", device.FactBGPSummary, &device.Facts{Neighbors: []device.Neighbor{
		{ID: "10.255.1.1", Address: "10.255.1.1", State: "Idle (Admin)"},
		{ID: "10.255.1.2", Address: "10.255.1.2", State: "7"},
		{ID: "10.255.1.5", Address: "10.255.1.5", State: "Dancing"},
	}})

	v := NewValidator(topo, lab, WithBackoff(fastBackoff))
	results, err := v.Validate(context.Background(), "core3", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	got := map[string]Result{}
	for _, r := range results {
		got[r.Assertion] = r
	}
	assert.Equal(t, Fail, got["neighbor/bgp/core1"].Outcome)
	assert.Equal(t, "IDLE", got["neighbor/bgp/core1"].Observed)
	assert.Equal(t, "ESTABLISHED", got["neighbor/bgp/core1"].Expected)
	assert.Equal(t, Pass, got["neighbor/bgp/core2"].Outcome)
	assert.Equal(t, Fail, got["neighbor/bgp/core5"].Outcome)
	assert.Contains(t, got["neighbor/bgp/core5"].Diagnostic, "unrecognised state")
	assert.Equal(t, 1, lab.Opens("core3"), "one session per invocation")
}

func TestValidateCanceled(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewValidator(topo, lab).Validate(ctx, "core1", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateWaitsForDeviceLock(t *testing.T) {
	topo := fixtures.Ring(t)
	lab := device.NewLabFromTopology(topo, false)
	locker := device.NewLocalLocker()
	v := NewValidator(topo, lab, WithBackoff(fastBackoff), WithLocker(locker))

	unlock, err := locker.Lock(context.Background(), "core1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = v.Validate(ctx, "core1", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, lab.Opens("core1"), "queried while another operation held the device")

	done := make(chan error, 1)
	go func() {
		_, err := v.Validate(context.Background(), "core1", 1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, lab.Opens("core1"))
	unlock()
	require.NoError(t, <-done)
	assert.Equal(t, 1, lab.Opens("core1"))

	// Released once Validate returns.
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	unlock, err = locker.Lock(ctx, "core1")
	require.NoError(t, err)
	unlock()
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name string
		in   []Outcome
		want Outcome
	}{
		{"empty", nil, Pass},
		{"all pass", []Outcome{Pass, Pass}, Pass},
		{"error", []Outcome{Pass, Error}, Error},
		{"fail wins over error", []Outcome{Error, Fail, Pass}, Fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rs []Result
			for _, o := range tt.in {
				rs = append(rs, Result{Outcome: o})
			}
			assert.Equal(t, tt.want, Overall(rs))
		})
	}
}
