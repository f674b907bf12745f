package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/validate"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "newtphase.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func beginRun(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.BeginRun(context.Background(), Run{ID: id, User: "tester", Mode: "full"}))
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	beginRun(t, s, "run-1")

	r, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", r.State)
	assert.Equal(t, "tester", r.User)
	assert.True(t, r.FinishedAt.IsZero())

	require.NoError(t, s.FinishRun(ctx, "run-1", "passed"))
	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "passed", r.State)
	assert.False(t, r.FinishedAt.IsZero())

	assert.ErrorIs(t, s.FinishRun(ctx, "run-1", "failed"), util.ErrAlreadyWritten)
	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, *r, *again, "a closed run is never rewritten")
	assert.ErrorIs(t, s.FinishRun(ctx, "run-9", "failed"), util.ErrNotFound)
	assert.ErrorIs(t, s.BeginRun(ctx, Run{ID: "run-1", Mode: "full"}), util.ErrAlreadyWritten)

	_, err = s.GetRun(ctx, "run-9")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestRunsNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.BeginRun(ctx, Run{ID: id, Mode: "full", StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	runs, err := s.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	all, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRenderedWriteOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rc := &render.RenderedConfig{Device: "core1", Phase: 1, Version: "abc123", Lines: []string{"hostname core1"}}

	require.NoError(t, s.PutRendered(ctx, rc))

	changed := *rc
	changed.Lines = []string{"hostname other"}
	assert.ErrorIs(t, s.PutRendered(ctx, &changed), util.ErrAlreadyWritten)

	text, err := s.Rendered(ctx, "core1", 1, "abc123")
	require.NoError(t, err)
	assert.Equal(t, rc.Text(), text, "first write wins")

	_, err = s.Rendered(ctx, "core1", 1, "other")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestResultsInsertOnly(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	beginRun(t, s, "run-1")

	results := []validate.Result{
		{Phase: 1, Device: "core1", Assertion: "neighbor/ospf/core2/GigabitEthernet2", Kind: "neighbor", Outcome: validate.Pass, Expected: "FULL", Observed: "FULL"},
		{Phase: 1, Device: "core1", Assertion: "route/ospf/core3", Kind: "route", Outcome: validate.Fail, Expected: "ospf route to 10.255.1.3/32", Observed: "absent", Diagnostic: "no route"},
	}
	require.NoError(t, s.PutResults(ctx, "run-1", results))

	dup := []validate.Result{
		{Phase: 1, Device: "core1", Assertion: "reachability/core4", Kind: "reachability", Outcome: validate.Pass},
		results[1],
	}
	assert.ErrorIs(t, s.PutResults(ctx, "run-1", dup), util.ErrAlreadyWritten)

	got, err := s.Results(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 2, "a rejected batch writes nothing")
	assert.Equal(t, results[0], got[0])
	assert.Equal(t, validate.Fail, got[1].Outcome)

	other, err := s.Results(ctx, "run-1", 2)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestResultsRequireRun(t *testing.T) {
	s := openStore(t)
	err := s.PutResults(context.Background(), "missing", []validate.Result{{Phase: 1, Device: "core1", Assertion: "x"}})
	assert.Error(t, err)
}

func TestDeviceOutcomes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	beginRun(t, s, "run-1")

	require.NoError(t, s.PutDeviceOutcome(ctx, DeviceOutcome{RunID: "run-1", Phase: 1, Device: "core2", Step: "apply", OK: true, Commands: 12}))
	require.NoError(t, s.PutDeviceOutcome(ctx, DeviceOutcome{RunID: "run-1", Phase: 1, Device: "core1", Step: "apply", OK: false, Error: "partial apply"}))
	assert.ErrorIs(t, s.PutDeviceOutcome(ctx, DeviceOutcome{RunID: "run-1", Phase: 1, Device: "core1", Step: "apply", OK: true}), util.ErrAlreadyWritten)

	got, err := s.DeviceOutcomes(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "core1", got[0].Device)
	assert.False(t, got[0].OK)
	assert.Equal(t, 12, got[1].Commands)
}

func TestLatestPhaseState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.LatestPhaseState(ctx, 1)
	assert.ErrorIs(t, err, util.ErrNotFound)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	put := func(run string, phase int, state string, at time.Time) {
		t.Helper()
		require.NoError(t, s.PutPhaseOutcome(ctx, PhaseOutcome{RunID: run, Phase: phase, State: state, FinishedAt: at}))
	}
	beginRun(t, s, "r1")
	beginRun(t, s, "r2")
	beginRun(t, s, "r3")
	beginRun(t, s, "r4")
	put("r1", 1, "failed", base)
	put("r2", 1, "passed", base.Add(time.Minute))
	put("r3", 1, "planned", base.Add(2*time.Minute))
	put("r4", 1, "skipped", base.Add(3*time.Minute))
	put("r1", 2, "failed", base)

	latest, err := s.LatestPhaseState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "passed", latest.State, "dry runs and skips do not count")
	assert.Equal(t, "r2", latest.RunID)

	assert.ErrorIs(t, s.PutPhaseOutcome(ctx, PhaseOutcome{RunID: "r2", Phase: 1, State: "failed"}), util.ErrAlreadyWritten)

	outcomes, err := s.PhaseOutcomes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 1, outcomes[0].Phase)
	assert.Equal(t, 2, outcomes[1].Phase)
}

func TestLatestPhaseStateIgnoresSubsetPasses(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"r1", "r2", "r3"} {
		beginRun(t, s, id)
	}

	require.NoError(t, s.PutPhaseOutcome(ctx, PhaseOutcome{RunID: "r1", Phase: 1, State: "passed", Subset: true, FinishedAt: base}))
	_, err := s.LatestPhaseState(ctx, 1)
	assert.ErrorIs(t, err, util.ErrNotFound, "a subset pass is not a phase pass")

	outcomes, err := s.PhaseOutcomes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Subset)

	require.NoError(t, s.PutPhaseOutcome(ctx, PhaseOutcome{RunID: "r2", Phase: 1, State: "passed", FinishedAt: base.Add(time.Minute)}))
	require.NoError(t, s.PutPhaseOutcome(ctx, PhaseOutcome{RunID: "r3", Phase: 1, State: "failed", Subset: true, FinishedAt: base.Add(2 * time.Minute)}))
	latest, err := s.LatestPhaseState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "failed", latest.State, "a subset failure still counts")
	assert.True(t, latest.Subset)
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newtphase.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.BeginRun(ctx, Run{ID: "r1", Mode: "full"}))
	require.NoError(t, s.PutPhaseOutcome(ctx, PhaseOutcome{RunID: "r1", Phase: 1, State: "passed"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	latest, err := s.LatestPhaseState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "passed", latest.State)
}
