// Package pipeline sequences phases through render, apply and validate.
//
// Each phase moves pending → rendering → applying → validating and ends
// passed or failed (or canceled, planned for dry runs, skipped when a
// dependency has not passed). A phase renders every device before touching
// any of them, applies with a bounded worker pool and waits for every apply
// to conclude before validation starts. Nothing is retried automatically;
// RunPhase can be called again once the operator has fixed the cause.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/newtron-network/newtphase/pkg/apply"
	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/store"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/validate"
)

// DefaultWorkers bounds concurrent device operations within a phase.
const DefaultWorkers = 4

// Pipeline drives phases for one topology.
type Pipeline struct {
	topo      *topology.Topology
	resolver  *render.Resolver
	applier   *apply.Applier
	validator *validate.Validator

	store    *store.Store
	observer Observer
	workers  int
	user     string
	source   string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore persists runs, rendered configs, results and phase outcomes,
// and lets dependency checks see phases passed by earlier runs.
func WithStore(s *store.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithObserver receives progress callbacks.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithWorkers bounds concurrent device operations. Values below 1 mean 1.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithUser names the operator in audit events and run records.
func WithUser(user string) Option {
	return func(p *Pipeline) { p.user = user }
}

// WithSource records where the topology came from.
func WithSource(src string) Option {
	return func(p *Pipeline) { p.source = src }
}

// New creates a pipeline.
func New(topo *topology.Topology, resolver *render.Resolver, applier *apply.Applier, validator *validate.Validator, opts ...Option) *Pipeline {
	p := &Pipeline{
		topo:      topo,
		resolver:  resolver,
		applier:   applier,
		validator: validator,
		observer:  NopObserver{},
		workers:   DefaultWorkers,
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// RunOptions selects what a run does.
type RunOptions struct {
	Mode Mode
	// Phases restricts Run to these phase ids; empty means every phase.
	Phases []int
	// Devices restricts every phase to this subset; empty means all.
	Devices []string
	// RunID is generated when empty.
	RunID string
}

// run is the explicit state of one invocation: the phase reports reached so
// far, consulted for dependency checks before the persisted ledger.
type run struct {
	id      string
	opts    RunOptions
	reports map[int]*PhaseReport
}

// Run walks the selected phases in dependency order. A phase whose
// dependencies did not pass is skipped; once the context is canceled the
// remaining phases are reported canceled without being started. The error is
// non-nil only when the run cannot start.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	phases, err := p.selectPhases(opts.Phases)
	if err != nil {
		return nil, err
	}
	r, report, err := p.begin(ctx, opts)
	if err != nil {
		return nil, err
	}

	for _, ph := range phases {
		var pr *PhaseReport
		if ctx.Err() != nil {
			pr = &PhaseReport{RunID: r.id, Phase: ph.ID, Name: ph.Name, Mode: r.opts.Mode,
				State: StateCanceled, Failure: FailureCanceled, Err: ctx.Err(), Started: time.Now(), Finished: time.Now()}
			p.observer.PhaseState(r.id, ph.ID, StateCanceled)
			p.record(r, pr)
		} else {
			pr = p.runPhase(ctx, r, ph)
		}
		r.reports[ph.ID] = pr
		report.Phases = append(report.Phases, pr)
	}

	p.finish(r, report)
	return report, nil
}

// RunPhase runs a single phase as its own run. Dependencies are checked
// against the persisted ledger. It is safe to call again after a failure.
func (p *Pipeline) RunPhase(ctx context.Context, phaseID int, opts RunOptions) (*PhaseReport, error) {
	ph, ok := p.topo.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("phase %d: %w", phaseID, util.ErrNotFound)
	}
	opts.Phases = []int{phaseID}
	r, report, err := p.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	pr := p.runPhase(ctx, r, ph)
	report.Phases = append(report.Phases, pr)
	p.finish(r, report)
	return pr, nil
}

func (p *Pipeline) selectPhases(ids []int) ([]*topology.Phase, error) {
	if len(ids) == 0 {
		return p.topo.Phases(), nil
	}
	want := map[int]bool{}
	for _, id := range ids {
		if _, ok := p.topo.Phase(id); !ok {
			return nil, fmt.Errorf("phase %d: %w", id, util.ErrNotFound)
		}
		want[id] = true
	}
	var out []*topology.Phase
	for _, ph := range p.topo.Phases() {
		if want[ph.ID] {
			out = append(out, ph)
		}
	}
	return out, nil
}

func (p *Pipeline) begin(ctx context.Context, opts RunOptions) (*run, *RunReport, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	for _, d := range opts.Devices {
		if _, ok := p.topo.Device(d); !ok {
			return nil, nil, fmt.Errorf("device %q: %w", d, util.ErrNotFound)
		}
	}
	r := &run{id: opts.RunID, opts: opts, reports: map[int]*PhaseReport{}}
	if p.store != nil {
		err := p.store.BeginRun(ctx, store.Run{ID: r.id, User: p.user, Mode: string(opts.Mode), Topology: p.source})
		if err != nil {
			return nil, nil, fmt.Errorf("recording run: %w", err)
		}
	}
	util.WithField("run", r.id).Infof("starting %s run", opts.Mode)
	return r, &RunReport{RunID: r.id, Mode: opts.Mode, Started: time.Now()}, nil
}

func (p *Pipeline) finish(r *run, report *RunReport) {
	report.Finished = time.Now()
	if p.store == nil {
		return
	}
	// The run row is closed even when the caller's context is gone.
	if err := p.store.FinishRun(context.Background(), r.id, string(report.State())); err != nil {
		util.WithField("run", r.id).Warnf("recording run end: %v", err)
	}
}

// dependencies returns the first dependency of ph that has not passed, with
// the state it is in. A dependency passed in this run on every one of its
// devices is satisfied; otherwise the ledger must hold a pass that covered
// the whole phase. A pass on a device subset leaves the dependency in the
// state the ledger has for it.
func (p *Pipeline) dependencies(ctx context.Context, r *run, ph *topology.Phase) (int, State, bool) {
	for _, dep := range ph.DependsOn {
		var state State
		if pr, ok := r.reports[dep]; ok && (pr.State != StatePassed || !pr.Subset) {
			state = pr.State
		} else {
			state = p.ledgerState(ctx, dep)
		}
		if state != StatePassed {
			return dep, state, false
		}
	}
	return 0, "", true
}

func (p *Pipeline) ledgerState(ctx context.Context, phase int) State {
	if p.store == nil {
		return StatePending
	}
	o, err := p.store.LatestPhaseState(ctx, phase)
	if err != nil {
		if !errors.Is(err, util.ErrNotFound) {
			util.WithPhase(strconv.Itoa(phase)).Warnf("reading phase ledger: %v", err)
		}
		return StatePending
	}
	return State(o.State)
}

// record persists a finished phase: rendered configs, device outcomes,
// validation results and the phase outcome itself. Persistence problems are
// logged; they do not change the phase's result.
func (p *Pipeline) record(r *run, pr *PhaseReport) {
	if p.store == nil {
		return
	}
	ctx := context.Background()
	log := util.WithRun(r.id, strconv.Itoa(pr.Phase))
	warn := func(what string, err error) {
		if err != nil && !errors.Is(err, util.ErrAlreadyWritten) {
			log.Warnf("recording %s: %v", what, err)
		}
	}

	for _, d := range pr.Devices {
		if d.Rendered != nil {
			warn("rendered config", p.store.PutRendered(ctx, d.Rendered))
		}
		for _, o := range deviceOutcomes(r.id, pr.Phase, d) {
			warn("device outcome", p.store.PutDeviceOutcome(ctx, o))
		}
		if len(d.Results) > 0 {
			warn("validation results", p.store.PutResults(ctx, r.id, d.Results))
		}
	}

	o := store.PhaseOutcome{
		RunID:       r.id,
		Phase:       pr.Phase,
		State:       string(pr.State),
		FailureKind: string(pr.Failure),
		Subset:      pr.Subset,
		StartedAt:   pr.Started,
		FinishedAt:  pr.Finished,
	}
	if pr.Err != nil {
		o.Diagnostic = pr.Err.Error()
	}
	warn("phase outcome", p.store.PutPhaseOutcome(ctx, o))
}

func deviceOutcomes(runID string, phase int, d *DeviceReport) []store.DeviceOutcome {
	var out []store.DeviceOutcome
	add := func(step string, ok bool, commands int, err error) {
		o := store.DeviceOutcome{RunID: runID, Phase: phase, Device: d.Device, Step: step, OK: ok, Commands: commands}
		if err != nil {
			o.Error = err.Error()
		}
		out = append(out, o)
	}
	if d.Rendered != nil || d.RenderErr != nil {
		lines := 0
		if d.Rendered != nil {
			lines = len(d.Rendered.Lines)
		}
		add("render", d.RenderErr == nil, lines, d.RenderErr)
	}
	if d.Plan != nil || d.PlanErr != nil {
		n := 0
		if d.Plan != nil {
			n = len(d.Plan.Commands)
		}
		add("plan", d.PlanErr == nil, n, d.PlanErr)
	}
	if d.Applied != nil || d.ApplyErr != nil {
		n := 0
		if d.Applied != nil {
			n = d.Applied.Applied
		}
		add("apply", d.ApplyErr == nil, n, d.ApplyErr)
	}
	if d.ValidateErr != nil {
		add("validate", false, 0, d.ValidateErr)
	}
	return out
}
