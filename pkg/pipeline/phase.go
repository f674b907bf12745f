package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/validate"
)

// runPhase takes one phase from pending to a terminal state. The report is
// persisted before it is returned.
func (p *Pipeline) runPhase(ctx context.Context, r *run, ph *topology.Phase) *PhaseReport {
	pr := &PhaseReport{RunID: r.id, Phase: ph.ID, Name: ph.Name, Mode: r.opts.Mode, Started: time.Now()}
	defer func() {
		pr.Finished = time.Now()
		p.record(r, pr)
	}()
	log := util.WithRun(r.id, ph.Name)

	p.setState(r, pr, StatePending)
	if r.opts.Mode != ModeDryRun {
		if dep, state, ok := p.dependencies(ctx, r, ph); !ok {
			depName := fmt.Sprint(dep)
			if d, ok := p.topo.Phase(dep); ok {
				depName = fmt.Sprintf("%d (%s)", dep, d.Name)
			}
			pr.Failure = FailureDependency
			pr.Err = &util.DependencyError{Phase: fmt.Sprintf("%d (%s)", ph.ID, ph.Name), DependsOn: depName, State: string(state)}
			log.Warn(pr.Err)
			p.setState(r, pr, StateSkipped)
			return pr
		}
	}

	for _, name := range render.Select(ph, r.opts.Devices) {
		pr.Devices = append(pr.Devices, &DeviceReport{Device: name})
	}
	pr.Subset = len(pr.Devices) < len(ph.Devices)
	if len(pr.Devices) == 0 {
		pr.Err = fmt.Errorf("none of the selected devices take part in phase %d", ph.ID)
		p.setState(r, pr, StateSkipped)
		return pr
	}

	if r.opts.Mode != ModeValidateOnly {
		if !p.render(r, pr) {
			return pr
		}
		if p.canceled(ctx, r, pr) {
			return pr
		}
	}

	switch r.opts.Mode {
	case ModeDryRun:
		p.plan(ctx, r, pr)
		return pr
	case ModeFull:
		if !p.apply(ctx, r, pr) {
			return pr
		}
		if p.canceled(ctx, r, pr) {
			return pr
		}
	}

	p.validate(ctx, r, pr)
	return pr
}

func (p *Pipeline) setState(r *run, pr *PhaseReport, s State) {
	pr.State = s
	util.WithRun(r.id, pr.Name).Debugf("phase %d %s", pr.Phase, s)
	p.observer.PhaseState(r.id, pr.Phase, s)
}

func (p *Pipeline) canceled(ctx context.Context, r *run, pr *PhaseReport) bool {
	if ctx.Err() == nil {
		return false
	}
	pr.Failure = FailureCanceled
	pr.Err = fmt.Errorf("%w: %v", util.ErrCanceled, ctx.Err())
	p.setState(r, pr, StateCanceled)
	return true
}

func (p *Pipeline) fail(r *run, pr *PhaseReport, kind FailureKind, err error) {
	pr.Failure = kind
	pr.Err = err
	util.WithRun(r.id, pr.Name).Warnf("phase %d failed: %v", pr.Phase, err)
	p.setState(r, pr, StateFailed)
}

// forEach runs fn for every device with at most p.workers in flight and
// returns once all of them have returned.
func (p *Pipeline) forEach(devices []*DeviceReport, fn func(d *DeviceReport)) {
	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, d := range devices {
		g.Go(func() error {
			fn(d)
			return nil
		})
	}
	_ = g.Wait()
}

// render renders every device before any device is contacted. Every failure
// is collected, not only the first.
func (p *Pipeline) render(r *run, pr *PhaseReport) bool {
	p.setState(r, pr, StateRendering)
	var errs []error
	for _, d := range pr.Devices {
		d.Rendered, d.RenderErr = p.resolver.Render(d.Device, pr.Phase)
		if d.RenderErr != nil {
			errs = append(errs, d.RenderErr)
		}
	}
	if len(errs) > 0 {
		p.fail(r, pr, FailureRender, fmt.Errorf("%d of %d devices failed to render: %w",
			len(errs), len(pr.Devices), errors.Join(errs...)))
		return false
	}
	return true
}

func (p *Pipeline) plan(ctx context.Context, r *run, pr *PhaseReport) {
	ap := p.applier.ForRun(r.id, p.user)
	p.forEach(pr.Devices, func(d *DeviceReport) {
		d.Plan, d.PlanErr = ap.Plan(ctx, d.Rendered)
	})
	if p.canceled(ctx, r, pr) {
		return
	}
	if err := p.deviceFailure(pr, func(d *DeviceReport) error { return d.PlanErr }); err != nil {
		p.fail(r, pr, applyFailure(err), err)
		return
	}
	p.setState(r, pr, StatePlanned)
}

// apply pushes every device's config, then waits for all of them. Any
// failure stops the phase before validation.
func (p *Pipeline) apply(ctx context.Context, r *run, pr *PhaseReport) bool {
	p.setState(r, pr, StateApplying)
	ap := p.applier.ForRun(r.id, p.user)
	p.forEach(pr.Devices, func(d *DeviceReport) {
		d.Applied, d.ApplyErr = ap.Apply(ctx, d.Rendered)
		p.observer.DeviceApplied(r.id, pr.Phase, d.Device, d.Applied, d.ApplyErr)
	})

	var errs []error
	kind := FailureNone
	for _, d := range pr.Devices {
		if d.ApplyErr == nil {
			continue
		}
		errs = append(errs, d.ApplyErr)
		switch k := applyFailure(d.ApplyErr); {
		case k == FailureCanceled:
		case kind == FailureNone, k == FailureApply:
			kind = k
		}
	}
	if ctx.Err() != nil {
		p.canceled(ctx, r, pr)
		return false
	}
	if len(errs) == 0 {
		return true
	}
	if kind == FailureNone {
		kind = FailureCanceled
	}
	p.fail(r, pr, kind, fmt.Errorf("%d of %d devices failed to apply: %w", len(errs), len(pr.Devices), errors.Join(errs...)))
	return false
}

func (p *Pipeline) validate(ctx context.Context, r *run, pr *PhaseReport) {
	p.setState(r, pr, StateValidating)
	p.forEach(pr.Devices, func(d *DeviceReport) {
		d.Results, d.ValidateErr = p.validator.Validate(ctx, d.Device, pr.Phase)
		p.observer.DeviceValidated(r.id, pr.Phase, d.Device, d.Results, d.ValidateErr)
	})
	if p.canceled(ctx, r, pr) {
		return
	}
	if err := p.deviceFailure(pr, func(d *DeviceReport) error { return d.ValidateErr }); err != nil {
		kind := FailureValidation
		if util.IsTransient(err) {
			kind = FailureInfrastructure
		}
		p.fail(r, pr, kind, err)
		return
	}

	results := pr.Results()
	failed := 0
	for _, res := range results {
		if !res.Passed() {
			failed++
		}
	}
	switch validate.Overall(results) {
	case validate.Fail:
		p.fail(r, pr, FailureValidation, fmt.Errorf("%d of %d assertions did not pass", failed, len(results)))
	case validate.Error:
		p.fail(r, pr, FailureInfrastructure, fmt.Errorf("%w: %d of %d assertions could not be evaluated",
			util.ErrQuery, failed, len(results)))
	default:
		util.WithRun(r.id, pr.Name).Infof("phase %d passed %d assertions on %d devices", pr.Phase, len(results), len(pr.Devices))
		p.setState(r, pr, StatePassed)
	}
}

// deviceFailure joins the per-device errors picked by get.
func (p *Pipeline) deviceFailure(pr *PhaseReport, get func(*DeviceReport) error) error {
	var errs []error
	for _, d := range pr.Devices {
		if err := get(d); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d devices failed: %w", len(errs), len(pr.Devices), errors.Join(errs...))
}
