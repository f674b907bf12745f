// Package apply pushes rendered configuration to devices. It diffs the
// running configuration against the target inside the fragments' owned
// scopes and commits only the difference, so re-applying a converged
// device sends nothing.
package apply

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtphase/pkg/audit"
	"github.com/newtron-network/newtphase/pkg/device"
	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/util"
)

// Result describes a successful apply.
type Result struct {
	*ChangeSet
	// Applied counts commands the device accepted.
	Applied  int
	Duration time.Duration
}

// NoOp reports whether the device already matched and nothing was sent.
func (r *Result) NoOp() bool { return r.IsEmpty() }

// Applier converges devices onto rendered configurations.
type Applier struct {
	control device.Controller
	locker  device.Locker
	audit   audit.Logger
	backoff util.Backoff

	runID string
	user  string
}

// Option configures an Applier.
type Option func(*Applier)

// WithLocker replaces the default in-process device lock.
func WithLocker(l device.Locker) Option {
	return func(a *Applier) { a.locker = l }
}

// WithAuditLogger sends audit events to l instead of the default audit
// logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(a *Applier) { a.audit = l }
}

// WithBackoff bounds the retries when a device cannot be reached.
func WithBackoff(b util.Backoff) Option {
	return func(a *Applier) { a.backoff = b }
}

// NewApplier creates an applier over control.
func NewApplier(control device.Controller, opts ...Option) *Applier {
	a := &Applier{
		control: control,
		locker:  device.NewLocalLocker(),
		backoff: util.DefaultBackoff,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ForRun returns a copy of a whose audit events carry runID and user. The
// copy shares the lock.
func (a *Applier) ForRun(runID, user string) *Applier {
	c := *a
	c.runID = runID
	c.user = user
	return &c
}

// Plan fetches the running configuration and returns the diff without
// pushing anything.
func (a *Applier) Plan(ctx context.Context, rc *render.RenderedConfig) (*ChangeSet, error) {
	start := time.Now()
	unlock, err := a.locker.Lock(ctx, rc.Device)
	if err != nil {
		return nil, a.fail(ctx, audit.OpPlan, rc, nil, device.Commit{}, start, err)
	}
	defer unlock()

	sess, running, err := a.open(ctx, rc.Device)
	if err != nil {
		return nil, a.fail(ctx, audit.OpPlan, rc, nil, device.Commit{}, start, err)
	}
	defer sess.Close()

	cs := newChangeSet(rc, running)
	if !cs.IsEmpty() {
		a.record(audit.NewEvent(rc.Device, rc.Phase, audit.OpPlan).
			WithVersion(rc.Version).
			WithCommands(cs.Commands).
			WithExcerpts(cs.Before, cs.After).
			WithSuccess().
			WithDuration(time.Since(start)))
	}
	return cs, nil
}

// Apply converges the device onto rc. The device lock is held for the whole
// operation. Opening the session is retried with backoff while the device
// is unreachable; a rejected commit is never retried. On a device without
// transactional commits a rejection at line i leaves lines before i applied
// and the remaining lines unsent.
func (a *Applier) Apply(ctx context.Context, rc *render.RenderedConfig) (*Result, error) {
	start := time.Now()
	log := util.WithDevice(rc.Device).WithField("phase", rc.Phase)

	unlock, err := a.locker.Lock(ctx, rc.Device)
	if err != nil {
		return nil, a.fail(ctx, audit.OpApply, rc, nil, device.Commit{}, start, err)
	}
	defer unlock()

	sess, running, err := a.open(ctx, rc.Device)
	if err != nil {
		return nil, a.fail(ctx, audit.OpApply, rc, nil, device.Commit{}, start, err)
	}
	defer sess.Close()

	cs := newChangeSet(rc, running)
	if cs.IsEmpty() {
		log.Debug("already converged, nothing to send")
		return &Result{ChangeSet: cs, Duration: time.Since(start)}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, a.fail(ctx, audit.OpApply, rc, cs, device.Commit{}, start, err)
	}

	log.WithFields(logrus.Fields{
		"commands":      len(cs.Commands),
		"transactional": a.control.Capabilities(rc.Device).Transactional,
	}).Debug("committing")

	commit, err := sess.Commit(ctx, cs.Commands)
	if err != nil {
		return nil, a.fail(ctx, audit.OpApply, rc, cs, commit, start, err)
	}
	if !commit.OK() {
		return nil, a.fail(ctx, audit.OpApply, rc, cs, commit, start, nil)
	}

	res := &Result{ChangeSet: cs, Applied: commit.Applied, Duration: time.Since(start)}
	a.record(a.event(audit.OpApply, rc, cs, commit, start).WithSuccess())
	log.Infof("applied %d commands", commit.Applied)
	return res, nil
}

// open opens a control session and fetches the running configuration,
// retrying both while the failure is transient.
func (a *Applier) open(ctx context.Context, name string) (device.ControlSession, string, error) {
	var (
		sess    device.ControlSession
		running string
	)
	err := util.Retry(ctx, a.backoff, nil, func(attempt int) error {
		s, err := a.control.OpenControl(ctx, name)
		if err == nil {
			running, err = s.RunningConfig(ctx)
			if err != nil {
				s.Close()
			}
		}
		if err != nil {
			util.WithDevice(name).Warnf("attempt %d/%d: %v", attempt, a.backoff.Attempts, err)
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return sess, running, nil
}

// fail builds the ApplyError for err (or for the commit's rejection when err
// is nil) and writes it to the audit log. A session lost after a
// non-transactional device accepted some lines is a partial apply: Index is
// the line that was in flight.
func (a *Applier) fail(ctx context.Context, op audit.Operation, rc *render.RenderedConfig, cs *ChangeSet, commit device.Commit, start time.Time, err error) error {
	ae := &ApplyError{Device: rc.Device, Phase: rc.Phase, Err: err}
	transactional := a.control.Capabilities(rc.Device).Transactional
	switch {
	case err == nil && transactional:
		ae.Kind = KindCommitRejected
	case err == nil:
		ae.Kind = KindPartialApply
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		ae.Kind = KindCanceled
	case !transactional && commit.Applied > 0:
		ae.Kind = KindPartialApply
	case errors.Is(err, util.ErrQuery):
		ae.Kind = KindQuery
	default:
		ae.Kind = KindUnreachable
	}
	switch {
	case err == nil:
		ae.Index = commit.Rejected
		ae.Reason = commit.Reason
	case ae.Kind == KindPartialApply:
		ae.Index = commit.Applied + 1
	}
	if ae.Index > 0 && cs != nil && ae.Index <= len(cs.Commands) {
		ae.Line = cs.Commands[ae.Index-1]
	}

	a.record(a.event(op, rc, cs, commit, start).WithError(string(ae.Kind), ae))
	util.WithDevice(rc.Device).WithField("phase", rc.Phase).Error(ae.Error())
	return ae
}

func (a *Applier) event(op audit.Operation, rc *render.RenderedConfig, cs *ChangeSet, commit device.Commit, start time.Time) *audit.Event {
	e := audit.NewEvent(rc.Device, rc.Phase, op).
		WithRun(a.runID, a.user).
		WithVersion(rc.Version).
		WithCommit(commit.Applied, commit.Rejected, commit.Reason).
		WithDuration(time.Since(start))
	if cs != nil {
		e.WithCommands(cs.Commands).WithExcerpts(cs.Before, cs.preview(commit.Applied))
	}
	return e
}

func (a *Applier) record(e *audit.Event) {
	e.WithRun(a.runID, a.user)
	var err error
	if a.audit != nil {
		err = a.audit.Log(e)
	} else {
		err = audit.Log(e)
	}
	if err != nil {
		util.WithDevice(e.Device).Warnf("audit: %v", err)
	}
}
