// Package validate checks a device's operational state against the
// protocol assertions of a phase: neighbor state machines, label bindings,
// routes and reachability.
package validate

import (
	"context"
	"errors"

	"github.com/newtron-network/newtphase/pkg/device"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
)

// Validator evaluates phase assertions. It is safe for concurrent use
// across devices; each Validate call owns its own session and fact cache,
// and holds the device lock while the session is open.
type Validator struct {
	topo    *topology.Topology
	query   device.Querier
	locker  device.Locker
	backoff util.Backoff
}

// Option configures a Validator.
type Option func(*Validator)

// WithLocker sets the device lock. Share it with the applier so that
// queries never overlap a push to the same device.
func WithLocker(l device.Locker) Option {
	return func(v *Validator) { v.locker = l }
}

// WithBackoff bounds the retries of a failing fact query.
func WithBackoff(b util.Backoff) Option {
	return func(v *Validator) { v.backoff = b }
}

// NewValidator creates a validator for topo that reads facts through query.
func NewValidator(topo *topology.Topology, query device.Querier, opts ...Option) *Validator {
	v := &Validator{topo: topo, query: query, locker: device.NewLocalLocker(), backoff: util.DefaultBackoff}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate evaluates every assertion of phase for device. Facts are fetched
// lazily, one query per distinct fact, in assertion order. A fact that
// cannot be fetched after retries turns every assertion needing it into an
// Error result. The returned error is non-nil only when the assertions
// cannot be expanded or the device lock cannot be taken; a done ctx is
// returned as is.
func (v *Validator) Validate(ctx context.Context, name string, phaseID int) ([]Result, error) {
	assertions, err := Expand(v.topo, phaseID, name)
	if err != nil {
		return nil, err
	}
	log := util.WithDevice(name).WithField("phase", phaseID)

	unlock, err := v.locker.Lock(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, util.NewQueryError(name, "lock", err)
	}
	defer unlock()

	f := &fetcher{v: v, device: name, cache: map[device.FactKey]*fetched{}}
	defer f.close()

	results := make([]Result, 0, len(assertions))
	for i := range assertions {
		a := &assertions[i]
		facts, err := f.get(ctx, a.Key)
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		var r Result
		if err != nil {
			r = Result{Device: name, Assertion: a.ID, Kind: a.Kind, Outcome: Error, Expected: a.Expected(), Diagnostic: err.Error()}
		} else {
			r = evaluate(a, facts)
		}
		r.Phase = phaseID
		if r.Outcome != Pass {
			log.WithField("assertion", a.ID).Debugf("%s: %s", r.Outcome, r.Diagnostic)
		}
		results = append(results, r)
	}
	return results, nil
}

type fetched struct {
	facts *device.Facts
	err   error
}

// fetcher serialises fact queries for one device over one session, caching
// each answer (or final failure) for the rest of the invocation.
type fetcher struct {
	v      *Validator
	device string
	sess   device.QuerySession
	cache  map[device.FactKey]*fetched
}

func (f *fetcher) get(ctx context.Context, key device.FactKey) (*device.Facts, error) {
	if c, ok := f.cache[key]; ok {
		return c.facts, c.err
	}
	var facts *device.Facts
	err := util.Retry(ctx, f.v.backoff, nil, func(attempt int) error {
		if f.sess == nil {
			s, err := f.v.query.OpenQuery(ctx, f.device)
			if err != nil {
				return err
			}
			f.sess = s
		}
		got, err := f.sess.Facts(ctx, key)
		if err != nil {
			util.WithDevice(f.device).Debugf("%s attempt %d: %v", key, attempt, err)
			if errors.Is(err, util.ErrUnreachable) {
				f.close()
			}
			return err
		}
		facts = got
		return nil
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !util.IsTransient(err) {
		err = util.NewQueryError(f.device, key.String(), err)
	}
	f.cache[key] = &fetched{facts: facts, err: err}
	return facts, err
}

func (f *fetcher) close() {
	if f.sess != nil {
		f.sess.Close()
		f.sess = nil
	}
}
