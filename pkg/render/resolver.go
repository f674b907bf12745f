// Package render turns the topology model into per-device, per-phase
// configuration text using a catalog of text/template fragments.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/newtron-network/newtphase/pkg/configtext"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
)

// RenderedConfig is the target configuration of one device for one phase.
// It is never modified after Render returns it.
type RenderedConfig struct {
	Device    string
	Phase     int
	Version   string
	Fragments []string
	Lines     []string
	Scopes    []configtext.Scope
}

// Text returns the configuration as newline-terminated text.
func (r *RenderedConfig) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return strings.Join(r.Lines, "\n") + "\n"
}

// Tree parses the rendered lines.
func (r *RenderedConfig) Tree() *configtext.Tree {
	return configtext.ParseLines(r.Lines)
}

type cacheKey struct {
	device  string
	phase   int
	version string
}

// Resolver renders configurations against one topology and catalog. It is
// safe for concurrent use.
type Resolver struct {
	topo    *topology.Topology
	catalog *Catalog

	mu    sync.Mutex
	cache map[cacheKey]*RenderedConfig
}

// NewResolver creates a resolver.
func NewResolver(topo *topology.Topology, catalog *Catalog) *Resolver {
	return &Resolver{
		topo:    topo,
		catalog: catalog,
		cache:   map[cacheKey]*RenderedConfig{},
	}
}

// Catalog returns the resolver's catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Render produces the configuration for device in phase. Rendering the same
// inputs twice yields identical output; results are cached write-once by
// (device, phase, template version).
func (r *Resolver) Render(device string, phaseID int) (*RenderedConfig, error) {
	p, ok := r.topo.Phase(phaseID)
	if !ok {
		return nil, &TemplateError{Device: device, Phase: phaseID, Reason: "unknown phase"}
	}
	d, ok := r.topo.Device(device)
	if !ok {
		return nil, &TemplateError{Device: device, Phase: phaseID, Reason: "unknown device"}
	}
	if !p.Has(device) {
		return nil, &TemplateError{Device: device, Phase: phaseID, Reason: "device is not part of phase " + p.Name}
	}

	names := r.catalog.fragmentsFor(p, d.Role)
	if len(names) == 0 {
		return nil, &TemplateError{Device: device, Phase: phaseID, Reason: fmt.Sprintf("no fragments for role %s", d.Role)}
	}
	frags := make([]*Fragment, 0, len(names))
	for _, n := range names {
		f, ok := r.catalog.Fragment(n)
		if !ok {
			return nil, &TemplateError{Device: device, Phase: phaseID, Fragment: n, Reason: "unknown fragment"}
		}
		frags = append(frags, f)
	}

	key := cacheKey{device: device, phase: phaseID, version: version(frags)}
	r.mu.Lock()
	cached := r.cache[key]
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	rc, err := r.render(d, p, frags, key.version)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.cache[key]; existing != nil {
		return existing, nil
	}
	r.cache[key] = rc
	return rc, nil
}

func (r *Resolver) render(d *topology.Device, p *topology.Phase, frags []*Fragment, ver string) (*RenderedConfig, error) {
	view := buildView(r.topo, d, p)

	var buf bytes.Buffer
	var scopes []configtext.Scope
	names := make([]string, 0, len(frags))
	for _, f := range frags {
		if req, missing := view.missing(d, f.Requires); missing {
			return nil, &TemplateError{
				Device: d.Name, Phase: p.ID, Fragment: f.Name,
				Reason: fmt.Sprintf("device has no %s", req),
			}
		}
		if err := f.tmpl.Execute(&buf, view); err != nil {
			return nil, &TemplateError{Device: d.Name, Phase: p.ID, Fragment: f.Name, Reason: "execute", Err: err}
		}
		buf.WriteByte('\n')
		scopes = append(scopes, f.Owns...)
		names = append(names, f.Name)
	}

	// Fragments may reopen the same section; the tree merges them.
	lines := configtext.Parse(buf.String()).Lines()
	util.WithDevice(d.Name).Debugf("rendered phase %d: %d lines from %v (version %s)", p.ID, len(lines), names, ver)

	return &RenderedConfig{
		Device:    d.Name,
		Phase:     p.ID,
		Version:   ver,
		Fragments: names,
		Lines:     lines,
		Scopes:    scopes,
	}, nil
}

// RenderPhase renders every device of the phase, or only those in devices
// when it is non-empty. Devices are rendered in phase order and the first
// failure is returned alongside the configs rendered so far.
func (r *Resolver) RenderPhase(phaseID int, devices []string) ([]*RenderedConfig, error) {
	p, ok := r.topo.Phase(phaseID)
	if !ok {
		return nil, &TemplateError{Phase: phaseID, Reason: "unknown phase"}
	}
	var out []*RenderedConfig
	for _, name := range Select(p, devices) {
		rc, err := r.Render(name, phaseID)
		if err != nil {
			return out, err
		}
		out = append(out, rc)
	}
	return out, nil
}

// Select returns the phase devices restricted to subset (all when subset is
// empty), keeping the phase's own order.
func Select(p *topology.Phase, subset []string) []string {
	if len(subset) == 0 {
		return append([]string(nil), p.Devices...)
	}
	want := map[string]bool{}
	for _, d := range subset {
		want[d] = true
	}
	var out []string
	for _, d := range p.Devices {
		if want[d] {
			out = append(out, d)
		}
	}
	return out
}
