package render

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtphase/pkg/configtext"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
)

//go:embed templates
var embedded embed.FS

// CatalogFile is the name of the catalog index inside a template directory.
const CatalogFile = "catalog.yaml"

// DefaultBinding is the bindings key used when no phase-specific binding
// exists.
const DefaultBinding = "*"

// Attributes a fragment may require of the device view.
const (
	RequireLoopback = "loopback"
	RequireMgmt     = "mgmt"
	RequireLinks    = "links"
	RequireBGP      = "bgp"
	RequireRRPeers  = "route-reflector-peers"
	RequireVRFs     = "vrfs"
)

var knownRequires = map[string]bool{
	RequireLoopback: true, RequireMgmt: true, RequireLinks: true,
	RequireBGP: true, RequireRRPeers: true, RequireVRFs: true,
}

// Fragment is one named template in the catalog.
type Fragment struct {
	Name     string             `yaml:"-"`
	File     string             `yaml:"file"`
	Requires []string           `yaml:"requires,omitempty"`
	Owns     []configtext.Scope `yaml:"owns,omitempty"`

	text string
	tmpl *template.Template
	sum  uint64
}

type catalogIndex struct {
	Fragments map[string]*Fragment                  `yaml:"fragments"`
	Bindings  map[string]map[topology.Role][]string `yaml:"bindings"`
}

// Catalog is a parsed, immutable set of fragments plus the default
// phase-to-fragment bindings.
type Catalog struct {
	fragments map[string]*Fragment
	bindings  map[string]map[topology.Role][]string
	source    string
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	return LoadCatalog(sub, "embedded")
}

// LoadCatalogDir loads a catalog from a directory holding catalog.yaml and
// the fragment files it names.
func LoadCatalogDir(dir string) (*Catalog, error) {
	return LoadCatalog(os.DirFS(dir), dir)
}

// LoadCatalog parses the index and every fragment. Template syntax errors
// and unknown requirements are reported here, before anything renders.
func LoadCatalog(fsys fs.FS, source string) (*Catalog, error) {
	data, err := fs.ReadFile(fsys, CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", CatalogFile, source, err)
	}
	var idx catalogIndex
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing %s from %s: %w", CatalogFile, source, err)
	}

	c := &Catalog{
		fragments: map[string]*Fragment{},
		bindings:  idx.Bindings,
		source:    source,
	}
	for _, name := range sortedKeys(idx.Fragments) {
		f := idx.Fragments[name]
		if f == nil {
			return nil, &TemplateError{Fragment: name, Reason: "empty fragment definition"}
		}
		f.Name = name
		if f.File == "" {
			f.File = name + ".tmpl"
		}
		for _, r := range f.Requires {
			if !knownRequires[r] {
				return nil, &TemplateError{Fragment: name, Reason: fmt.Sprintf("unknown requirement %q", r)}
			}
		}
		text, err := fs.ReadFile(fsys, f.File)
		if err != nil {
			return nil, &TemplateError{Fragment: name, Reason: "reading " + f.File, Err: err}
		}
		f.text = string(text)
		f.tmpl, err = template.New(name).Option("missingkey=error").Funcs(funcs).Parse(f.text)
		if err != nil {
			return nil, &TemplateError{Fragment: name, Reason: "parse", Err: err}
		}
		f.sum = fragmentSum(f)
		c.fragments[name] = f
	}

	for key, roles := range c.bindings {
		for role, names := range roles {
			if !role.Valid() {
				return nil, fmt.Errorf("%s: binding %s: unknown role %q", source, key, role)
			}
			for _, n := range names {
				if _, ok := c.fragments[n]; !ok {
					return nil, fmt.Errorf("%s: binding %s/%s: unknown fragment %q", source, key, role, n)
				}
			}
		}
	}
	util.WithField("catalog", source).Debugf("loaded %d fragments", len(c.fragments))
	return c, nil
}

// Fragment looks up a fragment by name.
func (c *Catalog) Fragment(name string) (*Fragment, bool) {
	f, ok := c.fragments[name]
	return f, ok
}

// Names returns the fragment names in sorted order.
func (c *Catalog) Names() []string { return sortedKeys(c.fragments) }

// Source describes where the catalog was loaded from.
func (c *Catalog) Source() string { return c.source }

// fragmentsFor resolves the ordered fragment list for role in phase: the
// phase's own templates first, then the catalog binding for the phase
// name, then the catalog default.
func (c *Catalog) fragmentsFor(p *topology.Phase, role topology.Role) []string {
	if names, ok := p.Templates[role]; ok {
		return names
	}
	if names, ok := c.bindings[p.Name][role]; ok {
		return names
	}
	return c.bindings[DefaultBinding][role]
}

// fragmentSum hashes the template text and the owned scopes.
func fragmentSum(f *Fragment) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(f.Name)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(f.text)
	for _, s := range f.Owns {
		_, _ = d.WriteString("\x00" + s.Section + "\x01" + strings.Join(s.Lines, "\x01"))
	}
	return d.Sum64()
}

// version combines the sums of an ordered fragment list.
func version(frags []*Fragment) string {
	d := xxhash.New()
	for _, f := range frags {
		_, _ = fmt.Fprintf(d, "%s:%016x;", f.Name, f.sum)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

var funcs = template.FuncMap{
	"mask":     util.DottedMask,
	"wildcard": util.WildcardMask,
	"join":     strings.Join,
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
