package apply

import (
	"fmt"
	"strings"

	"github.com/newtron-network/newtphase/pkg/configtext"
	"github.com/newtron-network/newtphase/pkg/render"
)

// ChangeSet is the command diff that converges one device onto its rendered
// configuration, with before/after excerpts of the sections it touches.
type ChangeSet struct {
	Device   string   `json:"device"`
	Phase    int      `json:"phase"`
	Version  string   `json:"version"`
	Commands []string `json:"commands"`
	Before   []string `json:"before,omitempty"`
	After    []string `json:"after,omitempty"`

	current *configtext.Tree
	headers []string
}

func newChangeSet(rc *render.RenderedConfig, running string) *ChangeSet {
	current := configtext.Parse(running)
	target := rc.Tree()
	cs := &ChangeSet{
		Device:   rc.Device,
		Phase:    rc.Phase,
		Version:  rc.Version,
		Commands: configtext.ScopedDiff(current, target, rc.Scopes),
		current:  current,
		headers:  excerptHeaders(current, target, rc.Scopes),
	}
	cs.Before = current.Sections(cs.headers).Lines()
	cs.After = cs.preview(len(cs.Commands))
	return cs
}

// excerptHeaders lists the target's top-level lines plus any owned
// top-level line of the running configuration, so replaced lines such as
// an old hostname show up in the excerpts.
func excerptHeaders(current, target *configtext.Tree, scopes []configtext.Scope) []string {
	headers := target.TopLevel()
	for _, l := range current.TopLevel() {
		if configtext.Owned(scopes, []string{l}) {
			headers = append(headers, l)
		}
	}
	return headers
}

// preview replays the first n commands onto the running configuration and
// returns the touched sections.
func (cs *ChangeSet) preview(n int) []string {
	t := cs.current.Clone()
	configtext.Apply(t, cs.Commands[:n])
	return t.Sections(cs.headers).Lines()
}

// IsEmpty returns true if the device already matches.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.Commands) == 0
}

// String returns the commands, one per line.
func (cs *ChangeSet) String() string {
	if cs.IsEmpty() {
		return "No changes"
	}
	return strings.Join(cs.Commands, "\n") + "\n"
}

// Preview returns a formatted preview of the changes.
func (cs *ChangeSet) Preview() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Device: %s\n", cs.Device)
	fmt.Fprintf(&sb, "Phase: %d (template %s)\n", cs.Phase, cs.Version)
	fmt.Fprintf(&sb, "Commands (%d):\n", len(cs.Commands))
	for _, c := range cs.Commands {
		sb.WriteString("  " + c + "\n")
	}
	return sb.String()
}
