// Package device defines the control and query channels to network devices
// and provides two implementations: an SSH transport for IOS-style CLIs and
// an in-memory lab used by tests and demo runs.
package device

import (
	"context"
	"net/netip"
)

// Capabilities describes what a control channel supports.
type Capabilities struct {
	// Transactional sessions apply a commit entirely or not at all.
	Transactional bool
}

// Commit reports the outcome of pushing configuration lines.
type Commit struct {
	// Applied counts lines the device accepted.
	Applied int
	// Rejected is the 1-based index of the rejected line; 0 when every line
	// was accepted.
	Rejected int
	Reason   string
}

// OK reports whether every line was accepted.
func (c Commit) OK() bool { return c.Rejected == 0 }

// ControlSession is an open configuration channel to one device.
type ControlSession interface {
	RunningConfig(ctx context.Context) (string, error)
	// Commit pushes lines in order. A transactional session applies none of
	// them on rejection; otherwise lines before the rejected one stay
	// applied and later lines are never sent. Transport failures are
	// returned as errors, rejections in the Commit.
	Commit(ctx context.Context, lines []string) (Commit, error)
	Close() error
}

// Controller opens control sessions.
type Controller interface {
	Capabilities(device string) Capabilities
	OpenControl(ctx context.Context, device string) (ControlSession, error)
}

// QuerySession is an open read-only channel to one device.
type QuerySession interface {
	Facts(ctx context.Context, key FactKey) (*Facts, error)
	Close() error
}

// Querier opens query sessions.
type Querier interface {
	OpenQuery(ctx context.Context, device string) (QuerySession, error)
}

// FactKind names one kind of operational state.
type FactKind string

const (
	FactOSPFNeighbors FactKind = "ospf-neighbors"
	FactLDPNeighbors  FactKind = "ldp-neighbors"
	FactBGPSummary    FactKind = "bgp-summary"
	FactLabels        FactKind = "labels"
	FactRoutes        FactKind = "routes"
	FactPing          FactKind = "ping"
)

// FactKey identifies one query. VRF scopes route and ping queries; Target
// and Source apply to ping.
type FactKey struct {
	Kind   FactKind
	VRF    string
	Target string
	Source string
}

func (k FactKey) String() string {
	s := string(k.Kind)
	if k.VRF != "" {
		s += " vrf " + k.VRF
	}
	if k.Target != "" {
		s += " " + k.Target
	}
	if k.Source != "" {
		s += " source " + k.Source
	}
	return s
}

// Facts is the parsed answer to one query.
type Facts struct {
	Key       FactKey
	Neighbors []Neighbor
	Labels    []LabelBinding
	Routes    []Route
	Ping      *PingResult
	// Raw is the unparsed device output, kept for diagnostics.
	Raw string
}

// Neighbor is one row of an OSPF, LDP or BGP neighbor table. State is the
// device's own spelling ("FULL/DR", "Oper", "Idle", or a BGP prefix count).
type Neighbor struct {
	ID        string
	Address   string
	Interface string
	State     string
}

// LabelBinding is one forwarding-table entry.
type LabelBinding struct {
	Prefix    netip.Prefix
	Local     string
	Outgoing  string
	Interface string
	NextHop   string
}

// Route is one routing-table entry.
type Route struct {
	Prefix    netip.Prefix
	Protocol  string
	NextHop   string
	Interface string
}

// PingResult summarises a ping run.
type PingResult struct {
	Sent        int
	Received    int
	SuccessRate int
}

// HasRoute reports whether facts carry prefix, optionally from protocol.
func (f *Facts) HasRoute(prefix netip.Prefix, protocol string) bool {
	for _, r := range f.Routes {
		if r.Prefix == prefix && (protocol == "" || r.Protocol == protocol) {
			return true
		}
	}
	return false
}

// HasLabel reports whether facts carry a label binding for prefix.
func (f *Facts) HasLabel(prefix netip.Prefix) bool {
	for _, l := range f.Labels {
		if l.Prefix == prefix {
			return true
		}
	}
	return false
}
