package validate

import (
	"fmt"
	"strings"

	"github.com/newtron-network/newtphase/pkg/device"
)

// Outcome of one assertion.
type Outcome string

const (
	Pass Outcome = "pass"
	Fail Outcome = "fail"
	// Error means the facts could not be fetched; nothing was observed.
	Error Outcome = "error"
)

// Result is the evaluated form of one assertion.
type Result struct {
	Phase      int     `json:"phase"`
	Device     string  `json:"device"`
	Assertion  string  `json:"assertion"`
	Kind       string  `json:"kind"`
	Outcome    Outcome `json:"outcome"`
	Expected   string  `json:"expected"`
	Observed   string  `json:"observed"`
	Diagnostic string  `json:"diagnostic,omitempty"`
}

// Passed reports whether the assertion held.
func (r Result) Passed() bool { return r.Outcome == Pass }

type evaluator func(a *Assertion, f *device.Facts) (Outcome, string, string)

// evaluators maps each assertion kind to its predicate. Each returns the
// outcome, the observed value and a diagnostic.
var evaluators = map[string]evaluator{
	KindNeighbor:     evalNeighbor,
	KindLabel:        evalLabel,
	KindRoute:        evalRoute,
	KindReachability: evalReachability,
}

func evaluate(a *Assertion, f *device.Facts) Result {
	r := Result{Device: a.Device, Assertion: a.ID, Kind: a.Kind, Expected: a.Expected()}
	eval, ok := evaluators[a.Kind]
	if !ok {
		r.Outcome = Error
		r.Diagnostic = fmt.Sprintf("no evaluator for %q", a.Kind)
		return r
	}
	r.Outcome, r.Observed, r.Diagnostic = eval(a, f)
	return r
}

func evalNeighbor(a *Assertion, f *device.Facts) (Outcome, string, string) {
	what := fmt.Sprintf("%s neighbor %s (%s)", strings.ToUpper(a.Machine.Protocol), a.PeerName, a.PeerID)
	if a.Interface != "" {
		what += " on " + a.Interface
	}
	for _, n := range f.Neighbors {
		id := n.ID
		if a.Machine == BGP {
			id = n.Address
		}
		if id != a.PeerID {
			continue
		}
		if a.Interface != "" && n.Interface != "" && n.Interface != a.Interface {
			continue
		}
		state, ok := a.Machine.Normalize(n.State)
		if !ok {
			return Fail, n.State, fmt.Sprintf("%s in unrecognised state %q", what, n.State)
		}
		if state != a.State {
			return Fail, state, fmt.Sprintf("%s is %s, want %s", what, state, a.State)
		}
		return Pass, state, ""
	}
	return Fail, "absent", what + " not in neighbor table"
}

func evalLabel(a *Assertion, f *device.Facts) (Outcome, string, string) {
	for _, l := range f.Labels {
		if l.Prefix == a.Prefix {
			return Pass, fmt.Sprintf("local %s outgoing %s", l.Local, l.Outgoing), ""
		}
	}
	return Fail, "absent", "no label binding for " + a.Prefix.String()
}

func evalRoute(a *Assertion, f *device.Facts) (Outcome, string, string) {
	var other []string
	for _, r := range f.Routes {
		if r.Prefix != a.Prefix {
			continue
		}
		if a.Protocol == "" || r.Protocol == a.Protocol {
			return Pass, r.Protocol + " via " + via(r), ""
		}
		other = append(other, r.Protocol)
	}
	table := "global table"
	if a.Key.VRF != "" {
		table = "vrf " + a.Key.VRF
	}
	if len(other) > 0 {
		return Fail, strings.Join(other, ","), fmt.Sprintf("%s in %s learned from %s, want %s",
			a.Prefix, table, strings.Join(other, ","), a.Protocol)
	}
	return Fail, "absent", fmt.Sprintf("no route to %s in %s", a.Prefix, table)
}

func via(r device.Route) string {
	switch {
	case r.NextHop != "" && r.Interface != "":
		return r.NextHop + " " + r.Interface
	case r.NextHop != "":
		return r.NextHop
	case r.Interface != "":
		return r.Interface
	}
	return "-"
}

func evalReachability(a *Assertion, f *device.Facts) (Outcome, string, string) {
	if f.Ping == nil {
		return Fail, "no reply", "ping output had no summary"
	}
	observed := fmt.Sprintf("%d%% (%d/%d)", f.Ping.SuccessRate, f.Ping.Received, f.Ping.Sent)
	if f.Ping.SuccessRate < a.MinSuccess {
		return Fail, observed, fmt.Sprintf("ping %s: %s, want >= %d%%", a.Key.Target, observed, a.MinSuccess)
	}
	return Pass, observed, ""
}

// Overall is the conjunction of results: any fail fails, otherwise any
// error is an error.
func Overall(results []Result) Outcome {
	out := Pass
	for _, r := range results {
		switch r.Outcome {
		case Fail:
			return Fail
		case Error:
			out = Error
		}
	}
	return out
}
