package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/newtron-network/newtphase/pkg/configtext"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
)

// Lab is an in-memory stand-in for a set of devices. Configuration pushed
// to it is replayed onto a per-device tree, and facts are derived from the
// combined configuration of every lab device: an adjacency forms when both
// ends are configured for it. Failures can be scripted per device.
//
// Lab implements both Controller and Querier and is safe for concurrent use.
type Lab struct {
	mu            sync.Mutex
	transactional bool
	devices       map[string]*labDevice
}

type labDevice struct {
	running *configtext.Tree
	sent    []string
	opens   int
	commits int

	failOpens   int
	failQueries int
	rejects     map[string]string
	facts       map[FactKind]*Facts
	hold        chan struct{}
}

// NewLab creates an empty lab.
func NewLab(transactional bool) *Lab {
	return &Lab{transactional: transactional, devices: map[string]*labDevice{}}
}

// NewLabFromTopology creates a lab with one factory-default device per
// topology device: a hostname, a management interface and every data
// interface administratively down.
func NewLabFromTopology(topo *topology.Topology, transactional bool) *Lab {
	l := NewLab(transactional)
	for _, d := range topo.Devices() {
		var b strings.Builder
		b.WriteString("hostname Router\n")
		if d.Mgmt.IsValid() {
			fmt.Fprintf(&b, "interface GigabitEthernet1\n description mgmt\n ip address %s 255.255.255.0\n", d.Mgmt)
		}
		for _, n := range d.InterfaceNames() {
			if strings.Contains(n, ".") {
				continue
			}
			fmt.Fprintf(&b, "interface %s\n shutdown\n", n)
		}
		l.AddDevice(d.Name, b.String())
	}
	return l
}

// AddDevice adds or replaces a device with the given running configuration.
func (l *Lab) AddDevice(name, running string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices[name] = newLabDevice(running)
}

func newLabDevice(running string) *labDevice {
	return &labDevice{
		running: configtext.Parse(running),
		rejects: map[string]string{},
		facts:   map[FactKind]*Facts{},
	}
}

// device returns the named device. An unknown name gets a detached empty
// device: reads return zero values and scripted failures are dropped.
// Sessions can only be opened to known devices.
func (l *Lab) device(name string) *labDevice {
	if d, ok := l.devices[name]; ok {
		return d
	}
	return newLabDevice("")
}

// Running returns the device's current configuration.
func (l *Lab) Running(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device(name).running.String()
}

// Sent returns every configuration line the device has received.
func (l *Lab) Sent(name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.device(name).sent...)
}

// Opens counts session open attempts against the device, failed ones
// included.
func (l *Lab) Opens(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device(name).opens
}

// Commits counts Commit calls against the device.
func (l *Lab) Commits(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device(name).commits
}

// FailOpens makes the next n session opens to the device fail as
// unreachable.
func (l *Lab) FailOpens(name string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.device(name).failOpens = n
}

// FailQueries makes the next n fact queries against the device fail.
func (l *Lab) FailQueries(name string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.device(name).failQueries = n
}

// RejectLine makes the device's CLI reject line with reason.
func (l *Lab) RejectLine(name, line, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.device(name).rejects[strings.Join(strings.Fields(line), " ")] = reason
}

// SetFacts pins the answer for kind on the device instead of deriving it.
// A nil f removes the pin.
func (l *Lab) SetFacts(name string, kind FactKind, f *Facts) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f == nil {
		delete(l.device(name).facts, kind)
		return
	}
	l.device(name).facts[kind] = f
}

// Hold blocks commits to the device until the returned func is called.
func (l *Lab) Hold(name string) (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.device(name).hold = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Names returns the lab's device names, sorted.
func (l *Lab) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.devices))
	for n := range l.devices {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Capabilities implements Controller.
func (l *Lab) Capabilities(string) Capabilities {
	return Capabilities{Transactional: l.transactional}
}

// OpenControl implements Controller.
func (l *Lab) OpenControl(ctx context.Context, device string) (ControlSession, error) {
	return l.open(ctx, device)
}

// OpenQuery implements Querier.
func (l *Lab) OpenQuery(ctx context.Context, device string) (QuerySession, error) {
	return l.open(ctx, device)
}

func (l *Lab) open(ctx context.Context, device string) (*labSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.devices[device]
	if !ok {
		return nil, util.NewUnreachableError(device, "open", fmt.Errorf("no such lab device"))
	}
	d.opens++
	if d.failOpens > 0 {
		d.failOpens--
		return nil, util.NewUnreachableError(device, "open", fmt.Errorf("connection refused"))
	}
	return &labSession{lab: l, device: device}, nil
}

type labSession struct {
	lab    *Lab
	device string
}

func (s *labSession) RunningConfig(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := s.lab.Running(s.device)
	return fmt.Sprintf("Building configuration...\n\nCurrent configuration : %d bytes\n!\n%s!\nend\n", len(text), text), nil
}

func (s *labSession) Commit(ctx context.Context, lines []string) (Commit, error) {
	s.lab.mu.Lock()
	d := s.lab.device(s.device)
	d.commits++
	hold := d.hold
	s.lab.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return Commit{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}

	s.lab.mu.Lock()
	defer s.lab.mu.Unlock()

	for i, line := range lines {
		reason, rejected := d.rejects[strings.Join(strings.Fields(line), " ")]
		if !rejected {
			continue
		}
		if s.lab.transactional {
			d.sent = append(d.sent, lines...)
			return Commit{Rejected: i + 1, Reason: reason}, nil
		}
		d.sent = append(d.sent, lines[:i+1]...)
		configtext.Apply(d.running, lines[:i])
		return Commit{Applied: i, Rejected: i + 1, Reason: reason}, nil
	}
	d.sent = append(d.sent, lines...)
	configtext.Apply(d.running, lines)
	return Commit{Applied: len(lines)}, nil
}

func (s *labSession) Facts(ctx context.Context, key FactKey) (*Facts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lab.mu.Lock()
	defer s.lab.mu.Unlock()

	d := s.lab.device(s.device)
	if d.failQueries > 0 {
		d.failQueries--
		return nil, util.NewQueryError(s.device, string(key.Kind), fmt.Errorf("timed out waiting for output"))
	}
	if f, ok := d.facts[key.Kind]; ok {
		out := *f
		out.Key = key
		return &out, nil
	}

	f, err := s.lab.snapshot().facts(s.device, key)
	if err != nil {
		return nil, util.NewQueryError(s.device, string(key.Kind), err)
	}
	f.Key = key
	return f, nil
}

func (s *labSession) Close() error { return nil }
