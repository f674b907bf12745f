package device

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// CLI commands behind each fact kind.
var factCommands = map[FactKind]string{
	FactOSPFNeighbors: "show ip ospf neighbor",
	FactLDPNeighbors:  "show mpls ldp neighbor",
	FactBGPSummary:    "show bgp vpnv4 unicast all summary",
	FactLabels:        "show mpls forwarding-table",
	FactRoutes:        "show ip route",
}

// Command returns the CLI command that answers key.
func Command(key FactKey) (string, error) {
	switch key.Kind {
	case FactPing:
		if key.Target == "" {
			return "", fmt.Errorf("ping needs a target")
		}
		cmd := "ping"
		if key.VRF != "" {
			cmd += " vrf " + key.VRF
		}
		cmd += " " + key.Target
		if key.Source != "" {
			cmd += " source " + key.Source
		}
		return cmd + " repeat 3", nil
	case FactRoutes:
		if key.VRF != "" {
			return "show ip route vrf " + key.VRF, nil
		}
	}
	cmd, ok := factCommands[key.Kind]
	if !ok {
		return "", fmt.Errorf("unknown fact kind %q", key.Kind)
	}
	return cmd, nil
}

// parsers turns CLI output into Facts, one per kind.
var parsers = map[FactKind]func(string) (*Facts, error){
	FactOSPFNeighbors: ParseOSPFNeighbors,
	FactLDPNeighbors:  ParseLDPNeighbors,
	FactBGPSummary:    ParseBGPSummary,
	FactLabels:        ParseForwardingTable,
	FactRoutes:        ParseRoutes,
	FactPing:          ParsePing,
}

// Parse dispatches output to the parser for key.Kind.
func Parse(key FactKey, output string) (*Facts, error) {
	p, ok := parsers[key.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown fact kind %q", key.Kind)
	}
	f, err := p(output)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key.Kind, err)
	}
	f.Key = key
	f.Raw = output
	return f, nil
}

func lines(output string) []string {
	return strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
}

// ParseOSPFNeighbors parses "show ip ospf neighbor":
//
//	Neighbor ID     Pri   State           Dead Time   Address         Interface
//	10.255.1.2        0   FULL/  -        00:00:33    10.0.0.1        GigabitEthernet2
func ParseOSPFNeighbors(output string) (*Facts, error) {
	f := &Facts{}
	for _, line := range lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if _, err := netip.ParseAddr(fields[0]); err != nil {
			continue
		}
		n := len(fields)
		f.Neighbors = append(f.Neighbors, Neighbor{
			ID:        fields[0],
			State:     strings.Join(fields[2:n-3], ""),
			Address:   fields[n-2],
			Interface: fields[n-1],
		})
	}
	return f, nil
}

var (
	ldpIdentRe  = regexp.MustCompile(`Peer LDP Ident:\s*([0-9.]+):\d+`)
	ldpStateRe  = regexp.MustCompile(`State:\s*(\w+)`)
	ldpSourceRe = regexp.MustCompile(`^\s*(\S+), Src IP addr:\s*([0-9.]+)`)
)

// ParseLDPNeighbors parses "show mpls ldp neighbor". Each peer block starts
// with "Peer LDP Ident".
func ParseLDPNeighbors(output string) (*Facts, error) {
	f := &Facts{}
	var cur *Neighbor
	for _, line := range lines(output) {
		if m := ldpIdentRe.FindStringSubmatch(line); m != nil {
			f.Neighbors = append(f.Neighbors, Neighbor{ID: m[1]})
			cur = &f.Neighbors[len(f.Neighbors)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if m := ldpStateRe.FindStringSubmatch(line); m != nil && cur.State == "" {
			cur.State = m[1]
			continue
		}
		if m := ldpSourceRe.FindStringSubmatch(line); m != nil && cur.Interface == "" {
			cur.Interface = m[1]
			cur.Address = m[2]
		}
	}
	return f, nil
}

// ParseBGPSummary parses "show bgp ... summary". The last column is either a
// prefix count (session established) or the session state.
func ParseBGPSummary(output string) (*Facts, error) {
	f := &Facts{}
	inTable := false
	for _, line := range lines(output) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "Neighbor" {
			inTable = true
			continue
		}
		if !inTable || len(fields) < 10 {
			continue
		}
		if _, err := netip.ParseAddr(fields[0]); err != nil {
			continue
		}
		f.Neighbors = append(f.Neighbors, Neighbor{
			ID:      fields[0],
			Address: fields[0],
			State:   strings.Join(fields[9:], " "),
		})
	}
	return f, nil
}

// ParseForwardingTable parses "show mpls forwarding-table". "Pop Label" and
// "No Label" span two columns.
func ParseForwardingTable(output string) (*Facts, error) {
	f := &Facts{}
	for _, line := range lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		i := 2
		out := fields[1]
		if (out == "Pop" || out == "No") && fields[2] == "Label" {
			out += " Label"
			i = 3
		}
		if i >= len(fields) {
			continue
		}
		prefix, err := netip.ParsePrefix(fields[i])
		if err != nil {
			continue
		}
		b := LabelBinding{Prefix: prefix, Local: fields[0], Outgoing: out}
		if len(fields) > i+2 {
			b.Interface = fields[i+2]
		}
		if len(fields) > i+3 {
			b.NextHop = fields[i+3]
		}
		f.Labels = append(f.Labels, b)
	}
	return f, nil
}

var routeProtocols = map[byte]string{
	'C': "connected", 'L': "local", 'O': "ospf", 'B': "bgp", 'S': "static",
	'D': "eigrp", 'i': "isis", 'R': "rip",
}

// ParseRoutes parses "show ip route". Only lines that carry a route code and
// a prefix are kept; continuation lines for extra paths are skipped.
func ParseRoutes(output string) (*Facts, error) {
	f := &Facts{}
	for _, line := range lines(output) {
		fields := strings.Fields(line)
		idx := -1
		for i, fld := range fields {
			if _, err := netip.ParsePrefix(fld); err == nil {
				idx = i
				break
			}
		}
		// Codes come first: "O", "O IA", "B", "C".
		if idx < 1 || idx > 2 {
			continue
		}
		proto, ok := routeProtocols[fields[0][0]]
		if !ok || len(fields[0]) > 2 {
			continue
		}
		r := Route{Prefix: netip.MustParsePrefix(fields[idx]), Protocol: proto}
		rest := fields[idx+1:]
		for i, fld := range rest {
			if fld == "via" && i+1 < len(rest) {
				r.NextHop = strings.TrimSuffix(rest[i+1], ",")
			}
		}
		if len(rest) > 0 {
			last := strings.TrimSuffix(rest[len(rest)-1], ",")
			if looksLikeInterface(last) {
				r.Interface = last
			}
		}
		f.Routes = append(f.Routes, r)
	}
	return f, nil
}

func looksLikeInterface(s string) bool {
	if s == "" || strings.ContainsAny(s, ":[]") {
		return false
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return false
	}
	c := s[0]
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

var pingRe = regexp.MustCompile(`Success rate is (\d+) percent \((\d+)/(\d+)\)`)

// ParsePing parses the summary line of an IOS ping.
func ParsePing(output string) (*Facts, error) {
	m := pingRe.FindStringSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("no success-rate line in ping output")
	}
	rate, _ := strconv.Atoi(m[1])
	recv, _ := strconv.Atoi(m[2])
	sent, _ := strconv.Atoi(m[3])
	return &Facts{Ping: &PingResult{Sent: sent, Received: recv, SuccessRate: rate}}, nil
}

// CLI rejection markers printed by IOS in configuration mode.
var rejectionMarkers = []string{
	"% Invalid input", "% Incomplete command", "% Ambiguous command",
	"% Unknown command", "% Error", "% Unrecognized",
}

// Rejection returns the rejection text in output, if any.
func Rejection(output string) (string, bool) {
	for _, line := range lines(output) {
		t := strings.TrimSpace(line)
		for _, m := range rejectionMarkers {
			if strings.HasPrefix(t, m) {
				return t, true
			}
		}
	}
	return "", false
}
