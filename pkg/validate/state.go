package validate

import (
	"strconv"
	"strings"
)

// StateMachine is the ordered set of session states a protocol moves
// through. Only the terminal state counts as up.
type StateMachine struct {
	Protocol string
	States   []string
	aliases  map[string]string
}

// Terminal returns the state an assertion expects by default.
func (m *StateMachine) Terminal() string { return m.States[len(m.States)-1] }

// Rank returns the position of state in the machine, or -1.
func (m *StateMachine) Rank(state string) int {
	for i, s := range m.States {
		if s == state {
			return i
		}
	}
	return -1
}

// Normalize maps a device's spelling of a state onto the machine.
func (m *StateMachine) Normalize(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if m.Protocol == "ospf" {
		// "FULL/DR", "FULL/  -", "2WAY/DROTHER"
		s, _, _ = strings.Cut(s, "/")
		s = strings.TrimSpace(s)
	}
	if m.Protocol == "bgp" {
		// A prefix count replaces the state once the session is up.
		if _, err := strconv.Atoi(s); err == nil {
			return "ESTABLISHED", true
		}
		// "Idle (Admin)", "Idle (PfxCt)"
		s, _, _ = strings.Cut(s, " ")
	}
	if a, ok := m.aliases[s]; ok {
		s = a
	}
	if m.Rank(s) < 0 {
		return "", false
	}
	return s, true
}

var (
	OSPF = &StateMachine{
		Protocol: "ospf",
		States:   []string{"DOWN", "ATTEMPT", "INIT", "2WAY", "EXSTART", "EXCHANGE", "LOADING", "FULL"},
		aliases:  map[string]string{"TWO_WAY": "2WAY", "TWOWAY": "2WAY"},
	}
	LDP = &StateMachine{
		Protocol: "ldp",
		States:   []string{"NON_EXISTENT", "INITIALIZED", "OPENREC", "OPENSENT", "OPERATIONAL"},
		aliases:  map[string]string{"OPER": "OPERATIONAL", "NONEXISTENT": "NON_EXISTENT", "INIT": "INITIALIZED"},
	}
	BGP = &StateMachine{
		Protocol: "bgp",
		States:   []string{"IDLE", "CONNECT", "ACTIVE", "OPENSENT", "OPENCONFIRM", "ESTABLISHED"},
	}
)

var machines = map[string]*StateMachine{"ospf": OSPF, "ldp": LDP, "bgp": BGP}
