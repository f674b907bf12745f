package util

import (
	"regexp"
	"sort"
	"strings"
)

var parseInterfaceRegexp = regexp.MustCompile(`^([A-Za-z-]+)([0-9/]+)$`)

// ParseInterfaceName extracts interface type and number
// Returns (type, number, subinterface) e.g., ("GigabitEthernet", "4", "100") for GigabitEthernet4.100
func ParseInterfaceName(name string) (ifType string, num string, subintf string) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 2 {
		subintf = parts[1]
		name = parts[0]
	}

	matches := parseInterfaceRegexp.FindStringSubmatch(name)
	if len(matches) == 3 {
		return matches[1], matches[2], subintf
	}

	return name, "", subintf
}

// Interface name mappings (long <-> short) as IOS prints them in show output
var (
	longToShort = map[string]string{
		"GigabitEthernet":    "Gi",
		"TenGigabitEthernet": "Te",
		"FastEthernet":       "Fa",
		"Ethernet":           "Et",
		"Loopback":           "Lo",
		"Port-channel":       "Po",
		"Vlan":               "Vl",
		"Tunnel":             "Tu",
	}

	shortToLong = map[string]string{
		"gi":   "GigabitEthernet",
		"gig":  "GigabitEthernet",
		"te":   "TenGigabitEthernet",
		"fa":   "FastEthernet",
		"et":   "Ethernet",
		"eth":  "Ethernet",
		"lo":   "Loopback",
		"po":   "Port-channel",
		"vl":   "Vlan",
		"vlan": "Vlan",
		"tu":   "Tunnel",
	}

	// longest-first so that "gig" is matched before "gi"
	shortToLongSorted []string
)

func init() {
	shortToLongSorted = make([]string, 0, len(shortToLong))
	for k := range shortToLong {
		shortToLongSorted = append(shortToLongSorted, k)
	}
	sort.Slice(shortToLongSorted, func(i, j int) bool {
		return len(shortToLongSorted[i]) > len(shortToLongSorted[j])
	})
}

// ShortenInterfaceName converts a full interface name to short form
// GigabitEthernet2 -> Gi2, Loopback0 -> Lo0, GigabitEthernet4.100 -> Gi4.100
func ShortenInterfaceName(name string) string {
	ifType, num, subintf := ParseInterfaceName(name)
	short, ok := longToShort[ifType]
	if !ok {
		return name
	}
	result := short + num
	if subintf != "" {
		result += "." + subintf
	}
	return result
}

// NormalizeInterfaceName expands abbreviations to the full IOS form
// gi2 -> GigabitEthernet2, Lo0 -> Loopback0. Already-long names are returned unchanged.
func NormalizeInterfaceName(name string) string {
	name = strings.TrimSpace(name)
	if ifType, _, _ := ParseInterfaceName(name); longToShort[ifType] != "" {
		return name
	}
	lower := strings.ToLower(name)
	for _, abbr := range shortToLongSorted {
		if strings.HasPrefix(lower, abbr) && len(name) > len(abbr) {
			suffix := name[len(abbr):]
			if suffix[0] >= '0' && suffix[0] <= '9' {
				return shortToLong[abbr] + suffix
			}
		}
	}
	return name
}

// SameInterface compares interface names regardless of abbreviation.
func SameInterface(a, b string) bool {
	return strings.EqualFold(NormalizeInterfaceName(a), NormalizeInterfaceName(b))
}
