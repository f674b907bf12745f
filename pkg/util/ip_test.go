package util

import (
	"net/netip"
	"testing"
)

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("10.0.0.1/31")
	if err != nil {
		t.Fatalf("ParsePrefix() error = %v", err)
	}
	if p.Addr().String() != "10.0.0.1" || p.Bits() != 31 {
		t.Errorf("ParsePrefix() = %v, host bits must be kept", p)
	}

	for _, bad := range []string{"10.0.0.1", "bogus/24", "2001:db8::1/64"} {
		if _, err := ParsePrefix(bad); err == nil {
			t.Errorf("ParsePrefix(%q) should fail", bad)
		}
	}
}

func TestIsHostAddress(t *testing.T) {
	tests := []struct {
		addr   string
		subnet string
		want   bool
	}{
		{"10.0.0.0", "10.0.0.0/31", true},
		{"10.0.0.1", "10.0.0.0/31", true},
		{"10.0.0.2", "10.0.0.0/31", false},
		{"10.0.0.0", "10.0.0.0/30", false},
		{"10.0.0.1", "10.0.0.0/30", true},
		{"10.0.0.3", "10.0.0.0/30", false},
		{"192.168.1.254", "192.168.1.0/24", true},
		{"192.168.1.255", "192.168.1.0/24", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr+"_in_"+tt.subnet, func(t *testing.T) {
			got := IsHostAddress(netip.MustParseAddr(tt.addr), netip.MustParsePrefix(tt.subnet))
			if got != tt.want {
				t.Errorf("IsHostAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeNeighborIP(t *testing.T) {
	tests := []struct {
		local  string
		want   string
		wantOK bool
	}{
		{"10.0.0.0/31", "10.0.0.1", true},
		{"10.0.0.1/31", "10.0.0.0", true},
		{"10.1.1.1/30", "10.1.1.2", true},
		{"10.1.1.2/30", "10.1.1.1", true},
		{"10.1.1.0/30", "", false},
		{"10.1.1.3/30", "", false},
		{"10.1.1.1/24", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.local, func(t *testing.T) {
			got, ok := ComputeNeighborIP(netip.MustParsePrefix(tt.local))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.String() != tt.want {
				t.Errorf("neighbor = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMasks(t *testing.T) {
	tests := []struct {
		bits     int
		dotted   string
		wildcard string
	}{
		{32, "255.255.255.255", "0.0.0.0"},
		{31, "255.255.255.254", "0.0.0.1"},
		{30, "255.255.255.252", "0.0.0.3"},
		{24, "255.255.255.0", "0.0.0.255"},
		{0, "0.0.0.0", "255.255.255.255"},
	}
	for _, tt := range tests {
		if got := DottedMask(tt.bits); got != tt.dotted {
			t.Errorf("DottedMask(%d) = %s, want %s", tt.bits, got, tt.dotted)
		}
		if got := WildcardMask(tt.bits); got != tt.wildcard {
			t.Errorf("WildcardMask(%d) = %s, want %s", tt.bits, got, tt.wildcard)
		}
	}
}

func TestBroadcastAddr(t *testing.T) {
	if got := BroadcastAddr(netip.MustParsePrefix("10.0.0.4/30")); got.String() != "10.0.0.7" {
		t.Errorf("BroadcastAddr() = %s", got)
	}
}

func TestValidateASN(t *testing.T) {
	if err := ValidateASN(65001); err != nil {
		t.Errorf("ValidateASN(65001) = %v", err)
	}
	if err := ValidateASN(0); err == nil {
		t.Error("ValidateASN(0) should fail")
	}
}
