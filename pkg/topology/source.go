package topology

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Records is the stable schema every topology source produces. Values are
// raw strings; Load parses and validates them.
type Records struct {
	Policy  PolicyRecord   `yaml:"policy" json:"policy"`
	VRFs    []VRFRecord    `yaml:"vrfs,omitempty" json:"vrfs,omitempty"`
	Devices []DeviceRecord `yaml:"devices" json:"devices"`
	Links   []LinkRecord   `yaml:"links" json:"links"`
	Phases  []PhaseRecord  `yaml:"phases" json:"phases"`
}

// PolicyRecord holds network-wide parameters.
type PolicyRecord struct {
	ASN         int    `yaml:"asn" json:"asn"`
	OSPFProcess int    `yaml:"ospf_process,omitempty" json:"ospf_process,omitempty"`
	OSPFArea    string `yaml:"ospf_area,omitempty" json:"ospf_area,omitempty"`
	LDPRouterID string `yaml:"ldp_router_id,omitempty" json:"ldp_router_id,omitempty"`
}

// VRFRecord defines one VRF.
type VRFRecord struct {
	Name   string   `yaml:"name" json:"name"`
	RD     string   `yaml:"rd" json:"rd"`
	Import []string `yaml:"import,omitempty" json:"import,omitempty"`
	Export []string `yaml:"export,omitempty" json:"export,omitempty"`
}

// DeviceRecord defines one device and its interfaces.
type DeviceRecord struct {
	Name           string            `yaml:"name" json:"name"`
	Role           string            `yaml:"role" json:"role"`
	RouteReflector bool              `yaml:"route_reflector,omitempty" json:"route_reflector,omitempty"`
	BGP            bool              `yaml:"bgp,omitempty" json:"bgp,omitempty"`
	Site           string            `yaml:"site,omitempty" json:"site,omitempty"`
	Mgmt           string            `yaml:"mgmt,omitempty" json:"mgmt,omitempty"`
	Loopback       string            `yaml:"loopback" json:"loopback"`
	Interfaces     []InterfaceRecord `yaml:"interfaces,omitempty" json:"interfaces,omitempty"`
}

// InterfaceRecord defines one interface.
type InterfaceRecord struct {
	Name        string `yaml:"name" json:"name"`
	Address     string `yaml:"address,omitempty" json:"address,omitempty"`
	Unnumbered  bool   `yaml:"unnumbered,omitempty" json:"unnumbered,omitempty"`
	VRF         string `yaml:"vrf,omitempty" json:"vrf,omitempty"`
	VLAN        int    `yaml:"vlan,omitempty" json:"vlan,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Phase       int    `yaml:"phase,omitempty" json:"phase,omitempty"`
}

// LinkRecord defines one link. A and B are "device:interface".
type LinkRecord struct {
	ID     string `yaml:"id,omitempty" json:"id,omitempty"`
	A      string `yaml:"a" json:"a"`
	B      string `yaml:"b" json:"b"`
	Subnet string `yaml:"subnet" json:"subnet"`
	Kind   string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Phase  int    `yaml:"phase,omitempty" json:"phase,omitempty"`
}

// PhaseRecord defines one phase.
type PhaseRecord struct {
	ID          int                 `yaml:"id" json:"id"`
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Devices     []string            `yaml:"devices" json:"devices"`
	DependsOn   []int               `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Assertions  []AssertionSpec     `yaml:"assertions,omitempty" json:"assertions,omitempty"`
	Templates   map[string][]string `yaml:"templates,omitempty" json:"templates,omitempty"`
}

// Source is the read contract of an inventory store.
type Source interface {
	Records(ctx context.Context) (*Records, error)
	// Describe names the source for log and error messages.
	Describe() string
}

// FileSource reads records from a YAML (or JSON) file.
type FileSource struct {
	Path string
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Describe implements Source.
func (s *FileSource) Describe() string { return s.Path }

// Records implements Source.
func (s *FileSource) Records(ctx context.Context) (*Records, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading topology %s: %w", s.Path, err)
	}
	return ParseRecords(data)
}

// ParseRecords decodes a YAML or JSON document.
func ParseRecords(data []byte) (*Records, error) {
	var r Records
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	return &r, nil
}

// StaticSource serves records already in memory.
type StaticSource struct {
	Recs *Records
}

// Describe implements Source.
func (s StaticSource) Describe() string { return "static" }

// Records implements Source.
func (s StaticSource) Records(context.Context) (*Records, error) { return s.Recs, nil }
