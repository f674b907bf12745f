package topology

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtphase/pkg/util"
)

// RedisSource reads inventory records kept as Redis hashes:
//
//	POLICY|global               asn, ospf_process, ospf_area
//	VRF|<name>                  rd, import, export (comma separated)
//	DEVICE|<name>               role, route_reflector, bgp, site, mgmt, loopback
//	INTERFACE|<device>|<name>   address, unnumbered, vrf, vlan, description, phase
//	LINK|<id>                   a, b, subnet, kind, phase
//	PHASE|<id>                  name, description, devices, depends_on, assertions, templates
//
// assertions and templates hold YAML text.
type RedisSource struct {
	client *redis.Client
	addr   string
}

// NewRedisSource connects to an inventory database.
func NewRedisSource(addr string, db int) *RedisSource {
	return &RedisSource{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		addr:   addr,
	}
}

// Describe implements Source.
func (s *RedisSource) Describe() string { return "redis://" + s.addr }

// Close closes the connection
func (s *RedisSource) Close() error {
	return s.client.Close()
}

type recordParser func(r *Records, key string, vals map[string]string) error

var recordParsers = map[string]recordParser{
	"POLICY":    parsePolicyRecord,
	"VRF":       parseVRFRecord,
	"DEVICE":    parseDeviceRecord,
	"INTERFACE": parseInterfaceRecord,
	"LINK":      parseLinkRecord,
	"PHASE":     parsePhaseRecord,
}

// Tables are read in this order so interfaces always find their device.
var recordTables = []string{"POLICY", "VRF", "DEVICE", "INTERFACE", "LINK", "PHASE"}

// Records implements Source.
func (s *RedisSource) Records(ctx context.Context) (*Records, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("inventory %s: %w", s.addr, err)
	}

	r := &Records{}
	for _, table := range recordTables {
		keys, err := scanKeys(ctx, s.client, table+"|*", 100)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		sort.Strings(keys)

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringStringMapCmd, len(keys))
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		if len(keys) > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("reading %s: %w", table, err)
			}
		}

		for i, key := range keys {
			entry := strings.TrimPrefix(key, table+"|")
			if err := recordParsers[table](r, entry, cmds[i].Val()); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	sort.Slice(r.Phases, func(i, j int) bool { return r.Phases[i].ID < r.Phases[j].ID })
	return r, nil
}

func scanKeys(ctx context.Context, client *redis.Client, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, nextCursor, err := client.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func parsePolicyRecord(r *Records, _ string, vals map[string]string) error {
	var err error
	if r.Policy.ASN, err = atoiField(vals, "asn"); err != nil {
		return err
	}
	if r.Policy.OSPFProcess, err = atoiField(vals, "ospf_process"); err != nil {
		return err
	}
	r.Policy.OSPFArea = vals["ospf_area"]
	r.Policy.LDPRouterID = vals["ldp_router_id"]
	return nil
}

func parseVRFRecord(r *Records, name string, vals map[string]string) error {
	r.VRFs = append(r.VRFs, VRFRecord{
		Name:   name,
		RD:     vals["rd"],
		Import: util.SplitCommaSeparated(vals["import"]),
		Export: util.SplitCommaSeparated(vals["export"]),
	})
	return nil
}

func parseDeviceRecord(r *Records, name string, vals map[string]string) error {
	r.Devices = append(r.Devices, DeviceRecord{
		Name:           name,
		Role:           vals["role"],
		RouteReflector: vals["route_reflector"] == "true",
		BGP:            vals["bgp"] == "true",
		Site:           vals["site"],
		Mgmt:           vals["mgmt"],
		Loopback:       vals["loopback"],
	})
	return nil
}

func parseInterfaceRecord(r *Records, entry string, vals map[string]string) error {
	dev, name, ok := strings.Cut(entry, "|")
	if !ok {
		return fmt.Errorf("interface key must be <device>|<name>")
	}
	vlan, err := atoiField(vals, "vlan")
	if err != nil {
		return err
	}
	phase, err := atoiField(vals, "phase")
	if err != nil {
		return err
	}
	rec := InterfaceRecord{
		Name:        name,
		Address:     vals["address"],
		Unnumbered:  vals["unnumbered"] == "true",
		VRF:         vals["vrf"],
		VLAN:        vlan,
		Description: vals["description"],
		Phase:       phase,
	}
	for i := range r.Devices {
		if r.Devices[i].Name == dev {
			r.Devices[i].Interfaces = append(r.Devices[i].Interfaces, rec)
			return nil
		}
	}
	// Keep the orphan so Load reports it as a dangling reference.
	r.Devices = append(r.Devices, DeviceRecord{Name: dev, Interfaces: []InterfaceRecord{rec}})
	return nil
}

func parseLinkRecord(r *Records, id string, vals map[string]string) error {
	phase, err := atoiField(vals, "phase")
	if err != nil {
		return err
	}
	r.Links = append(r.Links, LinkRecord{
		ID:     id,
		A:      vals["a"],
		B:      vals["b"],
		Subnet: vals["subnet"],
		Kind:   vals["kind"],
		Phase:  phase,
	})
	return nil
}

func parsePhaseRecord(r *Records, id string, vals map[string]string) error {
	n, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("phase id %q is not a number", id)
	}
	p := PhaseRecord{
		ID:          n,
		Name:        vals["name"],
		Description: vals["description"],
		Devices:     util.SplitCommaSeparated(vals["devices"]),
	}
	for _, d := range util.SplitCommaSeparated(vals["depends_on"]) {
		dep, err := strconv.Atoi(d)
		if err != nil {
			return fmt.Errorf("depends_on %q is not a number", d)
		}
		p.DependsOn = append(p.DependsOn, dep)
	}
	if text := vals["assertions"]; text != "" {
		if err := yaml.Unmarshal([]byte(text), &p.Assertions); err != nil {
			return fmt.Errorf("assertions: %w", err)
		}
	}
	if text := vals["templates"]; text != "" {
		if err := yaml.Unmarshal([]byte(text), &p.Templates); err != nil {
			return fmt.Errorf("templates: %w", err)
		}
	}
	r.Phases = append(r.Phases, p)
	return nil
}

func atoiField(vals map[string]string, field string) (int, error) {
	v := vals[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %q is not a number", field, v)
	}
	return n, nil
}
