package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/newtron-network/newtphase/pkg/apply"
	"github.com/newtron-network/newtphase/pkg/audit"
	"github.com/newtron-network/newtphase/pkg/device"
	"github.com/newtron-network/newtphase/pkg/pipeline"
	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/store"
	"github.com/newtron-network/newtphase/pkg/topology"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/validate"
)

// PasswordEnv names the environment variable holding the device password.
const PasswordEnv = "NEWTPHASE_SSH_PASSWORD"

// env is everything a pipeline command needs, opened once per invocation.
type env struct {
	topo     *topology.Topology
	source   string
	resolver *render.Resolver
	store    *store.Store
	pipeline *pipeline.Pipeline

	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			util.Warnf("closing: %v", err)
		}
	}
}

// redisTarget splits "host:port/db" into its address and database number.
func redisTarget(s string) (string, int, error) {
	addr, dbText, ok := strings.Cut(s, "/")
	if !ok {
		return addr, 0, nil
	}
	db, err := strconv.Atoi(dbText)
	if err != nil || db < 0 {
		return "", 0, fmt.Errorf("redis target %q: bad database number", s)
	}
	return addr, db, nil
}

// topologySource picks Redis when --inventory is set, else the topology file.
func (a *app) topologySource() (topology.Source, func() error, error) {
	if a.inventory != "" {
		addr, db, err := redisTarget(a.inventory)
		if err != nil {
			return nil, nil, err
		}
		src := topology.NewRedisSource(addr, db)
		return src, src.Close, nil
	}
	if a.topologyPath == "" {
		return nil, nil, fmt.Errorf("no topology: use -T <file>, --inventory <redis>, or 'newtphase settings set topology <file>'")
	}
	return topology.NewFileSource(a.topologyPath), func() error { return nil }, nil
}

func (a *app) loadTopology(ctx context.Context) (*topology.Topology, string, error) {
	src, closeSrc, err := a.topologySource()
	if err != nil {
		return nil, "", err
	}
	defer closeSrc()
	topo, err := topology.Load(ctx, src)
	if err != nil {
		return nil, "", err
	}
	return topo, src.Describe(), nil
}

func (a *app) catalog() (*render.Catalog, error) {
	if a.templateDir != "" {
		return render.LoadCatalogDir(a.templateDir)
	}
	return render.DefaultCatalog()
}

// openRender loads the topology and the template catalog; enough for
// commands that never touch a device.
func (a *app) openRender(ctx context.Context) (*env, error) {
	topo, source, err := a.loadTopology(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := a.catalog()
	if err != nil {
		return nil, err
	}
	return &env{topo: topo, source: source, resolver: render.NewResolver(topo, cat)}, nil
}

// openPipeline wires the full pipeline: device transport, lock, audit log,
// state database and progress output.
func (a *app) openPipeline(ctx context.Context, workers int) (*env, error) {
	e, err := a.openRender(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.wire(e, workers); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (a *app) wire(e *env, workers int) error {
	control, query, err := a.transport(e.topo)
	if err != nil {
		return err
	}

	statePath, cleanup, err := a.stateDB()
	if err != nil {
		return err
	}
	e.closers = append(e.closers, cleanup)
	e.store, err = store.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	e.closers = append(e.closers, e.store.Close)

	backoff := a.settings.Backoff()
	opts := []apply.Option{apply.WithBackoff(backoff)}

	auditLogger, err := audit.NewFileLogger(a.settings.GetAuditLog(), audit.RotationConfig{
		MaxSize:    10 * 1024 * 1024, // 10MB
		MaxBackups: 10,
	})
	if err != nil {
		util.Warnf("Could not initialize audit logging: %v", err)
	} else {
		opts = append(opts, apply.WithAuditLogger(auditLogger))
		e.closers = append(e.closers, auditLogger.Close)
	}

	// Applies and validation queries share one lock per device.
	operator := currentUser()
	var locker device.Locker = device.NewLocalLocker()
	if a.settings.LockRedis != "" {
		addr, db, err := redisTarget(a.settings.LockRedis)
		if err != nil {
			return err
		}
		host, _ := os.Hostname()
		rl := device.NewRedisLocker(addr, db, operator+"@"+host)
		e.closers = append(e.closers, rl.Close)
		locker = rl
	}
	opts = append(opts, apply.WithLocker(locker))

	if workers <= 0 {
		workers = a.settings.GetWorkers()
	}
	e.pipeline = pipeline.New(e.topo, e.resolver,
		apply.NewApplier(control, opts...),
		validate.NewValidator(e.topo, query, validate.WithBackoff(backoff), validate.WithLocker(locker)),
		pipeline.WithStore(e.store),
		pipeline.WithObserver(pipeline.NewConsoleObserver(a.out, a.verbose)),
		pipeline.WithWorkers(workers),
		pipeline.WithUser(operator),
		pipeline.WithSource(e.source),
	)
	return nil
}

// transport returns the in-memory lab with --lab, else SSH to each device's
// management address.
func (a *app) transport(topo *topology.Topology) (device.Controller, device.Querier, error) {
	if a.lab {
		a.labDevices = device.NewLabFromTopology(topo, true)
		return a.labDevices, a.labDevices, nil
	}
	password, err := sshPassword()
	if err != nil {
		return nil, nil, err
	}
	addrs := map[string]string{}
	for _, d := range topo.Devices() {
		if d.Mgmt.IsValid() {
			addrs[d.Name] = d.Mgmt.String()
		}
	}
	t := device.NewSSHTransport(addrs, a.settings.GetSSHUser(), password)
	return t, t, nil
}

// stateDB resolves the state database. A lab run without an explicit
// --state gets a throwaway database, since lab devices do not outlive the
// process.
func (a *app) stateDB() (string, func() error, error) {
	keep := func() error { return nil }
	if a.statePath != "" {
		return a.statePath, keep, nil
	}
	if a.lab {
		dir, err := os.MkdirTemp("", "newtphase-lab-")
		if err != nil {
			return "", nil, err
		}
		return filepath.Join(dir, "state.db"), func() error { return os.RemoveAll(dir) }, nil
	}
	return a.settings.GetStateDB(), keep, nil
}

func sshPassword() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("device password required: set %s", PasswordEnv)
	}
	fmt.Fprint(os.Stderr, "Device password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// resolvePhases turns -p references (ids or names) into phase ids. all
// selects every phase.
func resolvePhases(topo *topology.Topology, refs []string, all bool) ([]int, error) {
	if all {
		if len(refs) > 0 {
			return nil, fmt.Errorf("--all and --phase are mutually exclusive")
		}
		return nil, nil
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("phase required: use -p <phase> or --all")
	}
	ids := make([]int, 0, len(refs))
	for _, ref := range refs {
		ph, err := topo.ResolvePhase(ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ph.ID)
	}
	return ids, nil
}
