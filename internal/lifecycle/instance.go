package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/helix-cli/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrUnknownMode is returned for a mode other than import, db or db-write.
	ErrUnknownMode = errors.New("unknown instance mode")
	// ErrNoVolume is returned when existing volumes were requested but none exist.
	ErrNoVolume = errors.New("no existing volume")
	// ErrVolumeMismatch is returned when an instance is already running on
	// volumes other than the ones it was asked to use.
	ErrVolumeMismatch = errors.New("instance runs on different volumes")
)

// Mode selects how the graph container of an instance runs.
type Mode string

const (
	// ModeImport keeps the graph database stopped so an offline bulk import can run.
	ModeImport Mode = "import"
	// ModeDB serves the graph read-only.
	ModeDB Mode = "db"
	// ModeDBWrite serves the graph writable, without the document store.
	ModeDBWrite Mode = "db-write"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeImport, ModeDB, ModeDBWrite:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

const (
	neo4jHTTPPort = 7474
	neo4jBoltPort = 7687
	mongoPort     = 27017
	expressPort   = 8081

	neo4jDataDir  = "/data"
	neo4jLogsDir  = "/logs"
	importDir     = "/import"
	mongoDataDir  = "/data/db"
	mongoConfigDB = "/data/configdb"

	restartUnlessStopped = "unless-stopped"
)

// Volumes are the data volumes of one build.
type Volumes struct {
	Neo4j string
	Mongo string
}

// IsZero reports whether no volume is set.
func (v Volumes) IsZero() bool { return v.Neo4j == "" && v.Mongo == "" }

// SetUpOptions controls Instance.SetUp.
type SetUpOptions struct {
	Mode Mode
	// UseExisting reuses the most recent volumes instead of creating new ones.
	UseExisting bool
	// Volumes, when set, are used as they are.
	Volumes *Volumes
}

// RemoveOptions controls Instance.Remove.
type RemoveOptions struct {
	Mode       Mode
	RemoveData bool
}

// Option adjusts an Instance.
type Option func(*Instance)

// WithClock replaces the clock used to name new volumes.
func WithClock(now func() time.Time) Option {
	return func(i *Instance) { i.now = now }
}

// WithSleep replaces the wait used for settle periods.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(i *Instance) { i.sleep = sleep }
}

// Instance is one environment: a graph container, a document store container,
// an optional admin UI container and the volumes they share.
type Instance struct {
	name      string
	env       config.EnvironmentConfig
	db        config.DBConfig
	importDir string
	heap      string
	pagecache string
	rt        Runtime
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	log       *zap.Logger
}

// NewInstance creates the instance for the "dev" or "live" environment.
func NewInstance(name string, cfg *config.Config, rt Runtime, logger *zap.Logger, opts ...Option) (*Instance, error) {
	env, err := cfg.Environment(name)
	if err != nil {
		return nil, err
	}
	i := &Instance{
		name:      name,
		env:       env,
		db:        cfg.DB,
		importDir: cfg.Export.ImportDir,
		heap:      cfg.Export.HeapSize,
		pagecache: cfg.Export.PageCache,
		rt:        rt,
		now:       time.Now,
		sleep:     Sleep,
		log:       logger.Named("lifecycle").With(zap.String("env", name)),
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (i *Instance) Name() string             { return i.name }
func (i *Instance) MongoContainer() string   { return i.env.ContainerName }
func (i *Instance) Neo4jContainer() string   { return i.env.ContainerName + "_neo4j" }
func (i *Instance) ExpressContainer() string { return i.env.ExpressContainerName }
func (i *Instance) MongoURI() string         { return i.env.MongoURI() }
func (i *Instance) BoltURI() string          { return i.env.BoltURI() }

func (i *Instance) neo4jPrefix() string { return i.db.VolumeRoot + "_neo4j_" }
func (i *Instance) mongoPrefix() string { return i.db.VolumeRoot + "_mongo_" }
func (i *Instance) logsVolume() string  { return i.Neo4jContainer() + "_logs" }
func (i *Instance) configVolume() string {
	return i.MongoContainer() + "_configdb"
}

func (i *Instance) bindAddress() string {
	if i.env.ExposePorts {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// LatestVolumes returns the most recently created pair of data volumes.
func (i *Instance) LatestVolumes(ctx context.Context) (Volumes, error) {
	names, err := i.rt.ListVolumes(ctx, i.neo4jPrefix())
	if err != nil {
		return Volumes{}, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names {
		stamp := strings.TrimPrefix(n, i.neo4jPrefix())
		mongo := i.mongoPrefix() + stamp
		existing, err := i.rt.ListVolumes(ctx, mongo)
		if err != nil {
			return Volumes{}, err
		}
		for _, m := range existing {
			if m == mongo {
				return Volumes{Neo4j: n, Mongo: mongo}, nil
			}
		}
	}
	return Volumes{}, fmt.Errorf("%w: no volumes named %s*", ErrNoVolume, i.neo4jPrefix())
}

// CurrentVolumes returns the data volumes mounted by the running containers.
// ok is false when the instance is not running.
func (i *Instance) CurrentVolumes(ctx context.Context) (v Volumes, ok bool, err error) {
	mounts, err := i.rt.ContainerMounts(ctx, i.Neo4jContainer())
	if errors.Is(err, ErrNotFound) {
		return Volumes{}, false, nil
	}
	if err != nil {
		return Volumes{}, false, err
	}
	for _, m := range mounts {
		if m.Target == neo4jDataDir {
			v.Neo4j = m.Volume
		}
	}
	mounts, err = i.rt.ContainerMounts(ctx, i.MongoContainer())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Volumes{}, false, err
	}
	for _, m := range mounts {
		if m.Target == mongoDataDir {
			v.Mongo = m.Volume
		}
	}
	if v.Neo4j != "" && v.Mongo == "" {
		// db-write runs without the document store; its volume shares the stamp.
		v.Mongo = i.mongoPrefix() + strings.TrimPrefix(v.Neo4j, i.neo4jPrefix())
	}
	return v, v.Neo4j != "", nil
}

func (i *Instance) newVolumes(ctx context.Context) (Volumes, error) {
	stamp := strconv.FormatInt(i.now().UnixMilli(), 10)
	v := Volumes{Neo4j: i.neo4jPrefix() + stamp, Mongo: i.mongoPrefix() + stamp}
	for _, name := range []string{v.Neo4j, v.Mongo} {
		if err := i.rt.CreateVolume(ctx, name); err != nil {
			return Volumes{}, err
		}
	}
	i.log.Info("Created data volumes", zap.String("neo4j", v.Neo4j), zap.String("mongo", v.Mongo))
	return v, nil
}

func (i *Instance) running(ctx context.Context, name string) (bool, error) {
	_, err := i.rt.ContainerMounts(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetUp brings the instance up in the given mode and returns the volumes it
// runs on. Containers that already exist are left alone; when the graph
// container exists its volumes are returned and no new ones are created.
func (i *Instance) SetUp(ctx context.Context, opts SetUpOptions) (Volumes, error) {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return Volumes{}, err
	}
	if err := i.rt.EnsureNetwork(ctx, i.db.Network); err != nil {
		return Volumes{}, err
	}

	current, exists, err := i.CurrentVolumes(ctx)
	if err != nil {
		return Volumes{}, fmt.Errorf("failed to inspect %s: %w", i.Neo4jContainer(), err)
	}

	var v Volumes
	switch {
	case exists:
		if opts.Volumes != nil && opts.Volumes.Neo4j != current.Neo4j {
			return current, fmt.Errorf("%w: %s mounts %s, wanted %s",
				ErrVolumeMismatch, i.Neo4jContainer(), current.Neo4j, opts.Volumes.Neo4j)
		}
		i.log.Info("Instance already exists, keeping its volumes", zap.String("neo4j_volume", current.Neo4j))
		v = current
	case opts.Volumes != nil:
		v = *opts.Volumes
	case opts.UseExisting:
		v, err = i.LatestVolumes(ctx)
	default:
		v, err = i.newVolumes(ctx)
	}
	if err != nil {
		return Volumes{}, err
	}

	if err := i.start(ctx, i.neo4jSpec(opts.Mode, v)); err != nil {
		return v, err
	}
	if opts.Mode != ModeDBWrite {
		if err := i.start(ctx, i.mongoSpec(v)); err != nil {
			return v, err
		}
		if i.env.ExpressContainerName != "" && i.db.Images.Express != "" {
			if err := i.start(ctx, i.expressSpec()); err != nil {
				return v, err
			}
		}
	}
	i.log.Info("Instance is up", zap.String("mode", string(opts.Mode)), zap.String("neo4j_volume", v.Neo4j))
	return v, nil
}

func (i *Instance) start(ctx context.Context, spec ContainerSpec) error {
	up, err := i.running(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", spec.Name, err)
	}
	if up {
		i.log.Info("Container already exists, leaving it running", zap.String("container", spec.Name))
		return nil
	}
	if err := i.rt.EnsureImage(ctx, spec.Image); err != nil {
		return err
	}
	return i.rt.CreateAndStart(ctx, spec)
}

func (i *Instance) labels() map[string]string {
	return map[string]string{"helix.environment": i.name}
}

func (i *Instance) neo4jSpec(mode Mode, v Volumes) ContainerSpec {
	spec := ContainerSpec{
		Name:  i.Neo4jContainer(),
		Image: i.db.Images.Neo4j,
		Env: []string{
			"NEO4J_AUTH=none",
			`NEO4J_PLUGINS=["apoc"]`,
			"NEO4J_ACCEPT_LICENSE_AGREEMENT=yes",
			"NEO4J_server_config_strict__validation_enabled=false",
		},
		Ports:       map[int]int{neo4jHTTPPort: i.env.Neo4jHTTPPort, neo4jBoltPort: i.env.Neo4jBoltPort},
		BindAddress: i.bindAddress(),
		Mounts: []Mount{
			{Volume: v.Neo4j, Target: neo4jDataDir},
			{Volume: i.logsVolume(), Target: neo4jLogsDir},
		},
		Network: i.db.Network,
		Labels:  i.labels(),
	}
	switch mode {
	case ModeImport:
		spec.Env = append(spec.Env,
			"NEO4J_server_memory_heap_max__size="+i.heap,
			"NEO4J_server_memory_pagecache_size="+i.pagecache)
		spec.Mounts = append(spec.Mounts, Mount{HostPath: i.importDir, Target: importDir, ReadOnly: true})
		spec.Entrypoint = []string{"/bin/bash"}
		spec.Tty = true
	case ModeDB:
		spec.Env = append(spec.Env, "NEO4J_server_databases_default__to__read__only=true")
		spec.RestartPolicy = restartUnlessStopped
	case ModeDBWrite:
		spec.Env = append(spec.Env, "NEO4J_server_databases_default__to__read__only=false")
		spec.RestartPolicy = restartUnlessStopped
	}
	return spec
}

func (i *Instance) mongoSpec(v Volumes) ContainerSpec {
	return ContainerSpec{
		Name:        i.MongoContainer(),
		Image:       i.db.Images.Mongo,
		Ports:       map[int]int{mongoPort: i.env.MongoPort},
		BindAddress: i.bindAddress(),
		Mounts: []Mount{
			{Volume: v.Mongo, Target: mongoDataDir},
			{Volume: i.configVolume(), Target: mongoConfigDB},
		},
		Network:       i.db.Network,
		RestartPolicy: restartUnlessStopped,
		Labels:        i.labels(),
	}
}

func (i *Instance) expressSpec() ContainerSpec {
	return ContainerSpec{
		Name:  i.ExpressContainer(),
		Image: i.db.Images.Express,
		Env: []string{
			fmt.Sprintf("ME_CONFIG_MONGODB_URL=mongodb://%s:%d", i.MongoContainer(), mongoPort),
			"ME_CONFIG_BASICAUTH=false",
		},
		Ports:         map[int]int{expressPort: i.env.ExpressPort},
		BindAddress:   i.bindAddress(),
		Network:       i.db.Network,
		RestartPolicy: restartUnlessStopped,
		Labels:        i.labels(),
	}
}

// Remove tears the instance down. Failures are logged and do not stop the
// teardown; only an invalid mode is reported.
func (i *Instance) Remove(ctx context.Context, opts RemoveOptions) error {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return err
	}
	var data Volumes
	if opts.RemoveData {
		v, _, err := i.CurrentVolumes(ctx)
		if err != nil {
			i.log.Warn("Could not determine data volumes", zap.Error(err))
		}
		data = v
	}

	neo4j := i.Neo4jContainer()
	if opts.Mode != ModeImport {
		i.stopGracefully(ctx, neo4j)
	}
	i.removeContainer(ctx, neo4j)
	if i.env.ExpressContainerName != "" {
		i.removeContainer(ctx, i.ExpressContainer())
	}
	i.removeContainer(ctx, i.MongoContainer())

	for _, name := range []string{i.logsVolume(), i.configVolume()} {
		i.removeVolume(ctx, name)
	}
	if opts.RemoveData {
		i.RemoveVolumes(ctx, data)
	}
	i.log.Info("Instance removed", zap.String("mode", string(opts.Mode)), zap.Bool("data_removed", opts.RemoveData))
	return nil
}

// stopGracefully lets the graph database flush before the container goes away.
func (i *Instance) stopGracefully(ctx context.Context, name string) {
	if err := i.rt.DisableRestart(ctx, name); err != nil {
		if !errors.Is(err, ErrNotFound) {
			i.log.Warn("Could not disable restart policy", zap.String("container", name), zap.Error(err))
		}
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, i.db.StopTimeout)
	defer cancel()
	res, err := i.rt.Exec(stopCtx, name, "", []string{"neo4j", "stop"})
	switch {
	case err != nil:
		i.log.Warn("Graceful stop failed", zap.String("container", name), zap.Error(err))
	case res.ExitCode != 0:
		i.log.Warn("Graceful stop exited non-zero",
			zap.String("container", name), zap.Int("exit_code", res.ExitCode), zap.String("output", res.Output))
	}
	if err := i.sleep(ctx, i.db.StopSettle); err != nil {
		i.log.Warn("Settle wait interrupted", zap.Error(err))
	}
}

func (i *Instance) removeContainer(ctx context.Context, name string) {
	err := i.rt.RemoveContainer(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		i.log.Warn("Could not remove container", zap.String("container", name), zap.Error(err))
	}
}

func (i *Instance) removeVolume(ctx context.Context, name string) {
	err := i.rt.RemoveVolume(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		i.log.Warn("Could not remove volume", zap.String("volume", name), zap.Error(err))
	}
}

// RemoveVolumes deletes a pair of data volumes, logging failures.
func (i *Instance) RemoveVolumes(ctx context.Context, v Volumes) {
	for _, name := range []string{v.Neo4j, v.Mongo} {
		if name != "" {
			i.removeVolume(ctx, name)
		}
	}
}

// Restart removes the instance, keeping its data, and sets it up again in mode
// on the volumes it was running on, or the latest ones when it was not running.
func (i *Instance) Restart(ctx context.Context, mode Mode) (Volumes, error) {
	current, ok, err := i.CurrentVolumes(ctx)
	if err != nil {
		i.log.Warn("Could not determine current volumes, using the latest", zap.Error(err))
	}
	if err := i.Remove(ctx, RemoveOptions{Mode: mode}); err != nil {
		return Volumes{}, err
	}
	if ok {
		return i.SetUp(ctx, SetUpOptions{Mode: mode, Volumes: &current})
	}
	return i.SetUp(ctx, SetUpOptions{Mode: mode, UseExisting: true})
}
