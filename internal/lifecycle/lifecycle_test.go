package lifecycle_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
	"github.com/xkilldash9x/helix-cli/internal/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = time.UnixMilli(1700000000000)

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.DB.StopTimeout = time.Second
	cfg.Export.ImportDir = "/tmp/import"
	cfg.Promotion.HealthTimeout = 50 * time.Millisecond
	return cfg
}

func newInstance(t *testing.T, name string, rt lifecycle.Runtime, logger *zap.Logger) *lifecycle.Instance {
	t.Helper()
	inst, err := lifecycle.NewInstance(name, testConfig(), rt, logger,
		lifecycle.WithClock(func() time.Time { return fixedNow }),
		lifecycle.WithSleep(noSleep))
	require.NoError(t, err)
	return inst
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"import", "db", "db-write"} {
		m, err := lifecycle.ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Mode(s), m)
	}
	_, err := lifecycle.ParseMode("serve")
	assert.ErrorIs(t, err, lifecycle.ErrUnknownMode)
}

func TestNames(t *testing.T) {
	inst := newInstance(t, "dev", mocks.NewMockRuntime(), zap.NewNop())
	assert.Equal(t, "helix_dev", inst.MongoContainer())
	assert.Equal(t, "helix_dev_neo4j", inst.Neo4jContainer())
	assert.Equal(t, "helix_dev_express", inst.ExpressContainer())
	assert.Equal(t, "mongodb://localhost:27018", inst.MongoURI())
	assert.Equal(t, "bolt://localhost:7688", inst.BoltURI())

	_, err := lifecycle.NewInstance("staging", testConfig(), mocks.NewMockRuntime(), zap.NewNop())
	assert.Error(t, err)
}

func specNamed(name string) any {
	return mock.MatchedBy(func(s lifecycle.ContainerSpec) bool { return s.Name == name })
}

func TestSetUpImportMode(t *testing.T) {
	ctx := context.Background()
	rt := mocks.NewMockRuntime()
	rt.On("EnsureNetwork", ctx, "helix_default").Return(nil)
	rt.On("CreateVolume", ctx, "helix_neo4j_1700000000000").Return(nil).Once()
	rt.On("CreateVolume", ctx, "helix_mongo_1700000000000").Return(nil).Once()
	rt.On("ContainerMounts", ctx, mock.Anything).Return(nil, lifecycle.ErrNotFound)
	rt.On("EnsureImage", ctx, mock.Anything).Return(nil)

	var specs []lifecycle.ContainerSpec
	rt.On("CreateAndStart", ctx, mock.Anything).Run(func(args mock.Arguments) {
		specs = append(specs, args.Get(1).(lifecycle.ContainerSpec))
	}).Return(nil)

	v, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeImport})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Volumes{Neo4j: "helix_neo4j_1700000000000", Mongo: "helix_mongo_1700000000000"}, v)

	require.Len(t, specs, 3)
	neo := specs[0]
	assert.Equal(t, "helix_dev_neo4j", neo.Name)
	assert.True(t, neo.Tty)
	assert.Equal(t, []string{"/bin/bash"}, neo.Entrypoint)
	assert.Empty(t, neo.RestartPolicy)
	assert.Equal(t, "127.0.0.1", neo.BindAddress)
	assert.Equal(t, map[int]int{7474: 7475, 7687: 7688}, neo.Ports)
	assert.Contains(t, neo.Env, "NEO4J_AUTH=none")
	assert.Contains(t, neo.Env, "NEO4J_server_memory_heap_max__size=4G")
	assert.Contains(t, neo.Mounts, lifecycle.Mount{HostPath: "/tmp/import", Target: "/import", ReadOnly: true})
	assert.Contains(t, neo.Mounts, lifecycle.Mount{Volume: "helix_neo4j_1700000000000", Target: "/data"})
	assert.Contains(t, neo.Mounts, lifecycle.Mount{Volume: "helix_dev_neo4j_logs", Target: "/logs"})

	assert.Equal(t, "helix_dev", specs[1].Name)
	assert.Contains(t, specs[1].Mounts, lifecycle.Mount{Volume: "helix_mongo_1700000000000", Target: "/data/db"})
	assert.Equal(t, "helix_dev_express", specs[2].Name)
	rt.AssertExpectations(t)
}

func TestSetUpServingModes(t *testing.T) {
	ctx := context.Background()
	vols := lifecycle.Volumes{Neo4j: "helix_neo4j_1", Mongo: "helix_mongo_1"}

	tests := []struct {
		name       string
		mode       lifecycle.Mode
		containers []string
		readOnly   string
	}{
		{"db", lifecycle.ModeDB, []string{"helix_live_neo4j", "helix_live", "helix_live_express"}, "true"},
		{"db-write", lifecycle.ModeDBWrite, []string{"helix_live_neo4j"}, "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := mocks.NewMockRuntime()
			rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
			rt.On("ContainerMounts", ctx, mock.Anything).Return(nil, lifecycle.ErrNotFound)
			rt.On("EnsureImage", ctx, mock.Anything).Return(nil)
			var started []lifecycle.ContainerSpec
			rt.On("CreateAndStart", ctx, mock.Anything).Run(func(args mock.Arguments) {
				started = append(started, args.Get(1).(lifecycle.ContainerSpec))
			}).Return(nil)

			got, err := newInstance(t, "live", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: tt.mode, Volumes: &vols})
			require.NoError(t, err)
			assert.Equal(t, vols, got)

			var names []string
			for _, s := range started {
				names = append(names, s.Name)
				assert.Equal(t, "unless-stopped", s.RestartPolicy)
			}
			assert.Equal(t, tt.containers, names)
			assert.Contains(t, started[0].Env, "NEO4J_server_databases_default__to__read__only="+tt.readOnly)
			rt.AssertNotCalled(t, "CreateVolume", mock.Anything, mock.Anything)
		})
	}
}

func TestSetUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt := mocks.NewMockRuntime()
	rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
	rt.On("ContainerMounts", ctx, mock.Anything).Return([]lifecycle.Mount{}, nil)

	vols := lifecycle.Volumes{Neo4j: "a", Mongo: "b"}
	_, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeDB, Volumes: &vols})
	require.NoError(t, err)
	rt.AssertNotCalled(t, "CreateAndStart", mock.Anything, mock.Anything)
}

func TestSetUpKeepsExistingVolumes(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh volumes are not created", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
		rt.On("ContainerMounts", ctx, "helix_dev_neo4j").Return([]lifecycle.Mount{{Volume: "helix_neo4j_1", Target: "/data"}}, nil)
		rt.On("ContainerMounts", ctx, "helix_dev").Return([]lifecycle.Mount{{Volume: "helix_mongo_1", Target: "/data/db"}}, nil)
		rt.On("ContainerMounts", ctx, "helix_dev_express").Return([]lifecycle.Mount{}, nil)

		v, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeImport})
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Volumes{Neo4j: "helix_neo4j_1", Mongo: "helix_mongo_1"}, v)
		rt.AssertNotCalled(t, "CreateVolume", mock.Anything, mock.Anything)
		rt.AssertNotCalled(t, "CreateAndStart", mock.Anything, mock.Anything)
	})

	t.Run("missing document store starts on the graph stamp", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
		rt.On("ContainerMounts", ctx, "helix_dev_neo4j").Return([]lifecycle.Mount{{Volume: "helix_neo4j_4", Target: "/data"}}, nil)
		rt.On("ContainerMounts", ctx, mock.Anything).Return(nil, lifecycle.ErrNotFound)
		rt.On("EnsureImage", ctx, mock.Anything).Return(nil)
		var started []lifecycle.ContainerSpec
		rt.On("CreateAndStart", ctx, mock.Anything).Run(func(args mock.Arguments) {
			started = append(started, args.Get(1).(lifecycle.ContainerSpec))
		}).Return(nil)

		v, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeDB})
		require.NoError(t, err)
		assert.Equal(t, "helix_mongo_4", v.Mongo)
		require.NotEmpty(t, started)
		assert.Equal(t, "helix_dev", started[0].Name)
		assert.Contains(t, started[0].Mounts, lifecycle.Mount{Volume: "helix_mongo_4", Target: "/data/db"})
		rt.AssertNotCalled(t, "CreateVolume", mock.Anything, mock.Anything)
	})

	t.Run("other requested volumes", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
		rt.On("ContainerMounts", ctx, "helix_live_neo4j").Return([]lifecycle.Mount{{Volume: "helix_neo4j_1", Target: "/data"}}, nil)
		rt.On("ContainerMounts", ctx, "helix_live").Return([]lifecycle.Mount{{Volume: "helix_mongo_1", Target: "/data/db"}}, nil)

		want := lifecycle.Volumes{Neo4j: "helix_neo4j_2", Mongo: "helix_mongo_2"}
		_, err := newInstance(t, "live", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeDB, Volumes: &want})
		assert.ErrorIs(t, err, lifecycle.ErrVolumeMismatch)
		rt.AssertNotCalled(t, "CreateAndStart", mock.Anything, mock.Anything)
	})
}

func TestSetUpErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown mode", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		_, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: "serve"})
		assert.ErrorIs(t, err, lifecycle.ErrUnknownMode)
		rt.AssertExpectations(t)
	})

	t.Run("reuse without volumes", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
		rt.On("ContainerMounts", ctx, mock.Anything).Return(nil, lifecycle.ErrNotFound)
		rt.On("ListVolumes", ctx, "helix_neo4j_").Return(nil, nil)
		_, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeDB, UseExisting: true})
		assert.ErrorIs(t, err, lifecycle.ErrNoVolume)
	})

	t.Run("container start failure", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("EnsureNetwork", ctx, mock.Anything).Return(nil)
		rt.On("ContainerMounts", ctx, mock.Anything).Return(nil, lifecycle.ErrNotFound)
		rt.On("EnsureImage", ctx, mock.Anything).Return(nil)
		rt.On("CreateAndStart", ctx, specNamed("helix_dev_neo4j")).Return(errors.New("port in use"))
		vols := lifecycle.Volumes{Neo4j: "a", Mongo: "b"}
		_, err := newInstance(t, "dev", rt, zap.NewNop()).SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeDB, Volumes: &vols})
		assert.ErrorContains(t, err, "port in use")
	})
}

func TestLatestVolumes(t *testing.T) {
	ctx := context.Background()
	rt := mocks.NewMockRuntime()
	rt.On("ListVolumes", ctx, "helix_neo4j_").Return([]string{"helix_neo4j_100", "helix_neo4j_300", "helix_neo4j_200"}, nil)
	rt.On("ListVolumes", ctx, "helix_mongo_300").Return(nil, nil)
	rt.On("ListVolumes", ctx, "helix_mongo_200").Return([]string{"helix_mongo_200"}, nil)

	v, err := newInstance(t, "dev", rt, zap.NewNop()).LatestVolumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Volumes{Neo4j: "helix_neo4j_200", Mongo: "helix_mongo_200"}, v,
		"the newest graph volume without its document volume is skipped")
}

func TestCurrentVolumes(t *testing.T) {
	ctx := context.Background()

	t.Run("running", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("ContainerMounts", ctx, "helix_live_neo4j").Return([]lifecycle.Mount{
			{Volume: "helix_neo4j_5", Target: "/data"}, {Volume: "helix_live_neo4j_logs", Target: "/logs"},
		}, nil)
		rt.On("ContainerMounts", ctx, "helix_live").Return([]lifecycle.Mount{{Volume: "helix_mongo_5", Target: "/data/db"}}, nil)
		v, ok, err := newInstance(t, "live", rt, zap.NewNop()).CurrentVolumes(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, lifecycle.Volumes{Neo4j: "helix_neo4j_5", Mongo: "helix_mongo_5"}, v)
	})

	t.Run("graph only", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("ContainerMounts", ctx, "helix_dev_neo4j").Return([]lifecycle.Mount{{Volume: "helix_neo4j_7", Target: "/data"}}, nil)
		rt.On("ContainerMounts", ctx, "helix_dev").Return(nil, lifecycle.ErrNotFound)
		v, ok, err := newInstance(t, "dev", rt, zap.NewNop()).CurrentVolumes(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "helix_mongo_7", v.Mongo)
	})

	t.Run("not running", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("ContainerMounts", ctx, "helix_dev_neo4j").Return(nil, lifecycle.ErrNotFound)
		_, ok, err := newInstance(t, "dev", rt, zap.NewNop()).CurrentVolumes(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("import mode force removes", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("RemoveContainer", ctx, mock.Anything).Return(nil)
		rt.On("RemoveVolume", ctx, mock.Anything).Return(nil)

		require.NoError(t, newInstance(t, "dev", rt, zap.NewNop()).Remove(ctx, lifecycle.RemoveOptions{Mode: lifecycle.ModeImport}))
		rt.AssertNotCalled(t, "DisableRestart", mock.Anything, mock.Anything)
		rt.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		rt.AssertCalled(t, "RemoveVolume", ctx, "helix_dev_neo4j_logs")
		rt.AssertCalled(t, "RemoveVolume", ctx, "helix_dev_configdb")
		rt.AssertNumberOfCalls(t, "RemoveVolume", 2)
		rt.AssertNumberOfCalls(t, "RemoveContainer", 3)
	})

	t.Run("serving mode stops gracefully and removes data", func(t *testing.T) {
		rt := mocks.NewMockRuntime()
		rt.On("ContainerMounts", ctx, "helix_live_neo4j").Return([]lifecycle.Mount{{Volume: "helix_neo4j_9", Target: "/data"}}, nil)
		rt.On("ContainerMounts", ctx, "helix_live").Return([]lifecycle.Mount{{Volume: "helix_mongo_9", Target: "/data/db"}}, nil)
		rt.On("DisableRestart", ctx, "helix_live_neo4j").Return(nil)
		rt.On("Exec", mock.Anything, "helix_live_neo4j", "", []string{"neo4j", "stop"}).Return(lifecycle.ExecResult{}, nil)
		rt.On("RemoveContainer", ctx, mock.Anything).Return(nil)
		rt.On("RemoveVolume", ctx, mock.Anything).Return(nil)

		require.NoError(t, newInstance(t, "live", rt, zap.NewNop()).Remove(ctx, lifecycle.RemoveOptions{Mode: lifecycle.ModeDB, RemoveData: true}))
		rt.AssertCalled(t, "RemoveVolume", ctx, "helix_neo4j_9")
		rt.AssertCalled(t, "RemoveVolume", ctx, "helix_mongo_9")
		rt.AssertNumberOfCalls(t, "RemoveVolume", 4)
	})

	t.Run("failures are logged not returned", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		rt := mocks.NewMockRuntime()
		rt.On("DisableRestart", ctx, mock.Anything).Return(nil)
		rt.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(lifecycle.ExecResult{ExitCode: 1, Output: "boom"}, nil)
		rt.On("RemoveContainer", ctx, "helix_live_neo4j").Return(errors.New("daemon busy"))
		rt.On("RemoveContainer", ctx, mock.Anything).Return(lifecycle.ErrNotFound)
		rt.On("RemoveVolume", ctx, mock.Anything).Return(errors.New("volume in use"))

		err := newInstance(t, "live", rt, zap.New(core)).Remove(ctx, lifecycle.RemoveOptions{Mode: lifecycle.ModeDB})
		require.NoError(t, err)
		assert.Equal(t, 1, logs.FilterMessage("Graceful stop exited non-zero").Len())
		assert.Equal(t, 1, logs.FilterMessage("Could not remove container").Len(), "missing containers are not a failure")
		assert.Equal(t, 2, logs.FilterMessage("Could not remove volume").Len())
	})

	t.Run("unknown mode", func(t *testing.T) {
		err := newInstance(t, "dev", mocks.NewMockRuntime(), zap.NewNop()).Remove(ctx, lifecycle.RemoveOptions{Mode: "x"})
		assert.ErrorIs(t, err, lifecycle.ErrUnknownMode)
	})
}

// fakeRuntime keeps just enough state to follow a promotion end to end.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string][]lifecycle.Mount
	volumes    map[string]bool
	failStart  string
	// stuck names a container RemoveContainer refuses to remove.
	stuck string
	// mountAs swaps a requested volume for another when a container starts.
	mountAs map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string][]lifecycle.Mount{}, volumes: map[string]bool{}}
}

func (f *fakeRuntime) EnsureNetwork(context.Context, string) error { return nil }
func (f *fakeRuntime) EnsureImage(context.Context, string) error   { return nil }
func (f *fakeRuntime) DisableRestart(ctx context.Context, name string) error {
	if _, err := f.ContainerMounts(ctx, name); err != nil {
		return err
	}
	return nil
}

func (f *fakeRuntime) ContainerMounts(_ context.Context, name string) ([]lifecycle.Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.containers[name]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	return m, nil
}

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec lifecycle.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range spec.Mounts {
		if m.Volume == f.failStart {
			return errors.New("volume is corrupt")
		}
	}
	mounts := slices.Clone(spec.Mounts)
	for i, m := range mounts {
		if to, ok := f.mountAs[m.Volume]; ok {
			mounts[i].Volume = to
		}
	}
	f.containers[spec.Name] = mounts
	return nil
}

func (f *fakeRuntime) Exec(context.Context, string, string, []string) (lifecycle.ExecResult, error) {
	return lifecycle.ExecResult{}, nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return lifecycle.ErrNotFound
	}
	if name == f.stuck {
		return errors.New("container is paused")
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) CreateVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *fakeRuntime) ListVolumes(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for v := range f.volumes {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeRuntime) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.volumes[name] {
		return lifecycle.ErrNotFound
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeRuntime) liveVolume() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.containers["helix_live_neo4j"] {
		if m.Target == "/data" {
			return m.Volume
		}
	}
	return ""
}

func startLive(t *testing.T, rt *fakeRuntime, live *lifecycle.Instance) lifecycle.Volumes {
	t.Helper()
	old := lifecycle.Volumes{Neo4j: "helix_neo4j_1", Mongo: "helix_mongo_1"}
	rt.volumes[old.Neo4j], rt.volumes[old.Mongo] = true, true
	_, err := live.SetUp(context.Background(), lifecycle.SetUpOptions{Mode: lifecycle.ModeDB, Volumes: &old})
	require.NoError(t, err)
	return old
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	dev := lifecycle.Volumes{Neo4j: "helix_neo4j_2", Mongo: "helix_mongo_2"}
	healthy := func(context.Context, string) error { return nil }

	t.Run("success removes previous volumes", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		startLive(t, rt, live)
		rt.volumes[dev.Neo4j], rt.volumes[dev.Mongo] = true, true

		var probed string
		health := func(_ context.Context, uri string) error { probed = uri; return nil }
		require.NoError(t, lifecycle.NewPromoter(live, health, testConfig().Promotion, zap.NewNop()).Promote(ctx, dev))

		assert.Equal(t, "bolt://localhost:7687", probed)
		assert.Equal(t, dev.Neo4j, rt.liveVolume())
		assert.False(t, rt.volumes["helix_neo4j_1"])
		assert.False(t, rt.volumes["helix_mongo_1"])
		assert.True(t, rt.volumes[dev.Neo4j])
	})

	t.Run("keep previous live", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		startLive(t, rt, live)
		cfg := testConfig().Promotion
		cfg.KeepPreviousLive = true
		require.NoError(t, lifecycle.NewPromoter(live, healthy, cfg, zap.NewNop()).Promote(ctx, dev))
		assert.True(t, rt.volumes["helix_neo4j_1"])
	})

	t.Run("no previous live", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		require.NoError(t, lifecycle.NewPromoter(live, healthy, testConfig().Promotion, zap.NewNop()).Promote(ctx, dev))
		assert.Equal(t, dev.Neo4j, rt.liveVolume())
	})

	t.Run("unhealthy build rolls back", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		old := startLive(t, rt, live)
		unhealthy := func(context.Context, string) error { return errors.New("connection refused") }

		err := lifecycle.NewPromoter(live, unhealthy, testConfig().Promotion, zap.NewNop()).Promote(ctx, dev)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, old.Neo4j, rt.liveVolume())
		assert.True(t, rt.volumes[old.Neo4j])
	})

	t.Run("start failure rolls back", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		old := startLive(t, rt, live)
		rt.failStart = dev.Neo4j

		err := lifecycle.NewPromoter(live, healthy, testConfig().Promotion, zap.NewNop()).Promote(ctx, dev)
		require.ErrorContains(t, err, "volume is corrupt")
		assert.Equal(t, old.Neo4j, rt.liveVolume())
	})

	t.Run("live that survives removal is not replaced", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		old := startLive(t, rt, live)
		rt.volumes[dev.Neo4j], rt.volumes[dev.Mongo] = true, true
		rt.stuck = "helix_live_neo4j"

		err := lifecycle.NewPromoter(live, healthy, testConfig().Promotion, zap.NewNop()).Promote(ctx, dev)
		require.ErrorIs(t, err, lifecycle.ErrVolumeMismatch)
		assert.Equal(t, old.Neo4j, rt.liveVolume())
		assert.True(t, rt.volumes[old.Neo4j], "previous volumes are kept")
		assert.True(t, rt.volumes[dev.Neo4j])
	})

	t.Run("live on other volumes rolls back", func(t *testing.T) {
		rt := newFakeRuntime()
		live := newInstance(t, "live", rt, zap.NewNop())
		old := startLive(t, rt, live)
		rt.mountAs = map[string]string{dev.Neo4j: "helix_neo4j_9"}

		err := lifecycle.NewPromoter(live, healthy, testConfig().Promotion, zap.NewNop()).Promote(ctx, dev)
		require.ErrorIs(t, err, lifecycle.ErrVolumeMismatch)
		assert.Equal(t, old.Neo4j, rt.liveVolume())
		assert.True(t, rt.volumes[old.Neo4j], "previous volumes are kept")
	})
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	live := newInstance(t, "live", rt, zap.NewNop())

	t.Run("not running uses the latest volumes", func(t *testing.T) {
		for _, v := range []string{"helix_neo4j_1", "helix_mongo_1", "helix_neo4j_3", "helix_mongo_3"} {
			rt.volumes[v] = true
		}
		v, err := live.Restart(ctx, lifecycle.ModeDB)
		require.NoError(t, err)
		assert.Equal(t, "helix_neo4j_3", v.Neo4j)
	})

	t.Run("running keeps its volumes", func(t *testing.T) {
		rt.volumes["helix_neo4j_4"], rt.volumes["helix_mongo_4"] = true, true
		v, err := live.Restart(ctx, lifecycle.ModeDB)
		require.NoError(t, err)
		assert.Equal(t, "helix_neo4j_3", v.Neo4j)
		assert.True(t, rt.volumes["helix_neo4j_3"], "restart keeps data")
	})
}
