// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
)

// -- Container Runtime Mock --

// MockRuntime mocks the lifecycle.Runtime interface.
type MockRuntime struct {
	mock.Mock
}

var _ lifecycle.Runtime = (*MockRuntime)(nil)

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{}
}

func (m *MockRuntime) EnsureNetwork(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockRuntime) EnsureImage(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockRuntime) ContainerMounts(ctx context.Context, name string) ([]lifecycle.Mount, error) {
	args := m.Called(ctx, name)
	var mounts []lifecycle.Mount
	if v := args.Get(0); v != nil {
		mounts = v.([]lifecycle.Mount)
	}
	return mounts, args.Error(1)
}

func (m *MockRuntime) CreateAndStart(ctx context.Context, spec lifecycle.ContainerSpec) error {
	args := m.Called(ctx, spec)
	return args.Error(0)
}

func (m *MockRuntime) DisableRestart(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockRuntime) Exec(ctx context.Context, container, user string, cmd []string) (lifecycle.ExecResult, error) {
	args := m.Called(ctx, container, user, cmd)
	return args.Get(0).(lifecycle.ExecResult), args.Error(1)
}

func (m *MockRuntime) RemoveContainer(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockRuntime) CreateVolume(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockRuntime) ListVolumes(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	var names []string
	if v := args.Get(0); v != nil {
		names = v.([]string)
	}
	return names, args.Error(1)
}

func (m *MockRuntime) RemoveVolume(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}
