// Package lifecycle manages the dev and live environments: the containers that
// serve each one, the volumes holding their data and the promotion of a fresh
// dev build to live.
package lifecycle

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Runtime when the named object does not exist.
var ErrNotFound = errors.New("not found")

// Mount attaches a named volume or a host directory to a container.
type Mount struct {
	// Volume is a named volume; HostPath a bind mount. Exactly one is set.
	Volume   string
	HostPath string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything needed to create and start one container.
type ContainerSpec struct {
	Name       string
	Image      string
	Env        []string
	Entrypoint []string
	Cmd        []string
	// Ports maps container ports to host ports.
	Ports map[int]int
	// BindAddress is the host interface published ports listen on.
	BindAddress string
	Mounts      []Mount
	Network     string
	Tty         bool
	// RestartPolicy is a Docker restart policy name; empty means "no".
	RestartPolicy string
	Labels        map[string]string
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Runtime is the container engine the environments run on.
type Runtime interface {
	EnsureNetwork(ctx context.Context, name string) error
	EnsureImage(ctx context.Context, ref string) error
	// ContainerMounts returns the mounts of a container, or ErrNotFound.
	ContainerMounts(ctx context.Context, name string) ([]Mount, error)
	CreateAndStart(ctx context.Context, spec ContainerSpec) error
	DisableRestart(ctx context.Context, name string) error
	Exec(ctx context.Context, container, user string, cmd []string) (ExecResult, error)
	// RemoveContainer force-removes a container, or returns ErrNotFound.
	RemoveContainer(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string) error
	// ListVolumes returns the names of volumes starting with prefix.
	ListVolumes(ctx context.Context, prefix string) ([]string, error)
	RemoveVolume(ctx context.Context, name string) error
}
