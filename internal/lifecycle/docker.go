package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// Docker is the Runtime backed by the Docker Engine API.
type Docker struct {
	cli *client.Client
	log *zap.Logger
}

// NewDocker connects to the engine configured in the environment (DOCKER_HOST etc.).
func NewDocker(logger *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, log: logger.Named("docker")}, nil
}

// Close releases the client's connections.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func notFound(err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	d.log.Info("Created network", zap.String("network", name))
	return nil
}

func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	d.log.Info("Pulling image", zap.String("image", ref))
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) ContainerMounts(ctx context.Context, name string) ([]Mount, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, notFound(err)
	}
	out := make([]Mount, 0, len(info.Mounts))
	for _, m := range info.Mounts {
		mt := Mount{Target: m.Destination, ReadOnly: !m.RW}
		if m.Type == mount.TypeVolume {
			mt.Volume = m.Name
		} else {
			mt.HostPath = m.Source
		}
		out = append(out, mt)
	}
	return out, nil
}

func (d *Docker) CreateAndStart(ctx context.Context, spec ContainerSpec) error {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return fmt.Errorf("invalid port %d: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: spec.BindAddress, HostPort: strconv.Itoa(hostPort)}}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		dm := mount.Mount{Type: mount.TypeVolume, Source: m.Volume, Target: m.Target, ReadOnly: m.ReadOnly}
		if m.HostPath != "" {
			dm.Type = mount.TypeBind
			dm.Source = m.HostPath
		}
		mounts = append(mounts, dm)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Entrypoint:   spec.Entrypoint,
		Cmd:          spec.Cmd,
		ExposedPorts: exposed,
		Tty:          spec.Tty,
		OpenStdin:    spec.Tty,
		Labels:       spec.Labels,
	}
	host := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        mounts,
		NetworkMode:   container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}}}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		d.log.Warn("Container create warning", zap.String("container", spec.Name), zap.String("warning", w))
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	d.log.Info("Started container", zap.String("container", spec.Name), zap.String("image", spec.Image))
	return nil
}

func (d *Docker) DisableRestart(ctx context.Context, name string) error {
	_, err := d.cli.ContainerUpdate(ctx, name, container.UpdateConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	})
	return notFound(err)
}

func (d *Docker) Exec(ctx context.Context, name, user string, cmd []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		User:         user,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, notFound(err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach to exec in %s: %w", name, err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return ExecResult{Output: out.String()}, fmt.Errorf("failed to read exec output from %s: %w", name, err)
	}
	info, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{Output: out.String()}, fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}
	d.log.Debug("Exec finished",
		zap.String("container", name),
		zap.String("cmd", strings.Join(cmd, " ")),
		zap.Int("exit_code", info.ExitCode))
	return ExecResult{ExitCode: info.ExitCode, Output: out.String()}, nil
}

func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	return notFound(d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}))
}

func (d *Docker) CreateVolume(ctx context.Context, name string) error {
	if _, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

func (d *Docker) ListVolumes(ctx context.Context, prefix string) ([]string, error) {
	resp, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: filters.NewArgs(filters.Arg("name", prefix))})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	var out []string
	for _, v := range resp.Volumes {
		// The engine's name filter is a substring match.
		if strings.HasPrefix(v.Name, prefix) {
			out = append(out, v.Name)
		}
	}
	return out, nil
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	return notFound(d.cli.VolumeRemove(ctx, name, true))
}
