// Package dockerbackend implements the isolation backend on the Docker
// Engine API. The engine supplies the actual namespace and cgroup setup;
// this adapter only marshals lifecycle calls onto it.
package dockerbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	hakocontainer "github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation/fsutil"
)

const (
	labelManagedBy = "hakoniwa.managed-by"
	labelContainer = "hakoniwa.container"
	managedByValue = "hakoniwa"
)

// Adapter implements isolation.Backend using the Docker Engine API.
type Adapter struct {
	client *dockerclient.Client
}

// New creates a Docker backend. Uses the DOCKER_HOST env var or the default
// socket path.
func New() (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %v", hakoerr.ErrIsolation, err)
	}
	return &Adapter{client: cli}, nil
}

// containerNameFor returns the engine-side container name for a Hakoniwa
// container name.
func containerNameFor(name string) string {
	return "hakoniwa-" + name
}

// Spawn creates and starts an engine container from cfg.
func (a *Adapter) Spawn(ctx context.Context, cfg *config.Config) (hakocontainer.Handle, error) {
	if cfg.Image == "" {
		return hakocontainer.Handle{}, fmt.Errorf("%w: docker backend requires image", hakoerr.ErrIsolation)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image: cfg.Image,
		Cmd:   cfg.Command,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelContainer: cfg.Metadata.Name,
		},
	}

	var pidsLimit *int64
	if cfg.Resources.PidsLimit > 0 {
		v := cfg.Resources.PidsLimit
		pidsLimit = &v
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    cfg.Resources.MemoryBytes,
			CPUShares: cfg.Resources.CPUShares,
			PidsLimit: pidsLimit,
		},
	}
	if cfg.Network.Mode != "bridge" {
		hostCfg.NetworkMode = "none"
	}

	var networkCfg *network.NetworkingConfig
	if cfg.Network.Mode == "bridge" && cfg.Network.Bridge != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.Network.Bridge: {},
			},
		}
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil,
		containerNameFor(cfg.Metadata.Name))
	if err != nil {
		return hakocontainer.Handle{}, fmt.Errorf("%w: create container: %v", hakoerr.ErrIsolation, err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup so a failed start does not leave an engine
		// container squatting on the name.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return hakocontainer.Handle{}, fmt.Errorf("%w: start container: %v", hakoerr.ErrIsolation, err)
	}

	inspect, err := a.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return hakocontainer.Handle{ID: resp.ID}, nil
	}
	return hakocontainer.Handle{ID: resp.ID, Pid: inspect.State.Pid}, nil
}

// Signal delivers kind to the engine container.
func (a *Adapter) Signal(ctx context.Context, handle hakocontainer.Handle, kind isolation.SignalKind) error {
	var sig string
	switch kind {
	case isolation.SignalTerminate:
		sig = "SIGTERM"
	case isolation.SignalKill:
		sig = "SIGKILL"
	case isolation.SignalInterrupt:
		sig = "SIGINT"
	default:
		return fmt.Errorf("%w: unknown signal kind %v", hakoerr.ErrIsolation, kind)
	}
	if err := a.client.ContainerKill(ctx, handle.ID, sig); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: signal %s to %s: %v", hakoerr.ErrIsolation, sig, handle.ID, err)
	}
	return nil
}

// Wait blocks until the engine container stops running or timeout elapses.
func (a *Adapter) Wait(ctx context.Context, handle hakocontainer.Handle, timeout time.Duration) (isolation.WaitResult, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	statusCh, errCh := a.client.ContainerWait(waitCtx, handle.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return isolation.WaitResult{Exited: true, ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		if dockerclient.IsErrNotFound(err) {
			return isolation.WaitResult{Exited: true, ExitCode: -1}, nil
		}
		return isolation.WaitResult{}, fmt.Errorf("%w: wait for %s: %v", hakoerr.ErrIsolation, handle.ID, err)
	case <-time.After(timeout):
		return isolation.WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		return isolation.WaitResult{}, fmt.Errorf("%w: wait for %s: %v", hakoerr.ErrIsolation, handle.ID, ctx.Err())
	}
}

// Alive reports whether the engine container is currently running.
func (a *Adapter) Alive(ctx context.Context, handle hakocontainer.Handle) (bool, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: inspect %s: %v", hakoerr.ErrIsolation, handle.ID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Cleanup removes the engine container backing cfg, releasing its namespaces
// and cgroup entries. Absent containers are not an error.
func (a *Adapter) Cleanup(ctx context.Context, cfg *config.Config) error {
	name := containerNameFor(cfg.Metadata.Name)
	if err := a.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: remove container %s: %v", hakoerr.ErrIsolation, name, err)
	}
	return nil
}

// CloneFilesystem duplicates the host-side rootfs directory. Image layers
// belong to the engine; only the rootfs tree referenced by the config is
// copied.
func (a *Adapter) CloneFilesystem(ctx context.Context, sourcePath, destPath string) error {
	if err := fsutil.CopyTree(ctx, sourcePath, destPath); err != nil {
		return fmt.Errorf("%w: clone %q to %q: %v", hakoerr.ErrIsolation, sourcePath, destPath, err)
	}
	return nil
}
