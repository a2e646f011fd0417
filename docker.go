package patroni

import (
	"context"
	"fmt"
	"log"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const dockerStopTimeout = 30

// DockerRunner supervises a PostgreSQL server running inside a container.
// The data directory is bind-mounted so bootstrap and reinitialize operate
// on the same files as the local runner.
type DockerRunner struct {
	client        *client.Client
	image         string
	containerName string
	network       string
	dataDir       string
	ctx           context.Context
}

// NewDockerRunner creates a runner bound to the configured container.
func NewDockerRunner(config *DockerConfig, dataDir string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	name := config.ContainerName
	if name == "" {
		name = "patroni-postgres"
	}
	return &DockerRunner{
		client:        cli,
		image:         config.Image,
		containerName: name,
		network:       config.Network,
		dataDir:       dataDir,
		ctx:           context.Background(),
	}, nil
}

// Start creates the container if needed and starts it.
func (r *DockerRunner) Start(ctx context.Context) error {
	id, err := r.ensureContainer(ctx)
	if err != nil {
		return err
	}
	if err := r.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", r.containerName, err)
	}
	log.Printf("Started container %s", r.containerName)
	return nil
}

// Stop stops the container. Fast mode uses a short grace period.
func (r *DockerRunner) Stop(ctx context.Context, fast bool) error {
	timeout := dockerStopTimeout
	if fast {
		timeout = 5
	}
	err := r.client.ContainerStop(ctx, r.containerName, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", r.containerName, err)
	}
	return nil
}

// Restart restarts the container in place.
func (r *DockerRunner) Restart(ctx context.Context) error {
	timeout := dockerStopTimeout
	err := r.client.ContainerRestart(ctx, r.containerName, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("failed to restart container %s: %w", r.containerName, err)
	}
	return nil
}

// IsRunning reports whether the container exists and is running.
func (r *DockerRunner) IsRunning() bool {
	containerJSON, err := r.client.ContainerInspect(r.ctx, r.containerName)
	if err != nil {
		return false
	}
	return containerJSON.State != nil && containerJSON.State.Running
}

// ensureContainer returns the container id, creating it when missing.
func (r *DockerRunner) ensureContainer(ctx context.Context) (string, error) {
	containerJSON, err := r.client.ContainerInspect(ctx, r.containerName)
	if err == nil {
		return containerJSON.ID, nil
	}

	config := &container.Config{
		Image: r.image,
		Labels: map[string]string{
			"patroni.member": r.containerName,
		},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Binds:         []string{r.dataDir + ":/var/lib/postgresql/data"},
		NetworkMode:   container.NetworkMode("host"),
	}
	var networkingConfig *network.NetworkingConfig
	if r.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.network)
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				r.network: {},
			},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, networkingConfig, nil, r.containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", r.containerName, err)
	}
	log.Printf("Created container %s from image %s", r.containerName, r.image)
	return resp.ID, nil
}
