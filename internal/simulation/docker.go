package simulation

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/sphinx-labs/deployer/internal/logger"
)

type (
	DockerClient struct {
		cli    *client.Client
		logger *slog.Logger
	}

	ContainerOptions struct {
		Name  string
		Image string
		Cmd   []string
		// Ports maps container ports ("8545/tcp") to host ports.
		Ports map[string]string
	}
)

// NewDockerClient creates a Docker client from the environment.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerClient{cli: cli, logger: logger.Named("docker")}, nil
}

func (c *DockerClient) Close() error {
	return c.cli.Close()
}

// ImageExists checks if a Docker image exists locally.
func (c *DockerClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, imageName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureImage pulls imageName unless it is already present.
func (c *DockerClient) EnsureImage(ctx context.Context, imageName string) error {
	exists, err := c.ImageExists(ctx, imageName)
	if err != nil {
		return fmt.Errorf("failed to inspect image: %w", err)
	}
	if exists {
		return nil
	}

	c.logger.With("image", imageName).Info("pulling docker image")
	resp, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer resp.Close()

	scanner := bufio.NewScanner(resp)
	for scanner.Scan() {
		c.logger.Debug(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading pull output: %w", err)
	}

	return nil
}

// StartContainer creates and starts a detached container and returns its id.
func (c *DockerClient) StartContainer(ctx context.Context, opts ContainerOptions) (string, error) {
	config, hostConfig, err := containerSpec(opts)
	if err != nil {
		return "", err
	}

	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	c.logger.With("container_id", resp.ID, "image", opts.Image).Debug("container started")
	return resp.ID, nil
}

// Logs returns the combined stdout and stderr of a container.
func (c *DockerClient) Logs(ctx context.Context, containerID string) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdout.String() + stderr.String(), nil
}

// RemoveContainer force-removes a container.
func (c *DockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func containerSpec(opts ContainerOptions) (*container.Config, *container.HostConfig, error) {
	config := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		ExposedPorts: nat.PortSet{},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{},
	}

	for containerPort, hostPort := range opts.Ports {
		port, err := nat.NewPort(nat.SplitProtoPort(containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		config.ExposedPorts[port] = struct{}{}
		hostConfig.PortBindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}}
	}

	return config, hostConfig, nil
}
