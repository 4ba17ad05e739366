package driver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const localNameLimit = 63

// localEntry is one cached container-backed endpoint.
type localEntry struct {
	endpoint    Endpoint
	containerID string
}

// LocalDriver runs one Docker container per session with a workspace
// directory bind-mounted into it (spec §4.2, shape 2). Grounded on the
// same docker/docker client usage as a one-shot command sandbox, but a
// container here is long-lived for the life of the session rather than
// removed after a single command.
type LocalDriver struct {
	cli           *client.Client
	httpClient    *http.Client
	image         string
	containerPort string // e.g. "8080/tcp"
	workspaceRoot string
	memoryMB      int64
	workerEnv     map[string]string

	mu    sync.Mutex
	cache map[string]localEntry
}

// LocalConfig configures a LocalDriver.
type LocalConfig struct {
	Image         string
	ContainerPort string
	WorkspaceRoot string
	MemoryMB      int64

	// WorkerEnv is propagated verbatim into every container's environment
	// (spec §6.6 worker env propagation): model credentials and identifiers
	// the worker's agent runtime needs.
	WorkerEnv map[string]string
}

// NewLocalDriver connects to the local Docker daemon using the ambient
// environment (DOCKER_HOST etc.), matching the teacher's sandbox client
// construction.
func NewLocalDriver(cfg LocalConfig) (*LocalDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "agentplane/worker:latest"
	}
	if cfg.ContainerPort == "" {
		cfg.ContainerPort = "8080/tcp"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	return &LocalDriver{
		cli:           cli,
		httpClient:    &http.Client{},
		image:         cfg.Image,
		containerPort: cfg.ContainerPort,
		workspaceRoot: cfg.WorkspaceRoot,
		memoryMB:      cfg.MemoryMB * 1024 * 1024,
		workerEnv:     cfg.WorkerEnv,
		cache:         make(map[string]localEntry),
	}, nil
}

func (d *LocalDriver) Acquire(ctx context.Context, sessionID string) (Endpoint, error) {
	name := sanitizeName("apw", sessionID, localNameLimit)

	d.mu.Lock()
	if entry, ok := d.cache[sessionID]; ok {
		d.mu.Unlock()
		if Health(ctx, d.httpClient, entry.endpoint) {
			return entry.endpoint, nil
		}
		// Fall through to reconcile: the container may have died.
		d.mu.Lock()
		delete(d.cache, sessionID)
	}
	d.mu.Unlock()

	existing, err := d.findContainer(ctx, name)
	if err != nil {
		return Endpoint{}, err
	}

	var containerID string
	if existing != "" {
		if err := d.cli.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
			return Endpoint{}, fmt.Errorf("start existing container: %w", err)
		}
		containerID = existing
	} else {
		containerID, err = d.createContainer(ctx, name, sessionID)
		if err != nil {
			return Endpoint{}, err
		}
	}

	ep, err := d.inspectEndpoint(ctx, containerID)
	if err != nil {
		return Endpoint{}, err
	}

	if err := waitForReady(ctx, d.httpClient, ep); err != nil {
		return Endpoint{}, err
	}

	d.mu.Lock()
	d.cache[sessionID] = localEntry{endpoint: ep, containerID: containerID}
	d.mu.Unlock()

	return ep, nil
}

func (d *LocalDriver) findContainer(ctx context.Context, name string) (string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].ID, nil
}

func (d *LocalDriver) createContainer(ctx context.Context, name, sessionID string) (string, error) {
	port, err := nat.NewPort("tcp", strings.TrimSuffix(d.containerPort, "/tcp"))
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Env:   d.containerEnv(sessionID),
		ExposedPorts: nat.PortSet{
			port: struct{}{},
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		Binds: []string{fmt.Sprintf("%s:/workspace", d.workspacePath(sessionID))},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// containerEnv builds the container's environment: the session id plus
// every propagated worker credential/setting.
func (d *LocalDriver) containerEnv(sessionID string) []string {
	env := make([]string, 0, len(d.workerEnv)+1)
	env = append(env, "AGENTPLANE_SESSION_ID="+sessionID)
	for k, v := range d.workerEnv {
		env = append(env, k+"="+v)
	}
	return env
}

func (d *LocalDriver) workspacePath(sessionID string) string {
	return strings.TrimRight(d.workspaceRoot, "/") + "/" + sanitizeName("ws", sessionID, localNameLimit)
}

func (d *LocalDriver) inspectEndpoint(ctx context.Context, containerID string) (Endpoint, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Endpoint{}, fmt.Errorf("inspect container: %w", err)
	}
	port, err := nat.NewPort("tcp", strings.TrimSuffix(d.containerPort, "/tcp"))
	if err != nil {
		return Endpoint{}, err
	}
	bindings, ok := info.NetworkSettings.Ports[port]
	if !ok || len(bindings) == 0 {
		return Endpoint{}, fmt.Errorf("container %s has no binding for %s", containerID, d.containerPort)
	}
	url := fmt.Sprintf("http://%s:%s", "127.0.0.1", bindings[0].HostPort)
	return Endpoint{URL: url, ContainerID: containerID}, nil
}

// Release stops and removes the session's container, matching the
// AutoRemove-on-stop convention used by the teacher's ephemeral sandbox.
func (d *LocalDriver) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	entry, ok := d.cache[sessionID]
	delete(d.cache, sessionID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := 5
	if err := d.cli.ContainerStop(ctx, entry.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	if err := d.cli.ContainerRemove(ctx, entry.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (d *LocalDriver) Close() error {
	return d.cli.Close()
}
