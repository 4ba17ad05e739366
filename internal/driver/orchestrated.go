package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
)

const (
	orchestratedNameLimit = 63
	reapInterval          = 5 * time.Minute
	orchestratedLabel     = "agentplane.session-id"
)

// cachedEndpoint is the orchestrated driver's view of a live worker,
// including the last_used_at bookkeeping the idle reaper acts on.
type cachedEndpoint struct {
	Endpoint   Endpoint `json:"endpoint"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// OrchestratedConfig configures an OrchestratedDriver.
type OrchestratedConfig struct {
	Image           string
	ContainerPort   string
	NetworkName     string // the "cluster-local service" substitute: a shared docker network
	WorkspaceRoot   string
	PersistentMode  bool // if true, workspace directories survive Release; otherwise scratch
	MemoryMB        int64
	IdleTTL         time.Duration // 0 disables the reaper
	RedisClient     *redis.Client // optional distributed endpoint cache; nil uses in-memory only
	RedisKeyPrefix  string

	// WorkerEnv is propagated verbatim into every pod's environment (spec
	// §6.6 worker env propagation): model credentials and identifiers the
	// worker's agent runtime needs.
	WorkerEnv map[string]string
}

// OrchestratedDriver stands in for a cluster orchestrator's pod+service
// abstraction using the only container-orchestration-adjacent client
// present anywhere in the corpus: the Docker SDK. A "pod" is a container
// labeled with its owning session id; a "service" is the container's
// attachment to a shared user-defined bridge network under a deterministic
// alias, which is the closest Docker-native analogue to a cluster-local
// service name. Workspaces are either ephemeral scratch (default) or a
// named Docker volume keyed by session id when PersistentMode is set,
// standing in for a per-session PersistentVolumeClaim.
type OrchestratedDriver struct {
	cli        *client.Client
	httpClient *http.Client
	cfg        OrchestratedConfig

	mu    sync.Mutex
	cache map[string]cachedEndpoint

	stopReap chan struct{}
	reapDone chan struct{}
}

// NewOrchestratedDriver connects to the Docker daemon and starts the idle
// reaper goroutine if cfg.IdleTTL > 0.
func NewOrchestratedDriver(cfg OrchestratedConfig) (*OrchestratedDriver, error) {
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
	if cfg.NetworkName == "" {
		cfg.NetworkName = "agentplane-workers"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "agentplane:driver:endpoint:"
	}

	d := &OrchestratedDriver{
		cli:        cli,
		httpClient: &http.Client{},
		cfg:        cfg,
		cache:      make(map[string]cachedEndpoint),
	}

	if err := d.ensureNetwork(context.Background()); err != nil {
		_ = cli.Close()
		return nil, err
	}

	if cfg.IdleTTL > 0 {
		d.stopReap = make(chan struct{})
		d.reapDone = make(chan struct{})
		go d.reapLoop()
	}

	return d, nil
}

func (d *OrchestratedDriver) ensureNetwork(ctx context.Context) error {
	list, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.cfg.NetworkName)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range list {
		if n.Name == d.cfg.NetworkName {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, d.cfg.NetworkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network: %w", err)
	}
	return nil
}

// Acquire implements the reconciliation algorithm from spec §4.2: cache
// check, pod-state read, terminal-phase cleanup, PVC-or-scratch workspace,
// create, service, wait-for-ready, cache with last_used_at.
func (d *OrchestratedDriver) Acquire(ctx context.Context, sessionID string) (Endpoint, error) {
	name := sanitizeName("pod", sessionID, orchestratedNameLimit)

	if cached, ok := d.getCached(ctx, sessionID); ok {
		if Health(ctx, d.httpClient, cached.Endpoint) {
			d.touchCached(ctx, sessionID, cached)
			return cached.Endpoint, nil
		}
		d.dropCached(ctx, sessionID)
	}

	info, found, err := d.inspectPod(ctx, name)
	if err != nil {
		return Endpoint{}, err
	}

	if found && isTerminalPhase(info.State.Status) {
		if err := d.deletePodAndService(ctx, info.ID); err != nil {
			return Endpoint{}, err
		}
		found = false
	}

	if d.cfg.PersistentMode {
		if err := d.ensureVolume(ctx, sessionID); err != nil {
			return Endpoint{}, err
		}
	}

	var containerID string
	if found {
		if !info.State.Running {
			if err := d.cli.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
				return Endpoint{}, fmt.Errorf("start pod: %w", err)
			}
		}
		containerID = info.ID
	} else {
		containerID, err = d.createPod(ctx, name, sessionID)
		if err != nil {
			return Endpoint{}, err
		}
	}

	if err := d.ensureServiceAlias(ctx, containerID, name); err != nil {
		return Endpoint{}, err
	}

	ep, err := d.waitPodReady(ctx, containerID)
	if err != nil {
		return Endpoint{}, err
	}

	d.setCached(ctx, sessionID, cachedEndpoint{Endpoint: ep, LastUsedAt: time.Now().UTC()})
	return ep, nil
}

// podEnv builds a pod's environment: the session id plus every propagated
// worker credential/setting.
func (d *OrchestratedDriver) podEnv(sessionID string) []string {
	env := make([]string, 0, len(d.cfg.WorkerEnv)+1)
	env = append(env, "AGENTPLANE_SESSION_ID="+sessionID)
	for k, v := range d.cfg.WorkerEnv {
		env = append(env, k+"="+v)
	}
	return env
}

func (d *OrchestratedDriver) createPod(ctx context.Context, name, sessionID string) (string, error) {
	port, err := nat.NewPort("tcp", strings.TrimSuffix(d.cfg.ContainerPort, "/tcp"))
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}

	binds := []string{}
	if d.cfg.PersistentMode {
		binds = append(binds, fmt.Sprintf("%s:/workspace", volumeName(sessionID)))
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  d.cfg.Image,
		Env:    d.podEnv(sessionID),
		Labels: map[string]string{orchestratedLabel: sessionID},
		ExposedPorts: nat.PortSet{
			port: struct{}{},
		},
		Healthcheck: &container.HealthConfig{
			Test:     []string{"CMD", "wget", "-q", "-O", "-", "http://127.0.0.1:" + port.Port() + "/health"},
			Interval: 5 * time.Second,
			Timeout:  3 * time.Second,
			Retries:  3,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		Binds: binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create pod: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start pod: %w", err)
	}
	return resp.ID, nil
}

// ensureServiceAlias attaches the pod to the shared worker network under a
// deterministic alias, the closest Docker-native analogue to a cluster
// service pinned to a pod-name label selector.
func (d *OrchestratedDriver) ensureServiceAlias(ctx context.Context, containerID, name string) error {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("inspect pod: %w", err)
	}
	if _, alreadyAttached := info.NetworkSettings.Networks[d.cfg.NetworkName]; alreadyAttached {
		return nil
	}
	err = d.cli.NetworkConnect(ctx, d.cfg.NetworkName, containerID, &network.EndpointSettings{
		Aliases: []string{name},
	})
	if err != nil {
		return fmt.Errorf("attach service network: %w", err)
	}
	return nil
}

func (d *OrchestratedDriver) inspectPod(ctx context.Context, name string) (container.InspectResponse, bool, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return container.InspectResponse{}, false, fmt.Errorf("list pods: %w", err)
	}
	if len(list) == 0 {
		return container.InspectResponse{}, false, nil
	}
	info, err := d.cli.ContainerInspect(ctx, list[0].ID)
	if err != nil {
		return container.InspectResponse{}, false, fmt.Errorf("inspect pod: %w", err)
	}
	return info, true, nil
}

func isTerminalPhase(status string) bool {
	switch status {
	case "exited", "dead":
		return true
	default:
		return false
	}
}

func (d *OrchestratedDriver) deletePodAndService(ctx context.Context, containerID string) error {
	_ = d.cli.NetworkDisconnect(ctx, d.cfg.NetworkName, containerID, true)
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove terminal pod: %w", err)
	}
	return nil
}

func (d *OrchestratedDriver) ensureVolume(ctx context.Context, sessionID string) error {
	_, err := d.cli.VolumeInspect(ctx, volumeName(sessionID))
	if err == nil {
		return nil
	}
	_, err = d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: volumeName(sessionID)})
	if err != nil {
		return fmt.Errorf("ensure workspace volume: %w", err)
	}
	return nil
}

func (d *OrchestratedDriver) waitPodReady(ctx context.Context, containerID string) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	port, err := nat.NewPort("tcp", strings.TrimSuffix(d.cfg.ContainerPort, "/tcp"))
	if err != nil {
		return Endpoint{}, err
	}

	for {
		info, err := d.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return Endpoint{}, fmt.Errorf("inspect pod: %w", err)
		}
		if info.State.Running {
			bindings, ok := info.NetworkSettings.Ports[port]
			if ok && len(bindings) > 0 {
				ep := Endpoint{URL: fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort), ContainerID: containerID}
				if Health(ctx, d.httpClient, ep) {
					return ep, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return Endpoint{}, fmt.Errorf("%w: pod %s did not become ready within %s", ErrWorkerUnavailable, containerID, readinessTimeout)
		case <-time.After(healthPollDelay):
		}
	}
}

// Release deletes the pod and service for a session (spec §4.2). Scratch
// workspaces disappear with the container; persistent volumes are left in
// place for reuse on the next Acquire.
func (d *OrchestratedDriver) Release(ctx context.Context, sessionID string) error {
	cached, ok := d.getCached(ctx, sessionID)
	if !ok {
		return nil
	}
	d.dropCached(ctx, sessionID)
	return d.deletePodAndService(ctx, cached.Endpoint.ContainerID)
}

func (d *OrchestratedDriver) Close() error {
	if d.stopReap != nil {
		close(d.stopReap)
		<-d.reapDone
	}
	return d.cli.Close()
}

// reapLoop deletes cached endpoints idle longer than IdleTTL, matching the
// scheduler's own periodic-ticker idiom (spec §4.2 "An idle reaper runs
// periodically").
func (d *OrchestratedDriver) reapLoop() {
	defer close(d.reapDone)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopReap:
			return
		case <-ticker.C:
			d.reapOnce(context.Background())
		}
	}
}

func (d *OrchestratedDriver) reapOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, sessionID := range d.staleSessions(now) {
		if cached, ok := d.getCached(ctx, sessionID); ok {
			d.dropCached(ctx, sessionID)
			_ = d.deletePodAndService(ctx, cached.Endpoint.ContainerID)
		}
	}
}

func (d *OrchestratedDriver) staleSessions(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []string
	for sessionID, entry := range d.cache {
		if now.Sub(entry.LastUsedAt) > d.cfg.IdleTTL {
			stale = append(stale, sessionID)
		}
	}
	return stale
}

// getCached, setCached, touchCached and dropCached mutate the shared
// endpoint cache under a single mutex so Acquire, the reaper and Release
// never interleave (spec §5 "the endpoint cache ... must be mutually
// exclusive"). When cfg.RedisClient is set the cache is additionally
// mirrored to Redis so multiple control-plane replicas share reconciled
// endpoints instead of each reconciling their own.
func (d *OrchestratedDriver) getCached(ctx context.Context, sessionID string) (cachedEndpoint, bool) {
	d.mu.Lock()
	entry, ok := d.cache[sessionID]
	d.mu.Unlock()
	if ok {
		return entry, true
	}
	if d.cfg.RedisClient == nil {
		return cachedEndpoint{}, false
	}
	raw, err := d.cfg.RedisClient.Get(ctx, d.cfg.RedisKeyPrefix+sessionID).Result()
	if err != nil {
		return cachedEndpoint{}, false
	}
	var remote cachedEndpoint
	if err := json.Unmarshal([]byte(raw), &remote); err != nil {
		return cachedEndpoint{}, false
	}
	return remote, true
}

func (d *OrchestratedDriver) setCached(ctx context.Context, sessionID string, entry cachedEndpoint) {
	d.mu.Lock()
	d.cache[sessionID] = entry
	d.mu.Unlock()
	if d.cfg.RedisClient == nil {
		return
	}
	if raw, err := json.Marshal(entry); err == nil {
		d.cfg.RedisClient.Set(ctx, d.cfg.RedisKeyPrefix+sessionID, raw, 0)
	}
}

func (d *OrchestratedDriver) touchCached(ctx context.Context, sessionID string, entry cachedEndpoint) {
	entry.LastUsedAt = time.Now().UTC()
	d.setCached(ctx, sessionID, entry)
}

func (d *OrchestratedDriver) dropCached(ctx context.Context, sessionID string) {
	d.mu.Lock()
	delete(d.cache, sessionID)
	d.mu.Unlock()
	if d.cfg.RedisClient != nil {
		d.cfg.RedisClient.Del(ctx, d.cfg.RedisKeyPrefix+sessionID)
	}
}

func volumeName(sessionID string) string {
	return sanitizeName("apws", sessionID, orchestratedNameLimit)
}
