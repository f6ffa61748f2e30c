// Package containerrt wraps the Docker Engine API for the task-worker's
// container pipeline: the DNS cache sidecar, scraper, per-file uploaders
// and log uploader. Everything above this thin wrapper — labeling,
// resource accounting, stuck detection — is built on top of the plain
// create/start/inspect/wait call sequence this package exposes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package containerrt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/golang/glog"
)

// LabelZimfarm marks every container this core starts, so an external
// janitor (or Janitor below) can find them by a single label query
// regardless of which pipeline stage created them.
const LabelZimfarm = "zimfarm"

// RuntimeAPI is the surface Runtime exposes to its callers (the
// orchestrator, the upload manager, StuckDetector, Janitor, and the
// worker's ResourceAdvertiser). Consumers depend on this interface
// rather than *Runtime directly so tests can substitute a fake
// container backend instead of dialing a real docker daemon.
type RuntimeAPI interface {
	Start(ctx context.Context, name string, spec RunSpec) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (State, error)
	Wait(ctx context.Context, id string) (int, error)
	TailLogs(ctx context.Context, id string, lines, maxBytes int) (stdout, stderr string, err error)
	SumLabeled(ctx context.Context, labelCPU, labelMemory, labelDisk string) (Stats, error)
	ActiveZimfarmIDs(ctx context.Context) (map[string]string, error)
}

var _ RuntimeAPI = (*Runtime)(nil)

// RunSpec describes a container this package is asked to start. It
// covers the union of what the DNS cache, scraper and uploader stages
// need; callers leave unused fields zero.
type RunSpec struct {
	Image     string
	Cmd       []string
	Env       []string
	Labels    map[string]string
	Mounts    []Mount
	CPUShares int64  // cpu * 1024
	Memory    int64  // bytes, resources.memory
	ShmSize   int64  // bytes, clamped shm
	CapAdd    []string
	Network   string // bridge network name; empty uses the daemon default
}

// Mount is a host-path -> container-path bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Runtime is a thin facade over the Docker Engine API client used to
// start, stop, and inspect the DNS cache, scraper, and uploader
// containers.
type Runtime struct {
	cli *client.Client
}

func New(dockerHost string) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("containerrt: dial docker: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Start creates and starts a container from spec, returning its id.
func (r *Runtime) Start(ctx context.Context, name string, spec RunSpec) (string, error) {
	mounts := make([]types.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, types.Mount{
			Type:     types.MountTypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelZimfarm] = "true"

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:           mounts,
		CPUShares:        spec.CPUShares,
		Memory:           spec.Memory,
		MemorySwappiness: int64Ptr(0),
		ShmSize:          spec.ShmSize,
		CapAdd:           spec.CapAdd,
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("containerrt: create %s: %w", name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("containerrt: start %s: %w", name, err)
	}
	return created.ID, nil
}

// Stop stops a container, waiting up to timeout before SIGKILL.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// Remove deletes a stopped container.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}

// State is the subset of container state the orchestrator polls.
type State struct {
	Running  bool
	ExitCode int
	IPv4     string
}

// Inspect fetches a container's running state and bridge-network IP.
func (r *Runtime) Inspect(ctx context.Context, id string) (State, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("containerrt: inspect %s: %w", id, err)
	}
	st := State{}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		for _, net := range info.NetworkSettings.Networks {
			if net.IPAddress != "" {
				st.IPv4 = net.IPAddress
				break
			}
		}
	}
	return st, nil
}

// Wait blocks until the container exits and returns its exit code.
func (r *Runtime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("containerrt: wait %s: %w", id, err)
	case st := <-statusCh:
		return int(st.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TailLogs returns the last n lines of stdout and stderr, each capped at
// maxBytes.
func (r *Runtime) TailLogs(ctx context.Context, id string, lines int, maxBytes int) (stdout, stderr string, err error) {
	stdout, err = r.tail(ctx, id, lines, maxBytes, true, false)
	if err != nil {
		return "", "", err
	}
	stderr, err = r.tail(ctx, id, lines, maxBytes, false, true)
	if err != nil {
		return "", "", err
	}
	return stdout, stderr, nil
}

func (r *Runtime) tail(ctx context.Context, id string, lines, maxBytes int, stdout, stderr bool) (string, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: stdout,
		ShowStderr: stderr,
		Tail:       fmt.Sprintf("%d", lines),
	})
	if err != nil {
		return "", fmt.Errorf("containerrt: logs %s: %w", id, err)
	}
	defer rc.Close()
	return tailBytes(rc, maxBytes), nil
}

// tailBytes reads all of r and returns at most the last maxBytes of it,
// implementing MAX_LOG_SIZE. maxBytes<=0 means unlimited.
func tailBytes(r io.Reader, maxBytes int) string {
	b, _ := io.ReadAll(r)
	s := string(b)
	if maxBytes > 0 && len(s) > maxBytes {
		s = s[len(s)-maxBytes:]
	}
	return s
}

// LastLines reads a plain log file on disk and returns its last n lines.
func LastLines(r io.Reader, n int) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var buf []string
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if len(buf) > n {
			buf = buf[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(buf, "\n"), nil
}

func int64Ptr(v int64) *int64 { return &v }

// Stats is a labeled container's advertised resource reservation, read
// back from the labels Start wrote: resource accounting sums
// labeled-container reservations, so available = advertised -
// sum(labeled).
type Stats struct {
	CPU    float64
	Memory int64
	Disk   int64
}

// SumLabeled returns the total resources reserved by every running
// container carrying the zimfarm label, by reading the cpu/memory/disk
// labels this package wrote on Start.
func (r *Runtime) SumLabeled(ctx context.Context, labelCPU, labelMemory, labelDisk string) (Stats, error) {
	filterArgs := filtersForLabel(LabelZimfarm, "true")
	list, err := r.cli.ContainerList(ctx, types.ContainerListOptions{Filters: filterArgs})
	if err != nil {
		return Stats{}, fmt.Errorf("containerrt: list: %w", err)
	}
	var total Stats
	for _, c := range list {
		total.CPU += parseFloatLabel(c.Labels[labelCPU])
		total.Memory += parseIntLabel(c.Labels[labelMemory])
		total.Disk += parseIntLabel(c.Labels[labelDisk])
	}
	return total, nil
}

// ActiveZimfarmIDs lists every container id carrying the zimfarm label,
// for Janitor to diff against the worker's known-active set.
func (r *Runtime) ActiveZimfarmIDs(ctx context.Context) (map[string]string, error) {
	list, err := r.cli.ContainerList(ctx, types.ContainerListOptions{Filters: filtersForLabel(LabelZimfarm, "true")})
	if err != nil {
		return nil, fmt.Errorf("containerrt: list: %w", err)
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		out[c.ID] = c.Labels["task_id"]
	}
	return out, nil
}

// Janitor sweeps labeled containers whose task_id is not in the
// worker's current active set.
type Janitor struct {
	rt RuntimeAPI
}

func NewJanitor(rt RuntimeAPI) *Janitor { return &Janitor{rt: rt} }

// Sweep removes every zimfarm-labeled container whose task_id label is
// not in active. It is best-effort: a single failed remove is logged
// and does not stop the sweep.
func (j *Janitor) Sweep(ctx context.Context, active map[string]bool) {
	ids, err := j.rt.ActiveZimfarmIDs(ctx)
	if err != nil {
		glog.Errorf("containerrt: janitor list failed: %v", err)
		return
	}
	for id, taskID := range ids {
		if active[taskID] {
			continue
		}
		short := id
		if len(short) > 12 {
			short = short[:12]
		}
		glog.Warningf("containerrt: janitor reaping orphaned container %s (task %s)", short, taskID)
		_ = j.rt.Stop(ctx, id, 5*time.Second)
		if err := j.rt.Remove(ctx, id); err != nil {
			glog.Errorf("containerrt: janitor remove %s: %v", short, err)
		}
	}
}
