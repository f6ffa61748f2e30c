// Package orchestrator implements the on-host controller that runs and
// supervises one task's container pipeline: a single cooperative
// goroutine polling container state on an interval, with suspension
// points at container/API calls and sleep, checking a should-stop signal
// at every iteration boundary.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/containerrt"
	"github.com/kiwix/zimfarm-go/internal/task"
	"github.com/kiwix/zimfarm-go/internal/upload"
	"github.com/kiwix/zimfarm-go/internal/workerclient"
)

// Config is the task-worker's static configuration for running one
// task's pipeline.
type Config struct {
	WorkDirRoot      string
	DNSCacheImage    string
	LogUploaderImage string
	UploaderImage    string
	WarehouseURI     string

	SupervisionInterval time.Duration // default 60s
	StopTimeout         time.Duration // default 5s
	StuckThreshold      time.Duration // default 10min
	LogFinalizeTimeout  time.Duration // default 20min
	MaxLogBytes         int           // MAX_LOG_SIZE
	SelfLogPath         string        // path to the task-worker's own log file, tailed into the terminal event
	CanceledBy          string

	ScheduleID string // labels{schedule_id}
}

func defaults(c Config) Config {
	if c.SupervisionInterval == 0 {
		c.SupervisionInterval = 60 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = 10 * time.Minute
	}
	if c.LogFinalizeTimeout == 0 {
		c.LogFinalizeTimeout = 20 * time.Minute
	}
	if c.MaxLogBytes == 0 {
		c.MaxLogBytes = 10_000
	}
	return c
}

// Orchestrator runs one task's pipeline end to end. One instance per
// task: each task-worker runs in its own process, with no shared
// mutable state across tasks.
type Orchestrator struct {
	rt     containerrt.RuntimeAPI
	client workerclient.Client
	cfg    Config
}

func New(rt containerrt.RuntimeAPI, client workerclient.Client, cfg Config) *Orchestrator {
	return &Orchestrator{rt: rt, client: client, cfg: defaults(cfg)}
}

// run is the mutable per-invocation state threaded through the pipeline
// steps; it exists so Run itself stays a readable top-to-bottom account
// of one task's lifecycle.
type run struct {
	o       *Orchestrator
	t       *task.Task
	workdir string

	dnsID      string
	scraperID  string
	logUpID    string
	stuck      *containerrt.StuckDetector
	upl        *upload.Manager
	knownFiles map[string]bool
}

// Run executes the steps 1-12 for taskID, blocking until the task
// reaches a terminal status or ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	t, err := o.client.FetchTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch task %s: %w", taskID, err)
	}
	cmn.Assert(t.ID == taskID, "fetched task id must equal the requested task id")
	if t.Status().Terminal() {
		return fmt.Errorf("orchestrator: task %s is already terminal (%s)", taskID, t.Status())
	}

	r := &run{o: o, t: t, knownFiles: make(map[string]bool)}
	r.workdir = filepath.Join(o.cfg.WorkDirRoot, taskID)

	if err := o.client.PatchEvent(ctx, taskID, task.EvtStarted, nil); err != nil {
		return fmt.Errorf("orchestrator: patch started: %w", err)
	}

	if err := os.MkdirAll(r.workdir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create workdir: %w", err)
	}

	r.upl = upload.New(o.rt, o.client, taskID, upload.Options{
		Image:        o.cfg.UploaderImage,
		WarehouseURI: o.cfg.WarehouseURI,
		WorkDir:      r.workdir,
	})

	if err := r.startDNSCache(ctx); err != nil {
		return err
	}
	if err := r.startScraper(ctx); err != nil {
		return err
	}
	if err := r.startLogUploader(ctx, true); err != nil {
		return err
	}

	exitCode, err := r.superviseUntilScraperExits(ctx)
	if err != nil {
		r.cleanupOnCancel(ctx)
		return err
	}

	if err := r.finishScraper(ctx, exitCode); err != nil {
		return err
	}

	r.drainUploads(ctx)

	return r.finish(ctx, exitCode)
}

// short_id is the worker-side label helper, a hash of the task id rather than a truncation so
// collisions are as unlikely as the hash's own distribution.
func shortID(taskID string) string {
	h := xxhash.ChecksumString64(taskID)
	return strconv.FormatUint(h, 16)[:12]
}

func (r *run) labels() map[string]string {
	return map[string]string{
		"task_id": r.t.ID,
		"tid": shortID(r.t.ID),
		"schedule_id": r.o.cfg.ScheduleID,
		"schedule_name": r.t.ScheduleName,
	}
}

func (r *run) startDNSCache(ctx context.Context) error {
	id, err := r.o.rt.Start(ctx, "zimfarm-dnscache-"+shortID(r.t.ID), containerrt.RunSpec{
		Image:  r.o.cfg.DNSCacheImage,
		Labels: r.labels(),
	})
	if err != nil {
		return fmt.Errorf("orchestrator: start dns cache: %w", err)
	}
	r.dnsID = id
	return nil
}

// dnsCacheWaitTimeout bounds how long startScraper waits for the DNS
// cache container to be assigned a bridge-network IP before failing
// the task outright rather than starting the scraper without it.
const dnsCacheWaitTimeout = 10 * time.Second

func (r *run) waitForDNSCacheIP(ctx context.Context) (string, error) {
	deadline := time.Now().Add(dnsCacheWaitTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, err := r.o.rt.Inspect(ctx, r.dnsID)
		if err != nil {
			return "", fmt.Errorf("orchestrator: inspect dns cache: %w", err)
		}
		if st.IPv4 != "" {
			return st.IPv4, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("orchestrator: dns cache %s was not assigned an ip within %s", r.dnsID, dnsCacheWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *run) startScraper(ctx context.Context) error {
	ip, err := r.waitForDNSCacheIP(ctx)
	if err != nil {
		return err
	}
	cfg := r.t.Config
	info := r.t.CommandInfo

	env := []string{"ZIMFARM_DNS=" + ip}

	labels := r.labels()
	labels[containerrt.LabelCPU] = containerrt.FormatFloat(cfg.Resources.CPU)
	labels[containerrt.LabelMemory] = containerrt.FormatInt(cfg.Resources.Memory)
	labels[containerrt.LabelDisk] = containerrt.FormatInt(cfg.Resources.Disk)

	id, err := r.o.rt.Start(ctx, "zimfarm-task-"+shortID(r.t.ID), containerrt.RunSpec{
		Image:     cfg.Image.String(),
		Cmd:       info.Command,
		Env:       env,
		Labels:    labels,
		Mounts:    []containerrt.Mount{{Source: r.workdir, Target: info.MountPoint}},
		CPUShares: int64(cfg.Resources.CPU * 1024),
		Memory:    cfg.Resources.Memory,
		ShmSize:   info.Shm,
		CapAdd:    info.CapAdd,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: start scraper: %w", err)
	}
	r.scraperID = id
	r.stuck = containerrt.NewStuckDetector(r.o.rt, id, r.o.cfg.StuckThreshold)

	return r.o.client.PatchEvent(ctx, r.t.ID, task.EvtScraperStarted, map[string]interface{}{
		"image": cfg.Image.String(),
		"command": info.StrCommand,
		"log_filename": r.t.Container.LogFilename,
	})
}

// startLogUploader starts the scraper-log uploader, watch mode
// long-running when watch is true, one-shot otherwise
// (step 9's finalization).
func (r *run) startLogUploader(ctx context.Context, watch bool) error {
	cmd := []string{"--source", filepath.Join(r.workdir, "scraper.log"), "--destination", r.o.cfg.WarehouseURI}
	if watch {
		cmd = append(cmd, "--watch")
	}
	id, err := r.o.rt.Start(ctx, "zimfarm-logup-"+shortID(r.t.ID), containerrt.RunSpec{
		Image:  r.o.cfg.LogUploaderImage,
		Cmd:    cmd,
		Labels: r.labels(),
		Mounts: []containerrt.Mount{{Source: r.workdir, Target: "/data", ReadOnly: true}},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: start log uploader: %w", err)
	}
	r.logUpID = id
	return nil
}

func tailOwnLog(path string, maxBytes int) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	out, err := containerrt.LastLines(f, 2000)
	if err != nil {
		return ""
	}
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return out
}
