// Package match expands schedule names into requested tasks and runs the
// worker-capability match query that picks the next requested task a
// polling worker should receive.
//
// Bulk schedule expansion fans out across a bounded number of goroutines,
// the way a bounded job-dispatch semaphore caps concurrent work against a
// fixed pool rather than one goroutine per item.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package match

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"
	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/offliner"
	"github.com/kiwix/zimfarm-go/internal/store"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// expandConcurrency bounds how many schedule names are expanded at once
// by a single bulk POST /requested-tasks/ call.
const expandConcurrency = 8

// Matcher wraps the store with the scheduling and matching operations.
type Matcher struct {
	store *store.Store
}

func New(s *store.Store) *Matcher {
	return &Matcher{store: s}
}

// ExpandResult is one schedule name's outcome from a bulk request.
type ExpandResult struct {
	ScheduleName string
	ID           string
	Err          error
}

// ExpandSchedules implements POST /requested-tasks/:
// for each schedule name, load the enabled schedule, skip duplicates,
// snapshot+expand its config, and insert a RequestedTask.
func (m *Matcher) ExpandSchedules(ctx context.Context, names []string, requestedBy string, priority int, worker string) ([]ExpandResult, error) {
	if len(names) == 0 {
		return nil, cmn.NewValidationError("schedule_names must not be empty")
	}

	sem := semaphore.NewWeighted(expandConcurrency)
	results := make([]ExpandResult, len(names))

	type job struct {
		idx  int
		name string
	}
	jobs := make(chan job)
	done := make(chan struct{})

	expandWorker := func() {
		for j := range jobs {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[j.idx] = ExpandResult{ScheduleName: j.name, Err: err}
				continue
			}
			id, err := m.expandOne(j.name, requestedBy, priority, worker)
			sem.Release(1)
			results[j.idx] = ExpandResult{ScheduleName: j.name, ID: id, Err: err}
		}
		done <- struct{}{}
	}

	workers := expandConcurrency
	if workers > len(names) {
		workers = len(names)
	}
	for i := 0; i < workers; i++ {
		go expandWorker()
	}
	go func() {
		for i, n := range names {
			jobs <- job{idx: i, name: n}
		}
		close(jobs)
	}()
	for i := 0; i < workers; i++ {
		<-done
	}

	anyCreated := false
	for _, r := range results {
		if r.Err == nil {
			anyCreated = true
		}
	}
	if !anyCreated {
		return results, cmn.NewNotFoundError("schedule", "(none matched an enabled schedule)")
	}
	return results, nil
}

func (m *Matcher) expandOne(name, requestedBy string, priority int, worker string) (string, error) {
	sc, ok := m.store.GetEnabledSchedule(name)
	if !ok {
		return "", cmn.NewNotFoundError("enabled schedule", name)
	}

	info, cfg, err := CommandInformationFor(sc.Config)
	if err != nil {
		return "", err
	}

	rt := &task.RequestedTask{
		ID:           uuid.NewString(),
		ScheduleName: sc.Name,
		Config:       cfg,
		CommandInfo:  info,
		RequestedBy:  requestedBy,
		Priority:     priority,
		Worker:       worker,
		Timestamp:    task.Timestamps{Requested: time.Now()},
	}
	return m.store.CreateRequested(rt)
}

// CommandInformationFor implements `command_information_for(config)`: a
// pure function of config, computing mount_point, argv, the joined
// command string, and the docker extra runtime options (shm clamped to
// resources.memory).
func CommandInformationFor(cfg task.Config) (task.CommandInformation, task.Config, error) {
	argv, mountPoint, err := offliner.CommandFor(cfg.TaskName, cfg.Flags)
	if err != nil {
		return task.CommandInformation{}, cfg, err
	}
	capAdd, shm, err := offliner.DockerOptions(cfg.TaskName, cfg.Resources.Shm, cfg.Resources.Memory)
	if err != nil {
		return task.CommandInformation{}, cfg, err
	}
	out := cfg
	out.Resources.Shm = shm
	info := task.CommandInformation{
		MountPoint: mountPoint,
		Command:    argv,
		StrCommand: strings.Join(argv, " "),
		CapAdd:     capAdd,
		Shm:        shm,
	}
	return info, out, nil
}

// Match runs the match query for a worker with the given capability
// set, returning at most `limit` candidates ordered by priority DESC,
// timestamp.reserved DESC, timestamp.requested DESC, id.
func (m *Matcher) Match(w task.Worker, limit int) []*task.RequestedTask {
	cpu := w.Resources.CPU
	mem := w.Resources.Memory
	disk := w.Resources.Disk
	f := store.Filter{
		Worker:            w.Name,
		MatchingCPU:       &cpu,
		MatchingMemory:    &mem,
		MatchingDisk:      &disk,
		MatchingOffliners: w.Offliners,
	}
	candidates := m.store.FindRequested(f, 0, 0)
	out := candidates[:0:0]
	for _, rt := range candidates {
		if !w.Capable(rt.Config.TaskName, rt.Config.Queue) {
			continue
		}
		out = append(out, rt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
