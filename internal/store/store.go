// Package store implements the task store and event log: a
// transactional, in-memory document store enforcing the task lifecycle
// invariants (requested-task creation, atomic promotion to reserved,
// event-sourced status transitions).
//
// Rows are mutated in place under a single RWMutex; readers get copies
// of the rows, so a returned value never changes under the caller.
// Store is a concrete type; no interface abstracts it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// Store is the single serialization point for task lifecycle mutations.
// Reads take the RWMutex for reading only and may observe slightly
// stale denormalized status under concurrent writers — snapshot
// isolation, not linearizability, on the read path.
type Store struct {
	mtx sync.RWMutex

	requested map[string]*task.RequestedTask
	tasks     map[string]*task.Task
	schedules map[string]*task.Schedule

	// taskLocks gives promote/append_event linearizability per task id
	// without serializing unrelated tasks against each other
	taskLocks sync.Map // id (string) -> *sync.Mutex
}

func New() *Store {
	return &Store{
		requested: make(map[string]*task.RequestedTask),
		tasks:     make(map[string]*task.Task),
		schedules: make(map[string]*task.Schedule),
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	v, _ := s.taskLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// PutSchedule registers (or replaces) a schedule. Schedule CRUD itself is
// out of scope here; this exists only so the matcher has something to
// read by name.
func (s *Store) PutSchedule(sc *task.Schedule) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := *sc
	s.schedules[sc.Name] = &cp
}

// GetEnabledSchedule returns the named schedule if it exists and is
// enabled.
func (s *Store) GetEnabledSchedule(name string) (*task.Schedule, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	sc, ok := s.schedules[name]
	if !ok || !sc.Enabled {
		return nil, false
	}
	cp := *sc
	return &cp, true
}

// CreateRequested inserts a new RequestedTask, rejecting duplicates per
// the RequestedTask invariant (a): at most one per (schedule_name, worker).
func (s *Store) CreateRequested(rt *task.RequestedTask) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if rt.ScheduleName != "" {
		for _, existing := range s.requested {
			if existing.ScheduleName == rt.ScheduleName && existing.Worker == rt.Worker {
				return "", cmn.NewValidationError(
					"a requested task for schedule %q and worker %q already exists", rt.ScheduleName, rt.Worker)
			}
		}
	}
	cp := *rt
	cp.Events = []task.Event{{Code: task.EvtRequested, Timestamp: rt.Timestamp.Requested}}
	s.requested[cp.ID] = &cp
	return cp.ID, nil
}

// Filter narrows both FindRequested and the worker match query. Empty
// fields are wildcards. MatchingOffliner/MatchingQueue/resources filter
// the way the worker match query does; ScheduleName/Priority/Worker
// filter the way the plain GET /requested-tasks/ listing does.
type Filter struct {
	ScheduleName string
	Priority     *int
	Worker       string

	// Matching-* fields implement the worker match query.
	MatchingCPU       *float64
	MatchingMemory    *int64
	MatchingDisk      *int64
	MatchingOffliners []string
	MatchingQueue     string
}

func (f Filter) matches(rt *task.RequestedTask) bool {
	if f.ScheduleName != "" && rt.ScheduleName != f.ScheduleName {
		return false
	}
	if f.Priority != nil && rt.Priority != *f.Priority {
		return false
	}
	if f.Worker != "" {
		// the boundary case: a worker-bound RequestedTask is invisible to
		// other workers; an unbound one is visible to every worker query.
		if rt.Worker != "" && rt.Worker != f.Worker {
			return false
		}
	}
	if f.MatchingCPU != nil && rt.Config.Resources.CPU > *f.MatchingCPU {
		return false
	}
	if f.MatchingMemory != nil && rt.Config.Resources.Memory > *f.MatchingMemory {
		return false
	}
	if f.MatchingDisk != nil && rt.Config.Resources.Disk > *f.MatchingDisk {
		return false
	}
	if len(f.MatchingOffliners) > 0 {
		ok := false
		for _, o := range f.MatchingOffliners {
			if o == rt.Config.TaskName {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MatchingQueue != "" && rt.Config.Queue != "" && rt.Config.Queue != f.MatchingQueue {
		return false
	}
	return true
}

// sortedRequested returns every RequestedTask matching filter, ordered by
// the: priority DESC, timestamp.reserved DESC, timestamp.requested DESC,
// id as a final tiebreaker. timestamp.reserved is always zero for rows
// that were never reserved (never possible for RequestedTask, kept for
// worker-crash re-queues where the store deletes and re-inserts a fresh
// RequestedTask carrying the stale reserved time forward — see Requeue).
func (s *Store) sortedRequested(f Filter) []*task.RequestedTask {
	out := make([]*task.RequestedTask, 0, len(s.requested))
	for _, rt := range s.requested {
		if f.matches(rt) {
			cp := *rt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ar, br := reservedOrZero(a), reservedOrZero(b)
		if !ar.Equal(br) {
			return ar.After(br)
		}
		if !a.Timestamp.Requested.Equal(b.Timestamp.Requested) {
			return a.Timestamp.Requested.After(b.Timestamp.Requested)
		}
		return a.ID < b.ID
	})
	return out
}

func reservedOrZero(rt *task.RequestedTask) time.Time {
	if rt.Timestamp.Reserved != nil {
		return *rt.Timestamp.Reserved
	}
	return time.Time{}
}

// FindRequested implements GET /requested-tasks/: filter, sort, skip,
// limit.
func (s *Store) FindRequested(f Filter, skip, limit int) []*task.RequestedTask {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	all := s.sortedRequested(f)
	if skip > len(all) {
		skip = len(all)
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// CountRequested implements the count half of GET /requested-tasks/.
func (s *Store) CountRequested(f Filter) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	n := 0
	for _, rt := range s.requested {
		if f.matches(rt) {
			n++
		}
	}
	return n
}

// GetRequested fetches a single RequestedTask by id.
func (s *Store) GetRequested(id string) (*task.RequestedTask, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	rt, ok := s.requested[id]
	if !ok {
		return nil, false
	}
	cp := *rt
	return &cp, true
}

// DeleteRequested implements DELETE /requested-tasks/{id}: drops a
// not-yet-reserved task.
func (s *Store) DeleteRequested(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.requested[id]; !ok {
		return cmn.NewNotFoundError("requested task", id)
	}
	delete(s.requested, id)
	return nil
}

// UpdatePriority implements PATCH /requested-tasks/{id}: returns
// changed=true (202) if the priority actually moved, false (200) if it
// was already that value.
func (s *Store) UpdatePriority(id string, priority int) (changed bool, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rt, ok := s.requested[id]
	if !ok {
		return false, cmn.NewNotFoundError("requested task", id)
	}
	if rt.Priority == priority {
		return false, nil
	}
	rt.Priority = priority
	return true, nil
}

// Promote is the atomic take-then-commit behind reservation: read the
// requested row, insert a task row with the identical id, delete the
// requested row, append the reserved event. It fails with
// AlreadyReserved if the requested row is gone by the time this call
// takes the lock — which is exactly the race two concurrent reservers
// create.
func (s *Store) Promote(requestedID, worker string, now time.Time) (*task.Task, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rt, ok := s.requested[requestedID]
	if !ok {
		return nil, cmn.NewAlreadyReservedError(requestedID)
	}
	if rt.Worker != "" && rt.Worker != worker {
		return nil, cmn.NewForbiddenError("requested task is bound to a different worker")
	}

	t := &task.Task{
		ID:           rt.ID,
		ScheduleName: rt.ScheduleName,
		Config:       rt.Config,
		CommandInfo:  rt.CommandInfo,
		RequestedBy:  rt.RequestedBy,
		Priority:     rt.Priority,
		Worker:       worker,
		Timestamp:    rt.Timestamp,
		Events:       append(append([]task.Event{}, rt.Events...), task.Event{Code: task.EvtReserved, Timestamp: now}),
		Files:        make(map[string]task.FileInfo),
	}
	t.Timestamp.Reserved = &now
	cmn.Assert(t.ID == rt.ID, "promoted task id must equal its requested task id")

	delete(s.requested, requestedID)
	s.tasks[t.ID] = t

	cp := *t
	return &cp, nil
}

// Requeue reverts a Task that never reached terminal status back into a
// fresh RequestedTask, carrying the stale reserved timestamp forward so
// the match query's "recently-unreserved tasks leapfrog stale ones"
// ordering applies. Used by the janitor/reaper that handles worker
// crashes.
func (s *Store) Requeue(taskID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return cmn.NewNotFoundError("task", taskID)
	}
	delete(s.tasks, taskID)
	rt := &task.RequestedTask{
		ID:           t.ID,
		ScheduleName: t.ScheduleName,
		Config:       t.Config,
		CommandInfo:  t.CommandInfo,
		RequestedBy:  t.RequestedBy,
		Priority:     t.Priority,
		Timestamp:    t.Timestamp,
		Events:       append(t.Events, task.Event{Code: task.EvtRequested, Timestamp: time.Now()}),
	}
	s.requested[rt.ID] = rt
	return nil
}

// GetTask fetches a single Task by id.
func (s *Store) GetTask(id string) (*task.Task, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := cloneTask(t)
	return cp, true
}

// TaskFilter narrows GET /tasks/.
type TaskFilter struct {
	Status       []task.Status
	ScheduleName string
}

func (f TaskFilter) matches(t *task.Task) bool {
	if f.ScheduleName != "" && t.ScheduleName != f.ScheduleName {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		st := t.Status()
		for _, s := range f.Status {
			if s == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ListTasks implements GET /tasks/, sorted by timestamp.requested desc.
func (s *Store) ListTasks(f TaskFilter) []*task.Task {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.matches(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Requested.After(out[j].Timestamp.Requested)
	})
	return out
}

// AppendEvent is the other half of the store's linearizable-per-task
// contract: validate the transition, append the event and update the
// denormalized status. Re-appending an already-recorded lifecycle
// transition is a no-op rather than an error.
func (s *Store) AppendEvent(taskID string, ev task.Event) (task.Status, error) {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mtx.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mtx.Unlock()
		return "", cmn.NewNotFoundError("task", taskID)
	}
	current := t.Status()
	s.mtx.Unlock()

	if ev.Code.IsLifecycle() && current == task.Status(ev.Code) {
		return current, nil // already recorded, idempotent no-op
	}

	if ev.Code == task.EvtSucceeded {
		if !allFilesUploaded(t) {
			return "", cmn.NewForbiddenTransitionError(string(current), string(ev.Code))
		}
	}

	if err := task.ValidateTransition(current, ev.Code); err != nil {
		return "", err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	t.Events = append(t.Events, ev)
	return t.Status(), nil
}

func allFilesUploaded(t *task.Task) bool {
	for _, f := range t.Files {
		if f.Status != task.FileUploaded {
			return false
		}
	}
	return true
}

// UpdateFile sets the status/size/retries of one file entry.
func (s *Store) UpdateFile(taskID, filename string, fi task.FileInfo) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return cmn.NewNotFoundError("task", taskID)
	}
	if t.Files == nil {
		t.Files = make(map[string]task.FileInfo)
	}
	t.Files[filename] = fi
	return nil
}

// AnyFileFailed reports whether any file on the task ended in `failed`.
func (s *Store) AnyFileFailed(taskID string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	for _, f := range t.Files {
		if f.Status == task.FileFailed {
			return true
		}
	}
	return false
}

// PendingOrUploading reports whether the task still has files that are
// not yet in a terminal per-file state.
func (s *Store) PendingOrUploading(taskID string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	for _, f := range t.Files {
		if f.Status == task.FilePending || f.Status == task.FileUploading {
			return true
		}
	}
	return false
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	cp.Events = append([]task.Event{}, t.Events...)
	cp.Files = make(map[string]task.FileInfo, len(t.Files))
	for k, v := range t.Files {
		cp.Files[k] = v
	}
	return &cp
}
