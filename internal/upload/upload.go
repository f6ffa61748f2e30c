// Package upload implements a per-file finite-retry upload driver running
// inside the task-worker, one uploader container at a time. The "slot" is
// a single serial uploader rather than a semaphore-bounded pool, since
// exactly one upload may run at once.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package upload

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/kiwix/zimfarm-go/internal/containerrt"
	"github.com/kiwix/zimfarm-go/internal/task"
	"github.com/kiwix/zimfarm-go/internal/workerclient"
)

// MaxZIMRetries is MAX_ZIM_RETRIES: a file that fails this many uploads
// is marked failed for good.
const MaxZIMRetries = 5

// Options configures how the manager starts uploader containers.
type Options struct {
	Image        string // uploader image:tag
	WarehouseURI string
	WorkDir      string // host path containing the files to upload
}

// fileState is the manager's per-file bookkeeping, a superset of
// task.FileInfo that also tracks the running container.
type fileState struct {
	info        task.FileInfo
	containerID string
}

// Manager drives per-file uploads for a single task. It is not
// goroutine-safe; the orchestrator calls Tick from its single
// supervision loop only.
type Manager struct {
	rt     containerrt.RuntimeAPI
	client workerclient.Client
	opts   Options
	taskID string

	files map[string]*fileState
}

func New(rt containerrt.RuntimeAPI, client workerclient.Client, taskID string, opts Options) *Manager {
	return &Manager{rt: rt, client: client, taskID: taskID, opts: opts, files: make(map[string]*fileState)}
}

// Register adds a newly-discovered file in `pending` state.
func (m *Manager) Register(filename string, size int64) {
	if _, ok := m.files[filename]; ok {
		return
	}
	m.files[filename] = &fileState{info: task.FileInfo{Size: size, Status: task.FilePending}}
}

// PendingOrUploading reports whether draining is still in progress.
func (m *Manager) PendingOrUploading() bool {
	for _, f := range m.files {
		if f.info.Status == task.FilePending || f.info.Status == task.FileUploading {
			return true
		}
	}
	return false
}

// AnyFailed reports whether a file ended in `failed`.
func (m *Manager) AnyFailed() bool {
	for _, f := range m.files {
		if f.info.Status == task.FileFailed {
			return true
		}
	}
	return false
}

// Tick runs one supervision-tick iteration of the upload algorithm: at
// most one uploader running at a time.
func (m *Manager) Tick(ctx context.Context) error {
	for name, f := range m.files {
		if f.info.Status != task.FileUploading {
			continue
		}
		// An uploader is running; check if it finished.
		st, err := m.rt.Inspect(ctx, f.containerID)
		if err != nil {
			return fmt.Errorf("upload: inspect %s: %w", name, err)
		}
		if st.Running {
			return nil // one uploader running, nothing else to do this tick
		}
		if st.ExitCode == 0 {
			f.info.Status = task.FileUploaded
			glog.Infof("upload: %s uploaded (task %s)", name, m.taskID)
		} else {
			f.info.Retries++
			if f.info.Retries >= MaxZIMRetries {
				f.info.Status = task.FileFailed
				glog.Errorf("upload: %s failed after %d retries (task %s)", name, f.info.Retries, m.taskID)
			} else {
				f.info.Status = task.FilePending
				glog.Warningf("upload: %s exited %d, retry %d/%d (task %s)", name, st.ExitCode, f.info.Retries, MaxZIMRetries, m.taskID)
			}
		}
		_ = m.rt.Remove(ctx, f.containerID)
		f.containerID = ""
		if err := m.client.PatchFile(ctx, m.taskID, name, f.info); err != nil {
			glog.Errorf("upload: report %s failed: %v", name, err)
		}
		return nil // one state change per tick keeps this simple and serial
	}

	// No uploader running; start the next pending file, if any.
	for name, f := range m.files {
		if f.info.Status != task.FilePending {
			continue
		}
		id, err := m.start(ctx, name)
		if err != nil {
			return err
		}
		f.containerID = id
		f.info.Status = task.FileUploading
		if err := m.client.PatchFile(ctx, m.taskID, name, f.info); err != nil {
			glog.Errorf("upload: report %s failed: %v", name, err)
		}
		return nil
	}
	return nil
}

// start launches the uploader container for filename with
// move=true,delete=true. The uploader's argv/transport are external; this
// core only provides what it is told to invoke.
func (m *Manager) start(ctx context.Context, filename string) (string, error) {
	name := "zimfarm-upload-" + sanitize(filename)
	spec := containerrt.RunSpec{
		Image: m.opts.Image,
		Cmd: []string{
			"--file", filepath.Join("/data", filename),
			"--destination", m.opts.WarehouseURI,
			"--move=true",
			"--delete=true",
		},
		Mounts: []containerrt.Mount{{Source: m.opts.WorkDir, Target: "/data"}},
		Labels: map[string]string{"task_id": m.taskID},
	}
	id, err := m.rt.Start(ctx, name, spec)
	if err != nil {
		return "", fmt.Errorf("upload: start uploader for %s: %w", filename, err)
	}
	return id, nil
}

func sanitize(filename string) string {
	out := make([]byte, 0, len(filename))
	for i := 0; i < len(filename); i++ {
		c := filename[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
