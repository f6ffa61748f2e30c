package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kiwix/zimfarm-go/internal/containerrt"
	"github.com/kiwix/zimfarm-go/internal/task"
)

type fakeRuntime struct {
	mu sync.Mutex

	states  map[string]containerrt.State
	nextID  int
	stopped []string
	removed []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{states: make(map[string]containerrt.State)}
}

func (f *fakeRuntime) Start(ctx context.Context, name string, spec containerrt.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := name
	f.states[id] = containerrt.State{Running: true, IPv4: "10.0.0.5"}
	return id, nil
}
func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	st := f.states[id]
	st.Running = false
	f.states[id] = st
	return nil
}
func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.states, id)
	return nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (containerrt.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id], nil
}
func (f *fakeRuntime) Wait(ctx context.Context, id string) (int, error) { return 0, nil }
func (f *fakeRuntime) TailLogs(ctx context.Context, id string, lines, maxBytes int) (string, string, error) {
	return "out", "err", nil
}
func (f *fakeRuntime) SumLabeled(ctx context.Context, labelCPU, labelMemory, labelDisk string) (containerrt.Stats, error) {
	return containerrt.Stats{}, nil
}
func (f *fakeRuntime) ActiveZimfarmIDs(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

func (f *fakeRuntime) setExited(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = containerrt.State{Running: false, ExitCode: code}
}

type fakeClient struct {
	mu     sync.Mutex
	t      *task.Task
	events []task.EventCode
}

func (f *fakeClient) FetchTask(ctx context.Context, id string) (*task.Task, error) {
	return f.t, nil
}
func (f *fakeClient) PatchEvent(ctx context.Context, id string, code task.EventCode, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, code)
	return nil
}
func (f *fakeClient) PatchFile(ctx context.Context, id, filename string, fi task.FileInfo) error {
	return nil
}
func (f *fakeClient) Cancel(ctx context.Context, id, canceledBy string) error { return nil }

func newTestTask(id string) *task.Task {
	return &task.Task{
		ID: id,
		Config: task.Config{
			TaskName: "mwoffliner",
			Image:    task.Image{Name: "ghcr.io/openzim/mwoffliner", Tag: "latest"},
			Resources: task.Resources{CPU: 1, Memory: 1 << 30, Disk: 10 << 30},
		},
		CommandInfo: task.CommandInformation{
			MountPoint: "/output",
			Command:    []string{"mwoffliner", "--mwUrl=https://en.wikipedia.org"},
			StrCommand: "mwoffliner --mwUrl=https://en.wikipedia.org",
		},
		Container: task.Container{LogFilename: "scraper.log"},
	}
}

func TestRunHappyPath(t *testing.T) {
	dir := t.TempDir()
	rt := newFakeRuntime()
	cl := &fakeClient{t: newTestTask("task1")}

	o := New(rt, cl, Config{
		WorkDirRoot:         dir,
		DNSCacheImage:       "dnscache:latest",
		LogUploaderImage:    "loguploader:latest",
		UploaderImage:       "uploader:latest",
		WarehouseURI:        "s3://example/",
		SupervisionInterval: 5 * time.Millisecond,
		StopTimeout:         time.Millisecond,
		StuckThreshold:      time.Hour,
		LogFinalizeTimeout:  time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), "task1") }()

	// Let the pipeline start the scraper, then make it exit.
	time.Sleep(20 * time.Millisecond)
	rt.mu.Lock()
	var scraperID string
	for id := range rt.states {
		if filepath.Base(id) == "zimfarm-task-"+shortID("task1") {
			scraperID = id
		}
	}
	rt.mu.Unlock()
	if scraperID == "" {
		t.Fatal("scraper container was never started")
	}
	rt.setExited(scraperID, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete in time")
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	want := []task.EventCode{task.EvtStarted, task.EvtScraperStarted, task.EvtScraperComplete, task.EvtSucceeded}
	if len(cl.events) != len(want) {
		t.Fatalf("events = %v, want %v", cl.events, want)
	}
	for i, code := range want {
		if cl.events[i] != code {
			t.Fatalf("events[%d] = %q, want %q", i, cl.events[i], code)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "task1")); !os.IsNotExist(err) {
		t.Fatal("workdir should have been removed once drained with no zim files left")
	}
}

func TestRunRejectsTerminalTask(t *testing.T) {
	tk := newTestTask("task2")
	tk.Events = []task.Event{{Code: task.EvtSucceeded}}
	cl := &fakeClient{t: tk}
	o := New(newFakeRuntime(), cl, Config{WorkDirRoot: t.TempDir()})

	if err := o.Run(context.Background(), "task2"); err == nil {
		t.Fatal("expected error running an already-terminal task")
	}
}
