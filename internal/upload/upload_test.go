package upload

import (
	"context"
	"testing"
	"time"

	"github.com/kiwix/zimfarm-go/internal/containerrt"
	"github.com/kiwix/zimfarm-go/internal/task"
)

type fakeRuntime struct {
	states  map[string]containerrt.State
	starts  int
	removed []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{states: make(map[string]containerrt.State)}
}

func (f *fakeRuntime) Start(ctx context.Context, name string, spec containerrt.RunSpec) (string, error) {
	f.starts++
	id := name
	f.states[id] = containerrt.State{Running: true}
	return id, nil
}
func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.states, id)
	return nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (containerrt.State, error) {
	return f.states[id], nil
}
func (f *fakeRuntime) Wait(ctx context.Context, id string) (int, error) { return 0, nil }
func (f *fakeRuntime) TailLogs(ctx context.Context, id string, lines, maxBytes int) (string, string, error) {
	return "", "", nil
}
func (f *fakeRuntime) SumLabeled(ctx context.Context, labelCPU, labelMemory, labelDisk string) (containerrt.Stats, error) {
	return containerrt.Stats{}, nil
}
func (f *fakeRuntime) ActiveZimfarmIDs(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

type fakeClient struct {
	patched []task.FileInfo
}

func (f *fakeClient) FetchTask(ctx context.Context, id string) (*task.Task, error) { return nil, nil }
func (f *fakeClient) PatchEvent(ctx context.Context, id string, code task.EventCode, payload map[string]interface{}) error {
	return nil
}
func (f *fakeClient) PatchFile(ctx context.Context, id, filename string, fi task.FileInfo) error {
	f.patched = append(f.patched, fi)
	return nil
}
func (f *fakeClient) Cancel(ctx context.Context, id, canceledBy string) error { return nil }

func TestTickStartsOneUploaderAtATime(t *testing.T) {
	rt := newFakeRuntime()
	cl := &fakeClient{}
	m := New(rt, cl, "task1", Options{Image: "uploader:latest", WorkDir: "/tmp/work"})
	m.Register("wikipedia.zim", 1024)
	m.Register("wikipedia2.zim", 2048)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.starts != 1 {
		t.Fatalf("starts = %d, want 1", rt.starts)
	}
	if !m.PendingOrUploading() {
		t.Fatal("expected still draining")
	}

	// Second tick while the first uploader is still running must not start another.
	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.starts != 1 {
		t.Fatalf("starts = %d after second tick, want still 1", rt.starts)
	}
}

func TestTickMarksUploadedOnSuccess(t *testing.T) {
	rt := newFakeRuntime()
	cl := &fakeClient{}
	m := New(rt, cl, "task1", Options{Image: "uploader:latest", WorkDir: "/tmp/work"})
	m.Register("wikipedia.zim", 1024)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	fs := m.files["wikipedia.zim"]
	rt.states[fs.containerID] = containerrt.State{Running: false, ExitCode: 0}

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fs.info.Status != task.FileUploaded {
		t.Fatalf("status = %q, want uploaded", fs.info.Status)
	}
	if m.PendingOrUploading() {
		t.Fatal("expected draining to be complete")
	}
	if m.AnyFailed() {
		t.Fatal("should not be failed")
	}
}

func TestTickRetriesThenFails(t *testing.T) {
	rt := newFakeRuntime()
	cl := &fakeClient{}
	m := New(rt, cl, "task1", Options{Image: "uploader:latest", WorkDir: "/tmp/work"})
	m.Register("wikipedia.zim", 1024)

	for i := 0; i < MaxZIMRetries; i++ {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		fs := m.files["wikipedia.zim"]
		rt.states[fs.containerID] = containerrt.State{Running: false, ExitCode: 1}
		if err := m.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	fs := m.files["wikipedia.zim"]
	if fs.info.Status != task.FileFailed {
		t.Fatalf("status = %q, want failed after %d retries", fs.info.Status, MaxZIMRetries)
	}
	if !m.AnyFailed() {
		t.Fatal("expected AnyFailed")
	}
}

func TestSanitizeReplacesNonAlnum(t *testing.T) {
	got := sanitize("wiki/pedia_en.zim")
	for _, c := range []byte(got) {
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-'
		if !ok {
			t.Fatalf("sanitize produced disallowed char %q in %q", c, got)
		}
	}
}
