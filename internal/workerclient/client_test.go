package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kiwix/zimfarm-go/internal/task"
)

func TestFetchTaskDecodesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(task.Task{ID: "abc", Worker: "w1"})
	}))
	defer ts.Close()

	c := New(ts.URL, "secret")
	tk, err := c.FetchTask(context.Background(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	if tk.ID != "abc" || tk.Worker != "w1" {
		t.Fatalf("unexpected task: %+v", tk)
	}
}

func TestPatchEventRequiresNoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	if err := c.PatchEvent(context.Background(), "abc", task.EvtStarted, nil); err != nil {
		t.Fatal(err)
	}
}

func TestPatchEventSurfacesUnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	if err := c.PatchEvent(context.Background(), "abc", task.EvtStarted, nil); err == nil {
		t.Fatal("expected error on 409")
	}
}

func TestPatchEventRetriesTransientErrors(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	if err := c.PatchEvent(context.Background(), "abc", task.EvtStarted, nil); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestPatchEventDoesNotRetry4xx(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	if err := c.PatchEvent(context.Background(), "abc", task.EvtStarted, nil); err == nil {
		t.Fatal("expected error on 409")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1 (4xx must not be retried)", got)
	}
}
