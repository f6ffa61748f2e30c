package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiwix/zimfarm-go/internal/broadcast"
	"github.com/kiwix/zimfarm-go/internal/cluster"
	"github.com/kiwix/zimfarm-go/internal/match"
	"github.com/kiwix/zimfarm-go/internal/reserve"
	"github.com/kiwix/zimfarm-go/internal/store"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// stubAuth skips token validation and injects a fixed username, so tests
// can exercise the routing and store wiring without a real RSA key pair.
type stubAuth struct{ username string }

func (a stubAuth) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKeyUsername, a.username)
		next(w, r.WithContext(ctx))
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	s := store.New()
	s.PutSchedule(&task.Schedule{Name: "wikipedia_en", Enabled: true, Config: task.Config{
		TaskName:  "mwoffliner",
		Resources: task.Resources{CPU: 1, Memory: 1 << 30, Disk: 10 << 30},
	}})
	m := match.New(s)
	rsv := reserve.New(s, m)
	hub := broadcast.NewHub()
	reg := cluster.NewRegistry()
	srv := NewServer(s, m, rsv, hub, reg, stubAuth{username: "alice"})
	return httptest.NewServer(srv.Handler()), s
}

func TestCreateAndListRequestedTasks(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(createRequestedTasksBody{ScheduleNames: []string{"wikipedia_en"}, Priority: 5})
	resp, err := http.Post(ts.URL+"/requested-tasks/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/requested-tasks/")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
}

func TestReserveThenPatchEventLifecycle(t *testing.T) {
	ts, s := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(createRequestedTasksBody{ScheduleNames: []string{"wikipedia_en"}})
	resp, _ := http.Post(ts.URL+"/requested-tasks/", "application/json", bytes.NewReader(body))
	var created struct {
		IDs []string `json:"ids"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	if len(created.IDs) != 1 {
		t.Fatalf("expected one created id, got %+v", created)
	}
	id := created.IDs[0]

	resp, err := http.Post(ts.URL+"/tasks/"+id+"?worker_name=w1", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve status = %d", resp.StatusCode)
	}

	patch, _ := json.Marshal(patchEventBody{Event: task.EvtStarted})
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/tasks/"+id, bytes.NewReader(patch))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}

	tk, ok := s.GetTask(id)
	if !ok || tk.Status() != task.StatusStarted {
		t.Fatalf("expected started status, got %+v", tk)
	}
}

func TestPatchUnknownEventRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	patch, _ := json.Marshal(map[string]string{"event": "not_a_real_event"})
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/tasks/whatever", bytes.NewReader(patch))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
