package cluster

import (
	"testing"

	"github.com/kiwix/zimfarm-go/internal/task"
)

func TestUpsertThenGet(t *testing.T) {
	r := NewRegistry()
	r.Upsert(task.Worker{Name: "w1", Resources: task.Resources{CPU: 4}})

	w, ok := r.Get("w1")
	if !ok {
		t.Fatal("expected worker to be found")
	}
	if w.Resources.CPU != 4 {
		t.Fatalf("got cpu=%v", w.Resources.CPU)
	}
	if w.LastSeen.IsZero() {
		t.Fatal("expected LastSeen to be stamped")
	}
}

func TestUpsertReplacesPriorSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Upsert(task.Worker{Name: "w1", Resources: task.Resources{CPU: 2}})
	r.Upsert(task.Worker{Name: "w1", Resources: task.Resources{CPU: 8}})

	w, _ := r.Get("w1")
	if w.Resources.CPU != 8 {
		t.Fatalf("expected latest upsert to win, got cpu=%v", w.Resources.CPU)
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected exactly one worker, got %d", len(r.List()))
	}
}

func TestGetUnknownWorker(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected not found")
	}
}
