package match

import (
	"context"
	"testing"

	"github.com/kiwix/zimfarm-go/internal/store"
	"github.com/kiwix/zimfarm-go/internal/task"
)

func newMatcherWithSchedule(t *testing.T, name string, cfg task.Config) (*Matcher, *store.Store) {
	t.Helper()
	s := store.New()
	s.PutSchedule(&task.Schedule{Name: name, Enabled: true, Config: cfg})
	return New(s), s
}

func wikipediaConfig() task.Config {
	return task.Config{
		TaskName:      "mwoffliner",
		Image:         task.Image{Name: "ghcr.io/openzim/mwoffliner", Tag: "latest"},
		Flags:         map[string]interface{}{"mwUrl": "https://en.wikipedia.org"},
		Resources:     task.Resources{CPU: 3, Memory: 4 << 30, Disk: 100 << 30},
		WarehousePath: "/wikipedia",
		Queue:         "default",
	}
}

func TestExpandSchedulesEmptyNames(t *testing.T) {
	m, _ := newMatcherWithSchedule(t, "wikipedia_en", wikipediaConfig())
	if _, err := m.ExpandSchedules(context.Background(), nil, "alice", 0, ""); err == nil {
		t.Fatal("expected error for empty schedule_names")
	}
}

func TestExpandSchedulesUnknownAllFail(t *testing.T) {
	m, _ := newMatcherWithSchedule(t, "wikipedia_en", wikipediaConfig())
	_, err := m.ExpandSchedules(context.Background(), []string{"nope"}, "alice", 0, "")
	if err == nil {
		t.Fatal("expected 404-mapped error when no schedule matches")
	}
}

func TestExpandSchedulesCreatesRequestedTask(t *testing.T) {
	m, s := newMatcherWithSchedule(t, "wikipedia_en", wikipediaConfig())
	results, err := m.ExpandSchedules(context.Background(), []string{"wikipedia_en"}, "alice", 5, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	rt, ok := s.GetRequested(results[0].ID)
	if !ok {
		t.Fatal("requested task was not stored")
	}
	if rt.Priority != 5 || rt.RequestedBy != "alice" {
		t.Fatalf("unexpected requested task: %+v", rt)
	}
	if rt.CommandInfo.MountPoint != "/output" {
		t.Fatalf("command info mount point = %q", rt.CommandInfo.MountPoint)
	}
}

func TestExpandSchedulesDeduplicates(t *testing.T) {
	m, _ := newMatcherWithSchedule(t, "wikipedia_en", wikipediaConfig())
	if _, err := m.ExpandSchedules(context.Background(), []string{"wikipedia_en"}, "alice", 0, ""); err != nil {
		t.Fatalf("first expansion failed: %v", err)
	}
	results, _ := m.ExpandSchedules(context.Background(), []string{"wikipedia_en"}, "alice", 0, "")
	if results[0].Err == nil {
		t.Fatal("expected duplicate (schedule_name, worker) to be rejected")
	}
}

func TestMatchRespectsResourcesAndCapability(t *testing.T) {
	m, _ := newMatcherWithSchedule(t, "wikipedia_en", wikipediaConfig())
	if _, err := m.ExpandSchedules(context.Background(), []string{"wikipedia_en"}, "alice", 0, ""); err != nil {
		t.Fatalf("expansion failed: %v", err)
	}

	tooSmall := task.Worker{Name: "w1", Resources: task.Resources{CPU: 1, Memory: 1 << 30, Disk: 10 << 30}, Offliners: []string{"mwoffliner"}}
	if got := m.Match(tooSmall, 1); len(got) != 0 {
		t.Fatalf("expected no match for undersized worker, got %d", len(got))
	}

	wrongOffliner := task.Worker{Name: "w2", Resources: task.Resources{CPU: 8, Memory: 16 << 30, Disk: 500 << 30}, Offliners: []string{"youtube"}}
	if got := m.Match(wrongOffliner, 1); len(got) != 0 {
		t.Fatalf("expected no match for incapable worker, got %d", len(got))
	}

	fits := task.Worker{Name: "w3", Resources: task.Resources{CPU: 8, Memory: 16 << 30, Disk: 500 << 30}, Offliners: []string{"mwoffliner"}}
	got := m.Match(fits, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
}

func TestMatchPriorityOrdering(t *testing.T) {
	s := store.New()
	s.PutSchedule(&task.Schedule{Name: "a", Enabled: true, Config: wikipediaConfig()})
	s.PutSchedule(&task.Schedule{Name: "b", Enabled: true, Config: wikipediaConfig()})
	m := New(s)
	if _, err := m.ExpandSchedules(context.Background(), []string{"a"}, "alice", 1, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ExpandSchedules(context.Background(), []string{"b"}, "alice", 9, ""); err != nil {
		t.Fatal(err)
	}
	w := task.Worker{Name: "w", Resources: task.Resources{CPU: 8, Memory: 16 << 30, Disk: 500 << 30}, Offliners: []string{"mwoffliner"}}
	got := m.Match(w, 0)
	if len(got) != 2 || got[0].ScheduleName != "b" {
		t.Fatalf("expected higher priority schedule b first, got %+v", got)
	}
}
