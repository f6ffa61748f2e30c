package broadcast

import (
	"testing"

	"github.com/kiwix/zimfarm-go/internal/task"
)

func TestPublishFansOutToAllListeners(t *testing.T) {
	hub := NewHub()
	var got []string
	hub.Subscribe("a", ListenerFunc(func(t *task.Task) { got = append(got, "a") }))
	hub.Subscribe("b", ListenerFunc(func(t *task.Task) { got = append(got, "b") }))

	hub.Publish(&task.Task{ID: "x"})

	if len(got) != 2 {
		t.Fatalf("expected both listeners notified, got %v", got)
	}
}

func TestPublishSurvivesPanickingListener(t *testing.T) {
	hub := NewHub()
	notified := false
	hub.Subscribe("panicker", ListenerFunc(func(t *task.Task) { panic("boom") }))
	hub.Subscribe("ok", ListenerFunc(func(t *task.Task) { notified = true }))

	hub.Publish(&task.Task{ID: "x"})

	if !notified {
		t.Fatal("expected the non-panicking listener to still run")
	}
}

func TestUnsubscribeStopsNotification(t *testing.T) {
	hub := NewHub()
	calls := 0
	hub.Subscribe("a", ListenerFunc(func(t *task.Task) { calls++ }))
	hub.Unsubscribe("a")
	hub.Publish(&task.Task{ID: "x"})
	if calls != 0 {
		t.Fatalf("expected no calls after unsubscribe, got %d", calls)
	}
}
