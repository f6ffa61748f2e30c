package task

import "testing"

func TestValidateTransitionHappyPath(t *testing.T) {
	steps := []struct {
		from Status
		evt  EventCode
	}{
		{StatusRequested, EvtReserved},
		{StatusReserved, EvtStarted},
		{StatusStarted, EvtScraperStarted},
		{StatusScraperStarted, EvtScraperComplete},
		{StatusScraperComplete, EvtSucceeded},
	}
	for _, s := range steps {
		if err := ValidateTransition(s.from, s.evt); err != nil {
			t.Errorf("%s -%s-> : unexpected error %v", s.from, s.evt, err)
		}
	}
}

func TestValidateTransitionRejectsSkippedStep(t *testing.T) {
	if err := ValidateTransition(StatusRequested, EvtStarted); err == nil {
		t.Fatal("expected error skipping reserved")
	}
}

func TestValidateTransitionRejectsFromTerminal(t *testing.T) {
	for _, term := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		if err := ValidateTransition(term, EvtStarted); err == nil {
			t.Errorf("expected error from terminal status %s", term)
		}
	}
}

func TestValidateTransitionCancelRequestedIdempotent(t *testing.T) {
	if err := ValidateTransition(StatusCancelRequested, EvtCancelRequested); err != nil {
		t.Fatalf("expected idempotent no-op, got %v", err)
	}
}

func TestValidateTransitionFileEventsAlwaysOK(t *testing.T) {
	for _, st := range []Status{StatusStarted, StatusScraperStarted, StatusSucceeded} {
		for _, evt := range []EventCode{EvtCreatedFile, EvtUploadedFile, EvtFailedFile} {
			if err := ValidateTransition(st, evt); err != nil {
				t.Errorf("file event %s from %s: unexpected error %v", evt, st, err)
			}
		}
	}
}

func TestNextStatus(t *testing.T) {
	if got := NextStatus(StatusStarted, EvtCancelRequested); got != StatusCancelRequested {
		t.Fatalf("got %s, want cancel_requested", got)
	}
	if got := NextStatus(StatusStarted, EvtCreatedFile); got != StatusStarted {
		t.Fatalf("file event must not move status, got %s", got)
	}
}

func TestScraperSucceeded(t *testing.T) {
	cases := []struct {
		payload map[string]interface{}
		want    bool
	}{
		{map[string]interface{}{"exit_code": float64(0)}, true},
		{map[string]interface{}{"exit_code": float64(1)}, false},
		{map[string]interface{}{"exit_code": 0}, true},
		{map[string]interface{}{}, false},
	}
	for _, c := range cases {
		if got := ScraperSucceeded(c.payload); got != c.want {
			t.Errorf("ScraperSucceeded(%v) = %v, want %v", c.payload, got, c.want)
		}
	}
}

func TestTaskStatusDerivedFromLastEvent(t *testing.T) {
	tk := &Task{Events: []Event{{Code: EvtRequested}, {Code: EvtReserved}, {Code: EvtStarted}}}
	if got := tk.Status(); got != StatusStarted {
		t.Fatalf("got %s, want started", got)
	}
}

func TestWorkerCapableAndFits(t *testing.T) {
	w := Worker{
		Resources: Resources{CPU: 4, Memory: 8 << 30, Disk: 200 << 30},
		Offliners: []string{"mwoffliner"},
		Queues:    []string{"big"},
	}
	if !w.Capable("mwoffliner", "") {
		t.Error("expected capable with empty queue filter")
	}
	if !w.Capable("mwoffliner", "big") {
		t.Error("expected capable matching queue")
	}
	if w.Capable("mwoffliner", "small") {
		t.Error("expected not capable for mismatched queue")
	}
	if w.Capable("youtube", "") {
		t.Error("expected not capable for unsupported offliner")
	}
	if !w.Fits(Resources{CPU: 2, Memory: 4 << 30, Disk: 100 << 30}) {
		t.Error("expected resources to fit")
	}
	if w.Fits(Resources{CPU: 8}) {
		t.Error("expected resources not to fit")
	}
}
