package task

import "github.com/kiwix/zimfarm-go/cmn"

// transitions encodes the table: for each non-terminal status, the set
// of event codes that may legally be appended next. File events are
// handled separately (in ValidateTransition below) since they never
// change status.
var transitions = map[Status][]EventCode{
	StatusRequested:       {EvtReserved},
	StatusReserved:        {EvtStarted, EvtCancelRequested, EvtFailed, EvtCanceled},
	StatusStarted:         {EvtScraperStarted, EvtCancelRequested, EvtFailed, EvtCanceled},
	StatusScraperStarted:  {EvtScraperComplete, EvtCancelRequested, EvtFailed, EvtCanceled},
	StatusScraperComplete: {EvtSucceeded, EvtFailed},
	StatusCancelRequested: {EvtCanceled, EvtFailed},
}

// ValidateTransition checks whether event may legally follow the task's
// current status, per the transitions table above. cancel_requested is
// idempotent: issuing it again from cancel_requested itself is a no-op,
// not an error.
func ValidateTransition(current Status, event EventCode) error {
	if !event.IsLifecycle() {
		// File events are always accepted; they don't move the state
		// machine and are rejected only by the caller if the task itself
		// is unknown.
		return nil
	}
	if current.Terminal() {
		return cmn.NewForbiddenTransitionError(string(current), string(event))
	}
	if event == EvtCancelRequested && current == StatusCancelRequested {
		return nil // idempotent
	}
	allowed, ok := transitions[current]
	if !ok {
		return cmn.NewForbiddenTransitionError(string(current), string(event))
	}
	for _, a := range allowed {
		if a == event {
			return nil
		}
	}
	return cmn.NewForbiddenTransitionError(string(current), string(event))
}

// NextStatus returns the status that results from appending event on top
// of current, assuming ValidateTransition already passed.
func NextStatus(current Status, event EventCode) Status {
	if !event.IsLifecycle() {
		return current
	}
	if event == EvtCancelRequested {
		return StatusCancelRequested
	}
	return Status(event)
}

// ScraperSucceeded reports whether a scraper_completed event's payload
// indicates success.
func ScraperSucceeded(payload map[string]interface{}) bool {
	code, ok := payload["exit_code"]
	if !ok {
		return false
	}
	switch v := code.(type) {
	case float64:
		return v == 0
	case int:
		return v == 0
	case int64:
		return v == 0
	default:
		return false
	}
}
