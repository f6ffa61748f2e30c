// Package reserve implements the two-phase take-then-commit hand-off
// between the match query and Store.Promote: begin, then commit, retrying
// on conflict, scaled down to a single document rather than a
// cluster-wide metadata transaction.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package reserve

import (
	"time"

	"github.com/golang/glog"
	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/match"
	"github.com/kiwix/zimfarm-go/internal/store"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// maxRetries bounds how many times Reserve retries past a candidate
// that lost the race on AlreadyReserved before giving up.
const maxRetries = 3

// Service reserves a task for a worker.
type Service struct {
	store   *store.Store
	matcher *match.Matcher
}

func New(s *store.Store, m *match.Matcher) *Service {
	return &Service{store: s, matcher: m}
}

// ErrNoCandidate is returned when the match query found nothing to
// reserve; it is not an error condition for the caller, just a typed sentinel so the HTTP layer
// can tell 423-after-candidates apart from "nothing to do".
var ErrNoCandidate = cmn.NewNotFoundError("requested task", "(no match)")

// Reserve runs the match-driven pull-style reservation when requestedID
// is empty, and the explicit-id reservation behind
// POST /tasks/{requested_id}?worker_name=... when it isn't.
func (s *Service) Reserve(w task.Worker, requestedID string, now time.Time) (*task.Task, error) {
	if requestedID != "" {
		t, err := s.store.Promote(requestedID, w.Name, now)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	var lastSeenID string
	for attempt := 0; attempt < maxRetries; attempt++ {
		candidates := s.matcher.Match(w, maxRetries+1)
		candidate := firstPast(candidates, lastSeenID)
		if candidate == nil {
			return nil, ErrNoCandidate
		}
		t, err := s.store.Promote(candidate.ID, w.Name, now)
		if err == nil {
			return t, nil
		}
		if !cmn.IsKind(err, cmn.KindAlreadyReserved) {
			return nil, err
		}
		// Someone else won the race for candidate.ID; advance past it so
		// the next attempt doesn't just retry the same head-of-queue
		// candidate and starve behind a fast-moving competitor.
		glog.Warningf("reserve: %q already reserved, retrying (attempt %d/%d)", candidate.ID, attempt+1, maxRetries)
		lastSeenID = candidate.ID
	}
	return nil, cmn.NewAlreadyReservedError(lastSeenID)
}

func firstPast(candidates []*task.RequestedTask, lastSeenID string) *task.RequestedTask {
	if lastSeenID == "" {
		if len(candidates) == 0 {
			return nil
		}
		return candidates[0]
	}
	seen := false
	for _, c := range candidates {
		if seen {
			return c
		}
		if c.ID == lastSeenID {
			seen = true
		}
	}
	if !seen && len(candidates) > 0 {
		// lastSeenID fell out of the candidate window entirely (it was
		// promoted and is gone); any remaining candidate is fair game.
		return candidates[0]
	}
	return nil
}
