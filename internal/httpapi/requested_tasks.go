package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/store"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// handleRequestedTasks routes the /requested-tasks/ family:
// POST/GET on the collection, DELETE/PATCH on a single id.
func (s *Server) handleRequestedTasks(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/requested-tasks/")
	switch {
	case id == "" && r.Method == http.MethodPost:
		s.createRequestedTasks(w, r)
	case id == "" && r.Method == http.MethodGet:
		s.listRequestedTasks(w, r)
	case id != "" && r.Method == http.MethodDelete:
		s.deleteRequestedTask(w, r, id)
	case id != "" && r.Method == http.MethodPatch:
		s.patchRequestedTaskPriority(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type createRequestedTasksBody struct {
	ScheduleNames []string `json:"schedule_names"`
	Priority      int      `json:"priority"`
	Worker        string   `json:"worker"`
}

// createRequestedTasks implements POST /requested-tasks/.
func (s *Server) createRequestedTasks(w http.ResponseWriter, r *http.Request) {
	var body createRequestedTasksBody
	if err := task.JSON.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cmn.NewValidationError("malformed body: %v", err))
		return
	}
	results, err := s.matcher.ExpandSchedules(r.Context(), body.ScheduleNames, usernameFrom(r), body.Priority, body.Worker)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(results))
	for _, res := range results {
		if res.Err == nil {
			ids = append(ids, res.ID)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids})
}

// listRequestedTasks implements GET /requested-tasks/.
func (s *Server) listRequestedTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		ScheduleName: q.Get("schedule_name"),
		Worker:       q.Get("worker"),
	}
	if v := q.Get("priority"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			f.Priority = &p
		}
	}
	if v := q.Get("matching_cpu"); v != "" {
		if cpu, err := strconv.ParseFloat(v, 64); err == nil {
			f.MatchingCPU = &cpu
		}
	}
	if v := q.Get("matching_memory"); v != "" {
		if mem, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.MatchingMemory = &mem
		}
	}
	if v := q.Get("matching_disk"); v != "" {
		if disk, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.MatchingDisk = &disk
		}
	}
	if offs := q["matching_offliners"]; len(offs) > 0 {
		f.MatchingOffliners = offs
	}

	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit > 200 {
		writeError(w, cmn.NewValidationError("limit must be <= 200"))
		return
	}
	if limit <= 0 {
		limit = 200
	}

	rows := s.store.FindRequested(f, skip, limit)
	count := s.store.CountRequested(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": rows, "count": count})
}

// deleteRequestedTask implements DELETE /requested-tasks/{id}.
func (s *Server) deleteRequestedTask(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteRequested(id); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

type patchPriorityBody struct {
	Priority int `json:"priority"`
}

// patchRequestedTaskPriority implements PATCH /requested-tasks/{id}:
// 202 if changed, 200 if unchanged.
func (s *Server) patchRequestedTaskPriority(w http.ResponseWriter, r *http.Request, id string) {
	var body patchPriorityBody
	if err := task.JSON.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cmn.NewValidationError("malformed body: %v", err))
		return
	}
	changed, err := s.store.UpdatePriority(id, body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	if changed {
		writeJSON(w, http.StatusAccepted, nil)
	} else {
		writeJSON(w, http.StatusOK, nil)
	}
}

// handleWorkerPoll implements GET /requested-tasks/worker: an
// authenticated worker poll that records worker.last_seen and returns
// the match-query candidates for the polling worker.
func (s *Server) handleWorkerPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	username := usernameFrom(r)
	q := r.URL.Query()

	cpu, _ := strconv.ParseFloat(q.Get("cpu"), 64)
	mem, _ := strconv.ParseInt(q.Get("memory"), 10, 64)
	disk, _ := strconv.ParseInt(q.Get("disk"), 10, 64)
	var offliners, queues []string
	if v := q.Get("offliners"); v != "" {
		offliners = strings.Split(v, ",")
	}
	if v := q.Get("queues"); v != "" {
		queues = strings.Split(v, ",")
	}

	wk := task.Worker{
		Name:      username,
		Username:  username,
		Resources: task.Resources{CPU: cpu, Memory: mem, Disk: disk},
		Offliners: offliners,
		Queues:    queues,
	}
	s.cluster.Upsert(wk)

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 1
	}
	candidates := s.matcher.Match(wk, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": candidates})
}
