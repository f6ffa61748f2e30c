package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/store"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// handleTasks routes the /tasks/ family: GET the collection or
// .../{id}, POST .../{requested_id} to reserve, PATCH .../{id} to report
// an event, POST .../{id}/cancel to request cancellation.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")

	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.listTasks(w, r)
	case rest != "" && r.Method == http.MethodGet:
		t, ok := s.store.GetTask(rest)
		if !ok {
			writeError(w, cmn.NewNotFoundError("task", rest))
			return
		}
		writeJSON(w, http.StatusOK, t)
	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/cancel"):
		s.cancelTask(w, r, strings.TrimSuffix(rest, "/cancel"))
	case rest != "" && r.Method == http.MethodPost:
		s.reserveTask(w, r, rest)
	case rest != "" && r.Method == http.MethodPatch:
		s.patchTaskEvent(w, r, rest)
	default:
		http.NotFound(w, r)
	}
}

// listTasks implements GET /tasks/.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{ScheduleName: q.Get("schedule_name")}
	for _, v := range q["status"] {
		f.Status = append(f.Status, task.Status(v))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": s.store.ListTasks(f)})
}

// reserveTask implements POST /tasks/{requested_id}?worker_name=...:
// 201 with the reserved Task; 423 Locked if already reserved.
func (s *Server) reserveTask(w http.ResponseWriter, r *http.Request, requestedID string) {
	workerName := r.URL.Query().Get("worker_name")
	if workerName == "" {
		workerName = usernameFrom(r)
	}
	wk, _ := s.cluster.Get(workerName)
	if wk.Name == "" {
		wk = task.Worker{Name: workerName, Username: usernameFrom(r)}
	}
	t, err := s.reserve.Reserve(wk, requestedID, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type patchEventBody struct {
	Event   task.EventCode         `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// patchTaskEvent implements PATCH /tasks/{id}: validates the
// event vocabulary, appends it, broadcasts the update, never fails the
// PATCH on a broadcast error.
func (s *Server) patchTaskEvent(w http.ResponseWriter, r *http.Request, id string) {
	var body patchEventBody
	if err := task.JSON.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cmn.NewValidationError("malformed body: %v", err))
		return
	}
	if !isKnownEvent(body.Event) {
		writeError(w, cmn.NewValidationError("unknown event %q", body.Event))
		return
	}
	if fi, filename, ok := fileInfoFromPayload(body.Event, body.Payload); ok {
		if err := s.store.UpdateFile(id, filename, fi); err != nil {
			writeError(w, err)
			return
		}
	}
	s.appendAndBroadcast(w, id, task.Event{Code: body.Event, Timestamp: time.Now(), Payload: body.Payload})
}

// fileInfoFromPayload extracts a files[filename] update out of a file
// event's payload.
func fileInfoFromPayload(code task.EventCode, payload map[string]interface{}) (task.FileInfo, string, bool) {
	if code.IsLifecycle() {
		return task.FileInfo{}, "", false
	}
	name, _ := payload["name"].(string)
	if name == "" {
		name, _ = payload["filename"].(string)
	}
	if name == "" {
		return task.FileInfo{}, "", false
	}
	fi := task.FileInfo{}
	if size, ok := payload["size"].(float64); ok {
		fi.Size = int64(size)
	}
	switch code {
	case task.EvtCreatedFile:
		fi.Status = task.FilePending
	case task.EvtUploadedFile:
		fi.Status = task.FileUploaded
	case task.EvtFailedFile:
		fi.Status = task.FileFailed
	}
	if status, ok := payload["status"].(string); ok && status != "" {
		fi.Status = task.FileStatus(status)
	}
	return fi, name, true
}

type cancelBody struct {
	CanceledBy string `json:"canceled_by"`
}

// cancelTask implements POST /tasks/{id}/cancel: records
// cancel_requested{canceled_by}, broadcasts.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, id string) {
	var body cancelBody
	_ = task.JSON.NewDecoder(r.Body).Decode(&body)
	if body.CanceledBy == "" {
		body.CanceledBy = usernameFrom(r)
	}
	s.appendAndBroadcast(w, id, task.Event{
		Code:      task.EvtCancelRequested,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"canceled_by": body.CanceledBy},
	})
}

func (s *Server) appendAndBroadcast(w http.ResponseWriter, id string, ev task.Event) {
	if _, err := s.store.AppendEvent(id, ev); err != nil {
		writeError(w, err)
		return
	}
	if t, ok := s.store.GetTask(id); ok {
		s.hub.Publish(t)
	}
	writeNoContent(w)
}

func isKnownEvent(c task.EventCode) bool {
	switch c {
	case task.EvtRequested, task.EvtReserved, task.EvtStarted, task.EvtScraperStarted,
		task.EvtScraperComplete, task.EvtCancelRequested, task.EvtCanceled,
		task.EvtSucceeded, task.EvtFailed,
		task.EvtCreatedFile, task.EvtUploadedFile, task.EvtFailedFile:
		return true
	default:
		return false
	}
}
