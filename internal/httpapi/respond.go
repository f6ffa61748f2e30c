package httpapi

import (
	"net/http"

	"github.com/kiwix/zimfarm-go/cmn"
	"github.com/kiwix/zimfarm-go/internal/task"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	enc := task.JSON.NewEncoder(w)
	_ = enc.Encode(body)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps a *cmn.TaskError to its designated status; any
// other error is a 500, logged by the caller before it reaches here.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	if te, ok := err.(*cmn.TaskError); ok {
		status = te.Status()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
