// Package task holds the data model shared by the dispatcher and the
// task-worker: schedules, requested tasks, tasks, events and workers.
// Types here are tagged structs with explicit schemas rather than
// duck-typed documents; the only thing kept opaque-but-validated is the
// schedule's flags blob.
package task

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the package-wide codec, using jsoniter instead of encoding/json.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is the task's denormalized lifecycle status, a pure function of
// the last recorded lifecycle event's code.
type Status string

const (
	StatusRequested       Status = "requested"
	StatusReserved        Status = "reserved"
	StatusStarted         Status = "started"
	StatusScraperStarted  Status = "scraper_started"
	StatusScraperComplete Status = "scraper_completed"
	StatusCancelRequested Status = "cancel_requested"
	StatusCanceled        Status = "canceled"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// EventCode enumerates the event vocabulary.
type EventCode string

const (
	EvtRequested       EventCode = "requested"
	EvtReserved        EventCode = "reserved"
	EvtStarted         EventCode = "started"
	EvtScraperStarted  EventCode = "scraper_started"
	EvtScraperComplete EventCode = "scraper_completed"
	EvtCancelRequested EventCode = "cancel_requested"
	EvtCanceled        EventCode = "canceled"
	EvtSucceeded       EventCode = "succeeded"
	EvtFailed          EventCode = "failed"

	EvtCreatedFile  EventCode = "created_file"
	EvtUploadedFile EventCode = "uploaded_file"
	EvtFailedFile   EventCode = "failed_file"
)

// IsLifecycle reports whether code drives the status machine.
func (c EventCode) IsLifecycle() bool {
	switch c {
	case EvtCreatedFile, EvtUploadedFile, EvtFailedFile:
		return false
	default:
		return true
	}
}

// Event is one entry in a task's append-only event log.
type Event struct {
	Code      EventCode              `json:"code"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Resources is the cpu/memory/disk/shm shape shared by schedules, workers
// and tasks.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
	Disk   int64   `json:"disk"`
	Shm    int64   `json:"shm,omitempty"`
}

// Image is a container image name+tag pair.
type Image struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

func (i Image) String() string { return i.Name + ":" + i.Tag }

// Config is the frozen, opaque-but-validated snapshot of a schedule's
// recipe. Flags is intentionally a free-form map: offliner flags are
// scraper-specific, and only the offliner command builder
// (internal/offliner) needs to interpret them.
type Config struct {
	TaskName      string                 `json:"task_name"`
	Image         Image                  `json:"image"`
	Flags         map[string]interface{} `json:"flags"`
	Resources     Resources              `json:"resources"`
	WarehousePath string                 `json:"warehouse_path"`
	Queue         string                 `json:"queue"`
}

// Schedule is the external input the scheduler reads by name. Its storage/CRUD is peripheral to this core; the core
// only needs to read an enabled schedule by name.
type Schedule struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Config  Config `json:"config"`
}

// Timestamps tracks when a task was requested and, once promoted,
// reserved.
type Timestamps struct {
	Requested time.Time  `json:"requested"`
	Reserved  *time.Time `json:"reserved,omitempty"`
}

// CommandInformation is the deterministic expansion of a schedule's config,
// computed once at request time by `command_information_for` so the worker never has to recompute it: mount point, argv, the
// joined command string, and the docker extra runtime options.
type CommandInformation struct {
	MountPoint string   `json:"mount_point"`
	Command    []string `json:"command"`
	StrCommand string   `json:"str_command"`
	CapAdd     []string `json:"cap_add,omitempty"`
	Shm        int64    `json:"shm,omitempty"`
}

// RequestedTask is born when the scheduler accepts a schedule reference
// and lives until it is promoted to a Task or deleted.
type RequestedTask struct {
	ID           string             `json:"_id"`
	ScheduleName string             `json:"schedule_name,omitempty"`
	Config       Config             `json:"config"`
	CommandInfo  CommandInformation `json:"command_information"`
	RequestedBy  string             `json:"requested_by"`
	Priority     int                `json:"priority"`
	Worker       string             `json:"worker,omitempty"`
	Timestamp    Timestamps         `json:"timestamp"`
	Events       []Event            `json:"events"`
}

// FileStatus is the per-file upload state.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileUploading FileStatus = "uploading"
	FileUploaded  FileStatus = "uploaded"
	FileFailed    FileStatus = "failed"
)

// FileInfo is one entry of Task.files.
type FileInfo struct {
	Size    int64      `json:"size"`
	Status  FileStatus `json:"status"`
	Retries int        `json:"retries"`
}

// Container is the scraper's runtime descriptor.
type Container struct {
	Image       Image  `json:"image"`
	Command     string `json:"command"`
	LogFilename string `json:"log_filename"`
}

// Task is created on reservation; it inherits the source
// RequestedTask's fields (invariant a: id equality) plus worker-execution
// state.
type Task struct {
	ID           string              `json:"_id"`
	ScheduleName string              `json:"schedule_name,omitempty"`
	Config       Config              `json:"config"`
	CommandInfo  CommandInformation  `json:"command_information"`
	RequestedBy  string              `json:"requested_by"`
	Priority     int                 `json:"priority"`
	Worker       string              `json:"worker"`
	Timestamp    Timestamps          `json:"timestamp"`
	Events       []Event             `json:"events"`
	Container    Container           `json:"container"`
	Files        map[string]FileInfo `json:"files"`
	Debug        map[string]string   `json:"debug,omitempty"`
}

// Status derives the denormalized status from the last recorded
// lifecycle event; file events are skipped since they never move status.
func (t *Task) Status() Status {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Code.IsLifecycle() {
			return Status(t.Events[i].Code)
		}
	}
	return StatusRequested
}

// EventTimestamp returns the timestamp of the most recent event with the
// given code, or the zero time if none was recorded.
func (t *Task) EventTimestamp(code EventCode) time.Time {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Code == code {
			return t.Events[i].Timestamp
		}
	}
	return time.Time{}
}

// Worker is the fleet node record.
type Worker struct {
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	LastSeen  time.Time `json:"last_seen"`
	Resources Resources `json:"resources"`
	Offliners []string  `json:"offliners"`
	Queues    []string  `json:"queues"`
}

// Capable reports whether the worker can run a task needing off and the
// given queue. A worker that declares no queues serves "default".
func (w Worker) Capable(off, queue string) bool {
	okOff, okQueue := false, queue == ""
	for _, o := range w.Offliners {
		if o == off {
			okOff = true
			break
		}
	}
	if !okQueue {
		queues := w.Queues
		if len(queues) == 0 {
			queues = []string{"default"}
		}
		for _, q := range queues {
			if q == queue {
				okQueue = true
				break
			}
		}
	}
	return okOff && okQueue
}

// Fits reports whether the worker's advertised resources cover req.
func (w Worker) Fits(req Resources) bool {
	return req.CPU <= w.Resources.CPU && req.Memory <= w.Resources.Memory && req.Disk <= w.Resources.Disk
}
