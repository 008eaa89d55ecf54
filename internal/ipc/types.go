package ipc

import (
	"time"

	"mediaflow/internal/coordinator"
	"mediaflow/internal/queue"
)

// StageRequest names the stage a control call targets. Any spelling accepted
// by stage.ParseIdentity is valid.
type StageRequest struct {
	Stage string `json:"stage"`
}

// StageResponse reports the stage state after a control call.
type StageResponse struct {
	Stage string `json:"stage"`
	State string `json:"state"`
}

// DispatchResponse reports how many units a dispatch round started.
type DispatchResponse struct {
	Stage      string `json:"stage"`
	State      string `json:"state"`
	Dispatched int    `json:"dispatched"`
}

// StopRequest shuts the daemon down.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status, optionally for one stage.
type StatusRequest struct {
	Stage string `json:"stage,omitempty"`
}

// StageStatus is the per-stage snapshot.
type StageStatus = coordinator.Status

// StatusResponse represents combined daemon and pipeline status.
type StatusResponse struct {
	Running       bool           `json:"running"`
	PID           int            `json:"pid"`
	QueueDBPath   string         `json:"queue_db_path"`
	LockPath      string         `json:"lock_path"`
	APIAddr       string         `json:"api_addr,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	QueueStats    map[string]int `json:"queue_stats"`
	Stages        []StageStatus  `json:"stages"`
	WorkersLive   int            `json:"workers_live"`
	IngestEnabled bool           `json:"ingest_enabled"`
}

// QueueItem is the wire form of a work unit.
type QueueItem struct {
	ID           int64     `json:"id"`
	SourcePath   string    `json:"source_path"`
	Title        string    `json:"title,omitempty"`
	Stage        string    `json:"stage"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	OutputPath   string    `json:"output_path,omitempty"`
	Progress     string    `json:"progress,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FromWorkUnit converts a stored unit to its wire form.
func FromWorkUnit(unit *queue.WorkUnit) QueueItem {
	if unit == nil {
		return QueueItem{}
	}
	return QueueItem{
		ID:           unit.ID,
		SourcePath:   unit.SourcePath,
		Title:        unit.Title,
		Stage:        string(unit.Stage),
		Status:       string(unit.Status),
		Attempts:     unit.Attempts,
		OutputPath:   unit.OutputPath,
		Progress:     unit.ProgressMessage,
		ErrorMessage: unit.ErrorMessage,
		CreatedAt:    unit.CreatedAt,
		UpdatedAt:    unit.UpdatedAt,
	}
}

// QueueListRequest filters queue listing by stage and status.
type QueueListRequest struct {
	Stage    string   `json:"stage,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

// QueueListResponse contains queue entries.
type QueueListResponse struct {
	Items []QueueItem `json:"items"`
}

// QueueAddRequest enqueues a source file for the analyzer.
type QueueAddRequest struct {
	Path string `json:"path"`
}

// QueueAddResponse returns the unit for the path and whether it is new.
type QueueAddResponse struct {
	Item    QueueItem `json:"item"`
	Created bool      `json:"created"`
}

// QueueRetryRequest retries failed units; no ids retries all of them.
type QueueRetryRequest struct {
	IDs []int64 `json:"ids,omitempty"`
}

// QueueRetryResponse reports how many units were returned to pending.
type QueueRetryResponse struct {
	Updated int64 `json:"updated"`
}

// QueueResetRequest returns expired claims to pending.
type QueueResetRequest struct{}

// QueueResetResponse reports how many claims were reset.
type QueueResetResponse struct {
	Updated int64 `json:"updated"`
}

// QueueRemoveRequest deletes units by id.
type QueueRemoveRequest struct {
	IDs []int64 `json:"ids"`
}

// QueueRemoveResponse reports how many units were removed.
type QueueRemoveResponse struct {
	Removed int64 `json:"removed"`
}
