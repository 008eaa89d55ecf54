package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

// Status is the state of a unit within its current stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
)

var allStatuses = []Status{StatusPending, StatusClaimed, StatusFailed, StatusDone}

// Statuses returns every known status in display order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a user-supplied value into a Status.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range allStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown queue status %q", value)
}

var (
	// ErrNotFound reports a missing work unit.
	ErrNotFound = errors.New("work unit not found")
	// ErrClaimLost reports that a claim was released or reclaimed before the
	// holder settled it.
	ErrClaimLost = errors.New("work unit claim lost")
)

// WorkUnit is one item moving through the pipeline.
type WorkUnit struct {
	ID              int64          `json:"id"`
	SourcePath      string         `json:"source_path"`
	Title           string         `json:"title"`
	Stage           stage.Identity `json:"stage"`
	Status          Status         `json:"status"`
	ClaimToken      string         `json:"claim_token,omitempty"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	LastHeartbeat   *time.Time     `json:"last_heartbeat,omitempty"`
	Attempts        int            `json:"attempts"`
	AnalysisJSON    string         `json:"analysis_json,omitempty"`
	SearchJSON      string         `json:"search_json,omitempty"`
	EncodeJSON      string         `json:"encode_json,omitempty"`
	OutputPath      string         `json:"output_path,omitempty"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Payload returns the persisted result of stage id for this unit.
func (u *WorkUnit) Payload(id stage.Identity) string {
	switch id {
	case stage.Analyzer:
		return u.AnalysisJSON
	case stage.QualitySearch:
		return u.SearchJSON
	case stage.Encoder:
		return u.EncodeJSON
	default:
		return ""
	}
}

// DecodePayload unmarshals the persisted result of stage id into v.
func (u *WorkUnit) DecodePayload(id stage.Identity, v any) error {
	raw := strings.TrimSpace(u.Payload(id))
	if raw == "" {
		return fmt.Errorf("unit %d has no %s result", u.ID, id)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s result for unit %d: %w", id, u.ID, err)
	}
	return nil
}

// Outcome settles a claimed unit.
type Outcome struct {
	Success    bool
	Payload    json.RawMessage
	OutputPath string
	Error      string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Stage    stage.Identity
	Statuses []Status
	Limit    int
}

func payloadColumn(id stage.Identity) (string, error) {
	switch id {
	case stage.Analyzer:
		return "analysis_json", nil
	case stage.QualitySearch:
		return "search_json", nil
	case stage.Encoder:
		return "encode_json", nil
	default:
		return "", fmt.Errorf("%w: %q", stage.ErrInvalidStageIdentity, string(id))
	}
}
