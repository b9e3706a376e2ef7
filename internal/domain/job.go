package domain

import (
	"encoding/json"
	"time"
)

// JobMode enumerates supported generation job categories. The mode selects
// the quota bucket and the upstream request shape; the orchestrator treats it
// as routing metadata only.
type JobMode string

const (
	JobModeSingle  JobMode = "single"
	JobModeBatch   JobMode = "batch"
	JobModeFrame   JobMode = "frame"
	JobModeExtend  JobMode = "extend"
	JobModeReshoot JobMode = "reshoot"
)

// ValidMode reports whether m is one of the supported job modes.
func ValidMode(m JobMode) bool {
	switch m {
	case JobModeSingle, JobModeBatch, JobModeFrame, JobModeExtend, JobModeReshoot:
		return true
	}
	return false
}

// QuotaMode maps a job mode onto the quota bucket it consumes. Extend and
// reshoot produce one clip each and meter against the single bucket.
func (m JobMode) QuotaMode() JobMode {
	switch m {
	case JobModeExtend, JobModeReshoot:
		return JobModeSingle
	}
	return m
}

// JobState enumerates job lifecycle states. Terminal states are final; no
// transition leaves them.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateSubmitting JobState = "submitting"
	JobStatePolling    JobState = "polling"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// FailReason classifies why a job reached the failed state.
type FailReason string

const (
	FailReasonQuotaExceeded     FailReason = "quota_exceeded"
	FailReasonCredentialExpired FailReason = "credential_expired"
	FailReasonUpstreamError     FailReason = "upstream_error"
	FailReasonTimeout           FailReason = "timeout"
)

// SubRequest describes one upstream submit call to make on behalf of a job.
// The client supplies the provider-specific shape; the orchestrator treats it
// as opaque apart from credential injection and model-key substitution.
type SubRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// OperationStatus is the provider-reported status string, passed through
// opaquely. Only the terminal classification matters to the orchestrator.
type OperationStatus string

const (
	OperationPending OperationStatus = "MEDIA_GENERATION_STATUS_PENDING"
	OperationActive  OperationStatus = "MEDIA_GENERATION_STATUS_ACTIVE"
	OperationSuccess OperationStatus = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	OperationError   OperationStatus = "MEDIA_GENERATION_STATUS_FAILED"
)

// TerminalOperation reports whether the provider status names a finished
// operation, successful or not.
func TerminalOperation(s OperationStatus) bool {
	return s == OperationSuccess || s == OperationError
}

// OperationResult is the per-handle outcome populated during polling.
type OperationResult struct {
	Handle       string          `json:"handle"`
	Status       OperationStatus `json:"status"`
	ArtifactURL  string          `json:"artifact_url,omitempty"`
	GenerationID string          `json:"generation_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Succeeded reports whether the operation produced a real artifact.
func (r OperationResult) Succeeded() bool {
	return r.Status == OperationSuccess && r.ArtifactURL != ""
}

// Job encapsulates the lifecycle of one generation request. It is mutated
// only by the owning orchestrator loop; readers receive copies.
type Job struct {
	ID               string
	UserID           string
	Mode             JobMode
	Model            string
	Requests         []SubRequest
	OperationHandles []string
	State            JobState
	Attempts         int
	Results          []OperationResult
	FailReason       FailReason
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot returns a deep copy safe to hand to readers while the owning loop
// keeps mutating the original.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.Requests = append([]SubRequest(nil), j.Requests...)
	cp.OperationHandles = append([]string(nil), j.OperationHandles...)
	cp.Results = append([]OperationResult(nil), j.Results...)
	return cp
}
