package domain

import "time"

// EventType names one kind of job lifecycle event.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventInitial   EventType = "initial"
	EventPolled    EventType = "polled"
	EventBackoff   EventType = "backoff"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether t closes the job's event stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Event is one immutable entry in a job's ordered, append-only event log.
// Exactly one payload field is set, matching Type; consumers switch on Type
// instead of probing for fields.
type Event struct {
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Queued    *QueuedPayload    `json:"queued,omitempty"`
	Started   *StartedPayload   `json:"started,omitempty"`
	Initial   *InitialPayload   `json:"initial,omitempty"`
	Polled    *PolledPayload    `json:"polled,omitempty"`
	Backoff   *BackoffPayload   `json:"backoff,omitempty"`
	Completed *CompletedPayload `json:"completed,omitempty"`
	Failed    *FailedPayload    `json:"failed,omitempty"`
	Cancelled *CancelledPayload `json:"cancelled,omitempty"`
}

// QueuedPayload accompanies the first event of every job.
type QueuedPayload struct {
	Mode  JobMode `json:"mode"`
	Model string  `json:"model"`
}

// StartedPayload is published once the upstream submit succeeded.
type StartedPayload struct {
	OperationHandles []string `json:"operation_handles"`
}

// InitialPayload carries the first raw status snapshot, fetched immediately
// after submit so the client has something to render right away.
type InitialPayload struct {
	Results []OperationResult `json:"results"`
}

// PolledPayload carries one status-check round's results. Partial completions
// appear here before the job as a whole is terminal.
type PolledPayload struct {
	Attempt int               `json:"attempt"`
	Results []OperationResult `json:"results"`
}

// BackoffPayload reports a rate-limited round and the delay before the retry.
type BackoffPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// CompletedPayload carries the final aggregated result.
type CompletedPayload struct {
	Results []OperationResult `json:"results"`
}

// FailedPayload carries the failure classification, forwarded verbatim so the
// client can distinguish credential expiry from upstream rejection.
type FailedPayload struct {
	Reason  FailReason `json:"reason"`
	Message string     `json:"message,omitempty"`
}

// CancelledPayload marks a user-initiated stop; not an error.
type CancelledPayload struct{}
