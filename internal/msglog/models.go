package msglog

import (
	"time"
)

type Direction string

const (
	DirectionProduced Direction = "Produced"
	DirectionConsumed Direction = "Consumed"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusSent       Status = "Sent"
	StatusDelivered  Status = "Delivered"
	StatusFailed     Status = "Failed"
	StatusProcessed  Status = "Processed"
	StatusSkipped    Status = "Skipped"
	StatusDeadLetter Status = "Dead Letter"
)

// allowedTransitions encodes the monotonic status machine. Produced entries
// move Pending->Sent->Delivered or Pending->Failed; a failed produce is
// retried by opening a new entry, never by reviving this one. Consumed
// entries end in Processed, Skipped or Dead Letter.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusDelivered, StatusProcessed, StatusSkipped, StatusFailed},
	StatusSent:    {StatusDelivered, StatusFailed},
	StatusFailed:  {StatusDeadLetter},
}

// PriorStatuses returns the statuses an entry may hold immediately before
// moving to next. An empty result means next is unreachable.
func PriorStatuses(next Status) []Status {
	var priors []Status
	for from, targets := range allowedTransitions {
		for _, target := range targets {
			if target == next {
				priors = append(priors, from)
			}
		}
	}
	return priors
}

// IsTerminal reports whether no further transition may leave the status.
func IsTerminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

// CompletedStatuses are the terminal outcomes that mark an idempotency key
// as already handled for duplicate suppression.
var CompletedStatuses = []Status{StatusDelivered, StatusProcessed, StatusSkipped}

type Entry struct {
	ID             string     `json:"id"`
	Direction      Direction  `json:"direction"`
	Topic          string     `json:"topic"`
	Partition      *int       `json:"partition,omitempty"`
	Offset         *int64     `json:"offset,omitempty"`
	MessageKey     string     `json:"message_key,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	TenantID       string     `json:"tenant_id"`
	Doctype        string     `json:"doctype,omitempty"`
	Docname        string     `json:"docname,omitempty"`
	EventType      string     `json:"event_type,omitempty"`
	Status         Status     `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Payload        []byte     `json:"payload,omitempty"`
	SchemaSubject  string     `json:"schema_subject,omitempty"`
	SchemaID       *int       `json:"schema_id,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StatRow is one aggregated bucket for the stats probe.
type StatRow struct {
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`
	Count     int64     `json:"count"`
}
