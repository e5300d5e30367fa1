// Package types defines the shared domain model for the Uplift notification
// service: the notification record and its lifecycle, recipient targeting,
// delivery results, and the error/context plumbing used across packages.
package types

import "time"

// NotificationStatus is the lifecycle state of a notification record.
type NotificationStatus string

const (
	// StatusDraft is the initial state; not eligible for sending.
	StatusDraft NotificationStatus = "draft"
	// StatusScheduled marks a record as eligible once scheduled_for passes.
	StatusScheduled NotificationStatus = "scheduled"
	// StatusSending is the in-flight claim marker set by the dispatcher
	// before the gateway call. It prevents a second trigger (manual send vs
	// poller) from dispatching the same record concurrently.
	StatusSending NotificationStatus = "sending"
	// StatusSent is terminal. A sent record is never dispatched again.
	StatusSent NotificationStatus = "sent"
	// StatusFailed is terminal but retriable: an operator may move the record
	// back to scheduled via an explicit reschedule. The poller never retries
	// failed records on its own.
	StatusFailed NotificationStatus = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Dispatchable reports whether a record in this state may be claimed for
// dispatch. Only draft and scheduled records are eligible; sending, sent and
// failed are all refused (failed requires an explicit reschedule first).
func (s NotificationStatus) Dispatchable() bool {
	return s == StatusDraft || s == StatusScheduled
}

// TargetMode selects the audience of a notification.
type TargetMode string

const (
	// TargetAll broadcasts to every subscribed device.
	TargetAll TargetMode = "all"
	// TargetUsers sends to an explicit list of user IDs.
	TargetUsers TargetMode = "users"
)

// Valid reports whether t is a known target mode.
func (t TargetMode) Valid() bool {
	return t == TargetAll || t == TargetUsers
}

// Notification is the durable unit of work for both manual and scheduled
// sends. Records are created by the admin composer in draft or scheduled
// status and transition to sent or failed exclusively through the dispatcher.
type Notification struct {
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Target  TargetMode `json:"target"`
	// RecipientIDs is only meaningful when Target is "users". Entries are
	// stored as-is; normalization to canonical user IDs happens lazily at
	// send time so legacy or partially populated references do not block
	// record creation.
	RecipientIDs []string `json:"recipient_ids,omitempty"`

	ScheduledFor *time.Time         `json:"scheduled_for,omitempty"`
	Status       NotificationStatus `json:"status"`
	// SentAt is set exactly once, on the successful transition into sent.
	SentAt *time.Time `json:"sent_at,omitempty"`
	// ProviderNotificationID is the opaque id returned by the push gateway on
	// success, kept for audit correlation.
	ProviderNotificationID string `json:"provider_notification_id,omitempty"`
	FailureReason          string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is the slice of the user store this service consumes. The core never
// mutates users; it only reads Active to decide delivery eligibility.
type User struct {
	ID     string
	Active bool
}

// RecipientSet is the resolved, delivery-ready audience of a notification.
// It is a tagged union: either Broadcast is true and ExternalIDs is empty,
// or Broadcast is false and ExternalIDs holds at least one canonical user ID.
type RecipientSet struct {
	Broadcast   bool
	ExternalIDs []string
}

// BroadcastSet returns the broadcast variant of RecipientSet.
func BroadcastSet() RecipientSet {
	return RecipientSet{Broadcast: true}
}

// ExternalIDSet returns the explicit-users variant of RecipientSet.
func ExternalIDSet(ids []string) RecipientSet {
	return RecipientSet{ExternalIDs: ids}
}

// DeliveryResult is the normalized outcome of one gateway invocation.
// A transport-level 2xx does not imply Success: responses embedding
// application-level errors are reported as failures.
type DeliveryResult struct {
	Success bool
	// NotificationID is the provider-assigned id, present only on success.
	NotificationID string
	// Error is a human-actionable message, present only on failure.
	Error string
}

// DispatchOutcome classifies the result of one dispatch operation.
type DispatchOutcome string

const (
	// OutcomeSent means the gateway accepted the notification and the record
	// was persisted as sent.
	OutcomeSent DispatchOutcome = "sent"
	// OutcomeFailed means resolution or delivery failed and the record was
	// persisted as failed.
	OutcomeFailed DispatchOutcome = "failed"
	// OutcomeRefused means the record was not eligible (already sent, already
	// in flight, or failed without a reschedule). The record is unchanged and
	// the gateway was never called.
	OutcomeRefused DispatchOutcome = "refused"
)

// TickSummary aggregates one poller tick for logging and metrics.
type TickSummary struct {
	Due        int
	Sent       int
	Failed     int
	SweptStale int64
}
