package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"uplift/internal/gateway"
	"uplift/internal/types"
)

// NotificationStore abstracts the database operations the dispatcher needs
// from the NotificationRepository. Using an interface allows clean testing
// without database dependencies.
type NotificationStore interface {
	GetByID(ctx context.Context, id string) (*types.Notification, error)
	// Claim atomically flips draft|scheduled -> sending, returning the
	// claimed record. claimed=false means the record was not eligible.
	Claim(ctx context.Context, id string) (*types.Notification, bool, error)
	MarkSent(ctx context.Context, id string, providerID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// RecipientResolver abstracts the resolver for testing.
type RecipientResolver interface {
	Resolve(ctx context.Context, n *types.Notification) (types.RecipientSet, error)
}

// Outcome is the result of one dispatch operation.
type Outcome struct {
	Result types.DispatchOutcome
	// Reason is set for failed and refused outcomes.
	Reason string
	// RefusalCode discriminates refusals for HTTP mapping (already sent vs
	// in flight vs failed-without-reschedule). Empty unless Result is refused.
	RefusalCode types.ErrorCode
	// ProviderNotificationID is set on sent outcomes.
	ProviderNotificationID string
	// Record is the notification in its post-dispatch state.
	Record *types.Notification
}

// Dispatcher is the single send routine shared by both triggers (manual
// "send now" and the scheduler poller), so the idempotency and
// failure-handling invariants hold identically regardless of trigger.
type Dispatcher struct {
	store    NotificationStore
	resolver RecipientResolver
	sender   gateway.Sender
	clock    types.Clock
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store NotificationStore, resolver RecipientResolver, sender gateway.Sender, clock types.Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		sender:   sender,
		clock:    clock,
		logger:   logger,
	}
}

// Dispatch performs one send for the given notification record:
//
//  1. Refuse already-completed records (status=sent with sent_at set) with
//     zero gateway calls.
//  2. Atomically claim the record (draft|scheduled -> sending). Losing the
//     claim race is a refusal, not an error; this is what makes concurrent
//     manual-send and poller triggers safe on the same record.
//  3. Resolve recipients; a resolution error marks the record failed without
//     calling the gateway.
//  4. Call the delivery gateway with correlation metadata.
//  5. Persist the outcome (sent + sent_at, or failed + reason).
//
// Returned errors are infrastructure failures (database unreachable);
// domain-level failures are reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (Outcome, error) {
	record, err := d.store.GetByID(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	if record.Status == types.StatusSent && record.SentAt != nil {
		return Outcome{
			Result:      types.OutcomeRefused,
			Reason:      "notification already sent",
			RefusalCode: types.ErrCodeConflictAlreadySent,
			Record:      record,
		}, nil
	}

	claimed, ok, err := d.store.Claim(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return d.refuseUnclaimed(ctx, id, record)
	}
	record = claimed

	recipients, err := d.resolver.Resolve(ctx, record)
	if err != nil {
		reason := resolutionReason(err)
		d.logger.Warn("recipient resolution failed",
			"notification_id", record.ID,
			"title", record.Title,
			"reason", reason,
		)
		return d.fail(ctx, record, reason)
	}

	metadata := map[string]any{
		"notification_id": record.ID,
		"target":          string(record.Target),
	}
	if !recipients.Broadcast {
		metadata["recipient_ids"] = recipients.ExternalIDs
	}

	result := d.sender.Send(ctx, record.Title, record.Message, recipients, metadata)
	if !result.Success {
		d.logger.Warn("push delivery failed",
			"notification_id", record.ID,
			"title", record.Title,
			"reason", result.Error,
		)
		return d.fail(ctx, record, result.Error)
	}

	now := d.clock.Now()
	if err := d.store.MarkSent(ctx, record.ID, result.NotificationID, now); err != nil {
		// The push already went out; the claim sweeper will surface the
		// record if this write was lost. Log loudly but report success.
		d.logger.Error("failed to persist sent status after successful delivery",
			"notification_id", record.ID,
			"provider_notification_id", result.NotificationID,
			"error", err,
		)
	}

	record.Status = types.StatusSent
	record.SentAt = &now
	record.ProviderNotificationID = result.NotificationID
	record.FailureReason = ""

	d.logger.Info("notification dispatched",
		"notification_id", record.ID,
		"provider_notification_id", result.NotificationID,
		"target", string(record.Target),
	)

	return Outcome{
		Result:                 types.OutcomeSent,
		ProviderNotificationID: result.NotificationID,
		Record:                 record,
	}, nil
}

// ForceFail marks a record failed outside the normal dispatch flow. The
// poller uses this after recovering a per-record panic so the record never
// sticks in a dispatchable state.
func (d *Dispatcher) ForceFail(ctx context.Context, id string, reason string) {
	if err := d.store.MarkFailed(ctx, id, reason); err != nil {
		d.logger.Error("failed to force-fail notification",
			"notification_id", id,
			"error", err,
		)
	}
}

// refuseUnclaimed classifies a lost claim by re-reading the record's current
// state, so the caller gets an accurate refusal code even when another
// trigger raced us between the read and the claim.
func (d *Dispatcher) refuseUnclaimed(ctx context.Context, id string, stale *types.Notification) (Outcome, error) {
	current, err := d.store.GetByID(ctx, id)
	if err != nil {
		current = stale
	}

	out := Outcome{Result: types.OutcomeRefused, Record: current}
	switch current.Status {
	case types.StatusSent:
		out.Reason = "notification already sent"
		out.RefusalCode = types.ErrCodeConflictAlreadySent
	case types.StatusSending:
		out.Reason = "notification dispatch already in progress"
		out.RefusalCode = types.ErrCodeConflictInFlight
	case types.StatusFailed:
		out.Reason = "notification previously failed; reschedule it to retry"
		out.RefusalCode = types.ErrCodeConflictNotEligible
	default:
		out.Reason = "notification is not eligible for dispatch"
		out.RefusalCode = types.ErrCodeConflictNotEligible
	}
	return out, nil
}

// fail persists a failed outcome and reports it.
func (d *Dispatcher) fail(ctx context.Context, record *types.Notification, reason string) (Outcome, error) {
	if err := d.store.MarkFailed(ctx, record.ID, reason); err != nil {
		d.logger.Error("failed to persist failed status",
			"notification_id", record.ID,
			"error", err,
		)
	}

	record.Status = types.StatusFailed
	record.FailureReason = reason

	return Outcome{
		Result: types.OutcomeFailed,
		Reason: reason,
		Record: record,
	}, nil
}

// resolutionReason extracts the operator-facing message from a resolution
// error, unwrapping AppErrors to their message.
func resolutionReason(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return fmt.Sprintf("recipient resolution failed: %v", err)
}
