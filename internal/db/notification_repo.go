package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"uplift/internal/types"
)

// NotificationRepository provides data access for the notifications table.
//
// Expected schema:
//
//	CREATE TABLE notifications (
//	    id                       text PRIMARY KEY,
//	    title                    text NOT NULL,
//	    message                  text NOT NULL,
//	    target                   text NOT NULL,
//	    recipient_ids            text[] NOT NULL DEFAULT '{}',
//	    scheduled_for            timestamptz,
//	    status                   text NOT NULL DEFAULT 'draft',
//	    sent_at                  timestamptz,
//	    provider_notification_id text,
//	    failure_reason           text,
//	    created_at               timestamptz NOT NULL DEFAULT NOW(),
//	    updated_at               timestamptz NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_notifications_due
//	    ON notifications (scheduled_for) WHERE status = 'scheduled';
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository backed by
// the given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// notificationColumns is the standard column set selected for notification
// queries. Used consistently across all query methods to avoid column drift.
const notificationColumns = `id, title, message, target, recipient_ids, scheduled_for,
	status, sent_at, provider_notification_id, failure_reason, created_at, updated_at`

// Create inserts a new notification record. If the ID is empty, a prefixed
// UUID (ntf_...) is generated. CreatedAt/UpdatedAt are set by the database.
func (r *NotificationRepository) Create(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = "ntf_" + uuid.New().String()
	}
	if n.Status == "" {
		n.Status = types.StatusDraft
	}
	if n.RecipientIDs == nil {
		n.RecipientIDs = []string{}
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (id, title, message, target, recipient_ids, scheduled_for, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		n.ID,
		n.Title,
		n.Message,
		string(n.Target),
		n.RecipientIDs,
		nilIfZeroTime(n.ScheduledFor),
		string(n.Status),
	)
	if err := row.Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return nil
}

// GetByID fetches a single notification record.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.Notification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE id = $1`,
		id,
	)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	return n, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status types.NotificationStatus // empty means all statuses
	Limit  int                      // default 20, capped at 100
	Cursor string                   // RFC3339Nano created_at of the last seen record
}

// List returns notifications ordered by created_at descending with
// cursor-based pagination. The returned cursor is empty when no more pages
// exist. Uses the limit+1 strategy to detect HasMore.
func (r *NotificationRepository) List(ctx context.Context, filter ListFilter) ([]*types.Notification, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return nil, "", types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT `+notificationColumns+`
		 FROM notifications
		 %s
		 ORDER BY created_at DESC
		 LIMIT $%d`,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var results []*types.Notification
	for rows.Next() {
		n, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", scanErr)
		}
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}

	nextCursor := ""
	if len(results) > limit {
		results = results[:limit]
		nextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
	}

	return results, nextCursor, nil
}

// ListDue returns scheduled notifications whose scheduled_for has passed,
// oldest first, bounded by limit. This is the poller's work query; it only
// ever selects status='scheduled', so failed records are never retried
// automatically.
func (r *NotificationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE status = 'scheduled' AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		 ORDER BY scheduled_for
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due notifications", err)
	}
	defer rows.Close()

	var results []*types.Notification
	for rows.Next() {
		n, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due notification", scanErr)
		}
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due notifications", err)
	}

	return results, nil
}

// Claim atomically flips a draft or scheduled record into the in-flight
// sending state and returns the claimed record. Returns (nil, false, nil)
// when the record exists but is not claimable (already sending, sent, or
// failed), which is how concurrent manual-send and poller triggers lose the
// race safely. The conditional UPDATE is the only locking discipline the
// dispatch path needs.
func (r *NotificationRepository) Claim(ctx context.Context, id string) (*types.Notification, bool, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE notifications
		 SET status = 'sending', updated_at = NOW()
		 WHERE id = $1 AND status IN ('draft', 'scheduled')
		 RETURNING `+notificationColumns,
		id,
	)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim notification", err)
	}
	return n, true, nil
}

// MarkSent records a successful dispatch: status=sent, sent_at, and the
// provider's notification id. The sent_at IS NULL guard enforces that sent_at
// is set exactly once; a second call is a no-op error.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string, providerID string, sentAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET status = 'sent',
		     sent_at = $2,
		     provider_notification_id = $3,
		     failure_reason = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND sent_at IS NULL`,
		id,
		sentAt,
		nilIfEmpty(providerID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictAlreadySent, "notification already marked sent", nil)
	}
	return nil
}

// MarkFailed records a failed dispatch with a human-readable reason. Sent
// records are never overwritten.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET status = 'failed',
		     failure_reason = $2,
		     updated_at = NOW()
		 WHERE id = $1 AND status <> 'sent'`,
		id,
		reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictAlreadySent, "notification already sent; cannot mark failed", nil)
	}
	return nil
}

// Reschedule moves a draft or failed record (or an already-scheduled one,
// to change its time) back into the scheduled state with a new due time.
// This is the explicit administrative retry path for failed records.
func (r *NotificationRepository) Reschedule(ctx context.Context, id string, scheduledFor time.Time) (*types.Notification, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE notifications
		 SET status = 'scheduled',
		     scheduled_for = $2,
		     failure_reason = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status IN ('draft', 'scheduled', 'failed')
		 RETURNING `+notificationColumns,
		id,
		scheduledFor,
	)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeConflictNotEligible,
				"notification cannot be rescheduled from its current state", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to reschedule notification", err)
	}
	return n, nil
}

// SweepStaleClaims fails any record stuck in the sending state since before
// the cutoff. A stale claim means the process died between the claim and the
// outcome write; failing it keeps the at-most-once guarantee (the operator
// can reschedule after investigating). Returns the number of swept records.
func (r *NotificationRepository) SweepStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET status = 'failed',
		     failure_reason = 'dispatch interrupted; claim went stale',
		     updated_at = NOW()
		 WHERE status = 'sending' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sweep stale claims", err)
	}
	return tag.RowsAffected(), nil
}

// scanNotification scans a single notifications row. Handles nullable
// columns using pointer scan targets.
func scanNotification(row pgx.Row) (*types.Notification, error) {
	var (
		n            types.Notification
		target       string
		status       string
		scheduledFor *time.Time
		sentAt       *time.Time
		providerID   *string
		failReason   *string
	)

	err := row.Scan(
		&n.ID,
		&n.Title,
		&n.Message,
		&target,
		&n.RecipientIDs,
		&scheduledFor,
		&status,
		&sentAt,
		&providerID,
		&failReason,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Target = types.TargetMode(target)
	n.Status = types.NotificationStatus(status)
	n.ScheduledFor = scheduledFor
	n.SentAt = sentAt
	if providerID != nil {
		n.ProviderNotificationID = *providerID
	}
	if failReason != nil {
		n.FailureReason = *failReason
	}

	return &n, nil
}
