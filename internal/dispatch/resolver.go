// Package dispatch implements the notification dispatch core: recipient
// resolution and the idempotent single-notification send operation shared by
// the manual "send now" endpoint and the scheduler poller.
package dispatch

import (
	"context"
	"log/slog"

	"uplift/internal/types"
)

// UserStore is the slice of the user repository the resolver needs.
type UserStore interface {
	// ListActiveIDs returns the subset of ids that exist and are active.
	ListActiveIDs(ctx context.Context, ids []string) ([]string, error)
}

// Resolver turns a notification's abstract target into a concrete,
// delivery-ready recipient set.
type Resolver struct {
	users  UserStore
	logger *slog.Logger
}

// NewResolver creates a Resolver backed by the given user store.
func NewResolver(users UserStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{users: users, logger: logger}
}

// Resolve computes the recipient set for a notification.
//
// For target=all the result is Broadcast with no user-store lookup. For
// target=users, stored references are normalized to canonical user IDs;
// malformed references are dropped silently (legacy tolerance), then the
// surviving ids are filtered to currently-active users. An audience that
// vanishes entirely -- all malformed, or all inactive -- is an error, never a
// silent success: operators need to see the record fail.
func (r *Resolver) Resolve(ctx context.Context, n *types.Notification) (types.RecipientSet, error) {
	switch n.Target {
	case types.TargetAll:
		return types.BroadcastSet(), nil

	case types.TargetUsers:
		return r.resolveUsers(ctx, n)

	default:
		return types.RecipientSet{}, types.NewAppError(
			types.ErrCodeResolutionFailed,
			"unknown target mode: "+string(n.Target),
			nil,
		)
	}
}

func (r *Resolver) resolveUsers(ctx context.Context, n *types.Notification) (types.RecipientSet, error) {
	// Normalize references, preserving first-seen order and dropping
	// duplicates and malformed entries.
	seen := make(map[string]struct{}, len(n.RecipientIDs))
	var valid []string
	dropped := 0
	for _, raw := range n.RecipientIDs {
		id, ok := types.CanonicalUserID(raw)
		if !ok {
			dropped++
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}

	if dropped > 0 {
		r.logger.Warn("dropped malformed recipient references",
			"notification_id", n.ID,
			"dropped", dropped,
		)
	}

	if len(valid) == 0 {
		return types.RecipientSet{}, types.NewAppError(
			types.ErrCodeResolutionFailed,
			"no valid user IDs found",
			nil,
		)
	}

	activeIDs, err := r.users.ListActiveIDs(ctx, valid)
	if err != nil {
		return types.RecipientSet{}, types.NewAppError(
			types.ErrCodeResolutionFailed,
			"failed to look up recipients",
			err,
		)
	}

	// Filter the normalized input against the active set so the result keeps
	// the composer's ordering.
	activeSet := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = struct{}{}
	}
	var result []string
	for _, id := range valid {
		if _, ok := activeSet[id]; ok {
			result = append(result, id)
		}
	}

	if len(result) == 0 {
		return types.RecipientSet{}, types.NewAppError(
			types.ErrCodeResolutionFailed,
			"no active users found",
			nil,
		)
	}

	return types.ExternalIDSet(result), nil
}
