package db

import (
	"context"

	"uplift/internal/types"
)

// UserRepository provides the read-only slice of the users table the
// dispatch core consumes. The core never mutates users; it only reads
// id and active to decide delivery eligibility.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// ListActiveIDs returns the subset of the given user IDs that exist and are
// active. The result order is unspecified; callers that care about ordering
// filter their own input against the returned set.
func (r *UserRepository) ListActiveIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT id FROM users WHERE id = ANY($1) AND active`,
		ids,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active users", err)
	}
	defer rows.Close()

	var active []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user id", err)
		}
		active = append(active, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user rows", err)
	}

	return active, nil
}
