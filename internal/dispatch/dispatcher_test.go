package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uplift/internal/types"
)

type mockNotifStore struct {
	getByIDFn    func(ctx context.Context, id string) (*types.Notification, error)
	claimFn      func(ctx context.Context, id string) (*types.Notification, bool, error)
	markSentFn   func(ctx context.Context, id string, providerID string, sentAt time.Time) error
	markFailedFn func(ctx context.Context, id string, reason string) error

	markSentCalls   int
	markFailedCalls int
}

func (m *mockNotifStore) GetByID(ctx context.Context, id string) (*types.Notification, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, errors.New("unexpected GetByID call")
}

func (m *mockNotifStore) Claim(ctx context.Context, id string) (*types.Notification, bool, error) {
	if m.claimFn != nil {
		return m.claimFn(ctx, id)
	}
	return nil, false, errors.New("unexpected Claim call")
}

func (m *mockNotifStore) MarkSent(ctx context.Context, id string, providerID string, sentAt time.Time) error {
	m.markSentCalls++
	if m.markSentFn != nil {
		return m.markSentFn(ctx, id, providerID, sentAt)
	}
	return nil
}

func (m *mockNotifStore) MarkFailed(ctx context.Context, id string, reason string) error {
	m.markFailedCalls++
	if m.markFailedFn != nil {
		return m.markFailedFn(ctx, id, reason)
	}
	return nil
}

type mockResolver struct {
	resolveFn func(ctx context.Context, n *types.Notification) (types.RecipientSet, error)
	calls     int
}

func (m *mockResolver) Resolve(ctx context.Context, n *types.Notification) (types.RecipientSet, error) {
	m.calls++
	if m.resolveFn != nil {
		return m.resolveFn(ctx, n)
	}
	return types.BroadcastSet(), nil
}

type mockSender struct {
	sendFn func(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult
	calls  int
}

func (m *mockSender) Send(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult {
	m.calls++
	if m.sendFn != nil {
		return m.sendFn(ctx, title, message, recipients, metadata)
	}
	return types.DeliveryResult{Success: true, NotificationID: "prov-1"}
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func draftRecord(id string) *types.Notification {
	return &types.Notification{
		ID:      id,
		Title:   "Hydration reminder",
		Message: "Drink some water",
		Target:  types.TargetAll,
		Status:  types.StatusDraft,
	}
}

func sendingCopy(n *types.Notification) *types.Notification {
	c := *n
	c.Status = types.StatusSending
	return &c
}

func TestDispatcher_Dispatch_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	record := draftRecord("ntf_1")

	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return record, nil
		},
		claimFn: func(ctx context.Context, id string) (*types.Notification, bool, error) {
			return sendingCopy(record), true, nil
		},
		markSentFn: func(ctx context.Context, id string, providerID string, sentAt time.Time) error {
			assert.Equal(t, "ntf_1", id)
			assert.Equal(t, "prov-abc", providerID)
			assert.Equal(t, now, sentAt)
			return nil
		},
	}
	sender := &mockSender{
		sendFn: func(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult {
			assert.Equal(t, "Hydration reminder", title)
			assert.True(t, recipients.Broadcast)
			assert.Equal(t, "ntf_1", metadata["notification_id"])
			assert.Equal(t, "all", metadata["target"])
			assert.NotContains(t, metadata, "recipient_ids")
			return types.DeliveryResult{Success: true, NotificationID: "prov-abc"}
		},
	}
	d := NewDispatcher(store, &mockResolver{}, sender, fixedClock{now: now}, discardLogger())

	out, err := d.Dispatch(context.Background(), "ntf_1")

	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, out.Result)
	assert.Equal(t, "prov-abc", out.ProviderNotificationID)
	assert.Equal(t, types.StatusSent, out.Record.Status)
	require.NotNil(t, out.Record.SentAt)
	assert.Equal(t, now, *out.Record.SentAt)
	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, 1, store.markSentCalls)
	assert.Equal(t, 0, store.markFailedCalls)
}

func TestDispatcher_Dispatch_TargetedRecipientsInMetadata(t *testing.T) {
	record := draftRecord("ntf_1")
	record.Target = types.TargetUsers
	record.RecipientIDs = []string{"507f1f77bcf86cd799439011"}

	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return record, nil
		},
		claimFn: func(ctx context.Context, id string) (*types.Notification, bool, error) {
			return sendingCopy(record), true, nil
		},
	}
	resolver := &mockResolver{
		resolveFn: func(ctx context.Context, n *types.Notification) (types.RecipientSet, error) {
			return types.ExternalIDSet([]string{"507f1f77bcf86cd799439011"}), nil
		},
	}
	sender := &mockSender{
		sendFn: func(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult {
			assert.Equal(t, []string{"507f1f77bcf86cd799439011"}, recipients.ExternalIDs)
			assert.Equal(t, "users", metadata["target"])
			assert.Equal(t, []string{"507f1f77bcf86cd799439011"}, metadata["recipient_ids"])
			return types.DeliveryResult{Success: true, NotificationID: "prov-abc"}
		},
	}
	d := NewDispatcher(store, resolver, sender, fixedClock{now: time.Now()}, discardLogger())

	out, err := d.Dispatch(context.Background(), "ntf_1")

	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, out.Result)
}

func TestDispatcher_Dispatch_AlreadySentRefusedWithoutGatewayCall(t *testing.T) {
	sentAt := time.Date(2026, 3, 13, 8, 0, 0, 0, time.UTC)
	record := draftRecord("ntf_1")
	record.Status = types.StatusSent
	record.SentAt = &sentAt

	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return record, nil
		},
	}
	sender := &mockSender{}
	resolver := &mockResolver{}
	d := NewDispatcher(store, resolver, sender, fixedClock{}, discardLogger())

	out, err := d.Dispatch(context.Background(), "ntf_1")

	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRefused, out.Result)
	assert.Equal(t, types.ErrCodeConflictAlreadySent, out.RefusalCode)
	assert.Equal(t, 0, sender.calls, "idempotency: no second delivery")
	assert.Equal(t, 0, resolver.calls)
	assert.Equal(t, 0, store.markSentCalls)
	assert.Equal(t, 0, store.markFailedCalls)
}

func TestDispatcher_Dispatch_LostClaimRace(t *testing.T) {
	tests := []struct {
		name       string
		current    types.NotificationStatus
		wantCode   types.ErrorCode
		wantReason string
	}{
		{
			name:       "another trigger is mid-flight",
			current:    types.StatusSending,
			wantCode:   types.ErrCodeConflictInFlight,
			wantReason: "notification dispatch already in progress",
		},
		{
			name:       "completed between read and claim",
			current:    types.StatusSent,
			wantCode:   types.ErrCodeConflictAlreadySent,
			wantReason: "notification already sent",
		},
		{
			name:       "failed records need an explicit reschedule",
			current:    types.StatusFailed,
			wantCode:   types.ErrCodeConflictNotEligible,
			wantReason: "notification previously failed; reschedule it to retry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reads := 0
			store := &mockNotifStore{
				getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
					reads++
					r := draftRecord("ntf_1")
					if reads > 1 {
						r.Status = tt.current
					}
					return r, nil
				},
				claimFn: func(ctx context.Context, id string) (*types.Notification, bool, error) {
					return nil, false, nil
				},
			}
			sender := &mockSender{}
			d := NewDispatcher(store, &mockResolver{}, sender, fixedClock{}, discardLogger())

			out, err := d.Dispatch(context.Background(), "ntf_1")

			require.NoError(t, err)
			assert.Equal(t, types.OutcomeRefused, out.Result)
			assert.Equal(t, tt.wantCode, out.RefusalCode)
			assert.Equal(t, tt.wantReason, out.Reason)
			assert.Equal(t, 0, sender.calls)
		})
	}
}

func TestDispatcher_Dispatch_ResolutionFailureSkipsGateway(t *testing.T) {
	record := draftRecord("ntf_1")
	record.Target = types.TargetUsers
	record.RecipientIDs = []string{"bogus"}

	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return record, nil
		},
		claimFn: func(ctx context.Context, id string) (*types.Notification, bool, error) {
			return sendingCopy(record), true, nil
		},
		markFailedFn: func(ctx context.Context, id string, reason string) error {
			assert.Equal(t, "no valid user IDs found", reason)
			return nil
		},
	}
	resolver := &mockResolver{
		resolveFn: func(ctx context.Context, n *types.Notification) (types.RecipientSet, error) {
			return types.RecipientSet{}, types.NewAppError(types.ErrCodeResolutionFailed, "no valid user IDs found", nil)
		},
	}
	sender := &mockSender{}
	d := NewDispatcher(store, resolver, sender, fixedClock{}, discardLogger())

	out, err := d.Dispatch(context.Background(), "ntf_1")

	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, out.Result)
	assert.Equal(t, "no valid user IDs found", out.Reason)
	assert.Equal(t, types.StatusFailed, out.Record.Status)
	assert.Equal(t, 0, sender.calls)
	assert.Equal(t, 1, store.markFailedCalls)
}

func TestDispatcher_Dispatch_GatewayFailureMarksFailed(t *testing.T) {
	record := draftRecord("ntf_1")

	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return record, nil
		},
		claimFn: func(ctx context.Context, id string) (*types.Notification, bool, error) {
			return sendingCopy(record), true, nil
		},
	}
	sender := &mockSender{
		sendFn: func(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult {
			return types.DeliveryResult{Error: "All included players are not subscribed"}
		},
	}
	d := NewDispatcher(store, &mockResolver{}, sender, fixedClock{}, discardLogger())

	out, err := d.Dispatch(context.Background(), "ntf_1")

	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, out.Result)
	assert.Equal(t, "All included players are not subscribed", out.Reason)
	assert.Equal(t, types.StatusFailed, out.Record.Status)
	assert.Equal(t, "All included players are not subscribed", out.Record.FailureReason)
	assert.Equal(t, 1, store.markFailedCalls)
	assert.Equal(t, 0, store.markSentCalls)
}

func TestDispatcher_Dispatch_MarkSentErrorStillReportsSent(t *testing.T) {
	record := draftRecord("ntf_1")

	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return record, nil
		},
		claimFn: func(ctx context.Context, id string) (*types.Notification, bool, error) {
			return sendingCopy(record), true, nil
		},
		markSentFn: func(ctx context.Context, id string, providerID string, sentAt time.Time) error {
			return errors.New("connection reset")
		},
	}
	d := NewDispatcher(store, &mockResolver{}, &mockSender{}, fixedClock{now: time.Now()}, discardLogger())

	out, err := d.Dispatch(context.Background(), "ntf_1")

	// The push already reached the provider; a lost status write must not be
	// reported as a delivery failure.
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSent, out.Result)
}

func TestDispatcher_Dispatch_GetByIDError(t *testing.T) {
	dbErr := errors.New("connection refused")
	store := &mockNotifStore{
		getByIDFn: func(ctx context.Context, id string) (*types.Notification, error) {
			return nil, dbErr
		},
	}
	d := NewDispatcher(store, &mockResolver{}, &mockSender{}, fixedClock{}, discardLogger())

	_, err := d.Dispatch(context.Background(), "ntf_1")

	assert.ErrorIs(t, err, dbErr)
}

func TestDispatcher_ForceFail(t *testing.T) {
	store := &mockNotifStore{
		markFailedFn: func(ctx context.Context, id string, reason string) error {
			assert.Equal(t, "ntf_1", id)
			assert.Equal(t, "dispatch panicked", reason)
			return nil
		},
	}
	d := NewDispatcher(store, &mockResolver{}, &mockSender{}, fixedClock{}, discardLogger())

	d.ForceFail(context.Background(), "ntf_1", "dispatch panicked")

	assert.Equal(t, 1, store.markFailedCalls)
}
