package memory

import (
	"context"
	"testing"
	"time"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_MailboxOperations(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	mailbox := &domain.Mailbox{
		ID:     "test-mailbox-1",
		UserID: "test-user-1",
		Email:  "Ops@Example.com",
		Status: domain.MailboxStatusActive,
	}

	err := store.SaveMailbox(ctx, mailbox)
	require.NoError(t, err)

	// Test GetMailbox
	retrieved, err := store.GetMailbox(ctx, "test-mailbox-1")
	require.NoError(t, err)
	assert.Equal(t, mailbox.Email, retrieved.Email)

	// Lookup by address is case insensitive
	retrieved, err = store.GetMailboxByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, mailbox.ID, retrieved.ID)

	_, err = store.GetMailbox(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
}

func TestMemoryStore_ListDueMailboxes(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	oldPoll := now.Add(-30 * time.Minute)
	recentPoll := now.Add(-1 * time.Minute)

	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{
		ID: "never-polled", UserID: "u1", Email: "a@example.com",
		Status: domain.MailboxStatusActive,
	}))
	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{
		ID: "stale", UserID: "u1", Email: "b@example.com",
		Status: domain.MailboxStatusActive, InboundSyncLastPolledAt: &oldPoll,
	}))
	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{
		ID: "fresh", UserID: "u1", Email: "c@example.com",
		Status: domain.MailboxStatusActive, InboundSyncLastPolledAt: &recentPoll,
	}))
	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{
		ID: "suspended", UserID: "u1", Email: "d@example.com",
		Status: domain.MailboxStatusSuspended,
	}))

	// Only active mailboxes polled before the cutoff come back,
	// never-polled first
	due, err := store.ListDueMailboxes(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "never-polled", due[0].ID)
	assert.Equal(t, "stale", due[1].ID)

	// Limit caps the result
	due, err = store.ListDueMailboxes(ctx, now.Add(-5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryStore_UpdateSyncCursor(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{
		ID: "mb-1", UserID: "u1", Email: "a@example.com",
		Status: domain.MailboxStatusActive,
	}))

	cursor := "cursor-123"
	polledAt := time.Now()
	require.NoError(t, store.UpdateSyncCursor(ctx, "mb-1", &cursor, polledAt, ""))

	mb, err := store.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-123", mb.InboundSyncCursor)
	require.NotNil(t, mb.InboundSyncLastPolledAt)

	// Nil cursor keeps the previous one but still records the poll
	later := polledAt.Add(time.Minute)
	require.NoError(t, store.UpdateSyncCursor(ctx, "mb-1", nil, later, "upstream timeout"))

	mb, err = store.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-123", mb.InboundSyncCursor)
	assert.Equal(t, "upstream timeout", mb.InboundSyncLastError)
	assert.True(t, mb.InboundSyncLastPolledAt.Equal(later))
}

func TestMemoryStore_LeaseLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()
	ttl := 2 * time.Minute

	// First acquire wins
	ok, err := store.AcquireLease(ctx, "mb-1", "token-a", now.Add(ttl), now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquire against a live lease loses
	ok, err = store.AcquireLease(ctx, "mb-1", "token-b", now.Add(ttl), now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Holder can renew
	ok, err = store.RenewLease(ctx, "mb-1", "token-a", now.Add(2*ttl), now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-holder cannot renew
	ok, err = store.RenewLease(ctx, "mb-1", "token-b", now.Add(2*ttl), now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Holder releases, then a new acquire succeeds
	ok, err = store.ReleaseLease(ctx, "mb-1", "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLease(ctx, "mb-1", "token-b", now.Add(ttl), now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_LeaseExpiryTakeover(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	ok, err := store.AcquireLease(ctx, "mb-1", "crashed-worker", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	// Before expiry the lease blocks takeover
	ok, err = store.AcquireLease(ctx, "mb-1", "new-worker", now.Add(2*time.Minute), now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry the same call succeeds without any cleanup step
	after := now.Add(61 * time.Second)
	ok, err = store.AcquireLease(ctx, "mb-1", "new-worker", after.Add(time.Minute), after)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale holder can no longer renew or release
	ok, err = store.RenewLease(ctx, "mb-1", "crashed-worker", after.Add(2*time.Minute), after)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ReleaseLease(ctx, "mb-1", "crashed-worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_InsertEmailDuplicate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	msgID := "<abc@mail.example>"

	err := store.InsertEmail(ctx, &domain.EmailMessage{
		ID: "email-1", MailboxID: "mb-1", InboundMessageID: &msgID,
		From: "sender@example.com", Subject: "hello",
	})
	require.NoError(t, err)

	// Same (mailbox, messageId) conflicts
	err = store.InsertEmail(ctx, &domain.EmailMessage{
		ID: "email-2", MailboxID: "mb-1", InboundMessageID: &msgID,
		From: "sender@example.com", Subject: "hello",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	// Same messageId in a different mailbox does not conflict
	err = store.InsertEmail(ctx, &domain.EmailMessage{
		ID: "email-3", MailboxID: "mb-2", InboundMessageID: &msgID,
		From: "sender@example.com", Subject: "hello",
	})
	require.NoError(t, err)

	found, err := store.FindEmailByMessageID(ctx, "mb-1", msgID)
	require.NoError(t, err)
	assert.Equal(t, "email-1", found.ID)
}

func TestMemoryStore_InboundEventCounts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	save := func(id string, status domain.InboundEventStatus, at time.Time) {
		require.NoError(t, store.SaveInboundEvent(ctx, &domain.InboundEvent{
			ID: id, MailboxID: "mb-1", UserID: "u1", Status: status, CreatedAt: at,
		}))
	}
	save("e1", domain.InboundEventAccepted, now.Add(-10*time.Minute))
	save("e2", domain.InboundEventDeduplicated, now.Add(-8*time.Minute))
	save("e3", domain.InboundEventRejected, now.Add(-5*time.Minute))
	save("e4", domain.InboundEventAccepted, now.Add(-48*time.Hour)) // outside window

	counts, err := store.CountInboundOutcomes(ctx, "u1", "", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 1, counts.Accepted)
	assert.Equal(t, 1, counts.Deduplicated)
	assert.Equal(t, 1, counts.Rejected)
	require.NotNil(t, counts.LastEventAt)

	events, err := store.ListInboundEvents(ctx, storage.InboundEventFilter{
		UserID: "u1",
		Status: domain.InboundEventRejected,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e3", events[0].ID)
}

func TestMemoryStore_RunCountsAndPurge(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	save := func(id string, status domain.RunStatus, at time.Time) {
		require.NoError(t, store.SaveSyncRun(ctx, &domain.MailboxSyncRun{
			ID: id, MailboxID: "mb-1", UserID: "u1", Status: status, StartedAt: at,
		}))
	}
	save("r1", domain.RunStatusSuccess, now.Add(-50*time.Minute))
	save("r2", domain.RunStatusFailed, now.Add(-40*time.Minute))
	save("r3", domain.RunStatusPartial, now.Add(-30*time.Minute))
	save("r4", domain.RunStatusSkipped, now.Add(-20*time.Minute))
	save("r5", domain.RunStatusSuccess, now.Add(-72*time.Hour))

	counts, err := store.CountRunOutcomes(ctx, "u1", "", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total)
	assert.Equal(t, 2, counts.Incidents())
	require.NotNil(t, counts.LastIncidentAt)
	assert.True(t, counts.LastIncidentAt.Equal(now.Add(-30*time.Minute)))

	// SaveSyncRun overwrites by ID (begin then finalize)
	save("r2", domain.RunStatusSuccess, now.Add(-40*time.Minute))
	counts, err = store.CountRunOutcomes(ctx, "u1", "", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total)
	assert.Equal(t, 1, counts.Incidents())

	removed, err := store.PurgeSyncRunsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMemoryStore_AlertState(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	// Missing scope is created enabled
	state, err := store.GetOrCreateAlertState(ctx, "sla:user:u1")
	require.NoError(t, err)
	assert.True(t, state.AlertsEnabled)
	assert.Empty(t, state.LastAlertStatus)

	alertedAt := time.Now()
	state.LastAlertStatus = domain.HealthStatusWarning
	state.LastAlertedAt = &alertedAt
	require.NoError(t, store.SaveAlertState(ctx, state))

	state, err = store.GetOrCreateAlertState(ctx, "sla:user:u1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusWarning, state.LastAlertStatus)

	// Clear drops the alert record but keeps the toggle
	require.NoError(t, store.ClearAlertState(ctx, "sla:user:u1"))
	state, err = store.GetOrCreateAlertState(ctx, "sla:user:u1")
	require.NoError(t, err)
	assert.Empty(t, state.LastAlertStatus)
	assert.Nil(t, state.LastAlertedAt)
	assert.True(t, state.AlertsEnabled)
}

func TestMemoryStore_ActiveUserIDs(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	for i, uid := range []string{"u2", "u1", "u2"} {
		require.NoError(t, store.SaveSyncRun(ctx, &domain.MailboxSyncRun{
			ID: string(rune('a' + i)), MailboxID: "mb", UserID: uid,
			Status: domain.RunStatusSuccess, StartedAt: now,
		}))
	}
	ids, err := store.ListActiveRunUserIDs(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
}
