package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentra/beacon/internal/models"
)

func seedRule(t *testing.T, m *Memory, mode models.DisplayMode, typeID *uuid.UUID, priority int) *models.NotificationRule {
	t.Helper()
	ctx := context.Background()

	e := &models.EventDefinition{Code: "evt_" + uuid.NewString()[:8], Name: "Test", Category: "test", IsActive: true}
	require.NoError(t, m.CreateEvent(ctx, e))

	r := &models.NotificationRule{
		EventID:      e.ID,
		Name:         "rule",
		TargetMode:   models.TargetTriggeringUser,
		RepeatPolicy: models.RepeatAlways,
		Title:        "Template title",
		Content:      "Template content",
		TypeID:       typeID,
		DisplayMode:  mode,
		Priority:     priority,
		IsActive:     true,
	}
	require.NoError(t, m.CreateRule(ctx, r))
	return r
}

func TestMemory_InsertStateIfAbsentIsAtomic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user, notif := uuid.New(), uuid.New()

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.InsertStateIfAbsent(ctx, &models.UserNotificationState{
				UserID: user, NotificationID: notif, Title: "t", DeliveredAt: time.Now(),
			})
			assert.NoError(t, err)
			if ok {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
}

func TestMemory_RedeliverResetsReadAndDismissed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rule := seedRule(t, m, models.DisplayToast, nil, 0)
	user := uuid.New()
	first := time.Now().Add(-time.Hour)

	require.NoError(t, m.UpsertStateRedeliver(ctx, &models.UserNotificationState{
		UserID: user, NotificationID: rule.ID, Title: "v1", DeliveredAt: first,
	}))
	require.NoError(t, m.MarkRead(ctx, user, rule.ID, time.Now()))
	require.NoError(t, m.MarkDismissed(ctx, user, rule.ID, time.Now()))

	second := time.Now()
	require.NoError(t, m.UpsertStateRedeliver(ctx, &models.UserNotificationState{
		UserID: user, NotificationID: rule.ID, Title: "v2", DeliveredAt: second,
	}))

	st, err := m.GetState(ctx, user, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, st.ReadAt)
	assert.Nil(t, st.DismissedAt)
	assert.Equal(t, "v2", st.Title)
	assert.True(t, st.DeliveredAt.Equal(second))
}

func TestMemory_MarkReadFirstTimestampWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rule := seedRule(t, m, models.DisplayToast, nil, 0)
	user := uuid.New()

	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	require.NoError(t, m.MarkRead(ctx, user, rule.ID, t1))
	require.NoError(t, m.MarkRead(ctx, user, rule.ID, t2))

	st, err := m.GetState(ctx, user, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, st.ReadAt)
	assert.True(t, st.ReadAt.Equal(t1))
	assert.Equal(t, "Template title", st.Title)
}

func TestMemory_MarkUnknownNotification(t *testing.T) {
	m := NewMemory()
	err := m.MarkRead(context.Background(), uuid.New(), uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ListActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := uuid.New()

	typ := &models.NotificationType{Name: "marketing", IsActive: true}
	require.NoError(t, m.CreateNotificationType(ctx, typ))

	low := seedRule(t, m, models.DisplayToast, nil, 1)
	high := seedRule(t, m, models.DisplayBanner, nil, 10)
	muted := seedRule(t, m, models.DisplayToast, &typ.ID, 5)
	modal := seedRule(t, m, models.DisplayModal, &typ.ID, 3)
	dismissed := seedRule(t, m, models.DisplayToast, nil, 7)

	for _, r := range []*models.NotificationRule{low, high, muted, modal, dismissed} {
		require.NoError(t, m.UpsertStateRedeliver(ctx, &models.UserNotificationState{
			UserID: user, NotificationID: r.ID, Title: r.Name, DeliveredAt: time.Now(),
		}))
	}
	require.NoError(t, m.SilenceType(ctx, user, typ.ID))
	require.NoError(t, m.MarkDismissed(ctx, user, dismissed.ID, time.Now()))

	active, err := m.ListActive(ctx, user)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, n := range active {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []uuid.UUID{high.ID, modal.ID, low.ID}, ids)
	require.NotNil(t, active[1].TypeName)
	assert.Equal(t, "marketing", *active[1].TypeName)
}

func TestMemory_MarkAllRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := uuid.New()
	a := seedRule(t, m, models.DisplayToast, nil, 0)
	b := seedRule(t, m, models.DisplayToast, nil, 0)
	for _, r := range []*models.NotificationRule{a, b} {
		require.NoError(t, m.UpsertStateRedeliver(ctx, &models.UserNotificationState{
			UserID: user, NotificationID: r.ID, DeliveredAt: time.Now(),
		}))
	}
	require.NoError(t, m.MarkRead(ctx, user, a.ID, time.Now()))

	n, err := m.MarkAllRead(ctx, user, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_SilenceUnknownType(t *testing.T) {
	m := NewMemory()
	assert.ErrorIs(t, m.SilenceType(context.Background(), uuid.New(), uuid.New()), ErrNotFound)
}

func TestMemory_ExpiredOccurrences(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	kept := &models.EventDefinition{Code: "kept", Name: "Kept", IsActive: true, IsLogged: true, LogRetentionDays: 0}
	pruned := &models.EventDefinition{Code: "pruned", Name: "Pruned", IsActive: true, IsLogged: true, LogRetentionDays: 7}
	require.NoError(t, m.CreateEvent(ctx, kept))
	require.NoError(t, m.CreateEvent(ctx, pruned))

	old := now.AddDate(0, 0, -30)
	require.NoError(t, m.AppendOccurrence(ctx, &models.EventOccurrence{EventID: kept.ID, TriggeredAt: old}))
	require.NoError(t, m.AppendOccurrence(ctx, &models.EventOccurrence{EventID: pruned.ID, TriggeredAt: old}))
	require.NoError(t, m.AppendOccurrence(ctx, &models.EventOccurrence{EventID: pruned.ID, TriggeredAt: now}))

	expired, err := m.ExpiredOccurrences(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "pruned", expired[0].EventCode)

	n, err := m.DeleteOccurrences(ctx, []uuid.UUID{expired[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, total, err := m.ListOccurrences(ctx, models.OccurrenceFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestMemory_CreateEventConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateEvent(ctx, &models.EventDefinition{Code: "dup", Name: "a"}))
	assert.ErrorIs(t, m.CreateEvent(ctx, &models.EventDefinition{Code: "dup", Name: "b"}), ErrConflict)
}

func TestMemory_RuleTargetsReplaced(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rule := seedRule(t, m, models.DisplayToast, nil, 0)
	u1, u2 := uuid.New(), uuid.New()

	rule.TargetUserIDs = []uuid.UUID{u1, u1, u2}
	require.NoError(t, m.UpdateRule(ctx, rule))
	users, err := m.RuleTargetUsers(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{u1, u2}, users)

	rule.TargetUserIDs = nil
	require.NoError(t, m.UpdateRule(ctx, rule))
	users, err = m.RuleTargetUsers(ctx, rule.ID)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMemory_UpdateRuleKeepsTargetMode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rule := seedRule(t, m, models.DisplayToast, nil, 0)

	update := *rule
	update.TargetMode = models.TargetBroadcastAll
	update.Title = "New title"
	require.NoError(t, m.UpdateRule(ctx, &update))
	assert.Equal(t, models.TargetTriggeringUser, update.TargetMode)

	stored, err := m.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetTriggeringUser, stored.TargetMode)
	assert.Equal(t, "New title", stored.Title)
}

func seedAnnouncement(t *testing.T, m *Memory, publishAt, expiresAt *time.Time) *models.Announcement {
	t.Helper()
	a := &models.Announcement{
		Title:       "Announcement",
		Content:     "Body",
		DisplayMode: models.DisplaySimple,
		IsActive:    true,
		PublishAt:   publishAt,
		ExpiresAt:   expiresAt,
		TargetAll:   true,
	}
	require.NoError(t, m.CreateAnnouncement(context.Background(), a))
	return a
}

func TestMemory_ListActiveHonoursAnnouncementWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := uuid.New()
	past, future := time.Now().Add(-time.Hour), time.Now().Add(time.Hour)

	live := seedAnnouncement(t, m, &past, &future)
	scheduled := seedAnnouncement(t, m, &future, nil)
	expired := seedAnnouncement(t, m, nil, &past)

	for _, a := range []*models.Announcement{live, scheduled, expired} {
		inserted, err := m.InsertStateIfAbsent(ctx, &models.UserNotificationState{
			UserID: user, NotificationID: a.ID, Title: "Old title", DeliveredAt: time.Now(),
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	edited := *live
	edited.Title = "Edited title"
	require.NoError(t, m.UpdateAnnouncement(ctx, &edited))

	active, err := m.ListActive(ctx, user)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)
	assert.Equal(t, "Edited title", active[0].Title)
}

func TestMemory_MarkReadAnnouncementWithoutState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := uuid.New()
	a := seedAnnouncement(t, m, nil, nil)

	require.NoError(t, m.MarkRead(ctx, user, a.ID, time.Now()))
	st, err := m.GetState(ctx, user, a.ID)
	require.NoError(t, err)
	require.NotNil(t, st.ReadAt)
	assert.Equal(t, "Announcement", st.Title)

	list, err := m.ListAnnouncements(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].RecipientCount)
	assert.Equal(t, int64(1), list[0].ReadCount)
}

func TestMemory_DueAnnouncements(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	older, newer, future := now.Add(-2*time.Hour), now.Add(-time.Hour), now.Add(time.Hour)

	second := seedAnnouncement(t, m, &newer, nil)
	first := seedAnnouncement(t, m, &older, nil)
	seedAnnouncement(t, m, &future, nil)
	delivered := seedAnnouncement(t, m, nil, nil)
	require.NoError(t, m.MarkAnnouncementDelivered(ctx, delivered.ID, now))

	due, err := m.DueAnnouncements(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.ID, due[0].ID)
	assert.Equal(t, second.ID, due[1].ID)

	due, err = m.DueAnnouncements(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)

	later := now.Add(time.Minute)
	require.NoError(t, m.MarkAnnouncementDelivered(ctx, delivered.ID, later))
	stored, err := m.GetAnnouncement(ctx, delivered.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)
	assert.True(t, stored.DeliveredAt.Equal(now))
}

func TestMemory_AnnouncementUnknownType(t *testing.T) {
	m := NewMemory()
	typeID := uuid.New()
	err := m.CreateAnnouncement(context.Background(), &models.Announcement{Title: "t", TypeID: &typeID, TargetAll: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{"sentinel", fmt.Errorf("op: %w", ErrTransient), true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection class", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
