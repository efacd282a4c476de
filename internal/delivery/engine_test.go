package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

func newRule(policy models.RepeatPolicy, mode models.DisplayMode, typeID *uuid.UUID) *models.NotificationRule {
	return &models.NotificationRule{
		ID:           uuid.New(),
		TargetMode:   models.TargetTriggeringUser,
		RepeatPolicy: policy,
		DisplayMode:  mode,
		TypeID:       typeID,
		IsActive:     true,
	}
}

func TestShouldDeliver_OnceUnderConcurrency(t *testing.T) {
	mem := store.NewMemory()
	engine := NewEngine(mem, Config{})
	rule := newRule(models.RepeatOnce, models.DisplayToast, nil)
	user := uuid.New()

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := engine.ShouldDeliver(context.Background(), rule, user, Message{Title: "hi"})
			assert.NoError(t, err)
			if d.Deliver {
				delivered.Add(1)
			} else {
				assert.Equal(t, ReasonAlreadyDelivered, d.Reason)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), delivered.Load())
}

func TestShouldDeliver_AlwaysResetsState(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	engine := NewEngine(mem, Config{})
	rule := newRule(models.RepeatAlways, models.DisplayToast, nil)
	user := uuid.New()

	_, err := engine.ShouldDeliver(ctx, rule, user, Message{Title: "first", DeliveredAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	require.NoError(t, mem.MarkRead(ctx, user, rule.ID, time.Now()))
	require.NoError(t, mem.MarkDismissed(ctx, user, rule.ID, time.Now()))

	later := time.Now()
	d, err := engine.ShouldDeliver(ctx, rule, user, Message{Title: "second", DeliveredAt: later})
	require.NoError(t, err)
	assert.True(t, d.Deliver)

	st, err := mem.GetState(ctx, user, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, st.ReadAt)
	assert.Nil(t, st.DismissedAt)
	assert.True(t, st.DeliveredAt.Equal(later))
	assert.Equal(t, "second", st.Title)
}

func TestShouldDeliver_UntilSilenced(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	typ := &models.NotificationType{Name: "promo", IsActive: true}
	require.NoError(t, mem.CreateNotificationType(ctx, typ))
	user := uuid.New()
	engine := NewEngine(mem, Config{})

	toast := newRule(models.RepeatUntilSilenced, models.DisplayToast, &typ.ID)
	modal := newRule(models.RepeatUntilSilenced, models.DisplayModal, &typ.ID)

	d, err := engine.ShouldDeliver(ctx, toast, user, Message{})
	require.NoError(t, err)
	assert.True(t, d.Deliver)
	d, err = engine.ShouldDeliver(ctx, toast, user, Message{})
	require.NoError(t, err)
	assert.True(t, d.Deliver, "delivers again while not silenced")

	require.NoError(t, mem.SilenceType(ctx, user, typ.ID))

	d, err = engine.ShouldDeliver(ctx, toast, user, Message{})
	require.NoError(t, err)
	assert.False(t, d.Deliver)
	assert.Equal(t, ReasonSilenced, d.Reason)

	d, err = engine.ShouldDeliver(ctx, modal, user, Message{})
	require.NoError(t, err)
	assert.True(t, d.Deliver, "blocking display bypasses silencing")
}

type flakyState struct {
	*store.Memory
	failures atomic.Int32
	err      error
}

func (f *flakyState) InsertStateIfAbsent(ctx context.Context, st *models.UserNotificationState) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, f.err
	}
	return f.Memory.InsertStateIfAbsent(ctx, st)
}

func TestShouldDeliver_RetriesTransientOnce(t *testing.T) {
	flaky := &flakyState{Memory: store.NewMemory(), err: store.ErrTransient}
	flaky.failures.Store(1)
	engine := NewEngine(flaky, Config{RetryBackoff: time.Millisecond})

	d, err := engine.ShouldDeliver(context.Background(), newRule(models.RepeatOnce, models.DisplayToast, nil), uuid.New(), Message{})
	require.NoError(t, err)
	assert.True(t, d.Deliver)
}

func TestShouldDeliver_GivesUpAfterSecondFailure(t *testing.T) {
	flaky := &flakyState{Memory: store.NewMemory(), err: store.ErrTransient}
	flaky.failures.Store(2)
	engine := NewEngine(flaky, Config{RetryBackoff: time.Millisecond})

	d, err := engine.ShouldDeliver(context.Background(), newRule(models.RepeatOnce, models.DisplayToast, nil), uuid.New(), Message{})
	assert.ErrorIs(t, err, store.ErrTransient)
	assert.False(t, d.Deliver)
}

func TestShouldDeliver_NoRetryOnPermanentError(t *testing.T) {
	boom := errors.New("constraint violated")
	flaky := &flakyState{Memory: store.NewMemory(), err: boom}
	flaky.failures.Store(1)
	engine := NewEngine(flaky, Config{RetryBackoff: time.Millisecond})

	_, err := engine.ShouldDeliver(context.Background(), newRule(models.RepeatOnce, models.DisplayToast, nil), uuid.New(), Message{})
	assert.ErrorIs(t, err, boom)
}

func TestShouldDeliver_UnknownPolicy(t *testing.T) {
	engine := NewEngine(store.NewMemory(), Config{})
	_, err := engine.ShouldDeliver(context.Background(), newRule("sometimes", models.DisplayToast, nil), uuid.New(), Message{})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
