package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentra/beacon/internal/fanout"
	"github.com/zentra/beacon/internal/middleware"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []fanout.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, userID uuid.UUID, env fanout.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

type fixture struct {
	mem    *store.Memory
	pub    *recordingPublisher
	router http.Handler
	user   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), pub: &recordingPublisher{}, user: uuid.New()}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), f.user)))
		})
	})
	r.Mount("/notifications", NewHandler(NewService(f.mem, f.pub)).Routes())
	f.router = r
	return f
}

func (f *fixture) deliver(t *testing.T, mode models.DisplayMode, typeID *uuid.UUID) *models.NotificationRule {
	t.Helper()
	ctx := context.Background()

	e := &models.EventDefinition{Code: "evt_" + uuid.NewString()[:8], Name: "Event", IsActive: true}
	require.NoError(t, f.mem.CreateEvent(ctx, e))
	rule := &models.NotificationRule{
		EventID:      e.ID,
		Name:         "rule",
		TargetMode:   models.TargetTriggeringUser,
		RepeatPolicy: models.RepeatAlways,
		Title:        "Hello",
		DisplayMode:  mode,
		TypeID:       typeID,
		IsActive:     true,
	}
	require.NoError(t, f.mem.CreateRule(ctx, rule))
	require.NoError(t, f.mem.UpsertStateRedeliver(ctx, &models.UserNotificationState{
		UserID: f.user, NotificationID: rule.ID, Title: "Hello", DeliveredAt: time.Now(),
	}))
	return rule
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

type inboxResponse struct {
	Data Inbox `json:"data"`
}

func TestListNotifications(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, models.DisplayToast, nil)
	modal := f.deliver(t, models.DisplayModal, nil)
	read := f.deliver(t, models.DisplayModal, nil)
	require.NoError(t, f.mem.MarkRead(context.Background(), f.user, read.ID, time.Now()))

	rec := f.do(http.MethodGet, "/notifications")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp inboxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Notifications, 3)
	assert.Equal(t, 2, resp.Data.UnreadCount)
	require.Len(t, resp.Data.PendingModals, 1)
	assert.Equal(t, modal.ID, resp.Data.PendingModals[0].ID)
}

func TestDismissPublishesAndHides(t *testing.T) {
	f := newFixture(t)
	rule := f.deliver(t, models.DisplayToast, nil)

	rec := f.do(http.MethodPost, "/notifications/"+rule.ID.String()+"/dismiss")
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, f.pub.sent, 1)
	assert.Equal(t, fanout.TypeNotificationDismissed, f.pub.sent[0].Type)
	payload, ok := f.pub.sent[0].Data.(fanout.StatePayload)
	require.True(t, ok)
	assert.Equal(t, rule.ID, payload.ID)

	rec = f.do(http.MethodGet, "/notifications/unread-count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"count":0}}`, rec.Body.String())
}

func TestMarkRead_Errors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/notifications/not-a-uuid/read").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/notifications/"+uuid.NewString()+"/read").Code)
	assert.Empty(t, f.pub.sent)
}

func TestMarkAllRead(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, models.DisplayToast, nil)
	f.deliver(t, models.DisplayBanner, nil)

	rec := f.do(http.MethodPost, "/notifications/read-all")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"updated":2}}`, rec.Body.String())
}

func TestSilenceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	typ := &models.NotificationType{Name: "digest", IsActive: true}
	require.NoError(t, f.mem.CreateNotificationType(ctx, typ))
	f.deliver(t, models.DisplayToast, &typ.ID)

	path := "/notifications/types/" + typ.ID.String() + "/silence"
	require.Equal(t, http.StatusNoContent, f.do(http.MethodPost, path).Code)

	silenced, err := f.mem.ListSilencedTypes(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, silenced, 1)

	rec := f.do(http.MethodGet, "/notifications/unread-count")
	assert.JSONEq(t, `{"data":{"count":0}}`, rec.Body.String())

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, path).Code)
	rec = f.do(http.MethodGet, "/notifications/unread-count")
	assert.JSONEq(t, `{"data":{"count":1}}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/notifications/types/"+uuid.NewString()+"/silence").Code)
}
