package announcement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentra/beacon/internal/audience"
	"github.com/zentra/beacon/internal/directory"
	"github.com/zentra/beacon/internal/fanout"
	"github.com/zentra/beacon/internal/middleware"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

type countingPublisher struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (p *countingPublisher) Publish(ctx context.Context, userID uuid.UUID, env fanout.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

type fixture struct {
	mem     *store.Memory
	dir     *directory.Static
	pub     *countingPublisher
	svc     *Service
	router  http.Handler
	admin   uuid.UUID
	member  uuid.UUID
	grouped uuid.UUID
	group   uuid.UUID
	caller  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:     store.NewMemory(),
		dir:     directory.NewStatic(),
		pub:     &countingPublisher{},
		admin:   uuid.New(),
		member:  uuid.New(),
		grouped: uuid.New(),
		group:   uuid.New(),
	}
	f.caller = f.admin
	f.dir.AddUsers(f.admin, f.member, f.grouped)
	f.dir.AddGroupMember(f.group, f.grouped)
	f.dir.Grant(f.admin, PermissionManageNotifications)

	resolver := &audience.Resolver{Targets: f.mem, Groups: f.dir, Relationships: f.dir, Users: f.dir}
	f.svc = NewService(f.mem, resolver, f.pub, nil, Config{Concurrency: 2})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), f.caller)))
		})
	})
	r.Mount("/admin", NewHandler(f.svc, f.dir).Routes())
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func sorted(ids []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func TestCreate_LiveAnnouncementIsDeliveredImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/admin", map[string]any{
		"title":          "Maintenance tonight",
		"content":        "The service is down from 22:00",
		"targetUserIds":  []uuid.UUID{f.member},
		"targetGroupIds": []uuid.UUID{f.group},
		"priority":       5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeData[models.Announcement](t, rec)
	assert.Equal(t, models.DisplaySimple, a.DisplayMode)
	assert.True(t, a.IsActive)
	require.NotNil(t, a.CreatedBy)
	assert.Equal(t, f.admin, *a.CreatedBy)
	assert.NotNil(t, a.DeliveredAt)

	assert.Equal(t, sorted([]uuid.UUID{f.member, f.grouped}), sorted(f.pub.users))
	for _, u := range []uuid.UUID{f.member, f.grouped} {
		st, err := f.mem.GetState(ctx, u, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Maintenance tonight", st.Title)
	}
	_, err := f.mem.GetState(ctx, f.admin, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.mem.MarkRead(ctx, f.member, a.ID, time.Now()))

	rec = f.do(t, http.MethodGet, "/admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[[]models.Announcement](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].RecipientCount)
	assert.Equal(t, int64(1), list[0].ReadCount)

	inbox, err := f.mem.ListActive(ctx, f.member)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, a.ID, inbox[0].ID)
	assert.Equal(t, 5, inbox[0].Priority)
}

func TestCreate_BroadcastReachesEveryUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin", map[string]any{
		"title":          "Welcome",
		"content":        "Hello everyone",
		"targetAllUsers": true,
		"targetUserIds":  []uuid.UUID{f.member},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeData[models.Announcement](t, rec)
	assert.True(t, a.TargetAll)
	assert.Empty(t, a.TargetUserIDs)
	assert.Equal(t, sorted([]uuid.UUID{f.admin, f.member, f.grouped}), sorted(f.pub.users))
}

func TestScheduledAnnouncementWaitsForPublishTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	body := map[string]any{
		"title":         "Release notes",
		"content":       "Version 2 ships tomorrow",
		"targetUserIds": []uuid.UUID{f.member},
		"publishAt":     future,
	}
	rec := f.do(t, http.MethodPost, "/admin", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeData[models.Announcement](t, rec)
	assert.Nil(t, a.DeliveredAt)
	assert.Zero(t, f.pub.count())

	n, err := f.svc.PublishDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	body["publishAt"] = time.Now().Add(-time.Minute)
	body["targetUserIds"] = []uuid.UUID{f.member, f.grouped}
	rec = f.do(t, http.MethodPut, "/admin/"+a.ID.String(), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, f.pub.count())

	// Already delivered: a second update adds nobody new.
	rec = f.do(t, http.MethodPut, "/admin/"+a.ID.String(), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, f.pub.count())

	stored, err := f.mem.GetAnnouncement(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt)
	require.NotNil(t, stored.CreatedBy)
	assert.Equal(t, f.admin, *stored.CreatedBy)
}

func TestPublishDue_DeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	a := &models.Announcement{
		Title:         "Scheduled",
		Content:       "Now live",
		DisplayMode:   models.DisplaySimple,
		IsActive:      true,
		PublishAt:     &past,
		TargetUserIDs: []uuid.UUID{f.member},
	}
	require.NoError(t, f.mem.CreateAnnouncement(ctx, a))

	n, err := f.svc.PublishDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{f.member}, f.pub.users)

	stored, err := f.mem.GetAnnouncement(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt)

	n, err = f.svc.PublishDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.pub.count())
}

func TestDeliver_SilencedTypeKeepsStateWithoutPush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	typ := &models.NotificationType{Name: "Marketing"}
	require.NoError(t, f.mem.CreateNotificationType(ctx, typ))
	require.NoError(t, f.mem.SilenceType(ctx, f.member, typ.ID))

	rec := f.do(t, http.MethodPost, "/admin", map[string]any{
		"typeId":        typ.ID,
		"title":         "Spring sale",
		"content":       "Everything half price",
		"targetUserIds": []uuid.UUID{f.member, f.grouped},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeData[models.Announcement](t, rec)

	assert.Equal(t, []uuid.UUID{f.grouped}, f.pub.users)
	_, err := f.mem.GetState(ctx, f.member, a.ID)
	require.NoError(t, err)
}

func TestAdmin_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin", map[string]any{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_AUDIENCE")

	now := time.Now()
	rec = f.do(t, http.MethodPost, "/admin", map[string]any{
		"title":         "t",
		"content":       "c",
		"targetUserIds": []uuid.UUID{f.member},
		"publishAt":     now,
		"expiresAt":     now.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_WINDOW")

	rec = f.do(t, http.MethodPost, "/admin", map[string]any{
		"typeId":        uuid.New(),
		"title":         "t",
		"content":       "c",
		"targetUserIds": []uuid.UUID{f.member},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNKNOWN_TYPE")

	rec = f.do(t, http.MethodPost, "/admin", map[string]any{
		"content":       "c",
		"targetUserIds": []uuid.UUID{f.member},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin", map[string]any{
		"title":         "t",
		"content":       "c",
		"displayMode":   "fireworks",
		"targetUserIds": []uuid.UUID{f.member},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/admin/"+uuid.NewString(), map[string]any{
		"title":         "t",
		"content":       "c",
		"targetUserIds": []uuid.UUID{f.member},
	}).Code)
	assert.Zero(t, f.pub.count())
}

func TestAdmin_RequiresPermission(t *testing.T) {
	f := newFixture(t)
	f.caller = f.member
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/admin", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/admin", map[string]any{
		"title":          "t",
		"content":        "c",
		"targetAllUsers": true,
	}).Code)
	assert.Zero(t, f.pub.count())
}

func TestAdmin_DeleteRemovesStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/admin", map[string]any{
		"title":         "t",
		"content":       "c",
		"targetUserIds": []uuid.UUID{f.member},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeData[models.Announcement](t, rec)

	rec = f.do(t, http.MethodGet, "/admin/"+a.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{f.member}, decodeData[models.Announcement](t, rec).TargetUserIDs)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/admin/"+a.ID.String(), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/admin/"+a.ID.String(), nil).Code)

	_, err := f.mem.GetState(ctx, f.member, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	inbox, err := f.mem.ListActive(ctx, f.member)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}
