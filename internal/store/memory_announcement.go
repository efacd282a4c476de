package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zentra/beacon/internal/models"
)

// ---------- Announcements ----------

func (m *Memory) copyAnnouncementLocked(a *models.Announcement) *models.Announcement {
	cp := *a
	cp.TargetUserIDs = append([]uuid.UUID(nil), m.annUsers[a.ID]...)
	cp.TargetGroupIDs = append([]uuid.UUID(nil), m.annGroups[a.ID]...)
	return &cp
}

func (m *Memory) ListAnnouncements(ctx context.Context) ([]*models.Announcement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.Announcement, 0, len(m.announcements))
	for _, a := range m.announcements {
		cp := m.copyAnnouncementLocked(a)
		for k, st := range m.states {
			if k.notification != a.ID {
				continue
			}
			cp.RecipientCount++
			if st.ReadAt != nil {
				cp.ReadCount++
			}
		}
		list = append(list, cp)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (m *Memory) GetAnnouncement(ctx context.Context, id uuid.UUID) (*models.Announcement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.announcements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyAnnouncementLocked(a), nil
}

func (m *Memory) CreateAnnouncement(ctx context.Context, a *models.Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.typeKnownLocked(a.TypeID) {
		return ErrNotFound
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.DeliveredAt = nil
	m.storeAnnouncementLocked(a)
	return nil
}

func (m *Memory) UpdateAnnouncement(ctx context.Context, a *models.Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.announcements[a.ID]
	if !ok || !m.typeKnownLocked(a.TypeID) {
		return ErrNotFound
	}
	a.CreatedBy = existing.CreatedBy
	a.CreatedAt = existing.CreatedAt
	a.DeliveredAt = existing.DeliveredAt
	a.UpdatedAt = time.Now()
	m.storeAnnouncementLocked(a)
	return nil
}

func (m *Memory) typeKnownLocked(id *uuid.UUID) bool {
	if id == nil {
		return true
	}
	_, ok := m.types[*id]
	return ok
}

func (m *Memory) storeAnnouncementLocked(a *models.Announcement) {
	cp := *a
	cp.TargetUserIDs, cp.TargetGroupIDs = nil, nil
	cp.RecipientCount, cp.ReadCount = 0, 0
	m.announcements[a.ID] = &cp
	m.annUsers[a.ID] = dedupe(a.TargetUserIDs)
	m.annGroups[a.ID] = dedupe(a.TargetGroupIDs)
}

func (m *Memory) DeleteAnnouncement(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.announcements[id]; !ok {
		return ErrNotFound
	}
	delete(m.announcements, id)
	delete(m.annUsers, id)
	delete(m.annGroups, id)
	for k := range m.states {
		if k.notification == id {
			delete(m.states, k)
		}
	}
	return nil
}

func (m *Memory) DueAnnouncements(ctx context.Context, now time.Time, limit int) ([]*models.Announcement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*models.Announcement
	for _, a := range m.announcements {
		if a.DeliveredAt == nil && a.Live(now) {
			due = append(due, m.copyAnnouncementLocked(a))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return publishTime(due[i]).Before(publishTime(due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) MarkAnnouncementDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.announcements[id]
	if !ok {
		return ErrNotFound
	}
	if a.DeliveredAt == nil {
		t := at
		a.DeliveredAt = &t
	}
	return nil
}

func publishTime(a *models.Announcement) time.Time {
	if a.PublishAt != nil {
		return *a.PublishAt
	}
	return a.CreatedAt
}
