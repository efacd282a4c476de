package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zentra/beacon/internal/models"
)

type stateKey struct {
	user, notification uuid.UUID
}

// Memory is a mutex-guarded Store. Conditional writes hold the lock for the
// whole check-and-write, matching the single-statement upserts of Postgres.
type Memory struct {
	mu sync.RWMutex

	events       map[uuid.UUID]*models.EventDefinition
	occurrences  []*models.EventOccurrence
	rules        map[uuid.UUID]*models.NotificationRule
	targetUsers  map[uuid.UUID][]uuid.UUID
	targetGroups map[uuid.UUID][]uuid.UUID
	types        map[uuid.UUID]*models.NotificationType
	states       map[stateKey]*models.UserNotificationState
	silenced     map[stateKey]time.Time

	announcements map[uuid.UUID]*models.Announcement
	annUsers      map[uuid.UUID][]uuid.UUID
	annGroups     map[uuid.UUID][]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		events:       make(map[uuid.UUID]*models.EventDefinition),
		rules:        make(map[uuid.UUID]*models.NotificationRule),
		targetUsers:  make(map[uuid.UUID][]uuid.UUID),
		targetGroups: make(map[uuid.UUID][]uuid.UUID),
		types:        make(map[uuid.UUID]*models.NotificationType),
		states:       make(map[stateKey]*models.UserNotificationState),
		silenced:     make(map[stateKey]time.Time),

		announcements: make(map[uuid.UUID]*models.Announcement),
		annUsers:      make(map[uuid.UUID][]uuid.UUID),
		annGroups:     make(map[uuid.UUID][]uuid.UUID),
	}
}

// ---------- Events ----------

func (m *Memory) GetEventByCode(ctx context.Context, code string) (*models.EventDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.Code == code {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetEvent(ctx context.Context, id uuid.UUID) (*models.EventDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListEvents(ctx context.Context) ([]*models.EventDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*models.EventDefinition, 0, len(m.events))
	for _, e := range m.events {
		cp := *e
		for _, r := range m.rules {
			if r.EventID == e.ID {
				cp.RuleCount++
			}
		}
		for _, o := range m.occurrences {
			if o.EventID == e.ID {
				cp.LogCount++
			}
		}
		events = append(events, &cp)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Category != events[j].Category {
			return events[i].Category < events[j].Category
		}
		return events[i].Name < events[j].Name
	})
	return events, nil
}

func (m *Memory) CreateEvent(ctx context.Context, e *models.EventDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.Code == e.Code {
			return ErrConflict
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *Memory) UpdateEvent(ctx context.Context, e *models.EventDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.events[e.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range m.events {
		if other.ID != e.ID && other.Code == e.Code {
			return ErrConflict
		}
	}
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = time.Now()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrNotFound
	}
	delete(m.events, id)
	for ruleID, r := range m.rules {
		if r.EventID == id {
			m.deleteRuleLocked(ruleID)
		}
	}
	kept := m.occurrences[:0]
	for _, o := range m.occurrences {
		if o.EventID != id {
			kept = append(kept, o)
		}
	}
	m.occurrences = kept
	return nil
}

// ---------- Occurrence log ----------

func (m *Memory) AppendOccurrence(ctx context.Context, o *models.EventOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.TriggeredAt.IsZero() {
		o.TriggeredAt = time.Now()
	}
	cp := *o
	m.occurrences = append(m.occurrences, &cp)
	return nil
}

func (m *Memory) ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]*models.EventOccurrence, int64, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.EventOccurrence
	for _, o := range m.occurrences {
		if f.EventID != nil && o.EventID != *f.EventID {
			continue
		}
		if f.UserID != nil && (o.UserID == nil || *o.UserID != *f.UserID) {
			continue
		}
		cp := *o
		if e, ok := m.events[o.EventID]; ok {
			cp.EventCode = e.Code
		}
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].TriggeredAt.After(matched[j].TriggeredAt)
	})

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*models.EventOccurrence{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

func (m *Memory) ExpiredOccurrences(ctx context.Context, now time.Time, limit int) ([]*models.EventOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*models.EventOccurrence
	for _, o := range m.occurrences {
		e, ok := m.events[o.EventID]
		if !ok || !e.IsLogged || e.LogRetentionDays <= 0 {
			continue
		}
		if o.TriggeredAt.Before(now.AddDate(0, 0, -e.LogRetentionDays)) {
			cp := *o
			cp.EventCode = e.Code
			expired = append(expired, &cp)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TriggeredAt.Before(expired[j].TriggeredAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *Memory) DeleteOccurrences(ctx context.Context, ids []uuid.UUID) (int64, error) {
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	kept := m.occurrences[:0]
	for _, o := range m.occurrences {
		if _, ok := drop[o.ID]; ok {
			deleted++
			continue
		}
		kept = append(kept, o)
	}
	m.occurrences = kept
	return deleted, nil
}

// ---------- Rules ----------

func (m *Memory) copyRuleLocked(r *models.NotificationRule, withTargets bool) *models.NotificationRule {
	cp := *r
	cp.TargetUserIDs, cp.TargetGroupIDs = nil, nil
	if withTargets {
		cp.TargetUserIDs = append([]uuid.UUID(nil), m.targetUsers[r.ID]...)
		cp.TargetGroupIDs = append([]uuid.UUID(nil), m.targetGroups[r.ID]...)
	}
	return &cp
}

func (m *Memory) rulesFor(eventID uuid.UUID, activeOnly, withTargets bool) []*models.NotificationRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := []*models.NotificationRule{}
	for _, r := range m.rules {
		if r.EventID != eventID || (activeOnly && !r.IsActive) {
			continue
		}
		rules = append(rules, m.copyRuleLocked(r, withTargets))
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

func (m *Memory) ActiveRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error) {
	return m.rulesFor(eventID, true, false), nil
}

func (m *Memory) ListRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error) {
	return m.rulesFor(eventID, false, true), nil
}

func (m *Memory) GetRule(ctx context.Context, id uuid.UUID) (*models.NotificationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyRuleLocked(r, true), nil
}

func (m *Memory) CreateRule(ctx context.Context, r *models.NotificationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[r.EventID]; !ok {
		return ErrNotFound
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	m.rules[r.ID] = m.copyRuleLocked(r, false)
	m.replaceTargetsLocked(r)
	return nil
}

func (m *Memory) UpdateRule(ctx context.Context, r *models.NotificationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rules[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.EventID = existing.EventID
	r.TargetMode = existing.TargetMode
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now()
	m.rules[r.ID] = m.copyRuleLocked(r, false)
	m.replaceTargetsLocked(r)
	return nil
}

func (m *Memory) replaceTargetsLocked(r *models.NotificationRule) {
	m.targetUsers[r.ID] = dedupe(r.TargetUserIDs)
	m.targetGroups[r.ID] = dedupe(r.TargetGroupIDs)
}

func (m *Memory) DeleteRule(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	m.deleteRuleLocked(id)
	return nil
}

func (m *Memory) deleteRuleLocked(id uuid.UUID) {
	delete(m.rules, id)
	delete(m.targetUsers, id)
	delete(m.targetGroups, id)
	for k := range m.states {
		if k.notification == id {
			delete(m.states, k)
		}
	}
}

func (m *Memory) RuleTargetUsers(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uuid.UUID(nil), m.targetUsers[ruleID]...), nil
}

func (m *Memory) RuleTargetGroups(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uuid.UUID(nil), m.targetGroups[ruleID]...), nil
}

// ---------- Delivery state ----------

func (m *Memory) InsertStateIfAbsent(ctx context.Context, st *models.UserNotificationState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey{st.UserID, st.NotificationID}
	if _, ok := m.states[key]; ok {
		return false, nil
	}
	cp := *st
	cp.ReadAt, cp.DismissedAt = nil, nil
	m.states[key] = &cp
	return true, nil
}

func (m *Memory) UpsertStateRedeliver(ctx context.Context, st *models.UserNotificationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	cp.ReadAt, cp.DismissedAt = nil, nil
	m.states[stateKey{st.UserID, st.NotificationID}] = &cp
	return nil
}

func (m *Memory) GetState(ctx context.Context, userID, notificationID uuid.UUID) (*models.UserNotificationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[stateKey{userID, notificationID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *Memory) mark(userID, notificationID uuid.UUID, at time.Time, field func(*models.UserNotificationState) **time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stateKey{userID, notificationID}
	st, ok := m.states[key]
	if !ok {
		st = &models.UserNotificationState{
			UserID:         userID,
			NotificationID: notificationID,
			DeliveredAt:    at,
		}
		if rule, ok := m.rules[notificationID]; ok {
			st.Title, st.Content = rule.Title, rule.Content
		} else if a, ok := m.announcements[notificationID]; ok {
			st.Title, st.Content = a.Title, a.Content
		} else {
			return ErrNotFound
		}
		m.states[key] = st
	}
	if ts := field(st); *ts == nil {
		t := at
		*ts = &t
	}
	return nil
}

func (m *Memory) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error {
	return m.mark(userID, notificationID, at, func(st *models.UserNotificationState) **time.Time { return &st.ReadAt })
}

func (m *Memory) MarkDismissed(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error {
	return m.mark(userID, notificationID, at, func(st *models.UserNotificationState) **time.Time { return &st.DismissedAt })
}

func (m *Memory) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, st := range m.states {
		if k.user != userID || st.ReadAt != nil || st.DismissedAt != nil {
			continue
		}
		t := at
		st.ReadAt = &t
		n++
	}
	return n, nil
}

func (m *Memory) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	notifications := []*models.Notification{}
	for k, st := range m.states {
		if k.user != userID || st.DismissedAt != nil {
			continue
		}
		n, ok := m.viewLocked(st, now)
		if !ok {
			continue
		}
		if n.TypeID != nil && !n.DisplayMode.Blocking() {
			if _, muted := m.silenced[stateKey{userID, *n.TypeID}]; muted {
				continue
			}
		}
		if n.TypeID != nil {
			if t, ok := m.types[*n.TypeID]; ok {
				name := t.Name
				n.TypeName = &name
			}
		}
		notifications = append(notifications, n)
	}
	sort.Slice(notifications, func(i, j int) bool {
		if notifications[i].Priority != notifications[j].Priority {
			return notifications[i].Priority > notifications[j].Priority
		}
		return notifications[i].DeliveredAt.After(notifications[j].DeliveredAt)
	})
	return notifications, nil
}

// viewLocked joins a state row with the rule or announcement it belongs to.
// Rule notifications keep their rendered text; announcements show their
// current text.
func (m *Memory) viewLocked(st *models.UserNotificationState, now time.Time) (*models.Notification, bool) {
	n := &models.Notification{
		ID:          st.NotificationID,
		Title:       st.Title,
		Content:     st.Content,
		DeliveredAt: st.DeliveredAt,
		ReadAt:      st.ReadAt,
		DismissedAt: st.DismissedAt,
	}
	if rule, ok := m.rules[st.NotificationID]; ok {
		if !rule.IsActive {
			return nil, false
		}
		n.TypeID, n.DisplayMode, n.Priority = rule.TypeID, rule.DisplayMode, rule.Priority
		return n, true
	}
	if a, ok := m.announcements[st.NotificationID]; ok {
		if !a.Live(now) {
			return nil, false
		}
		n.TypeID, n.DisplayMode, n.Priority = a.TypeID, a.DisplayMode, a.Priority
		n.Title, n.Content = a.Title, a.Content
		return n, true
	}
	return nil, false
}

// ---------- Types & silencing ----------

func (m *Memory) IsTypeSilenced(ctx context.Context, userID, typeID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.silenced[stateKey{userID, typeID}]
	return ok, nil
}

func (m *Memory) SilenceType(ctx context.Context, userID, typeID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[typeID]; !ok {
		return ErrNotFound
	}
	key := stateKey{userID, typeID}
	if _, ok := m.silenced[key]; !ok {
		m.silenced[key] = time.Now()
	}
	return nil
}

func (m *Memory) UnsilenceType(ctx context.Context, userID, typeID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.silenced, stateKey{userID, typeID})
	return nil
}

func (m *Memory) ListSilencedTypes(ctx context.Context, userID uuid.UUID) ([]*models.NotificationType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := []*models.NotificationType{}
	for k := range m.silenced {
		if k.user != userID {
			continue
		}
		if t, ok := m.types[k.notification]; ok {
			cp := *t
			types = append(types, &cp)
		}
	}
	sortTypes(types)
	return types, nil
}

func (m *Memory) ListNotificationTypes(ctx context.Context) ([]*models.NotificationType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := []*models.NotificationType{}
	for _, t := range m.types {
		if t.IsActive {
			cp := *t
			types = append(types, &cp)
		}
	}
	sortTypes(types)
	return types, nil
}

func (m *Memory) CreateNotificationType(ctx context.Context, t *models.NotificationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.types {
		if strings.EqualFold(existing.Name, t.Name) {
			return ErrConflict
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	m.types[t.ID] = &cp
	return nil
}

func sortTypes(types []*models.NotificationType) {
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
