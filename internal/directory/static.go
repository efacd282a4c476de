package directory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Static is an in-memory Directory for development and tests.
type Static struct {
	mu          sync.RWMutex
	users       []uuid.UUID
	groups      map[uuid.UUID][]uuid.UUID
	peers       map[uuid.UUID][]uuid.UUID
	permissions map[uuid.UUID]map[string]bool
}

func NewStatic() *Static {
	return &Static{
		groups:      make(map[uuid.UUID][]uuid.UUID),
		peers:       make(map[uuid.UUID][]uuid.UUID),
		permissions: make(map[uuid.UUID]map[string]bool),
	}
}

func (s *Static) AddUsers(ids ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, ids...)
	sort.Slice(s.users, func(i, j int) bool {
		return bytes.Compare(s.users[i][:], s.users[j][:]) < 0
	})
}

func (s *Static) AddGroupMember(groupID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append(s.groups[groupID], userID)
}

// Relate records an accepted relationship in both directions.
func (s *Static) Relate(a, b uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[a] = append(s.peers[a], b)
	s.peers[b] = append(s.peers[b], a)
}

func (s *Static) Grant(userID uuid.UUID, permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissions[userID] == nil {
		s.permissions[userID] = make(map[string]bool)
	}
	s.permissions[userID][permission] = true
}

func (s *Static) GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uuid.UUID(nil), s.groups[groupID]...), nil
}

func (s *Static) RelationshipPeers(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uuid.UUID(nil), s.peers[userID]...), nil
}

func (s *Static) UserIDsAfter(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.users), func(i int) bool {
		return bytes.Compare(s.users[i][:], after[:]) > 0
	})
	end := start + limit
	if end > len(s.users) {
		end = len(s.users)
	}
	return append([]uuid.UUID(nil), s.users[start:end]...), nil
}

func (s *Static) HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions[userID][permission], nil
}
