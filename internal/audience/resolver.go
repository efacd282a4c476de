// Package audience turns a rule's target mode into a concrete set of
// recipients.
package audience

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zentra/beacon/internal/models"
)

var ErrUnknownTargetMode = errors.New("unknown target mode")

const DefaultPageSize = 500

// TargetLookup reads a rule's explicit recipients.
type TargetLookup interface {
	RuleTargetUsers(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error)
	RuleTargetGroups(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error)
}

type GroupLookup interface {
	GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
}

type RelationshipLookup interface {
	RelationshipPeers(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type UserLister interface {
	UserIDsAfter(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// Resolver consults exactly one lookup per rule, chosen by its target mode.
type Resolver struct {
	Targets       TargetLookup
	Groups        GroupLookup
	Relationships RelationshipLookup
	Users         UserLister
	PageSize      int
}

// Resolve calls yield once per distinct recipient. A yield error stops
// resolution and is returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, rule *models.NotificationRule, trigger *uuid.UUID, yield func(uuid.UUID) error) error {
	seen := make(map[uuid.UUID]struct{})
	emit := func(id uuid.UUID) error {
		if id == uuid.Nil {
			return nil
		}
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}
		return yield(id)
	}

	switch rule.TargetMode {
	case models.TargetTriggeringUser:
		if trigger == nil {
			return nil
		}
		return emit(*trigger)

	case models.TargetSpecificUsers:
		ids, err := r.Targets.RuleTargetUsers(ctx, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to load target users: %w", err)
		}
		return emitAll(ids, emit)

	case models.TargetSpecificGroups:
		groups, err := r.Targets.RuleTargetGroups(ctx, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to load target groups: %w", err)
		}
		return r.groupMembers(ctx, groups, emit)

	case models.TargetRelationshipPeer:
		if trigger == nil {
			return nil
		}
		peers, err := r.Relationships.RelationshipPeers(ctx, *trigger)
		if err != nil {
			return fmt.Errorf("failed to load relationship peers: %w", err)
		}
		return emitAll(peers, emit)

	case models.TargetBroadcastAll:
		// Keyset ids are unique, so the seen set is bypassed to keep memory
		// bounded by the page size.
		return r.broadcast(ctx, yield)
	}

	return fmt.Errorf("%w: %q", ErrUnknownTargetMode, rule.TargetMode)
}

// Set is an explicit audience: every listed user plus every member of the
// listed groups, or every user when All is set.
type Set struct {
	All    bool
	Users  []uuid.UUID
	Groups []uuid.UUID
}

// ResolveSet calls yield once per distinct member of set.
func (r *Resolver) ResolveSet(ctx context.Context, set Set, yield func(uuid.UUID) error) error {
	if set.All {
		return r.broadcast(ctx, yield)
	}

	seen := make(map[uuid.UUID]struct{})
	emit := func(id uuid.UUID) error {
		if id == uuid.Nil {
			return nil
		}
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}
		return yield(id)
	}
	if err := emitAll(set.Users, emit); err != nil {
		return err
	}
	return r.groupMembers(ctx, set.Groups, emit)
}

func (r *Resolver) groupMembers(ctx context.Context, groups []uuid.UUID, emit func(uuid.UUID) error) error {
	for _, groupID := range groups {
		members, err := r.Groups.GroupMembers(ctx, groupID)
		if err != nil {
			return fmt.Errorf("failed to load members of group %s: %w", groupID, err)
		}
		if err := emitAll(members, emit); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) broadcast(ctx context.Context, yield func(uuid.UUID) error) error {
	size := r.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.Users.UserIDsAfter(ctx, after, size)
		if err != nil {
			return fmt.Errorf("failed to page users after %s: %w", after, err)
		}
		for _, id := range page {
			if err := yield(id); err != nil {
				return err
			}
		}
		if len(page) < size {
			return nil
		}
		after = page[len(page)-1]
	}
}

// ResolveAll collects the recipient set into a slice.
func (r *Resolver) ResolveAll(ctx context.Context, rule *models.NotificationRule, trigger *uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.Resolve(ctx, rule, trigger, func(id uuid.UUID) error {
		out = append(out, id)
		return nil
	})
	return out, err
}

func emitAll(ids []uuid.UUID, emit func(uuid.UUID) error) error {
	for _, id := range ids {
		if err := emit(id); err != nil {
			return err
		}
	}
	return nil
}
