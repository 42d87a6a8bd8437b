package permkit

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/fernandezvara/dbkit"
)

// ============================================================================
// ACTOR IDENTITY
// ============================================================================

// ResolveActorSnapshot loads a user with its role, permissions and actions and
// flattens them into a snapshot. The snapshot cache is consulted first when one
// is configured, and concurrent loads of the same user share one store query.
//
// A user without a role, or whose role vanished, gets a snapshot with no
// permissions. A missing user is an ErrNotFound error.
func (s *Service) ResolveActorSnapshot(ctx context.Context, userID int64) (*ActorSnapshot, error) {
	if userID <= 0 {
		return nil, NewError(ErrValidation, "user id is required")
	}

	if s.cache != nil {
		snap, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot cache read failed", slog.Any("error", err), "user_id", userID)
		} else if snap != nil {
			return snap, nil
		}
	}

	v, err, _ := s.loads.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		seen := s.invalidations.Load()
		snap, err := s.loadSnapshot(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.storeSnapshot(ctx, snap, seen)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActorSnapshot), nil
}

// storeSnapshot caches snap unless an invalidation ran since seen was read. An
// invalidation racing the write removes the entry again.
func (s *Service) storeSnapshot(ctx context.Context, snap *ActorSnapshot, seen uint64) {
	if s.cache == nil || s.invalidations.Load() != seen {
		return
	}
	if err := s.cache.Set(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "snapshot cache write failed", slog.Any("error", err), "user_id", snap.UserID)
		return
	}
	if s.invalidations.Load() != seen {
		if err := s.cache.Delete(ctx, snap.UserID); err != nil {
			s.logger.WarnContext(ctx, "snapshot cache write failed", slog.Any("error", err), "user_id", snap.UserID)
		}
	}
}

// loadSnapshot reads the snapshot from the store, bypassing the cache.
func (s *Service) loadSnapshot(ctx context.Context, userID int64) (*ActorSnapshot, error) {
	user := new(User)
	err := dbkit.WithErr1(s.db.NewSelect().Model(user).Where("u.id = ?", userID).Scan(ctx), "ResolveActorSnapshot").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "user not found").WithUser(userID)
		}
		return nil, storeError("ResolveActorSnapshot", err)
	}

	if user.RoleID == nil {
		return NewSnapshot(user, nil), nil
	}
	role, err := loadRole(ctx, s.db, "ResolveActorSnapshot", "r.id = ?", *user.RoleID)
	if err != nil {
		if IsNotFound(err) {
			return NewSnapshot(user, nil), nil
		}
		return nil, err
	}
	return NewSnapshot(user, role), nil
}
