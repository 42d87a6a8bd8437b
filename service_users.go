package permkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"

	"github.com/fernandezvara/dbkit"
)

// NewUser is the input of CreateUser.
type NewUser struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	RoleID   *int64 `json:"roleId,omitempty" validate:"omitempty,gt=0"`
}

// dummyHash keeps Authenticate's cost constant when the email is unknown.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("permkit-placeholder"), bcrypt.DefaultCost)

// invalidCredentials is the single error Authenticate returns for every
// credential failure, so callers cannot tell unknown emails from bad passwords.
func invalidCredentials() error {
	return NewError(ErrUnauthenticated, "invalid credentials")
}

// CreateUser creates a user account with a bcrypt password hash.
// The user starts with IsFirstLogin set.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateInput(in); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, NewError(ErrValidation, "password cannot be hashed").WithCause(err)
	}

	user := &User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: string(hash),
		RoleID:       in.RoleID,
		IsFirstLogin: true,
	}
	if in.RoleID != nil {
		if _, err := s.GetRole(ctx, *in.RoleID); err != nil {
			return nil, err
		}
	}

	result, err := s.db.NewInsert().Model(user).Returning("*").Exec(ctx)
	if err = dbkit.WithErr(result, err, "CreateUser").Err(); err != nil {
		if dbkit.IsDuplicate(err) {
			return nil, NewError(ErrConflict, "email already registered").WithCause(err)
		}
		return nil, storeError("CreateUser", err)
	}

	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionCreate,
		EntityType:  EntityUser,
		EntityID:    int64Ptr(user.ID),
		Description: fmt.Sprintf("User %s created", user.Email),
	})
	return user, nil
}

// GetUser returns a user with its role loaded (nil when the user has none).
func (s *Service) GetUser(ctx context.Context, userID int64) (*User, error) {
	user := new(User)
	err := dbkit.WithErr1(s.db.NewSelect().Model(user).Relation("Role").Where("u.id = ?", userID).Scan(ctx), "GetUser").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "user not found").WithUser(userID)
		}
		return nil, storeError("GetUser", err)
	}
	return user, nil
}

// UserUpdate is the input of UpdateUser. Nil fields are left unchanged.
type UserUpdate struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Email  *string `json:"email,omitempty" validate:"omitempty,email"`
	RoleID *int64  `json:"roleId,omitempty" validate:"omitempty,gt=0"`
}

// UpdateUser changes the name, email or role of a user in one transaction.
// Emails are stored lowercased and stay unique (ErrConflict). An update that
// changes nothing returns the user without writing or auditing.
func (s *Service) UpdateUser(ctx context.Context, userID int64, in UserUpdate) (*User, error) {
	if in.Name != nil {
		in.Name = stringPtr(strings.TrimSpace(*in.Name))
	}
	if in.Email != nil {
		in.Email = stringPtr(strings.ToLower(strings.TrimSpace(*in.Email)))
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var changes []string
	err := s.inTx(ctx, "UpdateUser", func(ctx context.Context, tx dbkit.IDB) error {
		user := new(User)
		err := dbkit.WithErr1(tx.NewSelect().Model(user).Where("u.id = ?", userID).For("UPDATE").Scan(ctx), "LockUser").Err()
		if err != nil {
			if dbkit.IsNotFound(err) {
				return NewError(ErrNotFound, "user not found").WithUser(userID)
			}
			return storeError("LockUser", err)
		}

		q := tx.NewUpdate().Model((*User)(nil)).Where("id = ?", userID)
		if in.Name != nil && *in.Name != user.Name {
			q = q.Set("name = ?", *in.Name)
			changes = append(changes, fmt.Sprintf("name %q", *in.Name))
		}
		if in.Email != nil && *in.Email != user.Email {
			q = q.Set("email = ?", *in.Email)
			changes = append(changes, fmt.Sprintf("email %s", *in.Email))
		}
		if in.RoleID != nil && (user.RoleID == nil || *user.RoleID != *in.RoleID) {
			role := new(Role)
			err := dbkit.WithErr1(tx.NewSelect().Model(role).Column("id", "name").Where("r.id = ?", *in.RoleID).For("SHARE").Scan(ctx), "GetRole").Err()
			if err != nil {
				if dbkit.IsNotFound(err) {
					return NewError(ErrNotFound, "role not found")
				}
				return storeError("GetRole", err)
			}
			q = q.Set("role_id = ?", role.ID)
			changes = append(changes, "role "+role.Name)
		}
		if len(changes) == 0 {
			return nil
		}

		result, err := q.Set("updated_at = current_timestamp").Exec(ctx)
		if err = dbkit.WithErr(result, err, "UpdateUser").Err(); err != nil {
			if dbkit.IsDuplicate(err) {
				return NewError(ErrConflict, "email already registered").WithUser(userID).WithCause(err)
			}
			return classifyStoreError("UpdateUser", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		s.recordAudit(ctx, &AuditEntry{
			ActionType:  AuditActionUpdate,
			EntityType:  EntityUser,
			EntityID:    int64Ptr(userID),
			Description: fmt.Sprintf("User %d updated: %s", userID, strings.Join(changes, ", ")),
		})
		s.invalidateSnapshots(ctx, userID)
	}
	return s.GetUser(ctx, userID)
}

// ChangeUserRole replaces the role of a user. A user holds exactly one role.
func (s *Service) ChangeUserRole(ctx context.Context, userID, roleID int64) (*User, error) {
	return s.UpdateUser(ctx, userID, UserUpdate{RoleID: &roleID})
}

// ListUsers returns users with their role, newest first, together with the
// number of users matching the filter. Search matches name or email.
//
// Example:
//
//	users, total, err := service.ListUsers(ctx, permkit.NewUserFilter().WithSearch("@example.com"))
func (s *Service) ListUsers(ctx context.Context, filter UserFilter) ([]*User, int, error) {
	var users []*User
	q := s.db.NewSelect().Model(&users).Relation("Role")
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("u.name ILIKE ?", pattern).WhereOr("u.email ILIKE ?", pattern)
		})
	}

	q = q.Order("u.created_at DESC", "u.id DESC").Limit(clampLimit(filter.Limit))
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	total, err := q.ScanAndCount(ctx)
	if err = dbkit.WithErr1(err, "ListUsers").Err(); err != nil && !dbkit.IsNotFound(err) {
		return nil, 0, storeError("ListUsers", err)
	}
	return users, total, nil
}

// DeleteUser removes a user account.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	result, err := s.db.NewDelete().Model((*User)(nil)).Where("id = ?", userID).Exec(ctx)
	if err = dbkit.WithErr(result, err, "DeleteUser").Err(); err != nil {
		return storeError("DeleteUser", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewError(ErrNotFound, "user not found").WithUser(userID)
	}

	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionDelete,
		EntityType:  EntityUser,
		EntityID:    int64Ptr(userID),
		Description: fmt.Sprintf("User %d deleted", userID),
	})
	s.invalidateSnapshots(ctx, userID)
	return nil
}

// Authenticate checks an email and password and returns the user's snapshot.
// Every credential failure returns the same ErrUnauthenticated error; store
// failures return ErrStore.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*ActorSnapshot, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, invalidCredentials()
	}

	user := new(User)
	err := dbkit.WithErr1(s.db.NewSelect().Model(user).Where("u.email = ?", email).Scan(ctx), "Authenticate").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, invalidCredentials()
		}
		return nil, storeError("Authenticate", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.logger.WarnContext(ctx, "password hash check failed", "user_id", user.ID, "error", err)
		}
		return nil, invalidCredentials()
	}

	return s.loadSnapshot(ctx, user.ID)
}
