// Package token issues and verifies signed credentials carrying an actor snapshot.
package token

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fernandezvara/permkit"
)

// DefaultTTL is the credential lifetime when none is configured.
const DefaultTTL = 48 * time.Hour

// DefaultIssuer is the iss claim written into credentials.
const DefaultIssuer = "permkit"

// Claims is the payload of a permkit credential.
type Claims struct {
	jwt.RegisteredClaims
	UserID      int64           `json:"userId"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	RoleName    string          `json:"roleName"`
	RoleID      int64           `json:"roleId,omitempty"`
	Superuser   bool            `json:"superuser,omitempty"`
	Version     int64           `json:"pv,omitempty"`
	Permissions []permkit.Grant `json:"permissions"`
}

// Snapshot converts the claims back into an actor snapshot.
func (c *Claims) Snapshot() *permkit.ActorSnapshot {
	perms := c.Permissions
	if perms == nil {
		perms = []permkit.Grant{}
	}
	return &permkit.ActorSnapshot{
		UserID:             c.UserID,
		Name:               c.Name,
		Email:              c.Email,
		RoleID:             c.RoleID,
		RoleName:           c.RoleName,
		Superuser:          c.Superuser,
		PermissionsVersion: c.Version,
		Permissions:        perms,
	}
}

// Issuer signs and verifies HS256 credentials.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets the credential lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuer sets the iss claim.
func WithIssuer(iss string) Option {
	return func(i *Issuer) {
		i.issuer = iss
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

var errEmptySecret = errors.New("token: secret is required")

// NewIssuer creates an issuer signing with secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, errEmptySecret
	}
	i := &Issuer{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured credential lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a credential for the snapshot and returns it with its expiry.
func (i *Issuer) Issue(snap *permkit.ActorSnapshot) (string, time.Time, error) {
	if snap == nil || snap.UserID <= 0 {
		return "", time.Time{}, permkit.NewError(permkit.ErrValidation, "snapshot with a user is required")
	}

	now := i.now()
	expires := now.Add(i.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(snap.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UserID:      snap.UserID,
		Name:        snap.Name,
		Email:       snap.Email,
		RoleName:    snap.RoleName,
		RoleID:      snap.RoleID,
		Superuser:   snap.Superuser,
		Version:     snap.PermissionsVersion,
		Permissions: snap.Permissions,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify parses raw and returns the snapshot it carries. Missing, malformed,
// wrongly signed and expired credentials are ErrUnauthenticated errors.
func (i *Issuer) Verify(_ context.Context, raw string) (*permkit.ActorSnapshot, error) {
	if raw == "" {
		return nil, permkit.NewError(permkit.ErrUnauthenticated, "missing credential")
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		msg := "invalid credential"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "credential expired"
		}
		return nil, permkit.NewError(permkit.ErrUnauthenticated, msg).WithCause(err)
	}
	if !tok.Valid || claims.UserID <= 0 {
		return nil, permkit.NewError(permkit.ErrUnauthenticated, "invalid credential")
	}
	return claims.Snapshot(), nil
}

var _ permkit.CredentialVerifier = (*Issuer)(nil)
