// Package seed loads a YAML catalog of modules, roles and users and applies it
// to a permkit store. Applying the same file twice changes nothing.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fernandezvara/permkit"
)

//go:embed default.yaml
var defaultFile []byte

// File is the seed document.
type File struct {
	Permissions []PermissionSeed `yaml:"permissions"`
	Roles       []RoleSeed       `yaml:"roles"`
	Users       []UserSeed       `yaml:"users"`
}

// PermissionSeed declares one module.
type PermissionSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// RoleSeed declares a role and its grants, keyed by module name.
type RoleSeed struct {
	Name      string             `yaml:"name"`
	Superuser bool               `yaml:"superuser"`
	Grants    map[string]Actions `yaml:"grants"`
}

// UserSeed declares an account. Email and password may come from the environment.
type UserSeed struct {
	Name        string `yaml:"name"`
	Email       string `yaml:"email"`
	EmailEnv    string `yaml:"email_env"`
	PasswordEnv string `yaml:"password_env"`
	Role        string `yaml:"role"`
}

// Actions is a list of action names. The scalar "*" (or a list holding it)
// means every action.
type Actions []permkit.Action

// UnmarshalYAML accepts both `READ` / `"*"` scalars and lists.
func (a *Actions) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if value.Kind == yaml.ScalarNode {
		names = []string{value.Value}
	} else if err := value.Decode(&names); err != nil {
		return err
	}

	out := make(Actions, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "*" {
			*a = permkit.AllActions()
			return nil
		}
		action, err := permkit.ParseAction(n)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		out = append(out, action)
	}
	*a = out
	return nil
}

// Load parses a seed document.
func Load(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses the seed file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Load(bytes.NewReader(data))
}

// Default returns the built-in seed document.
func Default() *File {
	f, err := Load(bytes.NewReader(defaultFile))
	if err != nil {
		panic(err)
	}
	return f
}

// Validate checks the required fields of every entry.
func (f *File) Validate() error {
	for i, p := range f.Permissions {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("seed: permissions[%d]: name is required", i)
		}
	}
	for i, r := range f.Roles {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("seed: roles[%d]: name is required", i)
		}
	}
	for i, u := range f.Users {
		if strings.TrimSpace(u.Name) == "" {
			return fmt.Errorf("seed: users[%d]: name is required", i)
		}
		if u.Email == "" && u.EmailEnv == "" {
			return fmt.Errorf("seed: user %q: email or email_env is required", u.Name)
		}
		if u.PasswordEnv == "" {
			return fmt.Errorf("seed: user %q: password_env is required", u.Name)
		}
	}
	return nil
}

// Store is the subset of the permkit service the seeder drives.
type Store interface {
	CreatePermission(ctx context.Context, name string, description *string) (*permkit.Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*permkit.Permission, error)
	CreateRole(ctx context.Context, name string, superuser bool) (*permkit.Role, error)
	GetRoleByName(ctx context.Context, name string) (*permkit.Role, error)
	GrantPermissions(ctx context.Context, roleName string, assignments []permkit.PermissionAssignment) (*permkit.Role, error)
	CreateUser(ctx context.Context, in permkit.NewUser) (*permkit.User, error)
}

// Result counts what Apply created.
type Result struct {
	Permissions int
	Roles       int
	Users       int
}

// Apply writes f to store. Entities that already exist are left as they are;
// grants are merged, so only missing actions are added.
func Apply(ctx context.Context, store Store, f *File, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res Result

	for _, p := range f.Permissions {
		var desc *string
		if p.Description != "" {
			d := p.Description
			desc = &d
		}
		_, err := store.CreatePermission(ctx, p.Name, desc)
		switch {
		case err == nil:
			res.Permissions++
			logger.InfoContext(ctx, "seed: permission created", "name", p.Name)
		case permkit.IsConflict(err):
			logger.DebugContext(ctx, "seed: permission exists", "name", p.Name)
		default:
			return res, fmt.Errorf("seed: permission %q: %w", p.Name, err)
		}
	}

	for _, r := range f.Roles {
		_, err := store.CreateRole(ctx, r.Name, r.Superuser)
		switch {
		case err == nil:
			res.Roles++
			logger.InfoContext(ctx, "seed: role created", "name", r.Name, "superuser", r.Superuser)
		case permkit.IsConflict(err):
			logger.DebugContext(ctx, "seed: role exists", "name", r.Name)
		default:
			return res, fmt.Errorf("seed: role %q: %w", r.Name, err)
		}

		if len(r.Grants) == 0 {
			continue
		}
		assignments, err := resolveGrants(ctx, store, r.Grants)
		if err != nil {
			return res, fmt.Errorf("seed: role %q: %w", r.Name, err)
		}
		if _, err := store.GrantPermissions(ctx, r.Name, assignments); err != nil {
			return res, fmt.Errorf("seed: role %q grants: %w", r.Name, err)
		}
	}

	for _, u := range f.Users {
		created, err := applyUser(ctx, store, u)
		if err != nil {
			return res, err
		}
		if created {
			res.Users++
			logger.InfoContext(ctx, "seed: user created", "name", u.Name, "role", u.Role)
		}
	}

	return res, nil
}

func resolveGrants(ctx context.Context, store Store, grants map[string]Actions) ([]permkit.PermissionAssignment, error) {
	modules := make([]string, 0, len(grants))
	for m := range grants {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	out := make([]permkit.PermissionAssignment, 0, len(modules))
	for _, m := range modules {
		if len(grants[m]) == 0 {
			continue
		}
		perm, err := store.GetPermissionByName(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", m, err)
		}
		out = append(out, permkit.PermissionAssignment{
			PermissionID:   perm.ID,
			AllowedActions: grants[m],
		})
	}
	return out, nil
}

func applyUser(ctx context.Context, store Store, u UserSeed) (bool, error) {
	email := u.Email
	if u.EmailEnv != "" {
		if v := os.Getenv(u.EmailEnv); v != "" {
			email = v
		}
	}
	if email == "" {
		return false, fmt.Errorf("seed: user %q: %s is not set", u.Name, u.EmailEnv)
	}
	password := os.Getenv(u.PasswordEnv)
	if password == "" {
		return false, fmt.Errorf("seed: user %q: %s is not set", u.Name, u.PasswordEnv)
	}

	in := permkit.NewUser{Name: u.Name, Email: email, Password: password}
	if u.Role != "" {
		role, err := store.GetRoleByName(ctx, u.Role)
		if err != nil {
			return false, fmt.Errorf("seed: user %q role %q: %w", u.Name, u.Role, err)
		}
		in.RoleID = &role.ID
	}

	_, err := store.CreateUser(ctx, in)
	switch {
	case err == nil:
		return true, nil
	case permkit.IsConflict(err):
		return false, nil
	default:
		return false, fmt.Errorf("seed: user %q: %w", u.Name, err)
	}
}
