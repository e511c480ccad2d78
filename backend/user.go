package backend

import (
	"time"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/repository"
)

// User is an account that can log in. The password hash is stored but never
// serialized in responses.
type User struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	Firstname string      `json:"firstname"`
	Lastname  string      `json:"lastname"`
	Email     string      `json:"email"`
	Hash      string      `json:"-"`
	SysRole   access.Role `json:"sys_role"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// UserCreate is the payload for creating a user. It carries a plaintext
// password which is hashed before the insert.
type UserCreate struct {
	Username  string      `json:"username"`
	Firstname string      `json:"firstname"`
	Lastname  string      `json:"lastname"`
	Email     string      `json:"email"`
	Password  string      `json:"password"`
	SysRole   access.Role `json:"sys_role"`

	hash string
}

// UserPatch is the partial update payload for a user. A present password
// replaces the stored hash.
type UserPatch struct {
	Username  *string      `json:"username"`
	Firstname *string      `json:"firstname"`
	Lastname  *string      `json:"lastname"`
	Email     *string      `json:"email"`
	Password  *string      `json:"password"`
	SysRole   *access.Role `json:"sys_role"`

	hash string
}

func hashUserPassword(c *UserCreate) error {
	if c.SysRole != access.RoleAdmin && c.SysRole != access.RoleUser {
		return badRequestError{message: "sys_role must be admin or user"}
	}
	hash, err := access.HashPassword(c.Password)
	if err != nil {
		return err
	}
	c.hash = hash
	return nil
}

func hashUserPatchPassword(p *UserPatch) error {
	if p.Password == nil {
		return nil
	}
	hash, err := access.HashPassword(*p.Password)
	if err != nil {
		return err
	}
	p.hash = hash
	return nil
}

var userSpec = repository.Spec[User, UserCreate, UserPatch]{
	Table:   `"user"`,
	Columns: []string{"username", "firstname", "lastname", "email", "hash", "sys_role"},
	Insert: func(c *UserCreate) []any {
		return []any{c.Username, c.Firstname, c.Lastname, c.Email, c.hash, c.SysRole}
	},
	Dest: func(r *User) []any {
		return []any{&r.ID, &r.Username, &r.Firstname, &r.Lastname, &r.Email, &r.Hash, &r.SysRole, &r.CreatedAt, &r.UpdatedAt}
	},
	Patch: func(p *UserPatch) repository.Changes {
		var changes repository.Changes
		if p.Username != nil {
			changes.Set("username", *p.Username)
		}
		if p.Firstname != nil {
			changes.Set("firstname", *p.Firstname)
		}
		if p.Lastname != nil {
			changes.Set("lastname", *p.Lastname)
		}
		if p.Email != nil {
			changes.Set("email", *p.Email)
		}
		if p.Password != nil {
			changes.Set("hash", p.hash)
		}
		if p.SysRole != nil {
			changes.Set("sys_role", *p.SysRole)
		}
		return changes
	},
}
