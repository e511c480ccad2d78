package backend

import (
	"time"

	"github.com/failpark/zeiterfassung2/core/repository"
)

// Project belongs to exactly one client.
type Project struct {
	ID        int64     `json:"id"`
	ClientID  int64     `json:"client_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectCreate is the payload for creating a project.
type ProjectCreate struct {
	ClientID int64  `json:"client_id"`
	Name     string `json:"name"`
}

// ProjectPatch is the partial update payload for a project.
type ProjectPatch struct {
	ClientID *int64  `json:"client_id"`
	Name     *string `json:"name"`
}

var projectSpec = repository.Spec[Project, ProjectCreate, ProjectPatch]{
	Table:   "project",
	Columns: []string{"client_id", "name"},
	Insert: func(c *ProjectCreate) []any {
		return []any{c.ClientID, c.Name}
	},
	Dest: func(r *Project) []any {
		return []any{&r.ID, &r.ClientID, &r.Name, &r.CreatedAt, &r.UpdatedAt}
	},
	Patch: func(p *ProjectPatch) repository.Changes {
		var changes repository.Changes
		if p.ClientID != nil {
			changes.Set("client_id", *p.ClientID)
		}
		if p.Name != nil {
			changes.Set("name", *p.Name)
		}
		return changes
	},
}
