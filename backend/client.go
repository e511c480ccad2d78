package backend

import (
	"time"

	"github.com/failpark/zeiterfassung2/core/repository"
)

// Client is a billable customer. Projects and trackings reference it.
type Client struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClientCreate is the payload for creating a client.
type ClientCreate struct {
	Name string `json:"name"`
}

// ClientPatch is the partial update payload for a client.
type ClientPatch struct {
	Name *string `json:"name"`
}

var clientSpec = repository.Spec[Client, ClientCreate, ClientPatch]{
	Table:   "client",
	Columns: []string{"name"},
	Insert: func(c *ClientCreate) []any {
		return []any{c.Name}
	},
	Dest: func(r *Client) []any {
		return []any{&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt}
	},
	Patch: func(p *ClientPatch) repository.Changes {
		var changes repository.Changes
		if p.Name != nil {
			changes.Set("name", *p.Name)
		}
		return changes
	},
}
