package backend

import (
	"time"

	"github.com/failpark/zeiterfassung2/core/nullable"
	"github.com/failpark/zeiterfassung2/core/repository"
)

// Activity is a kind of work a tracking can be tagged with. The token is an
// opaque optional string, the backend attaches no semantics to it.
type Activity struct {
	ID        int64     `json:"id"`
	Token     *string   `json:"token"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivityCreate is the payload for creating an activity.
type ActivityCreate struct {
	Token *string `json:"token"`
	Name  string  `json:"name"`
}

// ActivityPatch is the partial update payload for an activity. A token that
// is present but null clears the column.
type ActivityPatch struct {
	Token nullable.Nullable[string] `json:"token"`
	Name  *string                   `json:"name"`
}

var activitySpec = repository.Spec[Activity, ActivityCreate, ActivityPatch]{
	Table:   "activity",
	Columns: []string{"token", "name"},
	Insert: func(c *ActivityCreate) []any {
		return []any{c.Token, c.Name}
	},
	Dest: func(r *Activity) []any {
		return []any{&r.ID, &r.Token, &r.Name, &r.CreatedAt, &r.UpdatedAt}
	},
	Patch: func(p *ActivityPatch) repository.Changes {
		var changes repository.Changes
		if p.Token.Present() {
			changes.Set("token", p.Token.Ptr())
		}
		if p.Name != nil {
			changes.Set("name", *p.Name)
		}
		return changes
	},
}
