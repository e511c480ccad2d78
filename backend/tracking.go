package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/logger"
	"github.com/failpark/zeiterfassung2/core/nullable"
	"github.com/failpark/zeiterfassung2/core/repository"
	"github.com/failpark/zeiterfassung2/core/sqltypes"
)

// Tracking is one block of tracked working time. Activities is derived from
// the tracking_to_activity join table, it is not a column.
type Tracking struct {
	ID          int64               `json:"id"`
	ClientID    int64               `json:"client_id"`
	UserID      int64               `json:"user_id"`
	ProjectID   int64               `json:"project_id"`
	Date        sqltypes.Date       `json:"date"`
	Begin       sqltypes.TimeOfDay  `json:"begin"`
	End         sqltypes.TimeOfDay  `json:"end"`
	Pause       *sqltypes.TimeOfDay `json:"pause"`
	Performed   float32             `json:"performed"`
	Billed      float32             `json:"billed"`
	Description *string             `json:"description"`
	Activities  []int64             `json:"activities"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TrackingCreate is the payload for creating a tracking. Activities are the
// ids of the activities to associate, join rows are created in the order
// given.
type TrackingCreate struct {
	ClientID    int64               `json:"client_id"`
	UserID      int64               `json:"user_id"`
	ProjectID   int64               `json:"project_id"`
	Date        sqltypes.Date       `json:"date"`
	Begin       sqltypes.TimeOfDay  `json:"begin"`
	End         sqltypes.TimeOfDay  `json:"end"`
	Pause       *sqltypes.TimeOfDay `json:"pause"`
	Performed   float32             `json:"performed"`
	Billed      float32             `json:"billed"`
	Description *string             `json:"description"`
	Activities  []int64             `json:"activities"`
}

// TrackingPatch is the partial update payload for a tracking. A present
// activities list replaces the association set as a whole.
type TrackingPatch struct {
	ClientID    *int64                                `json:"client_id"`
	UserID      *int64                                `json:"user_id"`
	ProjectID   *int64                                `json:"project_id"`
	Date        *sqltypes.Date                        `json:"date"`
	Begin       *sqltypes.TimeOfDay                   `json:"begin"`
	End         *sqltypes.TimeOfDay                   `json:"end"`
	Pause       nullable.Nullable[sqltypes.TimeOfDay] `json:"pause"`
	Performed   *float32                              `json:"performed"`
	Billed      *float32                              `json:"billed"`
	Description nullable.Nullable[string]             `json:"description"`
	Activities  *[]int64                              `json:"activities"`
}

var trackingSpec = repository.Spec[Tracking, TrackingCreate, TrackingPatch]{
	Table: "tracking",
	Columns: []string{"client_id", "user_id", "project_id", "date",
		`"begin"`, `"end"`, "pause", "performed", "billed", "description"},
	Insert: func(c *TrackingCreate) []any {
		return []any{c.ClientID, c.UserID, c.ProjectID, c.Date,
			c.Begin, c.End, c.Pause, c.Performed, c.Billed, c.Description}
	},
	Dest: func(r *Tracking) []any {
		return []any{&r.ID, &r.ClientID, &r.UserID, &r.ProjectID, &r.Date,
			&r.Begin, &r.End, &r.Pause, &r.Performed, &r.Billed, &r.Description,
			&r.CreatedAt, &r.UpdatedAt}
	},
	Patch: func(p *TrackingPatch) repository.Changes {
		var changes repository.Changes
		if p.ClientID != nil {
			changes.Set("client_id", *p.ClientID)
		}
		if p.UserID != nil {
			changes.Set("user_id", *p.UserID)
		}
		if p.ProjectID != nil {
			changes.Set("project_id", *p.ProjectID)
		}
		if p.Date != nil {
			changes.Set("date", *p.Date)
		}
		if p.Begin != nil {
			changes.Set(`"begin"`, *p.Begin)
		}
		if p.End != nil {
			changes.Set(`"end"`, *p.End)
		}
		if p.Pause.Present() {
			changes.Set("pause", p.Pause.Ptr())
		}
		if p.Performed != nil {
			changes.Set("performed", *p.Performed)
		}
		if p.Billed != nil {
			changes.Set("billed", *p.Billed)
		}
		if p.Description.Present() {
			changes.Set("description", p.Description.Ptr())
		}
		return changes
	},
}

// trackingRoutes composes the generic repository with the association
// resolver for the tracking_to_activity join table. Create, update and
// delete run the whole sequence inside one transaction.
type trackingRoutes struct {
	b *Backend

	insertJoinQuery  string
	deleteJoinsQuery string
	loadQuery        string
	batchLoadQuery   string
}

func (b *Backend) handleTrackingRoutes(router *mux.Router) {
	logger.Default().Debugln("handle routes: /tracking")
	joinTable := b.db.Schema + ".tracking_to_activity"
	tr := &trackingRoutes{
		b:                b,
		insertJoinQuery:  `INSERT INTO ` + joinTable + ` (tracking_id, activity_id) VALUES ($1, $2);`,
		deleteJoinsQuery: `DELETE FROM ` + joinTable + ` WHERE tracking_id = $1;`,
		loadQuery:        `SELECT activity_id FROM ` + joinTable + ` WHERE tracking_id = $1 ORDER BY id ASC;`,
		batchLoadQuery:   `SELECT tracking_id, activity_id FROM ` + joinTable + ` WHERE tracking_id = ANY($1) ORDER BY id ASC;`,
	}

	router.HandleFunc("/tracking", tr.create).
		Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/tracking/{id:[0-9]+}", tr.read).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/tracking/{id:[0-9]+}", tr.update).
		Methods(http.MethodOptions, http.MethodPatch)
	router.HandleFunc("/tracking/{id:[0-9]+}", tr.delete).
		Methods(http.MethodOptions, http.MethodDelete)
	router.HandleFunc("/tracking/page/{pageSize:[0-9]+}/last", tr.lastPage).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/tracking/page/{pageSize:[0-9]+}/{page:[0-9]+}", tr.paginate).
		Methods(http.MethodOptions, http.MethodGet)
}

func (tr *trackingRoutes) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

	identity, _ := access.IdentityFromContext(ctx)
	if err := identity.RequireAdmin(); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	var payload TrackingCreate
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := tr.b.db.BeginTx(ctx, nil)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	record, err := tr.b.trackings.Create(ctx, tx, &payload)
	if err != nil {
		tx.Rollback()
		tr.b.writeError(w, r, err)
		return
	}
	record.Activities = []int64{}
	for _, activityID := range payload.Activities {
		if _, err := tx.ExecContext(ctx, tr.insertJoinQuery, record.ID, activityID); err != nil {
			tx.Rollback()
			tr.b.writeError(w, r, err)
			return
		}
		record.Activities = append(record.Activities, activityID)
	}
	body, _ := json.Marshal(record)
	if err := tr.b.commitWithNotification(tx, "tracking", OperationCreate, record.ID, body); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (tr *trackingRoutes) read(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := idFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := tr.b.trackings.Read(ctx, tr.b.db, id)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	record.Activities, err = tr.loadActivities(ctx, tr.b.db, id)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (tr *trackingRoutes) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

	id, err := idFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var patch TrackingPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := tr.b.db.BeginTx(ctx, nil)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	record, err := tr.b.trackings.Update(ctx, tx, id, &patch)
	if err != nil {
		tx.Rollback()
		tr.b.writeError(w, r, err)
		return
	}
	if patch.Activities != nil {
		// replace, not diff: drop the whole association set and
		// reinsert. Concurrent updates to the same tracking race,
		// last writer wins.
		if _, err := tx.ExecContext(ctx, tr.deleteJoinsQuery, id); err != nil {
			tx.Rollback()
			tr.b.writeError(w, r, err)
			return
		}
		record.Activities = []int64{}
		for _, activityID := range *patch.Activities {
			if _, err := tx.ExecContext(ctx, tr.insertJoinQuery, id, activityID); err != nil {
				tx.Rollback()
				tr.b.writeError(w, r, err)
				return
			}
			record.Activities = append(record.Activities, activityID)
		}
	} else {
		record.Activities, err = tr.loadActivities(ctx, tx, id)
		if err != nil {
			tx.Rollback()
			tr.b.writeError(w, r, err)
			return
		}
	}
	body, _ := json.Marshal(record)
	if err := tr.b.commitWithNotification(tx, "tracking", OperationUpdate, id, body); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (tr *trackingRoutes) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

	identity, _ := access.IdentityFromContext(ctx)
	if err := identity.RequireAdmin(); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	id, err := idFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := tr.b.db.BeginTx(ctx, nil)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	// join rows go first, referential integrity
	if _, err := tx.ExecContext(ctx, tr.deleteJoinsQuery, id); err != nil {
		tx.Rollback()
		tr.b.writeError(w, r, err)
		return
	}
	count, err := tr.b.trackings.Delete(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		tr.b.writeError(w, r, err)
		return
	}
	body, _ := json.Marshal(map[string]int64{"id": id})
	if err := tr.b.commitWithNotification(tx, "tracking", OperationDelete, id, body); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

func (tr *trackingRoutes) paginate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, pageSize, err := pageFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := tr.b.trackings.Paginate(ctx, tr.b.db, page, pageSize)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	if err := tr.loadPageActivities(ctx, &result); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (tr *trackingRoutes) lastPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pageSize, err := pathInt(r, "pageSize")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	last, err := tr.b.trackings.LastPage(ctx, tr.b.db, pageSize)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	result, err := tr.b.trackings.Paginate(ctx, tr.b.db, last, pageSize)
	if err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	if err := tr.loadPageActivities(ctx, &result); err != nil {
		tr.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (tr *trackingRoutes) loadActivities(ctx context.Context, store repository.Store, id int64) ([]int64, error) {
	activities := []int64{}
	rows, err := store.QueryContext(ctx, tr.loadQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var activityID int64
		if err := rows.Scan(&activityID); err != nil {
			return nil, err
		}
		activities = append(activities, activityID)
	}
	return activities, rows.Err()
}

// loadPageActivities resolves the association sets for a whole page with a
// single query, grouping join rows by tracking id.
func (tr *trackingRoutes) loadPageActivities(ctx context.Context, page *repository.Page[Tracking]) error {
	ids := make([]int64, 0, len(page.Items))
	for i := range page.Items {
		page.Items[i].Activities = []int64{}
		ids = append(ids, page.Items[i].ID)
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := tr.b.db.QueryContext(ctx, tr.batchLoadQuery, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	byTracking := map[int64][]int64{}
	for rows.Next() {
		var trackingID, activityID int64
		if err := rows.Scan(&trackingID, &activityID); err != nil {
			return err
		}
		byTracking[trackingID] = append(byTracking[trackingID], activityID)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range page.Items {
		if activities, ok := byTracking[page.Items[i].ID]; ok {
			page.Items[i].Activities = activities
		}
	}
	return nil
}
