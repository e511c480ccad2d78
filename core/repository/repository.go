// Package repository implements generic paginated CRUD over a single table.
//
// A Resource is parameterized over three shapes: R, the full server-populated
// record; C, the create payload; and P, the partial patch. All SQL that does
// not depend on the patch is precomputed at construction time.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store is the subset of database/sql the repository needs. It is satisfied
// by both *csql.DB and *sql.Tx, so multi-step sequences can run inside one
// transaction.
type Store interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	// ErrNotFound is returned when no row matches the requested id.
	ErrNotFound = errors.New("no such row")
	// ErrConflict is returned when an insert or update violates a unique
	// constraint.
	ErrConflict = errors.New("row already exists")
)

const uniqueViolation = "23505"

// translate maps driver errors to the repository taxonomy.
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

// Changes is an ordered list of column assignments extracted from a patch.
type Changes struct {
	columns []string
	values  []any
}

// Set appends one assignment.
func (c *Changes) Set(column string, value any) {
	c.columns = append(c.columns, column)
	c.values = append(c.values, value)
}

// Empty reports whether the patch carried no fields at all.
func (c *Changes) Empty() bool {
	return len(c.columns) == 0
}

// Page is one page of records plus the pagination envelope.
type Page[R any] struct {
	Items      []R   `json:"items"`
	TotalItems int64 `json:"total_items"`
	Page       int64 `json:"page"`
	PageSize   int64 `json:"page_size"`
	NumPages   int64 `json:"num_pages"`
}

// Spec describes one table to New.
type Spec[R, C, P any] struct {
	// Table is the table name, already quoted if it needs quoting.
	Table string
	// Columns are the data columns, excluding id, created_at and updated_at.
	Columns []string
	// Insert returns the values for Columns, in order.
	Insert func(c *C) []any
	// Dest returns scan destinations for id, Columns..., created_at,
	// updated_at, in order.
	Dest func(r *R) []any
	// Patch translates a patch payload into column assignments.
	Patch func(p *P) Changes
}

// Resource provides the CRUD primitives for one table.
type Resource[R, C, P any] struct {
	spec Spec[R, C, P]

	createQuery  string
	readQuery    string
	deleteQuery  string
	countQuery   string
	pageQuery    string
	updatePrefix string
	updateSuffix string
}

// New precomputes the SQL for one table in the given schema.
func New[R, C, P any](schema string, spec Spec[R, C, P]) *Resource[R, C, P] {
	table := schema + "." + spec.Table
	allColumns := "id, " + strings.Join(spec.Columns, ", ") + ", created_at, updated_at"

	placeholders := make([]string, len(spec.Columns))
	for i := range spec.Columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	now := "$" + strconv.Itoa(len(spec.Columns)+1)

	r := &Resource[R, C, P]{spec: spec}
	r.createQuery = "INSERT INTO " + table +
		" (" + strings.Join(spec.Columns, ", ") + ", created_at, updated_at)" +
		" VALUES (" + strings.Join(placeholders, ", ") + ", " + now + ", " + now + ")" +
		" RETURNING " + allColumns + ";"
	r.readQuery = "SELECT " + allColumns + " FROM " + table + " WHERE id = $1;"
	r.deleteQuery = "DELETE FROM " + table + " WHERE id = $1;"
	r.countQuery = "SELECT count(*) FROM " + table + ";"
	r.pageQuery = "SELECT " + allColumns + " FROM " + table +
		" ORDER BY id ASC LIMIT $1 OFFSET $2;"
	r.updatePrefix = "UPDATE " + table + " SET "
	r.updateSuffix = " WHERE id = $1 RETURNING " + allColumns + ";"
	return r
}

// Create inserts one row and returns it fully populated, including the
// server-assigned id and timestamps. The insert returns the row directly,
// there is no separate fetch and therefore no last-insert-id race.
func (r *Resource[R, C, P]) Create(ctx context.Context, store Store, payload *C) (R, error) {
	var record R
	args := append(r.spec.Insert(payload), timestamp())
	err := store.QueryRowContext(ctx, r.createQuery, args...).Scan(r.spec.Dest(&record)...)
	if err != nil {
		return record, translate(err)
	}
	return record, nil
}

// Read returns the row with the given id, or ErrNotFound.
func (r *Resource[R, C, P]) Read(ctx context.Context, store Store, id int64) (R, error) {
	var record R
	err := store.QueryRowContext(ctx, r.readQuery, id).Scan(r.spec.Dest(&record)...)
	if err == sql.ErrNoRows {
		return record, ErrNotFound
	}
	if err != nil {
		return record, err
	}
	return record, nil
}

// Update applies the patch and returns the resulting row. Fields absent from
// the patch are left untouched. An entirely empty patch short-circuits to
// Read. updated_at is refreshed on every written update.
func (r *Resource[R, C, P]) Update(ctx context.Context, store Store, id int64, patch *P) (R, error) {
	changes := r.spec.Patch(patch)
	if changes.Empty() {
		return r.Read(ctx, store, id)
	}

	var sb strings.Builder
	sb.WriteString(r.updatePrefix)
	for i, column := range changes.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(column)
		sb.WriteString(" = $")
		sb.WriteString(strconv.Itoa(i + 2))
	}
	sb.WriteString(", updated_at = $")
	sb.WriteString(strconv.Itoa(len(changes.columns) + 2))
	sb.WriteString(r.updateSuffix)

	args := make([]any, 0, len(changes.values)+2)
	args = append(args, id)
	args = append(args, changes.values...)
	args = append(args, timestamp())

	var record R
	err := store.QueryRowContext(ctx, sb.String(), args...).Scan(r.spec.Dest(&record)...)
	if err == sql.ErrNoRows {
		return record, ErrNotFound
	}
	if err != nil {
		return record, translate(err)
	}
	return record, nil
}

// Delete removes the row with the given id and returns the number of rows
// removed. A missing row is not an error, the count is simply 0.
func (r *Resource[R, C, P]) Delete(ctx context.Context, store Store, id int64) (int64, error) {
	result, err := store.ExecContext(ctx, r.deleteQuery, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Paginate returns the 0-based page of the given size, ordered by id
// ascending, together with the full-table count. pageSize is clamped to a
// minimum of 1 and page to a minimum of 0.
func (r *Resource[R, C, P]) Paginate(ctx context.Context, store Store, page, pageSize int64) (Page[R], error) {
	pageSize = clampPageSize(pageSize)
	if page < 0 {
		page = 0
	}
	result := Page[R]{
		Items:    []R{},
		Page:     page,
		PageSize: pageSize,
	}

	if err := store.QueryRowContext(ctx, r.countQuery).Scan(&result.TotalItems); err != nil {
		return result, err
	}
	result.NumPages = pageCount(result.TotalItems, pageSize)

	rows, err := store.QueryContext(ctx, r.pageQuery, pageSize, page*pageSize)
	if err != nil {
		return result, err
	}
	defer rows.Close()
	for rows.Next() {
		var record R
		if err := rows.Scan(r.spec.Dest(&record)...); err != nil {
			return result, err
		}
		result.Items = append(result.Items, record)
	}
	return result, rows.Err()
}

// LastPage returns the 0-based index of the final page, 0 for an empty
// table. A subsequent Paginate is a separate query, so concurrent writes can
// make the index stale. The caller accepts that.
func (r *Resource[R, C, P]) LastPage(ctx context.Context, store Store, pageSize int64) (int64, error) {
	pageSize = clampPageSize(pageSize)
	var total int64
	if err := store.QueryRowContext(ctx, r.countQuery).Scan(&total); err != nil {
		return 0, err
	}
	last := pageCount(total, pageSize) - 1
	if last < 0 {
		last = 0
	}
	return last, nil
}

func clampPageSize(pageSize int64) int64 {
	if pageSize < 1 {
		return 1
	}
	return pageSize
}

func pageCount(totalItems, pageSize int64) int64 {
	numPages := totalItems / pageSize
	if totalItems%pageSize != 0 {
		numPages++
	}
	return numPages
}

func timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
