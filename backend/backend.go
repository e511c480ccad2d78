/*
Package backend implements the time-tracking REST backend.

The backend wires five resources (client, project, activity, user, tracking)
onto a gorilla/mux router. Every resource gets the same route shape:

	POST   /<resource>                          create, admin only
	GET    /<resource>/<id>                     read
	PATCH  /<resource>/<id>                     partial update
	DELETE /<resource>/<id>                     delete, admin only
	GET    /<resource>/page/<pageSize>/<page>   paginate, 0-based
	GET    /<resource>/page/<pageSize>/last     paginate the final page

plus POST /login for token exchange, GET /health and an admin-only
GET /statistics. All responses are JSON, errors as {"error","code"}.
*/
package backend

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/csql"
	"github.com/failpark/zeiterfassung2/core/logger"
	"github.com/failpark/zeiterfassung2/core/repository"
)

// Builder is a builder helper for the backend.
type Builder struct {
	// DB is the database the backend operates on.
	DB *csql.DB
	// Router is the mux router the backend installs its routes on.
	Router *mux.Router
	// TokenTTL is the lifetime of issued session tokens. Default is 5 days.
	TokenTTL time.Duration
	// AllowedOrigin is the CORS allowed origin. Default is "*".
	AllowedOrigin string
	// KafkaBrokers enables forwarding of change notifications to Kafka.
	// Empty leaves Kafka out entirely.
	KafkaBrokers []string
	// PipelineConcurrency is the number of notification workers. Default 5.
	PipelineConcurrency int
	// PipelineMaxAttempts is how often a failing notification handler is
	// retried. Default 3.
	PipelineMaxAttempts int
}

// Backend is the REST backend.
type Backend struct {
	db            *csql.DB
	router        *mux.Router
	tokenizer     *access.Tokenizer
	allowedOrigin string

	clients    *repository.Resource[Client, ClientCreate, ClientPatch]
	projects   *repository.Resource[Project, ProjectCreate, ProjectPatch]
	activities *repository.Resource[Activity, ActivityCreate, ActivityPatch]
	users      *repository.Resource[User, UserCreate, UserPatch]
	trackings  *repository.Resource[Tracking, TrackingCreate, TrackingPatch]

	handlersMutex            sync.Mutex
	handlers                 map[string]notificationHandler
	pipelineConcurrency      int
	pipelineMaxAttempts      int
	notificationsUpdateQuery string
	notificationsDeleteQuery string
	triggerNotifications     func()
	kafkaWriter              *kafka.Writer
}

// New realizes the backend. It creates the database tables if necessary and
// installs all routes on the router.
func New(bb *Builder) *Backend {
	if bb.DB == nil {
		panic("builder field DB is missing")
	}
	if bb.Router == nil {
		panic("builder field Router is missing")
	}
	tokenTTL := bb.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = 5 * 24 * time.Hour
	}
	allowedOrigin := bb.AllowedOrigin
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	pipelineConcurrency := bb.PipelineConcurrency
	if pipelineConcurrency == 0 {
		pipelineConcurrency = 5
	}
	pipelineMaxAttempts := bb.PipelineMaxAttempts
	if pipelineMaxAttempts == 0 {
		pipelineMaxAttempts = 3
	}

	b := &Backend{
		db:                  bb.DB,
		router:              bb.Router,
		tokenizer:           access.NewTokenizer(tokenTTL),
		allowedOrigin:       allowedOrigin,
		handlers:            map[string]notificationHandler{},
		pipelineConcurrency: pipelineConcurrency,
		pipelineMaxAttempts: pipelineMaxAttempts,
	}
	b.triggerNotifications = func() { go b.ProcessNotifications() }
	if len(bb.KafkaBrokers) > 0 {
		b.kafkaWriter = &kafka.Writer{
			Addr:     kafka.TCP(bb.KafkaBrokers...),
			Topic:    kafkaNotificationTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	b.clients = repository.New(b.db.Schema, clientSpec)
	b.projects = repository.New(b.db.Schema, projectSpec)
	b.activities = repository.New(b.db.Schema, activitySpec)
	b.users = repository.New(b.db.Schema, userSpec)
	b.trackings = repository.New(b.db.Schema, trackingSpec)

	b.createTables()
	b.handleNotifications()

	logger.AddRequestID(b.router)
	b.handleCORS()
	b.handleCatchAll()
	b.handleLogin()
	b.handleHealth()

	protected := b.router.PathPrefix("/").Subrouter()
	protected.Use(access.NewMiddleware(b.tokenizer))
	b.handleResources(protected)
	b.handleStatistics(protected)

	return b
}

// Tokenizer returns the session tokenizer. The keypair lives for the
// lifetime of the backend, a restart logs everybody out.
func (b *Backend) Tokenizer() *access.Tokenizer {
	return b.tokenizer
}

func (b *Backend) createTables() {
	schema := b.db.Schema
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + schema + `.client (
id SERIAL PRIMARY KEY,
name VARCHAR(255) NOT NULL UNIQUE,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `."user" (
id SERIAL PRIMARY KEY,
username VARCHAR(50) NOT NULL UNIQUE,
firstname VARCHAR(40) NOT NULL,
lastname VARCHAR(40) NOT NULL,
email VARCHAR(255) NOT NULL UNIQUE,
hash VARCHAR(255) NOT NULL,
sys_role VARCHAR(255) NOT NULL,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.project (
id SERIAL PRIMARY KEY,
client_id INTEGER NOT NULL REFERENCES ` + schema + `.client(id),
name VARCHAR(255) NOT NULL UNIQUE,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.activity (
id SERIAL PRIMARY KEY,
token VARCHAR(255),
name VARCHAR(255) NOT NULL UNIQUE,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.tracking (
id SERIAL PRIMARY KEY,
client_id INTEGER NOT NULL REFERENCES ` + schema + `.client(id),
user_id INTEGER NOT NULL REFERENCES ` + schema + `."user"(id),
project_id INTEGER NOT NULL REFERENCES ` + schema + `.project(id),
date DATE NOT NULL,
"begin" TIME NOT NULL,
"end" TIME NOT NULL,
pause TIME,
performed REAL NOT NULL,
billed REAL NOT NULL,
description TEXT,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.tracking_to_activity (
id SERIAL PRIMARY KEY,
tracking_id INTEGER NOT NULL REFERENCES ` + schema + `.tracking(id),
activity_id INTEGER NOT NULL REFERENCES ` + schema + `.activity(id)
);`,
	}
	for _, statement := range statements {
		if _, err := b.db.Exec(statement); err != nil {
			panic(err)
		}
	}
}

func (b *Backend) handleResources(router *mux.Router) {
	(&jsonResource[Client, ClientCreate, ClientPatch]{
		b:     b,
		name:  "client",
		label: "Client",
		repo:  b.clients,
		id:    func(r *Client) int64 { return r.ID },
	}).addRoutes(router)

	(&jsonResource[Project, ProjectCreate, ProjectPatch]{
		b:     b,
		name:  "project",
		label: "Project",
		repo:  b.projects,
		id:    func(r *Project) int64 { return r.ID },
	}).addRoutes(router)

	(&jsonResource[Activity, ActivityCreate, ActivityPatch]{
		b:     b,
		name:  "activity",
		label: "Activity",
		repo:  b.activities,
		id:    func(r *Activity) int64 { return r.ID },
	}).addRoutes(router)

	(&jsonResource[User, UserCreate, UserPatch]{
		b:     b,
		name:  "user",
		label: "User",
		repo:  b.users,
		id:    func(r *User) int64 { return r.ID },
		// a user may update themselves, everybody else needs admin
		patchAuth: func(identity access.Identity, id int64) error {
			return identity.RequireSelfOrAdmin(id)
		},
		beforeCreate: hashUserPassword,
		beforePatch:  hashUserPatchPassword,
	}).addRoutes(router)

	b.handleTrackingRoutes(router)
}

func (b *Backend) handleHealth() {
	b.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := b.db.PingContext(r.Context()); err != nil {
			b.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodOptions, http.MethodGet)
}

// handleCatchAll makes sure that even router-level failures produce the
// JSON error shape clients expect.
func (b *Backend) handleCatchAll() {
	b.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "Not found")
	})
	b.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// jsonResource wires the generic repository operations of one resource onto
// the router. Creation and deletion are admin only for every resource;
// patchAuth can tighten updates beyond plain authentication.
type jsonResource[R, C, P any] struct {
	b     *Backend
	name  string
	label string
	repo  *repository.Resource[R, C, P]
	id    func(*R) int64

	patchAuth    func(access.Identity, int64) error
	beforeCreate func(*C) error
	beforePatch  func(*P) error
}

func (rc *jsonResource[R, C, P]) addRoutes(router *mux.Router) {
	logger.Default().Debugln("handle routes: /" + rc.name)
	router.HandleFunc("/"+rc.name, rc.create).
		Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/"+rc.name+"/{id:[0-9]+}", rc.read).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/"+rc.name+"/{id:[0-9]+}", rc.update).
		Methods(http.MethodOptions, http.MethodPatch)
	router.HandleFunc("/"+rc.name+"/{id:[0-9]+}", rc.delete).
		Methods(http.MethodOptions, http.MethodDelete)
	router.HandleFunc("/"+rc.name+"/page/{pageSize:[0-9]+}/last", rc.lastPage).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/"+rc.name+"/page/{pageSize:[0-9]+}/{page:[0-9]+}", rc.paginate).
		Methods(http.MethodOptions, http.MethodGet)
}

func (rc *jsonResource[R, C, P]) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

	identity, _ := access.IdentityFromContext(ctx)
	if err := identity.RequireAdmin(); err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	var payload C
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if rc.beforeCreate != nil {
		if err := rc.beforeCreate(&payload); err != nil {
			rc.b.writeError(w, r, err)
			return
		}
	}

	tx, err := rc.b.db.BeginTx(ctx, nil)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	record, err := rc.repo.Create(ctx, tx, &payload)
	if err != nil {
		tx.Rollback()
		rc.b.writeError(w, r, rc.labelConflict(err))
		return
	}
	body, _ := json.Marshal(record)
	if err := rc.b.commitWithNotification(tx, rc.name, OperationCreate, rc.id(&record), body); err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (rc *jsonResource[R, C, P]) read(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := idFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := rc.repo.Read(ctx, rc.b.db, id)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (rc *jsonResource[R, C, P]) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

	id, err := idFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	identity, _ := access.IdentityFromContext(ctx)
	if rc.patchAuth != nil {
		if err := rc.patchAuth(identity, id); err != nil {
			rc.b.writeError(w, r, err)
			return
		}
	}
	var patch P
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if rc.beforePatch != nil {
		if err := rc.beforePatch(&patch); err != nil {
			rc.b.writeError(w, r, err)
			return
		}
	}

	tx, err := rc.b.db.BeginTx(ctx, nil)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	record, err := rc.repo.Update(ctx, tx, id, &patch)
	if err != nil {
		tx.Rollback()
		rc.b.writeError(w, r, rc.labelConflict(err))
		return
	}
	body, _ := json.Marshal(record)
	if err := rc.b.commitWithNotification(tx, rc.name, OperationUpdate, id, body); err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (rc *jsonResource[R, C, P]) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

	identity, _ := access.IdentityFromContext(ctx)
	if err := identity.RequireAdmin(); err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	id, err := idFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := rc.b.db.BeginTx(ctx, nil)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	count, err := rc.repo.Delete(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		rc.b.writeError(w, r, err)
		return
	}
	body := []byte(`{"id":` + strconv.FormatInt(id, 10) + `}`)
	if err := rc.b.commitWithNotification(tx, rc.name, OperationDelete, id, body); err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

func (rc *jsonResource[R, C, P]) paginate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, pageSize, err := pageFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := rc.repo.Paginate(ctx, rc.b.db, page, pageSize)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// lastPage serves the final page of the collection. Computing the index and
// reading the page are two independent queries, concurrent writes in between
// can shift the boundary. That race is accepted.
func (rc *jsonResource[R, C, P]) lastPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pageSize, err := pathInt(r, "pageSize")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	last, err := rc.repo.LastPage(ctx, rc.b.db, pageSize)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	result, err := rc.repo.Paginate(ctx, rc.b.db, last, pageSize)
	if err != nil {
		rc.b.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rc *jsonResource[R, C, P]) labelConflict(err error) error {
	if err == repository.ErrConflict {
		return conflictError{label: rc.label}
	}
	return err
}

func idFromRequest(r *http.Request) (int64, error) {
	return pathInt(r, "id")
}

func pageFromRequest(r *http.Request) (page int64, pageSize int64, err error) {
	pageSize, err = pathInt(r, "pageSize")
	if err != nil {
		return
	}
	page, err = pathInt(r, "page")
	return
}

func pathInt(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}
