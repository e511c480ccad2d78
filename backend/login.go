package backend

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/csql"
	"github.com/failpark/zeiterfassung2/core/logger"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin installs POST /login, which exchanges email and password for
// a bearer token. An unknown email and a wrong password both answer with
// Wrong Credentials, the caller cannot tell them apart.
func (b *Backend) handleLogin() {
	query := `SELECT id, hash, sys_role FROM ` + b.db.Schema + `."user" WHERE email = $1;`

	b.router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger.FromContext(ctx).Infoln("called route for", r.URL, r.Method)

		var request loginRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}

		var identity access.Identity
		var hash string
		err := b.db.QueryRowContext(ctx, query, request.Email).
			Scan(&identity.UserID, &hash, &identity.Role)
		if err == csql.ErrNoRows {
			b.writeError(w, r, access.ErrWrongCredentials)
			return
		}
		if err != nil {
			b.writeError(w, r, err)
			return
		}
		if err := access.VerifyPassword(hash, request.Password); err != nil {
			b.writeError(w, r, err)
			return
		}

		token, err := b.tokenizer.Generate(identity)
		if err != nil {
			b.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: token})
	}).Methods(http.MethodOptions, http.MethodPost)
}
