package backend

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/logger"
	"github.com/failpark/zeiterfassung2/core/repository"
)

// errorResponse is the JSON error shape of every failing request.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// conflictError carries the resource label for the "X already exists"
// message.
type conflictError struct {
	label string
}

func (e conflictError) Error() string {
	return e.label + " already exists"
}

// badRequestError is a payload validation failure.
type badRequestError struct {
	message string
}

func (e badRequestError) Error() string {
	return e.message
}

// writeError maps a domain error to HTTP status and JSON body. Anything
// outside the taxonomy is logged and reported as a plain internal error.
func (b *Backend) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict conflictError
	var badRequest badRequestError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "Not found")
	case errors.As(err, &conflict):
		writeErrorResponse(w, http.StatusBadRequest, conflict.Error())
	case errors.As(err, &badRequest):
		writeErrorResponse(w, http.StatusBadRequest, badRequest.Error())
	case errors.Is(err, access.ErrUnauthenticated), errors.Is(err, access.ErrWrongCredentials):
		writeErrorResponse(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, access.ErrForbidden):
		writeErrorResponse(w, http.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrInvalidToken):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("internal error for", r.URL, r.Method)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
	}
}

func writeErrorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(data)
}
