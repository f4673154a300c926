package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/certforge/pki"
	"github.com/jmcleod/certforge/store"
)

// ErrorResponse is the JSON body of every non-2xx admin response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates sentinel errors into HTTP statuses. Keystore
// integrity failures and unexpected errors are deliberately opaque:
// the detail is logged server-side and the client sees a generic
// message.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pki.ErrNotInitialized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrInvalidPEM):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pki.ErrInvalidCSR):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pki.ErrKeyMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pki.ErrCertRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrKeystoreIntegrity):
		slog.Error("keystore integrity failure", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		// Unexpected errors carry internal detail (paths, SQL); the
		// client only ever sees the generic message.
		slog.Error("unexpected error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
