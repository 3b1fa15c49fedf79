package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/certwarden/pkg/ca"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/manager"
	"github.com/cuemby/certwarden/pkg/provisioning"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("malformed request body: %s%w", err.Error(), types.ErrInvalidParameter)
	}
	return nil
}

func mapError(w http.ResponseWriter, err error) {
	var stateErr *types.ProvisioningStateError
	switch {
	case errors.Is(err, types.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ca.ErrAmbiguousUpload), errors.Is(err, ca.ErrNoKeyInUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keystore.ErrWrongPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrInvalidToken), errors.Is(err, manager.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ca.ErrNoCA):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict), errors.Is(err, provisioning.ErrStateMoved), errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, manager.ErrNotLeader), errors.Is(err, manager.ErrNoLeader):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
