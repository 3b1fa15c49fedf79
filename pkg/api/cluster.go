package api

import (
	"fmt"
	"net/http"

	"github.com/cuemby/certwarden/pkg/manager"
	"github.com/cuemby/certwarden/pkg/types"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// TokenRequest is the body of POST /v1/cluster/tokens
type TokenRequest struct {
	Role string `json:"role"`
}

// Validate checks the requested join role
func (r TokenRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required, validation.In(manager.RoleServer, manager.RoleDataNode)),
	)
	if err != nil {
		return fmt.Errorf("%s%w", err.Error(), types.ErrInvalidParameter)
	}
	return nil
}

func (s *Server) createJoinToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		mapError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		mapError(w, err)
		return
	}
	token, err := s.cluster.GenerateJoinToken(req.Role)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	var req manager.JoinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		mapError(w, err)
		return
	}
	member, err := s.cluster.AddMember(&req)
	if err != nil {
		s.logger.Warn().Err(err).Str("member", req.NodeID).Msg("Join rejected")
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// apply commits a write forwarded by a follower. A command the state
// machine rejects is still a 200; its failure travels in the result.
func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	var cmd manager.Command
	if err := decodeJSON(w, r, &cmd); err != nil {
		mapError(w, err)
		return
	}
	if cmd.Op == "" {
		mapError(w, fmt.Errorf("command op is required%w", types.ErrInvalidParameter))
		return
	}
	res, err := s.cluster.ApplyForwarded(&cmd)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
