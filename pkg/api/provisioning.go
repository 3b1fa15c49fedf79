package api

import (
	"net/http"
	"strings"

	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/go-chi/chi/v5"
)

// RenewalPolicyRequest is the body of PUT /v1/renewal_policy. The mode is
// matched case-insensitively.
type RenewalPolicyRequest struct {
	Mode                string         `json:"mode"`
	CertificateLifetime types.Duration `json:"certificate_lifetime"`
}

// PreflightRequest is the body of PUT /v1/preflight
type PreflightRequest struct {
	Result types.PreflightResult `json:"result"`
}

// ConfigureRequest is the body of POST /v1/provisioning/{nodeID}/configure
type ConfigureRequest struct {
	AltNames []string `json:"alt_names"`
}

func (s *Server) getRenewalPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := storage.GetRenewalPolicy(s.store)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) putRenewalPolicy(w http.ResponseWriter, r *http.Request) {
	var req RenewalPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		mapError(w, err)
		return
	}
	policy := types.RenewalPolicy{
		Mode:                types.RenewalMode(strings.ToUpper(strings.TrimSpace(req.Mode))),
		CertificateLifetime: req.CertificateLifetime,
	}
	if err := storage.PutRenewalPolicy(s.store, policy); err != nil {
		mapError(w, err)
		return
	}
	s.logger.Info().Str("mode", string(policy.Mode)).Str("lifetime", policy.CertificateLifetime.String()).Msg("Renewal policy updated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPreflight(w http.ResponseWriter, r *http.Request) {
	result, err := storage.GetPreflightResult(s.store)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PreflightRequest{Result: result})
}

func (s *Server) putPreflight(w http.ResponseWriter, r *http.Request) {
	var req PreflightRequest
	if err := decodeJSON(w, r, &req); err != nil {
		mapError(w, err)
		return
	}
	result := types.PreflightResult(strings.ToUpper(string(req.Result)))
	if err := storage.PutPreflightResult(s.store, result); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listProvisioning(w http.ResponseWriter, r *http.Request) {
	configs, err := s.admin.List()
	if err != nil {
		mapError(w, err)
		return
	}
	if configs == nil {
		configs = []*types.ProvisioningConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) getProvisioning(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.admin.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) generateAll(w http.ResponseWriter, r *http.Request) {
	if _, err := s.admin.GenerateAll(); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) configureNode(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		mapError(w, err)
		return
	}
	cfg, err := s.admin.Configure(chi.URLParam(r, "nodeID"), req.AltNames)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) resetNode(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.admin.Reset(chi.URLParam(r, "nodeID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) startOver(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.StartOver(); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.notifications.List()
	if err != nil {
		mapError(w, err)
		return
	}
	if list == nil {
		list = []*types.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}
