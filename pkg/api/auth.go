package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/cuemby/certwarden/pkg/storage"
)

// signedBy admits requests signed with the cluster key. With members set the
// signer must also be a registered cluster member.
func (s *Server) signedBy(members bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.signer == nil {
				writeError(w, http.StatusServiceUnavailable, "cluster authentication not available on this node")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			signer, err := s.signer.Verify(r, body)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", r.URL.Path).Str("remote", clientIP(r)).Msg("Unauthenticated cluster request")
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if members {
				if _, err := s.cluster.GetMember(signer); err != nil {
					if !errors.Is(err, storage.ErrNotFound) {
						mapError(w, err)
						return
					}
					s.logger.Warn().Str("signer", signer).Str("path", r.URL.Path).Msg("Cluster request from non-member")
					writeError(w, http.StatusForbidden, signer+" is not a cluster member")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
