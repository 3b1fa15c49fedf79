package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/certwarden/pkg/ca"
	"github.com/cuemby/certwarden/pkg/types"
)

// maxUploadBytes bounds a CA upload
const maxUploadBytes = 10 << 20

// CreateCARequest is the body of POST /v1/ca/create
type CreateCARequest struct {
	Organization string `json:"organization"`
}

func (s *Server) getCA(w http.ResponseWriter, r *http.Request) {
	info, err := s.ca.Info()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) createCA(w http.ResponseWriter, r *http.Request) {
	var req CreateCARequest
	if err := decodeJSON(w, r, &req); err != nil {
		mapError(w, err)
		return
	}
	info, err := s.ca.CreateSelfSigned(req.Organization)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// uploadCA imports a CA from the multipart "files" field. The optional
// "password" field opens PKCS#12 containers and encrypted keys.
func (s *Server) uploadCA(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		mapError(w, fmt.Errorf("malformed upload: %s%w", err.Error(), types.ErrInvalidParameter))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		mapError(w, fmt.Errorf("no files uploaded%w", types.ErrInvalidParameter))
		return
	}

	parts := make([]ca.UploadPart, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			mapError(w, err)
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		f.Close()
		if err != nil {
			mapError(w, err)
			return
		}
		parts = append(parts, ca.UploadPart{Name: fh.Filename, Data: data})
	}

	if err := s.ca.CreateFromUpload([]byte(r.FormValue("password")), parts); err != nil {
		mapError(w, err)
		return
	}
	info, err := s.ca.Info()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) getCACertificate(w http.ResponseWriter, r *http.Request) {
	pem, err := s.ca.EncodedCertificate()
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, pem)
}

// getTruststore returns the CA certificates as a PKCS#12 truststore
// protected with the "password" query parameter.
func (s *Server) getTruststore(w http.ResponseWriter, r *http.Request) {
	password := r.URL.Query().Get("password")
	if password == "" {
		mapError(w, fmt.Errorf("password is required%w", types.ErrInvalidParameter))
		return
	}
	ts, err := s.ca.Truststore()
	if err != nil {
		mapError(w, err)
		return
	}
	data, err := ts.Encode([]byte(password))
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", `attachment; filename="truststore.p12"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
