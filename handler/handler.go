// Package handler maps the HTTP surface onto the service layer. Every
// response uses the {success, time, error?, ...} envelope; error classes
// decide the advisory status code.
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcjsscripts/jspm-registry/service"
)

type Server struct {
	svc     *service.Service
	log     *slog.Logger
	maxBody int64
}

type putTokenRequest struct {
	Nonce string `json:"nonce"`
}

// New returns a ready Server instance. maxBody bounds publish upload size.
func New(svc *service.Service, log *slog.Logger, maxBody int64) *Server {
	return &Server{svc: svc, log: log, maxBody: maxBody}
}

// Check handles GET / — package counts, total size and names.
func (s *Server) Check(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Check(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, map[string]any{
		"packageCount": stats.PackageCount,
		"size":         stats.Size,
		"packageNames": stats.PackageNames,
	})
}

// GetPackage handles GET /pkg/{name} — the stored manifest of one package.
func (s *Server) GetPackage(w http.ResponseWriter, r *http.Request) {
	meta, err := s.svc.PackageMetadata(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, map[string]any{
		"url":     meta.URL,
		"content": base64.StdEncoding.EncodeToString(meta.Content),
	})
}

// Publish handles POST /pkg/{name} — bearer token in the Authorization
// header, raw zip bundle as the body.
func (s *Server) Publish(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	token := r.Header.Get("Authorization")
	s.log.Info("publish request", "name", name)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.writeErr(w, &service.Error{Class: service.ErrValidation, Msg: "Request body too large!"})
		return
	}
	url, err := s.svc.Publish(r.Context(), name, token, body)
	if err != nil {
		s.log.Warn("publish rejected", "name", name, "error", err)
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, map[string]any{"githubUrl": url})
}

// GetNonce handles GET /auth/getnonce/{uuid} — start of the handshake.
func (s *Server) GetNonce(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	username, nonce, expiresIn, err := s.svc.IssueNonce(r.Context(), id)
	if err != nil {
		s.log.Warn("getnonce rejected", "uuid", id, "error", err)
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, map[string]any{
		"username": username,
		"nonce":    nonce,
		"expireIn": expiresIn.Seconds(),
	})
}

// PutToken handles POST /auth/puttoken/{uuid} — completes the handshake and
// returns the bearer token.
func (s *Server) PutToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	var req putTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nonce == "" {
		s.writeErr(w, &service.Error{Class: service.ErrValidation, Msg: "Missing `nonce`!"})
		return
	}
	token, expiresIn, err := s.svc.IssueToken(r.Context(), id, req.Nonce)
	if err != nil {
		s.log.Warn("puttoken rejected", "uuid", id, "error", err)
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, map[string]any{
		"token":    token,
		"expireIn": expiresIn.Seconds(),
	})
}

// ─── envelope ──────────────────────────────────────────────────────────────

func (s *Server) writeOK(w http.ResponseWriter, data map[string]any) {
	body := map[string]any{"success": true, "time": time.Now().UnixMilli()}
	for k, v := range data {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("write response", "error", err)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUpstream):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"success": false,
		"time":    time.Now().UnixMilli(),
		"error":   err.Error(),
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		s.log.Error("write response", "error", encErr)
	}
}
