package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/systmms/keylife/internal/audit"
	"github.com/systmms/keylife/internal/lifecycle"
)

type bannerResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
}

type rotateRequest struct {
	// GraceSeconds keeps the old reference readable after rotation.
	// Absent means the configured default; zero voids it immediately.
	GraceSeconds *int `json:"grace_seconds"`
}

type auditLogResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, bannerResponse{
		Service: "keylife",
		Version: s.version,
		Status:  "running",
	})
}

// handleHealth is a pure liveness probe; it deliberately touches no
// dependency, so a slow store never flaps the process health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       s.version,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec lifecycle.CreateSpec
	if !readJSON(w, r, &spec) {
		return
	}

	rec, err := s.svc.Create(r.Context(), spec)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.List(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if !readJSON(w, r, &req) {
		return
	}

	grace := s.defaultGrace
	if req.GraceSeconds != nil {
		if *req.GraceSeconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_spec", "grace_seconds must not be negative")
			return
		}
		grace = time.Duration(*req.GraceSeconds) * time.Second
	}

	rec, err := s.svc.Rotate(r.Context(), chi.URLParam(r, "id"), grace)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_spec", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := []audit.Entry{}
	if s.trail != nil {
		entries = s.trail.Recent(limit)
	}
	writeJSON(w, http.StatusOK, auditLogResponse{Entries: entries, Count: len(entries)})
}
