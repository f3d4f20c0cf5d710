package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rowjay/intranet-backup/internal/backup"
	"github.com/rowjay/intranet-backup/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondData(w, s.log, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

// handleList serves GET /backups.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.svc.ListBackups(r.Context())
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondData(w, s.log, http.StatusOK, map[string]any{"backups": infos, "count": len(infos)})
}

// handleCreate serves POST /backups. The backup runs as a job unless
// ?wait=true is given.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.busy(w) {
		return
	}
	run := func(ctx context.Context) (any, error) {
		res, err := s.svc.CreateBackup(backup.WithTrigger(ctx, "http"))
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	if wait(r) {
		res, err := run(r.Context())
		if err != nil {
			respondError(w, s.log, err)
			return
		}
		respondData(w, s.log, http.StatusCreated, res)
		return
	}
	respondData(w, s.log, http.StatusAccepted, s.jobs.Start("create", "", run))
}

// handleRestore serves POST /backups/{id}/restore.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.manifestID(w, r)
	if !ok || s.busy(w) {
		return
	}
	job := s.jobs.Start("restore", id, func(ctx context.Context) (any, error) {
		res, err := s.svc.RestoreBackup(backup.WithTrigger(ctx, "http"), id)
		return res, err
	})
	respondData(w, s.log, http.StatusAccepted, job)
}

// handleRestoreFiles serves POST /backups/{id}/restore-files?confirm=true.
func (s *Server) handleRestoreFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := s.manifestID(w, r)
	if !ok {
		return
	}
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if !confirm {
		respondError(w, s.log, backup.ErrConfirmationRequired)
		return
	}
	if s.busy(w) {
		return
	}
	job := s.jobs.Start("restore-files", id, func(ctx context.Context) (any, error) {
		res, err := s.svc.RestoreFiles(backup.WithTrigger(ctx, "http"), id, true)
		return res, err
	})
	respondData(w, s.log, http.StatusAccepted, job)
}

// handleDelete serves DELETE /backups/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.manifestID(w, r)
	if !ok {
		return
	}
	res, err := s.svc.DeleteBackup(backup.WithTrigger(r.Context(), "http"), id)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondData(w, s.log, http.StatusOK, res)
}

// handleRotate serves POST /backups/rotate.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RotateBackups(backup.WithTrigger(r.Context(), "http"))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondData(w, s.log, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondData(w, s.log, http.StatusOK, s.svc.Status())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondData(w, s.log, http.StatusOK, job)
}

// manifestID validates the {id} path parameter.
func (s *Server) manifestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "id")
	name, err := backup.ManifestName(raw)
	if err != nil {
		respondError(w, s.log, backup.ErrManifestNotFound)
		return "", false
	}
	return name, true
}

// busy rejects the request early when another operation holds the lock.
// The service re-checks when the job actually runs.
func (s *Server) busy(w http.ResponseWriter) bool {
	if st := s.svc.Status(); st.Busy {
		respondError(w, s.log, backup.ErrBackupInProgress)
		return true
	}
	return false
}

func wait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}
