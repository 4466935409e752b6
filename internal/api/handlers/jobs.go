package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"reelgrab/internal/catalog"
	"reelgrab/internal/config"
	"reelgrab/internal/manager"
)

type createJobRequest struct {
	Reference string `json:"reference"`
	Quality   string `json:"quality"`
	SavePath  string `json:"save_path,omitempty"`
}

// CreateJob resolves a movie reference and starts downloading it. The
// active-download cap is advisory: it rejects new work but never touches
// jobs already running.
func CreateJob(mgr *manager.Manager, cfg *config.Config, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}
		if req.Reference == "" || req.Quality == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "reference and quality are required"})
			return
		}

		active, err := mgr.CountActive(r.Context())
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if active >= cfg.MaxActiveDownloads {
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]string{"error": manager.ErrTooManyDownloads.Error()})
			return
		}

		j, err := mgr.CreateJob(r.Context(), req.Reference, req.Quality, req.SavePath)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrMovieNotFound):
				render.Status(r, http.StatusNotFound)
			case errors.Is(err, manager.ErrQualityUnavailable):
				render.Status(r, http.StatusUnprocessableEntity)
			default:
				log.Error().Err(err).Str("reference", req.Reference).Msg("Failed to create job")
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, j.ToStatus())
	}
}

func ListJobs(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := mgr.ListStatuses(r.Context())
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		render.JSON(w, r, statuses)
	}
}

func GetJob(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := mgr.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			if errors.Is(err, manager.ErrJobNotFound) {
				render.Status(r, http.StatusNotFound)
			} else {
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		render.JSON(w, r, status)
	}
}

// JobAction dispatches pause/resume/stop on a job.
func JobAction(mgr *manager.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		action := chi.URLParam(r, "action")

		var (
			ok  bool
			err error
		)
		switch action {
		case "pause":
			ok, err = mgr.Pause(r.Context(), jobID)
		case "resume":
			ok, err = mgr.Resume(r.Context(), jobID)
		case "stop":
			ok, err = mgr.Stop(r.Context(), jobID)
		default:
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Unknown action: " + action})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("jobID", jobID).Str("action", action).Msg("Job action failed")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Job not found"})
			return
		}
		render.JSON(w, r, map[string]string{"status": action + "d", "job_id": jobID})
	}
}

func DeleteJob(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		deleteFiles, _ := strconv.ParseBool(r.URL.Query().Get("delete_files"))

		ok, err := mgr.Remove(r.Context(), jobID, deleteFiles)
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Job not found"})
			return
		}
		render.JSON(w, r, map[string]any{"status": "removed", "job_id": jobID, "files_deleted": deleteFiles})
	}
}

func JobLogs(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		logs, err := mgr.Logs(r.Context(), jobID, limit)
		if err != nil {
			if errors.Is(err, manager.ErrJobNotFound) {
				render.Status(r, http.StatusNotFound)
			} else {
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		render.JSON(w, r, logs)
	}
}
