package handlers

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"reelgrab/internal/manager"
)

// EnableStreaming switches a job to sequential download so its video
// plays while still downloading. 409 while metadata is pending; clients
// retry.
func EnableStreaming(mgr *manager.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		ok, err := mgr.PrioritizeStreaming(r.Context(), jobID)
		if err != nil {
			switch {
			case errors.Is(err, manager.ErrJobNotFound):
				render.Status(r, http.StatusNotFound)
			case errors.Is(err, manager.ErrNotAttached):
				render.Status(r, http.StatusConflict)
			default:
				log.Error().Err(err).Str("jobID", jobID).Msg("Failed to enable streaming")
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, map[string]string{"error": "Torrent metadata not available yet"})
			return
		}
		render.JSON(w, r, map[string]string{"status": "streaming", "job_id": jobID})
	}
}

// StreamVideo serves the job's primary video file with byte-range
// support, straight from the save path while the download continues.
func StreamVideo(mgr *manager.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		vf, err := mgr.GetPrimaryVideoFile(r.Context(), jobID)
		if err != nil {
			switch {
			case errors.Is(err, manager.ErrJobNotFound):
				render.Status(r, http.StatusNotFound)
			case errors.Is(err, manager.ErrNotAttached):
				render.Status(r, http.StatusConflict)
			default:
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if vf == nil {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, map[string]string{"error": "No video file available yet"})
			return
		}

		f, err := os.Open(vf.Path)
		if err != nil {
			log.Error().Err(err).Str("jobID", jobID).Str("path", vf.Path).Msg("Failed to open video file")
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Video file not on disk yet"})
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		if ct := mime.TypeByExtension(filepath.Ext(vf.Path)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Accept-Ranges", "bytes")

		http.ServeContent(w, r, filepath.Base(vf.Path), info.ModTime(), f)
	}
}

// VideoFileInfo reports the primary video file and its download progress,
// for clients deciding when to start playback.
func VideoFileInfo(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		vf, err := mgr.GetPrimaryVideoFile(r.Context(), jobID)
		if err != nil {
			switch {
			case errors.Is(err, manager.ErrJobNotFound):
				render.Status(r, http.StatusNotFound)
			case errors.Is(err, manager.ErrNotAttached):
				render.Status(r, http.StatusConflict)
			default:
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if vf == nil {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, map[string]string{"error": "No video file available yet"})
			return
		}
		render.JSON(w, r, vf)
	}
}
