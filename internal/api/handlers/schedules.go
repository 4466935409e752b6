package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"reelgrab/internal/scheduler"
	"reelgrab/internal/store"
)

func CreateSchedule(sup *scheduler.Supervisor, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sched store.Schedule
		if err := render.DecodeJSON(r.Body, &sched); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		if err := sup.Create(r.Context(), &sched); err != nil {
			if errors.Is(err, scheduler.ErrInvalidCron) {
				render.Status(r, http.StatusBadRequest)
			} else {
				log.Error().Err(err).Msg("Failed to create schedule")
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, sched)
	}
}

func ListSchedules(sup *scheduler.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schedules, err := sup.List(r.Context())
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		render.JSON(w, r, schedules)
	}
}

func GetSchedule(sup *scheduler.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, err := sup.Get(r.Context(), chi.URLParam(r, "scheduleID"))
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if sched == nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Schedule not found"})
			return
		}
		render.JSON(w, r, sched)
	}
}

func UpdateSchedule(sup *scheduler.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sched store.Schedule
		if err := render.DecodeJSON(r.Body, &sched); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}
		sched.ID = chi.URLParam(r, "scheduleID")

		ok, err := sup.Update(r.Context(), &sched)
		if err != nil {
			if errors.Is(err, scheduler.ErrInvalidCron) {
				render.Status(r, http.StatusBadRequest)
			} else {
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Schedule not found"})
			return
		}
		render.JSON(w, r, sched)
	}
}

func DeleteSchedule(sup *scheduler.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID := chi.URLParam(r, "scheduleID")
		ok, err := sup.Delete(r.Context(), scheduleID)
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Schedule not found"})
			return
		}
		render.JSON(w, r, map[string]string{"status": "deleted", "schedule_id": scheduleID})
	}
}

// RunSchedule fires a schedule outside its cadence. With ?background=true
// the run is detached and the call returns immediately.
func RunSchedule(sup *scheduler.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID := chi.URLParam(r, "scheduleID")
		detached, _ := strconv.ParseBool(r.URL.Query().Get("background"))

		status, err := sup.RunNow(r.Context(), scheduleID, detached)
		if err != nil {
			if errors.Is(err, scheduler.ErrScheduleNotFound) {
				render.Status(r, http.StatusNotFound)
			} else {
				render.Status(r, http.StatusInternalServerError)
			}
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if detached {
			render.Status(r, http.StatusAccepted)
		}
		render.JSON(w, r, map[string]string{"status": status, "schedule_id": scheduleID})
	}
}

func ScheduleLogs(sup *scheduler.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID := chi.URLParam(r, "scheduleID")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		logs, err := sup.Logs(r.Context(), scheduleID, limit)
		if err != nil {
			if errors.Is(err, scheduler.ErrScheduleNotFound) {
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
