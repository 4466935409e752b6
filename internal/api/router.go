package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"reelgrab/internal/api/handlers"
	"reelgrab/internal/api/middleware"
	"reelgrab/internal/config"
	"reelgrab/internal/manager"
	"reelgrab/internal/scheduler"
)

func NewRouter(cfg *config.Config, log zerolog.Logger, mgr *manager.Manager, sup *scheduler.Supervisor) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.RateLimiter(cfg))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Post("/", handlers.CreateJob(mgr, cfg, log))
			r.Get("/", handlers.ListJobs(mgr))
			r.Get("/{jobID}", handlers.GetJob(mgr))
			r.Post("/{jobID}/{action:pause|resume|stop}", handlers.JobAction(mgr, log))
			r.Delete("/{jobID}", handlers.DeleteJob(mgr))
			r.Get("/{jobID}/logs", handlers.JobLogs(mgr))

			r.Post("/{jobID}/stream", handlers.EnableStreaming(mgr, log))
			r.Get("/{jobID}/stream/info", handlers.VideoFileInfo(mgr))
		})

		// Range responses for playback outlive any sane request timeout.
		r.Get("/{jobID}/stream", handlers.StreamVideo(mgr, log))
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		r.Post("/", handlers.CreateSchedule(sup, log))
		r.Get("/", handlers.ListSchedules(sup))
		r.Get("/{scheduleID}", handlers.GetSchedule(sup))
		r.Put("/{scheduleID}", handlers.UpdateSchedule(sup))
		r.Delete("/{scheduleID}", handlers.DeleteSchedule(sup))
		r.Post("/{scheduleID}/run", handlers.RunSchedule(sup))
		r.Get("/{scheduleID}/logs", handlers.ScheduleLogs(sup))
	})

	return r
}

func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
}

// RunServer serves until ctx is canceled, then shuts down gracefully
// within shutdownTimeout.
func RunServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}
