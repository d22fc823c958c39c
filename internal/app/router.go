package app

import (
	"database/sql"
	"net/http"
	"time"

	"crewtrain/internal/app/apiresp"
	"crewtrain/internal/app/observability"
	"crewtrain/internal/auth"
	"crewtrain/internal/events"
	"crewtrain/internal/exam"
	"crewtrain/internal/platform/clock"
	"crewtrain/internal/platform/logger"
	"crewtrain/internal/progress"
	"crewtrain/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
)

// Deps are the long-lived resources owned by cmd/web. Redis is optional.
type Deps struct {
	DB    *sql.DB
	Log   *logger.Logger
	Redis *goredis.Client
	Clock clock.Clock
}

func NewRouter(cfg Config, deps Deps) http.Handler {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	metrics := observability.NewCollector(deps.DB, log)
	r.Use(metrics.Middleware)

	bus := events.NewBus(log)
	bus.SubscribeAll(metrics.ObserveEvent)
	if deps.Redis != nil {
		bus.SubscribeAll(events.NewRedisForwarder(log, deps.Redis, cfg.RedisChannel).Handle)
	}

	authSvc := auth.NewService(deps.DB, auth.ServiceConfig{SessionTTL: cfg.SessionTTL, Clock: clk})
	authHandler := auth.NewHandler(authSvc, cfg.SecureCookies())

	examSvc := exam.NewService(exam.NewPostgresStore(deps.DB), clk, log, bus)
	examHandler := exam.NewHandler(examSvc, log)

	progressStore := progress.NewPostgresStore(deps.DB)
	catalog := progress.NewPostgresCatalog(deps.DB)
	aggregator := progress.NewAggregator(progressStore, catalog, log, bus)
	progressSvc := progress.NewService(progressStore, catalog, clk, log, bus)
	progressHandler := progress.NewHandler(progressSvc, log)
	bus.Subscribe(events.AttemptGraded, progressSvc.HandleAttemptGraded)
	bus.Subscribe(events.ChapterProgressChanged, aggregator.Handle)

	reportHandler := report.NewHandler(report.NewService(report.NewPostgresSource(deps.DB)), log)

	authLimiter := NewIPRateLimiter(cfg.AuthRateLimitPerMin, time.Minute, clk)
	attemptLimiter := NewIPRateLimiter(cfg.AttemptRateLimitPerMin, time.Minute, clk)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			if err := deps.DB.PingContext(r.Context()); err != nil {
				apiresp.WriteError(w, r, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", metrics.MetricsHandler)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(CSRFMiddleware(cfg.CSRFEnforced))

		api.Get("/auth/csrf", CSRFTokenHandler(cfg.SecureCookies()))
		api.With(RateLimitMiddleware(authLimiter)).Post("/auth/login", authHandler.LoginPassword)

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)
			secure.Get("/auth/me", authHandler.Me)
			secure.Post("/auth/logout", authHandler.Logout)

			secure.Group(func(attempts chi.Router) {
				attempts.Use(RateLimitMiddleware(attemptLimiter))
				attempts.Post("/exams/{examID}/attempts", examHandler.Start)
				attempts.Post("/exams/{examID}/submit", examHandler.Submit)
			})
			secure.Get("/exams/{examID}/result", examHandler.Result)
			secure.Get("/attempts", examHandler.ListAttempts)
			secure.Get("/wrong-questions", examHandler.ListWrongQuestions)
			secure.Put("/wrong-questions/{id}/master", examHandler.MasterWrongQuestion)

			secure.Post("/chapters/{chapterID}/start", progressHandler.StartChapter)
			secure.Post("/chapters/{chapterID}/complete", progressHandler.CompleteChapter)
			secure.Post("/contents/{contentID}/complete", progressHandler.CompleteContent)
			secure.Get("/chapters/progress", progressHandler.ListChapterProgress)
			secure.Get("/courses/progress", progressHandler.ListCourseProgress)
			secure.Post("/courses/{courseID}/start", progressHandler.StartCourse)
			secure.Get("/courses/{courseID}/progress", progressHandler.GetCourseProgress)
			secure.Get("/progress/stats", progressHandler.Stats)

			secure.Group(func(admin chi.Router) {
				admin.Use(authHandler.RequireRoles(auth.RoleAdmin, auth.RoleManager))
				admin.Get("/admin/exams/{examID}/report", reportHandler.Summary)
				admin.Get("/admin/exams/{examID}/attempts.xlsx", reportHandler.ExportAttempts)
			})
			secure.Group(func(admin chi.Router) {
				admin.Use(authHandler.RequireRoles(auth.RoleAdmin))
				admin.Post("/admin/users", authHandler.CreateUser)
			})
		})
	})

	return r
}
