package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"coursetest/internal/app/apiresp"
	"coursetest/internal/app/observability"
	"coursetest/internal/auth"
	"coursetest/internal/cache"
	"coursetest/internal/db"
	"coursetest/internal/entitlement"
	"coursetest/internal/exam"
	"coursetest/internal/question"
	"coursetest/internal/report"
	"coursetest/internal/reward"
	"coursetest/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
)

var staffRoles = []string{auth.RoleMentor, auth.RoleAdmin, auth.RoleStaff}

// NewRouter wires every service onto conn and returns the HTTP handler plus a
// cleanup func for the resources it opened.
func NewRouter(cfg Config, conn *db.DB, logger *slog.Logger) (http.Handler, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, cleanup := newCacheStore(cfg, logger)

	blobs, err := storage.NewFSStore(cfg.UploadDir, cfg.UploadPublicURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("upload store: %w", err)
	}

	collector := observability.NewCollector(conn.DB, logger)

	var ledger reward.Ledger = reward.NopLedger{}
	if cfg.RewardLedgerURL != "" {
		ledger = reward.NewHTTPLedger(reward.HTTPLedgerConfig{
			Endpoint: cfg.RewardLedgerURL,
			Token:    cfg.RewardLedgerToken,
		})
	} else {
		logger.Warn("REWARD_LEDGER_URL not set; reward notifications are accepted locally")
	}
	notifier := reward.NewNotifier(ledger, cfg.RewardTimeout, logger, collector)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	authHandler := auth.NewHandler(verifier)

	testSvc := question.NewService(conn, cache.NewReadThrough(store, cfg.CacheTTL, logger), logger)
	testHandler := question.NewHandler(testSvc)

	examSvc := exam.NewService(exam.ServiceConfig{
		DB:                  conn,
		Catalog:             testSvc,
		Resolver:            entitlement.NewResolver(entitlement.NewSQLSource(conn)),
		Notifier:            notifier,
		Logger:              logger,
		RewardPerSubmission: cfg.RewardPerSubmission,
	})
	examHandler := exam.NewHandler(examSvc)

	reportHandler := report.NewHandler(report.NewService(examSvc, testSvc))
	uploadHandler := storage.NewHandler(blobs, cfg.UploadMaxBytes)
	submitLimiter := NewRateLimiter(cfg.SubmitRateLimitPerMin, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(collector.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil {
			apiresp.WriteError(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", collector.MetricsHandler)
	if strings.HasPrefix(cfg.UploadPublicURL, "/") {
		r.Get(strings.TrimRight(cfg.UploadPublicURL, "/")+"/*", uploadHandler.Serve)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)
			secure.Use(observability.TagIdentity)

			secure.Get("/auth/me", authHandler.Me)
			secure.Post("/uploads", uploadHandler.Upload)

			secure.Get("/courses/{courseID}/tests", examHandler.ListCourseTests)
			secure.Get("/tests/{testID}/questions", examHandler.GetQuestions)

			secure.Group(func(learner chi.Router) {
				learner.Use(authHandler.RequireRoles(auth.RoleLearner))
				learner.With(RateLimitMiddleware(submitLimiter)).Post("/tests/{testID}/submissions", examHandler.Submit)
				learner.Get("/tests/{testID}/result", examHandler.MyResult)
			})

			secure.Group(func(staff chi.Router) {
				staff.Use(authHandler.RequireRoles(staffRoles...))
				staff.Post("/courses/{courseID}/tests", testHandler.CreateTest)
				staff.Get("/tests/{testID}", testHandler.GetTest)
				staff.Put("/tests/{testID}", testHandler.UpdateTest)
				staff.Delete("/tests/{testID}", testHandler.DeleteTest)

				staff.Get("/tests/{testID}/submissions", examHandler.ListSubmissions)
				staff.Get("/tests/{testID}/submissions/export", reportHandler.ExportSubmissions)
				staff.Get("/tests/{testID}/report", reportHandler.Summary)
				staff.Get("/submissions/{submissionID}", examHandler.GetSubmission)
				staff.Put("/submissions/{submissionID}/answers/{questionID}/mark", examHandler.MarkAnswer)
				staff.Post("/submissions/{submissionID}/finalize", examHandler.Finalize)
			})
		})
	})

	return r, cleanup, nil
}

// newCacheStore uses Redis when REDIS_ADDR is set and reachable, otherwise an
// in-process store.
func newCacheStore(cfg Config, logger *slog.Logger) (cache.Store, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryStore(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable; using in-process cache", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return cache.NewMemoryStore(), func() {}
	}
	return cache.NewRedisStore(client, "coursetest"), func() { _ = client.Close() }
}
