package api

import (
	"github.com/autodebet/collection-engine/internal/api/handler"
	"github.com/autodebet/collection-engine/internal/api/middleware"
	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Router wires the HTTP surface: vendor settlement callbacks, registration
// lifecycle operations and the ops endpoints.
type Router struct {
	cfg        *config.Config
	db         *pgxpool.Pool
	redis      redis.Cmdable
	callbacks  *collection.CallbackService
	reconciler *collection.Reconciler
}

func NewRouter(cfg *config.Config, db *pgxpool.Pool, rdb redis.Cmdable, callbacks *collection.CallbackService, reconciler *collection.Reconciler) *Router {
	return &Router{
		cfg:        cfg,
		db:         db,
		redis:      rdb,
		callbacks:  callbacks,
		reconciler: reconciler,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(zap.L()))
	r.Use(middleware.RecoverMiddleware(zap.L()))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	callbackHandler := handler.NewCallbackHandler(api.callbacks, api.cfg.CallbackHMACKey, api.cfg.CallbackSkipSignature)
	registrationHandler := handler.NewRegistrationHandler(api.reconciler)

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.CallbackRateLimiter(api.cfg.CallbackRateLimitRPS))
		r.Post("/v1/callbacks/{vendor}", callbackHandler.Handle)
	})

	r.Post("/v1/registrations", registrationHandler.Create)
	r.Delete("/v1/registrations/{vendor}/{account_id}", registrationHandler.Deactivate)

	return r
}
