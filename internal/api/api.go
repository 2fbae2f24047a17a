// Package api implements the HTTP surface of the Heksher service: the
// /api/v1 routes for context features, settings, rules and queries, plus
// the /api/health endpoint backed by the recency sentinel.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/cache"
	"github.com/heksher-io/heksher/internal/health"
	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/store"
)

// API holds the router and the dependencies of every handler.
type API struct {
	// Router is the chi multiplexer serving all application routes.
	Router *chi.Mux

	// repo is the persistence layer, as interfaces so tests can fake it.
	repo store.Repository

	// cache is the shared query response cache; mutating handlers
	// invalidate it after commit.
	cache cache.Service

	// monitor supplies the health verdict. Nil in doc-only mode.
	monitor *health.Monitor

	version        string
	requestTimeout time.Duration
}

// Options tunes the API construction.
type Options struct {
	// Version is reported by the health endpoint.
	Version string
	// RequestTimeout bounds each request's handling time.
	RequestTimeout time.Duration
}

// NewAPI creates the full API. All dependencies are mandatory.
func NewAPI(repo store.Repository, cacheSvc cache.Service, monitor *health.Monitor, opts Options) *API {
	if repo == nil {
		panic("api: repository cannot be nil")
	}
	if cacheSvc == nil {
		panic("api: cache service cannot be nil")
	}
	if monitor == nil {
		panic("api: health monitor cannot be nil")
	}
	a := &API{
		Router:         chi.NewRouter(),
		repo:           repo,
		cache:          cacheSvc,
		monitor:        monitor,
		version:        opts.Version,
		requestTimeout: opts.RequestTimeout,
	}
	a.configureRoutes()
	return a
}

// NewDocOnlyAPI creates the degraded surface used in DOC_ONLY mode: the
// health endpoint answers, every business route fails with a doc-only
// message, and no database is touched.
func NewDocOnlyAPI(opts Options) *API {
	a := &API{
		Router:  chi.NewRouter(),
		version: opts.Version,
	}
	a.configureMiddleware()
	a.Router.Get("/api/health", a.handleDocOnlyHealth)
	a.Router.Mount("/api/v1", http.HandlerFunc(a.handleDocOnlyBlocked))
	return a
}

func (a *API) configureMiddleware() {
	// RequestID and RealIP come first so the logger can use them.
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	// Recoverer turns panics into 500s instead of dropping the process.
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))
	if a.requestTimeout > 0 {
		a.Router.Use(middleware.Timeout(a.requestTimeout))
	}
}

func (a *API) configureRoutes() {
	a.configureMiddleware()

	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/context_features", func(r chi.Router) {
			r.Get("/", a.handleListContextFeatures)
			r.Post("/", a.handleAddContextFeature)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", a.handleGetContextFeature)
				r.Delete("/", a.handleDeleteContextFeature)
				r.Patch("/index", a.handleMoveContextFeature)
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", a.handleAddRule)
			r.Get("/search", a.handleSearchRule)
			// deprecated body-based query, kept for older clients
			r.Post("/query", a.handleQueryRulesLegacy)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetRule)
				r.Delete("/", a.handleDeleteRule)
				r.Put("/value", a.handleSetRuleValue)
				// deprecated alias of PUT value
				r.Patch("/", a.handlePatchRule)
				a.mountRuleMetadataRoutes(r)
			})
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", a.handleListSettings)
			r.Post("/declare", a.handleDeclareSetting)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", a.handleGetSetting)
				r.Delete("/", a.handleDeleteSetting)
				r.Put("/type", a.handleSetSettingType)
				r.Put("/name", a.handleRenameSetting)
				r.Put("/configurable_features", a.handleSetConfigurableFeatures)
				a.mountSettingMetadataRoutes(r)
			})
		})

		r.Get("/query", a.handleQuery)
	})
}

// healthResponse is the body of /api/health in both verdicts.
type healthResponse struct {
	Version string `json:"version"`
}

// handleHealth reports the sentinel's latest verdict. Freshness is
// bounded by one poll period.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.monitor.Snapshot().Healthy {
		render.Status(r, http.StatusInternalServerError)
	} else {
		render.Status(r, http.StatusOK)
	}
	render.JSON(w, r, healthResponse{Version: a.version})
}

// handleDocOnlyHealth always reports healthy; there is no database to be
// unhealthy about.
func (a *API) handleDocOnlyHealth(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, healthResponse{Version: a.version})
}

// invalidateCache rotates the query cache generation after a committed
// write. Failures are logged, never surfaced: the cache degrades to the
// TTL bound, the write already succeeded.
func (a *API) invalidateCache(r *http.Request) {
	if err := a.cache.Invalidate(r.Context()); err != nil {
		logger.FromContext(r.Context()).Warn("query cache invalidation failed",
			slog.String("error", err.Error()))
	}
}

// handleDocOnlyBlocked rejects business routes while in DOC_ONLY mode.
func (a *API) handleDocOnlyBlocked(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_DOC_ONLY",
		Message: "service is running in doc-only mode, api endpoints are disabled",
	})
}
