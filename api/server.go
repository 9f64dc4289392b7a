/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. accessLog:  slog request logging + request duration histogram
  5. CORS:       Cross-origin requests for the frontend
  6. requireTenant (/api only): bearer JWT -> tenant in context

ROUTE GROUPS:
  /api/dashboard, /api/months/*, /api/closures/*   Periods
  /api/parties/*                                   Parties and entries
  /api/transactions/*, /api/expenses/*             Record edits
  /healthz                                         Store ping
  /metrics                                         Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transport-ledger/khata/auth"
	"github.com/transport-ledger/khata/ledger"
	"github.com/transport-ledger/khata/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireTenant(h.Tokens))

		r.Get("/dashboard", h.Dashboard)

		// Period routes
		r.Route("/months", func(r chi.Router) {
			r.Get("/active", h.ActiveMonth)
			r.Get("/{month}/summary", h.MonthSummary)
			r.Post("/{month}/close", h.CloseMonth)
			r.Get("/{month}/report.xlsx", h.MonthReport)
		})
		r.Route("/closures", func(r chi.Router) {
			r.Get("/", h.ListClosures)
			r.Get("/{month}", h.GetClosure)
		})

		// Party routes
		r.Route("/parties", func(r chi.Router) {
			r.Get("/", h.ListParties)
			r.Post("/", h.CreateParty)
			r.Get("/search", h.SearchParties)
			r.Get("/{id}", h.GetParty)
			r.Delete("/{id}", h.DeleteParty)
			r.Get("/{id}/ledger", h.PartyLedger)
			r.Get("/{id}/statement.xlsx", h.PartyStatement)
			r.Post("/{id}/transactions", h.AddTransactions)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		// Expense routes
		r.Route("/expenses", func(r chi.Router) {
			r.Get("/", h.ListExpenses)
			r.Post("/", h.CreateExpense)
			r.Put("/{id}", h.UpdateExpense)
			r.Delete("/{id}", h.DeleteExpense)
		})
	})

	return r
}

// requireTenant rejects requests without a valid bearer token and stores
// the token's tenant in the request context.
func requireTenant(tokens *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", auth.ErrNoSecret)
				return
			}
			raw, err := auth.BearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err)
				return
			}
			claims, err := tokens.Validate(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", auth.ErrInvalidToken)
				return
			}
			ctx := auth.WithTenant(r.Context(), ledger.TenantID(claims.TenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accessLog logs each request and observes its duration by route pattern.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(status)).
				Observe(elapsed.Seconds())

			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
