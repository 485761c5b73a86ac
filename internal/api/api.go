// Package api is the HTTP surface of the policy engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

// maxBodySize caps request bodies on every POST route.
const maxBodySize = 64 * 1024

// #region api
type API struct {
	engine   *engine.Engine
	auth     *Authenticator
	limiter  *userLimiter
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

// Options configure the HTTP layer. A zero RatePerSecond disables the
// /events limiter.
type Options struct {
	Auth          *Authenticator
	RatePerSecond float64
	Burst         int
	Log           *slog.Logger
}

func New(eng *engine.Engine, opts Options) *API {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator("", false)
	}
	return &API{
		engine:   eng,
		auth:     auth,
		limiter:  newUserLimiter(opts.RatePerSecond, opts.Burst),
		validate: validator.New(),
		log:      log.With("component", "api"),
		now:      time.Now,
	}
}

// Handler returns the routed handler with request logging applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return a.logRequests(mux)
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Clinician
	mux.HandleFunc("GET /plan", a.authed(a.handlePlan))
	mux.HandleFunc("POST /events", a.authed(a.handleEvent))
	mux.HandleFunc("GET /bandit/status", a.authed(a.handleBanditStatus))
	mux.HandleFunc("GET /transfer/status", a.authed(a.handleTransferStatus))
	mux.HandleFunc("GET /regret/report", a.authed(a.handleRegretReport))

	// Operator
	mux.HandleFunc("GET /assurance/dashboard", a.operator(a.handleDashboard))
	mux.HandleFunc("GET /studies", a.operator(a.handleListStudies))
	mux.HandleFunc("POST /studies", a.operator(a.handleCreateStudy))
	mux.HandleFunc("GET /studies/{id}", a.operator(a.handleGetStudy))
	mux.HandleFunc("POST /studies/{id}/{action}", a.operator(a.handleStudyAction))

	// Ops
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResp(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

// #endregion api

// #region middleware
type userHandler func(w http.ResponseWriter, r *http.Request, user identity.User)

func (a *API) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.Identify(r)
		if err != nil {
			jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func (a *API) operator(next userHandler) http.HandlerFunc {
	return a.authed(func(w http.ResponseWriter, r *http.Request, user identity.User) {
		if !isOperator(user) {
			jsonError(w, "operator role required", http.StatusForbidden)
			return
		}
		next(w, r, user)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.log.Log(r.Context(), level, "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

// #endregion middleware

// #region helpers
func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	jsonResp(w, status, map[string]string{"error": msg})
}

// decode reads a size-capped JSON body and validates it.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// intParam parses a non-negative query parameter, falling back to def.
func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// #endregion helpers
