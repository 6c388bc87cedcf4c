package fleet

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	logx "tzbot/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	PathApply  = "/fleet/v1/apply"
	PathStatus = "/fleet/v1/status"
	PathHealth = "/healthz"
)

// maxRequestBytes caps an apply body; a user is in at most a few hundred guilds.
const maxRequestBytes = 1 << 20

// RouterDeps collects what NewRouter serves.
type RouterDeps struct {
	// Applier handles apply requests. Nil means this process hosts no guilds.
	Applier Applier
	// Token, when set, is required as a bearer token on /fleet/v1 routes.
	Token string
	// Status returns the JSON status document. Nil disables the route.
	Status func() any
	// Metrics is mounted at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
	Pprof       bool
	Log         logx.Logger
}

// NewRouter builds the fleet HTTP surface.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Log))

	r.Get(PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, deps.Metrics)
	}
	if deps.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(deps.Token))

		r.Post(PathApply, func(w http.ResponseWriter, req *http.Request) {
			if deps.Applier == nil {
				writeError(w, http.StatusServiceUnavailable, "no shard hosted here")
				return
			}
			var in UpdateRequest
			dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				writeError(w, http.StatusBadRequest, "bad request: "+err.Error())
				return
			}
			if strings.TrimSpace(in.UserID) == "" {
				writeError(w, http.StatusBadRequest, "user_id is required")
				return
			}
			writeJSON(w, http.StatusOK, deps.Applier.Apply(req.Context(), in))
		})

		if deps.Status != nil {
			r.Get(PathStatus, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, deps.Status())
			})
		}
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if r.URL.Path == PathHealth {
				return
			}
			log.Debug("fleet http",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
