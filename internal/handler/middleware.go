package handler

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/hlog"
)

// RouterConfig controls the outer HTTP stack.
type RouterConfig struct {
	RequestTimeout time.Duration
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
	// Registerer receives the request duration histogram when set.
	Registerer prometheus.Registerer
}

// NewRouter builds the routed handler with request id, access logging,
// panic recovery and a request timeout applied.
func NewRouter(h *HTTPHandler, cfg RouterConfig) http.Handler {
	r := mux.NewRouter()
	h.Register(r)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	if cfg.Registerer != nil {
		r.Use(requestDurations(cfg.Registerer))
	}

	var handler http.Handler = r
	if cfg.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, cfg.RequestTimeout, `{"error":{"code":"TIMEOUT","message":"request timed out"}}`)
	}
	handler = recovery(handler)
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	})(handler)
	handler = hlog.RequestIDHandler("request_id", "X-Request-ID")(handler)
	handler = hlog.NewHandler(h.log.Logger)(handler)
	return handler
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic")
				writeJSON(w, http.StatusInternalServerError, map[string]errorBody{
					"error": {Code: "INTERNAL", Message: "internal error"},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestDurations observes each routed request. It runs inside the router
// so the matched route template is available.
func requestDurations(reg prometheus.Registerer) mux.MiddlewareFunc {
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "travel_approvals",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	reg.MustRegister(durations)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			durations.WithLabelValues(r.Method, routeTemplate(r), statusClass(rec.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// routeTemplate keeps metric cardinality bounded by labelling with the
// matched route pattern rather than the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
