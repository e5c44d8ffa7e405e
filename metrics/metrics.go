package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashd_http_requests_total",
			Help: "Total requests by route, method, and status.",
		},
		[]string{"route", "method", "status"},
	)

	PairingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashd_pairing_outcomes_total",
			Help: "Pairing sessions that reached a terminal state.",
		},
		[]string{"state"},
	)

	ArtworkLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashd_artwork_lookups_total",
			Help: "Now-playing artwork resolutions by the source that answered.",
		},
		[]string{"source"},
	)

	ObexSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashd_obex_sessions",
			Help: "Live OBEX image sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, PairingOutcomes, ArtworkLookups, ObexSessions)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts requests by their chi route pattern so path parameters
// do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		requestCounter.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
