package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bpou/digital-dash/dashd/bluetooth"
	"github.com/bpou/digital-dash/dashd/media"
	"github.com/bpou/digital-dash/dashd/metrics"
)

// Bluetooth is the device side of the service.
type Bluetooth interface {
	GetDevices(ctx context.Context) ([]bluetooth.Device, error)
	GetConnectedDevice(ctx context.Context) (*bluetooth.Device, error)
	ConnectDevice(ctx context.Context, address string) error
	DisconnectDevice(ctx context.Context, address string) error
	RemoveDevice(ctx context.Context, address string) error
	ConnectNetwork(ctx context.Context, address string) error
	NetworkStatus() bluetooth.NetworkStatus
}

// Pairing is the pairing session surface.
type Pairing interface {
	Start(ctx context.Context, address string) (bluetooth.PairStatus, error)
	Status(ctx context.Context, id string) (bluetooth.PairStatus, error)
	Confirm(id string, accept bool) (bluetooth.PairStatus, error)
}

type Scanner interface {
	Start() error
	Stop(ctx context.Context)
}

type AudioRouter interface {
	Use(ctx context.Context, address string) error
}

type NowPlaying interface {
	Get(ctx context.Context) media.Snapshot
	Control(ctx context.Context, action string) error
}

type Deps struct {
	Bluetooth  Bluetooth
	Pairing    Pairing
	Scan       Scanner
	Audio      AudioRouter
	NowPlaying NowPlaying
	Artwork    *media.LocalCache
	// Events serves GET /ws when set.
	Events http.Handler
}

type Server struct {
	bt         Bluetooth
	pairing    Pairing
	scan       Scanner
	audio      AudioRouter
	nowPlaying NowPlaying
	artwork    *media.LocalCache
	events     http.Handler
	maxUpload  int
}

func New(d Deps, maxUpload int) *Server {
	return &Server{
		bt:         d.Bluetooth,
		pairing:    d.Pairing,
		scan:       d.Scan,
		audio:      d.Audio,
		nowPlaying: d.NowPlaying,
		artwork:    d.Artwork,
		events:     d.Events,
		maxUpload:  maxUpload,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if s.events != nil {
		r.Method(http.MethodGet, "/ws", s.events)
	}

	r.Get("/devices", s.handleDevices)
	r.Post("/scan/start", s.handleScanStart)
	r.Post("/scan/stop", s.handleScanStop)

	r.Post("/pair", s.handlePairStart)
	r.Get("/pair/status", s.handlePairStatus)
	r.Post("/pair/confirm", s.handlePairConfirm)

	r.Post("/connect", s.handleConnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Post("/remove", s.handleRemove)
	r.Post("/audio/use", s.handleAudioUse)

	r.Post("/network/connect", s.handleNetworkConnect)
	r.Get("/network/status", s.handleNetworkStatus)

	r.Route("/media", func(r chi.Router) {
		r.Get("/now-playing", s.handleNowPlaying)
		r.Post("/control", s.handleMediaControl)
		r.Post("/artwork/upload", s.handleArtworkUpload)
		r.Get("/artwork/{key}", s.handleArtwork)
	})

	return r
}

// NewHTTPServer wraps the handler with the service's timeouts. The write
// timeout is left unset for the websocket stream.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type jsonErr struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg})
}

type okResponse struct {
	OK bool `json:"ok"`
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
