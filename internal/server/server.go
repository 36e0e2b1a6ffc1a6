package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/GriffinCanCode/egm-detector/internal/capture"
	"github.com/GriffinCanCode/egm-detector/internal/debounce"
	"github.com/GriffinCanCode/egm-detector/internal/detector"
	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/history"
	"github.com/GriffinCanCode/egm-detector/internal/notify"
	"github.com/GriffinCanCode/egm-detector/internal/refstore"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Detector is the detection loop as seen by the API.
type Detector interface {
	Latest() detector.Result
	Debounce() debounce.Snapshot
	Events() <-chan detector.Event
}

// Capture controls the frame capture process.
type Capture interface {
	Status() capture.Status
	Start(ctx context.Context)
	Stop()
	Restart(ctx context.Context)
}

// Frames reads the latest captured frame as encoded bytes.
type Frames interface {
	Raw(ctx context.Context) ([]byte, error)
}

// References manages reference images on disk.
type References interface {
	Files(state string) ([]refstore.File, error)
	Add(state string, data []byte, ext string) (string, error)
	Remove(state, name string) error
	FilePath(state, name string) (string, error)
	Stats() []refstore.Stats
}

// History lists recorded transitions.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Transition, error)
	Count(ctx context.Context) (int, error)
}

// Notifier reports the state-change notification queue.
type Notifier interface {
	Status() notify.Status
}

// Deps are the collaborators behind the API. Capture, History and Notifier
// may be nil.
type Deps struct {
	Detector Detector
	Capture  Capture
	Frames   Frames
	Refs     References
	History  History
	Notifier Notifier
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctx  context.Context
	deps Deps

	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a server. ctx bounds the event broadcaster and capture
// actions that outlive a request.
func New(ctx context.Context, deps Deps) *Server {
	s := &Server{
		ctx:        ctx,
		deps:       deps,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}

	go s.broadcastEvents()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/capture", s.handleCaptureStatus)
	mux.HandleFunc("POST /api/capture/{action}", s.handleCaptureAction)
	mux.HandleFunc("GET /api/refs", s.handleRefStats)
	mux.HandleFunc("GET /api/refs/{state}", s.handleListRefs)
	mux.HandleFunc("POST /api/refs/{state}", s.handleAddRef)
	mux.HandleFunc("GET /api/refs/{state}/{file}/image", s.handleRefImage)
	mux.HandleFunc("DELETE /api/refs/{state}/{file}", s.handleDeleteRef)
	mux.HandleFunc("GET /api/live/frame", s.handleLiveFrame)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	log := trace.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: apperrors.CodeOf(err).String()})
}
