// Package server exposes capture control, run status and projects over HTTP,
// streams status events over a websocket and reports health over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nightstack/internal/capture"
	"nightstack/internal/logging"
	"nightstack/internal/storage"
)

// ServiceName is the gRPC health service reporting capture availability.
const ServiceName = "nightstack.capture"

// Controller is the capture surface the server drives.
type Controller interface {
	Start(ctx context.Context, opts capture.StartOptions) error
	Stop(ctx context.Context) error
	Defer(ctx context.Context) error
	Reset(ctx context.Context) error
	DefaultStartOptions() capture.StartOptions
	Status() capture.Status
	Preview() image.Image
	Subscribe() (<-chan capture.Event, func())
}

// Options configure a Server. GRPCAddr may be empty to skip gRPC health.
type Options struct {
	Addr        string
	GRPCAddr    string
	ProjectsDir string
}

// Server serves the capture status surface.
type Server struct {
	opts     Options
	capture  Controller
	store    *storage.Store
	log      *slog.Logger
	health   *health.Server
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New wires routes for ctrl. store may be nil.
func New(opts Options, ctrl Controller, store *storage.Store, logger *slog.Logger) *Server {
	s := &Server{
		opts:    opts,
		capture: ctrl,
		store:   store,
		log:     logging.Or(logger),
		health:  health.NewServer(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.setupRoutes(s.router)
	s.setHealth(ctrl.Status().State)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server { return s.health }

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/preview.jpg", s.handlePreview).Methods("GET")
	r.HandleFunc("/capture/{action:start|stop|defer|reset}", s.handleCapture).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/projects", s.handleProjects).Methods("GET")
	r.HandleFunc("/projects/{id}", s.handleProject).Methods("GET")
	r.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods("DELETE")
	r.HandleFunc("/projects/{id}/{file:preview.jpg|processed.tif|timelapse.mp4}", s.handleProjectFile).Methods("GET")
	r.HandleFunc("/stream", s.handleEventStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Start serves HTTP, and gRPC health when configured, until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.trackHealth(ctx)

	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	errCh := make(chan error, 2)
	if s.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		go func() {
			s.log.Info("gRPC health starting", "addr", s.opts.GRPCAddr)
			errCh <- grpcServer.Serve(lis)
		}()
	}

	go func() {
		s.log.Info("Server starting", "addr", s.opts.Addr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.shutdown(httpServer, grpcServer)
			return err
		}
	}
	s.shutdown(httpServer, grpcServer)
	return nil
}

func (s *Server) shutdown(httpServer *http.Server, grpcServer *grpc.Server) {
	s.log.Info("Shutting down server...")
	s.health.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

// trackHealth mirrors the capture state into the gRPC health service.
func (s *Server) trackHealth(ctx context.Context) {
	events, unsubscribe := s.capture.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
				return
			}
			if ev.Kind == capture.EventState {
				s.setHealth(ev.Status.State)
			}
		}
	}
}

func (s *Server) setHealth(state capture.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if state == capture.Failed || state == capture.Preparing {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capture.Status())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	img := s.capture.Preview()
	if img == nil {
		http.Error(w, "no preview yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: 85}); err != nil {
		s.log.Warn("preview encode failed", "error", err)
	}
}

// startRequest optionally overrides the configured run options.
type startRequest struct {
	Mask        *bool   `json:"mask"`
	Align       *bool   `json:"align"`
	Enhance     *bool   `json:"enhance"`
	Orientation *string `json:"orientation"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		opts, perr := s.startOptions(r)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		err = s.capture.Start(ctx, opts)
	case "stop":
		err = s.capture.Stop(ctx)
	case "defer":
		err = s.capture.Defer(ctx)
	case "reset":
		err = s.capture.Reset(ctx)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.capture.Status())
	case errors.Is(err, capture.ErrBusy), errors.Is(err, capture.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, capture.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.RunRecord{})
		return
	}
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.capture.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
