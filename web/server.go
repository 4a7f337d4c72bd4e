// Package web is the HTTP management plane. It is a thin shim: requests
// are translated into controller and extension-manager calls, and the
// router internals are never touched directly.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mavrouter/internal/controller"
	"mavrouter/internal/extension"
	"mavrouter/internal/stats"
	"mavrouter/internal/threadmgr"
	"mavrouter/logger"
)

// Server serves the management API.
type Server struct {
	cfg *Config
	ctl *controller.Controller
	ext *extension.Manager
	log *zap.SugaredLogger

	statsProvider func() []stats.EndpointSnapshot

	httpServer *http.Server
}

// NewServer creates a management server over the controller and extension
// manager.
func NewServer(cfg *Config, ctl *controller.Controller, ext *extension.Manager) *Server {
	return &Server{
		cfg: cfg,
		ctl: ctl,
		ext: ext,
		log: logger.Named("http"),
	}
}

// SetStatsProvider wires the endpoint-statistics snapshot source for
// GET /api/stats.
func (s *Server) SetStatsProvider(provider func() []stats.EndpointSnapshot) {
	s.statsProvider = provider
}

// Routes builds the management API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>mavrouter</h1><p>Server is running</p></body></html>")
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "running",
			"service": "mavrouter",
		})
	})

	mux.HandleFunc("GET /api/threads", func(w http.ResponseWriter, r *http.Request) {
		resp := s.ctl.StatusAll()
		writeJSON(w, statusCode(resp.Status), resp)
	})

	mux.HandleFunc("GET /api/threads/{name}", func(w http.ResponseWriter, r *http.Request) {
		resp := s.ctl.StatusThread(r.PathValue("name"))
		writeJSON(w, statusCode(resp.Status), resp)
	})

	mux.HandleFunc("POST /api/threads/{name}/{op}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		op, err := controller.ParseOperation(r.PathValue("op"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.log.Infof("client request: %s %s", op, name)
		resp := s.ctl.Execute(op, name)
		writeJSON(w, statusCode(resp.Status), resp)
	})

	mux.HandleFunc("POST /api/extensions/add", s.handleExtensionAdd)

	mux.HandleFunc("GET /api/extensions/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"extensions": s.ext.List()})
	})

	mux.HandleFunc("GET /api/extensions/status/{name}", func(w http.ResponseWriter, r *http.Request) {
		info, err := s.ext.Get(r.PathValue("name"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	mux.HandleFunc("POST /api/extensions/start/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.handleExtensionLifecycle(w, r.PathValue("name"), s.ext.Start, "Extension started")
	})

	mux.HandleFunc("POST /api/extensions/stop/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.handleExtensionLifecycle(w, r.PathValue("name"), s.ext.Stop, "Extension stopped")
	})

	mux.HandleFunc("DELETE /api/extensions/delete/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		s.log.Infof("client request: delete extension %s", name)
		if err := s.ext.Delete(name); err != nil {
			writeJSON(w, extensionErrorCode(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Extension deleted successfully",
		})
	})

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		if s.statsProvider == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "statistics not available"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"endpoints": s.statsProvider(),
			"resources": stats.CollectResources(),
		})
	})

	return mux
}

func (s *Server) handleExtensionAdd(w http.ResponseWriter, r *http.Request) {
	var cfg extension.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
		return
	}
	cfg.Type = extension.ParseType(string(cfg.Type))
	s.log.Infof("client request: add extension %s (%s %s:%d)", cfg.Name, cfg.Type, cfg.Address, cfg.Port)

	info, err := s.ext.Create(cfg)
	if err != nil {
		writeJSON(w, extensionErrorCode(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":    "success",
		"message":   "Extension created successfully",
		"extension": info,
	})
}

func (s *Server) handleExtensionLifecycle(w http.ResponseWriter, name string, op func(string) error, message string) {
	s.log.Infof("client request: %s", message)
	if err := op(name); err != nil {
		writeJSON(w, extensionErrorCode(err), map[string]string{"error": err.Error()})
		return
	}
	info, err := s.ext.Get(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"message":   message,
		"extension": info,
	})
}

func extensionErrorCode(err error) int {
	switch {
	case errors.Is(err, extension.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, extension.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, extension.ErrNoAvailableExtensionPoints):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func statusCode(s controller.Status) int {
	switch s {
	case controller.StatusSuccess, controller.StatusAlreadyInState:
		return http.StatusOK
	case controller.StatusThreadNotFound:
		return http.StatusNotFound
	case controller.StatusInvalidOp:
		return http.StatusBadRequest
	case controller.StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debugf("encoding response: %v", err)
	}
}

// Run serves the management API until a cooperative stop is requested.
// The listen wait is bounded by polling the stop flag, the same contract
// every supervised thread follows.
func (s *Server) Run(h *threadmgr.Handle) {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Errorf("http server: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
			if h.Stopping() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				s.httpServer.Shutdown(ctx)
				cancel()
				<-errCh
				return
			}
			h.WaitIfPaused()
		}
	}
}
