package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Herolin12/orbit/capture"
	"github.com/Herolin12/orbit/database"
	"github.com/Herolin12/orbit/process"
)

// ProcessIndex is the read-only process table view the HTTP surface
// exposes. Implemented by process.Table.
type ProcessIndex interface {
	capture.ProcessLookup
	Snapshot() []process.Record
}

// Server is the external surface: the process/capture query API plus the
// websocket endpoint carrying the capture stream protocol.
type Server struct {
	listenAddr string
	table      ProcessIndex
	service    *Service
	store      *database.DB // may be nil; /api/captures then returns 404
	upgrader   websocket.Upgrader
}

// NewServer wires the HTTP surface.
func NewServer(listenAddr string, table ProcessIndex, service *Service, store *database.DB) *Server {
	return &Server{
		listenAddr: listenAddr,
		table:      table,
		service:    service,
		store:      store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/processes", s.handleProcesses)
	mux.HandleFunc("/api/captures", s.handleCaptures)
	mux.HandleFunc("/stream/capture", s.handleCaptureStream)

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
		// Request contexts descend from the lifecycle context, so capture
		// streams (hijacked connections, which Shutdown does not wait for)
		// still observe cancellation and wind their sessions down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP server shutdown error: %v", err)
		}
	}()

	log.Infof("capture service listening on %s", s.listenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleProcesses returns the current process table snapshot, or a
// single record when a pid query parameter is given.
func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if pidParam := r.URL.Query().Get("pid"); pidParam != "" {
		pid, err := strconv.ParseUint(pidParam, 10, 32)
		if err != nil {
			http.Error(w, "invalid pid", http.StatusBadRequest)
			return
		}
		rec, ok := s.table.Lookup(uint32(pid))
		if !ok {
			http.Error(w, "process not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
		return
	}
	writeJSON(w, s.table.Snapshot())
}

// handleCaptures returns recent capture session history.
func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "capture history not enabled", http.StatusNotFound)
		return
	}
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := s.store.RecentSessions(limit)
	if err != nil {
		log.Errorf("failed to query capture history: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

// handleCaptureStream upgrades to a websocket and hands the connection
// to the capture service.
func (s *Server) handleCaptureStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	logger := log.WithField("remote", conn.RemoteAddr().String())
	logger.Info("capture stream opened")
	if err := s.service.ServeStream(newWSStream(r.Context(), conn)); err != nil {
		logger.Infof("capture stream closed: %v", err)
		return
	}
	logger.Info("capture stream closed")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}
