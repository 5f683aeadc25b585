// Package monitor serves a small HTTP endpoint exposing server
// statistics for dashboards and scripts.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Source supplies the data the endpoint serves. Both funcs are called on
// every request and must be safe for concurrent use.
type Source struct {
	// Stats returns a JSON-marshalable statistics snapshot.
	Stats func() any
	// Clients returns the identities of the connected clients.
	Clients func() []string
}

// Server is the HTTP observability endpoint. Zero value is not usable;
// construct with New.
type Server struct {
	addr string
	src  Source
	http *http.Server
	ln   net.Listener
}

// New creates a monitor server bound to addr serving GET /stats and
// GET /clients.
func New(addr string, src Source) *Server {
	s := &Server{addr: addr, src: src}

	r := mux.NewRouter()
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/clients", s.handleClients).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     ln.Addr(),
	}).Info("Monitor endpoint listening")

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Error("Monitor endpoint failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the endpoint down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.src.Stats())
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.src.Clients()
	if clients == nil {
		clients = []string{}
	}
	s.writeJSON(w, map[string]any{
		"count":   len(clients),
		"clients": clients,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Error encoding response")
	}
}
