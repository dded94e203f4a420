package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aquasentry/aquasentry/server/alertdb"
	"github.com/aquasentry/aquasentry/server/config"
	"github.com/aquasentry/aquasentry/server/monitor"
	"github.com/aquasentry/aquasentry/server/transmitter"
	"github.com/cyclopcam/logs"
)

// Server is the HTTP front-end over the monitoring core
type Server struct {
	Log         logs.Log
	Cfg         *config.Config
	Monitor     *monitor.Monitor
	Transmitter *transmitter.Transmitter
	AlertDB     *alertdb.AlertDB // May be nil

	httpServer *http.Server
}

func NewServer(log logs.Log, cfg *config.Config, mon *monitor.Monitor, tx *transmitter.Transmitter, db *alertdb.AlertDB) *Server {
	return &Server{
		Log:         log,
		Cfg:         cfg,
		Monitor:     mon,
		Transmitter: tx,
		AlertDB:     db,
	}
}

// RunHTTP serves the API until Shutdown is called.
// port example: ":8080"
func (s *Server) RunHTTP(port string) error {
	router := s.setupHttpRoutes()
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: router,
	}
	s.Log.Infof("Listening on %v", port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and the monitoring core
func (s *Server) Shutdown() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
	s.Monitor.Stop()
	s.Transmitter.Close()
}
