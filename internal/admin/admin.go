// Package admin serves the daemon's operational HTTP surface: health
// and readiness probes, Prometheus metrics and a JSON status snapshot.
// It is separate from the dispatcher port so probes never compete with
// the CSC connection.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/health"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/log"
)

// Status is the snapshot served at /api/status.
type Status struct {
	Gates        [4]int  `json:"gates"`
	FanFrequency float64 `json:"fan_frequency_hz"`
	DriveVoltage float64 `json:"drive_voltage"`
	FaultCode    int     `json:"fault_code"`
	DriveState   string  `json:"drive_state"`
}

// StatusFunc produces a Status snapshot by querying the hardware.
type StatusFunc func() (Status, error)

// Server is the admin HTTP server.
type Server struct {
	addr   string
	router chi.Router
	log    zerolog.Logger
}

// New builds the admin server with routes wired to the given health
// manager and status source.
func New(addr string, hm *health.Manager, status StatusFunc) *Server {
	s := &Server{
		addr: addr,
		log:  log.WithComponent("admin"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", hm.ServeHealth)
	r.Get("/readyz", hm.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/status", s.serveStatus(status))

	s.router = r
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) serveStatus(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := status()
		if err != nil {
			s.log.Warn().Err(err).Str("event", "admin.status_failed").Msg("status snapshot failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			s.log.Error().Err(err).Str("event", "admin.encode_error").Msg("failed to encode status")
		}
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("event", "admin.listening").Str("addr", s.addr).Msg("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
