package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energybill/pkg/coordinator"
	"github.com/raterudder/energybill/pkg/leneda"
	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/metrics"
	"github.com/raterudder/energybill/pkg/storage"
)

// Metering is the part of the Leneda client the API calls directly.
type Metering interface {
	HasCredentials() bool
	TimeSeries(ctx context.Context, meterID, obis string, start, end time.Time) (leneda.Series, error)
	Test(ctx context.Context, meterID string) error
}

// Server handles the HTTP API of the billing dashboard.
type Server struct {
	storage     storage.Database
	coordinator *coordinator.Coordinator
	metering    Metering

	listenAddr string
	serverName string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(s storage.Database, c *coordinator.Coordinator, m Metering) *Server {
	srv := &Server{
		storage:     s,
		coordinator: c,
		metering:    m,
		serverName:  "energybill",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mode", s.handleMode)
	mux.HandleFunc("POST /api/credentials/test", s.handleTestCredentials)
	mux.HandleFunc("GET /api/data", s.handleData)
	mux.HandleFunc("GET /api/data/custom", s.handleCustomData)
	mux.HandleFunc("GET /api/data/timeseries", s.handleTimeSeries)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleUpdateConfig)
	mux.HandleFunc("POST /api/config/reset", s.handleResetConfig)
	mux.HandleFunc("GET /api/invoice", s.handleInvoice)
	mux.HandleFunc("GET /api/invoice/export", s.handleInvoiceExport)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(s.loggerMiddleware(mux))))
}

// loggerMiddleware scopes the context logger to the request.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path), slog.String("siteID", s.siteID())))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) siteID() string {
	return s.coordinator.SiteID()
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

const notConfiguredMessage = "Credentials not configured. Set the Leneda API key, energy id and metering points."

// writeMeteringError maps errors from the metering layer to a response.
func writeMeteringError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, leneda.ErrNotConfigured):
		writeJSONError(w, notConfiguredMessage, http.StatusUnauthorized)
	case errors.Is(err, coordinator.ErrInvalidRange):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg, http.StatusBadGateway)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
