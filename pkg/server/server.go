package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/phaserudder/phaserudder/pkg/common"
	"github.com/phaserudder/phaserudder/pkg/controller"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/metrics"
	"github.com/phaserudder/phaserudder/pkg/types"
)

const maxBodyBytes = 1 << 20

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier is a function that validates a Google or Apple ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server serves the ingestion and analytics API on top of the controller.
type Server struct {
	controller *controller.Controller
	gatherer   prometheus.Gatherer

	listenAddr string
	httpServer *http.Server

	oidcVerifiers map[string]tokenVerifier
	ingestEmails  []string
	bypassAuth    bool
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c *controller.Controller, g prometheus.Gatherer) *Server {
	srv := &Server{
		controller: c,
		gatherer:   g,
		serverName: "phaserudder/" + common.Version(),
	}
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience for tokens allowed to write (empty disables auth)")
	ingestEmails := lflag.String("ingest-emails", "", "comma-delimited list of token emails allowed to submit telemetry and trigger cycles (empty allows any verified token)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *ingestEmails != "" {
			for _, email := range strings.Split(*ingestEmails, ",") {
				if email = strings.TrimSpace(email); email != "" {
					srv.ingestEmails = append(srv.ingestEmails, email)
				}
			}
		}
		if len(oidcAudiences) == 0 {
			log.Ctx(context.Background()).Warn("no oidc audiences configured, write endpoints are unauthenticated")
			srv.bypassAuth = true
			return
		}
		srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
		// discovery and key fetches go through our client
		oidcCtx := oidc.ClientContext(context.Background(), common.HTTPClient(30*time.Second))
		for n, a := range oidcAudiences {
			var issuer string
			switch n {
			case "google":
				issuer = "https://accounts.google.com"
			case "apple":
				issuer = "https://appleid.apple.com"
			default:
				log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
				os.Exit(1)
			}
			provider, err := oidc.NewProvider(oidcCtx, issuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("client", n), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/telemetry", s.handleTelemetry)
	apiMux.HandleFunc("POST /api/houses", s.handleRegister)
	apiMux.HandleFunc("POST /api/cycle", s.handleCycle)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/phases", s.handlePhases)
	apiMux.HandleFunc("GET /api/phases/{phase}", s.handlePhase)
	apiMux.HandleFunc("GET /api/houses", s.handleHouses)
	apiMux.HandleFunc("GET /api/houses/{houseID}", s.handleHouse)
	apiMux.HandleFunc("GET /api/houses/{houseID}/telemetry", s.handleHouseTelemetry)
	apiMux.HandleFunc("GET /api/history/switches", s.handleHistorySwitches)
	apiMux.HandleFunc("GET /api/simulate", s.handleSimulate)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
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

// writeEngineError maps engine errors onto status codes.
func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnknownHouse):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrAlreadyRegistered):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrInvalidPhase), errors.Is(err, types.ErrInvalidTelemetry):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "request failed", slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

// decodeBody reads a JSON body of at most maxBodyBytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
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

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
