package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/orchestrator"
	"github.com/jo-hoe/clipforge/internal/reconcile"
	"github.com/jo-hoe/clipforge/internal/recovery"
	"github.com/jo-hoe/clipforge/internal/stream"
)

type Service struct {
	Log          *slog.Logger
	Cfg          *config.Config
	Ledger       *jobs.Ledger
	Queue        *jobs.Queue
	Orchestrator *orchestrator.Orchestrator
	Engine       *reconcile.Engine
	Sweeper      *recovery.Sweeper
	Streamer     *stream.Streamer
	// AssetsDir is served under /assets/ when set.
	AssetsDir string
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Client API, scoped to the acting user.
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withUser(svc.handleCreateJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs, svc.withUser(svc.handleListJobs))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/stream", svc.withUser(svc.handleStreamActive))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/poll", svc.withUser(svc.handlePollUser))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.withUser(svc.handleGetJob))
	mux.HandleFunc(http.MethodDelete+" "+common.PathJobs+"/{id}", svc.withUser(svc.handleDeleteJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}/stream", svc.withUser(svc.handleStreamJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/poll", svc.withUser(svc.handlePollJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathClips+"/{id}/resubmit", svc.withUser(svc.handleResubmitClip))
	mux.HandleFunc(http.MethodGet+" "+common.PathCredits, svc.withUser(svc.handleGetCredits))

	// Provider push notifications carry no client credentials.
	mux.HandleFunc(http.MethodPost+" "+common.PathProviderHook, svc.withBodyLimit(svc.handleProviderCallback))

	// Collaborator and operator endpoints.
	mux.HandleFunc(http.MethodPost+" "+common.PathRecovery, svc.withAdmin(svc.handleRecovery))
	mux.HandleFunc(http.MethodPost+" "+common.PathInternalJobs+"/{id}/complete", svc.withAdmin(svc.handleCompleteJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathInternalCredits, svc.withAdmin(svc.handleGrantCredits))

	if svc.AssetsDir != "" {
		mux.Handle(http.MethodGet+" "+common.PathAssets, http.StripPrefix(common.PathAssets, http.FileServer(http.Dir(svc.AssetsDir))))
	}

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withBodyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if max := safeInt64(svc.Cfg.Server.MaxBodySize); max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return svc.withBodyLimit(func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if !secretEqual(r.Header.Get(common.HeaderAPIKey), key) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withUser requires the acting user id resolved by the account collaborator.
func (svc *Service) withUser(next http.HandlerFunc) http.HandlerFunc {
	return svc.withCommon(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			http.Error(w, common.HeaderUserID+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (svc *Service) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return svc.withBodyLimit(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(svc.Cfg.Server.AdminSecret)
		if secret == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		if !secretEqual(r.Header.Get(common.HeaderAdminSecret), secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(common.HeaderUserID))
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// writeStoreError maps ledger errors to status codes.
func (svc *Service) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		svc.Log.Error(op, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the underlying writer for flushes and deadlines.
func (w *writeWrap) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
