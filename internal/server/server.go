// Package server is the reference backend for crewsync: the document
// API of the remote structured store and the websocket endpoint of the
// remote realtime store, so the daemon can run and be tested without a
// hosted dependency. Access rules are out of scope; the server only
// requires that a session principal identifies itself.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/fieldcrew/crewsync/internal/remote"
)

// Server bundles the document API and the realtime tree.
type Server struct {
	docs   DocStore
	tree   *Tree
	logger *slog.Logger
}

// New creates a server over the given document store.
func New(docs DocStore, logger *slog.Logger) *Server {
	return &Server{
		docs:   docs,
		tree:   NewTree(logger),
		logger: logger,
	}
}

// Router returns the HTTP handler for both stores.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1/{entity}", func(r chi.Router) {
		r.Use(s.requirePrincipal)
		r.Get("/", s.handleQuery)
		r.Post("/batch", s.handleBatch)
	})

	r.Get("/v1/realtime", s.tree.Handle)

	return r
}

// requirePrincipal rejects document requests without a session
// principal. Real deployments put their access rules here; the
// reference backend only proves the identity arrived.
func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Principal") == "" {
			writeError(w, http.StatusForbidden, "missing principal")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleQuery serves GET /v1/{entity}?since=<unix-milli>: every
// document with a write timestamp strictly greater than since, or all
// documents when since is absent.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}

	docs, err := s.docs.Query(r.Context(), entity, since)
	if err != nil {
		s.logger.Error("query failed",
			slog.String("entity", entity),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "query failed")

		return
	}

	writeJSON(w, remote.QueryResponse{Docs: docs})
}

// handleBatch serves POST /v1/{entity}/batch: one atomic merge-write
// batch with server-assigned timestamps.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	var req remote.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload")
		return
	}

	for _, write := range req.Writes {
		if write.ID == "" {
			writeError(w, http.StatusBadRequest, "write missing document id")
			return
		}
	}

	if err := s.docs.ApplyBatch(r.Context(), entity, req.Writes); err != nil {
		s.logger.Error("batch failed",
			slog.String("entity", entity),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "batch failed")

		return
	}

	writeJSON(w, map[string]string{"res": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(remote.APIError{Error: msg})
}
