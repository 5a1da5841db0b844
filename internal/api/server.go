// Package api provides the Manager's HTTP administrative surface: a status
// document, task and template ingest, and per-template task listings. The
// surface is a thin forwarder onto core operations and never holds state
// of its own.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/health"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
	"github.com/soitun/effectai-engine/internal/registry"
	"github.com/soitun/effectai-engine/internal/tasks"
)

// StatusSource supplies the fields of the GET / status document that live
// outside this package.
type StatusSource interface {
	PeerID() string
	Version() string
	IsStarted() bool
	StartTime() time.Time
	Cycle() uint64
	RequireAccessCodes() bool
	AnnouncedAddresses() []string
	PaymentPublicKey() string
}

// Server is the admin HTTP server.
type Server struct {
	status         StatusSource
	engine         *tasks.Engine
	registry       *registry.Registry
	db             *sqlite.DB
	health         *health.Checker
	metricsEnabled bool
	adminEnabled   bool
}

// NewServer creates an admin server. Admin routes are mounted by default;
// health and metrics stay available either way.
func NewServer(status StatusSource, engine *tasks.Engine, reg *registry.Registry, db *sqlite.DB) *Server {
	return &Server{status: status, engine: engine, registry: reg, db: db, adminEnabled: true}
}

// SetAdminEnabled toggles the admin routes (status, ingest, listings).
func (s *Server) SetAdminEnabled(enabled bool) { s.adminEnabled = enabled }

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth wires the periodic health checker into /health.
func (s *Server) SetHealth(h *health.Checker) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			status := http.StatusOK
			if !s.health.IsHealthy() {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]any{
				"healthy": s.health.IsHealthy(),
				"checks":  s.health.Statuses(),
			})
			return
		}
		if err := s.db.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.adminEnabled {
		r.Get("/", s.handleStatus)
		r.Post("/task", s.handleCreateTask)
		r.Post("/template/register", s.handleRegisterTemplate)
		r.Get("/tasks/{templateId}", s.handleTasksByTemplate)
		r.Post("/accesscodes", s.handleAddAccessCode)
	}

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"peerId":             s.status.PeerID(),
		"version":            s.status.Version(),
		"isStarted":          s.status.IsStarted(),
		"startTime":          s.status.StartTime(),
		"cycle":              s.status.Cycle(),
		"requireAccessCodes": s.status.RequireAccessCodes(),
		"announcedAddresses": s.status.AnnouncedAddresses(),
		"publicKey":          s.status.PaymentPublicKey(),
		"connectedPeers":     s.registry.ConnectedPeers(),
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t domain.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.engine.CreateTask(t, "admin"); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type registerTemplateRequest struct {
	Template          domain.Template `json:"template"`
	ProviderPeerIDStr string          `json:"providerPeerIdStr"`
}

func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var req registerTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	id, err := s.engine.RegisterTemplate(req.Template, req.ProviderPeerIDStr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleTasksByTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateId")
	summaries := s.engine.TasksByTemplate(templateID)
	if summaries == nil {
		summaries = []tasks.TaskSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

type addAccessCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAddAccessCode(w http.ResponseWriter, r *http.Request) {
	var req addAccessCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusInternalServerError, domain.ErrBadAccessCode)
		return
	}
	if err := s.db.AddAccessCode(req.Code); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the admin error shape: {status, error}.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"status": status,
		"error":  err.Error(),
	})
}
