package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/pipeline/internal/logger"
	"github.com/liamcoop/pipeline/multitenant"
	"github.com/liamcoop/pipeline/progression"
)

type Server struct {
	db      *sql.DB
	manager *multitenant.Manager
	router  *chi.Mux
}

func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewServerWithDB(db)
}

func NewServerWithDB(db *sql.DB) (*Server, error) {
	metrics := progression.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	manager := multitenant.NewManager(db, metrics)
	if err := manager.LoadAllTenants(); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	s := &Server{
		db:      db,
		manager: manager,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Get("/pipeline", s.handleGetPipeline)
			r.Put("/pipeline", s.handleUpdatePipeline)

			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDisableRule)

			r.Post("/engine/start", s.handleEngineStart)
			r.Post("/engine/stop", s.handleEngineStop)
			r.Post("/engine/process", s.handleEngineProcess)
			r.Get("/engine/stats", s.handleEngineStats)

			r.Get("/leads/{leadId}/transitions", s.handleListTransitions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tenantsLoaded": len(s.manager.ListTenants()),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query("SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	tenants := []TenantResponse{}
	for rows.Next() {
		var t TenantResponse
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		tenants = append(tenants, t)
	}

	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	pipeline := req.Pipeline
	if pipeline == nil {
		pipeline = progression.DefaultPipeline()
	}
	if err := multitenant.ValidatePipeline(pipeline); err != nil {
		respondError(w, http.StatusBadRequest, "invalid pipeline", err)
		return
	}

	definitionJSON, err := json.Marshal(pipeline)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to marshal pipeline", err)
		return
	}

	var tenantID string
	err = s.db.QueryRow(`
		INSERT INTO tenants (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id
	`, req.Name).Scan(&tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if _, err := s.db.Exec(`
		INSERT INTO pipelines (tenant_id, version, definition, active, created_at)
		VALUES ($1, 1, $2, true, NOW())
	`, tenantID, definitionJSON); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create pipeline", err)
		return
	}

	if err := s.manager.CreateTenant(tenantID, pipeline); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to initialize engine", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":       tenantID,
		"name":     req.Name,
		"pipeline": pipeline,
	})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var version int
	var definitionJSON []byte
	err := s.db.QueryRow(`
		SELECT version, definition
		FROM pipelines
		WHERE tenant_id = $1 AND active = true
	`, tenantID).Scan(&version, &definitionJSON)
	if err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "pipeline not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get pipeline", err)
		return
	}

	var pipeline progression.Pipeline
	if err := json.Unmarshal(definitionJSON, &pipeline); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to parse pipeline", err)
		return
	}

	respondJSON(w, http.StatusOK, PipelineResponse{
		Version:    version,
		Definition: &pipeline,
	})
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req UpdatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.manager.UpdateTenantPipeline(tenantID, req.Definition); err != nil {
		respondDomainError(w, "failed to update pipeline", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "active",
		"definition": req.Definition,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &progression.Rule{
		Name:      req.Name,
		Enabled:   req.Enabled,
		Priority:  req.Priority,
		FromStage: req.FromStage,
		ToStage:   req.ToStage,
		Condition: req.Condition,
	}

	id, err := engine.CreateRule(rule)
	if err != nil {
		respondDomainError(w, "failed to create rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, ruleResponse(rule, id))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	rules, err := engine.ListRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	rule, err := engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondDomainError(w, "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &progression.Rule{
		ID:        chi.URLParam(r, "ruleId"),
		Name:      req.Name,
		Enabled:   req.Enabled,
		Priority:  req.Priority,
		FromStage: req.FromStage,
		ToStage:   req.ToStage,
		Condition: req.Condition,
	}

	if err := engine.UpdateRule(rule); err != nil {
		respondDomainError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	if err := engine.DisableRule(chi.URLParam(r, "ruleId")); err != nil {
		respondDomainError(w, "failed to disable rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req StartEngineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := engine.Start(req.IntervalMinutes); err != nil {
		respondDomainError(w, "failed to start engine", err)
		return
	}

	respondJSON(w, http.StatusOK, engine.Stats())
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	engine.Stop()
	respondJSON(w, http.StatusOK, engine.Stats())
}

func (s *Server) handleEngineProcess(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	result, err := engine.ProcessAllLeads(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sweep failed", err)
		return
	}

	// A trigger that lost to an in-flight sweep is a deliberate no-op, not
	// a failure.
	if result.Skipped {
		respondJSON(w, http.StatusConflict, result)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEngineStats(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, engine.Stats())
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	records, err := engine.Transitions(r.Context(), chi.URLParam(r, "leadId"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list transitions", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transitions": records})
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*progression.Engine, bool) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return nil, false
	}
	return engine, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondDomainError maps the progression error taxonomy to HTTP status
// codes.
func respondDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case progression.IsNotFound(err):
		respondError(w, http.StatusNotFound, message, err)
	case progression.IsValidation(err), errors.Is(err, progression.ErrInvalidInterval):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// autoStart launches every tenant engine when AUTO_START=true, using
// SWEEP_INTERVAL_MINUTES (default 15).
func autoStart(manager *multitenant.Manager) {
	if os.Getenv("AUTO_START") != "true" {
		return
	}

	interval := 15
	if v := os.Getenv("SWEEP_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = n
		}
	}

	for _, tenantID := range manager.ListTenants() {
		engine, err := manager.GetEngine(tenantID)
		if err != nil {
			continue
		}
		if err := engine.Start(interval); err != nil {
			logger.Error("failed to auto-start engine", "tenant", tenantID, "error", err)
		}
	}
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

	autoStart(server.manager)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.manager.StopAll()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
