// Package api provides the HTTP API for querying simulation state.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/infra-world/internal/engine"
	"github.com/talgya/infra-world/internal/flow"
	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/lifecycle"
	"github.com/talgya/infra-world/internal/persistence"
	"github.com/talgya/infra-world/internal/social"
)

// Server serves the simulation over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Runner   *engine.Runner // optional; manual ticks are refused while it runs
	DB       *persistence.DB
	RunID    string
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	srv *http.Server
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	adminLimiter := NewRateLimiter(120, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/societies", s.handleSocieties)
	mux.HandleFunc("/api/v1/sectors/", s.handleSector)
	mux.HandleFunc("/api/v1/scores", s.handleScores)
	mux.HandleFunc("/api/v1/notices", s.handleNotices)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/tick", s.adminOnly(RateLimitMiddleware(adminLimiter, s.handleTick)))
	mux.HandleFunc("/api/v1/mode", s.adminOnly(RateLimitMiddleware(adminLimiter, s.handleMode)))
	mux.HandleFunc("/api/v1/recorded", s.adminOnly(RateLimitMiddleware(adminLimiter, s.handleRecorded)))
	mux.HandleFunc("/api/v1/lifecycle", s.adminOnly(RateLimitMiddleware(adminLimiter, s.handleLifecycle)))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Close stops the listener started by Start.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through (for endpoints that support both GET and POST).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no INFRASIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Sim.Snapshot()
	behaviour := make(map[string]string)
	for _, sector := range infra.AllSectors() {
		behaviour[sector.String()] = s.Sim.Behaviour(sector).String()
	}

	status := map[string]any{
		"initialized":  s.Sim.IsInitialized(),
		"completed":    s.Sim.IsCompleted(),
		"clock":        s.Sim.Clock(),
		"year":         snap.Year,
		"mode":         s.Sim.Mode(),
		"behaviour":    behaviour,
		"running":      s.Runner != nil && s.Runner.Running(),
		"notices":      len(s.Sim.Notices()),
		"last_notices": len(snap.Notices),
	}
	if s.RunID != "" {
		status["run_id"] = s.RunID
	}
	writeJSON(w, status)
}

type societySummary struct {
	Name          string             `json:"name"`
	Kind          social.Kind        `json:"kind"`
	Parent        string             `json:"parent,omitempty"`
	Children      []string           `json:"children,omitempty"`
	Population    float64            `json:"population"`
	InvestmentCap float64            `json:"investment_cap,omitempty"`
	UnitPrices    map[string]float64 `json:"unit_prices"`
}

func (s *Server) handleSocieties(w http.ResponseWriter, r *http.Request) {
	var out []societySummary
	s.Sim.Read(func(g *social.Graph, c engine.Clock) {
		year := c.Current
		if !c.Started() {
			year = c.Start
		}
		for _, soc := range g.Societies() {
			pop, _ := g.Population(soc.Name, year, c.Start)
			sum := societySummary{
				Name:          soc.Name,
				Kind:          soc.Kind,
				Parent:        soc.Parent(),
				Population:    pop,
				InvestmentCap: soc.InvestmentCap,
				UnitPrices:    make(map[string]float64),
			}
			for _, child := range soc.Children() {
				sum.Children = append(sum.Children, child.Name)
			}
			for _, sector := range infra.AllSectors() {
				sum.UnitPrices[sector.String()] = g.UnitPrice(soc.Name, sector)
			}
			out = append(out, sum)
		}
	})
	writeJSON(w, out)
}

type elementSummary struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	Origin      string           `json:"origin"`
	Destination string           `json:"destination"`
	State       string           `json:"state"`
	Capacity    float64          `json:"capacity"`
	Allocation  infra.Allocation `json:"allocation"`
	Lifecycle   string           `json:"lifecycle"`
}

// handleSector serves GET /api/v1/sectors/{sector}.
func (s *Server) handleSector(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sectors/"), "/")
	sector, err := infra.ParseSector(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	snap := s.Sim.Snapshot()
	var states []engine.SectorState
	for _, st := range snap.Sectors {
		if st.Sector == sector {
			states = append(states, st)
		}
	}

	var elements []elementSummary
	s.Sim.Read(func(g *social.Graph, c engine.Clock) {
		year := c.Next()
		for _, sys := range g.Systems(sector) {
			for _, e := range sys.Elements() {
				capacity := e.EffectiveMaxProduction(year)
				if e.Kind() == infra.KindDistribution {
					capacity = e.EffectiveMaxThroughput(year)
				}
				elements = append(elements, elementSummary{
					ID:          e.ID,
					Kind:        e.Kind().String(),
					Origin:      e.Origin,
					Destination: e.Destination,
					State:       e.Lifecycle.State(year).String(),
					Capacity:    capacity,
					Allocation:  e.Allocated(),
					Lifecycle:   e.Lifecycle.Variant().String(),
				})
			}
		}
	})

	writeJSON(w, map[string]any{
		"sector":    sector,
		"year":      snap.Year,
		"behaviour": s.Sim.Behaviour(sector).String(),
		"states":    states,
		"elements":  elements,
	})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	snap := s.Sim.Snapshot()
	if name := r.URL.Query().Get("society"); name != "" {
		for _, sc := range snap.Scores {
			if sc.Society == name {
				writeJSON(w, sc)
				return
			}
		}
		http.Error(w, "society not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"year": snap.Year, "scores": snap.Scores})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	kind := engine.NoticeKind(r.URL.Query().Get("kind"))

	all := s.Sim.Notices()
	out := make([]engine.Notice, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if kind != "" && all[i].Kind != kind {
			continue
		}
		out = append(out, all[i])
	}
	writeJSON(w, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	runs, err := s.DB.Runs()
	if err != nil {
		slog.Error("list runs failed", "error", err)
		http.Error(w, "list runs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Runner != nil && s.Runner.Running() {
		http.Error(w, "runner is active", http.StatusConflict)
		return
	}

	snap, err := s.Sim.Tick(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotInitialized), errors.Is(err, engine.ErrCompleted),
		errors.Is(err, engine.ErrTickInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, flow.ErrOptimizationTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		slog.Error("tick failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("tick via API", "year", snap.Year)
	writeJSON(w, snap)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		m, err := flow.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.Sim.SetMode(m)
		writeJSON(w, map[string]any{"mode": s.Sim.Mode(), "pending": m, "from_year": s.Sim.Clock().Next()})
		return
	}
	writeJSON(w, map[string]any{"mode": s.Sim.Mode()})
}

type recordedRequest struct {
	Sector infra.Sector                   `json:"sector"`
	Clear  bool                           `json:"clear,omitempty"`
	States map[string]infra.RecordedState `json:"states,omitempty"`

	// Replay a persisted run's year instead of inline states.
	RunID string `json:"run_id,omitempty"`
	Year  int    `json:"year,omitempty"`
}

func (s *Server) handleRecorded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req recordedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.Clear {
		s.Sim.ClearRecorded(req.Sector)
		slog.Info("recorded substitution cleared", "sector", req.Sector)
		writeJSON(w, map[string]any{"sector": req.Sector, "behaviour": s.Sim.Behaviour(req.Sector).String()})
		return
	}

	states := req.States
	if req.RunID != "" {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		history, err := s.DB.LoadRecorded(req.RunID, req.Sector)
		if errors.Is(err, persistence.ErrUnknownRun) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("load recorded failed", "run", req.RunID, "error", err)
			http.Error(w, "load recorded failed", http.StatusInternalServerError)
			return
		}
		year := req.Year
		if year == 0 {
			year = s.Sim.Clock().Next()
		}
		states = history[year]
	}
	if len(states) == 0 {
		http.Error(w, "no recorded states", http.StatusBadRequest)
		return
	}

	if err := s.Sim.SetRecorded(req.Sector, states); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("recorded substitution set", "sector", req.Sector, "societies", len(states))
	writeJSON(w, map[string]any{
		"sector":    req.Sector,
		"behaviour": s.Sim.Behaviour(req.Sector).String(),
		"societies": len(states),
	})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Element           string `json:"element"`
		CommissionStart   *int   `json:"commission_start,omitempty"`
		OperationDuration *int   `json:"operation_duration,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case req.CommissionStart != nil:
		err = s.Sim.SetCommissionStart(req.Element, *req.CommissionStart)
	case req.OperationDuration != nil:
		err = s.Sim.SetOperationDuration(req.Element, *req.OperationDuration)
	default:
		http.Error(w, "nothing to change", http.StatusBadRequest)
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownElement):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, lifecycle.ErrInvalidLifecycleTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"element": req.Element, "message": "lifecycle updated"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
