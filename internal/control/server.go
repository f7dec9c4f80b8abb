// Package control is the HTTP control surface: runtime status, turn
// cancellation, policy reload, health probes, and the Prometheus metrics
// endpoint. It binds to a loopback address by default and carries no
// authentication; exposing it further is a deployment decision.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas-voice/atlas/internal/observe"
	"github.com/atlas-voice/atlas/internal/resilience"
	"github.com/atlas-voice/atlas/internal/turn"
	"github.com/atlas-voice/atlas/pkg/types"
)

// probeTimeout bounds one readiness probe.
const probeTimeout = 2 * time.Second

// shutdownTimeout bounds graceful drain on exit.
const shutdownTimeout = 5 * time.Second

// recentUsageCount is how many usage records /status includes.
const recentUsageCount = 10

// Turns is the controller-facing slice of the surface.
type Turns interface {
	Status() turn.Status
	CancelActive(reason string) bool
}

// Budget exposes ledger spend state and recent usage.
type Budget interface {
	BudgetState() types.BudgetState
	Recent(ctx context.Context, n int) ([]types.UsageRecord, error)
}

// Check is one named readiness probe. Probe returns nil when the dependency
// can serve.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Params wires the surface's collaborators. Reload may be nil when policy
// reload is disabled.
type Params struct {
	Addr    string
	Turns   Turns
	Budget  Budget
	Tiers   *resilience.TierHealth
	Reload  func(ctx context.Context) error
	Checks  []Check
	Metrics *observe.Metrics
}

// Server is the control surface HTTP server.
type Server struct {
	addr    string
	turns   Turns
	budget  Budget
	tiers   *resilience.TierHealth
	reload  func(ctx context.Context) error
	checks  []Check
	handler http.Handler
}

// New builds the Server and its routes.
func New(p Params) *Server {
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		addr:   p.Addr,
		turns:  p.Turns,
		budget: p.Budget,
		tiers:  p.Tiers,
		reload: p.Reload,
		checks: p.Checks,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /reload-policy", s.handleReload)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handler = observe.Middleware(p.Metrics)(mux)
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains in-flight requests. The
// listen error surfaces synchronously so a bad address fails startup.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("control surface listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ─── handlers ────────────────────────────────────────────────────────────────

type budgetStatus struct {
	Mode            string  `json:"mode"`
	MonthlySpendUSD float64 `json:"monthly_spend_usd"`
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	Degraded        bool    `json:"degraded,omitempty"`
}

type usageEntry struct {
	UtteranceID  uint64  `json:"utterance_id"`
	Tier         string  `json:"tier"`
	Category     string  `json:"category"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TTFTMillis   int64   `json:"ttft_ms"`
	TotalMillis  int64   `json:"total_ms"`
}

type statusResponse struct {
	Turn        turn.Status       `json:"turn"`
	Budget      budgetStatus      `json:"budget"`
	Tiers       map[string]string `json:"tiers,omitempty"`
	RecentUsage []usageEntry      `json:"recent_usage,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.budget.BudgetState()
	resp := statusResponse{
		Turn: s.turns.Status(),
		Budget: budgetStatus{
			Mode:            state.Mode.String(),
			MonthlySpendUSD: state.MonthlySpendUSD,
			DailySpendUSD:   state.DailySpendUSD,
			Degraded:        state.Degraded,
		},
	}
	if s.tiers != nil {
		resp.Tiers = s.tiers.Snapshot()
	}

	recs, err := s.budget.Recent(r.Context(), recentUsageCount)
	if err != nil {
		slog.Warn("recent usage unavailable", "err", err)
	}
	for _, rec := range recs {
		resp.RecentUsage = append(resp.RecentUsage, usageEntry{
			UtteranceID:  rec.UtteranceID,
			Tier:         rec.Tier.String(),
			Category:     rec.Category.String(),
			CostUSD:      rec.CostUSD,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			TTFTMillis:   rec.LatencyTTFT.Milliseconds(),
			TotalMillis:  rec.LatencyTotal.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	// Body is optional; a malformed one is still a client error.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.Reason == "" {
		req.Reason = turn.ReasonUser
	}
	cancelled := s.turns.CancelActive(req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.reload == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "policy reload disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.reload(ctx); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes,omitempty"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ok", Probes: make(map[string]string, len(s.checks))}
	code := http.StatusOK

	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()
		if err != nil {
			resp.Probes[c.Name] = "fail: " + err.Error()
			resp.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Probes[c.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}
