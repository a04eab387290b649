package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"coinflow-trader/internal/config"
	"coinflow-trader/internal/portfolio"
	"coinflow-trader/internal/risk"
)

// StatusProvider is the read-only slice of the engine the API surface is
// allowed to see. The engine satisfies this directly.
type StatusProvider interface {
	Portfolio() *portfolio.Core
	RiskGate() *risk.Gate
}

// Handlers holds the dependencies for every read-only endpoint.
type Handlers struct {
	provider StatusProvider
	cfg      config.Config
	logger   *slog.Logger
}

// NewHandlers builds the handler set for the status surface.
func NewHandlers(provider StatusProvider, cfg config.Config, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleLive answers whether the process is running at all — never
// depends on downstream state, so an orchestrator never restarts a
// process that's merely waiting on a slow venue.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleReady answers whether the engine is ready to trade: not ready
// while the kill switch is active.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.provider.RiskGate().IsKillSwitchActive() {
		w.WriteHeader(http.StatusServiceUnavailable)
		h.writeJSON(w, map[string]string{"status": "kill_switch_active"})
		return
	}
	h.writeJSON(w, map[string]string{"status": "ready"})
}

// HandleStatus reports current portfolio state: equity, positions, and
// performance summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	summary := h.provider.Portfolio().Summary()
	h.writeJSON(w, summary)
}

// HandlePnL reports realized PnL bucketed by calendar day. The window
// defaults to 7 days and is overridable via ?days=.
func (h *Handlers) HandlePnL(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			days = n
		}
	}
	h.writeJSON(w, h.provider.Portfolio().DailyPnL(days))
}

// HandleConfig reports the active configuration with every credential
// field redacted, so an operator can confirm what's loaded without the
// response ever carrying a secret.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, redact(h.cfg))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// redact returns a copy of cfg with every exchange credential blanked.
func redact(cfg config.Config) config.Config {
	redacted := cfg
	redacted.Exchanges = make(map[string]config.ExchangeConfig, len(cfg.Exchanges))
	for venue, ec := range cfg.Exchanges {
		ec.ApiKey = ""
		ec.Secret = ""
		ec.Passphrase = ""
		redacted.Exchanges[venue] = ec
	}
	return redacted
}
