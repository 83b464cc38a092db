package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

const (
	queryWindow = "window"
	queryLimit  = "limit"

	defaultHistoryWindow = time.Hour
	defaultHistoryLimit  = 100
	maxHistoryLimit      = 1000
)

type handler struct {
	opts   Options
	logger zerolog.Logger
}

type latestResponse struct {
	PolledAt *time.Time                `json:"polled_at,omitempty"`
	Stale    bool                      `json:"stale"`
	Count    int                       `json:"count"`
	Records  []types.MeasurementRecord `json:"records"`
}

type historyResponse struct {
	SourceID string                    `json:"source_id"`
	Window   string                    `json:"window"`
	Records  []types.MeasurementRecord `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type statusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready.Ready(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable", Reason: err.Error()})
			return
		}
	}
	if h.stale() {
		h.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable", Reason: "snapshot is stale"})
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

func (h *handler) stale() bool {
	if h.opts.Snapshots == nil || h.opts.MaxAge <= 0 {
		return false
	}
	polled := h.opts.Snapshots.PolledAt()
	return polled.IsZero() || time.Since(polled) > h.opts.MaxAge
}

func (h *handler) handleLatest(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Snapshots == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no snapshot source configured")
		return
	}
	snap := h.opts.Snapshots.Snapshot()
	ids := snap.SourceIDs()
	sort.Strings(ids)

	resp := latestResponse{
		Stale:   h.stale(),
		Count:   len(ids),
		Records: make([]types.MeasurementRecord, 0, len(ids)),
	}
	if polled := h.opts.Snapshots.PolledAt(); !polled.IsZero() {
		resp.PolledAt = &polled
	}
	for _, id := range ids {
		resp.Records = append(resp.Records, snap[id])
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleLatestBySource(w http.ResponseWriter, r *http.Request) {
	if h.opts.Snapshots == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no snapshot source configured")
		return
	}
	id := chi.URLParam(r, "sourceID")
	rec, ok := h.opts.Snapshots.Snapshot()[id]
	if !ok {
		h.writeError(w, http.StatusNotFound, "no recent data for source")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.opts.History == nil {
		h.writeError(w, http.StatusNotImplemented, "history is not available")
		return
	}
	id := chi.URLParam(r, "sourceID")
	params := r.URL.Query()

	window := defaultHistoryWindow
	if raw := params.Get(queryWindow); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}

	limit := defaultHistoryLimit
	if raw := params.Get(queryLimit); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.opts.History.Recent(r.Context(), id, window, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("source_id", id).Msg("History query failed")
		h.writeError(w, http.StatusBadGateway, "history query failed")
		return
	}
	if records == nil {
		records = []types.MeasurementRecord{}
	}
	h.writeJSON(w, http.StatusOK, historyResponse{SourceID: id, Window: window.String(), Records: records})
}

func (h *handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Stats == nil {
		h.writeError(w, http.StatusNotImplemented, "stats are not available")
		return
	}
	s := h.opts.Stats.Stats()
	h.writeJSON(w, http.StatusOK, struct {
		Stats       runner.Stats `json:"stats"`
		SuccessRate float64      `json:"success_rate"`
	}{Stats: s, SuccessRate: s.SuccessRate()})
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Code: status})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}
