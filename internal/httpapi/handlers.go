package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/orchestrator"
)

// ohlcvResponse is the chart-ready split of a bar series.
type ohlcvResponse struct {
	OHLC   [][5]float64 `json:"ohlc"`
	Volume [][2]float64 `json:"volume"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market, provider := q.Get("market"), q.Get("provider")
	svc, err := s.registry.Lookup(market, provider)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := orchestrator.Request{
		Asset:     domain.Asset{Market: market, Provider: provider, Symbol: q.Get("symbol")},
		Timeframe: q.Get("timeframe"),
	}
	req.Since, err = parseMsParam(q.Get("since"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	req.Until, err = parseMsParam(q.Get("until"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil {
			s.writeError(w, domain.ErrValidation)
			return
		}
		req.Limit = limit
	}

	bars, err := svc.Orchestrator.Fetch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ohlcvResponse{OHLC: make([][5]float64, 0, len(bars)), Volume: make([][2]float64, 0, len(bars))}
	for _, b := range bars {
		ts := float64(b.Timestamp)
		resp.OHLC = append(resp.OHLC, [5]float64{ts, b.Open, b.High, b.Low, b.Close})
		resp.Volume = append(resp.Volume, [2]float64{ts, b.Volume})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market := q.Get("market")
	svc, err := s.registry.Lookup(market, q.Get("provider"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	symbols, err := svc.Plugin.GetSymbols(r.Context(), market)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	s.writeJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.registry.Providers(r.URL.Query().Get("market"))
	if providers == nil {
		providers = []string{}
	}
	s.writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type componentHealth struct {
		Database bool `json:"database"`
		Cache    bool `json:"cache"`
	}
	health := componentHealth{Database: true, Cache: true}
	if s.store != nil {
		health.Database = s.store.Healthy(r.Context())
	}
	if s.cache != nil {
		health.Cache = s.cache.Healthy(r.Context())
	}

	status := http.StatusOK
	overall := "ok"
	if !health.Database {
		// The cache degrading to misses is survivable; the database is not.
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": health,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrFeatureNotSupported):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrTransient):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func parseMsParam(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, domain.ErrValidation
	}
	return &ms, nil
}
