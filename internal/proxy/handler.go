package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"offlinegate/internal/config"
	"offlinegate/internal/exchange"
	"offlinegate/internal/worker"
)

// ResultHeader tells the browser how a response was produced
const ResultHeader = "X-Offline-Cache"

// Fetcher answers intercepted requests
type Fetcher interface {
	Fetch(ctx context.Context, req *exchange.Request) (*exchange.Response, worker.Result, error)
}

// Handler hands browser requests to the worker and writes its answers back
type Handler struct {
	worker        Fetcher
	maxBodySize   int64
	offlineStatus int
	offlineBody   []byte
	logger        zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(w Fetcher, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		worker:        w,
		maxBodySize:   cfg.Origin.MaxBodySize,
		offlineStatus: cfg.Offline.Status,
		offlineBody:   []byte(cfg.Offline.Body),
		logger:        logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := exchange.FromHTTP(r, h.maxBodySize)
	if err != nil {
		if errors.Is(err, exchange.ErrBodyTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ctx := r.Context()
	resp, result, err := h.worker.Fetch(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrOffline):
			h.logger.Info().Str("url", req.URL).Msg("offline and not cached")
			h.writeOffline(w)
		case ctx.Err() != nil:
			h.logger.Debug().Str("url", req.URL).Msg("client went away")
		default:
			h.logger.Warn().Err(err).
				Str("method", req.Method).
				Str("url", req.URL).
				Str("result", string(result)).
				Msg("origin request failed")
			h.writeError(w, http.StatusBadGateway, "origin unavailable")
		}
		return
	}

	h.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", resp.Status).
		Str("result", string(result)).
		Msg("served")

	w.Header().Set(ResultHeader, string(result))
	if err := resp.Write(w); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// writeOffline writes the page shown when neither cache nor origin can answer
func (h *Handler) writeOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(h.offlineBody)))
	w.Header().Set(ResultHeader, string(worker.ResultOffline))
	w.WriteHeader(h.offlineStatus)
	w.Write(h.offlineBody)
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
