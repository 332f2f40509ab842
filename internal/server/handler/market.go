package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// MarketService defines the methods the market handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type MarketService interface {
	GetMarket(ctx context.Context, id string) (domain.MarketRecord, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error)
	MarketCount(ctx context.Context) (int64, error)
	PriceHistory(ctx context.Context, id string) ([]domain.PriceSample, error)
	OptionPriceHistory(ctx context.Context, id string, option int) ([]domain.PriceSample, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.MarketRecord `json:"markets"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// ListMarkets returns a page of mirrored markets.
// GET /api/markets?sortBy=createdAt&order=desc&limit=50&offset=0&status=active
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if err := opts.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidListOpts) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.MarketCount(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// pricesResponse wraps a price series.
type pricesResponse struct {
	MarketID string               `json:"marketId"`
	Prices   []domain.PriceSample `json:"prices"`
}

// GetPrices returns the market's probability history, newest first. An
// optional option query parameter restricts the series to one option.
// GET /api/markets/{id}/prices?option=0
func (h *MarketHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var samples []domain.PriceSample
	var err error
	if v := r.URL.Query().Get("option"); v != "" {
		option, convErr := strconv.Atoi(v)
		if convErr != nil || option < 0 {
			writeError(w, http.StatusBadRequest, "invalid option index")
			return
		}
		samples, err = h.markets.OptionPriceHistory(r.Context(), id, option)
	} else {
		samples, err = h.markets.PriceHistory(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get prices failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get prices")
		return
	}

	writeJSON(w, http.StatusOK, pricesResponse{MarketID: id, Prices: samples})
}
