package pricing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/pkg/response"
)

type Handler struct {
	calc *Calculator
}

func NewHandler(calc *Calculator) *Handler {
	return &Handler{calc: calc}
}

type QuoteResponse struct {
	Quote
	Savings decimal.Decimal `json:"savings"`
}

// Quote handles GET /pricing/quote?credits=N
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	credits, err := decimal.NewFromString(r.URL.Query().Get("credits"))
	if err != nil {
		response.BadRequest(w, "credits must be a number")
		return
	}

	quote, err := h.calc.PriceFor(credits)
	if err != nil {
		response.InvalidAmount(w, "credits must not be negative")
		return
	}
	savings, _ := h.calc.Savings(credits)

	response.OK(w, QuoteResponse{Quote: quote, Savings: savings})
}

// ListTiers handles GET /pricing/tiers
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.calc.Tiers())
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/quote", h.Quote)
	r.Get("/tiers", h.ListTiers)
	return r
}
