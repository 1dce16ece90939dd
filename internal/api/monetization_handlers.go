package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/attribution"
	"github.com/onnwee/autocash/internal/ingest"
	"github.com/onnwee/autocash/internal/middleware"
	"github.com/onnwee/autocash/internal/money"
)

// Default query windows.
const (
	defaultPeriodDays = 30
)

// MonetizationHandlers serve affiliate link management, conversion reports
// and revenue metrics.
type MonetizationHandlers struct {
	engine *attribution.Engine
	ingest *ingest.Service
}

// NewMonetizationHandlers creates monetization handlers.
func NewMonetizationHandlers(engine *attribution.Engine, svc *ingest.Service) *MonetizationHandlers {
	return &MonetizationHandlers{engine: engine, ingest: svc}
}

// CreateLinkRequest is the body of POST /api/monetization/links.
type CreateLinkRequest struct {
	LinkID           string  `json:"link_id"`
	Name             string  `json:"name"`
	DestinationURL   string  `json:"destination_url"`
	AffiliateProgram string  `json:"affiliate_program"`
	CommissionRate   float64 `json:"commission_rate"`
	CommissionType   string  `json:"commission_type,omitempty"`
	ArticleSlug      string  `json:"article_slug,omitempty"`
}

// UpdateLinkRequest is the body of PATCH /api/monetization/links/{link_id}.
// Omitted fields are left unchanged.
type UpdateLinkRequest struct {
	Name             *string  `json:"name,omitempty"`
	DestinationURL   *string  `json:"destination_url,omitempty"`
	AffiliateProgram *string  `json:"affiliate_program,omitempty"`
	CommissionRate   *float64 `json:"commission_rate,omitempty"`
	CommissionType   *string  `json:"commission_type,omitempty"`
	IsActive         *bool    `json:"is_active,omitempty"`
	ArticleSlug      *string  `json:"article_slug,omitempty"`
}

// CreateLink handles POST /api/monetization/links (admin).
func (h *MonetizationHandlers) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	link, err := h.engine.CreateLink(r.Context(), attribution.LinkInput{
		LinkID:           strings.TrimSpace(req.LinkID),
		Name:             req.Name,
		DestinationURL:   req.DestinationURL,
		AffiliateProgram: req.AffiliateProgram,
		CommissionRate:   req.CommissionRate,
		CommissionType:   affiliate.CommissionType(req.CommissionType),
		ArticleSlug:      strings.TrimSpace(req.ArticleSlug),
	}, middleware.GetActor(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/monetization/links/"+link.LinkID)
	writeJSON(w, r, http.StatusCreated, link)
}

// UpdateLink handles PATCH /api/monetization/links/{link_id} (admin).
func (h *MonetizationHandlers) UpdateLink(w http.ResponseWriter, r *http.Request) {
	var req UpdateLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	update := attribution.LinkUpdate{
		Name:             req.Name,
		DestinationURL:   req.DestinationURL,
		AffiliateProgram: req.AffiliateProgram,
		CommissionRate:   req.CommissionRate,
		IsActive:         req.IsActive,
		ArticleSlug:      req.ArticleSlug,
	}
	if req.CommissionType != nil {
		t := affiliate.CommissionType(*req.CommissionType)
		update.CommissionType = &t
	}

	link, err := h.engine.UpdateLink(r.Context(), r.PathValue("link_id"), update, middleware.GetActor(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, link)
}

// GetLink handles GET /api/monetization/links/{link_id}.
func (h *MonetizationHandlers) GetLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.engine.Link(r.Context(), r.PathValue("link_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, link)
}

// ListLinksResponse wraps a link listing.
type ListLinksResponse struct {
	Links []attribution.LinkStats `json:"links"`
	Total int                     `json:"total"`
}

// ListLinks handles GET /api/monetization/links?active_only=true.
func (h *MonetizationHandlers) ListLinks(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active_only", true)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	links, err := h.engine.ListLinks(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ListLinksResponse{Links: links, Total: len(links)})
}

// ConversionRequest is the body of POST /api/monetization/conversions.
type ConversionRequest struct {
	LinkID      string  `json:"link_id"`
	Revenue     float64 `json:"revenue"`
	ArticleSlug string  `json:"article_slug,omitempty"`
	SessionHash string  `json:"session_hash,omitempty"`
}

// ConversionResponse acknowledges a recorded conversion.
type ConversionResponse struct {
	Success    bool        `json:"success"`
	EventID    string      `json:"event_id"`
	LinkID     string      `json:"link_id"`
	Revenue    money.Cents `json:"revenue"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// ReportConversion handles POST /api/monetization/conversions (admin). It is
// mounted behind the idempotency middleware so a retried webhook with the same
// Idempotency-Key is replayed instead of counted twice.
func (h *MonetizationHandlers) ReportConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	revenue, err := money.ParseAmount(req.Revenue)
	if err != nil {
		badRequest(w, r, revenueMessage)
		return
	}

	event, err := h.ingest.ReportConversion(r.Context(), ingest.ConversionInput{
		LinkID:      strings.TrimSpace(req.LinkID),
		Revenue:     revenue,
		ArticleSlug: strings.TrimSpace(req.ArticleSlug),
		SessionHash: req.SessionHash,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	linkID := strings.TrimSpace(req.LinkID)
	if event.LinkID != nil {
		linkID = *event.LinkID
	}
	writeJSON(w, r, http.StatusCreated, ConversionResponse{
		Success:    true,
		EventID:    event.ID,
		LinkID:     linkID,
		Revenue:    revenue,
		RecordedAt: event.CreatedAt,
	})
}

// RevenueByPeriod handles GET /api/monetization/stats/period?days=30&article_slug=.
func (h *MonetizationHandlers) RevenueByPeriod(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultPeriodDays)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	stats, err := h.engine.RevenueByPeriod(r.Context(), days, strings.TrimSpace(r.URL.Query().Get("article_slug")))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// TopLinksResponse wraps a ranked link list.
type TopLinksResponse struct {
	OrderBy string                  `json:"order_by"`
	Links   []attribution.LinkStats `json:"links"`
}

// TopLinks handles GET /api/monetization/stats/top?limit=10&order_by=revenue.
func (h *MonetizationHandlers) TopLinks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", attribution.DefaultTopLimit)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	order := affiliate.Order(r.URL.Query().Get("order_by"))
	if order == "" {
		order = affiliate.OrderRevenue
	}
	links, err := h.engine.TopLinks(r.Context(), limit, order)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, TopLinksResponse{OrderBy: string(order), Links: links})
}

// SourcesResponse wraps revenue grouped by source.
type SourcesResponse struct {
	PeriodDays int                       `json:"period_days"`
	Sources    []attribution.SourceStats `json:"sources"`
}

// RevenueBySource handles GET /api/monetization/stats/sources?days=30.
func (h *MonetizationHandlers) RevenueBySource(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultPeriodDays)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	sources, err := h.engine.RevenueBySource(r.Context(), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, SourcesResponse{PeriodDays: days, Sources: sources})
}

// ArticleStats handles GET /api/monetization/stats/articles/{slug}.
func (h *MonetizationHandlers) ArticleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.ArticleStats(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// Summary handles GET /api/monetization/stats/summary.
func (h *MonetizationHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// EPCResponse is the result of the EPC calculator.
type EPCResponse struct {
	Revenue float64 `json:"revenue"`
	Clicks  int64   `json:"clicks"`
	EPC     float64 `json:"epc"`
}

// EPC handles GET /api/monetization/epc?revenue=250&clicks=100.
func (h *MonetizationHandlers) EPC(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawRevenue, err := strconv.ParseFloat(q.Get("revenue"), 64)
	if err != nil {
		badRequest(w, r, "revenue must be a number")
		return
	}
	revenue, err := money.ParseAmount(rawRevenue)
	if err != nil {
		badRequest(w, r, revenueMessage)
		return
	}
	clicks, err := strconv.ParseInt(q.Get("clicks"), 10, 64)
	if err != nil || clicks < 0 {
		badRequest(w, r, "clicks must be a non-negative integer")
		return
	}
	writeJSON(w, r, http.StatusOK, EPCResponse{
		Revenue: revenue.Float(),
		Clicks:  clicks,
		EPC:     attribution.EPC(revenue, clicks),
	})
}
