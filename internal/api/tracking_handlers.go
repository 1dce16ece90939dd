package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/autocash/internal/ingest"
	"github.com/onnwee/autocash/internal/money"
	"github.com/onnwee/autocash/internal/privacy"
	"github.com/onnwee/autocash/internal/tracking"
)

// TrackingHandlers serve event ingestion and affiliate redirects. Client IPs
// and user agents are hashed here and never passed further in raw form.
type TrackingHandlers struct {
	ingest *ingest.Service
	hasher *privacy.Hasher
}

// NewTrackingHandlers creates tracking handlers.
func NewTrackingHandlers(svc *ingest.Service, hasher *privacy.Hasher) *TrackingHandlers {
	return &TrackingHandlers{ingest: svc, hasher: hasher}
}

// TrackEventRequest is the body of POST /api/tracking/event.
type TrackEventRequest struct {
	EventType   string   `json:"event_type"`
	ArticleSlug string   `json:"article_slug,omitempty"`
	LinkID      string   `json:"link_id,omitempty"`
	SessionHash string   `json:"session_hash,omitempty"`
	UTMSource   string   `json:"utm_source,omitempty"`
	UTMMedium   string   `json:"utm_medium,omitempty"`
	UTMCampaign string   `json:"utm_campaign,omitempty"`
	Revenue     *float64 `json:"revenue,omitempty"`
}

// TrackEventResponse acknowledges a recorded event.
type TrackEventResponse struct {
	Success   bool      `json:"success"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	TrackedAt time.Time `json:"tracked_at"`
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func utmFrom(source, medium, campaign string) tracking.UTM {
	return tracking.UTM{Source: optional(source), Medium: optional(medium), Campaign: optional(campaign)}
}

// visitor hashes the caller's network identity.
func (h *TrackingHandlers) visitor(r *http.Request) (session, ipHash, uaHash string) {
	ip := privacy.ClientIP(r)
	ua := r.UserAgent()
	return h.hasher.Visitor(ip, ua), h.hasher.IP(ip), h.hasher.UserAgent(ua)
}

// TrackEvent handles POST /api/tracking/event. The session defaults to the
// visitor hash; a caller that already holds a session digest may pass it.
func (h *TrackingHandlers) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var req TrackEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, ipHash, uaHash := h.visitor(r)
	if req.SessionHash != "" {
		session = req.SessionHash
	}
	in := ingest.EventInput{
		Type:        tracking.EventType(req.EventType),
		ArticleSlug: strings.TrimSpace(req.ArticleSlug),
		LinkID:      strings.TrimSpace(req.LinkID),
		SessionHash: session,
		IPHash:      ipHash,
		UAHash:      uaHash,
		UTM:         utmFrom(req.UTMSource, req.UTMMedium, req.UTMCampaign),
	}
	if req.Revenue != nil {
		revenue, err := money.ParseAmount(*req.Revenue)
		if err != nil {
			badRequest(w, r, revenueMessage)
			return
		}
		in.Revenue = &revenue
	}

	event, err := h.ingest.RecordEvent(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, TrackEventResponse{
		Success:   true,
		EventID:   event.ID,
		EventType: string(event.Type),
		TrackedAt: event.CreatedAt,
	})
}

// Redirect handles GET /go/{link_id}. Query parameters: post (article slug),
// utm_source, utm_medium, utm_campaign. Responses are never cached so every
// click reaches the server.
func (h *TrackingHandlers) Redirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session, ipHash, uaHash := h.visitor(r)

	dest, err := h.ingest.RecordClickAndRedirect(r.Context(), ingest.ClickInput{
		LinkID:      r.PathValue("link_id"),
		ArticleSlug: strings.TrimSpace(q.Get("post")),
		SessionHash: session,
		IPHash:      ipHash,
		UAHash:      uaHash,
		UTM:         utmFrom(q.Get("utm_source"), q.Get("utm_medium"), q.Get("utm_campaign")),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, dest, http.StatusFound)
}
