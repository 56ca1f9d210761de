package tracking

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brightsend/campaign-engine/internal/pkg/logger"
	"github.com/brightsend/campaign-engine/internal/session"
	"github.com/brightsend/campaign-engine/internal/store"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Handler struct {
	store    *store.Store
	recorder *Recorder
	sessions *session.Store
}

func NewHandler(st *store.Store, recorder *Recorder, sessions *session.Store) *Handler {
	return &Handler{store: st, recorder: recorder, sessions: sessions}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pixel/{messageID}", h.HandlePixel)
	r.Get("/click/{messageID}", h.HandleClick)
	r.Post("/conversion/{messageID}", h.HandleConversion)
	r.Post("/form-event/{messageID}", h.HandleFormEvent)

	r.Group(func(r chi.Router) {
		r.Use(h.sessions.RequireUser)
		r.Get("/history", h.HandleHistory)
		r.Get("/stats", h.HandleStats)
	})
	return r
}

// HandlePixel records an open and serves the pixel. The pixel is served no
// matter what: a broken message id must still render as a blank image in
// the recipient's client.
func (h *Handler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if messageID != "" {
		h.recorder.RecordOpen(messageID)
	}
	h.servePixel(w)
}

// HandleClick records the click, stashes the message id on the visitor's
// session, and bounces to the destination with an email_track marker so the
// landing page can correlate an eventual signup.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	click := &store.ClickEvent{
		URL:       target,
		UTMParams: utmParams(r.URL.Query()),
		UserAgent: r.UserAgent(),
		IP:        realIP(r),
	}
	h.recorder.RecordClick(messageID, click)

	if sessionID, err := h.sessions.EnsureSessionID(w, r); err == nil {
		if err := h.sessions.SetEmailTrack(r.Context(), sessionID, messageID); err != nil {
			logger.Warn("session stash failed", "message_id", messageID, "error", err.Error())
		}
	}

	http.Redirect(w, r, appendEmailTrack(target, messageID), http.StatusFound)
}

// appendEmailTrack adds the email_track marker to the destination URL. An
// unparseable destination is returned untouched; a dead redirect is worse
// than a lost attribution.
func appendEmailTrack(target, messageID string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := parsed.Query()
	q.Set("email_track", messageID)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func utmParams(query url.Values) store.JSONMap {
	params := store.JSONMap{}
	for key, vals := range query {
		if strings.HasPrefix(key, "utm_") && len(vals) > 0 {
			params[key] = vals[0]
		}
	}
	return params
}

type conversionRequest struct {
	UserID             string `json:"userId"`
	ConfirmedSignupURL string `json:"confirmedSignupUrl"`
}

// HandleConversion marks the most recent click of the message as converted.
func (h *Handler) HandleConversion(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req conversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	click, err := h.store.ConvertLastClick(r.Context(), messageID, req.UserID, req.ConfirmedSignupURL)
	if errors.Is(err, store.ErrNoClickToConvert) {
		writeError(w, http.StatusNotFound, "No click found to convert")
		return
	}
	if err != nil {
		logger.Error("conversion failed", "message_id", messageID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "conversion failed")
		return
	}

	logger.Info("conversion recorded", "message_id", messageID, "user_id", req.UserID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"click":       click,
		"messageId":   messageID,
		"convertedAt": click.ConversionAt,
	})
}

type formEventRequest struct {
	EventType string `json:"eventType"`
	FormStep  string `json:"formStep"`
	Success   bool   `json:"success"`
}

// HandleFormEvent attaches a form interaction to the message's latest click.
func (h *Handler) HandleFormEvent(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req formEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "eventType is required")
		return
	}

	ev := &store.FormEvent{
		EventType: req.EventType,
		FormStep:  req.FormStep,
		Success:   req.Success,
	}
	err := h.store.AppendFormEvent(r.Context(), messageID, ev)
	if errors.Is(err, store.ErrNoClickToConvert) {
		writeError(w, http.StatusNotFound, "No click found to convert")
		return
	}
	if err != nil {
		logger.Error("form event failed", "message_id", messageID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "form event failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "event": ev})
}

// HandleHistory returns one page of the user's sent messages.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	messages, total, err := h.store.ListMessages(r.Context(), userID, limit, (page-1)*limit)
	if err != nil {
		logger.Error("history query failed", "user_id", userID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if messages == nil {
		messages = []*store.TrackedMessage{}
	}

	pages := (total + limit - 1) / limit
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"emails": messages,
		"pagination": map[string]int{
			"total": total,
			"page":  page,
			"pages": pages,
		},
	})
}

// HandleStats returns the user's aggregate engagement report.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := h.store.UserStats(r.Context(), userID)
	if err != nil {
		logger.Error("stats query failed", "user_id", userID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
