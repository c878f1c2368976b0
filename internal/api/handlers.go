package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aminovpavel/meshgate/internal/chat"
	"github.com/aminovpavel/meshgate/internal/gateway"
	"github.com/aminovpavel/meshgate/internal/mesh"
)

const (
	maxHistoryPoints = 1000
	maxMessages      = 5000
	// Keeps since*1e6 inside the exactly representable int64 range.
	maxEpochSeconds = 1 << 52 / 1e6
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	NodeCount int       `json:"node_count"`
	Time      time.Time `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.svc.Devices()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Connected: snap.Connected,
		NodeCount: len(snap.Devices),
		Time:      snap.ServerTime,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Devices())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	dev, ok := s.svc.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := clampedInt(r.URL.Query().Get("n"), 1, maxHistoryPoints)
	writeJSON(w, http.StatusOK, s.svc.History(limit))
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	convs := s.svc.Conversations()
	if convs == nil {
		convs = []chat.Summary{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleMessages serves GET /api/messages.
//
//	conv               conversation id, default ^all
//	since              exclusive cursor, see parseEpoch
//	n                  most recent n messages, clamped to 1..5000; missing or
//	                   not an integer means no limit (the whole conversation
//	                   ring plus any broadcast overlay)
//	include_broadcast  1 or true overlays the pair members' broadcasts
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conv := strings.TrimSpace(q.Get("conv"))
	if conv == "" {
		conv = mesh.Broadcast
	}
	limit, _ := clampedInt(q.Get("n"), 1, maxMessages)
	overlay := isTruthy(q.Get("include_broadcast"))

	msgs := s.svc.Messages(conv, parseEpoch(q.Get("since")), limit, overlay)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Settings())
}

func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.MergeSettings(r.Context(), partial))
}

type sendRequest struct {
	To      string `json:"to"`
	Conv    string `json:"conv"`
	Text    string `json:"text"`
	Channel *int   `json:"channelIndex"`
	WantAck *bool  `json:"wantAck"`
}

type sendResponse struct {
	OK      bool         `json:"ok"`
	Conv    string       `json:"conv"`
	Message chat.Message `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := s.svc.Send(r.Context(), gateway.SendRequest{
		To:      req.To,
		Conv:    req.Conv,
		Text:    req.Text,
		Channel: req.Channel,
		WantAck: req.WantAck,
	})
	if err != nil {
		status := sendStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Warn("send failed", slog.Any("error", err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{OK: true, Conv: res.Conv, Message: res.Message})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrEmptyText),
		errors.Is(err, gateway.ErrNoDestination),
		errors.Is(err, gateway.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clampedInt parses raw and clamps it to [lo, hi]. A missing or malformed
// value yields 0 and false, meaning no limit.
func clampedInt(raw string, lo, hi int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v, true
}

// parseEpoch reads the since cursor: fractional unix seconds, rounded to the
// microsecond message times are stored at, or an RFC 3339 timestamp. Anything
// unparsable means no bound.
func parseEpoch(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		t, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			return nil
		}
		return &t
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > maxEpochSeconds {
		return nil
	}
	t := time.UnixMicro(int64(math.Round(v * 1e6)))
	return &t
}

func isTruthy(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "1", "true", "True":
		return true
	default:
		return false
	}
}
