package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/evchat/internal/llm"
)

// HistoryResponse is the body of GET /v1/history/{user_id}.
type HistoryResponse struct {
	UserID   string        `json:"user_id"`
	Count    int           `json:"count"`
	Messages []llm.Message `json:"messages"`
}

func (s *Server) handleHistoryUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"users": users, "count": len(users)}, s.logger)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if err := validateUserID(userID); err != nil {
		s.writeError(w, r, err)
		return
	}

	msgs, err := s.store.History(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, HistoryResponse{UserID: userID, Count: len(msgs), Messages: msgs}, s.logger)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if err := validateUserID(userID); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.loop.Clear(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("history cleared", "user_id", userID, "request_id", RequestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// QR image bounds in pixels.
const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// handleReservationQR renders the reservation as a QR code the charger
// can scan. The payload is the reservation's JSON.
func (s *Server) handleReservationQR(w http.ResponseWriter, r *http.Request) {
	if s.reservations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "reservations are not enabled")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if err := validateUserID(userID); err != nil {
		s.writeError(w, r, err)
		return
	}

	size := defaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minQRSize || n > maxQRSize {
			s.errorResponse(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	res, err := s.reservations.Reservation(r.Context(), userID, r.PathValue("session_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, size)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("encode QR code: %w", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR image", "error", err)
	}
}
