package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/evchat/internal/usage"
)

const (
	wsIdleTimeout  = 5 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsRequest is a chat frame sent by the client. ID is echoed back so the
// client can match replies to requests.
type wsRequest struct {
	ID      string `json:"id,omitempty"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// wsResponse carries either a reply or an error.
type wsResponse struct {
	ID         string `json:"id,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       int    `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// handleWebsocket runs chat turns over a websocket. Frames are processed
// one at a time in the order received.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	log := s.logger.With("request_id", RequestID(r.Context()), "remote", r.RemoteAddr)
	log.Debug("websocket connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			} else {
				log.Debug("websocket closed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			if !s.writeFrame(conn, wsResponse{Error: "expected a text frame", Code: http.StatusBadRequest}) {
				return
			}
			continue
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !s.writeFrame(conn, wsResponse{Error: "invalid frame", Code: http.StatusBadRequest}) {
				return
			}
			continue
		}

		resp := wsResponse{ID: req.ID}
		res, err := s.runTurn(r.Context(), usage.ChannelWebsocket, req.UserID, req.Message)
		if err != nil {
			code, msg, retryAfter := errorStatus(err)
			if code >= http.StatusInternalServerError {
				log.Error("websocket turn failed", "user_id", req.UserID, "error", err)
			}
			resp.Error, resp.Code, resp.RetryAfter = msg, code, retryAfter
		} else {
			resp.Reply = res.Reply
		}
		if !s.writeFrame(conn, resp) {
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, resp wsResponse) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(resp); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
