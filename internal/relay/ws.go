package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/middleware"
	"github.com/secure-relay/internal/models"
)

// frameHeadroom is added to the maximum file size to size the frame limit,
// leaving room for the envelope around an inline file reference.
const frameHeadroom = 64 * 1024

// drainFactor bounds how far past the frame limit an oversized frame is read
// and discarded before the connection is dropped instead.
const drainFactor = 4

// ClusterPresence reports online identities across every relay instance
type ClusterPresence interface {
	Online(ctx context.Context) (map[string]int, error)
}

// Server is the WebSocket transport in front of a Hub
type Server struct {
	hub      *Hub
	cfg      config.RelayConfig
	jwt      *config.JWTConfig
	cluster  ClusterPresence
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(hub *Hub, cfg config.RelayConfig, jwtCfg *config.JWTConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = config.DefaultMaxFileSize
	}
	s := &Server{
		hub:    hub,
		cfg:    cfg,
		jwt:    jwtCfg,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authenticate resolves the identity handed over at connect time. With a
// JWT secret configured the token (query "token" or Bearer header) is
// required; otherwise the "email" and "userId" query parameters are trusted.
func (s *Server) authenticate(r *http.Request) (email, userID string, err error) {
	if s.jwt != nil && s.jwt.AccessTokenSecret != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			if scheme, t, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
				token = t
			}
		}
		claims, err := middleware.ParseToken(s.jwt, token)
		if err != nil {
			return "", "", ErrAuthenticationMissing
		}
		return claims.Email, claims.UserID, nil
	}

	q := r.URL.Query()
	return q.Get("email"), q.Get("userId"), nil
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	email, userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrorCode(err), err.Error())
		return
	}

	c, err := s.hub.NewConnection(email, userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrorCode(err), err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(c)
	go s.writePump(ws, c)
	s.readPump(r.Context(), ws, c)
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, c *Connection) {
	defer func() {
		s.hub.Unregister(c)
		ws.Close()
	}()

	limit := s.cfg.MaxFileSize + frameHeadroom
	ws.SetReadLimit(limit * drainFactor)
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, r, err := ws.NextReader()
		if err != nil {
			s.logReadError(c, err)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			s.logReadError(c, err)
			return
		}

		if int64(len(data)) > limit {
			// the rest of the frame is discarded so the connection stays usable
			if _, err := io.Copy(io.Discard, r); err != nil {
				s.logReadError(c, err)
				return
			}
			s.hub.Fail(c, peekEventType(data), "", ErrPayloadTooLarge)
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.Fail(c, "", "", invalidPayload("malformed envelope"))
			continue
		}
		s.hub.Dispatch(ctx, c, env)
	}
}

func (s *Server) logReadError(c *Connection, err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		s.logger.Warn("frame exceeds read limit", "identity", c.Identity, "connection", c.ID)
	} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		s.logger.Warn("websocket read error", "identity", c.Identity, "error", err)
	}
}

// peekEventType reads the "type" member of a possibly truncated envelope.
// It returns "" when type does not precede the payload.
func peekEventType(data []byte) models.EventType {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		key, _ := tok.(string)
		if key == "type" {
			var t models.EventType
			if err := dec.Decode(&t); err != nil {
				return ""
			}
			return t
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return ""
		}
	}
	return ""
}

func (s *Server) writePump(ws *websocket.Conn, c *Connection) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case env := <-c.Outbound():
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// SetClusterPresence adds cluster-wide counts to the health snapshot
func (s *Server) SetClusterPresence(p ClusterPresence) {
	s.cluster = p
}

// HandleHealth serves the registry snapshot
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.hub.Health()

	if s.cluster != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		online, err := s.cluster.Online(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("cluster presence unavailable", "error", err)
		} else {
			snap.ClusterUsers = len(online)
			for _, n := range online {
				snap.ClusterConnections += n
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorPayload{Code: code, Message: message})
}
