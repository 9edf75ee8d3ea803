package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/models"
)

func TestDispatchErrors(t *testing.T) {
	h, _ := newTestHub(t)
	a := register(t, h, "alice@example.com")

	h.Dispatch(context.Background(), a, models.Envelope{Type: "bogus"})
	var p models.ErrorPayload
	expect(t, a, models.EventError, &p)
	if p.Code != CodeUnknownEvent {
		t.Errorf("Expected unknown_event, got %+v", p)
	}

	env, _ := models.NewEnvelope(models.EventSendMessage, models.SendMessagePayload{TargetEmail: "bob@example.com", Message: models.Message{Content: "x"}})
	h.Dispatch(context.Background(), a, env)
	expect(t, a, models.EventError, &p)
	if p.Code != CodeNotConnected {
		t.Errorf("Expected not_connected, got %+v", p)
	}

	env, _ = models.NewEnvelope(models.EventCallAnswer, models.CallAnswerPayload{CallID: "nope"})
	h.Dispatch(context.Background(), a, env)
	expect(t, a, models.EventCallError, &p)
	if p.Code != CodeInvalidCallReference || p.CallID != "nope" {
		t.Errorf("Expected invalid_call_reference for nope, got %+v", p)
	}

	h.Dispatch(context.Background(), a, models.Envelope{Type: models.EventConnectToUser, Payload: json.RawMessage(`[1,2]`)})
	expect(t, a, models.EventError, &p)
	if p.Code != CodeInvalidPayload {
		t.Errorf("Expected invalid_payload, got %+v", p)
	}
}

func TestDispatchQueries(t *testing.T) {
	h, _ := newTestHub(t)
	register(t, h, "carol@example.com")
	register(t, h, "bob@example.com")
	a := register(t, h, "alice@example.com")

	h.Dispatch(context.Background(), a, models.Envelope{Type: models.EventGetAvailableUsers})
	var users []string
	expect(t, a, models.EventUsersAvailable, &users)
	if strings.Join(users, ",") != "bob@example.com,carol@example.com" {
		t.Errorf("Unexpected available users %v", users)
	}

	h.Dispatch(context.Background(), a, models.Envelope{Type: models.EventGetStats})
	var st models.CallStatistics
	expect(t, a, models.EventCallStats, &st)
	if st != (models.CallStatistics{}) {
		t.Errorf("Expected zero stats, got %+v", st)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUserOffline, CodeUserOffline},
		{invalidPayload("bad %d", 1), CodeInvalidPayload},
		{ErrPayloadTooLarge, CodePayloadTooLarge},
		{context.Canceled, CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, query url.Values) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func dialAs(t *testing.T, srv *httptest.Server, email string) *wsClient {
	return dial(t, srv, url.Values{"email": {email}})
}

func (c *wsClient) send(typ models.EventType, payload any) {
	c.t.Helper()
	env, err := models.NewEnvelope(typ, payload)
	if err != nil {
		c.t.Fatalf("envelope: %v", err)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// await reads frames until one of type typ arrives
func (c *wsClient) await(typ models.EventType, v any) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type != typ {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Payload, v); err != nil {
				c.t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
}

func newTestServer(t *testing.T, jwtCfg *config.JWTConfig) (*Hub, *httptest.Server) {
	t.Helper()
	return serve(t, config.Default().Relay, jwtCfg)
}

func serve(t *testing.T, cfg config.RelayConfig, jwtCfg *config.JWTConfig) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(Options{MaxFileSize: cfg.MaxFileSize})
	s := NewServer(h, cfg, jwtCfg, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func waitOnline(t *testing.T, h *Hub, email string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Counts()[email] != n {
		if time.Now().After(deadline) {
			t.Fatalf("%s never reached %d connections", email, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketMultiDeviceDelivery(t *testing.T) {
	h, srv := newTestServer(t, nil)

	a1 := dialAs(t, srv, "alice@example.com")
	a2 := dialAs(t, srv, "alice@example.com")
	b1 := dialAs(t, srv, "bob@example.com")
	waitOnline(t, h, "alice@example.com", 2)
	waitOnline(t, h, "bob@example.com", 1)

	a1.send(models.EventConnectToUser, models.TargetPayload{TargetEmail: "bob@example.com"})
	a1.await(models.EventConnectionEstablished, nil)
	b1.await(models.EventConnectionEstablished, nil)

	b1.send(models.EventSendMessage, models.SendMessagePayload{
		TargetEmail: "alice@example.com",
		Message:     models.Message{ID: "m-1", Content: "hi", Type: models.MessageTypeText},
	})

	for _, a := range []*wsClient{a1, a2} {
		var msg models.Message
		a.await(models.EventMessageReceived, &msg)
		if msg.Sender != "bob@example.com" || msg.Content != "hi" {
			t.Errorf("Unexpected message %+v", msg)
		}
	}

	b1.send(models.EventGetStats, nil)
	var st models.CallStatistics
	b1.await(models.EventCallStats, &st)
	if st.TotalCalls != 0 {
		t.Errorf("Expected bob's stats untouched, got %+v", st)
	}
}

func TestWebSocketVideoCall(t *testing.T) {
	h, srv := newTestServer(t, nil)

	a := dialAs(t, srv, "alice@example.com")
	b := dialAs(t, srv, "bob@example.com")
	waitOnline(t, h, "alice@example.com", 1)
	waitOnline(t, h, "bob@example.com", 1)

	a.send(models.EventCallRequest, models.CallRequestPayload{
		TargetEmail:     "bob@example.com",
		Offer:           json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		CallerPublicKey: json.RawMessage(`"a-key"`),
		HasVideo:        true,
	})

	var incoming models.CallIncomingPayload
	b.await(models.EventCallIncoming, &incoming)
	if !incoming.HasVideo {
		t.Error("Expected hasVideo on incoming")
	}

	b.send(models.EventCallAnswer, models.CallAnswerPayload{
		CallID:          incoming.CallID,
		Answer:          json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
		CalleePublicKey: json.RawMessage(`"b-key"`),
	})

	var answered models.CallAnsweredPayload
	a.await(models.EventCallAnswered, &answered)
	if !answered.HasVideo || answered.CallID != incoming.CallID {
		t.Errorf("Unexpected answered payload %+v", answered)
	}

	a.send(models.EventCallEnd, models.CallRefPayload{CallID: incoming.CallID})
	b.await(models.EventCallEnded, nil)
}

func TestWebSocketAuthentication(t *testing.T) {
	jwtCfg := &config.JWTConfig{AccessTokenSecret: "relay-secret"}
	h, srv := newTestServer(t, jwtCfg)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?email=alice@example.com"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("Expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %v", resp)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-1",
		"email": "Alice@Example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("relay-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	dial(t, srv, url.Values{"token": {token}})
	waitOnline(t, h, "alice@example.com", 1)
}

func TestHealthEndpoint(t *testing.T) {
	h, srv := newTestServer(t, nil)
	dialAs(t, srv, "alice@example.com")
	waitOnline(t, h, "alice@example.com", 1)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var snap models.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TotalConnections != 1 || snap.Connections["alice@example.com"] != 1 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestWebSocketOversizedFrameKeepsConnection(t *testing.T) {
	cfg := config.Default().Relay
	cfg.MaxFileSize = 1024
	h, srv := serve(t, cfg, nil)

	a := dialAs(t, srv, "alice@example.com")
	b := dialAs(t, srv, "bob@example.com")
	waitOnline(t, h, "alice@example.com", 1)
	waitOnline(t, h, "bob@example.com", 1)

	a.send(models.EventConnectToUser, models.TargetPayload{TargetEmail: "bob@example.com"})
	a.await(models.EventConnectionEstablished, nil)
	b.await(models.EventConnectionEstablished, nil)

	a.send(models.EventSendFile, models.SendMessagePayload{
		TargetEmail: "bob@example.com",
		Message: models.Message{
			Type:     models.MessageTypeEncryptedFile,
			FileName: "big.bin",
			FileURL:  "data:application/octet-stream;base64," + strings.Repeat("A", 200*1024),
		},
	})

	var p models.ErrorPayload
	a.await(models.EventError, &p)
	if p.Code != CodePayloadTooLarge {
		t.Fatalf("Expected payload_too_large, got %+v", p)
	}

	// the same socket keeps working and the edge survives
	a.send(models.EventSendMessage, models.SendMessagePayload{
		TargetEmail: "bob@example.com",
		Message:     models.Message{ID: "m-2", Content: "still here"},
	})
	var msg models.Message
	b.await(models.EventMessageReceived, &msg)
	if msg.ID != "m-2" {
		t.Errorf("Unexpected message %+v", msg)
	}
	if h.Counts()["alice@example.com"] != 1 {
		t.Error("Expected alice to stay online")
	}
}

func TestPeekEventType(t *testing.T) {
	tests := []struct {
		data string
		want models.EventType
	}{
		{`{"type":"send_file","payload":{"message":{"fileUrl":"AAAA`, models.EventSendFile},
		{`{"timestamp":1,"type":"send_message","payl`, models.EventSendMessage},
		{`{"payload":{"message":{"fileUrl":"AAAA`, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		if got := peekEventType([]byte(tt.data)); got != tt.want {
			t.Errorf("peekEventType(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

type staticCluster map[string]int

func (c staticCluster) Online(context.Context) (map[string]int, error) {
	return c, nil
}

func TestHealthIncludesClusterPresence(t *testing.T) {
	h := NewHub(Options{})
	s := NewServer(h, config.Default().Relay, nil, nil)
	s.SetClusterPresence(staticCluster{"alice@example.com": 2, "carol@example.com": 1})

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var snap models.HealthSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ClusterUsers != 2 || snap.ClusterConnections != 3 {
		t.Errorf("Expected cluster counts 2/3, got %+v", snap)
	}
	if snap.TotalConnections != 0 {
		t.Errorf("Expected no local connections, got %d", snap.TotalConnections)
	}
}
