package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/secure-relay/internal/crypto"
	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/models"
)

// RelayError is an error or voice_call_error event returned by the relay
type RelayError struct {
	models.ErrorPayload
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Options struct {
	// URL of the relay, e.g. ws://localhost:8080
	URL   string
	Email string
	// Token is sent when the relay requires a signed access token
	Token  string
	Logger *slog.Logger
}

// Client is one device connection to the relay. Delivered messages and
// connection confirmations are folded into the Reconciler before the event
// is handed to the caller.
type Client struct {
	conn     *websocket.Conn
	self     string
	sessions *Reconciler
	logger   *slog.Logger

	writeMu sync.Mutex
	events  chan models.Envelope
	done    chan struct{}
	err     error
}

func Dial(ctx context.Context, opts Options, sessions *Reconciler) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := u.Query()
	if opts.Token != "" {
		q.Set("token", opts.Token)
	} else {
		q.Set("email", opts.Email)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:     conn,
		self:     identity.Normalize(opts.Email),
		sessions: sessions,
		logger:   opts.Logger,
		events:   make(chan models.Envelope, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every event received from the relay. The channel is
// closed when the connection ends.
func (c *Client) Events() <-chan models.Envelope {
	return c.events
}

// Err returns the error that ended the connection, if any
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			return
		}
		c.apply(env)

		select {
		case c.events <- env:
		default:
			c.logger.Warn("event queue full, dropping event", "event", env.Type)
		}
	}
}

func (c *Client) apply(env models.Envelope) {
	if c.sessions == nil {
		return
	}

	switch env.Type {
	case models.EventMessageReceived, models.EventFileReceived:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			c.logger.Warn("dropping malformed message", "event", env.Type, "error", err)
			return
		}
		c.sessions.Receive(msg)
	case models.EventConnectionEstablished:
		var p models.ConnectionEstablishedPayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn("dropping malformed connection event", "error", err)
			return
		}
		c.sessions.Connect(p.Email)
	}
}

// Send writes one event to the relay
func (c *Client) Send(t models.EventType, payload any) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}

// Await returns the next event of one of the given types. Relay errors are
// returned as *RelayError.
func (c *Client) Await(ctx context.Context, types ...models.EventType) (models.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return models.Envelope{}, ctx.Err()
		case env, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return models.Envelope{}, err
				}
				return models.Envelope{}, errors.New("relay connection closed")
			}
			if env.Type == models.EventError || env.Type == models.EventCallError {
				var p models.ErrorPayload
				env.Decode(&p)
				return env, &RelayError{ErrorPayload: p}
			}
			for _, t := range types {
				if env.Type == t {
					return env, nil
				}
			}
		}
	}
}

// ConnectTo asks the relay for a presence edge to peer
func (c *Client) ConnectTo(peer string) error {
	return c.Send(models.EventConnectToUser, models.TargetPayload{TargetEmail: peer})
}

func (c *Client) DisconnectFrom(peer string) error {
	return c.Send(models.EventDisconnectFromUser, models.TargetPayload{TargetEmail: peer})
}

// SendText sends text to peer. With a key the content is sealed with
// AES-256-GCM and sent as encrypted_text.
func (c *Client) SendText(peer, text string, key []byte) (models.Message, error) {
	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    c.self,
		Content:   text,
		Timestamp: time.Now().UTC(),
		Type:      models.MessageTypeText,
	}
	if key != nil {
		sealed, err := crypto.Seal(key, []byte(text))
		if err != nil {
			return models.Message{}, err
		}
		msg.Content = sealed
		msg.Type = models.MessageTypeEncryptedText
		msg.Encrypted = true
		msg.EncryptionKeyID = crypto.KeyID(key)
	}
	return msg, c.sendMessage(models.EventSendMessage, peer, msg)
}

// SendFile sends an inline file as a data URL, sealed when key is set
func (c *Client) SendFile(peer, name string, data []byte, key []byte) (models.Message, error) {
	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    c.self,
		Timestamp: time.Now().UTC(),
		Type:      models.MessageTypeFile,
		FileName:  name,
		FileSize:  int64(len(data)),
	}
	if key != nil {
		sealed, err := crypto.Seal(key, data)
		if err != nil {
			return models.Message{}, err
		}
		msg.FileURL = "data:application/octet-stream;base64," + sealed
		msg.Type = models.MessageTypeEncryptedFile
		msg.Encrypted = true
		msg.EncryptionKeyID = crypto.KeyID(key)
	} else {
		msg.FileURL = "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(data)
	}
	return msg, c.sendMessage(models.EventSendFile, peer, msg)
}

func (c *Client) sendMessage(t models.EventType, peer string, msg models.Message) error {
	if err := c.Send(t, models.SendMessagePayload{TargetEmail: peer, Message: msg}); err != nil {
		return err
	}
	if c.sessions != nil {
		c.sessions.Sent(peer, msg)
	}
	return nil
}

// RequestCall sends a call offer. offer and publicKey are forwarded opaquely.
func (c *Client) RequestCall(peer string, offer any, publicKey []byte, video bool) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	key, _ := json.Marshal(publicKey)
	return c.Send(models.EventCallRequest, models.CallRequestPayload{
		TargetEmail:     peer,
		Offer:           raw,
		CallerPublicKey: key,
		HasVideo:        video,
	})
}

func (c *Client) AnswerCall(callID string, answer any, publicKey []byte) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	key, _ := json.Marshal(publicKey)
	return c.Send(models.EventCallAnswer, models.CallAnswerPayload{
		CallID:          callID,
		Answer:          raw,
		CalleePublicKey: key,
	})
}

func (c *Client) EndCall(callID string) error {
	return c.Send(models.EventCallEnd, models.CallRefPayload{CallID: callID})
}

func (c *Client) RejectCall(callID string) error {
	return c.Send(models.EventCallReject, models.CallRefPayload{CallID: callID})
}

// Close sends a close frame and waits for the read loop to finish
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	c.conn.Close()
	return err
}
