// Package events publishes presence and call lifecycle events to NATS. The
// stream is an audit feed; message delivery never depends on it.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/secure-relay/internal/config"
)

const (
	SubjectPresenceOnline  = "presence.online"
	SubjectPresenceOffline = "presence.offline"
	SubjectCallStarted     = "call.started"
	SubjectCallConnected   = "call.connected"
	SubjectCallEnded       = "call.ended"
	SubjectCallRejected    = "call.rejected"
	SubjectCallFailed      = "call.failed"
)

// Event is the JSON body published on every subject
type Event struct {
	Identity string    `json:"identity,omitempty"`
	Peer     string    `json:"peer,omitempty"`
	CallID   string    `json:"callId,omitempty"`
	HasVideo bool      `json:"hasVideo,omitempty"`
	Duration int64     `json:"duration,omitempty"` // milliseconds
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits events; implementations must not block the caller for long
type Publisher interface {
	Publish(subject string, evt Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(string, Event) error { return nil }
func (Nop) Close() error                { return nil }

// NATSPublisher publishes to "<prefix>.<subject>"
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(cfg *config.NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	name := cfg.ClientID
	if name == "" {
		name = "secure-relay"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSPublisher{conn: nc, prefix: cfg.SubjectPrefix}, nil
}

func (p *NATSPublisher) Publish(subject string, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.Publish(Subject(p.prefix, subject), data)
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Subject joins prefix and subject with a dot
func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}
