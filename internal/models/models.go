package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies a relayed chat message
type MessageType string

const (
	MessageTypeText          MessageType = "text"
	MessageTypeFile          MessageType = "file"
	MessageTypeEncryptedText MessageType = "encrypted_text"
	MessageTypeEncryptedFile MessageType = "encrypted_file"
)

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeEncryptedText, MessageTypeEncryptedFile:
		return true
	}
	return false
}

// IsFile reports whether t carries a file attachment
func (t MessageType) IsFile() bool {
	return t == MessageTypeFile || t == MessageTypeEncryptedFile
}

// Message is an immutable chat or file message. The relay never inspects
// Content or FileURL beyond their size.
type Message struct {
	ID              string      `json:"id"`
	Sender          string      `json:"sender"`
	Content         string      `json:"content"`
	Timestamp       time.Time   `json:"timestamp"`
	Type            MessageType `json:"type"`
	FileName        string      `json:"fileName,omitempty"`
	FileURL         string      `json:"fileUrl,omitempty"`
	FileSize        int64       `json:"fileSize,omitempty"`
	Encrypted       bool        `json:"encrypted"`
	EncryptionKeyID string      `json:"encryptionKeyId,omitempty"`
}

// CallStatus is the state of a CallSession
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusFailed    CallStatus = "failed"
)

// Terminal reports whether no further transition is possible from s
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected || s == CallStatusFailed
}

// CallSession is the server-side state of one call between two identities.
// Offer, Answer and the public keys are opaque to the relay.
type CallSession struct {
	CallID          string          `json:"callId"`
	Caller          string          `json:"caller"`
	Callee          string          `json:"callee"`
	Offer           json.RawMessage `json:"offer,omitempty"`
	Answer          json.RawMessage `json:"answer,omitempty"`
	CallerPublicKey json.RawMessage `json:"callerPublicKey,omitempty"`
	CalleePublicKey json.RawMessage `json:"calleePublicKey,omitempty"`
	HasVideo        bool            `json:"hasVideo"`
	Status          CallStatus      `json:"status"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         time.Time       `json:"endTime,omitempty"`
}

// Peer returns the other party of the call, or "" if id is not a party.
func (c *CallSession) Peer(id string) string {
	switch id {
	case c.Caller:
		return c.Callee
	case c.Callee:
		return c.Caller
	}
	return ""
}

// Involves reports whether id is the caller or the callee
func (c *CallSession) Involves(id string) bool {
	return id == c.Caller || id == c.Callee
}

// CallStatistics aggregates completed calls for one identity.
// TotalDuration is in milliseconds.
type CallStatistics struct {
	TotalCalls     int64 `json:"totalCalls"`
	TotalDuration  int64 `json:"totalDuration"`
	EncryptedCalls int64 `json:"encryptedCalls"`
	VideoCalls     int64 `json:"videoCalls"`
}

// CallRecord is the metadata of a completed call fed into CallStatistics
type CallRecord struct {
	CallID   string        `json:"callId"`
	Caller   string        `json:"caller"`
	Callee   string        `json:"callee"`
	Duration time.Duration `json:"duration"`
	HasVideo bool          `json:"hasVideo"`
	EndedAt  time.Time     `json:"endedAt"`
}

// Apply adds one completed call to s. Every call is end-to-end encrypted, so
// EncryptedCalls always increments.
func (s *CallStatistics) Apply(r CallRecord) {
	s.TotalCalls++
	s.TotalDuration += r.Duration.Milliseconds()
	s.EncryptedCalls++
	if r.HasVideo {
		s.VideoCalls++
	}
}

// EventType names a WebSocket event in either direction
type EventType string

const (
	// client -> server
	EventConnectToUser      EventType = "connect_to_user"
	EventDisconnectFromUser EventType = "disconnect_from_user"
	EventSendMessage        EventType = "send_message"
	EventSendFile           EventType = "send_file"
	EventCallRequest        EventType = "voice_call_request"
	EventCallAnswer         EventType = "voice_call_answer"
	EventCallReject         EventType = "voice_call_reject"
	EventCallEnd            EventType = "voice_call_end"
	EventGetAvailableUsers  EventType = "voice_get_available_users"
	EventGetStats           EventType = "voice_get_stats"

	// server -> client
	EventConnectionEstablished EventType = "connection_established"
	EventConnectionRemoved     EventType = "connection_removed"
	EventUserConnected         EventType = "user_connected"
	EventUserDisconnected      EventType = "user_disconnected"
	EventMessageReceived       EventType = "message_received"
	EventFileReceived          EventType = "file_received"
	EventCallRinging           EventType = "voice_call_ringing"
	EventCallIncoming          EventType = "voice_call_incoming"
	EventCallAnswered          EventType = "voice_call_answered"
	EventCallRejected          EventType = "voice_call_rejected"
	EventCallEnded             EventType = "voice_call_ended"
	EventCallError             EventType = "voice_call_error"
	EventUsersAvailable        EventType = "voice_users_available"
	EventCallStats             EventType = "voice_call_stats"
	EventError                 EventType = "error"

	// both directions
	EventCallICECandidate EventType = "voice_call_ice_candidate"
)

// Envelope is the WebSocket protocol frame. Payload is decoded into the
// concrete struct for Type at the transport boundary.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope marshals payload into an envelope stamped with the current time
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// TargetPayload is sent with connect_to_user and disconnect_from_user
type TargetPayload struct {
	TargetEmail string `json:"targetEmail"`
}

// ConnectionEstablishedPayload confirms a presence edge to both parties
type ConnectionEstablishedPayload struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	IsOnline bool   `json:"isOnline"`
}

// ConnectionRemovedPayload confirms disconnect_from_user to the requester
type ConnectionRemovedPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PresencePayload carries user_connected / user_disconnected hints
type PresencePayload struct {
	Email string `json:"email"`
}

// SendMessagePayload is sent with send_message and send_file
type SendMessagePayload struct {
	TargetEmail string  `json:"targetEmail"`
	Message     Message `json:"message"`
}

// CallRequestPayload is sent by the caller with voice_call_request
type CallRequestPayload struct {
	TargetEmail     string          `json:"targetEmail"`
	Offer           json.RawMessage `json:"offer"`
	CallerPublicKey json.RawMessage `json:"callerPublicKey"`
	HasVideo        bool            `json:"hasVideo"`
}

// CallRingingPayload tells the caller which call id was allocated
type CallRingingPayload struct {
	CallID      string `json:"callId"`
	CalleeEmail string `json:"calleeEmail"`
	HasVideo    bool   `json:"hasVideo"`
}

// CallIncomingPayload is delivered to every connection of the callee
type CallIncomingPayload struct {
	CallID          string          `json:"callId"`
	CallerEmail     string          `json:"callerEmail"`
	Offer           json.RawMessage `json:"offer"`
	CallerPublicKey json.RawMessage `json:"callerPublicKey"`
	HasVideo        bool            `json:"hasVideo"`
}

// CallAnswerPayload is sent by the callee with voice_call_answer
type CallAnswerPayload struct {
	CallID          string          `json:"callId"`
	Answer          json.RawMessage `json:"answer"`
	CalleePublicKey json.RawMessage `json:"calleePublicKey"`
}

// CallAnsweredPayload is delivered to the caller
type CallAnsweredPayload struct {
	CallID          string          `json:"callId"`
	CalleeEmail     string          `json:"calleeEmail"`
	Answer          json.RawMessage `json:"answer"`
	CalleePublicKey json.RawMessage `json:"calleePublicKey"`
	HasVideo        bool            `json:"hasVideo"`
}

// CallRefPayload references an existing call (reject, end)
type CallRefPayload struct {
	CallID string `json:"callId"`
}

// CallRejectedPayload is delivered to the other party of a rejected call
type CallRejectedPayload struct {
	CallID string `json:"callId"`
	Email  string `json:"email"`
}

// CallEndedPayload is delivered to both parties when a call terminates
type CallEndedPayload struct {
	CallID   string     `json:"callId"`
	EndedBy  string     `json:"endedBy,omitempty"`
	Duration int64      `json:"duration"`
	HasVideo bool       `json:"hasVideo"`
	Status   CallStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
}

// CallICEPayload carries an opaque ICE candidate between the parties
type CallICEPayload struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from,omitempty"`
}

// ErrorPayload is sent only to the connection that caused the failure
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CallID  string `json:"callId,omitempty"`
}

// HealthSnapshot is the operational view served by the health endpoint
type HealthSnapshot struct {
	Status           string         `json:"status"`
	Timestamp        string         `json:"timestamp"`
	TotalConnections int            `json:"totalConnections"`
	UniqueUsers      int            `json:"uniqueUsers"`
	Connections      map[string]int `json:"connections"`
	ActiveCalls      int            `json:"activeCalls"`
	// Cluster* are reported when presence is mirrored across instances
	ClusterUsers       int `json:"clusterUsers,omitempty"`
	ClusterConnections int `json:"clusterConnections,omitempty"`
}

// FileUploadResponse describes a stored encrypted attachment
type FileUploadResponse struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}
