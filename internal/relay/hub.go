// Package relay tracks open connections and presence edges, relays messages
// and files between identities, and brokers call signaling.
package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/events"
	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/metrics"
	"github.com/secure-relay/internal/models"
	"github.com/secure-relay/internal/stats"
)

// PresenceSink is told every time an identity's connection count changes.
// Implementations must not block.
type PresenceSink interface {
	Update(identity string, connections int)
}

type nopPresence struct{}

func (nopPresence) Update(string, int) {}

type Options struct {
	Logger      *slog.Logger
	Stats       *stats.Accumulator
	Presence    PresenceSink
	Events      events.Publisher
	SendBuffer  int
	MaxFileSize int64
	Now         func() time.Time
}

// Connection is one open transport of one identity. Outbound events are
// queued on a bounded channel drained by the transport writer.
type Connection struct {
	ID       string
	Identity string
	UserID   string
	OpenedAt time.Time

	send      chan models.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Outbound returns the queue of events addressed to this connection
func (c *Connection) Outbound() <-chan models.Envelope {
	return c.send
}

// Done is closed once the connection has been closed by the hub
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue never blocks. A connection whose queue is full is closed.
func (c *Connection) enqueue(env models.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		c.Close()
		return false
	}
}

// Hub owns the connection registry, the presence graph and the active-call
// table. A single lock guards all three so that authorization and enqueueing
// happen atomically with respect to register and unregister.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[string]*Connection // identity -> connection id -> connection
	edges map[string]map[string]struct{}
	calls *callTable

	stats       *stats.Accumulator
	presence    PresenceSink
	events      events.Publisher
	logger      *slog.Logger
	sendBuffer  int
	maxFileSize int64
	now         func() time.Time
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		conns:       make(map[string]map[string]*Connection),
		edges:       make(map[string]map[string]struct{}),
		calls:       newCallTable(opts.Now),
		stats:       opts.Stats,
		presence:    opts.Presence,
		events:      opts.Events,
		logger:      opts.Logger,
		sendBuffer:  opts.SendBuffer,
		maxFileSize: opts.MaxFileSize,
		now:         opts.Now,
	}
	if h.stats == nil {
		h.stats = stats.NewAccumulator(nil)
	}
	if h.presence == nil {
		h.presence = nopPresence{}
	}
	if h.events == nil {
		h.events = events.Nop{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = config.DefaultSendBuffer
	}
	if h.maxFileSize <= 0 {
		h.maxFileSize = config.DefaultMaxFileSize
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// NewConnection allocates a connection for id. It is not visible to other
// identities until Register.
func (h *Hub) NewConnection(id, userID string) (*Connection, error) {
	id = identity.Normalize(id)
	if id == "" {
		return nil, ErrAuthenticationMissing
	}
	return &Connection{
		ID:       uuid.NewString(),
		Identity: id,
		UserID:   userID,
		OpenedAt: h.now(),
		send:     make(chan models.Envelope, h.sendBuffer),
		done:     make(chan struct{}),
	}, nil
}

// Register adds c to its identity's connection set. The first connection of
// an identity broadcasts user_connected to every other connection.
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()

	set, ok := h.conns[c.Identity]
	if !ok {
		set = make(map[string]*Connection)
		h.conns[c.Identity] = set
	}
	set[c.ID] = c
	first := len(set) == 1

	if first {
		env := h.envelope(models.EventUserConnected, models.PresencePayload{Email: c.Identity})
		for id, others := range h.conns {
			if id == c.Identity {
				continue
			}
			for _, other := range others {
				other.enqueue(env)
			}
		}
	}

	h.presence.Update(c.Identity, len(set))
	h.updateGaugesLocked()
	h.mu.Unlock()

	h.logger.Info("connection registered", "identity", c.Identity, "connection", c.ID)
	if first {
		h.publish(events.SubjectPresenceOnline, events.Event{Identity: c.Identity})
	}
}

// Unregister removes c. When it was the identity's last connection, the
// identity goes offline: its presence edges are dropped with a
// user_disconnected notice to each peer, and its calls are terminated.
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()

	set := h.conns[c.Identity]
	if _, ok := set[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c.ID)
	c.Close()

	offline := len(set) == 0
	var dropped []terminated
	if offline {
		delete(h.conns, c.Identity)

		env := h.envelope(models.EventUserDisconnected, models.PresencePayload{Email: c.Identity})
		for peer := range h.edges[c.Identity] {
			h.sendLocked(peer, env)
			h.removeEdgeLocked(peer, c.Identity)
		}
		delete(h.edges, c.Identity)

		dropped = h.calls.dropIdentity(c.Identity)
		metrics.ActiveCalls.Set(float64(h.calls.len()))
	}

	h.presence.Update(c.Identity, len(set))
	h.updateGaugesLocked()
	h.mu.Unlock()

	h.logger.Info("connection unregistered", "identity", c.Identity, "connection", c.ID, "offline", offline)
	if offline {
		h.publish(events.SubjectPresenceOffline, events.Event{Identity: c.Identity})
	}

	// statistics are stored before the peer learns the call ended
	for _, d := range dropped {
		h.recordCall(d.session, d.record)
	}
	if len(dropped) > 0 {
		h.mu.Lock()
		for _, d := range dropped {
			h.notifyDroppedLocked(c.Identity, d)
		}
		h.mu.Unlock()
	}
	for _, d := range dropped {
		h.finishCall(d.session, d.record, "peer_disconnected")
	}
}

func (h *Hub) notifyDroppedLocked(gone string, d terminated) {
	s := d.session
	payload := models.CallEndedPayload{
		CallID:   s.CallID,
		EndedBy:  gone,
		HasVideo: s.HasVideo,
		Status:   s.Status,
		Reason:   "peer_disconnected",
	}
	if d.record != nil {
		payload.Duration = d.record.Duration.Milliseconds()
	}
	h.sendLocked(s.Peer(gone), h.envelope(models.EventCallEnded, payload))
}

// IsOnline reports whether id has at least one open connection
func (h *Hub) IsOnline(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked(identity.Normalize(id))
}

// Send fans env out to every open connection of id and returns how many
// connections it was queued on.
func (h *Hub) Send(id string, env models.Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(identity.Normalize(id), env)
}

// ConnectToUser adds the presence edge between c's identity and target and
// notifies both sides with connection_established.
func (h *Hub) ConnectToUser(c *Connection, target string) error {
	target = identity.Normalize(target)
	if target == "" {
		return invalidPayload("targetEmail is required")
	}
	if target == c.Identity {
		return invalidPayload("cannot connect to yourself")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.onlineLocked(target) {
		return ErrUserOffline
	}

	h.addEdgeLocked(c.Identity, target)
	h.addEdgeLocked(target, c.Identity)

	pairID := identity.PairKey(c.Identity, target)
	c.enqueue(h.envelope(models.EventConnectionEstablished, models.ConnectionEstablishedPayload{
		ID:       pairID,
		Email:    target,
		IsOnline: true,
	}))
	h.sendLocked(target, h.envelope(models.EventConnectionEstablished, models.ConnectionEstablishedPayload{
		ID:       pairID,
		Email:    c.Identity,
		IsOnline: true,
	}))
	return nil
}

// DisconnectFromUser removes the presence edge in both directions.
func (h *Hub) DisconnectFromUser(c *Connection, target string) error {
	target = identity.Normalize(target)
	if target == "" {
		return invalidPayload("targetEmail is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.authorizedLocked(c.Identity, target) {
		return ErrNotConnected
	}

	h.removeEdgeLocked(c.Identity, target)
	h.removeEdgeLocked(target, c.Identity)

	h.sendLocked(target, h.envelope(models.EventUserDisconnected, models.PresencePayload{Email: c.Identity}))
	c.enqueue(h.envelope(models.EventConnectionRemoved, models.ConnectionRemovedPayload{
		ID:    identity.PairKey(c.Identity, target),
		Email: target,
	}))
	return nil
}

// SendMessage relays a text message to every connection of the target
func (h *Hub) SendMessage(c *Connection, p models.SendMessagePayload) error {
	return h.relay(c, p, models.EventMessageReceived)
}

// SendFile relays a file message. The file reference is bounded by the
// configured maximum file size.
func (h *Hub) SendFile(c *Connection, p models.SendMessagePayload) error {
	return h.relay(c, p, models.EventFileReceived)
}

func (h *Hub) relay(c *Connection, p models.SendMessagePayload, evt models.EventType) error {
	target := identity.Normalize(p.TargetEmail)
	if target == "" {
		return invalidPayload("targetEmail is required")
	}

	msg := p.Message
	if evt == models.EventFileReceived {
		if msg.Type == "" {
			msg.Type = models.MessageTypeFile
		}
		if !msg.Type.IsFile() {
			return invalidPayload("message type %q is not a file type", msg.Type)
		}
		if int64(len(msg.FileURL)) > h.maxFileSize || msg.FileSize > h.maxFileSize {
			return ErrPayloadTooLarge
		}
	} else {
		if msg.Type == "" {
			msg.Type = models.MessageTypeText
		}
		if !msg.Type.Valid() {
			return invalidPayload("unknown message type %q", msg.Type)
		}
		if int64(len(msg.Content)) > h.maxFileSize {
			return ErrPayloadTooLarge
		}
	}

	msg.Sender = c.Identity
	msg.Timestamp = h.now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	env := h.envelope(evt, msg)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.authorizedLocked(c.Identity, target) {
		return ErrNotConnected
	}
	if !h.onlineLocked(target) {
		return ErrUserOffline
	}
	// delivery is fire-and-forget; a target too slow to take it is closed
	h.sendLocked(target, env)
	return nil
}

// RequestCall opens a call from c's identity to the target. The caller's
// connection receives voice_call_ringing with the allocated call id and every
// connection of the callee receives voice_call_incoming. A request fails with
// user_busy while either party already has a Pending or Connected call.
func (h *Hub) RequestCall(c *Connection, p models.CallRequestPayload) (string, error) {
	callee := identity.Normalize(p.TargetEmail)
	if callee == "" {
		return "", invalidPayload("targetEmail is required")
	}
	if callee == c.Identity {
		return "", invalidPayload("cannot call yourself")
	}

	h.mu.Lock()

	if !h.onlineLocked(callee) {
		h.mu.Unlock()
		metrics.CompletedCallsTotal.WithLabelValues(string(models.CallStatusFailed)).Inc()
		return "", ErrUserOffline
	}

	s, err := h.calls.request(c.Identity, callee, p.Offer, p.CallerPublicKey, p.HasVideo)
	if err != nil {
		h.mu.Unlock()
		return "", err
	}

	c.enqueue(h.envelope(models.EventCallRinging, models.CallRingingPayload{
		CallID:      s.CallID,
		CalleeEmail: callee,
		HasVideo:    s.HasVideo,
	}))
	h.sendLocked(callee, h.envelope(models.EventCallIncoming, models.CallIncomingPayload{
		CallID:          s.CallID,
		CallerEmail:     c.Identity,
		Offer:           s.Offer,
		CallerPublicKey: s.CallerPublicKey,
		HasVideo:        s.HasVideo,
	}))
	metrics.ActiveCalls.Set(float64(h.calls.len()))
	h.mu.Unlock()

	h.publish(events.SubjectCallStarted, events.Event{
		Identity: s.Caller,
		Peer:     s.Callee,
		CallID:   s.CallID,
		HasVideo: s.HasVideo,
	})
	return s.CallID, nil
}

// AnswerCall accepts a Pending call on behalf of its callee
func (h *Hub) AnswerCall(c *Connection, p models.CallAnswerPayload) error {
	h.mu.Lock()

	s, err := h.calls.answer(c.Identity, p.CallID, p.Answer, p.CalleePublicKey)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	h.sendLocked(s.Caller, h.envelope(models.EventCallAnswered, models.CallAnsweredPayload{
		CallID:          s.CallID,
		CalleeEmail:     s.Callee,
		Answer:          s.Answer,
		CalleePublicKey: s.CalleePublicKey,
		HasVideo:        s.HasVideo,
	}))
	h.mu.Unlock()

	h.publish(events.SubjectCallConnected, events.Event{
		Identity: s.Callee,
		Peer:     s.Caller,
		CallID:   s.CallID,
		HasVideo: s.HasVideo,
	})
	return nil
}

// RejectCall declines (callee) or cancels (caller) a Pending call. The other
// party receives voice_call_rejected. Once Connected a call can only be
// hung up with EndCall.
func (h *Hub) RejectCall(c *Connection, callID string) error {
	h.mu.Lock()

	s, err := h.calls.reject(c.Identity, callID)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	h.sendLocked(s.Peer(c.Identity), h.envelope(models.EventCallRejected, models.CallRejectedPayload{
		CallID: s.CallID,
		Email:  c.Identity,
	}))
	metrics.ActiveCalls.Set(float64(h.calls.len()))
	h.mu.Unlock()

	h.finishCall(s, nil, "rejected")
	return nil
}

// EndCall hangs up a call. Both parties receive voice_call_ended and the
// call is added to both parties' statistics.
func (h *Hub) EndCall(c *Connection, callID string) error {
	h.mu.Lock()

	s, rec, err := h.calls.end(c.Identity, callID)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	metrics.ActiveCalls.Set(float64(h.calls.len()))
	h.mu.Unlock()

	// a party that asks for statistics on voice_call_ended sees this call
	h.recordCall(s, &rec)

	env := h.envelope(models.EventCallEnded, models.CallEndedPayload{
		CallID:   s.CallID,
		EndedBy:  c.Identity,
		Duration: rec.Duration.Milliseconds(),
		HasVideo: s.HasVideo,
		Status:   s.Status,
	})
	h.mu.Lock()
	h.sendLocked(s.Caller, env)
	h.sendLocked(s.Callee, env)
	h.mu.Unlock()

	h.finishCall(s, &rec, "")
	return nil
}

// RelayICE forwards an ICE candidate to the other party of the call
func (h *Hub) RelayICE(c *Connection, p models.CallICEPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.calls.get(p.CallID)
	if !ok || !s.Involves(c.Identity) {
		return ErrInvalidCallReference
	}

	h.sendLocked(s.Peer(c.Identity), h.envelope(models.EventCallICECandidate, models.CallICEPayload{
		CallID:    s.CallID,
		Candidate: p.Candidate,
		From:      c.Identity,
	}))
	return nil
}

// AvailableUsers returns the sorted online identities other than c's own
func (h *Hub) AvailableUsers(c *Connection) []string {
	h.mu.Lock()
	users := make([]string, 0, len(h.conns))
	for id := range h.conns {
		if id != c.Identity {
			users = append(users, id)
		}
	}
	h.mu.Unlock()

	sort.Strings(users)
	return users
}

// CallStats returns the accumulated statistics of id
func (h *Hub) CallStats(ctx context.Context, id string) (models.CallStatistics, error) {
	return h.stats.Get(ctx, id)
}

// Counts returns the number of open connections per online identity
func (h *Hub) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int, len(h.conns))
	for id, set := range h.conns {
		counts[id] = len(set)
	}
	return counts
}

// Health returns the operational snapshot served on /health
func (h *Hub) Health() models.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := models.HealthSnapshot{
		Status:      "ok",
		Timestamp:   h.now().UTC().Format(time.RFC3339),
		UniqueUsers: len(h.conns),
		Connections: make(map[string]int, len(h.conns)),
		ActiveCalls: h.calls.len(),
	}
	for id, set := range h.conns {
		snap.Connections[id] = len(set)
		snap.TotalConnections += len(set)
	}
	return snap
}

// CloseAll closes every registered connection
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.conns {
		for _, c := range set {
			c.Close()
		}
	}
}

// recordCall adds a completed call to both parties' statistics. It runs
// outside the hub lock since the store may be remote.
func (h *Hub) recordCall(s *models.CallSession, rec *models.CallRecord) {
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.stats.Record(ctx, *rec); err != nil {
		h.logger.Error("failed to record call statistics", "call", s.CallID, "error", err)
	}
}

// finishCall counts the terminated call and publishes its lifecycle event
func (h *Hub) finishCall(s *models.CallSession, rec *models.CallRecord, reason string) {
	metrics.CompletedCallsTotal.WithLabelValues(string(s.Status)).Inc()

	evt := events.Event{
		Identity: s.Caller,
		Peer:     s.Callee,
		CallID:   s.CallID,
		HasVideo: s.HasVideo,
		Reason:   reason,
	}

	if rec != nil {
		evt.Duration = rec.Duration.Milliseconds()
	}

	subject := events.SubjectCallEnded
	switch s.Status {
	case models.CallStatusRejected:
		subject = events.SubjectCallRejected
	case models.CallStatusFailed:
		subject = events.SubjectCallFailed
	}
	h.publish(subject, evt)
}

func (h *Hub) publish(subject string, evt events.Event) {
	evt.At = h.now().UTC()
	if err := h.events.Publish(subject, evt); err != nil {
		h.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func (h *Hub) onlineLocked(id string) bool {
	return len(h.conns[id]) > 0
}

// authorizedLocked reports whether from may send to to. Either direction of
// the edge is enough.
func (h *Hub) authorizedLocked(from, to string) bool {
	if _, ok := h.edges[to][from]; ok {
		return true
	}
	_, ok := h.edges[from][to]
	return ok
}

func (h *Hub) addEdgeLocked(from, to string) {
	adj, ok := h.edges[from]
	if !ok {
		adj = make(map[string]struct{})
		h.edges[from] = adj
	}
	adj[to] = struct{}{}
}

func (h *Hub) removeEdgeLocked(from, to string) {
	adj, ok := h.edges[from]
	if !ok {
		return
	}
	delete(adj, to)
	if len(adj) == 0 {
		delete(h.edges, from)
	}
}

func (h *Hub) sendLocked(id string, env models.Envelope) int {
	n := 0
	for _, c := range h.conns[id] {
		if c.enqueue(env) {
			n++
		} else {
			h.logger.Warn("dropping slow connection", "identity", id, "connection", c.ID)
		}
	}
	if n > 0 {
		metrics.EventsRelayedTotal.WithLabelValues(string(env.Type)).Add(float64(n))
	}
	return n
}

func (h *Hub) updateGaugesLocked() {
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	metrics.OpenConnections.Set(float64(total))
	metrics.OnlineIdentities.Set(float64(len(h.conns)))
}

func (h *Hub) envelope(t models.EventType, payload any) models.Envelope {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		h.logger.Error("failed to build envelope", "event", t, "error", err)
		return models.Envelope{Type: t, Timestamp: h.now().UnixMilli()}
	}
	return env
}
