// Package client is the device side of the relay: a WebSocket client, the
// local chat history keyed by pair key, and a WebRTC peer for calls.
package client

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/models"
)

// Session is the local history with one peer
type Session struct {
	PairKey      string           `json:"pairKey"`
	Peer         string           `json:"peer"`
	Messages     []models.Message `json:"messages"`
	LastActivity time.Time        `json:"lastActivity"`
	UnreadCount  int              `json:"unreadCount"`
}

type snapshot struct {
	version  uint64
	sessions map[string]Session
}

// Reconciler keeps exactly one Session per peer. Every mutation copies the
// session map and swaps it in with compare-and-swap, so concurrent socket
// events never lose an update. Each accepted snapshot is persisted.
type Reconciler struct {
	self    string
	state   atomic.Pointer[snapshot]
	storage Storage
	logger  *slog.Logger

	saveMu sync.Mutex
	saved  uint64
}

// NewReconciler restores the session map from storage. Missing or corrupt
// storage starts an empty map. storage may be nil.
func NewReconciler(self string, storage Storage, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		self:    identity.Normalize(self),
		storage: storage,
		logger:  logger,
	}

	sessions := map[string]Session{}
	if storage != nil {
		loaded, err := storage.Load()
		if err != nil {
			logger.Warn("discarding unreadable session storage", "error", err)
		} else if loaded != nil {
			sessions = loaded
		}
	}
	r.state.Store(&snapshot{sessions: sessions})
	return r
}

// Self returns the normalized local identity
func (r *Reconciler) Self() string {
	return r.self
}

// Connect ensures the session for peer lives under its canonical pair key,
// folding in any session stored for the same peer under another key, and
// returns that key.
func (r *Reconciler) Connect(peer string) string {
	var key string
	r.update(func(m map[string]Session) {
		key = reconcile(m, r.self, peer)
	})
	return key
}

// Receive appends an inbound message to the sender's session, creating the
// session if the sender is not known yet.
func (r *Reconciler) Receive(msg models.Message) {
	r.update(func(m map[string]Session) {
		key := reconcile(m, r.self, msg.Sender)
		s := m[key]
		before := len(s.Messages)
		s.Messages = mergeMessages(s.Messages, []models.Message{msg})
		if len(s.Messages) > before {
			s.UnreadCount++
		}
		s.LastActivity = latest(s.LastActivity, msg.Timestamp)
		m[key] = s
	})
}

// Sent records an outbound message to peer
func (r *Reconciler) Sent(peer string, msg models.Message) {
	r.update(func(m map[string]Session) {
		key := reconcile(m, r.self, peer)
		s := m[key]
		s.Messages = mergeMessages(s.Messages, []models.Message{msg})
		s.LastActivity = latest(s.LastActivity, msg.Timestamp)
		m[key] = s
	})
}

// MarkRead clears the unread counter of peer's session
func (r *Reconciler) MarkRead(peer string) {
	key := identity.PairKey(r.self, peer)
	r.update(func(m map[string]Session) {
		if s, ok := m[key]; ok {
			s.UnreadCount = 0
			m[key] = s
		}
	})
}

// Session returns the session with peer
func (r *Reconciler) Session(peer string) (Session, bool) {
	s, ok := r.state.Load().sessions[identity.PairKey(r.self, peer)]
	return s, ok
}

// Sessions returns every session, most recently active first
func (r *Reconciler) Sessions() []Session {
	m := r.state.Load().sessions
	out := make([]Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].PairKey < out[j].PairKey
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

func (r *Reconciler) update(fn func(m map[string]Session)) {
	for {
		old := r.state.Load()
		next := &snapshot{
			version:  old.version + 1,
			sessions: make(map[string]Session, len(old.sessions)+1),
		}
		for k, v := range old.sessions {
			next.sessions[k] = v
		}
		fn(next.sessions)
		if r.state.CompareAndSwap(old, next) {
			r.persist(next)
			return
		}
	}
}

// persist saves snap unless a newer snapshot has been saved already
func (r *Reconciler) persist(snap *snapshot) {
	if r.storage == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if snap.version <= r.saved {
		return
	}
	if err := r.storage.Save(snap.sessions); err != nil {
		r.logger.Warn("failed to persist sessions", "error", err)
		return
	}
	r.saved = snap.version
}

// reconcile moves every session of peer stored under a non-canonical key to
// the canonical pair key, merging histories, and returns the canonical key.
// Message slices are never modified in place since older snapshots share them.
func reconcile(m map[string]Session, self, peer string) string {
	peer = identity.Normalize(peer)
	key := identity.PairKey(self, peer)

	var stale []string
	for k, s := range m {
		if k != key && identity.Equal(s.Peer, peer) {
			stale = append(stale, k)
		}
	}
	sort.Strings(stale)

	current, exists := m[key]
	if len(stale) == 0 {
		if !exists {
			m[key] = Session{PairKey: key, Peer: peer}
		}
		return key
	}

	merged := Session{
		PairKey:      key,
		Peer:         peer,
		Messages:     current.Messages,
		LastActivity: current.LastActivity,
	}
	for _, k := range stale {
		s := m[k]
		merged.Messages = mergeMessages(s.Messages, merged.Messages)
		merged.LastActivity = latest(merged.LastActivity, s.LastActivity)
		delete(m, k)
	}
	m[key] = merged
	return key
}

// mergeMessages interleaves a and b by timestamp while keeping each input's
// own order, dropping messages whose identity was already taken. The result
// is a new slice.
func mergeMessages(a, b []models.Message) []models.Message {
	out := make([]models.Message, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))

	take := func(msg models.Message) {
		key := dedupeKey(msg)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, msg)
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Timestamp.Before(a[i].Timestamp) {
			take(b[j])
			j++
		} else {
			take(a[i])
			i++
		}
	}
	for ; i < len(a); i++ {
		take(a[i])
	}
	for ; j < len(b); j++ {
		take(b[j])
	}
	return out
}

// dedupeKey is the message id, or for id-less messages (older stored
// history) the sender, timestamp and content together.
func dedupeKey(msg models.Message) string {
	if msg.ID != "" {
		return "id:" + msg.ID
	}
	return "msg:" + msg.Sender + "|" + strconv.FormatInt(msg.Timestamp.UnixNano(), 10) + "|" + msg.Content + "|" + msg.FileURL
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
