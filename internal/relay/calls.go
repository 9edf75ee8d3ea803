package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/secure-relay/internal/models"
)

// callTable is the active-call state machine. It is not safe for concurrent
// use; the Hub serializes access under its lock.
type callTable struct {
	calls      map[string]*models.CallSession
	byIdentity map[string]string // identity -> active call id

	now   func() time.Time
	newID func() string
}

func newCallTable(now func() time.Time) *callTable {
	if now == nil {
		now = time.Now
	}
	return &callTable{
		calls:      make(map[string]*models.CallSession),
		byIdentity: make(map[string]string),
		now:        now,
		newID:      uuid.NewString,
	}
}

// terminated is a call that left the table, with the record to feed into
// statistics when the call counts as completed.
type terminated struct {
	session *models.CallSession
	record  *models.CallRecord
}

func (t *callTable) get(callID string) (*models.CallSession, bool) {
	s, ok := t.calls[callID]
	return s, ok
}

func (t *callTable) busy(id string) bool {
	_, ok := t.byIdentity[id]
	return ok
}

func (t *callTable) len() int {
	return len(t.calls)
}

// request opens a Pending call. Both parties must be free.
func (t *callTable) request(caller, callee string, offer, callerKey json.RawMessage, hasVideo bool) (*models.CallSession, error) {
	if t.busy(caller) || t.busy(callee) {
		return nil, ErrUserBusy
	}

	s := &models.CallSession{
		CallID:          t.newID(),
		Caller:          caller,
		Callee:          callee,
		Offer:           offer,
		CallerPublicKey: callerKey,
		HasVideo:        hasVideo,
		Status:          models.CallStatusPending,
		StartTime:       t.now(),
	}
	t.calls[s.CallID] = s
	t.byIdentity[caller] = s.CallID
	t.byIdentity[callee] = s.CallID
	return s, nil
}

// answer moves a Pending call to Connected. Only the callee may answer.
func (t *callTable) answer(callee, callID string, answer, calleeKey json.RawMessage) (*models.CallSession, error) {
	s, ok := t.calls[callID]
	if !ok || s.Callee != callee || s.Status != models.CallStatusPending {
		return nil, ErrInvalidCallReference
	}

	s.Status = models.CallStatusConnected
	s.Answer = answer
	s.CalleePublicKey = calleeKey
	return s, nil
}

// reject terminates a Pending call. The callee declines, the caller cancels.
func (t *callTable) reject(id, callID string) (*models.CallSession, error) {
	s, ok := t.calls[callID]
	if !ok || !s.Involves(id) || s.Status != models.CallStatusPending {
		return nil, ErrInvalidCallReference
	}

	t.finish(s, models.CallStatusRejected)
	return s, nil
}

// end terminates a call on behalf of either party and returns the record
// for both parties' statistics.
func (t *callTable) end(id, callID string) (*models.CallSession, models.CallRecord, error) {
	s, ok := t.calls[callID]
	if !ok || !s.Involves(id) {
		return nil, models.CallRecord{}, ErrInvalidCallReference
	}

	t.finish(s, models.CallStatusEnded)
	return s, recordOf(s), nil
}

// dropIdentity force-terminates every call involving id. Connected calls
// end normally and produce a record; Pending calls fail without one.
func (t *callTable) dropIdentity(id string) []terminated {
	callID, ok := t.byIdentity[id]
	if !ok {
		return nil
	}
	s := t.calls[callID]

	if s.Status == models.CallStatusConnected {
		t.finish(s, models.CallStatusEnded)
		rec := recordOf(s)
		return []terminated{{session: s, record: &rec}}
	}

	t.finish(s, models.CallStatusFailed)
	return []terminated{{session: s}}
}

// finish moves s to a terminal status and out of the table. A session that
// already reached a terminal status keeps its first outcome.
func (t *callTable) finish(s *models.CallSession, status models.CallStatus) {
	if s.Status.Terminal() {
		return
	}
	s.Status = status
	s.EndTime = t.now()
	delete(t.calls, s.CallID)
	delete(t.byIdentity, s.Caller)
	delete(t.byIdentity, s.Callee)
}

func recordOf(s *models.CallSession) models.CallRecord {
	return models.CallRecord{
		CallID:   s.CallID,
		Caller:   s.Caller,
		Callee:   s.Callee,
		Duration: s.EndTime.Sub(s.StartTime),
		HasVideo: s.HasVideo,
		EndedAt:  s.EndTime,
	}
}
