package relay

import (
	"context"
	"strings"

	"github.com/secure-relay/internal/metrics"
	"github.com/secure-relay/internal/models"
)

// Dispatch decodes env into the payload struct of its event type and runs the
// matching operation on behalf of c. Failures are reported to c only.
func (h *Hub) Dispatch(ctx context.Context, c *Connection, env models.Envelope) {
	var callID string
	err := func() error {
		switch env.Type {
		case models.EventConnectToUser, models.EventDisconnectFromUser:
			var p models.TargetPayload
			if err := env.Decode(&p); err != nil {
				return invalidPayload("%v", err)
			}
			if env.Type == models.EventConnectToUser {
				return h.ConnectToUser(c, p.TargetEmail)
			}
			return h.DisconnectFromUser(c, p.TargetEmail)

		case models.EventSendMessage, models.EventSendFile:
			var p models.SendMessagePayload
			if err := env.Decode(&p); err != nil {
				return invalidPayload("%v", err)
			}
			if env.Type == models.EventSendFile {
				return h.SendFile(c, p)
			}
			return h.SendMessage(c, p)

		case models.EventCallRequest:
			var p models.CallRequestPayload
			if err := env.Decode(&p); err != nil {
				return invalidPayload("%v", err)
			}
			_, err := h.RequestCall(c, p)
			return err

		case models.EventCallAnswer:
			var p models.CallAnswerPayload
			if err := env.Decode(&p); err != nil {
				return invalidPayload("%v", err)
			}
			callID = p.CallID
			return h.AnswerCall(c, p)

		case models.EventCallReject, models.EventCallEnd:
			var p models.CallRefPayload
			if err := env.Decode(&p); err != nil {
				return invalidPayload("%v", err)
			}
			callID = p.CallID
			if env.Type == models.EventCallReject {
				return h.RejectCall(c, p.CallID)
			}
			return h.EndCall(c, p.CallID)

		case models.EventCallICECandidate:
			var p models.CallICEPayload
			if err := env.Decode(&p); err != nil {
				return invalidPayload("%v", err)
			}
			callID = p.CallID
			return h.RelayICE(c, p)

		case models.EventGetAvailableUsers:
			h.reply(c, models.EventUsersAvailable, h.AvailableUsers(c))
			return nil

		case models.EventGetStats:
			st, err := h.CallStats(ctx, c.Identity)
			if err != nil {
				return err
			}
			h.reply(c, models.EventCallStats, st)
			return nil

		default:
			return ErrUnknownEvent
		}
	}()

	if err != nil {
		h.Fail(c, env.Type, callID, err)
	}
}

// Fail reports err to c alone. Call events fail with voice_call_error, every
// other event with error.
func (h *Hub) Fail(c *Connection, t models.EventType, callID string, err error) {
	code := ErrorCode(err)
	metrics.RelayErrorsTotal.WithLabelValues(code).Inc()

	evt := models.EventError
	if strings.HasPrefix(string(t), "voice_call_") {
		evt = models.EventCallError
	}

	if code == CodeInternal {
		h.logger.Error("relay operation failed", "event", t, "identity", c.Identity, "error", err)
	} else {
		h.logger.Debug("relay operation rejected", "event", t, "identity", c.Identity, "code", code)
	}

	h.reply(c, evt, models.ErrorPayload{
		Code:    code,
		Message: err.Error(),
		CallID:  callID,
	})
}

func (h *Hub) reply(c *Connection, t models.EventType, payload any) {
	env := h.envelope(t, payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	c.enqueue(env)
}
