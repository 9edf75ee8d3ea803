package relay

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationMissing = errors.New("authentication missing")
	ErrUserOffline           = errors.New("user is offline")
	ErrNotConnected          = errors.New("not connected to user")
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrInvalidCallReference  = errors.New("invalid call reference")
	ErrUserBusy              = errors.New("user is busy")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrUnknownEvent          = errors.New("unknown event")
)

// Error codes carried in error and voice_call_error payloads
const (
	CodeAuthenticationMissing = "authentication_missing"
	CodeUserOffline           = "user_offline"
	CodeNotConnected          = "not_connected"
	CodePayloadTooLarge       = "payload_too_large"
	CodeInvalidCallReference  = "invalid_call_reference"
	CodeUserBusy              = "user_busy"
	CodeInvalidPayload        = "invalid_payload"
	CodeUnknownEvent          = "unknown_event"
	CodeInternal              = "internal_error"
)

// ErrorCode maps err to the code reported to clients
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationMissing):
		return CodeAuthenticationMissing
	case errors.Is(err, ErrUserOffline):
		return CodeUserOffline
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrInvalidCallReference):
		return CodeInvalidCallReference
	case errors.Is(err, ErrUserBusy):
		return CodeUserBusy
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	default:
		return CodeInternal
	}
}

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}
