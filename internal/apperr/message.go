package apperr

import (
	"errors"
	"fmt"
)

// ErrNotReady is wrapped by process errors raised when a server never
// reported readiness within the configured timeout.
var ErrNotReady = errors.New("server did not become ready")

// UserMessage renders err the way the chat front end shows it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Kind {
	case KindProcess:
		if errors.Is(err, ErrNotReady) {
			return ErrNotReady.Error()
		}
		if e.Code >= 0 {
			return fmt.Sprintf("server exited with code %d", e.Code)
		}
		return "server failed to start: " + e.Error()
	case KindNetwork, KindProtocol:
		if e.Op == "inference" {
			return "unable to get response"
		}
		return e.Error()
	default:
		return e.Error()
	}
}
