package devtools

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolTimeout is returned when a command gets no result within its budget.
	ErrProtocolTimeout = errors.New("devtools: protocol timeout")
	// ErrConnectionLost is returned once the socket is closed or broken.
	ErrConnectionLost = errors.New("devtools: connection lost")
	// ErrProtocol matches every *ProtocolError through errors.Is.
	ErrProtocol = errors.New("devtools: protocol error")
)

// ProtocolError is an explicit error reported by the browser or by the proxy
// sitting in front of it.
type ProtocolError struct {
	Code    int
	Message string
	// Method is the command the error answered; empty for errors carried
	// by events.
	Method string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("devtools: %s (code %d)", e.Message, e.Code)
	}
	return "devtools: " + e.Message
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// HandlerPanic wraps a panic recovered from an event handler.
type HandlerPanic struct {
	Value interface{}
	Stack []byte
}

func (p *HandlerPanic) Error() string {
	return fmt.Sprintf("devtools: event handler panic: %v", p.Value)
}
