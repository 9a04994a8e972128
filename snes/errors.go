package snes

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceDisconnected    = errors.New("device disconnected")
	ErrTransportClosed       = errors.New("transport closed")
	ErrTimeout               = errors.New("timed out waiting for reply")
	ErrHungConnection        = errors.New("connection hung")
	ErrSizeMismatch          = errors.New("size mismatch")
	ErrProtocolDecode        = errors.New("protocol decode error")
	ErrFireAndForgetRejected = errors.New("command rejected by device")
	ErrNotConnected          = errors.New("not connected")
	ErrInvalidState          = errors.New("invalid connection state")
	ErrOutOfRange            = errors.New("address out of range")
	ErrUnsupported           = errors.New("operation not supported")
)

// TerminalError wraps an error after which the connection cannot be used any more.
type TerminalError struct {
	wrapped error
}

func NewTerminalError(err error) *TerminalError {
	return &TerminalError{wrapped: err}
}

func (e *TerminalError) Unwrap() error { return e.wrapped }
func (e *TerminalError) Error() string {
	if e.wrapped == nil {
		return "snes device terminal error"
	}
	return fmt.Sprintf("snes device terminal error: %v", e.wrapped)
}

// IsTerminal reports whether err should end the connection.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, ErrHungConnection) ||
		errors.Is(err, ErrDeviceDisconnected)
}
