package canhub

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidChannel    = errors.New("channel index outside device range")
	ErrInvalidBitrate    = errors.New("invalid bitrate")
	ErrPayloadTooLarge   = errors.New("payload exceeds frame capacity")
	ErrChannelNotRunning = errors.New("channel not running")
	ErrInvalidIdentifier = errors.New("identifier outside addressable range")
	ErrBRSWithoutFD      = errors.New("bit-rate switch flag requires an FD frame")
	ErrUnsupported       = errors.New("feature not supported by transport")
	ErrDroppedFrame      = errors.New("transport incoming queue full")
	ErrNilTransport      = errors.New("transport is nil")
	ErrTransportClosed   = errors.New("transport is closed")
)

// HardwareError wraps a failure reported by the transport while programming
// the adapter or moving frames.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hardware error during %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

func hwErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HardwareError{Op: op, Err: err}
}
