package canhub

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	// MaxClassicPayload is the payload limit for classic CAN frames.
	MaxClassicPayload = 8
	// MaxFDPayload is the payload limit for CAN-FD frames.
	MaxFDPayload = 64

	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)

// Frame is a single CAN or CAN-FD message. Frames are value carriers, the
// bus never retains one past the call that produced it.
type Frame struct {
	Identifier uint32
	Data       []byte
	Extended   bool
	RTR        bool
	FD         bool
	BRS        bool

	// ErrorFrame marks bus error reports, only ever set on received frames.
	ErrorFrame bool
	// Loopback marks an echo of a frame this device sent itself.
	Loopback bool
	// Timestamp is set by the transport on receive, zero for outgoing frames.
	Timestamp time.Time
}

type FrameOpt func(*Frame)

// Extended forces a 29 bit identifier even when the id fits in 11 bits.
func Extended() FrameOpt {
	return func(f *Frame) { f.Extended = true }
}

// RTR marks the frame as a remote transmission request.
func RTR() FrameOpt {
	return func(f *Frame) { f.RTR = true }
}

// FD marks the frame as CAN-FD, raising the payload limit to 64 bytes.
func FD() FrameOpt {
	return func(f *Frame) { f.FD = true }
}

// BRS requests a bit-rate switched data phase. Only valid together with FD.
func BRS() FrameOpt {
	return func(f *Frame) { f.BRS = true }
}

// NewFrame builds a validated frame, copying the data slice. The identifier
// is promoted to extended automatically when it exceeds the 11 bit range.
func NewFrame(identifier uint32, data []byte, opts ...FrameOpt) (*Frame, error) {
	d := make([]byte, len(data))
	copy(d, data)
	f := &Frame{
		Identifier: identifier,
		Data:       d,
	}
	if identifier > maxStandardID {
		f.Extended = true
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks identifier range, payload size and flag consistency.
func (f *Frame) Validate() error {
	if f.BRS && !f.FD {
		return ErrBRSWithoutFD
	}
	max := uint32(maxStandardID)
	if f.Extended {
		max = maxExtendedID
	}
	if f.Identifier > max {
		return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, f.Identifier)
	}
	limit := MaxClassicPayload
	if f.FD {
		limit = MaxFDPayload
	}
	if len(f.Data) > limit {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Data), limit)
	}
	return nil
}

// Length returns the payload length in bytes.
func (f *Frame) Length() int {
	return len(f.Data)
}

// WireLength is the padded length the frame occupies on the wire. Classic
// frames carry their payload as-is, FD payloads above 8 bytes snap up to the
// next legal DLC size.
func (f *Frame) WireLength() int {
	if !f.FD {
		return len(f.Data)
	}
	return FDLength(len(f.Data))
}

// FDSizes are the legal CAN-FD payload sizes above the classic 0..8 range,
// in DLC code order (codes 9 through 15).
var FDSizes = [...]int{12, 16, 20, 24, 32, 48, 64}

// FDLength snaps a payload length to the next legal CAN-FD frame size.
func FDLength(n int) int {
	if n <= MaxClassicPayload {
		return n
	}
	for _, s := range FDSizes {
		if n <= s {
			return s
		}
	}
	return MaxFDPayload
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) flagString() string {
	var flags []string
	if f.Extended {
		flags = append(flags, "EXT")
	}
	if f.RTR {
		flags = append(flags, "RTR")
	}
	if f.BRS {
		flags = append(flags, "BRS")
	} else if f.FD {
		flags = append(flags, "FD")
	}
	if f.ErrorFrame {
		flags = append(flags, "ERR")
	}
	if f.Loopback {
		flags = append(flags, "LB")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("0x%03X", f.Identifier) + " || ")
	out.WriteString(fmt.Sprintf("%-10s", f.flagString()) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("0x%03X", f.Identifier) + " || ")
	out.WriteString(red("%-10s", f.flagString()) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
