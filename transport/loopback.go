// Package transport contains the adapter transports shipped with canhub.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roffe/canhub"
)

const (
	loopbackQueueSize  = 64
	loopbackPollBudget = 10 * time.Millisecond
)

func init() {
	if err := canhub.RegisterTransport(&canhub.TransportInfo{
		Name:               "Loopback",
		Description:        "in-memory bridge between channels, for tests and bench setups",
		RequiresSerialPort: false,
		New:                NewLoopback,
	}); err != nil {
		panic(err)
	}
}

// Loopback is an in-memory transport that bridges its channels: a frame
// enqueued on one on-bus channel is delivered to the receive queue of every
// other on-bus channel, the way a bench harness wires two ports of the same
// adapter together.
type Loopback struct {
	cfg *canhub.TransportConfig

	mu       sync.Mutex
	opened   bool
	started  bool
	bitrates []int
	dataRate []int
	enabled  []bool
	monitor  []bool
	echo     []bool
	queues   []chan *canhub.Frame
}

// NewLoopback creates a two channel loopback transport.
func NewLoopback(cfg *canhub.TransportConfig) (canhub.Transport, error) {
	return NewLoopbackChannels(cfg, 2)
}

// NewLoopbackChannels creates a loopback transport with the given channel
// count.
func NewLoopbackChannels(cfg *canhub.TransportConfig, channels int) (*Loopback, error) {
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	return &Loopback{
		cfg:      cfg,
		bitrates: make([]int, channels),
		dataRate: make([]int, channels),
		enabled:  make([]bool, channels),
		monitor:  make([]bool, channels),
		echo:     make([]bool, channels),
		queues:   make([]chan *canhub.Frame, channels),
	}, nil
}

func (l *Loopback) Name() string {
	return "Loopback"
}

func (l *Loopback) Channels() int {
	return len(l.bitrates)
}

func (l *Loopback) Open(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = true
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = false
	l.started = false
	return nil
}

func (l *Loopback) ConfigureBitrate(channel, bitrate int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bitrates[channel] = bitrate
	return nil
}

func (l *Loopback) ConfigureDataBitrate(channel, bitrate int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dataRate[channel] = bitrate
	return nil
}

func (l *Loopback) SetChannelEnabled(channel int, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled[channel] = enabled
	return nil
}

// SetChannelMode implements canhub.ModeSetter. Monitor suppresses the
// channel's own transmissions, echo mirrors them back to its own queue.
func (l *Loopback) SetChannelMode(channel int, monitor, loopback bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.monitor[channel] = monitor
	l.echo[channel] = loopback
	return nil
}

// BusStart validates the combined configuration and arms fresh receive
// queues. An enabled channel without a bitrate, or with a data bitrate below
// its arbitration bitrate, is rejected the way real silicon would refuse the
// timing registers.
func (l *Loopback) BusStart() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return canhub.ErrTransportClosed
	}
	for i, on := range l.enabled {
		if !on {
			continue
		}
		if l.bitrates[i] <= 0 {
			return fmt.Errorf("channel %d enabled without a bitrate", i)
		}
		if l.dataRate[i] != 0 && l.dataRate[i] < l.bitrates[i] {
			return fmt.Errorf("channel %d data bitrate below arbitration bitrate", i)
		}
	}
	for i := range l.queues {
		l.queues[i] = make(chan *canhub.Frame, loopbackQueueSize)
	}
	l.started = true
	return nil
}

func (l *Loopback) BusStop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
	return nil
}

func (l *Loopback) EnqueueFrame(channel int, frame *canhub.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return canhub.ErrTransportClosed
	}
	if l.monitor[channel] {
		return fmt.Errorf("channel %d is listen-only", channel)
	}
	for i, q := range l.queues {
		if !l.enabled[i] {
			continue
		}
		if i == channel && !l.echo[channel] {
			continue
		}
		rx := *frame
		rx.Data = append([]byte(nil), frame.Data...)
		rx.Timestamp = time.Now()
		rx.Loopback = i == channel
		select {
		case q <- &rx:
		default:
			if l.cfg != nil && l.cfg.OnError != nil {
				l.cfg.OnError(canhub.ErrDroppedFrame)
			}
		}
	}
	return nil
}

func (l *Loopback) PollFrame(channel int) (*canhub.Frame, error) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil, canhub.ErrTransportClosed
	}
	q := l.queues[channel]
	l.mu.Unlock()
	select {
	case frame := <-q:
		return frame, nil
	case <-time.After(loopbackPollBudget):
		return nil, nil
	}
}
