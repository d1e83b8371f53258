package canhub

import (
	"context"
	"fmt"
	"sync"
)

// ChannelConfig is the recorded configuration for one logical channel.
// Mutations only reach the hardware on the next Bus.Start.
type ChannelConfig struct {
	// Bitrate is the arbitration phase bitrate in bits/sec. Required for an
	// enabled channel.
	Bitrate int
	// DataBitrate is the FD data phase bitrate in bits/sec, 0 when the
	// channel runs classic CAN only.
	DataBitrate int
	// FD is set once a data bitrate has been configured.
	FD       bool
	Enabled  bool
	Monitor  bool
	Loopback bool
}

// Bus owns the single physical adapter. All channels share its start/stop
// cycle: the silicon has no per-channel start, so Start reprograms every
// channel from the recorded configs in one go.
//
// Callers running stop/configure/start cycles from multiple goroutines must
// wrap the whole cycle in Configure, a half-applied cycle from another
// goroutine would otherwise clobber the channel table mid-sequence.
type Bus struct {
	transport Transport

	mu       sync.Mutex
	running  bool
	channels []ChannelConfig

	seqMu sync.Mutex
}

// New creates a bus on top of an opened transport. The channel table is
// sized from the transport and every channel starts out disabled.
func New(transport Transport) (*Bus, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	n := transport.Channels()
	if n < 1 {
		return nil, fmt.Errorf("transport %q reports no channels", transport.Name())
	}
	return &Bus{
		transport: transport,
		channels:  make([]ChannelConfig, n),
	}, nil
}

var (
	sharedOnce sync.Once
	sharedBus  *Bus
	sharedErr  error
)

// Shared returns the process-wide bus, constructing it through factory on
// the first call. Subsequent calls return the same instance and never invoke
// factory again. Prefer New and explicit plumbing where ownership allows it.
func Shared(factory func() (Transport, error)) (*Bus, error) {
	sharedOnce.Do(func() {
		transport, err := factory()
		if err != nil {
			sharedErr = err
			return
		}
		sharedBus, sharedErr = New(transport)
	})
	return sharedBus, sharedErr
}

// Channels returns the number of logical channels the adapter exposes.
func (b *Bus) Channels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Running reports whether the bus is started.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Config returns a copy of a channel's recorded configuration.
func (b *Bus) Config(channel int) (ChannelConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return ChannelConfig{}, err
	}
	return b.channels[channel], nil
}

// Configure runs fn with exclusive ownership of the stop/configure/start
// cycle. Sessions route their cycles through here.
func (b *Bus) Configure(fn func() error) error {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return fn()
}

// Stop takes the bus off the wire on all channels. Calling Stop on an
// already stopped bus is a no-op.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	if err := b.transport.BusStop(); err != nil {
		return hwErr("bus stop", err)
	}
	b.running = false
	return nil
}

// SetBitrate records the arbitration bitrate for a channel. Takes effect on
// the next Start.
func (b *Bus) SetBitrate(channel, bitrate int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	if bitrate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBitrate, bitrate)
	}
	b.channels[channel].Bitrate = bitrate
	return nil
}

// SetDataBitrate records the FD data phase bitrate for a channel and marks
// it FD capable. The data bitrate may not be below the arbitration bitrate.
func (b *Bus) SetDataBitrate(channel, bitrate int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	if bitrate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBitrate, bitrate)
	}
	if bitrate < b.channels[channel].Bitrate {
		return fmt.Errorf("%w: data bitrate %d below arbitration bitrate %d",
			ErrInvalidBitrate, bitrate, b.channels[channel].Bitrate)
	}
	b.channels[channel].DataBitrate = bitrate
	b.channels[channel].FD = true
	return nil
}

// SetEnabled records whether the channel goes on bus at the next Start.
func (b *Bus) SetEnabled(channel int, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	b.channels[channel].Enabled = enabled
	return nil
}

// SetMonitor records listen-only mode for a channel.
func (b *Bus) SetMonitor(channel int, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	b.channels[channel].Monitor = enabled
	return nil
}

// SetLoopback records hardware loopback mode for a channel.
func (b *Bus) SetLoopback(channel int, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	b.channels[channel].Loopback = enabled
	return nil
}

// Start programs every channel's recorded configuration into the adapter and
// puts the bus on the wire. There is no per-channel start: enabling one
// channel restarts all of them with their last recorded configs.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms, modes := b.transport.(ModeSetter)
	for i, ch := range b.channels {
		if (ch.Monitor || ch.Loopback) && !modes {
			return fmt.Errorf("%w: channel modes", ErrUnsupported)
		}
		// mode flags are config like any other, a cleared flag has to
		// reach the transport too
		if modes {
			if err := ms.SetChannelMode(i, ch.Monitor, ch.Loopback); err != nil {
				return hwErr(fmt.Sprintf("channel %d mode", i), err)
			}
		}
		if ch.Enabled {
			if err := b.transport.ConfigureBitrate(i, ch.Bitrate); err != nil {
				return hwErr(fmt.Sprintf("channel %d bitrate", i), err)
			}
			if ch.FD {
				if err := b.transport.ConfigureDataBitrate(i, ch.DataBitrate); err != nil {
					return hwErr(fmt.Sprintf("channel %d data bitrate", i), err)
				}
			}
		}
		if err := b.transport.SetChannelEnabled(i, ch.Enabled); err != nil {
			return hwErr(fmt.Sprintf("channel %d enable", i), err)
		}
	}
	if err := b.transport.BusStart(); err != nil {
		return hwErr("bus start", err)
	}
	b.running = true
	return nil
}

// Send queues a frame for transmission on a channel. It returns once the
// adapter has accepted the frame, not once it is on the wire.
func (b *Bus) Send(channel int, frame *Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	if !b.running || !b.channels[channel].Enabled {
		return fmt.Errorf("%w: channel %d", ErrChannelNotRunning, channel)
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := b.transport.EnqueueFrame(channel, frame); err != nil {
		return hwErr(fmt.Sprintf("channel %d send", channel), err)
	}
	return nil
}

// Recv returns the next frame pending on a channel, or nil when nothing
// arrives within the transport's polling budget.
func (b *Bus) Recv(channel int) (*Frame, error) {
	b.mu.Lock()
	if err := b.checkChannel(channel); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if !b.running || !b.channels[channel].Enabled {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %d", ErrChannelNotRunning, channel)
	}
	b.mu.Unlock()
	// Polling may block for the transport's budget, don't hold the state
	// lock across it.
	frame, err := b.transport.PollFrame(channel)
	if err != nil {
		return nil, hwErr(fmt.Sprintf("channel %d recv", channel), err)
	}
	return frame, nil
}

// Close stops the bus and releases the transport.
func (b *Bus) Close() error {
	if err := b.Stop(); err != nil {
		return err
	}
	return b.transport.Close()
}

// Open opens the underlying transport.
func (b *Bus) Open(ctx context.Context) error {
	return b.transport.Open(ctx)
}

func (b *Bus) checkChannel(channel int) error {
	if channel < 0 || channel >= len(b.channels) {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return nil
}
