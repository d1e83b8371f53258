package canhub

// Session is a per-channel façade over the shared bus. It carries the
// channel id and a count of successful transmissions, nothing else: all
// state lives in the bus.
type Session struct {
	bus     *Bus
	channel int
	txCount int
}

// NewSession binds a session to one channel of the shared bus.
func NewSession(bus *Bus, channel int) *Session {
	return &Session{
		bus:     bus,
		channel: channel,
	}
}

// Channel returns the channel id this session is bound to.
func (s *Session) Channel() int {
	return s.channel
}

// TxCount returns the number of successful sends since the session was
// created.
func (s *Session) TxCount() int {
	return s.txCount
}

// Start configures this channel and brings the bus up. A dataRate of 0 keeps
// the channel classic CAN only, any other value enables FD with a bit-rate
// switched data phase.
//
// The bus has a single global start/stop cycle, so this restarts every other
// channel with its last recorded config as well. When several sessions are
// composed the last Start wins for any globally shared timing.
func (s *Session) Start(arbitrationRate, dataRate int) error {
	return s.bus.Configure(func() error {
		if err := s.bus.Stop(); err != nil {
			return err
		}
		if err := s.bus.SetBitrate(s.channel, arbitrationRate); err != nil {
			return err
		}
		if dataRate != 0 {
			if err := s.bus.SetDataBitrate(s.channel, dataRate); err != nil {
				return err
			}
		}
		if err := s.bus.SetEnabled(s.channel, true); err != nil {
			return err
		}
		return s.bus.Start()
	})
}

// Stop disables this channel and restarts the bus with all other channels'
// configs intact.
func (s *Session) Stop() error {
	return s.bus.Configure(func() error {
		if err := s.bus.Stop(); err != nil {
			return err
		}
		if err := s.bus.SetEnabled(s.channel, false); err != nil {
			return err
		}
		return s.bus.Start()
	})
}

// Send transmits one frame on this channel and returns the updated tx
// count. The identifier is promoted to extended automatically above the
// 11 bit range. Errors surface unchanged and leave the count untouched.
func (s *Session) Send(identifier uint32, data []byte, fd, brs bool) (int, error) {
	var opts []FrameOpt
	if fd {
		opts = append(opts, FD())
	}
	if brs {
		opts = append(opts, BRS())
	}
	frame, err := NewFrame(identifier, data, opts...)
	if err != nil {
		return s.txCount, err
	}
	if err := s.bus.Send(s.channel, frame); err != nil {
		return s.txCount, err
	}
	s.txCount++
	return s.txCount, nil
}

// Recv returns the next pending frame on this channel, nil when none
// arrives within the transport's polling budget.
func (s *Session) Recv() (*Frame, error) {
	return s.bus.Recv(s.channel)
}
