package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/roffe/canhub"
)

func openLoopbackBus(t *testing.T, channels int) (*canhub.Bus, *Loopback) {
	t.Helper()
	lb, err := NewLoopbackChannels(&canhub.TransportConfig{}, channels)
	if err != nil {
		t.Fatalf("NewLoopbackChannels() error: %v", err)
	}
	bus, err := canhub.New(lb)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := bus.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return bus, lb
}

// The bench scenario: channel 0 at 500k/2M transmits a 10 byte bit-rate
// switched FD frame, channel 1 of the same adapter is bridged back and
// receives it.
func TestLoopback_BridgedTxRx(t *testing.T) {
	bus, _ := openLoopbackBus(t, 2)

	arbRate, dataRate := 500_000, 2_000_000
	fd := dataRate > arbRate && dataRate > 500_000
	if !fd {
		t.Fatal("fd should derive true for 2M over 500k")
	}

	tx := canhub.NewSession(bus, 0)
	rx := canhub.NewSession(bus, 1)
	if err := tx.Start(arbRate, dataRate); err != nil {
		t.Fatalf("tx Start() error: %v", err)
	}
	if err := rx.Start(arbRate, dataRate); err != nil {
		t.Fatalf("rx Start() error: %v", err)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	n, err := tx.Send(0x1B, payload, fd, fd)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if n != 1 {
		t.Errorf("tx count = %d, want 1", n)
	}

	frame, err := rx.Recv()
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if frame == nil {
		t.Fatal("Recv() = nil, want the bridged frame")
	}
	if frame.Identifier != 0x1B || !frame.FD || !frame.BRS {
		t.Errorf("bridged frame = %+v", frame)
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Errorf("bridged payload = % X, want % X", frame.Data, payload)
	}
	if frame.Timestamp.IsZero() {
		t.Error("bridged frame has no receive timestamp")
	}

	// no echo to the sender unless loopback mode is on
	if echo, err := tx.Recv(); err != nil || echo != nil {
		t.Errorf("sender Recv() = %v, %v, want nil, nil", echo, err)
	}
}

func TestLoopback_OnlyEnabledChannelsReceive(t *testing.T) {
	lb, err := NewLoopbackChannels(&canhub.TransportConfig{}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := lb.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []int{0, 1} {
		if err := lb.ConfigureBitrate(ch, 500_000); err != nil {
			t.Fatal(err)
		}
		if err := lb.SetChannelEnabled(ch, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := lb.BusStart(); err != nil {
		t.Fatalf("BusStart() error: %v", err)
	}

	if err := lb.EnqueueFrame(0, &canhub.Frame{Identifier: 0x10, Data: []byte{1}}); err != nil {
		t.Fatalf("EnqueueFrame() error: %v", err)
	}
	if f, _ := lb.PollFrame(1); f == nil {
		t.Error("enabled channel 1 got nothing")
	}
	if f, _ := lb.PollFrame(2); f != nil {
		t.Errorf("disabled channel 2 got %+v", f)
	}
}

func TestLoopback_EchoMode(t *testing.T) {
	bus, _ := openLoopbackBus(t, 2)
	if err := bus.SetLoopback(0, true); err != nil {
		t.Fatal(err)
	}
	sess := canhub.NewSession(bus, 0)
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Send(0x77, []byte{0xAA}, false, false); err != nil {
		t.Fatal(err)
	}
	frame, err := sess.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if frame == nil || !frame.Loopback || frame.Identifier != 0x77 {
		t.Errorf("echoed frame = %+v, want loopback of 0x77", frame)
	}
}

func TestLoopback_MonitorBlocksTransmit(t *testing.T) {
	bus, _ := openLoopbackBus(t, 2)
	if err := bus.SetMonitor(0, true); err != nil {
		t.Fatal(err)
	}
	sess := canhub.NewSession(bus, 0)
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Send(0x1B, []byte{1}, false, false); err == nil {
		t.Error("Send() on a listen-only channel succeeded")
	}
}

func TestLoopback_MonitorClearedOnRestart(t *testing.T) {
	bus, _ := openLoopbackBus(t, 2)
	if err := bus.SetMonitor(0, true); err != nil {
		t.Fatal(err)
	}
	sess := canhub.NewSession(bus, 0)
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Send(0x1B, []byte{1}, false, false); err == nil {
		t.Fatal("Send() on a listen-only channel succeeded")
	}

	// clearing the flag takes effect on the next Start like any other
	// config field
	if err := bus.SetMonitor(0, false); err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	if _, err := sess.Send(0x1B, []byte{1}, false, false); err != nil {
		t.Errorf("Send() after clearing monitor mode: %v", err)
	}
}

func TestLoopback_RejectsEnabledChannelWithoutBitrate(t *testing.T) {
	bus, _ := openLoopbackBus(t, 2)
	if err := bus.SetEnabled(0, true); err != nil {
		t.Fatal(err)
	}
	err := bus.Start()
	var hw *canhub.HardwareError
	if !errors.As(err, &hw) {
		t.Errorf("Start() error = %v, want *HardwareError", err)
	}
	if bus.Running() {
		t.Error("bus running after rejected Start")
	}
}
