package canhub

import (
	"errors"
	"testing"
)

func TestSession_StartSequence(t *testing.T) {
	ft := newFakeTransport(2)
	bus := newTestBus(t, ft)
	sess := NewSession(bus, 0)

	if err := sess.Start(500_000, 0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cfg, err := bus.Config(0)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enabled || cfg.Bitrate != 500_000 || cfg.FD {
		t.Errorf("config after Start = %+v", cfg)
	}
	if !bus.Running() {
		t.Error("bus not running after session Start")
	}

	// classic send at the 8 byte limit goes through
	if _, err := sess.Send(0x1B, make([]byte, 8), false, false); err != nil {
		t.Errorf("Send() error: %v", err)
	}
}

func TestSession_StartWithDataRate(t *testing.T) {
	ft := newFakeTransport(2)
	bus := newTestBus(t, ft)
	sess := NewSession(bus, 0)

	if err := sess.Start(500_000, 2_000_000); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cfg, _ := bus.Config(0)
	if !cfg.FD || cfg.DataBitrate != 2_000_000 {
		t.Errorf("config after FD Start = %+v", cfg)
	}

	// a 10 byte bit-rate switched frame fits an FD channel
	if _, err := sess.Send(0x1B, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, true, true); err != nil {
		t.Errorf("Send() FD+BRS error: %v", err)
	}
	sent := ft.sent[0]
	if len(sent) != 1 || !sent[0].FD || !sent[0].BRS {
		t.Errorf("transport saw %+v, want one FD+BRS frame", sent)
	}
}

func TestSession_StopRestartsBus(t *testing.T) {
	ft := newFakeTransport(2)
	bus := newTestBus(t, ft)
	zero := NewSession(bus, 0)
	one := NewSession(bus, 1)

	if err := zero.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	if err := one.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	if err := zero.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	cfgZero, _ := bus.Config(0)
	cfgOne, _ := bus.Config(1)
	if cfgZero.Enabled {
		t.Error("channel 0 still enabled after session Stop")
	}
	// the other channel's config survives the restart
	if !cfgOne.Enabled || cfgOne.Bitrate != 500_000 {
		t.Errorf("channel 1 config clobbered by Stop: %+v", cfgOne)
	}
	if !bus.Running() {
		t.Error("bus stopped for good, Stop should restart it")
	}
}

func TestSession_TxCount(t *testing.T) {
	ft := newFakeTransport(2)
	bus := newTestBus(t, ft)
	sess := NewSession(bus, 0)
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		n, err := sess.Send(0x1B, []byte{byte(want)}, false, false)
		if err != nil {
			t.Fatalf("Send() #%d error: %v", want, err)
		}
		if n != want {
			t.Errorf("Send() #%d returned count %d", want, n)
		}
	}

	// failed sends leave the count alone
	if _, err := sess.Send(0x1B, make([]byte, 9), false, false); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized Send() error = %v, want ErrPayloadTooLarge", err)
	}
	ft.failOn = "send 0"
	if _, err := sess.Send(0x1B, []byte{1}, false, false); err == nil {
		t.Fatal("Send() with rejecting transport succeeded")
	}
	if sess.TxCount() != 3 {
		t.Errorf("TxCount() = %d after failed sends, want 3", sess.TxCount())
	}
}

func TestSession_SendPromotesExtendedID(t *testing.T) {
	ft := newFakeTransport(1)
	bus := newTestBus(t, ft)
	sess := NewSession(bus, 0)
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Send(0x1FFF0000, []byte{1}, false, false); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	sent := ft.sent[0]
	if len(sent) != 1 || !sent[0].Extended {
		t.Errorf("frame with 29 bit id not marked extended: %+v", sent)
	}
}

func TestSession_RecvDelegates(t *testing.T) {
	ft := newFakeTransport(2)
	bus := newTestBus(t, ft)
	sess := NewSession(bus, 1)
	if err := sess.Start(500_000, 0); err != nil {
		t.Fatal(err)
	}
	want, _ := NewFrame(0x1B, []byte{9, 9})
	ft.queues[1] = []*Frame{want}
	got, err := sess.Recv()
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if got != want {
		t.Errorf("Recv() = %+v, want the queued frame", got)
	}
}
