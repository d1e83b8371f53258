package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/canhub"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// CANtact Pro style dual channel adapter speaking an slcan-flavoured ASCII
// protocol with a channel digit after the verb:
//
//	S<ch><rate>   set arbitration bitrate
//	Y<ch><rate>   set FD data bitrate
//	E<ch><0|1>    channel off/on bus at next O
//	M<ch><m><l>   listen-only and loopback mode digits
//	O / C         bus start / bus stop
//	V             firmware version
//
// Frames use t/T (classic std/ext), r/R (remote), d/D (FD) and b/B (FD with
// bit-rate switch), followed by channel digit, 3 or 8 identifier hex digits,
// one DLC code digit and the payload in hex. Lines end with CR, the device
// answers unknown commands with a bell.
const (
	serialChannelCount = 2
	serialQueueSize    = 256
	serialPollBudget   = 20 * time.Millisecond
)

func init() {
	if err := canhub.RegisterTransport(&canhub.TransportInfo{
		Name:               "CANtact",
		Description:        "CANtact Pro dual channel USB adapter",
		RequiresSerialPort: true,
		New:                NewCANtact,
	}); err != nil {
		panic(err)
	}
}

type CANtact struct {
	cfg  *canhub.TransportConfig
	port serial.Port

	writeMu sync.Mutex
	queues  []chan *canhub.Frame

	closeOnce sync.Once
	closeChan chan struct{}
	closed    bool
}

func NewCANtact(cfg *canhub.TransportConfig) (canhub.Transport, error) {
	queues := make([]chan *canhub.Frame, serialChannelCount)
	for i := range queues {
		queues[i] = make(chan *canhub.Frame, serialQueueSize)
	}
	return &CANtact{
		cfg:       cfg,
		queues:    queues,
		closeChan: make(chan struct{}),
	}, nil
}

func (c *CANtact) Name() string {
	return "CANtact"
}

func (c *CANtact) Channels() int {
	return serialChannelCount
}

func (c *CANtact) Open(ctx context.Context) error {
	portName, err := resolvePort(c.cfg.Port)
	if err != nil {
		return err
	}
	mode := &serial.Mode{
		BaudRate: c.cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q : %v", c.cfg.Port, err)
	}
	p.SetReadTimeout(5 * time.Millisecond)
	p.ResetOutputBuffer()
	p.ResetInputBuffer()
	c.port = p

	err = retry.Do(
		func() error { return c.handshake() },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.OnRetry(func(n uint, err error) {
			if c.cfg.Debug {
				log.Printf("handshake attempt %d: %v", n+1, err)
			}
		}),
	)
	if err != nil {
		p.Close()
		return fmt.Errorf("no response from device: %w", err)
	}

	go c.recvManager()
	return nil
}

// handshake asks for the firmware version and waits for any CR terminated
// reply. The read manager is not running yet so we read the port directly.
func (c *CANtact) handshake() error {
	if err := c.writeCommand("V"); err != nil {
		return err
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	buf := make([]byte, 16)
	for time.Now().Before(deadline) {
		n, err := c.port.Read(buf)
		if err != nil {
			return fmt.Errorf("failed to read com port: %w", err)
		}
		if bytes.IndexByte(buf[:n], '\r') >= 0 {
			return nil
		}
	}
	return errors.New("timeout waiting for version reply")
}

func (c *CANtact) Close() error {
	c.closeOnce.Do(func() {
		c.closed = true
		close(c.closeChan)
	})
	if c.port == nil {
		return nil
	}
	c.writeCommand("C")
	time.Sleep(10 * time.Millisecond)
	return c.port.Close()
}

func (c *CANtact) ConfigureBitrate(channel, bitrate int) error {
	return c.writeCommand(fmt.Sprintf("S%d%d", channel, bitrate))
}

func (c *CANtact) ConfigureDataBitrate(channel, bitrate int) error {
	return c.writeCommand(fmt.Sprintf("Y%d%d", channel, bitrate))
}

func (c *CANtact) SetChannelEnabled(channel int, enabled bool) error {
	on := 0
	if enabled {
		on = 1
	}
	return c.writeCommand(fmt.Sprintf("E%d%d", channel, on))
}

// SetChannelMode implements canhub.ModeSetter.
func (c *CANtact) SetChannelMode(channel int, monitor, loopback bool) error {
	m, l := 0, 0
	if monitor {
		m = 1
	}
	if loopback {
		l = 1
	}
	return c.writeCommand(fmt.Sprintf("M%d%d%d", channel, m, l))
}

func (c *CANtact) BusStart() error {
	return c.writeCommand("O")
}

func (c *CANtact) BusStop() error {
	return c.writeCommand("C")
}

func (c *CANtact) EnqueueFrame(channel int, frame *canhub.Frame) error {
	line, err := encodeFrame(channel, frame)
	if err != nil {
		return err
	}
	if c.cfg.Debug {
		log.Println(">> " + line)
	}
	return c.writeCommand(line)
}

func (c *CANtact) PollFrame(channel int) (*canhub.Frame, error) {
	if channel < 0 || channel >= len(c.queues) {
		return nil, fmt.Errorf("no queue for channel %d", channel)
	}
	select {
	case frame := <-c.queues[channel]:
		return frame, nil
	case <-c.closeChan:
		return nil, canhub.ErrTransportClosed
	case <-time.After(serialPollBudget):
		return nil, nil
	}
}

func (c *CANtact) writeCommand(cmd string) error {
	if c.port == nil {
		return canhub.ErrTransportClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.port.Write(append([]byte(cmd), '\r')); err != nil {
		return fmt.Errorf("failed to write to com port: %s, %w", cmd, err)
	}
	return nil
}

func (c *CANtact) recvManager() {
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 32)
	for {
		select {
		case <-c.closeChan:
			return
		default:
		}
		n, err := c.port.Read(readBuffer)
		if err != nil {
			if !c.closed {
				c.cfg.OnError(fmt.Errorf("failed to read com port: %w", err))
			}
			return
		}
		if n == 0 {
			continue
		}
		c.parse(buff, readBuffer[:n])
	}
}

func (c *CANtact) parse(buff *bytes.Buffer, readBuffer []byte) {
	for _, b := range readBuffer {
		if b != '\r' {
			if b == 0x07 { // bell, last command was unknown
				c.cfg.OnError(errors.New("device rejected command"))
				continue
			}
			buff.WriteByte(b)
			continue
		}
		if buff.Len() == 0 {
			continue
		}
		line := buff.String()
		buff.Reset()
		switch line[0] {
		case 't', 'T', 'r', 'R', 'd', 'D', 'b', 'B':
			if c.cfg.Debug {
				log.Println("<< " + line)
			}
			channel, frame, err := decodeFrame(line)
			if err != nil {
				c.cfg.OnError(fmt.Errorf("failed to decode frame: %q: %w", line, err))
				continue
			}
			if channel < 0 || channel >= len(c.queues) {
				c.cfg.OnError(fmt.Errorf("frame for unknown channel %d", channel))
				continue
			}
			select {
			case c.queues[channel] <- frame:
			default:
				c.cfg.OnError(canhub.ErrDroppedFrame)
			}
		case 'V':
			c.cfg.OnMessage("firmware " + strings.TrimPrefix(line, "V"))
		default:
			c.cfg.OnMessage("Unknown>> " + line)
		}
	}
}

// encodeFrame renders a frame as a protocol line without the trailing CR.
func encodeFrame(channel int, f *canhub.Frame) (string, error) {
	var verb byte
	switch {
	case f.RTR:
		verb = 'r'
	case f.FD && f.BRS:
		verb = 'b'
	case f.FD:
		verb = 'd'
	default:
		verb = 't'
	}
	if f.Extended {
		verb -= 'a' - 'A'
	}
	var out strings.Builder
	out.WriteByte(verb)
	out.WriteString(strconv.Itoa(channel))
	if f.Extended {
		out.WriteString(fmt.Sprintf("%08X", f.Identifier))
	} else {
		out.WriteString(fmt.Sprintf("%03X", f.Identifier))
	}
	wireLen := f.WireLength()
	code, err := lenToDLC(wireLen, f.FD)
	if err != nil {
		return "", err
	}
	out.WriteByte(code)
	// FD payloads pad with zeros up to the wire length
	data := f.Data
	if wireLen > len(data) {
		padded := make([]byte, wireLen)
		copy(padded, data)
		data = padded
	}
	out.WriteString(strings.ToUpper(hex.EncodeToString(data)))
	return out.String(), nil
}

func decodeFrame(line string) (int, *canhub.Frame, error) {
	if len(line) < 3 {
		return 0, nil, errors.New("line too short")
	}
	verb := line[0]
	channel := int(line[1] - '0')
	frame := &canhub.Frame{Timestamp: time.Now()}
	switch verb {
	case 'T', 'R', 'D', 'B':
		frame.Extended = true
	}
	switch verb {
	case 'r', 'R':
		frame.RTR = true
	case 'd', 'D':
		frame.FD = true
	case 'b', 'B':
		frame.FD = true
		frame.BRS = true
	}
	idLen := 3
	if frame.Extended {
		idLen = 8
	}
	rest := line[2:]
	if len(rest) < idLen+1 {
		return 0, nil, errors.New("truncated header")
	}
	id, err := strconv.ParseUint(rest[:idLen], 16, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode identifier: %v", err)
	}
	// devices have been seen setting bits above the identifier range
	mask := uint32(0x7FF)
	if frame.Extended {
		mask = 0x1FFFFFFF
	}
	frame.Identifier = uint32(id) & mask
	code := rest[idLen]
	length, err := dlcToLen(code, frame.FD)
	if err != nil {
		return 0, nil, err
	}
	data, err := hex.DecodeString(rest[idLen+1:])
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode frame body: %v", err)
	}
	if len(data) != length {
		return 0, nil, fmt.Errorf("DLC %c promises %d bytes, got %d", code, length, len(data))
	}
	frame.Data = data
	return channel, frame, nil
}

// DLC codes 9..15 map onto canhub.FDSizes.
func dlcToLen(code byte, fd bool) (int, error) {
	v, err := strconv.ParseUint(string(code), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid DLC code %q", code)
	}
	if v <= 8 {
		return int(v), nil
	}
	if !fd {
		return 0, fmt.Errorf("DLC code %c on a classic frame", code)
	}
	return canhub.FDSizes[v-9], nil
}

func lenToDLC(length int, fd bool) (byte, error) {
	if length <= 8 {
		return byte('0' + length), nil
	}
	if !fd {
		return 0, canhub.ErrPayloadTooLarge
	}
	for i, s := range canhub.FDSizes {
		if length == s {
			return "9ABCDEF"[i], nil
		}
	}
	return 0, fmt.Errorf("no DLC code for length %d", length)
}

// resolvePort validates the requested com port against the enumerated ports
// on the system. "*" prints the discovered ports instead.
func resolvePort(portName string) (string, error) {
	if runtime.GOOS == "windows" {
		portName = strings.ToUpper(portName)
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	if portName == "*" {
		log.Println("discovered com ports:")
	}
	for _, port := range ports {
		if port.Name == portName || portName == "*" {
			log.Printf("port: %s\n", port.Name)
			if port.IsUSB {
				log.Printf("   USB ID      %s:%s\n", port.VID, port.PID)
				log.Printf("   USB serial  %s\n", port.SerialNumber)
			}
			if portName == "*" {
				continue
			}
			return portName, nil
		}
	}
	return "", errors.New("no device selected")
}
