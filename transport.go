package canhub

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Transport is the narrow surface the bus drives the physical adapter
// through. Configuration calls are only issued between BusStop and BusStart,
// frame calls only while the bus is started.
type Transport interface {
	Name() string
	Open(context.Context) error
	Channels() int
	ConfigureBitrate(channel, bitrate int) error
	ConfigureDataBitrate(channel, bitrate int) error
	SetChannelEnabled(channel int, enabled bool) error
	BusStart() error
	BusStop() error
	EnqueueFrame(channel int, frame *Frame) error
	PollFrame(channel int) (*Frame, error)
	Close() error
}

// ModeSetter is implemented by transports that support listen-only and
// hardware loopback channel modes.
type ModeSetter interface {
	SetChannelMode(channel int, monitor, loopback bool) error
}

type TransportInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	New                func(*TransportConfig) (Transport, error)
}

func (t *TransportInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v", t.Name, t.Description, t.RequiresSerialPort)
}

type TransportConfig struct {
	Debug        bool
	Port         string
	PortBaudrate int
	OnMessage    func(string)
	OnError      func(error)
}

var transportMap = make(map[string]*TransportInfo)

func NewTransport(name string, cfg *TransportConfig) (Transport, error) {
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				fmt.Printf("%s#%d %v\n", filepath.Base(file), no, msg)
			} else {
				log.Println(msg)
			}
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			log.Println(err)
		}
	}
	if transport, found := transportMap[strings.ToLower(name)]; found {
		return transport.New(cfg)
	}
	return nil, fmt.Errorf("unknown transport %q", name)
}

func RegisterTransport(transport *TransportInfo) error {
	key := strings.ToLower(transport.Name)
	if _, found := transportMap[key]; found {
		return fmt.Errorf("transport %s already registered", transport.Name)
	}
	transportMap[key] = transport
	return nil
}

func ListTransportNames() []string {
	var out []string
	for _, t := range transportMap {
		out = append(out, t.Name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListTransports() []TransportInfo {
	var out []TransportInfo
	for _, t := range transportMap {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
