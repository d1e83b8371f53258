// Package canhub drives multi-channel CAN/CAN-FD adapters that share one
// global start/stop cycle across all channels.
//
// The hardware constraint at the heart of the package: per-channel settings
// (bitrates, enable flags, modes) can only be applied while the bus is
// stopped, and starting the bus reprograms every channel at once. Bus models
// that cycle, Session gives callers a per-channel view, and Transport is the
// seam to the actual adapter (serial device, in-memory loopback, ...).
package canhub
