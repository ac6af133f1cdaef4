// Package marlin drives a 3D printer's Marlin-compatible firmware over a
// serial connection: line-numbered, checksummed command framing, resend
// recovery, busy/timeout handling, temperature telemetry, and streaming a
// G-code file under the Sequential Task Runner's single-writer discipline
// (spec §4.6). The pending-acknowledgement FIFO handling is grounded on the retrieval pack's robosla-agent downlink.go, generalized
// from its samofly/serial transport to go.bug.st/serial so DTR/RTS control
// is available for the handshake (spec §4.6.1).
package marlin

import (
	"io"

	"go.bug.st/serial"
)

// ISerialPort is the duplex transport the driver depends on (spec §4.6.1):
// DTR/RTS control, input/output buffer discard, and a blocking read/write
// stream (the baud rate is fixed when OpenPort opens the port). go.bug.st/serial's Port already satisfies this, so OpenPort can
// hand one back directly; tests use NewFakePort instead.
type ISerialPort interface {
	io.ReadWriter
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// OpenPort opens name at baud 8N1 and returns it as an ISerialPort.
func OpenPort(name string, baud int) (ISerialPort, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
