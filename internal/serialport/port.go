package serialport

import (
	"bytes"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/oshokin/piguard/internal/modem"
)

// pollInterval is the read timeout of the underlying port. ReadLine
// returns modem.ErrNoData after one interval without a complete line,
// which is what lets the session's reader observe shutdown promptly.
const pollInterval = 100 * time.Millisecond

// Port adapts a go.bug.st serial port to the modem.Channel interface,
// turning the raw byte stream into trimmed-terminator lines.
type Port struct {
	// port is the open serial device.
	port serial.Port
	// buf holds bytes received ahead of the next line terminator.
	buf []byte
}

// Open opens the serial device at path with the given baud rate.
func Open(path string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := port.SetReadTimeout(pollInterval); err != nil {
		_ = port.Close()

		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &Port{port: port}, nil
}

// Write sends raw bytes down the link.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// ReadLine returns the next newline-terminated line without its
// terminator. It returns modem.ErrNoData when no complete line arrived
// within the poll interval.
func (p *Port) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(p.buf, '\n'); i >= 0 {
			line := string(p.buf[:i])
			p.buf = p.buf[i+1:]

			return line, nil
		}

		chunk := make([]byte, 256)

		n, err := p.port.Read(chunk)
		if err != nil {
			return "", fmt.Errorf("read serial port: %w", err)
		}

		// A zero-length read means the poll window expired.
		if n == 0 {
			return "", modem.ErrNoData
		}

		p.buf = append(p.buf, chunk[:n]...)
	}
}

// Close closes the serial device.
func (p *Port) Close() error {
	return p.port.Close()
}
