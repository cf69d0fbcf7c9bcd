package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Port is the serial connection used by the transport loop. Read must return
// after at most the configured read timeout, with n == 0 and a nil error when
// nothing arrived.
type Port interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// Opener opens a port by name at the given baud rate and read timeout.
type Opener func(name string, baud int, readTimeout time.Duration) (Port, error)

// Driver names accepted by OpenerFor.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
)

// OpenerFor returns the opener for a driver name. An empty name selects the
// default go.bug.st driver.
func OpenerFor(driver string) (Opener, error) {
	switch driver {
	case "", DriverBugst:
		return OpenBugst, nil
	case DriverTarm:
		return OpenTarm, nil
	}
	return nil, fmt.Errorf("transport: unknown serial driver %q", driver)
}

// OpenBugst opens the port with go.bug.st/serial, 8N1.
func OpenBugst(name string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// OpenTarm opens the port with github.com/tarm/serial.
func OpenTarm(name string, baud int, readTimeout time.Duration) (Port, error) {
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	})
	if err != nil {
		return nil, err
	}
	return tarmPort{port}, nil
}

// tarmPort adapts tarm's port, which reports an expired read timeout as
// io.EOF, to the Port contract.
type tarmPort struct {
	*tarm.Port
}

func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (p tarmPort) ResetInputBuffer() error { return p.Port.Flush() }
