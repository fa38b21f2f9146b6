// Package usb owns the serial connection to the device. It frames inbound
// bytes into lines, publishes them on the bus, and writes pump commands.
package usb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/parser"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrClosed is wrapped by IOError when the port is not open
var ErrClosed = errors.New("port closed")

// IOError represents an open, read or write failure on the device link
type IOError struct {
	Op   string
	Port string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("usb %s %s: %s", e.Op, e.Port, e.Err.Error())
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Opener opens the named port at the given baud rate
type Opener func(port string, baud int) (io.ReadWriteCloser, error)

// SerialOpener opens a real serial port
func SerialOpener(port string, baud int) (io.ReadWriteCloser, error) {

	mode := &serial.Mode{
		BaudRate: baud,
	}

	// no read timeout; a blocking read is released by Close
	return serial.Open(port, mode)
}

// USB represents the link to the device
type USB struct {
	// guards sp, port and baud
	mu *sync.Mutex

	// serialises writes
	wmu *sync.Mutex

	sp io.ReadWriteCloser

	port string

	baud int

	closed atomic.Bool

	closeOnce sync.Once

	opener Opener

	bus *bus.Bus

	parser *parser.Parser

	log *log.Entry
}

// New returns a USB that publishes what it reads onto b
func New(logger *log.Entry, b *bus.Bus) *USB {
	return &USB{
		mu:     &sync.Mutex{},
		wmu:    &sync.Mutex{},
		port:   "unknown",
		opener: SerialOpener,
		bus:    b,
		parser: parser.New(),
		log:    logger,
		//don't initialise sp - use Open() for that
	}
}

// WithOpener replaces the function used to open the port
func (u *USB) WithOpener(o Opener) *USB {
	u.opener = o
	return u
}

// WithParser replaces the line parser
func (u *USB) WithParser(p *parser.Parser) *USB {
	u.parser = p
	return u
}

// Open opens the port. It may only be called once.
func (u *USB) Open(port string, baud int) error {

	u.mu.Lock()
	defer u.mu.Unlock()

	fields := log.Fields{"port": port, "baud": baud}

	if u.sp != nil {
		return &IOError{Op: "open", Port: port, Err: errors.New("already open")}
	}

	p, err := u.opener(port, baud)

	if err != nil {
		u.log.WithFields(fields).WithField("error", err.Error()).Error("failed to open usb port")
		return &IOError{Op: "open", Port: port, Err: err}
	}

	u.sp = p
	u.port = port
	u.baud = baud

	u.log.WithFields(fields).Info("opened usb port")

	return nil
}

// Run reads lines from the port until the port is closed, it fails, or ctx
// is cancelled. Readings are published on models.SensorData, and every other
// line on models.LogEntries. There is no reconnection after a read failure.
func (u *USB) Run(ctx context.Context) {

	u.mu.Lock()
	sp, port := u.sp, u.port
	u.mu.Unlock()

	if sp == nil {
		u.log.Error("usb port not open, not reading")
		return
	}

	lines := make(chan interface{}, 16)
	errc := make(chan error, 1)

	go func() {
		errc <- u.parser.ParseByLine(sp, lines)
	}()

	for {
		select {

		case <-ctx.Done():
			u.Close()
			for range lines {
				// release the parser so it can see the closed port
			}
			return

		case line, ok := <-lines:

			if !ok {
				err := <-errc
				if !u.closed.Load() {
					if err == nil {
						err = io.EOF
					}
					ioe := &IOError{Op: "read", Port: port, Err: err}
					u.log.WithField("error", ioe.Error()).Error("usb read failed, link closed until restart")
					u.Close()
				}
				return
			}

			switch v := line.(type) {
			case models.Reading:
				u.log.WithFields(log.Fields{"temperature": v.Temperature, "humidity": v.Humidity}).Debug("sensor data")
				bus.Publish(u.bus, models.SensorData, v)
			case models.LogEntry:
				u.log.WithField("message", v.Message).Debug("device message")
				bus.Publish(u.bus, models.LogEntries, v)
			}
		}
	}
}

// Write sends command followed by a single newline. It is attempted once.
func (u *USB) Write(command string) error {

	u.wmu.Lock()
	defer u.wmu.Unlock()

	u.mu.Lock()
	sp, port := u.sp, u.port
	u.mu.Unlock()

	if sp == nil || u.closed.Load() {
		err := &IOError{Op: "write", Port: port, Err: ErrClosed}
		u.log.WithFields(log.Fields{"command": command, "error": err.Error()}).Error("failed to write to usb port")
		return err
	}

	data := []byte(command + "\n")

	n, err := sp.Write(data)

	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}

	if err != nil {
		ioe := &IOError{Op: "write", Port: port, Err: err}
		u.log.WithFields(log.Fields{"command": command, "count_expected": len(data), "count_actual": n, "error": err.Error()}).Error("failed to write to usb port")
		return ioe
	}

	u.log.WithField("command", command).Info("wrote command to usb port")

	return nil
}

// Close releases the port. It is safe to call more than once, and does not
// wait for a write in progress.
func (u *USB) Close() error {

	var err error

	u.closeOnce.Do(func() {

		u.closed.Store(true)

		u.mu.Lock()
		sp, port := u.sp, u.port
		u.mu.Unlock()

		// don't take the write lock because there is read, write, close concurrency
		// https://github.com/bugst/go-serial/blob/e381f2c1332081ea593d73e97c71342026876857/serial_linux_test.go#L35
		if sp == nil {
			return
		}

		err = sp.Close()

		if err != nil {
			u.log.WithFields(log.Fields{"port": port, "error": err.Error()}).Error("error closing usb port")
			return
		}

		u.log.WithField("port", port).Info("closed usb port")
	})

	return err
}

// IsClosed returns true once the link has been closed
func (u *USB) IsClosed() bool {
	return u.closed.Load()
}
