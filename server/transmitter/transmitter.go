package transmitter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aquasentry/aquasentry/server/alert"
	"github.com/cyclopcam/logs"
	"go.bug.st/serial"
)

// Package transmitter drives the serial line to the external alarm receiver.
// The wire protocol is a single ASCII digit plus newline per signal:
// "0\n" = clear, "1\n" = drowning, "2\n" = obstruction.

// Transmitter is the serial-port implementation of alert.Sink.
// It is safe for use from multiple threads.
type Transmitter struct {
	log  logs.Log
	baud int

	lock     sync.Mutex
	port     io.WriteCloser // serial.Port in production. Injectable for tests.
	portName string
	last     alert.Signal

	lastErrAt time.Time

	repeat       time.Duration
	repeatStop   chan struct{}
	repeatJoined chan struct{}
}

// NewTransmitter creates a disconnected transmitter.
// If repeat is non-zero, the most recent non-clear signal is re-sent at that
// interval, so a receiver that resets or drops a byte re-latches on its own.
func NewTransmitter(log logs.Log, baud int, repeat time.Duration) *Transmitter {
	t := &Transmitter{
		log:    log,
		baud:   baud,
		repeat: repeat,
	}
	if repeat > 0 {
		t.repeatStop = make(chan struct{})
		t.repeatJoined = make(chan struct{})
		go t.repeatLoop()
	}
	return t
}

// ListPorts returns the serial ports present on this machine
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Connect opens the given serial port. Any previously open port is closed
// first. A newline is written immediately, to fail fast on a port that
// exists but can't be written.
func (t *Transmitter) Connect(portName string) error {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: t.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("Failed to open serial port %v: %w", portName, err)
	}
	if _, err := port.Write([]byte("\n")); err != nil {
		port.Close()
		return fmt.Errorf("Serial port %v opened but is not writable: %w", portName, err)
	}

	t.lock.Lock()
	old := t.port
	t.port = port
	t.portName = portName
	t.lock.Unlock()
	if old != nil {
		old.Close()
	}
	t.log.Infof("Connected to %v at %v baud", portName, t.baud)
	return nil
}

// Disconnect sends a final clear and closes the port
func (t *Transmitter) Disconnect() {
	t.Send(alert.SignalNone)
	t.lock.Lock()
	port := t.port
	t.port = nil
	t.portName = ""
	t.lock.Unlock()
	if port != nil {
		port.Close()
	}
}

// Close stops the repeat loop and disconnects
func (t *Transmitter) Close() {
	if t.repeatStop != nil {
		close(t.repeatStop)
		<-t.repeatJoined
	}
	t.Disconnect()
}

func (t *Transmitter) Connected() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.port != nil
}

func (t *Transmitter) PortName() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.portName
}

// Send writes one signal to the wire. Returns true if the write succeeded.
// A failed write drops the connection; the caller (or operator) reconnects.
func (t *Transmitter) Send(sig alert.Signal) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.last = sig
	return t.sendLocked(sig)
}

func (t *Transmitter) sendLocked(sig alert.Signal) bool {
	if t.port == nil {
		return false
	}
	_, err := t.port.Write([]byte(fmt.Sprintf("%d\n", int(sig))))
	if err != nil {
		now := time.Now()
		if now.Sub(t.lastErrAt) > 15*time.Second {
			t.log.Errorf("Serial write to %v failed: %v. Dropping connection.", t.portName, err)
			t.lastErrAt = now
		}
		t.port.Close()
		t.port = nil
		t.portName = ""
		return false
	}
	return true
}

func (t *Transmitter) repeatLoop() {
	defer close(t.repeatJoined)
	ticker := time.NewTicker(t.repeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.repeatStop:
			return
		case <-ticker.C:
			t.lock.Lock()
			if t.last != alert.SignalNone && t.port != nil {
				t.sendLocked(t.last)
			}
			t.lock.Unlock()
		}
	}
}
