package transmitter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aquasentry/aquasentry/server/alert"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// fakePort stands in for the serial port
type fakePort struct {
	lock    sync.Mutex
	written []byte
	failAll bool
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.failAll {
		return 0, errors.New("io error")
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) contents() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return string(p.written)
}

func connectFake(t *Transmitter, port *fakePort) {
	t.lock.Lock()
	t.port = port
	t.portName = "fake"
	t.lock.Unlock()
}

func TestWireFormat(t *testing.T) {
	tx := NewTransmitter(logs.NewTestingLog(t), 9600, 0)
	port := &fakePort{}
	connectFake(tx, port)

	require.True(t, tx.Send(alert.SignalDrowning))
	require.True(t, tx.Send(alert.SignalNone))
	require.True(t, tx.Send(alert.SignalObstruction))
	require.Equal(t, "1\n0\n2\n", port.contents())
}

func TestSendWhileDisconnected(t *testing.T) {
	tx := NewTransmitter(logs.NewTestingLog(t), 9600, 0)
	require.False(t, tx.Connected())
	require.False(t, tx.Send(alert.SignalDrowning))
}

func TestWriteFailureDropsConnection(t *testing.T) {
	tx := NewTransmitter(logs.NewTestingLog(t), 9600, 0)
	port := &fakePort{failAll: true}
	connectFake(tx, port)

	require.True(t, tx.Connected())
	require.False(t, tx.Send(alert.SignalDrowning))
	require.False(t, tx.Connected())
	require.True(t, port.closed)
}

func TestDisconnectSendsFinalClear(t *testing.T) {
	tx := NewTransmitter(logs.NewTestingLog(t), 9600, 0)
	port := &fakePort{}
	connectFake(tx, port)

	tx.Send(alert.SignalObstruction)
	tx.Disconnect()
	require.Equal(t, "2\n0\n", port.contents())
	require.True(t, port.closed)
	require.False(t, tx.Connected())
}

func TestRepeatLoop(t *testing.T) {
	tx := NewTransmitter(logs.NewTestingLog(t), 9600, 5*time.Millisecond)
	defer tx.Close()
	port := &fakePort{}
	connectFake(tx, port)

	// A clear signal is not repeated
	tx.Send(alert.SignalNone)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, "0\n", port.contents())

	// An active signal is re-sent on the repeat interval
	tx.Send(alert.SignalObstruction)
	require.Eventually(t, func() bool {
		return len(port.contents()) >= len("0\n2\n2\n2\n")
	}, time.Second, time.Millisecond)
}
