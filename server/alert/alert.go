package alert

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Package alert arbitrates between the two detection engines and decides
// what single signal the external receiver should see. Obstruction always
// wins over drowning: a blocked perimeter means we can't trust what the
// camera shows, so claiming "drowning" or "all clear" would be a guess.

// Signal is what goes out over the wire to the receiver
type Signal int

const (
	SignalNone        Signal = 0 // All clear / retract previous signal
	SignalDrowning    Signal = 1
	SignalObstruction Signal = 2
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalDrowning:
		return "drowning"
	case SignalObstruction:
		return "obstruction"
	}
	return "invalid"
}

// Sink receives signals. Send returns true if the signal actually went out
// (eg the serial port was connected and the write succeeded).
type Sink interface {
	Send(sig Signal) bool
}

// State of the arbitration machine
type State int

const (
	StateIdle State = iota
	StateDrowning
	StateObstruction
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDrowning:
		return "DROWNING"
	case StateObstruction:
		return "OBSTRUCTION"
	}
	return "INVALID"
}

// SessionState is the machine's complete mutable state. Keeping it in one
// struct makes snapshots trivial and leaves nothing implicit in scattered
// fields.
type SessionState struct {
	State            State     `json:"state"`
	ObstructionOnset time.Time `json:"obstructionOnset,omitzero"` // Zero unless State is OBSTRUCTION
	LastSignal       Signal    `json:"lastSignal"`
	LastSignalSent   bool      `json:"lastSignalSent"` // Did the sink accept the last signal
}

// Transition records one state change, for the event log and for watchers
type Transition struct {
	Time   time.Time `json:"time"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Signal Signal    `json:"signal"` // The signal that announced this transition
	Sent   bool      `json:"sent"`
}

// Machine runs the arbitration. Step it once per monitoring cycle with the
// current verdicts of the two engines. Signals are edge-triggered: a signal
// goes out when the state changes, and is not repeated while the state
// holds.
type Machine struct {
	log            logs.Log
	sink           Sink
	minObstruction time.Duration
	onTransition   func(Transition) // Optional. Called from the stepping thread, with no lock held.

	lock    sync.Mutex
	session SessionState
}

// emission is a signal due to go out, decided under the lock but delivered
// after it is released. Sink writes and the transition callback both do I/O,
// and Step runs once per frame, so neither may run under the machine's lock.
type emission struct {
	signal     Signal
	transition bool
	from       State
	to         State
}

func NewMachine(log logs.Log, sink Sink, minObstruction time.Duration, onTransition func(Transition)) *Machine {
	return &Machine{
		log:            log,
		sink:           sink,
		minObstruction: minObstruction,
		onTransition:   onTransition,
	}
}

// Session returns a snapshot of the machine state
func (m *Machine) Session() SessionState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.session
}

// Step feeds one cycle of engine verdicts into the machine.
// hazard is the (temporally held) drowning verdict, obstructed the debounced
// perimeter verdict. now is the time of this cycle.
func (m *Machine) Step(now time.Time, hazard, obstructed bool) {
	m.lock.Lock()
	emits := m.stepLocked(now, hazard, obstructed)
	m.lock.Unlock()
	m.emit(now, emits)
}

func (m *Machine) stepLocked(now time.Time, hazard, obstructed bool) []emission {
	switch m.session.State {
	case StateIdle:
		if obstructed {
			return []emission{m.transitionLocked(now, StateObstruction, SignalObstruction)}
		} else if hazard {
			return []emission{m.transitionLocked(now, StateDrowning, SignalDrowning)}
		}

	case StateDrowning:
		if obstructed {
			// Retract the drowning signal before masking it. The receiver
			// must not be left holding "drowning" while we're blind.
			return []emission{{signal: SignalNone}, m.transitionLocked(now, StateObstruction, SignalObstruction)}
		} else if !hazard {
			return []emission{m.transitionLocked(now, StateIdle, SignalNone)}
		}

	case StateObstruction:
		// Hysteresis: once raised, obstruction holds for the minimum
		// duration measured from onset. Early "clear" readings within the
		// window are ignored; leaving requires both the window to have
		// passed and a clear reading.
		if !obstructed && now.Sub(m.session.ObstructionOnset) >= m.minObstruction {
			if hazard {
				return []emission{{signal: SignalNone}, m.transitionLocked(now, StateDrowning, SignalDrowning)}
			}
			return []emission{m.transitionLocked(now, StateIdle, SignalNone)}
		}
	}
	return nil
}

// Stop shuts the session down. The clear signal is sent unconditionally,
// regardless of state, so a crash-looping supervisor can't leave the
// receiver latched on an alarm.
func (m *Machine) Stop(now time.Time) {
	m.lock.Lock()
	var emits []emission
	if m.session.State != StateIdle {
		emits = []emission{m.transitionLocked(now, StateIdle, SignalNone)}
	} else {
		emits = []emission{{signal: SignalNone}}
	}
	m.lock.Unlock()
	m.emit(now, emits)
}

// transitionLocked applies the state change and returns the emission that
// announces it. The caller delivers the emission after releasing the lock.
func (m *Machine) transitionLocked(now time.Time, to State, sig Signal) emission {
	from := m.session.State
	m.session.State = to
	if to == StateObstruction {
		m.session.ObstructionOnset = now
	} else {
		m.session.ObstructionOnset = time.Time{}
	}
	return emission{signal: sig, transition: true, from: from, to: to}
}

// emit delivers signals to the sink and fires the transition callback, in
// order, with no lock held. Only the single stepping thread calls emit, so
// wire order matches decision order.
func (m *Machine) emit(now time.Time, emits []emission) {
	for _, e := range emits {
		sent := m.sink.Send(e.signal)
		if !sent {
			m.log.Warnf("Signal '%v' was not delivered", e.signal)
		}
		m.lock.Lock()
		m.session.LastSignal = e.signal
		m.session.LastSignalSent = sent
		m.lock.Unlock()
		if e.transition {
			m.log.Infof("%v -> %v (signal '%v', sent: %v)", e.from, e.to, e.signal, sent)
			if m.onTransition != nil {
				m.onTransition(Transition{
					Time:   now,
					From:   e.from,
					To:     e.to,
					Signal: e.signal,
					Sent:   sent,
				})
			}
		}
	}
}
