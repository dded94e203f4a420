package monitor

import (
	"github.com/aquasentry/aquasentry/pkg/gen"
	"github.com/aquasentry/aquasentry/server/alert"
)

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// AddWatcher registers to receive alert transitions as they happen
func (m *Monitor) AddWatcher() chan alert.Transition {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan alert.Transition, WatcherChannelSize)
	m.watchers = append(m.watchers, ch)
	return ch
}

// RemoveWatcher unregisters a watcher channel
func (m *Monitor) RemoveWatcher(ch chan alert.Transition) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	for i, w := range m.watchers {
		if w == ch {
			m.watchers = gen.DeleteFromSliceUnordered(m.watchers, i)
			return
		}
	}
	m.Log.Warnf("Monitor.RemoveWatcher failed to find channel")
}

func (m *Monitor) sendToWatchers(tr alert.Transition) {
	m.watchersLock.RLock()
	for _, ch := range m.watchers {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			// A stalled watcher must not stall the monitor, so we drop.
			m.Log.Warnf("Monitor watcher is falling behind. I am going to drop transitions.")
		} else {
			ch <- tr
		}
	}
	m.watchersLock.RUnlock()
}
