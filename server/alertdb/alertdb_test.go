package alertdb

import (
	"testing"
	"time"

	"github.com/aquasentry/aquasentry/server/alert"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestRecordAndQuery(t *testing.T) {
	db, err := Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	events, err := db.RecentEvents(10)
	require.NoError(t, err)
	require.Empty(t, events)

	t0 := time.Now()
	require.NoError(t, db.RecordTransition(alert.Transition{
		Time:   t0,
		From:   alert.StateIdle,
		To:     alert.StateDrowning,
		Signal: alert.SignalDrowning,
		Sent:   true,
	}, &EventDetail{HazardActive: true}))
	require.NoError(t, db.RecordTransition(alert.Transition{
		Time:   t0.Add(time.Second),
		From:   alert.StateDrowning,
		To:     alert.StateObstruction,
		Signal: alert.SignalObstruction,
		Sent:   false,
	}, &EventDetail{ChangedPct: 91.5}))

	events, err = db.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first
	require.Equal(t, "DROWNING", events[0].FromState)
	require.Equal(t, "OBSTRUCTION", events[0].ToState)
	require.Equal(t, int(alert.SignalObstruction), events[0].Signal)
	require.False(t, events[0].Sent)
	require.NotNil(t, events[0].Detail)
	require.InDelta(t, 91.5, events[0].Detail.Data.ChangedPct, 0.001)

	require.Equal(t, "IDLE", events[1].FromState)
	require.True(t, events[1].Sent)
	require.True(t, events[1].Detail.Data.HazardActive)

	between, err := db.EventsBetween(t0.Add(-time.Second), t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, between, 1)
	require.Equal(t, "DROWNING", between[0].ToState)
}
