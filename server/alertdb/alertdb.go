package alertdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aquasentry/aquasentry/server/alert"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Package alertdb persists the arbitration machine's transitions, so that
// alarm history survives restarts and can be audited after an incident.

// EventDetail is extra context captured at the moment of a transition
type EventDetail struct {
	ChangedPct   float64 `json:"changedPct,omitempty"` // Perimeter changed percentage at the time
	HazardActive bool    `json:"hazardActive,omitempty"`
}

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// AlertEvent is one recorded state transition
type AlertEvent struct {
	BaseModel
	Time      dbh.IntTime                 `json:"time"`
	FromState string                      `json:"fromState"`
	ToState   string                      `json:"toState"`
	Signal    int                         `json:"signal"`
	Sent      bool                        `json:"sent"`
	Detail    *dbh.JSONField[EventDetail] `json:"detail,omitempty"`
}

func (AlertEvent) TableName() string {
	return "alert_event"
}

// AlertDB is the on-disk store of alert events
type AlertDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open the alert database inside root, creating it if necessary
func Open(log logs.Log, root string) (*AlertDB, error) {
	if err := os.MkdirAll(root, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create storage path '%v': %w", root, err)
	}
	dbPath := filepath.Join(root, "alerts.sqlite")
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open alert database: %w", err)
	}
	return &AlertDB{
		log: log,
		db:  db,
	}, nil
}

// RecordTransition writes one transition to the store
func (a *AlertDB) RecordTransition(tr alert.Transition, detail *EventDetail) error {
	ev := AlertEvent{
		Time:      dbh.MakeIntTime(tr.Time),
		FromState: tr.From.String(),
		ToState:   tr.To.String(),
		Signal:    int(tr.Signal),
		Sent:      tr.Sent,
	}
	if detail != nil {
		ev.Detail = dbh.MakeJSONField(*detail)
	}
	return a.db.Create(&ev).Error
}

// RecentEvents returns the most recent events, newest first
func (a *AlertDB) RecentEvents(limit int) ([]AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	events := []AlertEvent{}
	if err := a.db.Order("time DESC, id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// EventsBetween returns events in [start, end), oldest first
func (a *AlertDB) EventsBetween(start, end time.Time) ([]AlertEvent, error) {
	events := []AlertEvent{}
	err := a.db.Where("time >= ? AND time < ?", start.UnixMilli(), end.UnixMilli()).
		Order("time ASC, id ASC").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
