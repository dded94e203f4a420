package alertdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE alert_event(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			signal INT NOT NULL,
			sent INT NOT NULL,
			detail BLOB
		);

		CREATE INDEX idx_alert_event_time ON alert_event(time);
	`))

	return migs
}
