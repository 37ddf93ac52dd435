package history

import (
	"database/sql"

	"github.com/HerbHall/tripscan/internal/store"
)

// component is the owner name recorded in _migrations.
const component = "history"

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create runs and events tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS runs (
						id            TEXT PRIMARY KEY,
						source        TEXT NOT NULL,
						sample_count  INTEGER NOT NULL DEFAULT 0,
						event_count   INTEGER NOT NULL DEFAULT 0,
						started_at    DATETIME NOT NULL,
						finished_at   DATETIME
					)`,
					`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

					`CREATE TABLE IF NOT EXISTS events (
						run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
						seq           INTEGER NOT NULL,
						kind          TEXT NOT NULL,
						start_s       REAL NOT NULL,
						end_s         REAL NOT NULL,
						details       TEXT NOT NULL DEFAULT '',
						mean_rpm      REAL,
						std_rpm       REAL,
						peak_to_peak  REAL,
						window_s      REAL,
						PRIMARY KEY (run_id, seq)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "track rejected samples and abandoned episodes",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`ALTER TABLE runs ADD COLUMN rejected_count INTEGER NOT NULL DEFAULT 0`,
					`ALTER TABLE runs ADD COLUMN abandoned_count INTEGER NOT NULL DEFAULT 0`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
