package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS plates (
		id              BIGSERIAL PRIMARY KEY,
		number          TEXT NOT NULL,
		normalized      TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_plates_normalized ON plates(normalized);`,
	`CREATE TABLE IF NOT EXISTS vehicle_owners (
		id              BIGSERIAL PRIMARY KEY,
		plate_id        BIGINT NOT NULL REFERENCES plates(id),
		name            TEXT NOT NULL,
		phone           TEXT,
		notify_channel  TEXT,
		notes           TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicle_owners_plate_id ON vehicle_owners(plate_id);`,
	`CREATE TABLE IF NOT EXISTS violations (
		id              UUID PRIMARY KEY,
		plate_id        BIGINT REFERENCES plates(id),
		track_id        BIGINT NOT NULL,
		raw_plate       TEXT,
		normalized_plate TEXT,
		vehicle_class   TEXT NOT NULL,
		speed           NUMERIC(6,2) NOT NULL,
		speed_limit     NUMERIC(6,2) NOT NULL,
		frame_index     BIGINT NOT NULL,
		video_timestamp NUMERIC(12,3) NOT NULL,
		evidence_dir    TEXT NOT NULL,
		vehicle_image   TEXT NOT NULL,
		plate_image     TEXT,
		clip_path       TEXT,
		status          TEXT NOT NULL DEFAULT 'pending',
		detail          JSONB,
		occurred_at     TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_plate_id ON violations(plate_id);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_occurred_at ON violations(occurred_at);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_status ON violations(status);`,
}

// Migrate applies the schema statements in order. Statements are written
// to be re-runnable so startup can always call this.
func Migrate(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
