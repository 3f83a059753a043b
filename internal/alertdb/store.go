/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package alertdb persists the received-notice record: one Event row per
physical event, one Notice row per IVORN. The alert database reflects what
was received, independent of what was planned.
*/
package alertdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"go.uber.org/zap"
)

// ErrDuplicateNotice reports an IVORN that is already recorded.
var ErrDuplicateNotice = errors.New("DuplicateNotice")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pqUniqueViolation is the Postgres error code for unique-key violations.
const pqUniqueViolation = "23505"

// Event is the deduplicated stream of notices about one physical event.
type Event struct {
	ID     int64     `db:"id"`
	Name   string    `db:"name"`
	Type   string    `db:"type"`
	Origin string    `db:"origin"`
	Time   time.Time `db:"time"`
}

// Notice is one received notice row.
type Notice struct {
	ID                int64         `db:"id"`
	EventID           int64         `db:"event_id"`
	IVORN             string        `db:"ivorn"`
	SurveyID          sql.NullInt64 `db:"survey_id"`
	Payload           []byte        `db:"payload"`
	SkymapFingerprint string        `db:"skymap_fingerprint"`
	StrategyKey       string        `db:"strategy_key"`
	NoticeTime        time.Time     `db:"notice_time"`
	ReceivedTime      time.Time     `db:"received_time"`
}

// Record is the insert form of a notice.
type Record struct {
	EventName  string
	EventType  string
	Origin     string
	EventTime  time.Time
	IVORN      string
	Payload    []byte
	SkymapID   string // skymap content fingerprint, empty when none
	Strategy   string // resolved strategy key
	NoticeTime time.Time
}

// Store wraps the alert database.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open connects, pings and migrates the alert database.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to alert DB: %w", err)
	}
	if err := migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log.Named("alertdb")}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(database.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("failed to init alert DB migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to migrate alert DB: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// HasIVORN reports whether a notice with this identity is already recorded.
func (s *Store) HasIVORN(ctx context.Context, ivorn string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM notice WHERE ivorn = $1)`, ivorn)
	if err != nil {
		return false, fmt.Errorf("failed to check ivorn %s: %w", ivorn, err)
	}
	return exists, nil
}

// RecordNotice inserts a notice in one transaction, creating its Event
// row when absent. Re-inserting a known IVORN fails with
// ErrDuplicateNotice.
func (s *Store) RecordNotice(ctx context.Context, rec Record) (eventID, noticeID int64, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin alert DB tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.GetContext(ctx, &eventID,
		`SELECT id FROM event WHERE name = $1`, rec.EventName)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &eventID,
			`INSERT INTO event (name, type, origin, time) VALUES ($1, $2, $3, $4) RETURNING id`,
			rec.EventName, rec.EventType, rec.Origin, rec.EventTime)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to upsert event %s: %w", rec.EventName, err)
	}

	err = tx.GetContext(ctx, &noticeID,
		`INSERT INTO notice (event_id, ivorn, payload, skymap_fingerprint, strategy_key, notice_time, received_time)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING id`,
		eventID, rec.IVORN, rec.Payload, rec.SkymapID, rec.Strategy, rec.NoticeTime)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return 0, 0, fmt.Errorf("%w: %s", ErrDuplicateNotice, rec.IVORN)
		}
		return 0, 0, fmt.Errorf("failed to insert notice %s: %w", rec.IVORN, err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit notice %s: %w", rec.IVORN, err)
	}
	s.log.Debug("notice recorded",
		zap.String("ivorn", rec.IVORN),
		zap.String("event", rec.EventName))
	return eventID, noticeID, nil
}

// PreviousNotice returns the penultimate notice of an event (the one
// received just before the newest), or nil when fewer than two exist.
func (s *Store) PreviousNotice(ctx context.Context, eventID int64) (*Notice, error) {
	var rows []Notice
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, event_id, ivorn, survey_id, payload, skymap_fingerprint, strategy_key, notice_time, received_time
		 FROM notice WHERE event_id = $1
		 ORDER BY id DESC LIMIT 2`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notices for event %d: %w", eventID, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	return &rows[1], nil
}

// SetNoticeSurvey links a notice back to the survey it produced.
func (s *Store) SetNoticeSurvey(ctx context.Context, noticeID, surveyID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notice SET survey_id = $1 WHERE id = $2`, surveyID, noticeID)
	if err != nil {
		return fmt.Errorf("failed to set survey on notice %d: %w", noticeID, err)
	}
	return nil
}

// EventByName looks up an event row.
func (s *Store) EventByName(ctx context.Context, name string) (*Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev,
		`SELECT id, name, type, origin, time FROM event WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", name, err)
	}
	return &ev, nil
}

// Notices lists an event's notices in arrival order.
func (s *Store) Notices(ctx context.Context, eventID int64) ([]Notice, error) {
	var rows []Notice
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, event_id, ivorn, survey_id, payload, skymap_fingerprint, strategy_key, notice_time, received_time
		 FROM notice WHERE event_id = $1 ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notices for event %d: %w", eventID, err)
	}
	return rows, nil
}
