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
Package obsdb persists observing plans: surveys, per-tile targets, their
exposure sets and cadence strategies, against the telescope grid.
*/
package obsdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultUsername owns every target the sentinel creates.
const DefaultUsername = "sentinel"

// Status is a target's state at a point in time.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusUnscheduled Status = "unscheduled"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusExpired     Status = "expired"
	StatusDeleted     Status = "deleted"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeleted, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// Grid is the active sky tessellation.
type Grid struct {
	ID        int64   `db:"id"`
	Name      string  `db:"name"`
	FOVRadius float64 `db:"fov_radius"`

	Tiles []GridTile `db:"-"`
}

// GridTile is one tile of a grid.
type GridTile struct {
	ID     int64   `db:"id"`
	GridID int64   `db:"grid_id"`
	Name   string  `db:"name"`
	RA     float64 `db:"ra"`
	Dec    float64 `db:"dec"`
}

// Survey is the observing plan generated for one (notice, skymap) pair.
type Survey struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	EventName string    `db:"event_name"`
	CreatedAt time.Time `db:"created_at"`
}

// Target is one sky tile to be observed.
type Target struct {
	ID           int64           `db:"id"`
	Name         string          `db:"name"`
	SurveyID     int64           `db:"survey_id"`
	GridTileID   int64           `db:"grid_tile_id"`
	UserID       int64           `db:"user_id"`
	RA           sql.NullFloat64 `db:"ra"`
	Dec          sql.NullFloat64 `db:"dec"`
	Rank         int             `db:"rank"`
	Weight       float64         `db:"weight"`
	StartTime    time.Time       `db:"start_time"`
	StopTime     time.Time       `db:"stop_time"`
	CreationTime time.Time       `db:"creation_time"`
	StartedAt    sql.NullTime    `db:"started_at"`
	CompletedAt  sql.NullTime    `db:"completed_at"`
	DeletedAt    sql.NullTime    `db:"deleted_at"`
}

// StatusAt computes the target's status at the given time. Deletion and
// completion are sticky; a running observation is never interrupted.
func (t *Target) StatusAt(tm time.Time) Status {
	switch {
	case t.DeletedAt.Valid && !t.DeletedAt.Time.After(tm):
		return StatusDeleted
	case t.CompletedAt.Valid && !t.CompletedAt.Time.After(tm):
		return StatusCompleted
	case t.StartedAt.Valid && !t.StartedAt.Time.After(tm):
		return StatusRunning
	case tm.After(t.StopTime):
		return StatusExpired
	case tm.Before(t.StartTime):
		return StatusUnscheduled
	default:
		return StatusScheduled
	}
}

// ExposureSetSpec is the insert form of one exposure set.
type ExposureSetSpec struct {
	NumExp  int
	ExpTime float64
	Filter  string
}

// StrategySpec is the insert form of one cadence strategy row.
type StrategySpec struct {
	NumTodo    int
	StopTime   time.Time
	WaitTime   time.Duration
	RankChange int
	MinAlt     float64
	MaxSunAlt  float64
	MaxMoon    string
	MinMoonSep float64
}

// TargetSpec is the insert form of one target with its children.
type TargetSpec struct {
	Name         string
	GridTileID   int64
	Rank         int
	Weight       float64
	StartTime    time.Time
	StopTime     time.Time
	CreationTime time.Time
	ExposureSets []ExposureSetSpec
	Strategies   []StrategySpec
}

// Store wraps the observation database.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open connects, pings and migrates the observation database.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to observation DB: %w", err)
	}
	if err := migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log.Named("obsdb")}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(database.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("failed to init observation DB migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to migrate observation DB: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// CurrentGrid loads the most recently defined grid with its tiles.
func (s *Store) CurrentGrid(ctx context.Context) (*Grid, error) {
	var grid Grid
	err := s.db.GetContext(ctx, &grid,
		`SELECT id, name, fov_radius FROM grid ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation DB has no grid defined")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grid: %w", err)
	}
	err = s.db.SelectContext(ctx, &grid.Tiles,
		`SELECT id, grid_id, name, ra, dec FROM grid_tile WHERE grid_id = $1 ORDER BY id`, grid.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiles for grid %s: %w", grid.Name, err)
	}
	return &grid, nil
}

// GetOrCreateUser resolves the owning user, creating it on first use.
func (s *Store) GetOrCreateUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM "user" WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.GetContext(ctx, &id,
			`INSERT INTO "user" (username) VALUES ($1)
			 ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
			 RETURNING id`, username)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve user %s: %w", username, err)
	}
	return id, nil
}

// CountSurveys counts existing surveys for an event.
func (s *Store) CountSurveys(ctx context.Context, eventName string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM survey WHERE event_name = $1`, eventName)
	if err != nil {
		return 0, fmt.Errorf("failed to count surveys for %s: %w", eventName, err)
	}
	return n, nil
}

// LatestSurvey returns the newest survey for an event, or nil.
func (s *Store) LatestSurvey(ctx context.Context, eventName string) (*Survey, error) {
	var sv Survey
	err := s.db.GetContext(ctx, &sv,
		`SELECT id, name, event_name, created_at FROM survey
		 WHERE event_name = $1 ORDER BY id DESC LIMIT 1`, eventName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest survey for %s: %w", eventName, err)
	}
	return &sv, nil
}

// CreateSurvey inserts a survey row.
func (s *Store) CreateSurvey(ctx context.Context, name, eventName string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO survey (name, event_name, created_at) VALUES ($1, $2, NOW()) RETURNING id`,
		name, eventName)
	if err != nil {
		return 0, fmt.Errorf("failed to create survey %s: %w", name, err)
	}
	s.log.Info("survey created", zap.String("survey", name))
	return id, nil
}

// EventTargets lists every target across all surveys of an event.
func (s *Store) EventTargets(ctx context.Context, eventName string) ([]Target, error) {
	var targets []Target
	err := s.db.SelectContext(ctx, &targets,
		`SELECT t.id, t.name, t.survey_id, t.grid_tile_id, t.user_id, t.ra, t.dec,
		        t.rank, t.weight, t.start_time, t.stop_time, t.creation_time,
		        t.started_at, t.completed_at, t.deleted_at
		 FROM target t JOIN survey s ON s.id = t.survey_id
		 WHERE s.event_name = $1 ORDER BY t.id`, eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets for %s: %w", eventName, err)
	}
	return targets, nil
}

// SurveyTargets lists the targets of one survey.
func (s *Store) SurveyTargets(ctx context.Context, surveyID int64) ([]Target, error) {
	var targets []Target
	err := s.db.SelectContext(ctx, &targets,
		`SELECT id, name, survey_id, grid_tile_id, user_id, ra, dec,
		        rank, weight, start_time, stop_time, creation_time,
		        started_at, completed_at, deleted_at
		 FROM target WHERE survey_id = $1 ORDER BY id`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets for survey %d: %w", surveyID, err)
	}
	return targets, nil
}

// MarkTargetDeleted tombstones a target at the given time.
func (s *Store) MarkTargetDeleted(ctx context.Context, targetID int64, tm time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE target SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`, tm, targetID)
	if err != nil {
		return fmt.Errorf("failed to mark target %d deleted: %w", targetID, err)
	}
	return nil
}

// InsertTargets materializes a survey's targets with their exposure sets
// and strategies in one transaction; any failure rolls the batch back.
func (s *Store) InsertTargets(ctx context.Context, surveyID, userID int64, specs []TargetSpec) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin observation DB tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, spec := range specs {
		var targetID int64
		err = tx.GetContext(ctx, &targetID,
			`INSERT INTO target
			   (name, survey_id, grid_tile_id, user_id, ra, dec, rank, weight,
			    start_time, stop_time, creation_time)
			 VALUES ($1, $2, $3, $4, NULL, NULL, $5, $6, $7, $8, $9)
			 RETURNING id`,
			spec.Name, surveyID, spec.GridTileID, userID, spec.Rank, spec.Weight,
			spec.StartTime, spec.StopTime, spec.CreationTime)
		if err != nil {
			return fmt.Errorf("failed to insert target %s: %w", spec.Name, err)
		}

		for _, es := range spec.ExposureSets {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO exposure_set (target_id, num_exp, exptime, filt)
				 VALUES ($1, $2, $3, $4)`,
				targetID, es.NumExp, es.ExpTime, es.Filter)
			if err != nil {
				return fmt.Errorf("failed to insert exposure set for %s: %w", spec.Name, err)
			}
		}

		for _, st := range spec.Strategies {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO strategy
				   (target_id, num_todo, stop_time, wait_time_seconds, rank_change,
				    min_alt, max_sunalt, max_moon, min_moonsep, too)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)`,
				targetID, st.NumTodo, st.StopTime, int64(st.WaitTime.Seconds()), st.RankChange,
				st.MinAlt, st.MaxSunAlt, st.MaxMoon, st.MinMoonSep)
			if err != nil {
				return fmt.Errorf("failed to insert strategy for %s: %w", spec.Name, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit targets for survey %d: %w", surveyID, err)
	}
	return nil
}
