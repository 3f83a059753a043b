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

package handler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/alertdb"
	"github.com/astrosentinel/alert-sentinel/internal/notice"
	"github.com/astrosentinel/alert-sentinel/internal/obsdb"
	"github.com/astrosentinel/alert-sentinel/internal/skymap"
	"github.com/astrosentinel/alert-sentinel/internal/strategy"
)

type fakeAlerts struct {
	recordErr error
	prev      *alertdb.Notice

	recorded  []alertdb.Record
	surveySet map[int64]int64 // noticeID -> surveyID
}

func (f *fakeAlerts) RecordNotice(_ context.Context, rec alertdb.Record) (int64, int64, error) {
	if f.recordErr != nil {
		return 0, 0, f.recordErr
	}
	f.recorded = append(f.recorded, rec)
	return 1, int64(len(f.recorded)), nil
}

func (f *fakeAlerts) PreviousNotice(context.Context, int64) (*alertdb.Notice, error) {
	return f.prev, nil
}

func (f *fakeAlerts) SetNoticeSurvey(_ context.Context, noticeID, surveyID int64) error {
	if f.surveySet == nil {
		f.surveySet = map[int64]int64{}
	}
	f.surveySet[noticeID] = surveyID
	return nil
}

type fakeObs struct {
	grid        *obsdb.Grid
	surveyCount int
	latest      *obsdb.Survey
	targets     []obsdb.Target

	created  []string
	deleted  []int64
	inserted map[int64][]obsdb.TargetSpec
}

func (f *fakeObs) CurrentGrid(context.Context) (*obsdb.Grid, error) { return f.grid, nil }

func (f *fakeObs) GetOrCreateUser(context.Context, string) (int64, error) { return 11, nil }

func (f *fakeObs) CountSurveys(context.Context, string) (int, error) { return f.surveyCount, nil }

func (f *fakeObs) LatestSurvey(context.Context, string) (*obsdb.Survey, error) {
	return f.latest, nil
}

func (f *fakeObs) CreateSurvey(_ context.Context, name, _ string) (int64, error) {
	f.created = append(f.created, name)
	return int64(100 + len(f.created)), nil
}

func (f *fakeObs) EventTargets(context.Context, string) ([]obsdb.Target, error) {
	return f.targets, nil
}

func (f *fakeObs) MarkTargetDeleted(_ context.Context, id int64, _ time.Time) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeObs) InsertTargets(_ context.Context, surveyID, _ int64, specs []obsdb.TargetSpec) error {
	if f.inserted == nil {
		f.inserted = map[int64][]obsdb.TargetSpec{}
	}
	f.inserted[surveyID] = specs
	return nil
}

// testGrid covers the notice position with two overlapping tiles and one
// on the opposite side of the sky.
func testGrid() *obsdb.Grid {
	return &obsdb.Grid{
		ID:        1,
		Name:      "allsky",
		FOVRadius: 3,
		Tiles: []obsdb.GridTile{
			{ID: 1, GridID: 1, Name: "T0001", RA: 30, Dec: 10},
			{ID: 2, GridID: 1, Name: "T0002", RA: 34, Dec: 10},
			{ID: 3, GridID: 1, Name: "T0003", RA: 210, Dec: -10},
		},
	}
}

func swiftNotice() *notice.Notice {
	return &notice.Notice{
		IVORN:         "ivo://nasa.gsfc.gcn/SWIFT#BAT_GRB_Pos_123",
		Source:        "Swift",
		Kind:          notice.KindSwiftGRB,
		EventType:     notice.EventGRB,
		EventID:       "123",
		Type:          "BAT_GRB_POS",
		EventTime:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		NoticeTime:    time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC),
		Position:      &notice.Position{RA: 30, Dec: 10},
		PositionError: 1,
	}
}

// swiftFingerprint is the fingerprint the handler will compute for
// swiftNotice's synthesized skymap.
func swiftFingerprint(t *testing.T) string {
	t.Helper()
	m, err := skymap.FromPosition(30, 10, 1, notice.DefaultNSide)
	require.NoError(t, err)
	return m.Fingerprint()
}

func newTestHandler(t *testing.T, alerts *fakeAlerts, obs *fakeObs) *Handler {
	t.Helper()
	catalog, err := strategy.LoadCatalog()
	require.NoError(t, err)
	return New(alerts, obs, catalog, nil, zap.NewNop())
}

func TestHandleFirstNoticeCreatesSurvey(t *testing.T) {
	alerts := &fakeAlerts{}
	obs := &fakeObs{grid: testGrid()}
	h := newTestHandler(t, alerts, obs)

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	res, err := h.HandleNotice(context.Background(), swiftNotice(), now)
	require.NoError(t, err)

	assert.Equal(t, "Swift_123", res.EventName)
	assert.Equal(t, "GRB_SWIFT", res.StrategyKey)
	assert.True(t, res.RequiresUpdate)
	assert.Equal(t, "Swift_123_1", res.SurveyName)
	assert.Equal(t, []string{"Swift_123_1"}, obs.created)
	assert.Empty(t, obs.deleted)

	require.Len(t, alerts.recorded, 1)
	assert.Equal(t, "GRB_SWIFT", alerts.recorded[0].Strategy)
	assert.NotEmpty(t, alerts.recorded[0].SkymapID)
	assert.Equal(t, int64(101), alerts.surveySet[1], "notice linked to its survey")

	specs := obs.inserted[101]
	require.NotEmpty(t, specs)
	assert.LessOrEqual(t, len(specs), res.Plan.TileLimit)

	// Targets come out ordered by enclosed probability, highest first,
	// and the far-side tile never passes the probability floor.
	for i := 1; i < len(specs); i++ {
		assert.GreaterOrEqual(t, specs[i-1].Weight, specs[i].Weight)
	}
	for _, spec := range specs {
		assert.NotEqual(t, int64(3), spec.GridTileID)
		assert.Equal(t, res.Plan.Rank, spec.Rank)
		assert.Equal(t, res.Plan.StartTime(), spec.StartTime)
		assert.Equal(t, res.Plan.StopTime(), spec.StopTime)
		assert.Equal(t, now, spec.CreationTime)
		assert.Len(t, spec.Strategies, len(res.Plan.Cadences))
		assert.Len(t, spec.ExposureSets, len(res.Plan.ExposureSets))
	}
	assert.Equal(t, "Swift_123_T0001", specs[0].Name, "closest tile dominates")
}

func TestHandleDuplicateNotice(t *testing.T) {
	alerts := &fakeAlerts{recordErr: alertdb.ErrDuplicateNotice}
	obs := &fakeObs{grid: testGrid()}
	h := newTestHandler(t, alerts, obs)

	_, err := h.HandleNotice(context.Background(), swiftNotice(), time.Now())
	assert.ErrorIs(t, err, alertdb.ErrDuplicateNotice)
	assert.Empty(t, obs.created)
}

func TestHandleUnchangedNoticeReusesSurvey(t *testing.T) {
	alerts := &fakeAlerts{
		prev: &alertdb.Notice{
			ID:                1,
			SkymapFingerprint: swiftFingerprint(t),
			StrategyKey:       "GRB_SWIFT",
		},
	}
	obs := &fakeObs{
		grid:        testGrid(),
		surveyCount: 1,
		latest:      &obsdb.Survey{ID: 55, Name: "Swift_123_1", EventName: "Swift_123"},
		targets:     []obsdb.Target{{ID: 9, StartTime: time.Now(), StopTime: time.Now().Add(time.Hour)}},
	}
	h := newTestHandler(t, alerts, obs)

	res, err := h.HandleNotice(context.Background(), swiftNotice(), time.Now())
	require.NoError(t, err)

	assert.False(t, res.RequiresUpdate)
	assert.Equal(t, "Swift_123_1", res.SurveyName)
	assert.Empty(t, obs.created, "no new survey")
	assert.Empty(t, obs.deleted, "existing targets kept")
	assert.Empty(t, obs.inserted)
	assert.Equal(t, int64(55), alerts.surveySet[1])
}

func TestHandleUpdatedNoticeTombstonesAndReplans(t *testing.T) {
	now := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	alerts := &fakeAlerts{
		prev: &alertdb.Notice{
			ID:                1,
			SkymapFingerprint: "something-else",
			StrategyKey:       "GRB_SWIFT",
		},
	}
	obs := &fakeObs{
		grid:        testGrid(),
		surveyCount: 1,
		targets: []obsdb.Target{
			{ID: 9, StartTime: now.Add(-time.Hour), StopTime: now.Add(23 * time.Hour)},
			{ID: 10, StartTime: now.Add(-time.Hour), StopTime: now.Add(23 * time.Hour),
				CompletedAt: sql.NullTime{Time: now.Add(-30 * time.Minute), Valid: true}},
		},
	}
	h := newTestHandler(t, alerts, obs)

	res, err := h.HandleNotice(context.Background(), swiftNotice(), now)
	require.NoError(t, err)

	assert.True(t, res.RequiresUpdate)
	assert.Equal(t, 1, res.Tombstoned, "completed target left alone")
	assert.Equal(t, []int64{9}, obs.deleted)
	assert.Equal(t, []string{"Swift_123_2"}, obs.created)
	assert.NotEmpty(t, obs.inserted[101])
}

func TestHandleIgnoredNoticeRecordsWithoutSurvey(t *testing.T) {
	// A noisy, insignificant CBC candidate decides to IGNORE.
	n := &notice.Notice{
		IVORN:         "ivo://gwnet/LVC#S240601a-1-Preliminary",
		Source:        "LVC",
		Kind:          notice.KindGWDetection,
		EventType:     notice.EventGW,
		EventID:       "S240601a",
		EventTime:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Position:      &notice.Position{RA: 30, Dec: 10},
		PositionError: 1,
		GW: &notice.GWFields{
			Group:       notice.GroupCBC,
			FAR:         1e-6,
			Significant: false,
		},
	}
	alerts := &fakeAlerts{}
	obs := &fakeObs{grid: testGrid()}
	h := newTestHandler(t, alerts, obs)

	res, err := h.HandleNotice(context.Background(), n, time.Now())
	require.NoError(t, err)

	assert.Equal(t, strategy.KeyIgnore, res.StrategyKey)
	assert.Nil(t, res.Plan)
	assert.Empty(t, res.SurveyName)
	assert.Empty(t, obs.created)
	require.Len(t, alerts.recorded, 1)
	assert.Equal(t, strategy.KeyIgnore, alerts.recorded[0].Strategy)
}

func TestHandleRetractionTombstonesPlans(t *testing.T) {
	now := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	n := &notice.Notice{
		IVORN:     "ivo://gwnet/LVC#S240601a-2-Retraction",
		Source:    "LVC",
		Kind:      notice.KindGWRetraction,
		EventType: notice.EventGW,
		EventID:   "S240601a",
		EventTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	alerts := &fakeAlerts{
		prev: &alertdb.Notice{ID: 1, SkymapFingerprint: "abc", StrategyKey: "GW_RANK_2_NARROW"},
	}
	obs := &fakeObs{
		grid:        testGrid(),
		surveyCount: 1,
		targets: []obsdb.Target{
			{ID: 9, StartTime: now.Add(-time.Hour), StopTime: now.Add(23 * time.Hour)},
		},
	}
	h := newTestHandler(t, alerts, obs)

	res, err := h.HandleNotice(context.Background(), n, now)
	require.NoError(t, err)

	assert.Equal(t, strategy.KeyRetraction, res.StrategyKey)
	assert.Equal(t, []int64{9}, obs.deleted)
	assert.Empty(t, obs.created, "retraction never plans")
	require.Len(t, alerts.recorded, 1)
	assert.Empty(t, alerts.recorded[0].SkymapID, "no skymap for a retraction")
}

func TestHandleNoTilesLeavesSurveyEmpty(t *testing.T) {
	// Grid nowhere near the localization.
	grid := &obsdb.Grid{
		ID:        1,
		Name:      "allsky",
		FOVRadius: 3,
		Tiles:     []obsdb.GridTile{{ID: 3, GridID: 1, Name: "T0003", RA: 210, Dec: -10}},
	}
	alerts := &fakeAlerts{}
	obs := &fakeObs{grid: grid}
	h := newTestHandler(t, alerts, obs)

	res, err := h.HandleNotice(context.Background(), swiftNotice(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"Swift_123_1"}, obs.created)
	assert.Empty(t, res.Tiles)
	assert.Empty(t, obs.inserted)
}

func TestSelectTilesHonorsLimitsAndContour(t *testing.T) {
	m, err := skymap.FromPosition(30, 10, 1, 64)
	require.NoError(t, err)
	grid := testGrid()

	plan := &strategy.Plan{TileLimit: 10, ProbLimit: 0.01, SkymapContour: 0.95}
	tiles := selectTiles(m, grid, plan)
	require.NotEmpty(t, tiles)
	assert.Equal(t, "T0001", tiles[0].Tile.Name)

	// A 3 deg FOV on a 1 deg Gaussian captures nearly everything in the
	// first tile, so a 0.5 contour stops after one.
	tight := &strategy.Plan{TileLimit: 10, ProbLimit: 0.01, SkymapContour: 0.5}
	tiles = selectTiles(m, grid, tight)
	assert.Len(t, tiles, 1)

	one := &strategy.Plan{TileLimit: 1, ProbLimit: 0.01, SkymapContour: 0.95}
	tiles = selectTiles(m, grid, one)
	assert.Len(t, tiles, 1)

	floor := &strategy.Plan{TileLimit: 10, ProbLimit: 0.99, SkymapContour: 0.95}
	tiles = selectTiles(m, grid, floor)
	assert.Empty(t, tiles)
}
