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
Package handler turns a classified notice into database state: the notice
record in the alert DB, and surveys, targets, exposure sets and cadence
strategies in the observation DB. Handling is idempotent per IVORN and
per (event, survey index).
*/
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/alertdb"
	"github.com/astrosentinel/alert-sentinel/internal/healpix"
	"github.com/astrosentinel/alert-sentinel/internal/metrics"
	"github.com/astrosentinel/alert-sentinel/internal/notice"
	"github.com/astrosentinel/alert-sentinel/internal/obsdb"
	"github.com/astrosentinel/alert-sentinel/internal/skymap"
	"github.com/astrosentinel/alert-sentinel/internal/strategy"
)

// AlertStore is the slice of the alert database the handler needs.
type AlertStore interface {
	RecordNotice(ctx context.Context, rec alertdb.Record) (eventID, noticeID int64, err error)
	PreviousNotice(ctx context.Context, eventID int64) (*alertdb.Notice, error)
	SetNoticeSurvey(ctx context.Context, noticeID, surveyID int64) error
}

// ObsStore is the slice of the observation database the handler needs.
type ObsStore interface {
	CurrentGrid(ctx context.Context) (*obsdb.Grid, error)
	GetOrCreateUser(ctx context.Context, username string) (int64, error)
	CountSurveys(ctx context.Context, eventName string) (int, error)
	LatestSurvey(ctx context.Context, eventName string) (*obsdb.Survey, error)
	CreateSurvey(ctx context.Context, name, eventName string) (int64, error)
	EventTargets(ctx context.Context, eventName string) ([]obsdb.Target, error)
	MarkTargetDeleted(ctx context.Context, targetID int64, tm time.Time) error
	InsertTargets(ctx context.Context, surveyID, userID int64, specs []obsdb.TargetSpec) error
}

// SelectedTile is one grid tile retained by tile selection, with the
// skymap probability it encloses.
type SelectedTile struct {
	Tile obsdb.GridTile
	Prob float64
}

// Result summarizes what handling a notice did, for reporting.
type Result struct {
	EventName      string
	StrategyKey    string
	Plan           *strategy.Plan
	Sky            *skymap.Map
	RequiresUpdate bool
	Tombstoned     int
	SurveyName     string
	Tiles          []SelectedTile
}

// Handler applies notices to the two databases.
type Handler struct {
	alerts  AlertStore
	obs     ObsStore
	catalog *strategy.Catalog
	fetcher *skymap.Fetcher
	log     *zap.Logger
}

// New builds a handler.
func New(alerts AlertStore, obs ObsStore, catalog *strategy.Catalog, fetcher *skymap.Fetcher, log *zap.Logger) *Handler {
	return &Handler{
		alerts:  alerts,
		obs:     obs,
		catalog: catalog,
		fetcher: fetcher,
		log:     log.Named("handler"),
	}
}

// HandleNotice runs the full pipeline for one notice at the given time.
// The alert-DB record and any tombstones survive later failures; only the
// target materialization transaction rolls back.
func (h *Handler) HandleNotice(ctx context.Context, n *notice.Notice, now time.Time) (*Result, error) {
	started := time.Now()
	defer func() {
		if metrics.HandlerDurationSeconds != nil {
			metrics.HandlerDurationSeconds.Record(ctx, time.Since(started).Seconds())
		}
	}()

	eventName := n.EventName()
	log := h.log.With(zap.String("ivorn", n.IVORN), zap.String("event", eventName))

	// Retractions have nothing to localize; for everything else an
	// unresolvable skymap fails the notice.
	sky, err := n.EnsureSkyMap(ctx, h.fetcher, notice.DefaultNSide)
	if err != nil {
		if n.Kind != notice.KindGWRetraction {
			return nil, fmt.Errorf("notice %s: %w", n.IVORN, err)
		}
		sky = nil
	}

	key, err := strategy.Decide(n, sky)
	if err != nil {
		if !errors.Is(err, strategy.ErrDecisionFailed) {
			return nil, err
		}
		log.Warn("strategy decision failed, ignoring notice", zap.Error(err))
		key = strategy.KeyIgnore
	}

	anchor := n.EventTime
	if anchor.IsZero() {
		anchor = now
	}
	plan, err := h.catalog.Resolve(key, anchor)
	if err != nil {
		if !errors.Is(err, strategy.ErrUndefined) {
			return nil, err
		}
		log.Warn("strategy key undefined, ignoring notice", zap.Error(err))
		key = strategy.KeyIgnore
		plan = nil
	}

	fingerprint := ""
	if sky != nil {
		fingerprint = sky.Fingerprint()
	}

	eventID, noticeID, err := h.alerts.RecordNotice(ctx, alertdb.Record{
		EventName:  eventName,
		EventType:  string(n.EventType),
		Origin:     n.Source,
		EventTime:  n.EventTime,
		IVORN:      n.IVORN,
		Payload:    n.Payload,
		SkymapID:   fingerprint,
		Strategy:   key,
		NoticeTime: n.NoticeTime,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		EventName:   eventName,
		StrategyKey: key,
		Plan:        plan,
		Sky:         sky,
	}

	nSurveys, err := h.obs.CountSurveys(ctx, eventName)
	if err != nil {
		return nil, err
	}

	requiresUpdate := true
	if nSurveys > 0 {
		prev, err := h.alerts.PreviousNotice(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			requiresUpdate = prev.SkymapFingerprint != fingerprint || prev.StrategyKey != key
		}
	}
	res.RequiresUpdate = requiresUpdate

	if requiresUpdate && nSurveys >= 1 {
		count, err := h.tombstone(ctx, eventName, now)
		if err != nil {
			return nil, err
		}
		res.Tombstoned = count
		if count > 0 {
			log.Info("tombstoned superseded targets", zap.Int("count", count))
		}
	}

	if key == strategy.KeyIgnore || key == strategy.KeyRetraction || plan == nil {
		log.Info("notice recorded without survey", zap.String("strategy", key))
		return res, nil
	}

	var surveyID int64
	var surveyName string
	if requiresUpdate {
		surveyName = fmt.Sprintf("%s_%d", eventName, nSurveys+1)
		surveyID, err = h.obs.CreateSurvey(ctx, surveyName, eventName)
		if err != nil {
			return nil, err
		}
		if metrics.SurveysCreatedTotal != nil {
			metrics.SurveysCreatedTotal.Add(ctx, 1)
		}
	} else {
		latest, err := h.obs.LatestSurvey(ctx, eventName)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, fmt.Errorf("event %s has %d surveys but none found", eventName, nSurveys)
		}
		surveyID, surveyName = latest.ID, latest.Name
	}
	res.SurveyName = surveyName

	if err := h.alerts.SetNoticeSurvey(ctx, noticeID, surveyID); err != nil {
		return nil, err
	}

	if !requiresUpdate {
		log.Info("notice matches previous plan, survey reused", zap.String("survey", surveyName))
		return res, nil
	}

	grid, err := h.obs.CurrentGrid(ctx)
	if err != nil {
		return nil, err
	}

	working := sky
	if !working.IsMOC() && (working.NSide() > notice.DefaultNSide || working.Order() == healpix.Ring) {
		working, err = working.Regrade(notice.DefaultNSide, healpix.Nested)
		if err != nil {
			return nil, fmt.Errorf("failed to regrade skymap for %s: %w", n.IVORN, err)
		}
	}

	tiles := selectTiles(working, grid, plan)
	res.Tiles = tiles
	if len(tiles) == 0 {
		log.Info("no tiles pass selection, survey left empty", zap.String("survey", surveyName))
		return res, nil
	}

	userID, err := h.obs.GetOrCreateUser(ctx, obsdb.DefaultUsername)
	if err != nil {
		return nil, err
	}

	specs := make([]obsdb.TargetSpec, 0, len(tiles))
	for _, t := range tiles {
		specs = append(specs, targetSpec(eventName, t, plan, now))
	}
	if err := h.obs.InsertTargets(ctx, surveyID, userID, specs); err != nil {
		return nil, err
	}
	if metrics.TargetsCreatedTotal != nil {
		metrics.TargetsCreatedTotal.Add(ctx, int64(len(specs)))
	}
	log.Info("survey materialized",
		zap.String("survey", surveyName),
		zap.String("strategy", key),
		zap.Int("targets", len(specs)))
	return res, nil
}

// tombstone marks every non-terminal target of the event deleted at tm.
func (h *Handler) tombstone(ctx context.Context, eventName string, tm time.Time) (int, error) {
	targets, err := h.obs.EventTargets(ctx, eventName)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range targets {
		if targets[i].StatusAt(tm).Terminal() {
			continue
		}
		if err := h.obs.MarkTargetDeleted(ctx, targets[i].ID, tm); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 && metrics.TargetsTombstonedTotal != nil {
		metrics.TargetsTombstonedTotal.Add(ctx, int64(count))
	}
	return count, nil
}

// selectTiles scores every grid tile against the skymap and keeps the
// most probable ones: descending by probability, cut at the strategy's
// credible contour, tile limit and per-tile probability floor.
func selectTiles(m *skymap.Map, grid *obsdb.Grid, plan *strategy.Plan) []SelectedTile {
	scored := make([]SelectedTile, 0, len(grid.Tiles))
	for _, tile := range grid.Tiles {
		p := m.ProbWithinRadius(tile.RA, tile.Dec, grid.FOVRadius)
		if p < plan.ProbLimit {
			continue
		}
		scored = append(scored, SelectedTile{Tile: tile, Prob: p})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Prob > scored[j].Prob })

	selected := make([]SelectedTile, 0, len(scored))
	cumulative := 0.0
	for _, t := range scored {
		if plan.TileLimit > 0 && len(selected) >= plan.TileLimit {
			break
		}
		if plan.SkymapContour > 0 && cumulative >= plan.SkymapContour {
			break
		}
		selected = append(selected, t)
		cumulative += t.Prob
	}
	return selected
}

// targetSpec builds the insert form of one target from a selected tile.
func targetSpec(eventName string, t SelectedTile, plan *strategy.Plan, now time.Time) obsdb.TargetSpec {
	exposures := make([]obsdb.ExposureSetSpec, 0, len(plan.ExposureSets))
	for _, es := range plan.ExposureSets {
		exposures = append(exposures, obsdb.ExposureSetSpec{
			NumExp:  es.NumExp,
			ExpTime: es.ExpTime,
			Filter:  es.Filter,
		})
	}
	strategies := make([]obsdb.StrategySpec, 0, len(plan.Cadences))
	for _, cad := range plan.Cadences {
		strategies = append(strategies, obsdb.StrategySpec{
			NumTodo:    cad.NumTodo,
			StopTime:   cad.StopTime,
			WaitTime:   time.Duration(cad.WaitHours * float64(time.Hour)),
			RankChange: cad.RankChange,
			MinAlt:     plan.Constraints.MinAlt,
			MaxSunAlt:  plan.Constraints.MaxSunAlt,
			MaxMoon:    plan.Constraints.MaxMoon,
			MinMoonSep: plan.Constraints.MinMoonSep,
		})
	}
	return obsdb.TargetSpec{
		Name:         fmt.Sprintf("%s_%s", eventName, t.Tile.Name),
		GridTileID:   t.Tile.ID,
		Rank:         plan.Rank,
		Weight:       t.Prob,
		StartTime:    plan.StartTime(),
		StopTime:     plan.StopTime(),
		CreationTime: now,
		ExposureSets: exposures,
		Strategies:   strategies,
	}
}
