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
Package strategy maps notices onto observing strategies: the static key
catalog, the resolver that materializes a plan anchored at the event time,
and the per-variant decision rules.
*/
package strategy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUndefined reports a strategy key absent from the catalog.
	ErrUndefined = errors.New("StrategyUndefined")
	// ErrDecisionFailed reports a variant rule that could not produce a key.
	ErrDecisionFailed = errors.New("StrategyDecisionFailed")
)

// Reserved keys resolving to no plan.
const (
	KeyIgnore     = "IGNORE"
	KeyRetraction = "RETRACTION"
	KeyDefault    = "DEFAULT"
)

//go:embed catalog.json
var catalogJSON []byte

// Cadence is one observing pass: how many visits, the wait between them,
// and the validity window once expanded against an anchor time.
type Cadence struct {
	NumTodo    int     `json:"num_todo"`
	WaitHours  float64 `json:"wait_hours"`
	RankChange int     `json:"rank_change"`

	// StartTime and StopTime are populated by Resolve.
	StartTime time.Time `json:"-"`
	StopTime  time.Time `json:"-"`
}

// Constraints bundle the observing limits attached to every pointing.
type Constraints struct {
	MinAlt     float64 `json:"min_alt"`
	MaxSunAlt  float64 `json:"max_sunalt"`
	MaxMoon    string  `json:"max_moon"`
	MinMoonSep float64 `json:"min_moonsep"`
}

// ExposureSet is one exposure specification.
type ExposureSet struct {
	NumExp  int     `json:"num_exp"`
	ExpTime float64 `json:"exptime"`
	Filter  string  `json:"filt"`
}

// template is the catalog form of a strategy, before time expansion.
type template struct {
	Rank          int             `json:"rank"`
	Cadence       json.RawMessage `json:"cadence"`
	Constraints   *Constraints    `json:"constraints"`
	ExposureSets  []ExposureSet   `json:"exposure_sets"`
	OnGrid        bool            `json:"on_grid"`
	TileLimit     int             `json:"tile_limit"`
	ProbLimit     float64         `json:"prob_limit"`
	SkymapContour float64         `json:"skymap_contour"`
	ValidHours    float64         `json:"valid_hours"`
	DelayHours    *float64        `json:"delay_hours"`
	WakeupAlert   bool            `json:"wakeup_alert"`
}

// Plan is a fully materialized observing strategy with absolute times.
type Plan struct {
	Key           string
	Rank          int
	Cadences      []Cadence
	Constraints   Constraints
	ExposureSets  []ExposureSet
	OnGrid        bool
	TileLimit     int
	ProbLimit     float64
	SkymapContour float64
	ValidHours    float64
	WakeupAlert   bool
}

// StartTime is the first cadence's start.
func (p *Plan) StartTime() time.Time { return p.Cadences[0].StartTime }

// StopTime is the last cadence's stop.
func (p *Plan) StopTime() time.Time { return p.Cadences[len(p.Cadences)-1].StopTime }

// Catalog is the loaded strategy table.
type Catalog struct {
	templates map[string]template
}

// LoadCatalog parses the embedded strategy table.
func LoadCatalog() (*Catalog, error) {
	var templates map[string]template
	if err := json.Unmarshal(catalogJSON, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse strategy catalog: %w", err)
	}
	return &Catalog{templates: templates}, nil
}

// Keys lists the catalog's strategy keys.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.templates))
	for k := range c.templates {
		keys = append(keys, k)
	}
	return keys
}

// Resolve materializes a strategy key into a Plan anchored at anchor.
// The reserved IGNORE and RETRACTION keys resolve to a nil Plan.
func (c *Catalog) Resolve(key string, anchor time.Time) (*Plan, error) {
	if key == KeyIgnore || key == KeyRetraction {
		return nil, nil
	}
	tmpl, ok := c.templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUndefined, key)
	}
	if len(tmpl.Cadence) == 0 || tmpl.Constraints == nil || len(tmpl.ExposureSets) == 0 {
		return nil, fmt.Errorf("strategy %q template missing cadence, constraints or exposure_sets", key)
	}

	cadences, err := parseCadences(tmpl.Cadence)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", key, err)
	}
	if len(cadences) == 0 {
		return nil, fmt.Errorf("strategy %q template missing cadence, constraints or exposure_sets", key)
	}

	delay := time.Duration(0)
	if tmpl.DelayHours != nil {
		delay = hours(*tmpl.DelayHours)
	}
	valid := hours(tmpl.ValidHours)

	// Each cadence starts when the previous was scheduled to start; the
	// optional delay shifts every entry cumulatively.
	for i := range cadences {
		if i == 0 {
			cadences[i].StartTime = anchor.Add(delay)
		} else {
			cadences[i].StartTime = cadences[i-1].StartTime.Add(delay)
		}
		cadences[i].StopTime = cadences[i].StartTime.Add(valid)
	}

	return &Plan{
		Key:           key,
		Rank:          tmpl.Rank,
		Cadences:      cadences,
		Constraints:   *tmpl.Constraints,
		ExposureSets:  tmpl.ExposureSets,
		OnGrid:        tmpl.OnGrid,
		TileLimit:     tmpl.TileLimit,
		ProbLimit:     tmpl.ProbLimit,
		SkymapContour: tmpl.SkymapContour,
		ValidHours:    tmpl.ValidHours,
		WakeupAlert:   tmpl.WakeupAlert,
	}, nil
}

// parseCadences accepts a single cadence object or a list.
func parseCadences(raw json.RawMessage) ([]Cadence, error) {
	var list []Cadence
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single Cadence
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("malformed cadence: %w", err)
	}
	return []Cadence{single}, nil
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
