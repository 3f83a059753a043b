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
Package notice models transient-astronomy alert notices: payload
deserialization, VOEvent flattening, and the per-observatory variants
(gravitational-wave, gamma-ray burst, neutrino).
*/
package notice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/astrosentinel/alert-sentinel/internal/skymap"
)

var (
	// ErrInvalidPayload marks bytes that match no supported format, or a
	// matched format with a structural defect.
	ErrInvalidPayload = errors.New("InvalidPayload")

	// ErrInvalidNotice marks a message a variant constructor rejects; the
	// classifier falls back to the base Notice.
	ErrInvalidNotice = errors.New("InvalidNotice")
)

// Role is the publisher's declared intent for a notice.
type Role string

const (
	RoleObservation Role = "observation"
	RoleTest        Role = "test"
	RoleUtility     Role = "utility"
	RoleUnknown     Role = "unknown"
)

// EventType is the broad physics class of a notice.
type EventType string

const (
	EventGW      EventType = "GW"
	EventGRB     EventType = "GRB"
	EventNU      EventType = "NU"
	EventUnknown EventType = "unknown"
)

// Kind discriminates the notice variants.
type Kind string

const (
	KindGeneric          Kind = "Generic"
	KindGWDetection      Kind = "GWDetection"
	KindGWRetraction     Kind = "GWRetraction"
	KindFermiGRB         Kind = "FermiGRB"
	KindSwiftGRB         Kind = "SwiftGRB"
	KindGECAMGRB         Kind = "GECAMGRB"
	KindEinsteinProbeGRB Kind = "EinsteinProbeGRB"
	KindIceCubeNU        Kind = "IceCubeNU"
)

// Position is a point on the sky in equatorial degrees.
type Position struct {
	RA  float64
	Dec float64
}

// GWGroup is the LVC search group.
type GWGroup string

const (
	GroupCBC   GWGroup = "CBC"
	GroupBurst GWGroup = "Burst"
)

// ExternalCoinc records a coincident detection by an external observatory.
// When a combined skymap is present it overrides the primary one.
type ExternalCoinc struct {
	Observatory       string
	IVORN             string
	TimeCoincFAR      float64
	SkyCoincFAR       float64
	CombinedSkymapURL string
	CombinedSkymap    []byte
}

// GWFields carries the gravitational-wave extensions of a notice.
type GWFields struct {
	Group       GWGroup
	FAR         float64 // Hz
	Significant bool

	// Classification maps {BNS, NSBH, BBH, Terrestrial, ...} to
	// probabilities; present for CBC events.
	Classification map[string]float64
	// Properties includes HasNS and HasRemnant; present for CBC events.
	Properties map[string]float64

	GraceDBURL string
	External   *ExternalCoinc
}

// IceCubeFields carries the neutrino extensions of a notice.
type IceCubeFields struct {
	Signalness float64
	FAR        float64 // per year, as published by AMON
}

// Notice is the uniform internal representation of one alert message.
// Notices are immutable after construction, except that the skymap is
// lazily populated once.
type Notice struct {
	IVORN      string
	Source     string
	Role       Role
	NoticeTime time.Time

	EventType EventType
	Kind      Kind
	// Type is the provenance-specific sub-type (PRELIMINARY, GBM_FIN_POS,
	// ASTROTRACK_GOLD, ...).
	Type string

	EventID   string
	EventTime time.Time

	Position      *Position
	PositionError float64 // 1σ radius in degrees, systematics included

	SkymapURL string
	// SkymapData holds an embedded skymap payload (GW Avro alerts).
	SkymapData []byte

	GW      *GWFields
	IceCube *IceCubeFields

	// Payload is the raw message as received.
	Payload []byte

	mu  sync.Mutex
	sky *skymap.Map
}

// EventName is the stable per-event identity notices are grouped under.
func (n *Notice) EventName() string {
	switch {
	case n.EventID != "":
		return fmt.Sprintf("%s_%s", n.Source, n.EventID)
	case !n.EventTime.IsZero():
		return fmt.Sprintf("%s_%s", n.Source, n.EventTime.UTC().Format("2006-01-02T15:04:05"))
	default:
		return fmt.Sprintf("%s_unknown", n.Source)
	}
}

// DefaultNSide is the working resolution for synthesized and regraded maps.
const DefaultNSide = 128

// SkyMap returns the already-populated skymap, or nil.
func (n *Notice) SkyMap() *skymap.Map {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sky
}

// SetSkyMap populates the skymap directly (tests, replay).
func (n *Notice) SetSkyMap(m *skymap.Map) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sky = m
}

// EnsureSkyMap resolves the notice's skymap, at most once:
// embedded payload, then URL download (no caching), then Gaussian
// synthesis from the position and its error. Repeated calls return the
// same instance.
func (n *Notice) EnsureSkyMap(ctx context.Context, fetcher *skymap.Fetcher, nside int) (*skymap.Map, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sky != nil {
		return n.sky, nil
	}

	data := n.SkymapData
	url := n.SkymapURL
	if n.GW != nil && n.GW.External != nil {
		// An external coincidence's combined skymap overrides the primary.
		if len(n.GW.External.CombinedSkymap) > 0 {
			data = n.GW.External.CombinedSkymap
		} else if n.GW.External.CombinedSkymapURL != "" {
			url = n.GW.External.CombinedSkymapURL
		}
	}

	if len(data) > 0 {
		m, err := skymap.FromFITS(data)
		if err != nil {
			return nil, fmt.Errorf("embedded skymap: %w", err)
		}
		n.sky = m
		return m, nil
	}

	if url != "" && fetcher != nil {
		raw, err := fetcher.Fetch(ctx, url)
		if err == nil {
			m, ferr := skymap.FromFITS(raw)
			if ferr == nil {
				n.sky = m
				return m, nil
			}
			err = ferr
		}
		// Fall through to Gaussian synthesis when a position exists.
		if n.Position == nil || n.PositionError <= 0 {
			return nil, fmt.Errorf("%w: %v", skymap.ErrUnavailable, err)
		}
	}

	if n.Position != nil && n.PositionError > 0 {
		m, err := skymap.FromPosition(n.Position.RA, n.Position.Dec, n.PositionError, nside)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", skymap.ErrUnavailable, err)
		}
		n.sky = m
		return m, nil
	}

	return nil, skymap.ErrUnavailable
}

// FollowupSuffix marks re-enqueued clones carrying a late official skymap.
const FollowupSuffix = "_new_skymap"

// CloneForFollowup copies the notice with the follow-up IVORN suffix and
// no resolved skymap, so the official map is fetched on handling.
func (n *Notice) CloneForFollowup() *Notice {
	c := &Notice{
		IVORN:         n.IVORN + FollowupSuffix,
		Source:        n.Source,
		Role:          n.Role,
		NoticeTime:    n.NoticeTime,
		EventType:     n.EventType,
		Kind:          n.Kind,
		Type:          n.Type,
		EventID:       n.EventID,
		EventTime:     n.EventTime,
		SkymapURL:     n.SkymapURL,
		Payload:       n.Payload,
		GW:            n.GW,
		IceCube:       n.IceCube,
		PositionError: n.PositionError,
	}
	if n.Position != nil {
		p := *n.Position
		c.Position = &p
	}
	return c
}

// normalizeRole maps VOEvent role strings onto the known set.
func normalizeRole(role string) Role {
	switch strings.ToLower(role) {
	case "observation":
		return RoleObservation
	case "test":
		return RoleTest
	case "utility":
		return RoleUtility
	default:
		return RoleUnknown
	}
}

// synthesizeIVORN builds a stable identity for payloads that carry none.
func synthesizeIVORN(source, subType string, eventTime time.Time) string {
	t := "unknown"
	if !eventTime.IsZero() {
		t = eventTime.UTC().Format("2006-01-02T15:04:05.000")
	}
	return fmt.Sprintf("ivo://alert-sentinel/%s#%s_%s", source, subType, t)
}
