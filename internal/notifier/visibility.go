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

package notifier

import (
	"math"
	"time"

	"github.com/astrosentinel/alert-sentinel/internal/config"
	"github.com/astrosentinel/alert-sentinel/internal/handler"
	"github.com/astrosentinel/alert-sentinel/internal/strategy"
)

// visibilityStep is the sampling interval over the plan window.
const visibilityStep = 15 * time.Minute

// VisibilityResult summarizes one site's view of a survey.
type VisibilityResult struct {
	// VisibleTiles counts tiles above the altitude limit during site
	// night at any sampled time in the window.
	VisibleTiles int
	// VisibleProb sums the probability of the visible tiles.
	VisibleProb float64
}

// Visibility samples the plan window and reports which tiles the site
// can observe within its altitude and darkness constraints.
func Visibility(site config.Site, tiles []handler.SelectedTile, plan *strategy.Plan) VisibilityResult {
	var res VisibilityResult
	start, stop := plan.StartTime(), plan.StopTime()
	if !stop.After(start) {
		return res
	}

	for _, t := range tiles {
		visible := false
		for tm := start; !tm.After(stop); tm = tm.Add(visibilityStep) {
			if sunAltitude(tm, site.Latitude, site.Longitude) > plan.Constraints.MaxSunAlt {
				continue
			}
			if altitude(tm, site.Latitude, site.Longitude, t.Tile.RA, t.Tile.Dec) >= plan.Constraints.MinAlt {
				visible = true
				break
			}
		}
		if visible {
			res.VisibleTiles++
			res.VisibleProb += t.Prob
		}
	}
	return res
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// julianDate converts to Julian days.
func julianDate(t time.Time) float64 {
	return float64(t.UTC().UnixNano())/86400e9 + 2440587.5
}

// siderealTime returns the local apparent sidereal time in degrees.
// Low-accuracy GMST expansion, ample for visibility summaries.
func siderealTime(t time.Time, lonDeg float64) float64 {
	d := julianDate(t) - 2451545.0
	gmst := math.Mod(280.46061837+360.98564736629*d, 360)
	return math.Mod(gmst+lonDeg+360, 360)
}

// altitude returns the elevation of an equatorial position in degrees.
func altitude(t time.Time, latDeg, lonDeg, raDeg, decDeg float64) float64 {
	ha := radians(siderealTime(t, lonDeg) - raDeg)
	lat := radians(latDeg)
	dec := radians(decDeg)
	sinAlt := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	return degrees(math.Asin(sinAlt))
}

// sunAltitude returns the Sun's elevation at the site in degrees,
// from the low-accuracy solar ephemeris.
func sunAltitude(t time.Time, latDeg, lonDeg float64) float64 {
	d := julianDate(t) - 2451545.0
	meanLon := radians(math.Mod(280.460+0.9856474*d, 360))
	meanAnom := radians(math.Mod(357.528+0.9856003*d, 360))
	eclLon := meanLon + radians(1.915)*math.Sin(meanAnom) + radians(0.020)*math.Sin(2*meanAnom)
	obliquity := radians(23.439 - 0.0000004*d)

	ra := degrees(math.Atan2(math.Cos(obliquity)*math.Sin(eclLon), math.Cos(eclLon)))
	dec := degrees(math.Asin(math.Sin(obliquity) * math.Sin(eclLon)))
	return altitude(t, latDeg, lonDeg, ra, dec)
}
