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

package strategy

import (
	"fmt"
	"math"

	"github.com/astrosentinel/alert-sentinel/internal/notice"
	"github.com/astrosentinel/alert-sentinel/internal/skymap"
)

const secondsPerYear = 365 * 86400

// Decide selects the strategy key for a notice. The skymap argument is
// required for the GW and Fermi rules and may be nil otherwise.
func Decide(n *notice.Notice, m *skymap.Map) (string, error) {
	switch n.Kind {
	case notice.KindGWRetraction:
		return KeyRetraction, nil
	case notice.KindGWDetection:
		return decideGW(n, m)
	case notice.KindFermiGRB:
		if m == nil {
			return "", fmt.Errorf("%w: Fermi rule requires a skymap", ErrDecisionFailed)
		}
		if m.ContourArea(0.68) < 100 {
			return "GRB_FERMI_NARROW", nil
		}
		return "GRB_FERMI_WIDE", nil
	case notice.KindSwiftGRB:
		return "GRB_SWIFT", nil
	case notice.KindGECAMGRB, notice.KindEinsteinProbeGRB:
		return "GRB_OTHER", nil
	case notice.KindIceCubeNU:
		switch n.Type {
		case "ASTROTRACK_GOLD":
			return "NU_ICECUBE_GOLD", nil
		case "ASTROTRACK_BRONZE":
			return "NU_ICECUBE_BRONZE", nil
		case "CASCADE":
			return "NU_ICECUBE_CASCADE", nil
		}
		return "", fmt.Errorf("%w: unknown IceCube sub-type %q", ErrDecisionFailed, n.Type)
	case notice.KindGeneric:
		return KeyDefault, nil
	}
	return "", fmt.Errorf("%w: unhandled notice kind %q", ErrDecisionFailed, n.Kind)
}

func decideGW(n *notice.Notice, m *skymap.Map) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: GW rule requires a skymap", ErrDecisionFailed)
	}
	gw := n.GW
	if gw == nil {
		return "", fmt.Errorf("%w: GW notice missing GW fields", ErrDecisionFailed)
	}

	area := m.ContourArea(0.9)
	farYears := gw.FAR * secondsPerYear

	suffix := "_WIDE"
	if area < 1000 {
		suffix = "_NARROW"
	}

	// A confirmed external coincidence outranks everything else.
	if gw.External != nil {
		return "GW_RANK_1" + suffix, nil
	}

	if gw.Group == notice.GroupBurst {
		if farYears > 1 && !gw.Significant {
			return KeyIgnore, nil
		}
		if area < 5000 {
			return "GW_RANK_4" + suffix, nil
		}
		return KeyIgnore, nil
	}

	// CBC.
	if farYears > 12 && !gw.Significant {
		return KeyIgnore, nil
	}

	obs := gw.Properties["HasRemnant"] * (gw.Classification["BNS"] + gw.Classification["NSBH"])

	dist := math.Inf(1)
	hdr := m.Header()
	if !math.IsNaN(hdr.DistMean) && !math.IsNaN(hdr.DistStd) {
		dist = hdr.DistMean - hdr.DistStd
	}
	closeAndSmall := area < 5000 && dist < 250

	if obs > 0.5 {
		if closeAndSmall {
			return "GW_RANK_2" + suffix, nil
		}
		return "GW_RANK_3" + suffix, nil
	}
	if closeAndSmall {
		return "GW_RANK_5" + suffix, nil
	}
	return KeyIgnore, nil
}
