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

package notice

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Systematic position errors folded into the published statistical error,
// in degrees (spec'd per instrument by the respective collaborations).
const (
	fermiSystematicDeg   = 5.6
	icecubeSystematicDeg = 0.2
)

// FAR thresholds approximating the LVC significance flag when the
// publisher omits it.
const (
	cbcSignificantFAR   = 1.0 / (30 * 86400)  // 1/month in Hz
	burstSignificantFAR = 1.0 / (365 * 86400) // 1/year in Hz
)

// Build constructs a Notice from a deserialized message, selecting the
// variant by source. A variant constructor that rejects the message
// (ErrInvalidNotice) falls back to the base Notice.
func Build(msg *Message) (*Notice, error) {
	if msg.Format == FormatAvro {
		return buildGWFromAvro(msg)
	}
	if msg.VOEvent != nil {
		return buildFromVOEvent(msg)
	}
	return buildFromJSON(msg)
}

func buildFromVOEvent(msg *Message) (*Notice, error) {
	ve := msg.VOEvent
	top, groups, err := ve.Flatten()
	if err != nil {
		return nil, err
	}

	base := &Notice{
		IVORN:      ve.IVORN,
		Source:     sourceFromIVORN(ve.IVORN),
		Role:       normalizeRole(ve.Role),
		NoticeTime: ve.Time(),
		EventType:  EventUnknown,
		Kind:       KindGeneric,
		EventTime:  ve.EventTime(),
		Payload:    msg.Raw,
	}
	base.Position, base.PositionError = ve.EventPosition()
	base.Type = subTypeFromIVORN(ve.IVORN)

	var verr error
	switch strings.ToUpper(base.Source) {
	case "LVC":
		if strings.EqualFold(paramValue(top, "AlertType"), "RETRACTION") {
			verr = asGWRetraction(base, top)
		} else {
			verr = asGWDetection(base, top, groups)
		}
	case "FERMI":
		verr = asFermiGRB(base, top)
	case "SWIFT":
		verr = asSwiftGRB(base, top)
	case "GECAM":
		verr = asGECAMGRB(base, top)
	case "EINSTEINPROBE":
		verr = asEinsteinProbeVOEvent(base, top)
	case "AMON":
		if strings.Contains(strings.ToUpper(base.IVORN), "ICECUBE") {
			base.Source = "IceCube"
			verr = asIceCubeNU(base, top)
		}
	}

	if verr != nil {
		if errors.Is(verr, ErrInvalidNotice) {
			// Classifier falls back to the base Notice.
			return base, nil
		}
		return nil, verr
	}
	return base, nil
}

func buildFromJSON(msg *Message) (*Notice, error) {
	content := msg.Content

	// Einstein Probe WXT alerts arrive as bare JSON records.
	if strings.EqualFold(jsonString(content, "instrument"), "WXT") ||
		(content["id"] != nil && content["trigger_time"] != nil) {
		return buildEinsteinProbeJSON(msg)
	}

	base := &Notice{
		Source:     "unknown",
		Role:       RoleUnknown,
		EventType:  EventUnknown,
		Kind:       KindGeneric,
		NoticeTime: time.Now().UTC(),
		Payload:    msg.Raw,
	}
	base.IVORN = synthesizeIVORN(base.Source, "GENERIC", base.EventTime)
	return base, nil
}

// sourceFromIVORN maps the ivorn authority/publisher to the normalized
// short source name.
func sourceFromIVORN(ivorn string) string {
	up := strings.ToUpper(ivorn)
	switch {
	case strings.Contains(up, "GWNET") || strings.Contains(up, "LVC") || strings.Contains(up, "LVK"):
		return "LVC"
	case strings.Contains(up, "FERMI"):
		return "Fermi"
	case strings.Contains(up, "SWIFT"):
		return "Swift"
	case strings.Contains(up, "GECAM"):
		return "GECAM"
	case strings.Contains(up, "EINSTEIN_PROBE") || strings.Contains(up, "EINSTEINPROBE") || strings.Contains(up, "/EP"):
		return "EinsteinProbe"
	case strings.Contains(up, "AMON"):
		return "AMON"
	default:
		return "unknown"
	}
}

// subTypeFromIVORN extracts the packet sub-type from the ivorn local part,
// e.g. "GBM_Fin_Pos_2022..." -> "GBM_FIN_POS".
func subTypeFromIVORN(ivorn string) string {
	idx := strings.Index(ivorn, "#")
	if idx < 0 || idx+1 >= len(ivorn) {
		return ""
	}
	local := ivorn[idx+1:]
	// Trim the trailing identifier: everything from the first token that
	// starts with a digit.
	parts := strings.Split(local, "_")
	var kept []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if p[0] >= '0' && p[0] <= '9' {
			break
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return strings.ToUpper(local)
	}
	return strings.ToUpper(strings.Join(kept, "_"))
}

// --- GW ---

func asGWDetection(n *Notice, top map[string]Param, groups map[string]GroupRecord) error {
	graceID := paramValue(top, "GraceID")
	if graceID == "" {
		return fmt.Errorf("%w: GW notice missing GraceID", ErrInvalidNotice)
	}

	n.Kind = KindGWDetection
	n.EventType = EventGW
	n.EventID = graceID
	if at := paramValue(top, "AlertType"); at != "" {
		n.Type = strings.ToUpper(at)
	}

	gw := &GWFields{
		FAR:        paramFloat(top, "FAR"),
		GraceDBURL: paramValue(top, "EventPage"),
	}
	switch strings.ToUpper(paramValue(top, "Group")) {
	case "CBC":
		gw.Group = GroupCBC
	case "BURST":
		gw.Group = GroupBurst
	default:
		gw.Group = GroupCBC
	}

	if p, ok := top["Significant"]; ok {
		gw.Significant = parseBool(p.Value)
	} else {
		gw.Significant = deriveSignificant(gw.Group, gw.FAR)
	}

	if g, ok := groups["Classification"]; ok {
		gw.Classification = groupFloats(g)
	}
	if g, ok := groups["Properties"]; ok {
		gw.Properties = groupFloats(g)
	}

	if g, ok := groups["GW_SKYMAP"]; ok {
		if p, ok := g.Params["skymap_fits"]; ok {
			n.SkymapURL = p.Value
		}
	}
	if n.SkymapURL == "" {
		n.SkymapURL = paramValue(top, "skymap_fits")
	}

	if g, ok := groups["External Coincidence"]; ok {
		ext := &ExternalCoinc{
			Observatory:       groupValue(g, "External_Observatory"),
			IVORN:             groupValue(g, "External_Ivorn"),
			TimeCoincFAR:      groupFloat(g, "Time_Coincidence_FAR"),
			SkyCoincFAR:       groupFloat(g, "Time_Sky_Position_Coincidence_FAR"),
			CombinedSkymapURL: groupValue(g, "joint_skymap_fits"),
		}
		gw.External = ext
	}

	n.GW = gw
	return nil
}

func asGWRetraction(n *Notice, top map[string]Param) error {
	graceID := paramValue(top, "GraceID")
	if graceID == "" {
		return fmt.Errorf("%w: GW retraction missing GraceID", ErrInvalidNotice)
	}
	n.Kind = KindGWRetraction
	n.EventType = EventGW
	n.EventID = graceID
	n.Type = "RETRACTION"
	n.GW = &GWFields{GraceDBURL: paramValue(top, "EventPage")}
	return nil
}

func buildGWFromAvro(msg *Message) (*Notice, error) {
	content := msg.Content
	supereventID := jsonString(content, "superevent_id")
	if supereventID == "" {
		return nil, fmt.Errorf("%w: avro alert missing superevent_id", ErrInvalidPayload)
	}
	alertType := strings.ToUpper(jsonString(content, "alert_type"))

	n := &Notice{
		Source:     "LVC",
		Role:       RoleObservation,
		NoticeTime: parseISOTime(jsonString(content, "time_created")),
		EventType:  EventGW,
		EventID:    supereventID,
		Type:       alertType,
		Payload:    msg.Raw,
	}
	if strings.HasPrefix(strings.ToUpper(supereventID), "M") {
		// Mock superevents are published with test role.
		n.Role = RoleTest
	}
	n.IVORN = fmt.Sprintf("ivo://gwnet/LVC#%s-%s", supereventID, alertType)

	if urls, ok := content["urls"].(map[string]interface{}); ok {
		n.GW = &GWFields{GraceDBURL: jsonString(urls, "gracedb")}
	} else {
		n.GW = &GWFields{}
	}

	if alertType == "RETRACTION" {
		n.Kind = KindGWRetraction
		n.Type = "RETRACTION"
		return n, nil
	}

	n.Kind = KindGWDetection
	event, ok := content["event"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: avro %s alert missing event block", ErrInvalidPayload, alertType)
	}

	n.EventTime = parseISOTime(jsonString(event, "time"))
	n.GW.FAR = jsonFloat(event, "far")
	switch strings.ToUpper(jsonString(event, "group")) {
	case "BURST":
		n.GW.Group = GroupBurst
	default:
		n.GW.Group = GroupCBC
	}
	if v, ok := event["significant"].(bool); ok {
		n.GW.Significant = v
	} else {
		n.GW.Significant = deriveSignificant(n.GW.Group, n.GW.FAR)
	}
	if cls, ok := event["classification"].(map[string]interface{}); ok {
		n.GW.Classification = mapFloats(cls)
	}
	if props, ok := event["properties"].(map[string]interface{}); ok {
		n.GW.Properties = mapFloats(props)
	}
	if data, ok := event["skymap"].([]byte); ok {
		n.SkymapData = data
	}

	if ext, ok := content["external_coinc"].(map[string]interface{}); ok {
		coinc := &ExternalCoinc{
			Observatory:  jsonString(ext, "observatory"),
			IVORN:        jsonString(ext, "ivorn"),
			TimeCoincFAR: jsonFloat(ext, "time_coincidence_far"),
			SkyCoincFAR:  jsonFloat(ext, "time_sky_position_coincidence_far"),
		}
		if data, ok := ext["combined_skymap"].([]byte); ok {
			coinc.CombinedSkymap = data
		}
		n.GW.External = coinc
	}
	return n, nil
}

// --- GRB ---

func asFermiGRB(n *Notice, top map[string]Param) error {
	if n.Position == nil {
		return fmt.Errorf("%w: Fermi notice missing position", ErrInvalidNotice)
	}
	n.Kind = KindFermiGRB
	n.EventType = EventGRB
	n.EventID = paramValue(top, "TrigID")
	n.PositionError = combineErrors(n.PositionError, fermiSystematicDeg)

	// The official HEALPix map is not announced in the notice; guess its
	// URL from the light-curve product name.
	if lc := paramValue(top, "LightCurve_URL"); lc != "" {
		url := strings.Replace(lc, "lc_medres34", "healpix_all", 1)
		url = strings.Replace(url, ".gif", ".fit", 1)
		n.SkymapURL = url
	}
	return nil
}

func asSwiftGRB(n *Notice, top map[string]Param) error {
	if n.Position == nil {
		return fmt.Errorf("%w: Swift notice missing position", ErrInvalidNotice)
	}
	n.Kind = KindSwiftGRB
	n.EventType = EventGRB
	n.EventID = paramValue(top, "TrigID")
	return nil
}

func asGECAMGRB(n *Notice, top map[string]Param) error {
	if n.Position == nil {
		return fmt.Errorf("%w: GECAM notice missing position", ErrInvalidNotice)
	}
	n.Kind = KindGECAMGRB
	n.EventType = EventGRB
	n.EventID = paramValue(top, "Trigger_Number")
	if n.EventID == "" {
		n.EventID = paramValue(top, "TrigID")
	}
	return nil
}

func asEinsteinProbeVOEvent(n *Notice, top map[string]Param) error {
	if n.Position == nil {
		return fmt.Errorf("%w: Einstein Probe notice missing position", ErrInvalidNotice)
	}
	n.Kind = KindEinsteinProbeGRB
	n.EventType = EventGRB
	n.EventID = paramValue(top, "TrigID")
	return nil
}

func buildEinsteinProbeJSON(msg *Message) (*Notice, error) {
	content := msg.Content

	n := &Notice{
		Source:     "EinsteinProbe",
		Role:       RoleObservation,
		EventType:  EventGRB,
		Kind:       KindEinsteinProbeGRB,
		NoticeTime: time.Now().UTC(),
		EventTime:  parseISOTime(jsonString(content, "trigger_time")),
		Payload:    msg.Raw,
	}

	ids := asList(content["id"])
	if len(ids) > 0 {
		n.EventID = fmt.Sprintf("%v", ids[0])
	}

	ra, raOK := content["ra"].(float64)
	dec, decOK := content["dec"].(float64)
	if !raOK || !decOK {
		return nil, fmt.Errorf("%w: Einstein Probe notice missing position", ErrInvalidPayload)
	}
	n.Position = &Position{RA: ra, Dec: dec}
	n.PositionError = jsonFloat(content, "ra_dec_error")
	n.Type = "WXT_ALERT"
	n.IVORN = synthesizeIVORN(n.Source, n.Type, n.EventTime)
	return n, nil
}

// --- NU ---

func asIceCubeNU(n *Notice, top map[string]Param) error {
	if n.Position == nil {
		return fmt.Errorf("%w: IceCube notice missing position", ErrInvalidNotice)
	}
	n.Kind = KindIceCubeNU
	n.EventType = EventNU

	runID := paramValue(top, "run_id")
	eventID := paramValue(top, "event_id")
	switch {
	case runID != "" && eventID != "":
		n.EventID = fmt.Sprintf("%s_%s", runID, eventID)
	case paramValue(top, "AMON_ID") != "":
		n.EventID = paramValue(top, "AMON_ID")
	}

	up := strings.ToUpper(n.IVORN)
	switch {
	case strings.Contains(up, "CASCADE"):
		n.Type = "CASCADE"
	case strings.Contains(up, "BRONZE"):
		n.Type = "ASTROTRACK_BRONZE"
	case strings.Contains(up, "GOLD"):
		n.Type = "ASTROTRACK_GOLD"
	default:
		return fmt.Errorf("%w: unknown IceCube alert stream in %s", ErrInvalidNotice, n.IVORN)
	}

	if n.Type != "CASCADE" {
		n.PositionError = combineErrors(n.PositionError, icecubeSystematicDeg)
	}
	n.SkymapURL = paramValue(top, "skymap_fits")

	n.IceCube = &IceCubeFields{
		Signalness: paramFloat(top, "signalness"),
		FAR:        paramFloat(top, "FAR"),
	}
	return nil
}

// --- helpers ---

func deriveSignificant(group GWGroup, far float64) bool {
	if far <= 0 {
		return false
	}
	if group == GroupBurst {
		return far < burstSignificantFAR
	}
	return far < cbcSignificantFAR
}

// combineErrors adds a systematic error in quadrature.
func combineErrors(statDeg, sysDeg float64) float64 {
	return math.Sqrt(statDeg*statDeg + sysDeg*sysDeg)
}

func paramValue(params map[string]Param, name string) string {
	return params[name].Value
}

func paramFloat(params map[string]Param, name string) float64 {
	f, err := strconv.ParseFloat(params[name].Value, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func groupFloats(g GroupRecord) map[string]float64 {
	out := make(map[string]float64, len(g.Params))
	for name, p := range g.Params {
		if f, err := strconv.ParseFloat(p.Value, 64); err == nil {
			out[name] = f
		}
	}
	return out
}

func groupValue(g GroupRecord, name string) string {
	return g.Params[name].Value
}

func groupFloat(g GroupRecord, name string) float64 {
	f, err := strconv.ParseFloat(g.Params[name].Value, 64)
	if err != nil {
		return 0
	}
	return f
}

func mapFloats(m map[string]interface{}) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case float64:
			out[k] = x
		case float32:
			out[k] = float64(x)
		case int64:
			out[k] = float64(x)
		case bool:
			if x {
				out[k] = 1
			}
		}
	}
	return out
}
