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
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// Param is one VOEvent <Param> with its attributes.
type Param struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Unit  string `xml:"unit,attr"`
	UCD   string `xml:"ucd,attr"`
}

// Group is one VOEvent <Group> of params.
type Group struct {
	Name   string  `xml:"name,attr"`
	Type   string  `xml:"type,attr"`
	Params []Param `xml:"Param"`
}

// What is the VOEvent payload block.
type What struct {
	Params []Param `xml:"Param"`
	Groups []Group `xml:"Group"`
}

// VOEvent is the subset of the VOEvent 2.0 schema the sentinel reads.
type VOEvent struct {
	XMLName xml.Name `xml:"VOEvent"`
	IVORN   string   `xml:"ivorn,attr"`
	Role    string   `xml:"role,attr"`

	Who struct {
		Date        string `xml:"Date"`
		AuthorIVORN string `xml:"AuthorIVORN"`
		Author      struct {
			ShortName string `xml:"shortName"`
		} `xml:"Author"`
	} `xml:"Who"`

	What What `xml:"What"`

	WhereWhen struct {
		ObsDataLocation struct {
			ObservationLocation struct {
				AstroCoords struct {
					Time struct {
						TimeInstant struct {
							ISOTime string `xml:"ISOTime"`
						} `xml:"TimeInstant"`
					} `xml:"Time"`
					Position2D struct {
						Value2 struct {
							C1 float64 `xml:"C1"`
							C2 float64 `xml:"C2"`
						} `xml:"Value2"`
						Error2Radius float64 `xml:"Error2Radius"`
					} `xml:"Position2D"`
				} `xml:"AstroCoords"`
			} `xml:"ObservationLocation"`
		} `xml:"ObsDataLocation"`
	} `xml:"WhereWhen"`
}

// GroupRecord is a flattened <Group>: its type plus its params by name.
type GroupRecord struct {
	Type   string
	Params map[string]Param
}

// parseVOEventXML decodes a VOEvent XML document.
func parseVOEventXML(raw []byte) (*VOEvent, error) {
	var ve VOEvent
	if err := xml.Unmarshal(raw, &ve); err != nil {
		return nil, err
	}
	if ve.IVORN == "" {
		return nil, fmt.Errorf("VOEvent missing ivorn attribute")
	}
	return &ve, nil
}

// Flatten splits the What block into top-level params and grouped params.
// Duplicate param names within the same scope are a structural defect.
func (ve *VOEvent) Flatten() (top map[string]Param, groups map[string]GroupRecord, err error) {
	top = make(map[string]Param, len(ve.What.Params))
	for _, p := range ve.What.Params {
		if _, dup := top[p.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate param %q", ErrInvalidPayload, p.Name)
		}
		top[p.Name] = p
	}

	groups = make(map[string]GroupRecord, len(ve.What.Groups))
	for _, g := range ve.What.Groups {
		if _, dup := groups[g.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate group %q", ErrInvalidPayload, g.Name)
		}
		rec := GroupRecord{Type: g.Type, Params: make(map[string]Param, len(g.Params))}
		for _, p := range g.Params {
			if _, dup := rec.Params[p.Name]; dup {
				return nil, nil, fmt.Errorf("%w: duplicate param %q in group %q", ErrInvalidPayload, p.Name, g.Name)
			}
			rec.Params[p.Name] = p
		}
		groups[g.Name] = rec
	}
	return top, groups, nil
}

// Time returns the Who/Date send time, when parseable.
func (ve *VOEvent) Time() time.Time {
	return parseISOTime(ve.Who.Date)
}

// EventTime returns the observation time from WhereWhen.
func (ve *VOEvent) EventTime() time.Time {
	return parseISOTime(ve.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Time.TimeInstant.ISOTime)
}

// EventPosition returns the WhereWhen position and error radius in degrees,
// or nil when the document carries none.
func (ve *VOEvent) EventPosition() (*Position, float64) {
	pos := ve.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D
	if pos.Value2.C1 == 0 && pos.Value2.C2 == 0 && pos.Error2Radius == 0 {
		return nil, 0
	}
	return &Position{RA: pos.Value2.C1, Dec: pos.Value2.C2}, pos.Error2Radius
}

// contentMap renders the event as a nested mapping for uniform access.
func (ve *VOEvent) contentMap() map[string]interface{} {
	params := make(map[string]interface{}, len(ve.What.Params))
	for _, p := range ve.What.Params {
		params[p.Name] = p.Value
	}
	groups := make(map[string]interface{}, len(ve.What.Groups))
	for _, g := range ve.What.Groups {
		gp := make(map[string]interface{}, len(g.Params))
		for _, p := range g.Params {
			gp[p.Name] = p.Value
		}
		groups[g.Name] = gp
	}
	return map[string]interface{}{
		"ivorn":  ve.IVORN,
		"role":   ve.Role,
		"date":   ve.Who.Date,
		"params": params,
		"groups": groups,
	}
}

// voEventFromJSON rebuilds a VOEvent from its JSON-ified layout, where
// attributes carry an "@" prefix and repeated elements may be a single
// object or a list.
func voEventFromJSON(content map[string]interface{}) (*VOEvent, error) {
	root := content
	if inner, ok := content["voevent"].(map[string]interface{}); ok {
		root = inner
	}

	ve := &VOEvent{}
	ve.IVORN = jsonString(root, "@ivorn", "ivorn")
	ve.Role = jsonString(root, "@role", "role")
	if ve.IVORN == "" {
		return nil, fmt.Errorf("VOEvent JSON missing ivorn")
	}

	if who, ok := root["Who"].(map[string]interface{}); ok {
		ve.Who.Date = jsonString(who, "Date")
		ve.Who.AuthorIVORN = jsonString(who, "AuthorIVORN")
	}

	if what, ok := root["What"].(map[string]interface{}); ok {
		for _, raw := range asList(what["Param"]) {
			p, ok := jsonParam(raw)
			if !ok {
				return nil, fmt.Errorf("malformed What.Param entry")
			}
			ve.What.Params = append(ve.What.Params, p)
		}
		for _, raw := range asList(what["Group"]) {
			gm, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("malformed What.Group entry")
			}
			g := Group{
				Name: jsonString(gm, "@name", "name"),
				Type: jsonString(gm, "@type", "type"),
			}
			for _, rp := range asList(gm["Param"]) {
				p, ok := jsonParam(rp)
				if !ok {
					return nil, fmt.Errorf("malformed Group.Param entry")
				}
				g.Params = append(g.Params, p)
			}
			ve.What.Groups = append(ve.What.Groups, g)
		}
	}

	if ww, ok := root["WhereWhen"].(map[string]interface{}); ok {
		loc := dig(ww, "ObsDataLocation", "ObservationLocation", "AstroCoords")
		if loc != nil {
			ve.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Time.TimeInstant.ISOTime =
				jsonString(dig(loc, "Time", "TimeInstant"), "ISOTime")
			if pos := dig(loc, "Position2D"); pos != nil {
				if v2 := dig(pos, "Value2"); v2 != nil {
					ve.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D.Value2.C1 = jsonFloat(v2, "C1")
					ve.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D.Value2.C2 = jsonFloat(v2, "C2")
				}
				ve.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D.Error2Radius = jsonFloat(pos, "Error2Radius")
			}
		}
	}

	return ve, nil
}

func jsonParam(raw interface{}) (Param, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Param{}, false
	}
	return Param{
		Name:  jsonString(m, "@name", "name"),
		Value: jsonString(m, "@value", "value"),
		Unit:  jsonString(m, "@unit", "unit"),
		UCD:   jsonString(m, "@ucd", "ucd"),
	}, true
}

func asList(v interface{}) []interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return x
	default:
		return []interface{}{x}
	}
}

func dig(m map[string]interface{}, keys ...string) map[string]interface{} {
	cur := m
	for _, k := range keys {
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func jsonString(m map[string]interface{}, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func jsonFloat(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// parseISOTime accepts the ISO-8601 variants seen across GCN publishers.
func parseISOTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
