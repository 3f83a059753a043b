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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linkedin/goavro/v2"
)

// Format tags the wire encoding a payload was recognized as.
type Format string

const (
	FormatAvro        Format = "avro"
	FormatVOEventXML  Format = "voevent-xml"
	FormatVOEventJSON Format = "voevent-json"
	FormatJSON        Format = "json"
)

// Message is a deserialized payload: the recognized format, the raw bytes,
// and the parsed content as a nested mapping.
type Message struct {
	Format  Format
	Raw     []byte
	Content map[string]interface{}

	// VOEvent is populated for the two VOEvent formats.
	VOEvent *VOEvent
}

// avroMagic is the Avro Object Container File signature.
var avroMagic = []byte{'O', 'b', 'j', 1}

// Decode recognizes a raw payload, trying Avro, VOEvent-in-JSON, generic
// JSON, then VOEvent XML. A wrong-format indicator moves to the next
// trial; a structural error inside a matched format propagates as
// ErrInvalidPayload.
func Decode(raw []byte) (*Message, error) {
	if bytes.HasPrefix(raw, avroMagic) {
		content, err := decodeAvro(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: avro: %v", ErrInvalidPayload, err)
		}
		return &Message{Format: FormatAvro, Raw: raw, Content: content}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var content map[string]interface{}
		if err := json.Unmarshal(trimmed, &content); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrInvalidPayload, err)
		}
		if looksLikeVOEvent(content) {
			ve, err := voEventFromJSON(content)
			if err != nil {
				return nil, fmt.Errorf("%w: voevent-json: %v", ErrInvalidPayload, err)
			}
			return &Message{Format: FormatVOEventJSON, Raw: raw, Content: content, VOEvent: ve}, nil
		}
		return &Message{Format: FormatJSON, Raw: raw, Content: content}, nil
	}

	if bytes.Contains(trimmed[:min(len(trimmed), 512)], []byte("VOEvent")) ||
		bytes.HasPrefix(trimmed, []byte("<")) {
		ve, err := parseVOEventXML(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: voevent-xml: %v", ErrInvalidPayload, err)
		}
		return &Message{Format: FormatVOEventXML, Raw: raw, Content: ve.contentMap(), VOEvent: ve}, nil
	}

	return nil, fmt.Errorf("%w: unrecognized payload format", ErrInvalidPayload)
}

// decodeAvro reads the first record of an Avro Object Container File.
func decodeAvro(raw []byte) (map[string]interface{}, error) {
	ocf, err := goavro.NewOCFReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if !ocf.Scan() {
		if err := ocf.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty avro container")
	}
	native, err := ocf.Read()
	if err != nil {
		return nil, err
	}
	content, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("avro record is %T, want map", native)
	}
	return flattenAvroUnions(content), nil
}

// flattenAvroUnions unwraps goavro's {"type": value} union encoding so the
// content mapping reads like plain JSON.
func flattenAvroUnions(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = flattenAvroValue(v)
	}
	return out
}

func flattenAvroValue(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	if len(m) == 1 {
		for k, inner := range m {
			if strings.Contains(k, ".") || isAvroPrimitiveName(k) {
				return flattenAvroValue(inner)
			}
		}
	}
	return flattenAvroUnions(m)
}

func isAvroPrimitiveName(k string) bool {
	switch k {
	case "null", "boolean", "int", "long", "float", "double", "bytes", "string", "array", "map":
		return true
	}
	return false
}

// looksLikeVOEvent detects the JSON-ified VOEvent layout.
func looksLikeVOEvent(content map[string]interface{}) bool {
	if _, ok := content["voevent"]; ok {
		return true
	}
	_, hasIvorn := content["@ivorn"]
	_, hasIvornAlt := content["ivorn"]
	_, hasWhat := content["What"]
	return (hasIvorn || hasIvornAlt) && hasWhat
}
