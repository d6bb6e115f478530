// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MarshalJSON renders the CloudEvents structured JSON mode: core attributes
// and extensions side by side at the top level, data as a nested JSON value.
// Key order is stable (lexicographic) so equal events serialize identically.
func (e *Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	m := make(map[string]any, len(e.extensions)+len(reservedAttrs))
	m["specversion"] = e.specVersion
	m["id"] = e.id
	m["source"] = e.source
	m["type"] = e.eventType
	m["time"] = e.timestamp.UTC().Format(time.RFC3339Nano)
	if e.subject != "" {
		m["subject"] = e.subject
	}
	if e.dataContentType != "" {
		m["datacontenttype"] = e.dataContentType
	}
	if e.dataSchema != "" {
		m["dataschema"] = e.dataSchema
	}
	for k, v := range e.extensions {
		m[k] = v
	}
	if e.data != nil {
		m["data"] = e.data
	}
	return json.Marshal(m)
}

// Encode serializes the event for the wire.
func Encode(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a structured-mode envelope and validates it. Unknown
// top-level keys become extension attributes; keys beginning with "ce-"
// are rejected.
func Decode(raw []byte) (*Event, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	e := &Event{
		dataContentType: DefaultContentType,
		extensions:      make(map[string]any),
	}
	for key, val := range fields {
		switch key {
		case "specversion":
			if err := decodeString(key, val, &e.specVersion); err != nil {
				return nil, err
			}
		case "id":
			if err := decodeString(key, val, &e.id); err != nil {
				return nil, err
			}
		case "source":
			if err := decodeString(key, val, &e.source); err != nil {
				return nil, err
			}
		case "type":
			if err := decodeString(key, val, &e.eventType); err != nil {
				return nil, err
			}
		case "subject":
			if err := decodeString(key, val, &e.subject); err != nil {
				return nil, err
			}
		case "datacontenttype":
			if err := decodeString(key, val, &e.dataContentType); err != nil {
				return nil, err
			}
		case "dataschema":
			if err := decodeString(key, val, &e.dataSchema); err != nil {
				return nil, err
			}
		case "time":
			var s string
			if err := decodeString(key, val, &s); err != nil {
				return nil, err
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("%w: time %q: %v", ErrInvalidEvent, s, err)
			}
			e.timestamp = ts.UTC()
		case "data":
			e.data = append(json.RawMessage(nil), val...)
		default:
			if err := validateExtensionName(key); err != nil {
				return nil, err
			}
			v, err := decodeScalar(val)
			if err != nil {
				return nil, fmt.Errorf("%w: extension %q: %v", ErrInvalidEvent, key, err)
			}
			e.extensions[key] = v
		}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeString(key string, raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: attribute %q must be a string", ErrInvalidEvent, key)
	}
	return nil
}

func decodeScalar(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return canonicalScalar(v)
}
