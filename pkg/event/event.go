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

// Package event implements the CloudEvents 1.0 envelope used on the mesh.
//
// An Event is an immutable value: it is validated at construction and never
// mutated afterwards. Routing happens on the AMCP topic, a hierarchical
// dotted path carried in the "amcp-topic" extension attribute, with the
// reverse-DNS "type" attribute kept in sync so events survive round trips
// through transports that only preserve CloudEvents attributes.
package event

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"encoding/json"

	"github.com/google/uuid"
)

// SpecVersion is the only CloudEvents version the mesh speaks.
const SpecVersion = "1.0"

// DefaultContentType is assumed when a producer does not set one.
const DefaultContentType = "application/json"

// TypePrefix is prepended to the AMCP topic to form the reverse-DNS type.
const TypePrefix = "com.teradata.amcp."

// Extension attribute names reserved by the runtime.
const (
	ExtTopic      = "amcp-topic"
	ExtSender     = "amcp-sender"
	ExtMetaPrefix = "amcp-meta-"
)

// ErrInvalidEvent is wrapped by every construction and validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// reservedAttrs are CloudEvents context attribute names that extensions may
// not shadow.
var reservedAttrs = map[string]struct{}{
	"specversion":     {},
	"id":              {},
	"source":          {},
	"type":            {},
	"time":            {},
	"subject":         {},
	"datacontenttype": {},
	"dataschema":      {},
	"data":            {},
}

// Event is a CloudEvents 1.0 envelope. The zero value is not usable; build
// events with New and read them through the accessors.
type Event struct {
	specVersion     string
	id              string
	eventType       string
	source          string
	timestamp       time.Time
	subject         string
	dataContentType string
	dataSchema      string
	data            json.RawMessage
	extensions      map[string]any
}

// Option configures an Event during construction.
type Option func(*Event) error

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(e *Event) error {
		e.id = id
		return nil
	}
}

// WithSource sets the producer URI. Required: New fails without it.
func WithSource(source string) Option {
	return func(e *Event) error {
		e.source = source
		return nil
	}
}

// WithType overrides the derived reverse-DNS type.
func WithType(eventType string) Option {
	return func(e *Event) error {
		e.eventType = eventType
		return nil
	}
}

// WithTime overrides the construction timestamp.
func WithTime(t time.Time) Option {
	return func(e *Event) error {
		e.timestamp = t.UTC()
		return nil
	}
}

// WithSubject sets the optional free-form scope.
func WithSubject(subject string) Option {
	return func(e *Event) error {
		e.subject = subject
		return nil
	}
}

// WithDataSchema sets the optional schema URI for the payload.
func WithDataSchema(schema string) Option {
	return func(e *Event) error {
		e.dataSchema = schema
		return nil
	}
}

// WithContentType overrides the payload content type.
func WithContentType(ct string) Option {
	return func(e *Event) error {
		e.dataContentType = ct
		return nil
	}
}

// WithData marshals v as the JSON payload.
func WithData(v any) Option {
	return func(e *Event) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		e.data = raw
		return nil
	}
}

// WithRawData sets an already-encoded JSON payload.
func WithRawData(raw []byte) Option {
	return func(e *Event) error {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("raw data is not valid JSON")
		}
		e.data = append(json.RawMessage(nil), raw...)
		return nil
	}
}

// WithExtension sets an extension attribute. Names must be lowercase, must
// not begin with "ce-", and must not shadow a core attribute; values must be
// scalars (string, bool, or number).
func WithExtension(name string, value any) Option {
	return func(e *Event) error {
		if err := validateExtensionName(name); err != nil {
			return err
		}
		v, err := canonicalScalar(value)
		if err != nil {
			return fmt.Errorf("extension %q: %w", name, err)
		}
		e.extensions[name] = v
		return nil
	}
}

// WithSender records the publishing agent id in the amcp-sender extension.
func WithSender(agentID string) Option {
	return WithExtension(ExtSender, agentID)
}

// WithMeta sets an amcp-meta-<key> extension for transport round trips.
func WithMeta(key, value string) Option {
	return WithExtension(ExtMetaPrefix+key, value)
}

// New builds a validated Event routed to the given AMCP topic. The id,
// timestamp, and reverse-DNS type are derived unless overridden by options.
func New(topic string, opts ...Option) (*Event, error) {
	e := &Event{
		specVersion:     SpecVersion,
		id:              uuid.New().String(),
		timestamp:       time.Now().UTC(),
		dataContentType: DefaultContentType,
		extensions:      make(map[string]any),
	}
	if topic != "" {
		if !IsValidTopic(topic) {
			return nil, fmt.Errorf("%w: malformed topic %q", ErrInvalidEvent, topic)
		}
		e.extensions[ExtTopic] = topic
		e.eventType = TypePrefix + topic
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the construction invariants. Events built with New are
// always valid; this re-check exists for events decoded from the wire and
// for the broker's strict mode.
func (e *Event) Validate() error {
	if e.specVersion != SpecVersion {
		return fmt.Errorf("%w: specversion must be %q, got %q", ErrInvalidEvent, SpecVersion, e.specVersion)
	}
	if e.id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if e.source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if e.eventType == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if e.timestamp.IsZero() {
		return fmt.Errorf("%w: time is required", ErrInvalidEvent)
	}
	for name := range e.extensions {
		if err := validateExtensionName(name); err != nil {
			return err
		}
	}
	if topic, ok := e.extensions[ExtTopic].(string); ok && !IsValidTopic(topic) {
		return fmt.Errorf("%w: malformed topic %q", ErrInvalidEvent, topic)
	}
	return nil
}

// SpecVersion returns the CloudEvents version ("1.0").
func (e *Event) SpecVersion() string { return e.specVersion }

// ID returns the unique event id.
func (e *Event) ID() string { return e.id }

// Type returns the reverse-DNS event type.
func (e *Event) Type() string { return e.eventType }

// Source returns the producer URI.
func (e *Event) Source() string { return e.source }

// Time returns the event timestamp (UTC).
func (e *Event) Time() time.Time { return e.timestamp }

// Subject returns the optional scope, or "".
func (e *Event) Subject() string { return e.subject }

// DataContentType returns the payload content type.
func (e *Event) DataContentType() string { return e.dataContentType }

// DataSchema returns the optional payload schema URI, or "".
func (e *Event) DataSchema() string { return e.dataSchema }

// Data returns a copy of the raw JSON payload, or nil.
func (e *Event) Data() json.RawMessage {
	if e.data == nil {
		return nil
	}
	return append(json.RawMessage(nil), e.data...)
}

// DecodeData unmarshals the payload into v.
func (e *Event) DecodeData(v any) error {
	if e.data == nil {
		return fmt.Errorf("event %s has no data", e.id)
	}
	return json.Unmarshal(e.data, v)
}

// Extensions returns a copy of the extension attributes.
func (e *Event) Extensions() map[string]any {
	out := make(map[string]any, len(e.extensions))
	for k, v := range e.extensions {
		out[k] = v
	}
	return out
}

// Extension returns a single extension attribute.
func (e *Event) Extension(name string) (any, bool) {
	v, ok := e.extensions[name]
	return v, ok
}

// Topic returns the AMCP routing topic: the amcp-topic extension when
// present, otherwise the type with the reverse-DNS prefix stripped. Empty
// when neither form is available.
func (e *Event) Topic() string {
	if t, ok := e.extensions[ExtTopic].(string); ok && t != "" {
		return t
	}
	if strings.HasPrefix(e.eventType, TypePrefix) {
		return strings.TrimPrefix(e.eventType, TypePrefix)
	}
	return ""
}

// Sender returns the publishing agent id from amcp-sender, or "".
func (e *Event) Sender() string {
	s, _ := e.extensions[ExtSender].(string)
	return s
}

// PartitionKey derives the ordering key for partitioned transports: the
// source when present, else the id. Deterministic per the broker contract.
func (e *Event) PartitionKey() string {
	if e.source != "" {
		return e.source
	}
	return e.id
}

// Equal reports semantic equality: same attributes, extensions, and payload.
// Timestamps compare by instant, payloads by compacted bytes.
func (e *Event) Equal(o *Event) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.specVersion != o.specVersion || e.id != o.id || e.eventType != o.eventType ||
		e.source != o.source || e.subject != o.subject ||
		e.dataContentType != o.dataContentType || e.dataSchema != o.dataSchema {
		return false
	}
	if !e.timestamp.Equal(o.timestamp) {
		return false
	}
	if len(e.extensions) != len(o.extensions) {
		return false
	}
	for k, v := range e.extensions {
		if ov, ok := o.extensions[k]; !ok || ov != v {
			return false
		}
	}
	return compactEqual(e.data, o.data)
}

// String renders a short identity for logs.
func (e *Event) String() string {
	return fmt.Sprintf("Event(id=%s topic=%s source=%s)", e.id, e.Topic(), e.source)
}

func compactEqual(a, b json.RawMessage) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	ca, err := compactJSON(a)
	if err != nil {
		return false
	}
	cb, err := compactJSON(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var buf strings.Builder
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}

func validateExtensionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: extension name must not be empty", ErrInvalidEvent)
	}
	if strings.HasPrefix(strings.ToLower(name), "ce-") {
		return fmt.Errorf("%w: extension name %q must not begin with %q", ErrInvalidEvent, name, "ce-")
	}
	if _, reserved := reservedAttrs[name]; reserved {
		return fmt.Errorf("%w: extension name %q shadows a core attribute", ErrInvalidEvent, name)
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("%w: extension name %q contains invalid character %q", ErrInvalidEvent, name, r)
		}
	}
	return nil
}

// canonicalScalar normalizes extension values so that an event survives a
// JSON round trip unchanged: integers (and integral floats) become int64,
// other numbers float64, strings and bools pass through.
func canonicalScalar(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return canonicalFloat(float64(x)), nil
	case float64:
		return canonicalFloat(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q is not representable", x.String())
		}
		return canonicalFloat(f), nil
	default:
		return nil, fmt.Errorf("value of type %T is not a scalar", v)
	}
}

func canonicalFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
