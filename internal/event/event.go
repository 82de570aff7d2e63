package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rzbill/flobuf/internal/errs"
)

// TimeField is the reserved field classifiers read an event time from.
const TimeField = "time"

// Event is a set of fields plus optional attachments.
type Event struct {
	Fields      map[string]any
	Attachments map[string]Attachment
}

// wire is the canonical serialized form. encoding/json sorts map keys, which
// makes the output deterministic for equal inputs.
type wire struct {
	Fields      map[string]any        `json:"fields"`
	Attachments map[string]Attachment `json:"attachments,omitempty"`
}

// BuildEvent validates fields and attachment paths and returns an Event in
// reference mode. Field values are normalized so numbers keep their exact
// textual form.
func BuildEvent(fields map[string]any, attachments map[string]string) (Event, error) {
	const op = "event.build"
	norm, err := normalizeFields(fields)
	if err != nil {
		return Event{}, errs.E(errs.KindProducer, op, err)
	}
	ev := Event{Fields: norm}
	if len(attachments) == 0 {
		return ev, nil
	}
	ev.Attachments = make(map[string]Attachment, len(attachments))
	for key, path := range attachments {
		if key == "" {
			return Event{}, errs.Errorf(errs.KindProducer, op, "empty attachment key")
		}
		size, err := checkReadable(path)
		if err != nil {
			return Event{}, errs.Errorf(errs.KindProducer, op, "attachment %q: %w", key, err)
		}
		ev.Attachments[key] = Attachment{Path: path, Size: size}
	}
	return ev, nil
}

func normalizeFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	for k := range fields {
		if k == "" {
			return nil, fmt.Errorf("empty field name")
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("fields are not JSON-compatible: %w", err)
	}
	var out map[string]any
	if err := decodeNumbers(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeNumbers(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// Canonical returns the deterministic serialization of the event.
func (e Event) Canonical() ([]byte, error) {
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(wire{Fields: fields, Attachments: e.Attachments})
}

// Digest returns the hex sha256 of the canonical form.
func (e Event) Digest() (string, error) {
	b, err := e.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses the canonical form.
func Decode(b []byte) (Event, error) {
	var w wire
	if err := decodeNumbers(b, &w); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	if w.Fields == nil {
		w.Fields = map[string]any{}
	}
	return Event{Fields: w.Fields, Attachments: w.Attachments}, nil
}

// Time reads the reserved time field. Strings are parsed as RFC 3339,
// numbers as unix seconds. ok is false when the field is absent or invalid.
func (e Event) Time() (time.Time, bool) { return e.TimeOf(TimeField) }

// TimeOf reads field as a timestamp with the same rules as Time.
func (e Event) TimeOf(field string) (time.Time, bool) {
	v, present := e.Fields[field]
	if !present {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromUnixSeconds(f)
	case float64:
		return fromUnixSeconds(t)
	case int:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}

func fromUnixSeconds(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// Flag reports whether field is set to a truthy value: true, a non-zero
// number, or one of "true", "1", "yes" (any case).
func (e Event) Flag(field string) bool {
	switch v := e.Fields[field].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		}
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}

// AttachmentKeys returns the attachment keys in sorted order.
func (e Event) AttachmentKeys() []string {
	keys := make([]string, 0, len(e.Attachments))
	for k := range e.Attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
