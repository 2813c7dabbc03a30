package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Field names with fixed meaning in an observation or record object.
const (
	FieldID        = "id"
	FieldOrigin    = "origin"
	FieldLamport   = "lamport_clock"
	FieldTimestamp = "timestamp"
)

var (
	// ErrMalformedBody means the payload is not a well-formed JSON object.
	ErrMalformedBody = errors.New("types: body is not a JSON object")

	// ErrMissingID means the object has no usable "id" member.
	ErrMissingID = errors.New("types: missing station id")
)

// Attribute is one producer-supplied name/value pair. Value holds compact
// JSON exactly as the producer sent it.
type Attribute struct {
	Name  string
	Value json.RawMessage
}

// Text returns the value as display text: strings unquoted, everything else
// as its JSON literal.
func (a Attribute) Text() string {
	return gjson.ParseBytes(a.Value).String()
}

// Record is the latest observation held for one station.
type Record struct {
	// StationID is the value of the "id" attribute.
	StationID string

	// Attributes in the order the producer sent them. Replaced wholesale on
	// every ingest, never merged field by field.
	Attributes []Attribute

	// Lamport is the aggregator's clock value at ingest.
	Lamport uint64

	// IngestedAt is the wall-clock ingest time. Used for TTL expiry only.
	IngestedAt time.Time

	// Origin identifies the producer that sent the observation.
	Origin string
}

// ParseObservation validates an ingest body and returns its members in
// document order together with the station id.
func ParseObservation(body []byte) ([]Attribute, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", ErrMalformedBody
	}
	obj := gjson.ParseBytes(body)
	if !obj.IsObject() {
		return nil, "", ErrMalformedBody
	}

	var (
		attrs  []Attribute
		index  = make(map[string]int)
		id     string
		idSeen bool
		err    error
	)
	obj.ForEach(func(k, v gjson.Result) bool {
		var buf bytes.Buffer
		if err = json.Compact(&buf, []byte(v.Raw)); err != nil {
			return false
		}
		a := Attribute{Name: k.String(), Value: buf.Bytes()}
		// Duplicate members: last value wins, first position is kept.
		if i, ok := index[a.Name]; ok {
			attrs[i] = a
		} else {
			index[a.Name] = len(attrs)
			attrs = append(attrs, a)
		}
		if a.Name == FieldID {
			id, idSeen = stationID(v)
		}
		return true
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if !idSeen {
		return nil, "", ErrMissingID
	}
	return attrs, id, nil
}

// stationID accepts non-empty strings and numbers.
func stationID(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		return v.Str, v.Str != ""
	case gjson.Number:
		return v.Raw, true
	default:
		return "", false
	}
}

// WithoutDerived drops attributes whose names collide with derived record
// fields. The server assigns those itself.
func WithoutDerived(attrs []Attribute) []Attribute {
	out := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		if isDerived(a.Name) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func isDerived(name string) bool {
	switch name {
	case FieldOrigin, FieldLamport, FieldTimestamp:
		return true
	}
	return false
}

// Attr returns the display text of the named attribute.
func (r Record) Attr(name string) (string, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a.Text(), true
		}
	}
	return "", false
}

// Fields returns the attributes followed by the derived fields, in the order
// they are encoded.
func (r Record) Fields() []Attribute {
	out := WithoutDerived(r.Attributes)
	origin, _ := json.Marshal(r.Origin)
	return append(out,
		Attribute{Name: FieldOrigin, Value: origin},
		Attribute{Name: FieldLamport, Value: []byte(strconv.FormatUint(r.Lamport, 10))},
		Attribute{Name: FieldTimestamp, Value: []byte(strconv.FormatInt(r.IngestedAt.UnixMilli(), 10))},
	)
}

// Clone returns a deep copy that shares no memory with r.
func (r Record) Clone() Record {
	c := r
	if r.Attributes != nil {
		c.Attributes = make([]Attribute, len(r.Attributes))
		for i, a := range r.Attributes {
			c.Attributes[i] = Attribute{Name: a.Name, Value: bytes.Clone(a.Value)}
		}
	}
	return c
}

// Equal reports whether two records carry the same data. Ingest times are
// compared at millisecond precision, matching the encoded form.
func (r Record) Equal(o Record) bool {
	if r.StationID != o.StationID || r.Origin != o.Origin || r.Lamport != o.Lamport {
		return false
	}
	if r.IngestedAt.UnixMilli() != o.IngestedAt.UnixMilli() {
		return false
	}
	if len(r.Attributes) != len(o.Attributes) {
		return false
	}
	for i := range r.Attributes {
		a, b := r.Attributes[i], o.Attributes[i]
		if a.Name != b.Name || !bytes.Equal(compact(a.Value), compact(b.Value)) {
			return false
		}
	}
	return true
}

func compact(v []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// MarshalJSON encodes the record as a single object: attributes in order,
// then origin, lamport_clock and timestamp (epoch milliseconds).
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(f.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	attrs, id, err := ParseObservation(data)
	if err != nil {
		return err
	}
	rec := Record{StationID: id}
	for _, a := range attrs {
		v := gjson.ParseBytes(a.Value)
		switch a.Name {
		case FieldOrigin:
			rec.Origin = v.String()
		case FieldLamport:
			rec.Lamport = v.Uint()
		case FieldTimestamp:
			rec.IngestedAt = time.UnixMilli(v.Int())
		default:
			rec.Attributes = append(rec.Attributes, a)
		}
	}
	*r = rec
	return nil
}

// EncodeRecords renders records as a JSON array. An empty or nil slice
// encodes as [].
func EncodeRecords(recs []Record) ([]byte, error) {
	if recs == nil {
		recs = []Record{}
	}
	return json.MarshalIndent(recs, "", "  ")
}

// DecodeRecords parses a JSON array written by EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsArray() {
		return nil, fmt.Errorf("types: decode records: %w", ErrMalformedBody)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("types: decode records: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
