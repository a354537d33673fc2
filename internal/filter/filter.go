// Package filter evaluates subscription predicates against schema-less JSON records
package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/tidwall/gjson"
)

// Test names understood by Filter
const (
	Equal  = "="
	Inside = "inside"
	Expr   = "expr"
)

// Point is a polygon vertex in degrees
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Filter is a single predicate. Key, LatKey and LngKey are gjson paths into
// the record, so nested fields are reached with dotted keys.
type Filter struct {
	Test   string      `json:"test,omitempty"`
	Key    string      `json:"key,omitempty"`
	Value  interface{} `json:"value,omitempty"`
	LatKey string      `json:"lat_key,omitempty"`
	LngKey string      `json:"lng_key,omitempty"`
	Points []Point     `json:"points,omitempty"`

	expr *govaluate.EvaluableExpression
}

// Set is a conjunction of filters; an empty Set matches everything
type Set []Filter

// Parse decodes and compiles a JSON array of filters. A nil or null
// message gives an empty Set.
func Parse(raw json.RawMessage) (Set, error) {

	if len(raw) == 0 || string(raw) == "null" {
		return Set{}, nil
	}

	var s Set

	// numeric values keep their JSON text
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()

	if err := d.Decode(&s); err != nil {
		return nil, fmt.Errorf("filters must be an array of objects: %w", err)
	}

	if _, err := d.Token(); err != io.EOF {
		return nil, errors.New("filters must be a single array")
	}

	for i := range s {
		if err := s[i].compile(); err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
	}

	return s, nil
}

func (f *Filter) compile() error {

	switch f.Test {

	case "", Equal:
		if f.Key == "" {
			return errors.New("missing key")
		}
		if _, ok := valueString(f.Value); !ok {
			return errors.New("value must be a string, number or boolean")
		}

	case Inside:
		if f.LatKey == "" || f.LngKey == "" {
			return errors.New("inside needs lat_key and lng_key")
		}
		if len(f.Points) < 3 {
			return errors.New("inside needs at least three points")
		}

	case Expr:
		s, ok := f.Value.(string)
		if !ok || s == "" {
			return errors.New("expr needs a string value")
		}
		e, err := govaluate.NewEvaluableExpression(s)
		if err != nil {
			return err
		}
		f.expr = e

	default:
		return fmt.Errorf("unknown test %q", f.Test)
	}

	return nil
}

// Match reports whether record satisfies the filter. Missing or
// mistyped fields never match.
func (f Filter) Match(record []byte) bool {

	switch f.Test {

	case "", Equal:
		want, ok := valueString(f.Value)
		if !ok {
			return false
		}
		got, ok := fieldString(gjson.GetBytes(record, f.Key))
		return ok && got == want

	case Inside:
		lat, ok := fieldNumber(gjson.GetBytes(record, f.LatKey))
		if !ok {
			return false
		}
		lng, ok := fieldNumber(gjson.GetBytes(record, f.LngKey))
		if !ok {
			return false
		}
		return PointInPolygon(Point{Lat: lat, Lng: lng}, f.Points)

	case Expr:
		if f.expr == nil {
			if err := f.compile(); err != nil {
				return false
			}
		}
		result, err := f.expr.Eval(parameters(record))
		if err != nil {
			return false
		}
		b, ok := result.(bool)
		return ok && b
	}

	return false
}

// Match reports whether record satisfies every filter in the set
func (s Set) Match(record []byte) bool {
	for _, f := range s {
		if !f.Match(record) {
			return false
		}
	}
	return true
}

// Apply returns the records that match the set, preserving order
func (s Set) Apply(records []json.RawMessage) []json.RawMessage {
	matched := []json.RawMessage{}
	for _, r := range records {
		if s.Match(r) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Keys returns the equality keys used in the set
func (s Set) Keys() []string {
	keys := []string{}
	for _, f := range s {
		if f.Test == "" || f.Test == Equal {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// parameters exposes record fields to govaluate, so [speed] > 10 reads
// the gjson path "speed" from the record
type parameters []byte

func (p parameters) Get(name string) (interface{}, error) {
	r := gjson.GetBytes(p, name)
	if !r.Exists() {
		return nil, fmt.Errorf("no field %s", name)
	}
	return r.Value(), nil
}

func valueString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func fieldString(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.String:
		return r.Str, true
	case gjson.Number, gjson.True, gjson.False:
		return r.Raw, true
	}
	return "", false
}

func fieldNumber(r gjson.Result) (float64, bool) {

	var v float64

	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	return v, true
}
