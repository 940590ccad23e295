package cell

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sentinel results stored like any other computed value.
const (
	Circular   = "#CIRCULAR!"
	ErrorValue = "#ERROR!"
)

// Kind discriminates the scalar held by a Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindNumber
	KindText
)

// ErrUnsupportedInput is returned for JSON inputs that are not scalars or {v,m} objects.
var ErrUnsupportedInput = errors.New("unsupported cell input")

// Value is a cell scalar: empty, a number, or a string. The zero Value is empty.
type Value struct {
	kind Kind
	num  float64
	str  string
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Text returns a string Value. The empty string is the empty Value.
func Text(s string) Value {
	if s == "" {
		return Value{}
	}
	return Value{kind: KindText, str: s}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }
func (v Value) IsNumber() bool { return v.kind == KindNumber }
func (v Value) IsText() bool { return v.kind == KindText }
func (v Value) Num() float64 { return v.num }
func (v Value) Str() string { return v.str }

// IsFormula reports whether the value is formula text.
func (v Value) IsFormula() bool {
	return v.kind == KindText && strings.HasPrefix(v.str, "=")
}

// IsSentinel reports whether the value is one of the evaluation error markers.
func (v Value) IsSentinel() bool {
	return v.kind == KindText && (v.str == Circular || v.str == ErrorValue)
}

// Float coerces the value for arithmetic. Empty cells, non-numeric text and
// non-finite parses all contribute 0.
func (v Value) Float() float64 {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	return 0
}

// String renders the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindText:
		return v.str
	}
	return ""
}

// Equal reports whether two values hold the same scalar.
func (v Value) Equal(o Value) bool {
	return v == o
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return json.Marshal(ErrorValue)
		}
		return json.Marshal(v.num)
	case KindText:
		return json.Marshal(v.str)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseInput(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseInput decodes a raw client input. Objects shaped like {"v": x, "m": y}
// collapse to v, falling back to m when v is absent or null. Numbers stay
// numbers, booleans become "true"/"false", strings pass through unchanged,
// and null or "" decode to the empty Value.
func ParseInput(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}, nil
	}

	switch raw[0] {
	case '{':
		var obj struct {
			V json.RawMessage `json:"v"`
			M json.RawMessage `json:"m"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Value{}, fmt.Errorf("decode object input: %w", err)
		}
		if v := bytes.TrimSpace(obj.V); len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return ParseInput(v)
		}
		return ParseInput(obj.M)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("decode string input: %w", err)
		}
		return Text(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("decode bool input: %w", err)
		}
		return Text(strconv.FormatBool(b)), nil
	case '[':
		return Value{}, ErrUnsupportedInput
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return Value{}, fmt.Errorf("decode number input: %w", err)
	}
	return Number(f), nil
}
