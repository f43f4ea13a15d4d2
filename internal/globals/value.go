package globals

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// Kind tags the value held in a Value.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindBinary
	KindJSON
)

var kindNames = [...]string{"string", "integer", "float", "boolean", "binary", "json"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind accepts the names printed by String plus "int" and "bool".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "string", "str":
		return KindString, nil
	case "integer", "int":
		return KindInteger, nil
	case "float", "number":
		return KindFloat, nil
	case "boolean", "bool":
		return KindBoolean, nil
	case "binary", "bytes":
		return KindBinary, nil
	case "json":
		return KindJSON, nil
	}
	return 0, apierrors.New(apierrors.CodeInvalidArgument, "globals.ParseKind", "unknown value kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Value is a global variable. JSON values hold their encoded text.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Float  float64
	Bool   bool
	Binary []byte
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Integer(i int64) Value { return Value{Kind: KindInteger, Int: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func Boolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }
func Binary(b []byte) Value { return Value{Kind: KindBinary, Binary: append([]byte(nil), b...)} }
func RawJSON(text string) Value { return Value{Kind: KindJSON, Str: text} }

// JSON encodes v as a JSON value.
func JSON(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, apierrors.Wrap(apierrors.CodeInvalidArgument, "globals.JSON", err)
	}
	return RawJSON(string(b)), nil
}

// Parse reads text as a value of kind. Binary takes the text bytes.
func Parse(kind Kind, text string) (Value, error) {
	const op = "globals.Parse"
	switch kind {
	case KindString:
		return String(text), nil
	case KindInteger:
		i, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return Value{}, apierrors.Wrapf(apierrors.CodeInvalidArgument, op, err, "%q is not an integer", text)
		}
		return Integer(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return Value{}, apierrors.Wrapf(apierrors.CodeInvalidArgument, op, err, "%q is not a float", text)
		}
		return Float(f), nil
	case KindBoolean:
		b, ok := parseBool(text)
		if !ok {
			return Value{}, apierrors.New(apierrors.CodeInvalidArgument, op, "%q is not a boolean", text)
		}
		return Boolean(b), nil
	case KindBinary:
		return Binary([]byte(text)), nil
	case KindJSON:
		if !json.Valid([]byte(text)) {
			return Value{}, apierrors.New(apierrors.CodeInvalidArgument, op, "%q is not valid JSON", text)
		}
		return RawJSON(text), nil
	}
	return Value{}, apierrors.New(apierrors.CodeInvalidArgument, op, "unknown value kind %d", kind)
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true, true
	case "false", "no", "0", "off":
		return false, true
	}
	return false, false
}

// AsString converts every kind except binary.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case KindString, KindJSON:
		return v.Str, true
	case KindInteger:
		return strconv.FormatInt(v.Int, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64), true
	case KindBoolean:
		return strconv.FormatBool(v.Bool), true
	}
	return "", false
}

// AsInteger truncates floats, parses strings and maps booleans to 1 and 0.
func (v Value) AsInteger() (int64, bool) {
	switch v.Kind {
	case KindInteger:
		return v.Int, true
	case KindFloat:
		return int64(v.Float), true
	case KindString:
		i, err := strconv.ParseInt(v.Str, 10, 64)
		return i, err == nil
	case KindBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInteger:
		return float64(v.Int), true
	case KindString:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	case KindBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsBoolean treats non-zero numbers as true and accepts yes/no, on/off,
// true/false and 1/0 strings.
func (v Value) AsBoolean() (bool, bool) {
	switch v.Kind {
	case KindBoolean:
		return v.Bool, true
	case KindInteger:
		return v.Int != 0, true
	case KindFloat:
		return v.Float != 0, true
	case KindString:
		return parseBool(v.Str)
	}
	return false, false
}

func (v Value) AsBinary() ([]byte, bool) {
	switch v.Kind {
	case KindBinary:
		return append([]byte(nil), v.Binary...), true
	case KindString:
		return []byte(v.Str), true
	}
	return nil, false
}

// Decode unmarshals a JSON value into dst.
func (v Value) Decode(dst any) error {
	if v.Kind != KindJSON {
		return apierrors.New(apierrors.CodeInvalidArgument, "globals.Decode", "value is %s, not json", v.Kind)
	}
	if err := json.Unmarshal([]byte(v.Str), dst); err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidArgument, "globals.Decode", err)
	}
	return nil
}

// Native returns the value as a plain Go value for scopes and API output.
func (v Value) Native() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBoolean:
		return v.Bool
	case KindBinary:
		return append([]byte(nil), v.Binary...)
	default:
		return v.Str
	}
}

func (v Value) String() string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return fmt.Sprintf("<%d bytes>", len(v.Binary))
}

type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON writes {"kind": ..., "value": ...}. Binary values are base64
// strings and JSON values are embedded as-is.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case KindJSON:
		raw = []byte(v.Str)
		if !json.Valid(raw) {
			raw, err = json.Marshal(v.Str)
		}
	case KindBinary:
		raw, err = json.Marshal(v.Binary)
	default:
		raw, err = json.Marshal(v.Native())
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.Kind, Value: raw})
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var w wireValue
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Value{Kind: w.Kind}
	var err error
	switch w.Kind {
	case KindString:
		err = json.Unmarshal(w.Value, &out.Str)
	case KindInteger:
		err = json.Unmarshal(w.Value, &out.Int)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.Float)
	case KindBoolean:
		err = json.Unmarshal(w.Value, &out.Bool)
	case KindBinary:
		err = json.Unmarshal(w.Value, &out.Binary)
	case KindJSON:
		out.Str = string(w.Value)
	}
	if err != nil {
		return err
	}
	*v = out
	return nil
}
