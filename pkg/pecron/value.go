package pecron

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the shape held by a Value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindStruct
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindStruct:
		return "struct"
	case KindList:
		return "list"
	default:
		return "string"
	}
}

// TSL data types as they appear in the product catalogue and in records.
const (
	TypeBool   = "BOOL"
	TypeInt    = "INT"
	TypeFloat  = "FLOAT"
	TypeDouble = "DOUBLE"
	TypeText   = "TEXT"
	TypeEnum   = "ENUM"
	TypeDate   = "DATE"
	TypeStruct = "STRUCT"
	TypeArray  = "ARRAY"
)

// Value is one decoded property value. Only the field matching Kind is set.
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	Fields map[string]Value
	Items  []Value
}

func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

func StructValue(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{Kind: KindStruct, Fields: fields}
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindStruct:
		if len(v.Fields) != len(o.Fields) {
			return false
		}
		for k, fv := range v.Fields {
			ov, ok := o.Fields[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.Items) != len(o.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	default:
		return v.Str == o.Str
	}
}

// Interface converts the value to plain Go types for rendering.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindStruct:
		m := make(map[string]any, len(v.Fields))
		for k, fv := range v.Fields {
			m[k] = fv.Interface()
		}
		return m
	case KindList:
		l := make([]any, len(v.Items))
		for i, iv := range v.Items {
			l[i] = iv.Interface()
		}
		return l
	default:
		return v.Str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindStruct:
		keys := make([]string, 0, len(v.Fields))
		for k := range v.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+v.Fields[k].String())
		}
		return "{" + strings.Join(parts, " ") + "}"
	case KindList:
		parts := make([]string, 0, len(v.Items))
		for _, iv := range v.Items {
			parts = append(parts, iv.String())
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return v.Str
	}
}

// decodeValue turns a raw JSON value into a Value. A known dataType forces
// the interpretation; an empty one falls back to the value's own shape.
func decodeValue(raw json.RawMessage, dataType string) (Value, error) {
	native, err := parseJSON(raw)
	if err != nil {
		return Value{}, err
	}
	if native == nil {
		return Value{}, fmt.Errorf("null value")
	}

	switch strings.ToUpper(dataType) {
	case TypeBool:
		if b, ok := toBool(native); ok {
			return BoolValue(b), nil
		}
		return Value{}, fmt.Errorf("%v is not a %s", native, TypeBool)
	case TypeInt, TypeFloat, TypeDouble:
		if n, ok := toNumber(native); ok {
			return NumberValue(n), nil
		}
		return Value{}, fmt.Errorf("%v is not a %s", native, dataType)
	case TypeStruct:
		if s, ok := native.(string); ok {
			obj, err := parseJSON(json.RawMessage(s))
			if err != nil {
				return Value{}, fmt.Errorf("struct value: %w", err)
			}
			native = obj
		}
		if m, ok := native.(map[string]any); ok {
			return nativeValue(m), nil
		}
		return Value{}, fmt.Errorf("%v is not a %s", native, TypeStruct)
	case TypeText, TypeEnum, TypeDate:
		switch t := native.(type) {
		case string:
			return StringValue(t), nil
		case json.Number:
			return NumberValue(mustFloat(t)), nil
		case bool:
			return BoolValue(t), nil
		}
		return Value{}, fmt.Errorf("%v is not a scalar", native)
	case TypeArray:
		if s, ok := native.(string); ok {
			arr, err := parseJSON(json.RawMessage(s))
			if err != nil {
				return Value{}, fmt.Errorf("array value: %w", err)
			}
			native = arr
		}
		if l, ok := native.([]any); ok {
			return nativeValue(l), nil
		}
		return Value{}, fmt.Errorf("%v is not an %s", native, TypeArray)
	}

	return inferValue(native), nil
}

// inferValue decodes by shape alone. Strings that look like booleans,
// numbers or JSON objects are unpacked.
func inferValue(native any) Value {
	s, ok := native.(string)
	if !ok {
		return nativeValue(native)
	}

	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if n, err := strconv.ParseFloat(t, 64); err == nil && finite(n) {
		return NumberValue(n)
	}
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		if obj, err := parseJSON(json.RawMessage(t)); err == nil && obj != nil {
			return inferNested(obj)
		}
	}
	return StringValue(s)
}

// inferNested applies inferValue to every member of an unpacked object.
func inferNested(native any) Value {
	switch t := native.(type) {
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, v := range t {
			if v == nil {
				continue
			}
			fields[k] = inferNested(v)
		}
		return StructValue(fields)
	case []any:
		items := make([]Value, 0, len(t))
		for _, v := range t {
			if v == nil {
				continue
			}
			items = append(items, inferNested(v))
		}
		return Value{Kind: KindList, Items: items}
	}
	return inferValue(native)
}

// nativeValue maps decoded JSON onto a Value. Struct and list members are
// inferred so "124" inside a struct reads as a number.
func nativeValue(native any) Value {
	switch t := native.(type) {
	case bool:
		return BoolValue(t)
	case json.Number:
		return NumberValue(mustFloat(t))
	case string:
		return StringValue(t)
	case map[string]any, []any:
		return inferNested(t)
	}
	return StringValue(fmt.Sprint(native))
}

func parseJSON(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func mustFloat(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func toBool(native any) (bool, bool) {
	switch t := native.(type) {
	case bool:
		return t, true
	case json.Number:
		switch t.String() {
		case "0":
			return false, true
		case "1":
			return true, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

func toNumber(native any) (float64, bool) {
	switch t := native.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil && finite(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && finite(f)
	}
	return 0, false
}

// finite rejects NaN and the infinities, which JSON cannot carry.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
