package sqlundo

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Value is the portable form of one bound parameter.
type Value struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Codec converts bound parameters to and from their persisted form.
type Codec interface {
	Encode(v any) (Value, error)
	Decode(v Value) (any, error)
}

const (
	typeNull   = "null"
	typeBool   = "bool"
	typeInt    = "int"
	typeUint   = "uint"
	typeFloat  = "float"
	typeString = "string"
	typeBytes  = "bytes"
	typeTime   = "time"
)

// JSONCodec is the default Codec. Values implementing driver.Valuer are stored as their
// driver value; named basic types (enumerations) are stored as their underlying kind.
type JSONCodec struct{}

// Encode tags v with its kind and stores its JSON form. Time values are kept as
// RFC 3339 text with nanoseconds; nil pointers encode as NULL.
func (c JSONCodec) Encode(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{Type: typeNull}, nil
	case bool:
		return marshal(typeBool, x)
	case int:
		return marshal(typeInt, int64(x))
	case int8:
		return marshal(typeInt, int64(x))
	case int16:
		return marshal(typeInt, int64(x))
	case int32:
		return marshal(typeInt, int64(x))
	case int64:
		return marshal(typeInt, x)
	case uint:
		return marshal(typeUint, uint64(x))
	case uint8:
		return marshal(typeUint, uint64(x))
	case uint16:
		return marshal(typeUint, uint64(x))
	case uint32:
		return marshal(typeUint, uint64(x))
	case uint64:
		return marshal(typeUint, x)
	case float32:
		return marshal(typeFloat, float64(x))
	case float64:
		return marshal(typeFloat, x)
	case string:
		return marshal(typeString, x)
	case []byte:
		return marshal(typeBytes, x)
	case time.Time:
		return marshal(typeTime, x.Format(time.RFC3339Nano))
	case driver.Valuer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Value{Type: typeNull}, nil
		}
		dv, err := x.Value()
		if err != nil {
			return Value{}, fmt.Errorf("sqlundo: failed to read driver value of %T: %w", v, err)
		}
		if _, again := dv.(driver.Valuer); again {
			return Value{}, fmt.Errorf("sqlundo: driver value of %T is itself a Valuer", v)
		}
		return c.Encode(dv)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Value{Type: typeNull}, nil
		}
		return c.Encode(rv.Elem().Interface())
	case reflect.Bool:
		return marshal(typeBool, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return marshal(typeInt, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return marshal(typeUint, rv.Uint())
	case reflect.Float32, reflect.Float64:
		return marshal(typeFloat, rv.Float())
	case reflect.String:
		return marshal(typeString, rv.String())
	default:
		return Value{}, fmt.Errorf("sqlundo: cannot encode parameter of type %T", v)
	}
}

// Decode restores the Go value Encode recorded. Integers come back as int64 or
// uint64 and times as time.Time, whatever the original named type was.
func (c JSONCodec) Decode(v Value) (any, error) {
	var err error
	switch v.Type {
	case typeNull:
		return nil, nil
	case typeBool:
		var b bool
		err = json.Unmarshal(v.Data, &b)
		return b, wrapDecode(v, err)
	case typeInt:
		var i int64
		err = json.Unmarshal(v.Data, &i)
		return i, wrapDecode(v, err)
	case typeUint:
		var u uint64
		err = json.Unmarshal(v.Data, &u)
		return u, wrapDecode(v, err)
	case typeFloat:
		var f float64
		err = json.Unmarshal(v.Data, &f)
		return f, wrapDecode(v, err)
	case typeString:
		var s string
		err = json.Unmarshal(v.Data, &s)
		return s, wrapDecode(v, err)
	case typeBytes:
		var b []byte
		err = json.Unmarshal(v.Data, &b)
		return b, wrapDecode(v, err)
	case typeTime:
		var s string
		if err = json.Unmarshal(v.Data, &s); err != nil {
			return nil, wrapDecode(v, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, wrapDecode(v, err)
	default:
		return nil, fmt.Errorf("sqlundo: unknown parameter type %q", v.Type)
	}
}

func marshal(typ string, v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("sqlundo: failed to encode %s parameter: %w", typ, err)
	}
	return Value{Type: typ, Data: b}, nil
}

func wrapDecode(v Value, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sqlundo: failed to decode %s parameter %s: %w", v.Type, v.Data, err)
}

// encodeArgs renders args as the JSON array persisted in the parameters column.
func encodeArgs(c Codec, args []any) (string, error) {
	vs := make([]Value, len(args))
	for i, a := range args {
		v, err := c.Encode(a)
		if err != nil {
			return "", fmt.Errorf("parameter %d: %w", i+1, err)
		}
		vs[i] = v
	}
	b, err := json.Marshal(vs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeArgs(c Codec, s string) ([]any, error) {
	var vs []Value
	if err := json.Unmarshal([]byte(s), &vs); err != nil {
		return nil, fmt.Errorf("sqlundo: malformed parameters: %w", err)
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		a, err := c.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i+1, err)
		}
		out[i] = a
	}
	return out, nil
}
