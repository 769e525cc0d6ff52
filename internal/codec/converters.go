package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Rect is a fixed-shape rectangle, persisted as exactly four numbers.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Handle is an opaque integer handle, persisted as a JSON number.
type Handle uintptr

// Image is a raw binary payload, persisted as base64 text.
type Image []byte

func defaultConverters() []Converter {
	return []Converter{
		MustGeometryConverter(reflect.TypeOf(Rect{}), "X", "Y", "Width", "Height"),
		NewBytesConverter(reflect.TypeOf([]byte(nil))),
		NewBytesConverter(reflect.TypeOf(Image(nil))),
		NewHandleConverter(reflect.TypeOf(Handle(0))),
	}
}

// GeometryConverter persists a struct as a JSON object holding only the
// named numeric fields, always in the configured order. Other fields are
// neither written nor read.
type GeometryConverter struct {
	typ    reflect.Type
	fields []string
}

// NewGeometryConverter creates a converter for struct type t using exactly
// four numeric fields.
func NewGeometryConverter(t reflect.Type, fields ...string) (*GeometryConverter, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("geometry converter: %s is not a struct", t)
	}
	if len(fields) != 4 {
		return nil, fmt.Errorf("geometry converter: need 4 fields, got %d", len(fields))
	}
	for _, name := range fields {
		f, ok := t.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("geometry converter: %s has no field %s", t, name)
		}
		if !isNumeric(f.Type.Kind()) {
			return nil, fmt.Errorf("geometry converter: %s.%s is not numeric", t, name)
		}
	}
	return &GeometryConverter{typ: t, fields: fields}, nil
}

// MustGeometryConverter is like NewGeometryConverter but panics on error.
func MustGeometryConverter(t reflect.Type, fields ...string) *GeometryConverter {
	c, err := NewGeometryConverter(t, fields...)
	if err != nil {
		panic(err)
	}
	return c
}

// Type returns the struct type handled.
func (c *GeometryConverter) Type() reflect.Type {
	return c.typ
}

// Encode writes the four fields in order.
func (c *GeometryConverter) Encode(v reflect.Value) (string, error) {
	out := "{}"
	for _, name := range c.fields {
		f := v.FieldByName(name)
		var err error
		switch {
		case f.CanFloat():
			out, err = sjson.Set(out, name, f.Float())
		case f.CanInt():
			out, err = sjson.Set(out, name, f.Int())
		case f.CanUint():
			out, err = sjson.Set(out, name, f.Uint())
		}
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

// Decode reads the four fields, ignoring anything else in the object.
func (c *GeometryConverter) Decode(data string, v reflect.Value) error {
	if !gjson.Valid(data) {
		return fmt.Errorf("invalid JSON")
	}
	obj := gjson.Parse(data)
	if !obj.IsObject() {
		return fmt.Errorf("expected object, got %s", obj.Type)
	}

	out := reflect.New(c.typ).Elem()
	for _, name := range c.fields {
		r := obj.Get(name)
		if r.Type != gjson.Number {
			return fmt.Errorf("field %s: expected number, got %s", name, r.Type)
		}
		f := out.FieldByName(name)
		switch {
		case f.CanFloat():
			f.SetFloat(r.Float())
		case f.CanInt():
			f.SetInt(r.Int())
		case f.CanUint():
			f.SetUint(r.Uint())
		}
	}
	v.Set(out)
	return nil
}

// BytesConverter persists a byte slice as base64 text. The empty string
// represents absence and decodes to nil.
type BytesConverter struct {
	typ reflect.Type
}

// NewBytesConverter creates a converter for a []byte-kinded type.
func NewBytesConverter(t reflect.Type) *BytesConverter {
	return &BytesConverter{typ: t}
}

// Type returns the slice type handled.
func (c *BytesConverter) Type() reflect.Type {
	return c.typ
}

// Encode writes the payload as a base64 JSON string.
func (c *BytesConverter) Encode(v reflect.Value) (string, error) {
	if v.Len() == 0 {
		return `""`, nil
	}
	b, err := json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes()))
	return string(b), err
}

// Decode parses a base64 JSON string.
func (c *BytesConverter) Decode(data string, v reflect.Value) error {
	r := gjson.Parse(data)
	if !gjson.Valid(data) || r.Type != gjson.String {
		return fmt.Errorf("expected base64 string")
	}
	if r.Str == "" {
		v.Set(reflect.Zero(c.typ))
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(r.Str)
	if err != nil {
		return err
	}
	v.Set(reflect.ValueOf(raw).Convert(c.typ))
	return nil
}

// HandleConverter persists an integer handle as its decimal form. Decoding
// accepts only a JSON number.
type HandleConverter struct {
	typ reflect.Type
}

// NewHandleConverter creates a converter for an integer-kinded type.
func NewHandleConverter(t reflect.Type) *HandleConverter {
	return &HandleConverter{typ: t}
}

// Type returns the handle type.
func (c *HandleConverter) Type() reflect.Type {
	return c.typ
}

// Encode writes the handle as decimal digits.
func (c *HandleConverter) Encode(v reflect.Value) (string, error) {
	if v.CanInt() {
		return strconv.FormatInt(v.Int(), 10), nil
	}
	return strconv.FormatUint(v.Uint(), 10), nil
}

// Decode parses a JSON integer.
func (c *HandleConverter) Decode(data string, v reflect.Value) error {
	if !gjson.Valid(data) {
		return fmt.Errorf("invalid JSON")
	}
	r := gjson.Parse(data)
	if r.Type != gjson.Number {
		return fmt.Errorf("expected number, got %s", r.Type)
	}

	out := reflect.New(c.typ).Elem()
	if out.CanInt() {
		n, err := strconv.ParseInt(r.Raw, 10, c.typ.Bits())
		if err != nil {
			return err
		}
		out.SetInt(n)
	} else {
		n, err := strconv.ParseUint(r.Raw, 10, c.typ.Bits())
		if err != nil {
			return err
		}
		out.SetUint(n)
	}
	v.Set(out)
	return nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
