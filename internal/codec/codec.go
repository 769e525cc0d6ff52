// Package codec converts setting values to and from their persisted JSON
// text form.
//
// The default encoding is encoding/json. Converters registered for a
// specific type override it wherever that type appears at the top level or
// as the element of a slice, array, map or pointer. Converters may be
// registered and unregistered at any time; the malformed-data policy is
// fixed when the Codec is created.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Policy decides what happens when persisted data cannot be decoded.
type Policy int

const (
	// PolicyError returns a *MalformedError to the caller.
	PolicyError Policy = iota

	// PolicyDefault silently substitutes the zero value.
	PolicyDefault
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyError:
		return "error"
	case PolicyDefault:
		return "default"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "error" or "default".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "error", "":
		return PolicyError, nil
	case "default":
		return PolicyDefault, nil
	default:
		return PolicyError, fmt.Errorf("unknown malformed-data policy %q", s)
	}
}

// Converter encodes and decodes values of one type.
type Converter interface {
	// Type is the exact type the converter handles.
	Type() reflect.Type

	// Encode returns the JSON text for v. v has type Type().
	Encode(v reflect.Value) (string, error)

	// Decode parses data into v. v is settable and has type Type().
	Decode(data string, v reflect.Value) error
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

// Codec serializes values using encoding/json plus registered converters.
// It is safe for concurrent use.
type Codec struct {
	policy Policy

	mu         sync.RWMutex
	converters map[reflect.Type]Converter
}

// Option configures a Codec.
type Option func(*Codec)

// WithMalformedPolicy sets the policy applied by Decode.
func WithMalformedPolicy(p Policy) Option {
	return func(c *Codec) {
		c.policy = p
	}
}

// WithConverters registers additional converters at construction.
func WithConverters(convs ...Converter) Option {
	return func(c *Codec) {
		for _, conv := range convs {
			c.converters[conv.Type()] = conv
		}
	}
}

// WithoutDefaultConverters drops the built-in converters.
func WithoutDefaultConverters() Option {
	return func(c *Codec) {
		for _, conv := range defaultConverters() {
			delete(c.converters, conv.Type())
		}
	}
}

// New creates a Codec with the built-in converters for Rect, Handle,
// Image and []byte.
func New(opts ...Option) *Codec {
	c := &Codec{
		policy:     PolicyError,
		converters: make(map[reflect.Type]Converter),
	}
	for _, conv := range defaultConverters() {
		c.converters[conv.Type()] = conv
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the malformed-data policy.
func (c *Codec) Policy() Policy {
	return c.policy
}

// Register adds or replaces the converter for conv.Type().
func (c *Codec) Register(conv Converter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converters[conv.Type()] = conv
}

// Unregister removes the converter for t. It reports whether one existed.
func (c *Codec) Unregister(t reflect.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.converters[t]
	delete(c.converters, t)
	return ok
}

// Lookup returns the converter registered for t.
func (c *Codec) Lookup(t reflect.Type) (Converter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.converters[t]
	return conv, ok
}

// Encode returns the JSON text for v.
func (c *Codec) Encode(v any) (string, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return "null", nil
	}
	data, err := c.encodeValue(rv)
	if err != nil {
		return "", &EncodeError{Type: rv.Type().String(), Err: err}
	}
	return string(data), nil
}

// DecodeStrict parses data into the value ptr points to. Failures are
// always returned as *MalformedError regardless of policy.
func (c *Codec) DecodeStrict(data string, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec: decode target must be a non-nil pointer, got %T", ptr)
	}
	target := rv.Elem()
	if err := c.decodeValue([]byte(data), target); err != nil {
		return &MalformedError{Type: target.Type().String(), Data: data, Err: err}
	}
	return nil
}

// Decode parses data into the value ptr points to, applying the
// malformed-data policy. Under PolicyDefault a malformed value leaves the
// target at its zero value and returns nil.
func (c *Codec) Decode(data string, ptr any) error {
	err := c.DecodeStrict(data, ptr)
	if err == nil || c.policy != PolicyDefault {
		return err
	}
	var me *MalformedError
	if !errors.As(err, &me) {
		return err
	}
	rv := reflect.ValueOf(ptr).Elem()
	rv.Set(reflect.Zero(rv.Type()))
	return nil
}

// Marshal encodes v using its static type T.
func Marshal[T any](c *Codec, v T) (string, error) {
	rv := reflect.ValueOf(&v).Elem()
	data, err := c.encodeValue(rv)
	if err != nil {
		return "", &EncodeError{Type: rv.Type().String(), Err: err}
	}
	return string(data), nil
}

// Unmarshal decodes data into a T, applying the malformed-data policy.
func Unmarshal[T any](c *Codec, data string) (T, error) {
	var out T
	err := c.Decode(data, &out)
	return out, err
}

func (c *Codec) encodeValue(rv reflect.Value) ([]byte, error) {
	t := rv.Type()
	if conv, ok := c.Lookup(t); ok {
		s, err := conv.Encode(rv)
		return []byte(s), err
	}
	if !c.needsWalk(t, nil) {
		return json.Marshal(rv.Interface())
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return []byte("null"), nil
		}
		return c.encodeValue(rv.Elem())

	case reflect.Slice:
		if rv.IsNil() {
			return []byte("null"), nil
		}
		return c.encodeList(rv)

	case reflect.Array:
		return c.encodeList(rv)

	case reflect.Map:
		if rv.IsNil() {
			return []byte("null"), nil
		}
		raw := reflect.MakeMapWithSize(reflect.MapOf(t.Key(), rawMessageType), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			b, err := c.encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			raw.SetMapIndex(iter.Key(), reflect.ValueOf(json.RawMessage(b)))
		}
		return json.Marshal(raw.Interface())
	}

	return json.Marshal(rv.Interface())
}

func (c *Codec) encodeList(rv reflect.Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := c.encodeValue(rv.Index(i))
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (c *Codec) decodeValue(data []byte, rv reflect.Value) error {
	t := rv.Type()
	if conv, ok := c.Lookup(t); ok {
		return conv.Decode(string(data), rv)
	}
	if t.Kind() == reflect.Interface || !c.needsWalk(t, nil) {
		return json.Unmarshal(data, rv.Addr().Interface())
	}

	isNull := bytes.Equal(bytes.TrimSpace(data), []byte("null"))

	switch t.Kind() {
	case reflect.Pointer:
		if isNull {
			rv.Set(reflect.Zero(t))
			return nil
		}
		p := reflect.New(t.Elem())
		if err := c.decodeValue(data, p.Elem()); err != nil {
			return err
		}
		rv.Set(p)
		return nil

	case reflect.Slice:
		if isNull {
			rv.Set(reflect.Zero(t))
			return nil
		}
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
		s := reflect.MakeSlice(t, len(raws), len(raws))
		for i, raw := range raws {
			if err := c.decodeValue(raw, s.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		rv.Set(s)
		return nil

	case reflect.Array:
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
		if len(raws) != t.Len() {
			return fmt.Errorf("array length %d, want %d", len(raws), t.Len())
		}
		for i, raw := range raws {
			if err := c.decodeValue(raw, rv.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil

	case reflect.Map:
		if isNull {
			rv.Set(reflect.Zero(t))
			return nil
		}
		raw := reflect.New(reflect.MapOf(t.Key(), rawMessageType))
		if err := json.Unmarshal(data, raw.Interface()); err != nil {
			return err
		}
		out := reflect.MakeMapWithSize(t, raw.Elem().Len())
		iter := raw.Elem().MapRange()
		for iter.Next() {
			ev := reflect.New(t.Elem()).Elem()
			if err := c.decodeValue(iter.Value().Bytes(), ev); err != nil {
				return fmt.Errorf("entry %v: %w", iter.Key(), err)
			}
			out.SetMapIndex(iter.Key(), ev)
		}
		rv.Set(out)
		return nil
	}

	return json.Unmarshal(data, rv.Addr().Interface())
}

// needsWalk reports whether t contains a type with a registered converter
// somewhere below a pointer, slice, array, map or interface.
func (c *Codec) needsWalk(t reflect.Type, seen map[reflect.Type]bool) bool {
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
	default:
		return false
	}

	if seen == nil {
		seen = make(map[reflect.Type]bool)
	}
	if seen[t] {
		return false
	}
	seen[t] = true

	elem := t.Elem()
	if _, ok := c.Lookup(elem); ok {
		return true
	}
	return c.needsWalk(elem, seen)
}
