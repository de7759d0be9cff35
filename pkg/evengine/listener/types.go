package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Named lets an event type choose its own type name instead of the
// package-qualified Go type name. EventName is called on the zero value and
// must return the same string for every value of the type.
type Named interface {
	EventName() string
}

var (
	namedType   = reflect.TypeFor[Named]()
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// ErrTypeMismatch indicates an event cannot be passed to a callback.
var ErrTypeMismatch = errors.New("event type mismatch")

// TypeName returns the event type name of v.
func TypeName(v any) string {
	if v == nil {
		return ""
	}
	return TypeNameOf(reflect.TypeOf(v))
}

// TypeNameOf returns the event type name of t. Pointer types share the name
// of the type they point to.
func TypeNameOf(t reflect.Type) string {
	base := baseType(t)
	if base.Implements(namedType) {
		return reflect.New(base).Elem().Interface().(Named).EventName()
	}
	if reflect.PointerTo(base).Implements(namedType) {
		return reflect.New(base).Interface().(Named).EventName()
	}
	if base.Name() == "" || base.PkgPath() == "" {
		return base.String()
	}
	return base.PkgPath() + "." + base.Name()
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Decode unmarshals a JSON payload into a new value of t and returns a
// pointer to it.
func Decode(t reflect.Type, payload []byte) (any, error) {
	p := reflect.New(baseType(t))
	if err := json.Unmarshal(payload, p.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TypeNameOf(t), err)
	}
	return p.Interface(), nil
}

// coerce converts ev to the exact parameter type want, taking or dropping a
// pointer level when needed.
func coerce(ev any, want reflect.Type) (any, error) {
	v := reflect.ValueOf(ev)
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: nil event", ErrTypeMismatch)
	}
	switch {
	case v.Type() == want:
		return ev, nil
	case v.Kind() == reflect.Pointer && v.Type().Elem() == want:
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrTypeMismatch, v.Type())
		}
		return v.Elem().Interface(), nil
	case want.Kind() == reflect.Pointer && want.Elem() == v.Type():
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		return p.Interface(), nil
	case v.Type().AssignableTo(want):
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %s is not assignable to %s", ErrTypeMismatch, v.Type(), want)
}

// IsNil reports whether v is nil or a typed nil.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// MatchAny reports whether name matches one of patterns. A pattern ending in
// ".*" matches any name with that prefix; other patterns match exactly.
// An empty pattern list matches everything.
func MatchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if p == name {
			return true
		}
	}
	return false
}
