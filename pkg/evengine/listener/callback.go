package listener

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// ErrInvalidCallback indicates a callback with an unsupported signature.
var ErrInvalidCallback = errors.New("invalid callback")

// invoker is a callback resolved against a listener type.
type invoker struct {
	arg           reflect.Type
	needsInstance bool
	hasResult     bool
	call          func(ctx context.Context, inst any, ev any) (any, error)
}

// Callback is a listener entry point accepting exactly one event.
// Build one with Func, Action, Method, ByName or Reflect.
type Callback struct {
	name    string
	resolve func(sample any) (*invoker, error)
}

// Name returns the callback name.
func (c Callback) Name() string { return c.name }

// Func wraps a typed function returning a result.
func Func[E, R any](name string, fn func(context.Context, E) (R, error)) Callback {
	return Callback{name: name, resolve: func(any) (*invoker, error) {
		if fn == nil {
			return nil, fmt.Errorf("%w: nil function", ErrInvalidCallback)
		}
		arg := reflect.TypeFor[E]()
		if err := checkEventParam(arg); err != nil {
			return nil, err
		}
		return &invoker{
			arg:       arg,
			hasResult: true,
			call: func(ctx context.Context, _ any, ev any) (any, error) {
				return fn(ctx, ev.(E))
			},
		}, nil
	}}
}

// Action wraps a typed function with no result.
func Action[E any](name string, fn func(context.Context, E) error) Callback {
	return Callback{name: name, resolve: func(any) (*invoker, error) {
		if fn == nil {
			return nil, fmt.Errorf("%w: nil function", ErrInvalidCallback)
		}
		arg := reflect.TypeFor[E]()
		if err := checkEventParam(arg); err != nil {
			return nil, err
		}
		return &invoker{
			arg: arg,
			call: func(ctx context.Context, _ any, ev any) (any, error) {
				return nil, fn(ctx, ev.(E))
			},
		}, nil
	}}
}

// Method wraps a method expression such as (*Auditor).OnOrder. The listener
// instance is supplied per invocation.
func Method[L, E, R any](name string, fn func(L, context.Context, E) (R, error)) Callback {
	return Callback{name: name, resolve: func(sample any) (*invoker, error) {
		if fn == nil {
			return nil, fmt.Errorf("%w: nil method", ErrInvalidCallback)
		}
		if _, ok := sample.(L); !ok {
			return nil, fmt.Errorf("%w: listener %T is not a %s", ErrInvalidCallback, sample, reflect.TypeFor[L]())
		}
		arg := reflect.TypeFor[E]()
		if err := checkEventParam(arg); err != nil {
			return nil, err
		}
		return &invoker{
			arg:           arg,
			needsInstance: true,
			hasResult:     true,
			call: func(ctx context.Context, inst any, ev any) (any, error) {
				return fn(inst.(L), ctx, ev.(E))
			},
		}, nil
	}}
}

// ByName resolves a method of the listener instance by name. The method must
// take one event, optionally preceded by a context.Context, and return
// nothing, an error, a result, or a result and an error.
func ByName(method string) Callback {
	return Callback{name: method, resolve: func(sample any) (*invoker, error) {
		if sample == nil {
			return nil, fmt.Errorf("%w: method %s needs a listener instance", ErrInvalidCallback, method)
		}
		lt := reflect.TypeOf(sample)
		m, ok := lt.MethodByName(method)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no method %s", ErrInvalidCallback, lt, method)
		}
		sig, err := inspect(m.Type, 1)
		if err != nil {
			return nil, err
		}
		return &invoker{
			arg:           sig.arg,
			needsInstance: true,
			hasResult:     sig.hasResult,
			call: func(ctx context.Context, inst any, ev any) (any, error) {
				iv := reflect.ValueOf(inst)
				if iv.Type() != lt {
					return nil, fmt.Errorf("listener factory returned %s, registered as %s", iv.Type(), lt)
				}
				return sig.invoke(iv.Method(m.Index), ctx, ev)
			},
		}, nil
	}}
}

// Reflect wraps an arbitrary function value, validated with the same rules
// as ByName.
func Reflect(name string, fn any) Callback {
	return Callback{name: name, resolve: func(any) (*invoker, error) {
		fv := reflect.ValueOf(fn)
		if !fv.IsValid() || fv.Kind() != reflect.Func || fv.IsNil() {
			return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidCallback, fn)
		}
		sig, err := inspect(fv.Type(), 0)
		if err != nil {
			return nil, err
		}
		return &invoker{
			arg:       sig.arg,
			hasResult: sig.hasResult,
			call: func(ctx context.Context, _ any, ev any) (any, error) {
				return sig.invoke(fv, ctx, ev)
			},
		}, nil
	}}
}

type signature struct {
	arg       reflect.Type
	wantsCtx  bool
	hasResult bool
	hasErr    bool
	results   int
}

// inspect validates a function type, skipping the first skip parameters
// (the receiver of a method expression).
func inspect(ft reflect.Type, skip int) (*signature, error) {
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic callbacks are not supported", ErrInvalidCallback)
	}
	sig := &signature{}
	idx := skip
	params := ft.NumIn() - skip
	if params >= 1 && ft.In(idx) == contextType {
		sig.wantsCtx = true
		idx++
		params--
	}
	if params != 1 {
		return nil, fmt.Errorf("%w: expected exactly one event parameter, got %d", ErrInvalidCallback, params)
	}
	sig.arg = ft.In(idx)
	if err := checkEventParam(sig.arg); err != nil {
		return nil, err
	}

	sig.results = ft.NumOut()
	switch sig.results {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			sig.hasErr = true
		} else {
			sig.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("%w: second result must be error", ErrInvalidCallback)
		}
		sig.hasResult = true
		sig.hasErr = true
	default:
		return nil, fmt.Errorf("%w: too many results (%d)", ErrInvalidCallback, sig.results)
	}
	return sig, nil
}

func (s *signature) invoke(fn reflect.Value, ctx context.Context, ev any) (any, error) {
	args := make([]reflect.Value, 0, 2)
	if s.wantsCtx {
		args = append(args, reflect.ValueOf(&ctx).Elem())
	}
	args = append(args, reflect.ValueOf(ev))
	out := fn.Call(args)

	var (
		result any
		err    error
	)
	if s.hasResult {
		result = out[0].Interface()
	}
	if s.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return result, err
}

func checkEventParam(t reflect.Type) error {
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("%w: event parameter %s must be a concrete type", ErrInvalidCallback, t)
	}
	return nil
}
