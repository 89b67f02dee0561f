package relaytest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrTooManyReturnValues = errors.New("function must return at most one value and an error")
	ErrTooManyArguments    = errors.New("too many arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// method is a handler of the form func(context.Context, args...) ([result,] error)
type method struct {
	fn        reflect.Value
	args      []reflect.Type
	hasResult bool
}

func newMethod(fn any) (method, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return method{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return method{}, ErrMustReturnError
	}
	if numOut > 2 {
		return method{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		args = append(args, fnType.In(i))
	}
	return method{
		fn:        reflect.ValueOf(fn),
		args:      args,
		hasResult: numOut == 2,
	}, nil
}

// call decodes positional params, missing trailing params are passed as zero values
func (m method) call(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) > len(m.args) {
		return nil, ErrTooManyArguments
	}

	in := make([]reflect.Value, 0, len(m.args)+1)
	in = append(in, reflect.ValueOf(ctx))
	for i, argType := range m.args {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		in = append(in, arg.Elem())
	}

	out := m.fn.Call(in)

	var err error
	if errValue := out[len(out)-1]; !errValue.IsNil() {
		err = errValue.Interface().(error) //nolint:forcetypeassert
	}
	if !m.hasResult {
		return nil, err
	}
	return out[0].Interface(), err
}
