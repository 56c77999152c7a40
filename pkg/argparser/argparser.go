// Package argparser resolves loosely typed, variadic argument lists into a
// fixed positional shape, the way extension APIs accept optional leading and
// trailing arguments.
package argparser

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Type names used in patterns. They follow the script-side typeof names.
const (
	TypeAny      = "any"
	TypeString   = "string"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeObject   = "object"
	TypeFunction = "function"
	TypeNull     = "null"
)

// ErrShapeMismatch is matched by every error returned from Match.
var ErrShapeMismatch = errors.New("argparser: arguments do not match any pattern")

// MismatchError reports the observed argument types of a call that no pattern accepted.
type MismatchError struct {
	Observed []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("argparser: no pattern accepts (%s)", strings.Join(e.Observed, ", "))
}

// Is makes errors.Is(err, ErrShapeMismatch) true.
func (e *MismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// ErrorCode returns the wire code for this error.
func (e *MismatchError) ErrorCode() string {
	return "SHAPE_MISMATCH"
}

// Out is one slot of a pattern's output template.
type Out struct {
	arg     int
	literal interface{}
	fromArg bool
}

// Arg outputs the matched argument at position i.
func Arg(i int) Out {
	return Out{arg: i, fromArg: true}
}

// Literal outputs a fixed value.
func Literal(v interface{}) Out {
	return Out{literal: v}
}

// Common argument references.
var (
	MatchArg0 = Arg(0)
	MatchArg1 = Arg(1)
	MatchArg2 = Arg(2)
	// Absent outputs nil.
	Absent = Literal(nil)
)

// Pattern accepts calls whose arity equals len(Types) and whose arguments satisfy
// Types position by position.
type Pattern struct {
	Types []string
	Out   []Out
}

// Callback is a trailing response callback extracted from an argument list.
type Callback func(response interface{})

// TypeOf classifies v with the pattern type names. nil is "null".
func TypeOf(v interface{}) string {
	if v == nil {
		return TypeNull
	}
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case json.Number:
		return TypeNumber
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Func:
		return TypeFunction
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBoolean
	default:
		return TypeObject
	}
}

// Satisfies reports whether v meets the constraint typ. "any" accepts everything
// and "object" accepts nil, as a null object reference.
func Satisfies(typ string, v interface{}) bool {
	if typ == TypeAny {
		return true
	}
	actual := TypeOf(v)
	if typ == TypeObject && actual == TypeNull {
		return true
	}
	return actual == typ
}

// SplitCallback removes a trailing function argument and returns it as a Callback.
// The input slice is not modified. cb is nil when the last argument is not a
// function, or is a nil function value, which is still removed from rest.
func SplitCallback(args []interface{}) (cb Callback, rest []interface{}) {
	if len(args) == 0 || TypeOf(args[len(args)-1]) != TypeFunction {
		return nil, args
	}
	last := args[len(args)-1]
	if reflect.ValueOf(last).IsNil() {
		return nil, args[:len(args)-1]
	}
	return asCallback(last), args[:len(args)-1]
}

// Match resolves args against patterns. The first pattern with matching arity
// and types wins, so patterns must be listed from most to least specific.
func Match(args []interface{}, patterns []Pattern) ([]interface{}, error) {
	for _, p := range patterns {
		if !accepts(p, args) {
			continue
		}
		out := make([]interface{}, len(p.Out))
		for i, slot := range p.Out {
			if slot.fromArg {
				if slot.arg < 0 || slot.arg >= len(args) {
					return nil, fmt.Errorf("argparser: pattern output references argument %d of %d", slot.arg, len(args))
				}
				out[i] = args[slot.arg]
			} else {
				out[i] = slot.literal
			}
		}
		return out, nil
	}

	observed := make([]string, len(args))
	for i, a := range args {
		observed[i] = TypeOf(a)
	}
	return nil, &MismatchError{Observed: observed}
}

func accepts(p Pattern, args []interface{}) bool {
	if len(p.Types) != len(args) {
		return false
	}
	for i, typ := range p.Types {
		if !Satisfies(typ, args[i]) {
			return false
		}
	}
	return true
}

// asCallback adapts any function value to a Callback. Functions taking no
// arguments are called without the response; single-argument functions get the
// response when it is assignable and the zero value otherwise.
func asCallback(fn interface{}) Callback {
	switch f := fn.(type) {
	case Callback:
		return f
	case func(interface{}):
		return f
	case func():
		return func(interface{}) { f() }
	}

	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	return func(response interface{}) {
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			in[i] = reflect.Zero(ft.In(i))
		}
		if len(in) > 0 && response != nil {
			rv := reflect.ValueOf(response)
			if rv.Type().AssignableTo(ft.In(0)) {
				in[0] = rv
			}
		}
		if ft.IsVariadic() {
			fv.CallSlice(in)
			return
		}
		fv.Call(in)
	}
}
