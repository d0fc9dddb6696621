// Package cobrautil builds cobra command trees out of small reusable pieces.
package cobrautil

import (
	"context"
	"fmt"
	"log"
	"reflect"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

// RunE is a Cobra "run" function that returns error.
type RunE = func(c *cobra.Command, args []string) error

// ChainRunE returns a RunE that runs its arguments in order and stops on the first error.
// nil entries are skipped.
func ChainRunE(fs ...RunE) RunE {
	fs = slices.DeleteFunc(fs, func(e RunE) bool { return e == nil })
	if len(fs) == 1 {
		return fs[0]
	}
	return func(c *cobra.Command, args []string) error {
		for _, f := range fs {
			if err := f(c, args); err != nil {
				return err
			}
		}
		return nil
	}
}

// Cmd fills in c from stuff and returns it. Each element of stuff is one of:
//
// *cobra.Command: added as a subcommand.
//
// func(...) error: an action, appended to c.RunE. Its parameters are filled in by type:
// *cobra.Command, []string (the args), context.Context, or any value previously put in the
// command's context by Store or by a filter.
//
// func(*cobra.Command) T: a filter. It's called right away, usually to define flags. If T
// is an action it's appended to c.RunE. Otherwise the returned value is stored in the
// context when the command runs, so later actions can ask for it by type.
//
// Flags are defined at init time, when c.Context() is still nil. Everything else happens
// in order when the command runs.
func Cmd(c *cobra.Command, stuff ...any) *cobra.Command {
	for _, thing := range stuff {
		if sub, ok := thing.(*cobra.Command); ok {
			c.AddCommand(sub)
			continue
		}
		v := reflect.ValueOf(thing)
		if isAction(v.Type()) {
			c.RunE = ChainRunE(c.RunE, asAction(v))
		} else if isFilter(v.Type()) {
			c.RunE = ChainRunE(c.RunE, runFilter(v, c))
		} else {
			log.Panicf("bad Cmd argument: %T %v", thing, thing)
		}
	}
	return c
}

func isAction(t reflect.Type) bool {
	return t.Kind() == reflect.Func && t.NumOut() == 1 && t.Out(0) == reflect.TypeFor[error]()
}

func isFilter(t reflect.Type) bool {
	return t.Kind() == reflect.Func &&
		t.NumIn() == 1 && t.In(0) == reflect.TypeFor[*cobra.Command]() &&
		// a filter returning error would look like an action
		(t.NumOut() == 0 || (t.NumOut() == 1 && t.Out(0) != reflect.TypeFor[error]()))
}

func asAction(v reflect.Value) RunE {
	return func(c *cobra.Command, args []string) error {
		t := v.Type()
		ins := make([]reflect.Value, t.NumIn())
		for i := range ins {
			switch tin := t.In(i); tin {
			case reflect.TypeFor[*cobra.Command]():
				ins[i] = reflect.ValueOf(c)
			case reflect.TypeFor[context.Context]():
				ins[i] = reflect.ValueOf(c.Context())
			case reflect.TypeFor[[]string]():
				ins[i] = reflect.ValueOf(args)
			default:
				in := c.Context().Value(ckey{t: tin})
				if in == nil {
					panic(fmt.Sprintf("nothing stored for %s", tin))
				}
				ins[i] = reflect.ValueOf(in)
			}
		}
		if out := v.Call(ins)[0]; !out.IsNil() {
			return out.Interface().(error)
		}
		return nil
	}
}

func runFilter(v reflect.Value, c *cobra.Command) RunE {
	out := v.Call([]reflect.Value{reflect.ValueOf(c)})
	if len(out) == 0 {
		return nil
	}
	res := out[0]
	if isAction(res.Type()) {
		return asAction(res)
	}
	return func(c *cobra.Command, _ []string) error {
		c.SetContext(context.WithValue(c.Context(), ckey{t: res.Type()}, res.Interface()))
		return nil
	}
}
