package cobrautil

import (
	"context"
	"reflect"

	"github.com/spf13/cobra"
)

type ckey struct {
	t reflect.Type
}

// Store puts v in the command's context, where actions can ask for it by type.
func Store[T any](c *cobra.Command, v T) {
	c.SetContext(context.WithValue(c.Context(), ckey{t: reflect.TypeFor[T]()}, v))
}
