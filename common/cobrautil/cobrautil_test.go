package cobrautil

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	name string
}

func TestCmd(t *testing.T) {
	r := require.New(t)
	var got []string

	withGreeting := func(c *cobra.Command) func(*cobra.Command) error {
		name := c.Flags().String("name", "world", "who to greet")
		return func(c *cobra.Command) error {
			Store(c, &greeting{name: *name})
			return nil
		}
	}
	withPrefix := func(c *cobra.Command) string { return "hello" }

	root := Cmd(
		&cobra.Command{Use: "root"},
		Cmd(
			&cobra.Command{Use: "greet", Args: cobra.MaximumNArgs(1)},
			withGreeting,
			withPrefix,
			func(ctx context.Context, args []string, g *greeting, prefix string) error {
				r.NotNil(ctx)
				got = append(got, prefix+" "+g.name)
				got = append(got, args...)
				return nil
			},
		),
		Cmd(
			&cobra.Command{Use: "fail"},
			func(c *cobra.Command) error { return errors.New("boom") },
			func() error {
				got = append(got, "not reached")
				return nil
			},
		),
	)
	root.SilenceUsage = true
	root.SilenceErrors = true

	root.SetArgs([]string{"greet", "--name", "dmapi", "extra"})
	r.NoError(root.ExecuteContext(context.Background()))
	r.Equal([]string{"hello dmapi", "extra"}, got)

	got = nil
	root.SetArgs([]string{"fail"})
	r.EqualError(root.ExecuteContext(context.Background()), "boom")
	r.Empty(got)
}

func TestCmdBadArgument(t *testing.T) {
	r := require.New(t)
	r.Panics(func() { Cmd(&cobra.Command{Use: "x"}, 42) })
}

func TestChainRunE(t *testing.T) {
	r := require.New(t)
	var n int
	inc := func(*cobra.Command, []string) error { n++; return nil }
	r.NoError(ChainRunE(nil, inc, nil, inc)(nil, nil))
	r.Equal(2, n)
}
