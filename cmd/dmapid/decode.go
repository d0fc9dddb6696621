package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/dnr/dmapi/common/cobrautil"
	"github.com/dnr/dmapi/dmapi"
)

type decodeArgs struct {
	dump bool
}

var decodeCmd = cobrautil.Cmd(
	&cobra.Command{
		Use:   "decode <event> <hex payload>",
		Short: "print the fields of an event payload",
		Args:  cobra.ExactArgs(2),
	},
	func(c *cobra.Command) *decodeArgs {
		var args decodeArgs
		c.Flags().BoolVar(&args.dump, "dump", false, "also dump the decoded header structure")
		return &args
	},
	func(args []string, da *decodeArgs) error {
		return decodePayload(os.Stdout, args[0], args[1], da.dump)
	},
)

func decodePayload(w io.Writer, event, hexPayload string, dump bool) error {
	t, err := dmapi.ParseEventType(event)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(hexPayload)
	if err != nil {
		return err
	}
	d, err := dmapi.Decode(t, payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, d.Summary())
	for _, f := range d.Fields {
		fmt.Fprintf(w, "  %-10s @%-4d len %-4d %x\n", f.Name, f.Offset, f.Length, f.Data)
	}
	if dump {
		cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true}
		cfg.Fdump(w, d.Header)
	}
	return nil
}
