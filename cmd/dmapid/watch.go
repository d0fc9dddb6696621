package main

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dnr/dmapi/common/client"
	"github.com/dnr/dmapi/common/cobrautil"
	"github.com/dnr/dmapi/daemon"
)

type watchArgs struct {
	fsid   string
	events []string
	// event:errno pairs
	abort []string
}

// watch is a minimal data management application: it takes events, prints them, and
// answers every synchronous one.
var watchCmd = cobrautil.Cmd(
	&cobra.Command{
		Use:   "watch",
		Short: "receive events and answer them",
		Args:  cobra.NoArgs,
	},
	withLogger,
	withClient,
	func(c *cobra.Command) *watchArgs {
		var args watchArgs
		c.Flags().StringVar(&args.fsid, "fsid", "", "filesystem (hex), empty for all")
		c.Flags().StringSliceVar(&args.events, "events", []string{"mount", "preunmount", "unmount",
			"create", "postcreate", "remove", "postremove", "rename", "postrename", "link",
			"postlink", "symlink", "postsymlink", "read", "write", "truncate", "attribute",
			"destroy", "nospace"}, "events to receive")
		c.Flags().StringSliceVar(&args.abort, "abort", nil, "answer these events with abort, as event:errno")
		return &args
	},
	runWatch,
)

func parseAborts(specs []string) (map[string]int, error) {
	out := make(map[string]int)
	for _, s := range specs {
		ev, errnoStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("bad abort %q, want event:errno", s)
		}
		errno, err := strconv.Atoi(errnoStr)
		if err != nil || errno <= 0 {
			return nil, fmt.Errorf("bad errno in %q", s)
		}
		out[ev] = errno
	}
	return out, nil
}

func runWatch(ctx context.Context, args *watchArgs, cli *client.DmapiClient, log *zap.Logger) error {
	aborts, err := parseAborts(args.abort)
	if err != nil {
		return err
	}

	var sres daemon.CreateSessionResp
	if err := cli.Do(ctx, daemon.SessionCreatePath, &daemon.CreateSessionReq{Info: "watch"}, &sres); err != nil {
		return err
	}
	sid := sres.Session
	log.Info("session created", zap.Uint64("session", uint64(sid)), zap.String("boot", sres.BootID))
	defer func() {
		var st daemon.Status
		if err := cli.Do(context.Background(), daemon.SessionDestroyPath, &daemon.DestroySessionReq{Session: sid}, &st); err != nil {
			log.Warn("destroying session", zap.Error(err))
		}
	}()

	events := args.events
	if args.fsid != "" {
		// mount events are only delivered to global dispositions
		events = slices.DeleteFunc(slices.Clone(events), func(e string) bool { return e == "mount" })
	}
	var st daemon.Status
	if err := cli.Do(ctx, daemon.DispositionPath, &daemon.DispositionReq{
		Session: sid,
		Fsid:    args.fsid,
		Events:  events,
	}, &st); err != nil {
		return err
	}

	conn, err := cli.DialStream(ctx, daemon.EventStreamPath, url.Values{"session": {strconv.FormatUint(uint64(sid), 10)}})
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var f daemon.StreamFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if f.Event == nil {
			log.Warn("respond failed", zap.Uint64("token", uint64(f.Token)), zap.String("error", f.Error))
			continue
		}
		ev := f.Event
		fmt.Printf("%d %s\n", ev.Sequence, ev.Summary)
		if ev.Token == 0 {
			continue
		}
		req := &daemon.RespondReq{Session: sid, Token: ev.Token, Response: "continue"}
		if errno, ok := aborts[ev.Type]; ok {
			req.Response, req.RetError = "abort", errno
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
}
