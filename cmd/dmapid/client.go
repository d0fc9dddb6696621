package main

import (
	"context"
	"encoding/hex"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dnr/dmapi/common"
	"github.com/dnr/dmapi/common/client"
	"github.com/dnr/dmapi/common/cobrautil"
	"github.com/dnr/dmapi/daemon"
	"github.com/dnr/dmapi/dmapi"
)

func parseSession(s string) (dmapi.SessionID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return dmapi.SessionID(n), err
}

// call makes a client subcommand. stuff is passed to cobrautil.Cmd after the client setup.
func call(use, short string, nargs cobra.PositionalArgs, stuff ...any) *cobra.Command {
	return cobrautil.Cmd(
		&cobra.Command{Use: use, Short: short, Args: nargs},
		append([]any{withClient}, stuff...)...,
	)
}

type fsOpFlags struct {
	mode   uint32
	offset int64
	length int
}

func withFsOpFlags(c *cobra.Command) *fsOpFlags {
	var f fsOpFlags
	c.Flags().Uint32Var(&f.mode, "mode", 0o644, "mode, including type bits for non-files")
	c.Flags().Int64Var(&f.offset, "offset", 0, "file offset")
	c.Flags().IntVar(&f.length, "length", 4096, "bytes to read")
	return &f
}

func fsOp(use, short string, nargs int, path string, build func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error)) *cobra.Command {
	return call(use, short, cobra.ExactArgs(nargs),
		withFsOpFlags,
		func(ctx context.Context, args []string, f *fsOpFlags, cli *client.DmapiClient) error {
			req, err := build(args, f)
			if err != nil {
				return err
			}
			return cli.CallAndPrint(ctx, path, req)
		},
	)
}

func clientCmd() *cobra.Command {
	return cobrautil.Cmd(
		&cobra.Command{
			Use:     "client",
			Aliases: []string{"c"},
			Short:   "client to local daemon",
		},
		call("session-create [info]", "create a session", cobra.MaximumNArgs(1),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				var req daemon.CreateSessionReq
				if len(args) > 0 {
					req.Info = args[0]
				}
				return cli.CallAndPrint(ctx, daemon.SessionCreatePath, &req)
			},
		),
		call("session-destroy <session>", "destroy a session", cobra.ExactArgs(1),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				sid, err := parseSession(args[0])
				if err != nil {
					return err
				}
				return cli.CallAndPrint(ctx, daemon.SessionDestroyPath, &daemon.DestroySessionReq{Session: sid})
			},
		),
		call("sessions", "list sessions", cobra.NoArgs,
			func(ctx context.Context, cli *client.DmapiClient) error {
				return cli.CallAndPrint(ctx, daemon.SessionListPath, &daemon.ListSessionsReq{})
			},
		),
		call("disposition <session> <event>...", "choose the events a session receives", cobra.MinimumNArgs(1),
			func(c *cobra.Command) *string {
				return c.Flags().String("fsid", "", "filesystem (hex), empty for all")
			},
			func(ctx context.Context, args []string, fsid *string, cli *client.DmapiClient) error {
				sid, err := parseSession(args[0])
				if err != nil {
					return err
				}
				return cli.CallAndPrint(ctx, daemon.DispositionPath, &daemon.DispositionReq{
					Session: sid,
					Fsid:    *fsid,
					Events:  args[1:],
				})
			},
		),
		call("events <session>", "read queued events", cobra.ExactArgs(1),
			func(c *cobra.Command) *daemon.GetEventsReq {
				var req daemon.GetEventsReq
				c.Flags().IntVar(&req.Max, "max", 0, "most events to return (0 for all)")
				c.Flags().BoolVarP(&req.Wait, "wait", "w", false, "wait for an event")
				return &req
			},
			func(ctx context.Context, args []string, req *daemon.GetEventsReq, cli *client.DmapiClient) (err error) {
				if req.Session, err = parseSession(args[0]); err != nil {
					return err
				}
				return cli.CallAndPrint(ctx, daemon.GetEventsPath, req)
			},
		),
		call("respond <session> <token> <continue|abort|dontcare> [errno]", "answer an event", cobra.RangeArgs(3, 4),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				sid, err := parseSession(args[0])
				if err != nil {
					return err
				}
				token, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return err
				}
				req := &daemon.RespondReq{Session: sid, Token: dmapi.Token(token), Response: args[2]}
				if len(args) > 3 {
					if req.RetError, err = strconv.Atoi(args[3]); err != nil {
						return err
					}
				}
				return cli.CallAndPrint(ctx, daemon.RespondPath, req)
			},
		),
		call("msg <session> <data>", "send a user message", cobra.ExactArgs(2),
			func(c *cobra.Command) *bool {
				return c.Flags().Bool("sync", false, "wait for a reply")
			},
			func(ctx context.Context, args []string, sync *bool, cli *client.DmapiClient) error {
				sid, err := parseSession(args[0])
				if err != nil {
					return err
				}
				return cli.CallAndPrint(ctx, daemon.SendMsgPath, &daemon.SendMsgReq{Session: sid, Sync: *sync, Data: []byte(args[1])})
			},
		),
		call("userevent <session> <data>", "create a user event without delivering it", cobra.ExactArgs(2),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				sid, err := parseSession(args[0])
				if err != nil {
					return err
				}
				return cli.CallAndPrint(ctx, daemon.UserEventPath, &daemon.UserEventReq{Session: sid, Data: []byte(args[1])})
			},
		),
		call("stats", "show daemon counters", cobra.NoArgs,
			func(ctx context.Context, cli *client.DmapiClient) error {
				return cli.CallAndPrint(ctx, daemon.StatsPath, &daemon.StatsReq{})
			},
		),
		cobrautil.Cmd(
			&cobra.Command{Use: "metrics <addr>", Short: "fetch prometheus metrics from the daemon's metrics address", Args: cobra.ExactArgs(1)},
			withLogger,
			func(ctx context.Context, args []string, log *zap.Logger) error {
				body, err := common.RetryHttpGet(ctx, log, "http://"+args[0]+daemon.MetricsPath)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(body)
				return err
			},
		),
		fsCmd(),
		watchCmd,
	)
}

func fsCmd() *cobra.Command {
	return cobrautil.Cmd(
		&cobra.Command{Use: "fs", Short: "manage in-memory filesystems"},
		call("list", "list mounted DMAPI filesystems", cobra.NoArgs,
			func(ctx context.Context, cli *client.DmapiClient) error {
				return cli.CallAndPrint(ctx, daemon.FsListPath, &daemon.FsListReq{})
			},
		),
		call("new <fsid>", "create a filesystem", cobra.ExactArgs(1),
			func(c *cobra.Command) *daemon.FsNewReq {
				var req daemon.FsNewReq
				c.Flags().Int64Var(&req.Capacity, "capacity", 0, "bytes of file data (0 for unlimited)")
				c.Flags().BoolVar(&req.ReadOnly, "ro", false, "read-only")
				c.Flags().BoolVar(&req.NoDMAPI, "nodmapi", false, "don't support DMAPI")
				c.Flags().StringSliceVar(&req.Events, "events", nil, "events to raise (default all)")
				c.Flags().StringVar(&req.DestroyAttr, "destroy_attr", "", "attribute copied into destroy events")
				return &req
			},
			func(ctx context.Context, args []string, req *daemon.FsNewReq, cli *client.DmapiClient) error {
				req.Fsid = args[0]
				return cli.CallAndPrint(ctx, daemon.FsNewPath, req)
			},
		),
		call("mount <fsid> <path>", "mount a filesystem", cobra.ExactArgs(2),
			func(c *cobra.Command) *daemon.FsMountReq {
				var req daemon.FsMountReq
				c.Flags().StringVar(&req.Device, "device", "", "device name")
				c.Flags().StringVar(&req.OnFsid, "on_fsid", "", "filesystem to mount on")
				c.Flags().StringVar(&req.OnPath, "on_path", "/", "directory to mount on")
				return &req
			},
			func(ctx context.Context, args []string, req *daemon.FsMountReq, cli *client.DmapiClient) error {
				req.Fsid, req.Path = args[0], args[1]
				return cli.CallAndPrint(ctx, daemon.FsMountPath, req)
			},
		),
		call("unmount <fsid>", "unmount a filesystem", cobra.ExactArgs(1),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				return cli.CallAndPrint(ctx, daemon.FsUnmountPath, &daemon.FsUnmountReq{Fsid: args[0]})
			},
		),
		call("events <fsid> <event>...", "set the events a filesystem raises", cobra.MinimumNArgs(1),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				return cli.CallAndPrint(ctx, daemon.FsEventsPath, &daemon.FsEventsReq{Fsid: args[0], Events: args[1:]})
			},
		),
		call("destroyattr <fsid> [name]", "set the attribute copied into destroy events", cobra.RangeArgs(1, 2),
			func(ctx context.Context, args []string, cli *client.DmapiClient) error {
				req := &daemon.DestroyAttrReq{Fsid: args[0]}
				if len(args) > 1 {
					req.Name = args[1]
				}
				return cli.CallAndPrint(ctx, daemon.FsDestroyAttrPath, req)
			},
		),
		fsOp("create <fsid> <path>", "create an object", 2, daemon.FsCreatePath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], Mode: f.mode}, nil
			}),
		fsOp("symlink <fsid> <path> <target>", "create a symlink", 3, daemon.FsSymlinkPath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], Target: args[2]}, nil
			}),
		fsOp("link <fsid> <path> <newpath>", "make a hard link", 3, daemon.FsLinkPath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], NewPath: args[2]}, nil
			}),
		fsOp("remove <fsid> <path>", "remove an object", 2, daemon.FsRemovePath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1]}, nil
			}),
		fsOp("rename <fsid> <path> <newpath>", "rename an object", 3, daemon.FsRenamePath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], NewPath: args[2]}, nil
			}),
		fsOp("read <fsid> <path>", "read from a file", 2, daemon.FsReadPath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], Offset: f.offset, Length: f.length}, nil
			}),
		fsOp("write <fsid> <path> <data>", "write to a file", 3, daemon.FsWritePath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], Offset: f.offset, Data: []byte(args[2])}, nil
			}),
		fsOp("truncate <fsid> <path> <size>", "set the size of a file", 3, daemon.FsTruncatePath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				size, err := strconv.ParseInt(args[2], 10, 64)
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1], Size: size}, err
			}),
		fsOp("setxattr <fsid> <path> <name> <hexvalue>", "set an attribute (empty value removes it)", 4, daemon.FsSetXattrPath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				req := &daemon.FsOpReq{Fsid: args[0], Path: args[1], Name: args[2]}
				if args[3] == "" {
					return req, nil
				}
				var err error
				req.Value, err = hex.DecodeString(args[3])
				return req, err
			}),
		fsOp("ls <fsid> <path>", "list a directory", 2, daemon.FsListDirPath,
			func(args []string, f *fsOpFlags) (*daemon.FsOpReq, error) {
				return &daemon.FsOpReq{Fsid: args[0], Path: args[1]}, nil
			}),
		call("pin <fsid>", "hold a filesystem busy so unmounts fail", cobra.ExactArgs(1),
			func(c *cobra.Command) *bool {
				return c.Flags().Bool("unpin", false, "release a pin")
			},
			func(ctx context.Context, args []string, unpin *bool, cli *client.DmapiClient) error {
				return cli.CallAndPrint(ctx, daemon.FsPinPath, &daemon.FsPinReq{Fsid: args[0], Unpin: *unpin})
			},
		),
	)
}
