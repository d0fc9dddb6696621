package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/common"
	"github.com/dnr/dmapi/common/client"
	"github.com/dnr/dmapi/common/cobrautil"
	"github.com/dnr/dmapi/daemon"
)

func withLogger(c *cobra.Command) func(*cobra.Command) error {
	debug := c.Flags().Bool("debug", false, "log at debug level")
	return func(c *cobra.Command) error {
		cobrautil.Store(c, common.NewLogger(*debug))
		return nil
	}
}

func withDaemonConfig(c *cobra.Command) func(*cobra.Command, *zap.Logger) error {
	addDaemonFlags(c.Flags())
	return func(c *cobra.Command, log *zap.Logger) error {
		cfg, err := loadDaemonConfig(c.Flags())
		if err != nil {
			return err
		}
		cfg.Log = log
		log.Debug("config", zap.String("statedir", cfg.StateDir), zap.String("bootstrap", cfg.Bootstrap))
		cobrautil.Store(c, cfg)
		return nil
	}
}

func withClient(c *cobra.Command) func(*cobra.Command) error {
	stateDir := c.Flags().String("statedir", common.DefaultStateDir, "path to daemon state (socket)")
	return func(c *cobra.Command) error {
		cobrautil.Store(c, client.NewClient(filepath.Join(*stateDir, daemon.Socket)))
		return nil
	}
}

func runDaemon(ctx context.Context, cfg daemon.Config) error {
	s := daemon.NewServer(cfg)
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func main() {
	root := cobrautil.Cmd(
		&cobra.Command{
			Use:     "dmapid",
			Short:   "dmapid - data management event daemon",
			Version: common.Version,
		},
		cobrautil.Cmd(
			&cobra.Command{Use: "daemon", Short: "act as local daemon", Args: cobra.NoArgs},
			withLogger,
			withDaemonConfig,
			runDaemon,
		),
		clientCmd(),
		decodeCmd,
	)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
