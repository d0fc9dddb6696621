package main

import (
	"errors"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dnr/dmapi/common"
	"github.com/dnr/dmapi/daemon"
)

type daemonSettings struct {
	StateDir   string `mapstructure:"statedir"`
	Metrics    string `mapstructure:"metrics"`
	MaxWaiters int64  `mapstructure:"max_waiters"`
	MaxPayload int    `mapstructure:"max_payload"`
	Bootstrap  string `mapstructure:"bootstrap"`
}

func addDaemonFlags(f *pflag.FlagSet) {
	f.String("config", "", "yaml config file (default dmapid.yaml in /etc/dmapid or the state dir)")
	f.String("statedir", common.DefaultStateDir, "path to state (socket and db)")
	f.String("metrics", "", "also serve prometheus metrics on this tcp address")
	f.Int64("max_waiters", 1024, "callers that can block waiting for replies")
	f.Int("max_payload", 64<<10, "largest event payload")
	f.String("bootstrap", "", "yaml file of filesystems to create at startup")
}

// loadDaemonConfig merges, lowest first: flag defaults, config file, DMAPID_* environment,
// flags that were set on the command line.
func loadDaemonConfig(f *pflag.FlagSet) (daemon.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(f); err != nil {
		return daemon.Config{}, err
	}
	v.SetEnvPrefix("DMAPID")
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("dmapid")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/dmapid")
		v.AddConfigPath(v.GetString("statedir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return daemon.Config{}, err
		}
	}

	var s daemonSettings
	if err := v.Unmarshal(&s); err != nil {
		return daemon.Config{}, err
	}
	return daemon.Config{
		StateDir:    s.StateDir,
		MetricsAddr: s.Metrics,
		MaxWaiters:  s.MaxWaiters,
		MaxPayload:  s.MaxPayload,
		Bootstrap:   s.Bootstrap,
	}, nil
}
