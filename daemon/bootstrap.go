package daemon

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/dnr/dmapi/memfs"
)

type (
	// bootstrapConfig lists in-memory filesystems to create at startup.
	bootstrapConfig struct {
		Filesystems []bootstrapFs `yaml:"filesystems"`
	}

	bootstrapFs struct {
		Fsid        string   `yaml:"fsid"`
		Capacity    int64    `yaml:"capacity"`
		ReadOnly    bool     `yaml:"read_only"`
		NoDMAPI     bool     `yaml:"no_dmapi"`
		Events      []string `yaml:"events"`
		DestroyAttr string   `yaml:"destroy_attr"`
		// Mount is optional. Filesystems without it are created but left unmounted, and
		// Dirs is ignored.
		Mount *bootstrapMount `yaml:"mount"`
		Dirs  []string        `yaml:"dirs"`
	}

	bootstrapMount struct {
		Path   string `yaml:"path"`
		Device string `yaml:"device"`
		OnFsid string `yaml:"on_fsid"`
		OnPath string `yaml:"on_path"`
	}
)

func parseBootstrap(data []byte) (*bootstrapConfig, error) {
	var cfg bootstrapConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	return &cfg, nil
}

// loadBootstrap creates the filesystems in the file in order. Each one is mounted before
// its dirs are made, so a later entry can mount on a dir of an earlier one.
func (s *server) loadBootstrap(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	cfg, err := parseBootstrap(data)
	if err != nil {
		return err
	}
	for _, b := range cfg.Filesystems {
		if err := s.bootstrapOne(ctx, &b); err != nil {
			return fmt.Errorf("filesystem %s: %w", b.Fsid, err)
		}
	}
	return nil
}

func (s *server) bootstrapOne(ctx context.Context, b *bootstrapFs) error {
	fsid, err := parseFsid(b.Fsid)
	if err != nil {
		return err
	}
	ent, err := s.newFs(fsid, &FsNewReq{
		Fsid:        b.Fsid,
		Capacity:    b.Capacity,
		ReadOnly:    b.ReadOnly,
		NoDMAPI:     b.NoDMAPI,
		Events:      b.Events,
		DestroyAttr: b.DestroyAttr,
	})
	if err != nil {
		return err
	}
	if b.Mount == nil {
		return nil
	}

	opts := memfs.MountOpts{Path: b.Mount.Path, Device: b.Mount.Device}
	if b.Mount.OnFsid != "" {
		on, err := s.getFs(b.Mount.OnFsid)
		if err != nil {
			return err
		}
		if opts.On, err = on.fs.Lookup(b.Mount.OnPath); err != nil {
			return err
		}
	}
	if err := s.mountFs(ctx, ent, opts); err != nil {
		return err
	}
	for _, d := range b.Dirs {
		if _, err := ent.fs.Create(ctx, d, 0o40755); err != nil {
			return err
		}
	}
	s.log.Info("bootstrapped filesystem", zap.Stringer("fsid", fsid), zap.String("path", b.Mount.Path))
	return nil
}
