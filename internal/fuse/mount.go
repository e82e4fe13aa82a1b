package fuse

import (
	"fmt"
	"os"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/objectfuse/objectfuse/internal/fs"
)

// MountOptions carries the kernel-facing mount settings.
type MountOptions struct {
	MountPoint   string        `yaml:"mount_point"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// MountManager owns the FUSE server lifecycle.
type MountManager struct {
	fsys    *fs.FileSystem
	opts    *MountOptions
	server  *gofuse.Server
	mounted bool
}

// NewMountManager creates a manager for the given filesystem.
func NewMountManager(fsys *fs.FileSystem, opts *MountOptions) *MountManager {
	if opts.AttrTimeout == 0 {
		opts.AttrTimeout = time.Second
	}
	if opts.EntryTimeout == 0 {
		opts.EntryTimeout = time.Second
	}

	return &MountManager{fsys: fsys, opts: opts}
}

// Mount attaches the filesystem to the mount point.
func (m *MountManager) Mount() error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	info, err := os.Stat(m.opts.MountPoint)
	if err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", m.opts.MountPoint)
	}

	fuseOpts := &gofs.Options{
		AttrTimeout:  &m.opts.AttrTimeout,
		EntryTimeout: &m.opts.EntryTimeout,
		MountOptions: gofuse.MountOptions{
			AllowOther: m.opts.AllowOther,
			Debug:      m.opts.Debug,
			FsName:     "objectfuse",
			Name:       "objectfuse",
		},
	}

	server, err := gofs.Mount(m.opts.MountPoint, NewFileSystem(m.fsys).Root(), fuseOpts)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true

	log.Info().Str("mountpoint", m.opts.MountPoint).Msg("filesystem mounted")

	return nil
}

// Wait blocks until the filesystem is unmounted.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// Unmount detaches the filesystem, flushing dirty files first.
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.fsys.Shutdown()

	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("unmount failed: %w", err)
	}

	m.mounted = false
	m.server = nil

	log.Info().Str("mountpoint", m.opts.MountPoint).Msg("filesystem unmounted")

	return nil
}
