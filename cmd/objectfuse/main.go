// Command objectfuse mounts an S3 or Google Cloud Storage bucket as a local
// filesystem.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/crypto"
	"github.com/objectfuse/objectfuse/internal/fs"
	"github.com/objectfuse/objectfuse/internal/fuse"
	"github.com/objectfuse/objectfuse/internal/metrics"
	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/internal/service"
	"github.com/objectfuse/objectfuse/internal/threads"
	"github.com/objectfuse/objectfuse/pkg/logging"
)

var version = "dev"

func main() {
	var (
		configFile string
		allowOther bool
		debug      bool
	)

	root := &cobra.Command{
		Use:           "objectfuse",
		Short:         "Mount an object store bucket as a POSIX filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file")

	mount := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the configured bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(configFile, args[0], allowOther, debug)
		},
	}

	mount.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	mount.Flags().BoolVar(&debug, "debug", false, "enable FUSE debug output")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("objectfuse", version)
		},
	}

	root.AddCommand(mount, versionCmd)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runMount(configFile, mountPoint string, allowOther, debug bool) error {
	cfg := config.NewDefault()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return err
		}
	}
	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(cfg.Global.LogLevel, cfg.Global.LogJSON)

	svc, err := service.New(&cfg.Service)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Monitoring.MetricsEnabled {
		collector = metrics.NewCollector()
		collector.Serve(cfg.Monitoring.MetricsPort)
		defer collector.Close()
	}

	var volumeKey []byte
	if cfg.Encryption.Enabled {
		password, err := service.ReadPrivateFile(cfg.Encryption.PasswordFile)
		if err != nil {
			return err
		}
		volumeKey = crypto.DeriveVolumeKey(strings.TrimSpace(password))
	}

	newPool := func(tag string, workers int) (*threads.Pool, error) {
		requests, err := request.NewPool(tag, cfg.Workers.PoolSize, func(t string) *request.Request {
			return request.New(t, svc, &cfg.Service, collector)
		})
		if err != nil {
			return nil, err
		}
		return threads.NewPool(tag, workers, requests), nil
	}

	fg, err := newPool("fg", cfg.Workers.Foreground)
	if err != nil {
		return err
	}
	defer fg.Terminate()

	bg, err := newPool("bg", cfg.Workers.Background)
	if err != nil {
		return err
	}
	defer bg.Terminate()

	ctx := &fs.Context{
		Config:    cfg,
		Service:   svc,
		FG:        fg,
		BG:        bg,
		Metrics:   collector,
		VolumeKey: volumeKey,
	}

	fsys := fs.NewFileSystem(ctx)

	manager := fuse.NewMountManager(fsys, &fuse.MountOptions{
		MountPoint: mountPoint,
		AllowOther: allowOther,
		Debug:      debug,
	})

	if err := manager.Mount(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info().Msg("shutting down")
		if err := manager.Unmount(); err != nil {
			log.Warn().Err(err).Msg("unmount failed")
		}
	}()

	manager.Wait()

	return nil
}
