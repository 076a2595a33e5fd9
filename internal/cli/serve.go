package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmd/internal/api"
	"github.com/javanstorm/vmd/internal/config"
	"github.com/javanstorm/vmd/internal/daemon"
	"github.com/javanstorm/vmd/internal/download"
	"github.com/javanstorm/vmd/internal/events"
	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/logger"
	"github.com/javanstorm/vmd/internal/metrics"
	"github.com/javanstorm/vmd/internal/sshkey"
	"github.com/javanstorm/vmd/internal/version"
	"github.com/javanstorm/vmd/internal/workflow"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the vmd daemon in the foreground.

The daemon loads the instances recorded in its data directory, restarts
those that were running, and serves client commands on --address until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), e)
		},
	}

	flags := cmd.Flags()
	flags.String("driver", "", "virtualization backend (qemu or vz)")
	flags.String("data-dir", "", "directory for instance state and images")
	flags.String("cache-dir", "", "directory for downloaded images")
	flags.String("storage", "", "root for both data and cache directories")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text or json)")
	flags.String("nats-url", "", "publish lifecycle events to this NATS server")
	bindFlags(e.v, flags, map[string]string{
		"driver":     "driver",
		"data_dir":   "data-dir",
		"cache_dir":  "cache-dir",
		"storage":    "storage",
		"log_level":  "log-level",
		"log_format": "log-format",
		"nats_url":   "nats-url",
	})
	return cmd
}

func runServe(ctx context.Context, e *env) error {
	cfg := e.cfg
	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		fmt.Fprint(os.Stderr, config.FormatValidationErrors(errs))
		if config.HasFatal(errs) {
			return errors.New("invalid configuration")
		}
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if e.verbosity > 0 {
		log.SetLevel(logrus.DebugLevel)
	}
	log.WithField("version", version.String()).Info("starting vmd daemon")

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dl := download.New(log)
	host := image.NewCatalogHost(image.DefaultCatalog(), dl, cfg.ImageManifestTTL, log)
	vault, err := image.NewVault(cfg.CacheDir, cfg.DataDir, []image.Host{host}, dl, log)
	if err != nil {
		return err
	}
	defer vault.Close()

	backend, err := hypervisor.NewBackend(cfg.Driver, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("create %s backend: %w", cfg.Driver, err)
	}

	keys := sshkey.NewManager(cfg.DataDir)
	if err := keys.Ensure(); err != nil {
		return fmt.Errorf("ssh key pair: %w", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATS(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		publisher = nc
	}
	defer publisher.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	d, err := daemon.New(daemon.Options{
		DataDir:     cfg.DataDir,
		SSHUsername: cfg.SSHUsername,
		Backend:     backend,
		Vault:       vault,
		Workflows:   workflow.NewDefaultProvider(ctx, cfg.WorkflowsURL, cfg.CacheDir, cfg.WorkflowsTTL, dl, log),
		Keys:        keys,
		Events:      publisher,
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		return err
	}
	defer d.Close()
	d.Resume(ctx)

	srv := api.NewServer(d, api.ServerOptions{Metrics: m, Log: log})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.Address)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", cfg.Address, err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
