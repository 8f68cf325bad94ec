package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/go-stager/stager/assets"
	"github.com/go-stager/stager/config"
	"github.com/go-stager/stager/internal/backend"
	"github.com/go-stager/stager/internal/server"
	"github.com/go-stager/stager/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd runs the stager server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stager server",
	Long: `Run the stager server.

The server will:
  - Load configuration from the config file, if given
  - Apply any command-line flags on top
  - Start instances on demand for each sub-domain of domain_suffix
  - Stop instances that stay idle longer than idle_time

The server runs until interrupted (Ctrl+C) or receives SIGTERM. All running
instances are interrupted on the way out.

Example:
  stager serve
  stager serve -c stager.yaml
  stager serve --listen 0.0.0.0:8000 --init-command "make run"`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (defaults are used when omitted)")
	registerServeFlags(serveCmd.Flags())
}

// registerServeFlags adds the flags that override config file values.
func registerServeFlags(fs *pflag.FlagSet) {
	fs.String("listen", "", "address to listen on (host:port)")
	fs.String("domain-suffix", "", "suffix stripped from the host to get the instance name")
	fs.Int("base-port", 0, "first port handed to instances")
	fs.Int("max-instances", 0, "maximum number of instances running at once")
	fs.String("proxy-format", "", "template for the instance URL, e.g. http://127.0.0.1:{{.Port}}")
	fs.String("resource-dir", "", "directory with static/ and templates/ replacing the built-in pages")
	fs.Var(new(config.Command), "init-command", "command that starts an instance")
	fs.Var(new(config.Duration), "idle-time", "stop instances idle for longer than this")
	fs.Var(new(config.Duration), "hold-for", "hold non-GET requests this long while an instance starts")
}

// loadServeConfig builds the config from defaults, the optional config file
// and the flags that were set, in that order. Environment variables are
// expanded once, after every layer is applied.
func loadServeConfig(configFile string, fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadRaw(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if err := applyServeFlags(fs, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ExpandAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyServeFlags copies the flags that were explicitly set onto cfg.
func applyServeFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var firstErr error
	fs.Visit(func(f *pflag.Flag) {
		if firstErr != nil {
			return
		}

		var err error
		switch f.Name {
		case "listen":
			cfg.Listen, err = fs.GetString(f.Name)
		case "domain-suffix":
			cfg.DomainSuffix, err = fs.GetString(f.Name)
		case "base-port":
			cfg.BasePort, err = fs.GetInt(f.Name)
		case "max-instances":
			cfg.MaxInstances, err = fs.GetInt(f.Name)
		case "proxy-format":
			cfg.ProxyFormat, err = fs.GetString(f.Name)
		case "resource-dir":
			cfg.ResourceDir, err = fs.GetString(f.Name)
		case "init-command":
			cfg.InitCommand = append(config.Command(nil), *f.Value.(*config.Command)...)
		case "idle-time":
			cfg.IdleTime = *f.Value.(*config.Duration)
		case "hold-for":
			cfg.HoldFor = *f.Value.(*config.Duration)
		}
		if err != nil {
			firstErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	return firstErr
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, slog.LevelInfo)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadServeConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	first, last := cfg.Ports()
	logger.Info("config loaded",
		"listen", cfg.Listen,
		"domain_suffix", cfg.DomainSuffix,
		"ports", fmt.Sprintf("%d-%d", first, last),
		"init_command", strings.Join(cfg.InitCommand, " "),
		"idle_time", cfg.IdleTime.Duration().String(),
		"hold_for", cfg.HoldFor.Duration().String(),
	)

	st := store.NewMemoryStore()

	manager, err := backend.NewManager(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend manager: %w", err)
	}

	srv, err := server.NewServer(cfg, server.FromManager(manager), st, assets.FS, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		srv.Wait()
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out",
			"timeout", shutdownTimeout.String(),
			"action", "forcing exit",
		)
		return nil
	}
}
