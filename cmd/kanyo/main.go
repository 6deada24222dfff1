// Command kanyo runs the 24/7 video-surveillance daemon: one stream's
// detection->behavior->clip pipeline plus its admin status surface.
package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/admin"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/config"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/encoder"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/monitor"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/notify"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "kanyo",
		Short: "24/7 behavioral surveillance daemon",
	}
	defaultConfigPath := "config.yaml"
	if _, err := os.Stat(defaultConfigPath); err != nil {
		if xdgPath, err := xdg.ConfigFile("kanyo/config.yaml"); err == nil {
			defaultConfigPath = xdgPath
		}
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to config.yaml")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file of secrets")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "bypass the encoder-probe cache and enable debug logging")

	root.AddCommand(runCmd(), probeEncoderCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfigOrExit() *config.Config {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the detection->behavior->clip monitor for one stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()

			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			if verbose {
				level = logging.DebugLevel
			}
			root, cleanup, err := logging.New(logging.Config{Level: level, FilePath: cfg.LogFilePath(), ToStdout: true})
			if err != nil {
				return err
			}
			defer cleanup()
			log := root.Named("kanyo.monitor")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			mon, err := monitor.New(ctx, cfg, noopDetector{}, notify.NoopBackend{}, verbose, log)
			if err != nil {
				return fmt.Errorf("kanyo: building monitor: %w", err)
			}

			adminSrv := admin.New(cfg, mon, mon.Events(), root.Named("kanyo.admin"))
			adminDone := make(chan error, 1)
			go func() { adminDone <- adminSrv.Start() }()

			monDone := make(chan error, 1)
			go func() { monDone <- mon.Run(ctx) }()

			select {
			case err := <-monDone:
				_ = adminSrv.Stop()
				return err
			case <-ctx.Done():
				<-monDone
				_ = adminSrv.Stop()
				return nil
			}
		},
	}
}

func probeEncoderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe-encoder",
		Short: "Bypass the encoder-probe cache and report the hardware encoder kanyo would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			root, cleanup, err := logging.New(logging.Config{Level: logging.DebugLevel, ToStdout: true})
			if err != nil {
				return err
			}
			defer cleanup()
			enc := encoder.Detect(context.Background(), cfg.EncoderProbePath, true, root.Named("kanyo.encoder"))
			fmt.Println(enc)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect kanyo's resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate config.yaml, exiting nonzero on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfigOrExit()
			fmt.Println("configuration is valid")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the fully-resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cmd
}

// noopDetector is a placeholder implementation of monitor.Detector. The
// object detector itself is out of kanyo's core scope (spec.md §1); a real
// deployment supplies one (e.g. wrapping a YOLO ONNX model runtime) and
// passes it to monitor.New in place of this stub.
type noopDetector struct{}

func (noopDetector) Detect(img image.Image) ([]monitor.Detection, error) {
	return nil, nil
}
