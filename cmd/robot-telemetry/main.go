package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"robot-telemetry/internal/config"
	"robot-telemetry/internal/serial"
	"robot-telemetry/internal/web"
)

type runFlags struct {
	configPath string
	port       string
	baud       int
	driver     string
	listen     string
	headless   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "robot-telemetry",
		Short:        "Serial telemetry monitor",
		Long:         "robot-telemetry reads fixed-width telemetry frames from a serial port and shows the latest value of every channel.",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newPortsCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the device and show the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			interactive := !f.headless && term.IsTerminal(int(os.Stdout.Fd()))
			return runApp(ctx, cfg, appOptions{
				ConfigPath:  f.configPath,
				Interactive: interactive,
				Stderr:      cmd.ErrOrStderr(),
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to YAML config")
	flags.StringVarP(&f.port, "port", "p", "", "Serial port (overrides serial.port)")
	flags.IntVarP(&f.baud, "baud", "b", 0, "Baud rate (overrides serial.baud)")
	flags.StringVar(&f.driver, "driver", "", "Serial driver: bugst or termios (overrides serial.driver)")
	flags.StringVar(&f.listen, "listen", "", "HTTP API address (overrides web.listen)")
	flags.BoolVar(&f.headless, "headless", false, "Log a periodic summary instead of the terminal dashboard")
	return cmd
}

// loadConfig reads the config file, or defaults when none is given, and
// applies flag overrides before validation.
func loadConfig(f runFlags, changed func(string) bool) (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("config load failed: %w", err)
		}
		cfg = loaded
	}
	if changed("port") {
		cfg.Serial.Port = f.port
	}
	if changed("baud") {
		cfg.Serial.Baud = f.baud
	}
	if changed("driver") {
		cfg.Serial.Driver = f.driver
	}
	if changed("listen") {
		cfg.Web.Listen = f.listen
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPorts(cmd.OutOrStdout(), serial.ListPorts)
		},
	}
}

func printPorts(w io.Writer, list func() ([]string, error)) error {
	ports, err := list()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		return errors.New("no serial ports found")
	}
	for _, p := range ports {
		_, _ = fmt.Fprintln(w, p)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := web.About()
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "robot-telemetry %s\n", a.Version)
			if a.Commit != "" {
				_, _ = fmt.Fprintf(out, "commit: %s\n", a.Commit)
			}
			_, _ = fmt.Fprintf(out, "go: %s\n", a.GoVersion)
			_, _ = fmt.Fprintf(out, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
