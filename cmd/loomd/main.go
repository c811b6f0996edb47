package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomstudio/loom/internal/config"
	"github.com/loomstudio/loom/internal/config/store"
	"github.com/loomstudio/loom/internal/daemon"
	loomversion "github.com/loomstudio/loom/internal/version"
)

func main() {
	var (
		workerBinary string
		metricsAddr  string
		eventsAddr   string
	)

	rootCmd := &cobra.Command{
		Use:           "loomd",
		Short:         "Loom daemon - supervises the plugin worker and serves the invoke socket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(workerBinary, metricsAddr, eventsAddr)
		},
	}
	rootCmd.Flags().StringVar(&workerBinary, "worker-binary", "", "Path to the loom-worker binary")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Loopback address for /metrics and /healthz (default 127.0.0.1:9310)")
	rootCmd.Flags().StringVar(&eventsAddr, "events-addr", "127.0.0.1:9311", "Loopback address for the websocket event stream (empty disables)")
	rootCmd.Version = loomversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(workerBinary, metricsAddr, eventsAddr string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if daemon.IsRunning() {
		return fmt.Errorf("daemon is already running")
	}

	paths, err := config.EnsureInstanceDirs("")
	if err != nil {
		return fmt.Errorf("prepare instance directories: %w", err)
	}

	st, err := store.Open(store.Options{DBPath: paths.ConfigDB})
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	d, err := daemon.New(daemon.Options{
		Store:        st,
		Paths:        paths,
		WorkerBinary: workerBinary,
		MetricsAddr:  metricsAddr,
		EventsAddr:   eventsAddr,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- d.Start() }()

	log.Printf("Loom daemon started (PID: %d)", os.Getpid())
	log.Printf("Unix socket: %s", paths.Socket)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
		if err := <-errChan; err != nil {
			return err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			return err
		}
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureInstanceDirs("")
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}
	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	log.Printf("=== Loom Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
