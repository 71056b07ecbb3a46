package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/baseplate-os/baseplate/internal/config"
	_ "github.com/baseplate-os/baseplate/internal/modules"
	"github.com/baseplate-os/baseplate/internal/osmanager"
	baseplateversion "github.com/baseplate-os/baseplate/internal/version"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "baseplated",
		Short:         "BasePlate daemon - hosts asset OS modules and bridges them to Atlas Command",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to the configuration file")
	rootCmd.Version = baseplateversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	mgr, err := osmanager.New(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := mgr.Boot(ctx); err != nil {
		// Boot logs the structured failure line (phase + module).
		return err
	}

	log.Printf("BasePlate daemon started (PID: %d)", os.Getpid())
	if err := mgr.Run(ctx); err != nil {
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureDirs()
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "baseplated.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== BasePlate Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
