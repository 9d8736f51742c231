package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/server"
)

// ServerCmd starts the HTTP API, the WebSocket hub and the worker pool
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   logger.SymPulse + " Start the segpulse server",
	Long: `Serve the job API and the notification hub, and process jobs.

Running jobs left behind by a previous crash are failed as interrupted at
startup. The first Ctrl+C drains gracefully; a second one exits at once.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Server logs at Info unless asked for more
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
		logger.SetVerbosity(verbosity)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.Server.Port
	if serverPort != 0 {
		port = serverPort
	}
	dbPath := cfg.Database.Path
	if serverDBPath != "" {
		dbPath = serverDBPath
	}

	database, err := openDatabase(cfg, dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	printStartupBanner(cfg, verbosity, dbPath, port)

	srv, err := server.New(cfg, database, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		srv.Stop()
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
