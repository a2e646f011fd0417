package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jankeirse/patroni"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patroni [config.yml]",
		Short: "HA supervisor for a replicated PostgreSQL cluster",
		Long: fmt.Sprintf("Runs beside a PostgreSQL instance and drives it through role\n"+
			"transitions so that exactly one healthy node holds the leader lease.\n\n"+
			"The configuration is read from the given file, or from the %s\n"+
			"environment variable when no file is given.", patroni.ConfigEnvVar),
		Args: cobra.MaximumNArgs(1),
		RunE: run,
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Set up logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	config, err := patroni.LoadConfig(path)
	if err != nil {
		return err
	}

	supervisor, err := patroni.New(config)
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := supervisor.Run(); err != nil {
			log.Fatalf("Supervisor failed: %v", err)
		}
	}()

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	supervisor.Shutdown()
	log.Println("Shutdown complete")
	return nil
}
