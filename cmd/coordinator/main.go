package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/barge/pkg/config"
	"github.com/cuemby/barge/pkg/coordinator"
	"github.com/cuemby/barge/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinator",
	Short:   "Shuffle lifecycle coordinator",
	Long:    `coordinator runs the shuffle lifecycle service that tracks partition locations on behalf of running Spark applications and drives worker slot reservation, partition splitting and stage-end reconciliation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coordinator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator's gRPC and health/metrics services",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		masterAddr, _ := cmd.Flags().GetString("master-addr")
		host, _ := cmd.Flags().GetString("advertise-host")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		httpAddr, _ := cmd.Flags().GetString("http-addr")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}
		if grpcAddr == "" {
			grpcAddr = fmt.Sprintf("0.0.0.0:%d", cfg.DriverMetaServicePort)
		}

		c, err := coordinator.New(cfg, masterAddr, host)
		if err != nil {
			return fmt.Errorf("create coordinator: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx, grpcAddr, httpAddr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutdown signal received")
			cancel()
			return <-errCh
		case err := <-errCh:
			cancel()
			return err
		}
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults applied when omitted)")
	serveCmd.Flags().String("master-addr", "127.0.0.1:8080", "Cluster master gRPC address")
	serveCmd.Flags().String("advertise-host", "localhost", "Host advertised to the master for worker callbacks")
	serveCmd.Flags().String("grpc-addr", "", "Address for the task-facing gRPC service (default 0.0.0.0:<driverMetaServicePort>)")
	serveCmd.Flags().String("http-addr", "0.0.0.0:19098", "Address for the health/metrics HTTP service")
}
