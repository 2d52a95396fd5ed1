package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbus-dev/agentbus"
	"github.com/agentbus-dev/agentbus/internal/observability"
	"github.com/agentbus-dev/agentbus/pkg/config"
	obs "github.com/agentbus-dev/agentbus/pkg/observability"
)

// Version is set via ldflags.
var Version = "dev"

var (
	configFile  string
	listenAddr  string
	metricsPort int
	rateLimit   float64
)

var rootCmd = &cobra.Command{
	Use:   "agentbus",
	Short: "Message-routing substrate for agent applications",
	Long: `agentbus routes typed messages between agents, locally or across a
host/worker cluster. The host subcommand runs the relay that workers
connect to.`,
	SilenceUsage: true,
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the relay host workers connect to",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentbus version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentbus %s\n", Version)
	},
}

func init() {
	hostCmd.Flags().StringVar(&configFile, "config", os.Getenv("AGENTBUS_CONFIG"), "configuration file (YAML)")
	hostCmd.Flags().StringVar(&listenAddr, "listen", "", "relay listen address (overrides config)")
	hostCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "health and metrics port (overrides config)")
	hostCmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "frames per second accepted per worker (0 = unlimited)")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(versionCmd)
}

func runHost() error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listenAddr != "" {
		cfg.Host.ListenAddr = listenAddr
	}
	if metricsPort != 0 {
		cfg.MetricsPort = metricsPort
	}
	if rateLimit != 0 {
		cfg.Host.WorkerRateLimit = rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Printf("Starting agentbus host %s", Version)

	if cfg.EnableTracing {
		if err := observability.InitFromEnv(); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
	}

	obs.InitMetrics()
	healthChecker := obs.InitHealthChecker()
	healthChecker.RegisterCheck(obs.PingCheck())

	host := agentbus.NewHost(cfg.Host.ListenAddr,
		agentbus.WithWorkerRateLimit(cfg.Host.WorkerRateLimit, cfg.Host.WorkerRateBurst),
	)
	if err := host.Start(); err != nil {
		return err
	}
	healthChecker.RegisterCheck(obs.RelayCheck(func(ctx context.Context) error {
		if host.Addr() == "" {
			return fmt.Errorf("relay not listening")
		}
		return nil
	}))

	obsServer := obs.NewServer(cfg.MetricsPort)
	errChan := make(chan error, 1)
	go func() {
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("observability server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down host...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := host.Close(); err != nil {
		log.Printf("Host shutdown error: %v", err)
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("Observability server shutdown error: %v", err)
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Host stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
