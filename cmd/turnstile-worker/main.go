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

	"github.com/turnstile-dev/turnstile/internal/config"
	"github.com/turnstile-dev/turnstile/internal/quiesce"
	"github.com/turnstile-dev/turnstile/internal/surface"
	"github.com/turnstile-dev/turnstile/internal/turn"
	"github.com/turnstile-dev/turnstile/internal/worker"
)

var (
	configPath string
	serverURL  string
	workerID   string

	rootCmd = &cobra.Command{
		Use:   "turnstile-worker",
		Short: "Turnstile worker - holds the automation surface and runs turns",
		Long: `The worker owns the interactive automation surface and executes one
turn at a time on behalf of the control process. It is disposable: kill
it and start another, the control process re-dispatches the task in
flight.`,
		RunE: runWorker,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "control process WebSocket URL (overrides config)")
	rootCmd.Flags().StringVar(&workerID, "id", "", "worker ID (defaults to hostname)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}

	url := serverURL
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d/ws", cfg.Web.Host, cfg.Web.Port)
	}

	id := workerID
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("worker ID required (--id) when hostname unavailable: %w", err)
		}
		id = hostname
	}

	surf, err := surface.NewExecSurface(surface.ExecConfig{
		Command: cfg.Surface.Command,
		Args:    cfg.Surface.Args,
		Marker:  cfg.Surface.Marker,
	})
	if err != nil {
		return fmt.Errorf("invalid surface config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := surf.Start(ctx); err != nil {
		return fmt.Errorf("starting surface %q: %w", cfg.Surface.Command, err)
	}
	defer surf.Close()

	runner := turn.NewRunner(surf, turn.Config{
		ChunkSize:      cfg.Turn.ChunkSize,
		PauseMin:       time.Duration(cfg.Turn.PauseMinMillis) * time.Millisecond,
		PauseMax:       time.Duration(cfg.Turn.PauseMaxMillis) * time.Millisecond,
		SubmitAttempts: cfg.Turn.SubmitAttempts,
		AcceptWindow:   time.Duration(cfg.Turn.AcceptWindowSecs) * time.Second,
		PollInterval:   time.Duration(cfg.Turn.PollIntervalMillis) * time.Millisecond,
		Quiescence: quiesce.Options{
			Interval:  time.Duration(cfg.Turn.StabilityIntervalSecs) * time.Second,
			Threshold: cfg.Turn.StabilityThreshold,
			Ceiling:   time.Duration(cfg.Turn.StabilityCeilingSecs) * time.Second,
		},
	})

	client, err := worker.NewClient(worker.Config{
		ServerURL: url,
		WorkerID:  id,
	}, runner)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		client.Stop()
	}()

	log.Printf("worker %s connecting to %s", id, url)
	return client.RunWithReconnect()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
