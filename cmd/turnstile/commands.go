package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turnstile-dev/turnstile/internal/alarm"
	"github.com/turnstile-dev/turnstile/internal/config"
	"github.com/turnstile-dev/turnstile/internal/export"
	"github.com/turnstile-dev/turnstile/internal/ingest"
	"github.com/turnstile-dev/turnstile/internal/notify"
	"github.com/turnstile-dev/turnstile/internal/orchestrator"
	"github.com/turnstile-dev/turnstile/internal/protocol"
	"github.com/turnstile-dev/turnstile/internal/statestore"
	"github.com/turnstile-dev/turnstile/tui"
	"github.com/turnstile-dev/turnstile/web/api"
)

var (
	resetAll    bool
	resetForce  bool
	deleteForce bool
	exportBatch string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control process",
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show run and queue status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	batchesCmd := &cobra.Command{
		Use:   "batches",
		Short: "List queued batches",
		RunE:  runBatches,
	}
	rootCmd.AddCommand(batchesCmd)

	ingestCmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Queue batches from manifest files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}
	rootCmd.AddCommand(ingestCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the run on the control process",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the run on the control process",
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	resetCmd := &cobra.Command{
		Use:   "reset [BATCH]",
		Short: "Rewind a batch (or all batches) to the beginning",
		RunE:  runReset,
	}
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every batch")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "reset even the batch with a task in flight")
	rootCmd.AddCommand(resetCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete BATCH",
		Short: "Delete a batch and its payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "delete even the batch with a task in flight")
	rootCmd.AddCommand(deleteCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export harvested results to CSV",
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportBatch, "batch", "", "export only this batch")
	rootCmd.AddCommand(exportCmd)

	clearResultsCmd := &cobra.Command{
		Use:   "clear-results",
		Short: "Delete all harvested results",
		RunE:  runClearResults,
	}
	rootCmd.AddCommand(clearResultsCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the terminal dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func openStore(cfg *config.Config) (*statestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return statestore.New(cfg.General.DatabasePath)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	notifiers := []notify.Notifier{notify.LogNotifier{}}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	return notify.NewMultiNotifier(notifiers...)
}

// hubHandler bridges the worker hub to the orchestrator. The indirection
// exists because the hub needs a handler at construction and the
// orchestrator needs the hub as its sender.
type hubHandler struct {
	o *orchestrator.Orchestrator
}

func (h *hubHandler) OnHandshakeComplete(workerID string) { h.o.OnHandshakeComplete(workerID) }
func (h *hubHandler) OnTaskCompleted(msg protocol.TaskCompletedMessage) {
	h.o.OnTaskCompleted(msg)
}
func (h *hubHandler) OnWorkerLog(workerID, message string) { h.o.OnWorkerLog(workerID, message) }
func (h *hubHandler) OnWorkerGone(workerID string)         { h.o.OnWorkerGone(workerID) }

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := buildNotifier(cfg)
	alarms := alarm.New(store, cfg.Run.AlarmPoll())

	handler := &hubHandler{}
	hub := orchestrator.NewHub(orchestrator.HubConfig{}, handler)

	o := orchestrator.New(store, alarms, hub, notifier, orchestrator.Config{
		AdvanceDelay:   cfg.Run.AdvanceDelay(),
		RetryBackoff:   cfg.Run.RetryBackoff(),
		TurnDeadline:   cfg.Run.TurnDeadline(),
		MaxTaskRetries: cfg.Run.MaxTaskRetries,
		Preamble:       cfg.Run.Preamble,
	})
	handler.o = o

	o.SetDrainedHook(func() {
		records, err := store.ListResults("")
		if err != nil {
			log.Printf("export after drain: %v", err)
			return
		}
		path, err := export.WriteFile(cfg.Export.Dir, records, time.Now())
		if err != nil {
			log.Printf("export after drain: %v", err)
			return
		}
		log.Printf("exported %d records to %s", len(records), path)
	})

	if err := o.Recover(); err != nil {
		return fmt.Errorf("recovering run state: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, o, hub.HandleWebSocket, cfg.Export.Dir, addr)
	o.SetLogHook(func(line string) {
		server.Broadcast(api.SSEEvent{Type: "log", Data: line})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Run.Schedule != "" {
		sched, err := orchestrator.NewSchedule(cfg.Run.Schedule, o)
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", cfg.Run.Schedule, err)
		}
		sched.Start()
		defer sched.Stop()
		log.Printf("scheduled runs: %s", cfg.Run.Schedule)
	}

	if cfg.Ingest.WatchDir != "" {
		if err := os.MkdirAll(cfg.Ingest.WatchDir, 0755); err != nil {
			return err
		}
		watcher, err := ingest.NewWatcher(store, cfg.Ingest.WatchDir, nil)
		if err != nil {
			return fmt.Errorf("watching %s: %w", cfg.Ingest.WatchDir, err)
		}
		watcher.Start(ctx)
		defer watcher.Stop()
		log.Printf("watching %s for manifests", cfg.Ingest.WatchDir)
	}

	log.Printf("control process listening on %s", addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alarms.Run(ctx) })
	g.Go(func() error { return hub.RunHeartbeat(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.ControlState()
	if err != nil {
		return err
	}

	fmt.Printf("Phase: %s\n", state.Phase())
	if state.IsTyping {
		fmt.Printf("In flight: %s task %d on %s", state.TypingBatchID, state.TypingTaskIndex, state.SurfaceHandle)
		if state.RetryCount > 0 {
			fmt.Printf(" (retry %d)", state.RetryCount)
		}
		fmt.Println()
	}

	batches, err := store.ListBatches()
	if err != nil {
		return err
	}

	var total, done int
	for _, b := range batches {
		total += b.TotalCount
		done += b.CurrentIndex
	}
	fmt.Printf("Batches: %d, tasks %d/%d complete\n", len(batches), done, total)
	return nil
}

func runBatches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	batches, err := store.ListBatches()
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batches queued")
		return nil
	}

	for _, b := range batches {
		fmt.Printf("%-28s %-24s %4d/%-4d %s\n", b.ID, b.Name, b.CurrentIndex, b.TotalCount, b.Status)
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, path := range args {
		batch, err := ingest.ImportFile(store, path)
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s as %s (%d tasks)\n", path, batch.ID, batch.TotalCount)
	}
	return nil
}

// apiPost drives the running control process over its HTTP API
func apiPost(cfg *config.Config, path string) error {
	url := fmt.Sprintf("http://%s:%d%s", cfg.Web.Host, cfg.Web.Port, path)
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("control process not reachable at %s (is 'turnstile run' running?): %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := apiPost(cfg, "/api/start"); err != nil {
		return err
	}
	fmt.Println("Run started")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := apiPost(cfg, "/api/stop"); err != nil {
		return err
	}
	fmt.Println("Run stopped")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if resetAll {
		if err := orchestrator.ResetAll(store, resetForce); err != nil {
			return err
		}
		fmt.Println("All batches reset")
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("batch ID required (or --all)")
	}
	if err := orchestrator.ResetBatch(store, args[0], resetForce); err != nil {
		return err
	}
	fmt.Printf("Batch %s reset\n", args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := orchestrator.DeleteBatch(store, args[0], deleteForce); err != nil {
		return err
	}
	fmt.Printf("Batch %s deleted\n", args[0])
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListResults(exportBatch)
	if err != nil {
		return err
	}

	path, err := export.WriteFile(cfg.Export.Dir, records, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d records to %s\n", len(records), path)
	return nil
}

func runClearResults(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ClearResults(); err != nil {
		return err
	}
	fmt.Println("Results cleared")
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p := tea.NewProgram(tui.NewModel(store, nil), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
