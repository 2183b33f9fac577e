// Package orchestrator owns the durable run state machine: the batch
// queue, the single-slot typing lock and the two named alarms that drive
// it. Every transition is re-entered through an alarm or an inbound worker
// message, never through a synchronous call chain, so a process restart is
// indistinguishable from a fresh tick of the same machine.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/turnstile-dev/turnstile/internal/alarm"
	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/notify"
	"github.com/turnstile-dev/turnstile/internal/protocol"
)

// ErrSurfaceUnavailable means no worker holding an automation surface is
// reachable; Start fails without taking the lock.
var ErrSurfaceUnavailable = errors.New("no automation surface reachable")

// ErrBusy means a task is already in flight
var ErrBusy = errors.New("a task is already in flight")

// Sender delivers messages to connected workers
type Sender interface {
	Send(workerID, msgType string, payload interface{}) error
	Workers() []string
}

// Store is the durable backing the state machine reads and writes.
// *statestore.Store satisfies it.
type Store interface {
	ControlState() (domain.OrchestrationState, error)
	UpdateControlState(fn func(*domain.OrchestrationState)) error
	ClearControlState() error
	ListBatches() ([]*domain.Batch, error)
	GetTasks(batchID string) ([]domain.Task, error)
	UpdateBatch(id string, fn func(*domain.Batch)) error
	AppendResult(r *domain.ResultRecord) (bool, error)
}

// Config tunes the orchestrator
type Config struct {
	// AdvanceDelay paces normal dispatch after a completed turn
	AdvanceDelay time.Duration
	// RetryBackoff paces dispatch after a forced unlock or dispatch error
	RetryBackoff time.Duration
	// TurnDeadline is the lock ceiling enforced by the watchdog
	TurnDeadline time.Duration
	// MaxTaskRetries bounds watchdog-forced retries of one task.
	// 0 retries the same task forever.
	MaxTaskRetries int
	// Preamble is the one-time handshake prompt sent on StartRun
	Preamble string
}

// DefaultConfig returns production pacing
func DefaultConfig() Config {
	return Config{
		AdvanceDelay: 5 * time.Second,
		RetryBackoff: 30 * time.Second,
		TurnDeadline: 5 * time.Minute,
	}
}

// Orchestrator is the control-process state machine
type Orchestrator struct {
	store    Store
	alarms   *alarm.Manager
	sender   Sender
	notifier notify.Notifier
	config   Config

	// Serializes handlers: alarm callbacks and inbound messages mutate the
	// same durable record.
	mu sync.Mutex

	onDrained func()
	onLog     func(line string)
}

// New creates an Orchestrator and registers its alarm handlers
func New(store Store, alarms *alarm.Manager, sender Sender, notifier notify.Notifier, config Config) *Orchestrator {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	o := &Orchestrator{
		store:    store,
		alarms:   alarms,
		sender:   sender,
		notifier: notifier,
		config:   config,
	}
	alarms.Register(alarm.Advance, o.onAdvance)
	alarms.Register(alarm.Watchdog, o.onWatchdogFired)
	alarms.Register(alarm.Handshake, o.onHandshakeDeadline)
	return o
}

// SetDrainedHook sets the callback fired once when the queue drains
func (o *Orchestrator) SetDrainedHook(fn func()) {
	o.onDrained = fn
}

// SetLogHook mirrors operator-facing log lines to fn
func (o *Orchestrator) SetLogHook(fn func(line string)) {
	o.onLog = fn
}

// Start begins or resumes a run. It validates a surface is reachable
// before touching durable state and never acquires the lock itself; the
// first dispatch does.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	workers := o.sender.Workers()
	if len(workers) == 0 {
		o.report(notify.NotifyError, "run not started", "no automation surface reachable", "")
		return ErrSurfaceUnavailable
	}

	state, err := o.store.ControlState()
	if err != nil {
		return err
	}
	if state.IsTyping {
		return ErrBusy
	}

	handle := workers[0]
	if err := o.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsProcessing = true
		s.SurfaceHandle = handle
	}); err != nil {
		return err
	}

	if !state.PromptSent {
		if err := o.sender.Send(handle, protocol.TypeStartRun, protocol.StartRunMessage{Preamble: o.config.Preamble}); err != nil {
			return fmt.Errorf("sending handshake: %w", err)
		}
		o.logf("run started, handshaking with %s", handle)
		// A worker whose preamble turn fails only reports a log line, so
		// the handshake gets its own deadline.
		return o.alarms.Set(alarm.Handshake, o.config.TurnDeadline)
	}

	o.logf("run resumed on %s", handle)
	return o.alarms.Set(alarm.Advance, o.config.AdvanceDelay)
}

// OnHandshakeComplete marks the one-time preamble done and schedules the
// first dispatch.
func (o *Orchestrator) OnHandshakeComplete(workerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.PromptSent = true
	}); err != nil {
		log.Printf("recording handshake: %v", err)
		return
	}

	o.alarms.Clear(alarm.Handshake)
	o.logf("handshake complete on %s", workerID)
	if err := o.alarms.Set(alarm.Advance, o.config.AdvanceDelay); err != nil {
		log.Printf("arming advance alarm: %v", err)
	}
}

// onHandshakeDeadline fires when a run is still handshaking past the turn
// deadline: the preamble turn failed or its worker is gone. The preamble is
// re-sent to a reachable worker and the deadline re-armed, so the run
// either completes the handshake eventually or keeps saying why it cannot.
func (o *Orchestrator) onHandshakeDeadline() {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.store.ControlState()
	if err != nil {
		log.Printf("reading control state: %v", err)
		return
	}
	if !state.IsProcessing || state.PromptSent {
		return
	}

	handle, err := o.acquireSurface(state.SurfaceHandle)
	if err != nil {
		o.report(notify.NotifyWarning, "handshake stalled", err.Error(), "")
		o.alarms.Set(alarm.Handshake, o.config.RetryBackoff)
		return
	}

	if err := o.sender.Send(handle, protocol.TypeStartRun, protocol.StartRunMessage{Preamble: o.config.Preamble}); err != nil {
		o.report(notify.NotifyWarning, "handshake stalled", err.Error(), "")
		o.alarms.Set(alarm.Handshake, o.config.RetryBackoff)
		return
	}

	o.report(notify.NotifyWarning, "handshake timed out", fmt.Sprintf("preamble re-sent to %s", handle), "")
	o.alarms.Set(alarm.Handshake, o.config.TurnDeadline)
}

func (o *Orchestrator) onAdvance() {
	o.dispatchNext()
}

// dispatchNext is the core scheduling decision: first incomplete batch in
// insertion order, task at its cursor. It is a no-op while the lock is
// held, which makes a second concurrent dispatch harmless.
func (o *Orchestrator) dispatchNext() {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.store.ControlState()
	if err != nil {
		log.Printf("reading control state: %v", err)
		return
	}
	if !state.IsProcessing || state.IsTyping {
		return
	}

	batches, err := o.store.ListBatches()
	if err != nil {
		o.backoff(fmt.Sprintf("listing batches: %v", err))
		return
	}

	var next *domain.Batch
	for _, b := range batches {
		if b.Status != domain.BatchComplete {
			next = b
			break
		}
	}
	if next == nil {
		o.finishRun()
		return
	}

	tasks, err := o.store.GetTasks(next.ID)
	if err != nil || len(tasks) == 0 || next.CurrentIndex >= len(tasks) {
		// Degraded skip: an empty or unreadable batch is marked complete so
		// the queue keeps moving.
		if uerr := o.store.UpdateBatch(next.ID, func(b *domain.Batch) {
			b.Status = domain.BatchComplete
		}); uerr != nil {
			o.backoff(fmt.Sprintf("skipping malformed batch %s: %v", next.ID, uerr))
			return
		}
		o.report(notify.NotifyWarning, "batch skipped", "payload empty or unreadable", next.ID)
		o.rearm(o.config.AdvanceDelay)
		return
	}

	task := tasks[next.CurrentIndex]

	// The persisted handle can be dead after a restart: empty when the
	// crash preceded any dispatch, or naming a worker that re-registered
	// under another id. Re-validate it against the connected set before
	// taking the lock, or dispatch retries a ghost forever.
	handle, err := o.acquireSurface(state.SurfaceHandle)
	if err != nil {
		o.backoff(err.Error())
		return
	}

	// Watchdog before lock: a crash between the two writes can only
	// produce a spurious firing, never a lock with no watchdog.
	if err := o.alarms.Set(alarm.Watchdog, o.config.TurnDeadline); err != nil {
		o.backoff(fmt.Sprintf("arming watchdog: %v", err))
		return
	}

	now := time.Now()
	if err := o.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsTyping = true
		s.TypingStartedAt = &now
		s.TypingBatchID = next.ID
		s.TypingTaskIndex = next.CurrentIndex
	}); err != nil {
		o.alarms.Clear(alarm.Watchdog)
		o.backoff(fmt.Sprintf("acquiring lock: %v", err))
		return
	}

	if next.Status == domain.BatchPending {
		if err := o.store.UpdateBatch(next.ID, func(b *domain.Batch) {
			b.Status = domain.BatchProcessing
		}); err != nil {
			log.Printf("marking batch %s processing: %v", next.ID, err)
		}
	}

	err = o.sender.Send(handle, protocol.TypeRunTask, protocol.RunTaskMessage{
		BatchID:   next.ID,
		TaskIndex: next.CurrentIndex,
		Task:      task,
	})
	if err != nil {
		if rerr := o.releaseLock(0); rerr != nil {
			// Lock write failed; the watchdog stays armed and unwedges it.
			log.Printf("releasing lock: %v", rerr)
			o.backoff(fmt.Sprintf("sending task to %s: %v", handle, err))
			return
		}
		o.alarms.Clear(alarm.Watchdog)
		o.backoff(fmt.Sprintf("sending task to %s: %v", handle, err))
		return
	}

	o.logf("dispatched %s [%d/%d] %s", next.ID, next.CurrentIndex+1, next.TotalCount, task.Title())
}

// OnTaskCompleted closes the in-flight turn. A completion whose batch or
// index no longer matches the lock is stale (the watchdog already forced a
// retry, or the run was reset) and is ignored entirely.
func (o *Orchestrator) OnTaskCompleted(msg protocol.TaskCompletedMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.store.ControlState()
	if err != nil {
		log.Printf("reading control state: %v", err)
		return
	}
	if !state.IsTyping || state.TypingBatchID != msg.BatchID || state.TypingTaskIndex != msg.TaskIndex {
		o.logf("ignoring stale completion for %s task %d", msg.BatchID, msg.TaskIndex)
		return
	}

	// Release before disarming: if the release write fails the watchdog is
	// still there to force-clear the lock, instead of leaving it held with
	// nothing armed until the next restart.
	if err := o.releaseLock(0); err != nil {
		log.Printf("releasing lock: %v", err)
		return
	}
	o.alarms.Clear(alarm.Watchdog)

	rec := recordFor(msg)
	if _, err := o.store.AppendResult(rec); err != nil {
		// The task still advances; a queue stuck on a sink error would
		// starve every batch behind it.
		o.report(notify.NotifyError, "result not recorded", err.Error(), msg.BatchID)
	}

	if err := o.advanceCursor(msg.BatchID); err != nil {
		o.backoff(fmt.Sprintf("advancing cursor for %s: %v", msg.BatchID, err))
		return
	}

	if rec.Note != "" {
		o.report(notify.NotifyWarning, "task completed degraded", rec.Note, msg.BatchID)
	} else {
		o.logf("completed %s task %d", msg.BatchID, msg.TaskIndex)
	}

	// The only place normal operation schedules the next dispatch
	o.rearm(o.config.AdvanceDelay)
}

// onWatchdogFired force-recovers a stuck turn. The cursor is not advanced:
// the same task is retried, indefinitely unless MaxTaskRetries bounds it.
func (o *Orchestrator) onWatchdogFired() {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.store.ControlState()
	if err != nil {
		log.Printf("reading control state: %v", err)
		return
	}
	if !state.IsTyping || state.TypingStartedAt == nil {
		return
	}

	age := time.Since(*state.TypingStartedAt)
	if age < o.config.TurnDeadline {
		// Fired early relative to the lock (re-arm after restart); wait out
		// the remainder.
		o.alarms.Set(alarm.Watchdog, o.config.TurnDeadline-age)
		return
	}

	batchID, index := state.TypingBatchID, state.TypingTaskIndex
	retries := state.RetryCount + 1

	if o.config.MaxTaskRetries > 0 && retries >= o.config.MaxTaskRetries {
		if err := o.releaseLock(0); err != nil {
			log.Printf("releasing lock: %v", err)
			return
		}
		rec := &domain.ResultRecord{
			BatchID:   batchID,
			TaskIndex: index,
			CreatedAt: time.Now(),
			Note:      fmt.Sprintf("abandoned after %d turn timeouts", retries),
		}
		if _, err := o.store.AppendResult(rec); err != nil {
			o.report(notify.NotifyError, "result not recorded", err.Error(), batchID)
		}
		if err := o.advanceCursor(batchID); err != nil {
			o.backoff(fmt.Sprintf("advancing cursor for %s: %v", batchID, err))
			return
		}
		o.report(notify.NotifyError, "task abandoned",
			fmt.Sprintf("task %d timed out %d times", index, retries), batchID)
		o.rearm(o.config.AdvanceDelay)
		return
	}

	if err := o.releaseLock(retries); err != nil {
		log.Printf("releasing lock: %v", err)
		return
	}
	o.report(notify.NotifyWarning, "turn timed out",
		fmt.Sprintf("forced unlock after %s; retrying task %d", age.Round(time.Second), index), batchID)
	o.rearm(o.config.RetryBackoff)
}

// Stop cancels both alarms and clears the whole control record,
// unconditionally and from any phase. The worker is told best-effort; an
// in-flight turn is abandoned, not interrupted.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.alarms.Clear(alarm.Advance)
	o.alarms.Clear(alarm.Watchdog)
	o.alarms.Clear(alarm.Handshake)

	state, err := o.store.ControlState()
	if err == nil && state.SurfaceHandle != "" {
		if serr := o.sender.Send(state.SurfaceHandle, protocol.TypeStopRun, protocol.StopRunMessage{Reason: "operator stop"}); serr != nil {
			log.Printf("stop_run not delivered: %v", serr)
		}
	}

	o.logf("run stopped")
	return o.store.ClearControlState()
}

// Recover resumes after a process restart using only the durable record.
// A held lock is left to the durable watchdog, which fires on its original
// schedule; a run between turns just gets its advance alarm back.
func (o *Orchestrator) Recover() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.store.ControlState()
	if err != nil {
		return err
	}
	if !state.IsProcessing {
		return nil
	}

	if state.IsTyping {
		armed, err := o.alarms.Armed(alarm.Watchdog)
		if err != nil {
			return err
		}
		if !armed {
			// Crash window between lock write and a cleared alarm table;
			// re-derive the deadline from the lock age.
			remaining := time.Second
			if state.TypingStartedAt != nil {
				if r := o.config.TurnDeadline - time.Since(*state.TypingStartedAt); r > remaining {
					remaining = r
				}
			}
			if err := o.alarms.Set(alarm.Watchdog, remaining); err != nil {
				return err
			}
		}
		o.logf("recovered with task in flight; watchdog armed")
		return nil
	}

	if !state.PromptSent {
		o.logf("recovered mid-handshake; preamble will be re-sent")
		return o.alarms.Set(alarm.Handshake, o.config.AdvanceDelay)
	}

	o.logf("recovered mid-run; resuming dispatch")
	return o.alarms.Set(alarm.Advance, o.config.AdvanceDelay)
}

// OnWorkerLog relays an observational log line from a worker
func (o *Orchestrator) OnWorkerLog(workerID, message string) {
	o.logf("worker %s: %s", workerID, message)
}

// OnWorkerGone is called when a worker disconnects. An in-flight turn is
// left to the watchdog; reconnection re-registers the surface handle on
// the next Start.
func (o *Orchestrator) OnWorkerGone(workerID string) {
	o.logf("worker %s disconnected", workerID)
}

// acquireSurface returns a connected worker handle, keeping the current one
// when it is still registered and persisting the switch when it is not.
func (o *Orchestrator) acquireSurface(current string) (string, error) {
	workers := o.sender.Workers()
	if len(workers) == 0 {
		return "", ErrSurfaceUnavailable
	}
	for _, w := range workers {
		if w == current {
			return current, nil
		}
	}

	handle := workers[0]
	if err := o.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.SurfaceHandle = handle
	}); err != nil {
		return "", fmt.Errorf("recording surface handle: %w", err)
	}
	o.logf("surface re-acquired on %s (was %q)", handle, current)
	return handle, nil
}

func (o *Orchestrator) releaseLock(retryCount int) error {
	return o.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsTyping = false
		s.TypingStartedAt = nil
		s.TypingBatchID = ""
		s.TypingTaskIndex = 0
		s.RetryCount = retryCount
	})
}

func (o *Orchestrator) advanceCursor(batchID string) error {
	return o.store.UpdateBatch(batchID, func(b *domain.Batch) {
		b.CurrentIndex++
		if b.CurrentIndex >= b.TotalCount {
			b.Status = domain.BatchComplete
		}
	})
}

func (o *Orchestrator) finishRun() {
	o.alarms.Clear(alarm.Advance)
	o.alarms.Clear(alarm.Watchdog)
	if err := o.store.ClearControlState(); err != nil {
		log.Printf("clearing control state: %v", err)
		return
	}
	o.report(notify.NotifySuccess, "queue drained", "all batches complete", "")
	if o.onDrained != nil {
		o.onDrained()
	}
}

func (o *Orchestrator) backoff(reason string) {
	log.Printf("%s; backing off", reason)
	o.rearm(o.config.RetryBackoff)
}

func (o *Orchestrator) rearm(d time.Duration) {
	if err := o.alarms.Set(alarm.Advance, d); err != nil {
		log.Printf("arming advance alarm: %v", err)
	}
}

func (o *Orchestrator) report(t notify.NotificationType, title, message, batchID string) {
	o.logf("%s: %s", title, message)
	if err := o.notifier.Send(notify.Notification{Title: title, Message: message, Type: t, BatchID: batchID}); err != nil {
		log.Printf("notification failed: %v", err)
	}
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	log.Print(line)
	if o.onLog != nil {
		o.onLog(line)
	}
}

func recordFor(msg protocol.TaskCompletedMessage) *domain.ResultRecord {
	rec := &domain.ResultRecord{
		BatchID:   msg.BatchID,
		TaskIndex: msg.TaskIndex,
		CreatedAt: time.Now(),
		Payload:   msg.Payload,
	}
	if msg.Result == nil {
		rec.Note = "turn produced no result"
		return rec
	}
	rec.Fields = msg.Result.Fields
	rec.Confidence = msg.Result.Confidence
	rec.Reasoning = msg.Result.Reasoning
	rec.Note = msg.Result.Note
	return rec
}
