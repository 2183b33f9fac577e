package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/turnstile-dev/turnstile/internal/alarm"
	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/notify"
	"github.com/turnstile-dev/turnstile/internal/protocol"
	"github.com/turnstile-dev/turnstile/internal/statestore"
)

type sentMessage struct {
	WorkerID string
	Type     string
	Payload  interface{}
}

type fakeSender struct {
	mu      sync.Mutex
	workers []string
	sent    []sentMessage
	fail    bool
}

func (f *fakeSender) Send(workerID, msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("worker unreachable")
	}
	f.sent = append(f.sent, sentMessage{workerID, msgType, payload})
	return nil
}

func (f *fakeSender) Workers() []string { return f.workers }

func (f *fakeSender) sentOfType(msgType string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type testRig struct {
	store    *statestore.Store
	alarms   *alarm.Manager
	sender   *fakeSender
	orch     *Orchestrator
	drained  int
}

func newRig(t *testing.T, config Config) *testRig {
	t.Helper()
	store, err := statestore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	alarms := alarm.New(store, time.Hour) // never polled; handlers invoked directly
	sender := &fakeSender{workers: []string{"worker-1"}}
	rig := &testRig{store: store, alarms: alarms, sender: sender}
	rig.orch = New(store, alarms, sender, notify.NoopNotifier{}, config)
	rig.orch.SetDrainedHook(func() { rig.drained++ })
	return rig
}

func testConfig() Config {
	return Config{
		AdvanceDelay: 10 * time.Millisecond,
		RetryBackoff: 20 * time.Millisecond,
		TurnDeadline: 5 * time.Minute,
	}
}

func (r *testRig) addBatch(t *testing.T, id string, taskCount int) {
	t.Helper()
	var tasks []domain.Task
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, domain.Task{
			Index:        i,
			Payload:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			DisplayTitle: fmt.Sprintf("task-%d", i),
		})
	}
	b := &domain.Batch{ID: id, Name: id, TotalCount: taskCount, Status: domain.BatchPending, CreatedAt: time.Now()}
	if err := r.store.AddBatch(b, tasks); err != nil {
		t.Fatal(err)
	}
}

func (r *testRig) startRun(t *testing.T) {
	t.Helper()
	if err := r.orch.Start(); err != nil {
		t.Fatal(err)
	}
	r.orch.OnHandshakeComplete("worker-1")
}

func (r *testRig) state(t *testing.T) domain.OrchestrationState {
	t.Helper()
	state, err := r.store.ControlState()
	if err != nil {
		t.Fatal(err)
	}
	return state
}

func (r *testRig) ageLock(t *testing.T, by time.Duration) {
	t.Helper()
	past := time.Now().Add(-by)
	if err := r.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.TypingStartedAt = &past
	}); err != nil {
		t.Fatal(err)
	}
}

func (r *testRig) complete(batchID string, index int) {
	r.orch.OnTaskCompleted(protocol.TaskCompletedMessage{
		BatchID:   batchID,
		TaskIndex: index,
		Result:    &domain.TurnResult{Fields: map[string]string{"entity": "x"}, Confidence: 0.8},
	})
}

func TestStart_SurfaceUnavailable(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.sender.workers = nil

	err := rig.orch.Start()
	if !errors.Is(err, ErrSurfaceUnavailable) {
		t.Fatalf("Start() = %v, want ErrSurfaceUnavailable", err)
	}

	// State unchanged, no lock taken
	state := rig.state(t)
	if state.IsProcessing || state.IsTyping {
		t.Errorf("state mutated on failed start: %+v", state)
	}
}

func TestStart_HandshakeThenDispatchScheduled(t *testing.T) {
	rig := newRig(t, testConfig())

	if err := rig.orch.Start(); err != nil {
		t.Fatal(err)
	}

	state := rig.state(t)
	if !state.IsProcessing {
		t.Error("IsProcessing not set")
	}
	if state.SurfaceHandle != "worker-1" {
		t.Errorf("SurfaceHandle = %q", state.SurfaceHandle)
	}
	if got := rig.sender.sentOfType(protocol.TypeStartRun); len(got) != 1 {
		t.Fatalf("start_run sent %d times, want 1", len(got))
	}

	rig.orch.OnHandshakeComplete("worker-1")
	state = rig.state(t)
	if !state.PromptSent {
		t.Error("PromptSent not recorded")
	}
	armed, err := rig.alarms.Armed(alarm.Advance)
	if err != nil {
		t.Fatal(err)
	}
	if !armed {
		t.Error("advance alarm not armed after handshake")
	}
}

func TestStart_BusyGuard(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)
	rig.startRun(t)
	rig.orch.dispatchNext()

	if err := rig.orch.Start(); !errors.Is(err, ErrBusy) {
		t.Errorf("Start() while typing = %v, want ErrBusy", err)
	}
}

func TestDispatch_AtMostOneInFlight(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 3)
	rig.startRun(t)

	rig.orch.dispatchNext()

	state := rig.state(t)
	if !state.IsTyping || state.TypingStartedAt == nil {
		t.Fatalf("lock not acquired: %+v", state)
	}
	if state.TypingBatchID != "b1" || state.TypingTaskIndex != 0 {
		t.Errorf("lock identity = %s/%d, want b1/0", state.TypingBatchID, state.TypingTaskIndex)
	}
	if armed, _ := rig.alarms.Armed(alarm.Watchdog); !armed {
		t.Error("watchdog not armed with the lock")
	}

	b, _ := rig.store.GetBatch("b1")
	if b.Status != domain.BatchProcessing {
		t.Errorf("batch status = %q, want processing", b.Status)
	}

	// A second dispatch while the lock is held is a no-op
	rig.orch.dispatchNext()
	if got := rig.sender.sentOfType(protocol.TypeRunTask); len(got) != 1 {
		t.Errorf("run_task sent %d times, want 1", len(got))
	}
}

// The concrete scenario: three tasks, one watchdog-forced retry in the
// middle, drain fires exactly once.
func TestScenario_ThreeTasksWithForcedRetry(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 3)
	rig.startRun(t)

	// Task 0 completes normally
	rig.orch.dispatchNext()
	rig.complete("b1", 0)

	b, _ := rig.store.GetBatch("b1")
	if b.CurrentIndex != 1 {
		t.Fatalf("cursor = %d after task 0, want 1", b.CurrentIndex)
	}
	if recs, _ := rig.store.ListResults("b1"); len(recs) != 1 {
		t.Fatalf("results = %d after task 0, want 1", len(recs))
	}

	// Task 1: watchdog fires before completion
	rig.orch.dispatchNext()
	rig.ageLock(t, 10*time.Minute)
	rig.orch.onWatchdogFired()

	state := rig.state(t)
	if state.IsTyping {
		t.Fatal("lock still held after watchdog")
	}
	if state.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", state.RetryCount)
	}
	b, _ = rig.store.GetBatch("b1")
	if b.CurrentIndex != 1 {
		t.Fatalf("cursor advanced by watchdog: %d", b.CurrentIndex)
	}

	// Retry dispatches the same task index
	rig.orch.dispatchNext()
	runs := rig.sender.sentOfType(protocol.TypeRunTask)
	last := runs[len(runs)-1].Payload.(protocol.RunTaskMessage)
	if last.TaskIndex != 1 {
		t.Fatalf("retry dispatched index %d, want 1", last.TaskIndex)
	}
	rig.complete("b1", 1)

	// Task 2 completes; batch complete
	rig.orch.dispatchNext()
	rig.complete("b1", 2)

	b, _ = rig.store.GetBatch("b1")
	if b.CurrentIndex != 3 || b.Status != domain.BatchComplete {
		t.Fatalf("batch end state: index=%d status=%q", b.CurrentIndex, b.Status)
	}

	// Queue drained exactly once
	rig.orch.dispatchNext()
	if rig.drained != 1 {
		t.Fatalf("drained hook fired %d times, want 1", rig.drained)
	}
	state = rig.state(t)
	if state.IsProcessing {
		t.Error("state not cleared after drain")
	}

	rig.orch.dispatchNext()
	if rig.drained != 1 {
		t.Errorf("drained hook fired again: %d", rig.drained)
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 2)
	rig.startRun(t)

	rig.orch.dispatchNext()
	rig.ageLock(t, 10*time.Minute)
	rig.orch.onWatchdogFired()

	// Late completion for the force-retried turn arrives while unlocked
	rig.complete("b1", 0)

	b, _ := rig.store.GetBatch("b1")
	if b.CurrentIndex != 0 {
		t.Errorf("stale completion advanced cursor to %d", b.CurrentIndex)
	}
	if recs, _ := rig.store.ListResults("b1"); len(recs) != 0 {
		t.Errorf("stale completion appended %d results", len(recs))
	}

	// Completion for the wrong index while locked is also stale
	rig.orch.dispatchNext()
	rig.complete("b1", 1)

	b, _ = rig.store.GetBatch("b1")
	if b.CurrentIndex != 0 {
		t.Errorf("mismatched completion advanced cursor to %d", b.CurrentIndex)
	}

	// The matching completion still lands
	rig.complete("b1", 0)
	b, _ = rig.store.GetBatch("b1")
	if b.CurrentIndex != 1 {
		t.Errorf("cursor = %d after valid completion, want 1", b.CurrentIndex)
	}
}

func TestWatchdog_EarlyFireReArms(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)
	rig.startRun(t)
	rig.orch.dispatchNext()

	// Lock is fresh: the watchdog waits out the remainder instead of
	// forcing an unlock.
	rig.orch.onWatchdogFired()

	state := rig.state(t)
	if !state.IsTyping {
		t.Error("fresh lock force-cleared by early watchdog")
	}
	if armed, _ := rig.alarms.Armed(alarm.Watchdog); !armed {
		t.Error("watchdog not re-armed for the remainder")
	}
}

func TestEmptyBatchDegradedSkip(t *testing.T) {
	rig := newRig(t, testConfig())

	b := &domain.Batch{ID: "empty", Name: "empty", TotalCount: 0, Status: domain.BatchPending, CreatedAt: time.Now()}
	if err := rig.store.AddBatch(b, nil); err != nil {
		t.Fatal(err)
	}
	rig.addBatch(t, "b2", 1)
	rig.startRun(t)

	rig.orch.dispatchNext()

	got, _ := rig.store.GetBatch("empty")
	if got.Status != domain.BatchComplete {
		t.Errorf("empty batch status = %q, want complete", got.Status)
	}
	if state := rig.state(t); state.IsTyping {
		t.Error("lock acquired for empty batch")
	}
	if recs, _ := rig.store.ListResults("empty"); len(recs) != 0 {
		t.Error("empty batch produced results")
	}

	// The next dispatch moves on to the real batch
	rig.orch.dispatchNext()
	runs := rig.sender.sentOfType(protocol.TypeRunTask)
	if len(runs) != 1 || runs[0].Payload.(protocol.RunTaskMessage).BatchID != "b2" {
		t.Errorf("dispatch after skip = %+v", runs)
	}
}

func TestBatchOrderStrict(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "first", 1)
	rig.addBatch(t, "second", 1)
	rig.startRun(t)

	rig.orch.dispatchNext()
	rig.complete("first", 0)
	rig.orch.dispatchNext()
	rig.complete("second", 0)

	runs := rig.sender.sentOfType(protocol.TypeRunTask)
	if len(runs) != 2 {
		t.Fatalf("run_task count = %d, want 2", len(runs))
	}
	if runs[0].Payload.(protocol.RunTaskMessage).BatchID != "first" ||
		runs[1].Payload.(protocol.RunTaskMessage).BatchID != "second" {
		t.Errorf("batches dispatched out of insertion order: %+v", runs)
	}
}

func TestRetryExhaustionAdvancesCursor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTaskRetries = 2
	rig := newRig(t, cfg)
	rig.addBatch(t, "b1", 2)
	rig.startRun(t)

	// First timeout: retry
	rig.orch.dispatchNext()
	rig.ageLock(t, 10*time.Minute)
	rig.orch.onWatchdogFired()

	b, _ := rig.store.GetBatch("b1")
	if b.CurrentIndex != 0 {
		t.Fatalf("cursor advanced on first timeout: %d", b.CurrentIndex)
	}

	// Second timeout: give up, degraded record, cursor advances
	rig.orch.dispatchNext()
	rig.ageLock(t, 10*time.Minute)
	rig.orch.onWatchdogFired()

	b, _ = rig.store.GetBatch("b1")
	if b.CurrentIndex != 1 {
		t.Fatalf("cursor = %d after retry exhaustion, want 1", b.CurrentIndex)
	}
	recs, _ := rig.store.ListResults("b1")
	if len(recs) != 1 {
		t.Fatalf("results = %d, want 1 degraded record", len(recs))
	}
	if recs[0].Note == "" || len(recs[0].Fields) != 0 {
		t.Errorf("degraded record = %+v", recs[0])
	}
	if state := rig.state(t); state.RetryCount != 0 {
		t.Errorf("RetryCount = %d after giving up, want 0", state.RetryCount)
	}
}

func TestDegradedCompletionNeverDropsTask(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)
	rig.startRun(t)
	rig.orch.dispatchNext()

	// Worker reports a turn that produced nothing at all
	rig.orch.OnTaskCompleted(protocol.TaskCompletedMessage{BatchID: "b1", TaskIndex: 0})

	recs, _ := rig.store.ListResults("b1")
	if len(recs) != 1 {
		t.Fatalf("results = %d, want 1 placeholder", len(recs))
	}
	if recs[0].Note == "" {
		t.Error("placeholder record carries no note")
	}
	b, _ := rig.store.GetBatch("b1")
	if b.CurrentIndex != 1 {
		t.Errorf("cursor = %d, want 1", b.CurrentIndex)
	}
}

func TestStop_ClearsEverything(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)
	rig.startRun(t)
	rig.orch.dispatchNext()

	if err := rig.orch.Stop(); err != nil {
		t.Fatal(err)
	}

	state := rig.state(t)
	if state.IsProcessing || state.IsTyping {
		t.Errorf("state survives stop: %+v", state)
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); armed {
		t.Error("advance alarm survives stop")
	}
	if armed, _ := rig.alarms.Armed(alarm.Watchdog); armed {
		t.Error("watchdog survives stop")
	}
	if got := rig.sender.sentOfType(protocol.TypeStopRun); len(got) != 1 {
		t.Errorf("stop_run sent %d times, want 1", len(got))
	}
}

func TestDispatchSendFailureBacksOff(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)
	rig.startRun(t)

	rig.sender.fail = true
	rig.orch.dispatchNext()

	state := rig.state(t)
	if state.IsTyping {
		t.Error("lock held after failed send")
	}
	if armed, _ := rig.alarms.Armed(alarm.Watchdog); armed {
		t.Error("watchdog armed after failed send")
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); !armed {
		t.Error("advance alarm not armed for retry")
	}
}

func TestRecover_BetweenTurns(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsProcessing = true
		s.PromptSent = true
	})

	if err := rig.orch.Recover(); err != nil {
		t.Fatal(err)
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); !armed {
		t.Error("advance alarm not re-armed on recovery")
	}
}

func TestRecover_WithLockHeldReArmsMissingWatchdog(t *testing.T) {
	rig := newRig(t, testConfig())
	now := time.Now()
	rig.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsProcessing = true
		s.PromptSent = true
		s.IsTyping = true
		s.TypingStartedAt = &now
		s.TypingBatchID = "b1"
	})

	if err := rig.orch.Recover(); err != nil {
		t.Fatal(err)
	}
	if armed, _ := rig.alarms.Armed(alarm.Watchdog); !armed {
		t.Error("missing watchdog not re-armed on recovery")
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); armed {
		t.Error("advance alarm armed while a task is in flight")
	}
}

func TestDispatch_ReacquiresSurfaceAfterRestart(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)

	// Crash before any dispatch: the record is processing with no handle
	rig.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsProcessing = true
		s.PromptSent = true
	})

	rig.orch.dispatchNext()

	runs := rig.sender.sentOfType(protocol.TypeRunTask)
	if len(runs) != 1 || runs[0].WorkerID != "worker-1" {
		t.Fatalf("dispatch after restart = %+v, want one run_task to worker-1", runs)
	}
	if state := rig.state(t); state.SurfaceHandle != "worker-1" {
		t.Errorf("SurfaceHandle = %q, want worker-1", state.SurfaceHandle)
	}
}

func TestDispatch_SwitchesFromDeadHandle(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 2)
	rig.startRun(t)
	rig.orch.dispatchNext()
	rig.complete("b1", 0)

	// The worker reconnected under a new id between turns
	rig.sender.workers = []string{"worker-2"}
	rig.orch.dispatchNext()

	runs := rig.sender.sentOfType(protocol.TypeRunTask)
	if last := runs[len(runs)-1]; last.WorkerID != "worker-2" {
		t.Errorf("dispatched to %q, want worker-2", last.WorkerID)
	}
	if state := rig.state(t); state.SurfaceHandle != "worker-2" {
		t.Errorf("SurfaceHandle = %q, want worker-2", state.SurfaceHandle)
	}
}

func TestDispatch_NoWorkersConnectedBacksOff(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)
	rig.startRun(t)

	rig.sender.workers = nil
	rig.orch.dispatchNext()

	if state := rig.state(t); state.IsTyping {
		t.Error("lock taken with no worker connected")
	}
	if armed, _ := rig.alarms.Armed(alarm.Watchdog); armed {
		t.Error("watchdog armed with no worker connected")
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); !armed {
		t.Error("advance alarm not armed for retry")
	}
}

type faultStore struct {
	Store
	failUpdates bool
}

func (f *faultStore) UpdateControlState(fn func(*domain.OrchestrationState)) error {
	if f.failUpdates {
		return errors.New("disk full")
	}
	return f.Store.UpdateControlState(fn)
}

// A completion whose lock-release write fails must leave the watchdog
// armed, so the held lock is force-cleared on schedule instead of waiting
// for a restart.
func TestCompletionReleaseFailureLeavesWatchdogArmed(t *testing.T) {
	store, err := statestore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fs := &faultStore{Store: store}
	alarms := alarm.New(store, time.Hour)
	sender := &fakeSender{workers: []string{"worker-1"}}
	orch := New(fs, alarms, sender, notify.NoopNotifier{}, testConfig())

	b := &domain.Batch{ID: "b1", Name: "b1", TotalCount: 1, Status: domain.BatchPending, CreatedAt: time.Now()}
	tasks := []domain.Task{{Index: 0, Payload: json.RawMessage(`{"n":0}`), DisplayTitle: "task-0"}}
	if err := store.AddBatch(b, tasks); err != nil {
		t.Fatal(err)
	}

	if err := orch.Start(); err != nil {
		t.Fatal(err)
	}
	orch.OnHandshakeComplete("worker-1")
	orch.dispatchNext()

	fs.failUpdates = true
	orch.OnTaskCompleted(protocol.TaskCompletedMessage{
		BatchID: "b1", TaskIndex: 0,
		Result: &domain.TurnResult{Fields: map[string]string{"entity": "x"}},
	})

	state, _ := store.ControlState()
	if !state.IsTyping {
		t.Fatal("lock gone despite failed release write")
	}
	if armed, _ := alarms.Armed(alarm.Watchdog); !armed {
		t.Fatal("watchdog disarmed while the lock is still held")
	}
	if recs, _ := store.ListResults("b1"); len(recs) != 0 {
		t.Fatalf("results recorded past a failed release: %d", len(recs))
	}

	// Store recovers; the redelivered completion closes the turn normally
	fs.failUpdates = false
	orch.OnTaskCompleted(protocol.TaskCompletedMessage{
		BatchID: "b1", TaskIndex: 0,
		Result: &domain.TurnResult{Fields: map[string]string{"entity": "x"}},
	})

	state, _ = store.ControlState()
	if state.IsTyping {
		t.Error("lock held after successful completion")
	}
	if armed, _ := alarms.Armed(alarm.Watchdog); armed {
		t.Error("watchdog armed after successful completion")
	}
	got, _ := store.GetBatch("b1")
	if got.CurrentIndex != 1 {
		t.Errorf("cursor = %d, want 1", got.CurrentIndex)
	}
}

func TestHandshakeDeadlineResendsPreamble(t *testing.T) {
	cfg := testConfig()
	cfg.Preamble = "tickets incoming"
	rig := newRig(t, cfg)
	rig.addBatch(t, "b1", 1)

	if err := rig.orch.Start(); err != nil {
		t.Fatal(err)
	}
	if armed, _ := rig.alarms.Armed(alarm.Handshake); !armed {
		t.Fatal("handshake deadline not armed by Start")
	}

	// The preamble turn died worker-side; only a log line came back
	rig.orch.onHandshakeDeadline()

	starts := rig.sender.sentOfType(protocol.TypeStartRun)
	if len(starts) != 2 {
		t.Fatalf("start_run sent %d times, want 2", len(starts))
	}
	if got := starts[1].Payload.(protocol.StartRunMessage).Preamble; got != "tickets incoming" {
		t.Errorf("re-sent preamble = %q", got)
	}
	if armed, _ := rig.alarms.Armed(alarm.Handshake); !armed {
		t.Error("handshake deadline not re-armed")
	}

	rig.orch.OnHandshakeComplete("worker-1")
	if armed, _ := rig.alarms.Armed(alarm.Handshake); armed {
		t.Error("handshake deadline survives the handshake")
	}

	// After the handshake the deadline handler is inert
	rig.orch.onHandshakeDeadline()
	if got := rig.sender.sentOfType(protocol.TypeStartRun); len(got) != 2 {
		t.Errorf("start_run re-sent after handshake: %d", len(got))
	}
}

func TestHandshakeDeadlineNoWorkerKeepsRetrying(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.addBatch(t, "b1", 1)

	if err := rig.orch.Start(); err != nil {
		t.Fatal(err)
	}

	rig.sender.workers = nil
	rig.orch.onHandshakeDeadline()

	if got := rig.sender.sentOfType(protocol.TypeStartRun); len(got) != 1 {
		t.Errorf("start_run sent %d times with no worker, want the original 1", len(got))
	}
	if armed, _ := rig.alarms.Armed(alarm.Handshake); !armed {
		t.Error("handshake deadline not re-armed while waiting for a worker")
	}
}

func TestRecover_MidHandshake(t *testing.T) {
	rig := newRig(t, testConfig())
	rig.store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsProcessing = true
	})

	if err := rig.orch.Recover(); err != nil {
		t.Fatal(err)
	}
	if armed, _ := rig.alarms.Armed(alarm.Handshake); !armed {
		t.Error("handshake deadline not armed on mid-handshake recovery")
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); armed {
		t.Error("advance alarm armed before the handshake completed")
	}
}

func TestRecover_Idle(t *testing.T) {
	rig := newRig(t, testConfig())
	if err := rig.orch.Recover(); err != nil {
		t.Fatal(err)
	}
	if armed, _ := rig.alarms.Armed(alarm.Advance); armed {
		t.Error("idle recovery armed an alarm")
	}
}
