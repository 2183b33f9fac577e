// Package worker is the disposable half of the system: it dials the
// control process, holds the automation surface, and executes one turn per
// dispatched task. It keeps no durable state; killing and restarting a
// worker loses nothing but the turn in flight, which the control process
// retries.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/protocol"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the control process before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// TurnRunner executes one turn against the automation surface
type TurnRunner interface {
	Run(ctx context.Context, input string) (*domain.TurnResult, error)
}

// Config configures the worker client
type Config struct {
	ServerURL string
	WorkerID  string
	// TurnTimeout is a local ceiling on one turn. It should exceed the
	// quiescence ceiling so the stability detector, not this, is the normal
	// failure path.
	TurnTimeout time.Duration
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	return nil
}

// Client connects to the control process and runs dispatched turns
type Client struct {
	config Config
	runner TurnRunner
	conn   *websocket.Conn
	mu     sync.Mutex

	// Turns are strictly serial; the control process never dispatches two
	// at once, but a retry after a forced unlock can overlap a turn still
	// draining locally.
	turnMu sync.Mutex

	// Cancels the turn in flight on stop_run
	currentMu     sync.Mutex
	currentCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a worker client running turns through runner
func NewClient(config Config, runner TurnRunner) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.TurnTimeout == 0 {
		config.TurnTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Connect establishes the connection and registers the worker
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.send(protocol.TypeRegister, protocol.RegisterMessage{
		WorkerID: c.config.WorkerID,
	})
}

// Run reads messages until the connection drops
func (c *Client) Run() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		c.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeStartRun:
			var msg protocol.StartRunMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid start_run message: %v", err)
				continue
			}
			go c.handleStartRun(msg)

		case protocol.TypeRunTask:
			var msg protocol.RunTaskMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid run_task message: %v", err)
				continue
			}
			go c.handleRunTask(msg)

		case protocol.TypeStopRun:
			var msg protocol.StopRunMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid stop_run message: %v", err)
				continue
			}
			log.Printf("run stopped by control process: %s", msg.Reason)
			c.cancelCurrentTurn()
		}
	}
}

// handleStartRun runs the one-time preamble turn and reports the handshake.
// A preamble failure is reported as a log line, not a handshake; the
// control process will resend start_run on the next Start.
func (c *Client) handleStartRun(msg protocol.StartRunMessage) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if msg.Preamble != "" {
		ctx, cancel := c.turnContext()
		_, err := c.runner.Run(ctx, msg.Preamble)
		cancel()
		c.clearCurrentTurn()
		if err != nil {
			log.Printf("preamble turn failed: %v", err)
			c.sendLog(fmt.Sprintf("preamble turn failed: %v", err))
			return
		}
	}

	if err := c.send(protocol.TypeHandshakeComplete, protocol.HandshakeCompleteMessage{
		WorkerID: c.config.WorkerID,
	}); err != nil {
		log.Printf("sending handshake_complete: %v", err)
	}
}

// handleRunTask executes one turn and always sends exactly one
// task_completed, degraded on error. A swallowed failure would leave the
// control process waiting on its watchdog for nothing.
func (c *Client) handleRunTask(msg protocol.RunTaskMessage) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	ctx, cancel := c.turnContext()
	result, err := c.runner.Run(ctx, taskInput(msg.Task))
	cancel()
	c.clearCurrentTurn()

	if err != nil {
		log.Printf("turn failed for %s task %d: %v", msg.BatchID, msg.TaskIndex, err)
		result = &domain.TurnResult{Note: err.Error()}
	}

	if err := c.send(protocol.TypeTaskCompleted, protocol.TaskCompletedMessage{
		BatchID:   msg.BatchID,
		TaskIndex: msg.TaskIndex,
		Result:    result,
		Payload:   msg.Task.Payload,
	}); err != nil {
		log.Printf("sending task_completed: %v", err)
	}
}

// taskInput renders a task payload as turn input. A bare JSON string is
// unwrapped; anything else goes through as its JSON text.
func taskInput(task domain.Task) string {
	var s string
	if err := json.Unmarshal(task.Payload, &s); err == nil {
		return s
	}
	return string(task.Payload)
}

func (c *Client) turnContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.TurnTimeout)
	c.currentMu.Lock()
	c.currentCancel = cancel
	c.currentMu.Unlock()
	return ctx, cancel
}

func (c *Client) clearCurrentTurn() {
	c.currentMu.Lock()
	c.currentCancel = nil
	c.currentMu.Unlock()
}

func (c *Client) cancelCurrentTurn() {
	c.currentMu.Lock()
	cancel := c.currentCancel
	c.currentMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) sendLog(message string) {
	if err := c.send(protocol.TypeLog, protocol.LogMessage{Message: message}); err != nil {
		log.Printf("sending log: %v", err)
	}
}

func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the client
func (c *Client) Stop() {
	c.cancel()
	c.cancelCurrentTurn()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// RunWithReconnect runs the client with automatic reconnection
func (c *Client) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		err := c.Connect()
		if err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("connection failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-c.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("connected to control process")

		err = c.Run()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		if err != nil {
			log.Printf("disconnected: %v", err)
		}

		select {
		case <-c.ctx.Done():
			return nil
		default:
		}
	}
}
