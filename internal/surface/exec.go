package surface

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// ExecConfig configures a subprocess-backed surface
type ExecConfig struct {
	Command string
	Args    []string
	// Marker is the line the subprocess prints when one response unit is
	// finished.
	Marker string
}

// Validate checks the config is valid
func (c *ExecConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Marker == "" {
		return fmt.Errorf("marker is required")
	}
	return nil
}

// ExecSurface drives a line-oriented interactive subprocess. Typed input
// accumulates in an input buffer; Submit writes it to the process's stdin
// as one line. Stdout lines accumulate into the current output unit until
// the marker line closes it.
type ExecSurface struct {
	config ExecConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	mu      sync.Mutex
	input   strings.Builder
	units   []string
	current strings.Builder
	exited  bool
}

// NewExecSurface creates the surface without starting the subprocess
func NewExecSurface(config ExecConfig) (*ExecSurface, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ExecSurface{config: config}, nil
}

// Start launches the subprocess and begins collecting its output
func (s *ExecSurface) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.config.Command, s.config.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Command, err)
	}

	s.cmd = cmd
	s.stdin = stdin

	go s.collect(stdout)
	return nil
}

func (s *ExecSurface) collect(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		s.mu.Lock()
		if line == s.config.Marker {
			s.units = append(s.units, strings.TrimRight(s.current.String(), "\n"))
			s.current.Reset()
		} else {
			s.current.WriteString(line)
			s.current.WriteString("\n")
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
	s.cmd.Wait()
}

// Close terminates the subprocess
func (s *ExecSurface) Close() error {
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Kill()
	}
	return nil
}

// EnsureInput verifies the subprocess is alive and writable
func (s *ExecSurface) EnsureInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.stdin == nil {
		return fmt.Errorf("%w: process not started", ErrNotFound)
	}
	if s.exited {
		return fmt.Errorf("%w: process exited", ErrNotFound)
	}
	return nil
}

// ClearInput discards any buffered, unsubmitted input
func (s *ExecSurface) ClearInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input.Reset()
	return nil
}

// TypeText appends one increment to the input buffer
func (s *ExecSurface) TypeText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input.WriteString(text)
	return nil
}

// Submit sends the buffered input to the subprocess as a single line.
// Newlines inside the input are flattened so one submission is one line.
// The buffer is kept: a caller retrying an unacknowledged submission sends
// the same line again, not an empty one. The next turn's ClearInput
// discards it.
func (s *ExecSurface) Submit(ctx context.Context) error {
	s.mu.Lock()
	line := strings.ReplaceAll(s.input.String(), "\n", " ")
	s.mu.Unlock()

	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// Busy reports whether a response unit is being produced right now
func (s *ExecSurface) Busy(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Len() > 0, nil
}

// OutputCount returns the number of completed response units
func (s *ExecSurface) OutputCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units), nil
}

// LatestOutput returns the in-progress unit when one exists, else the last
// completed unit.
func (s *ExecSurface) LatestOutput(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Len() > 0 {
		return strings.TrimRight(s.current.String(), "\n"), nil
	}
	if len(s.units) > 0 {
		return s.units[len(s.units)-1], nil
	}
	return "", nil
}
