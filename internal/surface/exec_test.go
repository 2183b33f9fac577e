package surface

import (
	"context"
	"testing"
	"time"
)

// startEcho runs the surface over cat, which echoes every submitted line.
func startEcho(t *testing.T) *ExecSurface {
	t.Helper()
	s, err := NewExecSurface(ExecConfig{Command: "cat", Marker: "---"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func awaitOutput(t *testing.T, s *ExecSurface, want string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		var err error
		got, err = s.LatestOutput(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output = %q, want %q", got, want)
}

func TestExecConfig_Validate(t *testing.T) {
	if _, err := NewExecSurface(ExecConfig{Marker: "---"}); err == nil {
		t.Error("missing command accepted")
	}
	if _, err := NewExecSurface(ExecConfig{Command: "cat"}); err == nil {
		t.Error("missing marker accepted")
	}
}

func TestSubmit_SendsBufferedInputAsOneLine(t *testing.T) {
	s := startEcho(t)
	ctx := context.Background()

	s.TypeText(ctx, "classify: broken")
	s.TypeText(ctx, " usb hub")
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	awaitOutput(t, s, "classify: broken usb hub")
}

// A submission the surface never acknowledged is retried; the retry must
// carry the original line, not an emptied buffer.
func TestSubmit_RetryResendsSameLine(t *testing.T) {
	s := startEcho(t)
	ctx := context.Background()

	s.TypeText(ctx, "classify: widget")
	if err := s.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatal(err)
	}

	awaitOutput(t, s, "classify: widget\nclassify: widget")
}

func TestClearInput_DropsSubmittedBuffer(t *testing.T) {
	s := startEcho(t)
	ctx := context.Background()

	s.TypeText(ctx, "first")
	if err := s.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	awaitOutput(t, s, "first")

	// Next turn starts clean
	s.ClearInput(ctx)
	s.TypeText(ctx, "second")
	if err := s.Submit(ctx); err != nil {
		t.Fatal(err)
	}

	awaitOutput(t, s, "first\nsecond")
}

func TestMarkerClosesUnit(t *testing.T) {
	s := startEcho(t)
	ctx := context.Background()

	s.TypeText(ctx, "hello")
	if err := s.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	awaitOutput(t, s, "hello")

	// cat echoes the marker line back, closing the unit
	s.ClearInput(ctx)
	s.TypeText(ctx, "---")
	if err := s.Submit(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := s.OutputCount(ctx); n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := s.OutputCount(ctx); n != 1 {
		t.Fatalf("OutputCount = %d, want 1", n)
	}
	out, err := s.LatestOutput(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("LatestOutput() = %q, want the closed unit", out)
	}
}
