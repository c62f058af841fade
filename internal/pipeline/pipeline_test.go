package pipeline

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"streamnode/internal/platform/logger"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestProcess_Args(t *testing.T) {
	p := NewProcess(3, 8084, Format{Width: 1920, Height: 1080, Framerate: 30}, Config{
		Command: "enc --id {id} --size {width}x{height}@{framerate} udp://{host}:{port}",
		Host:    "10.0.0.5",
	})
	got := p.Args()
	want := []string{"enc", "--id", "3", "--size", "1920x1080@30", "udp://10.0.0.5:8084"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want EventKind
	}{
		{"ERROR: from element /GstPipeline:pipeline0/GstUDPSink:udpsink0", EventError},
		{"Got EOS from element \"pipeline0\".", EventEndOfStream},
		{"Setting pipeline to PLAYING ...", EventState},
		{"Redistribute latency...", EventInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			if got := ClassifyLine(tt.line); got != tt.want {
				t.Errorf("ClassifyLine(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestProcess_lifecycle(t *testing.T) {
	requireTool(t, "sleep")

	p := NewProcess(1, 9000, Format{}, Config{
		Command:      "sleep 30",
		Host:         "127.0.0.1",
		StartupGrace: 50 * time.Millisecond,
		StopTimeout:  time.Second,
		Log:          logger.Discard(),
	})
	if p.IsActive() {
		t.Error("expected inactive before Start")
	}
	if p.StreamURL() != "" {
		t.Errorf("expected empty URL before Start, got %q", p.StreamURL())
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.IsActive() {
		t.Error("expected active after Start")
	}
	if got := p.StreamURL(); got != "udp://127.0.0.1:9000" {
		t.Errorf("expected udp://127.0.0.1:9000, got %q", got)
	}

	start := time.Now()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Stop took %v", time.Since(start))
	}
	if p.IsActive() {
		t.Error("expected inactive after Stop")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestProcess_Start_failures(t *testing.T) {
	t.Run("missing_binary", func(t *testing.T) {
		p := NewProcess(1, 9000, Format{}, Config{
			Command: "definitely-not-an-encoder-binary",
			Log:     logger.Discard(),
		})
		if err := p.Start(); !errors.Is(err, ErrStart) {
			t.Fatalf("expected ErrStart, got %v", err)
		}
		if p.IsActive() {
			t.Error("failed pipeline must not be active")
		}
		if err := p.Stop(); err != nil {
			t.Errorf("Stop after failed Start: %v", err)
		}
	})

	t.Run("empty_command", func(t *testing.T) {
		p := NewProcess(1, 9000, Format{}, Config{Log: logger.Discard()})
		if err := p.Start(); !errors.Is(err, ErrStart) {
			t.Fatalf("expected ErrStart, got %v", err)
		}
	})

	t.Run("exits_during_grace", func(t *testing.T) {
		requireTool(t, "false")
		p := NewProcess(1, 9000, Format{}, Config{
			Command:      "false",
			StartupGrace: time.Second,
			Log:          logger.Discard(),
		})
		if err := p.Start(); !errors.Is(err, ErrStart) {
			t.Fatalf("expected ErrStart, got %v", err)
		}
		if p.StreamURL() != "" {
			t.Error("failed pipeline must not report a URL")
		}
	})
}

func TestProcess_exit_after_start_is_inactive(t *testing.T) {
	requireTool(t, "sleep")

	p := NewProcess(1, 9000, Format{}, Config{
		Command:      "sleep 0.2",
		StartupGrace: 20 * time.Millisecond,
		Log:          logger.Discard(),
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	deadline := time.Now().Add(3 * time.Second)
	for p.IsActive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.IsActive() {
		t.Error("expected inactive after the process exited")
	}
}

func TestProcess_Stop_with_orphaned_output(t *testing.T) {
	requireTool(t, "sh")
	requireTool(t, "sleep")

	// The background sleep inherits stdout and stderr and outlives the
	// encoder it was started by.
	script := filepath.Join(t.TempDir(), "encoder.sh")
	body := "#!/bin/sh\nsleep 10 &\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	p := NewProcess(1, 9000, Format{}, Config{
		Command:      script,
		StartupGrace: 50 * time.Millisecond,
		StopTimeout:  time.Second,
		Log:          logger.Discard(),
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung on output held open by a child process")
	}
	if p.IsActive() {
		t.Error("expected inactive after Stop")
	}
}
