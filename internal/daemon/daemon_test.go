package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/uds"
)

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon:  model.DaemonConfig{TickIntervalMs: 50, ShutdownTimeoutSec: 10},
		Logging: model.LoggingConfig{Level: "debug"},
	}

	d, err := newDaemon("/tmp/test-graphflow", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.dataDir != "/tmp/test-graphflow" {
		t.Errorf("dataDir: got %q, want %q", d.dataDir, "/tmp/test-graphflow")
	}
	if d.logLevel != model.LogLevelDebug {
		t.Errorf("logLevel: got %d, want %d", d.logLevel, model.LogLevelDebug)
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{ShutdownTimeoutSec: 1},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shutdown should be idempotent
	d.Shutdown()
	d.Shutdown() // second call should not panic
}

func TestRunReturnsAfterShutdownCommand(t *testing.T) {
	var buf bytes.Buffer
	dataDir := t.TempDir()
	cfg := model.Config{
		Daemon: model.DaemonConfig{TickIntervalMs: 20, ShutdownTimeoutSec: 2},
	}

	d, err := newDaemon(dataDir, cfg, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	// The daemon signals readiness by creating its socket; retry until the
	// shutdown command is accepted.
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = client.Shutdown()
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("shutdown command: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown command")
	}
}

func TestCleanupClosesWatcher(t *testing.T) {
	var buf bytes.Buffer
	d, err := newDaemon(t.TempDir(), model.Config{}, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	d.watcher = watcher

	d.cleanup()

	if err := watcher.Add(t.TempDir()); err == nil {
		t.Error("expected Add on a closed watcher to fail")
	}
}

func TestDaemonLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Logging: model.LoggingConfig{Level: "warn"},
	}

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Info should be filtered
	d.log(model.LogLevelInfo, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	// Warn should pass
	d.log(model.LogLevelWarn, "warning message")
	if !bytes.Contains(buf.Bytes(), []byte("WARN")) {
		t.Errorf("expected WARN in output, got: %s", buf.String())
	}
}

func TestDaemonNew_CreatesLogDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), ".graphflow")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatalf("create data dir: %v", err)
	}

	d, err := New(dataDir, model.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}

	if _, err := os.Stat(filepath.Join(dataDir, "logs")); err != nil {
		t.Errorf("expected log dir to be created: %v", err)
	}
}

func TestPrepareGoal(t *testing.T) {
	t.Run("missing thread", func(t *testing.T) {
		goal := model.Goal{Intent: "add planets"}
		if err := prepareGoal(&goal); err == nil {
			t.Error("expected error for missing thread_id")
		}
	})

	t.Run("empty goal", func(t *testing.T) {
		goal := model.Goal{ThreadID: "t1"}
		if err := prepareGoal(&goal); err == nil {
			t.Error("expected error for goal with no intent and no tasks")
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		goal := model.Goal{
			ThreadID: "t1",
			Tasks:    []model.Task{{ID: "task_1", Tool: "delete_everything"}},
		}
		if err := prepareGoal(&goal); err == nil {
			t.Error("expected error for unknown tool")
		}
	})

	t.Run("unknown dependency", func(t *testing.T) {
		goal := model.Goal{
			ThreadID: "t1",
			Tasks: []model.Task{
				{ID: "task_1", Tool: model.ToolCreateNode, BlockedBy: []string{"task_9"}},
			},
		}
		if err := prepareGoal(&goal); err == nil {
			t.Error("expected error for unknown dependency")
		}
	})

	t.Run("dependency cycle", func(t *testing.T) {
		goal := model.Goal{
			ThreadID: "t1",
			Tasks: []model.Task{
				{ID: "task_1", Tool: model.ToolCreateNode, BlockedBy: []string{"task_2"}},
				{ID: "task_2", Tool: model.ToolCreateEdge, BlockedBy: []string{"task_1"}},
			},
		}
		if err := prepareGoal(&goal); err == nil {
			t.Error("expected error for dependency cycle")
		}
	})

	t.Run("assigns id", func(t *testing.T) {
		goal := model.Goal{ThreadID: "t1", Intent: "add planets"}
		if err := prepareGoal(&goal); err != nil {
			t.Fatalf("prepareGoal: %v", err)
		}
		if !model.ValidateID(goal.ID) {
			t.Errorf("expected generated goal id, got %q", goal.ID)
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		goal := model.Goal{ID: "goal_0000000001_00000001", ThreadID: "t1", Intent: "x"}
		if err := prepareGoal(&goal); err != nil {
			t.Fatalf("prepareGoal: %v", err)
		}
		if goal.ID != "goal_0000000001_00000001" {
			t.Errorf("id changed: %q", goal.ID)
		}
	})

	t.Run("loop iteration defaults to one", func(t *testing.T) {
		goal := model.Goal{
			ThreadID: "t1",
			Intent:   "x",
			Metadata: model.GoalMeta{ContinuationLoop: true},
		}
		if err := prepareGoal(&goal); err != nil {
			t.Fatalf("prepareGoal: %v", err)
		}
		if goal.Metadata.Iteration != 1 {
			t.Errorf("iteration: got %d, want 1", goal.Metadata.Iteration)
		}
	})
}
