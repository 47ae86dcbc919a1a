package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/resplendentdata/syncagent/internal/statestore"
)

// pidScript writes $$ to pidFile once, then either heartbeats to fd 3 on
// an interval or just sleeps silently, depending on heartbeat.
func pidScript(t *testing.T, pidFile string, heartbeat bool) CommandFactory {
	t.Helper()
	var body string
	if heartbeat {
		body = fmt.Sprintf(`echo $$ > %s; while true; do printf 'x' >&3; sleep 0.05; done`, pidFile)
	} else {
		body = fmt.Sprintf(`echo $$ > %s; sleep 30`, pidFile)
	}
	return func() *exec.Cmd {
		return exec.Command("sh", "-c", body)
	}
}

func readPID(t *testing.T, pidFile string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(pidFile)
		if err == nil && len(b) > 0 {
			return string(b)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid file %s was never written", pidFile)
	return ""
}

func TestHeartbeatingWorkerIsNotRestarted(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")

	sv := New(pidScript(t, pidFile, true), nil)
	sv.WatchdogTimeout = 300 * time.Millisecond
	sv.Cooldown = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()
	go sv.Run(ctx)

	first := readPID(t, pidFile)
	time.Sleep(700 * time.Millisecond)
	second := readPID(t, pidFile)

	if first != second {
		t.Fatalf("worker was restarted despite heartbeating: pid %s then %s", first, second)
	}
}

func TestSilentWorkerIsRestartedOnWatchdogTimeout(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")

	sv := New(pidScript(t, pidFile, false), nil)
	sv.WatchdogTimeout = 200 * time.Millisecond
	sv.Cooldown = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	go sv.Run(ctx)

	first := readPID(t, pidFile)
	os.Remove(pidFile)

	deadline := time.Now().Add(1200 * time.Millisecond)
	var second string
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(pidFile); err == nil && len(b) > 0 {
			second = string(b)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if second == "" {
		t.Fatalf("worker was never relaunched after watchdog timeout")
	}
	if first == second {
		t.Fatalf("expected a new pid after a watchdog restart, got the same one: %s", first)
	}
}

func TestRestartCommandTriggersImmediateRelaunch(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	dbPath := filepath.Join(dir, "state.db")

	store, err := statestore.New(dbPath)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}

	sv := New(pidScript(t, pidFile, true), store)
	sv.WatchdogTimeout = 10 * time.Second // long enough that only the command triggers restart
	sv.Cooldown = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sv.Run(ctx)

	first := readPID(t, pidFile)
	os.Remove(pidFile)

	if err := store.SetAgentCommand("restart"); err != nil {
		t.Fatalf("SetAgentCommand: %v", err)
	}

	second := readPID(t, pidFile)
	if first == second {
		t.Fatalf("expected a new pid after a restart command, got the same one: %s", first)
	}

	cmd, err := store.AgentCommand()
	if err != nil {
		t.Fatalf("AgentCommand: %v", err)
	}
	if cmd != "continue" {
		t.Fatalf("expected agent_commands to revert to continue, got %q", cmd)
	}
}
