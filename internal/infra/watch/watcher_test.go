package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/internal/app/orchestrator"
)

func startWatcher(t *testing.T, dir string) (<-chan orchestrator.Trigger, context.CancelFunc, <-chan error) {
	t.Helper()
	w := New(dir, 50*time.Millisecond, "universe.json", "include.json", "exclude.json")
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan orchestrator.Trigger, 8)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, out) }()
	// fsnotify registration is synchronous inside Run; give it a moment to start.
	time.Sleep(50 * time.Millisecond)
	return out, cancel, done
}

func TestWatcherDebouncesWatchedFiles(t *testing.T) {
	dir := t.TempDir()
	triggers, cancel, done := startWatcher(t, dir)
	defer cancel()

	path := filepath.Join(dir, "universe.json")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))
	}

	select {
	case trig := <-triggers:
		require.Equal(t, "universe.json", trig.Artifact)
		require.Equal(t, "watch", trig.Source)
		require.False(t, trig.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger for universe.json")
	}

	select {
	case trig := <-triggers:
		t.Fatalf("burst should collapse into one trigger, got extra %+v", trig)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
	select {
	case _, open := <-triggers:
		require.True(t, open, "watcher must not close a channel it does not own")
	default:
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	triggers, cancel, _ := startWatcher(t, dir)
	defer cancel()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "active.json"), []byte("[]"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "connections.json"), []byte("[]"), 0o600))

	select {
	case trig := <-triggers:
		t.Fatalf("unexpected trigger %+v", trig)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "exclude.json"), []byte("[]"), 0o600))
	select {
	case trig := <-triggers:
		require.Equal(t, "exclude.json", trig.Artifact)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger for exclude.json")
	}
}

func TestWatcherFailsOnMissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "absent"), time.Millisecond, "universe.json")
	out := make(chan orchestrator.Trigger, 1)
	require.Error(t, w.Run(context.Background(), out))

	// the reload loop sharing out must keep running on other triggers
	out <- orchestrator.Trigger{Source: "http"}
	trig, open := <-out
	require.True(t, open)
	require.Equal(t, "http", trig.Source)
}
