package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherHotReload(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "log:\n  level: info\n")

	changes := make(chan string, 4)
	watcher, err := NewWatcher(path, WithDebounce(10*time.Millisecond), OnChange(func(s *Settings) {
		changes <- s.Log.Level
	}))
	require.NoError(t, err)
	defer watcher.Close()

	initial, err := watcher.Start()
	require.NoError(t, err)
	require.Equal(t, "info", initial.Log.Level)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	select {
	case level := <-changes:
		require.Equal(t, "debug", level)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher reload")
	}
}

func TestWatcherReportsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "log:\n  level: info\n")

	errs := make(chan error, 4)
	watcher, err := NewWatcher(path, WithDebounce(10*time.Millisecond), OnError(func(err error) {
		errs <- err
	}), OnChange(func(*Settings) { t.Error("invalid settings must not be applied") }))
	require.NoError(t, err)
	defer watcher.Close()
	_, err = watcher.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600))
	select {
	case err := <-errs:
		require.ErrorContains(t, err, "log.level")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}

func TestNewWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher("")
	require.Error(t, err)
}
