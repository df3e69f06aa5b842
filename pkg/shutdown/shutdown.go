package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"chatsync/pkg/logger"
)

// SetupSignalHandler installs handlers for SIGINT/SIGTERM and returns a
// cancellable context. The returned context is cancelled when any of the
// watched signals arrives; cancel releases the watcher.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
		cancel()
	}()

	return ctx, cancel
}

// Abort logs a fatal startup error, writes a crash dump under the data dir
// and exits. The dump carries the goroutine stacks so a wedged store open
// or queue recovery can be diagnosed from the field.
func Abort(contextMsg string, err error, dataDir string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	path, derr := writeCrashDump(dataDir, contextMsg, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "failed to write crash dump: %v\n", derr)
	} else {
		logger.Info("crash_dump_written", "path", path)
		fmt.Fprintf(os.Stderr, "crash dump written: %s\n", path)
	}
	os.Exit(2)
}

func writeCrashDump(dataDir, reason string, cause error) (string, error) {
	dir := "./crash"
	if dataDir != "" {
		dir = filepath.Join(dataDir, "state", "crash")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".crash-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp crash file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %v\n", cause)
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])
	f.Sync()
	f.Close()

	path := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("move crash dump into place: %w", err)
	}
	os.Chmod(path, 0o600)
	return path, nil
}
