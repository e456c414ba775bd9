package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultTerminateTimeout bounds the wait between SIGTERM and Kill.
const DefaultTerminateTimeout = 5 * time.Second

// ErrNoExecutable is returned by Start when no client path is configured.
var ErrNoExecutable = errors.New("no client executable configured")

// ClientLauncher starts the visualisation client as a child process and
// stops it again. Launching is best effort: callers log a failed Start and
// carry on, since the client may already be running on its own.
type ClientLauncher struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewClientLauncher returns a launcher for path with the given arguments.
func NewClientLauncher(path string, args ...string) *ClientLauncher {
	return &ClientLauncher{Path: path, Args: args}
}

// Start launches the client. It is a no-op while a previous launch is
// still running.
func (l *ClientLauncher) Start() error {
	if l.Path == "" {
		return ErrNoExecutable
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runningLocked() {
		return nil
	}
	path, err := exec.LookPath(l.Path)
	if err != nil {
		return fmt.Errorf("client executable: %w", err)
	}
	cmd := exec.Command(path, l.Args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	done := make(chan struct{})
	l.cmd, l.done, l.err = cmd, done, nil
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(done)
	}()
	diagf("launched client %s (pid %d)", path, cmd.Process.Pid)
	return nil
}

// Running reports whether a launched client has not yet exited.
func (l *ClientLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

func (l *ClientLauncher) runningLocked() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// PID returns the process id of the launched client, or 0.
func (l *ClientLauncher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Terminate asks the client to exit with SIGTERM, waits up to timeout,
// then kills it. It returns once the process has been reaped or a second
// timeout has passed after the kill.
func (l *ClientLauncher) Terminate(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}
	l.mu.Lock()
	cmd, done := l.cmd, l.done
	l.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		opsf("SIGTERM client pid %d: %v", cmd.Process.Pid, err)
	}
	select {
	case <-done:
		diagf("client pid %d exited", cmd.Process.Pid)
		return nil
	case <-time.After(timeout):
	}

	opsf("client pid %d ignored SIGTERM for %s, killing", cmd.Process.Pid, timeout)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill client: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("client pid %d did not exit after kill", cmd.Process.Pid)
	}
}
