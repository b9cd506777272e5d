// Package supervisor starts and stops the process tree the HTTP edge
// depends on: the Redis broker (when nothing is listening yet) and one
// worker subprocess. A broker the supervisor did not start is never
// touched on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"offliner/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	dialTimeout    = 1 * time.Second
	startupProbes  = 50
	probeInterval  = 100 * time.Millisecond
	shutdownGrace  = 5 * time.Second
	reapPollPeriod = 100 * time.Millisecond
)

// Supervisor owns the broker and worker subprocesses it launched.
type Supervisor struct {
	mu         sync.Mutex
	broker     *exec.Cmd
	worker     *exec.Cmd
	ownsBroker bool
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// EnsureBroker makes sure a broker is accepting connections at REDIS_URL,
// starting one when the port is closed. It waits up to five seconds for a
// freshly started broker to come up.
func (s *Supervisor) EnsureBroker(ctx context.Context) error {
	addr, err := brokerAddr()
	if err != nil {
		return err
	}

	if portOpen(addr) {
		slog.Info("Broker already running", "addr", addr)
		return nil
	}

	path, err := locate(config.RedisServerPath)
	if err != nil {
		return fmt.Errorf("broker not running and %s not found: %w", config.RedisServerPath, err)
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid broker address %q: %w", addr, err)
	}

	cmd := exec.Command(path, "--port", port, "--save", "", "--appendonly", "no")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	s.mu.Lock()
	s.broker = cmd
	s.ownsBroker = true
	s.mu.Unlock()

	// Reap the broker whenever it exits so liveness checks see it go.
	go cmd.Wait()

	for i := 0; i < startupProbes; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
		if portOpen(addr) {
			slog.Info("Broker started", "addr", addr, "pid", cmd.Process.Pid)
			return nil
		}
	}
	return fmt.Errorf("broker did not accept connections on %s within %v",
		addr, time.Duration(startupProbes)*probeInterval)
}

// StartWorker launches one worker subprocess with the broker location in
// its environment. Worker exit is logged, not restarted; a crashing worker
// points at a bug, not a transient.
func (s *Supervisor) StartWorker() error {
	path, err := locate(config.WorkerCommand)
	if err != nil {
		return fmt.Errorf("worker binary %s not found: %w", config.WorkerCommand, err)
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), "REDIS_URL="+config.RedisURL)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	s.mu.Lock()
	s.worker = cmd
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil {
			slog.Error("Worker exited", "pid", cmd.Process.Pid, "error", err)
			return
		}
		slog.Info("Worker exited cleanly", "pid", cmd.Process.Pid)
	}()

	slog.Info("Worker started", "pid", cmd.Process.Pid, "path", path)
	return nil
}

// Shutdown terminates owned processes: SIGTERM first, SIGKILL after the
// grace period. The worker goes down before the broker so in-flight jobs
// can still publish their terminal state.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	worker, broker, ownsBroker := s.worker, s.broker, s.ownsBroker
	s.worker, s.broker = nil, nil
	s.mu.Unlock()

	if worker != nil {
		terminate("worker", worker)
	}
	if broker != nil && ownsBroker {
		terminate("broker", broker)
	}
}

func terminate(name string, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	slog.Info("Stopping process", "name", name, "pid", pid)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		if !alive(cmd) {
			return
		}
		time.Sleep(reapPollPeriod)
	}
	slog.Warn("Process did not stop in time, killing", "name", name, "pid", pid)
	cmd.Process.Kill()
}

// alive reports whether the process still accepts signal 0. The Wait
// goroutine reaps the worker; the broker is only ever waited on here.
func alive(cmd *exec.Cmd) bool {
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// brokerAddr extracts host:port from the configured broker URL.
func brokerAddr() (string, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return "", fmt.Errorf("invalid redis URL: %w", err)
	}
	return opts.Addr, nil
}

func portOpen(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// locate finds an executable: explicit paths are used as-is, bare names
// are tried next to the running binary first and on PATH second.
func locate(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}

	if exe, err := os.Executable(); err == nil {
		local := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return local, nil
		}
	}
	return exec.LookPath(name)
}
