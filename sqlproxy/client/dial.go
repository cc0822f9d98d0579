package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/channel"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/host"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// Dialer starts a worker and returns the client end of its channel.
type Dialer interface {
	Dial(ctx context.Context) (channel.Endpoint[types.Command, types.Response], error)
}

// InProcessDialer runs each worker on a goroutine of the current process.
type InProcessDialer struct {
	Logger    *slog.Logger // Optional, defaults to slog.Default()
	FetchSize int          // Optional, defaults to 64
}

func (d InProcessDialer) Dial(ctx context.Context) (channel.Endpoint[types.Command, types.Response], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return host.Spawn(host.Config{Logger: d.Logger, FetchSize: d.FetchSize}), nil
}

// SubprocessDialer runs each worker as a child process speaking the
// channel protocol on its stdin and stdout. Path is typically the
// sqlite-worker binary.
type SubprocessDialer struct {
	Path        string
	Args        []string
	Codec       channel.Codec // Optional, defaults to CBOR
	GracePeriod time.Duration // Optional, defaults to 2s
	Logger      *slog.Logger  // Optional, defaults to slog.Default()
}

func (d SubprocessDialer) Dial(ctx context.Context) (channel.Endpoint[types.Command, types.Response], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codec := d.Codec
	if codec == nil {
		codec = channel.CBOR
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := d.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}

	args := append([]string{"-codec", codec.Name()}, d.Args...)
	// The worker outlives ctx, which only bounds the dial.
	cmd := exec.Command(d.Path, args...)
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", d.Path, err)
	}
	pid := cmd.Process.Pid
	logger.Debug("Worker process started", "pid", pid, "command", cmd.String())

	out := &stdoutReader{r: stdout, done: make(chan struct{})}
	closing := make(chan struct{})
	exited := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Info("Worker stderr", "pid", pid, "output", scanner.Text())
		}
		// Wait closes stdout, so it must not run while responses the
		// worker wrote before exiting are still unread.
		select {
		case <-out.done:
		case <-closing:
		}
		exited <- cmd.Wait()
	}()

	conn := &processConn{
		Reader:  out,
		stdin:   stdin,
		cmd:     cmd,
		closing: closing,
		exited:  exited,
		grace:   grace,
		logger:  logger,
	}
	return channel.NewStream[types.Command, types.Response](conn, codec), nil
}

// processConn joins a child's stdout and stdin into one stream. Closing it
// closes stdin, then kills the child if it has not exited within the
// grace period.
type processConn struct {
	io.Reader
	stdin   io.WriteCloser
	cmd     *exec.Cmd
	closing chan struct{}
	exited  chan error
	grace   time.Duration
	logger  *slog.Logger
	once    sync.Once
}

// stdoutReader closes done once a read from the child's stdout fails,
// which happens at EOF after the child exits.
type stdoutReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (s *stdoutReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if err != nil {
		s.once.Do(func() { close(s.done) })
	}
	return n, err
}

func (c *processConn) Write(b []byte) (int, error) {
	return c.stdin.Write(b)
}

func (c *processConn) Close() error {
	c.once.Do(func() {
		close(c.closing)
		c.stdin.Close()
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case err := <-c.exited:
			if err != nil {
				c.logger.Debug("Worker process exited with error", "pid", c.cmd.Process.Pid, "error", err)
			}
		case <-timer.C:
			c.logger.Warn("Worker process did not exit, killing it", "pid", c.cmd.Process.Pid)
			if err := c.cmd.Process.Kill(); err != nil {
				c.logger.Error("Failed to kill worker process", "pid", c.cmd.Process.Pid, "error", err)
				return
			}
			<-c.exited
		}
	})
	return nil
}
