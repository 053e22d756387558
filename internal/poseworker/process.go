package poseworker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/logging"
)

type ProcessOptions struct {
	Path string
	Args []string
	// StopTimeout is how long Close waits for a clean exit before killing.
	StopTimeout time.Duration
}

// process adapts a child's stdin/stdout to an io.ReadWriteCloser.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan error
	stop   time.Duration
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin so the worker can exit on EOF, then kills it if it
// has not exited within the stop timeout.
func (p *process) Close() error {
	err := p.stdin.Close()
	select {
	case werr := <-p.exited:
		return multierr.Append(err, ignoreExit(werr))
	case <-time.After(p.stop):
		kerr := p.cmd.Process.Kill()
		<-p.exited
		return multierr.Append(err, kerr)
	}
}

func ignoreExit(err error) error {
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}

// Spawn starts the worker executable and returns a Client speaking to it.
// The worker's stderr is forwarded to the logger line by line.
func Spawn(ctx context.Context, po ProcessOptions, opts Options, log *zap.Logger) (*Client, error) {
	log = logging.OrNop(log)
	if po.Path == "" {
		return nil, fmt.Errorf("pose worker path is required")
	}
	if po.StopTimeout <= 0 {
		po.StopTimeout = 2 * time.Second
	}

	cmd := exec.CommandContext(ctx, po.Path, po.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pose worker: %w", err)
	}

	wlog := log.Named("poseworker").With(zap.Int("pid", cmd.Process.Pid))
	wlog.Info("pose worker started", zap.String("path", po.Path))

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan error, 1), stop: po.StopTimeout}

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		forwardStderr(stderr, wlog)
	}()
	go func() {
		<-logged // Wait must not run before stderr is drained
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			wlog.Error("pose worker exited", zap.Error(err))
		} else {
			wlog.Info("pose worker exited")
		}
		p.exited <- err
	}()

	return New(p, opts, log), nil
}

func forwardStderr(r io.Reader, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			log.Error("worker", zap.String("line", line))
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			log.Warn("worker", zap.String("line", line))
		default:
			log.Debug("worker", zap.String("line", line))
		}
	}
}
