package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
)

// stdioTransport launches a child process and speaks one JSON value per
// line: requests on the child's stdin, replies on its stdout. Stderr is
// captured and logged, never parsed.
type stdioTransport struct {
	spec TransportSpec

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

var _ Transport = (*stdioTransport)(nil)

func newStdioTransport(spec TransportSpec) *stdioTransport {
	return &stdioTransport{spec: spec}
}

func (t *stdioTransport) Kind() TransportKind { return TransportStdio }

func (t *stdioTransport) Start(ctx context.Context, handler MessageHandler, onClose CloseHandler) error {
	cmd := exec.Command(t.spec.Command, t.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &core.TransportError{Op: "start", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &core.TransportError{Op: "start", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &core.TransportError{Op: "start", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &core.TransportError{Op: "start", Err: err}
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.closed = false
	t.mu.Unlock()

	go t.logStderr(ctx, stderr)
	go t.readLoop(ctx, stdout, handler, onClose)
	return nil
}

func (t *stdioTransport) readLoop(ctx context.Context, stdout io.Reader, handler MessageHandler, onClose CloseHandler) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)
		handler(msg)
	}

	err := scanner.Err()
	waitErr := t.cmd.Wait()

	t.mu.Lock()
	closedLocally := t.closed
	t.mu.Unlock()

	switch {
	case closedLocally:
		onClose(nil)
	case err != nil:
		onClose(&core.TransportError{Op: "read", Err: err})
	case waitErr != nil:
		onClose(&core.TransportError{Op: "read", Err: fmt.Errorf("process exited: %w", waitErr)})
	default:
		onClose(&core.TransportError{Op: "read", Err: errors.New("process closed stdout")})
	}
}

func (t *stdioTransport) logStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debug(ctx, "Tool server stderr",
			tag.Command, t.spec.Command,
			"line", scanner.Text(),
		)
	}
}

func (t *stdioTransport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil || t.closed {
		return &core.TransportError{Op: "send", Err: errors.New("transport not started")}
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return &core.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}
