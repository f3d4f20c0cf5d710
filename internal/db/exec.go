package db

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

const maxCapturedOutput = 64 << 10

// outputCapture keeps the tail of a tool's output and streams every line to
// the logger.
type outputCapture struct {
	mu      sync.Mutex
	buf     []byte
	partial []byte
	log     zerolog.Logger
	tool    string
}

func newOutputCapture(log zerolog.Logger, tool string) *outputCapture {
	return &outputCapture{log: log, tool: tool}
}

func (c *outputCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, p...)
	if len(c.buf) > maxCapturedOutput {
		c.buf = append([]byte(nil), c.buf[len(c.buf)-maxCapturedOutput:]...)
	}

	c.partial = append(c.partial, p...)
	for {
		idx := bytes.IndexByte(c.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(c.partial[:idx], "\r")
		if len(line) > 0 {
			c.log.Debug().Str("tool", c.tool).Msg(string(line))
		}
		c.partial = c.partial[idx+1:]
	}
	if len(c.partial) > maxCapturedOutput {
		c.partial = c.partial[:0]
	}
	return len(p), nil
}

func (c *outputCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(bytes.TrimSpace(c.buf))
}

func command(ctx context.Context, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	return cmd
}

// runWithStdout runs the tool and copies its stdout into dest.
func runWithStdout(ctx context.Context, log zerolog.Logger, name string, args []string, dest io.Writer) error {
	cmd := command(ctx, name, args)
	capture := newOutputCapture(log, name)
	cmd.Stdout = dest
	cmd.Stderr = capture
	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: name, Err: contextErr(ctx, err), Output: capture.String()}
	}
	return nil
}

// runWithStdin runs the tool feeding src on stdin. Both stdout and stderr
// are captured.
func runWithStdin(ctx context.Context, log zerolog.Logger, name string, args []string, src io.Reader) error {
	cmd := command(ctx, name, args)
	capture := newOutputCapture(log, name)
	cmd.Stdout = capture
	cmd.Stderr = capture
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return &ToolError{Tool: name, Err: err}
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdin, src)
		closeErr := stdin.Close()
		if err == nil {
			err = closeErr
		}
		copyErr <- err
	}()

	waitErr := cmd.Wait()
	feedErr := <-copyErr
	if waitErr != nil {
		return &ToolError{Tool: name, Err: contextErr(ctx, waitErr), Output: capture.String()}
	}
	if feedErr != nil {
		return &ToolError{Tool: name, Err: feedErr, Output: capture.String()}
	}
	return nil
}

func run(ctx context.Context, log zerolog.Logger, name string, args []string) error {
	cmd := command(ctx, name, args)
	capture := newOutputCapture(log, name)
	cmd.Stdout = capture
	cmd.Stderr = capture
	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: name, Err: contextErr(ctx, err), Output: capture.String()}
	}
	return nil
}

// contextErr prefers the context error so callers can tell a timeout from
// a plain non-zero exit.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
