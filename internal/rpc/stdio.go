package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

// maxLineSize bounds a single JSON message read from a child process.
const maxLineSize = 8 << 20

// StdioClient implements Client for bridges run as a child process that
// exchanges one JSON message per line on stdin and stdout.
type StdioClient struct {
	name     string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	incoming chan readResult
	reqID    int32
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
}

type readResult struct {
	msg *Message
	err error
}

// NewStdioClient starts argv and returns a client speaking to it.
func NewStdioClient(name string, argv []string, logger *slog.Logger) (*StdioClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command for %s", name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start bridge process: %w", err)
	}

	client := &StdioClient{
		name:     name,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		incoming: make(chan readResult, 16),
		logger:   logger,
	}

	go client.readLoop()
	go client.logStderr()

	logger.Info("started bridge stdio client", "name", name, "command", argv[0])
	return client, nil
}

// Name returns the client identifier
func (c *StdioClient) Name() string {
	return c.name
}

// Call writes a request line and waits for the matching response line.
// A response that arrives after ctx is done is discarded by the next call.
func (c *StdioClient) Call(ctx context.Context, method string, params, result any, notify NotifyFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	reqID := int(atomic.AddInt32(&c.reqID, 1))
	request := Request{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := c.stdin.Write(append(requestJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}

	response, err := awaitResponse(reqID, func() (*Message, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, ok := <-c.incoming:
			if !ok {
				return nil, io.EOF
			}
			return r.msg, r.err
		}
	}, notify, c.logger)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("EOF from bridge %s", c.name)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read response: %w", err)
	}

	return decodeResult(response, result)
}

// Close disconnects from the bridge and stops the process
func (c *StdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.stdin != nil {
		c.stdin.Close()
	}

	if c.cmd != nil && c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			c.logger.Warn("failed to kill bridge process", "error", err)
		}
		c.cmd.Wait()
	}

	c.logger.Info("closed bridge stdio client", "name", c.name)
	return nil
}

// readLoop decodes stdout lines until the process exits.
func (c *StdioClient) readLoop() {
	defer close(c.incoming)
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warn("skipping malformed bridge output", "server", c.name, "error", err)
			continue
		}
		c.incoming <- readResult{msg: &msg}
	}
	if err := scanner.Err(); err != nil {
		c.incoming <- readResult{err: err}
	}
}

// logStderr logs stderr output from the bridge process
func (c *StdioClient) logStderr() {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		c.logger.Warn("bridge stderr", "server", c.name, "message", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("stderr closed", "server", c.name, "error", err)
	}
}
