package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const stdioShutdownGrace = 2 * time.Second

// maxStdioLine bounds one line of server output.
var maxStdioLine = 16 << 20

// stdioConn is a long-lived MCP server subprocess speaking line-delimited
// JSON-RPC over stdin/stdout. Output passes through a bounded line reader
// before the MCP transport sees it; calls are serialized so a malformed line
// can be charged to the call in flight.
type stdioConn struct {
	server string
	cmd    *exec.Cmd
	rpc    *transport.Stdio
	lines  *io.PipeReader

	mu     sync.Mutex
	nextID int64

	garbage  chan string
	readDone chan struct{}
	readErr  error
	exited   chan struct{}
}

func startStdio(ctx context.Context, server domain.ToolServer, env []string, dir string) (*stdioConn, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Dir = dir
	cmd.Stderr = &stderrLogger{server: server.Name}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}

	log.Info().Str("server", server.Name).Str("command", server.Command).Strs("args", server.Args).Msg("Launching MCP stdio server")
	if err := cmd.Start(); err != nil {
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}

	lines, pw := io.Pipe()
	c := &stdioConn{
		server:   server.Name,
		cmd:      cmd,
		lines:    lines,
		rpc:      transport.NewIO(lines, stdin, io.NopCloser(strings.NewReader(""))),
		garbage:  make(chan string, 1),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go c.readLoop(stdout, pw, maxStdioLine)

	c.rpc.SetNotificationHandler(logNotifications(server.Name))
	if err := c.rpc.Start(context.Background()); err != nil {
		c.close()
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}
	if err := handshake(ctx, c); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// readLoop forwards complete JSON lines to the transport. Lines that are not
// JSON go to c.garbage; a line over limit ends the connection.
func (c *stdioConn) readLoop(stdout io.Reader, pw *io.PipeWriter, limit int) {
	scanner := bufio.NewScanner(stdout)
	initial := 64 * 1024
	if limit < initial {
		initial = limit
	}
	scanner.Buffer(make([]byte, 0, initial), limit)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			select {
			case c.garbage <- truncate(string(line), 200):
			default:
			}
			continue
		}
		if _, err := pw.Write(line); err != nil {
			break
		}
		if _, err := pw.Write([]byte{'\n'}); err != nil {
			break
		}
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = &domain.ProtocolError{Server: c.server, Message: "output line exceeds " + strconv.Itoa(limit) + " bytes"}
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	case err == nil:
		err = errors.New("process closed stdout")
	}
	c.readErr = err
	close(c.readDone)
	_ = pw.CloseWithError(err)

	_ = c.cmd.Wait()
	close(c.exited)
}

// readFailure reports why output ended. Only valid after readDone closed.
func (c *stdioConn) readFailure() error {
	var perr *domain.ProtocolError
	if errors.As(c.readErr, &perr) {
		return perr
	}
	return &domain.UnavailableError{Server: c.server, Cause: c.readErr}
}

func (c *stdioConn) alive() bool {
	select {
	case <-c.readDone:
		return false
	default:
		return true
	}
}

func (c *stdioConn) notify(ctx context.Context, method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rpc.SendNotification(ctx, newNotification(method)); err != nil {
		return c.failure(ctx, err)
	}
	return nil
}

func (c *stdioConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.garbage:
	default:
	}
	if !c.alive() {
		return nil, c.readFailure()
	}

	c.nextID++
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := sendAsync(callCtx, c.rpc, newRequest(c.nextID, method, params))

	select {
	case a := <-done:
		if a.err != nil {
			return nil, c.failure(ctx, a.err)
		}
		return resultOf(c.server, a.resp)
	case line := <-c.garbage:
		return nil, &domain.ProtocolError{Server: c.server, Message: "invalid message: " + line}
	case <-c.readDone:
		return nil, c.readFailure()
	}
}

func (c *stdioConn) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !c.alive() {
		return c.readFailure()
	}
	return &domain.TransportError{Server: c.server, Cause: err}
}

// close shuts stdin so the server can exit, then kills it after a grace
// period.
func (c *stdioConn) close() {
	_ = c.rpc.Close()
	_ = c.lines.Close()
	select {
	case <-c.exited:
	case <-time.After(stdioShutdownGrace):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}

type stderrLogger struct {
	server string
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	log.Debug().Str("server", l.server).Msg(truncate(string(p), 500))
	return len(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
