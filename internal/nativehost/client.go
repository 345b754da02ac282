package nativehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/protocol"
)

// Dialer opens a framed stream to a host.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Client performs one request/response exchange with the host per call.
type Client struct {
	dial Dialer
	log  *debug.Logger
}

// NewClient creates a client that uses dial for every call.
func NewClient(dial Dialer, log *debug.Logger) *Client {
	return &Client{dial: dial, log: debug.Or(log)}
}

// NewProcessClient spawns command (typically "hlassist native-host") for
// every call.
func NewProcessClient(command []string, log *debug.Logger) *Client {
	return NewClient(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return spawn(ctx, command)
	}, log)
}

// NewInProcessClient serves every call from h over an in-memory pipe.
func NewInProcessClient(h *Host, log *debug.Logger) *Client {
	return NewClient(func(ctx context.Context) (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		go func() {
			defer remote.Close()
			h.Serve(ctx, remote, remote)
		}()
		return local, nil
	}, log)
}

// Invoke sends command and maps the host's reply onto a native result.
// Transport problems and host-side errors both come back as failures.
func (c *Client) Invoke(ctx context.Context, command string, payload json.RawMessage) protocol.NativeResult {
	resp, err := c.call(ctx, Request{Command: command, Payload: payload})
	if err != nil {
		c.log.Warn("nativehost", "%s: %v", command, err)
		return protocol.NativeResult{Success: false, Error: protocol.E(protocol.KindNativeInvocation, command, err).Error()}
	}

	var head struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(resp, &head); err != nil {
		return protocol.NativeResult{Success: false, Error: protocol.E(protocol.KindMalformedPayload, command, err).Error()}
	}
	if head.Status == "error" {
		return protocol.NativeResult{Success: false, Error: head.Error, Response: resp}
	}
	return protocol.NativeResult{Success: true, Response: resp}
}

func (c *Client) call(ctx context.Context, req Request) (json.RawMessage, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to host: %w", err)
	}
	defer conn.Close()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := WriteMessage(conn, req); err != nil {
			done <- result{err: fmt.Errorf("send: %w", err)}
			return
		}
		data, err := ReadMessage(conn)
		if err != nil {
			done <- result{err: fmt.Errorf("receive: %w", err)}
			return
		}
		done <- result{data: data}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		conn.Close()
		return nil, protocol.E(protocol.KindTimeout, req.Command, ctx.Err())
	}
}

// procConn joins a child's stdio into one stream.
type procConn struct {
	cmd *exec.Cmd
	io.Reader
	io.WriteCloser
}

func (p *procConn) Close() error {
	p.WriteCloser.Close()
	return p.cmd.Wait()
}

func spawn(ctx context.Context, command []string) (io.ReadWriteCloser, error) {
	if len(command) == 0 {
		return nil, errors.New("no host command configured")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}
	return &procConn{cmd: cmd, Reader: stdout, WriteCloser: stdin}, nil
}
