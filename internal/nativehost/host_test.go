package nativehost

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/hlassist/internal/debug"
)

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, map[string]string{"command": "ping"}))

	assert.Equal(t, uint32(buf.Len()-4), binary.LittleEndian.Uint32(buf.Bytes()[:4]))

	data, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"ping"}`, string(data))

	_, err = ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramingTruncated(t *testing.T) {
	frame := make([]byte, 4, 8)
	binary.LittleEndian.PutUint32(frame, 10)
	frame = append(frame, "{}"...)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFramingTooLarge(t *testing.T) {
	frame := make([]byte, 4)
	binary.LittleEndian.PutUint32(frame, MaxMessageSize+1)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// listenerSupervisor "starts the bridge" by opening a TCP listener.
type listenerSupervisor struct {
	addr string

	mu sync.Mutex
	ln net.Listener
}

func (s *listenerSupervisor) Start() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return 0, err
	}
	s.ln = ln
	return 4242, nil
}

func (s *listenerSupervisor) Stop() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false, nil
	}
	s.ln.Close()
	s.ln = nil
	return true, nil
}

// freeAddr returns an address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestHost(t *testing.T, sup Supervisor, addr string) *Host {
	return New(Config{
		Logger:       debug.Discard(),
		BridgeAddr:   addr,
		Supervisor:   sup,
		ProbeTimeout: 100 * time.Millisecond,
		BootRetries:  5,
		BootInterval: 10 * time.Millisecond,
	})
}

func TestHandleCommands(t *testing.T) {
	addr := freeAddr(t)
	h := newTestHost(t, nil, addr)
	ctx := context.Background()

	assert.Equal(t, Response{Status: "ok"}, h.Handle(ctx, Request{Command: CommandPing}))
	assert.Equal(t, Response{Status: "error", Error: "missing_command"}, h.Handle(ctx, Request{}))
	assert.Equal(t, Response{Status: "error", Error: "unknown_command"}, h.Handle(ctx, Request{Command: "reboot"}))
	assert.Equal(t, "service_manager_unavailable", h.Handle(ctx, Request{Command: CommandStartBridge}).Error)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln.Close()

	resp := h.Handle(ctx, Request{Command: CommandBridgeStatus})
	assert.True(t, resp.BridgeRunning)
	require.NotNil(t, resp.ManagerResponse)
	assert.True(t, resp.ManagerResponse.Running)
}

func TestStartStopBridge(t *testing.T) {
	addr := freeAddr(t)
	sup := &listenerSupervisor{addr: addr}
	h := newTestHost(t, sup, addr)
	ctx := context.Background()

	resp := h.Handle(ctx, Request{Command: CommandStartBridge})
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.BridgeRunning)
	assert.Equal(t, &ManagerResult{Status: "started", Running: true, PID: 4242}, resp.ManagerResponse)

	resp = h.Handle(ctx, Request{Command: CommandStartBridge})
	assert.Equal(t, "already_running", resp.ManagerResponse.Status)

	resp = h.Handle(ctx, Request{Command: CommandStopBridge})
	assert.Equal(t, "stopped", resp.ManagerResponse.Status)
	assert.False(t, h.Handle(ctx, Request{Command: CommandPing}).BridgeRunning)

	resp = h.Handle(ctx, Request{Command: CommandStopBridge})
	assert.Equal(t, "not_running", resp.ManagerResponse.Status)
}

type idleSupervisor struct{}

func (idleSupervisor) Start() (int, error) { return 1, nil }
func (idleSupervisor) Stop() (bool, error) { return false, nil }

func TestStartBridgeTimeout(t *testing.T) {
	h := newTestHost(t, idleSupervisor{}, freeAddr(t))

	resp := h.Handle(context.Background(), Request{Command: CommandStartBridge})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "bridge_start_timeout", resp.Error)
}

func TestServe(t *testing.T) {
	h := newTestHost(t, nil, freeAddr(t))

	var in bytes.Buffer
	require.NoError(t, WriteMessage(&in, Request{Command: CommandPing}))
	// A frame that is valid framing but not JSON.
	binary.Write(&in, binary.LittleEndian, uint32(3))
	in.WriteString("nop")
	require.NoError(t, WriteMessage(&in, Request{Command: "bogus"}))

	var out bytes.Buffer
	require.NoError(t, h.Serve(context.Background(), &in, &out))

	var got []Response
	for {
		data, err := ReadMessage(&out)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var r Response
		require.NoError(t, json.Unmarshal(data, &r))
		got = append(got, r)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "ok", got[0].Status)
	assert.Equal(t, "invalid_json", got[1].Error)
	assert.Equal(t, "unknown_command", got[2].Error)
}

func TestInProcessClient(t *testing.T) {
	addr := freeAddr(t)
	h := newTestHost(t, &listenerSupervisor{addr: addr}, addr)
	c := NewInProcessClient(h, debug.Discard())
	ctx := context.Background()

	res := c.Invoke(ctx, CommandStartBridge, nil)
	require.True(t, res.Success, res.Error)

	var resp Response
	require.NoError(t, json.Unmarshal(res.Response, &resp))
	assert.True(t, resp.BridgeRunning)

	res = c.Invoke(ctx, "bogus", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown_command", res.Error)

	c.Invoke(ctx, CommandStopBridge, nil)
}

func TestClientDialFailure(t *testing.T) {
	c := NewClient(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, io.ErrClosedPipe
	}, debug.Discard())

	res := c.Invoke(context.Background(), CommandPing, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "native invocation error")
}

func TestClientTimeout(t *testing.T) {
	c := NewClient(func(context.Context) (io.ReadWriteCloser, error) {
		local, _ := net.Pipe() // nobody answers
		return local, nil
	}, debug.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := c.Invoke(ctx, CommandPing, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
}
