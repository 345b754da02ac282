package nativehost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
)

// Host commands.
const (
	CommandPing         = "ping"
	CommandStartBridge  = "start_bridge"
	CommandStopBridge   = "stop_bridge"
	CommandBridgeStatus = "bridge_status"
)

// Request is one framed message from the browser.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the host's reply.
type Response struct {
	Status          string         `json:"status"`
	Error           string         `json:"error,omitempty"`
	BridgeRunning   bool           `json:"bridgeRunning"`
	ManagerResponse *ManagerResult `json:"managerResponse,omitempty"`
}

// ManagerResult reports what a start, stop or status command did.
type ManagerResult struct {
	Status  string `json:"status,omitempty"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// Supervisor starts and stops the bridge process.
type Supervisor interface {
	Start() (pid int, err error)
	// Stop reports whether a running bridge was stopped.
	Stop() (bool, error)
}

// Config configures a Host.
type Config struct {
	Logger       *debug.Logger
	BridgeAddr   string
	Supervisor   Supervisor
	ProbeTimeout time.Duration
	BootRetries  int
	BootInterval time.Duration
}

// DefaultConfig returns the standard bridge address and boot policy.
func DefaultConfig() Config {
	return Config{
		BridgeAddr:   "127.0.0.1:5055",
		ProbeTimeout: 500 * time.Millisecond,
		BootRetries:  10,
		BootInterval: 500 * time.Millisecond,
	}
}

// Host serves framed commands.
type Host struct {
	cfg Config
	log *debug.Logger
}

// New creates a host. Zero config values take defaults.
func New(cfg Config) *Host {
	def := DefaultConfig()
	if cfg.BridgeAddr == "" {
		cfg.BridgeAddr = def.BridgeAddr
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.BootRetries <= 0 {
		cfg.BootRetries = def.BootRetries
	}
	if cfg.BootInterval <= 0 {
		cfg.BootInterval = def.BootInterval
	}
	return &Host{cfg: cfg, log: debug.Or(cfg.Logger)}
}

// Serve answers frames from r on w until r ends or ctx is done. A frame
// that is not valid JSON gets an error reply; a broken frame ends the
// session.
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	h.log.Info("nativehost", "host started, bridge at %s", h.cfg.BridgeAddr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		var resp Response
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.log.Warn("nativehost", "failed to decode message: %v", err)
			resp = Response{Status: "error", Error: "invalid_json"}
		} else {
			resp = h.Handle(ctx, req)
		}
		if err := WriteMessage(w, resp); err != nil {
			return err
		}
	}
}

// Handle executes one command.
func (h *Host) Handle(ctx context.Context, req Request) Response {
	h.log.Debug("nativehost", "command %q", req.Command)

	switch req.Command {
	case "":
		return Response{Status: "error", Error: "missing_command"}
	case CommandPing:
		return Response{Status: "ok", BridgeRunning: h.bridgeRunning()}
	case CommandBridgeStatus:
		running := h.bridgeRunning()
		return Response{Status: "ok", BridgeRunning: running, ManagerResponse: &ManagerResult{Running: running}}
	case CommandStartBridge:
		return h.startBridge(ctx)
	case CommandStopBridge:
		return h.stopBridge()
	}
	return Response{Status: "error", Error: "unknown_command"}
}

func (h *Host) startBridge(ctx context.Context) Response {
	if h.bridgeRunning() {
		return Response{Status: "ok", BridgeRunning: true, ManagerResponse: &ManagerResult{Status: "already_running", Running: true}}
	}
	if h.cfg.Supervisor == nil {
		return Response{Status: "error", Error: "service_manager_unavailable"}
	}

	pid, err := h.cfg.Supervisor.Start()
	if err != nil {
		h.log.Error("nativehost", "bridge launch failed: %v", err)
		return Response{Status: "error", Error: "bridge_start_failed"}
	}
	h.log.Info("nativehost", "bridge launched (pid %d)", pid)

	for i := 0; i < h.cfg.BootRetries; i++ {
		if h.bridgeRunning() {
			return Response{Status: "ok", BridgeRunning: true, ManagerResponse: &ManagerResult{Status: "started", Running: true, PID: pid}}
		}
		select {
		case <-ctx.Done():
			return Response{Status: "error", Error: "bridge_start_cancelled"}
		case <-time.After(h.cfg.BootInterval):
		}
	}
	h.log.Warn("nativehost", "bridge did not open %s", h.cfg.BridgeAddr)
	return Response{Status: "error", Error: "bridge_start_timeout", ManagerResponse: &ManagerResult{Status: "started", PID: pid}}
}

func (h *Host) stopBridge() Response {
	if h.cfg.Supervisor == nil {
		return Response{Status: "error", Error: "service_manager_unavailable"}
	}
	stopped, err := h.cfg.Supervisor.Stop()
	if err != nil {
		h.log.Error("nativehost", "bridge stop failed: %v", err)
		return Response{Status: "error", Error: "bridge_stop_failed"}
	}
	status := "not_running"
	if stopped {
		status = "stopped"
	}
	return Response{Status: "ok", BridgeRunning: false, ManagerResponse: &ManagerResult{Status: status}}
}

// bridgeRunning probes the bridge port.
func (h *Host) bridgeRunning() bool {
	conn, err := net.DialTimeout("tcp", h.cfg.BridgeAddr, h.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
