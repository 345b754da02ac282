package bridge

import (
	"encoding/json"
	"time"

	"github.com/standardbeagle/hlassist/internal/metrics"
)

var knownTypes = map[string]bool{
	"ping":                true,
	"ai_request":          true,
	"element_analysis":    true,
	"auto_detect_project": true,
	"broadcast":           true,
}

// inbound is the common shape of client messages.
type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Context   json.RawMessage `json:"context"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// millis returns the timestamp when it is numeric; string timestamps from
// older clients are ignored.
func (m inbound) millis() int64 {
	var ts int64
	if len(m.Timestamp) > 0 && json.Unmarshal(m.Timestamp, &ts) == nil {
		return ts
	}
	return 0
}

func errorMessage(msg string) map[string]any {
	return map[string]any{"type": "error", "message": msg, "timestamp": now()}
}

// handle dispatches one client message. Bad input is answered with an
// error message; the connection stays open.
func (s *Server) handle(c *client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("bridge", "invalid JSON from %s", c.conn.RemoteAddr())
		metrics.RecordBridgeMessage("invalid")
		c.reply(errorMessage("Invalid JSON format"))
		return
	}
	if knownTypes[msg.Type] {
		metrics.RecordBridgeMessage(msg.Type)
	} else {
		metrics.RecordBridgeMessage("unknown")
	}

	switch msg.Type {
	case "ping":
		c.reply(map[string]any{"type": "pong", "timestamp": now()})

	case "ai_request":
		s.inbox.Add(Selection{
			RequestID:  msg.RequestID,
			Context:    msg.Context,
			Timestamp:  msg.millis(),
			ReceivedAt: time.Now(),
		})
		s.log.Info("bridge", "ai request %s received", msg.RequestID)
		c.reply(map[string]any{
			"type":      "ai_response",
			"status":    "received",
			"requestId": msg.RequestID,
			"timestamp": now(),
		})

	case "element_analysis":
		c.reply(map[string]any{
			"type":      "analysis_received",
			"status":    "ok",
			"requestId": msg.RequestID,
			"timestamp": now(),
		})

	case "auto_detect_project":
		s.detectProject(c, msg.Data)

	case "broadcast":
		var payload any
		if len(msg.Data) > 0 {
			json.Unmarshal(msg.Data, &payload)
		}
		s.Broadcast(map[string]any{
			"type":      "broadcast_message",
			"data":      payload,
			"from":      "bridge",
			"timestamp": now(),
		})

	default:
		c.reply(errorMessage("Unknown message type: " + msg.Type))
	}
}

func (s *Server) detectProject(c *client, data json.RawMessage) {
	var req struct {
		Path string `json:"path"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(errorMessage("Failed to detect project type: " + err.Error()))
			return
		}
	}
	if req.Path == "" {
		c.reply(errorMessage("Failed to detect project type: path is required"))
		return
	}

	proj, err := s.cfg.Detect(req.Path)
	if err != nil {
		c.reply(errorMessage("Failed to detect project type: " + err.Error()))
		return
	}
	var venv any
	if proj.Venv != "" {
		venv = proj.Venv
	}
	s.log.Info("bridge", "detected %s at %s", proj.Label, req.Path)
	c.reply(map[string]any{
		"type": "project_detected",
		"data": map[string]any{
			"projectType": proj.Label,
			"command":     proj.Command,
			"port":        proj.Port,
			"venv":        venv,
		},
		"timestamp": now(),
	})
}
