package transport

import (
	"context"
	"time"
)

// heartbeat sends an application-level ping every PingInterval until ctx
// is cancelled. The bridge answers with pong, which refreshes LastPing.
func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Ping()
		}
	}
}

// Ping sends a ping message now.
func (c *Client) Ping() error {
	err := c.Send(map[string]any{"type": "ping", "timestamp": time.Now().UnixMilli()})
	if err != nil {
		c.log.Debug("transport", "ping failed: %v", err)
	}
	return err
}
