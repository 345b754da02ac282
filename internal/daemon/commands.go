package daemon

import (
	"errors"
	"fmt"

	"github.com/standardbeagle/hlassist/internal/metrics"
	"github.com/standardbeagle/hlassist/internal/protocol"
)

// ToggleInspecting flips inspection mode in a tab and reports the new mode.
func (d *Daemon) ToggleInspecting(tabID string) (protocol.Result, error) {
	return d.command(tabID, protocol.ActionToggleInspecting)
}

// ShowGUI opens the control panel in a tab.
func (d *Daemon) ShowGUI(tabID string) (protocol.Result, error) {
	return d.command(tabID, protocol.ActionShowGUI)
}

// HideGUI closes the control panel in a tab.
func (d *Daemon) HideGUI(tabID string) (protocol.Result, error) {
	return d.command(tabID, protocol.ActionHideGUI)
}

// GetState returns a tab's session summary.
func (d *Daemon) GetState(tabID string) (protocol.Snapshot, error) {
	res, err := d.command(tabID, protocol.ActionGetState)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	if res.State == nil {
		return protocol.Snapshot{IsInspecting: res.IsInspecting, Locked: res.Locked, PanelShown: res.PanelShown}, nil
	}
	return *res.State, nil
}

// command sends a REQUEST to the tab's relay and waits for its RESPONSE.
// The relay answers with a fallback when the overlay does not, so a
// timeout here means the relay itself is gone.
func (d *Daemon) command(tabID string, action protocol.Action) (protocol.Result, error) {
	tab, ok := d.tabs.Get(tabID)
	if !ok {
		return protocol.Result{}, fmt.Errorf("tab %q not attached", tabID)
	}

	id := protocol.NewRequestID("req")
	req := protocol.Request(action, id)
	resp, err := d.pending.Call(id, d.config.UITimeout, func() error { return tab.conn.Post(req) })
	if err != nil {
		if protocol.KindOf(err) == protocol.KindTimeout {
			metrics.RecordTimeout("ui")
		}
		return protocol.Result{}, fmt.Errorf("%s on %s: %w", action, tabID, err)
	}
	if resp.Result == nil {
		return protocol.Result{}, protocol.E(protocol.KindMalformedPayload, string(action), errors.New("response without result"))
	}
	if resp.Error != "" {
		return *resp.Result, fmt.Errorf("%s on %s: %s", action, tabID, resp.Error)
	}
	return *resp.Result, nil
}
