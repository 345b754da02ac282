package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/standardbeagle/hlassist/internal/bridge"
	"github.com/standardbeagle/hlassist/internal/daemon"
	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/dom"
	"github.com/standardbeagle/hlassist/internal/nativehost"
	"github.com/standardbeagle/hlassist/internal/overlay"
	"github.com/standardbeagle/hlassist/internal/protocol"
	"github.com/standardbeagle/hlassist/internal/relay"
	"github.com/standardbeagle/hlassist/internal/state"
	"github.com/standardbeagle/hlassist/internal/store"
	"github.com/standardbeagle/hlassist/internal/transport"
)

// DefaultURL is the page address used when a script names none.
const DefaultURL = "http://localhost:3000/"

// Options configure a run. Zero values take the components' defaults.
type Options struct {
	Logger *debug.Logger
	// Storage backs the overlay settings. Defaults to a memory backend.
	Storage store.Backend
	// Transport configures the singleton's bridge client. Its URL is
	// replaced when the script starts its own bridge.
	Transport transport.Config
	// Defaults seed the durable settings when none are stored yet.
	Defaults map[string]any

	UITimeout      time.Duration
	StorageTimeout time.Duration
	NativeTimeout  time.Duration
	AnalyzeDelay   time.Duration
	PersistDelay   time.Duration
	HistoryLimit   int
	LogLimit       int
	MaxLayers      int
	SelectorDepth  int
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step   int    `json:"step"`
	Do     string `json:"do"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report is what a run leaves behind.
type Report struct {
	Tab        string               `json:"tab"`
	Steps      []StepResult         `json:"steps"`
	State      protocol.Snapshot    `json:"state"`
	History    []state.HistoryEntry `json:"history"`
	Logs       []state.LogEntry     `json:"logs"`
	Selections []bridge.Selection   `json:"selections,omitempty"`
}

// Run executes script and returns the report. Step failures are recorded
// in the report; only wiring failures are returned as errors.
func Run(ctx context.Context, script *Script, opts Options) (*Report, error) {
	log := debug.Or(opts.Logger)
	page, err := script.page()
	if err != nil {
		return nil, err
	}
	if opts.Storage == nil {
		opts.Storage = store.NewMemoryBackend()
	}
	url := script.URL
	if url == "" {
		url = DefaultURL
	}
	if err := seedSettings(ctx, opts.Storage, opts.Defaults, script.Settings); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tcfg := opts.Transport
	bridgeAddr := ""
	var srv *bridge.Server
	if script.Bridge {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("bridge listen: %w", err)
		}
		bridgeAddr = ln.Addr().String()
		tcfg.URL = "ws://" + bridgeAddr + "/ws"
		srv = bridge.New(bridge.Config{Addr: bridgeAddr, Logger: log})
		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := srv.Serve(runCtx, ln); err != nil {
				log.Error("sim", "bridge: %v", err)
			}
		}()
		defer func() {
			cancel()
			<-served
		}()
	}

	host := nativehost.New(nativehost.Config{Logger: log, BridgeAddr: bridgeAddr})
	if tcfg.URL == "" {
		tcfg.URL = transport.DefaultConfig().URL
	}
	tcfg.Logger = log
	dcfg := daemon.DefaultConfig()
	dcfg.Logger = log
	dcfg.Transport = tcfg
	if opts.UITimeout > 0 {
		// The relay's fallback must answer before the singleton gives up.
		dcfg.UITimeout = opts.UITimeout + 500*time.Millisecond
	}
	if opts.NativeTimeout > 0 {
		dcfg.NativeTimeout = opts.NativeTimeout
	}
	dcfg.Native = nativehost.NewInProcessClient(host, log)
	d := daemon.New(dcfg)
	if err := d.Start(); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		d.Stop(stopCtx)
	}()

	relayOverlay, overlayEnd := relay.Link("relay", "overlay", log)
	relayBack, backEnd := relay.Link("relay", "background", log)

	controllers := make(chan *overlay.Controller, 1)
	loader := func() error {
		c, err := overlay.New(overlay.Config{
			Logger:         log,
			Document:       page,
			Conn:           overlayEnd,
			PageURL:        url,
			BridgeURL:      tcfg.URL,
			AnalyzeDelay:   opts.AnalyzeDelay,
			PersistDelay:   opts.PersistDelay,
			StorageTimeout: opts.StorageTimeout,
			HistoryLimit:   opts.HistoryLimit,
			LogLimit:       opts.LogLimit,
			MaxLayers:      opts.MaxLayers,
			SelectorDepth:  opts.SelectorDepth,
		})
		if err != nil {
			return err
		}
		controllers <- c
		return nil
	}
	rl := relay.New(relay.Config{
		Logger:         log,
		Storage:        opts.Storage,
		Loader:         loader,
		UITimeout:      opts.UITimeout,
		StorageTimeout: opts.StorageTimeout,
		NativeTimeout:  opts.NativeTimeout,
	}, relayOverlay, relayBack)
	rl.Start()
	defer rl.Stop()

	tab, err := d.Attach("", url, backEnd)
	if err != nil {
		return nil, err
	}

	// The first command injects the overlay, as opening the popup would.
	if _, err := d.GetState(tab); err != nil {
		return nil, fmt.Errorf("overlay did not load: %w", err)
	}
	var c *overlay.Controller
	select {
	case c = <-controllers:
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
	defer c.Close()

	r := &runner{d: d, tab: tab, page: page, c: c}
	report := &Report{Tab: tab}
	for i, st := range script.Steps {
		if err := runCtx.Err(); err != nil {
			return nil, err
		}
		out, err := r.step(runCtx, st)
		res := StepResult{Step: i + 1, Do: st.Do, Output: out}
		if err != nil {
			res.Error = err.Error()
			log.Debug("sim", "step %d (%s) failed: %v", i+1, st.Do, err)
		}
		report.Steps = append(report.Steps, res)
	}

	c.Store().Flush()
	if snap, err := d.GetState(tab); err == nil {
		report.State = snap
	} else {
		report.State = c.Snapshot()
	}
	report.History = c.Store().History()
	report.Logs = c.Store().Logs()
	if srv != nil {
		report.Selections = srv.Inbox().History(0)
	}
	return report, nil
}

// seedSettings stores defaults when no settings exist yet; script
// settings are layered over them and always written.
func seedSettings(ctx context.Context, backend store.Backend, defaults, settings map[string]any) error {
	if settings == nil {
		if defaults == nil {
			return nil
		}
		if _, ok, err := backend.Get(ctx, state.SettingsKey); err != nil || ok {
			return err
		}
	}
	merged := make(map[string]any, len(defaults)+len(settings))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range settings {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := backend.Set(ctx, state.SettingsKey, raw); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

type runner struct {
	d    *daemon.Daemon
	tab  string
	page *dom.Page
	c    *overlay.Controller
}

func (r *runner) target(st Step) (dom.Element, float64, float64, error) {
	if st.Target == "" {
		el := r.page.ElementFromPoint(st.X, st.Y)
		if el == nil {
			return nil, 0, 0, fmt.Errorf("nothing at (%.0f, %.0f)", st.X, st.Y)
		}
		return el, st.X, st.Y, nil
	}
	el := r.page.QuerySelector(st.Target)
	if el == nil {
		return nil, 0, 0, fmt.Errorf("no element matches %q", st.Target)
	}
	rect := el.Rect()
	return el, rect.X + rect.Width/2, rect.Y + rect.Height/2, nil
}

func (r *runner) step(ctx context.Context, st Step) (string, error) {
	key := overlay.KeyEvent{Key: st.Key, Ctrl: st.Ctrl, Meta: st.Meta, Shift: st.Shift}

	switch st.Do {
	case "toggle":
		res, err := r.d.ToggleInspecting(r.tab)
		return fmt.Sprintf("isInspecting=%v", res.IsInspecting), err
	case "show":
		res, err := r.d.ShowGUI(r.tab)
		return fmt.Sprintf("panelShown=%v", res.PanelShown), err
	case "hide":
		res, err := r.d.HideGUI(r.tab)
		return fmt.Sprintf("panelShown=%v", res.PanelShown), err
	case "state":
		snap, err := r.d.GetState(r.tab)
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(snap)
		return string(data), nil

	case "hover", "click", "lock", "context":
		el, x, y, err := r.target(st)
		if err != nil {
			return "", err
		}
		switch st.Do {
		case "hover":
			r.c.MouseOver(el, x, y)
			return fmt.Sprintf("over %s", describe(el)), nil
		case "click":
			return fmt.Sprintf("handled=%v", r.c.Click(el, x, y)), nil
		case "lock":
			r.c.Lock(el)
			return fmt.Sprintf("locked %s", describe(el)), nil
		default:
			sampled := r.c.ContextPoint(x, y)
			labels := make([]string, len(sampled))
			for i, l := range sampled {
				labels[i] = fmt.Sprintf("%d:%s", l.Index, l.Label)
			}
			return strings.Join(labels, " "), nil
		}

	case "unlock":
		r.c.Unlock()
		return "", nil
	case "key":
		return fmt.Sprintf("handled=%v", r.c.KeyDown(key)), nil
	case "keyup":
		r.c.KeyUp(key)
		return "", nil
	case "select_layer":
		return "", r.c.SelectLayer(st.Index)
	case "toggle_layer":
		visible, err := r.c.ToggleLayer(st.Index)
		return fmt.Sprintf("visible=%v", visible), err
	case "close_layers":
		r.c.CloseLayerExplorer()
		return "", nil
	case "copy_selector":
		return r.c.CopySelector()
	case "copy_xpath":
		return r.c.CopyXPath()
	case "connect":
		return "", r.c.ConnectBridge()
	case "disconnect":
		return "", r.c.DisconnectBridge()
	case "send":
		return "", r.c.SendToAI()
	case "wait":
		select {
		case <-time.After(st.For):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", errors.New("unknown action " + st.Do)
}

func describe(el dom.Element) string {
	if el == nil {
		return "nothing"
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(el.TagName()))
	if id := el.ID(); id != "" {
		b.WriteString("#" + id)
	}
	for _, cls := range el.Classes() {
		b.WriteString("." + cls)
	}
	return b.String()
}

// Print writes a human-readable report.
func (rep *Report) Print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tRESULT")
	for _, s := range rep.Steps {
		result := s.Output
		if s.Error != "" {
			result = "error: " + s.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Step, s.Do, result)
	}
	tw.Flush()

	st := rep.State
	fmt.Fprintf(w, "\nState (%s): inspecting=%v locked=%v panel=%v bridge=%v\n",
		rep.Tab, st.IsInspecting, st.Locked, st.PanelShown, st.BridgeConnected)
	if st.Selector != "" {
		fmt.Fprintf(w, "Selector: %s\n", st.Selector)
	}

	if len(rep.History) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		for _, h := range rep.History {
			fmt.Fprintf(w, "  %s  %s\n", h.Selector, h.TextContent)
		}
	}
	if len(rep.Selections) > 0 {
		fmt.Fprintf(w, "\nBridge received %d selection(s)\n", len(rep.Selections))
	}
	if len(rep.Logs) > 0 {
		fmt.Fprintln(w, "\nLogs:")
		for _, l := range rep.Logs {
			fmt.Fprintf(w, "  [%s] %s: %s\n", l.Level, l.Source, l.Message)
		}
	}
}
